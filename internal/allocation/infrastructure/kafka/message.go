package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dmehra2102/lot-allocation/internal/allocation/domain"
)

// AutoAllocateRequested asks for a batch of order lines to be allocated in
// the given order.
type AutoAllocateRequested struct {
	BatchID string          `json:"batch_id"`
	Policy  string          `json:"policy,omitempty"`
	Demands []DemandMessage `json:"demands"`
}

type DemandMessage struct {
	OrderLineID           string          `json:"order_line_id"`
	ProductID             string          `json:"product_id"`
	WarehouseID           string          `json:"warehouse_id"`
	Quantity              decimal.Decimal `json:"quantity"`
	RequestedDeliveryDate *time.Time      `json:"requested_delivery_date,omitempty"`
}

func (m DemandMessage) Demand() domain.Demand {
	return domain.Demand{
		OrderLineID:           m.OrderLineID,
		ProductID:             m.ProductID,
		WarehouseID:           m.WarehouseID,
		Quantity:              m.Quantity,
		RequestedDeliveryDate: m.RequestedDeliveryDate,
	}
}

// decodeRequest parses a batch request. An empty policy falls back to def.
func decodeRequest(raw []byte, def domain.Policy) (string, []domain.Demand, domain.Policy, error) {
	var req AutoAllocateRequested
	if err := json.Unmarshal(raw, &req); err != nil {
		return "", nil, "", fmt.Errorf("%w: decode request: %w", domain.ErrInvalidArgument, err)
	}
	policy := def
	if req.Policy != "" {
		p, err := domain.ParsePolicy(req.Policy)
		if err != nil {
			return "", nil, "", err
		}
		policy = p
	}
	demands := make([]domain.Demand, 0, len(req.Demands))
	for _, d := range req.Demands {
		demands = append(demands, d.Demand())
	}
	return req.BatchID, demands, policy, nil
}
