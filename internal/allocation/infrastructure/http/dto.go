package http

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/dmehra2102/lot-allocation/internal/allocation/application"
	"github.com/dmehra2102/lot-allocation/internal/allocation/domain"
)

type demandReq struct {
	OrderLineID           string          `json:"order_line_id"`
	ProductID             string          `json:"product_id"`
	WarehouseID           string          `json:"warehouse_id"`
	Quantity              decimal.Decimal `json:"quantity"`
	RequestedDeliveryDate *time.Time      `json:"requested_delivery_date,omitempty"`
}

func (d demandReq) demand() domain.Demand {
	return domain.Demand{
		OrderLineID:           d.OrderLineID,
		ProductID:             d.ProductID,
		WarehouseID:           d.WarehouseID,
		Quantity:              d.Quantity,
		RequestedDeliveryDate: d.RequestedDeliveryDate,
	}
}

type previewReq struct {
	demandReq
	Policy string `json:"policy"`
}

type commitReq struct {
	demandReq
	Policy   string `json:"policy"`
	LockMode string `json:"lock_mode"`
}

type manualReq struct {
	LotID       string          `json:"lot_id"`
	OrderLineID string          `json:"order_line_id"`
	Quantity    decimal.Decimal `json:"quantity"`
}

type autoReq struct {
	Policy  string      `json:"policy"`
	Demands []demandReq `json:"demands"`
}

type splitLineResp struct {
	LotID    string          `json:"lot_id"`
	Quantity decimal.Decimal `json:"quantity"`
}

type previewResp struct {
	Lines     []splitLineResp `json:"lines"`
	Allocated decimal.Decimal `json:"allocated"`
	Shortfall decimal.Decimal `json:"shortfall"`
}

func newPreviewResp(res domain.SplitResult) previewResp {
	out := previewResp{Lines: make([]splitLineResp, 0, len(res.Lines)), Allocated: res.Allocated, Shortfall: res.Shortfall}
	for _, l := range res.Lines {
		out.Lines = append(out.Lines, splitLineResp{LotID: l.Lot.ID, Quantity: l.Quantity})
	}
	return out
}

type reservationResp struct {
	ID          string          `json:"id"`
	LotID       string          `json:"lot_id"`
	OrderLineID string          `json:"order_line_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	State       string          `json:"state"`
	CreatedAt   time.Time       `json:"created_at"`
	ConfirmedAt *time.Time      `json:"confirmed_at,omitempty"`
	CancelledAt *time.Time      `json:"cancelled_at,omitempty"`
}

func newReservationResp(r domain.Reservation) reservationResp {
	return reservationResp{
		ID:          r.ID,
		LotID:       r.LotID,
		OrderLineID: r.OrderLineID,
		Quantity:    r.Quantity,
		State:       string(r.State),
		CreatedAt:   r.CreatedAt,
		ConfirmedAt: r.ConfirmedAt,
		CancelledAt: r.CancelledAt,
	}
}

func newReservationList(rs []domain.Reservation) []reservationResp {
	out := make([]reservationResp, 0, len(rs))
	for _, r := range rs {
		out = append(out, newReservationResp(r))
	}
	return out
}

type commitResp struct {
	Reservations []reservationResp `json:"reservations"`
	Allocated    decimal.Decimal   `json:"allocated"`
	Shortfall    decimal.Decimal   `json:"shortfall"`
}

type lineResp struct {
	OrderLineID  string            `json:"order_line_id"`
	Reservations []reservationResp `json:"reservations"`
	Allocated    decimal.Decimal   `json:"allocated"`
	Shortfall    decimal.Decimal   `json:"shortfall"`
	Error        string            `json:"error,omitempty"`
}

type summaryResp struct {
	ProcessedLines int                        `json:"processed_lines"`
	AllocatedLines int                        `json:"allocated_lines"`
	Shortfalls     map[string]decimal.Decimal `json:"shortfalls"`
	Lines          []lineResp                 `json:"lines"`
	Error          string                     `json:"error,omitempty"`
}

func newSummaryResp(s application.Summary) summaryResp {
	out := summaryResp{
		ProcessedLines: s.ProcessedLines,
		AllocatedLines: s.AllocatedLines,
		Shortfalls:     s.Shortfalls,
		Lines:          make([]lineResp, 0, len(s.Lines)),
	}
	if out.Shortfalls == nil {
		out.Shortfalls = map[string]decimal.Decimal{}
	}
	for _, l := range s.Lines {
		lr := lineResp{
			OrderLineID:  l.Demand.OrderLineID,
			Reservations: newReservationList(l.Reservations),
			Allocated:    l.Allocated,
			Shortfall:    l.Shortfall,
		}
		if l.Err != nil {
			lr.Error = l.Err.Error()
		}
		out.Lines = append(out.Lines, lr)
	}
	return out
}
