package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/dmehra2102/lot-allocation/internal/allocation/application"
	"github.com/dmehra2102/lot-allocation/internal/allocation/domain"
	"github.com/dmehra2102/lot-allocation/internal/allocation/infrastructure/memory"
)

type memClaimer struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (m *memClaimer) Seen(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = map[string]bool{}
	}
	seen := m.keys[key]
	m.keys[key] = true
	return seen, nil
}

func (m *memClaimer) Forget(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

type HandlerSuite struct {
	suite.Suite
	store  *memory.Store
	server *httptest.Server
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.store = memory.NewStore()
	for _, l := range []struct {
		id      string
		avail   int64
		expires time.Time
	}{
		{"A", 5, time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)},
		{"B", 10, time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)},
	} {
		exp := l.expires
		s.Require().NoError(s.store.AddLot(domain.Lot{
			ID: l.id, ProductID: "P-1", WarehouseID: "WH-1",
			ReceivedAt:        time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC),
			ExpiresAt:         &exp,
			TotalQuantity:     decimal.NewFromInt(l.avail),
			AvailableQuantity: decimal.NewFromInt(l.avail),
			Status:            domain.LotActive,
		}))
	}
	log := slog.New(slog.DiscardHandler)
	svc := application.NewService(log, s.store, application.Config{LockTimeout: time.Second, DefaultPolicy: domain.PolicyFEFO})
	s.server = httptest.NewServer(NewHandler(log, svc, &memClaimer{}).Routes())
}

func (s *HandlerSuite) TearDownTest() {
	s.server.Close()
}

func (s *HandlerSuite) do(method, path, body string, headers ...string) (int, map[string]any) {
	req, err := http.NewRequest(method, s.server.URL+path, strings.NewReader(body))
	s.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

const demandBody = `{"order_line_id":"L1","product_id":"P-1","warehouse_id":"WH-1","quantity":"8"}`

func (s *HandlerSuite) TestPreviewDoesNotReserve() {
	code, body := s.do(http.MethodPost, "/allocations/preview", demandBody)
	s.Equal(http.StatusOK, code)
	s.Equal("8", body["allocated"])
	lines := body["lines"].([]any)
	s.Require().Len(lines, 2)
	s.Equal("A", lines[0].(map[string]any)["lot_id"])
	s.Empty(s.store.Reservations())
}

func (s *HandlerSuite) TestCommitCreatesReservations() {
	code, body := s.do(http.MethodPost, "/allocations", demandBody)
	s.Equal(http.StatusCreated, code)
	s.Equal("0", body["shortfall"])
	s.Len(body["reservations"], 2)
	s.Len(s.store.Reservations(), 2)
}

func (s *HandlerSuite) TestCommitRejectsLockNone() {
	body := `{"order_line_id":"L1","product_id":"P-1","warehouse_id":"WH-1","quantity":"1","lock_mode":"NONE"}`
	code, _ := s.do(http.MethodPost, "/allocations", body)
	s.Equal(http.StatusBadRequest, code)
}

func (s *HandlerSuite) TestBadInput() {
	code, _ := s.do(http.MethodPost, "/allocations", `{"quantity":`)
	s.Equal(http.StatusBadRequest, code)

	code, _ = s.do(http.MethodPost, "/allocations", `{"order_line_id":"L1","product_id":"P-1","warehouse_id":"WH-1","quantity":"-1"}`)
	s.Equal(http.StatusBadRequest, code)

	code, _ = s.do(http.MethodPost, "/allocations/preview", `{"order_line_id":"L1","product_id":"P-1","warehouse_id":"WH-1","quantity":"1","policy":"LIFO"}`)
	s.Equal(http.StatusBadRequest, code)
}

func (s *HandlerSuite) TestManualAndLifecycle() {
	code, body := s.do(http.MethodPost, "/allocations/manual", `{"lot_id":"B","order_line_id":"L9","quantity":"4"}`)
	s.Require().Equal(http.StatusCreated, code)
	id := body["id"].(string)
	s.Equal("proposed", body["state"])

	code, body = s.do(http.MethodPost, "/reservations/"+id+"/soft-confirm", "")
	s.Equal(http.StatusOK, code)
	s.Equal("soft_confirmed", body["state"])

	code, body = s.do(http.MethodGet, "/reservations/"+id, "")
	s.Equal(http.StatusOK, code)
	s.Equal("soft_confirmed", body["state"])

	code, _ = s.do(http.MethodPost, "/reservations/"+id+"/cancel", "")
	s.Equal(http.StatusOK, code)
	code, _ = s.do(http.MethodPost, "/reservations/"+id+"/cancel", "")
	s.Equal(http.StatusConflict, code)

	l, _ := s.store.Lot("B")
	s.Equal("10", l.AvailableQuantity.String())
}

func (s *HandlerSuite) TestManualInsufficientStock() {
	code, _ := s.do(http.MethodPost, "/allocations/manual", `{"lot_id":"A","order_line_id":"L9","quantity":"6"}`)
	s.Equal(http.StatusConflict, code)
}

func (s *HandlerSuite) TestUnknownReservation() {
	code, _ := s.do(http.MethodGet, "/reservations/missing", "")
	s.Equal(http.StatusNotFound, code)
}

func (s *HandlerSuite) TestAutoAllocateSummary() {
	body := `{"policy":"FEFO","demands":[
		{"order_line_id":"old","product_id":"P-1","warehouse_id":"WH-1","quantity":"8"},
		{"order_line_id":"new","product_id":"P-1","warehouse_id":"WH-1","quantity":"10"}
	]}`
	code, out := s.do(http.MethodPost, "/allocations/auto", body)
	s.Require().Equal(http.StatusOK, code)
	s.Equal(float64(2), out["processed_lines"])
	s.Equal(float64(2), out["allocated_lines"])
	s.Equal(map[string]any{"new": "3"}, out["shortfalls"])
}

func (s *HandlerSuite) TestIdempotencyKeyRejectsReplay() {
	code, _ := s.do(http.MethodPost, "/allocations", demandBody, "Idempotency-Key", "abc")
	s.Equal(http.StatusCreated, code)
	code, _ = s.do(http.MethodPost, "/allocations", demandBody, "Idempotency-Key", "abc")
	s.Equal(http.StatusConflict, code)
	s.Len(s.store.Reservations(), 2)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(domain.ErrInvalidArgument))
	assert.Equal(t, http.StatusConflict, statusFor(domain.ErrInsufficientStock))
	assert.Equal(t, http.StatusConflict, statusFor(domain.ErrInvalidStateTransition))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(domain.ErrConcurrencyTimeout))
	assert.Equal(t, http.StatusNotFound, statusFor(domain.ErrNotFound))
	assert.Equal(t, http.StatusInternalServerError, statusFor(domain.ErrStorageFailure))
	require.Equal(t, http.StatusGatewayTimeout, statusFor(context.DeadlineExceeded))
}

// flakyStore fails the failOn-th transaction as if the connection dropped.
type flakyStore struct {
	*memory.Store
	mu     sync.Mutex
	calls  int
	failOn int
}

func (f *flakyStore) WithinTx(ctx context.Context, opts application.TxOptions, fn func(ctx context.Context, tx application.Tx) error) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls == f.failOn
	f.mu.Unlock()
	if fail {
		return errors.New("connection reset by peer")
	}
	return f.Store.WithinTx(ctx, opts, fn)
}

func post(t *testing.T, url, body string, headers ...string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestAutoAllocateRetryAfterPartialBatchDoesNotReallocate(t *testing.T) {
	mem := memory.NewStore()
	require.NoError(t, mem.AddLot(domain.Lot{
		ID: "B", ProductID: "P-1", WarehouseID: "WH-1",
		ReceivedAt:        time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC),
		TotalQuantity:     decimal.NewFromInt(10),
		AvailableQuantity: decimal.NewFromInt(10),
		Status:            domain.LotActive,
	}))
	store := &flakyStore{Store: mem, failOn: 2}
	log := slog.New(slog.DiscardHandler)
	svc := application.NewService(log, store, application.Config{LockTimeout: time.Second, DefaultPolicy: domain.PolicyFIFO})
	server := httptest.NewServer(NewHandler(log, svc, &memClaimer{}).Routes())
	defer server.Close()

	body := `{"demands":[
		{"order_line_id":"L1","product_id":"P-1","warehouse_id":"WH-1","quantity":"3"},
		{"order_line_id":"L2","product_id":"P-1","warehouse_id":"WH-1","quantity":"2"}
	]}`

	code, out := post(t, server.URL+"/allocations/auto", body, "Idempotency-Key", "batch-1")
	require.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, float64(2), out["processed_lines"])
	assert.NotEmpty(t, out["error"])

	code, _ = post(t, server.URL+"/allocations/auto", body, "Idempotency-Key", "batch-1")
	assert.Equal(t, http.StatusConflict, code)

	var l1 int
	for _, r := range mem.Reservations() {
		if r.OrderLineID == "L1" {
			l1++
		}
	}
	assert.Equal(t, 1, l1)
	lot, _ := mem.Lot("B")
	assert.Equal(t, "7", lot.AvailableQuantity.String())
}

func TestAutoAllocateFailureBeforeAnyCommitReleasesKey(t *testing.T) {
	mem := memory.NewStore()
	require.NoError(t, mem.AddLot(domain.Lot{
		ID: "B", ProductID: "P-1", WarehouseID: "WH-1",
		ReceivedAt:        time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC),
		TotalQuantity:     decimal.NewFromInt(10),
		AvailableQuantity: decimal.NewFromInt(10),
		Status:            domain.LotActive,
	}))
	log := slog.New(slog.DiscardHandler)
	svc := application.NewService(log, &flakyStore{Store: mem, failOn: 1}, application.Config{LockTimeout: time.Second, DefaultPolicy: domain.PolicyFIFO})
	server := httptest.NewServer(NewHandler(log, svc, &memClaimer{}).Routes())
	defer server.Close()

	body := `{"demands":[{"order_line_id":"L1","product_id":"P-1","warehouse_id":"WH-1","quantity":"3"}]}`
	code, _ := post(t, server.URL+"/allocations/auto", body, "Idempotency-Key", "batch-2")
	require.Equal(t, http.StatusInternalServerError, code)

	code, _ = post(t, server.URL+"/allocations/auto", body, "Idempotency-Key", "batch-2")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, mem.Reservations(), 1)
}

func TestReservationRoutesRecordSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	mem := memory.NewStore()
	require.NoError(t, mem.AddLot(domain.Lot{
		ID: "B", ProductID: "P-1", WarehouseID: "WH-1",
		ReceivedAt:        time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC),
		TotalQuantity:     decimal.NewFromInt(10),
		AvailableQuantity: decimal.NewFromInt(10),
		Status:            domain.LotActive,
	}))
	log := slog.New(slog.DiscardHandler)
	svc := application.NewService(log, mem, application.Config{LockTimeout: time.Second, DefaultPolicy: domain.PolicyFIFO})
	server := httptest.NewServer(NewHandler(log, svc, nil).Routes())
	defer server.Close()

	code, out := post(t, server.URL+"/allocations/manual", `{"lot_id":"B","order_line_id":"L1","quantity":"2"}`)
	require.Equal(t, http.StatusCreated, code)
	id := out["id"].(string)

	code, _ = post(t, server.URL+"/reservations/"+id+"/hard-confirm", "")
	require.Equal(t, http.StatusOK, code)
	resp, err := http.Get(server.URL + "/reservations/" + id)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// handler spans end after the response is flushed
	spans := map[string]sdktrace.ReadOnlySpan{}
	require.Eventually(t, func() bool {
		for _, s := range sr.Ended() {
			spans[s.Name()] = s
		}
		_, ok := spans["GetReservation"]
		return ok
	}, time.Second, 5*time.Millisecond)
	attrs := func(name string) map[attribute.Key]string {
		s, ok := spans[name]
		require.True(t, ok, "missing span %s", name)
		out := map[attribute.Key]string{}
		for _, kv := range s.Attributes() {
			out[kv.Key] = kv.Value.Emit()
		}
		return out
	}

	assert.Equal(t, id, attrs("HardConfirmReservation")["reservation_id"])
	assert.Equal(t, id, attrs("GetReservation")["reservation_id"])
	confirm := attrs("HardConfirm")
	assert.Equal(t, id, confirm["reservation_id"])
	assert.Equal(t, "hard", confirm["confirmation_kind"])
	assert.Equal(t, spans["HardConfirmReservation"].SpanContext().SpanID(), spans["HardConfirm"].Parent().SpanID())
}
