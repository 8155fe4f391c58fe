package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/lot-allocation/internal/allocation/application"
	"github.com/dmehra2102/lot-allocation/internal/allocation/domain"
	"github.com/dmehra2102/lot-allocation/pkg/idempotency"
)

type Handler struct {
	log     *slog.Logger
	service *application.Service
	idem    idempotency.Claimer
	tracer  trace.Tracer
}

// NewHandler builds the allocation API. idem may be nil, in which case
// Idempotency-Key headers are ignored.
func NewHandler(log *slog.Logger, service *application.Service, idem idempotency.Claimer) *Handler {
	return &Handler{
		log:     log,
		service: service,
		idem:    idem,
		tracer:  otel.Tracer("allocation-http"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/allocations/preview", h.preview)
	r.Get("/reservations/{id}", h.getReservation)

	r.Group(func(r chi.Router) {
		if h.idem != nil {
			r.Use(idempotency.Middleware(h.log, h.idem))
		}
		r.Post("/allocations", h.commit)
		r.Post("/allocations/manual", h.allocateManual)
		r.Post("/allocations/auto", h.autoAllocate)
		r.Post("/reservations/{id}/soft-confirm", h.transition("SoftConfirmReservation", h.service.SoftConfirm))
		r.Post("/reservations/{id}/hard-confirm", h.transition("HardConfirmReservation", h.service.HardConfirm))
		r.Post("/reservations/{id}/cancel", h.transition("CancelReservation", h.service.Cancel))
	})
	return r
}

func (h *Handler) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))
		h.log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (h *Handler) preview(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "PreviewAllocation")
	defer span.End()

	var req previewReq
	if !h.decode(w, r, &req) {
		return
	}
	policy, err := h.policy(req.Policy)
	if err != nil {
		h.fail(w, err)
		return
	}
	res, err := h.service.Preview(ctx, req.demand(), policy)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newPreviewResp(res))
}

func (h *Handler) commit(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CommitAllocation")
	defer span.End()

	var req commitReq
	if !h.decode(w, r, &req) {
		return
	}
	policy, err := h.policy(req.Policy)
	if err != nil {
		h.fail(w, err)
		return
	}
	mode := domain.LockForUpdate
	if req.LockMode != "" {
		if mode, err = domain.ParseLockMode(req.LockMode); err != nil {
			h.fail(w, err)
			return
		}
	}

	res, err := h.service.Commit(ctx, req.demand(), policy, mode)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, commitResp{
		Reservations: newReservationList(res.Reservations),
		Allocated:    res.Allocated,
		Shortfall:    res.Shortfall,
	})
}

func (h *Handler) allocateManual(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "AllocateManual")
	defer span.End()

	var req manualReq
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.AllocateManual(ctx, req.LotID, req.OrderLineID, req.Quantity)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newReservationResp(res))
}

func (h *Handler) autoAllocate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "AutoAllocate")
	defer span.End()

	var req autoReq
	if !h.decode(w, r, &req) {
		return
	}
	policy, err := h.policy(req.Policy)
	if err != nil {
		h.fail(w, err)
		return
	}
	demands := make([]domain.Demand, 0, len(req.Demands))
	for _, d := range req.Demands {
		demands = append(demands, d.demand())
	}

	sum, err := h.service.AutoAllocate(ctx, demands, policy)
	resp := newSummaryResp(sum)
	if err != nil {
		// the partial summary tells the caller which lines were committed
		h.log.Error("auto allocation aborted", "processed", sum.ProcessedLines, "err", err)
		if sum.Committed() {
			// a replay would allocate the committed lines again
			idempotency.Keep(r.Context())
		}
		resp.Error = err.Error()
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) transition(name string, fn func(context.Context, string) (domain.Reservation, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		ctx, span := h.tracer.Start(r.Context(), name, trace.WithAttributes(attribute.String("reservation_id", id)))
		defer span.End()

		res, err := fn(ctx, id)
		if err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newReservationResp(res))
	}
}

func (h *Handler) getReservation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, span := h.tracer.Start(r.Context(), "GetReservation", trace.WithAttributes(attribute.String("reservation_id", id)))
	defer span.End()

	res, err := h.service.GetReservation(ctx, id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newReservationResp(res))
}

func (h *Handler) policy(s string) (domain.Policy, error) {
	if s == "" {
		return h.service.DefaultPolicy(), nil
	}
	return domain.ParsePolicy(s)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid body: " + err.Error()})
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "err", err)
	}
	writeJSON(w, status, errorResp{Error: err.Error()})
}

type errorResp struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientStock), errors.Is(err, domain.ErrInvalidStateTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrConcurrencyTimeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
