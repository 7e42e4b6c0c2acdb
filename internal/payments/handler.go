package payments

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/reflyh2/assetflow/internal/platform/httpx"
	"github.com/reflyh2/assetflow/internal/schedule"
	"github.com/reflyh2/assetflow/internal/shared"
)

const dateLayout = "2006-01-02"

// Handler exposes payment endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers payment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.listPayments)
	r.Post("/", h.createPayment)
	r.Get("/{id}", h.getPayment)
	r.Put("/{id}", h.updatePayment)
	r.Delete("/{id}", h.deletePayment)
}

type allocationPayload struct {
	LineID    int64           `json:"line_id" validate:"required,gt=0"`
	Principal decimal.Decimal `json:"principal"`
	Interest  decimal.Decimal `json:"interest"`
}

type paymentPayload struct {
	Reference   string              `json:"reference,omitempty"`
	PaidAt      string              `json:"paid_at" validate:"required"`
	Method      string              `json:"method" validate:"max=64"`
	Note        string              `json:"note"`
	Allocations []allocationPayload `json:"allocations" validate:"required,min=1,dive"`
}

// checkAmounts screens allocation amounts the validator's tags cannot see;
// decimal fields carry no numeric tags.
func (p paymentPayload) checkAmounts() error {
	for _, a := range p.Allocations {
		if a.Principal.IsNegative() || a.Interest.IsNegative() {
			return fmt.Errorf("allocation for line %d: amounts must not be negative", a.LineID)
		}
		if a.Principal.IsZero() && a.Interest.IsZero() {
			return fmt.Errorf("allocation for line %d: principal and interest are both zero", a.LineID)
		}
	}
	return nil
}

func (p paymentPayload) allocations() []AllocationInput {
	out := make([]AllocationInput, 0, len(p.Allocations))
	for _, a := range p.Allocations {
		out = append(out, AllocationInput{LineID: a.LineID, Principal: a.Principal, Interest: a.Interest})
	}
	return out
}

type allocationResponse struct {
	ID        int64           `json:"id"`
	LineID    int64           `json:"line_id"`
	AssetID   int64           `json:"asset_id"`
	Principal decimal.Decimal `json:"principal"`
	Interest  decimal.Decimal `json:"interest"`
}

type paymentResponse struct {
	ID        int64           `json:"id"`
	Number    string          `json:"number"`
	Reference string          `json:"reference"`
	PaidAt    string          `json:"paid_at"`
	Method    string          `json:"method,omitempty"`
	Note      string          `json:"note,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type paymentWithAllocationsResponse struct {
	paymentResponse
	Allocations []allocationResponse `json:"allocations"`
}

func toPaymentResponse(p Payment) paymentResponse {
	return paymentResponse{
		ID: p.ID, Number: p.Number, Reference: p.Reference.String(),
		PaidAt: p.PaidAt.Format(dateLayout), Method: p.Method, Note: p.Note,
		Amount: p.Amount, CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt,
	}
}

func toDetailResponse(p PaymentWithAllocations) paymentWithAllocationsResponse {
	out := paymentWithAllocationsResponse{paymentResponse: toPaymentResponse(p.Payment)}
	out.Allocations = make([]allocationResponse, 0, len(p.Allocations))
	for _, a := range p.Allocations {
		out.Allocations = append(out.Allocations, allocationResponse{
			ID: a.ID, LineID: a.LineID, AssetID: a.AssetID,
			Principal: a.Principal, Interest: a.Interest,
		})
	}
	return out
}

func (h *Handler) listPayments(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListPayments(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]paymentResponse, 0, len(list))
	for _, p := range list {
		out = append(out, toPaymentResponse(p))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) createPayment(w http.ResponseWriter, r *http.Request) {
	var payload paymentPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := payload.checkAmounts(); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	paidAt, err := time.Parse(dateLayout, payload.PaidAt)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "paid_at: "+err.Error())
		return
	}
	input := CreatePaymentInput{
		PaidAt: paidAt, Method: payload.Method, Note: payload.Note,
		Allocations: payload.allocations(),
	}
	if payload.Reference != "" {
		ref, err := uuid.Parse(payload.Reference)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "reference: not a valid UUID")
			return
		}
		input.Reference = ref
	}

	out, err := h.service.CreatePayment(r.Context(), input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toDetailResponse(out))
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.paymentID(w, r)
	if !ok {
		return
	}
	out, err := h.service.GetPayment(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toDetailResponse(out))
}

func (h *Handler) updatePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.paymentID(w, r)
	if !ok {
		return
	}
	var payload paymentPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := payload.checkAmounts(); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	paidAt, err := time.Parse(dateLayout, payload.PaidAt)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "paid_at: "+err.Error())
		return
	}

	out, err := h.service.UpdatePayment(r.Context(), id, UpdatePaymentInput{
		PaidAt: paidAt, Method: payload.Method, Note: payload.Note,
		Allocations: payload.allocations(),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toDetailResponse(out))
}

func (h *Handler) deletePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.paymentID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeletePayment(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) paymentID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "invalid payment ID")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var inconsistent *schedule.InconsistentScheduleError
	switch {
	case errors.Is(err, ErrPaymentNotFound), errors.Is(err, ErrLineNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrNoAllocations), errors.Is(err, ErrInvalidAllocation), errors.Is(err, ErrLineNotAllocatable):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrOverAllocation):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Over-Allocation", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate Submission", err.Error())
	case errors.As(err, &inconsistent):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Inconsistent Schedule", err.Error())
	default:
		h.logger.Error("payments request failed", slog.String("error", err.Error()))
		httpx.RespondError(w, err)
	}
}
