package assets

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/reflyh2/assetflow/internal/platform/httpx"
	"github.com/reflyh2/assetflow/internal/schedule"
)

const dateLayout = "2006-01-02"

// Handler exposes asset and schedule endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers asset routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.listAssets)
	r.Post("/", h.createAsset)
	r.Get("/{id}", h.getAsset)
	r.Put("/{id}", h.updateAsset)
	r.Get("/{id}/schedule", h.getSchedule)
	r.Post("/{id}/depreciation/process", h.processDepreciation)
}

type termsPayload struct {
	Type                  string          `json:"type" validate:"required"`
	PurchaseDate          string          `json:"purchase_date,omitempty"`
	PurchaseCost          decimal.Decimal `json:"purchase_cost"`
	DownPayment           decimal.Decimal `json:"down_payment"`
	FinancingAmount       decimal.Decimal `json:"financing_amount"`
	InterestRate          decimal.Decimal `json:"interest_rate"`
	TermMonths            int             `json:"term_months"`
	FirstPaymentDate      string          `json:"first_payment_date,omitempty"`
	Frequency             string          `json:"payment_frequency,omitempty"`
	RentalAmount          decimal.Decimal `json:"rental_amount"`
	RentalStartDate       string          `json:"rental_start_date,omitempty"`
	RentalEndDate         string          `json:"rental_end_date,omitempty"`
	DepreciationMethod    string          `json:"depreciation_method,omitempty"`
	UsefulLifeMonths      int             `json:"useful_life_months"`
	SalvageValue          decimal.Decimal `json:"salvage_value"`
	FirstDepreciationDate string          `json:"first_depreciation_date,omitempty"`
	Intangible            bool            `json:"intangible"`
}

type assetPayload struct {
	Code     string       `json:"code" validate:"required,max=64"`
	Name     string       `json:"name" validate:"required,max=255"`
	Category string       `json:"category" validate:"max=64"`
	Notes    string       `json:"notes"`
	Terms    termsPayload `json:"terms" validate:"required"`
}

func (p termsPayload) toTerms() (schedule.AcquisitionTerms, error) {
	terms := schedule.AcquisitionTerms{
		Type:               schedule.AcquisitionType(p.Type),
		PurchaseCost:       p.PurchaseCost,
		DownPayment:        p.DownPayment,
		FinancingAmount:    p.FinancingAmount,
		InterestRate:       p.InterestRate,
		TermMonths:         p.TermMonths,
		Frequency:          schedule.PaymentFrequency(p.Frequency),
		RentalAmount:       p.RentalAmount,
		DepreciationMethod: schedule.DepreciationMethod(p.DepreciationMethod),
		UsefulLifeMonths:   p.UsefulLifeMonths,
		SalvageValue:       p.SalvageValue,
		Intangible:         p.Intangible,
	}
	if terms.Frequency == "" {
		terms.Frequency = schedule.FrequencyMonthly
	}
	var err error
	if terms.PurchaseDate, err = parseDate(p.PurchaseDate); err != nil {
		return terms, fmt.Errorf("purchase_date: %w", err)
	}
	if terms.FirstPaymentDate, err = parseDate(p.FirstPaymentDate); err != nil {
		return terms, fmt.Errorf("first_payment_date: %w", err)
	}
	if terms.RentalStartDate, err = parseDate(p.RentalStartDate); err != nil {
		return terms, fmt.Errorf("rental_start_date: %w", err)
	}
	if terms.RentalEndDate, err = parseDate(p.RentalEndDate); err != nil {
		return terms, fmt.Errorf("rental_end_date: %w", err)
	}
	if terms.FirstDepreciationDate, err = parseDate(p.FirstDepreciationDate); err != nil {
		return terms, fmt.Errorf("first_depreciation_date: %w", err)
	}
	return terms, nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(dateLayout, s)
}

type assetResponse struct {
	ID        int64        `json:"id"`
	Code      string       `json:"code"`
	Name      string       `json:"name"`
	Category  string       `json:"category,omitempty"`
	Notes     string       `json:"notes,omitempty"`
	Terms     termsPayload `json:"terms"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

type lineResponse struct {
	ID            int64           `json:"id"`
	Kind          string          `json:"kind"`
	Seq           int             `json:"seq"`
	DueDate       string          `json:"due_date"`
	PeriodStart   string          `json:"period_start,omitempty"`
	PeriodEnd     string          `json:"period_end,omitempty"`
	Principal     decimal.Decimal `json:"principal"`
	Interest      decimal.Decimal `json:"interest"`
	Amount        decimal.Decimal `json:"amount"`
	Cumulative    decimal.Decimal `json:"cumulative"`
	Remaining     decimal.Decimal `json:"remaining"`
	Status        string          `json:"status"`
	PaidPrincipal decimal.Decimal `json:"paid_principal"`
	PaidInterest  decimal.Decimal `json:"paid_interest"`
	PaidDate      string          `json:"paid_date,omitempty"`
	Notes         string          `json:"notes,omitempty"`
}

type assetWithScheduleResponse struct {
	assetResponse
	Schedule []lineResponse `json:"schedule"`
}

func toAssetResponse(a Asset) assetResponse {
	return assetResponse{
		ID: a.ID, Code: a.Code, Name: a.Name, Category: a.Category, Notes: a.Notes,
		Terms:     toTermsPayload(a.Terms),
		CreatedAt: a.CreatedAt, UpdatedAt: a.UpdatedAt,
	}
}

func toTermsPayload(t schedule.AcquisitionTerms) termsPayload {
	return termsPayload{
		Type:                  string(t.Type),
		PurchaseDate:          formatDate(t.PurchaseDate),
		PurchaseCost:          t.PurchaseCost,
		DownPayment:           t.DownPayment,
		FinancingAmount:       t.FinancingAmount,
		InterestRate:          t.InterestRate,
		TermMonths:            t.TermMonths,
		FirstPaymentDate:      formatDate(t.FirstPaymentDate),
		Frequency:             string(t.Frequency),
		RentalAmount:          t.RentalAmount,
		RentalStartDate:       formatDate(t.RentalStartDate),
		RentalEndDate:         formatDate(t.RentalEndDate),
		DepreciationMethod:    string(t.DepreciationMethod),
		UsefulLifeMonths:      t.UsefulLifeMonths,
		SalvageValue:          t.SalvageValue,
		FirstDepreciationDate: formatDate(t.FirstDepreciationDate),
		Intangible:            t.Intangible,
	}
}

func toLineResponse(l StoredLine) lineResponse {
	out := lineResponse{
		ID: l.ID, Kind: string(l.Kind), Seq: l.Seq,
		DueDate:     l.DueDate.Format(dateLayout),
		PeriodStart: formatDate(l.PeriodStart),
		PeriodEnd:   formatDate(l.PeriodEnd),
		Principal:   l.Principal, Interest: l.Interest, Amount: l.Amount,
		Cumulative: l.Cumulative, Remaining: l.Remaining,
		Status:        string(l.Status),
		PaidPrincipal: l.PaidPrincipal, PaidInterest: l.PaidInterest,
		Notes: l.Notes,
	}
	if l.PaidDate != nil {
		out.PaidDate = l.PaidDate.Format(dateLayout)
	}
	return out
}

func toScheduleResponse(out AssetWithSchedule) assetWithScheduleResponse {
	resp := assetWithScheduleResponse{assetResponse: toAssetResponse(out.Asset)}
	resp.Schedule = make([]lineResponse, 0, len(out.Lines))
	for _, l := range out.Lines {
		resp.Schedule = append(resp.Schedule, toLineResponse(l))
	}
	return resp
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}

func (h *Handler) listAssets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := ListAssetsRequest{
		Category: q.Get("category"),
		Type:     schedule.AcquisitionType(q.Get("type")),
	}
	req.Page, _ = strconv.Atoi(q.Get("page"))
	req.PerPage, _ = strconv.Atoi(q.Get("per_page"))
	list, page, err := h.service.ListAssets(r.Context(), req)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]assetResponse, 0, len(list))
	for _, a := range list {
		out = append(out, toAssetResponse(a))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"items":      out,
		"pagination": page,
	})
}

func (h *Handler) createAsset(w http.ResponseWriter, r *http.Request) {
	var payload assetPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	terms, err := payload.Terms.toTerms()
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	out, err := h.service.CreateAsset(r.Context(), CreateAssetInput{
		Code: payload.Code, Name: payload.Name, Category: payload.Category,
		Notes: payload.Notes, Terms: terms,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toScheduleResponse(out))
}

func (h *Handler) getAsset(w http.ResponseWriter, r *http.Request) {
	id, ok := h.assetID(w, r)
	if !ok {
		return
	}
	asset, err := h.service.GetAsset(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAssetResponse(asset))
}

func (h *Handler) updateAsset(w http.ResponseWriter, r *http.Request) {
	id, ok := h.assetID(w, r)
	if !ok {
		return
	}
	var payload assetPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validator.StructExcept(payload, "Code"); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	terms, err := payload.Terms.toTerms()
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	out, err := h.service.UpdateAsset(r.Context(), id, UpdateAssetInput{
		Name: payload.Name, Category: payload.Category, Notes: payload.Notes, Terms: terms,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toScheduleResponse(out))
}

func (h *Handler) getSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.assetID(w, r)
	if !ok {
		return
	}
	out, err := h.service.GetAssetWithSchedule(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toScheduleResponse(out))
}

type processDepreciationPayload struct {
	Until string `json:"until"`
}

func (h *Handler) processDepreciation(w http.ResponseWriter, r *http.Request) {
	id, ok := h.assetID(w, r)
	if !ok {
		return
	}
	var payload processDepreciationPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	until, err := parseDate(payload.Until)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "until: "+err.Error())
		return
	}

	processed, err := h.service.ProcessDepreciation(r.Context(), id, until)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int{"processed": processed})
}

func (h *Handler) assetID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "invalid asset ID")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var locked *schedule.LockedFieldError
	var inconsistent *schedule.InconsistentScheduleError
	switch {
	case errors.Is(err, ErrAssetNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInvalidTerms):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.As(err, &locked):
		httpx.Problem(w, http.StatusConflict, "Terms Locked", err.Error())
	case errors.As(err, &inconsistent):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Inconsistent Schedule", err.Error())
	default:
		h.logger.Error("assets request failed", slog.String("error", err.Error()))
		httpx.RespondError(w, err)
	}
}
