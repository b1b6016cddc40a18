package invoice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-invoice/internal/common"
	"github.com/noah-isme/backend-invoice/internal/pricing"
	"github.com/noah-isme/backend-invoice/internal/render"
)

const maxPerPage = 100

// Handler exposes the invoice HTTP endpoints.
type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

// HandlerConfig groups Handler dependencies.
type HandlerConfig struct {
	Service *Service
	Logger  zerolog.Logger
}

// NewHandler builds a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{svc: cfg.Service, logger: cfg.Logger}
}

// Preview prices a draft without storing it.
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	var d Draft
	if !decodeDraft(w, r, &d) {
		return
	}
	p, err := h.svc.Preview(d)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.Data(w, http.StatusOK, p)
}

// Publish stores a draft as a published invoice.
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	var d Draft
	if !decodeDraft(w, r, &d) {
		return
	}
	inv, err := h.svc.Publish(r.Context(), d)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/invoices/"+inv.ID.String())
	common.Data(w, http.StatusCreated, h.svc.view(inv, h.svc.now()))
}

// Get returns one invoice with its amount due and display status.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := invoiceID(w, r)
	if !ok {
		return
	}
	v, err := h.svc.View(r.Context(), id, h.svc.now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.Data(w, http.StatusOK, v)
}

// List returns published invoices newest first.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	page, perPage := common.ParsePagination(r, 20)
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	views, total, err := h.svc.List(r.Context(), page, perPage)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("X-Total-Count", strconv.FormatInt(total, 10))
	common.JSON(w, http.StatusOK, map[string]any{
		"data":       views,
		"pagination": common.NewPagination(page, perPage, total),
	})
}

// PDF streams a freshly rendered PDF of the invoice.
func (h *Handler) PDF(w http.ResponseWriter, r *http.Request) {
	id, ok := invoiceID(w, r)
	if !ok {
		return
	}
	pdf, inv, err := h.svc.Document(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="invoice-`+sanitizeFilename(inv.Number)+`.pdf"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(pdf)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf)
}

// Templates lists the built-in templates.
func (h *Handler) Templates(w http.ResponseWriter, r *http.Request) {
	common.Data(w, http.StatusOK, Templates())
}

// NewDraft returns a blank draft, pre-filled when ?template= names a template.
func (h *Handler) NewDraft(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.NewDraft(strings.TrimSpace(r.URL.Query().Get("template")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.Data(w, http.StatusOK, d)
}

// InvoiceNumber returns a fresh invoice number.
func (h *Handler) InvoiceNumber(w http.ResponseWriter, r *http.Request) {
	common.Data(w, http.StatusOK, map[string]string{"invoiceNumber": h.svc.NextNumber()})
}

// Currencies lists the supported currencies.
func (h *Handler) Currencies(w http.ResponseWriter, r *http.Request) {
	type currency struct {
		Code   string `json:"code"`
		Label  string `json:"label"`
		Symbol string `json:"symbol"`
	}
	list := pricing.Currencies()
	out := make([]currency, 0, len(list))
	for _, c := range list {
		out = append(out, currency{Code: c.Code, Label: c.Label, Symbol: c.Symbol})
	}
	common.Data(w, http.StatusOK, out)
}

func decodeDraft(w http.ResponseWriter, r *http.Request, d *Draft) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(d); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return false
	}
	return true
}

func invoiceID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid invoice id", nil)
		return uuid.Nil, false
	}
	return id, true
}

// WriteError maps invoice, pricing and render errors onto the API error shape.
func WriteError(w http.ResponseWriter, err error) {
	var (
		verr   *pricing.ValidationError
		rerr   *render.RenderError
		appErr *common.AppError
	)
	switch {
	case common.FieldErrors(err) != nil:
		common.JSONError(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "invalid invoice", common.FieldErrors(err))
	case errors.As(err, &verr):
		common.JSONError(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", verr.Error(), map[string]string{verr.Field: verr.Reason})
	case errors.Is(err, ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "invoice not found", nil)
	case errors.Is(err, ErrUnknownTemplate):
		common.JSONError(w, http.StatusNotFound, "TEMPLATE_NOT_FOUND", "unknown template", nil)
	case errors.Is(err, ErrDuplicateNumber):
		common.JSONError(w, http.StatusConflict, "DUPLICATE_INVOICE_NUMBER", "invoice number already exists", nil)
	case errors.Is(err, ErrNotPayable):
		common.JSONError(w, http.StatusConflict, "INVOICE_NOT_PAYABLE", "invoice is already paid", nil)
	case errors.Is(err, ErrConcurrentUpdate):
		common.JSONError(w, http.StatusConflict, "CONCURRENT_UPDATE", "invoice was updated concurrently", nil)
	case errors.As(err, &rerr):
		status := http.StatusBadGateway
		if rerr.Code == render.ErrCodeRenderTimeout {
			status = http.StatusGatewayTimeout
		}
		common.JSONError(w, status, rerr.Code, rerr.Message, nil)
	case errors.As(err, &appErr):
		common.JSONError(w, appErr.HTTPStatus, appErr.Code, appErr.Message, appErr.Details)
	case errors.Is(err, context.DeadlineExceeded):
		common.JSONError(w, http.StatusGatewayTimeout, "TIMEOUT", "request timed out", nil)
	default:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if !isClientError(err) {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("invoice_request_failed")
	}
	WriteError(w, err)
}

func isClientError(err error) bool {
	var verr *pricing.ValidationError
	return common.FieldErrors(err) != nil || errors.As(err, &verr) ||
		errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnknownTemplate) ||
		errors.Is(err, ErrDuplicateNumber) || errors.Is(err, ErrNotPayable)
}

func sanitizeFilename(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
