package payment

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/adpay-gateway/internal/common"
)

// Handler exposes HTTP endpoints for invoices, status polling, cancellation
// and the crypto auxiliary queries.
type Handler struct {
	Svc      *Service
	Validate *validator.Validate
	// Idempotent, when set, wraps cancellation.
	Idempotent func(http.Handler) http.Handler
}

// NewHandler constructs a Handler with a fresh validator.
func NewHandler(svc *Service) *Handler {
	return &Handler{Svc: svc, Validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Register mounts the payment API under r. limit, when set, wraps invoice creation.
func (h *Handler) Register(r chi.Router, limit func(http.Handler) http.Handler) {
	create := http.Handler(http.HandlerFunc(h.CreateInvoice))
	if limit != nil {
		create = limit(create)
	}
	cancel := http.Handler(http.HandlerFunc(h.Cancel))
	if h.Idempotent != nil {
		cancel = h.Idempotent(cancel)
	}
	r.Method(http.MethodPost, "/invoices", create)
	r.Get("/payments/{provider}/{paymentId}/status", h.Status)
	r.Method(http.MethodPost, "/payments/{provider}/{paymentId}/cancel", cancel)
	r.Get("/currencies", h.Currencies)
	r.Get("/crypto/currencies", h.CryptoCurrencies)
	r.Get("/crypto/rate", h.CryptoRate)
}

type invoiceReq struct {
	UserID      int64       `json:"userId" validate:"required,gt=0"`
	Amount      json.Number `json:"amount" validate:"required,numeric"`
	Currency    string      `json:"currency" validate:"required,oneof=RUB USD USDT"`
	Description string      `json:"description" validate:"required,max=500"`
	IntentKey   string      `json:"intentKey" validate:"omitempty,max=128"`
	ReturnURL   string      `json:"returnUrl" validate:"omitempty,url"`
	SuccessURL  string      `json:"successUrl" validate:"omitempty,url"`
	CancelURL   string      `json:"cancelUrl" validate:"omitempty,url"`
}

// CreateInvoice validates the request and opens an invoice with the provider
// owning the currency. Business rejections are answered with 422 and the
// PaymentResult body.
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	var req invoiceReq
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	req.Description = strings.TrimSpace(req.Description)
	if err := h.Validate.Struct(req); err != nil {
		common.WriteError(w, common.ErrInvalidInput("invalid invoice request", err).WithDetails(validationDetails(err)))
		return
	}
	amount, err := decimal.NewFromString(req.Amount.String())
	if err != nil {
		common.WriteError(w, common.ErrInvalidInput("invalid amount", err))
		return
	}
	currency, _ := ParseCurrency(req.Currency)

	res := h.Svc.CreateInvoice(r.Context(), InvoiceRequest{
		UserID:      req.UserID,
		Amount:      amount,
		Currency:    currency,
		Description: req.Description,
		IntentKey:   req.IntentKey,
		Callbacks: CallbackURLs{
			ReturnURL:  req.ReturnURL,
			SuccessURL: req.SuccessURL,
			CancelURL:  req.CancelURL,
		},
	})
	if !res.Success {
		common.JSON(w, http.StatusUnprocessableEntity, res)
		return
	}
	common.JSON(w, http.StatusCreated, res)
}

// Status polls the provider for the payment's current canonical status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	paymentID := chi.URLParam(r, "paymentId")
	status, err := h.Svc.PollStatus(r.Context(), provider, paymentID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"provider":  strings.ToLower(provider),
		"paymentId": paymentID,
		"status":    status,
		"terminal":  status.IsTerminal(),
	})
}

// Cancel asks the provider to cancel an open payment.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	cancelled, err := h.Svc.Cancel(r.Context(), chi.URLParam(r, "provider"), chi.URLParam(r, "paymentId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

type currencyView struct {
	Code           Currency `json:"code"`
	Provider       string   `json:"provider"`
	Minimum        string   `json:"minimum"`
	MinimumDisplay string   `json:"minimumDisplay"`
}

// Currencies lists every accepted currency with its owning provider.
func (h *Handler) Currencies(w http.ResponseWriter, r *http.Request) {
	owners := h.Svc.Registry.Ownership()
	out := make([]currencyView, 0, len(owners))
	for _, c := range h.Svc.Registry.Currencies() {
		minimum := MinimumAmount(c)
		out = append(out, currencyView{
			Code:           c,
			Provider:       owners[string(c)],
			Minimum:        minimum.String(),
			MinimumDisplay: FormatAmount(minimum, c),
		})
	}
	common.JSON(w, http.StatusOK, map[string]any{"currencies": out})
}

// CryptoCurrencies lists coins accepted by the crypto rail.
func (h *Handler) CryptoCurrencies(w http.ResponseWriter, r *http.Request) {
	crypto, ok := h.Svc.Crypto()
	if !ok {
		common.JSONError(w, http.StatusNotFound, "PROVIDER_NOT_SUPPORTED", "crypto provider not configured", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"currencies": crypto.AvailableCurrencies(r.Context())})
}

// CryptoRate returns the estimated exchange amount between two coins.
func (h *Handler) CryptoRate(w http.ResponseWriter, r *http.Request) {
	from := strings.TrimSpace(r.URL.Query().Get("from"))
	to := strings.TrimSpace(r.URL.Query().Get("to"))
	if from == "" || to == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "from and to are required", nil)
		return
	}
	crypto, ok := h.Svc.Crypto()
	if !ok {
		common.JSONError(w, http.StatusNotFound, "PROVIDER_NOT_SUPPORTED", "crypto provider not configured", nil)
		return
	}
	rate, ok := crypto.ExchangeRate(r.Context(), from, to)
	if !ok {
		common.JSONError(w, http.StatusBadGateway, "RATE_UNAVAILABLE", "exchange rate unavailable", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]string{
		"from": strings.ToUpper(from),
		"to":   strings.ToUpper(to),
		"rate": rate.String(),
	})
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnknownProvider):
		common.WriteError(w, common.ErrNotFound("unknown provider"))
	case errors.Is(err, ErrStatusUnavailable):
		common.JSONError(w, http.StatusBadGateway, "PROVIDER_UNAVAILABLE", "provider status unavailable", nil)
	default:
		common.WriteError(w, common.ErrInternal("payment operation failed", err))
	}
}

func validationDetails(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		out[fe.Field()] = fe.Tag()
	}
	return out
}
