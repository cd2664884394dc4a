package payment

import (
	"context"
	"errors"
	"net/netip"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind enumerates the payment rail families the gateway integrates with.
type Kind string

const (
	KindCardRedirect   Kind = "card_redirect"
	KindHostedCheckout Kind = "hosted_checkout"
	KindCryptoInvoice  Kind = "crypto_invoice"
)

// Webhook rejection causes. WebhookResult.Err wraps one of these.
var (
	ErrInvalidSignature = errors.New("payment: webhook authenticity check failed")
	ErrUnhandledEvent   = errors.New("payment: unhandled webhook event")
	ErrMalformedPayload = errors.New("payment: malformed webhook payload")
)

// CallbackURLs carries the caller-controlled URLs a rail redirects or posts to.
type CallbackURLs struct {
	ReturnURL  string
	SuccessURL string
	CancelURL  string
	WebhookURL string
}

// InvoiceRequest captures everything needed to open an invoice with a provider.
type InvoiceRequest struct {
	UserID      int64
	Amount      decimal.Decimal
	Currency    Currency
	Description string
	Callbacks   CallbackURLs
	// IntentKey identifies the logical purchase (for example the ad id) and
	// scopes duplicate detection. Description is used when it is empty.
	IntentKey string
}

// PaymentResult is the outcome of an invoice creation attempt.
type PaymentResult struct {
	Success        bool           `json:"success"`
	PaymentURL     string         `json:"paymentUrl,omitempty"`
	PaymentID      string         `json:"paymentId,omitempty"`
	ErrorMessage   string         `json:"errorMessage,omitempty"`
	AdditionalData map[string]any `json:"additionalData,omitempty"`
}

// Failed builds an unsuccessful PaymentResult.
func Failed(message string) PaymentResult {
	return PaymentResult{Success: false, ErrorMessage: message}
}

// WebhookResult contains the normalised data extracted from a provider
// notification. When Valid is false every other field must be ignored.
type WebhookResult struct {
	Valid         bool
	PaymentID     string
	Status        Status
	Amount        decimal.Decimal
	Currency      string
	TransactionID string
	ErrorMessage  string
	Err           error
}

func rejectWebhook(cause error, message string) WebhookResult {
	return WebhookResult{Valid: false, ErrorMessage: message, Err: cause}
}

// Provider abstracts the operations every payment rail must expose.
type Provider interface {
	Name() string
	Kind() Kind
	CreateInvoice(ctx context.Context, req InvoiceRequest) PaymentResult
	VerifyWebhook(ctx context.Context, payload []byte) WebhookResult
	GetPaymentStatus(ctx context.Context, paymentID string) Status
	SupportedCurrencies() []Currency
	ValidateAmount(amount decimal.Decimal, currency Currency) bool
	HealthCheck(ctx context.Context) bool
}

// Canceller is implemented by rails that support cancelling an open payment.
type Canceller interface {
	CancelPayment(ctx context.Context, paymentID string) bool
}

// SignatureVerifier is implemented by rails that sign the raw webhook body in a
// header. The webhook intake must call it before the payload is parsed.
type SignatureVerifier interface {
	SignatureHeader() string
	VerifyWebhookSignature(rawBody []byte, header string) bool
}

// SourceFilter is implemented by rails whose notifications are authenticated by
// the sender address instead of a signature.
type SourceFilter interface {
	AllowSource(addr netip.Addr) bool
}

// StatusFetcher exposes a status query that keeps transport failures apart
// from a genuine FAILED status.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, paymentID string) (Status, error)
}

// Cancel asks p to cancel paymentID. Providers without the capability report false.
func Cancel(ctx context.Context, p Provider, paymentID string) bool {
	c, ok := p.(Canceller)
	if !ok {
		return false
	}
	return c.CancelPayment(ctx, paymentID)
}

// WebhookURL derives the notification URL a provider should call back on.
func WebhookURL(baseURL, providerName string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return base + "/webhooks/payment/" + strings.ToLower(providerName)
}

// precheck runs the local validation shared by every rail before any network call.
func precheck(p Provider, req InvoiceRequest, configured bool) (PaymentResult, bool) {
	if !containsCurrency(p.SupportedCurrencies(), req.Currency) {
		return Failed("Currency " + string(req.Currency) + " not supported by " + p.Name()), false
	}
	if !p.ValidateAmount(req.Amount, req.Currency) {
		return Failed("Invalid amount: " + req.Amount.String()), false
	}
	if !configured {
		return Failed(p.Name() + " credentials not configured"), false
	}
	return PaymentResult{}, true
}
