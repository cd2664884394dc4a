package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/adpay-gateway/internal/resilience"
)

// YookassaName is the registry and webhook path name of the card-redirect rail.
const YookassaName = "yookassa"

// DefaultYookassaNetworks lists the address ranges Yookassa sends notifications from.
var DefaultYookassaNetworks = []string{
	"185.71.76.0/27",
	"185.71.77.0/27",
	"77.75.153.0/25",
	"77.75.156.11/32",
	"77.75.156.35/32",
	"77.75.154.128/25",
	"2a02:5180::/32",
}

// YookassaConfig holds the credentials and endpoints of the card-redirect rail.
type YookassaConfig struct {
	ShopID    string
	SecretKey string
	BaseURL   string
	// ReturnURL is used when the request carries no return URL.
	ReturnURL string
	// TrustedNetworks restricts webhook senders. Empty means DefaultYookassaNetworks.
	TrustedNetworks []netip.Prefix
}

// Yookassa implements the card-redirect rail: a JSON payment object answered
// with a hosted confirmation URL.
type Yookassa struct {
	cfg      YookassaConfig
	api      remote
	networks []netip.Prefix
	logger   zerolog.Logger
	newKey   func() string
}

var (
	_ Provider      = (*Yookassa)(nil)
	_ Canceller     = (*Yookassa)(nil)
	_ SourceFilter  = (*Yookassa)(nil)
	_ StatusFetcher = (*Yookassa)(nil)
)

// NewYookassa constructs the card-redirect provider.
func NewYookassa(cfg YookassaConfig, client *resilience.HTTPClient, logger zerolog.Logger) *Yookassa {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.yookassa.ru/v3"
	}
	networks := cfg.TrustedNetworks
	if len(networks) == 0 {
		networks = mustPrefixes(DefaultYookassaNetworks)
	}
	y := &Yookassa{
		cfg:      cfg,
		networks: networks,
		logger:   logger.With().Str("provider", YookassaName).Logger(),
		newKey:   uuid.NewString,
	}
	y.api = newRemote(YookassaName, cfg.BaseURL, client, logger, func(r *http.Request) {
		r.SetBasicAuth(cfg.ShopID, cfg.SecretKey)
	})
	if !y.configured() {
		y.logger.Warn().Msg("yookassa credentials not configured")
	}
	return y
}

func (y *Yookassa) Name() string { return YookassaName }

func (y *Yookassa) Kind() Kind { return KindCardRedirect }

func (y *Yookassa) SupportedCurrencies() []Currency { return []Currency{CurrencyRUB} }

func (y *Yookassa) ValidateAmount(amount decimal.Decimal, currency Currency) bool {
	return ValidateAmount(amount, currency)
}

func (y *Yookassa) configured() bool {
	return strings.TrimSpace(y.cfg.ShopID) != "" && strings.TrimSpace(y.cfg.SecretKey) != ""
}

type yookassaAmount struct {
	Value    flexString `json:"value"`
	Currency string `json:"currency"`
}

type yookassaPayment struct {
	ID           string         `json:"id"`
	Status       string         `json:"status"`
	Amount       yookassaAmount `json:"amount"`
	Confirmation struct {
		Type            string `json:"type"`
		ConfirmationURL string `json:"confirmation_url"`
	} `json:"confirmation"`
}

// CreateInvoice opens a redirect payment. The Idempotence-Key header carries a
// fresh UUID per request, which is also stored as internal_payment_id.
func (y *Yookassa) CreateInvoice(ctx context.Context, req InvoiceRequest) PaymentResult {
	if res, ok := precheck(y, req, y.configured()); !ok {
		return res
	}
	key := y.newKey()
	returnURL := req.Callbacks.ReturnURL
	if returnURL == "" {
		returnURL = y.cfg.ReturnURL
	}
	payload := map[string]any{
		"amount": yookassaAmount{Value: flexString(req.Amount.StringFixed(2)), Currency: string(req.Currency)},
		"confirmation": map[string]string{
			"type":       "redirect",
			"return_url": returnURL,
		},
		"capture":     true,
		"description": req.Description,
		"metadata": map[string]string{
			"user_id":             strconv.FormatInt(req.UserID, 10),
			"internal_payment_id": key,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Failed("Payment creation error: " + err.Error())
	}

	var created yookassaPayment
	_, err = y.api.doJSON(ctx, apiCall{
		op:          "create_invoice",
		method:      http.MethodPost,
		path:        "/payments",
		body:        body,
		contentType: "application/json",
		header:      map[string]string{"Idempotence-Key": key},
	}, &created)
	if err != nil {
		return creationFailure(err)
	}
	if created.ID == "" {
		return Failed("Payment creation failed: response without payment id")
	}
	return PaymentResult{
		Success:    true,
		PaymentURL: created.Confirmation.ConfirmationURL,
		PaymentID:  created.ID,
		AdditionalData: map[string]any{
			"status":              created.Status,
			"internal_payment_id": key,
		},
	}
}

type yookassaNotification struct {
	Event  string          `json:"event"`
	Object yookassaPayment `json:"object"`
}

// VerifyWebhook accepts only payment.succeeded notifications. Sender
// authenticity is checked by AllowSource before the payload reaches here.
func (y *Yookassa) VerifyWebhook(_ context.Context, payload []byte) WebhookResult {
	var n yookassaNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return rejectWebhook(ErrMalformedPayload, "Webhook verification error: "+err.Error())
	}
	if n.Event != "payment.succeeded" {
		return rejectWebhook(ErrUnhandledEvent, "Unhandled event type: "+n.Event)
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(string(n.Object.Amount.Value)))
	if err != nil {
		amount = decimal.Zero
	}
	return WebhookResult{
		Valid:         true,
		PaymentID:     n.Object.ID,
		Status:        MapYookassaStatus(n.Object.Status),
		Amount:        amount,
		Currency:      strings.ToUpper(n.Object.Amount.Currency),
		TransactionID: n.Object.ID,
	}
}

// FetchStatus queries the payment object and maps its status.
func (y *Yookassa) FetchStatus(ctx context.Context, paymentID string) (Status, error) {
	if !y.configured() {
		return StatusFailed, errors.New("yookassa credentials not configured")
	}
	var p yookassaPayment
	if _, err := y.api.doJSON(ctx, apiCall{
		op:     "get_status",
		method: http.MethodGet,
		path:   "/payments/" + url.PathEscape(paymentID),
	}, &p); err != nil {
		return StatusFailed, err
	}
	return MapYookassaStatus(p.Status), nil
}

func (y *Yookassa) GetPaymentStatus(ctx context.Context, paymentID string) Status {
	status, _ := y.FetchStatus(ctx, paymentID)
	return status
}

// CancelPayment cancels a payment that is still waiting for capture.
func (y *Yookassa) CancelPayment(ctx context.Context, paymentID string) bool {
	if !y.configured() || strings.TrimSpace(paymentID) == "" {
		return false
	}
	body, _ := json.Marshal(map[string]string{"payment_id": paymentID})
	_, err := y.api.do(ctx, apiCall{
		op:          "cancel",
		method:      http.MethodPost,
		path:        "/payments/" + url.PathEscape(paymentID) + "/cancel",
		body:        body,
		contentType: "application/json",
		header:      map[string]string{"Idempotence-Key": y.newKey()},
	})
	return err == nil
}

func (y *Yookassa) HealthCheck(ctx context.Context) bool {
	if !y.configured() {
		return false
	}
	return y.api.probe(ctx, "/me")
}

// AllowSource reports whether addr belongs to the trusted notification ranges.
func (y *Yookassa) AllowSource(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, prefix := range y.networks {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// ParsePrefixes parses CIDR blocks or bare addresses into prefixes.
func ParsePrefixes(values []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(values))
	for _, raw := range values {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, prefix.Masked())
	}
	return out, nil
}

func mustPrefixes(values []string) []netip.Prefix {
	out, err := ParsePrefixes(values)
	if err != nil {
		panic(err)
	}
	return out
}
