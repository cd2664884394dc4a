package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/adpay-gateway/internal/common"
	"github.com/noah-isme/adpay-gateway/internal/resilience"
)

// NOWPaymentsName is the registry and webhook path name of the crypto rail.
const NOWPaymentsName = "nowpayments"

// NOWPaymentsConfig holds the credentials and endpoints of the crypto-invoice rail.
type NOWPaymentsConfig struct {
	APIKey    string
	IPNSecret string
	BaseURL   string
	// IPNCallbackURL is used when the request carries no webhook URL.
	IPNCallbackURL string
}

// NOWPayments implements the crypto-invoice rail. Settlement is asynchronous
// and reported through signed IPN callbacks.
type NOWPayments struct {
	cfg    NOWPaymentsConfig
	api    remote
	logger zerolog.Logger
	newID  func() string
}

var (
	_ Provider      = (*NOWPayments)(nil)
	_ StatusFetcher = (*NOWPayments)(nil)
)

// NewNOWPayments constructs the crypto-invoice provider.
func NewNOWPayments(cfg NOWPaymentsConfig, client *resilience.HTTPClient, logger zerolog.Logger) *NOWPayments {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.nowpayments.io/v1"
	}
	n := &NOWPayments{
		cfg:    cfg,
		logger: logger.With().Str("provider", NOWPaymentsName).Logger(),
		newID:  uuid.NewString,
	}
	n.api = newRemote(NOWPaymentsName, cfg.BaseURL, client, logger, func(r *http.Request) {
		r.Header.Set("x-api-key", cfg.APIKey)
	})
	if !n.configured() {
		n.logger.Warn().Msg("nowpayments api key not configured")
	}
	if strings.TrimSpace(cfg.IPNSecret) == "" {
		n.logger.Warn().Msg("nowpayments ipn secret not configured; ipn signatures will not be verified")
	}
	return n
}

func (n *NOWPayments) Name() string { return NOWPaymentsName }

func (n *NOWPayments) Kind() Kind { return KindCryptoInvoice }

func (n *NOWPayments) SupportedCurrencies() []Currency { return []Currency{CurrencyUSDT} }

func (n *NOWPayments) ValidateAmount(amount decimal.Decimal, currency Currency) bool {
	return ValidateAmount(amount, currency)
}

func (n *NOWPayments) configured() bool { return strings.TrimSpace(n.cfg.APIKey) != "" }

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return err
	}
	*f = flexString(num.String())
	return nil
}

type nowPayment struct {
	PaymentID     flexString `json:"payment_id"`
	PaymentStatus string     `json:"payment_status"`
	InvoiceURL    string     `json:"invoice_url"`
	PayAddress    string     `json:"pay_address"`
	PayAmount     flexString `json:"pay_amount"`
	PayCurrency   string     `json:"pay_currency"`
	Network       string     `json:"network"`
}

// OrderID builds the merchant order reference for userID.
func (n *NOWPayments) OrderID(userID int64) string {
	return fmt.Sprintf("ad_%d_%s", userID, strings.ReplaceAll(n.newID(), "-", "")[:8])
}

// CreateInvoice submits a fixed-rate invoice priced in USD and payable in the
// requested coin.
func (n *NOWPayments) CreateInvoice(ctx context.Context, req InvoiceRequest) PaymentResult {
	if res, ok := precheck(n, req, n.configured()); !ok {
		return res
	}
	orderID := n.OrderID(req.UserID)
	payload := map[string]any{
		"price_amount":        json.RawMessage(req.Amount.String()),
		"price_currency":      "USD",
		"pay_currency":        strings.ToLower(string(req.Currency)),
		"ipn_callback_url":    firstNonEmpty(req.Callbacks.WebhookURL, n.cfg.IPNCallbackURL),
		"order_id":            orderID,
		"order_description":   req.Description,
		"purchase_id":         n.newID(),
		"fixed_rate":          true,
		"is_fee_paid_by_user": false,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Failed("Payment creation error: " + err.Error())
	}

	var created nowPayment
	_, err = n.api.doJSON(ctx, apiCall{
		op:          "create_invoice",
		method:      http.MethodPost,
		path:        "/payment",
		body:        body,
		contentType: "application/json",
	}, &created)
	if err != nil {
		return creationFailure(err)
	}
	if created.PaymentID == "" {
		return Failed("Payment creation failed: response without payment id")
	}
	return PaymentResult{
		Success:    true,
		PaymentURL: created.InvoiceURL,
		PaymentID:  string(created.PaymentID),
		AdditionalData: map[string]any{
			"order_id":     orderID,
			"pay_address":  created.PayAddress,
			"pay_amount":   string(created.PayAmount),
			"pay_currency": created.PayCurrency,
			"payment_id":   string(created.PaymentID),
			"network":      created.Network,
		},
	}
}

// VerifyWebhook authenticates an IPN body and extracts its settlement data.
func (n *NOWPayments) VerifyWebhook(_ context.Context, payload []byte) WebhookResult {
	data, err := decodeIPN(payload)
	if err != nil {
		return rejectWebhook(ErrMalformedPayload, "Webhook verification error: "+err.Error())
	}
	if secret := n.cfg.IPNSecret; secret != "" {
		received, _ := data[ipnSignatureField].(string)
		if received == "" || !common.EqualHex(signCanonical(secret, data), received) {
			return rejectWebhook(ErrInvalidSignature, "Invalid IPN signature")
		}
	} else {
		n.logger.Warn().Msg("ipn signature verification skipped")
	}

	amount := ipnAmount(data, "outcome_amount")
	if amount.IsZero() {
		amount = ipnAmount(data, "pay_amount")
	}
	return WebhookResult{
		Valid:         true,
		PaymentID:     ipnString(data, "payment_id"),
		Status:        MapNOWPaymentsStatus(ipnString(data, "payment_status")),
		Amount:        amount,
		Currency:      strings.ToUpper(firstNonEmpty(ipnString(data, "outcome_currency"), ipnString(data, "pay_currency"))),
		TransactionID: ipnString(data, "txid"),
	}
}

// FetchStatus queries the payment and maps its settlement stage.
func (n *NOWPayments) FetchStatus(ctx context.Context, paymentID string) (Status, error) {
	if !n.configured() {
		return StatusFailed, errors.New("nowpayments api key not configured")
	}
	var p nowPayment
	if _, err := n.api.doJSON(ctx, apiCall{
		op:     "get_status",
		method: http.MethodGet,
		path:   "/payment/" + url.PathEscape(paymentID),
	}, &p); err != nil {
		return StatusFailed, err
	}
	return MapNOWPaymentsStatus(p.PaymentStatus), nil
}

func (n *NOWPayments) GetPaymentStatus(ctx context.Context, paymentID string) Status {
	status, _ := n.FetchStatus(ctx, paymentID)
	return status
}

func (n *NOWPayments) HealthCheck(ctx context.Context) bool {
	if !n.configured() {
		return false
	}
	return n.api.probe(ctx, "/status")
}

var fallbackCryptoCurrencies = []string{"USDT"}

// AvailableCurrencies lists coins accepted by the rail, falling back to USDT
// when the list cannot be fetched.
func (n *NOWPayments) AvailableCurrencies(ctx context.Context) []string {
	if !n.configured() {
		return append([]string(nil), fallbackCryptoCurrencies...)
	}
	var resp struct {
		Currencies []json.RawMessage `json:"currencies"`
	}
	if _, err := n.api.doJSON(ctx, apiCall{op: "currencies", method: http.MethodGet, path: "/currencies"}, &resp); err != nil {
		return append([]string(nil), fallbackCryptoCurrencies...)
	}
	out := make([]string, 0, len(resp.Currencies))
	for _, raw := range resp.Currencies {
		var code string
		if err := json.Unmarshal(raw, &code); err != nil {
			var obj struct {
				Code string `json:"code"`
			}
			if err := json.Unmarshal(raw, &obj); err != nil {
				continue
			}
			code = obj.Code
		}
		if code = strings.ToUpper(strings.TrimSpace(code)); code != "" {
			out = append(out, code)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), fallbackCryptoCurrencies...)
	}
	return out
}

// ExchangeRate returns the estimated amount of to for one unit of from. The
// second result is false when no estimate is available.
func (n *NOWPayments) ExchangeRate(ctx context.Context, from, to string) (decimal.Decimal, bool) {
	if !n.configured() {
		return decimal.Zero, false
	}
	var resp struct {
		EstimatedAmount flexString `json:"estimated_amount"`
	}
	if _, err := n.api.doJSON(ctx, apiCall{
		op:     "exchange_rate",
		method: http.MethodGet,
		path:   "/exchange-amount",
		query: map[string]string{
			"from_currency": strings.ToLower(strings.TrimSpace(from)),
			"to_currency":   strings.ToLower(strings.TrimSpace(to)),
		},
	}, &resp); err != nil {
		return decimal.Zero, false
	}
	rate, err := decimal.NewFromString(strings.TrimSpace(string(resp.EstimatedAmount)))
	if err != nil {
		return decimal.Zero, false
	}
	return rate, true
}
