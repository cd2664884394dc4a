package payment

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/adpay-gateway/internal/common"
	"github.com/noah-isme/adpay-gateway/internal/resilience"
)

// StripeName is the registry and webhook path name of the hosted-checkout rail.
const StripeName = "stripe"

// StripeSignatureHeader carries the timestamped webhook signatures.
const StripeSignatureHeader = "Stripe-Signature"

// StripeConfig holds the credentials and endpoints of the hosted-checkout rail.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string
	SuccessURL    string
	CancelURL     string
	// SignatureTolerance rejects signatures whose timestamp is further than
	// this from now. Zero disables the check.
	SignatureTolerance time.Duration
}

// Stripe implements the hosted-checkout rail backed by checkout sessions.
type Stripe struct {
	cfg    StripeConfig
	api    remote
	logger zerolog.Logger
	now    func() time.Time
	newID  func() string
}

var (
	_ Provider          = (*Stripe)(nil)
	_ SignatureVerifier = (*Stripe)(nil)
	_ StatusFetcher     = (*Stripe)(nil)
)

// NewStripe constructs the hosted-checkout provider.
func NewStripe(cfg StripeConfig, client *resilience.HTTPClient, logger zerolog.Logger) *Stripe {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.stripe.com/v1"
	}
	s := &Stripe{
		cfg:    cfg,
		logger: logger.With().Str("provider", StripeName).Logger(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	s.api = newRemote(StripeName, cfg.BaseURL, client, logger, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+cfg.SecretKey)
	})
	if !s.configured() {
		s.logger.Warn().Msg("stripe credentials not configured")
	}
	return s
}

func (s *Stripe) Name() string { return StripeName }

func (s *Stripe) Kind() Kind { return KindHostedCheckout }

func (s *Stripe) SupportedCurrencies() []Currency { return []Currency{CurrencyUSD} }

func (s *Stripe) ValidateAmount(amount decimal.Decimal, currency Currency) bool {
	return ValidateAmount(amount, currency)
}

func (s *Stripe) configured() bool { return strings.TrimSpace(s.cfg.SecretKey) != "" }

// MinorUnits converts an amount into cents, rounding half away from zero.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

type stripeSession struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
}

// CreateInvoice opens a checkout session for a single line item.
func (s *Stripe) CreateInvoice(ctx context.Context, req InvoiceRequest) PaymentResult {
	if res, ok := precheck(s, req, s.configured()); !ok {
		return res
	}
	successURL := firstNonEmpty(req.Callbacks.SuccessURL, s.cfg.SuccessURL)
	cancelURL := firstNonEmpty(req.Callbacks.CancelURL, s.cfg.CancelURL)
	internalID := s.newID()
	session := map[string]any{
		"payment_method_types": []string{"card"},
		"line_items": []map[string]any{{
			"price_data": map[string]any{
				"currency":     strings.ToLower(string(req.Currency)),
				"product_data": map[string]any{"name": req.Description},
				"unit_amount":  MinorUnits(req.Amount),
			},
			"quantity": 1,
		}},
		"mode":        "payment",
		"success_url": successURL,
		"cancel_url":  cancelURL,
		"metadata": map[string]string{
			"user_id":             strconv.FormatInt(req.UserID, 10),
			"internal_payment_id": internalID,
		},
	}

	var created stripeSession
	_, err := s.api.doJSON(ctx, apiCall{
		op:          "create_invoice",
		method:      http.MethodPost,
		path:        "/checkout/sessions",
		body:        []byte(encodeForm(session)),
		contentType: "application/x-www-form-urlencoded",
	}, &created)
	if err != nil {
		return creationFailure(err)
	}
	if created.ID == "" {
		return Failed("Payment creation failed: response without session id")
	}
	return PaymentResult{
		Success:    true,
		PaymentURL: created.URL,
		PaymentID:  created.ID,
		AdditionalData: map[string]any{
			"status":              created.Status,
			"internal_payment_id": internalID,
		},
	}
}

type stripeEvent struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID            string          `json:"id"`
			PaymentStatus string          `json:"payment_status"`
			AmountTotal   json.Number     `json:"amount_total"`
			Currency      string          `json:"currency"`
			PaymentIntent json.RawMessage `json:"payment_intent"`
		} `json:"object"`
	} `json:"data"`
}

// VerifyWebhook performs the structural event check. The raw-body signature
// must already have been accepted by VerifyWebhookSignature.
func (s *Stripe) VerifyWebhook(_ context.Context, payload []byte) WebhookResult {
	var evt stripeEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return rejectWebhook(ErrMalformedPayload, "Webhook verification error: "+err.Error())
	}
	obj := evt.Data.Object
	if evt.Type != "checkout.session.completed" || obj.PaymentStatus != "paid" {
		return rejectWebhook(ErrUnhandledEvent, "Unhandled event type: "+evt.Type)
	}
	amount := decimal.Zero
	if minor, err := obj.AmountTotal.Int64(); err == nil {
		amount = decimal.New(minor, -2)
	}
	return WebhookResult{
		Valid:         true,
		PaymentID:     obj.ID,
		Status:        StatusPaid,
		Amount:        amount,
		Currency:      strings.ToUpper(obj.Currency),
		TransactionID: objectID(obj.PaymentIntent),
	}
}

func (s *Stripe) SignatureHeader() string { return StripeSignatureHeader }

// VerifyWebhookSignature checks a `t=<ts>,v1=<hex>[,v1=<hex>...]` header
// against HMAC-SHA256("{t}.{raw}") keyed by the webhook secret. Any matching
// v1 entry is sufficient.
func (s *Stripe) VerifyWebhookSignature(rawBody []byte, header string) bool {
	secret := s.cfg.WebhookSecret
	if secret == "" {
		s.logger.Warn().Msg("stripe webhook secret not configured")
		return false
	}
	timestamp, signatures, err := parseStripeSignature(header)
	if err != nil {
		s.logger.Warn().Err(err).Msg("stripe signature header rejected")
		return false
	}
	if s.cfg.SignatureTolerance > 0 {
		unix, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return false
		}
		age := s.now().Sub(time.Unix(unix, 0))
		if age < 0 {
			age = -age
		}
		if age > s.cfg.SignatureTolerance {
			s.logger.Warn().Dur("age", age).Msg("stripe signature outside tolerance")
			return false
		}
	}
	expected := common.HMACHex(sha256.New, []byte(secret), []byte(timestamp+"."+string(rawBody)))
	matched := false
	for _, sig := range signatures {
		if common.EqualHex(expected, sig) {
			matched = true
		}
	}
	return matched
}

var errStripeHeader = errors.New("malformed stripe signature header")

func parseStripeSignature(header string) (string, []string, error) {
	var (
		timestamp  string
		signatures []string
	)
	for _, element := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(element), "=")
		if !ok {
			return "", nil, errStripeHeader
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errStripeHeader
	}
	return timestamp, signatures, nil
}

// SignStripePayload builds a signature header for body, as the rail would.
func SignStripePayload(secret string, timestamp int64, body []byte) string {
	ts := strconv.FormatInt(timestamp, 10)
	return "t=" + ts + ",v1=" + common.HMACHex(sha256.New, []byte(secret), []byte(ts+"."+string(body)))
}

// FetchStatus retrieves the checkout session. An expired session reports EXPIRED.
func (s *Stripe) FetchStatus(ctx context.Context, paymentID string) (Status, error) {
	if !s.configured() {
		return StatusFailed, errors.New("stripe credentials not configured")
	}
	var session stripeSession
	if _, err := s.api.doJSON(ctx, apiCall{
		op:     "get_status",
		method: http.MethodGet,
		path:   "/checkout/sessions/" + url.PathEscape(paymentID),
	}, &session); err != nil {
		return StatusFailed, err
	}
	if strings.EqualFold(session.Status, "expired") {
		return StatusExpired, nil
	}
	return MapStripeStatus(session.PaymentStatus), nil
}

func (s *Stripe) GetPaymentStatus(ctx context.Context, paymentID string) Status {
	status, _ := s.FetchStatus(ctx, paymentID)
	return status
}

func (s *Stripe) HealthCheck(ctx context.Context) bool {
	if !s.configured() {
		return false
	}
	return s.api.probe(ctx, "/account")
}

// objectID extracts an id from a field that is either a string or an expanded object.
func objectID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
