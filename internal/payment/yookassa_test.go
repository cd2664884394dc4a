package payment

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/netip"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestYookassa(t *testing.T, rail *mockRail) *Yookassa {
	t.Helper()
	y := NewYookassa(YookassaConfig{
		ShopID:          "shop",
		SecretKey:       "secret",
		BaseURL:         rail.URL(),
		ReturnURL:       "https://t.me/adbot",
		TrustedNetworks: mustPrefixes([]string{"192.0.2.0/24"}),
	}, rail.client(), zerolog.Nop())
	y.newKey = func() string { return "11111111-2222-3333-4444-555555555555" }
	return y
}

func TestYookassaCreateInvoice(t *testing.T) {
	var captured map[string]any
	rail := newMockRail(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/payments", r.URL.Path)
		require.Equal(t, "11111111-2222-3333-4444-555555555555", r.Header.Get("Idempotence-Key"))
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "shop", user)
		require.Equal(t, "secret", pass)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pay_1","status":"pending","confirmation":{"type":"redirect","confirmation_url":"https://pay.example/abc"}}`))
	})
	y := newTestYookassa(t, rail)

	res := y.CreateInvoice(context.Background(), InvoiceRequest{
		UserID:      7,
		Amount:      decimal.NewFromInt(150),
		Currency:    CurrencyRUB,
		Description: "Ad placement",
	})

	require.True(t, res.Success, res.ErrorMessage)
	require.Equal(t, "https://pay.example/abc", res.PaymentURL)
	require.Equal(t, "pay_1", res.PaymentID)
	require.Empty(t, res.ErrorMessage)

	require.Equal(t, map[string]any{"value": "150.00", "currency": "RUB"}, captured["amount"])
	require.Equal(t, map[string]any{"type": "redirect", "return_url": "https://t.me/adbot"}, captured["confirmation"])
	require.Equal(t, true, captured["capture"])
	require.Equal(t, map[string]any{"user_id": "7", "internal_payment_id": "11111111-2222-3333-4444-555555555555"}, captured["metadata"])
}

func TestYookassaLocalRejectionsMakeNoCall(t *testing.T) {
	rail := newMockRail(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	y := newTestYookassa(t, rail)
	ctx := context.Background()

	res := y.CreateInvoice(ctx, InvoiceRequest{UserID: 1, Amount: decimal.NewFromInt(10), Currency: CurrencyUSD})
	require.False(t, res.Success)
	require.Equal(t, "Currency USD not supported by yookassa", res.ErrorMessage)

	res = y.CreateInvoice(ctx, InvoiceRequest{UserID: 1, Amount: decimal.RequireFromString("0.5"), Currency: CurrencyRUB})
	require.False(t, res.Success)
	require.Equal(t, "Invalid amount: 0.5", res.ErrorMessage)

	res = y.CreateInvoice(ctx, InvoiceRequest{UserID: 1, Amount: decimal.Zero, Currency: CurrencyRUB})
	require.False(t, res.Success)

	unconfigured := NewYookassa(YookassaConfig{BaseURL: rail.URL()}, rail.client(), zerolog.Nop())
	res = unconfigured.CreateInvoice(ctx, InvoiceRequest{UserID: 1, Amount: decimal.NewFromInt(100), Currency: CurrencyRUB})
	require.False(t, res.Success)
	require.Equal(t, "yookassa credentials not configured", res.ErrorMessage)
	require.False(t, unconfigured.HealthCheck(ctx))

	require.Zero(t, rail.Calls())
}

func TestYookassaCreateInvoiceRemoteFailure(t *testing.T) {
	rail := newMockRail(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"type":"error","code":"invalid_credentials"}`))
	})
	y := newTestYookassa(t, rail)

	res := y.CreateInvoice(context.Background(), InvoiceRequest{UserID: 1, Amount: decimal.NewFromInt(100), Currency: CurrencyRUB})
	require.False(t, res.Success)
	require.Equal(t, "Payment creation failed: 401", res.ErrorMessage)
	require.Empty(t, res.PaymentID)
	require.Equal(t, 1, rail.Calls())
}

func TestYookassaVerifyWebhook(t *testing.T) {
	y := NewYookassa(YookassaConfig{}, nil, zerolog.Nop())
	payload := []byte(`{"event":"payment.succeeded","object":{"id":"pay_1","status":"succeeded","amount":{"value":"150.00","currency":"RUB"}}}`)

	res := y.VerifyWebhook(context.Background(), payload)
	require.True(t, res.Valid)
	require.Equal(t, "pay_1", res.PaymentID)
	require.Equal(t, StatusPaid, res.Status)
	require.True(t, res.Amount.Equal(decimal.RequireFromString("150.00")))
	require.Equal(t, "RUB", res.Currency)
	require.Equal(t, "pay_1", res.TransactionID)

	res = y.VerifyWebhook(context.Background(), []byte(`{"event":"payment.waiting_for_capture","object":{"id":"pay_1","status":"waiting_for_capture"}}`))
	require.False(t, res.Valid)
	require.ErrorIs(t, res.Err, ErrUnhandledEvent)
	require.Equal(t, "Unhandled event type: payment.waiting_for_capture", res.ErrorMessage)

	res = y.VerifyWebhook(context.Background(), []byte(`{"event":`))
	require.False(t, res.Valid)
	require.ErrorIs(t, res.Err, ErrMalformedPayload)

	res = y.VerifyWebhook(context.Background(), []byte(`{"event":"payment.succeeded","object":{"id":"pay_3","status":"succeeded","amount":{"value":150.5,"currency":"rub"}}}`))
	require.True(t, res.Valid)
	require.Equal(t, "pay_3", res.PaymentID)
	require.True(t, res.Amount.Equal(decimal.RequireFromString("150.5")))
	require.Equal(t, "RUB", res.Currency)

	res = y.VerifyWebhook(context.Background(), []byte(`{"event":"payment.succeeded","object":{"id":"pay_2","status":"succeeded"}}`))
	require.True(t, res.Valid)
	require.True(t, res.Amount.IsZero())
}

func TestYookassaStatusCancelAndHealth(t *testing.T) {
	rail := newMockRail(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/payments/pay_1":
			_, _ = w.Write([]byte(`{"id":"pay_1","status":"waiting_for_capture"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/payments/pay_2":
			_, _ = w.Write([]byte(`{"id":"pay_2","status":"mystery"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/payments/pay_1/cancel":
			require.NotEmpty(t, r.Header.Get("Idempotence-Key"))
			_, _ = w.Write([]byte(`{"id":"pay_1","status":"canceled"}`))
		case r.URL.Path == "/me":
			_, _ = w.Write([]byte(`{"account_id":"shop"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	y := newTestYookassa(t, rail)
	ctx := context.Background()

	require.Equal(t, StatusPending, y.GetPaymentStatus(ctx, "pay_1"))
	require.Equal(t, StatusFailed, y.GetPaymentStatus(ctx, "pay_2"))

	_, err := y.FetchStatus(ctx, "missing")
	require.Error(t, err)
	require.Equal(t, StatusFailed, y.GetPaymentStatus(ctx, "missing"))

	require.True(t, y.CancelPayment(ctx, "pay_1"))
	require.False(t, y.CancelPayment(ctx, "pay_9"))
	require.True(t, Cancel(ctx, y, "pay_1"))
	require.True(t, y.HealthCheck(ctx))
}

func TestYookassaAllowSource(t *testing.T) {
	y := NewYookassa(YookassaConfig{}, nil, zerolog.Nop())
	require.True(t, y.AllowSource(netip.MustParseAddr("185.71.76.10")))
	require.True(t, y.AllowSource(netip.MustParseAddr("77.75.156.11")))
	require.True(t, y.AllowSource(netip.MustParseAddr("::ffff:185.71.77.1")))
	require.True(t, y.AllowSource(netip.MustParseAddr("2a02:5180::1")))
	require.False(t, y.AllowSource(netip.MustParseAddr("77.75.156.12")))
	require.False(t, y.AllowSource(netip.MustParseAddr("203.0.113.9")))

	prefixes, err := ParsePrefixes([]string{"10.0.0.1", " 192.0.2.0/24 "})
	require.NoError(t, err)
	require.Len(t, prefixes, 2)
	_, err = ParsePrefixes([]string{"not-an-ip"})
	require.Error(t, err)
}
