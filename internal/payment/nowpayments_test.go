package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const testIPNSecret = "ipn-secret"

// ipnBody is an IPN notification with unsorted keys, nested data and raw UTF-8.
const ipnBody = `{"payment_status":"finished","payment_id":5077125051,"pay_amount":"12.5","pay_currency":"usdttrc20","outcome_amount":12.47,"outcome_currency":"usdttrc20","order_description":"Реклама","fee":{"depositFee":0,"currency":"usdt"},"txid":"abc/def","ipn_signature":"%s"}`

// ipnCanonical is the expected canonical rendering of ipnBody.
const ipnCanonical = `{"fee":{"currency":"usdt","depositFee":0},"order_description":"\u0420\u0435\u043a\u043b\u0430\u043c\u0430","outcome_amount":12.47,"outcome_currency":"usdttrc20","pay_amount":"12.5","pay_currency":"usdttrc20","payment_id":5077125051,"payment_status":"finished","txid":"abc/def"}`

func hmacSHA512(secret, msg string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

func signedIPN(sig string) []byte {
	return []byte(strings.Replace(ipnBody, "%s", sig, 1))
}

func newTestNOWPayments(t *testing.T, rail *mockRail, secret string) *NOWPayments {
	t.Helper()
	cfg := NOWPaymentsConfig{APIKey: "np-key", IPNSecret: secret, BaseURL: "http://nowpayments.invalid", IPNCallbackURL: "https://gw.example/webhooks/payment/nowpayments"}
	var n *NOWPayments
	if rail != nil {
		cfg.BaseURL = rail.URL()
		n = NewNOWPayments(cfg, rail.client(), zerolog.Nop())
	} else {
		n = NewNOWPayments(cfg, nil, zerolog.Nop())
	}
	n.newID = func() string { return "abcdef12-3456-7890-abcd-ef1234567890" }
	return n
}

func TestCanonicalIPN(t *testing.T) {
	data, err := decodeIPN(signedIPN("x"))
	require.NoError(t, err)
	require.Equal(t, ipnCanonical, CanonicalIPN(data))

	data, err = decodeIPN([]byte(`{"b":[1,{"z":true,"a":null}],"a":"Ad 🚀 \"q\"","ipn_signature":"s","nested":{"ipn_signature":"kept"}}`))
	require.NoError(t, err)
	require.Equal(t, `{"a":"Ad \ud83d\ude80 \"q\"","b":[1,{"a":null,"z":true}],"nested":{"ipn_signature":"kept"}}`, CanonicalIPN(data))

	_, err = decodeIPN([]byte(`null`))
	require.Error(t, err)
	_, err = decodeIPN([]byte(`[1,2]`))
	require.Error(t, err)
}

func TestSignIPNMatchesLiteralCanonicalForm(t *testing.T) {
	sig, err := SignIPN(testIPNSecret, signedIPN("ignored"))
	require.NoError(t, err)
	require.Equal(t, hmacSHA512(testIPNSecret, ipnCanonical), sig)
}

func TestNOWPaymentsVerifyWebhook(t *testing.T) {
	n := newTestNOWPayments(t, nil, testIPNSecret)
	sig := hmacSHA512(testIPNSecret, ipnCanonical)

	res := n.VerifyWebhook(context.Background(), signedIPN(sig))
	require.True(t, res.Valid, res.ErrorMessage)
	require.Equal(t, "5077125051", res.PaymentID)
	require.Equal(t, StatusPaid, res.Status)
	require.True(t, res.Amount.Equal(decimal.RequireFromString("12.47")))
	require.Equal(t, "USDTTRC20", res.Currency)
	require.Equal(t, "abc/def", res.TransactionID)
}

func TestNOWPaymentsVerifyWebhookRejectsTampering(t *testing.T) {
	n := newTestNOWPayments(t, nil, testIPNSecret)
	sig := hmacSHA512(testIPNSecret, ipnCanonical)

	tampered := strings.Replace(string(signedIPN(sig)), `"pay_amount":"12.5"`, `"pay_amount":"125"`, 1)
	res := n.VerifyWebhook(context.Background(), []byte(tampered))
	require.False(t, res.Valid)
	require.ErrorIs(t, res.Err, ErrInvalidSignature)

	tampered = strings.Replace(string(signedIPN(sig)), `"finished"`, `"finishee"`, 1)
	require.False(t, n.VerifyWebhook(context.Background(), []byte(tampered)).Valid)

	flipped := []byte(sig)
	if flipped[0] == 'a' {
		flipped[0] = 'b'
	} else {
		flipped[0] = 'a'
	}
	require.False(t, n.VerifyWebhook(context.Background(), signedIPN(string(flipped))).Valid)
	require.False(t, n.VerifyWebhook(context.Background(), signedIPN(strings.ToUpper(sig))).Valid)

	res = n.VerifyWebhook(context.Background(), []byte(`{"payment_id":1,"payment_status":"finished"}`))
	require.False(t, res.Valid)
	require.ErrorIs(t, res.Err, ErrInvalidSignature)

	res = n.VerifyWebhook(context.Background(), []byte(`{"payment_id":`))
	require.False(t, res.Valid)
	require.ErrorIs(t, res.Err, ErrMalformedPayload)
}

func TestNOWPaymentsVerifyWebhookWithoutSecret(t *testing.T) {
	n := newTestNOWPayments(t, nil, "")
	res := n.VerifyWebhook(context.Background(), []byte(`{"payment_id":"77","payment_status":"waiting","pay_amount":3.5,"pay_currency":"usdt","outcome_amount":0}`))
	require.True(t, res.Valid)
	require.Equal(t, StatusPending, res.Status)
	require.True(t, res.Amount.Equal(decimal.RequireFromString("3.5")))
	require.Equal(t, "USDT", res.Currency)
}

func TestNOWPaymentsCreateInvoice(t *testing.T) {
	rail := newMockRail(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/payment", r.URL.Path)
		require.Equal(t, "np-key", r.Header.Get("x-api-key"))
		raw, _ := io.ReadAll(r.Body)
		require.Contains(t, string(raw), `"price_amount":25.5`)
		var body map[string]any
		require.NoError(t, json.Unmarshal(raw, &body))
		require.Equal(t, "USD", body["price_currency"])
		require.Equal(t, "usdt", body["pay_currency"])
		require.Equal(t, "ad_42_abcdef12", body["order_id"])
		require.Equal(t, "https://gw.example/webhooks/payment/nowpayments", body["ipn_callback_url"])
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"payment_id":5745459419,"payment_status":"waiting","pay_address":"TXaddr","pay_amount":25.51,"pay_currency":"usdttrc20","network":"trx","invoice_url":"https://nowpayments.io/payment/?iid=1"}`))
	})
	n := newTestNOWPayments(t, rail, testIPNSecret)

	res := n.CreateInvoice(context.Background(), InvoiceRequest{UserID: 42, Amount: decimal.RequireFromString("25.5"), Currency: CurrencyUSDT, Description: "Ad"})
	require.True(t, res.Success, res.ErrorMessage)
	require.Equal(t, "5745459419", res.PaymentID)
	require.Equal(t, "https://nowpayments.io/payment/?iid=1", res.PaymentURL)
	require.Equal(t, "TXaddr", res.AdditionalData["pay_address"])
	require.Equal(t, "25.51", res.AdditionalData["pay_amount"])
	require.Equal(t, "ad_42_abcdef12", res.AdditionalData["order_id"])
	require.Equal(t, "trx", res.AdditionalData["network"])

	res = n.CreateInvoice(context.Background(), InvoiceRequest{UserID: 42, Amount: decimal.NewFromInt(10), Currency: CurrencyRUB})
	require.False(t, res.Success)
	require.Equal(t, "Currency RUB not supported by nowpayments", res.ErrorMessage)
	require.Equal(t, 1, rail.Calls())
}

func TestNOWPaymentsCreateInvoiceRemoteFailure(t *testing.T) {
	rail := newMockRail(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"amountTo is too small"}`))
	})
	n := newTestNOWPayments(t, rail, testIPNSecret)

	res := n.CreateInvoice(context.Background(), InvoiceRequest{UserID: 1, Amount: decimal.NewFromInt(1), Currency: CurrencyUSDT})
	require.False(t, res.Success)
	require.Equal(t, "Payment creation failed: 400", res.ErrorMessage)
}

func TestNOWPaymentsAuxiliaryQueries(t *testing.T) {
	var down atomic.Bool
	rail := newMockRail(t, func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		switch r.URL.Path {
		case "/currencies":
			_, _ = w.Write([]byte(`{"currencies":["btc","usdttrc20",{"code":"eth"}]}`))
		case "/exchange-amount":
			require.Equal(t, "usdt", r.URL.Query().Get("from_currency"))
			require.Equal(t, "btc", r.URL.Query().Get("to_currency"))
			_, _ = w.Write([]byte(`{"estimated_amount":"0.0000155"}`))
		case "/payment/99":
			_, _ = w.Write([]byte(`{"payment_id":99,"payment_status":"partially_paid"}`))
		case "/status":
			_, _ = w.Write([]byte(`{"message":"OK"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	n := newTestNOWPayments(t, rail, testIPNSecret)
	ctx := context.Background()

	require.Equal(t, []string{"BTC", "USDTTRC20", "ETH"}, n.AvailableCurrencies(ctx))
	rate, ok := n.ExchangeRate(ctx, "USDT", "BTC")
	require.True(t, ok)
	require.True(t, rate.Equal(decimal.RequireFromString("0.0000155")))
	require.Equal(t, StatusPending, n.GetPaymentStatus(ctx, "99"))
	require.True(t, n.HealthCheck(ctx))

	down.Store(true)
	require.Equal(t, []string{"USDT"}, n.AvailableCurrencies(ctx))
	_, ok = n.ExchangeRate(ctx, "usdt", "btc")
	require.False(t, ok)
	_, err := n.FetchStatus(ctx, "99")
	require.Error(t, err)
	require.False(t, n.HealthCheck(ctx))
}
