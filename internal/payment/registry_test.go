package payment

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	name       string
	currencies []Currency
}

func (s stubProvider) Name() string { return s.name }
func (s stubProvider) Kind() Kind   { return KindCardRedirect }
func (s stubProvider) CreateInvoice(context.Context, InvoiceRequest) PaymentResult {
	return Failed("stub")
}
func (s stubProvider) VerifyWebhook(context.Context, []byte) WebhookResult {
	return rejectWebhook(ErrUnhandledEvent, "stub")
}
func (s stubProvider) GetPaymentStatus(context.Context, string) Status { return StatusFailed }
func (s stubProvider) SupportedCurrencies() []Currency                 { return s.currencies }
func (s stubProvider) ValidateAmount(decimal.Decimal, Currency) bool   { return true }
func (s stubProvider) HealthCheck(context.Context) bool                { return true }

func TestRegistrySelectsByCurrencyAndName(t *testing.T) {
	logger := zerolog.Nop()
	reg, err := NewRegistry(
		NewYookassa(YookassaConfig{}, nil, logger),
		NewStripe(StripeConfig{}, nil, logger),
		NewNOWPayments(NOWPaymentsConfig{}, nil, logger),
	)
	require.NoError(t, err)

	p, ok := reg.Select(CurrencyRUB)
	require.True(t, ok)
	require.Equal(t, YookassaName, p.Name())
	require.Equal(t, KindCardRedirect, p.Kind())

	p, ok = reg.ByName("Stripe")
	require.True(t, ok)
	require.Equal(t, KindHostedCheckout, p.Kind())

	_, ok = reg.Select(Currency("EUR"))
	require.False(t, ok)

	require.Equal(t, map[string]string{"RUB": "yookassa", "USD": "stripe", "USDT": "nowpayments"}, reg.Ownership())
	require.Equal(t, []Currency{CurrencyRUB, CurrencyUSD, CurrencyUSDT}, reg.Currencies())
}

func TestRegistryRejectsOverlapAndDuplicates(t *testing.T) {
	_, err := NewRegistry(
		stubProvider{name: "a", currencies: []Currency{CurrencyRUB}},
		stubProvider{name: "b", currencies: []Currency{CurrencyUSD, CurrencyRUB}},
	)
	require.ErrorIs(t, err, ErrCurrencyConflict)

	_, err = NewRegistry(
		stubProvider{name: "a", currencies: []Currency{CurrencyRUB}},
		stubProvider{name: "A", currencies: []Currency{CurrencyUSD}},
	)
	require.Error(t, err)

	_, err = NewRegistry(stubProvider{name: "empty"})
	require.Error(t, err)
}

func TestCancelWithoutCapability(t *testing.T) {
	require.False(t, Cancel(context.Background(), stubProvider{name: "x"}, "id"))
}

func TestWebhookURL(t *testing.T) {
	require.Equal(t, "https://bot.example/webhooks/payment/nowpayments", WebhookURL("https://bot.example/", "NOWPayments"))
}
