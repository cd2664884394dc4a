package payment

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency identifies the currency a payment is denominated in.
type Currency string

const (
	CurrencyRUB  Currency = "RUB"
	CurrencyUSD  Currency = "USD"
	CurrencyUSDT Currency = "USDT"
)

var (
	minorFloor = decimal.New(1, -2)
	unitFloor  = decimal.NewFromInt(1)
)

// ParseCurrency normalises a currency code. The second return value is false
// when the code is not one of the currencies the gateway knows about.
func ParseCurrency(code string) (Currency, bool) {
	c := Currency(strings.ToUpper(strings.TrimSpace(code)))
	switch c {
	case CurrencyRUB, CurrencyUSD, CurrencyUSDT:
		return c, true
	default:
		return c, false
	}
}

// MinimumAmount returns the smallest accepted amount for c.
func MinimumAmount(c Currency) decimal.Decimal {
	if c == CurrencyRUB {
		return unitFloor
	}
	return minorFloor
}

// ValidateAmount applies the positivity check and the per-currency floor.
func ValidateAmount(amount decimal.Decimal, c Currency) bool {
	if !amount.IsPositive() {
		return false
	}
	return !amount.LessThan(MinimumAmount(c))
}

// FormatAmount renders amount for display next to the currency symbol the bot uses.
func FormatAmount(amount decimal.Decimal, c Currency) string {
	switch c {
	case CurrencyRUB:
		return amount.StringFixed(2) + " ₽"
	case CurrencyUSD:
		return "$" + amount.StringFixed(2)
	case CurrencyUSDT:
		return amount.StringFixed(6) + " USDT"
	default:
		return fmt.Sprintf("%s %s", amount.String(), c)
	}
}

func containsCurrency(set []Currency, c Currency) bool {
	for _, candidate := range set {
		if candidate == c {
			return true
		}
	}
	return false
}
