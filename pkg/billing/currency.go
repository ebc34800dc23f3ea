package billing

import (
	"fmt"

	"github.com/hausmate/bursar/pkg/config"
)

const (
	defaultCurrencyEnv      = "BILLING_CURRENCY"
	defaultCurrencyFallback = "USD"
)

// DefaultCurrency returns the billing ledger currency used when no currency is specified.
func DefaultCurrency() string {
	return config.GetEnv(defaultCurrencyEnv, defaultCurrencyFallback)
}

// FormatCents renders an integer cent amount as a decimal string, e.g. 3533 -> "35.33".
// All money in the ledger is stored as integer cents; this is display-only.
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
