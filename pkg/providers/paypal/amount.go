package paypal

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseAmount converts a PayPal decimal string such as "470.00" into minor
// currency units
func ParseAmount(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	return d.Shift(2).Round(0).IntPart(), nil
}

// FormatAmount renders minor units as a PayPal decimal string
func FormatAmount(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
