package x12

import (
	"strings"

	"github.com/shopspring/decimal"
)

// parseAmount parses an X12 monetary value. A value without an explicit
// decimal point carries implied decimals at the configured precision:
// "1500" at precision 2 is 15.00, while "15.00" is taken literally.
func parseAmount(value string, precision int) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, err
	}
	if strings.Contains(value, ".") {
		return d, nil
	}
	return d.Shift(int32(-precision)), nil
}
