package fx

import (
	"fmt"

	"github.com/shopspring/decimal"
)

func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("fx: parse amount %q: %w", s, err)
	}
	return d, nil
}
