// Package fx consumes the external exchange-rate provider. The engine never
// owns rates; it reads "rate for today" and degrades to previously recorded
// rates when the provider is unreachable.
package fx

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// Rate is the buy/sell pair quoted for one day, PEN per USD.
type Rate struct {
	Buy  decimal.Decimal
	Sell decimal.Decimal
}

// RateProvider exposes the external rate source.
type RateProvider interface {
	RateForToday(ctx context.Context) (Rate, error)
}

// ErrUnavailable indicates the upstream provider could not be reached.
var ErrUnavailable = errors.New("fx: rate provider unavailable")
