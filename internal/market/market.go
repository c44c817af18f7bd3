// Package market
package market

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceDecimals is the number of fractional digits every tick price is rounded to.
const PriceDecimals = 2

// Instrument is a tradable symbol of the synthetic market.
type Instrument struct {
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

// Tick represents one timestamped price observation.
type Tick struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// TickStore keeps a bounded, time-ordered price history per symbol.
type TickStore interface {
	// AppendTick inserts t and then trims the oldest ticks of t.Symbol until at
	// most retention remain.
	AppendTick(ctx context.Context, t Tick, retention int) error
	// LatestTick returns the most recent tick; ok is false when the symbol has none.
	LatestTick(ctx context.Context, symbol string) (t Tick, ok bool, err error)
	// TicksSince returns ticks with Timestamp >= since, oldest first.
	TicksSince(ctx context.Context, symbol string, since time.Time) ([]Tick, error)
	// CountTicks counts retained ticks for symbol, or for all symbols if symbol is "".
	CountTicks(ctx context.Context, symbol string) (int, error)
}

// StateStore persists the market open/closed flag.
type StateStore interface {
	// MarketOpen reports the flag; a market that was never configured is open.
	MarketOpen(ctx context.Context) (bool, error)
	SetMarketOpen(ctx context.Context, open bool) error
}

// RoundPrice rounds p to PriceDecimals places.
func RoundPrice(p float64) decimal.Decimal {
	return decimal.NewFromFloat(p).Round(PriceDecimals)
}
