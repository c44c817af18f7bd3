// Package candle
package candle

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/amirphl/simtrader/internal/apperr"
	"github.com/amirphl/simtrader/internal/market"
	"github.com/shopspring/decimal"
)

type Candle struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
}

// Validate checks if a candle has valid data
func (c *Candle) Validate() error {
	if c.Timestamp.IsZero() {
		return errors.New("candle timestamp is zero")
	}
	if !c.Open.IsPositive() || !c.High.IsPositive() || !c.Low.IsPositive() || !c.Close.IsPositive() {
		return errors.New("candle prices must be positive")
	}
	if c.High.LessThan(c.Low) {
		return errors.New("candle high cannot be less than low")
	}
	if c.Open.LessThan(c.Low) || c.Open.GreaterThan(c.High) {
		return errors.New("candle open price must be between high and low")
	}
	if c.Close.LessThan(c.Low) || c.Close.GreaterThan(c.High) {
		return errors.New("candle close price must be between high and low")
	}
	if c.Symbol == "" {
		return errors.New("candle symbol cannot be empty")
	}
	return nil
}

// BucketStart returns floor(ts / width) × width measured from the Unix epoch.
func BucketStart(ts time.Time, width time.Duration) time.Time {
	return time.Unix(0, bucketIndex(ts, width)*int64(width)).UTC()
}

func bucketIndex(ts time.Time, width time.Duration) int64 {
	n, w := ts.UnixNano(), int64(width)
	idx := n / w
	if n%w < 0 {
		idx--
	}
	return idx
}

// Aggregate walks ticks (ascending by timestamp) once and yields one candle per
// populated bucket of the given width. Empty buckets yield nothing.
func Aggregate(ticks []market.Tick, width time.Duration) iter.Seq[Candle] {
	return func(yield func(Candle) bool) {
		if width <= 0 || len(ticks) == 0 {
			return
		}

		var (
			cur    Candle
			curIdx int64
			open   bool
		)
		for _, t := range ticks {
			idx := bucketIndex(t.Timestamp, width)
			if !open || idx != curIdx {
				if open && !yield(cur) {
					return
				}
				cur = Candle{
					Symbol:    t.Symbol,
					Timestamp: time.Unix(0, idx*int64(width)).UTC(),
					Open:      t.Price,
					High:      t.Price,
					Low:       t.Price,
					Close:     t.Price,
				}
				curIdx = idx
				open = true
				continue
			}
			if t.Price.GreaterThan(cur.High) {
				cur.High = t.Price
			}
			if t.Price.LessThan(cur.Low) {
				cur.Low = t.Price
			}
			cur.Close = t.Price
		}
		if open {
			yield(cur)
		}
	}
}

// Collect drains seq into a slice.
func Collect(seq iter.Seq[Candle]) []Candle {
	out := make([]Candle, 0)
	for c := range seq {
		out = append(out, c)
	}
	return out
}

// Service serves recent candles straight from the tick store.
type Service struct {
	ticks market.TickStore
	width time.Duration
	now   func() time.Time
}

func NewService(ticks market.TickStore, width time.Duration) *Service {
	return &Service{ticks: ticks, width: width, now: time.Now}
}

func (s *Service) Width() time.Duration {
	return s.width
}

// Candles returns candles built from ticks no older than now − limit×width.
// The oldest bucket can be partial or missing when the cutoff falls inside it.
func (s *Service) Candles(ctx context.Context, symbol string, limit int) ([]Candle, error) {
	if limit <= 0 {
		return nil, apperr.Invalid("candle limit must be positive, got %d", limit)
	}
	since := s.now().Add(-time.Duration(limit) * s.width)
	ticks, err := s.ticks.TicksSince(ctx, symbol, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load ticks for %s: %w", symbol, err)
	}
	return Collect(Aggregate(ticks, s.width)), nil
}
