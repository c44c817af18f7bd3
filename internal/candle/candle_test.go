package candle

import (
	"context"
	"testing"
	"time"

	"github.com/amirphl/simtrader/internal/apperr"
	"github.com/amirphl/simtrader/internal/db"
	"github.com/amirphl/simtrader/internal/market"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func mkTicks(sym string, start time.Time, step time.Duration, prices ...string) []market.Tick {
	out := make([]market.Tick, len(prices))
	for i, p := range prices {
		out[i] = market.Tick{Symbol: sym, Price: d(p), Timestamp: start.Add(time.Duration(i) * step)}
	}
	return out
}

func TestAggregateSingleBucket(t *testing.T) {
	start := time.Date(2024, 1, 1, 9, 15, 0, 0, time.UTC)
	candles := Collect(Aggregate(mkTicks("TCS", start, 10*time.Second, "100", "101", "99"), time.Minute))

	require.Len(t, candles, 1)
	c := candles[0]
	assert.Equal(t, "TCS", c.Symbol)
	assert.Equal(t, start, c.Timestamp)
	assert.True(t, c.Open.Equal(d("100")))
	assert.True(t, c.High.Equal(d("101")))
	assert.True(t, c.Low.Equal(d("99")))
	assert.True(t, c.Close.Equal(d("99")))
	assert.NoError(t, c.Validate())
}

func TestAggregateBucketsAndGaps(t *testing.T) {
	start := time.Date(2024, 1, 1, 9, 15, 30, 0, time.UTC)
	ticks := []market.Tick{
		{Symbol: "INFY", Price: d("10"), Timestamp: start},
		{Symbol: "INFY", Price: d("12"), Timestamp: start.Add(20 * time.Second)},
		{Symbol: "INFY", Price: d("11"), Timestamp: start.Add(40 * time.Second)},
		// 9:17 has no ticks
		{Symbol: "INFY", Price: d("15"), Timestamp: start.Add(2*time.Minute + 45*time.Second)},
	}

	candles := Collect(Aggregate(ticks, time.Minute))
	require.Len(t, candles, 3)

	assert.Equal(t, time.Date(2024, 1, 1, 9, 15, 0, 0, time.UTC), candles[0].Timestamp)
	assert.True(t, candles[0].Open.Equal(d("10")))
	assert.True(t, candles[0].Close.Equal(d("12")))

	assert.Equal(t, time.Date(2024, 1, 1, 9, 16, 0, 0, time.UTC), candles[1].Timestamp)
	assert.True(t, candles[1].Open.Equal(d("11")))

	assert.Equal(t, time.Date(2024, 1, 1, 9, 18, 0, 0, time.UTC), candles[2].Timestamp)
	assert.True(t, candles[2].High.Equal(d("15")))

	for i := 1; i < len(candles); i++ {
		assert.True(t, candles[i-1].Timestamp.Before(candles[i].Timestamp))
	}
}

func TestAggregateInvariantsAndIdempotence(t *testing.T) {
	start := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	ticks := mkTicks("SBIN", start, 7*time.Second,
		"500.10", "501.25", "499.90", "502.00", "498.75", "500.00", "503.40", "497.10", "500.55", "501.00")

	first := Collect(Aggregate(ticks, 30*time.Second))
	second := Collect(Aggregate(ticks, 30*time.Second))
	assert.Equal(t, first, second)

	for _, c := range first {
		require.NoError(t, c.Validate())
		assert.True(t, c.High.GreaterThanOrEqual(decimal.Max(c.Open, c.Close)))
		assert.True(t, c.Low.LessThanOrEqual(decimal.Min(c.Open, c.Close)))
		assert.Equal(t, BucketStart(c.Timestamp, 30*time.Second), c.Timestamp)
	}
}

func TestAggregateEmptyAndEarlyStop(t *testing.T) {
	assert.Empty(t, Collect(Aggregate(nil, time.Minute)))
	assert.Empty(t, Collect(Aggregate(mkTicks("TCS", time.Now(), time.Second, "1"), 0)))

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ticks := mkTicks("TCS", start, time.Minute, "1", "2", "3", "4")
	n := 0
	for range Aggregate(ticks, time.Minute) {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestBucketStartBeforeEpoch(t *testing.T) {
	ts := time.Unix(-30, 0)
	assert.Equal(t, time.Unix(-60, 0).UTC(), BucketStart(ts, time.Minute))
	assert.Equal(t, time.Unix(120, 0).UTC(), BucketStart(time.Unix(179, 0), time.Minute))
}

func TestValidate(t *testing.T) {
	ts := time.Now()
	tests := []struct {
		name    string
		candle  Candle
		wantErr bool
	}{
		{"valid", Candle{Symbol: "TCS", Timestamp: ts, Open: d("10"), High: d("12"), Low: d("9"), Close: d("11")}, false},
		{"zero time", Candle{Symbol: "TCS", Open: d("10"), High: d("12"), Low: d("9"), Close: d("11")}, true},
		{"high below low", Candle{Symbol: "TCS", Timestamp: ts, Open: d("10"), High: d("8"), Low: d("9"), Close: d("9")}, true},
		{"open outside", Candle{Symbol: "TCS", Timestamp: ts, Open: d("13"), High: d("12"), Low: d("9"), Close: d("11")}, true},
		{"close outside", Candle{Symbol: "TCS", Timestamp: ts, Open: d("10"), High: d("12"), Low: d("9"), Close: d("8")}, true},
		{"no symbol", Candle{Timestamp: ts, Open: d("10"), High: d("12"), Low: d("9"), Close: d("11")}, true},
		{"non positive", Candle{Symbol: "TCS", Timestamp: ts, Open: d("0"), High: d("12"), Low: d("0"), Close: d("11")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.candle.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestServiceCandles(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	// One tick every 20s for the last ten minutes.
	for i := 30; i > 0; i-- {
		ts := now.Add(-time.Duration(i) * 20 * time.Second)
		require.NoError(t, store.AppendTick(ctx, market.Tick{Symbol: "TCS", Price: decimal.NewFromInt(int64(100 + i)), Timestamp: ts}, 0))
	}

	svc := NewService(store, time.Minute)
	svc.now = func() time.Time { return now }

	all, err := svc.Candles(ctx, "TCS", 20)
	require.NoError(t, err)
	assert.Len(t, all, 10)

	recent, err := svc.Candles(ctx, "TCS", 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, now.Add(-3*time.Minute), recent[0].Timestamp)

	_, err = svc.Candles(ctx, "TCS", 0)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	none, err := svc.Candles(ctx, "INFY", 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

// The cutoff now − limit×width can fall inside a bucket; that bucket is then
// built only from the ticks after the cutoff.
func TestServiceCandlesTruncatesOldestBucket(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	now := time.Date(2024, 1, 1, 10, 0, 30, 0, time.UTC)

	add := func(ts time.Time, price string) {
		require.NoError(t, store.AppendTick(ctx, market.Tick{Symbol: "TCS", Price: d(price), Timestamp: ts}, 0))
	}
	add(time.Date(2024, 1, 1, 9, 58, 10, 0, time.UTC), "200") // before cutoff
	add(time.Date(2024, 1, 1, 9, 58, 50, 0, time.UTC), "150") // after cutoff, same bucket
	add(time.Date(2024, 1, 1, 9, 59, 20, 0, time.UTC), "151")
	add(time.Date(2024, 1, 1, 10, 0, 10, 0, time.UTC), "152")

	svc := NewService(store, time.Minute)
	svc.now = func() time.Time { return now }

	candles, err := svc.Candles(ctx, "TCS", 2)
	require.NoError(t, err)
	require.Len(t, candles, 3)
	first := candles[0]
	assert.Equal(t, time.Date(2024, 1, 1, 9, 58, 0, 0, time.UTC), first.Timestamp)
	assert.True(t, first.Open.Equal(d("150")), "open comes from the first tick after the cutoff")
	assert.True(t, first.High.Equal(d("150")))
}
