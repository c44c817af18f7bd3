package simulator

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/amirphl/simtrader/internal/db"
	"github.com/amirphl/simtrader/internal/market"
	"github.com/amirphl/simtrader/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testUniverse = market.NewUniverse([]market.Instrument{
	{Symbol: "TCS", Name: "Tata Consultancy Services"},
	{Symbol: "INFY", Name: "Infosys"},
	{Symbol: "RELIANCE", Name: "Reliance Industries"},
})

func newRNG() *rand.Rand { return rand.New(rand.NewPCG(42, 7)) }

func newTestSimulator(ticks market.TickStore, state market.StateStore, m *metrics.Metrics) *Simulator {
	cfg := DefaultConfig()
	cfg.Retention = 50
	cfg.SeedTicks = 20
	return New(cfg, testUniverse, ticks, state, newRNG(), zap.NewNop(), m)
}

type mockTickStore struct {
	mock.Mock
}

func (m *mockTickStore) AppendTick(ctx context.Context, t market.Tick, retention int) error {
	args := m.Called(ctx, t, retention)
	return args.Error(0)
}

func (m *mockTickStore) LatestTick(ctx context.Context, symbol string) (market.Tick, bool, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(market.Tick), args.Bool(1), args.Error(2)
}

func (m *mockTickStore) TicksSince(ctx context.Context, symbol string, since time.Time) ([]market.Tick, error) {
	args := m.Called(ctx, symbol, since)
	return args.Get(0).([]market.Tick), args.Error(1)
}

func (m *mockTickStore) CountTicks(ctx context.Context, symbol string) (int, error) {
	args := m.Called(ctx, symbol)
	return args.Int(0), args.Error(1)
}

type brokenState struct{}

func (brokenState) MarketOpen(context.Context) (bool, error) { return false, errors.New("state down") }
func (brokenState) SetMarketOpen(context.Context, bool) error { return errors.New("state down") }

type panicState struct{}

func (panicState) MarketOpen(context.Context) (bool, error) { panic("boom") }
func (panicState) SetMarketOpen(context.Context, bool) error { return nil }

func TestStepAppendsOneTickPerSymbol(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	m := metrics.New()
	sim := newTestSimulator(store, store, m)

	sim.Step(ctx)
	sim.Step(ctx)

	for _, sym := range testUniverse.Symbols() {
		n, err := store.CountTicks(ctx, sym)
		require.NoError(t, err)
		assert.Equal(t, 2, n, sym)

		tick, ok, err := store.LatestTick(ctx, sym)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, tick.Price.IsPositive())
		assert.LessOrEqual(t, -tick.Price.Exponent(), int32(market.PriceDecimals))
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SimRounds))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SimTicks.WithLabelValues("TCS")))
}

func TestStepClosedMarketDoesNothing(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	require.NoError(t, store.SetMarketOpen(ctx, false))
	sim := newTestSimulator(store, store, nil)

	sim.Step(ctx)

	n, err := store.CountTicks(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStepIsDeterministicForSeededSource(t *testing.T) {
	ctx := context.Background()
	a, b := db.NewMemory(), db.NewMemory()
	fixed := time.Date(2024, 1, 1, 9, 15, 0, 0, time.UTC)

	simA := newTestSimulator(a, a, nil)
	simB := newTestSimulator(b, b, nil)
	simA.now = func() time.Time { return fixed }
	simB.now = func() time.Time { return fixed }

	simA.Step(ctx)
	simB.Step(ctx)

	for _, sym := range testUniverse.Symbols() {
		ta, _, _ := a.LatestTick(ctx, sym)
		tb, _, _ := b.LatestTick(ctx, sym)
		assert.True(t, ta.Price.Equal(tb.Price), sym)
	}
}

func TestStepRespectsFloorPrice(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	for _, sym := range testUniverse.Symbols() {
		require.NoError(t, store.AppendTick(ctx, market.Tick{Symbol: sym, Price: market.RoundPrice(0.01), Timestamp: time.Now()}, 0))
	}
	cfg := DefaultConfig()
	cfg.SigmaBase = 5 // large enough to push well below zero
	sim := New(cfg, testUniverse, store, store, newRNG(), nil, nil)

	for range 20 {
		sim.Step(ctx)
	}
	for _, sym := range testUniverse.Symbols() {
		ticks, err := store.TicksSince(ctx, sym, time.Time{})
		require.NoError(t, err)
		for _, tk := range ticks {
			assert.True(t, tk.Price.GreaterThanOrEqual(market.RoundPrice(0.01)))
		}
	}
}

func TestStepSwallowsPerSymbolErrors(t *testing.T) {
	ctx := context.Background()
	ticks := new(mockTickStore)
	ticks.On("LatestTick", mock.Anything, "TCS").Return(market.Tick{}, false, errors.New("read failed"))
	ticks.On("LatestTick", mock.Anything, mock.Anything).Return(market.Tick{}, false, nil)
	ticks.On("AppendTick", mock.Anything, mock.Anything, 50).Return(nil)

	m := metrics.New()
	state := db.NewMemory()
	sim := newTestSimulator(ticks, state, m)

	assert.NotPanics(t, func() { sim.Step(ctx) })

	ticks.AssertNumberOfCalls(t, "AppendTick", 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SimErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SimRounds))
}

func TestStepSkipsRoundWhenStateUnreadable(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	sim := newTestSimulator(store, brokenState{}, nil)

	sim.Step(ctx)

	n, err := store.CountTicks(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSafeStepRecoversPanic(t *testing.T) {
	m := metrics.New()
	sim := newTestSimulator(db.NewMemory(), panicState{}, m)
	assert.NotPanics(t, func() { sim.safeStep(context.Background()) })
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SimErrors))
}

func TestSeedOnlyWhenEmpty(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	require.NoError(t, store.SetMarketOpen(ctx, false))
	sim := newTestSimulator(store, store, nil)
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	sim.now = func() time.Time { return now }

	require.NoError(t, sim.Seed(ctx))

	open, err := store.MarketOpen(ctx)
	require.NoError(t, err)
	assert.True(t, open)

	for _, sym := range testUniverse.Symbols() {
		ticks, err := store.TicksSince(ctx, sym, time.Time{})
		require.NoError(t, err)
		require.Len(t, ticks, 20)
		assert.True(t, ticks[len(ticks)-1].Timestamp.Before(now))
		assert.Equal(t, now.Add(-20*sim.cfg.Interval), ticks[0].Timestamp)
		for _, tk := range ticks {
			assert.True(t, tk.Price.IsPositive())
		}
	}

	// A second seed is a no-op.
	require.NoError(t, sim.Seed(ctx))
	n, err := store.CountTicks(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 60, n)
}

func TestStartStop(t *testing.T) {
	store := db.NewMemory()
	cfg := DefaultConfig()
	cfg.Interval = 10 * time.Millisecond
	sim := New(cfg, testUniverse, store, store, newRNG(), zap.NewNop(), nil)

	require.NoError(t, sim.Start(context.Background()))
	assert.Error(t, sim.Start(context.Background()))

	assert.Eventually(t, func() bool {
		n, _ := store.CountTicks(context.Background(), "TCS")
		return n >= 2
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sim.Stop(ctx))

	n, _ := store.CountTicks(context.Background(), "TCS")
	time.Sleep(30 * time.Millisecond)
	after, _ := store.CountTicks(context.Background(), "TCS")
	assert.Equal(t, n, after, "no ticks after stop")
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.Interval = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.FloorPrice = 0.001
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.JumpProb = 1.5
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.SeedMax = 1
	assert.Error(t, bad.Validate())
}
