// Package simulator advances every instrument's price on a fixed interval.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/amirphl/simtrader/internal/market"
	"github.com/amirphl/simtrader/internal/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config holds simulator configuration.
type Config struct {
	Interval   time.Duration `yaml:"interval"`    // Round interval (default: 5s)
	SigmaBase  float64       `yaml:"sigma_base"`  // Stddev of the per-round move
	SigmaJump  float64       `yaml:"sigma_jump"`  // Stddev of the occasional jump
	JumpProb   float64       `yaml:"jump_prob"`   // Probability of a jump per symbol per round
	FloorPrice float64       `yaml:"floor_price"` // Lowest price a tick can take
	Retention  int           `yaml:"retention"`   // Ticks kept per symbol

	SeedTicks int     `yaml:"seed_ticks"` // Ticks per symbol written by Seed
	SeedMin   float64 `yaml:"seed_min"`
	SeedMax   float64 `yaml:"seed_max"`
	SeedStep  float64 `yaml:"seed_step"` // Max relative move between seed ticks
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:   5 * time.Second,
		SigmaBase:  0.003,
		SigmaJump:  0.015,
		JumpProb:   0.015,
		FloorPrice: 0.01,
		Retention:  500,
		SeedTicks:  120,
		SeedMin:    800,
		SeedMax:    3500,
		SeedStep:   0.0025,
	}
}

func (c Config) Validate() error {
	if c.Interval <= 0 {
		return errors.New("simulator interval must be positive")
	}
	if c.SigmaBase < 0 || c.SigmaJump < 0 {
		return errors.New("simulator sigmas cannot be negative")
	}
	if c.JumpProb < 0 || c.JumpProb > 1 {
		return fmt.Errorf("simulator jump probability must be in [0,1], got %v", c.JumpProb)
	}
	if !market.RoundPrice(c.FloorPrice).IsPositive() {
		return fmt.Errorf("simulator floor price must be at least 0.01, got %v", c.FloorPrice)
	}
	if c.Retention <= 0 {
		return errors.New("simulator retention must be positive")
	}
	if c.SeedTicks < 0 || c.SeedMin <= 0 || c.SeedMax < c.SeedMin {
		return fmt.Errorf("invalid seed range [%v, %v] or count %d", c.SeedMin, c.SeedMax, c.SeedTicks)
	}
	return nil
}

// Simulator is the sole writer of ticks.
type Simulator struct {
	cfg      Config
	universe *market.Universe
	ticks    market.TickStore
	state    market.StateStore
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	// rng is not safe for concurrent use; rounds hold mu.
	mu  sync.Mutex
	rng *rand.Rand

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Simulator. A nil rng is seeded from the runtime source.
func New(cfg Config, universe *market.Universe, ticks market.TickStore, state market.StateStore,
	rng *rand.Rand, logger *zap.Logger, m *metrics.Metrics) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Simulator{
		cfg:      cfg,
		universe: universe,
		ticks:    ticks,
		state:    state,
		rng:      rng,
		logger:   logger.Named("simulator"),
		metrics:  m,
		now:      time.Now,
	}
}

// Start begins the round loop.
func (s *Simulator) Start(ctx context.Context) error {
	if s.cancel != nil {
		return errors.New("simulator already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.run()

	s.logger.Info("market simulator started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("symbols", len(s.universe.Symbols())),
	)
	return nil
}

// Stop cancels the loop and waits for the current round to finish.
func (s *Simulator) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("market simulator stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Simulator) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.safeStep(s.ctx)
		}
	}
}

// safeStep keeps the loop alive across a panicking round.
func (s *Simulator) safeStep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.SimError()
			s.logger.Error("simulator round panicked", zap.Any("panic", r))
		}
	}()
	s.Step(ctx)
}

// Step runs one round: when the market is open every instrument gets exactly
// one new tick. Errors are logged and never returned.
func (s *Simulator) Step(ctx context.Context) {
	open, err := s.state.MarketOpen(ctx)
	if err != nil {
		s.metrics.SimError()
		s.logger.Warn("failed to read market state, skipping round", zap.Error(err))
		return
	}
	s.metrics.SetMarketOpen(open)
	if !open {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, sym := range s.universe.Symbols() {
		if err := s.advance(ctx, sym, now); err != nil {
			s.metrics.SimError()
			s.logger.Warn("failed to advance symbol", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		s.metrics.Tick(sym)
	}
	s.metrics.Round()
}

func (s *Simulator) advance(ctx context.Context, symbol string, now time.Time) error {
	last, ok, err := s.ticks.LatestTick(ctx, symbol)
	if err != nil {
		return fmt.Errorf("failed to read latest tick: %w", err)
	}
	var p float64
	if ok {
		p = last.Price.InexactFloat64()
	} else {
		p = s.uniform(s.cfg.SeedMin, s.cfg.SeedMax)
	}

	delta := s.rng.NormFloat64() * s.cfg.SigmaBase
	if s.rng.Float64() < s.cfg.JumpProb {
		delta += s.rng.NormFloat64() * s.cfg.SigmaJump
	}

	t := market.Tick{Symbol: symbol, Price: s.clamp(p * (1 + delta)), Timestamp: now}
	return s.ticks.AppendTick(ctx, t, s.cfg.Retention)
}

// Seed writes SeedTicks ticks per instrument ending just before now, but only
// when the store holds no ticks at all. It also opens the market.
func (s *Simulator) Seed(ctx context.Context) error {
	n, err := s.ticks.CountTicks(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to count ticks: %w", err)
	}
	if n > 0 {
		s.logger.Debug("tick store not empty, skipping seed", zap.Int("ticks", n))
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, sym := range s.universe.Symbols() {
		p := s.uniform(s.cfg.SeedMin, s.cfg.SeedMax)
		for i := range s.cfg.SeedTicks {
			p = p * (1 + s.uniform(-s.cfg.SeedStep, s.cfg.SeedStep))
			ts := now.Add(-time.Duration(s.cfg.SeedTicks-i) * s.cfg.Interval)
			t := market.Tick{Symbol: sym, Price: s.clamp(p), Timestamp: ts}
			if err := s.ticks.AppendTick(ctx, t, s.cfg.Retention); err != nil {
				return fmt.Errorf("failed to seed %s: %w", sym, err)
			}
		}
	}

	if err := s.state.SetMarketOpen(ctx, true); err != nil {
		return fmt.Errorf("failed to open market: %w", err)
	}
	s.metrics.SetMarketOpen(true)

	s.logger.Info("seeded tick history",
		zap.Int("symbols", len(s.universe.Symbols())),
		zap.Int("ticks_per_symbol", s.cfg.SeedTicks),
	)
	return nil
}

func (s *Simulator) uniform(lo, hi float64) float64 {
	return lo + s.rng.Float64()*(hi-lo)
}

func (s *Simulator) clamp(p float64) decimal.Decimal {
	if math.IsNaN(p) || p < s.cfg.FloorPrice {
		p = s.cfg.FloorPrice
	}
	price := market.RoundPrice(p)
	if floor := market.RoundPrice(s.cfg.FloorPrice); price.LessThan(floor) {
		return floor
	}
	return price
}
