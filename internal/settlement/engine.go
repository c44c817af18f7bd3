// Package settlement validates and applies market orders against user accounts.
//
// Every order executes immediately at the latest tick price. The read of cash
// and holdings, the computation and the commit run under a per-user lock taken
// from a fixed array of shards keyed by an FNV-1a hash of the user id, so two
// orders for the same user never interleave while users in different shards
// never contend. Reset-all takes every shard.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/amirphl/simtrader/internal/account"
	"github.com/amirphl/simtrader/internal/apperr"
	"github.com/amirphl/simtrader/internal/market"
	"github.com/amirphl/simtrader/internal/metrics"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	numShards = 64

	// MaxRetries bounds how often a commit that lost the cash compare is retried.
	MaxRetries = 3

	// avgPriceDecimals is the precision kept for the weighted average cost.
	avgPriceDecimals = 8
)

// Result is what a settled order reports back to the caller.
type Result struct {
	TradeID string          `json:"trade_id"`
	Symbol  string          `json:"symbol"`
	Side    account.Side    `json:"side"`
	Shares  int64           `json:"shares"`
	Price   decimal.Decimal `json:"price"`
	NewCash decimal.Decimal `json:"new_cash"`
}

type Engine struct {
	accounts     account.Store
	ticks        market.TickStore
	universe     *market.Universe
	startingCash decimal.Decimal
	logger       *zap.Logger
	metrics      *metrics.Metrics

	now   func() time.Time
	newID func() string

	shards [numShards]sync.Mutex
}

func New(accounts account.Store, ticks market.TickStore, universe *market.Universe,
	startingCash decimal.Decimal, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		accounts:     accounts,
		ticks:        ticks,
		universe:     universe,
		startingCash: startingCash,
		logger:       logger.Named("settlement"),
		metrics:      m,
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

func (e *Engine) shardOf(userID int64) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(strconv.FormatInt(userID, 10)))
	return &e.shards[h.Sum32()%numShards]
}

func (e *Engine) Buy(ctx context.Context, userID int64, symbol string, shares int64) (Result, error) {
	return e.Execute(ctx, userID, symbol, shares, string(account.Buy))
}

func (e *Engine) Sell(ctx context.Context, userID int64, symbol string, shares int64) (Result, error) {
	return e.Execute(ctx, userID, symbol, shares, string(account.Sell))
}

// Execute validates the order, then settles it at the latest price. Input
// errors are reported before any state is read.
func (e *Engine) Execute(ctx context.Context, userID int64, symbol string, shares int64, side string) (Result, error) {
	start := time.Now()
	res, err := e.execute(ctx, userID, symbol, shares, side)
	if err != nil {
		kind := apperr.Kind(err)
		e.metrics.Rejected(kind)
		e.logger.Debug("trade rejected",
			zap.Int64("user_id", userID),
			zap.String("symbol", symbol),
			zap.Int64("shares", shares),
			zap.String("side", side),
			zap.String("kind", kind),
			zap.Error(err),
		)
		return Result{}, err
	}
	e.metrics.Trade(string(res.Side), time.Since(start))
	e.logger.Info("trade settled",
		zap.Int64("user_id", userID),
		zap.String("trade_id", res.TradeID),
		zap.String("symbol", res.Symbol),
		zap.String("side", string(res.Side)),
		zap.Int64("shares", res.Shares),
		zap.String("price", res.Price.StringFixed(market.PriceDecimals)),
		zap.String("new_cash", res.NewCash.StringFixed(2)),
	)
	return res, nil
}

func (e *Engine) execute(ctx context.Context, userID int64, symbol string, shares int64, side string) (Result, error) {
	if shares <= 0 {
		return Result{}, apperr.Invalid("shares must be positive, got %d", shares)
	}
	s, err := account.ParseSide(side)
	if err != nil {
		return Result{}, apperr.Invalid("%v", err)
	}
	inst, ok := e.universe.Lookup(symbol)
	if !ok {
		return Result{}, apperr.Invalid("unknown symbol %q", symbol)
	}

	tick, ok, err := e.ticks.LatestTick(ctx, inst.Symbol)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read price for %s: %w", inst.Symbol, err)
	}
	if !ok {
		return Result{}, fmt.Errorf("%w for %s", apperr.ErrPriceUnavailable, inst.Symbol)
	}

	mu := e.shardOf(userID)
	mu.Lock()
	defer mu.Unlock()

	for attempt := 1; ; attempt++ {
		res, err := e.settle(ctx, userID, inst.Symbol, shares, s, tick.Price)
		if !errors.Is(err, account.ErrStaleAccount) || attempt >= MaxRetries {
			return res, err
		}
		e.logger.Warn("stale account on commit, retrying",
			zap.Int64("user_id", userID),
			zap.Int("attempt", attempt),
		)
	}
}

// settle must be called with the user's shard lock held.
func (e *Engine) settle(ctx context.Context, userID int64, symbol string, shares int64, side account.Side, price decimal.Decimal) (Result, error) {
	u, err := e.accounts.GetUser(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load user %d: %w", userID, err)
	}
	h, held, err := e.accounts.GetHolding(ctx, userID, symbol)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load holding: %w", err)
	}

	amount := price.Mul(decimal.NewFromInt(shares))
	next := account.Holding{UserID: userID, Symbol: symbol}
	var newCash decimal.Decimal

	switch side {
	case account.Buy:
		if u.Cash.LessThan(amount) {
			return Result{}, &apperr.InsufficientFundsError{Required: amount, Available: u.Cash}
		}
		newCash = u.Cash.Sub(amount)
		next.Shares = shares
		next.AvgPrice = price
		if held {
			total := h.Shares + shares
			cost := h.AvgPrice.Mul(decimal.NewFromInt(h.Shares)).Add(amount)
			next.Shares = total
			next.AvgPrice = cost.Div(decimal.NewFromInt(total)).Round(avgPriceDecimals)
		}
	case account.Sell:
		if !held || h.Shares < shares {
			return Result{}, fmt.Errorf("%w: have %d, want %d", apperr.ErrInsufficientShares, h.Shares, shares)
		}
		newCash = u.Cash.Add(amount)
		next.Shares = h.Shares - shares
		next.AvgPrice = h.AvgPrice
	}

	trade := account.Trade{
		ID:        e.newID(),
		UserID:    userID,
		Symbol:    symbol,
		Shares:    shares,
		Price:     price,
		Side:      side,
		Timestamp: e.now().UTC(),
	}
	err = e.accounts.ApplySettlement(ctx, account.Settlement{
		UserID:   userID,
		PrevCash: u.Cash,
		NewCash:  newCash,
		Holding:  next,
		Trade:    trade,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to commit trade: %w", err)
	}

	return Result{
		TradeID: trade.ID,
		Symbol:  symbol,
		Side:    side,
		Shares:  shares,
		Price:   price,
		NewCash: newCash,
	}, nil
}

// ResetAll restores every account to the starting cash with no holdings and no
// trades. No settlement runs while it does.
func (e *Engine) ResetAll(ctx context.Context) error {
	for i := range e.shards {
		e.shards[i].Lock()
	}
	defer func() {
		for i := range e.shards {
			e.shards[i].Unlock()
		}
	}()

	if err := e.accounts.ResetAll(ctx, e.startingCash); err != nil {
		return fmt.Errorf("failed to reset accounts: %w", err)
	}
	e.logger.Info("all accounts reset", zap.String("cash", e.startingCash.StringFixed(2)))
	return nil
}

func (e *Engine) StartingCash() decimal.Decimal {
	return e.startingCash
}
