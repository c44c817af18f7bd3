// Package exchange is the entry point used by the HTTP layer. It authenticates
// users, enforces admin-only actions and delegates to the candle service and
// the settlement engine.
package exchange

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/amirphl/simtrader/internal/account"
	"github.com/amirphl/simtrader/internal/apperr"
	"github.com/amirphl/simtrader/internal/candle"
	"github.com/amirphl/simtrader/internal/journal"
	"github.com/amirphl/simtrader/internal/market"
	"github.com/amirphl/simtrader/internal/metrics"
	"github.com/amirphl/simtrader/internal/settlement"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Store is the storage the exchange reads from directly.
type Store interface {
	market.TickStore
	market.StateStore
	account.Store
	journal.Journaler
}

// HoldingView is a holding valued at the latest price. LastPrice and
// MarketValue are nil when the symbol has no tick.
type HoldingView struct {
	Symbol      string           `json:"symbol"`
	Name        string           `json:"name"`
	Shares      int64            `json:"shares"`
	AvgPrice    decimal.Decimal  `json:"avg_price"`
	LastPrice   *decimal.Decimal `json:"last_price"`
	MarketValue *decimal.Decimal `json:"market_value"`
}

type AccountView struct {
	UserID   int64           `json:"user_id"`
	Username string          `json:"username"`
	Cash     decimal.Decimal `json:"cash"`
	Holdings []HoldingView   `json:"holdings"`
}

type Exchange struct {
	universe *market.Universe
	store    Store
	candles  *candle.Service
	engine   *settlement.Engine
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	// marketMu serializes toggles so two admins never flip the flag to the same value.
	marketMu sync.Mutex
}

func New(universe *market.Universe, store Store, candles *candle.Service, engine *settlement.Engine,
	logger *zap.Logger, m *metrics.Metrics) *Exchange {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exchange{
		universe: universe,
		store:    store,
		candles:  candles,
		engine:   engine,
		logger:   logger.Named("exchange"),
		metrics:  m,
		now:      time.Now,
	}
}

// Authenticate returns the user whose credentials match.
func (e *Exchange) Authenticate(ctx context.Context, username, password string) (account.User, error) {
	if username == "" {
		return account.User{}, apperr.ErrNotAuthenticated
	}
	u, err := e.store.GetUserByName(ctx, username)
	if errors.Is(err, account.ErrUserNotFound) {
		return account.User{}, apperr.ErrNotAuthenticated
	}
	if err != nil {
		return account.User{}, fmt.Errorf("failed to load user: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(u.Password), []byte(password)) != 1 {
		return account.User{}, apperr.ErrNotAuthenticated
	}
	return u, nil
}

func (e *Exchange) Instruments() []market.Instrument {
	return e.universe.Instruments()
}

func (e *Exchange) lookup(symbol string) (market.Instrument, error) {
	inst, ok := e.universe.Lookup(symbol)
	if !ok {
		return market.Instrument{}, apperr.Invalid("unknown symbol %q", symbol)
	}
	return inst, nil
}

// LatestPrice returns the price of the most recent tick or ErrPriceUnavailable.
func (e *Exchange) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	inst, err := e.lookup(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	t, ok, err := e.store.LatestTick(ctx, inst.Symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read price: %w", err)
	}
	if !ok {
		return decimal.Zero, fmt.Errorf("%w for %s", apperr.ErrPriceUnavailable, inst.Symbol)
	}
	return t.Price, nil
}

func (e *Exchange) Candles(ctx context.Context, symbol string, limit int) ([]candle.Candle, error) {
	inst, err := e.lookup(symbol)
	if err != nil {
		return nil, err
	}
	return e.candles.Candles(ctx, inst.Symbol, limit)
}

func (e *Exchange) ExecuteTrade(ctx context.Context, user account.User, symbol string, shares int64, side string) (settlement.Result, error) {
	return e.engine.Execute(ctx, user.ID, symbol, shares, side)
}

// Account returns the user's cash and holdings valued at the latest prices.
func (e *Exchange) Account(ctx context.Context, user account.User) (AccountView, error) {
	u, err := e.store.GetUser(ctx, user.ID)
	if err != nil {
		return AccountView{}, fmt.Errorf("failed to load user: %w", err)
	}
	holdings, err := e.store.ListHoldings(ctx, u.ID)
	if err != nil {
		return AccountView{}, fmt.Errorf("failed to load holdings: %w", err)
	}
	return e.view(ctx, u, holdings)
}

func (e *Exchange) view(ctx context.Context, u account.User, holdings []account.Holding) (AccountView, error) {
	v := AccountView{
		UserID:   u.ID,
		Username: u.Username,
		Cash:     u.Cash,
		Holdings: make([]HoldingView, 0, len(holdings)),
	}
	for _, h := range holdings {
		hv := HoldingView{Symbol: h.Symbol, Shares: h.Shares, AvgPrice: h.AvgPrice}
		if inst, ok := e.universe.Lookup(h.Symbol); ok {
			hv.Name = inst.Name
		}
		t, ok, err := e.store.LatestTick(ctx, h.Symbol)
		if err != nil {
			return AccountView{}, fmt.Errorf("failed to read price for %s: %w", h.Symbol, err)
		}
		if ok {
			last := t.Price
			value := last.Mul(decimal.NewFromInt(h.Shares))
			hv.LastPrice = &last
			hv.MarketValue = &value
		}
		v.Holdings = append(v.Holdings, hv)
	}
	return v, nil
}

func (e *Exchange) MarketOpen(ctx context.Context) (bool, error) {
	open, err := e.store.MarketOpen(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read market state: %w", err)
	}
	return open, nil
}

func requireAdmin(user account.User) error {
	if !user.IsAdmin() {
		return fmt.Errorf("%w: %s is not an admin", apperr.ErrUnauthorized, user.Username)
	}
	return nil
}

// ToggleMarket flips the market flag and returns the new state.
func (e *Exchange) ToggleMarket(ctx context.Context, user account.User) (bool, error) {
	if err := requireAdmin(user); err != nil {
		return false, err
	}

	e.marketMu.Lock()
	defer e.marketMu.Unlock()

	open, err := e.store.MarketOpen(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read market state: %w", err)
	}
	open = !open
	if err := e.store.SetMarketOpen(ctx, open); err != nil {
		return false, fmt.Errorf("failed to save market state: %w", err)
	}
	e.metrics.SetMarketOpen(open)

	state := "closed"
	if open {
		state = "open"
	}
	e.logger.Info("market toggled", zap.String("by", user.Username), zap.String("state", state))
	e.journal(ctx, journal.Event{
		Type:        journal.TypeToggleMarket,
		Description: "market " + state,
		Data:        map[string]any{"open": open, "by": user.Username},
	})
	return open, nil
}

// ResetAll restores every account to the starting cash.
func (e *Exchange) ResetAll(ctx context.Context, user account.User) error {
	if err := requireAdmin(user); err != nil {
		return err
	}
	if err := e.engine.ResetAll(ctx); err != nil {
		return err
	}
	e.journal(ctx, journal.Event{
		Type:        journal.TypeResetAll,
		Description: "all accounts reset",
		Data:        map[string]any{"by": user.Username, "cash": e.engine.StartingCash().String()},
	})
	return nil
}

// Accounts lists every account for the admin overview.
func (e *Exchange) Accounts(ctx context.Context, user account.User) ([]AccountView, error) {
	if err := requireAdmin(user); err != nil {
		return nil, err
	}
	snaps, err := e.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	views := make([]AccountView, 0, len(snaps))
	for _, s := range snaps {
		v, err := e.view(ctx, s.User, s.Holdings)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

// Events returns journaled admin events of one type in [since, now).
func (e *Exchange) Events(ctx context.Context, user account.User, eventType string, since time.Time) ([]journal.Event, error) {
	if err := requireAdmin(user); err != nil {
		return nil, err
	}
	switch eventType {
	case journal.TypeResetAll, journal.TypeToggleMarket:
	default:
		return nil, apperr.Invalid("unknown event type %q", eventType)
	}
	events, err := e.store.GetEvents(ctx, eventType, since, e.now().Add(time.Nanosecond))
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	return events, nil
}

// journal records an admin action. The action has already been applied, so a
// failure is only logged.
func (e *Exchange) journal(ctx context.Context, ev journal.Event) {
	ev.Time = e.now().UTC()
	if err := e.store.LogEvent(ctx, ev); err != nil {
		e.logger.Error("failed to journal event", zap.String("type", ev.Type), zap.Error(err))
	}
}
