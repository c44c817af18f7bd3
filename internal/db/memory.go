package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/amirphl/simtrader/internal/account"
	"github.com/amirphl/simtrader/internal/journal"
	"github.com/amirphl/simtrader/internal/market"
	"github.com/shopspring/decimal"
)

// MemoryStorage keeps all state in process memory behind one RWMutex. Every
// mutating method runs as a single critical section, which makes it atomic
// with respect to concurrent readers.
type MemoryStorage struct {
	mu sync.RWMutex

	// Ticks by symbol, oldest first
	ticks map[string][]market.Tick

	users      map[int64]account.User
	userByName map[string]int64
	nextUserID int64

	// Holdings by user then symbol
	holdings map[int64]map[string]account.Holding

	// Trades and events (append-only)
	trades []account.Trade
	events []journal.Event

	meta map[string]string
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		ticks:      make(map[string][]market.Tick),
		users:      make(map[int64]account.User),
		userByName: make(map[string]int64),
		holdings:   make(map[int64]map[string]account.Holding),
		trades:     make([]account.Trade, 0, 1024),
		events:     make([]journal.Event, 0, 64),
		meta:       make(map[string]string),
	}
}

// GetDB returns nil for in-memory storage (no SQL database)
func (m *MemoryStorage) GetDB() *sql.DB { return nil }

// -------- TickStore --------

func (m *MemoryStorage) AppendTick(ctx context.Context, t market.Tick, retention int) error {
	if t.Symbol == "" {
		return errors.New("tick symbol cannot be empty")
	}
	if !t.Price.IsPositive() {
		return fmt.Errorf("tick price must be positive, got %s", t.Price)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sym := strings.ToUpper(t.Symbol)
	t.Symbol = sym
	t.Timestamp = t.Timestamp.UTC()

	series := m.ticks[sym]
	// Insert after any tick with the same timestamp to keep arrival order stable.
	i := sort.Search(len(series), func(i int) bool { return series[i].Timestamp.After(t.Timestamp) })
	series = append(series, market.Tick{})
	copy(series[i+1:], series[i:])
	series[i] = t

	if retention > 0 && len(series) > retention {
		trimmed := make([]market.Tick, retention)
		copy(trimmed, series[len(series)-retention:])
		series = trimmed
	}
	m.ticks[sym] = series
	return nil
}

func (m *MemoryStorage) LatestTick(ctx context.Context, symbol string) (market.Tick, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	series := m.ticks[strings.ToUpper(symbol)]
	if len(series) == 0 {
		return market.Tick{}, false, nil
	}
	return series[len(series)-1], true, nil
}

func (m *MemoryStorage) TicksSince(ctx context.Context, symbol string, since time.Time) ([]market.Tick, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	series := m.ticks[strings.ToUpper(symbol)]
	since = since.UTC()
	i := sort.Search(len(series), func(i int) bool { return !series[i].Timestamp.Before(since) })
	out := make([]market.Tick, len(series)-i)
	copy(out, series[i:])
	return out, nil
}

func (m *MemoryStorage) CountTicks(ctx context.Context, symbol string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if symbol != "" {
		return len(m.ticks[strings.ToUpper(symbol)]), nil
	}
	n := 0
	for _, series := range m.ticks {
		n += len(series)
	}
	return n, nil
}

// -------- StateStore --------

func (m *MemoryStorage) MarketOpen(ctx context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.meta[marketOpenKey] != "0", nil
}

func (m *MemoryStorage) SetMarketOpen(ctx context.Context, open bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[marketOpenKey] = flagValue(open)
	return nil
}

func flagValue(open bool) string {
	if open {
		return "1"
	}
	return "0"
}

// -------- AccountStore --------

func (m *MemoryStorage) CreateUser(ctx context.Context, u account.User) (account.User, error) {
	if u.Username == "" {
		return account.User{}, errors.New("username cannot be empty")
	}
	if u.Cash.IsNegative() {
		return account.User{}, errors.New("cash cannot be negative")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.userByName[u.Username]; ok {
		return m.users[id], nil
	}
	m.nextUserID++
	u.ID = m.nextUserID
	m.users[u.ID] = u
	m.userByName[u.Username] = u.ID
	return u, nil
}

func (m *MemoryStorage) GetUser(ctx context.Context, id int64) (account.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return account.User{}, account.ErrUserNotFound
	}
	return u, nil
}

func (m *MemoryStorage) GetUserByName(ctx context.Context, username string) (account.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.userByName[username]
	if !ok {
		return account.User{}, account.ErrUserNotFound
	}
	return m.users[id], nil
}

func (m *MemoryStorage) GetHolding(ctx context.Context, userID int64, symbol string) (account.Holding, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.holdings[userID][strings.ToUpper(symbol)]
	return h, ok, nil
}

func (m *MemoryStorage) ListHoldings(ctx context.Context, userID int64) ([]account.Holding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.holdingsOf(userID), nil
}

// holdingsOf must be called with the lock held.
func (m *MemoryStorage) holdingsOf(userID int64) []account.Holding {
	out := make([]account.Holding, 0, len(m.holdings[userID]))
	for _, h := range m.holdings[userID] {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (m *MemoryStorage) ListAccounts(ctx context.Context) ([]account.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]account.Snapshot, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, account.Snapshot{User: u, Holdings: m.holdingsOf(u.ID)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User.ID < out[j].User.ID })
	return out, nil
}

func (m *MemoryStorage) ApplySettlement(ctx context.Context, s account.Settlement) error {
	if s.NewCash.IsNegative() {
		return fmt.Errorf("settlement would leave user %d with negative cash %s", s.UserID, s.NewCash)
	}
	if s.Holding.Shares < 0 {
		return fmt.Errorf("settlement would leave user %d with %d shares", s.UserID, s.Holding.Shares)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[s.UserID]
	if !ok {
		return account.ErrUserNotFound
	}
	if !u.Cash.Equal(s.PrevCash) {
		return account.ErrStaleAccount
	}

	u.Cash = s.NewCash
	m.users[u.ID] = u

	sym := strings.ToUpper(s.Trade.Symbol)
	if s.Holding.Shares == 0 {
		delete(m.holdings[u.ID], sym)
	} else {
		if m.holdings[u.ID] == nil {
			m.holdings[u.ID] = make(map[string]account.Holding)
		}
		h := s.Holding
		h.UserID = u.ID
		h.Symbol = sym
		m.holdings[u.ID][sym] = h
	}

	t := s.Trade
	t.UserID = u.ID
	t.Symbol = sym
	t.Timestamp = t.Timestamp.UTC()
	m.trades = append(m.trades, t)
	return nil
}

func (m *MemoryStorage) ResetAll(ctx context.Context, cash decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holdings = make(map[int64]map[string]account.Holding)
	m.trades = m.trades[:0]
	for id, u := range m.users {
		u.Cash = cash
		m.users[id] = u
	}
	return nil
}

func (m *MemoryStorage) CountTrades(ctx context.Context, userID int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, t := range m.trades {
		if t.UserID == userID {
			n++
		}
	}
	return n, nil
}

// -------- JournalStorage --------

func (m *MemoryStorage) LogEvent(ctx context.Context, event journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Time = event.Time.UTC()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryStorage) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start = start.UTC()
	end = end.UTC()
	var out []journal.Event
	for _, e := range m.events {
		if e.Type == eventType && (e.Time.Equal(start) || e.Time.After(start)) && e.Time.Before(end) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}
