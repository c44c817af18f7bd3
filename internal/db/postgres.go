package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/amirphl/simtrader/internal/account"
	"github.com/amirphl/simtrader/internal/db/conf"
	"github.com/amirphl/simtrader/internal/journal"
	"github.com/amirphl/simtrader/internal/market"
	"github.com/shopspring/decimal"
)

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

// executeWithTransaction executes a function with proper transaction management
// If a transaction exists in context, it uses that. Otherwise, it creates a new one.
func (p *Default) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(tx)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}

	return nil
}

// queryWithTransaction executes a query using transaction from context if available
func (p *Default) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return p.db.QueryContext(ctx, query, args...)
}

// queryRowWithTransaction is the single-row variant of queryWithTransaction
func (p *Default) queryRowWithTransaction(ctx context.Context, query string, args ...any) *sql.Row {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryRowContext(ctx, query, args...)
	}
	return p.db.QueryRowContext(ctx, query, args...)
}

// Default is the postgres-backed Storage.
type Default struct {
	db *sql.DB
}

func New(c conf.Config) (*Default, error) {
	if c.DB == nil {
		return nil, errors.New("db config has no connection")
	}
	return &Default{db: c.DB}, nil
}

func (p *Default) GetDB() *sql.DB {
	return p.db
}

// -------- TickStore --------

func (p *Default) AppendTick(ctx context.Context, t market.Tick, retention int) error {
	if t.Symbol == "" {
		return errors.New("tick symbol cannot be empty")
	}
	if !t.Price.IsPositive() {
		return fmt.Errorf("tick price must be positive, got %s", t.Price)
	}
	sym := strings.ToUpper(t.Symbol)

	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO ticks (symbol, ts, price) VALUES ($1,$2,$3)`,
			sym, t.Timestamp.UTC(), t.Price)
		if err != nil {
			return fmt.Errorf("failed to save tick for %s: %w", sym, err)
		}
		if retention <= 0 {
			return nil
		}

		var cnt int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM ticks WHERE symbol=$1`, sym).Scan(&cnt); err != nil {
			return fmt.Errorf("failed to count ticks for %s: %w", sym, err)
		}
		if cnt <= retention {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			DELETE FROM ticks WHERE id IN (
				SELECT id FROM ticks WHERE symbol=$1 ORDER BY ts ASC, id ASC LIMIT $2
			)`, sym, cnt-retention)
		if err != nil {
			return fmt.Errorf("failed to trim ticks for %s: %w", sym, err)
		}
		return nil
	})
}

func (p *Default) LatestTick(ctx context.Context, symbol string) (market.Tick, bool, error) {
	var t market.Tick
	err := p.queryRowWithTransaction(ctx,
		`SELECT symbol, ts, price FROM ticks WHERE symbol=$1 ORDER BY ts DESC, id DESC LIMIT 1`,
		strings.ToUpper(symbol)).Scan(&t.Symbol, &t.Timestamp, &t.Price)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Tick{}, false, nil
	}
	if err != nil {
		return market.Tick{}, false, fmt.Errorf("failed to query latest tick: %w", err)
	}
	t.Timestamp = t.Timestamp.UTC()
	return t, true, nil
}

func (p *Default) TicksSince(ctx context.Context, symbol string, since time.Time) ([]market.Tick, error) {
	rows, err := p.queryWithTransaction(ctx,
		`SELECT symbol, ts, price FROM ticks WHERE symbol=$1 AND ts >= $2 ORDER BY ts ASC, id ASC`,
		strings.ToUpper(symbol), since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query ticks: %w", err)
	}
	defer rows.Close()

	var ticks []market.Tick
	for rows.Next() {
		var t market.Tick
		if err := rows.Scan(&t.Symbol, &t.Timestamp, &t.Price); err != nil {
			return nil, fmt.Errorf("failed to scan tick: %w", err)
		}
		t.Timestamp = t.Timestamp.UTC()
		ticks = append(ticks, t)
	}
	return ticks, rows.Err()
}

func (p *Default) CountTicks(ctx context.Context, symbol string) (int, error) {
	var (
		cnt int
		err error
	)
	if symbol == "" {
		err = p.queryRowWithTransaction(ctx, `SELECT COUNT(*) FROM ticks`).Scan(&cnt)
	} else {
		err = p.queryRowWithTransaction(ctx, `SELECT COUNT(*) FROM ticks WHERE symbol=$1`, strings.ToUpper(symbol)).Scan(&cnt)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count ticks: %w", err)
	}
	return cnt, nil
}

// -------- StateStore --------

func (p *Default) MarketOpen(ctx context.Context) (bool, error) {
	var v string
	err := p.queryRowWithTransaction(ctx, `SELECT value FROM metadata WHERE key=$1`, marketOpenKey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read market state: %w", err)
	}
	return v != "0", nil
}

func (p *Default) SetMarketOpen(ctx context.Context, open bool) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO metadata (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value`,
			marketOpenKey, flagValue(open))
		if err != nil {
			return fmt.Errorf("failed to save market state: %w", err)
		}
		return nil
	})
}

// -------- AccountStore --------

func (p *Default) CreateUser(ctx context.Context, u account.User) (account.User, error) {
	if u.Username == "" {
		return account.User{}, errors.New("username cannot be empty")
	}
	err := p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO users (username, password, cash) VALUES ($1,$2,$3) ON CONFLICT (username) DO NOTHING`,
			u.Username, u.Password, u.Cash)
		if err != nil {
			return fmt.Errorf("failed to insert user %s: %w", u.Username, err)
		}
		return nil
	})
	if err != nil {
		return account.User{}, err
	}
	return p.GetUserByName(ctx, u.Username)
}

func (p *Default) GetUser(ctx context.Context, id int64) (account.User, error) {
	return p.scanUser(p.queryRowWithTransaction(ctx, `SELECT id, username, password, cash FROM users WHERE id=$1`, id))
}

func (p *Default) GetUserByName(ctx context.Context, username string) (account.User, error) {
	return p.scanUser(p.queryRowWithTransaction(ctx, `SELECT id, username, password, cash FROM users WHERE username=$1`, username))
}

func (p *Default) scanUser(row *sql.Row) (account.User, error) {
	var u account.User
	err := row.Scan(&u.ID, &u.Username, &u.Password, &u.Cash)
	if errors.Is(err, sql.ErrNoRows) {
		return account.User{}, account.ErrUserNotFound
	}
	if err != nil {
		return account.User{}, fmt.Errorf("failed to scan user: %w", err)
	}
	return u, nil
}

func (p *Default) GetHolding(ctx context.Context, userID int64, symbol string) (account.Holding, bool, error) {
	h := account.Holding{UserID: userID}
	err := p.queryRowWithTransaction(ctx,
		`SELECT symbol, shares, avg_price FROM holdings WHERE user_id=$1 AND symbol=$2`,
		userID, strings.ToUpper(symbol)).Scan(&h.Symbol, &h.Shares, &h.AvgPrice)
	if errors.Is(err, sql.ErrNoRows) {
		return account.Holding{}, false, nil
	}
	if err != nil {
		return account.Holding{}, false, fmt.Errorf("failed to query holding: %w", err)
	}
	return h, true, nil
}

func (p *Default) ListHoldings(ctx context.Context, userID int64) ([]account.Holding, error) {
	rows, err := p.queryWithTransaction(ctx,
		`SELECT user_id, symbol, shares, avg_price FROM holdings WHERE user_id=$1 ORDER BY symbol`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query holdings: %w", err)
	}
	defer rows.Close()
	return scanHoldings(rows)
}

func scanHoldings(rows *sql.Rows) ([]account.Holding, error) {
	var out []account.Holding
	for rows.Next() {
		var h account.Holding
		if err := rows.Scan(&h.UserID, &h.Symbol, &h.Shares, &h.AvgPrice); err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (p *Default) ListAccounts(ctx context.Context) ([]account.Snapshot, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT id, username, password, cash FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	var snaps []account.Snapshot
	index := make(map[int64]int)
	for rows.Next() {
		var u account.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Password, &u.Cash); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		index[u.ID] = len(snaps)
		snaps = append(snaps, account.Snapshot{User: u})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hrows, err := p.queryWithTransaction(ctx, `SELECT user_id, symbol, shares, avg_price FROM holdings ORDER BY user_id, symbol`)
	if err != nil {
		return nil, fmt.Errorf("failed to query holdings: %w", err)
	}
	defer hrows.Close()
	holdings, err := scanHoldings(hrows)
	if err != nil {
		return nil, err
	}
	for _, h := range holdings {
		if i, ok := index[h.UserID]; ok {
			snaps[i].Holdings = append(snaps[i].Holdings, h)
		}
	}
	return snaps, nil
}

func (p *Default) ApplySettlement(ctx context.Context, s account.Settlement) error {
	if s.NewCash.IsNegative() {
		return fmt.Errorf("settlement would leave user %d with negative cash %s", s.UserID, s.NewCash)
	}
	sym := strings.ToUpper(s.Trade.Symbol)

	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE users SET cash=$1 WHERE id=$2 AND cash=$3`, s.NewCash, s.UserID, s.PrevCash)
		if err != nil {
			return fmt.Errorf("failed to update cash: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id=$1)`, s.UserID).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check user: %w", err)
			}
			if !exists {
				return account.ErrUserNotFound
			}
			return account.ErrStaleAccount
		}

		if s.Holding.Shares == 0 {
			_, err = tx.ExecContext(ctx, `DELETE FROM holdings WHERE user_id=$1 AND symbol=$2`, s.UserID, sym)
		} else {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO holdings (user_id, symbol, shares, avg_price) VALUES ($1,$2,$3,$4)
				ON CONFLICT (user_id, symbol) DO UPDATE SET shares=EXCLUDED.shares, avg_price=EXCLUDED.avg_price`,
				s.UserID, sym, s.Holding.Shares, s.Holding.AvgPrice)
		}
		if err != nil {
			return fmt.Errorf("failed to write holding: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO trades (id, user_id, symbol, shares, price, side, ts) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			s.Trade.ID, s.UserID, sym, s.Trade.Shares, s.Trade.Price, string(s.Trade.Side), s.Trade.Timestamp.UTC())
		if err != nil {
			return fmt.Errorf("failed to record trade: %w", err)
		}
		return nil
	})
}

func (p *Default) ResetAll(ctx context.Context, cash decimal.Decimal) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{`DELETE FROM holdings`, `DELETE FROM trades`} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to reset accounts (%s): %w", stmt, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE users SET cash=$1`, cash); err != nil {
			return fmt.Errorf("failed to reset cash: %w", err)
		}
		return nil
	})
}

func (p *Default) CountTrades(ctx context.Context, userID int64) (int, error) {
	var cnt int
	if err := p.queryRowWithTransaction(ctx, `SELECT COUNT(*) FROM trades WHERE user_id=$1`, userID).Scan(&cnt); err != nil {
		return 0, fmt.Errorf("failed to count trades: %w", err)
	}
	return cnt, nil
}

// -------- JournalStorage --------

func (p *Default) LogEvent(ctx context.Context, event journal.Event) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		data, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO events (time, type, description, data) VALUES ($1,$2,$3,$4)`,
			event.Time.UTC(), event.Type, event.Description, data)
		if err != nil {
			return fmt.Errorf("failed to log event: %w", err)
		}
		return nil
	})
}

func (p *Default) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	rows, err := p.queryWithTransaction(ctx,
		`SELECT time, type, description, data FROM events WHERE type=$1 AND time >= $2 AND time < $3 ORDER BY time ASC`,
		eventType, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	var events []journal.Event
	for rows.Next() {
		var e journal.Event
		var data []byte
		if err := rows.Scan(&e.Time, &e.Type, &e.Description, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		e.Time = e.Time.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}
