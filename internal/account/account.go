// Package account holds user cash, holdings and the trade ledger types.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrStaleAccount is returned by ApplySettlement when the account cash no
// longer matches the value the settlement was computed from.
var ErrStaleAccount = errors.New("account changed since it was read")

// ErrUserNotFound is returned when a user id or name does not exist.
var ErrUserNotFound = errors.New("user not found")

// AdminUsername is the single user allowed to run administrative actions.
const AdminUsername = "admin"

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// ParseSide accepts "buy" or "sell" in any case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case Buy:
		return Buy, nil
	case Sell:
		return Sell, nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}

type User struct {
	ID       int64           `json:"id"`
	Username string          `json:"username"`
	Password string          `json:"-"`
	Cash     decimal.Decimal `json:"cash"`
}

// IsAdmin reports whether u may run administrative actions.
func (u User) IsAdmin() bool { return u.Username == AdminUsername }

// Holding is a position in one symbol. It exists only while Shares > 0.
type Holding struct {
	UserID   int64           `json:"-"`
	Symbol   string          `json:"symbol"`
	Shares   int64           `json:"shares"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

// Trade is an immutable ledger entry written for every executed order.
type Trade struct {
	ID        string          `json:"id"`
	UserID    int64           `json:"user_id"`
	Symbol    string          `json:"symbol"`
	Shares    int64           `json:"shares"`
	Price     decimal.Decimal `json:"price"`
	Side      Side            `json:"side"`
	Timestamp time.Time       `json:"timestamp"`
}

// Settlement is the full effect of one order on one account. It is applied as
// a single unit or not at all.
type Settlement struct {
	UserID int64
	// PrevCash is the cash balance the settlement was computed from.
	PrevCash decimal.Decimal
	NewCash  decimal.Decimal
	// Holding is the resulting holding for Trade.Symbol. Shares == 0 deletes it.
	Holding Holding
	Trade   Trade
}

// Snapshot is a user together with current holdings.
type Snapshot struct {
	User     User
	Holdings []Holding
}

// Store is the account persistence used by the settlement engine.
type Store interface {
	// CreateUser inserts u if no user with the same username exists and returns the stored user.
	CreateUser(ctx context.Context, u User) (User, error)
	GetUser(ctx context.Context, id int64) (User, error)
	GetUserByName(ctx context.Context, username string) (User, error)
	// GetHolding returns the holding for (userID, symbol); ok is false if none.
	GetHolding(ctx context.Context, userID int64, symbol string) (h Holding, ok bool, err error)
	ListHoldings(ctx context.Context, userID int64) ([]Holding, error)
	ListAccounts(ctx context.Context) ([]Snapshot, error)
	// ApplySettlement commits s atomically. It fails with ErrStaleAccount if
	// the user's cash differs from s.PrevCash.
	ApplySettlement(ctx context.Context, s Settlement) error
	// ResetAll removes every holding and trade and sets every user's cash to cash.
	ResetAll(ctx context.Context, cash decimal.Decimal) error
	CountTrades(ctx context.Context, userID int64) (int, error)
}
