// Package db
package db

import (
	"database/sql"

	"github.com/amirphl/simtrader/internal/account"
	"github.com/amirphl/simtrader/internal/journal"
	"github.com/amirphl/simtrader/internal/market"
)

// Storage is the interface for all persistent storage.
type Storage interface {
	GetDB() *sql.DB
	market.TickStore
	market.StateStore
	account.Store
	journal.Journaler
}

const marketOpenKey = "market_open"

var (
	_ Storage = (*MemoryStorage)(nil)
	_ Storage = (*Default)(nil)
)
