package db

import (
	"context"
	"testing"
	"time"

	"github.com/amirphl/simtrader/internal/account"
	dbconf "github.com/amirphl/simtrader/internal/db/conf"
	"github.com/amirphl/simtrader/internal/journal"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPostgres(t *testing.T) *Default {
	t.Helper()
	cfg, cleanup := dbconf.NewTestConfig(t)
	require.NotNil(t, cfg)
	t.Cleanup(cleanup)

	p, err := New(*cfg)
	require.NoError(t, err)
	return p
}

func TestPostgresTicks(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	for i := range 6 {
		require.NoError(t, p.AppendTick(ctx, tick("tcs", float64(100+i), base.Add(time.Duration(i)*time.Second)), 4))
	}

	n, err := p.CountTicks(ctx, "TCS")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	ticks, err := p.TicksSince(ctx, "TCS", base)
	require.NoError(t, err)
	require.Len(t, ticks, 4)
	assert.True(t, ticks[0].Price.Equal(decimal.NewFromInt(102)))

	latest, ok, err := p.LatestTick(ctx, "TCS")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, latest.Price.Equal(decimal.NewFromInt(105)))
	assert.True(t, latest.Timestamp.Equal(base.Add(5*time.Second)))

	_, ok, err = p.LatestTick(ctx, "INFY")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgresMarketFlag(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()

	open, err := p.MarketOpen(ctx)
	require.NoError(t, err)
	assert.True(t, open)

	require.NoError(t, p.SetMarketOpen(ctx, false))
	open, err = p.MarketOpen(ctx)
	require.NoError(t, err)
	assert.False(t, open)
}

func TestPostgresSettlementAndReset(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()

	require.NoError(t, account.EnsureUsers(ctx, p, account.DemoUsers(decimal.NewFromInt(100000))))
	u, err := p.GetUserByName(ctx, "user1")
	require.NoError(t, err)

	s := account.Settlement{
		UserID:   u.ID,
		PrevCash: u.Cash,
		NewCash:  u.Cash.Sub(decimal.RequireFromString("201.50")),
		Holding:  account.Holding{Symbol: "TCS", Shares: 2, AvgPrice: decimal.RequireFromString("100.75")},
		Trade: account.Trade{
			ID: "6f1c1a4e-6a64-4b57-9a0b-3f0f2b6b4d11", Symbol: "TCS", Shares: 2,
			Price: decimal.RequireFromString("100.75"), Side: account.Buy, Timestamp: time.Now(),
		},
	}
	require.NoError(t, p.ApplySettlement(ctx, s))
	assert.ErrorIs(t, p.ApplySettlement(ctx, s), account.ErrStaleAccount)

	missing := s
	missing.UserID = 9999
	assert.ErrorIs(t, p.ApplySettlement(ctx, missing), account.ErrUserNotFound)

	h, ok, err := p.GetHolding(ctx, u.ID, "TCS")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), h.Shares)
	assert.True(t, h.AvgPrice.Equal(decimal.RequireFromString("100.75")))

	snaps, err := p.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 11)
	assert.Len(t, snaps[0].Holdings, 1)

	require.NoError(t, p.ResetAll(ctx, decimal.NewFromInt(100000)))
	holdings, err := p.ListHoldings(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, holdings)
	n, err := p.CountTrades(ctx, u.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPostgresEvents(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, p.LogEvent(ctx, journal.Event{
		Time: now, Type: journal.TypeToggleMarket, Description: "market closed",
		Data: map[string]any{"open": false},
	}))
	events, err := p.GetEvents(ctx, journal.TypeToggleMarket, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "market closed", events[0].Description)
	assert.Equal(t, false, events[0].Data["open"])
}
