package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestInsufficientFundsError(t *testing.T) {
	err := error(&InsufficientFundsError{
		Required:  decimal.NewFromInt(500),
		Available: decimal.RequireFromString("120.5"),
	})
	wrapped := fmt.Errorf("buy TCS: %w", err)

	assert.True(t, errors.Is(wrapped, ErrInsufficientFunds))
	assert.False(t, errors.Is(wrapped, ErrInsufficientShares))

	var ife *InsufficientFundsError
	assert.True(t, errors.As(wrapped, &ife))
	assert.Equal(t, "500", ife.Required.String())
	assert.Contains(t, err.Error(), "required 500.00, available 120.50")
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{Invalid("shares must be positive"), "invalid_input"},
		{fmt.Errorf("x: %w", ErrPriceUnavailable), "price_unavailable"},
		{&InsufficientFundsError{}, "insufficient_funds"},
		{ErrInsufficientShares, "insufficient_shares"},
		{ErrUnauthorized, "unauthorized"},
		{ErrNotAuthenticated, "not_authenticated"},
		{errors.New("disk on fire"), "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Kind(tt.err), tt.err.Error())
	}
}
