// Package journal records administrative events.
package journal

import (
	"context"
	"time"
)

const (
	TypeResetAll     = "reset_all"
	TypeToggleMarket = "toggle_market"
)

// Event represents a journaled event.
type Event struct {
	Time        time.Time      `json:"time"`
	Type        string         `json:"type"` // e.g., "reset_all", "toggle_market"
	Description string         `json:"description"`
	Data        map[string]any `json:"data,omitempty"`
}

// Journaler appends and queries events.
type Journaler interface {
	LogEvent(ctx context.Context, event Event) error
	GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]Event, error)
}
