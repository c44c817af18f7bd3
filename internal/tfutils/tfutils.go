// Package tfutils maps candle timeframe strings to bucket widths.
package tfutils

import (
	"fmt"
	"sort"
	"time"
)

var timeframes = map[string]time.Duration{
	"15s": 15 * time.Second,
	"30s": 30 * time.Second,
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

// ParseTimeframe parses timeframe string (e.g., "1m", "1h") to time.Duration
func ParseTimeframe(timeframe string) (time.Duration, error) {
	if d, ok := timeframes[timeframe]; ok {
		return d, nil
	}
	return 0, fmt.Errorf("unsupported timeframe %q", timeframe)
}

// GetTimeframeDuration returns the duration for a given timeframe, or 0 if unsupported
func GetTimeframeDuration(timeframe string) time.Duration {
	return timeframes[timeframe]
}

// GetSupportedTimeframes returns all supported timeframes, shortest first
func GetSupportedTimeframes() []string {
	out := make([]string, 0, len(timeframes))
	for tf := range timeframes {
		out = append(out, tf)
	}
	sort.Slice(out, func(i, j int) bool { return timeframes[out[i]] < timeframes[out[j]] })
	return out
}

// IsValidTimeframe checks if a timeframe is supported
func IsValidTimeframe(timeframe string) bool {
	return GetTimeframeDuration(timeframe) > 0
}
