// Package rateparse parses the human-facing shorthand rate format
// "<N>/<unit>" (e.g. "100/minute") into a (limit, window) pair, and formats
// one back to its canonical string form. It is consumed by adapters only;
// the core engine never produces this format itself.
package rateparse

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidRate is returned for any string that doesn't parse as
// "<N>/<unit>" with a recognized unit.
var ErrInvalidRate = errors.New("rateparse: invalid rate")

var unitWindows = map[string]time.Duration{
	"second": time.Second,
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
}

// canonicalUnits fixes the iteration/round-trip order so Format always picks
// the same unit name for a given window, independent of map iteration order.
var canonicalUnits = []string{"second", "minute", "hour", "day"}

// Parse interprets s as "<N>/<unit>", case-insensitively and with
// whitespace stripped, returning the limit and the window duration unit
// maps to. An unrecognized unit, missing separator, or non-positive/
// non-integer count yields ErrInvalidRate.
func Parse(s string) (limit int64, window time.Duration, err error) {
	trimmed := strings.Join(strings.Fields(s), "")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: %q: expected \"<N>/<unit>\"", ErrInvalidRate, s)
	}

	n, convErr := strconv.ParseInt(parts[0], 10, 64)
	if convErr != nil || n <= 0 {
		return 0, 0, fmt.Errorf("%w: %q: count must be a positive integer", ErrInvalidRate, s)
	}

	unit := strings.ToLower(parts[1])
	w, ok := unitWindows[unit]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q: unknown unit %q", ErrInvalidRate, s, parts[1])
	}

	return n, w, nil
}

// Format produces the canonical "<N>/<unit>" string for (limit, window).
// window must exactly equal one of second/minute/hour/day; otherwise it
// falls back to an explicit seconds form so Format never silently rounds.
func Format(limit int64, window time.Duration) string {
	for _, unit := range canonicalUnits {
		if unitWindows[unit] == window {
			return fmt.Sprintf("%d/%s", limit, unit)
		}
	}
	return fmt.Sprintf("%d/%ss", limit, strconv.FormatFloat(window.Seconds(), 'f', -1, 64))
}
