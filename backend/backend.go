// Package backend provides the abstract atomic key/value and ordered-set
// store that strategies, access control, and the traffic analyzer persist
// their state through. Two implementations are provided: an in-process
// sharded map with a background expiry sweep, and a remote store backed by
// Redis.
package backend

import (
	"context"
	"errors"
	"time"
)

// ErrBackendUnavailable is returned when a backend cannot complete an
// operation — a connection failure, a context timeout, or a Redis error.
// Callers should wrap this with additional context via fmt.Errorf("%w: ...").
var ErrBackendUnavailable = errors.New("backend: unavailable")

// Backend is the capability set every rate-limiting strategy, the access
// control layer, and the traffic analyzer consume. All mutations of a
// single key must be linearizable; no ordering is guaranteed across keys.
type Backend interface {
	// Get retrieves the raw value for key, or (nil, false) if absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value for key. ttl == 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Increment atomically adds delta to the integer stored at key
	// (initializing it to 0 first if absent) and applies ttl to the key.
	// Returns the value after the increment.
	Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// CompareAndSwap atomically replaces the value at key with newVal only
	// if the current value equals expected (nil expected means "key must
	// not exist"). Returns true if the swap took place.
	CompareAndSwap(ctx context.Context, key string, expected, newVal []byte, ttl time.Duration) (bool, error)

	// AppendTimestamp appends ts to the ordered-timestamp set stored at key.
	// Duplicate timestamps are permitted.
	AppendTimestamp(ctx context.Context, key string, ts time.Time) error

	// TrimBefore removes all timestamps strictly before cutoff from the
	// ordered-timestamp set at key.
	TrimBefore(ctx context.Context, key string, cutoff time.Time) error

	// CountAfter returns the number of timestamps at or after cutoff in the
	// ordered-timestamp set at key.
	CountAfter(ctx context.Context, key string, cutoff time.Time) (int, error)

	// OldestAfter returns the earliest timestamp at or after cutoff, and
	// whether one exists.
	OldestAfter(ctx context.Context, key string, cutoff time.Time) (time.Time, bool, error)

	// Touch refreshes the TTL of an existing key (raw value or ordered set)
	// without altering its contents. A no-op if the key is absent.
	Touch(ctx context.Context, key string, ttl time.Duration) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// ExpiresAt returns the absolute time key's TTL lapses. ok is false if
	// key is absent or carries no expiry (persists indefinitely).
	ExpiresAt(ctx context.Context, key string) (expiry time.Time, ok bool, err error)

	// Delete removes key. Returns true if a key was actually removed.
	Delete(ctx context.Context, key string) (bool, error)

	// Close releases resources held by the backend (sweeper goroutines,
	// network connections). After Close the backend must not be used.
	Close() error
}
