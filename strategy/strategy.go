// Package strategy implements the four admission-decision algorithms as a
// closed sum type dispatched by Kind, rather than a string-keyed lookup
// table. Every strategy is a pure function of (params, bucket key, now) over
// the shared backend.Backend — none of them know about allow/deny lists or
// blocks; that orchestration belongs to the engine.
package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/AlfredDev/ratethrottle/backend"
)

// Kind identifies which admission algorithm a Rule uses. It is a closed set;
// Evaluate rejects anything else.
type Kind string

const (
	TokenBucket   Kind = "token_bucket"
	LeakyBucket   Kind = "leaky_bucket"
	FixedWindow   Kind = "fixed_window"
	SlidingWindow Kind = "sliding_window"
)

// Valid reports whether k is one of the four known strategies.
func (k Kind) Valid() bool {
	switch k {
	case TokenBucket, LeakyBucket, FixedWindow, SlidingWindow:
		return true
	default:
		return false
	}
}

// Params carries the per-rule numbers a strategy needs. Burst is only
// meaningful for TokenBucket; it defaults to Limit when zero.
type Params struct {
	Limit  int64
	Window time.Duration
	Burst  int64
}

// Decision is the raw result of evaluating a strategy, before the engine
// layers on allow/deny and block-state semantics.
type Decision struct {
	Allowed    bool
	Remaining  int64
	ResetTime  time.Time
	RetryAfter time.Duration
}

// Evaluate dispatches to the strategy named by kind. bucketKey is the fully
// resolved backend key for this (rule, scope-value) pair, as produced by the
// rule registry.
func Evaluate(ctx context.Context, kind Kind, b backend.Backend, bucketKey string, p Params, now time.Time) (Decision, error) {
	if p.Burst <= 0 {
		p.Burst = p.Limit
	}
	switch kind {
	case TokenBucket:
		return evaluateTokenBucket(ctx, b, bucketKey, p, now)
	case LeakyBucket:
		return evaluateLeakyBucket(ctx, b, bucketKey, p, now)
	case FixedWindow:
		return evaluateFixedWindow(ctx, b, bucketKey, p, now)
	case SlidingWindow:
		return evaluateSlidingWindow(ctx, b, bucketKey, p, now)
	default:
		return Decision{}, fmt.Errorf("ratethrottle/strategy: unknown kind %q", kind)
	}
}

func ceilSeconds(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	secs := d.Seconds()
	whole := time.Duration(secs) * time.Second
	if whole < d {
		whole += time.Second
	}
	return whole
}

const maxCASRetries = 8

func errTooManyRetries(key string) error {
	return fmt.Errorf("ratethrottle/strategy: exceeded %d CAS retries for key %q", maxCASRetries, key)
}
