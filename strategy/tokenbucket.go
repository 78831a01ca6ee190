package strategy

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/AlfredDev/ratethrottle/backend"
)

// tokenBucketState is the value stored under the bucket key: the number of
// tokens currently available and the wall-clock time they were last
// refilled to. Encoded as two big-endian fields so CompareAndSwap can work
// against an opaque []byte without either side needing to agree on JSON.
type tokenBucketState struct {
	tokens     float64
	lastRefill int64 // unix nanoseconds
}

func encodeTokenBucketState(s tokenBucketState) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], math.Float64bits(s.tokens))
	binary.BigEndian.PutUint64(b[8:16], uint64(s.lastRefill))
	return b
}

func decodeTokenBucketState(b []byte) (tokenBucketState, bool) {
	if len(b) != 16 {
		return tokenBucketState{}, false
	}
	return tokenBucketState{
		tokens:     math.Float64frombits(binary.BigEndian.Uint64(b[0:8])),
		lastRefill: int64(binary.BigEndian.Uint64(b[8:16])),
	}, true
}

// evaluateTokenBucket implements continuous refill at rate Limit/Window,
// capped at Burst, consuming one token per request. It uses
// backend.CompareAndSwap in a retry loop for strict atomicity under
// contention, since Increment alone cannot express "refill, then consume only
// if at least one token is available."
func evaluateTokenBucket(ctx context.Context, b backend.Backend, key string, p Params, now time.Time) (Decision, error) {
	ratePerNano := float64(p.Limit) / float64(p.Window)
	ttl := p.Window * 2

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		raw, ok, err := b.Get(ctx, key)
		if err != nil {
			return Decision{}, err
		}

		var cur tokenBucketState
		var expected []byte
		if ok {
			cur, ok = decodeTokenBucketState(raw)
			if !ok {
				cur = tokenBucketState{tokens: float64(p.Burst), lastRefill: now.UnixNano()}
			}
			expected = raw
		} else {
			cur = tokenBucketState{tokens: float64(p.Burst), lastRefill: now.UnixNano()}
			expected = nil
		}

		elapsed := now.UnixNano() - cur.lastRefill
		if elapsed < 0 {
			elapsed = 0
		}
		refilled := cur.tokens + float64(elapsed)*ratePerNano
		if refilled > float64(p.Burst) {
			refilled = float64(p.Burst)
		}

		next := tokenBucketState{tokens: refilled, lastRefill: now.UnixNano()}
		var decision Decision

		if refilled >= 1.0 {
			next.tokens = refilled - 1.0
			decision.Allowed = true
			decision.Remaining = int64(next.tokens)
		} else {
			decision.Allowed = false
			decision.Remaining = 0
			missing := 1.0 - refilled
			decision.RetryAfter = ceilSeconds(time.Duration(missing / ratePerNano))
		}
		decision.ResetTime = now.Add(time.Duration((float64(p.Burst) - next.tokens) / ratePerNano))

		swapped, err := b.CompareAndSwap(ctx, key, expected, encodeTokenBucketState(next), ttl)
		if err != nil {
			return Decision{}, err
		}
		if swapped {
			return decision, nil
		}
		// Lost the race against a concurrent request; recompute against the
		// now-current state.
	}

	return Decision{}, errTooManyRetries(key)
}
