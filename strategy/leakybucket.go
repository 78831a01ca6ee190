package strategy

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/AlfredDev/ratethrottle/backend"
)

// leakyBucketState tracks the current queue level (in request units) and
// when it was last drained. The bucket leaks at rate Limit/Window; a request
// is admitted only if adding one unit would not overflow Limit, the queue's
// capacity.
type leakyBucketState struct {
	level     float64
	lastDrain int64 // unix nanoseconds
}

func encodeLeakyBucketState(s leakyBucketState) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], math.Float64bits(s.level))
	binary.BigEndian.PutUint64(b[8:16], uint64(s.lastDrain))
	return b
}

func decodeLeakyBucketState(b []byte) (leakyBucketState, bool) {
	if len(b) != 16 {
		return leakyBucketState{}, false
	}
	return leakyBucketState{
		level:     math.Float64frombits(binary.BigEndian.Uint64(b[0:8])),
		lastDrain: int64(binary.BigEndian.Uint64(b[8:16])),
	}, true
}

// evaluateLeakyBucket models a queue that drains at a constant rate and
// admits a request only when there is room left in the queue. Unlike token
// bucket, admission does not restore capacity immediately; it fills the
// queue and lets it leak out over time, producing a smoothed output rate
// rather than permitting bursts up to Burst all at once.
func evaluateLeakyBucket(ctx context.Context, b backend.Backend, key string, p Params, now time.Time) (Decision, error) {
	drainPerNano := float64(p.Limit) / float64(p.Window)
	ttl := p.Window * 2

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		raw, ok, err := b.Get(ctx, key)
		if err != nil {
			return Decision{}, err
		}

		var cur leakyBucketState
		var expected []byte
		if ok {
			cur, ok = decodeLeakyBucketState(raw)
			if !ok {
				cur = leakyBucketState{level: 0, lastDrain: now.UnixNano()}
			}
			expected = raw
		} else {
			cur = leakyBucketState{level: 0, lastDrain: now.UnixNano()}
			expected = nil
		}

		elapsed := now.UnixNano() - cur.lastDrain
		if elapsed < 0 {
			elapsed = 0
		}
		drained := cur.level - float64(elapsed)*drainPerNano
		if drained < 0 {
			drained = 0
		}

		next := leakyBucketState{level: drained, lastDrain: now.UnixNano()}
		decision := Decision{ResetTime: now.Add(p.Window)}

		if drained+1.0 <= float64(p.Limit) {
			next.level = drained + 1.0
			decision.Allowed = true
			decision.Remaining = int64(float64(p.Limit) - next.level)
		} else {
			next.level = drained
			decision.Allowed = false
			decision.Remaining = 0
			overflow := drained + 1.0 - float64(p.Limit)
			decision.RetryAfter = ceilSeconds(time.Duration(overflow / drainPerNano))
		}

		swapped, err := b.CompareAndSwap(ctx, key, expected, encodeLeakyBucketState(next), ttl)
		if err != nil {
			return Decision{}, err
		}
		if swapped {
			return decision, nil
		}
	}

	return Decision{}, errTooManyRetries(key)
}
