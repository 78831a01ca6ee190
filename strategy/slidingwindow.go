package strategy

import (
	"context"
	"time"

	"github.com/AlfredDev/ratethrottle/backend"
)

// evaluateSlidingWindow keeps an ordered set of request timestamps per
// bucket and admits a request only if fewer than Limit timestamps fall
// within the trailing Window. Unlike fixed window it has no boundary reset
// effect: the count considered is always the trailing Window, not a slot
// aligned to the epoch.
//
// Admission is checked before the new timestamp is recorded, so a rejected
// request does not itself count against the limit.
func evaluateSlidingWindow(ctx context.Context, b backend.Backend, key string, p Params, now time.Time) (Decision, error) {
	cutoff := now.Add(-p.Window)

	if err := b.TrimBefore(ctx, key, cutoff); err != nil {
		return Decision{}, err
	}

	count, err := b.CountAfter(ctx, key, cutoff)
	if err != nil {
		return Decision{}, err
	}

	decision := Decision{ResetTime: now.Add(p.Window)}

	if int64(count) < p.Limit {
		if err := b.AppendTimestamp(ctx, key, now); err != nil {
			return Decision{}, err
		}
		if err := b.Touch(ctx, key, p.Window+time.Second); err != nil {
			return Decision{}, err
		}
		decision.Allowed = true
		decision.Remaining = p.Limit - int64(count) - 1
		return decision, nil
	}

	decision.Allowed = false
	decision.Remaining = 0
	oldest, ok, err := b.OldestAfter(ctx, key, cutoff)
	if err != nil {
		return Decision{}, err
	}
	if ok {
		decision.RetryAfter = ceilSeconds(oldest.Add(p.Window).Sub(now))
		decision.ResetTime = oldest.Add(p.Window)
	} else {
		decision.RetryAfter = ceilSeconds(0)
	}
	return decision, nil
}
