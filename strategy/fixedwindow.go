package strategy

import (
	"context"
	"strconv"
	"time"

	"github.com/AlfredDev/ratethrottle/backend"
)

// evaluateFixedWindow counts requests in buckets aligned to Window-sized
// slots since the Unix epoch. The counter key is suffixed with the window
// index so a new slot starts fresh automatically; Increment's own ttl keeps
// stale slots from lingering once their window has passed.
func evaluateFixedWindow(ctx context.Context, b backend.Backend, key string, p Params, now time.Time) (Decision, error) {
	windowIdx := now.UnixNano() / int64(p.Window)
	windowStart := time.Unix(0, windowIdx*int64(p.Window))
	resetTime := windowStart.Add(p.Window)

	slotKey := key + ":" + strconv.FormatInt(windowIdx, 10)
	count, err := b.Increment(ctx, slotKey, 1, p.Window+time.Second)
	if err != nil {
		return Decision{}, err
	}

	decision := Decision{ResetTime: resetTime}
	if count <= p.Limit {
		decision.Allowed = true
		decision.Remaining = p.Limit - count
	} else {
		decision.Allowed = false
		decision.Remaining = 0
		decision.RetryAfter = ceilSeconds(resetTime.Sub(now))
	}
	return decision, nil
}
