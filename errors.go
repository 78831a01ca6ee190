package ratethrottle

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the core, per the external error-handling
// contract: RuleNotFound and InvalidRule are recoverable caller mistakes,
// MissingScopeData means the adapter didn't supply what a rule's scope
// needs, BackendUnavailable is handled per the fail-open/closed policy, and
// RateLimitExceeded is an optional raised form of a denied Verdict.
var (
	ErrRuleNotFound       = errors.New("ratethrottle: rule not found")
	ErrInvalidRule        = errors.New("ratethrottle: invalid rule")
	ErrMissingScopeData   = errors.New("ratethrottle: missing scope data")
	ErrBackendUnavailable = errors.New("ratethrottle: backend unavailable")
	ErrInvalidRate        = errors.New("ratethrottle: invalid rate")
)

// RateLimitExceededError carries the full denial context when a caller
// opts in to receiving an error rather than just a denied Verdict.
type RateLimitExceededError struct {
	Limit      int64
	Remaining  int64
	ResetTime  string
	RetryAfter string
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("ratethrottle: rate limit exceeded (limit=%d, remaining=%d, retry_after=%s)",
		e.Limit, e.Remaining, e.RetryAfter)
}
