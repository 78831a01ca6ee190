package ratethrottle

import "time"

// Metadata carries the typed request context a rule's scope resolver and
// the traffic analyzer consume. This replaces a free-form metadata bag with
// an enumerated set of well-known fields plus a narrow escape hatch for
// custom scopes.
type Metadata struct {
	Endpoint string
	Method   string
	UserID   string
	APIKey   string

	// Custom holds values for rules with Scope == registry.ScopeCustom,
	// keyed by the rule's CustomKey. Not consulted for any other scope.
	Custom map[string]string
}

// Verdict is the immutable result of a Check call.
type Verdict struct {
	Allowed    bool
	Remaining  int64
	Limit      int64
	ResetTime  time.Time
	RetryAfter time.Duration
	RuleName   string
	Blocked    bool
}
