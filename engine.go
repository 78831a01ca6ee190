// Package ratethrottle is the core rate-limiting engine: it orchestrates
// access control, block state, and strategy evaluation behind a single
// Check call, and feeds the traffic analyzer from every request that reaches
// strategy evaluation.
package ratethrottle

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/AlfredDev/ratethrottle/accesscontrol"
	"github.com/AlfredDev/ratethrottle/analyzer"
	"github.com/AlfredDev/ratethrottle/backend"
	"github.com/AlfredDev/ratethrottle/registry"
	"github.com/AlfredDev/ratethrottle/strategy"
	"github.com/AlfredDev/ratethrottle/violation"
	"github.com/rs/zerolog"
)

// Engine is the orchestrating core: rule registry, access control, strategy
// dispatch, violation recording, and the traffic analyzer, all wired over a
// single backend.Backend.
type Engine struct {
	backend  backend.Backend
	rules    *registry.Registry
	access   *accesscontrol.List
	recorder *violation.Recorder
	analyzer *analyzer.Analyzer
	logger   zerolog.Logger
	opts     engineOptions

	totalRequests   violation.Counter
	allowedRequests violation.Counter
	blockedRequests violation.Counter
	backendErrors   violation.Counter
}

// New constructs an Engine over b. The Engine owns neither the backend's
// lifecycle nor closes it; callers that constructed the backend themselves
// are responsible for calling its Close.
func New(b backend.Backend, logger zerolog.Logger, opts ...Option) *Engine {
	o := defaultEngineOptions()
	for _, opt := range opts {
		opt(&o)
	}

	access := accesscontrol.New(b)
	recorder := violation.NewRecorder(o.violationRingCap)

	e := &Engine{
		backend:  b,
		rules:    registry.New(),
		access:   access,
		recorder: recorder,
		logger:   logger,
		opts:     o,
	}
	e.analyzer = analyzer.New(o.analyzerCfg, access, recorder)
	return e
}

// AddRule registers rule, replacing any existing rule of the same name.
func (e *Engine) AddRule(rule registry.Rule) error {
	return e.rules.AddRule(rule)
}

// RemoveRule deletes the named rule.
func (e *Engine) RemoveRule(name string) error {
	return e.rules.RemoveRule(name)
}

// GetRule returns the named rule.
func (e *Engine) GetRule(name string) (registry.Rule, error) {
	return e.rules.GetRule(name)
}

// ListRules returns every configured rule.
func (e *Engine) ListRules() []registry.Rule {
	return e.rules.ListRules()
}

// AddAllow, RemoveAllow, IsAllowed, AddDeny, RemoveDeny, IsDenied expose the
// access control layer directly, per the external interface surface.

func (e *Engine) AddAllow(ctx context.Context, identifier string) error {
	return e.access.AddAllow(ctx, identifier)
}

func (e *Engine) RemoveAllow(ctx context.Context, identifier string) error {
	return e.access.RemoveAllow(ctx, identifier)
}

func (e *Engine) IsAllowed(ctx context.Context, identifier string) (bool, error) {
	return e.access.IsAllowed(ctx, identifier)
}

func (e *Engine) AddDeny(ctx context.Context, identifier string, ttl time.Duration) error {
	return e.access.AddDeny(ctx, identifier, ttl)
}

func (e *Engine) RemoveDeny(ctx context.Context, identifier string) error {
	return e.access.RemoveDeny(ctx, identifier)
}

// IsDenied reports whether identifier carries a deny entry and, if so, when
// it expires (the zero Time means no expiry).
func (e *Engine) IsDenied(ctx context.Context, identifier string) (bool, time.Time, error) {
	return e.access.IsDenied(ctx, identifier)
}

// RegisterObserver appends obs to the violation observer list.
func (e *Engine) RegisterObserver(obs violation.Observer) {
	e.recorder.RegisterObserver(obs)
}

// Close stops the analyzer's background janitor goroutine. The backend's
// lifecycle is not owned by the Engine — callers that constructed it
// themselves remain responsible for closing it, since the same backend may
// be shared across multiple Engines or outlive any single one of them.
func (e *Engine) Close() error {
	return e.analyzer.Close()
}

// Metrics returns the current aggregate counters.
type Metrics struct {
	TotalRequests   int64
	AllowedRequests int64
	BlockedRequests int64
	TotalViolations int64
	BackendErrors   int64
	BlockRate       float64
}

// Metrics returns a snapshot of the engine's aggregate counters.
func (e *Engine) Metrics() Metrics {
	total := e.totalRequests.Value()
	blocked := e.blockedRequests.Value()
	var blockRate float64
	if total > 0 {
		blockRate = float64(blocked) / float64(total)
	}
	return Metrics{
		TotalRequests:   total,
		AllowedRequests: e.allowedRequests.Value(),
		BlockedRequests: blocked,
		TotalViolations: e.recorder.Total(),
		BackendErrors:   e.backendErrors.Value(),
		BlockRate:       blockRate,
	}
}

// ResetMetrics zeros every counter and clears the violation ring.
func (e *Engine) ResetMetrics() {
	e.totalRequests = violation.Counter{}
	e.allowedRequests = violation.Counter{}
	e.blockedRequests = violation.Counter{}
	e.backendErrors = violation.Counter{}
	e.recorder.Reset()
}

// Analyze forces a traffic-analyzer pass for identifier at endpoint,
// independent of any Check call.
func (e *Engine) Analyze(identifier, endpoint string) analyzer.Pattern {
	return e.analyzer.Observe(identifier, endpoint, time.Now())
}

func toRegistryMetadata(md Metadata) registry.Metadata {
	return registry.Metadata{
		Endpoint: md.Endpoint,
		Method:   md.Method,
		UserID:   md.UserID,
		APIKey:   md.APIKey,
		Custom:   md.Custom,
	}
}

func scopeValue(rule registry.Rule, identifier string, md Metadata) (string, error) {
	switch rule.Scope {
	case registry.ScopeIP:
		if identifier == "" {
			return "", fmt.Errorf("%w: rule %q requires an identifier", ErrMissingScopeData, rule.Name)
		}
		return identifier, nil
	case registry.ScopeUser:
		if md.UserID == "" {
			return "", fmt.Errorf("%w: rule %q requires metadata.UserID", ErrMissingScopeData, rule.Name)
		}
		return md.UserID, nil
	case registry.ScopeEndpoint:
		if md.Endpoint == "" {
			return "", fmt.Errorf("%w: rule %q requires metadata.Endpoint", ErrMissingScopeData, rule.Name)
		}
		return md.Endpoint, nil
	case registry.ScopeGlobal:
		return "", nil
	case registry.ScopeCustom:
		v, ok := md.Custom[rule.CustomKey]
		if !ok || v == "" {
			return "", fmt.Errorf("%w: rule %q requires metadata.Custom[%q]", ErrMissingScopeData, rule.Name, rule.CustomKey)
		}
		return v, nil
	default:
		return "", fmt.Errorf("%w: rule %q has unknown scope %q", ErrMissingScopeData, rule.Name, rule.Scope)
	}
}

func allowedVerdict(rule registry.Rule, ruleName string, now time.Time) Verdict {
	return Verdict{
		Allowed:   true,
		Remaining: rule.Params.Limit,
		Limit:     rule.Params.Limit,
		ResetTime: now.Add(rule.Params.Window),
		RuleName:  ruleName,
	}
}

// Check is the single entry point every adapter calls: it gates on access
// control, then block state, then dispatches to the rule's strategy, and
// finally records bookkeeping and triggers the traffic analyzer.
func (e *Engine) Check(ctx context.Context, identifier, ruleName string, md Metadata) (Verdict, error) {
	rule, err := e.rules.GetRule(ruleName)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %q", ErrRuleNotFound, ruleName)
	}

	if rule.Condition != nil && !rule.Condition(toRegistryMetadata(md)) {
		return allowedVerdict(rule, ruleName, time.Now()), nil
	}

	e.totalRequests.Inc()
	now := time.Now()

	callCtx := ctx
	var cancel context.CancelFunc
	if e.opts.backendTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, e.opts.backendTimeout)
		defer cancel()
	}

	// 1. Access control gate.
	acVerdict, denyExpiry, err := e.access.Check(callCtx, identifier)
	if err != nil {
		return e.handleBackendError(rule, ruleName, now, err)
	}
	switch acVerdict {
	case accesscontrol.VerdictAllowed:
		e.allowedRequests.Inc()
		return allowedVerdict(rule, ruleName, now), nil
	case accesscontrol.VerdictDenied:
		e.blockedRequests.Inc()
		retryAfter := indefiniteDenyRetryAfter
		resetTime := now.Add(indefiniteDenyRetryAfter)
		if !denyExpiry.IsZero() {
			retryAfter = denyExpiry.Sub(now)
			if retryAfter < time.Second {
				retryAfter = time.Second
			}
			resetTime = denyExpiry
		}
		v := Verdict{
			Allowed:    false,
			RuleName:   ruleName,
			Limit:      rule.Params.Limit,
			Blocked:    true,
			RetryAfter: retryAfter,
			ResetTime:  resetTime,
		}

		firstOfEpisode, werr := e.markDenyViolationRecorded(callCtx, rule.Name, identifier, denyExpiry)
		if werr != nil {
			e.logger.Warn().Err(werr).Str("rule", ruleName).Msg("failed to persist deny-violation marker")
			firstOfEpisode = true
		}
		if firstOfEpisode {
			e.recordViolation(rule, identifier, now, v)
		}
		return v, nil
	}

	// 2. Block-state gate.
	blockKey := registry.BlockKey(rule, identifier)
	if blockedUntil, ok, err := e.readBlockRecord(callCtx, blockKey); err != nil {
		return e.handleBackendError(rule, ruleName, now, err)
	} else if ok && blockedUntil.After(now) {
		e.blockedRequests.Inc()
		v := Verdict{
			Allowed:    false,
			RuleName:   ruleName,
			Limit:      rule.Params.Limit,
			Blocked:    true,
			RetryAfter: blockedUntil.Sub(now),
			ResetTime:  blockedUntil,
		}
		return v, nil
	}

	// 3. Strategy evaluation.
	bucketKey, err := scopeValue(rule, identifier, md)
	if err != nil {
		return Verdict{}, err
	}
	fullKey, err := registry.BucketKey(rule, bucketKey)
	if err != nil {
		return Verdict{}, err
	}

	decision, err := strategy.Evaluate(callCtx, rule.Strategy, e.backend, fullKey, rule.Params, now)
	if err != nil {
		return e.handleBackendError(rule, ruleName, now, err)
	}

	v := Verdict{
		Allowed:    decision.Allowed,
		Remaining:  decision.Remaining,
		Limit:      rule.Params.Limit,
		ResetTime:  decision.ResetTime,
		RetryAfter: decision.RetryAfter,
		RuleName:   ruleName,
	}

	if decision.Allowed {
		e.allowedRequests.Inc()
	} else {
		e.blockedRequests.Inc()
		if rule.BlockDuration > 0 {
			blockedUntil := now.Add(rule.BlockDuration)
			if werr := e.writeBlockRecord(callCtx, blockKey, blockedUntil, rule.BlockDuration); werr != nil {
				e.logger.Warn().Err(werr).Str("rule", ruleName).Msg("failed to persist block record")
			}
			v.Blocked = true
			v.RetryAfter = rule.BlockDuration
			v.ResetTime = blockedUntil
		}
		e.recordViolation(rule, identifier, now, v)
	}

	// 4. Traffic analyzer, triggered on every request that reached strategy
	// evaluation, whatever its verdict. Requests answered by the access
	// control or block-state gates, or by a backend error, are not observed.
	go e.analyzer.Observe(identifier, md.Endpoint, now)

	return v, nil
}

// indefiniteDenyRetryAfter is the retry_after/reset_time offset reported
// for a deny entry with no expiry (added with ttl=0, held until explicitly
// removed). The spec's retry_after = max(1, expiry-now) formula assumes an
// expiry exists; an indefinite deny has none, so callers are told to check
// back in a minute rather than given an unbounded or zero wait.
const indefiniteDenyRetryAfter = time.Minute

func denyViolationKey(ruleName, identifier string) string {
	return "rt:denyviol:" + ruleName + ":" + identifier
}

// markDenyViolationRecorded records, exactly once per contiguous deny
// episode, that a violation has been emitted for (ruleName, identifier) —
// mirroring how the block-state gate only records a violation at the
// moment a block record is written, never on the requests that
// subsequently find it still active. first reports whether this call won
// the race to create the marker (and therefore should record a violation).
func (e *Engine) markDenyViolationRecorded(ctx context.Context, ruleName, identifier string, denyExpiry time.Time) (first bool, err error) {
	ttl := time.Duration(0)
	if !denyExpiry.IsZero() {
		ttl = time.Until(denyExpiry)
		if ttl <= 0 {
			ttl = time.Second
		}
	}
	return e.backend.CompareAndSwap(ctx, denyViolationKey(ruleName, identifier), nil, []byte{1}, ttl)
}

func (e *Engine) recordViolation(rule registry.Rule, identifier string, now time.Time, v Verdict) {
	e.recorder.Record(violation.Violation{
		Rule:       rule.Name,
		Scope:      string(rule.Scope),
		ScopeValue: identifier,
		Reason:     "rate_exceeded",
		Time:       now,
	})
}

func (e *Engine) handleBackendError(rule registry.Rule, ruleName string, now time.Time, err error) (Verdict, error) {
	if !errors.Is(err, backend.ErrBackendUnavailable) {
		return Verdict{}, err
	}
	e.backendErrors.Inc()

	if e.opts.failPolicy == FailClosed {
		e.blockedRequests.Inc()
		return Verdict{
			Allowed:    false,
			RuleName:   ruleName,
			Limit:      rule.Params.Limit,
			RetryAfter: time.Second,
			ResetTime:  now.Add(time.Second),
		}, nil
	}

	e.allowedRequests.Inc()
	return allowedVerdict(rule, ruleName, now), nil
}

func (e *Engine) readBlockRecord(ctx context.Context, key string) (time.Time, bool, error) {
	raw, ok, err := e.backend.Get(ctx, key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	if len(raw) != 8 {
		return time.Time{}, false, nil
	}
	nanos := int64(binary.BigEndian.Uint64(raw))
	return time.Unix(0, nanos), true, nil
}

func (e *Engine) writeBlockRecord(ctx context.Context, key string, blockedUntil time.Time, ttl time.Duration) error {
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, uint64(blockedUntil.UnixNano()))
	return e.backend.Set(ctx, key, raw, ttl)
}
