package ratethrottle

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/AlfredDev/ratethrottle/backend"
	"github.com/AlfredDev/ratethrottle/registry"
	"github.com/AlfredDev/ratethrottle/strategy"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, backend.Backend) {
	t.Helper()
	b := backend.NewMemoryBackend(testLogger())
	t.Cleanup(func() { b.Close() })
	e := New(b, testLogger(), opts...)
	t.Cleanup(func() { e.Close() })
	return e, b
}

func TestCheckBurstThenStarveTokenBucket(t *testing.T) {
	e, _ := newTestEngine(t)
	rule := registry.Rule{
		Name:     "api",
		Scope:    registry.ScopeIP,
		Strategy: strategy.TokenBucket,
		Params:   strategy.Params{Limit: 3, Window: time.Second, Burst: 3},
	}
	if err := e.AddRule(rule); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		v, err := e.Check(ctx, "1.2.3.4", "api", Metadata{})
		if err != nil {
			t.Fatalf("Check[%d]: %v", i, err)
		}
		if !v.Allowed {
			t.Fatalf("request %d: expected allowed within burst", i)
		}
	}

	v, err := e.Check(ctx, "1.2.3.4", "api", Metadata{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if v.Allowed {
		t.Fatal("expected request beyond burst to be denied")
	}
}

func TestCheckUnknownRuleReturnsRuleNotFound(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Check(context.Background(), "id", "missing", Metadata{})
	if err == nil {
		t.Fatal("expected an error for an unregistered rule")
	}
}

func TestCheckMissingScopeDataReturnsError(t *testing.T) {
	e, _ := newTestEngine(t)
	rule := registry.Rule{
		Name:     "by-user",
		Scope:    registry.ScopeUser,
		Strategy: strategy.FixedWindow,
		Params:   strategy.Params{Limit: 5, Window: time.Minute},
	}
	if err := e.AddRule(rule); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	_, err := e.Check(context.Background(), "1.2.3.4", "by-user", Metadata{})
	if err == nil {
		t.Fatal("expected an error when metadata.UserID is empty")
	}
}

func TestCheckConditionSkipsRule(t *testing.T) {
	e, _ := newTestEngine(t)
	rule := registry.Rule{
		Name:     "internal-only",
		Scope:    registry.ScopeIP,
		Strategy: strategy.FixedWindow,
		Params:   strategy.Params{Limit: 1, Window: time.Minute},
		Condition: func(md registry.Metadata) bool {
			return md.Endpoint == "/internal"
		},
	}
	if err := e.AddRule(rule); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		v, err := e.Check(ctx, "1.2.3.4", "internal-only", Metadata{Endpoint: "/public"})
		if err != nil {
			t.Fatalf("Check[%d]: %v", i, err)
		}
		if !v.Allowed {
			t.Fatalf("request %d: expected allowed, Condition should have skipped the rule", i)
		}
	}
}

func TestCheckBlockDurationHoldsAcrossWindowReset(t *testing.T) {
	e, _ := newTestEngine(t)
	rule := registry.Rule{
		Name:          "strict",
		Scope:         registry.ScopeIP,
		Strategy:      strategy.FixedWindow,
		Params:        strategy.Params{Limit: 1, Window: 10 * time.Millisecond},
		BlockDuration: time.Hour,
	}
	if err := e.AddRule(rule); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	ctx := context.Background()
	v, err := e.Check(ctx, "5.5.5.5", "strict", Metadata{})
	if err != nil || !v.Allowed {
		t.Fatalf("first request should be allowed: (%v, %v)", v, err)
	}

	v, err = e.Check(ctx, "5.5.5.5", "strict", Metadata{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if v.Allowed || !v.Blocked {
		t.Fatalf("second request should be denied and blocked: %+v", v)
	}

	time.Sleep(20 * time.Millisecond) // past the fixed window, but the block should still hold

	v, err = e.Check(ctx, "5.5.5.5", "strict", Metadata{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if v.Allowed || !v.Blocked {
		t.Fatalf("expected the block record to outlast the window reset: %+v", v)
	}
}

func TestCheckAllowListBypassesDeny(t *testing.T) {
	e, _ := newTestEngine(t)
	rule := registry.Rule{
		Name:     "api",
		Scope:    registry.ScopeIP,
		Strategy: strategy.FixedWindow,
		Params:   strategy.Params{Limit: 1, Window: time.Minute},
	}
	if err := e.AddRule(rule); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	ctx := context.Background()
	if err := e.AddDeny(ctx, "9.9.9.9", 0); err != nil {
		t.Fatalf("AddDeny: %v", err)
	}
	if err := e.AddAllow(ctx, "9.9.9.9"); err != nil {
		t.Fatalf("AddAllow: %v", err)
	}

	v, err := e.Check(ctx, "9.9.9.9", "api", Metadata{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !v.Allowed {
		t.Fatal("expected allow to outrank deny")
	}
}

func TestCheckDenyListRejectsWithoutConsumingStrategy(t *testing.T) {
	e, _ := newTestEngine(t)
	rule := registry.Rule{
		Name:     "api",
		Scope:    registry.ScopeIP,
		Strategy: strategy.FixedWindow,
		Params:   strategy.Params{Limit: 100, Window: time.Minute},
	}
	if err := e.AddRule(rule); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	ctx := context.Background()
	if err := e.AddDeny(ctx, "6.6.6.6", 0); err != nil {
		t.Fatalf("AddDeny: %v", err)
	}

	v, err := e.Check(ctx, "6.6.6.6", "api", Metadata{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if v.Allowed {
		t.Fatal("expected denylisted identifier to be rejected")
	}
}

func TestMetricsTrackRequestsAndBlocks(t *testing.T) {
	e, _ := newTestEngine(t)
	rule := registry.Rule{
		Name:     "api",
		Scope:    registry.ScopeIP,
		Strategy: strategy.FixedWindow,
		Params:   strategy.Params{Limit: 1, Window: time.Minute},
	}
	if err := e.AddRule(rule); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	ctx := context.Background()
	e.Check(ctx, "1.1.1.1", "api", Metadata{})
	e.Check(ctx, "1.1.1.1", "api", Metadata{})

	m := e.Metrics()
	if m.TotalRequests != 2 {
		t.Fatalf("expected 2 total requests, got %d", m.TotalRequests)
	}
	if m.AllowedRequests != 1 || m.BlockedRequests != 1 {
		t.Fatalf("expected 1 allowed and 1 blocked, got %+v", m)
	}
	if m.TotalViolations != 1 {
		t.Fatalf("expected 1 recorded violation, got %d", m.TotalViolations)
	}
	if m.BlockRate != 0.5 {
		t.Fatalf("expected block rate 0.5, got %f", m.BlockRate)
	}

	e.ResetMetrics()
	m = e.Metrics()
	if m.TotalRequests != 0 || m.TotalViolations != 0 {
		t.Fatalf("expected metrics to be zeroed after reset, got %+v", m)
	}
}

func TestCheckFailClosedDeniesOnBackendUnavailable(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	b := backend.NewRedisBackendFromClient(client, testLogger())
	e := New(b, testLogger(), WithFailPolicy(FailClosed))
	defer e.Close()

	rule := registry.Rule{
		Name:     "api",
		Scope:    registry.ScopeIP,
		Strategy: strategy.FixedWindow,
		Params:   strategy.Params{Limit: 10, Window: time.Minute},
	}
	if err := e.AddRule(rule); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	s.Close()
	client.Close()

	v, err := e.Check(context.Background(), "1.1.1.1", "api", Metadata{})
	if err != nil {
		t.Fatalf("Check should not surface a raw error under FailClosed: %v", err)
	}
	if v.Allowed {
		t.Fatal("expected FailClosed to deny on backend unavailability")
	}
	if m := e.Metrics(); m.BackendErrors != 1 {
		t.Fatalf("expected 1 backend error recorded, got %d", m.BackendErrors)
	}
}

func TestCheckDenyListRetryAfterReflectsExpiry(t *testing.T) {
	e, _ := newTestEngine(t)
	rule := registry.Rule{
		Name:     "api",
		Scope:    registry.ScopeIP,
		Strategy: strategy.FixedWindow,
		Params:   strategy.Params{Limit: 100, Window: time.Minute},
	}
	if err := e.AddRule(rule); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	ctx := context.Background()
	if err := e.AddDeny(ctx, "9.9.9.9", 300*time.Second); err != nil {
		t.Fatalf("AddDeny: %v", err)
	}

	v, err := e.Check(ctx, "9.9.9.9", "api", Metadata{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if v.Allowed || !v.Blocked {
		t.Fatalf("expected denied+blocked verdict, got %+v", v)
	}
	if v.RetryAfter < 290*time.Second || v.RetryAfter > 300*time.Second {
		t.Fatalf("expected RetryAfter near the 300s deny expiry, got %v", v.RetryAfter)
	}
}

func TestCheckDenyListRecordsViolationOncePerEpisode(t *testing.T) {
	e, _ := newTestEngine(t)
	rule := registry.Rule{
		Name:     "api",
		Scope:    registry.ScopeIP,
		Strategy: strategy.FixedWindow,
		Params:   strategy.Params{Limit: 100, Window: time.Minute},
	}
	if err := e.AddRule(rule); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	ctx := context.Background()
	if err := e.AddDeny(ctx, "8.8.8.8", time.Minute); err != nil {
		t.Fatalf("AddDeny: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := e.Check(ctx, "8.8.8.8", "api", Metadata{}); err != nil {
			t.Fatalf("Check %d: %v", i, err)
		}
	}

	if m := e.Metrics(); m.TotalViolations != 1 {
		t.Fatalf("expected exactly one recorded violation across the deny episode, got %d", m.TotalViolations)
	}
}
