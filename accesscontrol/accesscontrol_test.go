package accesscontrol

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/AlfredDev/ratethrottle/backend"
	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestListAllowLifecycle(t *testing.T) {
	b := backend.NewMemoryBackend(testLogger())
	defer b.Close()
	ctx := context.Background()
	l := New(b)

	if ok, _ := l.IsAllowed(ctx, "1.2.3.4"); ok {
		t.Fatal("expected not allowed before AddAllow")
	}
	if err := l.AddAllow(ctx, "1.2.3.4"); err != nil {
		t.Fatalf("AddAllow: %v", err)
	}
	if ok, _ := l.IsAllowed(ctx, "1.2.3.4"); !ok {
		t.Fatal("expected allowed after AddAllow")
	}
	if err := l.RemoveAllow(ctx, "1.2.3.4"); err != nil {
		t.Fatalf("RemoveAllow: %v", err)
	}
	if ok, _ := l.IsAllowed(ctx, "1.2.3.4"); ok {
		t.Fatal("expected not allowed after RemoveAllow")
	}
}

func TestListDenyWithTTLExpires(t *testing.T) {
	b := backend.NewMemoryBackend(testLogger())
	defer b.Close()
	ctx := context.Background()
	l := New(b)

	if err := l.AddDeny(ctx, "attacker", 20*time.Millisecond); err != nil {
		t.Fatalf("AddDeny: %v", err)
	}
	ok, expiry, err := l.IsDenied(ctx, "attacker")
	if err != nil || !ok {
		t.Fatalf("expected denied immediately after AddDeny, got (%v, %v)", ok, err)
	}
	if expiry.IsZero() {
		t.Fatal("expected a non-zero expiry for a ttl-bound deny")
	}
	time.Sleep(40 * time.Millisecond)
	if ok, _, _ := l.IsDenied(ctx, "attacker"); ok {
		t.Fatal("expected deny to have lapsed after its ttl")
	}
}

func TestListDenyIndefiniteUntilRemoved(t *testing.T) {
	b := backend.NewMemoryBackend(testLogger())
	defer b.Close()
	ctx := context.Background()
	l := New(b)

	if err := l.AddDeny(ctx, "attacker", 0); err != nil {
		t.Fatalf("AddDeny: %v", err)
	}
	ok, expiry, err := l.IsDenied(ctx, "attacker")
	if err != nil || !ok {
		t.Fatalf("expected denied, got (%v, %v)", ok, err)
	}
	if !expiry.IsZero() {
		t.Fatalf("expected a zero expiry for an indefinite deny, got %v", expiry)
	}
	if err := l.RemoveDeny(ctx, "attacker"); err != nil {
		t.Fatalf("RemoveDeny: %v", err)
	}
	if ok, _, _ := l.IsDenied(ctx, "attacker"); ok {
		t.Fatal("expected deny removed")
	}
}

func TestCheckAllowOutranksDeny(t *testing.T) {
	b := backend.NewMemoryBackend(testLogger())
	defer b.Close()
	ctx := context.Background()
	l := New(b)

	_ = l.AddAllow(ctx, "dual")
	_ = l.AddDeny(ctx, "dual", 0)

	v, _, err := l.Check(ctx, "dual")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if v != VerdictAllowed {
		t.Fatalf("Check = %v, want VerdictAllowed", v)
	}
}

func TestCheckNeutralByDefault(t *testing.T) {
	b := backend.NewMemoryBackend(testLogger())
	defer b.Close()
	ctx := context.Background()
	l := New(b)

	v, _, err := l.Check(ctx, "stranger")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if v != VerdictNeutral {
		t.Fatalf("Check = %v, want VerdictNeutral", v)
	}
}
