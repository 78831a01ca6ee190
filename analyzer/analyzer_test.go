package analyzer

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/AlfredDev/ratethrottle/accesscontrol"
	"github.com/AlfredDev/ratethrottle/backend"
	"github.com/AlfredDev/ratethrottle/violation"
	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestAnalyzerRequestRateAndEndpoints(t *testing.T) {
	b := backend.NewMemoryBackend(testLogger())
	defer b.Close()
	access := accesscontrol.New(b)
	a := New(Config{Window: time.Second}, access, nil)
	defer a.Close()

	now := time.Now()
	a.Observe("client-1", "/a", now)
	a.Observe("client-1", "/b", now.Add(10*time.Millisecond))
	pattern := a.Observe("client-1", "/a", now.Add(20*time.Millisecond))

	if pattern.UniqueEndpoints != 2 {
		t.Fatalf("UniqueEndpoints = %d, want 2", pattern.UniqueEndpoints)
	}
	if pattern.RequestRate <= 0 {
		t.Fatalf("RequestRate = %v, want positive", pattern.RequestRate)
	}
}

func TestAnalyzerSuspiciousTriggersAutoBlock(t *testing.T) {
	b := backend.NewMemoryBackend(testLogger())
	defer b.Close()
	access := accesscontrol.New(b)
	recorder := violation.NewRecorder(10)

	cfg := Config{
		Window:               time.Second,
		BurstWindow:          time.Second,
		RateThreshold:        1, // trivially exceeded
		MaxUniqueEndpoints:   1000,
		BurstThreshold:       1000,
		MinIntervalThreshold: time.Nanosecond,
		SuspiciousThreshold:  0.1,
		BlockDuration:        time.Minute,
		AutoBlock:            true,
	}
	a := New(cfg, access, recorder)
	defer a.Close()

	now := time.Now()
	var pattern Pattern
	for i := 0; i < 5; i++ {
		pattern = a.Observe("attacker", "/api", now.Add(time.Duration(i)*time.Millisecond))
	}

	if !pattern.IsSuspicious {
		t.Fatalf("expected pattern to be flagged suspicious: %+v", pattern)
	}

	denied, _, err := access.IsDenied(context.Background(), "attacker")
	if err != nil {
		t.Fatalf("IsDenied: %v", err)
	}
	if !denied {
		t.Fatal("expected AutoBlock to issue a deny entry")
	}

	if recorder.Total() != 1 {
		t.Fatalf("expected exactly one synthetic violation recorded, got %d", recorder.Total())
	}
}

func TestAnalyzerManualBlockAndUnblock(t *testing.T) {
	b := backend.NewMemoryBackend(testLogger())
	defer b.Close()
	access := accesscontrol.New(b)
	a := New(Config{}, access, nil)
	defer a.Close()

	if err := a.Block("manual-target", time.Minute); err != nil {
		t.Fatalf("Block: %v", err)
	}
	blocked, err := a.IsBlocked("manual-target")
	if err != nil || !blocked {
		t.Fatalf("IsBlocked = (%v, %v), want (true, nil)", blocked, err)
	}
	if err := a.Unblock("manual-target"); err != nil {
		t.Fatalf("Unblock: %v", err)
	}
	blocked, _ = a.IsBlocked("manual-target")
	if blocked {
		t.Fatal("expected unblocked after Unblock")
	}
}

func TestAnalyzerSnapshotDoesNotRecordObservation(t *testing.T) {
	b := backend.NewMemoryBackend(testLogger())
	defer b.Close()
	access := accesscontrol.New(b)
	a := New(Config{Window: time.Second}, access, nil)
	defer a.Close()

	now := time.Now()
	a.Observe("client", "/a", now)

	before := a.Snapshot("client", now)
	after := a.Snapshot("client", now)
	if before.RequestRate != after.RequestRate {
		t.Fatal("Snapshot should not mutate the observation count")
	}
}
