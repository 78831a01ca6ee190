package violation

import (
	"sync"
	"testing"
	"time"
)

func TestRecorderCountsTotalsAndPerRule(t *testing.T) {
	r := NewRecorder(10)
	r.Record(Violation{Rule: "login", Reason: "rate_exceeded", Time: time.Now()})
	r.Record(Violation{Rule: "login", Reason: "rate_exceeded", Time: time.Now()})
	r.Record(Violation{Rule: "search", Reason: "rate_exceeded", Time: time.Now()})

	if r.Total() != 3 {
		t.Fatalf("Total = %d, want 3", r.Total())
	}
	if r.ForRule("login") != 2 {
		t.Fatalf("ForRule(login) = %d, want 2", r.ForRule("login"))
	}
	if r.ForRule("search") != 1 {
		t.Fatalf("ForRule(search) = %d, want 1", r.ForRule("search"))
	}
	if r.ForRule("unknown") != 0 {
		t.Fatalf("ForRule(unknown) = %d, want 0", r.ForRule("unknown"))
	}
}

func TestRecorderRingBufferBoundedAndOrdered(t *testing.T) {
	r := NewRecorder(3)
	for i := 0; i < 5; i++ {
		r.Record(Violation{Rule: "x", Reason: string(rune('a' + i))})
	}

	recent := r.Recent()
	if len(recent) != 3 {
		t.Fatalf("Recent() returned %d entries, want 3", len(recent))
	}
	want := []string{"c", "d", "e"}
	for i, v := range recent {
		if v.Reason != want[i] {
			t.Fatalf("Recent()[%d].Reason = %q, want %q", i, v.Reason, want[i])
		}
	}
}

func TestRecorderRecentBeforeFull(t *testing.T) {
	r := NewRecorder(5)
	r.Record(Violation{Rule: "x", Reason: "a"})
	r.Record(Violation{Rule: "x", Reason: "b"})

	recent := r.Recent()
	if len(recent) != 2 {
		t.Fatalf("Recent() returned %d entries, want 2", len(recent))
	}
}

func TestRecorderObserversNotifiedAndIsolated(t *testing.T) {
	r := NewRecorder(10)

	var mu sync.Mutex
	var seen []string

	r.RegisterObserver(ObserverFunc(func(v Violation) {
		mu.Lock()
		seen = append(seen, v.Reason)
		mu.Unlock()
	}))
	r.RegisterObserver(ObserverFunc(func(v Violation) {
		panic("observer intentionally broken")
	}))
	r.RegisterObserver(ObserverFunc(func(v Violation) {
		mu.Lock()
		seen = append(seen, "second-"+v.Reason)
		mu.Unlock()
	}))

	r.Record(Violation{Rule: "x", Reason: "boom"})

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("expected both surviving observers to run despite the panicking one, got %v", seen)
	}
}

func TestRecorderReset(t *testing.T) {
	r := NewRecorder(10)
	r.Record(Violation{Rule: "x", Reason: "a"})
	r.Reset()

	if r.Total() != 0 {
		t.Fatalf("Total after Reset = %d, want 0", r.Total())
	}
	if len(r.Recent()) != 0 {
		t.Fatalf("Recent after Reset = %v, want empty", r.Recent())
	}
}

func TestGaugeSetAndValue(t *testing.T) {
	var g Gauge
	g.Set(3.5)
	if g.Value() != 3.5 {
		t.Fatalf("Value = %v, want 3.5", g.Value())
	}
}
