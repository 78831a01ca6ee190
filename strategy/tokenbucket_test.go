package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/AlfredDev/ratethrottle/backend"
	"github.com/rs/zerolog"
	"io"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestEvaluateTokenBucketBurstThenStarve(t *testing.T) {
	b := backend.NewMemoryBackend(testLogger())
	defer b.Close()
	ctx := context.Background()

	p := Params{Limit: 5, Window: time.Second, Burst: 5}
	now := time.Now()

	for i := 0; i < 5; i++ {
		d, err := Evaluate(ctx, TokenBucket, b, "k", p, now)
		if err != nil {
			t.Fatalf("Evaluate[%d]: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("request %d: expected allowed, burst should cover it", i)
		}
	}

	d, err := Evaluate(ctx, TokenBucket, b, "k", p, now)
	if err != nil {
		t.Fatalf("Evaluate after burst: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected request beyond burst to be denied")
	}
	if d.RetryAfter <= 0 {
		t.Fatal("expected a positive RetryAfter once starved")
	}
}

func TestEvaluateTokenBucketRefillsOverTime(t *testing.T) {
	b := backend.NewMemoryBackend(testLogger())
	defer b.Close()
	ctx := context.Background()

	p := Params{Limit: 10, Window: time.Second, Burst: 1}
	now := time.Now()

	d, err := Evaluate(ctx, TokenBucket, b, "k", p, now)
	if err != nil || !d.Allowed {
		t.Fatalf("first request should be allowed: (%v, %v)", d, err)
	}

	d, err = Evaluate(ctx, TokenBucket, b, "k", p, now)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Allowed {
		t.Fatal("immediate second request should be denied, burst is 1")
	}

	later := now.Add(200 * time.Millisecond) // accrues 2 tokens at rate 10/s, capped at the burst of 1
	d, err = Evaluate(ctx, TokenBucket, b, "k", p, later)
	if err != nil || !d.Allowed {
		t.Fatalf("request after refill window should be allowed: (%v, %v)", d, err)
	}
}

func TestEvaluateTokenBucketUnknownKind(t *testing.T) {
	b := backend.NewMemoryBackend(testLogger())
	defer b.Close()
	ctx := context.Background()

	_, err := Evaluate(ctx, Kind("bogus"), b, "k", Params{Limit: 1, Window: time.Second}, time.Now())
	if err == nil {
		t.Fatal("expected an error for an unknown strategy kind")
	}
}
