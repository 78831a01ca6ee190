// Package analyzer implements the traffic analyzer: a per-identifier
// rolling window of request observations fused into a suspicion score that
// can autonomously issue blocks through the access control layer.
package analyzer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/AlfredDev/ratethrottle/accesscontrol"
	"github.com/AlfredDev/ratethrottle/violation"
)

// Config controls the analyzer's thresholds. Zero-valued fields are
// replaced with the package defaults in New.
type Config struct {
	Window               time.Duration // W_a, default 60s
	BurstWindow          time.Duration // default 10s
	MaxObservations      int           // per-identifier cap, default 10000
	RateThreshold        float64       // requests per Window; the rate signal fires above RateThreshold/Window per second
	MaxUniqueEndpoints   int
	BurstThreshold       int
	MinIntervalThreshold time.Duration
	SuspiciousThreshold  float64 // default 0.5
	BlockDuration        time.Duration
	AutoBlock            bool
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	if c.BurstWindow <= 0 {
		c.BurstWindow = 10 * time.Second
	}
	if c.MaxObservations <= 0 {
		c.MaxObservations = 10000
	}
	if c.RateThreshold <= 0 {
		c.RateThreshold = 50
	}
	if c.MaxUniqueEndpoints <= 0 {
		c.MaxUniqueEndpoints = 20
	}
	if c.BurstThreshold <= 0 {
		c.BurstThreshold = 30
	}
	if c.MinIntervalThreshold <= 0 {
		c.MinIntervalThreshold = 10 * time.Millisecond
	}
	if c.SuspiciousThreshold <= 0 {
		c.SuspiciousThreshold = 0.5
	}
	return c
}

const (
	signalRate         = 0.35
	signalEndpoints    = 0.25
	signalBurst        = 0.20
	signalInterArrival = 0.20
)

type observation struct {
	ts       time.Time
	endpoint string
}

type window struct {
	mu           sync.Mutex
	observations []observation
	baseline     float64 // EWMA of recent request rate, an efficiency aid for future tuning
	lastSeen     time.Time
}

// Pattern is a snapshot of an identifier's current traffic statistics, per
// the Data Model's Traffic Pattern entity.
type Pattern struct {
	Identifier       string
	RequestRate      float64
	UniqueEndpoints  int
	MinInterarrival  time.Duration
	BurstCount       int
	SuspicionScore   float64
	IsSuspicious     bool
}

// Analyzer tracks per-identifier rolling windows and can issue blocks
// through the supplied access control list when a pattern crosses the
// suspicion threshold.
type Analyzer struct {
	cfg      Config
	access   *accesscontrol.List
	recorder *violation.Recorder

	mu      sync.RWMutex
	windows map[string]*window

	stop    chan struct{}
	done    chan struct{}
	started sync.Once
}

// New constructs an Analyzer and starts its background janitor, which
// evicts identifiers that have gone idle for longer than cfg.Window so the
// windows map does not grow without bound for a churning set of callers.
// access is used to auto-issue blocks when AutoBlock is enabled; recorder
// receives a synthetic ddos-kind violation each time AutoBlock issues such a
// deny, so observers learn about it the same way they learn about ordinary
// rate-limit violations.
func New(cfg Config, access *accesscontrol.List, recorder *violation.Recorder) *Analyzer {
	a := &Analyzer{
		cfg:      cfg.withDefaults(),
		access:   access,
		recorder: recorder,
		windows:  make(map[string]*window),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go a.janitorLoop()
	return a
}

// Close stops the janitor goroutine. The Analyzer must not be used after
// Close returns.
func (a *Analyzer) Close() error {
	a.started.Do(func() { close(a.stop) })
	<-a.done
	return nil
}

func (a *Analyzer) janitorLoop() {
	defer close(a.done)
	ticker := time.NewTicker(a.cfg.Window)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.evictIdle()
		}
	}
}

func (a *Analyzer) evictIdle() {
	cutoff := time.Now().Add(-a.cfg.Window)

	a.mu.Lock()
	defer a.mu.Unlock()
	for id, w := range a.windows {
		w.mu.Lock()
		idle := w.lastSeen.Before(cutoff)
		w.mu.Unlock()
		if idle {
			delete(a.windows, id)
		}
	}
}

func (a *Analyzer) windowFor(identifier string) *window {
	a.mu.RLock()
	w, ok := a.windows[identifier]
	a.mu.RUnlock()
	if ok {
		return w
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if w, ok = a.windows[identifier]; ok {
		return w
	}
	w = &window{}
	a.windows[identifier] = w
	return w
}

// Observe records a single request for identifier at endpoint and recomputes
// its traffic pattern. If the recomputed pattern is suspicious, AutoBlock is
// enabled, and identifier is not already denied, it issues a deny through
// access control and emits a synthetic violation.
func (a *Analyzer) Observe(identifier, endpoint string, now time.Time) Pattern {
	w := a.windowFor(identifier)

	w.mu.Lock()
	w.lastSeen = now
	cutoff := now.Add(-a.cfg.Window)
	w.observations = append(w.observations, observation{ts: now, endpoint: endpoint})
	w.observations = trimBefore(w.observations, cutoff)
	if len(w.observations) > a.cfg.MaxObservations {
		excess := len(w.observations) - a.cfg.MaxObservations
		w.observations = w.observations[excess:]
	}
	pattern := computePattern(identifier, w.observations, a.cfg, now)

	alpha := 0.2
	if w.baseline == 0 {
		w.baseline = pattern.RequestRate
	} else {
		w.baseline = alpha*pattern.RequestRate + (1-alpha)*w.baseline
	}
	w.mu.Unlock()

	if pattern.IsSuspicious && a.cfg.AutoBlock && a.access != nil {
		ctx := context.Background()
		if denied, _, err := a.access.IsDenied(ctx, identifier); err == nil && !denied {
			_ = a.access.AddDeny(ctx, identifier, a.cfg.BlockDuration)
			if a.recorder != nil {
				a.recorder.Record(violation.Violation{
					Rule:       "traffic-analyzer",
					Scope:      "ddos",
					ScopeValue: identifier,
					Reason:     "kind=ddos",
					Time:       now,
				})
			}
		}
	}

	return pattern
}

func trimBefore(obs []observation, cutoff time.Time) []observation {
	idx := 0
	for idx < len(obs) && obs[idx].ts.Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return obs
	}
	return append(obs[:0:0], obs[idx:]...)
}

func computePattern(identifier string, obs []observation, cfg Config, now time.Time) Pattern {
	p := Pattern{Identifier: identifier}
	if len(obs) == 0 {
		return p
	}

	windowSecs := cfg.Window.Seconds()
	p.RequestRate = float64(len(obs)) / windowSecs

	endpoints := make(map[string]struct{})
	for _, o := range obs {
		endpoints[o.endpoint] = struct{}{}
	}
	p.UniqueEndpoints = len(endpoints)

	sorted := make([]time.Time, len(obs))
	for i, o := range obs {
		sorted[i] = o.ts
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	minInterarrival := time.Duration(-1)
	for i := 1; i < len(sorted); i++ {
		d := sorted[i].Sub(sorted[i-1])
		if minInterarrival < 0 || d < minInterarrival {
			minInterarrival = d
		}
	}
	if minInterarrival < 0 {
		minInterarrival = 0
	}
	p.MinInterarrival = minInterarrival

	p.BurstCount = maxInSubwindow(sorted, cfg.BurstWindow)

	var score float64
	if p.RequestRate > cfg.RateThreshold/windowSecs {
		score += signalRate
	}
	if p.UniqueEndpoints > cfg.MaxUniqueEndpoints {
		score += signalEndpoints
	}
	if p.BurstCount > cfg.BurstThreshold {
		score += signalBurst
	}
	if len(sorted) > 1 && p.MinInterarrival < cfg.MinIntervalThreshold {
		score += signalInterArrival
	}
	if score > 1 {
		score = 1
	}
	p.SuspicionScore = score
	p.IsSuspicious = score >= cfg.SuspiciousThreshold

	return p
}

// maxInSubwindow returns the largest number of timestamps (sorted ascending)
// found within any sliding sub-window of the given length.
func maxInSubwindow(sorted []time.Time, length time.Duration) int {
	best := 0
	left := 0
	for right := 0; right < len(sorted); right++ {
		for sorted[right].Sub(sorted[left]) > length {
			left++
		}
		if count := right - left + 1; count > best {
			best = count
		}
	}
	return best
}

// Snapshot returns the current traffic pattern for identifier without
// recording a new observation.
func (a *Analyzer) Snapshot(identifier string, now time.Time) Pattern {
	w := a.windowFor(identifier)
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := now.Add(-a.cfg.Window)
	w.observations = trimBefore(w.observations, cutoff)
	return computePattern(identifier, w.observations, a.cfg, now)
}

// IsBlocked reports whether identifier currently carries an analyzer-issued
// (or any other) deny entry.
func (a *Analyzer) IsBlocked(identifier string) (bool, error) {
	blocked, _, err := a.access.IsDenied(context.Background(), identifier)
	return blocked, err
}

// Unblock manually lifts any deny entry for identifier, ahead of its ttl.
func (a *Analyzer) Unblock(identifier string) error {
	return a.access.RemoveDeny(context.Background(), identifier)
}

// Block manually issues a deny for identifier, as if the analyzer itself had
// flagged it.
func (a *Analyzer) Block(identifier string, ttl time.Duration) error {
	return a.access.AddDeny(context.Background(), identifier, ttl)
}
