package ratethrottle

import (
	"time"

	"github.com/AlfredDev/ratethrottle/analyzer"
)

// FailPolicy controls what a Check does when the backend is unavailable.
type FailPolicy int

const (
	// FailOpen lets the request through on backend failure (incrementing
	// backend_errors), prioritizing availability over protection.
	FailOpen FailPolicy = iota
	// FailClosed denies the request on backend failure, prioritizing
	// protection over availability.
	FailClosed
)

type engineOptions struct {
	failPolicy       FailPolicy
	violationRingCap int
	analyzerCfg      analyzer.Config
	backendTimeout   time.Duration
}

func defaultEngineOptions() engineOptions {
	return engineOptions{
		failPolicy:       FailOpen,
		violationRingCap: 1000,
		backendTimeout:   5 * time.Second,
	}
}

// Option configures an Engine at construction time.
type Option func(*engineOptions)

// WithFailPolicy sets the behavior on BackendUnavailable. Default FailOpen.
func WithFailPolicy(p FailPolicy) Option {
	return func(o *engineOptions) { o.failPolicy = p }
}

// WithViolationRingCapacity sets the recent-violations ring buffer size.
// Default 1000.
func WithViolationRingCapacity(n int) Option {
	return func(o *engineOptions) { o.violationRingCap = n }
}

// WithAnalyzerConfig overrides the traffic analyzer's configuration.
func WithAnalyzerConfig(cfg analyzer.Config) Option {
	return func(o *engineOptions) { o.analyzerCfg = cfg }
}

// WithBackendTimeout bounds every backend call issued by a Check. Default
// 5s. On timeout, BackendUnavailable is surfaced and handled per the fail
// policy.
func WithBackendTimeout(d time.Duration) Option {
	return func(o *engineOptions) { o.backendTimeout = d }
}
