// Package config loads ratethrottle's ambient configuration from
// environment variables (and an optional .env file), following the
// teacher's env-var-plus-fallback loading convention.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every knob the ratethrottle core and its demo adapter read
// from the environment.
type Config struct {
	// Env selects the logging verbosity ("development" enables debug logs).
	Env string

	// Backend selects which Backend implementation to construct:
	// "memory" or "redis".
	Backend  string
	RedisURL string

	// FailOpen controls what BackendUnavailable does to an in-flight Check:
	// true lets the request through (with a metric increment), false denies
	// it. Corresponds to RATETHROTTLE_FAIL_OPEN.
	FailOpen bool

	// BackendTimeout bounds each backend call; on timeout the Engine
	// surfaces BackendUnavailable. Corresponds to
	// RATETHROTTLE_BACKEND_TIMEOUT_MS.
	BackendTimeout time.Duration

	// ViolationRingCapacity bounds the Recorder's recent-violations buffer.
	ViolationRingCapacity int

	// Analyzer knobs, see analyzer.Config for the defaults each maps to
	// when left at zero.
	AnalyzerWindow              time.Duration
	AnalyzerBurstWindow         time.Duration
	AnalyzerRateThreshold       float64
	AnalyzerMaxUniqueEndpoints  int
	AnalyzerBurstThreshold      int
	AnalyzerMinIntervalMillis   int
	AnalyzerSuspiciousThreshold float64
	AnalyzerBlockDuration       time.Duration
	AnalyzerAutoBlock           bool


	LogLevel string

	// Addr is the demo HTTP server's listen address.
	Addr string
	// GracefulTimeout bounds how long the demo server waits for in-flight
	// requests to finish during shutdown.
	GracefulTimeout time.Duration
	// RateLimitRule names the registry.Rule the demo's /v1 routes check.
	RateLimitRule string
	// APIKeyHeader is the header the demo's auth middleware reads.
	APIKeyHeader string
}

// Load reads configuration from the environment and an optional .env file
// in the working directory. Missing variables fall back to sane defaults.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Env:                         getEnv("ENV", "development"),
		Backend:                     getEnv("RATETHROTTLE_BACKEND", "memory"),
		RedisURL:                    getEnv("RATETHROTTLE_REDIS_URL", "redis://localhost:6379/0"),
		FailOpen:                    getEnvBool("RATETHROTTLE_FAIL_OPEN", true),
		BackendTimeout:              time.Duration(getEnvInt("RATETHROTTLE_BACKEND_TIMEOUT_MS", 5000)) * time.Millisecond,
		ViolationRingCapacity:       getEnvInt("RATETHROTTLE_VIOLATION_RING_CAPACITY", 1000),
		AnalyzerWindow:              time.Duration(getEnvInt("RATETHROTTLE_ANALYZER_WINDOW_SEC", 60)) * time.Second,
		AnalyzerBurstWindow:         time.Duration(getEnvInt("RATETHROTTLE_ANALYZER_BURST_WINDOW_SEC", 10)) * time.Second,
		AnalyzerRateThreshold:       getEnvFloat("RATETHROTTLE_ANALYZER_RATE_THRESHOLD", 100),
		AnalyzerMaxUniqueEndpoints:  getEnvInt("RATETHROTTLE_ANALYZER_MAX_UNIQUE_ENDPOINTS", 20),
		AnalyzerBurstThreshold:      getEnvInt("RATETHROTTLE_ANALYZER_BURST_THRESHOLD", 30),
		AnalyzerMinIntervalMillis:   getEnvInt("RATETHROTTLE_ANALYZER_MIN_INTERVAL_MS", 10),
		AnalyzerSuspiciousThreshold: getEnvFloat("RATETHROTTLE_ANALYZER_SUSPICIOUS_THRESHOLD", 0.5),
		AnalyzerBlockDuration:       time.Duration(getEnvInt("RATETHROTTLE_ANALYZER_BLOCK_DURATION_SEC", 300)) * time.Second,
		AnalyzerAutoBlock:           getEnvBool("RATETHROTTLE_ANALYZER_AUTO_BLOCK", true),
		LogLevel:                    getEnv("RATETHROTTLE_LOG_LEVEL", "info"),
		Addr:                        getEnv("RATETHROTTLE_ADDR", ":8080"),
		GracefulTimeout:             time.Duration(getEnvInt("RATETHROTTLE_GRACEFUL_TIMEOUT_SEC", 15)) * time.Second,
		RateLimitRule:               getEnv("RATETHROTTLE_RULE", "demo"),
		APIKeyHeader:                getEnv("RATETHROTTLE_API_KEY_HEADER", "Authorization"),
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
