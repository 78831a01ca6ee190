// Command ratethrottle-demo wires the ratethrottle core into a small HTTP
// server: config -> logger -> backend -> Engine -> router, with graceful
// shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/ratethrottle"
	"github.com/AlfredDev/ratethrottle/backend"
	"github.com/AlfredDev/ratethrottle/config"
	"github.com/AlfredDev/ratethrottle/logger"
	"github.com/AlfredDev/ratethrottle/observability"
	"github.com/AlfredDev/ratethrottle/registry"
	"github.com/AlfredDev/ratethrottle/router"
	"github.com/AlfredDev/ratethrottle/strategy"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Str("backend", cfg.Backend).Msg("ratethrottle demo starting")

	b, err := newBackend(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("backend init failed")
	}
	defer b.Close()

	failPolicy := ratethrottle.FailOpen
	if !cfg.FailOpen {
		failPolicy = ratethrottle.FailClosed
	}

	engine := ratethrottle.New(b, log,
		ratethrottle.WithFailPolicy(failPolicy),
		ratethrottle.WithViolationRingCapacity(cfg.ViolationRingCapacity),
		ratethrottle.WithBackendTimeout(cfg.BackendTimeout),
	)
	defer engine.Close()

	if err := registerDemoRules(engine); err != nil {
		log.Fatal().Err(err).Msg("failed to register demo rules")
	}

	metrics := observability.NewMetrics(log)

	r := router.NewRouter(log, engine, metrics, cfg.RateLimitRule, cfg.APIKeyHeader)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("ratethrottle demo listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("ratethrottle demo stopped gracefully")
	}
}

// newBackend constructs a Backend per cfg.Backend, falling back to the
// in-memory backend if Redis is selected but its URL does not parse. No
// connection is attempted here, so an unreachable Redis is not detected.
func newBackend(cfg *config.Config, log zerolog.Logger) (backend.Backend, error) {
	if cfg.Backend != "redis" {
		return backend.NewMemoryBackend(log), nil
	}

	b, err := backend.NewRedisBackend(cfg.RedisURL, log)
	if err != nil {
		log.Warn().Err(err).Msg("redis backend init failed — falling back to in-memory")
		return backend.NewMemoryBackend(log), nil
	}
	return b, nil
}

// registerDemoRules seeds the engine with a small set of illustrative
// rules exercising all four strategies, one of which carries a block
// duration.
func registerDemoRules(engine *ratethrottle.Engine) error {
	rules := []registry.Rule{
		{
			Name:     "demo",
			Scope:    registry.ScopeIP,
			Strategy: strategy.TokenBucket,
			Params:   strategy.Params{Limit: 60, Window: time.Minute, Burst: 10},
		},
		{
			Name:          "demo-strict",
			Scope:         registry.ScopeUser,
			Strategy:      strategy.SlidingWindow,
			Params:        strategy.Params{Limit: 5, Window: 10 * time.Second},
			BlockDuration: time.Minute,
		},
		{
			Name:     "demo-global",
			Scope:    registry.ScopeGlobal,
			Strategy: strategy.FixedWindow,
			Params:   strategy.Params{Limit: 10000, Window: time.Minute},
		},
		{
			Name:     "demo-endpoint",
			Scope:    registry.ScopeEndpoint,
			Strategy: strategy.LeakyBucket,
			Params:   strategy.Params{Limit: 20, Window: time.Second, Burst: 5},
		},
	}
	for _, rule := range rules {
		if err := engine.AddRule(rule); err != nil {
			return err
		}
	}
	return nil
}
