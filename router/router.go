// Package router wires ratethrottle's Engine into a small chi-based HTTP
// server: a protected demo endpoint behind the rate limiter, health
// endpoints, and a Prometheus /metrics scrape target.
package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/AlfredDev/ratethrottle"
	gwmw "github.com/AlfredDev/ratethrottle/middleware"
	"github.com/AlfredDev/ratethrottle/observability"
)

// NewRouter returns a configured chi Router demonstrating the Engine:
// every request under /v1 is authenticated, then checked against ruleName,
// before reaching a trivial echo handler.
func NewRouter(appLogger zerolog.Logger, engine *ratethrottle.Engine, metrics *observability.Metrics, ruleName, apiKeyHeader string) http.Handler {
	r := chi.NewRouter()

	r.Use(gwmw.CORSMiddleware([]string{"*"}))
	r.Use(gwmw.SecurityHeadersMiddleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(appLogger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","service":"ratethrottle"}`))
	})

	if metrics != nil {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.Sync(engine.Metrics())
			metrics.Handler()(w, r)
		})
	}

	authMW := gwmw.NewAuthMiddleware(appLogger, engine, apiKeyHeader)
	rateLimiter := gwmw.NewRateLimiter(appLogger, engine, ruleName, nil)

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMW.Handler)
		r.Use(rateLimiter.Handler)

		r.Get("/echo", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
	})

	return r
}

func requestLogger(appLogger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			appLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", chimw.GetReqID(r.Context())).
				Int("status", rw.Status()).
				Dur("duration", time.Since(start)).
				Msg("request completed")
		})
	}
}
