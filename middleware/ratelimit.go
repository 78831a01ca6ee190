package middleware

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/ratethrottle"
)

// RateLimiter adapts a ratethrottle.Engine into standard net/http
// middleware: it resolves an identifier and a Metadata from the request,
// calls Check against a fixed rule, and either passes the request through
// or answers 429 with the standard rate-limit headers.
type RateLimiter struct {
	logger  zerolog.Logger
	engine  *ratethrottle.Engine
	rule    string
	keyFunc func(*http.Request) string
}

// NewRateLimiter builds a RateLimiter evaluating rule on every request.
// keyFunc resolves the per-request identifier (e.g. client IP, API key);
// if nil, it falls back to the API key set by AuthMiddleware, then
// r.RemoteAddr.
func NewRateLimiter(logger zerolog.Logger, engine *ratethrottle.Engine, rule string, keyFunc func(*http.Request) string) *RateLimiter {
	if keyFunc == nil {
		keyFunc = func(r *http.Request) string {
			if key := APIKey(r.Context()); key != "" {
				return key
			}
			return r.RemoteAddr
		}
	}
	return &RateLimiter{logger: logger, engine: engine, rule: rule, keyFunc: keyFunc}
}

// Handler returns the rate limiting middleware handler.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identifier := rl.keyFunc(r)
		md := ratethrottle.Metadata{
			Endpoint: r.URL.Path,
			Method:   r.Method,
			UserID:   UserID(r.Context()),
			APIKey:   APIKey(r.Context()),
		}

		verdict, err := rl.engine.Check(r.Context(), identifier, rl.rule, md)
		if err != nil {
			rl.logger.Error().Err(err).Str("rule", rl.rule).Msg("rate limit check failed")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(verdict.Limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(verdict.Remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(verdict.ResetTime.Unix(), 10))

		if !verdict.Allowed {
			retryAfter := int(verdict.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			http.Error(w, fmt.Sprintf(`{"error":"rate_limit_exceeded","message":"rate limit of %d exceeded","retry_after":%d}`,
				verdict.Limit, retryAfter), http.StatusTooManyRequests)
			rl.logger.Warn().Str("rule", rl.rule).Str("identifier", maskIdentifier(identifier)).Msg("rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func maskIdentifier(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}
