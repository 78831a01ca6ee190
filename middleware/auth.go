package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/ratethrottle"
)

type contextKey string

// APIKeyContextKey stores the extracted API key in request context.
const APIKeyContextKey contextKey = "api_key"

// AuthMiddleware extracts an API key from the configured header and rejects
// the request outright if the engine's access control has deny-listed it,
// before the request ever reaches a rule's strategy. A deny verdict is
// cached for cacheTTL so a sustained attacker's key doesn't cost a backend
// round trip on every single rejected request.
type AuthMiddleware struct {
	logger    zerolog.Logger
	engine    *ratethrottle.Engine
	cache     sync.Map // apiKey -> *cachedDenyCheck
	cacheTTL  time.Duration
	headerKey string
}

type cachedDenyCheck struct {
	denied    bool
	expiresAt time.Time
}

// NewAuthMiddleware creates an auth middleware reading headerKey (default
// "Authorization") for the API key and consulting engine for deny-listed
// keys.
func NewAuthMiddleware(logger zerolog.Logger, engine *ratethrottle.Engine, headerKey string) *AuthMiddleware {
	if headerKey == "" {
		headerKey = "Authorization"
	}
	return &AuthMiddleware{
		logger:    logger,
		engine:    engine,
		cacheTTL:  5 * time.Second,
		headerKey: headerKey,
	}
}

// Handler returns the middleware handler function.
func (am *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get(am.headerKey)
		if authHeader == "" {
			http.Error(w, `{"error":"missing authentication","message":"Authorization header required"}`, http.StatusUnauthorized)
			return
		}

		apiKey := authHeader
		if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			apiKey = authHeader[7:]
		}
		if apiKey == "" {
			http.Error(w, `{"error":"invalid authentication","message":"API key cannot be empty"}`, http.StatusUnauthorized)
			return
		}

		if am.isDenied(r.Context(), apiKey) {
			http.Error(w, `{"error":"forbidden","message":"API key is blocked"}`, http.StatusForbidden)
			return
		}

		ctx := context.WithValue(r.Context(), APIKeyContextKey, apiKey)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// isDenied reports whether apiKey is currently on the engine's deny list,
// serving cached verdicts within cacheTTL before falling back to the
// backend.
func (am *AuthMiddleware) isDenied(ctx context.Context, apiKey string) bool {
	if cached, ok := am.cache.Load(apiKey); ok {
		c := cached.(*cachedDenyCheck)
		if time.Now().Before(c.expiresAt) {
			return c.denied
		}
		am.cache.Delete(apiKey)
	}

	denied, _, err := am.engine.IsDenied(ctx, apiKey)
	if err != nil {
		am.logger.Warn().Err(err).Str("api_key", maskIdentifier(apiKey)).Msg("access control check failed, allowing through")
		denied = false
	}
	am.cache.Store(apiKey, &cachedDenyCheck{denied: denied, expiresAt: time.Now().Add(am.cacheTTL)})
	return denied
}

// APIKey extracts the API key stashed in ctx by Handler.
func APIKey(ctx context.Context) string {
	if v, ok := ctx.Value(APIKeyContextKey).(string); ok {
		return v
	}
	return ""
}

// UserID resolves the caller identity for user-scoped rules. There is no
// separate identity provider here, so the API key doubles as the user
// identifier.
func UserID(ctx context.Context) string {
	return APIKey(ctx)
}
