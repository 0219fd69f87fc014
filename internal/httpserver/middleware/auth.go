package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/davidbz/clibridge/internal/domain"
	"github.com/davidbz/clibridge/internal/observability"
)

// AuthConfig holds client API keys and the per-client rate limit.
type AuthConfig struct {
	APIKeys []string `env:"AUTH_API_KEYS" envSeparator:","`
	// PublicPaths skip authentication and rate limiting.
	PublicPaths []string `env:"AUTH_PUBLIC_PATHS" envSeparator:"," envDefault:"/health"`
	// RateLimit is requests per second per client; zero disables limiting.
	RateLimit float64 `env:"RATE_LIMIT_RPS"   envDefault:"0"`
	RateBurst int     `env:"RATE_LIMIT_BURST" envDefault:"20"`
}

func (c *AuthConfig) isPublic(path string) bool {
	for _, p := range c.PublicPaths {
		if p != "" && path == p {
			return true
		}
	}
	return false
}

// clientKey returns the API key presented by the request, from a bearer token or
// the X-Api-Key header.
func clientKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, found := strings.Cut(auth, " ")
		if found && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.Header.Get("X-Api-Key")
}

// Auth rejects requests without a configured API key. With no keys configured every
// request passes.
func Auth(cfg *AuthConfig) Middleware {
	if cfg == nil || len(cfg.APIKeys) == 0 {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	keys := make([][]byte, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, []byte(k))
		}
	}

	valid := func(presented string) bool {
		if presented == "" {
			return false
		}
		ok := false
		for _, k := range keys {
			if subtle.ConstantTimeCompare(k, []byte(presented)) == 1 {
				ok = true
			}
		}
		return ok
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions || cfg.isPublic(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			if !valid(clientKey(r)) {
				observability.FromContext(r.Context()).Warn("rejected unauthenticated request",
					observability.String("path", r.URL.Path))
				WriteError(w, http.StatusUnauthorized, domain.KindAuthentication, "invalid or missing API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
