package middleware_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/clibridge/internal/domain"
	"github.com/davidbz/clibridge/internal/httpserver/middleware"
	"github.com/davidbz/clibridge/internal/observability"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) middleware.ErrorBody {
	t.Helper()
	var body middleware.ErrorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) middleware.Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	handler := middleware.Chain(mark("first"), mark("second"), mark("third"))(okHandler())
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, []string{"first", "second", "third"}, order)
}

func TestTrace(t *testing.T) {
	t.Run("should generate ids and expose them in context and headers", func(t *testing.T) {
		var seen string
		handler := middleware.Trace()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			seen = observability.GetRequestID(r.Context())
			require.NotEmpty(t, observability.GetTraceID(r.Context()))
		}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		require.NotEmpty(t, seen)
		require.Equal(t, seen, rec.Header().Get("X-Request-Id"))
		require.Len(t, rec.Header().Get("X-Trace-Id"), 32)
	})

	t.Run("should keep a client supplied request id", func(t *testing.T) {
		var seen string
		handler := middleware.Trace()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			seen = observability.GetRequestID(r.Context())
		}))

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("X-Request-Id", "client-42")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		require.Equal(t, "client-42", seen)
		require.Equal(t, "client-42", rec.Header().Get("X-Request-Id"))
	})
}

func TestAuth(t *testing.T) {
	cfg := &middleware.AuthConfig{APIKeys: []string{"secret-1", "secret-2"}, PublicPaths: []string{"/health"}}
	handler := middleware.Auth(cfg)(okHandler())

	tests := []struct {
		name   string
		path   string
		header string
		value  string
		status int
	}{
		{name: "missing key is rejected", path: "/v1/models", status: http.StatusUnauthorized},
		{name: "wrong key is rejected", path: "/v1/models", header: "Authorization", value: "Bearer nope", status: http.StatusUnauthorized},
		{name: "bearer key is accepted", path: "/v1/models", header: "Authorization", value: "Bearer secret-2", status: http.StatusNoContent},
		{name: "bearer scheme is case insensitive", path: "/v1/models", header: "Authorization", value: "bearer secret-1", status: http.StatusNoContent},
		{name: "api key header is accepted", path: "/v1/models", header: "X-Api-Key", value: "secret-1", status: http.StatusNoContent},
		{name: "public path needs no key", path: "/health", status: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			require.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusUnauthorized {
				require.Equal(t, domain.KindAuthentication, decodeError(t, rec).Error.Type)
			}
		})
	}

	t.Run("should pass everything through without keys", func(t *testing.T) {
		rec := httptest.NewRecorder()
		middleware.Auth(&middleware.AuthConfig{})(okHandler()).
			ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

		require.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestRateLimit(t *testing.T) {
	// one token per hour: the burst is all a client gets during the test
	cfg := &middleware.AuthConfig{RateLimit: 1.0 / 3600, RateBurst: 1, PublicPaths: []string{"/health"}}
	handler := middleware.RateLimit(cfg)(okHandler())

	call := func(path, key, remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = remote
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	t.Run("should throttle a client past its burst", func(t *testing.T) {
		require.Equal(t, http.StatusNoContent, call("/v1/models", "k1", "10.0.0.1:1000").Code)

		rec := call("/v1/models", "k1", "10.0.0.1:1000")
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		require.NotEmpty(t, rec.Header().Get("Retry-After"))
		require.Equal(t, domain.KindRateLimit, decodeError(t, rec).Error.Type)
	})

	t.Run("should keep separate buckets per key and per address", func(t *testing.T) {
		require.Equal(t, http.StatusNoContent, call("/v1/models", "k2", "10.0.0.1:1000").Code)
		require.Equal(t, http.StatusNoContent, call("/v1/models", "", "10.0.0.2:1000").Code)
		require.Equal(t, http.StatusTooManyRequests, call("/v1/models", "", "10.0.0.2:2000").Code)
	})

	t.Run("should not limit public paths", func(t *testing.T) {
		for range 3 {
			require.Equal(t, http.StatusNoContent, call("/health", "", "10.0.0.3:1000").Code)
		}
	})

	t.Run("should be a no-op without a rate", func(t *testing.T) {
		noop := middleware.RateLimit(&middleware.AuthConfig{})(okHandler())
		for range 3 {
			rec := httptest.NewRecorder()
			noop.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
			require.Equal(t, http.StatusNoContent, rec.Code)
		}
	})
}

func TestCORS(t *testing.T) {
	handler := middleware.CORS(&middleware.CORSConfig{
		AllowedOrigins: []string{"https://app.example.com"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
