package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/davidbz/clibridge/internal/domain"
)

// Middleware wraps an http.Handler with additional functionality.
// Middlewares can be composed using the Chain function.
type Middleware func(http.Handler) http.Handler

// Chain composes multiple middlewares into a single middleware.
// Middlewares are applied in the order they are provided, with the first
// middleware being the outermost wrapper (executed first on request).
//
// Example:
//
//	chain := Chain(CORS(corsConfig), Trace(), Auth(authConfig))
//	handler := chain(mux)
func Chain(middlewares ...Middleware) Middleware {
	return func(final http.Handler) http.Handler {
		// Apply in reverse order so first middleware wraps outermost.
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// BuildMiddlewareChain composes the middleware chain for production.
// Order matters: CORS -> Trace -> Auth -> RateLimit.
func BuildMiddlewareChain(corsConfig *CORSConfig, authConfig *AuthConfig) Middleware {
	return Chain(
		CORS(corsConfig),
		Trace(),
		Auth(authConfig),
		RateLimit(authConfig),
	)
}

// ErrorBody is the OpenAI-style error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the message and the error kind.
type ErrorDetail struct {
	Message string           `json:"message"`
	Type    domain.ErrorKind `json:"type"`
}

// WriteError writes an error envelope with the given status.
func WriteError(w http.ResponseWriter, status int, kind domain.ErrorKind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorBody{Error: ErrorDetail{Message: message, Type: kind}})
}
