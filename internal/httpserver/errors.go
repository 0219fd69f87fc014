package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/davidbz/clibridge/internal/domain"
	"github.com/davidbz/clibridge/internal/httpserver/middleware"
)

// statusFor maps an error kind to its HTTP status.
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindInvalidRequest:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindAuthentication:
		return http.StatusUnauthorized
	case domain.KindRateLimit:
		return http.StatusTooManyRequests
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	case domain.KindQueueFull:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) middleware.ErrorBody {
	return middleware.ErrorBody{Error: middleware.ErrorDetail{
		Message: err.Error(),
		Type:    domain.KindOf(err),
	}}
}

func writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	middleware.WriteError(w, statusFor(kind), kind, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Status is already written; an encode failure means the client went away.
	_ = json.NewEncoder(w).Encode(v)
}
