package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies gateway failures; the transport maps each kind to a status code.
type ErrorKind string

// Error kinds surfaced to clients in {"error": {"type": ...}}.
const (
	KindInvalidRequest ErrorKind = "invalid_request_error"
	KindNotFound       ErrorKind = "not_found"
	KindAuthentication ErrorKind = "authentication_error"
	KindRateLimit      ErrorKind = "rate_limit_error"
	KindTimeout        ErrorKind = "timeout_error"
	KindServer         ErrorKind = "server_error"
	KindQueueFull      ErrorKind = "queue_full"
)

var (
	// ErrCacheMiss indicates no cached entry was found.
	ErrCacheMiss = errors.New("cache miss")

	// ErrSessionNotFound indicates the session id is unknown or expired.
	ErrSessionNotFound = errors.New("session not found")
)

// GatewayError is a typed failure carrying its ErrorKind.
type GatewayError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// NewError builds a GatewayError.
func NewError(kind ErrorKind, message string, err error) *GatewayError {
	return &GatewayError{Kind: kind, Message: message, Err: err}
}

// Errorf builds a GatewayError without a wrapped cause.
func Errorf(kind ErrorKind, format string, args ...any) *GatewayError {
	return &GatewayError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *GatewayError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the outermost GatewayError in the chain. Bare context
// deadline errors count as timeouts; anything else unclassified is a server error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindServer
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
