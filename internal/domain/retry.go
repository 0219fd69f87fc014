package domain

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/davidbz/clibridge/internal/observability"
)

// DefaultRetryPatterns are the backend error substrings treated as transient.
//
//nolint:gochecknoglobals // default configuration value
var DefaultRetryPatterns = []string{
	"rate limit",
	"overloaded",
	"connection reset",
	"temporarily unavailable",
	"503",
	"529",
}

// RetryPolicy bounds retries of transient provider failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Patterns    []string
}

// IsRetryable reports whether err is transient: a timeout, a rate limit, or a failure
// whose message contains one of the configured substrings. Queue rejections and invalid requests never are.
func (p RetryPolicy) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindTimeout, KindRateLimit:
		return true
	case KindQueueFull, KindInvalidRequest, KindNotFound, KindAuthentication:
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range p.Patterns {
		if pattern != "" && strings.Contains(msg, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.BaseDelay > 0 {
		b.InitialInterval = p.BaseDelay
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	return b
}

// withRetry runs op until it succeeds, fails permanently, or attempts run out. The
// backoff wait happens outside op, so a retry only holds a queue slot while it runs.
func withRetry[T any](ctx context.Context, policy RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := max(policy.MaxAttempts, 1)
	logger := observability.FromContext(ctx)
	attempt := 0

	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if !policy.IsRetryable(err) {
			return result, backoff.Permanent(err)
		}
		if attempt >= attempts {
			return result, err
		}
		logger.Warn("retrying provider call",
			observability.Int("attempt", attempt),
			observability.Int("max_attempts", attempts),
			observability.Error(err),
		)
		return result, err
	},
		backoff.WithBackOff(policy.backOff()),
		backoff.WithMaxTries(uint(attempts)), //nolint:gosec // attempts is at least 1
	)
}
