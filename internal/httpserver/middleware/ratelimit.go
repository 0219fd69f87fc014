package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/davidbz/clibridge/internal/domain"
	"github.com/davidbz/clibridge/internal/observability"
)

const (
	limiterIdleTTL     = 10 * time.Minute
	limiterSweepPeriod = time.Minute
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterSet hands out one token bucket per client.
type limiterSet struct {
	mu        sync.Mutex
	clients   map[string]*clientLimiter
	limit     rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

func newLimiterSet(limit rate.Limit, burst int, now func() time.Time) *limiterSet {
	return &limiterSet{
		clients:   make(map[string]*clientLimiter),
		limit:     limit,
		burst:     burst,
		lastSweep: now(),
		now:       now,
	}
}

func (s *limiterSet) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastSweep) >= limiterSweepPeriod {
		for k, c := range s.clients {
			if now.Sub(c.lastSeen) > limiterIdleTTL {
				delete(s.clients, k)
			}
		}
		s.lastSweep = now
	}

	c, ok := s.clients[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter
}

// rateKey identifies the client: its API key when present, else its IP.
func rateKey(r *http.Request) string {
	if key := clientKey(r); key != "" {
		return "key:" + key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// RateLimit throttles each client with a token bucket. A zero rate disables it.
func RateLimit(cfg *AuthConfig) Middleware {
	if cfg == nil || cfg.RateLimit <= 0 {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	burst := max(cfg.RateBurst, 1)
	limiters := newLimiterSet(rate.Limit(cfg.RateLimit), burst, time.Now)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions || cfg.isPublic(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			if !limiters.get(rateKey(r)).Allow() {
				retryAfter := int(math.Ceil(1 / cfg.RateLimit))
				w.Header().Set("Retry-After", strconv.Itoa(max(retryAfter, 1)))
				observability.FromContext(r.Context()).Warn("rate limit exceeded",
					observability.String("path", r.URL.Path))
				WriteError(w, http.StatusTooManyRequests, domain.KindRateLimit, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
