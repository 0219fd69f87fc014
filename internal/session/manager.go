// Package session keeps per-conversation state: the backend continuation token and the
// rolling summary. Sessions live in memory and expire after a period of inactivity.
package session

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/davidbz/clibridge/internal/domain"
	"github.com/davidbz/clibridge/internal/observability"
)

// Config configures the Manager.
type Config struct {
	TTL           time.Duration `env:"SESSION_TTL"            envDefault:"1h"`
	MaxSessions   int           `env:"SESSION_MAX"            envDefault:"1000"`
	SweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL" envDefault:"1m"`
}

type entry struct {
	session domain.Session
	element *list.Element
}

// Manager implements domain.SessionStore.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*entry
	lru      *list.List // front is most recently used; values are session ids

	ttl           time.Duration
	maxSessions   int
	sweepInterval time.Duration
	now           func() time.Time

	created  atomic.Int64
	resumed  atomic.Int64
	expired  atomic.Int64
	evicted  atomic.Int64
	replaced atomic.Int64

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a session manager.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		sessions:      make(map[string]*entry),
		lru:           list.New(),
		ttl:           cfg.TTL,
		maxSessions:   cfg.MaxSessions,
		sweepInterval: cfg.SweepInterval,
		now:           time.Now,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start runs the background sweep until ctx is done or Close is called.
func (m *Manager) Start(ctx context.Context) {
	if m.sweepInterval <= 0 || !m.started.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer close(m.done)

		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				if n := m.Sweep(); n > 0 {
					observability.FromContext(ctx).Debug("expired sessions removed", observability.Int("count", n))
				}
			}
		}
	}()
}

// Close stops the background sweep and waits for it to exit. Calling Close without
// Start is a no-op.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	if m.started.Load() {
		<-m.done
	}
}

// Create stores a fresh session. An empty id is generated; an existing id is replaced.
func (m *Manager) Create(id, provider, model string) domain.Session {
	if id == "" {
		id = uuid.NewString()
	}
	now := m.now()
	session := domain.Session{
		ID:         id,
		Provider:   provider,
		Model:      model,
		CreatedAt:  now,
		LastUsedAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[id]; ok {
		m.lru.Remove(existing.element)
		delete(m.sessions, id)
		m.replaced.Add(1)
	}

	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		m.sweepLocked(now)
		if len(m.sessions) >= m.maxSessions {
			m.evictOldestLocked()
		}
	}

	m.sessions[id] = &entry{session: session, element: m.lru.PushFront(id)}
	m.created.Add(1)
	return session
}

// Get returns the session and marks it used. Expired sessions are dropped and reported
// as domain.ErrSessionNotFound.
func (m *Manager) Get(id string) (domain.Session, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if m.expiredAt(e, now) {
		m.removeLocked(id, e)
		m.expired.Add(1)
		return domain.Session{}, domain.ErrSessionNotFound
	}

	e.session.LastUsedAt = now
	e.session.TurnCount++
	m.lru.MoveToFront(e.element)
	if e.session.ContinuationToken != "" {
		m.resumed.Add(1)
	}
	return e.session, nil
}

// UpdateContinuationToken records the backend's token for the next turn.
func (m *Manager) UpdateContinuationToken(id, token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok {
		return false
	}
	e.session.ContinuationToken = token
	e.session.LastUsedAt = m.now()
	m.lru.MoveToFront(e.element)
	return true
}

// SetSummary stores the rolling summary and the non-system message count it covers.
func (m *Manager) SetSummary(id, summary string, summarizedUpTo int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok {
		return false
	}
	e.session.Summary = summary
	e.session.SummarizedUpTo = summarizedUpTo
	return true
}

// Delete removes the session.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok {
		return false
	}
	m.removeLocked(id, e)
	return true
}

// Sweep removes every expired session and returns how many were removed.
func (m *Manager) Sweep() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sweepLocked(now)
}

// Stats returns a snapshot of the store.
func (m *Manager) Stats() domain.SessionStats {
	m.mu.Lock()
	active := len(m.sessions)
	m.mu.Unlock()

	return domain.SessionStats{
		Active:   active,
		Max:      m.maxSessions,
		TTL:      m.ttl,
		Resumed:  m.resumed.Load(),
		Created:  m.created.Load(),
		Expired:  m.expired.Load(),
		Evicted:  m.evicted.Load(),
		Replaced: m.replaced.Load(),
	}
}

func (m *Manager) expiredAt(e *entry, now time.Time) bool {
	return m.ttl > 0 && now.Sub(e.session.LastUsedAt) > m.ttl
}

func (m *Manager) sweepLocked(now time.Time) int {
	removed := 0
	for id, e := range m.sessions {
		if m.expiredAt(e, now) {
			m.removeLocked(id, e)
			removed++
		}
	}
	m.expired.Add(int64(removed))
	return removed
}

func (m *Manager) evictOldestLocked() {
	back := m.lru.Back()
	if back == nil {
		return
	}
	id, _ := back.Value.(string)
	if e, ok := m.sessions[id]; ok {
		m.removeLocked(id, e)
		m.evicted.Add(1)
	}
}

func (m *Manager) removeLocked(id string, e *entry) {
	m.lru.Remove(e.element)
	delete(m.sessions, id)
}
