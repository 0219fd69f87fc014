// Package queue bounds how many calls run against each backend at once. Non-streaming
// calls wait in a per-backend FIFO list; streaming calls hold a slot for the lifetime
// of the stream.
package queue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/davidbz/clibridge/internal/domain"
	"github.com/davidbz/clibridge/internal/observability"
)

const shutdownPollInterval = 50 * time.Millisecond

// ErrQueueFull is wrapped by every admission rejection.
var ErrQueueFull = errors.New("queue full")

// Config configures the queue. Limits and QueueSizes override the defaults per backend.
type Config struct {
	DefaultLimit     int            `env:"QUEUE_DEFAULT_LIMIT"     envDefault:"2"`
	DefaultQueueSize int            `env:"QUEUE_DEFAULT_SIZE"      envDefault:"20"`
	Limits           map[string]int `env:"QUEUE_LIMITS"            envSeparator:"," envKeyValSeparator:":"`
	QueueSizes       map[string]int `env:"QUEUE_SIZES"             envSeparator:"," envKeyValSeparator:":"`
	Timeout          time.Duration  `env:"QUEUE_TIMEOUT"           envDefault:"10m"`
	SlotTimeout      time.Duration  `env:"QUEUE_SLOT_TIMEOUT"      envDefault:"30s"`
	ShutdownTimeout  time.Duration  `env:"QUEUE_SHUTDOWN_TIMEOUT"  envDefault:"30s"`
}

type result struct {
	value any
	err   error
}

type job struct {
	ctx     context.Context
	fn      func(ctx context.Context) (any, error)
	reply   chan result
	element *list.Element
}

type backend struct {
	name     string
	limit    int
	maxQueue int
	slots    *semaphore.Weighted

	mu        sync.Mutex
	pending   *list.List
	active    int
	streaming int
	completed int64
	failed    int64
	timedOut  int64
	rejected  int64
}

// Queue implements domain.RequestQueue. A backend's slots are shared between queued
// calls and streams.
type Queue struct {
	cfg Config

	mu       sync.Mutex
	backends map[string]*backend
	closed   atomic.Bool
}

// NewQueue creates a queue.
func NewQueue(cfg Config) *Queue {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 1
	}
	if cfg.DefaultQueueSize <= 0 {
		cfg.DefaultQueueSize = 1
	}
	return &Queue{
		cfg:      cfg,
		backends: make(map[string]*backend),
	}
}

// AddBackends creates the named backends up front so they appear in Stats before
// their first call.
func (q *Queue) AddBackends(names ...string) {
	for _, name := range names {
		q.backend(name)
	}
}

func (q *Queue) backend(name string) *backend {
	q.mu.Lock()
	defer q.mu.Unlock()

	if b, ok := q.backends[name]; ok {
		return b
	}

	limit := q.cfg.DefaultLimit
	if v, ok := q.cfg.Limits[name]; ok && v > 0 {
		limit = v
	}
	maxQueue := q.cfg.DefaultQueueSize
	if v, ok := q.cfg.QueueSizes[name]; ok && v > 0 {
		maxQueue = v
	}

	b := &backend{
		name:     name,
		limit:    limit,
		maxQueue: maxQueue,
		slots:    semaphore.NewWeighted(int64(limit)),
		pending:  list.New(),
	}
	q.backends[name] = b
	return b
}

// Execute admits fn to the backend's queue and runs it once a slot frees up. The
// configured timeout covers both the wait and the run. A full queue is rejected
// immediately with a queue_full error.
func (q *Queue) Execute(
	ctx context.Context,
	backendName string,
	fn func(ctx context.Context) (any, error),
) (any, error) {
	if q.closed.Load() {
		return nil, domain.NewError(domain.KindQueueFull, "server is shutting down", ErrQueueFull)
	}

	b := q.backend(backendName)
	if q.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.cfg.Timeout)
		defer cancel()
	}

	j := &job{ctx: ctx, fn: fn, reply: make(chan result, 1)}

	b.mu.Lock()
	if b.pending.Len() >= b.maxQueue {
		b.rejected++
		b.mu.Unlock()
		observability.FromContext(ctx).Warn("request rejected, queue full",
			observability.String("backend", backendName),
			observability.Int("max_queue_size", b.maxQueue),
		)
		return nil, domain.NewError(domain.KindQueueFull,
			fmt.Sprintf("queue for %s is full (%d waiting)", backendName, b.maxQueue), ErrQueueFull)
	}
	j.element = b.pending.PushBack(j)
	b.mu.Unlock()

	q.dispatch(b)

	select {
	case r := <-j.reply:
		return r.value, r.err
	case <-ctx.Done():
		// A dispatched job is counted by run once fn returns.
		b.mu.Lock()
		if j.element != nil {
			b.pending.Remove(j.element)
			j.element = nil
			b.timedOut++
		}
		b.mu.Unlock()

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, domain.NewError(domain.KindTimeout,
				fmt.Sprintf("request to %s timed out after %s", backendName, q.cfg.Timeout), ctx.Err())
		}
		return nil, fmt.Errorf("queued request cancelled: %w", ctx.Err())
	}
}

// dispatch starts pending jobs while slots are free.
func (q *Queue) dispatch(b *backend) {
	for {
		b.mu.Lock()
		front := b.pending.Front()
		if front == nil || !b.slots.TryAcquire(1) {
			b.mu.Unlock()
			return
		}
		j, _ := b.pending.Remove(front).(*job)
		j.element = nil
		b.active++
		b.mu.Unlock()

		go q.run(b, j)
	}
}

func (q *Queue) run(b *backend, j *job) {
	value, err := j.fn(j.ctx)

	b.mu.Lock()
	b.active--
	if err != nil {
		b.failed++
	} else {
		b.completed++
	}
	b.mu.Unlock()

	b.slots.Release(1)
	q.dispatch(b)

	j.reply <- result{value: value, err: err}
}

type lease struct {
	once sync.Once
	q    *Queue
	b    *backend
}

// Release frees the slot. Only the first call has an effect.
func (l *lease) Release() {
	l.once.Do(func() {
		l.b.mu.Lock()
		l.b.streaming--
		l.b.completed++
		l.b.mu.Unlock()

		l.b.slots.Release(1)
		l.q.dispatch(l.b)
	})
}

// AcquireSlot waits up to the slot timeout for a streaming slot on the backend.
func (q *Queue) AcquireSlot(ctx context.Context, backendName string) (domain.Lease, error) {
	if q.closed.Load() {
		return nil, domain.NewError(domain.KindQueueFull, "server is shutting down", ErrQueueFull)
	}

	b := q.backend(backendName)

	acquireCtx := ctx
	if q.cfg.SlotTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, q.cfg.SlotTimeout)
		defer cancel()
	}

	if err := b.slots.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("waiting for stream slot: %w", ctx.Err())
		}
		b.mu.Lock()
		b.rejected++
		b.mu.Unlock()
		return nil, domain.NewError(domain.KindQueueFull,
			fmt.Sprintf("no stream slot for %s within %s", backendName, q.cfg.SlotTimeout), ErrQueueFull)
	}

	b.mu.Lock()
	b.streaming++
	b.mu.Unlock()

	return &lease{q: q, b: b}, nil
}

// Shutdown stops admitting work and waits up to timeout for in-flight work to drain.
// It reports whether the queue drained in time.
func (q *Queue) Shutdown(timeout time.Duration) bool {
	q.closed.Store(true)

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(shutdownPollInterval)
	defer ticker.Stop()

	for {
		if q.idle() {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		<-ticker.C
	}
}

func (q *Queue) idle() bool {
	for _, s := range q.Stats() {
		if s.Pending > 0 || s.Active > 0 || s.Streaming > 0 {
			return false
		}
	}
	return true
}

// Stats returns a snapshot per backend.
func (q *Queue) Stats() map[string]domain.BackendQueueStats {
	q.mu.Lock()
	backends := make([]*backend, 0, len(q.backends))
	for _, b := range q.backends {
		backends = append(backends, b)
	}
	q.mu.Unlock()

	out := make(map[string]domain.BackendQueueStats, len(backends))
	for _, b := range backends {
		b.mu.Lock()
		out[b.name] = domain.BackendQueueStats{
			Pending:      b.pending.Len(),
			Active:       b.active,
			Streaming:    b.streaming,
			Completed:    b.completed,
			Failed:       b.failed,
			TimedOut:     b.timedOut,
			Rejected:     b.rejected,
			Limit:        b.limit,
			MaxQueueSize: b.maxQueue,
		}
		b.mu.Unlock()
	}
	return out
}
