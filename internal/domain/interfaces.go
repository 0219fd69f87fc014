package domain

import (
	"context"
	"time"
)

// Provider defines the interface every backend adapter must implement.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// Complete runs one non-streaming call.
	Complete(ctx context.Context, req *ProviderRequest) (*CompletionResponse, error)

	// Stream runs one streaming call. The channel always ends with exactly one chunk
	// that has Done set, after which it is closed.
	Stream(ctx context.Context, req *ProviderRequest) (<-chan StreamChunk, error)

	// SupportedModels returns the published model list, in order.
	SupportedModels(ctx context.Context) []string

	// IsModelSupported checks if the provider supports the given model.
	IsModelSupported(ctx context.Context, model string) bool

	// Capabilities reports streaming, thinking and native session support.
	Capabilities() Capabilities

	// HealthCheck reports whether the backend is reachable right now.
	HealthCheck(ctx context.Context) error
}

// ProviderRegistry manages provider lookup and model resolution.
type ProviderRegistry interface {
	Register(ctx context.Context, provider Provider) error
	Get(ctx context.Context, name string) (Provider, error)
	List(ctx context.Context) ([]string, error)

	// Resolve maps a client model id to a provider and the model name that provider
	// should receive (the "provider:" prefix stripped).
	Resolve(ctx context.Context, modelID string) (Provider, string, error)

	// ListModels returns the published catalog.
	ListModels(ctx context.Context) ([]ModelInfo, error)

	// Availability returns the last health probe result per provider.
	Availability(ctx context.Context) map[string]ProviderStatus
}

// Session is a snapshot of one conversation's state. Callers receive copies; only the
// SessionStore mutates the stored value.
type Session struct {
	ID                string    `json:"id"`
	Provider          string    `json:"provider"`
	Model             string    `json:"model"`
	ContinuationToken string    `json:"continuation_token,omitempty"`
	Summary           string    `json:"summary,omitempty"`
	SummarizedUpTo    int       `json:"summarized_up_to"`
	CreatedAt         time.Time `json:"created_at"`
	LastUsedAt        time.Time `json:"last_used_at"`
	TurnCount         int       `json:"turn_count"`
}

// SessionStats summarizes the session store.
type SessionStats struct {
	Active   int           `json:"active"`
	Max      int           `json:"max"`
	TTL      time.Duration `json:"ttl_ns"`
	Resumed  int64         `json:"resumed"`
	Created  int64         `json:"created"`
	Expired  int64         `json:"expired"`
	Evicted  int64         `json:"evicted"`
	Replaced int64         `json:"replaced"`
}

// SessionStore owns conversation state.
type SessionStore interface {
	// Create stores a fresh session. An empty id is generated; an existing id is replaced.
	Create(id, provider, model string) Session

	// Get returns the session and touches it. Expired sessions return ErrSessionNotFound.
	Get(id string) (Session, error)

	UpdateContinuationToken(id, token string) bool
	SetSummary(id, summary string, summarizedUpTo int) bool
	Delete(id string) bool
	Stats() SessionStats
}

// CacheStats summarizes the response cache.
type CacheStats struct {
	Enabled     bool    `json:"enabled"`
	Size        int     `json:"size"`
	MaxEntries  int     `json:"max_entries"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	Evictions   int64   `json:"evictions"`
	Expirations int64   `json:"expirations"`

	// Entries lists the most used live entries, most hits first.
	Entries []CacheEntryStats `json:"entries,omitempty"`
}

// CacheEntryStats describes one live cache entry.
type CacheEntryStats struct {
	Key       string    `json:"key"`
	HitCount  int64     `json:"hit_count"`
	CreatedAt time.Time `json:"created_at"`
}

// ResponseCache stores serialized non-streaming completions.
type ResponseCache interface {
	// Get returns the cached value or ErrCacheMiss.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Clear(ctx context.Context)
	Stats() CacheStats
}

// Lease is a held streaming slot. Release is safe to call more than once.
type Lease interface {
	Release()
}

// BackendQueueStats is a snapshot of one backend's admission state.
type BackendQueueStats struct {
	Pending      int   `json:"pending"`
	Active       int   `json:"active"`
	Streaming    int   `json:"streaming"`
	Completed    int64 `json:"completed"`
	Failed       int64 `json:"failed"`
	TimedOut     int64 `json:"timed_out"`
	Rejected     int64 `json:"rejected"`
	Limit        int   `json:"limit"`
	MaxQueueSize int   `json:"max_queue_size"`
}

// RequestQueue bounds concurrency per backend.
type RequestQueue interface {
	// Execute admits fn to backend's FIFO queue and runs it once a slot frees up.
	Execute(ctx context.Context, backend string, fn func(ctx context.Context) (any, error)) (any, error)

	// AcquireSlot blocks for a streaming slot on backend.
	AcquireSlot(ctx context.Context, backend string) (Lease, error)

	Stats() map[string]BackendQueueStats
}

// RequestOutcome is one finished provider call as seen by metrics.
type RequestOutcome struct {
	Success          bool
	Duration         time.Duration
	PromptTokens     int
	CompletionTokens int
	Cost             float64
}

// MetricsRecorder aggregates request outcomes.
type MetricsRecorder interface {
	Record(provider, model string, outcome RequestOutcome)
}
