// Package metrics aggregates request outcomes per provider and model and persists the
// aggregate across restarts.
package metrics

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/davidbz/clibridge/internal/domain"
	"github.com/davidbz/clibridge/internal/observability"
)

// Store backends.
const (
	StoreNone  = "none"
	StoreFile  = "file"
	StoreRedis = "redis"
)

// Config configures metric persistence.
type Config struct {
	Store        string        `env:"METRICS_STORE"         envDefault:"none"` // none | file | redis
	FilePath     string        `env:"METRICS_FILE"          envDefault:"clibridge-metrics.json"`
	RedisURL     string        `env:"METRICS_REDIS_URL"     envDefault:"redis://localhost:6379/0"`
	RedisKey     string        `env:"METRICS_REDIS_KEY"     envDefault:"clibridge:metrics"`
	SaveInterval time.Duration `env:"METRICS_SAVE_INTERVAL" envDefault:"1m"`
}

// Totals is one aggregate bucket.
type Totals struct {
	Requests         int64   `json:"requests"`
	Successes        int64   `json:"successes"`
	Failures         int64   `json:"failures"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	TotalLatencyMs   int64   `json:"total_latency_ms"`
}

// AvgLatencyMs is the mean latency across every recorded request.
func (t Totals) AvgLatencyMs() float64 {
	if t.Requests == 0 {
		return 0
	}
	return float64(t.TotalLatencyMs) / float64(t.Requests)
}

func (t *Totals) add(o Totals) {
	t.Requests += o.Requests
	t.Successes += o.Successes
	t.Failures += o.Failures
	t.PromptTokens += o.PromptTokens
	t.CompletionTokens += o.CompletionTokens
	t.CostUSD += o.CostUSD
	t.TotalLatencyMs += o.TotalLatencyMs
}

// ProviderTotals aggregates one provider and its models.
type ProviderTotals struct {
	Totals

	Models map[string]Totals `json:"models"`
}

// Snapshot is the persisted form of the collector.
type Snapshot struct {
	Since     time.Time                  `json:"since"`
	Total     Totals                     `json:"total"`
	Providers map[string]*ProviderTotals `json:"providers"`
}

// Store persists snapshots. Load returns a nil snapshot when nothing was saved yet.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snapshot *Snapshot) error
}

// Collector implements domain.MetricsRecorder.
type Collector struct {
	mu    sync.Mutex
	data  *Snapshot
	clock func() time.Time
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	c := &Collector{clock: time.Now}
	c.data = c.empty()
	return c
}

func (c *Collector) empty() *Snapshot {
	return &Snapshot{
		Since:     c.clock().UTC(),
		Providers: make(map[string]*ProviderTotals),
	}
}

// Record adds one outcome.
func (c *Collector) Record(provider, model string, outcome domain.RequestOutcome) {
	t := Totals{
		Requests:         1,
		PromptTokens:     int64(outcome.PromptTokens),
		CompletionTokens: int64(outcome.CompletionTokens),
		CostUSD:          outcome.Cost,
		TotalLatencyMs:   outcome.Duration.Milliseconds(),
	}
	if outcome.Success {
		t.Successes = 1
	} else {
		t.Failures = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.data.Total.add(t)

	p, ok := c.data.Providers[provider]
	if !ok {
		p = &ProviderTotals{Models: make(map[string]Totals)}
		c.data.Providers[provider] = p
	}
	p.add(t)

	m := p.Models[model]
	m.add(t)
	p.Models[model] = m
}

// Snapshot returns a deep copy of the current aggregate.
func (c *Collector) Snapshot() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return cloneSnapshot(c.data)
}

// Reset clears every counter.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data = c.empty()
}

// Load merges the stored snapshot into the current counters. The earlier Since wins.
func (c *Collector) Load(ctx context.Context, store Store) error {
	stored, err := store.Load(ctx)
	if err != nil {
		return err
	}
	if stored == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !stored.Since.IsZero() && stored.Since.Before(c.data.Since) {
		c.data.Since = stored.Since
	}
	c.data.Total.add(stored.Total)

	for name, sp := range stored.Providers {
		if sp == nil {
			continue
		}
		p, ok := c.data.Providers[name]
		if !ok {
			p = &ProviderTotals{Models: make(map[string]Totals)}
			c.data.Providers[name] = p
		}
		p.add(sp.Totals)
		for model, st := range sp.Models {
			m := p.Models[model]
			m.add(st)
			p.Models[model] = m
		}
	}

	observability.FromContext(ctx).Info("metrics snapshot loaded",
		observability.Int64("requests", stored.Total.Requests),
	)
	return nil
}

// Save overwrites the stored snapshot with the current counters.
func (c *Collector) Save(ctx context.Context, store Store) error {
	return store.Save(ctx, c.Snapshot())
}

// Persist saves every interval until ctx is done, then saves once more.
func (c *Collector) Persist(ctx context.Context, store Store, interval time.Duration) {
	logger := observability.FromContext(ctx)
	save := func(ctx context.Context) {
		if err := c.Save(ctx, store); err != nil {
			logger.Warn("failed to save metrics snapshot", observability.Error(err))
		}
	}

	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-ticker.C:
				save(ctx)
			}
		}
	} else {
		<-ctx.Done()
	}

	save(context.WithoutCancel(ctx))
}

func cloneSnapshot(s *Snapshot) *Snapshot {
	out := &Snapshot{
		Since:     s.Since,
		Total:     s.Total,
		Providers: make(map[string]*ProviderTotals, len(s.Providers)),
	}
	for name, p := range s.Providers {
		out.Providers[name] = &ProviderTotals{
			Totals: p.Totals,
			Models: maps.Clone(p.Models),
		}
	}
	return out
}
