package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/davidbz/clibridge/internal/domain"
	"github.com/davidbz/clibridge/internal/observability"
)

const defaultHealthTTL = 30 * time.Second

// Config configures the registry.
type Config struct {
	FilterUnavailable bool          `env:"REGISTRY_FILTER_UNAVAILABLE" envDefault:"true"`
	HealthTTL         time.Duration `env:"REGISTRY_HEALTH_TTL"         envDefault:"30s"`
}

// Initializer registers providers on first access.
type Initializer func(ctx context.Context, r *Registry) error

// Option customizes a Registry.
type Option func(*Registry)

// WithInitializer defers provider registration until the registry is first used.
func WithInitializer(init Initializer) Option {
	return func(r *Registry) {
		r.initializer = init
	}
}

// WithConfig applies cfg.
func WithConfig(cfg Config) Option {
	return func(r *Registry) {
		r.filterUnavailable = cfg.FilterUnavailable
		if cfg.HealthTTL > 0 {
			r.healthTTL = cfg.HealthTTL
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// Registry implements the ProviderRegistry interface.
type Registry struct {
	mu              sync.RWMutex
	providers       map[string]domain.Provider
	order           []string
	modelToProvider map[string]string
	registeredAt    map[string]int64
	status          map[string]domain.ProviderStatus

	initializer Initializer
	initOnce    sync.Once
	initErr     error

	filterUnavailable bool
	healthTTL         time.Duration
	now               func() time.Time
}

// NewRegistry creates a new provider registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		providers:       make(map[string]domain.Provider),
		modelToProvider: make(map[string]string),
		registeredAt:    make(map[string]int64),
		status:          make(map[string]domain.ProviderStatus),
		healthTTL:       defaultHealthTTL,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// init runs the initializer exactly once. Every later call sees the same error.
func (r *Registry) init(ctx context.Context) error {
	r.initOnce.Do(func() {
		if r.initializer == nil {
			return
		}
		if err := r.initializer(ctx, r); err != nil {
			r.initErr = fmt.Errorf("failed to initialize providers: %w", err)
		}
	})
	return r.initErr
}

// Register adds a provider to the registry. When two providers publish the same model
// id, the first registration keeps it.
func (r *Registry) Register(ctx context.Context, provider domain.Provider) error {
	if provider == nil {
		return errors.New("provider cannot be nil")
	}

	name := provider.Name()
	if name == "" {
		return errors.New("provider name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %s already registered", name)
	}

	r.providers[name] = provider
	r.order = append(r.order, name)
	r.registeredAt[name] = r.now().Unix()

	for _, model := range provider.SupportedModels(ctx) {
		if owner, taken := r.modelToProvider[model]; taken {
			observability.FromContext(ctx).Warn("model already published by another provider",
				observability.String("model", model),
				observability.String("owner", owner),
				observability.String("provider", name),
			)
			continue
		}
		r.modelToProvider[model] = name
	}

	return nil
}

// Get retrieves a provider by name.
func (r *Registry) Get(ctx context.Context, providerName string) (domain.Provider, error) {
	if providerName == "" {
		return nil, errors.New("provider name cannot be empty")
	}
	if err := r.init(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, exists := r.providers[providerName]
	if !exists {
		return nil, domain.Errorf(domain.KindNotFound, "provider %s not found", providerName)
	}

	return provider, nil
}

// List returns the provider names in registration order.
func (r *Registry) List(ctx context.Context) ([]string, error) {
	if err := r.init(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.order), nil
}

// Resolve maps a client model id to a provider and the model it should receive. It
// tries, in order: an exact published model id, the "provider:model" form, a provider
// that accepts the id, and finally a provider whose name appears in the id, which then
// gets its default model.
func (r *Registry) Resolve(ctx context.Context, modelID string) (domain.Provider, string, error) {
	if modelID == "" {
		return nil, "", domain.NewError(domain.KindInvalidRequest, "model is required", nil)
	}
	if err := r.init(ctx); err != nil {
		return nil, "", err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if name, ok := r.modelToProvider[modelID]; ok {
		if provider, exists := r.providers[name]; exists {
			return provider, modelID, nil
		}
	}

	if prefix, model, ok := strings.Cut(modelID, ":"); ok {
		if provider, exists := r.providers[prefix]; exists {
			if model != "" && provider.IsModelSupported(ctx, model) {
				return provider, model, nil
			}
			return nil, "", domain.Errorf(domain.KindNotFound, "model %s is not served by %s", model, prefix)
		}
	}

	for _, name := range r.order {
		if provider := r.providers[name]; provider.IsModelSupported(ctx, modelID) {
			return provider, modelID, nil
		}
	}

	lower := strings.ToLower(modelID)
	for _, name := range r.order {
		if !strings.Contains(lower, strings.ToLower(name)) {
			continue
		}
		provider := r.providers[name]
		models := provider.SupportedModels(ctx)
		if len(models) == 0 {
			continue
		}
		observability.FromContext(ctx).Info("model resolved by provider name",
			observability.String("requested", modelID),
			observability.String("provider", name),
			observability.String("model", models[0]),
		)
		return provider, models[0], nil
	}

	return nil, "", domain.Errorf(domain.KindNotFound, "no provider found for model: %s", modelID)
}

// CheckHealth probes every provider concurrently and records the results.
func (r *Registry) CheckHealth(ctx context.Context) map[string]domain.ProviderStatus {
	if err := r.init(ctx); err != nil {
		observability.FromContext(ctx).Error("registry initialization failed", observability.Error(err))
		return map[string]domain.ProviderStatus{}
	}

	r.mu.RLock()
	providers := make([]domain.Provider, 0, len(r.order))
	for _, name := range r.order {
		providers = append(providers, r.providers[name])
	}
	r.mu.RUnlock()

	results := make([]domain.ProviderStatus, len(providers))
	var g errgroup.Group
	for i, provider := range providers {
		g.Go(func() error {
			status := domain.ProviderStatus{Available: true, CheckedAt: r.now()}
			if err := provider.HealthCheck(ctx); err != nil {
				status.Available = false
				status.Error = err.Error()
				observability.FromContext(ctx).Warn("provider unavailable",
					observability.String("provider", provider.Name()),
					observability.Error(err),
				)
			}
			results[i] = status
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	for i, provider := range providers {
		r.status[provider.Name()] = results[i]
	}
	r.mu.Unlock()

	return r.Availability(ctx)
}

// Availability returns the last probe result per provider. Providers never probed are
// omitted.
func (r *Registry) Availability(_ context.Context) map[string]domain.ProviderStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]domain.ProviderStatus, len(r.status))
	for name, status := range r.status {
		out[name] = status
	}
	return out
}

// ListModels returns every published model. When filtering is enabled, models of
// providers whose last probe failed are left out; stale probes are refreshed first.
func (r *Registry) ListModels(ctx context.Context) ([]domain.ModelInfo, error) {
	if err := r.init(ctx); err != nil {
		return nil, err
	}

	if r.filterUnavailable && r.healthStale() {
		r.CheckHealth(ctx)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	models := []domain.ModelInfo{}
	for _, name := range r.order {
		if r.filterUnavailable {
			if status, probed := r.status[name]; probed && !status.Available {
				continue
			}
		}
		for _, model := range r.providers[name].SupportedModels(ctx) {
			if r.modelToProvider[model] != name {
				continue
			}
			models = append(models, domain.ModelInfo{
				ID:      model,
				Object:  "model",
				Created: r.registeredAt[name],
				OwnedBy: name,
			})
		}
	}
	return models, nil
}

func (r *Registry) healthStale() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	for _, name := range r.order {
		status, ok := r.status[name]
		if !ok || now.Sub(status.CheckedAt) > r.healthTTL {
			return true
		}
	}
	return false
}
