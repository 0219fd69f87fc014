package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// InMemoryPricingRegistry stores pricing configs in memory. Lookups fall back to the
// longest registered prefix so one entry covers dated model variants
// ("claude-sonnet-4" prices "claude-sonnet-4-20250514").
type InMemoryPricingRegistry struct {
	mu      sync.RWMutex
	pricing map[string]PricingConfig
}

// NewInMemoryPricingRegistry creates a new in-memory pricing registry.
func NewInMemoryPricingRegistry() *InMemoryPricingRegistry {
	return &InMemoryPricingRegistry{
		mu:      sync.RWMutex{},
		pricing: make(map[string]PricingConfig),
	}
}

// GetPricing retrieves pricing for a model.
func (r *InMemoryPricingRegistry) GetPricing(
	_ context.Context,
	model string,
) (PricingConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if config, exists := r.pricing[model]; exists {
		return config, nil
	}

	best := ""
	for prefix := range r.pricing {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return PricingConfig{}, fmt.Errorf("pricing not found for model: %s", model)
	}

	return r.pricing[best], nil
}

// RegisterPricing adds pricing for a model.
func (r *InMemoryPricingRegistry) RegisterPricing(
	_ context.Context,
	model string,
	config PricingConfig,
) error {
	if model == "" {
		return errors.New("model cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.pricing[model] = config
	return nil
}

// RegisterPricingTable registers every entry of table.
func RegisterPricingTable(ctx context.Context, registry PricingRegistry, table map[string]PricingConfig) error {
	for model, config := range table {
		if err := registry.RegisterPricing(ctx, model, config); err != nil {
			return fmt.Errorf("failed to register pricing for model %s: %w", model, err)
		}
	}
	return nil
}
