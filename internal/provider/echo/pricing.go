package echo

import (
	"context"
	"fmt"

	"github.com/davidbz/clibridge/internal/domain"
)

// RegisterPricing registers echo model pricing with the registry.
// Echo models have zero cost as they are for testing purposes only.
func RegisterPricing(ctx context.Context, registry domain.PricingRegistry) error {
	if err := domain.RegisterPricingTable(ctx, registry, map[string]domain.PricingConfig{
		modelName: {},
	}); err != nil {
		return fmt.Errorf("failed to register echo pricing: %w", err)
	}
	return nil
}
