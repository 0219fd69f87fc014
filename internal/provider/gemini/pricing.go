package gemini

import (
	"context"
	"fmt"

	"github.com/davidbz/clibridge/internal/domain"
)

//nolint:gochecknoglobals // static price table
var pricing = map[string]domain.PricingConfig{
	"gemini-2.5-pro":   {InputCostPer1K: 0.00125, OutputCostPer1K: 0.01},
	"gemini-2.5-flash": {InputCostPer1K: 0.0003, OutputCostPer1K: 0.0025},
}

// RegisterPricing registers gemini model pricing with the registry.
func RegisterPricing(ctx context.Context, registry domain.PricingRegistry) error {
	if err := domain.RegisterPricingTable(ctx, registry, pricing); err != nil {
		return fmt.Errorf("failed to register gemini pricing: %w", err)
	}
	return nil
}
