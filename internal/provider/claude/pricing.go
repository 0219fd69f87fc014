package claude

import (
	"context"
	"fmt"

	"github.com/davidbz/clibridge/internal/domain"
)

// Fallback prices in USD per 1K tokens, used only when the CLI does not report
// total_cost_usd. Family prefixes cover dated model ids.
//
//nolint:gochecknoglobals // static price table
var pricing = map[string]domain.PricingConfig{
	"sonnet":        {InputCostPer1K: 0.003, OutputCostPer1K: 0.015},
	"opus":          {InputCostPer1K: 0.015, OutputCostPer1K: 0.075},
	"haiku":         {InputCostPer1K: 0.001, OutputCostPer1K: 0.005},
	"claude-sonnet": {InputCostPer1K: 0.003, OutputCostPer1K: 0.015},
	"claude-opus":   {InputCostPer1K: 0.015, OutputCostPer1K: 0.075},
	"claude-haiku":  {InputCostPer1K: 0.001, OutputCostPer1K: 0.005},
}

// RegisterPricing registers claude model pricing with the registry.
func RegisterPricing(ctx context.Context, registry domain.PricingRegistry) error {
	if err := domain.RegisterPricingTable(ctx, registry, pricing); err != nil {
		return fmt.Errorf("failed to register claude pricing: %w", err)
	}
	return nil
}
