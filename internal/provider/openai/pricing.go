package openai

import (
	"context"
	"fmt"

	"github.com/davidbz/clibridge/internal/domain"
)

// Prices in USD per 1K tokens. Dated snapshots fall back to these by prefix.
//
//nolint:gochecknoglobals // static price table
var pricing = map[string]domain.PricingConfig{
	"gpt-4o":       {InputCostPer1K: 0.0025, OutputCostPer1K: 0.01},
	"gpt-4o-mini":  {InputCostPer1K: 0.00015, OutputCostPer1K: 0.0006},
	"gpt-4.1":      {InputCostPer1K: 0.002, OutputCostPer1K: 0.008},
	"gpt-4.1-mini": {InputCostPer1K: 0.0004, OutputCostPer1K: 0.0016},
	"gpt-5":        {InputCostPer1K: 0.00125, OutputCostPer1K: 0.01},
}

// RegisterPricing registers OpenAI model pricing with the registry. The codex backend
// serves the same model families, so its calls are priced from this table as well.
func RegisterPricing(ctx context.Context, registry domain.PricingRegistry) error {
	if err := domain.RegisterPricingTable(ctx, registry, pricing); err != nil {
		return fmt.Errorf("failed to register openai pricing: %w", err)
	}
	return nil
}
