package domain

import "context"

// PricingConfig contains model pricing information.
type PricingConfig struct {
	InputCostPer1K  float64 // USD per 1K input tokens
	OutputCostPer1K float64 // USD per 1K output tokens
}

// CostCalculator estimates the cost of a call whose backend did not report one.
type CostCalculator interface {
	// Calculate returns the total cost for a given model and usage.
	Calculate(ctx context.Context, model string, usage Usage) (float64, error)
}

// PricingRegistry maintains pricing information for models and model families.
type PricingRegistry interface {
	// GetPricing returns the pricing registered for model, or for the longest
	// registered prefix of model.
	GetPricing(ctx context.Context, model string) (PricingConfig, error)

	// RegisterPricing adds pricing for a model id or a model-family prefix.
	RegisterPricing(ctx context.Context, model string, config PricingConfig) error
}
