package pricing

import "github.com/conclave-ai/conclave/pkg/models"

// per1M converts a per-million-token price to the canonical per-1k unit.
// Public price sheets quote per-1M; rows are stored per-1k.
func per1M(usd float64) float64 { return usd / 1000.0 }

// builtinPricing is the seed price sheet used until a pricing feed or an
// operator supplies fresher rows. Prices as of 2025-01-01.
func builtinPricing() []models.ProviderPricing {
	type entry struct {
		provider, model string
		in1M, out1M     float64
		contextWindow   int
	}
	entries := []entry{
		{"openai", "gpt-4o", 2.50, 10.00, 128_000},
		{"openai", "gpt-4o-mini", 0.15, 0.60, 128_000},
		{"openai", "gpt-4-turbo", 10.00, 30.00, 128_000},
		{"openai", "gpt-3.5-turbo", 0.50, 1.50, 16_385},
		{"anthropic", "claude-3-5-sonnet-20241022", 3.00, 15.00, 200_000},
		{"anthropic", "claude-3-5-haiku-20241022", 0.80, 4.00, 200_000},
		{"anthropic", "claude-3-opus-20240229", 15.00, 75.00, 200_000},
	}

	out := make([]models.ProviderPricing, 0, len(entries))
	for _, e := range entries {
		out = append(out, models.ProviderPricing{
			Provider:         e.provider,
			Model:            e.model,
			InputPricePer1K:  per1M(e.in1M),
			OutputPricePer1K: per1M(e.out1M),
			ContextWindow:    e.contextWindow,
			Unit:             models.UnitPer1K,
		})
	}
	return out
}
