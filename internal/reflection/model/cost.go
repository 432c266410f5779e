package model

import (
	"github.com/cloudwego/eino/schema"
)

// Pricing is the USD price of one million tokens for a model, split by
// direction. Feeds operational cost logging only; nothing here is billed.
type Pricing struct {
	InputPerM  float64
	OutputPerM float64
}

// perModelPricing covers the two models this service configures by default:
// the generation model and the retrieval query enhancer.
var perModelPricing = map[string]Pricing{
	"gemini-2.5-flash":      {InputPerM: 0.30, OutputPerM: 2.50},
	"gemini-2.5-flash-lite": {InputPerM: 0.10, OutputPerM: 0.40},
}

// CostEnabled gates the per-call cost accounting in the generate handler.
func CostEnabled() bool {
	return true
}

// ResolvePricing looks up a model's pricing. An unlisted model prices at
// zero, so switching to a new model name never breaks a run; it just logs
// no cost until the table learns the rate.
func ResolvePricing(name string) Pricing {
	return perModelPricing[name]
}

// ComputeCost converts one call's token usage into USD at per-1M rates.
func ComputeCost(usage *schema.TokenUsage, p Pricing) (inputUSD, outputUSD, totalUSD float64) {
	if usage == nil {
		return 0, 0, 0
	}
	inputUSD = float64(usage.PromptTokens) / 1e6 * p.InputPerM
	outputUSD = float64(usage.CompletionTokens) / 1e6 * p.OutputPerM
	return inputUSD, outputUSD, inputUSD + outputUSD
}
