package llm

import (
	"strings"

	"github.com/abhisek/threadlab/internal/model"
)

// ModelCost holds per-million-token pricing for a model.
// Prices are in USD per 1 million tokens.
type ModelCost struct {
	InputPerMTok     float64 // USD per 1M prompt tokens
	OutputPerMTok    float64 // USD per 1M completion tokens
	ReasoningPerMTok float64 // USD per 1M reasoning tokens; 0 = billed as output
}

// Pricing converts the table entry to per-token prices.
func (c ModelCost) Pricing() model.ModelPricing {
	reasoning := c.ReasoningPerMTok
	if reasoning == 0 {
		reasoning = c.OutputPerMTok
	}
	return model.ModelPricing{
		Prompt:            c.InputPerMTok / 1_000_000,
		Completion:        c.OutputPerMTok / 1_000_000,
		InternalReasoning: reasoning / 1_000_000,
	}
}

// LookupPricing returns the per-token pricing for a model ID, or nil if
// unknown. OpenRouter IDs ("vendor/model") fall back to the bare model name.
func LookupPricing(modelID string) *model.ModelPricing {
	if c, ok := modelCosts[modelID]; ok {
		p := c.Pricing()
		return &p
	}
	if i := strings.IndexByte(modelID, '/'); i >= 0 {
		if c, ok := modelCosts[modelID[i+1:]]; ok {
			p := c.Pricing()
			return &p
		}
	}
	return nil
}

// modelCosts is the embedded fallback pricing table. Experiments normally
// carry the provider's own price list; this is used when they do not.
var modelCosts = map[string]ModelCost{
	// Anthropic
	"claude-3-5-haiku":  {0.8, 4, 0},
	"claude-3-7-sonnet": {3, 15, 0},
	"claude-haiku-4-5":  {1, 5, 0},
	"claude-sonnet-4":   {3, 15, 0},
	"claude-sonnet-4-5": {3, 15, 0},
	"claude-opus-4-1":   {15, 75, 0},

	// OpenAI
	"gpt-3.5-turbo": {0.5, 1.5, 0},
	"gpt-4.1":       {2, 8, 0},
	"gpt-4.1-mini":  {0.4, 1.6, 0},
	"gpt-4.1-nano":  {0.1, 0.4, 0},
	"gpt-4o":        {2.5, 10, 0},
	"gpt-4o-mini":   {0.15, 0.6, 0},
	"gpt-5":         {1.25, 10, 0},
	"gpt-5-mini":    {0.25, 2, 0},
	"gpt-5-nano":    {0.05, 0.4, 0},
	"o3":            {2, 8, 0},
	"o3-mini":       {1.1, 4.4, 0},
	"o4-mini":       {1.1, 4.4, 0},

	// Google
	"gemini-2.0-flash":      {0.1, 0.4, 0},
	"gemini-2.0-flash-001":  {0.1, 0.4, 0},
	"gemini-2.5-flash":      {0.3, 2.5, 0},
	"gemini-2.5-flash-lite": {0.1, 0.4, 0},
	"gemini-2.5-pro":        {1.25, 10, 0},

	// Open weights via OpenRouter
	"llama-3.1-8b-instruct":  {0.02, 0.03, 0},
	"llama-3.3-70b-instruct": {0.13, 0.4, 0},
	"deepseek-chat-v3-0324":  {0.27, 1.1, 0},
	"deepseek-r1":            {0.55, 2.19, 0},
	"qwen-2.5-72b-instruct":  {0.12, 0.39, 0},
}
