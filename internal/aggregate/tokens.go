package aggregate

import "github.com/abhisek/threadlab/internal/model"

// TokenStatistics bins every attempt into three buckets: all attempts,
// failed attempts (wasted) and attempts after the first (from retries).
// An attempt can fall into both wasted and from retries.
func TokenStatistics(attempts []model.TokenUsageAttempt) model.ExperimentTokenStatistics {
	var st model.ExperimentTokenStatistics
	for _, a := range attempts {
		st.TotalTokensUsed = st.TotalTokensUsed.Add(a.TokensUsed)
		if a.Success {
			st.TotalSuccessfulPredictions++
		} else {
			st.TotalFailedAttempts++
			st.TokensWastedOnFailures = st.TokensWastedOnFailures.Add(a.TokensUsed)
		}
		if a.AttemptNumber > 1 {
			st.TokensFromRetries = st.TokensFromRetries.Add(a.TokensUsed)
		}
	}
	return st
}

// BundleAttempts collects the attempts stored in an experiment's bundles.
// These cover successful runs only; failed runs are only in the ledger.
func BundleAttempts(experimentID string, units []*model.ClusterUnit) []model.TokenUsageAttempt {
	var out []model.TokenUsageAttempt
	for _, u := range units {
		b, ok := u.Bundle(experimentID)
		if !ok {
			continue
		}
		for _, run := range b.PredictedCategories {
			out = append(out, run.AllAttempts...)
		}
	}
	return out
}

// Cost prices the total token bucket. Reasoning tokens are billed at the
// internal reasoning rate on top of completion tokens.
func Cost(st model.ExperimentTokenStatistics, pricing model.ModelPricing) model.ExperimentCost {
	used := st.TotalTokensUsed
	c := model.ExperimentCost{
		PromptSpend: float64(used.PromptTokens) * pricing.Prompt,
		CompletionSpend: float64(used.CompletionTokens)*pricing.Completion +
			float64(used.Reasoning())*pricing.InternalReasoning,
	}
	c.Total = c.PromptSpend + c.CompletionSpend
	return c
}
