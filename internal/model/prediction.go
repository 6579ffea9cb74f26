package model

import (
	"encoding/json"
	"fmt"
)

// TokenUsage counts tokens for one or more requests. Reasoning tokens are
// part of CompletionTokens and reported separately only when the provider
// returns them.
type TokenUsage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	ReasoningTokens  *int `json:"reasoning_tokens,omitempty"`
}

// Add returns the component-wise sum of u and o. The reasoning bucket is
// present in the result if either side reported it.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	sum := TokenUsage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
	if u.ReasoningTokens != nil || o.ReasoningTokens != nil {
		r := u.Reasoning() + o.Reasoning()
		sum.ReasoningTokens = &r
	}
	return sum
}

// Reasoning returns the reasoning token count, or 0 when unreported.
func (u TokenUsage) Reasoning() int {
	if u.ReasoningTokens == nil {
		return 0
	}
	return *u.ReasoningTokens
}

// IsZero reports whether no tokens were counted.
func (u TokenUsage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0 && u.Reasoning() == 0
}

// TokenUsageAttempt records the tokens billed to one HTTP attempt.
type TokenUsageAttempt struct {
	AttemptNumber int        `json:"attempt_number"`
	TokensUsed    TokenUsage `json:"tokens_used"`
	Success       bool       `json:"success"`
	ErrorMessage  string     `json:"error_message,omitempty"`
}

// LabelPrediction is the value predicted for one label plus any per-label
// auxiliary fields. It serialises flat: {"value": ..., "reason": ...}.
type LabelPrediction struct {
	Value  any
	Fields map[string]any
}

func (p LabelPrediction) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(p.Fields)+1)
	for k, v := range p.Fields {
		m[k] = v
	}
	m["value"] = p.Value
	return json.Marshal(m)
}

func (p *LabelPrediction) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("label prediction: %w", err)
	}
	p.Value = m["value"]
	delete(m, "value")
	if len(m) > 0 {
		p.Fields = m
	} else {
		p.Fields = nil
	}
	return nil
}

// PredictionCategoryTokens is the outcome of one successful run.
type PredictionCategoryTokens struct {
	LabelsPrediction       map[string]LabelPrediction `json:"labels_prediction"`
	TokensUsed             TokenUsage                 `json:"tokens_used"`
	AllAttempts            []TokenUsageAttempt        `json:"all_attempts"`
	TotalTokensAllAttempts TokenUsage                 `json:"total_tokens_all_attempts"`
}

// SumAttempts returns the component-wise sum of tokens over attempts.
func SumAttempts(attempts []TokenUsageAttempt) TokenUsage {
	var total TokenUsage
	for _, a := range attempts {
		total = total.Add(a.TokensUsed)
	}
	return total
}

// PredictedBundle holds every run for one unit in one experiment.
type PredictedBundle struct {
	ExperimentID        string                     `json:"experiment_id"`
	PredictedCategories []PredictionCategoryTokens `json:"predicted_categories"`
}

// TruthPair pairs a unit's positive-run count with its ground truth.
type TruthPair struct {
	RunsPredictedTrue int `json:"runs_predicted_true"`
	GroundTruth       any `json:"ground_truth"`
}

// PredictionResult is the per-label fold of all predicted bundles.
type PredictionResult struct {
	// PrevalenceDistribution maps "k" to the number of units for which
	// exactly k runs predicted true.
	PrevalenceDistribution             map[string]int `json:"prevalence_distribution"`
	IndividualPredictionTruthLabelList []TruthPair    `json:"individual_prediction_truth_label_list"`
	SumGroundTruth                     int            `json:"sum_ground_truth"`
}

// ExperimentTokenStatistics buckets token usage over all attempts.
type ExperimentTokenStatistics struct {
	TotalSuccessfulPredictions int        `json:"total_successful_predictions"`
	TotalFailedAttempts        int        `json:"total_failed_attempts"`
	TotalTokensUsed            TokenUsage `json:"total_tokens_used"`
	TokensWastedOnFailures     TokenUsage `json:"tokens_wasted_on_failures"`
	TokensFromRetries          TokenUsage `json:"tokens_from_retries"`
}
