package model

import (
	"fmt"
	"strings"
	"time"
)

// ExperimentStatus is the lifecycle state of an experiment.
type ExperimentStatus string

const (
	StatusInitialized ExperimentStatus = "initialized"
	StatusOngoing     ExperimentStatus = "ongoing"
	StatusPaused      ExperimentStatus = "paused"
	StatusCompleted   ExperimentStatus = "completed"
	StatusError       ExperimentStatus = "error"
)

// Runnable reports whether the engine may drive an experiment in this state.
// A completed experiment is final.
func (s ExperimentStatus) Runnable() bool {
	switch s {
	case StatusInitialized, StatusOngoing, StatusError, StatusPaused:
		return true
	}
	return false
}

// ReasoningEffort is forwarded to reasoning-capable models.
type ReasoningEffort string

const (
	ReasoningNone    ReasoningEffort = "none"
	ReasoningMinimal ReasoningEffort = "minimal"
	ReasoningLow     ReasoningEffort = "low"
	ReasoningMedium  ReasoningEffort = "medium"
	ReasoningHigh    ReasoningEffort = "high"
	ReasoningXHigh   ReasoningEffort = "xhigh"
	ReasoningAuto    ReasoningEffort = "auto"
)

// Valid reports whether e is a known effort level. Empty means unset.
func (e ReasoningEffort) Valid() bool {
	switch e {
	case "", ReasoningNone, ReasoningMinimal, ReasoningLow, ReasoningMedium,
		ReasoningHigh, ReasoningXHigh, ReasoningAuto:
		return true
	}
	return false
}

// RequestValue returns the reasoning_effort to send. auto and none are
// not accepted by every OpenAI-compatible endpoint, so both leave the
// field out and the model runs at its default.
func (e ReasoningEffort) RequestValue() string {
	switch e {
	case ReasoningAuto, ReasoningNone:
		return ""
	}
	return string(e)
}

// ModelPricing is the provider price list in USD per token.
type ModelPricing struct {
	Prompt            float64 `json:"prompt"`
	Completion        float64 `json:"completion"`
	InternalReasoning float64 `json:"internal_reasoning"`
	Request           float64 `json:"request"`
	Image             float64 `json:"image"`
	WebSearch         float64 `json:"web_search"`
}

// IsZero reports whether no prices are set.
func (p ModelPricing) IsZero() bool {
	return p == ModelPricing{}
}

// ExperimentCost is the spend derived from token statistics.
type ExperimentCost struct {
	PromptSpend     float64 `json:"prompt_spend"`
	CompletionSpend float64 `json:"completion_spend"`
	Total           float64 `json:"total"`
}

// Experiment is one classification run configuration and its results.
type Experiment struct {
	ID                string           `json:"id"`
	UserID            string           `json:"user_id"`
	PromptID          string           `json:"prompt_id"`
	SampleID          string           `json:"sample_id"`
	LabelTemplateID   string           `json:"label_template_id"`
	ModelID           string           `json:"model_id"`
	RunsPerUnit       int              `json:"runs_per_unit"`
	ThresholdRunsTrue int              `json:"threshold_runs_true"`
	ReasoningEffort   ReasoningEffort  `json:"reasoning_effort,omitempty"`
	ModelPricing      ModelPricing     `json:"model_pricing"`
	Status            ExperimentStatus `json:"status"`
	ErrorMessage      string           `json:"error_message,omitempty"`

	AggregateResult map[string]PredictionResult `json:"aggregate_result,omitempty"`
	TokenStatistics *ExperimentTokenStatistics  `json:"token_statistics,omitempty"`
	ExperimentCost  *ExperimentCost             `json:"experiment_cost,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Validate checks the run configuration invariants.
func (e *Experiment) Validate() error {
	if e.RunsPerUnit < 1 {
		return fmt.Errorf("experiment %s: runs_per_unit must be >= 1, got %d", e.ID, e.RunsPerUnit)
	}
	if e.ThresholdRunsTrue < 0 || e.ThresholdRunsTrue > e.RunsPerUnit {
		return fmt.Errorf("experiment %s: threshold_runs_true %d outside [0, %d]", e.ID, e.ThresholdRunsTrue, e.RunsPerUnit)
	}
	if !e.ReasoningEffort.Valid() {
		return fmt.Errorf("experiment %s: unknown reasoning_effort %q", e.ID, e.ReasoningEffort)
	}
	if e.ModelID == "" {
		return fmt.Errorf("experiment %s: model_id is required", e.ID)
	}
	if strings.ContainsRune(e.ID, '"') {
		return fmt.Errorf("experiment %s: id may not contain '\"'", e.ID)
	}
	return nil
}

// DefaultThreshold returns the persisted threshold, or a simple majority
// of runs when none was set.
func (e *Experiment) DefaultThreshold() int {
	if e.ThresholdRunsTrue > 0 {
		return e.ThresholdRunsTrue
	}
	return (e.RunsPerUnit + 1) / 2
}
