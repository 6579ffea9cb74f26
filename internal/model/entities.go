package model

import "time"

// PromptCategory classifies what a prompt is used for.
type PromptCategory string

const (
	PromptClassify  PromptCategory = "classify"
	PromptRewrite   PromptCategory = "rewrite"
	PromptSummarize PromptCategory = "summarize"
)

// Prompt is a system+user prompt pair with {{key}} placeholders.
type Prompt struct {
	ID           string         `json:"id"`
	SystemPrompt string         `json:"system_prompt"`
	Prompt       string         `json:"prompt"`
	Category     PromptCategory `json:"category"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    *time.Time     `json:"deleted_at,omitempty"`
}

// UnitType distinguishes Reddit posts from comments.
type UnitType string

const (
	UnitPost    UnitType = "post"
	UnitComment UnitType = "comment"
)

// ClusterUnit is a single post or comment with its thread context.
type ClusterUnit struct {
	ID             string    `json:"id"`
	Text           string    `json:"text"`
	ThreadPathText *[]string `json:"thread_path_text"`
	Type           UnitType  `json:"type"`
	Author         string    `json:"author,omitempty"`
	Upvotes        int       `json:"upvotes"`
	Downvotes      int       `json:"downvotes"`
	Subreddit      string    `json:"subreddit,omitempty"`
	CreatedUTC     time.Time `json:"created_utc"`

	// GroundTruth is keyed by label template id, then label name.
	GroundTruth map[string]map[string]any `json:"ground_truth"`

	// PredictedCategory is keyed by experiment id.
	PredictedCategory map[string]PredictedBundle `json:"predicted_category"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Bundle returns the predicted bundle for an experiment, if one exists.
func (u *ClusterUnit) Bundle(experimentID string) (PredictedBundle, bool) {
	b, ok := u.PredictedCategory[experimentID]
	return b, ok
}

// CompleteBundle returns the bundle for an experiment only when it holds
// exactly runs predictions. A bundle of any other length was written under
// a different runs_per_unit and counts as absent.
func (u *ClusterUnit) CompleteBundle(experimentID string, runs int) (PredictedBundle, bool) {
	b, ok := u.PredictedCategory[experimentID]
	if !ok || len(b.PredictedCategories) != runs {
		return PredictedBundle{}, false
	}
	return b, true
}

// GroundTruthValue returns the recorded truth for a label, or nil.
func (u *ClusterUnit) GroundTruthValue(templateID, label string) any {
	if u.GroundTruth == nil {
		return nil
	}
	return u.GroundTruth[templateID][label]
}

// LabeledStatus tracks the annotation progress of a sample.
type LabeledStatus string

const (
	LabelingInitialized LabeledStatus = "initialized"
	LabelingOngoing     LabeledStatus = "ongoing"
	LabelingCompleted   LabeledStatus = "completed"
)

// Sample is a frozen selection of cluster units.
type Sample struct {
	ID                   string        `json:"id"`
	SampleClusterUnitIDs []string      `json:"sample_cluster_unit_ids"`
	SampleSize           int           `json:"sample_size"`
	LabelTemplateIDs     []string      `json:"label_template_ids"`
	LabeledStatus        LabeledStatus `json:"labeled_status"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
	DeletedAt            *time.Time    `json:"deleted_at,omitempty"`
}

// User is the owner of an experiment. Only the provider key is consumed here.
type User struct {
	ID               string     `json:"id"`
	Email            string     `json:"email,omitempty"`
	OpenRouterAPIKey string     `json:"openrouter_api_key,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
}
