package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/abhisek/threadlab/internal/llm"
	"github.com/abhisek/threadlab/internal/model"
	"github.com/abhisek/threadlab/internal/prompt"
)

// Task is everything a run needs besides the unit.
type Task struct {
	Experiment *model.Experiment
	Prompt     *model.Prompt
	Template   *model.LabelTemplate
	Schema     *llm.Schema
}

// NewTask builds a Task and compiles its response schema. A template whose
// schema does not compile is rejected here, before any call is made.
func NewTask(exp *model.Experiment, p *model.Prompt, tmpl *model.LabelTemplate) (*Task, error) {
	schema := prompt.ResponseFormat(tmpl)
	if err := llm.CompileSchema(schema); err != nil {
		return nil, err
	}
	return &Task{Experiment: exp, Prompt: p, Template: tmpl, Schema: schema}, nil
}

// Runner performs single prediction attempts.
type Runner struct {
	provider llm.Provider
}

// NewRunner creates a Runner that calls provider.
func NewRunner(provider llm.Provider) *Runner {
	return &Runner{provider: provider}
}

// Run performs one attempt of one run for unit. The attempt is appended to
// acc before Run returns, whether it succeeded or not, carrying the tokens
// the provider billed for it. Token usage is read before the response body
// is parsed so a malformed body cannot lose it.
//
// An attempt cancelled by ctx before the provider answered is not recorded.
func (r *Runner) Run(ctx context.Context, task *Task, unit *model.ClusterUnit, attempt int, acc *[]model.TokenUsageAttempt) (*model.PredictionCategoryTokens, error) {
	system, user := prompt.Build(task.Prompt, task.Template, unit)

	resp, callErr := r.provider.Generate(ctx, llm.Request{
		System:          system,
		Messages:        []llm.Message{{Role: llm.RoleUser, Content: user}},
		Model:           task.Experiment.ModelID,
		ReasoningEffort: task.Experiment.ReasoningEffort.RequestValue(),
		Schema:          task.Schema,
	})

	var tokens model.TokenUsage
	if resp != nil {
		tokens = llm.ExtractTokens(resp).TokenUsage
	}

	if callErr != nil {
		if ctx.Err() != nil && errors.Is(callErr, ctx.Err()) {
			return nil, callErr
		}
		*acc = append(*acc, model.TokenUsageAttempt{
			AttemptNumber: attempt,
			TokensUsed:    tokens,
			Success:       false,
			ErrorMessage:  callErr.Error(),
		})
		return nil, &Error{Code: CodeLLMCallFailed, Err: callErr}
	}

	labels, parseErr := parseLabels(task, resp)
	if parseErr != nil {
		*acc = append(*acc, model.TokenUsageAttempt{
			AttemptNumber: attempt,
			TokensUsed:    tokens,
			Success:       false,
			ErrorMessage:  parseErr.Error(),
		})
		log.Debug().
			Str("experiment", task.Experiment.ID).
			Str("unit", unit.ID).
			Int("attempt", attempt).
			Err(parseErr).
			Msg("prediction rejected")
		return nil, &Error{Code: CodeResponseParseFailed, Err: parseErr}
	}

	*acc = append(*acc, model.TokenUsageAttempt{
		AttemptNumber: attempt,
		TokensUsed:    tokens,
		Success:       true,
	})
	all := append([]model.TokenUsageAttempt(nil), (*acc)...)
	return &model.PredictionCategoryTokens{
		LabelsPrediction:       labels,
		TokensUsed:             tokens,
		AllAttempts:            all,
		TotalTokensAllAttempts: model.SumAttempts(all),
	}, nil
}

// parseLabels decodes and validates the labels object of a response.
// Unusable content is an *llm.ErrInvalidResponse and is retried. A
// truncated completion is an *llm.ErrMaxTokensExceeded and is not.
func parseLabels(task *Task, resp *llm.Response) (map[string]model.LabelPrediction, error) {
	if resp.StopReason == llm.StopMaxTokens {
		return nil, &llm.ErrMaxTokensExceeded{CompletionTokens: resp.Usage.CompletionTokens, Content: resp.Content}
	}

	content := stripCodeFence(resp.Content)
	if len(content) == 0 {
		return nil, &llm.ErrInvalidResponse{Content: resp.Content, Err: errors.New("empty response")}
	}
	if err := llm.ValidateJSON(task.Schema, content); err != nil {
		return nil, err
	}

	var body struct {
		Labels map[string]model.LabelPrediction `json:"labels"`
	}
	if err := json.Unmarshal(content, &body); err != nil {
		return nil, &llm.ErrInvalidResponse{Content: content, Err: fmt.Errorf("decode labels: %w", err)}
	}
	if err := validateLabels(task.Template, body.Labels); err != nil {
		return nil, &llm.ErrInvalidResponse{Content: content, Err: err}
	}
	return body.Labels, nil
}

// stripCodeFence removes a surrounding ``` or ```json fence, which models
// add when no structured output format is enforced.
func stripCodeFence(raw json.RawMessage) json.RawMessage {
	b := bytes.TrimSpace(raw)
	if !bytes.HasPrefix(b, []byte("```")) {
		return b
	}
	b = b[3:]
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[i+1:]
	}
	b = bytes.TrimSuffix(bytes.TrimSpace(b), []byte("```"))
	return bytes.TrimSpace(b)
}

// validateLabels checks predictions against the template: every label
// present and every value of the right type, within its possible values
// and within min/max.
func validateLabels(tmpl *model.LabelTemplate, labels map[string]model.LabelPrediction) error {
	if labels == nil {
		return errors.New("missing labels object")
	}
	for _, def := range tmpl.Labels {
		pred, ok := labels[def.Name]
		if !ok {
			return fmt.Errorf("label %q missing", def.Name)
		}
		if err := validateValue(def, pred.Value); err != nil {
			return fmt.Errorf("label %q: %w", def.Name, err)
		}
	}
	return nil
}

func validateValue(def model.LabelDefinition, v any) error {
	switch def.Type {
	case model.LabelBool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("want bool, got %T", v)
		}
		return nil
	case model.LabelInteger, model.LabelFloat:
		f, ok := v.(float64)
		if !ok {
			return fmt.Errorf("want number, got %T", v)
		}
		if def.Type == model.LabelInteger && f != math.Trunc(f) {
			return fmt.Errorf("want integer, got %v", f)
		}
		if def.Min != nil && f < *def.Min {
			return fmt.Errorf("%v below minimum %v", f, *def.Min)
		}
		if def.Max != nil && f > *def.Max {
			return fmt.Errorf("%v above maximum %v", f, *def.Max)
		}
	case model.LabelCategory, model.LabelString:
		if _, ok := v.(string); !ok && def.Type == model.LabelString {
			return fmt.Errorf("want string, got %T", v)
		}
	}

	if len(def.PossibleValues) > 0 && !oneOf(v, def.PossibleValues) {
		return fmt.Errorf("value %v not in possible values", v)
	}
	return nil
}

func oneOf(v any, values []any) bool {
	switch v.(type) {
	case string, bool, float64:
	default:
		return false
	}
	for _, pv := range values {
		if pv == v {
			return true
		}
		if fv, ok := v.(float64); ok {
			if fp, ok := toFloat(pv); ok && fp == fv {
				return true
			}
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}
