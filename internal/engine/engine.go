// Package engine executes classification experiments: it fans prediction
// runs out over a sample, persists per-unit bundles and aggregates the
// results when the experiment finishes.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/abhisek/threadlab/internal/aggregate"
	"github.com/abhisek/threadlab/internal/llm"
	"github.com/abhisek/threadlab/internal/metrics"
	"github.com/abhisek/threadlab/internal/model"
	"github.com/abhisek/threadlab/internal/store"
)

// Store is the persistence the engine needs.
type Store interface {
	BundleWriter
	LoadUser(ctx context.Context, id string) (*model.User, error)
	LoadExperiment(ctx context.Context, id string) (*model.Experiment, error)
	LoadSample(ctx context.Context, id string) (*model.Sample, error)
	LoadPrompt(ctx context.Context, id string) (*model.Prompt, error)
	LoadLabelTemplate(ctx context.Context, id string) (*model.LabelTemplate, error)
	LoadUnits(ctx context.Context, ids []string) ([]*model.ClusterUnit, error)
	UpdateExperimentStatus(ctx context.Context, id string, status model.ExperimentStatus, message string) error
	WriteAggregate(ctx context.Context, id string, result map[string]model.PredictionResult, stats *model.ExperimentTokenStatistics, cost *model.ExperimentCost) error
	ExperimentAttempts(ctx context.Context, experimentID string) ([]store.AttemptRecord, error)
}

// ProviderFactory returns a provider that bills the given API key.
type ProviderFactory func(apiKey string) (llm.Provider, error)

// Config holds engine settings.
type Config struct {
	// MaxConcurrent caps in-flight runs. Default: 1000.
	MaxConcurrent int

	// DefaultAPIKey is used for owners without their own provider key.
	DefaultAPIKey string

	Retry llm.RetryConfig
}

// RunOptions override Config for one call.
type RunOptions struct {
	MaxConcurrent int
}

// Result summarises one engine invocation. For an experiment that was
// already completed only ExperimentID and Status are set.
type Result struct {
	ExperimentID   string                 `json:"experiment_id"`
	Status         model.ExperimentStatus `json:"status"`
	UnitsTotal     int                    `json:"units_total"`
	UnitsSkipped   int                    `json:"units_skipped"`
	UnitsPredicted int                    `json:"units_predicted"`
	UnitsFailed    int                    `json:"units_failed"`
	Failures       Failures               `json:"failures,omitempty"`
}

// Engine runs experiments against a Store.
type Engine struct {
	store       Store
	newProvider ProviderFactory
	cfg         Config
	metrics     *metrics.EngineMetrics
}

// New creates an Engine. m may be nil.
func New(s Store, newProvider ProviderFactory, cfg Config, m *metrics.EngineMetrics) *Engine {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = llm.DefaultConfig().Retry
	}
	return &Engine{store: s, newProvider: newProvider, cfg: cfg, metrics: m}
}

// ContinueExperiment resumes an experiment, predicting only the units
// that have no bundle yet.
func (e *Engine) ContinueExperiment(ctx context.Context, id string) (*Result, error) {
	return e.RunExperiment(ctx, id, RunOptions{})
}

// RunExperiment executes an experiment end to end. Units that already
// carry a complete bundle are skipped, so calling it again after a crash
// or a cancellation resumes the experiment. A completed experiment is left
// as it is.
//
// Configuration errors leave the experiment status unchanged. Precondition
// errors set it to error. Cancelling ctx sets it to paused. Units whose
// runs failed are left without a bundle and reported in the Result; the
// experiment still completes unless no unit has a prediction at all.
func (e *Engine) RunExperiment(ctx context.Context, id string, opts RunOptions) (*Result, error) {
	in, err := e.prepare(ctx, id)
	if err != nil {
		return nil, err
	}
	exp := in.exp
	logger := log.With().Str("experiment", exp.ID).Logger()

	if exp.Status == model.StatusCompleted {
		logger.Info().Msg("experiment already completed")
		return &Result{ExperimentID: exp.ID, Status: exp.Status}, nil
	}

	res := &Result{ExperimentID: exp.ID, Status: exp.Status, UnitsTotal: len(in.units)}
	var pending []*model.ClusterUnit
	for _, u := range in.units {
		if _, ok := u.CompleteBundle(exp.ID, exp.RunsPerUnit); ok {
			res.UnitsSkipped++
			continue
		}
		if b, ok := u.Bundle(exp.ID); ok {
			logger.Warn().
				Str("unit", u.ID).
				Int("runs", len(b.PredictedCategories)).
				Int("runs_per_unit", exp.RunsPerUnit).
				Msg("stored bundle has the wrong number of runs, predicting again")
		}
		pending = append(pending, u)
	}

	if len(pending) == 0 {
		if err := e.finish(ctx, in, res); err != nil {
			return res, err
		}
		return res, nil
	}

	provider, err := e.newProvider(in.apiKey)
	if err != nil {
		return nil, &Error{Code: CodeLLMCallFailed, Err: fmt.Errorf("create provider: %w", err)}
	}

	if err := e.setStatus(ctx, exp, model.StatusOngoing, ""); err != nil {
		return nil, err
	}
	logger.Info().
		Int("units", len(in.units)).
		Int("pending", len(pending)).
		Int("runs_per_unit", exp.RunsPerUnit).
		Str("model", exp.ModelID).
		Msg("experiment started")

	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = e.cfg.MaxConcurrent
	}
	orch := NewOrchestrator(NewRunner(provider), e.store, e.cfg.Retry, maxConcurrent, e.metrics)

	runCtx := llm.WithPurpose(ctx, "classify:"+exp.ID)
	results, failures := orch.Predict(runCtx, in.task, pending)
	res.Failures = failures
	for i := range pending {
		complete := true
		for _, r := range results[i*exp.RunsPerUnit : (i+1)*exp.RunsPerUnit] {
			if r == nil {
				complete = false
				break
			}
		}
		if complete {
			res.UnitsPredicted++
		} else {
			res.UnitsFailed++
		}
	}

	if ctx.Err() != nil {
		// Persisted bundles stay valid; the experiment resumes later.
		bg := context.WithoutCancel(ctx)
		if err := e.setStatus(bg, exp, model.StatusPaused, ""); err != nil {
			logger.Error().Err(err).Msg("mark experiment paused")
		}
		res.Status = model.StatusPaused
		logger.Info().Int("predicted", res.UnitsPredicted).Msg("experiment paused")
		return res, ctx.Err()
	}

	if err := e.finish(ctx, in, res); err != nil {
		return res, err
	}
	return res, nil
}

// finish reloads the units, writes the aggregate and sets the terminal
// status. Units without a bundle are left out of the aggregate. When no
// unit has one there is nothing to aggregate and the experiment is set to
// error so it can be driven again.
func (e *Engine) finish(ctx context.Context, in *inputs, res *Result) error {
	exp := in.exp
	units, err := e.store.LoadUnits(ctx, in.sample.SampleClusterUnitIDs)
	if err != nil {
		return e.fail(ctx, exp, &Error{Code: CodeUnitsMissing, Err: err})
	}

	result := aggregate.Aggregate(exp, in.tmpl, units)

	ledger, err := e.store.ExperimentAttempts(ctx, exp.ID)
	if err != nil {
		return fmt.Errorf("load token ledger: %w", err)
	}
	attempts := store.Attempts(ledger)
	if len(attempts) == 0 {
		attempts = aggregate.BundleAttempts(exp.ID, units)
	}
	stats := aggregate.TokenStatistics(attempts)
	cost := aggregate.Cost(stats, e.pricing(exp))

	if err := e.store.WriteAggregate(ctx, exp.ID, result, &stats, &cost); err != nil {
		return fmt.Errorf("write aggregate: %w", err)
	}

	predicted := 0
	for _, u := range units {
		if _, ok := u.CompleteBundle(exp.ID, exp.RunsPerUnit); ok {
			predicted++
		}
	}
	if predicted == 0 && len(units) > 0 {
		return e.fail(ctx, exp, newError(res.Failures.Dominant(), "none of %d units has a prediction", len(units)))
	}

	if err := e.setStatus(ctx, exp, model.StatusCompleted, ""); err != nil {
		return err
	}
	res.Status = model.StatusCompleted

	ev := log.Info()
	if missing := len(units) - predicted; missing > 0 {
		ev = log.Warn().
			Int("units_without_prediction", missing).
			Interface("failures", res.Failures)
	}
	ev.Str("experiment", exp.ID).
		Int("units_predicted", predicted).
		Int("total_tokens", stats.TotalTokensUsed.TotalTokens).
		Int("failed_attempts", stats.TotalFailedAttempts).
		Float64("cost_usd", cost.Total).
		Msg("experiment completed")
	return nil
}

func (e *Engine) pricing(exp *model.Experiment) model.ModelPricing {
	if !exp.ModelPricing.IsZero() {
		return exp.ModelPricing
	}
	if p := llm.LookupPricing(exp.ModelID); p != nil {
		return *p
	}
	log.Warn().Str("model", exp.ModelID).Msg("no pricing for model, cost will be zero")
	return model.ModelPricing{}
}

func (e *Engine) setStatus(ctx context.Context, exp *model.Experiment, status model.ExperimentStatus, message string) error {
	if err := e.store.UpdateExperimentStatus(ctx, exp.ID, status, message); err != nil {
		return fmt.Errorf("set status %s: %w", status, err)
	}
	exp.Status = status
	return nil
}

// fail marks the experiment as errored and returns err.
func (e *Engine) fail(ctx context.Context, exp *model.Experiment, err *Error) error {
	if serr := e.setStatus(context.WithoutCancel(ctx), exp, model.StatusError, err.Error()); serr != nil {
		log.Error().Err(serr).Str("experiment", exp.ID).Msg("mark experiment errored")
	}
	log.Error().Err(err).Str("experiment", exp.ID).Msg("experiment failed")
	return err
}

type inputs struct {
	exp    *model.Experiment
	sample *model.Sample
	tmpl   *model.LabelTemplate
	task   *Task
	units  []*model.ClusterUnit
	apiKey string
}

// prepare loads and checks everything a run needs. A completed experiment
// is returned without further checks.
func (e *Engine) prepare(ctx context.Context, id string) (*inputs, error) {
	exp, err := e.store.LoadExperiment(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &Error{Code: CodeExperimentNotFound, Err: err}
		}
		return nil, fmt.Errorf("load experiment: %w", err)
	}
	if exp.Status == model.StatusCompleted {
		return &inputs{exp: exp}, nil
	}
	if !exp.Status.Runnable() {
		return nil, newError(CodeExperimentInvalid, "experiment %s has status %q", exp.ID, exp.Status)
	}
	if err := exp.Validate(); err != nil {
		return nil, e.fail(ctx, exp, &Error{Code: CodeExperimentInvalid, Err: err})
	}

	user, err := e.store.LoadUser(ctx, exp.UserID)
	if err != nil {
		return nil, &Error{Code: CodeUserNotFound, Err: err}
	}
	apiKey := user.OpenRouterAPIKey
	if apiKey == "" {
		apiKey = e.cfg.DefaultAPIKey
	}
	if apiKey == "" {
		return nil, newError(CodeProviderKeyMissing, "user %s has no provider key", user.ID)
	}

	sample, err := e.store.LoadSample(ctx, exp.SampleID)
	if err != nil {
		return nil, &Error{Code: CodeSampleIncomplete, Err: err}
	}
	if sample.LabeledStatus != model.LabelingCompleted {
		return nil, newError(CodeSampleIncomplete, "sample %s is %s", sample.ID, sample.LabeledStatus)
	}

	p, err := e.store.LoadPrompt(ctx, exp.PromptID)
	if err != nil {
		return nil, &Error{Code: CodePromptMismatch, Err: err}
	}
	if p.Category != model.PromptClassify {
		return nil, newError(CodePromptMismatch, "prompt %s has category %q", p.ID, p.Category)
	}

	tmpl, err := e.store.LoadLabelTemplate(ctx, exp.LabelTemplateID)
	if err != nil {
		return nil, &Error{Code: CodeLabelTemplateMissing, Err: err}
	}

	if err := tmpl.Validate(); err != nil {
		return nil, e.fail(ctx, exp, &Error{Code: CodeLabelTemplateInvalid, Err: err})
	}
	task, err := NewTask(exp, p, tmpl)
	if err != nil {
		return nil, e.fail(ctx, exp, &Error{Code: CodeLabelTemplateInvalid, Err: err})
	}

	units, err := e.store.LoadUnits(ctx, sample.SampleClusterUnitIDs)
	if err != nil {
		return nil, e.fail(ctx, exp, &Error{Code: CodeUnitsMissing, Err: err})
	}
	if len(units) != len(sample.SampleClusterUnitIDs) {
		return nil, e.fail(ctx, exp, newError(CodeUnitsMissing, "loaded %d of %d units", len(units), len(sample.SampleClusterUnitIDs)))
	}

	return &inputs{exp: exp, sample: sample, tmpl: tmpl, task: task, units: units, apiKey: apiKey}, nil
}

// Report computes the metric report of an experiment at threshold, or at
// the experiment's own threshold when threshold <= 0. It never writes.
func (e *Engine) Report(ctx context.Context, id string, threshold int) (*aggregate.Report, error) {
	exp, err := e.store.LoadExperiment(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &Error{Code: CodeExperimentNotFound, Err: err}
		}
		return nil, fmt.Errorf("load experiment: %w", err)
	}
	tmpl, err := e.store.LoadLabelTemplate(ctx, exp.LabelTemplateID)
	if err != nil {
		return nil, &Error{Code: CodeLabelTemplateMissing, Err: err}
	}
	sample, err := e.store.LoadSample(ctx, exp.SampleID)
	if err != nil {
		return nil, &Error{Code: CodeSampleIncomplete, Err: err}
	}
	if threshold > exp.RunsPerUnit {
		return nil, newError(CodeExperimentInvalid, "threshold %d exceeds runs_per_unit %d", threshold, exp.RunsPerUnit)
	}

	size := sample.SampleSize
	if size == 0 {
		size = len(sample.SampleClusterUnitIDs)
	}
	r := aggregate.Summary(exp, tmpl, size, threshold)
	return &r, nil
}
