package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/abhisek/threadlab/internal/llm"
	"github.com/abhisek/threadlab/internal/metrics"
	"github.com/abhisek/threadlab/internal/model"
	"github.com/abhisek/threadlab/internal/store"
)

// DefaultMaxConcurrent caps in-flight runs when no limit is configured.
const DefaultMaxConcurrent = 1000

// BundleWriter persists finished units and the token ledger.
type BundleWriter interface {
	WritePredictedBundles(ctx context.Context, experimentID string, bundles map[string]model.PredictedBundle) error
	AppendAttempts(ctx context.Context, records []store.AttemptRecord) error
}

// Failures counts failed runs by error code.
type Failures map[ErrorCode]int

// Dominant returns the most frequent code, llm_call_failed on a tie or
// when nothing failed.
func (f Failures) Dominant() ErrorCode {
	if f[CodeResponseParseFailed] > f[CodeLLMCallFailed] {
		return CodeResponseParseFailed
	}
	return CodeLLMCallFailed
}

// Orchestrator fans runs out over goroutines and persists each unit's
// bundle as soon as all of its runs succeeded.
type Orchestrator struct {
	runner        *Runner
	writer        BundleWriter
	retry         llm.RetryConfig
	maxConcurrent int
	metrics       *metrics.EngineMetrics
}

// NewOrchestrator creates an Orchestrator. maxConcurrent <= 0 selects
// DefaultMaxConcurrent.
func NewOrchestrator(runner *Runner, writer BundleWriter, retry llm.RetryConfig, maxConcurrent int, m *metrics.EngineMetrics) *Orchestrator {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Orchestrator{runner: runner, writer: writer, retry: retry, maxConcurrent: maxConcurrent, metrics: m}
}

type unitState struct {
	unit      *model.ClusterUnit
	remaining atomic.Int32
}

// Predict returns len(units)*runs results in unit-major, run-minor order.
// Units that already carry a complete bundle for the experiment are not
// dispatched; their slots are filled from the stored bundle. A run whose
// attempts all failed, or that was never dispatched because ctx ended, is
// nil.
func (o *Orchestrator) Predict(ctx context.Context, task *Task, units []*model.ClusterUnit) ([]*model.PredictionCategoryTokens, Failures) {
	exp := task.Experiment
	runs := exp.RunsPerUnit
	results := make([]*model.PredictionCategoryTokens, len(units)*runs)

	var mu sync.Mutex
	failures := Failures{}

	states := make([]*unitState, len(units))
	for i, u := range units {
		if b, ok := u.CompleteBundle(exp.ID, runs); ok {
			for r := range b.PredictedCategories {
				results[i*runs+r] = &b.PredictedCategories[r]
			}
			continue
		}
		st := &unitState{unit: u}
		st.remaining.Store(int32(runs))
		states[i] = st
	}

	sem := semaphore.NewWeighted(int64(o.maxConcurrent))
	var g errgroup.Group

dispatch:
	for i, st := range states {
		i, st := i, st
		if st == nil {
			continue
		}
		for r := 0; r < runs; r++ {
			r := r
			if err := sem.Acquire(ctx, 1); err != nil {
				break dispatch
			}
			slot := i*runs + r
			g.Go(func() error {
				defer sem.Release(1)

				res, err := o.runOne(ctx, task, st.unit, r)
				if err != nil {
					mu.Lock()
					failures[codeOrCall(err)]++
					mu.Unlock()
				}
				results[slot] = res
				o.metrics.ObserveRun(res != nil)

				if st.remaining.Add(-1) == 0 {
					o.persistUnit(ctx, exp, st.unit, results[i*runs:(i+1)*runs])
				}
				return nil
			})
		}
	}
	g.Wait()

	return results, failures
}

// runOne drives the retry loop for one run and appends its attempts to
// the ledger. Panics become a nil result.
func (o *Orchestrator) runOne(ctx context.Context, task *Task, unit *model.ClusterUnit, run int) (res *model.PredictionCategoryTokens, err error) {
	var acc []model.TokenUsageAttempt
	defer func() {
		if p := recover(); p != nil {
			res, err = nil, fmt.Errorf("panic in run %d of unit %s: %v", run, unit.ID, p)
			log.Error().Str("unit", unit.ID).Int("run", run).Interface("panic", p).Msg("prediction task panicked")
		}
		o.appendLedger(ctx, task.Experiment.ID, unit.ID, run, acc)
	}()

	err = llm.Retry(ctx, o.retry, func(ctx context.Context, attempt int) error {
		out, err := o.runner.Run(ctx, task, unit, attempt, &acc)
		if err != nil {
			return err
		}
		res = out
		return nil
	})
	if err != nil {
		log.Warn().
			Str("experiment", task.Experiment.ID).
			Str("unit", unit.ID).
			Int("run", run).
			Int("attempts", len(acc)).
			Err(err).
			Msg("prediction run failed")
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) appendLedger(ctx context.Context, experimentID, unitID string, run int, acc []model.TokenUsageAttempt) {
	if len(acc) == 0 {
		return
	}
	records := make([]store.AttemptRecord, len(acc))
	for i, a := range acc {
		records[i] = store.AttemptRecord{ExperimentID: experimentID, UnitID: unitID, RunIndex: run, TokenUsageAttempt: a}
	}
	// Attempts were billed even when the experiment is being cancelled.
	if err := o.writer.AppendAttempts(context.WithoutCancel(ctx), records); err != nil {
		log.Error().Err(err).Str("unit", unitID).Int("run", run).Msg("append token ledger")
	}
}

// persistUnit writes a unit's bundle when every run produced a result.
// A unit with a failed run is left without a bundle so a later run
// predicts it again from scratch.
func (o *Orchestrator) persistUnit(ctx context.Context, exp *model.Experiment, unit *model.ClusterUnit, runs []*model.PredictionCategoryTokens) {
	bundle := model.PredictedBundle{
		ExperimentID:        exp.ID,
		PredictedCategories: make([]model.PredictionCategoryTokens, 0, len(runs)),
	}
	for _, r := range runs {
		if r == nil {
			return
		}
		bundle.PredictedCategories = append(bundle.PredictedCategories, *r)
	}

	err := o.writer.WritePredictedBundles(context.WithoutCancel(ctx), exp.ID, map[string]model.PredictedBundle{unit.ID: bundle})
	if err != nil {
		log.Error().Err(err).Str("experiment", exp.ID).Str("unit", unit.ID).Msg("persist predicted bundle")
		return
	}
	o.metrics.ObserveUnitPersisted()
	log.Debug().Str("experiment", exp.ID).Str("unit", unit.ID).Msg("unit persisted")
}

func codeOrCall(err error) ErrorCode {
	if c := CodeOf(err); c != "" {
		return c
	}
	return CodeLLMCallFailed
}
