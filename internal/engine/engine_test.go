package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abhisek/threadlab/internal/llm"
	"github.com/abhisek/threadlab/internal/model"
	"github.com/abhisek/threadlab/internal/store"
)

func TestRunExperiment_EndToEnd(t *testing.T) {
	f := newFixture(t)
	p := &llm.FuncProvider{Model: testModel, Fn: echoTruth}
	var keys []string
	eng := newTestEngine(f.store, p, &keys)

	res, err := eng.RunExperiment(context.Background(), testExperiment, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.StatusCompleted, res.Status)
	assert.Equal(t, 4, res.UnitsTotal)
	assert.Equal(t, 4, res.UnitsPredicted)
	assert.Equal(t, 0, res.UnitsFailed)
	assert.Equal(t, 12, p.CallCount())
	assert.Equal(t, []string{"user-key"}, keys)

	exp := f.experiment(t)
	assert.Equal(t, model.StatusCompleted, exp.Status)
	assert.Empty(t, exp.ErrorMessage)

	frustration := exp.AggregateResult["frustration"]
	assert.Equal(t, map[string]int{"3": 2, "0": 2}, frustration.PrevalenceDistribution)
	assert.Equal(t, 2, frustration.SumGroundTruth)
	require.Len(t, frustration.IndividualPredictionTruthLabelList, 4)
	assert.Equal(t, 3, frustration.IndividualPredictionTruthLabelList[0].RunsPredictedTrue)
	assert.Equal(t, true, frustration.IndividualPredictionTruthLabelList[0].GroundTruth)

	// Every run matches the truth, so all units land in bucket 3.
	assert.Equal(t, map[string]int{"3": 4}, exp.AggregateResult["topic"].PrevalenceDistribution)

	require.NotNil(t, exp.TokenStatistics)
	assert.Equal(t, 12, exp.TokenStatistics.TotalSuccessfulPredictions)
	assert.Equal(t, 0, exp.TokenStatistics.TotalFailedAttempts)
	assert.Equal(t, 1440, exp.TokenStatistics.TotalTokensUsed.TotalTokens)
	assert.True(t, exp.TokenStatistics.TokensFromRetries.IsZero())

	require.NotNil(t, exp.ExperimentCost)
	assert.InDelta(t, 0.0012, exp.ExperimentCost.PromptSpend, 1e-12)
	assert.InDelta(t, 0.00048, exp.ExperimentCost.CompletionSpend, 1e-12)
	assert.InDelta(t, 0.00168, exp.ExperimentCost.Total, 1e-12)

	bundle, ok := f.unit(t, "u1").Bundle(testExperiment)
	require.True(t, ok)
	assert.Equal(t, testExperiment, bundle.ExperimentID)
	require.Len(t, bundle.PredictedCategories, 3)
	for _, run := range bundle.PredictedCategories {
		require.Len(t, run.AllAttempts, 1)
		assert.True(t, run.AllAttempts[0].Success)
		assert.Equal(t, 120, run.TokensUsed.TotalTokens)
	}

	ledger, err := f.store.ExperimentAttempts(context.Background(), testExperiment)
	require.NoError(t, err)
	assert.Len(t, ledger, 12)
}

func TestRunExperiment_RetriesCountEveryAttempt(t *testing.T) {
	f := newFixture(t, withRuns(1))
	var counter perUnitCounter
	p := &llm.FuncProvider{Fn: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		id := unitID(req)
		if id == "u1" && counter.next(id) <= 2 {
			return &llm.Response{Content: json.RawMessage(`I think this user is frustrated`), Usage: usage()}, nil
		}
		return echoTruth(ctx, req)
	}}
	eng := newTestEngine(f.store, p, nil)

	_, err := eng.RunExperiment(context.Background(), testExperiment, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 6, p.CallCount())

	exp := f.experiment(t)
	assert.Equal(t, model.StatusCompleted, exp.Status)
	st := exp.TokenStatistics
	require.NotNil(t, st)
	assert.Equal(t, 4, st.TotalSuccessfulPredictions)
	assert.Equal(t, 2, st.TotalFailedAttempts)
	assert.Equal(t, 720, st.TotalTokensUsed.TotalTokens)
	assert.Equal(t, 240, st.TokensWastedOnFailures.TotalTokens)
	assert.Equal(t, 240, st.TokensFromRetries.TotalTokens)

	bundle, ok := f.unit(t, "u1").Bundle(testExperiment)
	require.True(t, ok)
	run := bundle.PredictedCategories[0]
	require.Len(t, run.AllAttempts, 3)
	assert.False(t, run.AllAttempts[0].Success)
	assert.NotEmpty(t, run.AllAttempts[0].ErrorMessage)
	assert.Equal(t, 3, run.AllAttempts[2].AttemptNumber)
	assert.Equal(t, 360, run.TotalTokensAllAttempts.TotalTokens)
	assert.Equal(t, 120, run.TokensUsed.TotalTokens)
}

func TestRunExperiment_FailedUnitIsLeftOutOfAggregate(t *testing.T) {
	f := newFixture(t, withRuns(2))
	broken := &llm.FuncProvider{Fn: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		if unitID(req) == "u2" {
			return &llm.Response{Content: json.RawMessage(`{}`), Usage: usage()}, nil
		}
		return echoTruth(ctx, req)
	}}

	res, err := newTestEngine(f.store, broken, nil).RunExperiment(context.Background(), testExperiment, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 12, broken.CallCount())
	assert.Equal(t, model.StatusCompleted, res.Status)
	assert.Equal(t, 3, res.UnitsPredicted)
	assert.Equal(t, 1, res.UnitsFailed)
	assert.Equal(t, 2, res.Failures[CodeResponseParseFailed])

	exp := f.experiment(t)
	assert.Equal(t, model.StatusCompleted, exp.Status)
	assert.Empty(t, exp.ErrorMessage)
	require.NotNil(t, exp.TokenStatistics)
	assert.Equal(t, 6, exp.TokenStatistics.TotalFailedAttempts)
	assert.Equal(t, 6, exp.TokenStatistics.TotalSuccessfulPredictions)
	assert.Len(t, exp.AggregateResult["frustration"].IndividualPredictionTruthLabelList, 3)

	_, ok := f.unit(t, "u2").Bundle(testExperiment)
	assert.False(t, ok, "a unit with failed runs must not get a bundle")

	// A completed experiment is final.
	again := &llm.FuncProvider{Fn: echoTruth}
	res, err = newTestEngine(f.store, again, nil).ContinueExperiment(context.Background(), testExperiment)
	require.NoError(t, err)
	assert.Equal(t, 0, again.CallCount())
	assert.Equal(t, model.StatusCompleted, res.Status)
	assert.Equal(t, 0, res.UnitsTotal)
}

func TestRunExperiment_NoUnitPredictedErrors(t *testing.T) {
	f := newFixture(t, withRuns(1))
	broken := &llm.FuncProvider{Fn: func(context.Context, llm.Request) (*llm.Response, error) {
		return &llm.Response{Content: json.RawMessage(`not json`), Usage: usage()}, nil
	}}

	res, err := newTestEngine(f.store, broken, nil).RunExperiment(context.Background(), testExperiment, RunOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResponseParse)
	assert.Equal(t, 12, broken.CallCount())
	assert.Equal(t, 4, res.UnitsFailed)
	assert.Equal(t, 4, res.Failures[CodeResponseParseFailed])

	exp := f.experiment(t)
	assert.Equal(t, model.StatusError, exp.Status)
	assert.NotEmpty(t, exp.ErrorMessage)
	require.NotNil(t, exp.TokenStatistics)
	assert.Equal(t, 12, exp.TokenStatistics.TotalFailedAttempts)

	// An errored experiment can be driven again.
	fixed := &llm.FuncProvider{Fn: echoTruth}
	res, err = newTestEngine(f.store, fixed, nil).ContinueExperiment(context.Background(), testExperiment)
	require.NoError(t, err)
	assert.Equal(t, 4, fixed.CallCount())
	assert.Equal(t, 4, res.UnitsPredicted)
	assert.Equal(t, model.StatusCompleted, f.experiment(t).Status)
	assert.Empty(t, f.experiment(t).ErrorMessage)
}

func TestRunExperiment_RejectedRequestIsNotRetried(t *testing.T) {
	f := newFixture(t, withRuns(1))
	p := &llm.FuncProvider{Fn: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		if unitID(req) == "u1" {
			return nil, &llm.ErrRequestRejected{StatusCode: 400, Err: errors.New("bad model")}
		}
		return echoTruth(ctx, req)
	}}

	res, err := newTestEngine(f.store, p, nil).RunExperiment(context.Background(), testExperiment, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 4, p.CallCount())
	assert.Equal(t, 1, res.UnitsFailed)
	assert.Equal(t, 1, res.Failures[CodeLLMCallFailed])

	ledger, err := f.store.ExperimentAttempts(context.Background(), testExperiment)
	require.NoError(t, err)
	var failed []store.AttemptRecord
	for _, r := range ledger {
		if !r.Success {
			failed = append(failed, r)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, "u1", failed[0].UnitID)
	assert.True(t, failed[0].TokensUsed.IsZero())
}

func TestRunExperiment_ShortBundleIsPredictedAgain(t *testing.T) {
	f := newFixture(t, withRuns(2))
	ctx := context.Background()

	var labels map[string]model.LabelPrediction
	require.NoError(t, json.Unmarshal([]byte(`{"frustration":{"value":false},"topic":{"value":"other"}}`), &labels))
	short := model.PredictedBundle{
		ExperimentID:        testExperiment,
		PredictedCategories: []model.PredictionCategoryTokens{{LabelsPrediction: labels}},
	}
	require.NoError(t, f.store.WritePredictedBundles(ctx, testExperiment, map[string]model.PredictedBundle{"u1": short}))

	p := &llm.FuncProvider{Fn: echoTruth}
	res, err := newTestEngine(f.store, p, nil).RunExperiment(ctx, testExperiment, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 8, p.CallCount())
	assert.Equal(t, 0, res.UnitsSkipped)
	assert.Equal(t, 4, res.UnitsPredicted)

	b, ok := f.unit(t, "u1").CompleteBundle(testExperiment, 2)
	require.True(t, ok)
	assert.Equal(t, true, b.PredictedCategories[0].LabelsPrediction["frustration"].Value)
	assert.Equal(t, 2, f.experiment(t).AggregateResult["frustration"].PrevalenceDistribution["2"])
}

func TestRunExperiment_ResumesFromPersistedBundles(t *testing.T) {
	f := newFixture(t, withUnits(10), withRuns(2))
	ctx := context.Background()

	done := map[string]model.PredictedBundle{}
	for _, id := range []string{"u1", "u2", "u3", "u4"} {
		var labels map[string]model.LabelPrediction
		require.NoError(t, json.Unmarshal([]byte(`{"frustration":{"value":false},"topic":{"value":"other"}}`), &labels))
		run := model.PredictionCategoryTokens{LabelsPrediction: labels}
		done[id] = model.PredictedBundle{ExperimentID: testExperiment, PredictedCategories: []model.PredictionCategoryTokens{run, run}}
	}
	require.NoError(t, f.store.WritePredictedBundles(ctx, testExperiment, done))

	p := &llm.FuncProvider{Fn: echoTruth}
	res, err := newTestEngine(f.store, p, nil).RunExperiment(ctx, testExperiment, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 12, p.CallCount())
	assert.Equal(t, 4, res.UnitsSkipped)
	assert.Equal(t, 6, res.UnitsPredicted)

	exp := f.experiment(t)
	dist := exp.AggregateResult["frustration"].PrevalenceDistribution
	total := 0
	for _, n := range dist {
		total += n
	}
	assert.Equal(t, 10, total)
	// u1..u4 were persisted as negative; u5, u7 and u9 are predicted positive.
	assert.Equal(t, 7, dist["0"])
	assert.Equal(t, 3, dist["2"])

	// The stored bundle was not overwritten.
	b, _ := f.unit(t, "u1").Bundle(testExperiment)
	assert.Equal(t, false, b.PredictedCategories[0].LabelsPrediction["frustration"].Value)
}

func TestRunExperiment_Idempotent(t *testing.T) {
	f := newFixture(t)
	p := &llm.FuncProvider{Fn: echoTruth}
	eng := newTestEngine(f.store, p, nil)
	ctx := context.Background()

	_, err := eng.RunExperiment(ctx, testExperiment, RunOptions{})
	require.NoError(t, err)
	first := f.experiment(t)

	res, err := eng.RunExperiment(ctx, testExperiment, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 12, p.CallCount(), "second run must not call the provider")
	assert.Equal(t, model.StatusCompleted, res.Status)

	second := f.experiment(t)
	assert.Equal(t, first.AggregateResult, second.AggregateResult)
	assert.Equal(t, first.TokenStatistics, second.TokenStatistics)
}

func TestRunExperiment_NothingPendingCompletesWithoutProvider(t *testing.T) {
	f := newFixture(t, withRuns(1))
	ctx := context.Background()

	bundles := map[string]model.PredictedBundle{}
	for _, u := range f.units {
		bundles[u.ID] = model.PredictedBundle{
			ExperimentID: testExperiment,
			PredictedCategories: []model.PredictionCategoryTokens{{
				LabelsPrediction: map[string]model.LabelPrediction{
					"frustration": {Value: true},
					"topic":       {Value: "bug"},
				},
				AllAttempts: []model.TokenUsageAttempt{{AttemptNumber: 1, Success: true, TokensUsed: model.TokenUsage{TotalTokens: 10}}},
			}},
		}
	}
	require.NoError(t, f.store.WritePredictedBundles(ctx, testExperiment, bundles))

	var keys []string
	p := &llm.FuncProvider{Fn: echoTruth}
	res, err := newTestEngine(f.store, p, &keys).RunExperiment(ctx, testExperiment, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, p.CallCount())
	assert.Empty(t, keys, "no provider should be built")
	assert.Equal(t, model.StatusCompleted, res.Status)

	exp := f.experiment(t)
	assert.Equal(t, model.StatusCompleted, exp.Status)
	assert.Equal(t, map[string]int{"1": 4}, exp.AggregateResult["frustration"].PrevalenceDistribution)
	// No ledger entries exist, so statistics come from the bundles.
	require.NotNil(t, exp.TokenStatistics)
	assert.Equal(t, 4, exp.TokenStatistics.TotalSuccessfulPredictions)
	assert.Equal(t, 40, exp.TokenStatistics.TotalTokensUsed.TotalTokens)
}

func TestRunExperiment_CancelPauses(t *testing.T) {
	f := newFixture(t, withRuns(1))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := &llm.FuncProvider{}
	p.Fn = func(c context.Context, req llm.Request) (*llm.Response, error) {
		if p.CallCount() == 2 {
			cancel()
		}
		return echoTruth(c, req)
	}

	res, err := newTestEngine(f.store, p, nil).RunExperiment(ctx, testExperiment, RunOptions{MaxConcurrent: 1})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.StatusPaused, res.Status)
	assert.Equal(t, 2, p.CallCount())
	assert.Equal(t, model.StatusPaused, f.experiment(t).Status)

	for _, id := range []string{"u1", "u2"} {
		_, ok := f.unit(t, id).Bundle(testExperiment)
		assert.True(t, ok, "%s finished before cancel and must be persisted", id)
	}
	for _, id := range []string{"u3", "u4"} {
		_, ok := f.unit(t, id).Bundle(testExperiment)
		assert.False(t, ok, "%s was never predicted", id)
	}

	fresh := &llm.FuncProvider{Fn: echoTruth}
	_, err = newTestEngine(f.store, fresh, nil).ContinueExperiment(context.Background(), testExperiment)
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.CallCount())
	assert.Equal(t, model.StatusCompleted, f.experiment(t).Status)
}

func TestRunExperiment_Preconditions(t *testing.T) {
	tests := []struct {
		name       string
		opts       []fixtureOption
		mutate     func(t *testing.T, f *fixture)
		id         string
		wantErr    error
		wantStatus model.ExperimentStatus
	}{
		{
			name:    "experiment not found",
			id:      "missing",
			wantErr: ErrExperimentNotFound,
		},
		{
			name: "user not found",
			mutate: func(t *testing.T, f *fixture) {
				require.NoError(t, f.store.SoftDelete(context.Background(), store.Users, "user-1"))
			},
			wantErr:    ErrUserNotFound,
			wantStatus: model.StatusInitialized,
		},
		{
			name:       "no provider key",
			opts:       []fixtureOption{withUserKey("")},
			wantErr:    ErrProviderKeyMissing,
			wantStatus: model.StatusInitialized,
		},
		{
			name:       "sample not labeled",
			opts:       []fixtureOption{withSampleStatus(model.LabelingOngoing)},
			wantErr:    ErrSampleIncomplete,
			wantStatus: model.StatusInitialized,
		},
		{
			name:       "prompt is not a classifier",
			opts:       []fixtureOption{withPromptCategory(model.PromptRewrite)},
			wantErr:    ErrPromptMismatch,
			wantStatus: model.StatusInitialized,
		},
		{
			name: "label template missing",
			mutate: func(t *testing.T, f *fixture) {
				require.NoError(t, f.store.SoftDelete(context.Background(), store.LabelTemplates, testTemplate))
			},
			wantErr:    ErrLabelTemplateMissing,
			wantStatus: model.StatusInitialized,
		},
		{
			name: "label template invalid",
			mutate: func(t *testing.T, f *fixture) {
				require.NoError(t, f.store.PutLabelTemplate(context.Background(), &model.LabelTemplate{ID: testTemplate}))
			},
			wantErr:    ErrLabelTemplateInvalid,
			wantStatus: model.StatusError,
		},
		{
			name: "per-label field type unknown",
			mutate: func(t *testing.T, f *fixture) {
				tmpl := testLabelTemplate()
				tmpl.PerLabelFields = []model.PerLabelField{{Name: "reason", Type: "text"}}
				require.NoError(t, f.store.PutLabelTemplate(context.Background(), tmpl))
			},
			wantErr:    ErrLabelTemplateInvalid,
			wantStatus: model.StatusError,
		},
		{
			name: "experiment invalid",
			mutate: func(t *testing.T, f *fixture) {
				f.exp.RunsPerUnit = 0
				require.NoError(t, f.store.PutExperiment(context.Background(), f.exp))
			},
			wantErr:    ErrExperimentInvalid,
			wantStatus: model.StatusError,
		},
		{
			name: "unit missing",
			mutate: func(t *testing.T, f *fixture) {
				require.NoError(t, f.store.SoftDelete(context.Background(), store.ClusterUnits, "u2"))
			},
			wantErr:    ErrUnitsMissing,
			wantStatus: model.StatusError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.opts...)
			if tt.mutate != nil {
				tt.mutate(t, f)
			}
			id := tt.id
			if id == "" {
				id = testExperiment
			}

			p := &llm.FuncProvider{Fn: echoTruth}
			_, err := newTestEngine(f.store, p, nil).RunExperiment(context.Background(), id, RunOptions{})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, 0, p.CallCount())

			if tt.wantStatus != "" {
				exp := f.experiment(t)
				assert.Equal(t, tt.wantStatus, exp.Status)
				if tt.wantStatus == model.StatusError {
					assert.NotEmpty(t, exp.ErrorMessage)
				}
			}
		})
	}
}

func TestRunExperiment_DefaultKeyFallback(t *testing.T) {
	f := newFixture(t, withUserKey(""))
	var keys []string
	p := &llm.FuncProvider{Fn: echoTruth}
	eng := New(f.store, func(apiKey string) (llm.Provider, error) {
		keys = append(keys, apiKey)
		return p, nil
	}, Config{DefaultAPIKey: "fallback-key", Retry: fastRetry}, nil)

	_, err := eng.RunExperiment(context.Background(), testExperiment, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"fallback-key"}, keys)
}

func TestReport(t *testing.T) {
	f := newFixture(t)
	eng := newTestEngine(f.store, &llm.FuncProvider{Fn: echoTruth}, nil)
	ctx := context.Background()

	_, err := eng.RunExperiment(ctx, testExperiment, RunOptions{})
	require.NoError(t, err)

	r, err := eng.Report(ctx, testExperiment, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Threshold)
	assert.Equal(t, 4, r.SampleSize)
	require.Len(t, r.Labels, 2)
	assert.Equal(t, "frustration", r.Labels[0].Label)
	assert.Equal(t, 1.0, r.Labels[0].Accuracy)
	assert.Equal(t, 2, r.Labels[0].ConfusionMatrix.TP)
	assert.Equal(t, 2, r.Labels[0].ConfusionMatrix.TN)
	require.NotNil(t, r.Cost)

	r, err = eng.Report(ctx, testExperiment, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Threshold)
	assert.Equal(t, 2, f.experiment(t).ThresholdRunsTrue, "report must not change the experiment")

	_, err = eng.Report(ctx, testExperiment, 4)
	assert.ErrorIs(t, err, ErrExperimentInvalid)

	_, err = eng.Report(ctx, "missing", 0)
	assert.ErrorIs(t, err, ErrExperimentNotFound)
}
