package store

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/abhisek/threadlab/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPragmasApplied(t *testing.T) {
	s := openTestStore(t)
	db := s.DB()

	tests := []struct {
		pragma string
		want   string
	}{
		// WAL mode falls back to "memory" for in-memory databases,
		// so we skip journal_mode here.
		{"foreign_keys", "1"},
		{"synchronous", "1"}, // NORMAL = 1
	}

	for _, tt := range tests {
		var got string
		err := db.QueryRow("PRAGMA " + tt.pragma).Scan(&got)
		if err != nil {
			t.Errorf("PRAGMA %s: %v", tt.pragma, err)
			continue
		}
		if got != tt.want {
			t.Errorf("PRAGMA %s = %q, want %q", tt.pragma, got, tt.want)
		}
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	if err := s.migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestPutAndLoadExperiment(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	exp := &model.Experiment{ID: "exp-1", UserID: "u", ModelID: "openai/gpt-4o-mini", RunsPerUnit: 3}
	if err := s.PutExperiment(ctx, exp); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.LoadExperiment(ctx, "exp-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Status != model.StatusInitialized {
		t.Errorf("status = %q, want initialized", got.Status)
	}
	if got.RunsPerUnit != 3 || got.ModelID != "openai/gpt-4o-mini" {
		t.Errorf("unexpected experiment %+v", got)
	}
}

func TestLoadMissing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.LoadPrompt(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSoftDeleteHidesDocument(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.PutPrompt(ctx, &model.Prompt{ID: "p1", Category: model.PromptClassify}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.SoftDelete(ctx, Prompts, "p1"); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if _, err := s.LoadPrompt(ctx, "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted prompt still visible: %v", err)
	}
	if err := s.SoftDelete(ctx, Prompts, "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete should report not found, got %v", err)
	}

	// Upserting a deleted document revives it.
	if err := s.PutPrompt(ctx, &model.Prompt{ID: "p1", Category: model.PromptClassify}); err != nil {
		t.Fatalf("re-put: %v", err)
	}
	if _, err := s.LoadPrompt(ctx, "p1"); err != nil {
		t.Fatalf("revived prompt: %v", err)
	}
}

func TestUpdatedAtAdvancesOnMutation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	if err := s.PutExperiment(ctx, &model.Experiment{ID: "e", ModelID: "m", RunsPerUnit: 1}); err != nil {
		t.Fatalf("put: %v", err)
	}

	clock = clock.Add(time.Hour)
	if err := s.UpdateExperimentStatus(ctx, "e", model.StatusOngoing, ""); err != nil {
		t.Fatalf("update status: %v", err)
	}

	var created, updated string
	if err := s.DB().QueryRow(`SELECT created_at, updated_at FROM experiments WHERE id = 'e'`).Scan(&created, &updated); err != nil {
		t.Fatalf("query: %v", err)
	}
	if created != "2026-03-01T10:00:00Z" || updated != "2026-03-01T11:00:00Z" {
		t.Errorf("created_at=%s updated_at=%s", created, updated)
	}

	got, err := s.LoadExperiment(ctx, "e")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Status != model.StatusOngoing || !got.UpdatedAt.Equal(clock) {
		t.Errorf("status=%s updated_at=%s", got.Status, got.UpdatedAt)
	}
}

func TestUpdateExperimentStatus_ErrorMessage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.PutExperiment(ctx, &model.Experiment{ID: "e", ModelID: "m", RunsPerUnit: 1}); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := s.UpdateExperimentStatus(ctx, "e", model.StatusError, "units_missing"); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := s.LoadExperiment(ctx, "e")
	if got.Status != model.StatusError || got.ErrorMessage != "units_missing" {
		t.Fatalf("status=%s message=%q", got.Status, got.ErrorMessage)
	}

	if err := s.UpdateExperimentStatus(ctx, "e", model.StatusCompleted, "ignored"); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = s.LoadExperiment(ctx, "e")
	if got.Status != model.StatusCompleted || got.ErrorMessage != "" {
		t.Fatalf("status=%s message=%q", got.Status, got.ErrorMessage)
	}

	if err := s.UpdateExperimentStatus(ctx, "missing", model.StatusOngoing, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func putUnits(t *testing.T, s *Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := s.PutUnit(context.Background(), &model.ClusterUnit{ID: id, Text: "text " + id, Type: model.UnitPost}); err != nil {
			t.Fatalf("put unit %s: %v", id, err)
		}
	}
}

func TestLoadUnits_OrderAndStrictness(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	putUnits(t, s, "a", "b", "c")

	units, err := s.LoadUnits(ctx, []string{"c", "a", "b"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var got []string
	for _, u := range units {
		got = append(got, u.ID)
	}
	if !reflect.DeepEqual(got, []string{"c", "a", "b"}) {
		t.Fatalf("order = %v", got)
	}

	if err := s.SoftDelete(ctx, ClusterUnits, "b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err = s.LoadUnits(ctx, []string{"a", "b", "zzz"})
	var missing *MissingError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingError, got %v", err)
	}
	if !reflect.DeepEqual(missing.IDs, []string{"b", "zzz"}) {
		t.Fatalf("missing = %v", missing.IDs)
	}
	if !errors.Is(err, ErrNotFound) {
		t.Fatal("MissingError should match ErrNotFound")
	}
}

func testBundle(expID string, values ...bool) model.PredictedBundle {
	b := model.PredictedBundle{ExperimentID: expID}
	for _, v := range values {
		usage := model.TokenUsage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120}
		attempts := []model.TokenUsageAttempt{{AttemptNumber: 1, TokensUsed: usage, Success: true}}
		b.PredictedCategories = append(b.PredictedCategories, model.PredictionCategoryTokens{
			LabelsPrediction: map[string]model.LabelPrediction{
				"frustration": {Value: v, Fields: map[string]any{"reason": "r"}},
			},
			TokensUsed:             usage,
			AllAttempts:            attempts,
			TotalTokensAllAttempts: model.SumAttempts(attempts),
		})
	}
	return b
}

func TestWritePredictedBundles(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	putUnits(t, s, "a", "b")

	bundles := map[string]model.PredictedBundle{
		"a": testBundle("exp-1", true, true, false),
		"b": testBundle("exp-1", false, false, false),
	}
	if err := s.WritePredictedBundles(ctx, "exp-1", bundles); err != nil {
		t.Fatalf("write: %v", err)
	}
	// A second experiment writes beside the first.
	if err := s.WritePredictedBundles(ctx, "exp-2", map[string]model.PredictedBundle{"a": testBundle("exp-2", true)}); err != nil {
		t.Fatalf("write exp-2: %v", err)
	}

	units, err := s.LoadUnits(ctx, []string{"a", "b"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	a := units[0]
	b1, ok := a.Bundle("exp-1")
	if !ok || len(b1.PredictedCategories) != 3 {
		t.Fatalf("exp-1 bundle on a = %+v", b1)
	}
	if v := b1.PredictedCategories[2].LabelsPrediction["frustration"].Value; v != false {
		t.Fatalf("third run value = %v", v)
	}
	if r := b1.PredictedCategories[0].LabelsPrediction["frustration"].Fields["reason"]; r != "r" {
		t.Fatalf("per-label field lost: %v", r)
	}
	if _, ok := a.Bundle("exp-2"); !ok {
		t.Fatal("exp-2 bundle missing on a")
	}
	if _, ok := units[1].Bundle("exp-2"); ok {
		t.Fatal("unexpected exp-2 bundle on b")
	}
}

func TestWritePredictedBundles_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	putUnits(t, s, "a")

	bundles := map[string]model.PredictedBundle{"a": testBundle("exp-1", true)}
	docOf := func() string {
		var doc string
		if err := s.DB().QueryRow(`SELECT json_extract(doc, '$.predicted_category') FROM cluster_units WHERE id = 'a'`).Scan(&doc); err != nil {
			t.Fatalf("query: %v", err)
		}
		return doc
	}

	if err := s.WritePredictedBundles(ctx, "exp-1", bundles); err != nil {
		t.Fatalf("write: %v", err)
	}
	first := docOf()
	if err := s.WritePredictedBundles(ctx, "exp-1", bundles); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if second := docOf(); second != first {
		t.Fatalf("bundle changed on rewrite:\n%s\n%s", first, second)
	}
}

func TestWritePredictedBundles_NullPredictedCategory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	putUnits(t, s, "a")
	if _, err := s.DB().Exec(`UPDATE cluster_units SET doc = json_set(doc, '$.predicted_category', json('null')) WHERE id = 'a'`); err != nil {
		t.Fatalf("null out: %v", err)
	}

	if err := s.WritePredictedBundles(ctx, "exp-1", map[string]model.PredictedBundle{"a": testBundle("exp-1", true)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	units, err := s.LoadUnits(ctx, []string{"a"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := units[0].Bundle("exp-1"); !ok {
		t.Fatal("bundle not written over null predicted_category")
	}
}

func TestWritePredictedBundles_MissingUnitRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	putUnits(t, s, "a")

	err := s.WritePredictedBundles(ctx, "exp-1", map[string]model.PredictedBundle{
		"a":    testBundle("exp-1", true),
		"gone": testBundle("exp-1", true),
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	units, _ := s.LoadUnits(ctx, []string{"a"})
	if _, ok := units[0].Bundle("exp-1"); ok {
		t.Fatal("write should have rolled back")
	}
}

func TestWriteAggregate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.PutExperiment(ctx, &model.Experiment{ID: "e", ModelID: "m", RunsPerUnit: 3}); err != nil {
		t.Fatalf("put: %v", err)
	}

	result := map[string]model.PredictionResult{
		"frustration": {
			PrevalenceDistribution: map[string]int{"2": 1, "0": 1},
			IndividualPredictionTruthLabelList: []model.TruthPair{
				{RunsPredictedTrue: 2, GroundTruth: true},
				{RunsPredictedTrue: 0, GroundTruth: false},
			},
			SumGroundTruth: 1,
		},
	}
	stats := &model.ExperimentTokenStatistics{
		TotalSuccessfulPredictions: 6,
		TotalTokensUsed:            model.TokenUsage{PromptTokens: 600, CompletionTokens: 120, TotalTokens: 720},
	}
	cost := &model.ExperimentCost{PromptSpend: 0.1, CompletionSpend: 0.2, Total: 0.3}

	if err := s.WriteAggregate(ctx, "e", result, stats, cost); err != nil {
		t.Fatalf("write aggregate: %v", err)
	}
	got, err := s.LoadExperiment(ctx, "e")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(got.AggregateResult["frustration"].PrevalenceDistribution, map[string]int{"2": 1, "0": 1}) {
		t.Errorf("distribution = %v", got.AggregateResult["frustration"].PrevalenceDistribution)
	}
	if got.TokenStatistics == nil || got.TokenStatistics.TotalTokensUsed.TotalTokens != 720 {
		t.Errorf("token statistics = %+v", got.TokenStatistics)
	}
	if got.ExperimentCost == nil || got.ExperimentCost.Total != 0.3 {
		t.Errorf("cost = %+v", got.ExperimentCost)
	}
}

func TestAttemptLedger(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	reasoning := 8

	records := []AttemptRecord{
		{ExperimentID: "e", UnitID: "u1", RunIndex: 0, TokenUsageAttempt: model.TokenUsageAttempt{
			AttemptNumber: 1, Success: false, ErrorMessage: "invalid JSON",
			TokensUsed: model.TokenUsage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
		}},
		{ExperimentID: "e", UnitID: "u1", RunIndex: 0, TokenUsageAttempt: model.TokenUsageAttempt{
			AttemptNumber: 2, Success: true,
			TokensUsed: model.TokenUsage{PromptTokens: 100, CompletionTokens: 30, TotalTokens: 130, ReasoningTokens: &reasoning},
		}},
		{ExperimentID: "other", UnitID: "u1", RunIndex: 0, TokenUsageAttempt: model.TokenUsageAttempt{AttemptNumber: 1, Success: true}},
	}
	if err := s.AppendAttempts(ctx, records); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := s.ExperimentAttempts(ctx, "e")
	if err != nil {
		t.Fatalf("attempts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(got))
	}
	if got[0].Success || !strings.Contains(got[0].ErrorMessage, "invalid") || got[0].TokensUsed.ReasoningTokens != nil {
		t.Errorf("first attempt = %+v", got[0])
	}
	if !got[1].Success || got[1].TokensUsed.Reasoning() != 8 || got[1].AttemptNumber != 2 {
		t.Errorf("second attempt = %+v", got[1])
	}

	flat := Attempts(got)
	if total := model.SumAttempts(flat); total.TotalTokens != 250 {
		t.Errorf("ledger total = %d, want 250", total.TotalTokens)
	}
}

func TestImport(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seed, err := DecodeSeed(strings.NewReader(`{
		"users": [{"id": "user-1", "openrouter_api_key": "sk-or-1"}],
		"label_templates": [{"id": "lt-1", "labels": [{"name": "frustration", "type": "bool"}]}],
		"prompts": [{"id": "p-1", "system_prompt": "s", "prompt": "{{final_reddit_message}}", "category": "classify"}],
		"cluster_units": [{"id": "cu-1", "text": "hello", "type": "post", "thread_path_text": null}],
		"samples": [{"id": "s-1", "sample_cluster_unit_ids": ["cu-1"], "labeled_status": "completed"}],
		"experiments": [{"id": "e-1", "user_id": "user-1", "prompt_id": "p-1", "sample_id": "s-1",
			"label_template_id": "lt-1", "model_id": "openai/gpt-4o-mini", "runs_per_unit": 1}]
	}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if seed.Count() != 6 {
		t.Fatalf("count = %d", seed.Count())
	}
	if err := s.Import(ctx, seed); err != nil {
		t.Fatalf("import: %v", err)
	}

	smp, err := s.LoadSample(ctx, "s-1")
	if err != nil || smp.SampleSize != 1 {
		t.Fatalf("sample = %+v, err = %v", smp, err)
	}
	tmpl, err := s.LoadLabelTemplate(ctx, "lt-1")
	if err != nil || len(tmpl.Labels[0].PossibleValues) != 2 {
		t.Fatalf("template = %+v, err = %v", tmpl, err)
	}
	units, err := s.LoadUnits(ctx, []string{"cu-1"})
	if err != nil || units[0].PredictedCategory == nil {
		t.Fatalf("unit = %+v, err = %v", units, err)
	}
}

func TestImport_RejectsInvalidTemplate(t *testing.T) {
	s := openTestStore(t)
	seed := &Seed{
		Users:          []*model.User{{ID: "u"}},
		LabelTemplates: []*model.LabelTemplate{{ID: "bad", Labels: []model.LabelDefinition{{Name: "x", Type: model.LabelCategory, PossibleValues: []any{"only"}}}}},
	}
	if err := s.Import(context.Background(), seed); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := s.LoadUser(context.Background(), "u"); !errors.Is(err, ErrNotFound) {
		t.Fatal("nothing should be written when validation fails")
	}
}

func TestWritePredictedBundles_RejectsQuoteInExperimentID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	putUnits(t, s, "a")

	err := s.WritePredictedBundles(ctx, `exp"1`, map[string]model.PredictedBundle{"a": testBundle(`exp"1`, true)})
	if err == nil {
		t.Fatal("expected an error for an id containing a quote")
	}
	units, _ := s.LoadUnits(ctx, []string{"a"})
	if len(units[0].PredictedCategory) != 0 {
		t.Fatalf("unit should be untouched, got %v", units[0].PredictedCategory)
	}
}
