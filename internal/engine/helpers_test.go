package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/abhisek/threadlab/internal/llm"
	"github.com/abhisek/threadlab/internal/model"
	"github.com/abhisek/threadlab/internal/store"
)

const (
	testExperiment = "exp-1"
	testTemplate   = "tmpl-1"
	testModel      = "openai/gpt-4o-mini"
)

var fastRetry = llm.RetryConfig{
	MaxAttempts: 3,
	InitialWait: time.Millisecond,
	MaxWait:     2 * time.Millisecond,
	Multiplier:  2,
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testLabelTemplate() *model.LabelTemplate {
	return &model.LabelTemplate{
		ID: testTemplate,
		Labels: []model.LabelDefinition{
			{Name: "frustration", Type: model.LabelBool},
			{Name: "topic", Type: model.LabelCategory, PossibleValues: []any{"bug", "feature", "other"}},
		},
	}
}

// fixture is a fully seeded experiment whose units are named u1..uN. The
// prompt renders the unit text, which is the unit id, as the user message.
type fixture struct {
	store *store.Store
	exp   *model.Experiment
	units []*model.ClusterUnit
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	units    int
	runs     int
	truth    func(i int) bool
	userKey  string
	sample   model.LabeledStatus
	category model.PromptCategory
}

func withUnits(n int) fixtureOption      { return func(c *fixtureConfig) { c.units = n } }
func withRuns(n int) fixtureOption       { return func(c *fixtureConfig) { c.runs = n } }
func withUserKey(k string) fixtureOption { return func(c *fixtureConfig) { c.userKey = k } }
func withSampleStatus(s model.LabeledStatus) fixtureOption {
	return func(c *fixtureConfig) { c.sample = s }
}
func withPromptCategory(pc model.PromptCategory) fixtureOption {
	return func(c *fixtureConfig) { c.category = pc }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	cfg := fixtureConfig{
		units:    4,
		runs:     3,
		truth:    func(i int) bool { return i%2 == 0 },
		userKey:  "user-key",
		sample:   model.LabelingCompleted,
		category: model.PromptClassify,
	}
	for _, o := range opts {
		o(&cfg)
	}

	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.PutUser(ctx, &model.User{ID: "user-1", OpenRouterAPIKey: cfg.userKey}))
	require.NoError(t, s.PutLabelTemplate(ctx, testLabelTemplate()))
	require.NoError(t, s.PutPrompt(ctx, &model.Prompt{
		ID:           "prompt-1",
		SystemPrompt: "You label Reddit messages.",
		Prompt:       "{{final_reddit_message}}",
		Category:     cfg.category,
	}))

	units := make([]*model.ClusterUnit, cfg.units)
	ids := make([]string, cfg.units)
	for i := range units {
		id := fmt.Sprintf("u%d", i+1)
		topic := "feature"
		if cfg.truth(i) {
			topic = "bug"
		}
		units[i] = &model.ClusterUnit{
			ID:   id,
			Text: id,
			Type: model.UnitComment,
			GroundTruth: map[string]map[string]any{
				testTemplate: {"frustration": cfg.truth(i), "topic": topic},
			},
		}
		ids[i] = id
		require.NoError(t, s.PutUnit(ctx, units[i]))
	}

	require.NoError(t, s.PutSample(ctx, &model.Sample{
		ID:                   "sample-1",
		SampleClusterUnitIDs: ids,
		SampleSize:           len(ids),
		LabelTemplateIDs:     []string{testTemplate},
		LabeledStatus:        cfg.sample,
	}))

	exp := &model.Experiment{
		ID:                testExperiment,
		UserID:            "user-1",
		PromptID:          "prompt-1",
		SampleID:          "sample-1",
		LabelTemplateID:   testTemplate,
		ModelID:           testModel,
		RunsPerUnit:       cfg.runs,
		ThresholdRunsTrue: (cfg.runs + 1) / 2,
		ModelPricing:      model.ModelPricing{Prompt: 1e-6, Completion: 2e-6},
	}
	require.NoError(t, s.PutExperiment(ctx, exp))

	return &fixture{store: s, exp: exp, units: units}
}

func (f *fixture) experiment(t *testing.T) *model.Experiment {
	t.Helper()
	exp, err := f.store.LoadExperiment(context.Background(), testExperiment)
	require.NoError(t, err)
	return exp
}

func (f *fixture) unit(t *testing.T, id string) *model.ClusterUnit {
	t.Helper()
	units, err := f.store.LoadUnits(context.Background(), []string{id})
	require.NoError(t, err)
	return units[0]
}

// labelsJSON is a well-formed response body.
func labelsJSON(frustrated bool, topic string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"labels":{"frustration":{"value":%t},"topic":{"value":%q}}}`, frustrated, topic))
}

func usage() llm.Usage {
	return llm.Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120}
}

// echoTruth answers every unit with its own ground truth: frustrated for
// even-indexed units (u1, u3, ...) under the default fixture.
func echoTruth(_ context.Context, req llm.Request) (*llm.Response, error) {
	frustrated := unitIndex(req)%2 == 0
	topic := "feature"
	if frustrated {
		topic = "bug"
	}
	return &llm.Response{Content: labelsJSON(frustrated, topic), Usage: usage(), StopReason: llm.StopEnd}, nil
}

// unitID returns the unit id a request was rendered for. Test units carry
// their id as text, and every test prompt ends with the message.
func unitID(req llm.Request) string {
	fields := strings.Fields(req.Messages[0].Content)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

func unitIndex(req llm.Request) int {
	var n int
	fmt.Sscanf(unitID(req), "u%d", &n)
	return n - 1
}

// perUnitCounter counts calls per unit id.
type perUnitCounter struct {
	mu sync.Mutex
	n  map[string]int
}

func (c *perUnitCounter) next(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == nil {
		c.n = map[string]int{}
	}
	c.n[id]++
	return c.n[id]
}

func (c *perUnitCounter) get(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[id]
}

// newTestEngine builds an Engine whose factory always returns p and
// records the API keys it was asked for.
func newTestEngine(s Store, p llm.Provider, keys *[]string) *Engine {
	return New(s, func(apiKey string) (llm.Provider, error) {
		if keys != nil {
			*keys = append(*keys, apiKey)
		}
		return p, nil
	}, Config{MaxConcurrent: 8, Retry: fastRetry}, nil)
}
