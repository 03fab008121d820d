package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hume-agent/internal/domain"
	"hume-agent/internal/infra/config"
	"hume-agent/internal/infra/logger"
	"hume-agent/internal/usecase/capability"
	"hume-agent/internal/usecase/eventbus"
)

type stubModel struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []string
}

func (m *stubModel) Complete(_ context.Context, prompt string, _ json.RawMessage) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, prompt)
	if m.err != nil {
		return nil, m.err
	}
	return json.RawMessage(m.reply), nil
}

func (m *stubModel) Name() string { return "stub" }

func (m *stubModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

func testRegistry(t *testing.T) *capability.Registry {
	t.Helper()
	reg, err := capability.NewRegistry([]domain.CapabilityGroup{
		{Name: "crm", CostTier: domain.CostLow, Operations: []string{"lookup_account", "log_activity"}, UsagePolicy: "Account records"},
		{Name: "web_research", CostTier: domain.CostHigh, Operations: []string{"search", "fetch"}, UsagePolicy: "Public web"},
		{Name: "documents", CostTier: domain.CostLow, Operations: []string{"read"}, UsagePolicy: "Uploaded files"},
	})
	require.NoError(t, err)
	return reg
}

func newClassifier(t *testing.T, model domain.LanguageModel, opts Options) *Classifier {
	t.Helper()
	cfg := config.Defaults().Classifier
	c, err := New(model, testRegistry(t), cfg, logger.Discard(), opts)
	require.NoError(t, err)
	return c
}

func task(text string) domain.Task {
	return domain.Task{ID: "t-1", OriginChannel: "slack", RawText: text}
}

func TestIsDirect(t *testing.T) {
	c := newClassifier(t, nil, Options{})
	tests := []struct {
		text string
		want bool
	}{
		{"thanks!", true},
		{"Hi there", true},
		{"ok, sounds good", true},
		{"thank you so much", true},
		{"", false},
		{"thanks?", false},
		{"what's up", false},
		{"how are you", false},
		{"summarize the Q3 pipeline for Acme", false},
		{"thanks thanks thanks thanks thanks thanks thanks", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, c.IsDirect(tt.text))
		})
	}
}

func TestIsDirect_ConfiguredPhrase(t *testing.T) {
	cfg := config.Defaults().Classifier
	cfg.DirectPhrases = []string{"Talk soon"}
	c, err := New(nil, testRegistry(t), cfg, logger.Discard(), Options{})
	require.NoError(t, err)
	assert.True(t, c.IsDirect("talk soon."))
}

func TestClassify_DirectSkipsModel(t *testing.T) {
	model := &stubModel{reply: `{"mode":"tool_using","groups":["crm"],"rationale":"x"}`}
	c := newClassifier(t, model, Options{})

	plan := c.Classify(context.Background(), task("thanks!"), nil)
	assert.Equal(t, domain.ModeDirect, plan.Mode)
	assert.Empty(t, plan.SelectedGroups)
	assert.Zero(t, plan.EstimatedContextCost)
	assert.Zero(t, model.calls())
}

func TestClassify_ToolUsingIncludesInternal(t *testing.T) {
	model := &stubModel{reply: "```json\n{\"mode\":\"tool_using\",\"groups\":[\"web_research\",\"crm\"],\"rationale\":\"needs research\"}\n```"}
	c := newClassifier(t, model, Options{})

	plan := c.Classify(context.Background(), task("Compare Acme's pricing with two competitors"), nil)
	assert.Equal(t, domain.ModeToolUsing, plan.Mode)
	assert.Equal(t, []string{"internal", "crm", "web_research"}, plan.SelectedGroups)
	assert.False(t, plan.Fallback)
	assert.Equal(t, 3+2+2, plan.EstimatedCapabilityCount)
	assert.Greater(t, plan.EstimatedContextCost, 0)
	require.NoError(t, plan.Valid())
}

func TestClassify_InternalOnly(t *testing.T) {
	model := &stubModel{reply: `{"mode":"tool_using","groups":["crm","web_research"],"rationale":"status","internal_only":true}`}
	c := newClassifier(t, model, Options{})

	plan := c.Classify(context.Background(), task("Which leads are awaiting a reply right now"), nil)
	assert.Equal(t, []string{domain.InternalGroup}, plan.SelectedGroups)
}

func TestClassify_Fallbacks(t *testing.T) {
	tests := []struct {
		name  string
		model *stubModel
	}{
		{"model error", &stubModel{err: errors.New("connection reset")}},
		{"not json", &stubModel{reply: "I think you should use the crm"}},
		{"schema violation", &stubModel{reply: `{"mode":"tool_using","groups":"crm","rationale":"x"}`}},
		{"unknown mode", &stubModel{reply: `{"mode":"planning","groups":[],"rationale":"x"}`}},
		{"unknown group", &stubModel{reply: `{"mode":"tool_using","groups":["billing"],"rationale":"x"}`}},
		{"extra field", &stubModel{reply: `{"mode":"reasoning","groups":[],"rationale":"x","confidence":0.9}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClassifier(t, tt.model, Options{})
			plan := c.Classify(context.Background(), task("Draft a follow-up for the Acme lead"), nil)
			assert.Equal(t, domain.ModeReasoning, plan.Mode)
			assert.Equal(t, []string{domain.InternalGroup}, plan.SelectedGroups)
			assert.True(t, plan.Fallback)
			assert.True(t, strings.HasPrefix(plan.Rationale, "fallback: "))
		})
	}
}

func TestClassify_NoModelFallsBack(t *testing.T) {
	c := newClassifier(t, nil, Options{})
	plan := c.Classify(context.Background(), task("Research Acme"), nil)
	assert.True(t, plan.Fallback)
}

func TestClassifyWithin_ClampsToBound(t *testing.T) {
	model := &stubModel{reply: `{"mode":"tool_using","groups":["crm","web_research"],"rationale":"x"}`}
	c := newClassifier(t, model, Options{})

	plan := c.ClassifyWithin(context.Background(), task("Look up Acme's account"), nil, []string{"internal", "crm"})
	assert.Equal(t, []string{"internal", "crm"}, plan.SelectedGroups)
	assert.NotContains(t, model.prompts[0], "web_research")
}

func TestClassify_PromptCarriesTruncatedHistory(t *testing.T) {
	model := &stubModel{reply: `{"mode":"reasoning","groups":[],"rationale":"x"}`}
	c := newClassifier(t, model, Options{})
	long := strings.Repeat("a", 500)
	history := []domain.Exchange{
		{Role: domain.RoleUser, Content: "first"},
		{Role: domain.RoleAssistant, Content: long},
	}

	c.Classify(context.Background(), task("Summarize where we are with Acme"), history)
	require.Equal(t, 1, model.calls())
	p := model.prompts[0]
	assert.Contains(t, p, "user: first")
	assert.NotContains(t, p, long)
	assert.Contains(t, p, "- crm [cost=low, operations=2]")
	assert.Contains(t, p, "Summarize where we are with Acme")
}

func TestClassify_CostWeightedByTier(t *testing.T) {
	lowModel := &stubModel{reply: `{"mode":"tool_using","groups":["documents"],"rationale":"x"}`}
	c := newClassifier(t, lowModel, Options{Counter: fixedCounter(10)})
	plan := c.Classify(context.Background(), task("Read the uploaded brief"), nil)
	// internal (free x1) + documents (low x2)
	assert.Equal(t, 10+20, plan.EstimatedContextCost)

	highModel := &stubModel{reply: `{"mode":"tool_using","groups":["web_research"],"rationale":"x"}`}
	c = newClassifier(t, highModel, Options{Counter: fixedCounter(10)})
	plan = c.Classify(context.Background(), task("Search the web for Acme news"), nil)
	assert.Equal(t, 10+40, plan.EstimatedContextCost)
}

type fixedCounter int

func (f fixedCounter) Count(string) int { return int(f) }

func TestClassify_PublishesPlanSelected(t *testing.T) {
	bus := eventbus.New(logger.Discard())
	var mu sync.Mutex
	var got []domain.PlanSelectedPayload
	bus.Subscribe(domain.EventPlanSelected, func(_ context.Context, e domain.Event) {
		var p domain.PlanSelectedPayload
		if json.Unmarshal(e.Payload, &p) == nil {
			mu.Lock()
			got = append(got, p)
			mu.Unlock()
		}
	})
	c := newClassifier(t, nil, Options{Bus: bus})

	c.Classify(context.Background(), task("cheers"), nil)
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "t-1", got[0].TaskID)
	assert.Equal(t, domain.ModeDirect, got[0].Mode)
}

func TestHeuristicCounter(t *testing.T) {
	var h HeuristicCounter
	assert.Equal(t, 0, h.Count("   "))
	assert.Equal(t, 1, h.Count("hi"))
	assert.Equal(t, 4, h.Count("one two three four"))
	assert.Equal(t, 25, h.Count(strings.Repeat("x", 100)))
}
