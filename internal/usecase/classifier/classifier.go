// Package classifier picks an execution mode and capability groups for a task.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"github.com/kaptinlin/jsonschema"

	"hume-agent/internal/domain"
	"hume-agent/internal/infra/config"
	"hume-agent/internal/infra/metrics"
	"hume-agent/internal/infra/tracer"
	"hume-agent/internal/usecase/capability"
	"hume-agent/internal/usecase/eventbus"
)

// planSchema constrains the model's classification output.
var planSchema = json.RawMessage(`{
  "type": "object",
  "required": ["mode", "groups", "rationale"],
  "properties": {
    "mode": {"type": "string", "enum": ["direct", "reasoning", "tool_using"]},
    "groups": {"type": "array", "items": {"type": "string"}},
    "rationale": {"type": "string"},
    "internal_only": {"type": "boolean"}
  },
  "additionalProperties": false
}`)

var interrogatives = map[string]bool{
	"who": true, "what": true, "when": true, "where": true, "why": true, "how": true,
	"which": true, "whose": true, "whom": true, "can": true, "could": true, "would": true,
	"should": true, "is": true, "are": true, "do": true, "does": true, "did": true,
	"will": true, "shall": true, "may": true,
}

var ackWords = map[string]bool{
	"hi": true, "hello": true, "hey": true, "yo": true, "morning": true, "evening": true,
	"afternoon": true, "good": true, "thanks": true, "thank": true, "you": true, "thx": true,
	"ty": true, "ok": true, "okay": true, "k": true, "great": true, "cool": true, "nice": true,
	"awesome": true, "perfect": true, "got": true, "it": true, "noted": true, "sounds": true,
	"cheers": true, "bye": true, "later": true, "see": true, "ya": true, "much": true,
	"so": true, "appreciate": true, "lol": true, "there": true, "all": true, "right": true,
}

// Options holds optional collaborators.
type Options struct {
	Counter TokenCounter
	Bus     domain.EventBus
	Metrics *metrics.Metrics
}

// Classifier decides how a task is executed. It keeps no state between calls.
type Classifier struct {
	model    domain.LanguageModel
	registry *capability.Registry
	cfg      config.ClassifierConfig
	phrases  map[string]bool
	schema   *jsonschema.Schema
	counter  TokenCounter
	bus      domain.EventBus
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a Classifier over the given registry and model.
func New(model domain.LanguageModel, registry *capability.Registry, cfg config.ClassifierConfig, logger *slog.Logger, opts Options) (*Classifier, error) {
	if registry == nil {
		return nil, fmt.Errorf("classifier: registry is required: %w", domain.ErrInvalidInput)
	}
	schema, err := jsonschema.NewCompiler().Compile(planSchema)
	if err != nil {
		return nil, fmt.Errorf("classifier: compile plan schema: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	counter := opts.Counter
	if counter == nil {
		counter = NewCounter(cfg.Tokenizer, logger)
	}
	phrases := make(map[string]bool, len(cfg.DirectPhrases))
	for _, p := range cfg.DirectPhrases {
		phrases[normalize(p)] = true
	}
	return &Classifier{
		model:    model,
		registry: registry,
		cfg:      cfg,
		phrases:  phrases,
		schema:   schema,
		counter:  counter,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		logger:   logger,
	}, nil
}

// Classify returns the plan for task. It never fails: any problem in the
// model stage yields the reasoning fallback over the internal group.
func (c *Classifier) Classify(ctx context.Context, task domain.Task, history []domain.Exchange) domain.ExecutionPlan {
	return c.ClassifyWithin(ctx, task, history, nil)
}

// ClassifyWithin classifies task with the selectable groups limited to bound.
// A nil bound means the whole registry.
func (c *Classifier) ClassifyWithin(ctx context.Context, task domain.Task, history []domain.Exchange, bound []string) domain.ExecutionPlan {
	ctx, span := tracer.StartSpan(ctx, "classifier.classify", tracer.StringAttr("task.id", task.ID))
	defer span.End()

	var allowed []string
	if bound == nil {
		allowed = c.registry.Names()
	} else {
		allowed = c.registry.Restrict(bound)
	}

	var plan domain.ExecutionPlan
	if c.IsDirect(task.RawText) {
		plan = domain.ExecutionPlan{
			Mode:           domain.ModeDirect,
			SelectedGroups: []string{},
			Rationale:      "short greeting or acknowledgement",
		}
	} else {
		var err error
		plan, err = c.classifyWithModel(ctx, task, history, allowed)
		if err != nil {
			c.logger.Warn("classification fell back to reasoning",
				"task_id", task.ID, "error", err)
			plan = fallbackPlan(err)
		}
	}
	c.estimate(&plan)

	span.SetAttributes(
		tracer.StringAttr("plan.mode", string(plan.Mode)),
		tracer.StringsAttr("plan.groups", plan.SelectedGroups),
		tracer.IntAttr("plan.context_cost", plan.EstimatedContextCost),
	)
	c.metrics.ObservePlan(string(plan.Mode), plan.SelectedGroups, plan.EstimatedContextCost, plan.Fallback)
	eventbus.Emit(ctx, c.bus, c.logger, domain.EventPlanSelected, task.ID, domain.PlanSelectedPayload{
		TaskID:               task.ID,
		Mode:                 plan.Mode,
		Groups:               plan.SelectedGroups,
		EstimatedContextCost: plan.EstimatedContextCost,
		Fallback:             plan.Fallback,
	})
	return plan
}

// IsDirect applies the deterministic stage: a short greeting or
// acknowledgement with no question form.
func (c *Classifier) IsDirect(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || strings.Contains(trimmed, "?") {
		return false
	}
	words := strings.Fields(normalize(trimmed))
	if len(words) == 0 || len(words) > c.cfg.DirectMaxWords {
		return false
	}
	if interrogatives[words[0]] {
		return false
	}
	if c.phrases[strings.Join(words, " ")] {
		return true
	}
	for _, w := range words {
		if !ackWords[w] {
			return false
		}
	}
	return true
}

type modelPlan struct {
	Mode         string   `json:"mode"`
	Groups       []string `json:"groups"`
	Rationale    string   `json:"rationale"`
	InternalOnly bool     `json:"internal_only"`
}

func (c *Classifier) classifyWithModel(ctx context.Context, task domain.Task, history []domain.Exchange, allowed []string) (domain.ExecutionPlan, error) {
	if c.model == nil {
		return domain.ExecutionPlan{}, fmt.Errorf("no language model configured: %w", domain.ErrClassification)
	}
	raw, err := c.model.Complete(ctx, c.prompt(task, history, allowed), planSchema)
	if err != nil {
		return domain.ExecutionPlan{}, fmt.Errorf("model call: %w: %w", domain.ErrClassification, err)
	}

	cleaned := stripCodeFences(string(raw))
	var data any
	if err := json.Unmarshal([]byte(cleaned), &data); err != nil {
		return domain.ExecutionPlan{}, fmt.Errorf("model output is not JSON: %w", domain.ErrClassification)
	}
	if result := c.schema.Validate(data); !result.IsValid() {
		return domain.ExecutionPlan{}, fmt.Errorf("schema violation: %s: %w", result.Error(), domain.ErrClassification)
	}
	var out modelPlan
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return domain.ExecutionPlan{}, fmt.Errorf("decode plan: %w", domain.ErrClassification)
	}
	mode, err := domain.ParseMode(out.Mode)
	if err != nil {
		return domain.ExecutionPlan{}, fmt.Errorf("%w: %w", domain.ErrClassification, err)
	}

	inBound := make(map[string]bool, len(allowed))
	for _, g := range allowed {
		inBound[g] = true
	}
	var groups []string
	for _, g := range out.Groups {
		if !c.registry.Has(g) {
			return domain.ExecutionPlan{}, fmt.Errorf("unknown group %q: %w", g, domain.ErrClassification)
		}
		if !inBound[g] {
			c.logger.Debug("dropping group outside bound", "task_id", task.ID, "group", g)
			continue
		}
		groups = append(groups, g)
	}

	plan := domain.ExecutionPlan{Mode: mode, Rationale: out.Rationale}
	switch {
	case mode == domain.ModeDirect:
		plan.SelectedGroups = []string{}
	case out.InternalOnly:
		plan.SelectedGroups = []string{domain.InternalGroup}
	default:
		plan.SelectedGroups = c.registry.Restrict(groups)
	}
	return plan, nil
}

func (c *Classifier) prompt(task domain.Task, history []domain.Exchange, allowed []string) string {
	var b strings.Builder
	b.WriteString("Classify the request below. Choose a mode:\n")
	b.WriteString("- direct: a greeting or acknowledgement answerable without thought\n")
	b.WriteString("- reasoning: needs one considered answer but no capability calls\n")
	b.WriteString("- tool_using: needs capability calls to answer\n")
	b.WriteString("Select the smallest set of capability groups that is sufficient. ")
	b.WriteString("Set internal_only when only the internal group is needed.\n\n")
	b.WriteString("Capability groups:\n")
	b.WriteString(c.registry.Catalog(allowed...))
	if summary := c.summarize(history); summary != "" {
		b.WriteString("\nRecent conversation:\n")
		b.WriteString(summary)
	}
	b.WriteString("\nRequest:\n")
	b.WriteString(task.RawText)
	b.WriteString("\n\nRespond with JSON matching the provided schema.")
	return b.String()
}

func (c *Classifier) summarize(history []domain.Exchange) string {
	if len(history) == 0 || c.cfg.HistoryTurns <= 0 {
		return ""
	}
	if len(history) > c.cfg.HistoryTurns {
		history = history[len(history)-c.cfg.HistoryTurns:]
	}
	var b strings.Builder
	for _, ex := range history {
		fmt.Fprintf(&b, "%s: %s\n", ex.Role, truncate(ex.Content, c.cfg.HistoryTruncate))
	}
	return b.String()
}

// estimate fills the capability count and weighted context cost.
func (c *Classifier) estimate(plan *domain.ExecutionPlan) {
	plan.EstimatedCapabilityCount = 0
	plan.EstimatedContextCost = 0
	for _, name := range plan.SelectedGroups {
		g, err := c.registry.Get(name)
		if err != nil {
			continue
		}
		plan.EstimatedCapabilityCount += g.OperationCount()
		plan.EstimatedContextCost += c.counter.Count(c.registry.Catalog(name)) * g.CostTier.Weight()
	}
}

func fallbackPlan(cause error) domain.ExecutionPlan {
	return domain.ExecutionPlan{
		Mode:           domain.ModeReasoning,
		SelectedGroups: []string{domain.InternalGroup},
		Rationale:      "fallback: " + cause.Error(),
		Fallback:       true,
	}
}

// normalize lower-cases s and drops punctuation other than apostrophes.
func normalize(s string) string {
	s = strings.ToLower(s)
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || r == '\'' {
			return r
		}
		return ' '
	}, s)
}

// codeFenceRe matches markdown code fences wrapping JSON.
var codeFenceRe = regexp.MustCompile(`(?si)^` + "```" + `(?:json)?\s*(.*?)\s*` + "```" + `$`)

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if m := codeFenceRe.FindStringSubmatch(s); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return s
}

func truncate(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes]) + "..."
}
