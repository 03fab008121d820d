package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"hume-agent/internal/domain"
)

// Rule answers prompts containing Match with Response. An empty Match
// matches every prompt.
type Rule struct {
	Match    string
	Response string
	Err      error
	// Once removes the rule after its first use.
	Once bool
}

// ScriptedModel is a deterministic LanguageModel driven by rules, checked in
// order. Prompts no rule matches get the smallest document satisfying the
// schema's required properties.
type ScriptedModel struct {
	mu      sync.Mutex
	rules   []Rule
	prompts []string
}

// NewScriptedModel returns a model with the given rules.
func NewScriptedModel(rules ...Rule) *ScriptedModel {
	return &ScriptedModel{rules: rules}
}

// Name implements domain.LanguageModel.
func (m *ScriptedModel) Name() string { return "scripted" }

// Add appends rules.
func (m *ScriptedModel) Add(rules ...Rule) {
	m.mu.Lock()
	m.rules = append(m.rules, rules...)
	m.mu.Unlock()
}

// Prompts returns every prompt received so far.
func (m *ScriptedModel) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

// Complete implements domain.LanguageModel.
func (m *ScriptedModel) Complete(ctx context.Context, prompt string, schema json.RawMessage) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	for i, r := range m.rules {
		if r.Match != "" && !strings.Contains(prompt, r.Match) {
			continue
		}
		if r.Once {
			m.rules = append(m.rules[:i:i], m.rules[i+1:]...)
		}
		m.mu.Unlock()
		if r.Err != nil {
			return nil, r.Err
		}
		return json.RawMessage(r.Response), nil
	}
	m.mu.Unlock()
	return minimalDocument(schema)
}

type schemaNode struct {
	Type       string                `json:"type"`
	Enum       []json.RawMessage     `json:"enum"`
	Required   []string              `json:"required"`
	Properties map[string]schemaNode `json:"properties"`
}

// minimalDocument builds the smallest value that satisfies the required
// properties of an object schema.
func minimalDocument(schema json.RawMessage) (json.RawMessage, error) {
	if len(schema) == 0 {
		return json.RawMessage(`{}`), nil
	}
	var root schemaNode
	if err := json.Unmarshal(schema, &root); err != nil {
		return nil, fmt.Errorf("scripted: parse schema: %w: %w", domain.ErrProviderError, err)
	}
	return json.Marshal(zeroValue(root))
}

func zeroValue(n schemaNode) any {
	if len(n.Enum) > 0 {
		return n.Enum[0]
	}
	switch n.Type {
	case "object":
		obj := make(map[string]any, len(n.Required))
		for _, name := range n.Required {
			obj[name] = zeroValue(n.Properties[name])
		}
		return obj
	case "array":
		return []any{}
	case "boolean":
		return false
	case "integer", "number":
		return 0
	case "string":
		return "Noted."
	default:
		return nil
	}
}

var _ domain.LanguageModel = (*ScriptedModel)(nil)
