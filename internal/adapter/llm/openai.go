// Package llm implements domain.LanguageModel backends.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"hume-agent/internal/domain"
	"hume-agent/internal/infra/config"
	"hume-agent/internal/infra/tracer"
)

const systemPrompt = "You are the planning and writing core of a sales assistant. " +
	"Always reply with a single JSON document and nothing else."

// OpenAIModel implements domain.LanguageModel for any OpenAI-compatible
// /chat/completions API, using structured outputs when a schema is given.
type OpenAIModel struct {
	model       string
	apiKey      string
	baseURL     string
	maxTokens   int
	temperature float64
	client      *http.Client
	logger      *slog.Logger
}

// NewOpenAIModel creates a model client with a pooled transport.
func NewOpenAIModel(cfg config.LLMConfig, logger *slog.Logger) *OpenAIModel {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIModel{
		model:       cfg.Model,
		apiKey:      cfg.APIKey,
		baseURL:     baseURL,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		client:      NewHTTPClient(cfg.Timeout),
		logger:      logger,
	}
}

// Name implements domain.LanguageModel.
func (m *OpenAIModel) Name() string { return "openai" }

// Complete implements domain.LanguageModel.
func (m *OpenAIModel) Complete(ctx context.Context, prompt string, schema json.RawMessage) (json.RawMessage, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.complete",
		tracer.StringAttr("llm.provider", m.Name()),
		tracer.StringAttr("llm.model", m.model),
		tracer.StringAttr("task.id", domain.TaskIDFrom(ctx)),
	)
	start := time.Now()

	out, usage, err := m.complete(ctx, prompt, schema)
	if err == nil {
		span.SetAttributes(
			tracer.IntAttr("llm.prompt_tokens", usage.PromptTokens),
			tracer.IntAttr("llm.completion_tokens", usage.CompletionTokens),
		)
		m.logger.Debug("llm completion finished",
			"model", m.model, "task_id", domain.TaskIDFrom(ctx),
			"tokens", usage.TotalTokens, "duration", time.Since(start))
	}
	tracer.End(span, err)
	return out, err
}

func (m *OpenAIModel) complete(ctx context.Context, prompt string, schema json.RawMessage) (json.RawMessage, openaiUsage, error) {
	req := openaiRequest{
		Model: m.model,
		Messages: []openaiMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		MaxTokens: m.maxTokens,
	}
	if m.temperature > 0 {
		req.Temperature = &m.temperature
	}
	if len(schema) > 0 {
		req.ResponseFormat = &responseFormat{
			Type:       "json_schema",
			JSONSchema: &jsonSchemaFormat{Name: "response", Schema: schema},
		}
	} else {
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, openaiUsage{}, fmt.Errorf("marshal request: %w", err)
	}
	headers := map[string]string{}
	if m.apiKey != "" {
		headers["Authorization"] = "Bearer " + m.apiKey
	}

	respBody, err := doJSONRequest(ctx, m.client, m.baseURL+"/chat/completions", body, headers)
	if err != nil {
		return nil, openaiUsage{}, err
	}

	var resp openaiResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, openaiUsage{}, fmt.Errorf("unmarshal response: %w: %w", domain.ErrProviderError, err)
	}
	if len(resp.Choices) == 0 {
		return nil, resp.Usage, fmt.Errorf("empty choices: %w", domain.ErrProviderError)
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return nil, resp.Usage, fmt.Errorf("empty completion (finish_reason %q): %w",
			resp.Choices[0].FinishReason, domain.ErrProviderError)
	}
	return json.RawMessage(content), resp.Usage, nil
}

// --- OpenAI API wire types ---

type openaiRequest struct {
	Model          string          `json:"model"`
	Messages       []openaiMessage `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *jsonSchemaFormat `json:"json_schema,omitempty"`
}

type jsonSchemaFormat struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

var _ domain.LanguageModel = (*OpenAIModel)(nil)
