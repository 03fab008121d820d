package llm

import (
	"fmt"
	"log/slog"

	"hume-agent/internal/domain"
	"hume-agent/internal/infra/config"
)

// New builds the configured model, wrapped in a circuit breaker when enabled.
func New(cfg config.LLMConfig, logger *slog.Logger) (domain.LanguageModel, error) {
	var m domain.LanguageModel
	switch cfg.Provider {
	case "openai":
		m = NewOpenAIModel(cfg, logger)
	case "scripted":
		return NewScriptedModel(), nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q: %w", cfg.Provider, domain.ErrInvalidInput)
	}
	if cfg.Breaker.Enabled {
		m = NewCircuitBreakerModel(m, cfg.Breaker, logger)
	}
	return m, nil
}
