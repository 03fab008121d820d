package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateServer(cfg, ve)
	validateLLM(cfg, ve)
	validateCapabilities(cfg, ve)
	validateClassifier(cfg, ve)
	validateDelivery(cfg, ve)
	validateDelegation(cfg, ve)
	validateBus(cfg, ve)
	validateWorkflow(cfg, ve)
	validateOutbound(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}
	if cfg.Tracer.SampleRatio < 0 || cfg.Tracer.SampleRatio > 1 {
		ve.Add("tracer.sample_ratio must be within [0, 1]")
	}
}

func validateServer(cfg *Config, ve *ValidationError) {
	if cfg.Server.Addr != "" {
		if _, _, err := net.SplitHostPort(cfg.Server.Addr); err != nil {
			ve.Add("server.addr %q: %v", cfg.Server.Addr, err)
		}
	}
	if cfg.Server.RateLimit < 0 {
		ve.Add("server.rate_limit must be >= 0")
	}
	if cfg.Server.RateLimit > 0 && cfg.Server.RateBurst <= 0 {
		ve.Add("server.rate_burst must be > 0 when rate_limit is set")
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		ve.Add("server.max_body_bytes must be > 0")
	}
}

func validateLLM(cfg *Config, ve *ValidationError) {
	switch cfg.LLM.Provider {
	case "openai":
		if cfg.LLM.BaseURL == "" {
			ve.Add("llm.base_url is required for provider openai")
		}
		if cfg.LLM.Model == "" {
			ve.Add("llm.model is required for provider openai")
		}
	case "scripted":
	default:
		ve.Add("llm.provider %q must be openai or scripted", cfg.LLM.Provider)
	}
	if cfg.LLM.Timeout <= 0 {
		ve.Add("llm.timeout must be > 0")
	}
	validateBreaker("llm.breaker", cfg.LLM.Breaker, ve)
}

func validateBreaker(prefix string, b BreakerConfig, ve *ValidationError) {
	if !b.Enabled {
		return
	}
	if b.MaxFailures == 0 {
		ve.Add("%s.max_failures must be > 0", prefix)
	}
	if b.Timeout <= 0 {
		ve.Add("%s.timeout must be > 0", prefix)
	}
}

func validateCapabilities(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, g := range cfg.Capabilities.Groups {
		if g.Name == "" {
			ve.Add("capabilities.groups[%d].name is required", i)
			continue
		}
		if seen[g.Name] {
			ve.Add("capabilities.groups[%d]: duplicate group %q", i, g.Name)
		}
		seen[g.Name] = true
		switch g.CostTier {
		case "free", "low", "high":
		default:
			ve.Add("capabilities.groups[%d] (%s): cost_tier %q must be free, low or high", i, g.Name, g.CostTier)
		}
		if g.RateLimit < 0 {
			ve.Add("capabilities.groups[%d] (%s): rate_limit must be >= 0", i, g.Name)
		}
	}
	validateBreaker("capabilities.breaker", cfg.Capabilities.Breaker, ve)
}

func validateClassifier(cfg *Config, ve *ValidationError) {
	if cfg.Classifier.DirectMaxWords < 0 {
		ve.Add("classifier.direct_max_words must be >= 0")
	}
	switch cfg.Classifier.Tokenizer {
	case "", "heuristic", "tiktoken":
	default:
		ve.Add("classifier.tokenizer %q must be heuristic or tiktoken", cfg.Classifier.Tokenizer)
	}
	if cfg.Orchestrator.MaxToolIterations <= 0 {
		ve.Add("orchestrator.max_tool_iterations must be > 0")
	}
}

func validateDelivery(cfg *Config, ve *ValidationError) {
	d := cfg.Delivery
	switch d.Dedup.Backend {
	case "memory":
		if d.Dedup.Capacity <= 0 {
			ve.Add("delivery.dedup.capacity must be > 0")
		}
	case "redis":
		if d.Dedup.RedisURL == "" {
			ve.Add("delivery.dedup.redis_url is required for backend redis")
		}
	default:
		ve.Add("delivery.dedup.backend %q must be memory or redis", d.Dedup.Backend)
	}
	if d.Dedup.Window <= 0 {
		ve.Add("delivery.dedup.window must be > 0")
	}
	if d.DefaultMaxUnit < minUnit {
		ve.Add("delivery.default_max_unit must be >= %d", minUnit)
	}
	for ch, n := range d.ChannelMaxUnits {
		if n < minUnit {
			ve.Add("delivery.channel_max_units[%s] must be >= %d", ch, minUnit)
		}
	}
	if d.FirstChunkAttempts <= 0 {
		ve.Add("delivery.first_chunk_attempts must be > 0")
	}
	if d.Retry.MaxRetries < 0 {
		ve.Add("delivery.retry.max_retries must be >= 0")
	}
	if d.Retry.InitialBackoff <= 0 {
		ve.Add("delivery.retry.initial_backoff must be > 0")
	}
}

// minUnit leaves room for the "[i/n] " chunk marker plus some text.
const minUnit = 32

func validateDelegation(cfg *Config, ve *ValidationError) {
	d := cfg.Delegation
	if d.MaxParallel <= 0 {
		ve.Add("delegation.max_parallel must be > 0")
	}
	if d.MaxLive <= 0 {
		ve.Add("delegation.max_live must be > 0")
	}
	seen := make(map[string]bool)
	for i, p := range d.Profiles {
		if p.Name == "" {
			ve.Add("delegation.profiles[%d].name is required", i)
			continue
		}
		if strings.ContainsAny(p.Name, "/@ ") {
			ve.Add("delegation.profiles[%d].name %q must not contain '/', '@' or spaces", i, p.Name)
		}
		if seen[p.Name] {
			ve.Add("delegation.profiles[%d]: duplicate profile %q", i, p.Name)
		}
		seen[p.Name] = true
	}
}

func validateBus(cfg *Config, ve *ValidationError) {
	if cfg.Bus.AskTimeout <= 0 {
		ve.Add("bus.ask_timeout must be > 0")
	}
	if cfg.Bus.MaxDepth <= 0 {
		ve.Add("bus.max_depth must be > 0")
	}
	if cfg.Bus.LogSize <= 0 {
		ve.Add("bus.log_size must be > 0")
	}
}

func validateWorkflow(cfg *Config, ve *ValidationError) {
	w := cfg.Workflow
	switch w.Store {
	case "sqlite", "file":
		if w.Path == "" {
			ve.Add("workflow.path is required")
		}
	case "memory":
	default:
		ve.Add("workflow.store %q must be sqlite, file or memory", w.Store)
	}
	if w.SweepSchedule == "" {
		ve.Add("workflow.sweep_schedule is required")
	} else if d, err := time.ParseDuration(w.SweepSchedule); err == nil && d <= 0 {
		ve.Add("workflow.sweep_schedule duration must be > 0")
	}
	if w.RetryInterval <= 0 {
		ve.Add("workflow.retry_interval must be > 0")
	}
	if w.MaxConsecutiveFailures <= 0 {
		ve.Add("workflow.max_consecutive_failures must be > 0")
	}
	if w.TouchLease <= 0 {
		ve.Add("workflow.touch_lease must be > 0")
	}
	if len(w.Tiers) == 0 {
		ve.Add("workflow.tiers must not be empty")
	}
	for name, tc := range w.Tiers {
		if tc.Cadence <= 0 {
			ve.Add("workflow.tiers[%s].cadence must be > 0", name)
		}
		if tc.MaxTouches <= 0 {
			ve.Add("workflow.tiers[%s].max_touches must be > 0", name)
		}
	}
	if _, ok := w.Tiers[w.DefaultTier]; !ok {
		ve.Add("workflow.default_tier %q is not in workflow.tiers", w.DefaultTier)
	}
}

func validateOutbound(cfg *Config, ve *ValidationError) {
	check := func(field, sender string) {
		switch sender {
		case "log":
		case "webhook":
			if cfg.Outbound.WebhookURL == "" {
				ve.Add("%s: outbound.webhook_url is required for the webhook sender", field)
			}
		case "slack":
			if cfg.Outbound.SlackToken == "" {
				ve.Add("%s: outbound.slack_token is required for the slack sender", field)
			}
		default:
			ve.Add("%s: unknown sender %q (want log, webhook or slack)", field, sender)
		}
	}
	check("outbound.default", cfg.Outbound.Default)
	for ch, s := range cfg.Outbound.Routes {
		check("outbound.routes["+ch+"]", s)
	}
}
