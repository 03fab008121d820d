package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"hume-agent/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Server       ServerConfig       `yaml:"server"`
	LLM          LLMConfig          `yaml:"llm"`
	Capabilities CapabilitiesConfig `yaml:"capabilities"`
	Classifier   ClassifierConfig   `yaml:"classifier"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Delivery     DeliveryConfig     `yaml:"delivery"`
	Delegation   DelegationConfig   `yaml:"delegation"`
	Bus          BusConfig          `yaml:"bus"`
	Workflow     WorkflowConfig     `yaml:"workflow"`
	Outbound     OutboundConfig     `yaml:"outbound"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "text" or "json"
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "stdout", "noop"
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ServerConfig holds the HTTP ingress settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	AuthToken    string        `yaml:"auth_token"` // empty disables bearer auth
	RateLimit    float64       `yaml:"rate_limit"` // requests/second per client, 0 disables
	RateBurst    int           `yaml:"rate_burst"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// BreakerConfig configures a gobreaker circuit breaker.
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// LLMConfig selects the language model backend.
type LLMConfig struct {
	Provider    string        `yaml:"provider"` // "openai", "scripted"
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Breaker     BreakerConfig `yaml:"breaker"`
}

// CapabilityGroupConfig declares one capability group.
type CapabilityGroupConfig struct {
	Name        string   `yaml:"name"`
	CostTier    string   `yaml:"cost_tier"`
	Operations  []string `yaml:"operations"`
	UsagePolicy string   `yaml:"usage_policy"`
	Endpoint    string   `yaml:"endpoint"`
	RateLimit   float64  `yaml:"rate_limit"` // calls/second, 0 = unlimited
}

// CapabilitiesConfig lists the configured groups.
// CatalogFile, when set, is merged with the inline groups.
type CapabilitiesConfig struct {
	CatalogFile string                  `yaml:"catalog_file"`
	Groups      []CapabilityGroupConfig `yaml:"groups"`
	Timeout     time.Duration           `yaml:"timeout"`
	Breaker     BreakerConfig           `yaml:"breaker"`
}

// ClassifierConfig controls both classifier stages.
type ClassifierConfig struct {
	DirectMaxWords  int      `yaml:"direct_max_words"`
	DirectPhrases   []string `yaml:"direct_phrases"`
	HistoryTurns    int      `yaml:"history_turns"`
	HistoryTruncate int      `yaml:"history_truncate"`
	Tokenizer       string   `yaml:"tokenizer"` // "heuristic" or "tiktoken"
}

// OrchestratorConfig controls the execution loop.
type OrchestratorConfig struct {
	MaxToolIterations int `yaml:"max_tool_iterations"`
	HistorySize       int `yaml:"history_size"`
}

// DedupConfig selects the admission dedup backend.
type DedupConfig struct {
	Backend   string        `yaml:"backend"` // "memory" or "redis"
	Window    time.Duration `yaml:"window"`
	Capacity  int           `yaml:"capacity"`
	RedisURL  string        `yaml:"redis_url"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// RetryConfig is an exponential backoff policy.
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// DeliveryConfig holds admission and outbound chunking settings.
type DeliveryConfig struct {
	Dedup              DedupConfig    `yaml:"dedup"`
	DefaultMaxUnit     int            `yaml:"default_max_unit"`
	ChannelMaxUnits    map[string]int `yaml:"channel_max_units"`
	FirstChunkAttempts int            `yaml:"first_chunk_attempts"`
	Retry              RetryConfig    `yaml:"retry"`
}

// ProfileConfig declares a delegation profile.
type ProfileConfig struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Groups       []string `yaml:"groups"`
	Instructions string   `yaml:"instructions"`
}

// DelegationConfig bounds the subordinate pool.
type DelegationConfig struct {
	MaxParallel int             `yaml:"max_parallel"`
	MaxLive     int             `yaml:"max_live"`
	Timeout     time.Duration   `yaml:"timeout"`
	Profiles    []ProfileConfig `yaml:"profiles"`
}

// BusConfig holds inter-worker messaging settings.
type BusConfig struct {
	AskTimeout time.Duration `yaml:"ask_timeout"`
	MaxDepth   int           `yaml:"max_depth"`
	LogSize    int           `yaml:"log_size"`
}

// TierConfig is one row of the cadence table.
type TierConfig struct {
	Cadence    time.Duration `yaml:"cadence"`
	MaxTouches int           `yaml:"max_touches"`
}

// WorkflowConfig holds nurture engine settings.
type WorkflowConfig struct {
	Store                  string                `yaml:"store"` // "sqlite" or "file"
	Path                   string                `yaml:"path"`
	SweepSchedule          string                `yaml:"sweep_schedule"` // cron expression or Go duration
	SweepTimeout           time.Duration         `yaml:"sweep_timeout"`
	RetryInterval          time.Duration         `yaml:"retry_interval"`
	MaxConsecutiveFailures int                   `yaml:"max_consecutive_failures"`
	TouchLease             time.Duration         `yaml:"touch_lease"`
	TouchOnEnroll          bool                  `yaml:"touch_on_enroll"`
	HistoryLimit           int                   `yaml:"history_limit"`
	DefaultTier            string                `yaml:"default_tier"`
	Tiers                  map[string]TierConfig `yaml:"tiers"`
}

// OutboundConfig selects senders per channel.
type OutboundConfig struct {
	Default        string            `yaml:"default"` // "log", "webhook", "slack"
	Routes         map[string]string `yaml:"routes"`  // channel -> sender
	WebhookURL     string            `yaml:"webhook_url"`
	WebhookSecret  string            `yaml:"webhook_secret"`
	WebhookTimeout time.Duration     `yaml:"webhook_timeout"`
	SlackToken     string            `yaml:"slack_token"`
}

func defaultDataDir() string {
	if v := os.Getenv("HUMEAGENT_DATA_DIR"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hume-agent"
	}
	return filepath.Join(home, ".hume-agent")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Logger: LoggerConfig{Level: "info", Format: "text", Output: "stderr"},
		Tracer: TracerConfig{Exporter: "noop", ServiceName: "hume-agent", SampleRatio: 1},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Server: ServerConfig{
			Addr:         ":8080",
			RateLimit:    10,
			RateBurst:    20,
			MaxBodyBytes: 1 << 20,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 120 * time.Second,
		},
		LLM: LLMConfig{
			Provider:    "openai",
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Timeout:     60 * time.Second,
			MaxTokens:   1024,
			Temperature: 0.2,
			Breaker:     BreakerConfig{Enabled: true, MaxFailures: 5, Timeout: 30 * time.Second, Interval: 60 * time.Second},
		},
		Capabilities: CapabilitiesConfig{
			Timeout: 20 * time.Second,
			Breaker: BreakerConfig{Enabled: true, MaxFailures: 5, Timeout: 30 * time.Second, Interval: 60 * time.Second},
		},
		Classifier: ClassifierConfig{
			DirectMaxWords:  6,
			HistoryTurns:    6,
			HistoryTruncate: 200,
			Tokenizer:       "heuristic",
		},
		Orchestrator: OrchestratorConfig{
			MaxToolIterations: 4,
			HistorySize:       20,
		},
		Delivery: DeliveryConfig{
			Dedup: DedupConfig{
				Backend:   "memory",
				Window:    10 * time.Minute,
				Capacity:  4096,
				KeyPrefix: "hume:dedup:",
			},
			DefaultMaxUnit: 4000,
			ChannelMaxUnits: map[string]int{
				"slack":    3000,
				"sms":      1600,
				"whatsapp": 4096,
			},
			FirstChunkAttempts: 3,
			Retry: RetryConfig{
				MaxRetries:     3,
				InitialBackoff: time.Second,
				MaxBackoff:     30 * time.Second,
			},
		},
		Delegation: DelegationConfig{
			MaxParallel: 5,
			MaxLive:     64,
			Timeout:     2 * time.Minute,
			Profiles:    defaultProfiles(),
		},
		Bus: BusConfig{
			AskTimeout: 30 * time.Second,
			MaxDepth:   3,
			LogSize:    1000,
		},
		Workflow: WorkflowConfig{
			Store:                  "sqlite",
			Path:                   filepath.Join(dataDir, "leads.db"),
			SweepSchedule:          "*/5 * * * *",
			SweepTimeout:           5 * time.Minute,
			RetryInterval:          15 * time.Minute,
			MaxConsecutiveFailures: 3,
			TouchLease:             10 * time.Minute,
			TouchOnEnroll:          true,
			HistoryLimit:           20,
			DefaultTier:            "warm",
			Tiers: map[string]TierConfig{
				"hot":  {Cadence: 12 * time.Hour, MaxTouches: 5},
				"warm": {Cadence: 24 * time.Hour, MaxTouches: 4},
				"cool": {Cadence: 48 * time.Hour, MaxTouches: 3},
				"cold": {Cadence: 72 * time.Hour, MaxTouches: 3},
			},
		},
		Outbound: OutboundConfig{
			Default:        "log",
			WebhookTimeout: 10 * time.Second,
		},
	}
}

func defaultProfiles() []ProfileConfig {
	return []ProfileConfig{
		{Name: "document_analyst", Description: "Reads and summarises documents attached to a lead", Groups: []string{"internal", "documents"}},
		{Name: "competitor_analyst", Description: "Compares a prospect's current vendors", Groups: []string{"internal", "web_research"}},
		{Name: "market_researcher", Description: "Sizes markets and finds industry signals", Groups: []string{"internal", "web_research"}},
		{Name: "account_researcher", Description: "Builds an account brief from CRM and enrichment data", Groups: []string{"internal", "crm", "enrichment"}},
		{Name: "campaign_analyst", Description: "Reviews outreach performance", Groups: []string{"internal", "crm"}},
		{Name: "content_strategist", Description: "Drafts follow-up messaging", Groups: []string{"internal"}},
	}
}

// Load reads a YAML config file, applies env var overrides, decrypts secrets and validates.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: read: %w", domain.ErrConfigLoad, err)
		}
	} else {
		if err := validatePermissions(path); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrConfigLoad, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse: %w", domain.ErrConfigLoad, err)
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("HUMEAGENT_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("%w: decrypt secrets: %w", domain.ErrConfigLoad, err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfigLoad, err)
	}
	return cfg, nil
}

// ApplyEnvOverrides maps HUMEAGENT_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HUMEAGENT_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("HUMEAGENT_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("HUMEAGENT_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("HUMEAGENT_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("HUMEAGENT_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("HUMEAGENT_SERVER_AUTH_TOKEN"); v != "" {
		cfg.Server.AuthToken = v
	}
	if v := os.Getenv("HUMEAGENT_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("HUMEAGENT_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("HUMEAGENT_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("HUMEAGENT_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("HUMEAGENT_CAPABILITIES_CATALOG_FILE"); v != "" {
		cfg.Capabilities.CatalogFile = v
	}
	if v := os.Getenv("HUMEAGENT_DEDUP_BACKEND"); v != "" {
		cfg.Delivery.Dedup.Backend = v
	}
	if v := os.Getenv("HUMEAGENT_REDIS_URL"); v != "" {
		cfg.Delivery.Dedup.RedisURL = v
	}
	if v := os.Getenv("HUMEAGENT_DELEGATION_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Delegation.MaxParallel = n
		}
	}
	if v := os.Getenv("HUMEAGENT_BUS_ASK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Bus.AskTimeout = d
		}
	}
	if v := os.Getenv("HUMEAGENT_WORKFLOW_STORE"); v != "" {
		cfg.Workflow.Store = v
	}
	if v := os.Getenv("HUMEAGENT_WORKFLOW_PATH"); v != "" {
		cfg.Workflow.Path = v
	}
	if v := os.Getenv("HUMEAGENT_WORKFLOW_SWEEP_SCHEDULE"); v != "" {
		cfg.Workflow.SweepSchedule = v
	}
	if v := os.Getenv("HUMEAGENT_OUTBOUND_DEFAULT"); v != "" {
		cfg.Outbound.Default = v
	}
	if v := os.Getenv("HUMEAGENT_OUTBOUND_WEBHOOK_URL"); v != "" {
		cfg.Outbound.WebhookURL = v
	}
	if v := os.Getenv("HUMEAGENT_SLACK_TOKEN"); v != "" {
		cfg.Outbound.SlackToken = v
	}
	if v := os.Getenv("HUMEAGENT_OUTBOUND_ROUTES"); v != "" {
		// "slack=slack,email=webhook"
		if cfg.Outbound.Routes == nil {
			cfg.Outbound.Routes = make(map[string]string)
		}
		for _, pair := range splitAndTrim(v, ",") {
			k, val, ok := strings.Cut(pair, "=")
			if ok && k != "" {
				cfg.Outbound.Routes[strings.TrimSpace(k)] = strings.TrimSpace(val)
			}
		}
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
