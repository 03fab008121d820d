package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"hume-agent/internal/adapter/dedup"
	"hume-agent/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

func newDoctorCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run health checks on the configuration and its backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd.OutOrStdout(), opts.configPath)
		},
	}
}

func doctorChecks(cfgPath string, cfgErr error) []Check {
	return []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "LLM API key", Fn: checkLLMAPIKey},
		{Name: "LLM connectivity", Fn: checkLLMConnectivity},
		{Name: "Lead store", Fn: checkLeadStore},
		{Name: "Dedup backend", Fn: checkDedupBackend},
		{Name: "Outbound", Fn: checkOutbound},
		{Name: "Capability endpoints", Fn: checkCapabilityEndpoints},
	}
}

// runDoctor executes all health checks and reports results.
func runDoctor(out io.Writer, cfgPath string) error {
	// Some checks work without a config.
	cfg, cfgErr := config.Load(cfgPath)

	fmt.Fprintln(out, "hume-agent doctor")
	fmt.Fprintln(out, strings.Repeat("=", 50))
	fmt.Fprintln(out)

	var pass, warn, fail int
	for _, check := range doctorChecks(cfgPath, cfgErr) {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(out, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(out, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, strings.Repeat("-", 50))
	fmt.Fprintf(out, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

var notLoaded = CheckResult{Status: StatusFail, Message: "cannot check: config not loaded"}

// checkConfigFile returns a check that verifies the config file exists and parses correctly.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check config.yaml syntax and permissions (0600)",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkLLMAPIKey verifies the model provider has credentials.
func checkLLMAPIKey(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if cfg.LLM.Provider == "scripted" {
		return CheckResult{Status: StatusWarn, Message: "scripted model in use: replies are canned"}
	}
	if cfg.LLM.APIKey == "" {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("no API key for provider %q", cfg.LLM.Provider),
			Fix:     "Set HUMEAGENT_LLM_API_KEY or llm.api_key",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("API key configured for %s (%s)", cfg.LLM.Provider, cfg.LLM.Model)}
}

// checkLLMConnectivity tests if the model endpoint is reachable.
func checkLLMConnectivity(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if cfg.LLM.Provider == "scripted" {
		return CheckResult{Status: StatusPass, Message: "scripted model needs no network"}
	}
	if cfg.LLM.APIKey == "" {
		return CheckResult{Status: StatusWarn, Message: "skipped: no API key"}
	}

	endpoint := strings.TrimRight(cfg.LLM.BaseURL, "/") + "/models"
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("failed to create request: %v", err)}
	}
	req.Header.Set("Authorization", "Bearer "+cfg.LLM.APIKey)

	resp, err := http.DefaultClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", endpoint, err),
			Fix:     "Check llm.base_url and your network",
		}
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s rejected the API key (status %d)", endpoint, resp.StatusCode),
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s reachable (latency: %dms)", cfg.LLM.Provider, latency.Milliseconds()),
	}
}

// checkLeadStore verifies the lead store's directory exists and is writable.
func checkLeadStore(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if cfg.Workflow.Store == "memory" {
		return CheckResult{Status: StatusWarn, Message: "memory lead store: leads are lost on restart"}
	}

	absDir, _ := filepath.Abs(filepath.Dir(cfg.Workflow.Path))
	info, err := os.Stat(absDir)
	if os.IsNotExist(err) {
		if mkErr := os.MkdirAll(absDir, 0o700); mkErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("directory %s does not exist and cannot be created: %v", absDir, mkErr),
				Fix:     fmt.Sprintf("Create the directory: mkdir -p %s", absDir),
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("directory created at %s (%s)", absDir, cfg.Workflow.Store)}
	}
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("cannot stat %s: %v", absDir, err)}
	}
	if !info.IsDir() {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("%s exists but is not a directory", absDir)}
	}

	marker := filepath.Join(absDir, ".doctor-check")
	if err := os.WriteFile(marker, []byte("ok"), 0o600); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s is not writable: %v", absDir, err),
			Fix:     fmt.Sprintf("Fix permissions: chmod 700 %s", absDir),
		}
	}
	os.Remove(marker)

	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s store at %s", cfg.Workflow.Store, cfg.Workflow.Path)}
}

// checkDedupBackend pings redis when it backs admission.
func checkDedupBackend(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if cfg.Delivery.Dedup.Backend != "redis" {
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("in-memory dedup (capacity %d, window %s)", cfg.Delivery.Dedup.Capacity, cfg.Delivery.Dedup.Window),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store, err := dedup.Dial(ctx, cfg.Delivery.Dedup.RedisURL, cfg.Delivery.Dedup.KeyPrefix)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("redis unavailable: %v", err),
			Fix:     "Check delivery.dedup.redis_url or switch the backend to memory",
		}
	}
	store.Close()
	return CheckResult{Status: StatusPass, Message: "redis reachable"}
}

// checkOutbound verifies every configured sender has its credentials.
func checkOutbound(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	used := map[string]bool{cfg.Outbound.Default: true}
	for _, s := range cfg.Outbound.Routes {
		used[s] = true
	}

	var missing []string
	if used["webhook"] && cfg.Outbound.WebhookURL == "" {
		missing = append(missing, "outbound.webhook_url")
	}
	if used["slack"] && cfg.Outbound.SlackToken == "" {
		missing = append(missing, "outbound.slack_token")
	}
	if len(missing) > 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("missing settings: %s", strings.Join(missing, ", ")),
		}
	}
	if len(used) == 1 && used["log"] {
		return CheckResult{Status: StatusWarn, Message: "replies are only logged, nothing is sent"}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("default sender %q, %d route(s)", cfg.Outbound.Default, len(cfg.Outbound.Routes))}
}

// checkCapabilityEndpoints dials each group endpoint.
func checkCapabilityEndpoints(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if len(cfg.Capabilities.Groups) == 0 {
		return CheckResult{Status: StatusWarn, Message: "no capability groups configured: only internal operations are available"}
	}

	var down []string
	for _, g := range cfg.Capabilities.Groups {
		if g.Endpoint == "" {
			down = append(down, g.Name+" (no endpoint)")
			continue
		}
		u, err := url.Parse(g.Endpoint)
		if err != nil || u.Host == "" {
			down = append(down, g.Name+" (bad endpoint)")
			continue
		}
		host := u.Host
		if u.Port() == "" {
			if u.Scheme == "https" {
				host = net.JoinHostPort(u.Hostname(), "443")
			} else {
				host = net.JoinHostPort(u.Hostname(), "80")
			}
		}
		conn, err := net.DialTimeout("tcp", host, 3*time.Second)
		if err != nil {
			down = append(down, g.Name)
			continue
		}
		conn.Close()
	}

	if len(down) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("unreachable: %s", strings.Join(down, ", ")),
			Fix:     "Calls to these groups fail and replies degrade",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d group endpoint(s) reachable", len(cfg.Capabilities.Groups))}
}
