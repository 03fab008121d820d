package main

import (
	"bytes"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"hume-agent/internal/infra/config"
)

func TestCheckConfigFile_Missing(t *testing.T) {
	result := checkConfigFile("/nonexistent/path/config.yaml", nil)(nil)
	if result.Status != StatusWarn {
		t.Errorf("expected WARN for missing config, got %s", result.Status)
	}
}

func TestCheckConfigFile_LoadError(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := writeTestFile(t, cfgPath, "invalid: {{yaml"); err != nil {
		t.Fatal(err)
	}

	result := checkConfigFile(cfgPath, &config.ValidationError{Errors: []string{"bad yaml"}})(nil)
	if result.Status != StatusFail {
		t.Errorf("expected FAIL for load error, got %s", result.Status)
	}
	if result.Fix == "" {
		t.Error("expected fix suggestion for load error")
	}
}

func TestCheckConfigFile_Valid(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := writeTestFile(t, cfgPath, "logger:\n  level: debug\n"); err != nil {
		t.Fatal(err)
	}

	result := checkConfigFile(cfgPath, nil)(nil)
	if result.Status != StatusPass {
		t.Errorf("expected PASS for valid config, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckLLMAPIKey(t *testing.T) {
	if r := checkLLMAPIKey(nil); r.Status != StatusFail {
		t.Errorf("nil config: expected FAIL, got %s", r.Status)
	}

	cfg := config.Defaults()
	if r := checkLLMAPIKey(cfg); r.Status != StatusFail {
		t.Errorf("no key: expected FAIL, got %s", r.Status)
	}

	cfg.LLM.APIKey = "sk-test"
	if r := checkLLMAPIKey(cfg); r.Status != StatusPass {
		t.Errorf("with key: expected PASS, got %s: %s", r.Status, r.Message)
	}

	cfg.LLM.Provider = "scripted"
	cfg.LLM.APIKey = ""
	if r := checkLLMAPIKey(cfg); r.Status != StatusWarn {
		t.Errorf("scripted: expected WARN, got %s", r.Status)
	}
}

func TestCheckLLMConnectivity_SkippedWithoutKey(t *testing.T) {
	result := checkLLMConnectivity(config.Defaults())
	if result.Status != StatusWarn {
		t.Errorf("expected WARN without key, got %s", result.Status)
	}
}

func TestCheckLeadStore(t *testing.T) {
	cfg := config.Defaults()
	cfg.Workflow.Path = filepath.Join(t.TempDir(), "nested", "leads.db")
	if r := checkLeadStore(cfg); r.Status != StatusPass {
		t.Errorf("expected PASS for creatable dir, got %s: %s", r.Status, r.Message)
	}
	if _, err := os.Stat(filepath.Dir(cfg.Workflow.Path)); err != nil {
		t.Errorf("expected directory to be created: %v", err)
	}

	cfg.Workflow.Store = "memory"
	if r := checkLeadStore(cfg); r.Status != StatusWarn {
		t.Errorf("memory store: expected WARN, got %s", r.Status)
	}

	if r := checkLeadStore(nil); r.Status != StatusFail {
		t.Errorf("nil config: expected FAIL, got %s", r.Status)
	}
}

func TestCheckDedupBackend(t *testing.T) {
	cfg := config.Defaults()
	if r := checkDedupBackend(cfg); r.Status != StatusPass {
		t.Errorf("memory: expected PASS, got %s", r.Status)
	}

	cfg.Delivery.Dedup.Backend = "redis"
	cfg.Delivery.Dedup.RedisURL = "not a url"
	if r := checkDedupBackend(cfg); r.Status != StatusFail {
		t.Errorf("bad redis url: expected FAIL, got %s", r.Status)
	}
}

func TestCheckOutbound(t *testing.T) {
	cfg := config.Defaults()
	if r := checkOutbound(cfg); r.Status != StatusWarn {
		t.Errorf("log only: expected WARN, got %s", r.Status)
	}

	cfg.Outbound.Routes = map[string]string{"slack": "slack"}
	if r := checkOutbound(cfg); r.Status != StatusFail {
		t.Errorf("slack without token: expected FAIL, got %s", r.Status)
	}

	cfg.Outbound.SlackToken = "xoxb-test"
	if r := checkOutbound(cfg); r.Status != StatusPass {
		t.Errorf("slack with token: expected PASS, got %s: %s", r.Status, r.Message)
	}
}

func TestCheckCapabilityEndpoints(t *testing.T) {
	cfg := config.Defaults()
	if r := checkCapabilityEndpoints(cfg); r.Status != StatusWarn {
		t.Errorf("no groups: expected WARN, got %s", r.Status)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	cfg.Capabilities.Groups = []config.CapabilityGroupConfig{
		{Name: "crm", Endpoint: "http://" + ln.Addr().String()},
	}
	if r := checkCapabilityEndpoints(cfg); r.Status != StatusPass {
		t.Errorf("reachable: expected PASS, got %s: %s", r.Status, r.Message)
	}

	cfg.Capabilities.Groups = append(cfg.Capabilities.Groups, config.CapabilityGroupConfig{Name: "web_research"})
	r := checkCapabilityEndpoints(cfg)
	if r.Status != StatusWarn || !strings.Contains(r.Message, "web_research") {
		t.Errorf("missing endpoint: expected WARN naming web_research, got %s: %s", r.Status, r.Message)
	}
}

func TestRunDoctor_ReportsFailures(t *testing.T) {
	t.Setenv("HUMEAGENT_DATA_DIR", t.TempDir())
	var out bytes.Buffer
	err := runDoctor(&out, filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error when the API key is missing")
	}
	if !strings.Contains(out.String(), "[FAIL] LLM API key") {
		t.Errorf("expected LLM API key failure in output:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "Results:") {
		t.Errorf("expected summary line in output:\n%s", out.String())
	}
}

func TestStatusIcon(t *testing.T) {
	if statusIcon(StatusPass) != "[PASS]" || statusIcon("other") != "[????]" {
		t.Error("unexpected status icon")
	}
}

func TestCheckConfigFile_ErrorMessage(t *testing.T) {
	result := checkConfigFile("x.yaml", errors.New("parse config: boom"))(nil)
	if !strings.Contains(result.Message, "boom") {
		t.Errorf("expected underlying error in message, got %q", result.Message)
	}
}

func writeTestFile(t *testing.T, path, content string) error {
	t.Helper()
	return os.WriteFile(path, []byte(content), 0o600)
}
