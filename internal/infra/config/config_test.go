package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hume-agent/internal/domain"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Logger.Level != "info" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "info")
	}
	if cfg.Delegation.MaxParallel != 5 {
		t.Errorf("Delegation.MaxParallel = %d, want 5", cfg.Delegation.MaxParallel)
	}
	if cfg.Bus.AskTimeout != 30*time.Second {
		t.Errorf("Bus.AskTimeout = %v, want 30s", cfg.Bus.AskTimeout)
	}
	if cfg.Delivery.Dedup.Window != 10*time.Minute {
		t.Errorf("Dedup.Window = %v, want 10m", cfg.Delivery.Dedup.Window)
	}
	assert.Equal(t, 12*time.Hour, cfg.Workflow.Tiers["hot"].Cadence)
	assert.Equal(t, 72*time.Hour, cfg.Workflow.Tiers["cold"].Cadence)
	assert.NoError(t, Validate(cfg))
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Orchestrator.MaxToolIterations)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
llm:
  provider: scripted
capabilities:
  groups:
    - name: crm
      cost_tier: low
      operations: [lookup_account, log_activity]
      usage_policy: "Account facts and activity logging"
workflow:
  store: file
  path: ` + filepath.Join(dir, "leads.json") + `
  tiers:
    warm:
      cadence: 6h
      max_touches: 2
logger:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "scripted", cfg.LLM.Provider)
	require.Len(t, cfg.Capabilities.Groups, 1)
	assert.Equal(t, []string{"lookup_account", "log_activity"}, cfg.Capabilities.Groups[0].Operations)
	assert.Equal(t, 6*time.Hour, cfg.Workflow.Tiers["warm"].Cadence)
	assert.Equal(t, "debug", cfg.Logger.Level)
}

func TestLoadRejectsInsecurePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logger:\n  level: info\n"), 0o666))
	require.NoError(t, os.Chmod(path, 0o666))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure permissions")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HUMEAGENT_LOGGER_LEVEL", "debug")
	t.Setenv("HUMEAGENT_DELEGATION_MAX_PARALLEL", "9")
	t.Setenv("HUMEAGENT_BUS_ASK_TIMEOUT", "5s")
	t.Setenv("HUMEAGENT_OUTBOUND_ROUTES", "slack=slack, email = webhook")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, 9, cfg.Delegation.MaxParallel)
	assert.Equal(t, 5*time.Second, cfg.Bus.AskTimeout)
	assert.Equal(t, map[string]string{"slack": "slack", "email": "webhook"}, cfg.Outbound.Routes)
}

func TestEnvOverrides_IgnoresInvalidNumbers(t *testing.T) {
	t.Setenv("HUMEAGENT_DELEGATION_MAX_PARALLEL", "lots")
	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	assert.Equal(t, 5, cfg.Delegation.MaxParallel)
}

func TestEncryptDecryptValue(t *testing.T) {
	enc, err := EncryptValue("sk-secret", "passphrase")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(enc, "enc:"))

	plain, err := DecryptValue(enc, "passphrase")
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", plain)

	_, err = DecryptValue(enc, "wrong")
	assert.Error(t, err)
}

func TestLoadDecryptsSecrets(t *testing.T) {
	enc, err := EncryptValue("sk-live", "k3y")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  api_key: \""+enc+"\"\n"), 0600))
	t.Setenv("HUMEAGENT_CONFIG_KEY", "k3y")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-live", cfg.LLM.APIKey)
}

func TestLoadInvalidReturnsValidationError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bus:\n  max_depth: 0\n"), 0600))

	_, err := Load(path)
	assert.ErrorIs(t, err, domain.ErrConfigLoad)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Contains(t, ve.Error(), "bus.max_depth")
}
