package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsAndEnv(t *testing.T) {
	t.Setenv("LLM_API_KEY", "test-key")
	t.Setenv("STORE_URL", "data/foresight.db")
	t.Setenv("TRADING_INTERVAL_SECONDS", "5")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "test-key", cfg.LLM.APIKey)
	assert.Equal(t, "grok-4", cfg.LLM.Model)
	assert.Equal(t, 5*time.Second, cfg.TradingInterval())
	assert.Equal(t, 300, cfg.AgentTimeoutSeconds)
	assert.Equal(t, 10*time.Minute, cfg.DedupWindow())
}

func TestLoadYAMLOverlay(t *testing.T) {
	t.Setenv("LLM_API_KEY", "env-key")
	t.Setenv("STORE_URL", "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9090"
store_url: data/from-yaml.db
llm:
  model: grok-3-mini
log:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "data/from-yaml.db", cfg.StoreURL)
	assert.Equal(t, "grok-3-mini", cfg.LLM.Model)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Env still wins over YAML.
	assert.Equal(t, "env-key", cfg.LLM.APIKey)
}

func TestLoadValidation(t *testing.T) {
	t.Setenv("LLM_API_KEY", "")
	t.Setenv("STORE_URL", "data/foresight.db")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LLM_API_KEY")

	t.Setenv("LLM_API_KEY", "k")
	t.Setenv("STORE_URL", "")
	_, err = Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORE_URL")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
