package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process configuration: defaults, overridden by an
// optional YAML file, overridden by environment variables.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	// StoreURL is the SQLite database path.
	StoreURL        string `yaml:"store_url"`
	StoreServiceKey string `yaml:"store_service_key"`

	LLM struct {
		APIKey        string `yaml:"api_key"`
		BaseURL       string `yaml:"base_url"`
		Model         string `yaml:"model"`
		CacheDir      string `yaml:"cache_dir"`
		MaxConcurrent int    `yaml:"max_concurrent"`
	} `yaml:"llm"`

	AgentTimeoutSeconds    int `yaml:"agent_timeout_seconds"`
	TradingIntervalSeconds int `yaml:"trading_interval_seconds"`
	DedupWindowMinutes     int `yaml:"dedup_window_minutes"`

	XAPIBaseURL  string `yaml:"x_api_base_url"`
	XBearerToken string `yaml:"x_bearer_token"`

	Log struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"log"`
}

func defaults() *Config {
	cfg := &Config{
		ListenAddr:             ":8080",
		AgentTimeoutSeconds:    300,
		TradingIntervalSeconds: 30,
		DedupWindowMinutes:     10,
		XAPIBaseURL:            "https://api.x.com",
	}
	cfg.LLM.BaseURL = "https://api.x.ai/v1"
	cfg.LLM.Model = "grok-4"
	cfg.Log.Level = "info"
	return cfg
}

// Load assembles the configuration. path may be empty; a missing file at
// an explicit path is an error.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setStr(&cfg.ListenAddr, "FORESIGHT_LISTEN")
	setStr(&cfg.StoreURL, "STORE_URL")
	setStr(&cfg.StoreServiceKey, "STORE_SERVICE_KEY")
	setStr(&cfg.LLM.APIKey, "LLM_API_KEY")
	setStr(&cfg.LLM.BaseURL, "LLM_BASE_URL")
	setStr(&cfg.LLM.Model, "LLM_MODEL")
	setStr(&cfg.LLM.CacheDir, "FORESIGHT_LLM_CACHE_DIR")
	setInt(&cfg.LLM.MaxConcurrent, "LLM_MAX_CONCURRENT")
	setInt(&cfg.AgentTimeoutSeconds, "AGENT_TIMEOUT_SECONDS")
	setInt(&cfg.TradingIntervalSeconds, "TRADING_INTERVAL_SECONDS")
	setInt(&cfg.DedupWindowMinutes, "DEDUP_WINDOW_MINUTES")
	setStr(&cfg.XAPIBaseURL, "X_API_BASE_URL")
	setStr(&cfg.XBearerToken, "X_BEARER_TOKEN")
	setStr(&cfg.Log.Level, "FORESIGHT_LOG_LEVEL")
	setStr(&cfg.Log.File, "FORESIGHT_LOG_FILE")
}

func (c *Config) validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("LLM_API_KEY is required")
	}
	if c.StoreURL == "" {
		return fmt.Errorf("STORE_URL is required")
	}
	if c.AgentTimeoutSeconds <= 0 {
		return fmt.Errorf("AGENT_TIMEOUT_SECONDS must be positive")
	}
	if c.TradingIntervalSeconds <= 0 {
		return fmt.Errorf("TRADING_INTERVAL_SECONDS must be positive")
	}
	return nil
}

// AgentTimeout is the per-worker deadline.
func (c *Config) AgentTimeout() time.Duration {
	return time.Duration(c.AgentTimeoutSeconds) * time.Second
}

// TradingInterval is the default round period.
func (c *Config) TradingInterval() time.Duration {
	return time.Duration(c.TradingIntervalSeconds) * time.Second
}

// DedupWindow is how long a question blocks duplicate run requests.
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowMinutes) * time.Minute
}
