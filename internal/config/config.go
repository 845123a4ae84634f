// Package config provides collector configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all collector configuration.
type Config struct {
	Port          string
	FrontendURL   string
	DBPath        string
	ScreenshotDir string
	SessionTTL    time.Duration
	Analyzer      AnalyzerConfig
}

// AnalyzerConfig controls the optional LLM deep-analysis integration.
type AnalyzerConfig struct {
	Enabled bool
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	ttlMinutes := getEnvInt("SESSION_TTL_MINUTES", 180)
	if ttlMinutes <= 0 {
		ttlMinutes = 180
	}
	analyzerTimeout := getEnvInt("ANALYZER_TIMEOUT_SECONDS", 30)
	if analyzerTimeout <= 0 {
		analyzerTimeout = 30
	}

	cfg := &Config{
		Port:          getEnv("PORT", "8000"),
		FrontendURL:   getEnv("FRONTEND_URL", ""),
		DBPath:        getEnv("DB_PATH", "./data/proctoring.db"),
		ScreenshotDir: getEnv("SCREENSHOT_DIR", "./data/screenshots"),
		SessionTTL:    time.Duration(ttlMinutes) * time.Minute,
		Analyzer: AnalyzerConfig{
			Enabled: getEnvBool("ANALYZER_ENABLED", false),
			BaseURL: getEnv("ANALYZER_BASE_URL", ""),
			APIKey:  getEnv("ANALYZER_API_KEY", ""),
			Model:   getEnv("ANALYZER_MODEL", "Qwen2.5-72B-Instruct-AWQ"),
			Timeout: time.Duration(analyzerTimeout) * time.Second,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.ScreenshotDir == "" {
		return fmt.Errorf("SCREENSHOT_DIR cannot be empty")
	}
	if c.Analyzer.Enabled {
		if c.Analyzer.BaseURL == "" {
			return fmt.Errorf("ANALYZER_BASE_URL required when ANALYZER_ENABLED")
		}
		if c.Analyzer.APIKey == "" {
			return fmt.Errorf("ANALYZER_API_KEY required when ANALYZER_ENABLED")
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}
