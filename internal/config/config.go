// Package config holds all hivequery configuration: the user config
// (~/.hivequery/config.json) and the per-service declarative automation
// configs (~/.hivequery/services/*.yaml). Service configs carry the UI
// selectors and markers for each chat surface and must stay editable without
// code changes because target UIs drift.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all hivequery configuration.
type Config struct {
	// Core settings
	Name    string `json:"name"`
	Version string `json:"version"`

	// Home is the hivequery data directory (default ~/.hivequery).
	Home string `json:"-"`

	// Model configures the local language model used for refinement,
	// analysis, and synthesis.
	Model ModelConfig `json:"model"`

	// Browser configures the direct-drive automation strategy.
	Browser BrowserConfig `json:"browser"`

	// Dispatch configures fan-out behavior.
	Dispatch DispatchConfig `json:"dispatch"`

	// Storage configures the credential/session store.
	Storage StorageConfig `json:"storage"`

	// Logging controls the categorized file logger.
	Logging LoggingConfig `json:"logging"`

	// Server configures the control API.
	Server ServerConfig `json:"server"`
}

// ModelConfig configures the local model client.
type ModelConfig struct {
	Provider string `json:"provider"` // ollama, gemini
	BaseURL  string `json:"base_url"`
	Model    string `json:"model"`
	APIKey   string `json:"api_key,omitempty"`
	Timeout  string `json:"timeout"`
}

// ParsedTimeout returns the model call timeout.
func (m ModelConfig) ParsedTimeout() time.Duration {
	if d, err := time.ParseDuration(m.Timeout); err == nil && d > 0 {
		return d
	}
	return 120 * time.Second
}

// BrowserConfig configures the shared stealth browser.
type BrowserConfig struct {
	Bin                 string `json:"bin,omitempty"`
	Headless            bool   `json:"headless"`
	ViewportWidth       int    `json:"viewport_width"`
	ViewportHeight      int    `json:"viewport_height"`
	NavigationTimeoutMs int    `json:"navigation_timeout_ms"`
	ProfileRoot         string `json:"profile_root,omitempty"` // defaults to <home>/profiles

	// Injected mode emits script pairs for a user-hosted browser instead of
	// driving one directly.
	Strategy string `json:"strategy"` // direct, injected

	// Humanization bounds, milliseconds.
	MinActionDelayMs int `json:"min_action_delay_ms"`
	MaxActionDelayMs int `json:"max_action_delay_ms"`
	MinKeyDelayMs    int `json:"min_key_delay_ms"`
	MaxKeyDelayMs    int `json:"max_key_delay_ms"`
}

// NavigationTimeout returns the page navigation timeout.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	if b.NavigationTimeoutMs == 0 {
		return 30 * time.Second
	}
	return time.Duration(b.NavigationTimeoutMs) * time.Millisecond
}

// GetViewportWidth returns viewport width.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth == 0 {
		return 1920
	}
	return b.ViewportWidth
}

// GetViewportHeight returns viewport height.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight == 0 {
		return 1080
	}
	return b.ViewportHeight
}

// DispatchConfig bounds the fan-out.
type DispatchConfig struct {
	DefaultTimeout   string `json:"default_timeout"`
	ProcessingBuffer string `json:"processing_buffer"`
	MaxParallel      int    `json:"max_parallel"`
}

// ParsedDefaultTimeout returns the per-call timeout for dispatched services.
func (d DispatchConfig) ParsedDefaultTimeout() time.Duration {
	if dur, err := time.ParseDuration(d.DefaultTimeout); err == nil && dur > 0 {
		return dur
	}
	return 90 * time.Second
}

// ParsedProcessingBuffer returns the fixed wall-clock slack added on top of
// the per-call timeout for a whole batch.
func (d DispatchConfig) ParsedProcessingBuffer() time.Duration {
	if dur, err := time.ParseDuration(d.ProcessingBuffer); err == nil && dur > 0 {
		return dur
	}
	return 10 * time.Second
}

// StorageConfig configures the sqlite-backed credential/session store.
type StorageConfig struct {
	DBPath     string `json:"db_path,omitempty"` // defaults to <home>/hivequery.db
	SessionTTL string `json:"session_ttl"`
}

// ParsedSessionTTL returns the conversation-session TTL.
func (s StorageConfig) ParsedSessionTTL() time.Duration {
	if d, err := time.ParseDuration(s.SessionTTL); err == nil && d > 0 {
		return d
	}
	return 24 * time.Hour
}

// LoggingConfig controls the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool            `json:"debug_mode"`
	Categories map[string]bool `json:"categories,omitempty"`
	Level      string          `json:"level"`
	JSONFormat bool            `json:"json_format"`
}

// ServerConfig configures the control API.
type ServerConfig struct {
	Addr string `json:"addr"`
}

// DefaultHome returns the default hivequery data directory.
func DefaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hivequery"
	}
	return filepath.Join(home, ".hivequery")
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Name:    "hivequery",
		Version: "0.1.0",
		Home:    DefaultHome(),
		Model: ModelConfig{
			Provider: "ollama",
			BaseURL:  "http://localhost:11434",
			Model:    "llama3.1:8b",
			Timeout:  "120s",
		},
		Browser: BrowserConfig{
			Headless:            false,
			ViewportWidth:       1920,
			ViewportHeight:      1080,
			NavigationTimeoutMs: 30000,
			Strategy:            "direct",
			MinActionDelayMs:    400,
			MaxActionDelayMs:    1600,
			MinKeyDelayMs:       30,
			MaxKeyDelayMs:       120,
		},
		Dispatch: DispatchConfig{
			DefaultTimeout:   "90s",
			ProcessingBuffer: "10s",
			MaxParallel:      3,
		},
		Storage: StorageConfig{
			SessionTTL: "24h",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8791",
		},
	}
}

// Load reads the user config from <home>/config.json, filling unset fields
// with defaults. A missing file is not an error.
func Load(home string) (*Config, error) {
	cfg := Default()
	if home != "" {
		cfg.Home = home
	}

	path := filepath.Join(cfg.Home, "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Save writes the config back to <home>/config.json.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.Home, 0755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.Home, "config.json"), data, 0600)
}

// DBPath returns the resolved sqlite path.
func (c *Config) DBPath() string {
	if c.Storage.DBPath != "" {
		return c.Storage.DBPath
	}
	return filepath.Join(c.Home, "hivequery.db")
}

// ProfileRoot returns the resolved browser profile root directory.
func (c *Config) ProfileRoot() string {
	if c.Browser.ProfileRoot != "" {
		return c.Browser.ProfileRoot
	}
	return filepath.Join(c.Home, "profiles")
}

// ServicesDir returns the directory holding per-service YAML configs.
func (c *Config) ServicesDir() string {
	return filepath.Join(c.Home, "services")
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HIVEQUERY_MODEL_URL"); v != "" {
		cfg.Model.BaseURL = v
	}
	if v := os.Getenv("HIVEQUERY_MODEL"); v != "" {
		cfg.Model.Model = v
	}
	if v := os.Getenv("HIVEQUERY_MODEL_PROVIDER"); v != "" {
		cfg.Model.Provider = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && cfg.Model.APIKey == "" {
		cfg.Model.APIKey = v
	}
}
