package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Selectors declares the CSS selectors an automator needs to drive one chat
// surface. This is configuration, not logic: target UIs change often and
// operators must be able to patch selectors without a rebuild.
type Selectors struct {
	Input       string `yaml:"input"`
	Submit      string `yaml:"submit"`
	Response    string `yaml:"response"`
	LoginMarker string `yaml:"login_marker"`
	Loading     string `yaml:"loading"`
}

// ServiceConfig declares one target chat service.
type ServiceConfig struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`

	Selectors Selectors `yaml:"selectors"`

	// RateLimitMarkers are substrings in page text that signal the service
	// throttled us.
	RateLimitMarkers []string `yaml:"rate_limit_markers"`

	// Popups to auto-dismiss after navigation.
	DismissSelectors []string `yaml:"dismiss_selectors"`

	TimeoutSeconds     int `yaml:"timeout_seconds"`
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`

	// Routing metadata.
	Reliability  float64  `yaml:"reliability"`   // 0..1 historical success rate
	CostPerQuery float64  `yaml:"cost_per_query"`
	AvgLatencyMs int      `yaml:"avg_latency_ms"`
	Strengths    []string `yaml:"strengths"` // categories this service is strong at
}

// Timeout returns the per-query timeout for this service.
func (s ServiceConfig) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 90 * time.Second
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// AvgLatency returns the historical average latency.
func (s ServiceConfig) AvgLatency() time.Duration {
	if s.AvgLatencyMs <= 0 {
		return 20 * time.Second
	}
	return time.Duration(s.AvgLatencyMs) * time.Millisecond
}

// HasStrength reports whether the service is declared strong at a category.
func (s ServiceConfig) HasStrength(category string) bool {
	for _, c := range s.Strengths {
		if strings.EqualFold(c, category) {
			return true
		}
	}
	return false
}

func (s ServiceConfig) validate() error {
	if s.ID == "" {
		return fmt.Errorf("service config missing id")
	}
	if s.BaseURL == "" {
		return fmt.Errorf("service %s: missing base_url", s.ID)
	}
	if s.Selectors.Input == "" || s.Selectors.Response == "" {
		return fmt.Errorf("service %s: input and response selectors are required", s.ID)
	}
	return nil
}

// DefaultServices returns the shipped config for the four target chat
// surfaces. Selectors here are best-effort snapshots; deployments override
// them via <home>/services/<id>.yaml as UIs drift.
func DefaultServices() []ServiceConfig {
	return []ServiceConfig{
		{
			ID:      "chatgpt",
			Name:    "ChatGPT",
			BaseURL: "https://chatgpt.com",
			Selectors: Selectors{
				Input:       "#prompt-textarea",
				Submit:      "button[data-testid='send-button']",
				Response:    "div[data-message-author-role='assistant']",
				LoginMarker: "button[data-testid='login-button']",
				Loading:     "button[data-testid='stop-button']",
			},
			RateLimitMarkers:   []string{"You've reached our limit", "Too many requests"},
			DismissSelectors:   []string{"div[role='dialog'] button[aria-label='Close']"},
			TimeoutSeconds:     90,
			RateLimitPerMinute: 4,
			Reliability:        0.92,
			CostPerQuery:       0,
			AvgLatencyMs:       18000,
			Strengths:          []string{"technical", "analytical", "factual"},
		},
		{
			ID:      "claude",
			Name:    "Claude",
			BaseURL: "https://claude.ai/new",
			Selectors: Selectors{
				Input:       "div[contenteditable='true']",
				Submit:      "button[aria-label='Send message']",
				Response:    "div[data-testid='assistant-message']",
				LoginMarker: "a[href*='login']",
				Loading:     "button[aria-label='Stop response']",
			},
			RateLimitMarkers:   []string{"Message limit reached", "You are out of free messages"},
			DismissSelectors:   []string{"button[aria-label='Dismiss']"},
			TimeoutSeconds:     90,
			RateLimitPerMinute: 3,
			Reliability:        0.9,
			CostPerQuery:       0,
			AvgLatencyMs:       22000,
			Strengths:          []string{"creative", "analytical"},
		},
		{
			ID:      "gemini",
			Name:    "Gemini",
			BaseURL: "https://gemini.google.com/app",
			Selectors: Selectors{
				Input:       "div.ql-editor[contenteditable='true']",
				Submit:      "button[aria-label='Send message']",
				Response:    "message-content",
				LoginMarker: "a[aria-label*='Sign in']",
				Loading:     "div.loading-indicator",
			},
			RateLimitMarkers:   []string{"You've reached your limit"},
			TimeoutSeconds:     75,
			RateLimitPerMinute: 5,
			Reliability:        0.88,
			CostPerQuery:       0,
			AvgLatencyMs:       15000,
			Strengths:          []string{"factual", "general"},
		},
		{
			ID:      "perplexity",
			Name:    "Perplexity",
			BaseURL: "https://www.perplexity.ai",
			Selectors: Selectors{
				Input:       "textarea[placeholder*='Ask']",
				Submit:      "button[aria-label='Submit']",
				Response:    "div.prose",
				LoginMarker: "button[data-testid='login-modal']",
				Loading:     "div[data-testid='loading-dots']",
			},
			RateLimitMarkers:   []string{"You have reached the limit"},
			TimeoutSeconds:     60,
			RateLimitPerMinute: 5,
			Reliability:        0.85,
			CostPerQuery:       0,
			AvgLatencyMs:       12000,
			Strengths:          []string{"factual", "news"},
		},
	}
}

// LoadServices reads all service configs from dir, falling back to the
// shipped defaults for services without an override file. Unknown files are
// loaded too: adding a service is dropping one YAML file in the directory.
func LoadServices(dir string) (map[string]ServiceConfig, error) {
	services := make(map[string]ServiceConfig)
	for _, sc := range DefaultServices() {
		services[sc.ID] = sc
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return services, nil
		}
		return nil, fmt.Errorf("read services dir: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read service config %s: %w", name, err)
		}
		var sc ServiceConfig
		if err := yaml.Unmarshal(data, &sc); err != nil {
			return nil, fmt.Errorf("parse service config %s: %w", name, err)
		}
		if err := sc.validate(); err != nil {
			return nil, err
		}
		services[sc.ID] = sc
	}
	return services, nil
}

// WriteDefaultServices materializes the shipped service configs as editable
// YAML files. Existing files are left alone.
func WriteDefaultServices(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for _, sc := range DefaultServices() {
		path := filepath.Join(dir, sc.ID+".yaml")
		if _, err := os.Stat(path); err == nil {
			continue
		}
		data, err := yaml.Marshal(sc)
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return err
		}
	}
	return nil
}

// ServiceIDs returns the sorted ids of a service map.
func ServiceIDs(services map[string]ServiceConfig) []string {
	ids := make([]string, 0, len(services))
	for id := range services {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
