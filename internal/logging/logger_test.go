package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0755); err != nil {
		t.Fatalf("mkdir home: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, "config.json"), []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestInitializeWithoutConfigIsNoOp(t *testing.T) {
	home := t.TempDir()
	if err := Initialize(home); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer CloseAll()

	if IsDebugMode() {
		t.Error("expected debug mode off without config")
	}
	// Logging must be safe even when disabled
	Get(CategoryRouter).Info("should not panic")
	if _, err := os.Stat(filepath.Join(home, "logs")); !os.IsNotExist(err) {
		t.Error("logs directory should not exist in production mode")
	}
}

func TestCategoryFiltering(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, `{"logging":{"debug_mode":true,"level":"debug","categories":{"router":true,"dispatch":false}}}`)
	if err := Initialize(home); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer CloseAll()

	if !IsCategoryEnabled(CategoryRouter) {
		t.Error("router category should be enabled")
	}
	if IsCategoryEnabled(CategoryDispatch) {
		t.Error("dispatch category should be disabled")
	}
	// Unlisted categories default to enabled in debug mode
	if !IsCategoryEnabled(CategorySynthesis) {
		t.Error("unlisted category should default to enabled")
	}
}

func TestLogLinesReachFile(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, `{"logging":{"debug_mode":true,"level":"debug"}}`)
	if err := Initialize(home); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	Get(CategoryStore).Info("credential stored for %s", "chatgpt")
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(home, "logs"))
	if err != nil {
		t.Fatalf("read logs dir: %v", err)
	}
	var found bool
	for _, e := range entries {
		if strings.Contains(e.Name(), "store") {
			data, err := os.ReadFile(filepath.Join(home, "logs", e.Name()))
			if err != nil {
				t.Fatalf("read log: %v", err)
			}
			if strings.Contains(string(data), "credential stored for chatgpt") {
				found = true
			}
		}
	}
	if !found {
		t.Error("expected store log line to be written")
	}
}
