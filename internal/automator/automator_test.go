package automator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"hivequery/internal/config"
	"hivequery/internal/credstore"
	"hivequery/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testService() config.ServiceConfig {
	return config.ServiceConfig{
		ID:      "chatgpt",
		Name:    "ChatGPT",
		BaseURL: "https://chatgpt.com",
		Selectors: config.Selectors{
			Input:    "#prompt-textarea",
			Submit:   "button[data-testid='send-button']",
			Response: "div[data-message-author-role='assistant']",
		},
		RateLimitMarkers: []string{"You've reached your usage limit"},
		TimeoutSeconds:   5,
	}
}

func TestInjectionScriptContainsSelectorsAndCadence(t *testing.T) {
	a := NewInjectedAutomator(testService(), nil)
	script := a.InjectionScript(`hello "world"`)

	assert.Contains(t, script, "#prompt-textarea")
	assert.Contains(t, script, "send-button")
	assert.Contains(t, script, `\"world\"`, "prompt must be escaped as a JS literal")
	// Per-character cadence must be bounded, not instantaneous.
	assert.Contains(t, script, "await delay(30")
	assert.NotContains(t, script, "input.value = text")
}

func TestInjectionScriptEnterFallbackWithoutSubmitSelector(t *testing.T) {
	sc := testService()
	sc.Selectors.Submit = ""
	script := NewInjectedAutomator(sc, nil).InjectionScript("hi")

	assert.NotContains(t, script, "submit.click()")
	assert.Contains(t, script, "KeyboardEvent")
}

func TestMonitorScriptWatchesResponseContainer(t *testing.T) {
	script := NewInjectedAutomator(testService(), nil).MonitorScript()

	assert.Contains(t, script, "div[data-message-author-role='assistant']")
	assert.Contains(t, script, "MutationObserver")
	assert.Contains(t, script, "HIVEQUERY_CAPTURE_BEGIN")
}

func TestJSStringEscaping(t *testing.T) {
	got := jsString("a\nb\t\"c\"\\d")
	assert.Equal(t, `"a\nb\t\"c\"\\d"`, got)
}

func TestScriptExchangeRoundtrip(t *testing.T) {
	x, err := NewScriptExchange(t.TempDir())
	require.NoError(t, err)

	dir, err := x.WriteScripts("chatgpt", "req-1", "inject();", "monitor();")
	require.NoError(t, err)
	for _, name := range []string{"inject.js", "monitor.js"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.NotEmpty(t, data)
	}

	require.NoError(t, x.SubmitCapture("chatgpt", "req-1", "the answer"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := x.AwaitCapture(ctx, "chatgpt", "req-1")
	require.NoError(t, err)
	assert.Equal(t, "the answer", got)
}

func TestScriptExchangeRejectsUnknownRequest(t *testing.T) {
	x, err := NewScriptExchange(t.TempDir())
	require.NoError(t, err)
	assert.Error(t, x.SubmitCapture("chatgpt", "never-created", "text"))
}

func TestInjectedSendQueryCapturesResponse(t *testing.T) {
	x, err := NewScriptExchange(t.TempDir())
	require.NoError(t, err)
	a := NewInjectedAutomator(testService(), x)

	// Simulate the operator depositing a capture once the scripts appear.
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			dirs, _ := os.ReadDir(filepath.Join(x.root, "chatgpt"))
			if len(dirs) > 0 {
				_ = x.SubmitCapture("chatgpt", dirs[0].Name(), "  model output  ")
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()

	resp := a.SendQuery(context.Background(), "what is 2+2", 5*time.Second)
	assert.Equal(t, types.StatusSuccess, resp.Status)
	assert.Equal(t, "model output", resp.RawText)
	assert.Greater(t, resp.Latency, time.Duration(0))
}

func TestInjectedSendQueryTimesOutWithoutCapture(t *testing.T) {
	x, err := NewScriptExchange(t.TempDir())
	require.NoError(t, err)
	a := NewInjectedAutomator(testService(), x)

	resp := a.SendQuery(context.Background(), "hi", 700*time.Millisecond)
	assert.Equal(t, types.StatusTimeout, resp.Status)
	assert.NotEmpty(t, resp.Err)
}

func TestInjectedSendQueryDetectsRateLimitMarker(t *testing.T) {
	x, err := NewScriptExchange(t.TempDir())
	require.NoError(t, err)
	a := NewInjectedAutomator(testService(), x)

	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			dirs, _ := os.ReadDir(filepath.Join(x.root, "chatgpt"))
			if len(dirs) > 0 {
				_ = x.SubmitCapture("chatgpt", dirs[0].Name(),
					"You've reached your usage limit. Try again later.")
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()

	resp := a.SendQuery(context.Background(), "hi", 5*time.Second)
	assert.Equal(t, types.StatusRateLimited, resp.Status)
}

func TestRegistryBackoff(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewInjectedAutomator(testService(), nil))

	assert.False(t, reg.InBackoff("chatgpt"))
	rl := reg.MarkRateLimited("chatgpt")
	assert.GreaterOrEqual(t, rl.Backoff, 30*time.Second)
	assert.LessOrEqual(t, rl.Backoff, 120*time.Second)
	assert.ErrorIs(t, rl, types.ErrRateLimited)
	assert.True(t, reg.InBackoff("chatgpt"))
	assert.False(t, reg.InBackoff("claude"), "backoff is per service")
}

func TestBuildRegistryStrategies(t *testing.T) {
	services := map[string]config.ServiceConfig{"chatgpt": testService()}

	reg := BuildRegistry(services, nil, nil, "injected", nil)
	a, ok := reg.Get("chatgpt")
	require.True(t, ok)
	_, isInjected := a.(*InjectedAutomator)
	assert.True(t, isInjected)

	reg = BuildRegistry(services, nil, nil, "direct", nil)
	a, ok = reg.Get("chatgpt")
	require.True(t, ok)
	_, isDirect := a.(*DirectAutomator)
	assert.True(t, isDirect)
}

func TestHumanizerBounds(t *testing.T) {
	h := newHumanizer(400, 1600, 30, 120)
	for i := 0; i < 200; i++ {
		d := h.actionDelay()
		assert.GreaterOrEqual(t, d, 400*time.Millisecond)
		assert.Less(t, d, 1600*time.Millisecond)

		k := h.keyDelay()
		assert.GreaterOrEqual(t, k, 30*time.Millisecond)
		assert.Less(t, k, 120*time.Millisecond)
	}
}

func TestHumanizerDefaultsWhenUnset(t *testing.T) {
	h := newHumanizer(0, 0, 0, 0)
	assert.Greater(t, h.actionDelay(), time.Duration(0))
	assert.Greater(t, h.keyDelay(), time.Duration(0))
}

func TestClearStaleLocks(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"SingletonLock", "SingletonCookie", "SingletonSocket", "lockfile"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Preferences"), []byte("{}"), 0o644))

	require.NoError(t, ClearStaleLocks(dir))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"Preferences"}, names)
}

func TestDirectAutomatorRateLimitTextMatching(t *testing.T) {
	a := NewDirectAutomator(testService(), NewBrowserManager(config.BrowserConfig{}, t.TempDir()), nil)
	assert.True(t, a.rateLimitText("Sorry. You've reached your usage limit for today."))
	assert.False(t, a.rateLimitText("Here is your answer."))
}

// fakeCreds scripts the credential lookup for session-restore tests.
type fakeCreds struct {
	cred *types.ServiceCredential
	err  error
}

func (f fakeCreds) Get(ctx context.Context, serviceID string) (*types.ServiceCredential, error) {
	return f.cred, f.err
}

func TestDirectAutomatorExpiredCredentialYieldsTokenExpired(t *testing.T) {
	creds := fakeCreds{cred: &types.ServiceCredential{
		ServiceID: "chatgpt",
		ExpiresAt: time.Now().Add(-time.Hour),
	}}
	a := NewDirectAutomator(testService(), NewBrowserManager(config.BrowserConfig{}, t.TempDir()), creds)

	resp := a.SendQuery(context.Background(), "hi", time.Second)
	assert.Equal(t, types.StatusTokenExpired, resp.Status)
	assert.Contains(t, resp.Err, "expired")

	assert.Equal(t, types.StatusTokenExpired, a.HealthCheck(context.Background()))
}

func TestDirectAutomatorUndecryptableCredentialYieldsAuthRequired(t *testing.T) {
	creds := fakeCreds{err: fmt.Errorf("load chatgpt: %w", credstore.ErrDecrypt)}
	a := NewDirectAutomator(testService(), NewBrowserManager(config.BrowserConfig{}, t.TempDir()), creds)

	resp := a.SendQuery(context.Background(), "hi", time.Second)
	assert.Equal(t, types.StatusAuthRequired, resp.Status)
	assert.Contains(t, resp.Err, "decrypted")

	assert.Equal(t, types.StatusAuthRequired, a.HealthCheck(context.Background()))
	ok, err := a.Authenticate(context.Background())
	assert.False(t, ok)
	assert.ErrorIs(t, err, types.ErrAuthRequired)
}

func TestInjectionScriptMultilinePrompt(t *testing.T) {
	a := NewInjectedAutomator(testService(), nil)
	script := a.InjectionScript("line one\nline two")
	assert.Contains(t, script, `line one\nline two`)
	assert.False(t, strings.Contains(script, "line one\nline two"),
		"newlines must be escaped inside the literal")
}
