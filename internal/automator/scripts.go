package automator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"hivequery/internal/config"
	"hivequery/internal/logging"
	"hivequery/internal/types"

	"github.com/google/uuid"
)

// ScriptExchange is the file-based handoff point for the injected-script
// strategy. Generated scripts are written under <root>/<service>/<request>/
// and captured responses are deposited there by whoever ran the scripts in
// the browser console (the CLI inject command or the control API).
type ScriptExchange struct {
	root string
}

// NewScriptExchange creates the exchange rooted at dir.
func NewScriptExchange(dir string) (*ScriptExchange, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create script exchange dir: %w", err)
	}
	return &ScriptExchange{root: dir}, nil
}

func (x *ScriptExchange) requestDir(serviceID, requestID string) string {
	return filepath.Join(x.root, serviceID, requestID)
}

// WriteScripts stores the injection and monitor scripts for a request and
// returns the directory holding them.
func (x *ScriptExchange) WriteScripts(serviceID, requestID, inject, monitor string) (string, error) {
	dir := x.requestDir(serviceID, requestID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create request dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "inject.js"), []byte(inject), 0o644); err != nil {
		return "", fmt.Errorf("write inject script: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "monitor.js"), []byte(monitor), 0o644); err != nil {
		return "", fmt.Errorf("write monitor script: %w", err)
	}
	return dir, nil
}

// SubmitCapture deposits a captured response for a pending request.
func (x *ScriptExchange) SubmitCapture(serviceID, requestID, text string) error {
	dir := x.requestDir(serviceID, requestID)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("unknown request %s/%s: %w", serviceID, requestID, err)
	}
	tmp := filepath.Join(dir, ".capture.tmp")
	if err := os.WriteFile(tmp, []byte(text), 0o644); err != nil {
		return fmt.Errorf("write capture: %w", err)
	}
	// Rename so a poller never reads a half-written file.
	return os.Rename(tmp, filepath.Join(dir, "capture.txt"))
}

// AwaitCapture blocks until a capture arrives for the request or ctx expires.
func (x *ScriptExchange) AwaitCapture(ctx context.Context, serviceID, requestID string) (string, error) {
	path := filepath.Join(x.requestDir(serviceID, requestID), "capture.txt")
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		if data, err := os.ReadFile(path); err == nil {
			return string(data), nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// InjectedAutomator implements the paste-into-console strategy: it emits a
// script pair per query instead of driving the page itself.
type InjectedAutomator struct {
	cfg      config.ServiceConfig
	exchange *ScriptExchange
}

// NewInjectedAutomator builds a script-generating automator for a service.
func NewInjectedAutomator(cfg config.ServiceConfig, exchange *ScriptExchange) *InjectedAutomator {
	return &InjectedAutomator{cfg: cfg, exchange: exchange}
}

// ServiceID returns the service id.
func (a *InjectedAutomator) ServiceID() string { return a.cfg.ID }

// Authenticate always succeeds; authentication is the operator's browser
// session, which this strategy never sees.
func (a *InjectedAutomator) Authenticate(ctx context.Context) (bool, error) { return true, nil }

// HealthCheck reports whether the exchange directory is usable.
func (a *InjectedAutomator) HealthCheck(ctx context.Context) types.Status {
	if a.exchange == nil {
		return types.StatusError
	}
	return types.StatusSuccess
}

// SendQuery writes the script pair and waits for the operator to deposit the
// captured response.
func (a *InjectedAutomator) SendQuery(ctx context.Context, prompt string, timeout time.Duration) types.ServiceResponse {
	start := time.Now()
	if timeout <= 0 {
		timeout = a.cfg.Timeout()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	requestID := uuid.NewString()
	dir, err := a.exchange.WriteScripts(a.cfg.ID, requestID,
		a.InjectionScript(prompt), a.MonitorScript())
	if err != nil {
		return types.Failure(a.cfg.ID, types.StatusError, err)
	}
	logging.Automator("%s scripts ready in %s (request %s)", a.cfg.ID, dir, requestID)

	raw, err := a.exchange.AwaitCapture(ctx, a.cfg.ID, requestID)
	if err != nil {
		resp := types.Failure(a.cfg.ID, types.StatusTimeout,
			fmt.Errorf("no capture for request %s: %w", requestID, types.ErrTimeout))
		resp.Latency = time.Since(start)
		return resp
	}

	for _, marker := range a.cfg.RateLimitMarkers {
		if marker != "" && strings.Contains(raw, marker) {
			resp := types.Failure(a.cfg.ID, types.StatusRateLimited,
				fmt.Errorf("capture contains rate limit marker: %w", types.ErrRateLimited))
			resp.Latency = time.Since(start)
			return resp
		}
	}

	return types.ServiceResponse{
		ServiceID: a.cfg.ID,
		RawText:   strings.TrimSpace(raw),
		Status:    types.StatusSuccess,
		Latency:   time.Since(start),
	}
}

// InjectionScript builds the console script that types the prompt into the
// service's input with a bounded per-character cadence and then submits it.
func (a *InjectedAutomator) InjectionScript(prompt string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "(async () => {\n")
	fmt.Fprintf(&b, "  const input = document.querySelector(%q);\n", a.cfg.Selectors.Input)
	fmt.Fprintf(&b, "  if (!input) { console.error('input not found: %s'); return; }\n", a.cfg.Selectors.Input)
	fmt.Fprintf(&b, "  const text = %s;\n", jsString(prompt))
	fmt.Fprintf(&b, "  const delay = ms => new Promise(r => setTimeout(r, ms));\n")
	fmt.Fprintf(&b, "  input.focus();\n")
	fmt.Fprintf(&b, "  for (const ch of text) {\n")
	fmt.Fprintf(&b, "    if (input.isContentEditable) {\n")
	fmt.Fprintf(&b, "      document.execCommand('insertText', false, ch);\n")
	fmt.Fprintf(&b, "    } else {\n")
	fmt.Fprintf(&b, "      input.value += ch;\n")
	fmt.Fprintf(&b, "      input.dispatchEvent(new Event('input', { bubbles: true }));\n")
	fmt.Fprintf(&b, "    }\n")
	fmt.Fprintf(&b, "    await delay(%d + Math.random() * %d);\n", minInjectedKeyDelayMs, maxInjectedKeyDelayMs-minInjectedKeyDelayMs)
	fmt.Fprintf(&b, "  }\n")
	fmt.Fprintf(&b, "  await delay(%d + Math.random() * %d);\n", minInjectedActionDelayMs, maxInjectedActionDelayMs-minInjectedActionDelayMs)
	if a.cfg.Selectors.Submit != "" {
		fmt.Fprintf(&b, "  const submit = document.querySelector(%q);\n", a.cfg.Selectors.Submit)
		fmt.Fprintf(&b, "  if (submit) { submit.click(); return; }\n")
	}
	fmt.Fprintf(&b, "  input.dispatchEvent(new KeyboardEvent('keydown', { key: 'Enter', bubbles: true }));\n")
	fmt.Fprintf(&b, "})();\n")
	return b.String()
}

// MonitorScript builds the console script that watches the response container
// with a MutationObserver and prints the final text once it stops changing.
func (a *InjectedAutomator) MonitorScript() string {
	var b strings.Builder
	fmt.Fprintf(&b, "(() => {\n")
	fmt.Fprintf(&b, "  const selector = %q;\n", a.cfg.Selectors.Response)
	fmt.Fprintf(&b, "  const stabilityMs = %d;\n", monitorStabilityMs)
	fmt.Fprintf(&b, "  let timer = null;\n")
	fmt.Fprintf(&b, "  const latest = () => {\n")
	fmt.Fprintf(&b, "    const nodes = document.querySelectorAll(selector);\n")
	fmt.Fprintf(&b, "    return nodes.length ? nodes[nodes.length - 1].innerText : '';\n")
	fmt.Fprintf(&b, "  };\n")
	fmt.Fprintf(&b, "  const finish = () => {\n")
	fmt.Fprintf(&b, "    observer.disconnect();\n")
	fmt.Fprintf(&b, "    const text = latest();\n")
	fmt.Fprintf(&b, "    console.log('HIVEQUERY_CAPTURE_BEGIN');\n")
	fmt.Fprintf(&b, "    console.log(text);\n")
	fmt.Fprintf(&b, "    console.log('HIVEQUERY_CAPTURE_END');\n")
	fmt.Fprintf(&b, "    if (typeof copy === 'function') copy(text);\n")
	fmt.Fprintf(&b, "  };\n")
	fmt.Fprintf(&b, "  const observer = new MutationObserver(() => {\n")
	fmt.Fprintf(&b, "    if (timer) clearTimeout(timer);\n")
	fmt.Fprintf(&b, "    timer = setTimeout(finish, stabilityMs);\n")
	fmt.Fprintf(&b, "  });\n")
	fmt.Fprintf(&b, "  observer.observe(document.body, { childList: true, subtree: true, characterData: true });\n")
	fmt.Fprintf(&b, "  timer = setTimeout(finish, stabilityMs);\n")
	fmt.Fprintf(&b, "  console.log('watching', selector);\n")
	fmt.Fprintf(&b, "})();\n")
	return b.String()
}

// Injected-script cadence bounds, in milliseconds.
const (
	minInjectedKeyDelayMs    = 30
	maxInjectedKeyDelayMs    = 120
	minInjectedActionDelayMs = 400
	maxInjectedActionDelayMs = 1200
	monitorStabilityMs       = 2500
)

// jsString renders s as a JavaScript string literal.
func jsString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}
