package automator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"hivequery/internal/config"
	"hivequery/internal/credstore"
	"hivequery/internal/logging"
	"hivequery/internal/types"

	"github.com/go-rod/rod"
	rodinput "github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
)

// DirectAutomator drives one chat service through the shared stealth browser.
type DirectAutomator struct {
	cfg      config.ServiceConfig
	browsers *BrowserManager
	creds    CredentialSource
	human    humanizer
}

// NewDirectAutomator builds a direct-drive automator for a service. creds may
// be nil; the automator then relies on the browser profile's own session.
func NewDirectAutomator(cfg config.ServiceConfig, browsers *BrowserManager, creds CredentialSource) *DirectAutomator {
	var bc config.BrowserConfig
	if browsers != nil {
		bc = browsers.cfg
	}
	return &DirectAutomator{
		cfg:      cfg,
		browsers: browsers,
		creds:    creds,
		human:    newHumanizer(bc.MinActionDelayMs, bc.MaxActionDelayMs, bc.MinKeyDelayMs, bc.MaxKeyDelayMs),
	}
}

// ServiceID returns the service id.
func (a *DirectAutomator) ServiceID() string { return a.cfg.ID }

// Authenticate restores the stored session and reports whether a logged-in
// session is present. It never performs a login itself; it reuses the stored
// cookies or the persistent profile and reports false when the login UI shows.
func (a *DirectAutomator) Authenticate(ctx context.Context) (bool, error) {
	if status, err := a.restoreSession(ctx); status != "" {
		return false, err
	}
	page, err := a.browsers.PageFor(ctx, a.cfg.ID, a.cfg.BaseURL)
	if err != nil {
		return false, err
	}
	a.dismissPopups(page)
	return !a.loginVisible(page), nil
}

// HealthCheck probes the session without sending a prompt. An expired stored
// credential surfaces as token_expired before the browser is touched.
func (a *DirectAutomator) HealthCheck(ctx context.Context) types.Status {
	if status, _ := a.restoreSession(ctx); status != "" {
		return status
	}
	ok, err := a.Authenticate(ctx)
	if err != nil {
		return types.StatusError
	}
	if !ok {
		return types.StatusAuthRequired
	}
	return types.StatusSuccess
}

// restoreSession fetches the stored credential and installs its session
// cookies before navigation. An empty status means the call may proceed. A
// blob the master key cannot open downgrades to auth_required; a lapsed TTL
// downgrades to token_expired, forcing re-authentication.
func (a *DirectAutomator) restoreSession(ctx context.Context) (types.Status, error) {
	if a.creds == nil {
		return "", nil
	}
	cred, err := a.creds.Get(ctx, a.cfg.ID)
	if err != nil {
		if errors.Is(err, credstore.ErrDecrypt) {
			return types.StatusAuthRequired,
				fmt.Errorf("stored credential for %s cannot be decrypted: %w", a.cfg.ID, types.ErrAuthRequired)
		}
		logging.AutomatorWarn("%s credential lookup failed: %v", a.cfg.ID, err)
		return "", nil
	}
	if cred == nil {
		return "", nil
	}
	if cred.Expired(time.Now()) {
		return types.StatusTokenExpired,
			fmt.Errorf("session for %s expired at %s: %w", a.cfg.ID, cred.ExpiresAt.Format(time.RFC3339), types.ErrAuthRequired)
	}
	if len(cred.SessionCookies) > 0 {
		if err := a.browsers.Start(ctx); err != nil {
			return types.StatusError, err
		}
		if err := a.browsers.SetCookies(a.cfg.ID, a.domain(), cred.SessionCookies); err != nil {
			logging.AutomatorWarn("%s cookie restore failed: %v", a.cfg.ID, err)
		}
	}
	return "", nil
}

func (a *DirectAutomator) domain() string {
	u, err := url.Parse(a.cfg.BaseURL)
	if err != nil || u.Hostname() == "" {
		return a.cfg.BaseURL
	}
	return u.Hostname()
}

// SendQuery submits the prompt and captures the raw response text.
func (a *DirectAutomator) SendQuery(ctx context.Context, prompt string, timeout time.Duration) types.ServiceResponse {
	start := time.Now()
	if timeout <= 0 {
		timeout = a.cfg.Timeout()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp := a.sendQuery(ctx, prompt)
	resp.Latency = time.Since(start)
	logging.Automator("%s query finished: status=%s latency=%v", a.cfg.ID, resp.Status, resp.Latency)
	return resp
}

func (a *DirectAutomator) sendQuery(ctx context.Context, prompt string) types.ServiceResponse {
	if status, err := a.restoreSession(ctx); status != "" {
		return types.Failure(a.cfg.ID, status, err)
	}

	page, err := a.browsers.PageFor(ctx, a.cfg.ID, a.cfg.BaseURL)
	if err != nil {
		return types.Failure(a.cfg.ID, types.StatusError, err)
	}
	page = page.Context(ctx)

	a.dismissPopups(page)

	if a.loginVisible(page) {
		return types.Failure(a.cfg.ID, types.StatusAuthRequired,
			fmt.Errorf("login UI detected on %s: %w", a.cfg.ID, types.ErrAuthRequired))
	}
	if a.rateLimitVisible(page) {
		return types.Failure(a.cfg.ID, types.StatusRateLimited,
			fmt.Errorf("%s shows a rate limit marker: %w", a.cfg.ID, types.ErrRateLimited))
	}

	input, err := page.Timeout(10 * time.Second).Element(a.cfg.Selectors.Input)
	if err != nil {
		return types.Failure(a.cfg.ID, types.StatusError,
			fmt.Errorf("input selector %q on %s: %w", a.cfg.Selectors.Input, a.cfg.ID, types.ErrSelectorNotFound))
	}

	// Pause, type with human cadence, pause again before submitting.
	sleepCtx(ctx, a.human.actionDelay())
	if err := input.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return types.Failure(a.cfg.ID, types.StatusError, fmt.Errorf("focus input: %w", err))
	}
	for _, r := range prompt {
		if ctx.Err() != nil {
			return types.Failure(a.cfg.ID, types.StatusTimeout,
				fmt.Errorf("typing prompt into %s: %w", a.cfg.ID, types.ErrTimeout))
		}
		if err := input.Input(string(r)); err != nil {
			return types.Failure(a.cfg.ID, types.StatusError, fmt.Errorf("type prompt: %w", err))
		}
		sleepCtx(ctx, a.human.keyDelay())
	}
	sleepCtx(ctx, a.human.actionDelay())

	if err := a.submit(page, input); err != nil {
		return types.Failure(a.cfg.ID, types.StatusError, err)
	}

	raw, err := a.awaitResponse(ctx, page)
	if err != nil {
		if ctx.Err() != nil {
			return types.Failure(a.cfg.ID, types.StatusTimeout,
				fmt.Errorf("awaiting response from %s: %w", a.cfg.ID, types.ErrTimeout))
		}
		return types.Failure(a.cfg.ID, types.StatusError, err)
	}
	if a.rateLimitText(raw) {
		return types.Failure(a.cfg.ID, types.StatusRateLimited,
			fmt.Errorf("%s response contains a rate limit marker: %w", a.cfg.ID, types.ErrRateLimited))
	}

	return types.ServiceResponse{
		ServiceID: a.cfg.ID,
		RawText:   raw,
		Status:    types.StatusSuccess,
	}
}

func (a *DirectAutomator) submit(page *rod.Page, input *rod.Element) error {
	if a.cfg.Selectors.Submit != "" {
		if btn, err := page.Timeout(3 * time.Second).Element(a.cfg.Selectors.Submit); err == nil {
			if err := btn.Click(proto.InputMouseButtonLeft, 1); err == nil {
				return nil
			}
		}
	}
	// Submit button missing or unclickable: fall back to Enter.
	if err := input.Type(rodinput.Enter); err != nil {
		return fmt.Errorf("submit prompt: %w", err)
	}
	return nil
}

// awaitResponse polls the response container until its text stabilizes, the
// loading indicator disappears, or the context expires.
func (a *DirectAutomator) awaitResponse(ctx context.Context, page *rod.Page) (string, error) {
	const pollInterval = 750 * time.Millisecond
	const stableReads = 3

	var last string
	stable := 0
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if last != "" {
				// Partial capture beats nothing when the clock runs out.
				return last, nil
			}
			return "", ctx.Err()
		case <-ticker.C:
		}

		text := a.latestResponseText(page)
		loading := a.loadingVisible(page)

		if text != "" && text == last && !loading {
			stable++
			if stable >= stableReads {
				return text, nil
			}
		} else {
			stable = 0
		}
		last = text
	}
}

// latestResponseText reads the newest response container's text.
func (a *DirectAutomator) latestResponseText(page *rod.Page) string {
	elements, err := page.Timeout(2 * time.Second).Elements(a.cfg.Selectors.Response)
	if err != nil || len(elements) == 0 {
		return ""
	}
	text, err := elements[len(elements)-1].Text()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}

func (a *DirectAutomator) loadingVisible(page *rod.Page) bool {
	if a.cfg.Selectors.Loading == "" {
		return false
	}
	has, _, err := page.Timeout(time.Second).Has(a.cfg.Selectors.Loading)
	return err == nil && has
}

func (a *DirectAutomator) loginVisible(page *rod.Page) bool {
	if a.cfg.Selectors.LoginMarker == "" {
		return false
	}
	has, _, err := page.Timeout(2 * time.Second).Has(a.cfg.Selectors.LoginMarker)
	return err == nil && has
}

func (a *DirectAutomator) rateLimitVisible(page *rod.Page) bool {
	if len(a.cfg.RateLimitMarkers) == 0 {
		return false
	}
	body, err := page.Timeout(2 * time.Second).Element("body")
	if err != nil {
		return false
	}
	text, err := body.Text()
	if err != nil {
		return false
	}
	return a.rateLimitText(text)
}

func (a *DirectAutomator) rateLimitText(text string) bool {
	for _, marker := range a.cfg.RateLimitMarkers {
		if marker != "" && strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// dismissPopups closes any configured modal/consent overlays.
func (a *DirectAutomator) dismissPopups(page *rod.Page) {
	for _, sel := range a.cfg.DismissSelectors {
		if sel == "" {
			continue
		}
		has, el, err := page.Timeout(time.Second).Has(sel)
		if err != nil || !has {
			continue
		}
		if err := el.Click(proto.InputMouseButtonLeft, 1); err == nil {
			logging.BrowserDebug("%s dismissed popup %s", a.cfg.ID, sel)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
