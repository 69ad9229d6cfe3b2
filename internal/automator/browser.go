package automator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"hivequery/internal/config"
	"hivequery/internal/logging"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

// BrowserManager owns the single shared stealth Chrome instance used by all
// direct-drive automators: one window, one tab per service. A single window
// with several tabs looks far less automated than several windows.
type BrowserManager struct {
	cfg         config.BrowserConfig
	profileRoot string

	mu      sync.Mutex
	browser *rod.Browser
	pages   map[string]*rod.Page // service id -> owned tab
}

// NewBrowserManager creates a manager rooted at profileRoot.
func NewBrowserManager(cfg config.BrowserConfig, profileRoot string) *BrowserManager {
	return &BrowserManager{
		cfg:         cfg,
		profileRoot: profileRoot,
		pages:       make(map[string]*rod.Page),
	}
}

// Chromium refuses to start while a previous run's singleton lock files are
// present in the profile directory.
var staleLockNames = []string{"SingletonLock", "SingletonCookie", "SingletonSocket", "lockfile"}

// ClearStaleLocks removes leftover profile lock files so a relaunch can
// claim the profile.
func ClearStaleLocks(profileDir string) error {
	var firstErr error
	for _, name := range staleLockNames {
		path := filepath.Join(profileDir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = fmt.Errorf("remove %s: %w", path, err)
			}
		}
	}
	return firstErr
}

// Start launches the shared browser if it is not already running.
func (m *BrowserManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		logging.Browser("stale browser connection detected, relaunching")
		_ = m.browser.Close()
		m.browser = nil
		m.pages = make(map[string]*rod.Page)
	}

	profileDir := filepath.Join(m.profileRoot, "shared")
	if err := os.MkdirAll(profileDir, 0755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}
	if err := ClearStaleLocks(profileDir); err != nil {
		logging.Get(logging.CategoryBrowser).Warn("stale lock cleanup: %v", err)
	}

	launch := launcher.New().
		Headless(m.cfg.Headless).
		UserDataDir(profileDir).
		Set(flags.Flag("disable-blink-features"), "AutomationControlled").
		Delete(flags.Flag("enable-automation")).
		Set(flags.Flag("no-first-run")).
		Set(flags.Flag("disable-infobars"))
	if m.cfg.Bin != "" {
		launch = launch.Bin(m.cfg.Bin)
	}

	controlURL, err := launch.Launch()
	if err != nil {
		return fmt.Errorf("launch chrome: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.browser = browser
	logging.Browser("shared browser started, profile=%s headless=%v", profileDir, m.cfg.Headless)
	return nil
}

// Shutdown closes all tabs and the browser.
func (m *BrowserManager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, page := range m.pages {
		_ = page.Close()
		delete(m.pages, id)
	}
	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	return err
}

// PageFor returns the tab exclusively owned by serviceID, creating and
// preparing it on first use. Two automators never share a tab.
func (m *BrowserManager) PageFor(ctx context.Context, serviceID, url string) (*rod.Page, error) {
	if err := m.Start(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browser == nil {
		return nil, errors.New("browser not connected")
	}

	if page, ok := m.pages[serviceID]; ok {
		return page, nil
	}

	page, err := m.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create tab for %s: %w", serviceID, err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.GetViewportWidth(),
		Height:            m.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		logging.Get(logging.CategoryBrowser).Warn("set viewport for %s: %v", serviceID, err)
	}

	// Scrub the automation tells before any site script runs.
	if _, err := page.EvalOnNewDocument(stealthScript); err != nil {
		logging.Get(logging.CategoryBrowser).Warn("install stealth script for %s: %v", serviceID, err)
	}

	if err := page.Context(ctx).Timeout(m.cfg.NavigationTimeout()).Navigate(url); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("navigate %s to %s: %w", serviceID, url, err)
	}

	m.pages[serviceID] = page
	logging.Browser("tab opened for %s at %s", serviceID, url)
	return page, nil
}

// ClosePage releases the tab owned by serviceID.
func (m *BrowserManager) ClosePage(serviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if page, ok := m.pages[serviceID]; ok {
		_ = page.Close()
		delete(m.pages, serviceID)
	}
}

// Connected reports whether the shared browser is up.
func (m *BrowserManager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.browser != nil
}

// SetCookies installs session cookies on the shared browser for a domain.
func (m *BrowserManager) SetCookies(serviceID, domain string, cookies map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browser == nil {
		return errors.New("browser not connected")
	}

	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	expiry := proto.TimeSinceEpoch(float64(time.Now().Add(30 * 24 * time.Hour).Unix()))
	for name, value := range cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name:    name,
			Value:   value,
			Domain:  domain,
			Path:    "/",
			Secure:  true,
			Expires: expiry,
		})
	}
	if err := m.browser.SetCookies(params); err != nil {
		return fmt.Errorf("set cookies for %s: %w", serviceID, err)
	}
	logging.BrowserDebug("restored %d cookies for %s", len(params), serviceID)
	return nil
}

// stealthScript hides the most common webdriver fingerprints. Injected on
// every new document, before page scripts execute.
const stealthScript = `
() => {
	Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
	if (!window.chrome) { window.chrome = { runtime: {} }; }
	const origQuery = navigator.permissions && navigator.permissions.query;
	if (origQuery) {
		navigator.permissions.query = (parameters) => (
			parameters.name === 'notifications'
				? Promise.resolve({ state: Notification.permission })
				: origQuery(parameters)
		);
	}
	Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });
	Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
}
`
