package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"hivequery/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// ServiceWatcher watches the services directory for selector config edits and
// pushes reloaded maps to a callback. UIs drift faster than releases ship, so
// operators patch YAML files and running automators pick the change up live.
type ServiceWatcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	dir         string
	onReload    func(map[string]ServiceConfig)
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	running     bool
}

// NewServiceWatcher creates a watcher over dir. onReload receives the full
// reloaded service map after every accepted change.
func NewServiceWatcher(dir string, onReload func(map[string]ServiceConfig)) (*ServiceWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &ServiceWatcher{
		watcher:     watcher,
		dir:         dir,
		onReload:    onReload,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond, // editors fire bursts of writes
		stopCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking.
func (w *ServiceWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0755); err != nil {
		logging.Get(logging.CategoryBoot).Warn("service watcher: create dir %s: %v", w.dir, err)
	}
	if err := w.watcher.Add(w.dir); err != nil {
		logging.Get(logging.CategoryBoot).Warn("service watcher: watch failed: %v", err)
	}

	go w.run(ctx)
	return nil
}

// Stop stops the watcher.
func (w *ServiceWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.running = false
	close(w.stopCh)
	_ = w.watcher.Close()
}

func (w *ServiceWatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryBoot).Warn("service watcher error: %v", err)
		}
	}
}

func (w *ServiceWatcher) handleEvent(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	last, seen := w.debounceMap[event.Name]
	now := time.Now()
	if seen && now.Sub(last) < w.debounceDur {
		w.mu.Unlock()
		return
	}
	w.debounceMap[event.Name] = now
	w.mu.Unlock()

	services, err := LoadServices(w.dir)
	if err != nil {
		logging.Get(logging.CategoryBoot).Warn("service watcher: reload failed: %v", err)
		return
	}
	logging.Get(logging.CategoryBoot).Info("service configs reloaded after change to %s", name)
	if w.onReload != nil {
		w.onReload(services)
	}
}
