// Package automator drives the target chat services end-to-end: session
// auth, prompt submission, and raw response capture. Two interchangeable
// strategies exist behind the same interface - direct-drive (a stealth
// browser owned by this process) and injected-script (script pairs executed
// in a browser the end user controls).
package automator

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"hivequery/internal/config"
	"hivequery/internal/logging"
	"hivequery/internal/types"
)

// Automator is the per-service automation contract.
type Automator interface {
	ServiceID() string
	Authenticate(ctx context.Context) (bool, error)
	SendQuery(ctx context.Context, prompt string, timeout time.Duration) types.ServiceResponse
	HealthCheck(ctx context.Context) types.Status
}

// CredentialSource resolves the stored credential for a service. The
// credential store satisfies it; a nil source disables session restore. A
// lookup error wrapping credstore.ErrDecrypt means the blob exists but the
// master key cannot open it.
type CredentialSource interface {
	Get(ctx context.Context, serviceID string) (*types.ServiceCredential, error)
}

// Registry maps service ids to automators. Adding a service means adding one
// config entry and one registration; the dispatcher never changes.
type Registry struct {
	mu         sync.RWMutex
	automators map[string]Automator
	backoffs   map[string]time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		automators: make(map[string]Automator),
		backoffs:   make(map[string]time.Time),
	}
}

// Register adds or replaces an automator.
func (r *Registry) Register(a Automator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.automators[a.ServiceID()] = a
}

// Get returns the automator for a service id.
func (r *Registry) Get(serviceID string) (Automator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.automators[serviceID]
	return a, ok
}

// IDs returns all registered service ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.automators))
	for id := range r.automators {
		ids = append(ids, id)
	}
	return ids
}

// MarkRateLimited records a randomized 30-120s backoff for a service and
// returns it as a RateLimitError so callers can errors.Is on ErrRateLimited.
func (r *Registry) MarkRateLimited(serviceID string) *types.RateLimitError {
	backoff := 30*time.Second + time.Duration(rand.Int63n(int64(90*time.Second)))
	r.mu.Lock()
	r.backoffs[serviceID] = time.Now().Add(backoff)
	r.mu.Unlock()
	logging.AutomatorWarn("%s rate limited, backing off %v", serviceID, backoff)
	return &types.RateLimitError{ServiceID: serviceID, Backoff: backoff}
}

// InBackoff reports whether a service is still cooling down.
func (r *Registry) InBackoff(serviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	until, ok := r.backoffs[serviceID]
	return ok && time.Now().Before(until)
}

// BuildRegistry constructs automators for every service config using the
// configured strategy.
func BuildRegistry(services map[string]config.ServiceConfig, browsers *BrowserManager, exchange *ScriptExchange, strategy string, creds CredentialSource) *Registry {
	reg := NewRegistry()
	for _, sc := range services {
		switch strategy {
		case "injected":
			reg.Register(NewInjectedAutomator(sc, exchange))
		default:
			reg.Register(NewDirectAutomator(sc, browsers, creds))
		}
	}
	return reg
}

// UpdateServices swaps in reloaded service configs without dropping backoff
// state. Called from the config hot-reload path.
func (r *Registry) UpdateServices(services map[string]config.ServiceConfig, browsers *BrowserManager, exchange *ScriptExchange, strategy string, creds CredentialSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sc := range services {
		switch strategy {
		case "injected":
			r.automators[id] = NewInjectedAutomator(sc, exchange)
		default:
			r.automators[id] = NewDirectAutomator(sc, browsers, creds)
		}
	}
	logging.Automator("registry updated with %d service configs", len(services))
}
