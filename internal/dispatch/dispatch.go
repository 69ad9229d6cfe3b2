// Package dispatch fans a prompt out to several service automators at once
// and collects whatever comes back. A slow or broken service degrades its own
// slot only; siblings keep running.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"hivequery/internal/automator"
	"hivequery/internal/config"
	"hivequery/internal/logging"
	"hivequery/internal/types"
)

// RateGate decides whether a service call may proceed right now. The
// credential store's sliding-window limiter satisfies it.
type RateGate interface {
	IsWithinRateLimit(serviceID string, limitPerMinute int) bool
	RecordCall(serviceID string)
}

// Dispatcher runs concurrent query rounds against the automator registry.
type Dispatcher struct {
	registry *automator.Registry
	services map[string]config.ServiceConfig
	gate     RateGate
	cfg      config.DispatchConfig
}

// New creates a dispatcher. gate may be nil, which disables rate limiting.
func New(registry *automator.Registry, services map[string]config.ServiceConfig, gate RateGate, cfg config.DispatchConfig) *Dispatcher {
	return &Dispatcher{registry: registry, services: services, gate: gate, cfg: cfg}
}

// Dispatch sends the prompt to every named service concurrently and returns
// one ServiceResponse per service, in arrival order. The whole batch is
// bounded by timeout plus a fixed processing buffer; an empty or partial
// result set is a valid outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, serviceIDs []string, prompt string, timeout time.Duration) []types.ServiceResponse {
	if timeout <= 0 {
		timeout = d.cfg.ParsedDefaultTimeout()
	}
	batch := timeout + d.cfg.ParsedProcessingBuffer()
	ctx, cancel := context.WithTimeout(ctx, batch)
	defer cancel()

	logging.Dispatch("dispatching to %d services, per-call timeout %v, batch bound %v",
		len(serviceIDs), timeout, batch)

	parallel := d.cfg.MaxParallel
	if parallel <= 0 {
		parallel = len(serviceIDs)
	}

	results := make(chan types.ServiceResponse, len(serviceIDs))
	var grp errgroup.Group
	grp.SetLimit(parallel)
	for _, id := range serviceIDs {
		grp.Go(func() error {
			results <- d.callOne(ctx, id, prompt, timeout)
			return nil
		})
	}
	go func() {
		_ = grp.Wait()
		close(results)
	}()

	var out []types.ServiceResponse
	for resp := range results {
		if resp.Status == types.StatusRateLimited {
			d.registry.MarkRateLimited(resp.ServiceID)
		}
		out = append(out, resp)
	}
	logging.Dispatch("dispatch complete: %d/%d responses, %d successes",
		len(out), len(serviceIDs), countSuccesses(out))
	return out
}

// callOne runs a single service call with all pre-flight checks applied.
func (d *Dispatcher) callOne(ctx context.Context, serviceID, prompt string, timeout time.Duration) types.ServiceResponse {
	a, ok := d.registry.Get(serviceID)
	if !ok {
		return types.Failure(serviceID, types.StatusError, fmt.Errorf("no automator registered for %q", serviceID))
	}
	if d.registry.InBackoff(serviceID) {
		return types.Failure(serviceID, types.StatusRateLimited,
			fmt.Errorf("%s is in rate-limit backoff: %w", serviceID, types.ErrRateLimited))
	}
	if d.gate != nil {
		limit := d.services[serviceID].RateLimitPerMinute
		if limit > 0 && !d.gate.IsWithinRateLimit(serviceID, limit) {
			// Local limit exceeded: fail fast without touching the service.
			return types.Failure(serviceID, types.StatusRateLimited,
				fmt.Errorf("%s exceeded %d calls/minute: %w", serviceID, limit, types.ErrRateLimited))
		}
	}
	// A dead session fails here without burning a prompt or a rate slot.
	switch status := a.HealthCheck(ctx); status {
	case types.StatusAuthRequired, types.StatusTokenExpired:
		return types.Failure(serviceID, status,
			fmt.Errorf("%s failed its pre-dispatch health check: %w", serviceID, types.ErrAuthRequired))
	}
	if d.gate != nil {
		d.gate.RecordCall(serviceID)
	}
	return a.SendQuery(ctx, prompt, timeout)
}

func countSuccesses(responses []types.ServiceResponse) int {
	n := 0
	for _, r := range responses {
		if r.Status == types.StatusSuccess {
			n++
		}
	}
	return n
}

// Successes filters a result set down to the usable responses.
func Successes(responses []types.ServiceResponse) []types.ServiceResponse {
	var out []types.ServiceResponse
	for _, r := range responses {
		if r.Status == types.StatusSuccess {
			out = append(out, r)
		}
	}
	return out
}

// AllFailed reports whether a non-empty result set contains zero successes.
func AllFailed(responses []types.ServiceResponse) bool {
	return countSuccesses(responses) == 0
}
