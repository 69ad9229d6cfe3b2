package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"hivequery/internal/automator"
	"hivequery/internal/config"
	"hivequery/internal/types"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeAutomator scripts one service's behavior for dispatcher tests.
type fakeAutomator struct {
	id      string
	delay   time.Duration
	health  types.Status
	respond func() types.ServiceResponse
}

func (f *fakeAutomator) ServiceID() string                              { return f.id }
func (f *fakeAutomator) Authenticate(ctx context.Context) (bool, error) { return true, nil }

func (f *fakeAutomator) HealthCheck(ctx context.Context) types.Status {
	if f.health != "" {
		return f.health
	}
	return types.StatusSuccess
}

func (f *fakeAutomator) SendQuery(ctx context.Context, prompt string, timeout time.Duration) types.ServiceResponse {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-ctx.Done():
		return types.Failure(f.id, types.StatusTimeout, ctx.Err())
	case <-time.After(f.delay):
	}
	if f.respond != nil {
		return f.respond()
	}
	return types.ServiceResponse{ServiceID: f.id, RawText: "answer from " + f.id, Status: types.StatusSuccess}
}

func testDispatcher(gate RateGate, fakes ...*fakeAutomator) (*Dispatcher, []string) {
	reg := automator.NewRegistry()
	services := map[string]config.ServiceConfig{}
	var ids []string
	for _, f := range fakes {
		reg.Register(f)
		services[f.id] = config.ServiceConfig{ID: f.id, RateLimitPerMinute: 2}
		ids = append(ids, f.id)
	}
	cfg := config.DispatchConfig{DefaultTimeout: "90s", ProcessingBuffer: "10s", MaxParallel: 3}
	return New(reg, services, gate, cfg), ids
}

func TestDispatchCollectsAllResponses(t *testing.T) {
	d, ids := testDispatcher(nil,
		&fakeAutomator{id: "chatgpt"},
		&fakeAutomator{id: "claude"},
		&fakeAutomator{id: "gemini"},
	)

	got := d.Dispatch(context.Background(), ids, "hello", 2*time.Second)

	assert.Len(t, got, 3)
	seen := map[string]bool{}
	for _, r := range got {
		assert.Equal(t, types.StatusSuccess, r.Status)
		seen[r.ServiceID] = true
	}
	assert.Len(t, seen, 3)
}

func TestDispatchSlowServiceDoesNotAbortSiblings(t *testing.T) {
	d, ids := testDispatcher(nil,
		&fakeAutomator{id: "fast"},
		&fakeAutomator{id: "slow", delay: 5 * time.Second},
	)

	start := time.Now()
	got := d.Dispatch(context.Background(), ids, "hello", 500*time.Millisecond)
	elapsed := time.Since(start)

	assert.Len(t, got, 2)
	byID := map[string]types.ServiceResponse{}
	for _, r := range got {
		byID[r.ServiceID] = r
	}
	assert.Equal(t, types.StatusSuccess, byID["fast"].Status)
	assert.Equal(t, types.StatusTimeout, byID["slow"].Status)
	assert.Less(t, elapsed, 3*time.Second, "batch bound must hold")
}

func TestDispatchFailureIsolation(t *testing.T) {
	d, ids := testDispatcher(nil,
		&fakeAutomator{id: "ok"},
		&fakeAutomator{id: "broken", respond: func() types.ServiceResponse {
			return types.Failure("broken", types.StatusError, errors.New("selector missing"))
		}},
	)

	got := d.Dispatch(context.Background(), ids, "hello", time.Second)

	assert.Len(t, got, 2)
	assert.False(t, AllFailed(got))
	assert.Len(t, Successes(got), 1)
}

func TestDispatchEmptyServiceList(t *testing.T) {
	d, _ := testDispatcher(nil)
	got := d.Dispatch(context.Background(), nil, "hello", time.Second)
	assert.Empty(t, got)
}

func TestDispatchUnknownServiceProducesFailure(t *testing.T) {
	d, _ := testDispatcher(nil, &fakeAutomator{id: "chatgpt"})
	got := d.Dispatch(context.Background(), []string{"nope"}, "hello", time.Second)

	assert.Len(t, got, 1)
	assert.Equal(t, types.StatusError, got[0].Status)
	assert.NotEmpty(t, got[0].Err)
}

// denyGate rejects every call to prove the service is never touched.
type denyGate struct{ recorded int }

func (g *denyGate) IsWithinRateLimit(serviceID string, limitPerMinute int) bool { return false }
func (g *denyGate) RecordCall(serviceID string)                                 { g.recorded++ }

func TestDispatchRateGateBlocksCalls(t *testing.T) {
	gate := &denyGate{}
	called := false
	d, ids := testDispatcher(gate, &fakeAutomator{id: "chatgpt", respond: func() types.ServiceResponse {
		called = true
		return types.ServiceResponse{ServiceID: "chatgpt", Status: types.StatusSuccess}
	}})

	got := d.Dispatch(context.Background(), ids, "hello", time.Second)

	assert.Len(t, got, 1)
	assert.Equal(t, types.StatusRateLimited, got[0].Status)
	assert.False(t, called, "over-limit dispatch must not touch the service")
	assert.Zero(t, gate.recorded)
}

func TestDispatchRateLimitedResponseTriggersBackoff(t *testing.T) {
	reg := automator.NewRegistry()
	f := &fakeAutomator{id: "chatgpt", respond: func() types.ServiceResponse {
		return types.Failure("chatgpt", types.StatusRateLimited, errors.New("limit marker seen"))
	}}
	reg.Register(f)
	cfg := config.DispatchConfig{DefaultTimeout: "90s", ProcessingBuffer: "10s"}
	d := New(reg, map[string]config.ServiceConfig{"chatgpt": {ID: "chatgpt"}}, nil, cfg)

	got := d.Dispatch(context.Background(), []string{"chatgpt"}, "hello", time.Second)
	assert.Equal(t, types.StatusRateLimited, got[0].Status)
	assert.True(t, reg.InBackoff("chatgpt"))

	// Next round fails fast while the backoff holds.
	got = d.Dispatch(context.Background(), []string{"chatgpt"}, "hello", time.Second)
	assert.Equal(t, types.StatusRateLimited, got[0].Status)
	assert.Contains(t, got[0].Err, "backoff")
}

func TestDispatchHealthCheckDowngradesDeadSession(t *testing.T) {
	called := false
	d, ids := testDispatcher(nil,
		&fakeAutomator{id: "healthy"},
		&fakeAutomator{id: "stale", health: types.StatusTokenExpired, respond: func() types.ServiceResponse {
			called = true
			return types.ServiceResponse{ServiceID: "stale", Status: types.StatusSuccess}
		}},
	)

	got := d.Dispatch(context.Background(), ids, "hello", time.Second)

	byID := map[string]types.ServiceResponse{}
	for _, r := range got {
		byID[r.ServiceID] = r
	}
	assert.Equal(t, types.StatusSuccess, byID["healthy"].Status)
	assert.Equal(t, types.StatusTokenExpired, byID["stale"].Status)
	assert.Contains(t, byID["stale"].Err, "health check")
	assert.False(t, called, "a dead session must not receive the prompt")
}

func TestDispatchHealthCheckDoesNotBurnRateSlot(t *testing.T) {
	gate := &denyGate{}
	reg := automator.NewRegistry()
	reg.Register(&fakeAutomator{id: "stale", health: types.StatusAuthRequired})
	cfg := config.DispatchConfig{DefaultTimeout: "90s", ProcessingBuffer: "10s"}
	d := New(reg, map[string]config.ServiceConfig{"stale": {ID: "stale"}}, gate, cfg)

	got := d.Dispatch(context.Background(), []string{"stale"}, "hello", time.Second)

	assert.Equal(t, types.StatusAuthRequired, got[0].Status)
	assert.Zero(t, gate.recorded)
}

func TestAllFailed(t *testing.T) {
	assert.True(t, AllFailed(nil))
	assert.True(t, AllFailed([]types.ServiceResponse{
		{ServiceID: "a", Status: types.StatusTimeout},
		{ServiceID: "b", Status: types.StatusAuthRequired},
	}))
	assert.False(t, AllFailed([]types.ServiceResponse{
		{ServiceID: "a", Status: types.StatusSuccess},
	}))
}
