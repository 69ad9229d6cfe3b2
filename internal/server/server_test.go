package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"hivequery/internal/automator"
	"hivequery/internal/config"
	"hivequery/internal/dispatch"
	"hivequery/internal/orchestrator"
	"hivequery/internal/router"
	"hivequery/internal/session"
	"hivequery/internal/synthesis"
	"hivequery/internal/types"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAutomator struct {
	id   string
	text string
}

func (a *stubAutomator) ServiceID() string                              { return a.id }
func (a *stubAutomator) Authenticate(ctx context.Context) (bool, error) { return true, nil }
func (a *stubAutomator) HealthCheck(ctx context.Context) types.Status   { return types.StatusSuccess }

func (a *stubAutomator) SendQuery(ctx context.Context, prompt string, timeout time.Duration) types.ServiceResponse {
	if a.text == "" {
		return types.Failure(a.id, types.StatusTimeout, errors.New("stubbed failure"))
	}
	return types.ServiceResponse{ServiceID: a.id, RawText: a.text, Status: types.StatusSuccess}
}

func newTestServer(t *testing.T, autos ...*stubAutomator) *httptest.Server {
	t.Helper()
	reg := automator.NewRegistry()
	services := map[string]config.ServiceConfig{}
	for _, a := range autos {
		reg.Register(a)
		services[a.id] = config.ServiceConfig{
			ID: a.id, Reliability: 0.9,
			Strengths: []string{"analytical", "factual", "general", "creative", "technical"},
		}
	}
	cfg := &config.Config{Dispatch: config.DispatchConfig{DefaultTimeout: "5s", ProcessingBuffer: "2s"}}
	d := dispatch.New(reg, services, nil, cfg.Dispatch)
	orch := orchestrator.New(cfg, router.New(services), d, nil, nil, session.NewArena(time.Hour))
	srv := httptest.NewServer(New(orch, synthesis.NewEngine(nil)))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func startSession(t *testing.T, srv *httptest.Server, rawText string) string {
	resp := postJSON(t, srv.URL+"/api/query/start", startQueryRequest{RawText: rawText})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	started := decode[startQueryResponse](t, resp)
	require.NotEmpty(t, started.SessionID)
	return started.SessionID
}

func TestStartQuery(t *testing.T) {
	srv := newTestServer(t, &stubAutomator{id: "alpha", text: "an answer"})

	resp := postJSON(t, srv.URL+"/api/query/start", startQueryRequest{RawText: "hello there"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	started := decode[startQueryResponse](t, resp)
	assert.Equal(t, session.StageInitialDiscussion, started.Stage)
}

func TestStartQueryRequiresText(t *testing.T) {
	srv := newTestServer(t)
	resp := postJSON(t, srv.URL+"/api/query/start", startQueryRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestRefineQuery(t *testing.T) {
	srv := newTestServer(t, &stubAutomator{id: "alpha", text: "an answer"})
	id := startSession(t, srv, "tell me about herons")

	resp := postJSON(t, srv.URL+"/api/query/refine", sessionRef{SessionID: id})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	refined := decode[refineQueryResponse](t, resp)
	// No model configured: refinement keeps the original text.
	assert.Equal(t, "tell me about herons", refined.RefinedQuery)
	assert.Equal(t, session.StageQueryRefinement, refined.Stage)
}

func TestRefineUnknownSession(t *testing.T) {
	srv := newTestServer(t)
	resp := postJSON(t, srv.URL+"/api/query/refine", sessionRef{SessionID: "nope"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestExecuteQuery(t *testing.T) {
	srv := newTestServer(t, &stubAutomator{id: "alpha", text: strings.Repeat("Detailed answer. ", 50)})
	id := startSession(t, srv, "compare the trade-offs of event sourcing")

	resp := postJSON(t, srv.URL+"/api/query/execute", sessionRef{SessionID: id})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	executed := decode[executeQueryResponse](t, resp)

	assert.Equal(t, session.StageComplete, executed.Stage)
	require.NotNil(t, executed.Result)
	assert.Contains(t, executed.Result.FinalText, "Detailed answer.")
	assert.Empty(t, executed.Error)
}

func TestExecuteAllFailedStillReturnsResult(t *testing.T) {
	srv := newTestServer(t, &stubAutomator{id: "alpha"}) // empty text -> failure
	id := startSession(t, srv, "compare the trade-offs of event sourcing")

	resp := postJSON(t, srv.URL+"/api/query/execute", sessionRef{SessionID: id})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	executed := decode[executeQueryResponse](t, resp)

	require.NotNil(t, executed.Result)
	assert.True(t, executed.Result.AllFailed)
	assert.NotEmpty(t, executed.Error)
	assert.Equal(t, session.StageComplete, executed.Stage)
}

func TestGetSessionSnapshot(t *testing.T) {
	srv := newTestServer(t, &stubAutomator{id: "alpha", text: strings.Repeat("words here. ", 60)})
	id := startSession(t, srv, "compare raft and paxos trade-offs")
	postJSON(t, srv.URL+"/api/query/execute", sessionRef{SessionID: id}).Body.Close()

	resp, err := http.Get(srv.URL + "/api/session/" + id)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decode[session.Snapshot](t, resp)

	assert.Equal(t, id, snap.SessionID)
	assert.Equal(t, session.StageComplete, snap.Stage)
	assert.Equal(t, "compare raft and paxos trade-offs", snap.OriginalQuery)
	require.NotNil(t, snap.Plan)
	assert.NotEmpty(t, snap.Responses)
	require.NotNil(t, snap.Result)
	assert.NotEmpty(t, snap.History)
}

func TestGetSessionNotFound(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/session/does-not-exist")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestSynthesizeEndpoint(t *testing.T) {
	srv := newTestServer(t)

	req := synthesizeRequest{
		Query: "what is the answer",
		Responses: []types.ServiceResponse{
			{ServiceID: "alpha", Status: types.StatusSuccess, RawText: "first view", Confidence: 0.8},
			{ServiceID: "beta", Status: types.StatusSuccess, RawText: "second view", Confidence: 0.6},
		},
	}
	resp := postJSON(t, srv.URL+"/api/synthesize", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode[types.SynthesizedResult](t, resp)

	// No model: labeled concatenation keeps every source's content.
	assert.Equal(t, synthesis.SourceHeuristic, result.Synthesizer)
	assert.Contains(t, result.FinalText, "[alpha]")
	assert.Contains(t, result.FinalText, "[beta]")
	assert.InDelta(t, 0.7, result.Confidence, 0.001)
}

func TestSynthesizeValidation(t *testing.T) {
	srv := newTestServer(t)
	resp := postJSON(t, srv.URL+"/api/synthesize", synthesizeRequest{Query: "q"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestEventStreamDeliversStages(t *testing.T) {
	srv := newTestServer(t, &stubAutomator{id: "alpha", text: strings.Repeat("Full answer. ", 60)})
	id := startSession(t, srv, "compare water and oil trade-offs")

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/session/" + id + "/events"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	go func() {
		body, _ := json.Marshal(sessionRef{SessionID: id})
		resp, err := http.Post(srv.URL+"/api/query/execute", "application/json", bytes.NewReader(body))
		if err == nil {
			resp.Body.Close()
		}
	}()

	deadline := time.Now().Add(10 * time.Second)
	var last session.StageEvent
	for time.Now().Before(deadline) {
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(10*time.Second)))
		var ev session.StageEvent
		require.NoError(t, ws.ReadJSON(&ev))
		assert.Equal(t, id, ev.SessionID)
		last = ev
		if session.Terminal(ev.To) {
			break
		}
	}
	assert.Equal(t, session.StageComplete, last.To)
}

func TestEventStreamUnknownSession(t *testing.T) {
	srv := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/session/ghost/events"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
