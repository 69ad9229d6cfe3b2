// Package server exposes the control API: JSON endpoints over the
// orchestrator plus a WebSocket stream of stage-transition events per
// session.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"hivequery/internal/logging"
	"hivequery/internal/orchestrator"
	"hivequery/internal/session"
	"hivequery/internal/synthesis"
	"hivequery/internal/types"

	"github.com/gorilla/websocket"
)

// Server is the control API over one orchestrator.
type Server struct {
	orch     *orchestrator.Orchestrator
	engine   *synthesis.Engine
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

// New builds the API surface.
func New(orch *orchestrator.Orchestrator, engine *synthesis.Engine) *Server {
	s := &Server{
		orch:   orch,
		engine: engine,
		mux:    http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The listener binds loopback only, see cmd serve.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/query/start", s.handleStartQuery)
	s.mux.HandleFunc("POST /api/query/refine", s.handleRefineQuery)
	s.mux.HandleFunc("POST /api/query/execute", s.handleExecuteQuery)
	s.mux.HandleFunc("GET /api/session/{id}", s.handleGetSession)
	s.mux.HandleFunc("POST /api/synthesize", s.handleSynthesize)
	s.mux.HandleFunc("GET /api/session/{id}/events", s.handleEvents)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type startQueryRequest struct {
	RawText        string   `json:"raw_text"`
	TargetServices []string `json:"target_services,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	Confidential   bool     `json:"confidential,omitempty"`
	StructuredMode bool     `json:"structured_mode,omitempty"`
}

type startQueryResponse struct {
	SessionID string        `json:"session_id"`
	Stage     session.Stage `json:"stage"`
}

func (s *Server) handleStartQuery(w http.ResponseWriter, r *http.Request) {
	var req startQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.RawText == "" {
		writeError(w, http.StatusBadRequest, "raw_text is required")
		return
	}
	conv := s.orch.StartQuery(types.QueryRequest{
		RawText:        req.RawText,
		TargetServices: req.TargetServices,
		Timeout:        time.Duration(req.TimeoutSeconds) * time.Second,
		Confidential:   req.Confidential,
		StructuredMode: req.StructuredMode,
	})
	logging.Server("session %s started", conv.ID)
	writeJSON(w, http.StatusCreated, startQueryResponse{SessionID: conv.ID, Stage: conv.Stage()})
}

type sessionRef struct {
	SessionID string `json:"session_id"`
}

type refineQueryResponse struct {
	SessionID    string        `json:"session_id"`
	RefinedQuery string        `json:"refined_query"`
	Stage        session.Stage `json:"stage"`
}

func (s *Server) handleRefineQuery(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.lookup(w, r)
	if !ok {
		return
	}
	refined := s.orch.RefineQuery(r.Context(), conv)
	writeJSON(w, http.StatusOK, refineQueryResponse{SessionID: conv.ID, RefinedQuery: refined, Stage: conv.Stage()})
}

type executeQueryResponse struct {
	SessionID string                   `json:"session_id"`
	Stage     session.Stage            `json:"stage"`
	Result    *types.SynthesizedResult `json:"result,omitempty"`
	Error     string                   `json:"error,omitempty"`
}

func (s *Server) handleExecuteQuery(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.lookup(w, r)
	if !ok {
		return
	}
	result, err := s.orch.Execute(r.Context(), conv)
	resp := executeQueryResponse{SessionID: conv.ID, Stage: conv.Stage(), Result: result}
	switch {
	case errors.Is(err, types.ErrAllServicesFailed):
		// Degraded but complete: the labeled result ships with the error.
		resp.Error = err.Error()
		writeJSON(w, http.StatusOK, resp)
	case err != nil:
		resp.Error = err.Error()
		writeJSON(w, http.StatusBadGateway, resp)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	// Live sessions come from the arena; terminal ones may only survive in
	// the persisted session table.
	snap, ok := s.orch.Session(r.Context(), r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown or expired session")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type synthesizeRequest struct {
	Query     string                  `json:"query"`
	Responses []types.ServiceResponse `json:"responses"`
}

// handleSynthesize re-runs stage 3 over caller-supplied responses. Used to
// re-merge after manual edits without another dispatch round.
func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	var req synthesizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Query == "" || len(req.Responses) == 0 {
		writeError(w, http.StatusBadRequest, "query and responses are required")
		return
	}
	result := s.engine.Synthesize(r.Context(), req.Query, req.Responses, synthesis.Analysis{}, nil)
	writeJSON(w, http.StatusOK, result)
}

// handleEvents upgrades to a WebSocket and streams stage transitions for one
// session until it reaches a terminal stage or the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conv := s.orch.Arena().Get(r.PathValue("id"))
	if conv == nil {
		writeError(w, http.StatusNotFound, "unknown or expired session")
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Server("websocket upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	events := make(chan session.StageEvent, 32)
	conv.Observe(events)
	defer conv.Unobserve(events)

	// Replay history first so late subscribers see the whole run.
	for _, ev := range conv.History() {
		if err := ws.WriteJSON(ev); err != nil {
			return
		}
	}
	if session.Terminal(conv.Stage()) {
		return
	}

	for {
		select {
		case ev := <-events:
			if err := ws.WriteJSON(ev); err != nil {
				return
			}
			if session.Terminal(ev.To) {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// lookup resolves the session named in a JSON body.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.ConversationContext, bool) {
	var ref sessionRef
	if err := json.NewDecoder(r.Body).Decode(&ref); err != nil || ref.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return nil, false
	}
	conv := s.orch.Arena().Get(ref.SessionID)
	if conv == nil {
		writeError(w, http.StatusNotFound, "unknown or expired session")
		return nil, false
	}
	return conv, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Server("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
