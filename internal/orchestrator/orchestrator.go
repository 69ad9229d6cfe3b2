// Package orchestrator wires the pipeline together: refine the query, plan
// the routing, fan out to services, process and judge the responses, run at
// most one follow-up round, and synthesize the final answer. Every stage has
// a fallback so a conversation always reaches COMPLETE unless the caller's
// context dies first.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"hivequery/internal/config"
	"hivequery/internal/credstore"
	"hivequery/internal/dispatch"
	"hivequery/internal/llm"
	"hivequery/internal/logging"
	"hivequery/internal/processor"
	"hivequery/internal/router"
	"hivequery/internal/session"
	"hivequery/internal/synthesis"
	"hivequery/internal/types"
	"hivequery/internal/utility"
)

// SessionStore persists conversation snapshots across restarts. The
// credential store's session table satisfies it.
type SessionStore interface {
	PutSession(ctx context.Context, sessionID, payload string, ttl time.Duration) error
	GetSession(ctx context.Context, sessionID string) (*credstore.SessionRecord, error)
	TouchSession(ctx context.Context, sessionID string) error
}

// Orchestrator owns one deployment's pipeline components.
type Orchestrator struct {
	cfg        *config.Config
	router     *router.Router
	dispatcher *dispatch.Dispatcher
	engine     *synthesis.Engine
	model      llm.Client
	utilities  *utility.Client
	arena      *session.Arena
	store      SessionStore
}

// New assembles an orchestrator. model and utilities may be nil; the
// corresponding stages then run on their fallbacks.
func New(cfg *config.Config, rt *router.Router, d *dispatch.Dispatcher, model llm.Client, utilities *utility.Client, arena *session.Arena) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		router:     rt,
		dispatcher: d,
		engine:     synthesis.NewEngine(model),
		model:      model,
		utilities:  utilities,
		arena:      arena,
	}
}

// Arena exposes the live-session store to the control API.
func (o *Orchestrator) Arena() *session.Arena { return o.arena }

// UseSessionStore enables durable session snapshots. Terminal conversations
// are written through; lookups fall back to the store on an arena miss.
func (o *Orchestrator) UseSessionStore(store SessionStore) { o.store = store }

// Session resolves a session id to a snapshot, live or persisted.
func (o *Orchestrator) Session(ctx context.Context, id string) (*session.Snapshot, bool) {
	if conv := o.arena.Get(id); conv != nil {
		snap := conv.Snapshot()
		return &snap, true
	}
	if o.store == nil {
		return nil, false
	}
	rec, err := o.store.GetSession(ctx, id)
	if err != nil || rec == nil {
		return nil, false
	}
	var snap session.Snapshot
	if err := json.Unmarshal([]byte(rec.Payload), &snap); err != nil {
		logging.Session("persisted snapshot %s is unreadable: %v", id, err)
		return nil, false
	}
	_ = o.store.TouchSession(ctx, id)
	return &snap, true
}

// persist writes the conversation snapshot through to the session table. Runs
// on its own deadline so a dead caller context cannot lose the write.
func (o *Orchestrator) persist(conv *session.ConversationContext) {
	if o.store == nil {
		return
	}
	payload, err := json.Marshal(conv.Snapshot())
	if err != nil {
		logging.Session("snapshot %s: %v", conv.ID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.PutSession(ctx, conv.ID, string(payload), o.cfg.Storage.ParsedSessionTTL()); err != nil {
		logging.Session("persist %s: %v", conv.ID, err)
	}
}

// StartQuery opens a conversation and registers it in the arena.
func (o *Orchestrator) StartQuery(req types.QueryRequest) *session.ConversationContext {
	conv := session.NewContext(req)
	o.arena.Put(conv)
	logging.Session("started conversation %s for %q", conv.ID, truncate(req.RawText, 60))
	return conv
}

const refineSystemPrompt = `Rewrite the user's question so an AI assistant answers it
precisely: resolve vague references, expand abbreviations, keep the original intent.
Return ONLY the rewritten question, no commentary.`

// RefineQuery sharpens the original query with the local model. Model
// trouble falls back to the unrefined text; refinement never fails a query.
func (o *Orchestrator) RefineQuery(ctx context.Context, conv *session.ConversationContext) string {
	refined := conv.OriginalQuery
	if o.model != nil && o.model.Healthy(ctx) {
		out, err := o.model.CompleteWithSystem(ctx, refineSystemPrompt, conv.OriginalQuery)
		if err == nil && strings.TrimSpace(out) != "" {
			refined = strings.TrimSpace(out)
		} else if err != nil {
			logging.ModelWarn("refinement failed, keeping original query: %v", err)
		}
	}
	conv.RefinedQuery = refined
	if err := conv.Advance(session.StageQueryRefinement, truncate(refined, 60)); err != nil {
		logging.Session("refine on %s: %v", conv.ID, err)
	}
	return refined
}

// Execute runs the conversation from routing through final synthesis.
func (o *Orchestrator) Execute(ctx context.Context, conv *session.ConversationContext) (*types.SynthesizedResult, error) {
	if conv.RefinedQuery == "" {
		o.RefineQuery(ctx, conv)
	}
	query := conv.RefinedQuery

	plan := o.router.Plan(conv.Request)
	conv.SetPlan(plan)
	if err := conv.Advance(session.StageServiceRouting, plan.Justification); err != nil {
		return nil, err
	}

	switch {
	case plan.LocalOnly:
		return o.executeLocalOnly(ctx, conv, query)
	case plan.Utility:
		return o.executeUtility(ctx, conv, plan.Category, query)
	}

	responses := o.dispatchAndProcess(ctx, conv, plan.Services, query)
	conv.Responses = responses
	successes := dispatch.Successes(responses)

	if dispatch.AllFailed(responses) {
		return o.completeAllFailed(conv, responses)
	}

	analyzer := o.engine.SelectAnalyzer(ctx)
	analysis := analyzer.Analyze(ctx, query, successes)
	conv.Analysis = &analysis
	if err := conv.Advance(session.StageResponseAnalysis, analysis.Reasoning); err != nil {
		return nil, err
	}

	followedUp := map[string]bool{}
	if analysis.FollowUpNeeded && len(analysis.IncompleteSources) > 0 {
		if err := conv.Advance(session.StageFollowUpGeneration, ""); err != nil {
			return nil, err
		}
		prompt := synthesis.FollowUpPrompt(query, analysis)
		followUps := o.dispatchAndProcess(ctx, conv, analysis.IncompleteSources, prompt)
		conv.FollowUps = followUps
		for _, r := range dispatch.Successes(followUps) {
			successes = append(successes, r)
			followedUp[r.ServiceID] = true
		}
		if err := conv.Advance(session.StageFinalSynthesis, ""); err != nil {
			return nil, err
		}
	} else {
		if err := conv.Advance(session.StageFinalSynthesis, "no follow-up needed"); err != nil {
			return nil, err
		}
	}

	result := o.engine.Synthesize(ctx, query, successes, analysis, followedUp)
	result.OriginalQuery = conv.OriginalQuery
	result.RefinedQuery = query
	conv.SetResult(result)
	if err := conv.Advance(session.StageComplete, result.Synthesizer); err != nil {
		return nil, err
	}
	o.persist(conv)
	return &result, nil
}

// Run is the single-call path used by the CLI: start, refine, execute.
func (o *Orchestrator) Run(ctx context.Context, req types.QueryRequest) (*types.SynthesizedResult, error) {
	conv := o.StartQuery(req)
	o.RefineQuery(ctx, conv)
	return o.Execute(ctx, conv)
}

// executeLocalOnly answers confidential queries with the local model and
// nothing else. The query text never leaves the machine.
func (o *Orchestrator) executeLocalOnly(ctx context.Context, conv *session.ConversationContext, query string) (*types.SynthesizedResult, error) {
	if o.model == nil || !o.model.Local() {
		err := fmt.Errorf("confidential query but no local model configured: %w", types.ErrModelUnavailable)
		_ = conv.Fail("orchestrator", err)
		o.persist(conv)
		return nil, err
	}
	out, err := o.model.Complete(ctx, query)
	if err != nil {
		failErr := fmt.Errorf("confidential query: %w", types.ErrModelUnavailable)
		_ = conv.Fail("model", failErr)
		o.persist(conv)
		return nil, failErr
	}

	result := types.SynthesizedResult{
		OriginalQuery: conv.OriginalQuery,
		RefinedQuery:  query,
		FinalText:     strings.TrimSpace(out),
		Sources:       []string{"local-model"},
		Confidence:    0.7,
		Synthesizer:   synthesis.SourceModel,
	}
	conv.SetResult(result)
	for _, stage := range []session.Stage{session.StageResponseAnalysis, session.StageFinalSynthesis, session.StageComplete} {
		if err := conv.Advance(stage, "local only"); err != nil {
			return nil, err
		}
	}
	o.persist(conv)
	return &result, nil
}

// executeUtility answers narrow categories with one direct API call.
func (o *Orchestrator) executeUtility(ctx context.Context, conv *session.ConversationContext, category types.Category, query string) (*types.SynthesizedResult, error) {
	if o.utilities == nil {
		err := fmt.Errorf("utility category %s but no utility client configured", category)
		_ = conv.Fail("orchestrator", err)
		o.persist(conv)
		return nil, err
	}
	resp := o.utilities.Answer(ctx, category, query)
	conv.Responses = []types.ServiceResponse{resp}

	if resp.Status.IsFailure() {
		return o.completeAllFailed(conv, conv.Responses)
	}

	result := types.SynthesizedResult{
		OriginalQuery: conv.OriginalQuery,
		RefinedQuery:  query,
		FinalText:     resp.RawText,
		Sources:       []string{resp.ServiceID},
		Confidence:    resp.Confidence,
		Synthesizer:   synthesis.SourceHeuristic,
		Contributions: []types.Contribution{{
			ServiceID:  resp.ServiceID,
			Summary:    resp.RawText,
			Confidence: resp.Confidence,
		}},
	}
	conv.SetResult(result)
	for _, stage := range []session.Stage{session.StageResponseAnalysis, session.StageFinalSynthesis, session.StageComplete} {
		if err := conv.Advance(stage, "utility"); err != nil {
			return nil, err
		}
	}
	o.persist(conv)
	return &result, nil
}

// dispatchAndProcess fans the prompt out and runs every raw response through
// the extraction layers. Failure responses pass through untouched.
func (o *Orchestrator) dispatchAndProcess(ctx context.Context, conv *session.ConversationContext, services []string, prompt string) []types.ServiceResponse {
	if conv.Request.StructuredMode {
		prompt += structuredSuffix
	}
	raw := o.dispatcher.Dispatch(ctx, services, prompt, conv.Request.Timeout)
	out := make([]types.ServiceResponse, 0, len(raw))
	for _, r := range raw {
		if r.Status != types.StatusSuccess {
			out = append(out, r)
			continue
		}
		processed := processor.Process(r.RawText, r.ServiceID)
		processed.Latency = r.Latency
		out = append(out, processed)
	}
	return out
}

const structuredSuffix = "\n\nAnswer inside a fenced json block with fields: " +
	`response, summary, key_points, confidence, category.`

// completeAllFailed records a labeled all-failed result. The conversation
// still completes; the caller receives both the result and the sentinel.
func (o *Orchestrator) completeAllFailed(conv *session.ConversationContext, responses []types.ServiceResponse) (*types.SynthesizedResult, error) {
	failedStage := string(conv.Stage())
	result := types.SynthesizedResult{
		OriginalQuery: conv.OriginalQuery,
		RefinedQuery:  conv.RefinedQuery,
		FinalText:     "No service produced a usable answer. " + failureSummary(responses),
		Synthesizer:   synthesis.SourceHeuristic,
		AllFailed:     true,
		FailedStage:   failedStage,
	}
	conv.SetResult(result)
	for _, stage := range []session.Stage{session.StageResponseAnalysis, session.StageFinalSynthesis, session.StageComplete} {
		if err := conv.Advance(stage, "all services failed"); err != nil {
			return nil, err
		}
	}
	logging.Session("%s completed with all services failed at %s", conv.ID, failedStage)
	o.persist(conv)
	return &result, types.ErrAllServicesFailed
}

func failureSummary(responses []types.ServiceResponse) string {
	if len(responses) == 0 {
		return "No services were dispatched."
	}
	parts := make([]string, 0, len(responses))
	for _, r := range responses {
		parts = append(parts, fmt.Sprintf("%s: %s", r.ServiceID, r.Status))
	}
	return "Failures: " + strings.Join(parts, ", ") + "."
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
