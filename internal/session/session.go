// Package session holds per-conversation state: the stage machine that
// tracks a query's progress through the pipeline and an arena store keyed by
// session id with explicit TTL eviction.
package session

import (
	"fmt"
	"sync"
	"time"

	"hivequery/internal/logging"
	"hivequery/internal/router"
	"hivequery/internal/synthesis"
	"hivequery/internal/types"

	"github.com/google/uuid"
)

// Stage is one step of the conversation pipeline.
type Stage string

const (
	StageInitialDiscussion  Stage = "INITIAL_DISCUSSION"
	StageQueryRefinement    Stage = "QUERY_REFINEMENT"
	StageServiceRouting     Stage = "SERVICE_ROUTING"
	StageResponseAnalysis   Stage = "RESPONSE_ANALYSIS"
	StageFollowUpGeneration Stage = "FOLLOW_UP_GENERATION"
	StageFinalSynthesis     Stage = "FINAL_SYNTHESIS"
	StageComplete           Stage = "COMPLETE"
	StageError              Stage = "ERROR"
)

// forward is the happy-path successor of each stage. FOLLOW_UP_GENERATION is
// skippable: RESPONSE_ANALYSIS may advance straight to FINAL_SYNTHESIS.
var forward = map[Stage]Stage{
	StageInitialDiscussion:  StageQueryRefinement,
	StageQueryRefinement:    StageServiceRouting,
	StageServiceRouting:     StageResponseAnalysis,
	StageResponseAnalysis:   StageFollowUpGeneration,
	StageFollowUpGeneration: StageFinalSynthesis,
	StageFinalSynthesis:     StageComplete,
}

// CanTransition reports whether from -> to is a legal move. ERROR is
// reachable from every non-terminal stage and is itself terminal.
func CanTransition(from, to Stage) bool {
	if from == StageComplete || from == StageError {
		return false
	}
	if to == StageError {
		return true
	}
	if forward[from] == to {
		return true
	}
	// The follow-up round is optional.
	return from == StageResponseAnalysis && to == StageFinalSynthesis
}

// Terminal reports whether a stage ends the conversation.
func Terminal(s Stage) bool { return s == StageComplete || s == StageError }

// StageEvent records one transition for the event stream.
type StageEvent struct {
	SessionID string    `json:"session_id"`
	From      Stage     `json:"from"`
	To        Stage     `json:"to"`
	At        time.Time `json:"at"`
	Detail    string    `json:"detail,omitempty"`
}

// ErrorInfo carries the originating component and cause into ERROR.
type ErrorInfo struct {
	Component string `json:"component"`
	Cause     string `json:"cause"`
}

// ConversationContext is all mutable state for one query's lifetime. Guard
// every access through its methods; the orchestrator and the control API
// touch it from different goroutines.
type ConversationContext struct {
	mu sync.RWMutex

	ID        string
	CreatedAt time.Time

	stage     Stage
	history   []StageEvent
	errorInfo *ErrorInfo

	OriginalQuery string
	RefinedQuery  string
	Request       types.QueryRequest
	Plan          *router.RoutingPlan
	Responses     []types.ServiceResponse
	FollowUps     []types.ServiceResponse
	Analysis      *synthesis.Analysis
	Result        *types.SynthesizedResult

	observers []chan<- StageEvent
}

// NewContext starts a conversation in INITIAL_DISCUSSION.
func NewContext(req types.QueryRequest) *ConversationContext {
	return &ConversationContext{
		ID:            uuid.NewString(),
		CreatedAt:     time.Now(),
		stage:         StageInitialDiscussion,
		OriginalQuery: req.RawText,
		Request:       req,
	}
}

// Stage returns the current stage.
func (c *ConversationContext) Stage() Stage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stage
}

// History returns a copy of the transition log.
func (c *ConversationContext) History() []StageEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]StageEvent(nil), c.history...)
}

// ErrorInfo returns the failure details if the conversation is in ERROR.
func (c *ConversationContext) ErrorInfo() *ErrorInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.errorInfo
}

// Advance moves to the next stage, rejecting illegal transitions.
func (c *ConversationContext) Advance(to Stage, detail string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !CanTransition(c.stage, to) {
		return fmt.Errorf("illegal stage transition %s -> %s", c.stage, to)
	}
	c.record(to, detail)
	return nil
}

// Fail moves to ERROR from any non-terminal stage, recording the component
// and cause.
func (c *ConversationContext) Fail(component string, cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if Terminal(c.stage) {
		return fmt.Errorf("conversation already terminal in %s", c.stage)
	}
	c.errorInfo = &ErrorInfo{Component: component, Cause: cause.Error()}
	c.record(StageError, component+": "+cause.Error())
	return nil
}

// record must be called with the lock held.
func (c *ConversationContext) record(to Stage, detail string) {
	event := StageEvent{SessionID: c.ID, From: c.stage, To: to, At: time.Now(), Detail: detail}
	c.stage = to
	c.history = append(c.history, event)
	logging.Session("%s: %s -> %s %s", c.ID, event.From, event.To, detail)
	for _, ch := range c.observers {
		select {
		case ch <- event:
		default:
			// Slow observers drop events rather than stall the pipeline.
		}
	}
}

// Observe registers a channel that receives every subsequent transition.
func (c *ConversationContext) Observe(ch chan<- StageEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, ch)
}

// Unobserve deregisters a channel. Long-lived conversations would otherwise
// accumulate one dead observer per disconnected subscriber.
func (c *ConversationContext) Unobserve(ch chan<- StageEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, o := range c.observers {
		if o == ch {
			c.observers = append(c.observers[:i], c.observers[i+1:]...)
			return
		}
	}
}

// SetPlan records the routing decision.
func (c *ConversationContext) SetPlan(plan router.RoutingPlan) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Plan = &plan
}

// SetResult records the final synthesized answer.
func (c *ConversationContext) SetResult(result types.SynthesizedResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Result = &result
}

// Snapshot is the serializable view of a conversation, shared by the control
// API and the persisted session table.
type Snapshot struct {
	SessionID     string                   `json:"session_id"`
	Stage         Stage                    `json:"stage"`
	OriginalQuery string                   `json:"original_query"`
	RefinedQuery  string                   `json:"refined_query,omitempty"`
	Plan          *router.RoutingPlan      `json:"plan,omitempty"`
	Responses     []types.ServiceResponse  `json:"responses,omitempty"`
	Result        *types.SynthesizedResult `json:"result,omitempty"`
	Error         *ErrorInfo               `json:"error,omitempty"`
	History       []StageEvent             `json:"history"`
	CreatedAt     time.Time                `json:"created_at"`
}

// Snapshot captures the conversation's current state.
func (c *ConversationContext) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		SessionID:     c.ID,
		Stage:         c.stage,
		OriginalQuery: c.OriginalQuery,
		RefinedQuery:  c.RefinedQuery,
		Plan:          c.Plan,
		Responses:     c.Responses,
		Result:        c.Result,
		Error:         c.errorInfo,
		History:       append([]StageEvent(nil), c.history...),
		CreatedAt:     c.CreatedAt,
	}
}

// Arena owns the live conversations. Not a singleton: callers construct one
// and share it explicitly.
type Arena struct {
	mu       sync.RWMutex
	ttl      time.Duration
	sessions map[string]*ConversationContext
}

// NewArena creates a store whose sessions expire after ttl.
func NewArena(ttl time.Duration) *Arena {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Arena{ttl: ttl, sessions: make(map[string]*ConversationContext)}
}

// Put registers a conversation.
func (a *Arena) Put(c *ConversationContext) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[c.ID] = c
}

// Get returns the conversation or nil when unknown or expired.
func (a *Arena) Get(id string) *ConversationContext {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := a.sessions[id]
	if !ok || time.Since(c.CreatedAt) > a.ttl {
		return nil
	}
	return c
}

// Len reports the number of stored sessions, expired ones included.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.sessions)
}

// EvictExpired drops sessions past the TTL and returns how many went.
func (a *Arena) EvictExpired() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	evicted := 0
	cutoff := time.Now().Add(-a.ttl)
	for id, c := range a.sessions {
		if c.CreatedAt.Before(cutoff) {
			delete(a.sessions, id)
			evicted++
		}
	}
	if evicted > 0 {
		logging.Session("evicted %d expired sessions", evicted)
	}
	return evicted
}
