// Package synthesis judges the collected service responses, decides whether
// one follow-up round is worth it, and merges everything into a single
// attributed answer. The local model does the heavy lifting; every stage has
// a heuristic fallback so an offline model never sinks a query.
package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"hivequery/internal/llm"
	"hivequery/internal/logging"
	"hivequery/internal/types"
)

// Mean response length below which the heuristic judges answers incomplete.
const heuristicLengthThreshold = 500

// Synthesizer labels recorded on the final result.
const (
	SourceModel     = "model"
	SourceHeuristic = "heuristic fallback"
)

// Analysis is the stage-1 judgment over the collected responses.
type Analysis struct {
	Completeness      float64  `json:"completeness"`
	Consistency       float64  `json:"consistency"`
	Ranking           []string `json:"ranking"`
	Gaps              []string `json:"gaps"`
	FollowUpNeeded    bool     `json:"follow_up_needed"`
	IncompleteSources []string `json:"incomplete_sources"`
	Reasoning         string   `json:"reasoning"`
	Analyzer          string   `json:"analyzer"`
}

// Analyzer produces a judgment over a response set. Implementations must not
// fail: a degraded judgment beats no judgment.
type Analyzer interface {
	Analyze(ctx context.Context, query string, responses []types.ServiceResponse) Analysis
	Name() string
}

// Engine runs the three synthesis stages.
type Engine struct {
	client llm.Client
}

// NewEngine creates a synthesis engine over the model client. client may be
// nil, which forces the heuristic path everywhere.
func NewEngine(client llm.Client) *Engine {
	return &Engine{client: client}
}

// SelectAnalyzer health-checks the model and picks the analyzer accordingly.
func (e *Engine) SelectAnalyzer(ctx context.Context) Analyzer {
	if e.client != nil && e.client.Healthy(ctx) {
		return &modelAnalyzer{client: e.client}
	}
	logging.ModelWarn("model unavailable, using heuristic analyzer")
	return &heuristicAnalyzer{}
}

// ---- stage 1: analysis ----

type modelAnalyzer struct {
	client llm.Client
}

func (a *modelAnalyzer) Name() string { return SourceModel }

const analysisSystemPrompt = `You judge answers collected from several AI assistants.
Return ONLY a JSON object with fields:
  completeness (0..1), consistency (0..1), ranking (service ids best first),
  gaps (list of missing aspects), follow_up_needed (bool),
  incomplete_sources (service ids whose answer needs a follow-up),
  reasoning (one sentence).`

func (a *modelAnalyzer) Analyze(ctx context.Context, query string, responses []types.ServiceResponse) Analysis {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", query)
	for _, r := range responses {
		fmt.Fprintf(&b, "--- %s ---\n%s\n\n", r.ServiceID, responseText(r))
	}

	out, err := a.client.CompleteWithSystem(ctx, analysisSystemPrompt, b.String())
	if err != nil {
		logging.ModelWarn("analysis call failed, falling back to heuristic: %v", err)
		return (&heuristicAnalyzer{}).Analyze(ctx, query, responses)
	}
	analysis, ok := parseAnalysis(out)
	if !ok {
		logging.ModelWarn("analysis output unparseable, falling back to heuristic")
		return (&heuristicAnalyzer{}).Analyze(ctx, query, responses)
	}
	analysis.Analyzer = SourceModel
	logging.Synthesis("model analysis: completeness=%.2f follow_up=%v gaps=%d",
		analysis.Completeness, analysis.FollowUpNeeded, len(analysis.Gaps))
	return analysis
}

var jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

// parseAnalysis tolerates prose around the JSON object and fenced blocks.
func parseAnalysis(out string) (Analysis, bool) {
	raw := jsonObjectRe.FindString(out)
	if raw == "" {
		return Analysis{}, false
	}
	var a Analysis
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return Analysis{}, false
	}
	return a, true
}

type heuristicAnalyzer struct{}

func (a *heuristicAnalyzer) Name() string { return SourceHeuristic }

// Analyze flags a follow-up when the mean response length is short. Every
// source below the threshold is considered incomplete.
func (a *heuristicAnalyzer) Analyze(ctx context.Context, query string, responses []types.ServiceResponse) Analysis {
	analysis := Analysis{Analyzer: SourceHeuristic, Consistency: 0.5}
	if len(responses) == 0 {
		analysis.Reasoning = "no responses to analyze"
		return analysis
	}

	total := 0
	for _, r := range responses {
		n := len(responseText(r))
		total += n
		if n < heuristicLengthThreshold {
			analysis.IncompleteSources = append(analysis.IncompleteSources, r.ServiceID)
		}
		analysis.Ranking = append(analysis.Ranking, r.ServiceID)
	}
	mean := total / len(responses)
	analysis.FollowUpNeeded = mean < heuristicLengthThreshold
	if analysis.FollowUpNeeded {
		analysis.Completeness = 0.4
		analysis.Gaps = []string{"responses are short; detail may be missing"}
		analysis.Reasoning = fmt.Sprintf("mean response length %d below %d", mean, heuristicLengthThreshold)
	} else {
		analysis.Completeness = 0.8
		analysis.IncompleteSources = nil
		analysis.Reasoning = fmt.Sprintf("mean response length %d is adequate", mean)
	}
	return analysis
}

// ---- stage 2: follow-up prompts ----

// FollowUpPrompt builds the single clarifying prompt for one incomplete
// source, referencing the identified gaps.
func FollowUpPrompt(query string, analysis Analysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your previous answer to %q was incomplete.", query)
	if len(analysis.Gaps) > 0 {
		b.WriteString(" Please address the following gaps: ")
		b.WriteString(strings.Join(analysis.Gaps, "; "))
		b.WriteString(".")
	} else {
		b.WriteString(" Please elaborate with concrete details and examples.")
	}
	return b.String()
}

// ---- stage 3: final synthesis ----

const synthesisSystemPrompt = `You merge answers from several AI assistants into ONE
internally consistent answer. Attribute notable claims to their source service.
Resolve contradictions explicitly. Do not invent content absent from the inputs.`

// Synthesize merges original plus follow-up responses into the final answer.
// Model failure degrades to labeled concatenation; content is never dropped.
func (e *Engine) Synthesize(ctx context.Context, query string, responses []types.ServiceResponse, analysis Analysis, followedUp map[string]bool) types.SynthesizedResult {
	result := types.SynthesizedResult{
		OriginalQuery: query,
		Confidence:    meanConfidence(responses),
	}
	for _, r := range responses {
		result.Sources = appendUnique(result.Sources, r.ServiceID)
		result.Contributions = append(result.Contributions, types.Contribution{
			ServiceID:  r.ServiceID,
			Summary:    contributionSummary(r),
			Confidence: r.Confidence,
			FollowedUp: followedUp[r.ServiceID],
		})
	}
	if len(responses) == 0 {
		result.AllFailed = true
		result.Synthesizer = SourceHeuristic
		result.FinalText = "No service produced a usable answer."
		return result
	}

	if e.client != nil {
		var b strings.Builder
		fmt.Fprintf(&b, "Question: %s\n\n", query)
		for _, r := range responses {
			fmt.Fprintf(&b, "--- answer from %s ---\n%s\n\n", r.ServiceID, responseText(r))
		}
		if len(analysis.Gaps) > 0 {
			fmt.Fprintf(&b, "Known gaps: %s\n", strings.Join(analysis.Gaps, "; "))
		}
		out, err := e.client.CompleteWithSystem(ctx, synthesisSystemPrompt, b.String())
		if err == nil && strings.TrimSpace(out) != "" {
			result.FinalText = strings.TrimSpace(out)
			result.Synthesizer = SourceModel
			logging.Synthesis("model synthesis complete, %d sources", len(result.Sources))
			return result
		}
		logging.ModelWarn("synthesis call failed, concatenating by source: %v", err)
	}

	result.FinalText = concatenateBySources(responses)
	result.Synthesizer = SourceHeuristic
	return result
}

// concatenateBySources is the lossless fallback: every answer appears under
// its source label.
func concatenateBySources(responses []types.ServiceResponse) string {
	var b strings.Builder
	for i, r := range responses {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s]\n%s", r.ServiceID, responseText(r))
	}
	return b.String()
}

func responseText(r types.ServiceResponse) string {
	if r.Structured != nil && r.Structured.Response != "" {
		return r.Structured.Response
	}
	return r.RawText
}

func contributionSummary(r types.ServiceResponse) string {
	if r.Structured != nil && r.Structured.Summary != "" {
		return r.Structured.Summary
	}
	text := responseText(r)
	if len(text) > 100 {
		return text[:100]
	}
	return text
}

func meanConfidence(responses []types.ServiceResponse) float64 {
	if len(responses) == 0 {
		return 0
	}
	var sum float64
	for _, r := range responses {
		sum += r.Confidence
	}
	return sum / float64(len(responses))
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
