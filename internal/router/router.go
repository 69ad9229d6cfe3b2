package router

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"hivequery/internal/config"
	"hivequery/internal/logging"
	"hivequery/internal/types"
)

// RoutingPlan describes which services should answer a query and what the
// caller should expect it to cost.
type RoutingPlan struct {
	Category         types.Category `json:"category"`
	Services         []string       `json:"services"`
	Utility          bool           `json:"utility"`
	LocalOnly        bool           `json:"local_only"`
	EstimatedCost    float64        `json:"estimated_cost"`
	EstimatedLatency time.Duration  `json:"estimated_latency"`
	Confidence       float64        `json:"confidence"`
	Justification    string         `json:"justification"`
}

// Router plans queries against the configured service catalog.
type Router struct {
	services map[string]config.ServiceConfig
}

// New creates a router over the service catalog.
func New(services map[string]config.ServiceConfig) *Router {
	return &Router{services: services}
}

// Plan classifies the request and selects services per category strategy.
// Identical requests always produce identical plans.
func (r *Router) Plan(req types.QueryRequest) RoutingPlan {
	category := Classify(req.RawText)

	if req.Confidential {
		plan := RoutingPlan{
			Category:      category,
			LocalOnly:     true,
			Confidence:    0.5,
			Justification: "confidential query: handled by the local model only, no external service sees the text",
		}
		logging.Router("planned %q -> local only (confidential)", truncate(req.RawText, 60))
		return plan
	}

	if IsUtility(category) {
		plan := RoutingPlan{
			Category:         category,
			Utility:          true,
			EstimatedLatency: 2 * time.Second,
			Confidence:       0.9,
			Justification:    fmt.Sprintf("%s query: single direct API call, browser automation bypassed", category),
		}
		logging.Router("planned %q -> utility %s", truncate(req.RawText, 60), category)
		return plan
	}

	candidates := r.candidates(req.TargetServices)
	var selected []config.ServiceConfig
	var why string

	switch category {
	case types.CategoryAnalytical, types.CategoryTechnical:
		selected = pickTop(candidates, category, 3)
		why = fmt.Sprintf("%s query: up to 3 services in parallel for cross-checking", category)
	case types.CategoryCreative:
		selected = pickTop(candidates, category, 1)
		why = "creative query: single service strongest at open-ended generation"
	case types.CategoryFactual:
		selected = pickTop(candidates, category, 2)
		why = "factual query: up to 2 services weighted toward retrieval strength"
	default:
		selected = pickCheapestReliable(candidates, 1)
		why = "general query: highest-reliability service, free paths first"
	}

	plan := RoutingPlan{
		Category:      category,
		Services:      ids(selected),
		Justification: why,
	}
	for _, sc := range selected {
		plan.EstimatedCost += sc.CostPerQuery
		if l := sc.AvgLatency(); l > plan.EstimatedLatency {
			plan.EstimatedLatency = l
		}
	}
	plan.Confidence = planConfidence(selected, category)

	logging.Router("planned %q -> %s via %s (confidence %.2f)",
		truncate(req.RawText, 60), category, strings.Join(plan.Services, ","), plan.Confidence)
	return plan
}

// candidates returns the eligible services, restricted to the request's
// explicit targets when given, in deterministic id order.
func (r *Router) candidates(targets []string) []config.ServiceConfig {
	allow := map[string]bool{}
	for _, t := range targets {
		allow[t] = true
	}
	var out []config.ServiceConfig
	for id, sc := range r.services {
		if len(allow) > 0 && !allow[id] {
			continue
		}
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// pickTop orders candidates by category strength then reliability and keeps n.
func pickTop(candidates []config.ServiceConfig, category types.Category, n int) []config.ServiceConfig {
	ranked := append([]config.ServiceConfig(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := ranked[i].HasStrength(string(category)), ranked[j].HasStrength(string(category))
		if si != sj {
			return si
		}
		if ranked[i].Reliability != ranked[j].Reliability {
			return ranked[i].Reliability > ranked[j].Reliability
		}
		return ranked[i].ID < ranked[j].ID
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// pickCheapestReliable orders by cost ascending then reliability descending.
func pickCheapestReliable(candidates []config.ServiceConfig, n int) []config.ServiceConfig {
	ranked := append([]config.ServiceConfig(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].CostPerQuery != ranked[j].CostPerQuery {
			return ranked[i].CostPerQuery < ranked[j].CostPerQuery
		}
		if ranked[i].Reliability != ranked[j].Reliability {
			return ranked[i].Reliability > ranked[j].Reliability
		}
		return ranked[i].ID < ranked[j].ID
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// planConfidence is reliability-weighted with bonuses for category-matched
// strengths and for consulting more than one service.
func planConfidence(selected []config.ServiceConfig, category types.Category) float64 {
	if len(selected) == 0 {
		return 0.1
	}
	var sum float64
	matched := false
	for _, sc := range selected {
		sum += sc.Reliability
		if sc.HasStrength(string(category)) {
			matched = true
		}
	}
	confidence := sum / float64(len(selected))
	if matched {
		confidence += 0.05
	}
	if len(selected) > 1 {
		confidence += 0.05
	}
	if confidence > 1.0 {
		confidence = 1.0
	}
	return confidence
}

func ids(services []config.ServiceConfig) []string {
	out := make([]string, 0, len(services))
	for _, sc := range services {
		out = append(out, sc.ID)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
