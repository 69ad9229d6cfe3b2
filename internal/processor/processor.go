// Package processor turns whatever free-form text a chat service returned
// into a structured payload. Extraction is layered: a fenced JSON envelope is
// tried first, then loose per-field regex recovery, then a plain-text
// heuristic pass. Process never fails; the worst input still yields a floor
// confidence payload.
package processor

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"hivequery/internal/logging"
	"hivequery/internal/types"
)

const (
	defaultConfidence = 0.8
	floorConfidence   = 0.1
	defaultCategory   = "information"
)

var (
	fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

	responseFieldRe   = regexp.MustCompile(`"response"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	summaryFieldRe    = regexp.MustCompile(`"summary"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	confidenceFieldRe = regexp.MustCompile(`"confidence"\s*:\s*([0-9]*\.?[0-9]+)`)
	categoryFieldRe   = regexp.MustCompile(`"category"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	keyPointsFieldRe  = regexp.MustCompile(`"key_points"\s*:\s*\[(.*?)\]`)
	quotedItemRe      = regexp.MustCompile(`"((?:[^"\\]|\\.)*)"`)

	numberedItemRe = regexp.MustCompile(`(?m)^\s*\d+[.)]\s+(.+)$`)
	bulletItemRe   = regexp.MustCompile(`(?m)^\s*[-*•]\s+(.+)$`)
	sentenceEndRe  = regexp.MustCompile(`[.!?]\s`)
)

// Known chrome the target UIs wrap around the actual answer text.
var uiArtifacts = []string{
	"Copy code",
	"Copy",
	"Regenerate",
	"Regenerate response",
	"ChatGPT said:",
	"Claude said:",
	"Share",
	"Thumbs up",
	"Thumbs down",
	"Was this response helpful?",
}

var uncertaintyMarkers = []string{
	"maybe", "not sure", "i'm not certain", "i am not certain", "possibly",
	"i don't know", "unclear", "hard to say",
}

// Process extracts a structured payload from raw service output. It always
// returns a usable response; empty input degrades to parse_error with floor
// confidence rather than an error.
func Process(rawText, serviceID string) types.ServiceResponse {
	trimmed := strings.TrimSpace(rawText)
	if trimmed == "" {
		return types.ServiceResponse{
			ServiceID:  serviceID,
			Status:     types.StatusParseError,
			Confidence: floorConfidence,
			Category:   "other",
			Structured: &types.StructuredPayload{Confidence: floorConfidence, Category: "other"},
			Err:        fmt.Errorf("empty response from %s: %w", serviceID, types.ErrParseFailure).Error(),
		}
	}

	if payload, ok := parseFencedEnvelope(trimmed); ok {
		logging.ProcessorDebug("%s: fenced envelope parsed", serviceID)
		return success(serviceID, rawText, payload)
	}
	if payload, ok := parseLooseFields(trimmed); ok {
		logging.ProcessorDebug("%s: loose field extraction succeeded", serviceID)
		return success(serviceID, rawText, payload)
	}

	payload := parsePlainText(trimmed)
	logging.ProcessorDebug("%s: plain-text fallback, confidence %.2f", serviceID, payload.Confidence)
	return success(serviceID, rawText, payload)
}

func success(serviceID, rawText string, payload *types.StructuredPayload) types.ServiceResponse {
	return types.ServiceResponse{
		ServiceID:  serviceID,
		RawText:    rawText,
		Structured: payload,
		Confidence: payload.Confidence,
		Category:   payload.Category,
		Status:     types.StatusSuccess,
	}
}

// parseFencedEnvelope handles layer 1: a fenced JSON block carrying at least
// a response field. Missing optional fields get defaults.
func parseFencedEnvelope(text string) (*types.StructuredPayload, bool) {
	for _, m := range fencedJSONRe.FindAllStringSubmatch(text, -1) {
		var payload types.StructuredPayload
		if err := json.Unmarshal([]byte(m[1]), &payload); err != nil {
			continue
		}
		if payload.Response == "" {
			continue
		}
		applyDefaults(&payload)
		return &payload, true
	}
	return nil, false
}

// parseLooseFields handles layer 2: per-field regex recovery from malformed
// or partial JSON. A response field is the minimum for success.
func parseLooseFields(text string) (*types.StructuredPayload, bool) {
	m := responseFieldRe.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}
	payload := &types.StructuredPayload{Response: unescapeJSON(m[1])}
	if payload.Response == "" {
		return nil, false
	}

	if sm := summaryFieldRe.FindStringSubmatch(text); sm != nil {
		payload.Summary = unescapeJSON(sm[1])
	}
	if cm := confidenceFieldRe.FindStringSubmatch(text); cm != nil {
		if v, err := strconv.ParseFloat(cm[1], 64); err == nil {
			payload.Confidence = v
		}
	}
	if cm := categoryFieldRe.FindStringSubmatch(text); cm != nil {
		payload.Category = unescapeJSON(cm[1])
	}
	if km := keyPointsFieldRe.FindStringSubmatch(text); km != nil {
		for _, item := range quotedItemRe.FindAllStringSubmatch(km[1], -1) {
			if s := unescapeJSON(item[1]); s != "" {
				payload.KeyPoints = append(payload.KeyPoints, s)
			}
		}
	}
	applyDefaults(payload)
	return payload, true
}

// parsePlainText is layer 3: heuristics over unstructured prose.
func parsePlainText(text string) *types.StructuredPayload {
	clean := stripUIArtifacts(text)
	if strings.TrimSpace(clean) == "" {
		clean = text
	}
	payload := &types.StructuredPayload{
		Response:   clean,
		Summary:    summarize(clean),
		KeyPoints:  extractKeyPoints(clean),
		Confidence: estimateConfidence(clean),
		Category:   categorize(clean),
	}
	return payload
}

func applyDefaults(p *types.StructuredPayload) {
	if p.Summary == "" {
		p.Summary = summarize(p.Response)
	}
	if p.Confidence <= 0 {
		p.Confidence = defaultConfidence
	}
	if p.Confidence < floorConfidence {
		p.Confidence = floorConfidence
	}
	if p.Confidence > 1.0 {
		p.Confidence = 1.0
	}
	if p.Category == "" {
		p.Category = defaultCategory
	}
}

func stripUIArtifacts(text string) string {
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		artifact := false
		for _, a := range uiArtifacts {
			if trimmed == a {
				artifact = true
				break
			}
		}
		if !artifact {
			kept = append(kept, line)
		}
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// summarize picks the first sentence, else the first 100 characters.
func summarize(text string) string {
	text = strings.TrimSpace(text)
	if loc := sentenceEndRe.FindStringIndex(text); loc != nil {
		return strings.TrimSpace(text[:loc[0]+1])
	}
	runes := []rune(text)
	if len(runes) <= 100 {
		return text
	}
	return string(runes[:100])
}

// extractKeyPoints prefers numbered lists, then bullets, then the top 3
// sentences of reasonable length.
func extractKeyPoints(text string) []string {
	if points := matchItems(numberedItemRe, text); len(points) > 0 {
		return points
	}
	if points := matchItems(bulletItemRe, text); len(points) > 0 {
		return points
	}
	var points []string
	for _, s := range splitSentences(text) {
		if n := len(s); n >= 20 && n <= 150 {
			points = append(points, s)
		}
		if len(points) == 3 {
			break
		}
	}
	return points
}

func matchItems(re *regexp.Regexp, text string) []string {
	var out []string
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		if s := strings.TrimSpace(m[1]); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func splitSentences(text string) []string {
	var out []string
	rest := text
	for {
		loc := sentenceEndRe.FindStringIndex(rest)
		if loc == nil {
			if s := strings.TrimSpace(rest); s != "" {
				out = append(out, s)
			}
			return out
		}
		if s := strings.TrimSpace(rest[:loc[0]+1]); s != "" {
			out = append(out, s)
		}
		rest = rest[loc[1]:]
	}
}

// estimateConfidence scores prose by length and structure, docked for
// uncertainty markers, clamped to [0.1, 1.0].
func estimateConfidence(text string) float64 {
	confidence := 0.5
	if len(text) > 100 {
		confidence += 0.1
	}
	if len(text) > 500 {
		confidence += 0.1
	}
	if numberedItemRe.MatchString(text) || bulletItemRe.MatchString(text) {
		confidence += 0.1
	}
	lower := strings.ToLower(text)
	for _, marker := range uncertaintyMarkers {
		if strings.Contains(lower, marker) {
			confidence -= 0.1
			break
		}
	}
	if confidence < floorConfidence {
		confidence = floorConfidence
	}
	if confidence > 1.0 {
		confidence = 1.0
	}
	return confidence
}

// categorize buckets plain text into question/task/information/other.
func categorize(text string) string {
	lower := strings.ToLower(strings.TrimSpace(text))
	switch {
	case lower == "":
		return "other"
	case strings.Contains(lower, "?"):
		return "question"
	case hasAnyPrefix(lower, "step ", "first,", "to do this", "you should", "you need to", "run ", "install "):
		return "task"
	case numberedItemRe.MatchString(text):
		return "task"
	default:
		return defaultCategory
	}
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func unescapeJSON(s string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err != nil {
		return s
	}
	return out
}

// ---- merging ----

const similarityThreshold = 0.7

// MergeMany combines several processed responses into one. The longest
// response anchors the merge; sufficiently different others are appended as
// labeled additional perspectives. A single input passes through unchanged.
func MergeMany(responses []types.ServiceResponse) types.ServiceResponse {
	usable := make([]types.ServiceResponse, 0, len(responses))
	for _, r := range responses {
		if r.Structured != nil && r.Structured.Response != "" {
			usable = append(usable, r)
		}
	}
	switch len(usable) {
	case 0:
		return types.ServiceResponse{
			Status:     types.StatusParseError,
			Confidence: floorConfidence,
			Category:   "other",
			Structured: &types.StructuredPayload{Confidence: floorConfidence, Category: "other"},
			Err:        types.ErrParseFailure.Error(),
		}
	case 1:
		return usable[0]
	}

	// Longest response wins the anchor slot; ties by earlier arrival.
	base := usable[0]
	for _, r := range usable[1:] {
		if len(r.Structured.Response) > len(base.Structured.Response) {
			base = r
		}
	}

	merged := *base.Structured
	baseWords := wordSet(merged.Response)
	var confidenceSum float64
	categories := map[string]int{}
	sources := []string{base.ServiceID}

	for _, r := range usable {
		confidenceSum += r.Structured.Confidence
		categories[r.Structured.Category]++
		if r.ServiceID == base.ServiceID && r.Structured.Response == base.Structured.Response {
			continue
		}
		if jaccard(baseWords, wordSet(r.Structured.Response)) < similarityThreshold {
			merged.Response += "\n\nAdditional perspective from " + r.ServiceID + ":\n" + r.Structured.Response
			sources = append(sources, r.ServiceID)
		}
		merged.KeyPoints = mergeKeyPoints(merged.KeyPoints, r.Structured.KeyPoints)
	}

	merged.Confidence = confidenceSum / float64(len(usable))
	merged.Category = modeCategory(categories)

	logging.Processor("merged %d responses, %d perspectives kept", len(usable), len(sources))
	return types.ServiceResponse{
		ServiceID:  strings.Join(sources, "+"),
		RawText:    merged.Response,
		Structured: &merged,
		Confidence: merged.Confidence,
		Category:   merged.Category,
		Status:     types.StatusSuccess,
	}
}

// mergeKeyPoints appends points that are not near-duplicates, capped at 5.
func mergeKeyPoints(base, extra []string) []string {
	for _, p := range extra {
		if len(base) >= 5 {
			break
		}
		dup := false
		pw := wordSet(p)
		for _, existing := range base {
			if jaccard(wordSet(existing), pw) >= similarityThreshold {
				dup = true
				break
			}
		}
		if !dup {
			base = append(base, p)
		}
	}
	if len(base) > 5 {
		base = base[:5]
	}
	return base
}

func wordSet(text string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?\"'()[]")
		if w != "" {
			set[w] = struct{}{}
		}
	}
	return set
}

// jaccard is intersection over union of two word sets.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 1.0
	}
	return float64(inter) / float64(union)
}

// modeCategory returns the most common category, ties broken alphabetically.
func modeCategory(counts map[string]int) string {
	if len(counts) == 0 {
		return defaultCategory
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	best := keys[0]
	for _, k := range keys[1:] {
		if counts[k] > counts[best] {
			best = k
		}
	}
	return best
}
