package processor

import (
	"strings"
	"testing"

	"hivequery/internal/types"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessFencedEnvelopeFullFields(t *testing.T) {
	raw := "Here you go:\n```json\n{\"response\": \"Go is compiled.\", \"summary\": \"Compiled language.\", \"key_points\": [\"fast builds\", \"static binaries\"], \"confidence\": 0.95, \"category\": \"technical\"}\n```\nanything after"

	got := Process(raw, "chatgpt")

	require.Equal(t, types.StatusSuccess, got.Status)
	want := &types.StructuredPayload{
		Response:   "Go is compiled.",
		Summary:    "Compiled language.",
		KeyPoints:  []string{"fast builds", "static binaries"},
		Confidence: 0.95,
		Category:   "technical",
	}
	if diff := cmp.Diff(want, got.Structured); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestProcessFencedEnvelopeDefaults(t *testing.T) {
	raw := "```json\n{\"response\": \"Paris is the capital of France. It has two million residents.\"}\n```"

	got := Process(raw, "gemini")

	require.Equal(t, types.StatusSuccess, got.Status)
	assert.Equal(t, 0.8, got.Structured.Confidence)
	assert.Equal(t, "information", got.Structured.Category)
	assert.Equal(t, "Paris is the capital of France.", got.Structured.Summary)
}

func TestProcessFencedRequiresResponseField(t *testing.T) {
	raw := "```json\n{\"summary\": \"no response field here\"}\n```"

	got := Process(raw, "claude")

	// Falls to plain text; the fenced block alone does not count.
	require.Equal(t, types.StatusSuccess, got.Status)
	assert.NotEmpty(t, got.Structured.Response)
	assert.NotEqual(t, "no response field here", got.Structured.Summary)
}

func TestProcessLooseFieldsFromBrokenJSON(t *testing.T) {
	// Truncated JSON with no closing brace and no fence.
	raw := `Sure! {"response": "The answer is 42.", "confidence": 0.7, "category": "factual", "key_points": ["it is 42"]`

	got := Process(raw, "chatgpt")

	require.Equal(t, types.StatusSuccess, got.Status)
	assert.Equal(t, "The answer is 42.", got.Structured.Response)
	assert.Equal(t, 0.7, got.Structured.Confidence)
	assert.Equal(t, "factual", got.Structured.Category)
	assert.Equal(t, []string{"it is 42"}, got.Structured.KeyPoints)
}

func TestProcessLooseFieldsUnescapesStrings(t *testing.T) {
	raw := `{"response": "line one\nline \"two\""`

	got := Process(raw, "chatgpt")

	assert.Equal(t, "line one\nline \"two\"", got.Structured.Response)
}

func TestProcessPlainTextStripsUIArtifacts(t *testing.T) {
	raw := "ChatGPT said:\nThe mitochondria is the powerhouse of the cell. It produces ATP for cellular energy.\nCopy code\nRegenerate"

	got := Process(raw, "chatgpt")

	require.Equal(t, types.StatusSuccess, got.Status)
	assert.NotContains(t, got.Structured.Response, "Copy code")
	assert.NotContains(t, got.Structured.Response, "Regenerate")
	assert.Equal(t, "The mitochondria is the powerhouse of the cell.", got.Structured.Summary)
}

func TestProcessPlainTextSummaryFallsBackTo100Chars(t *testing.T) {
	raw := strings.Repeat("word ", 60) // no sentence terminator

	got := Process(raw, "claude")

	assert.Len(t, got.Structured.Summary, 100)
}

func TestProcessPlainTextNumberedKeyPoints(t *testing.T) {
	raw := "Steps to deploy:\n1. Build the binary\n2) Copy it to the host\n3. Restart the service\n- this bullet loses to the numbers"

	got := Process(raw, "chatgpt")

	assert.Equal(t, []string{
		"Build the binary",
		"Copy it to the host",
		"Restart the service",
	}, got.Structured.KeyPoints)
}

func TestProcessPlainTextBulletKeyPoints(t *testing.T) {
	raw := "Options:\n- use a queue\n* use a channel\n• use a mutex"

	got := Process(raw, "claude")

	assert.Equal(t, []string{"use a queue", "use a channel", "use a mutex"}, got.Structured.KeyPoints)
}

func TestProcessPlainTextSentenceKeyPoints(t *testing.T) {
	raw := "Go routines are cheap to start. Channels coordinate work between them safely. Select multiplexes many channels. ok."

	got := Process(raw, "gemini")

	require.NotEmpty(t, got.Structured.KeyPoints)
	assert.LessOrEqual(t, len(got.Structured.KeyPoints), 3)
	for _, p := range got.Structured.KeyPoints {
		assert.GreaterOrEqual(t, len(p), 20)
		assert.LessOrEqual(t, len(p), 150)
	}
}

func TestProcessConfidenceHeuristics(t *testing.T) {
	short := Process("Yes.", "s")
	assert.InDelta(t, 0.5, short.Structured.Confidence, 0.001)

	long := Process(strings.Repeat("solid fact. ", 15), "s") // >100 chars
	assert.InDelta(t, 0.6, long.Structured.Confidence, 0.001)

	veryLong := Process(strings.Repeat("solid fact. ", 50), "s") // >500 chars
	assert.InDelta(t, 0.7, veryLong.Structured.Confidence, 0.001)

	structured := Process("Points:\n1. first item here\n2. second item here\n"+strings.Repeat("more text. ", 12), "s")
	assert.InDelta(t, 0.7, structured.Structured.Confidence, 0.001)

	uncertain := Process("Maybe it works, but I'm not sure about that at all honestly speaking here today.", "s")
	assert.InDelta(t, 0.4, uncertain.Structured.Confidence, 0.001)
}

func TestProcessConfidenceClamped(t *testing.T) {
	got := Process("not sure", "s")
	assert.GreaterOrEqual(t, got.Structured.Confidence, 0.1)
	assert.LessOrEqual(t, got.Structured.Confidence, 1.0)
}

func TestProcessEnvelopeConfidenceClampedToFloor(t *testing.T) {
	got := Process("```json\n{\"response\": \"ok\", \"confidence\": 0.05}\n```", "chatgpt")
	require.Equal(t, types.StatusSuccess, got.Status)
	assert.Equal(t, 0.1, got.Structured.Confidence)

	// Loose-field extraction takes the same path.
	got = Process(`broken { "response": "ok", "confidence": 0.01 }`, "chatgpt")
	require.Equal(t, types.StatusSuccess, got.Status)
	assert.GreaterOrEqual(t, got.Structured.Confidence, 0.1)
}

func TestProcessPlainTextCategorization(t *testing.T) {
	assert.Equal(t, "question", Process("Could you clarify what you mean?", "s").Structured.Category)
	assert.Equal(t, "task", Process("First, install the package. Then configure it.", "s").Structured.Category)
	assert.Equal(t, "task", Process("Instructions follow\n1. do this thing\n2. do that thing", "s").Structured.Category)
	assert.Equal(t, "information", Process("The Nile is the longest river in Africa.", "s").Structured.Category)
}

func TestProcessEmptyInput(t *testing.T) {
	for _, raw := range []string{"", "   ", "\n\t"} {
		got := Process(raw, "chatgpt")
		assert.Equal(t, types.StatusParseError, got.Status)
		assert.Equal(t, 0.1, got.Confidence)
	}
}

func processed(serviceID, response string, confidence float64, category string, points ...string) types.ServiceResponse {
	return types.ServiceResponse{
		ServiceID: serviceID,
		Status:    types.StatusSuccess,
		Structured: &types.StructuredPayload{
			Response:   response,
			Confidence: confidence,
			Category:   category,
			KeyPoints:  points,
		},
	}
}

func TestMergeManyIdentity(t *testing.T) {
	single := processed("chatgpt", "The only answer.", 0.9, "factual", "a point")
	got := MergeMany([]types.ServiceResponse{single})
	if diff := cmp.Diff(single, got); diff != "" {
		t.Errorf("single-input merge must be identity (-want +got):\n%s", diff)
	}
}

func TestMergeManyLongestIsBase(t *testing.T) {
	a := processed("chatgpt", "Short answer.", 0.8, "factual")
	b := processed("claude", "A considerably longer and more thorough answer covering many unrelated angles of the topic.", 0.9, "factual")

	got := MergeMany([]types.ServiceResponse{a, b})

	assert.True(t, strings.HasPrefix(got.Structured.Response, "A considerably longer"))
	assert.Contains(t, got.Structured.Response, "Additional perspective from chatgpt")
}

func TestMergeManyDropsNearDuplicates(t *testing.T) {
	a := processed("chatgpt", "The capital of France is Paris and it is beautiful today", 0.8, "factual")
	b := processed("claude", "The capital of France is Paris and it is beautiful", 0.9, "factual")

	got := MergeMany([]types.ServiceResponse{a, b})

	assert.NotContains(t, got.Structured.Response, "Additional perspective")
}

func TestMergeManyConfidenceMeanAndCategoryMode(t *testing.T) {
	a := processed("chatgpt", "alpha bravo charlie delta echo", 0.6, "technical")
	b := processed("claude", "foxtrot golf hotel india juliett kilo lima", 0.9, "factual")
	c := processed("gemini", "mike november oscar papa quebec", 0.9, "factual")

	got := MergeMany([]types.ServiceResponse{a, b, c})

	assert.InDelta(t, 0.8, got.Structured.Confidence, 0.001)
	assert.Equal(t, "factual", got.Structured.Category)
}

func TestMergeManyKeyPointsCappedAtFive(t *testing.T) {
	a := processed("chatgpt", "one two three four five six seven eight nine ten eleven twelve",
		0.8, "factual", "alpha point here", "bravo point here", "charlie point here")
	b := processed("claude", "completely different words in this response body altogether now",
		0.8, "factual", "delta point here", "echo point here", "foxtrot point here", "golf point here")

	got := MergeMany([]types.ServiceResponse{a, b})

	assert.Len(t, got.Structured.KeyPoints, 5)
}

func TestMergeManyIgnoresUnusableInputs(t *testing.T) {
	usable := processed("chatgpt", "The real answer.", 0.8, "factual")
	broken := types.ServiceResponse{ServiceID: "claude", Status: types.StatusTimeout}

	got := MergeMany([]types.ServiceResponse{usable, broken})

	assert.Equal(t, "The real answer.", got.Structured.Response)
}

func TestMergeManyEmpty(t *testing.T) {
	got := MergeMany(nil)
	assert.Equal(t, types.StatusParseError, got.Status)
	assert.Equal(t, 0.1, got.Confidence)
}
