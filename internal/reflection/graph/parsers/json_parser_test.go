package parsers

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noctua-app/server/internal/reflection/model"
)

func TestTruncateAtRune(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		max      int
		expected string
	}{
		{name: "short string untouched", in: "abc", max: 10, expected: "abc"},
		{name: "ascii cut exact", in: "abcdef", max: 3, expected: "abc"},
		{name: "cut lands mid rune", in: "abé", max: 3, expected: "ab"},
		{name: "cut after full rune", in: "abé", max: 4, expected: "abé"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := truncateAtRune(tt.in, tt.max)
			assert.Equal(t, tt.expected, out)
			assert.True(t, utf8.ValidString(out))
		})
	}
}

func TestSafeSnippetKeepsValidUTF8(t *testing.T) {
	// a multi-byte rune straddling the snippet cap must not be split
	s := strings.Repeat("x", maxErrSnippet-1) + strings.Repeat("ü", 5)
	out := safeSnippet(s)
	assert.True(t, utf8.ValidString(out))
	assert.Len(t, out, maxErrSnippet-1)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    string
		expectError bool
	}{
		{
			name:     "bare object",
			input:    `{"title": "t"}`,
			expected: `{"title": "t"}`,
		},
		{
			name:     "fenced object",
			input:    "```json\n{\"title\": \"t\"}\n```",
			expected: `{"title": "t"}`,
		},
		{
			name:     "fence without language tag",
			input:    "```\n{\"a\": 1}\n```",
			expected: `{"a": 1}`,
		},
		{
			name:     "commentary around object",
			input:    "Sure, here is the result:\n{\"a\": 1}\nHope this helps!",
			expected: `{"a": 1}`,
		},
		{
			name:     "braces inside strings",
			input:    `{"text": "a { tricky } value", "n": 1}`,
			expected: `{"text": "a { tricky } value", "n": 1}`,
		},
		{
			name:     "nested objects",
			input:    `{"outer": {"inner": {"deep": true}}}`,
			expected: `{"outer": {"inner": {"deep": true}}}`,
		},
		{
			name:        "no object at all",
			input:       "I cannot answer that.",
			expectError: true,
		},
		{
			name:        "unterminated object",
			input:       `{"title": "t"`,
			expectError: true,
		},
		{
			name:        "empty content",
			input:       "   ",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := ExtractJSON(tt.input)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, out)
		})
	}
}

func TestExtractJSONTruncatesOversizedContent(t *testing.T) {
	huge := `{"a": "` + strings.Repeat("x", maxContentLen) + `"}`
	_, err := ExtractJSON(huge)
	// the object is cut mid-string by the size guard, so extraction must fail
	// cleanly rather than hang or panic
	assert.Error(t, err)
}

func TestParsePayloadDream(t *testing.T) {
	content := `{
		"title": "The Flooded House",
		"summary": "A childhood home fills with sea water.",
		"themes": ["home", "change"],
		"interpretation": "The house stands for a past self.",
		"crossConnections": [{"connection": "the move", "evidence": "you mentioned relocating"}],
		"questions": ["What did the water feel like?"]
	}`

	payload, err := ParsePayload(model.FeatureDream, content)
	require.NoError(t, err)

	analysis, ok := payload.(*model.DreamAnalysis)
	require.True(t, ok)
	assert.Equal(t, "The Flooded House", analysis.Title)
	assert.Len(t, analysis.CrossConnections, 1)
}

func TestParsePayloadMissingRequiredField(t *testing.T) {
	content := `{"title": "The Flooded House", "summary": "A summary."}`

	_, err := ParsePayload(model.FeatureDream, content)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interpretation")
}

func TestParsePayloadToleratesUnknownFields(t *testing.T) {
	content := `{
		"affirmation": "You noticed.",
		"insight": "Restlessness often precedes change.",
		"moodSummary": "restless",
		"confidence": 0.93,
		"extra": {"ignored": true}
	}`

	payload, err := ParsePayload(model.FeatureReflection, content)
	require.NoError(t, err)

	reflection, ok := payload.(*model.DailyReflection)
	require.True(t, ok)
	assert.Equal(t, "restless", reflection.MoodSummary)
}

func TestParsePayloadReportDerivesLocally(t *testing.T) {
	content := `{
		"sections": {
			"mainTitle": "A Season of Doors",
			"overview": "` + strings.Repeat("word ", 400) + `",
			"goldenThread": "Thresholds keep appearing.",
			"blindSpot": "You rarely mention rest."
		},
		"analogy": {"title": "The Hallway", "text": "A long hallway with many doors."},
		"derivedData": {"readMinutes": 999, "headingsCount": 999}
	}`

	payload, err := ParsePayload(model.FeatureReport, content)
	require.NoError(t, err)

	report, ok := payload.(*model.PeriodicReport)
	require.True(t, ok)
	// model-supplied derived data must be overwritten by the local computation
	assert.NotEqual(t, 999, report.DerivedData.ReadMinutes)
	assert.Equal(t, 4, report.DerivedData.HeadingsCount)
	assert.Greater(t, report.DerivedData.ReadMinutes, 1)
}

func TestParsePayloadSessionFenced(t *testing.T) {
	content := "```json\n{\"message\": \"Not strange at all.\", \"theme\": \"acceptance\"}\n```"

	payload, err := ParsePayload(model.FeatureSession, content)
	require.NoError(t, err)

	reply, ok := payload.(*model.SessionReply)
	require.True(t, ok)
	assert.Equal(t, "acceptance", reply.Theme)
}
