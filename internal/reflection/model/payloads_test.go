package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Every fallback payload must itself pass schema validation, otherwise the
// fallback path could never persist.
func TestFallbackPayloadsAreSchemaValid(t *testing.T) {
	assert.NoError(t, FallbackDreamAnalysis().Validate())
	assert.NoError(t, FallbackDailyReflection().Validate())
	assert.NoError(t, FallbackSessionReply().Validate())
	assert.NoError(t, FallbackDiaryInsight().Validate())
	assert.NoError(t, FallbackPeriodicReport().Validate())
}

func TestFallbackPayloadPerFeature(t *testing.T) {
	for _, f := range []Feature{FeatureDream, FeatureReflection, FeatureSession, FeatureDiary, FeatureReport} {
		assert.NotNil(t, FallbackPayload(f), "feature %s", f)
	}
	assert.Nil(t, FallbackPayload(Feature("unknown")))
}

func TestDreamAnalysisValidate(t *testing.T) {
	valid := &DreamAnalysis{
		Title:          "t",
		Summary:        "s",
		Interpretation: "i",
		CrossConnections: []CrossConnection{
			{Connection: "c", Evidence: "e"},
		},
	}
	require.NoError(t, valid.Validate())

	missingConnection := &DreamAnalysis{
		Title:            "t",
		Summary:          "s",
		Interpretation:   "i",
		CrossConnections: []CrossConnection{{Evidence: "e"}},
	}
	assert.Error(t, missingConnection.Validate())
}

func TestPeriodicReportDerive(t *testing.T) {
	report := &PeriodicReport{
		Sections: ReportSections{
			MainTitle:    "Title",
			Overview:     "one two three four",
			GoldenThread: "five six",
			BlindSpot:    "",
		},
		Analogy: ReportAnalogy{Title: "", Text: "seven eight"},
	}
	report.Derive()

	// 8 words is under a minute of reading, floor plus one
	assert.Equal(t, 1, report.DerivedData.ReadMinutes)
	// main title and golden thread only; blind spot and analogy title are empty
	assert.Equal(t, 2, report.DerivedData.HeadingsCount)
}
