package parsers

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/noctua-app/server/internal/reflection/model"
)

func TestKeywordOverlapScorer(t *testing.T) {
	scorer := NewKeywordOverlapScorer()

	t.Run("full overlap approaches one", func(t *testing.T) {
		payload := &model.DiaryInsight{
			Title:      "Moving anxiety",
			Reflection: "The relocation keeps surfacing in everything you write.",
		}
		facts := []string{"relocation", "anxiety"}
		score := scorer.Score(payload, facts)
		assert.Equal(t, 1.0, score)
	})

	t.Run("no overlap scores zero", func(t *testing.T) {
		payload := &model.DiaryInsight{Title: "Calm", Reflection: "A quiet day."}
		facts := []string{"volcanoes", "submarines"}
		assert.Zero(t, scorer.Score(payload, facts))
	})

	t.Run("short tokens are ignored", func(t *testing.T) {
		payload := &model.DiaryInsight{Title: "A to the sea", Reflection: "was it so"}
		facts := []string{"a to it so was the"}
		// every shared token is three runes or fewer, so nothing counts
		assert.Zero(t, scorer.Score(payload, facts))
	})

	t.Run("nil payload and empty facts", func(t *testing.T) {
		assert.Zero(t, scorer.Score(nil, []string{"fact"}))
		assert.Zero(t, scorer.Score(&model.DiaryInsight{Title: "t"}, nil))
	})

	t.Run("score stays within bounds", func(t *testing.T) {
		payload := &model.SessionReply{Message: "water water water everywhere", Theme: "water"}
		facts := []string{"water"}
		score := scorer.Score(payload, facts)
		assert.GreaterOrEqual(t, score, 0.0)
		assert.LessOrEqual(t, score, 1.0)
	})
}
