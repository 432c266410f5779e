package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/noctua-app/server/internal/reflection/model"
	logx "github.com/noctua-app/server/pkg/logger"
)

// Indexer computes embeddings for newly persisted content plus derived
// facets (sentiment, style) and stores them for future retrieval. It runs
// out-of-band after persistence; its failures are logged, never surfaced.
type Indexer struct {
	embedder Embedder
	store    VectorStore
}

func NewIndexer(embedder Embedder, store VectorStore) *Indexer {
	return &Indexer{embedder: embedder, store: store}
}

// Index embeds the content and its facets and adds them as layered documents.
// A nil per-item embedding skips that layer; the rest still lands.
func (ix *Indexer) Index(ctx context.Context, userID, eventID string, feature model.Feature, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	texts := []string{content}
	layers := []model.MemoryLayer{model.LayerContent}
	if facet := sentimentFacet(content); facet != "" {
		texts = append(texts, facet)
		layers = append(layers, model.LayerSentiment)
	}
	if facet := styleFacet(content); facet != "" {
		texts = append(texts, facet)
		layers = append(layers, model.LayerStyle)
	}

	vectors, err := ix.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed facets: %w", err)
	}

	now := time.Now().UTC()
	var docs []model.MemoryDocument
	for i, vec := range vectors {
		if vec == nil {
			logx.Warn().Str("event_id", eventID).Str("layer", string(layers[i])).
				Msg("facet embedding missing, layer skipped")
			continue
		}
		docs = append(docs, model.MemoryDocument{
			ID:        fmt.Sprintf("%s:%s", eventID, layers[i]),
			Content:   texts[i],
			Layer:     layers[i],
			Embedding: vec,
			CreatedAt: now,
		})
	}
	if len(docs) == 0 {
		return fmt.Errorf("no facet could be embedded for event %s", eventID)
	}

	if err := ix.store.Add(ctx, userID, docs); err != nil {
		return fmt.Errorf("store memories: %w", err)
	}

	logx.Debug().Str("user_id", userID).Str("event_id", eventID).
		Str("feature", feature.String()).Int("layers", len(docs)).Msg("content indexed")
	return nil
}

var positiveWords = []string{
	"joy", "happy", "calm", "hope", "grateful", "love", "peace", "relief", "proud", "excited",
}

var negativeWords = []string{
	"fear", "afraid", "anxious", "sad", "angry", "lost", "alone", "guilt", "shame", "worried", "falling", "chased",
}

// sentimentFacet summarises the emotional charge of the text. Word-list
// counting, not a sentiment model; it only has to steer retrieval.
func sentimentFacet(content string) string {
	lower := strings.ToLower(content)
	var pos, neg []string
	for _, w := range positiveWords {
		if strings.Contains(lower, w) {
			pos = append(pos, w)
		}
	}
	for _, w := range negativeWords {
		if strings.Contains(lower, w) {
			neg = append(neg, w)
		}
	}
	if len(pos) == 0 && len(neg) == 0 {
		return ""
	}

	tone := "mixed"
	switch {
	case len(neg) == 0:
		tone = "positive"
	case len(pos) == 0:
		tone = "heavy"
	}
	return fmt.Sprintf("emotional tone: %s; feelings present: %s",
		tone, strings.Join(append(pos, neg...), ", "))
}

// styleFacet captures how the text is written rather than what it says.
func styleFacet(content string) string {
	sentences := 0
	for _, r := range content {
		if r == '.' || r == '!' || r == '?' {
			sentences++
		}
	}
	if sentences == 0 {
		sentences = 1
	}
	words := len(strings.Fields(content))
	avg := words / sentences

	pace := "flowing"
	if avg < 8 {
		pace = "fragmented"
	} else if avg > 22 {
		pace = "sprawling"
	}

	person := "observational"
	lower := " " + strings.ToLower(content) + " "
	if strings.Contains(lower, " i ") || strings.Contains(lower, " my ") || strings.Contains(lower, " me ") {
		person = "first-person"
	}
	return fmt.Sprintf("writing style: %s, %s narration, about %d words", pace, person, words)
}
