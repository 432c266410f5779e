package retrieval

import (
	"context"
	"strings"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/noctua-app/server/internal/reflection/model"
	logx "github.com/noctua-app/server/pkg/logger"
)

// enhanceInstruction asks the model for a hypothetical passage that a
// matching memory might contain. Embedding that passage instead of the raw
// query improves recall for short, emotionally-laden input.
const enhanceInstruction = `You improve search queries for a personal memory archive.
Given the user's text, write one short passage (2-3 sentences) that a relevant
past memory might plausibly contain: name the feelings, symbols and situations
involved. Output only the passage, no preamble.`

// Query is one retrieval request against a user's memory.
type Query struct {
	UserID        string
	TransactionID string
	RawQuery      string
	Feature       model.Feature
	Threshold     float32
	Count         int
	Since         time.Time
	// Evidentiary retrievals additionally write a retrieval-log row with the
	// exact query and returned set.
	Evidentiary bool
}

// Retriever runs query enhancement, embedding and similarity search. It
// degrades instead of failing: enhancement errors fall back to the raw query
// and embedding errors yield an empty result, so retrieval never blocks the
// pipeline.
type Retriever struct {
	enhancer einomodel.BaseChatModel // nil disables enhancement
	embedder Embedder
	store    VectorStore
	audit    model.AuditStore
	cfg      model.RetrievalConfig
}

func NewRetriever(enhancer einomodel.BaseChatModel, embedder Embedder, store VectorStore, audit model.AuditStore, cfg model.RetrievalConfig) *Retriever {
	return &Retriever{
		enhancer: enhancer,
		embedder: embedder,
		store:    store,
		audit:    audit,
		cfg:      cfg,
	}
}

// emotive features carry ambiguous free text worth rewriting before
// embedding; everything else is embedded as-is.
func emotiveFeature(f model.Feature) bool {
	switch f {
	case model.FeatureDream, model.FeatureSession, model.FeatureDiary:
		return true
	}
	return false
}

// Retrieve returns passages ordered by descending similarity, filtered to the
// threshold, never more than Count.
func (r *Retriever) Retrieve(ctx context.Context, q Query) []model.RetrievedMemory {
	if q.Threshold <= 0 {
		q.Threshold = r.cfg.Threshold
	}
	if q.Count <= 0 {
		q.Count = r.cfg.Count
	}

	query := strings.TrimSpace(q.RawQuery)
	if query == "" {
		return nil
	}

	enhanced := r.enhance(ctx, q.Feature, query)

	embedding, err := r.embedder.Embed(ctx, enhanced)
	if err != nil {
		logx.Warn().Err(err).Str("user_id", q.UserID).Msg("query embedding failed, returning no memories")
		return nil
	}

	memories, err := r.store.Search(ctx, q.UserID, embedding, q.Threshold, q.Count, q.Since)
	if err != nil {
		logx.Warn().Err(err).Str("user_id", q.UserID).Msg("similarity search failed, returning no memories")
		return nil
	}

	if q.Evidentiary && r.audit != nil {
		entry := &model.RetrievalLogEntry{
			UserID:        q.UserID,
			TransactionID: q.TransactionID,
			Query:         query,
			EnhancedQuery: enhanced,
			Results:       memories,
		}
		if err := r.audit.RecordRetrieval(ctx, entry); err != nil {
			logx.Warn().Err(err).Str("user_id", q.UserID).Msg("failed to write retrieval log entry")
		}
	}

	return memories
}

// enhance rewrites the query into a hypothetical passage when that is likely
// to help. Any failure silently falls back to the raw query.
func (r *Retriever) enhance(ctx context.Context, feature model.Feature, query string) string {
	if r.enhancer == nil || !emotiveFeature(feature) || len(query) < r.cfg.MinEnhanceChars {
		return query
	}

	out, err := r.enhancer.Generate(ctx, []*schema.Message{
		schema.SystemMessage(enhanceInstruction),
		schema.UserMessage(query),
	})
	if err != nil || out == nil || strings.TrimSpace(out.Content) == "" {
		logx.Warn().Err(err).Msg("query enhancement failed, using raw query")
		return query
	}

	enhanced := strings.TrimSpace(out.Content)
	logx.Debug().Int("raw_len", len(query)).Int("enhanced_len", len(enhanced)).
		Msg("query enhanced for retrieval")
	return enhanced
}
