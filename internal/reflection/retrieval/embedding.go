package retrieval

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
	"google.golang.org/genai"

	"github.com/noctua-app/server/internal/reflection/model"
	errx "github.com/noctua-app/server/internal/core/error"
	logx "github.com/noctua-app/server/pkg/logger"
)

// Embedder turns text into fixed-length vectors. Pure request/response.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch preserves input order; a nil entry signals a per-item
	// failure without failing the whole batch.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// GenAIEmbedder embeds via the Gemini embedding API, with an in-process
// ristretto cache in front keyed by the exact input text. Embeddings for a
// given text are deterministic, so caching never changes retrieval results.
type GenAIEmbedder struct {
	client *genai.Client
	cfg    model.EmbeddingConfig
	cache  *ristretto.Cache
}

func NewGenAIEmbedder(client *genai.Client, cfg model.EmbeddingConfig) (*GenAIEmbedder, error) {
	if client == nil {
		return nil, fmt.Errorf("genai client is nil")
	}
	entries := cfg.CacheEntries
	if entries <= 0 {
		entries = 4096
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: entries * 10,
		MaxCost:     entries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &GenAIEmbedder{client: client, cfg: cfg, cache: cache}, nil
}

func (e *GenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := e.cache.Get(text); ok {
		if vec, ok := cached.([]float32); ok {
			return vec, nil
		}
	}

	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	result, err := e.client.Models.EmbedContent(ctx, e.cfg.Model, contents, &genai.EmbedContentConfig{
		TaskType: e.cfg.TaskType,
	})
	if err != nil {
		return nil, errx.Upstream(fmt.Errorf("embed: %w", err))
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0].Values) == 0 {
		return nil, errx.Upstream(fmt.Errorf("embed: no embedding returned"))
	}

	vec := result.Embeddings[0].Values
	e.cache.Set(text, vec, 1)
	return vec, nil
}

// EmbedBatch embeds all texts in one provider call. When the batch call
// fails, it degrades to per-item calls so a single bad input cannot sink its
// siblings; unembeddable items come back nil in place.
func (e *GenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	result, err := e.client.Models.EmbedContent(ctx, e.cfg.Model, contents, &genai.EmbedContentConfig{
		TaskType: e.cfg.TaskType,
	})
	if err == nil && len(result.Embeddings) == len(texts) {
		vectors := make([][]float32, len(texts))
		for i, emb := range result.Embeddings {
			vectors[i] = emb.Values
		}
		return vectors, nil
	}
	if err != nil {
		logx.Warn().Err(err).Int("batch", len(texts)).Msg("batch embed failed, retrying per item")
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			logx.Warn().Err(err).Int("index", i).Msg("per-item embed failed")
			continue
		}
		vectors[i] = vec
	}
	return vectors, nil
}

func (e *GenAIEmbedder) Dimensions() int {
	if e.cfg.Dimensions > 0 {
		return e.cfg.Dimensions
	}
	return 768
}

var _ Embedder = (*GenAIEmbedder)(nil)
