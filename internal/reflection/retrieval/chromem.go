package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/noctua-app/server/internal/reflection/model"
	errx "github.com/noctua-app/server/internal/core/error"
	logx "github.com/noctua-app/server/pkg/logger"
)

// VectorStore is the narrow contract the pipeline has on the vector index.
// The index itself is an external primitive; we only add and search.
type VectorStore interface {
	Add(ctx context.Context, userID string, docs []model.MemoryDocument) error
	// Search returns passages ordered by descending similarity, at most count
	// entries, all with similarity >= threshold and created at or after since
	// (zero since means unbounded).
	Search(ctx context.Context, userID string, embedding []float32, threshold float32, count int, since time.Time) ([]model.RetrievedMemory, error)
}

// ChromemStore wraps chromem-go, a pure Go embedded vector database. Each
// user gets their own collection for namespace isolation.
type ChromemStore struct {
	db          *chromem.DB
	collections map[string]*chromem.Collection
	mu          sync.RWMutex
}

func NewChromemStore() *ChromemStore {
	return &ChromemStore{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
	}
}

func (s *ChromemStore) collection(userID string) (*chromem.Collection, error) {
	s.mu.RLock()
	col, exists := s.collections[userID]
	s.mu.RUnlock()
	if exists {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, exists := s.collections[userID]; exists {
		return col, nil
	}

	col, err := s.db.CreateCollection(fmt.Sprintf("user_%s", userID), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	s.collections[userID] = col
	return col, nil
}

func (s *ChromemStore) Add(ctx context.Context, userID string, docs []model.MemoryDocument) error {
	col, err := s.collection(userID)
	if err != nil {
		return err
	}

	for _, d := range docs {
		doc := chromem.Document{
			ID:        d.ID,
			Content:   d.Content,
			Embedding: d.Embedding,
			Metadata: map[string]string{
				"layer":      string(d.Layer),
				"created_at": strconv.FormatInt(d.CreatedAt.UTC().Unix(), 10),
			},
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("add document %s: %w", d.ID, err)
		}
	}
	return nil
}

func (s *ChromemStore) Search(ctx context.Context, userID string, embedding []float32, threshold float32, count int, since time.Time) ([]model.RetrievedMemory, error) {
	col, err := s.collection(userID)
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults above the collection size.
	limit := count
	if n := col.Count(); n < limit {
		limit = n
	}
	if limit <= 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, embedding, limit, nil, nil)
	if err != nil {
		return nil, errx.Upstream(fmt.Errorf("vector query: %w", err))
	}

	memories := make([]model.RetrievedMemory, 0, len(results))
	for _, res := range results {
		if res.Similarity < threshold {
			continue
		}
		if !since.IsZero() {
			createdAt, err := strconv.ParseInt(res.Metadata["created_at"], 10, 64)
			if err != nil || time.Unix(createdAt, 0).Before(since) {
				continue
			}
		}
		layer := model.MemoryLayer(res.Metadata["layer"])
		if layer == "" {
			layer = model.LayerContent
		}
		memories = append(memories, model.RetrievedMemory{
			Content:     res.Content,
			SourceLayer: layer,
			Similarity:  res.Similarity,
		})
	}

	sort.SliceStable(memories, func(i, j int) bool {
		return memories[i].Similarity > memories[j].Similarity
	})
	if len(memories) > count {
		memories = memories[:count]
	}

	logx.Debug().Str("user_id", userID).Int("returned", len(memories)).
		Float32("threshold", threshold).Msg("vector search complete")
	return memories, nil
}

var _ VectorStore = (*ChromemStore)(nil)
