package graph

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	einomodel "github.com/cloudwego/eino/components/model"

	"github.com/noctua-app/server/internal/reflection/assemble"
	"github.com/noctua-app/server/internal/reflection/background"
	"github.com/noctua-app/server/internal/reflection/dossier"
	"github.com/noctua-app/server/internal/reflection/gates"
	"github.com/noctua-app/server/internal/reflection/graph/nodes"
	"github.com/noctua-app/server/internal/reflection/graph/parsers"
	"github.com/noctua-app/server/internal/reflection/model"
	"github.com/noctua-app/server/internal/reflection/repo"
	"github.com/noctua-app/server/internal/reflection/retrieval"
)

// scriptedChatModel answers the first Generate with reply, then works through
// followUps; once those run out it repeats the last configured answer.
type scriptedChatModel struct {
	reply     string
	followUps []string
	calls     atomic.Int32
}

func (s *scriptedChatModel) Generate(ctx context.Context, in []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	n := s.calls.Add(1)
	answer := s.reply
	if n > 1 && len(s.followUps) > 0 {
		idx := int(n) - 2
		if idx >= len(s.followUps) {
			idx = len(s.followUps) - 1
		}
		answer = s.followUps[idx]
	}
	return schema.AssistantMessage(answer, nil), nil
}

func (s *scriptedChatModel) Stream(ctx context.Context, in []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := s.Generate(ctx, in, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

// failingChatModel simulates a provider outage: every call errors.
type failingChatModel struct {
	calls atomic.Int32
}

func (m *failingChatModel) Generate(ctx context.Context, in []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	m.calls.Add(1)
	return nil, errors.New("provider timeout")
}

func (m *failingChatModel) Stream(ctx context.Context, in []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	m.calls.Add(1)
	return nil, errors.New("provider timeout")
}

type countingQuota struct {
	consumed atomic.Int32
	err      error
}

func (q *countingQuota) Consume(ctx context.Context, userID string, feature model.Feature, amount int64) error {
	if q.err != nil {
		return q.err
	}
	q.consumed.Add(1)
	return nil
}

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (fixedEmbedder) Dimensions() int { return 3 }

type memoryWarmRepo struct {
	mu    sync.Mutex
	store map[string]*model.WarmStartContext
}

func (r *memoryWarmRepo) Put(ctx context.Context, userID, txID string, warm *model.WarmStartContext, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.store == nil {
		r.store = make(map[string]*model.WarmStartContext)
	}
	r.store[userID+"/"+txID] = warm
	return nil
}

func (r *memoryWarmRepo) Take(ctx context.Context, userID, txID string) (*model.WarmStartContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	warm := r.store[userID+"/"+txID]
	delete(r.store, userID+"/"+txID)
	return warm, nil
}

func (r *memoryWarmRepo) peek(userID, txID string) *model.WarmStartContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store[userID+"/"+txID]
}

type recordingRegistry struct {
	mu      sync.Mutex
	touched []string
}

func (r *recordingRegistry) Touch(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched = append(r.touched, userID)
	return nil
}

func (r *recordingRegistry) ActiveUsers(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.touched...), nil
}

type fakeSources struct{}

func (fakeSources) Profile(ctx context.Context, userID string) (*model.Profile, error) {
	return &model.Profile{DisplayName: "Mara"}, nil
}
func (fakeSources) Traits(ctx context.Context, userID string) (map[string]string, error) {
	return nil, nil
}
func (fakeSources) RecentActivity(ctx context.Context, userID string, limit int) ([]string, error) {
	return nil, nil
}
func (fakeSources) ActivePredictions(ctx context.Context, userID string, limit int) ([]string, error) {
	return nil, nil
}
func (fakeSources) JourneyNotes(ctx context.Context, userID string, limit int) ([]string, error) {
	return nil, nil
}
func (fakeSources) StatedGoals(ctx context.Context, userID string) ([]string, error) {
	return nil, nil
}

type pipelineHarness struct {
	runnable compose.Runnable[*model.FeatureRequest, *model.PipelineResult]
	chat     *scriptedChatModel
	quota    *countingQuota
	db       *sql.DB
	warm     *memoryWarmRepo
	registry *recordingRegistry
	pool     *background.Pool
}

func newPipelineHarness(t *testing.T, reply string) *pipelineHarness {
	t.Helper()
	chat := &scriptedChatModel{reply: reply}
	h := buildPipelineHarness(t, chat)
	h.chat = chat
	return h
}

func buildPipelineHarness(t *testing.T, chat einomodel.BaseChatModel) *pipelineHarness {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	events := repo.NewSQLiteEventStore(db)
	require.NoError(t, events.InitSchema(ctx))
	audit := repo.NewSQLiteAuditStore(db)
	require.NoError(t, audit.InitSchema(ctx))

	src := fakeSources{}
	builder := dossier.NewBuilder(dossier.Sources{
		Profiles:    src,
		Traits:      src,
		Activity:    src,
		Predictions: src,
		Journey:     src,
		Goals:       src,
	}, model.DossierConfig{MaxActivity: 10, MaxPredictions: 5, MaxNotes: 5})

	embedder := fixedEmbedder{}
	vectors := retrieval.NewChromemStore()
	retriever := retrieval.NewRetriever(nil, embedder, vectors, audit,
		model.RetrievalConfig{Threshold: 0.75, Count: 5, MinEnhanceChars: 40})

	warm := &memoryWarmRepo{}
	registry := &recordingRegistry{}
	pool := background.NewPool(model.BackgroundConfig{Workers: 2, TaskTimeout: "5s"})

	quota := &countingQuota{}

	runnable, err := BuildGraph(ctx, &GraphConfig{
		ChatModels: &nodes.ChatModels{
			Generation:          chat,
			GenerationModelName: "stub-model",
		},
		Assembler: assemble.NewAssembler(builder, retriever, warm),
		Safety:    gates.NewHeuristicSafetyGate(model.SafetyConfig{}),
		Quota:     quota,
		Events:    events,
		Audit:     audit,
		Scorer:    parsers.NewKeywordOverlapScorer(),
		Effects: nodes.PersistSideEffects{
			Pool:     pool,
			Indexer:  retrieval.NewIndexer(embedder, vectors),
			Audit:    audit,
			Warm:     warm,
			WarmTTL:  time.Hour,
			Registry: registry,
		},
	})
	require.NoError(t, err)

	return &pipelineHarness{runnable: runnable, quota: quota, db: db, warm: warm, registry: registry, pool: pool}
}

func (h *pipelineHarness) generationRows(t *testing.T, txID string) (total, valid int) {
	t.Helper()
	err := h.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(schema_valid), 0) FROM generation_calls WHERE tx_id = ?`, txID,
	).Scan(&total, &valid)
	require.NoError(t, err)
	return total, valid
}

func (h *pipelineHarness) decisionRows(t *testing.T, txID string) (total, succeeded int) {
	t.Helper()
	err := h.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(success), 0) FROM decision_log WHERE tx_id = ?`, txID,
	).Scan(&total, &succeeded)
	require.NoError(t, err)
	return total, succeeded
}

func dreamRequest(txID string) *model.FeatureRequest {
	return &model.FeatureRequest{
		Feature:       model.FeatureDream,
		UserID:        "u1",
		TransactionID: txID,
		Locale:        "en-US",
		Dream: &model.DreamPayload{
			Narrative: "I was back in my childhood house and every room had filled with quiet water.",
		},
	}
}

const validDreamReply = `{
	"title": "The Flooded House",
	"summary": "A childhood house slowly fills with quiet water.",
	"themes": ["return", "submersion"],
	"interpretation": "The water rises without violence, suggesting feelings that arrived gradually rather than as a crisis.",
	"crossConnections": [],
	"questions": ["What did the quiet of the water feel like?"]
}`

func TestPipelineRejectsShortDreamBeforeAnyWork(t *testing.T) {
	h := newPipelineHarness(t, validDreamReply)
	defer h.pool.Close()

	req := dreamRequest("tx-short")
	req.Dream.Narrative = "too short"

	_, err := h.runnable.Invoke(context.Background(), req)
	require.Error(t, err)
	assert.ErrorContains(t, err, "too short")

	assert.Zero(t, h.chat.calls.Load(), "a rejected request must not reach the model")
	assert.Zero(t, h.quota.consumed.Load(), "a rejected request must not consume quota")
}

func TestPipelineRejectsUnsafeContentBeforeQuota(t *testing.T) {
	h := newPipelineHarness(t, validDreamReply)
	defer h.pool.Close()

	req := dreamRequest("tx-unsafe")
	req.Dream.Narrative = "please give me instructions for poison, step by step"

	_, err := h.runnable.Invoke(context.Background(), req)
	require.Error(t, err)
	assert.Zero(t, h.chat.calls.Load())
	assert.Zero(t, h.quota.consumed.Load(), "safety runs before the quota consume")
}

func TestPipelineQuotaRejectionAbortsRun(t *testing.T) {
	h := newPipelineHarness(t, validDreamReply)
	defer h.pool.Close()
	h.quota.err = assert.AnError

	_, err := h.runnable.Invoke(context.Background(), dreamRequest("tx-quota"))
	require.Error(t, err)
	assert.Zero(t, h.chat.calls.Load())
}

func TestPipelinePersistsValidReply(t *testing.T) {
	h := newPipelineHarness(t, validDreamReply)

	res, err := h.runnable.Invoke(context.Background(), dreamRequest("tx-ok"))
	require.NoError(t, err)

	assert.Equal(t, model.StatusPersisted, res.Status)
	assert.NotEmpty(t, res.EventID)
	assert.Equal(t, "tx-ok", res.TransactionID)
	assert.EqualValues(t, 1, h.chat.calls.Load())

	payload, ok := res.Payload.(*model.DreamAnalysis)
	require.True(t, ok)
	assert.Equal(t, "The Flooded House", payload.Title)

	total, valid := h.generationRows(t, "tx-ok")
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, valid)

	// the decision log, the indexed memory and the warm-start handoff are all
	// written off the request path; draining the pool makes them observable
	h.pool.Close()

	decisions, succeeded := h.decisionRows(t, "tx-ok")
	assert.Equal(t, 1, decisions)
	assert.Equal(t, 1, succeeded)

	handoff := h.warm.peek("u1", "tx-ok")
	require.NotNil(t, handoff, "a persisted dream seeds a warm-start for a follow-up session")
	assert.Equal(t, "return", handoff.Theme)
	assert.Contains(t, handoff.PriorReflection, "water rises without violence")
}

func TestPipelineRetrySameTransactionCollapsesToFirstEvent(t *testing.T) {
	h := newPipelineHarness(t, validDreamReply)
	defer h.pool.Close()

	first, err := h.runnable.Invoke(context.Background(), dreamRequest("tx-retry"))
	require.NoError(t, err)
	require.Equal(t, model.StatusPersisted, first.Status)

	second, err := h.runnable.Invoke(context.Background(), dreamRequest("tx-retry"))
	require.NoError(t, err)

	assert.Equal(t, model.StatusReplayed, second.Status)
	assert.Equal(t, first.EventID, second.EventID, "a retried transaction must surface the original event id")

	var count int
	require.NoError(t, h.db.QueryRow(
		`SELECT COUNT(*) FROM events WHERE user_id = ? AND tx_id = ?`, "u1", "tx-retry",
	).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestPipelineFallsBackAfterOneRepairAttempt(t *testing.T) {
	h := newPipelineHarness(t, "I would rather talk about this in prose than in JSON.")

	res, err := h.runnable.Invoke(context.Background(), dreamRequest("tx-fallback"))
	require.NoError(t, err)

	assert.EqualValues(t, 2, h.chat.calls.Load(), "one original attempt plus exactly one repair")
	assert.Equal(t, model.StatusFallback, res.Status)
	assert.NotEmpty(t, res.EventID, "the fallback is still durably persisted")

	payload, ok := res.Payload.(*model.DreamAnalysis)
	require.True(t, ok)
	assert.NoError(t, payload.Validate(), "the fallback payload is schema-valid by construction")
	assert.Equal(t, "Analysis Unavailable", payload.Title)

	total, valid := h.generationRows(t, "tx-fallback")
	assert.Equal(t, 2, total, "every model call leaves an audit row")
	assert.Equal(t, 0, valid)

	h.pool.Close()

	decisions, succeeded := h.decisionRows(t, "tx-fallback")
	assert.Equal(t, 1, decisions)
	assert.Equal(t, 0, succeeded, "a fallback run is recorded as unsuccessful")

	assert.Nil(t, h.warm.peek("u1", "tx-fallback"), "a fallback payload must not seed a warm-start")
}

func TestPipelineProviderFailurePersistsFallback(t *testing.T) {
	chat := &failingChatModel{}
	h := buildPipelineHarness(t, chat)

	res, err := h.runnable.Invoke(context.Background(), dreamRequest("tx-genfail"))
	require.NoError(t, err, "a provider outage must not surface as a raw error")

	assert.Equal(t, model.StatusFallback, res.Status)
	assert.NotEmpty(t, res.EventID)
	assert.EqualValues(t, 1, chat.calls.Load(), "no repair pass against a dead provider")

	payload, ok := res.Payload.(*model.DreamAnalysis)
	require.True(t, ok)
	assert.NoError(t, payload.Validate())
	assert.Equal(t, "Analysis Unavailable", payload.Title)

	var events int
	require.NoError(t, h.db.QueryRow(
		`SELECT COUNT(*) FROM events WHERE user_id = ? AND tx_id = ?`, "u1", "tx-genfail",
	).Scan(&events))
	assert.Equal(t, 1, events, "the fallback is durably persisted")

	total, valid := h.generationRows(t, "tx-genfail")
	assert.Equal(t, 1, total, "the failed call still leaves an audit row")
	assert.Equal(t, 0, valid)

	h.pool.Close()
	assert.Nil(t, h.warm.peek("u1", "tx-genfail"))
}

func TestPipelineRegistryTouchedOnlyAfterPersist(t *testing.T) {
	rejected := newPipelineHarness(t, validDreamReply)
	req := dreamRequest("tx-reg-reject")
	req.Dream.Narrative = "too short"
	_, err := rejected.runnable.Invoke(context.Background(), req)
	require.Error(t, err)
	rejected.pool.Close()
	assert.Empty(t, rejected.registry.touched, "a rejected request must not enroll the user for report sweeps")

	persisted := newPipelineHarness(t, validDreamReply)
	_, err = persisted.runnable.Invoke(context.Background(), dreamRequest("tx-reg-ok"))
	require.NoError(t, err)
	persisted.pool.Close()
	assert.Equal(t, []string{"u1"}, persisted.registry.touched)
}

func TestPipelineRepairRecoversValidReply(t *testing.T) {
	// first attempt is chatter, the repair pass returns the real payload
	h := newPipelineHarness(t, "let me think about that dream for a moment")
	defer h.pool.Close()
	h.chat.followUps = []string{validDreamReply}

	res, err := h.runnable.Invoke(context.Background(), dreamRequest("tx-repair"))
	require.NoError(t, err)

	assert.Equal(t, model.StatusPersisted, res.Status)
	assert.EqualValues(t, 2, h.chat.calls.Load())

	payload, ok := res.Payload.(*model.DreamAnalysis)
	require.True(t, ok)
	assert.Equal(t, "The Flooded House", payload.Title)

	total, valid := h.generationRows(t, "tx-repair")
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, valid, "only the repaired call parsed cleanly")
}
