package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"google.golang.org/genai"

	"github.com/noctua-app/server/internal/reflection/assemble"
	"github.com/noctua-app/server/internal/reflection/background"
	"github.com/noctua-app/server/internal/reflection/dossier"
	"github.com/noctua-app/server/internal/reflection/gates"
	"github.com/noctua-app/server/internal/reflection/graph/nodes"
	"github.com/noctua-app/server/internal/reflection/graph/observers"
	"github.com/noctua-app/server/internal/reflection/graph/parsers"
	"github.com/noctua-app/server/internal/reflection/model"
	"github.com/noctua-app/server/internal/reflection/repo"
	"github.com/noctua-app/server/internal/reflection/retrieval"
	errx "github.com/noctua-app/server/internal/core/error"
	logx "github.com/noctua-app/server/pkg/logger"
)

// Runner executes the reflection pipeline for one request.
type Runner interface {
	Process(ctx context.Context, req *model.FeatureRequest) (*model.PipelineResult, error)
	// Close drains the background pool. Call on shutdown.
	Close()
}

// Config holds everything needed to compose the full reflection engine
// end-to-end. This is a convenience layer over GraphConfig that also
// constructs the chat models, stores and gates.
type Config struct {
	APIKey  string
	BaseURL string

	Generation model.GenerationModelConfig
	Enhancer   model.EnhancerModelConfig
	Embedding  model.EmbeddingConfig
	Retrieval  model.RetrievalConfig
	Quota      model.QuotaConfig
	Safety     model.SafetyConfig
	Dossier    model.DossierConfig
	Background model.BackgroundConfig
	WarmStart  model.WarmStartConfig

	Redis redis.Cmdable
	DB    *sql.DB
}

// GraphConfig holds the already-constructed dependencies the graph is built
// from.
type GraphConfig struct {
	ChatModels *nodes.ChatModels
	Assembler  *assemble.Assembler
	Safety     gates.SafetyGate
	Quota      gates.QuotaGate
	Events     model.EventStore
	Audit      model.AuditStore
	Scorer     parsers.ConfidenceScorer
	Effects    nodes.PersistSideEffects
}

// GraphBuilder handles the construction of the reflection pipeline graph.
type GraphBuilder struct {
	config *GraphConfig
	graph  *compose.Graph[*model.FeatureRequest, *model.PipelineResult]
}

type engineRunner struct {
	runnable compose.Runnable[*model.FeatureRequest, *model.PipelineResult]
	events   model.EventStore
	pool     *background.Pool
}

// Process first checks the idempotency key: a transaction that already has a
// durable event is answered from that event without touching the model, the
// quota, or the stores. Fresh transactions run the full graph.
func (r *engineRunner) Process(ctx context.Context, req *model.FeatureRequest) (*model.PipelineResult, error) {
	if req == nil {
		return nil, errx.Validation(nil, "empty request")
	}
	if req.TransactionID == "" {
		req.TransactionID = uuid.NewString()
	}

	start := time.Now()

	if req.UserID != "" {
		if existing, err := r.events.FindByTransaction(ctx, req.UserID, req.TransactionID); err != nil {
			logx.Warn().Err(err).Str("tx_id", req.TransactionID).Msg("replay lookup failed, running pipeline")
		} else if existing != nil {
			logx.Info().Str("user_id", req.UserID).Str("tx_id", req.TransactionID).
				Str("event_id", existing.ID).Msg("transaction replayed from durable event")
			return &model.PipelineResult{
				EventID:       existing.ID,
				TransactionID: req.TransactionID,
				Status:        model.StatusReplayed,
				Payload:       json.RawMessage(existing.Data),
				Duration:      time.Since(start),
			}, nil
		}
	}

	return r.runnable.Invoke(ctx, req, compose.WithCallbacks(observers.NewAllCallbacks()))
}

func (r *engineRunner) Close() {
	r.pool.Close()
}

// BuildReflectionEngine wires models, stores, gates and the graph into a
// ready Runner.
func BuildReflectionEngine(ctx context.Context, cfg Config) (Runner, error) {
	if cfg.Redis == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	if cfg.DB == nil {
		return nil, fmt.Errorf("sql db is nil")
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini client")
		return nil, fmt.Errorf("error creating Gemini client: %w", err)
	}

	cms, err := nodes.NewChatModels(ctx, nodes.ChatModelConfig{
		Client:          client,
		GenerationModel: &cfg.Generation,
		EnhancerModel:   &cfg.Enhancer,
	})
	if err != nil {
		return nil, err
	}

	embedder, err := retrieval.NewGenAIEmbedder(client, cfg.Embedding)
	if err != nil {
		return nil, err
	}
	vectors := retrieval.NewChromemStore()

	events := repo.NewSQLiteEventStore(cfg.DB)
	audit := repo.NewSQLiteAuditStore(cfg.DB)

	retriever := retrieval.NewRetriever(cms.Enhancer, embedder, vectors, audit, cfg.Retrieval)

	sources := repo.NewRedisDossierSource(cfg.Redis)
	builder := dossier.NewBuilder(dossier.Sources{
		Profiles:    sources,
		Traits:      sources,
		Activity:    sources,
		Predictions: sources,
		Journey:     sources,
		Goals:       sources,
	}, cfg.Dossier)

	warmTTL := cfg.WarmStart.TTLDuration()
	warm := repo.NewRedisWarmStartRepository(cfg.Redis, warmTTL)
	assembler := assemble.NewAssembler(builder, retriever, warm)

	pool := background.NewPool(cfg.Background)
	indexer := retrieval.NewIndexer(embedder, vectors)

	runnable, err := BuildGraph(ctx, &GraphConfig{
		ChatModels: cms,
		Assembler:  assembler,
		Safety:     gates.NewHeuristicSafetyGate(cfg.Safety),
		Quota:      gates.NewRedisQuotaGate(cfg.Redis, cfg.Quota),
		Events:     events,
		Audit:      audit,
		Scorer:     parsers.NewKeywordOverlapScorer(),
		Effects: nodes.PersistSideEffects{
			Pool:     pool,
			Indexer:  indexer,
			Audit:    audit,
			Warm:     warm,
			WarmTTL:  warmTTL,
			Registry: repo.NewRedisUserRegistry(cfg.Redis),
		},
	})
	if err != nil {
		return nil, err
	}

	logx.Debug().Msg("Reflection graph built successfully")
	return &engineRunner{
		runnable: runnable,
		events:   events,
		pool:     pool,
	}, nil
}

// BuildGraph constructs and returns the compiled pipeline graph.
func BuildGraph(ctx context.Context, config *GraphConfig) (compose.Runnable[*model.FeatureRequest, *model.PipelineResult], error) {
	if config == nil {
		return nil, fmt.Errorf("graph config is nil")
	}
	if config.ChatModels == nil || config.ChatModels.Generation == nil {
		return nil, fmt.Errorf("chat models are not properly initialized")
	}
	if config.Assembler == nil || config.Safety == nil || config.Quota == nil {
		return nil, fmt.Errorf("pipeline stages are not properly initialized")
	}
	if config.Events == nil || config.Audit == nil || config.Scorer == nil {
		return nil, fmt.Errorf("stores are not properly initialized")
	}

	builder := &GraphBuilder{
		config: config,
		graph: compose.NewGraph[*model.FeatureRequest, *model.PipelineResult](
			compose.WithGenLocalState(func(ctx context.Context) *model.PipelineState {
				return &model.PipelineState{}
			}),
		),
	}

	builder.addNodes()
	builder.addEdges()

	if err := builder.addBranches(); err != nil {
		return nil, err
	}

	return builder.compile(ctx)
}

// addNodes adds all processing nodes to the graph.
func (b *GraphBuilder) addNodes() {
	b.graph.AddLambdaNode(nodes.NodeIntake,
		nodes.NewIntakeNode(b.config.Safety, b.config.Quota),
		compose.WithStatePreHandler(nodes.NewIntakePreHandler()),
	)

	b.graph.AddLambdaNode(nodes.NodeContextAssembler,
		nodes.NewContextAssemblerNode(b.config.Assembler),
		compose.WithStatePostHandler(nodes.NewContextAssemblerPostHandler()),
	)

	b.graph.AddLambdaNode(nodes.NodePromptRender,
		nodes.NewPromptRenderNode(),
		compose.WithStatePostHandler(nodes.NewPromptRenderPostHandler()),
	)

	b.graph.AddChatModelNode(nodes.NodeGenerate,
		nodes.NewFailsafeChatModel(b.config.ChatModels.Generation),
		compose.WithStatePreHandler(nodes.NewGeneratePreHandler()),
		compose.WithStatePostHandler(nodes.NewGeneratePostHandler(b.config.ChatModels.GenerationModelName)),
	)

	b.graph.AddLambdaNode(nodes.NodeValidate,
		nodes.NewValidateNode(),
		compose.WithStatePostHandler(nodes.NewValidatePostHandler(b.config.Audit, b.config.ChatModels.GenerationModelName)),
	)

	b.graph.AddLambdaNode(nodes.NodeRepairPrompt,
		nodes.NewRepairPromptNode(),
		compose.WithStatePreHandler(nodes.NewRepairPromptPreHandler()),
	)

	b.graph.AddLambdaNode(nodes.NodePersist,
		nodes.NewPersistNode(b.config.Events, b.config.Scorer),
		compose.WithStatePostHandler(nodes.NewPersistPostHandler(b.config.Effects)),
	)
}

// addEdges creates the main flow connections between nodes.
func (b *GraphBuilder) addEdges() {
	edges := [][2]string{
		{compose.START, nodes.NodeIntake},
		{nodes.NodeIntake, nodes.NodeContextAssembler},
		{nodes.NodeContextAssembler, nodes.NodePromptRender},
		{nodes.NodePromptRender, nodes.NodeGenerate},
		{nodes.NodeGenerate, nodes.NodeValidate},
		{nodes.NodeRepairPrompt, nodes.NodeGenerate},
		{nodes.NodePersist, compose.END},
	}

	for _, edge := range edges {
		b.graph.AddEdge(edge[0], edge[1])
	}
}

// addBranches creates the repair-or-persist routing after validation.
func (b *GraphBuilder) addBranches() error {
	repairBranch := compose.NewGraphBranch(
		nodes.NewRepairCondition(),
		map[string]bool{
			nodes.NodeRepairPrompt: true,
			nodes.NodePersist:      true,
		},
	)
	if err := b.graph.AddBranch(nodes.NodeValidate, repairBranch); err != nil {
		logx.Error().Err(err).Msg("Error adding repair branch")
		return fmt.Errorf("error adding repair branch: %w", err)
	}
	return nil
}

// compile finalizes and compiles the graph.
func (b *GraphBuilder) compile(ctx context.Context) (compose.Runnable[*model.FeatureRequest, *model.PipelineResult], error) {
	// the repair loop re-enters Generate and Validate at most once, so a
	// fixed step bound is enough to rule out runaway cycles
	runnable, err := b.graph.Compile(ctx, compose.WithMaxRunSteps(20))
	if err != nil {
		logx.Error().Err(err).Msg("Error compiling graph")
		return nil, fmt.Errorf("error compiling graph: %w", err)
	}

	logx.Debug().Msg("Graph compiled successfully")
	return runnable, nil
}
