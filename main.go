package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/noctua-app/server/internal/reflection/graph"
	"github.com/noctua-app/server/internal/reflection/model"
	"github.com/noctua-app/server/internal/reflection/repo"
	"github.com/noctua-app/server/internal/reflection/scheduler"
	logx "github.com/noctua-app/server/pkg/logger"
	pkgredis "github.com/noctua-app/server/pkg/redis"
	pkgsqlite "github.com/noctua-app/server/pkg/sqlite"
)

// AppConfig defines all configurable parameters for the reflection engine,
// sourced from environment variables (loaded from .env for local runs).
type AppConfig struct {
	// Infrastructure
	Redis  pkgredis.Config
	SQLite pkgsqlite.Config

	// LLM provider
	APIKey  string `envconfig:"GEMINI_API_KEY" required:"true"`
	BaseURL string `envconfig:"GEMINI_BASE_URL"`

	// Pipeline configs
	Generation model.GenerationModelConfig
	Enhancer   model.EnhancerModelConfig
	Embedding  model.EmbeddingConfig
	Retrieval  model.RetrievalConfig
	Quota      model.QuotaConfig
	Safety     model.SafetyConfig
	Dossier    model.DossierConfig
	Background model.BackgroundConfig
	WarmStart  model.WarmStartConfig
	Scheduler  model.SchedulerConfig
}

func main() {
	logx.Init()
	ctx := context.Background()

	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	var envCfg AppConfig
	if err := envconfig.Process("", &envCfg); err != nil {
		log.Fatalf("Failed to process environment config: %v", err)
	}

	rdb, err := envCfg.Redis.New()
	if err != nil {
		log.Fatalf("Failed to initialise Redis client: %v", err)
	}
	defer rdb.Close()

	db, err := envCfg.SQLite.Open()
	if err != nil {
		log.Fatalf("Failed to open SQLite database: %v", err)
	}
	defer db.Close()

	if err := repo.NewSQLiteEventStore(db).InitSchema(ctx); err != nil {
		log.Fatalf("Failed to initialise event schema: %v", err)
	}
	if err := repo.NewSQLiteAuditStore(db).InitSchema(ctx); err != nil {
		log.Fatalf("Failed to initialise audit schema: %v", err)
	}

	runner, err := graph.BuildReflectionEngine(ctx, graph.Config{
		APIKey:     envCfg.APIKey,
		BaseURL:    envCfg.BaseURL,
		Generation: envCfg.Generation,
		Enhancer:   envCfg.Enhancer,
		Embedding:  envCfg.Embedding,
		Retrieval:  envCfg.Retrieval,
		Quota:      envCfg.Quota,
		Safety:     envCfg.Safety,
		Dossier:    envCfg.Dossier,
		Background: envCfg.Background,
		WarmStart:  envCfg.WarmStart,
		Redis:      rdb,
		DB:         db,
	})
	if err != nil {
		log.Fatalf("Failed to build reflection engine: %v", err)
	}
	defer runner.Close()

	if envCfg.Scheduler.Enabled {
		reports := scheduler.NewReportScheduler(runner, repo.NewRedisUserRegistry(rdb), envCfg.Scheduler)
		if err := reports.Start(); err != nil {
			log.Fatalf("Failed to start report scheduler: %v", err)
		}
		defer reports.Stop()
	}

	userID := "demo-user-1"
	dreamTx := uuid.NewString()

	runs := []struct {
		description string
		request     *model.FeatureRequest
	}{
		{
			description: "Dream analysis",
			request: &model.FeatureRequest{
				Feature:       model.FeatureDream,
				UserID:        userID,
				TransactionID: dreamTx,
				Locale:        "en-US",
				Dream: &model.DreamPayload{
					Narrative: "I was back in my childhood home, but every door opened onto the sea. I kept looking for the kitchen and finding waves instead.",
				},
			},
		},
		{
			description: "Daily mood check-in",
			request: &model.FeatureRequest{
				Feature:       model.FeatureReflection,
				UserID:        userID,
				TransactionID: uuid.NewString(),
				Locale:        "en-US",
				Reflection: &model.ReflectionPayload{
					Mood: "restless",
					Note: "Slept badly, kept thinking about the move.",
				},
			},
		},
		{
			description: "Dream analysis replayed with the same transaction id",
			request: &model.FeatureRequest{
				Feature:       model.FeatureDream,
				UserID:        userID,
				TransactionID: dreamTx,
				Locale:        "en-US",
				Dream: &model.DreamPayload{
					Narrative: "I was back in my childhood home, but every door opened onto the sea. I kept looking for the kitchen and finding waves instead.",
				},
			},
		},
		{
			description: "Session continuing from the dream",
			request: &model.FeatureRequest{
				Feature:       model.FeatureSession,
				UserID:        userID,
				TransactionID: uuid.NewString(),
				Locale:        "en-US",
				Session: &model.SessionPayload{
					SessionID: dreamTx,
					Message:   "The water didn't scare me. Is that strange?",
				},
			},
		},
	}

	for i, run := range runs {
		fmt.Printf("\nRun %d: %s\n", i+1, run.description)

		result, err := runner.Process(ctx, run.request)
		if err != nil {
			logx.Error().Err(err).Str("feature", run.request.Feature.String()).Msg("run failed")
			continue
		}

		payload, _ := json.MarshalIndent(result.Payload, "", "  ")
		fmt.Printf("status=%s event=%s duration=%s confidence=%.2f\n",
			result.Status, result.EventID, result.Duration.Round(time.Millisecond), result.HeuristicConfidence)
		fmt.Printf("%s\n", payload)
	}
}
