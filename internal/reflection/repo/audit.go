package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/noctua-app/server/internal/reflection/model"
	errx "github.com/noctua-app/server/internal/core/error"
	logx "github.com/noctua-app/server/pkg/logger"
)

// SQLiteAuditStore holds the three append-only audit surfaces: one row per
// model call, one per evidentiary retrieval, one per generation decision.
// Rows are never updated or deleted by this subsystem.
type SQLiteAuditStore struct {
	db *sql.DB
}

func NewSQLiteAuditStore(db *sql.DB) *SQLiteAuditStore {
	return &SQLiteAuditStore{db: db}
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS generation_calls (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	tx_id        TEXT NOT NULL,
	model        TEXT NOT NULL,
	prompt       TEXT NOT NULL,
	response     TEXT NOT NULL,
	latency_ms   INTEGER NOT NULL,
	schema_valid INTEGER NOT NULL,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_generation_calls_tx ON generation_calls (tx_id);

CREATE TABLE IF NOT EXISTS retrieval_log (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id        TEXT NOT NULL,
	tx_id          TEXT NOT NULL,
	query          TEXT NOT NULL,
	enhanced_query TEXT NOT NULL,
	results        TEXT NOT NULL,
	created_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS decision_log (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id              TEXT NOT NULL,
	tx_id                TEXT NOT NULL,
	feature              TEXT NOT NULL,
	inputs               TEXT NOT NULL,
	evidence             TEXT NOT NULL,
	prompt               TEXT NOT NULL,
	response             TEXT NOT NULL,
	heuristic_confidence REAL NOT NULL,
	duration_ms          INTEGER NOT NULL,
	success              INTEGER NOT NULL,
	created_at           INTEGER NOT NULL
);
`

// InitSchema creates the audit tables if missing.
func (s *SQLiteAuditStore) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, auditSchema); err != nil {
		return fmt.Errorf("init audit schema: %w", err)
	}
	return nil
}

func (s *SQLiteAuditStore) RecordGenerationCall(ctx context.Context, call *model.GenerationCall) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO generation_calls (tx_id, model, prompt, response, latency_ms, schema_valid, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		call.TransactionID, call.Model, call.Prompt, call.Response,
		call.Latency.Milliseconds(), boolToInt(call.SchemaValid), time.Now().UTC().Unix(),
	)
	if err != nil {
		logx.Error().Err(err).Str("tx_id", call.TransactionID).Msg("failed to record generation call")
		return errx.WrapStore(err)
	}
	return nil
}

func (s *SQLiteAuditStore) RecordRetrieval(ctx context.Context, entry *model.RetrievalLogEntry) error {
	results, err := json.Marshal(entry.Results)
	if err != nil {
		return fmt.Errorf("marshal retrieval results: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO retrieval_log (user_id, tx_id, query, enhanced_query, results, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.UserID, entry.TransactionID, entry.Query, entry.EnhancedQuery,
		string(results), time.Now().UTC().Unix(),
	)
	if err != nil {
		logx.Error().Err(err).Str("tx_id", entry.TransactionID).Msg("failed to record retrieval")
		return errx.WrapStore(err)
	}
	return nil
}

func (s *SQLiteAuditStore) RecordDecision(ctx context.Context, entry *model.DecisionLogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decision_log (user_id, tx_id, feature, inputs, evidence, prompt, response,
		                           heuristic_confidence, duration_ms, success, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.UserID, entry.TransactionID, string(entry.Feature),
		string(entry.Inputs), string(entry.Evidence), entry.Prompt, entry.Response,
		entry.HeuristicConfidence, entry.Duration.Milliseconds(), boolToInt(entry.Success),
		time.Now().UTC().Unix(),
	)
	if err != nil {
		logx.Error().Err(err).Str("tx_id", entry.TransactionID).Msg("failed to record decision")
		return errx.WrapStore(err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ model.AuditStore = (*SQLiteAuditStore)(nil)
