package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/noctua-app/server/internal/reflection/model"
	errx "github.com/noctua-app/server/internal/core/error"
	logx "github.com/noctua-app/server/pkg/logger"
)

// SQLiteEventStore persists pipeline events with an insert-or-return-existing
// contract on (user_id, tx_id). This is what makes client retries safe: the
// retried pipeline run collapses to the original row.
type SQLiteEventStore struct {
	db *sql.DB
}

func NewSQLiteEventStore(db *sql.DB) *SQLiteEventStore {
	return &SQLiteEventStore{db: db}
}

const eventSchema = `
CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	tx_id      TEXT NOT NULL,
	type       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	data       TEXT NOT NULL,
	read_at    INTEGER,
	UNIQUE (user_id, tx_id)
);
CREATE INDEX IF NOT EXISTS idx_events_user ON events (user_id, created_at);
`

// InitSchema creates the events table if missing.
func (s *SQLiteEventStore) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, eventSchema); err != nil {
		return fmt.Errorf("init events schema: %w", err)
	}
	return nil
}

// Upsert writes the event exactly once per (userID, transactionID). The
// conflict target does nothing, so a concurrent or repeated write can never
// replace the first row; the follow-up select returns whichever id won.
func (s *SQLiteEventStore) Upsert(ctx context.Context, userID, transactionID, eventType string, data []byte) (string, bool, error) {
	id := uuid.NewString()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, user_id, tx_id, type, created_at, data)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, tx_id) DO NOTHING`,
		id, userID, transactionID, eventType, time.Now().UTC().Unix(), string(data),
	)
	if err != nil {
		logx.Error().Err(err).Str("user_id", userID).Str("tx_id", transactionID).Msg("event upsert failed")
		return "", false, errx.WrapStore(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return "", false, errx.WrapStore(err)
	}
	if affected > 0 {
		return id, true, nil
	}

	// Conflict path: return the pre-existing id without modification.
	var existing string
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM events WHERE user_id = ? AND tx_id = ?`,
		userID, transactionID,
	).Scan(&existing)
	if err != nil {
		return "", false, errx.WrapStore(err)
	}
	logx.Debug().Str("user_id", userID).Str("tx_id", transactionID).Str("event_id", existing).
		Msg("event upsert collapsed to existing row")
	return existing, false, nil
}

func (s *SQLiteEventStore) FindByTransaction(ctx context.Context, userID, transactionID string) (*model.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, tx_id, type, created_at, data, read_at
		 FROM events WHERE user_id = ? AND tx_id = ?`,
		userID, transactionID,
	)

	var (
		ev        model.Event
		createdAt int64
		data      string
		readAt    sql.NullInt64
	)
	err := row.Scan(&ev.ID, &ev.UserID, &ev.TransactionID, &ev.Type, &createdAt, &data, &readAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errx.WrapStore(err)
	}
	ev.CreatedAt = time.Unix(createdAt, 0).UTC()
	ev.Data = []byte(data)
	if readAt.Valid {
		t := time.Unix(readAt.Int64, 0).UTC()
		ev.ReadAt = &t
	}
	return &ev, nil
}

// MarkReportRead is the only mutation events support: a read marker on report
// rows, set once.
func (s *SQLiteEventStore) MarkReportRead(ctx context.Context, userID, eventID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET read_at = ? WHERE id = ? AND user_id = ? AND type = ? AND read_at IS NULL`,
		time.Now().UTC().Unix(), eventID, userID, string(model.FeatureReport)+"_result",
	)
	if err != nil {
		return errx.WrapStore(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		logx.Debug().Str("event_id", eventID).Msg("mark read touched no rows")
	}
	return nil
}

var _ model.EventStore = (*SQLiteEventStore)(nil)
