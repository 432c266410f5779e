package model

import (
	"context"
	"encoding/json"
	"time"
)

// Event is the durable record of one completed pipeline run. (UserID,
// TransactionID) is unique: a second write with the same key returns the
// first row instead of creating a duplicate. Immutable after creation except
// for the narrow read-marker on report events.
type Event struct {
	ID            string
	UserID        string
	TransactionID string
	Type          string
	CreatedAt     time.Time
	Data          json.RawMessage
	ReadAt        *time.Time
}

// EventStore is the idempotent persistence contract.
type EventStore interface {
	// Upsert inserts the event keyed by (userID, transactionID) and returns
	// its id. On conflict it returns the pre-existing id with created=false
	// and does not modify the stored row.
	Upsert(ctx context.Context, userID, transactionID, eventType string, data []byte) (id string, created bool, err error)

	// FindByTransaction returns the event for an idempotency key, or nil when
	// none exists.
	FindByTransaction(ctx context.Context, userID, transactionID string) (*Event, error)

	// MarkReportRead sets the read marker on a report event. The only
	// mutation this subsystem performs on events.
	MarkReportRead(ctx context.Context, userID, eventID string) error
}

// GenerationCall is one audit row per model invocation, written for every
// call whether or not the output validated.
type GenerationCall struct {
	TransactionID string
	Model         string
	Prompt        string
	Response      string
	Latency       time.Duration
	SchemaValid   bool
	CreatedAt     time.Time
}

// RetrievalLogEntry records the exact query string and returned set for
// retrievals that require evidentiary traceability.
type RetrievalLogEntry struct {
	UserID        string
	TransactionID string
	Query         string
	EnhancedQuery string
	Results       []RetrievedMemory
	CreatedAt     time.Time
}

// DecisionLogEntry is the append-only audit row for one generation decision.
// Write-once, never mutated or deleted by this subsystem.
type DecisionLogEntry struct {
	UserID        string
	TransactionID string
	Feature       Feature
	Inputs        json.RawMessage
	Evidence      json.RawMessage
	Prompt        string
	Response      string
	// HeuristicConfidence is a keyword-overlap signal, not a calibrated
	// probability.
	HeuristicConfidence float64
	Duration            time.Duration
	Success             bool
	CreatedAt           time.Time
}

// AuditStore collects the three audit surfaces. All writes are append-only.
type AuditStore interface {
	RecordGenerationCall(ctx context.Context, call *GenerationCall) error
	RecordRetrieval(ctx context.Context, entry *RetrievalLogEntry) error
	RecordDecision(ctx context.Context, entry *DecisionLogEntry) error
}
