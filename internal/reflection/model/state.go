package model

import (
	"time"
)

// PipelineStatus labels how a run terminated.
type PipelineStatus string

const (
	// StatusPersisted: generation validated and the event was written.
	StatusPersisted PipelineStatus = "persisted"
	// StatusFallback: the validator returned the safe default; the request
	// still completed and the fallback was persisted.
	StatusFallback PipelineStatus = "generation_fallback"
	// StatusReplayed: idempotent replay, the original event was returned and
	// no new generation work was attributable.
	StatusReplayed PipelineStatus = "persistence_noop"
)

// PipelineState is the per-invocation local state of the reflection graph.
// Concurrency model:
//   - Registered as graph local state via compose.WithGenLocalState.
//   - All reads/writes happen only inside state handlers
//     (WithStatePreHandler, WithStatePostHandler, compose.ProcessState),
//     which the graph serialises, so no mutex is required.
type PipelineState struct {
	Request       *FeatureRequest
	TransactionID string
	StartedAt     time.Time

	Context *ReflectionContext
	Prompt  string // rendered instruction for the current model attempt

	RawOutput    string
	RepairNeeded bool
	RepairReason string // what was wrong with the last output, fed to the repair prompt
	RepairCount  int
	Result       *GenerationResult

	// GenerationFailed marks a model call that errored outright (provider
	// failure, timeout). The validator then substitutes the fallback payload
	// without a repair pass: re-prompting a dead provider cannot help.
	GenerationFailed bool
	GenerationError  string

	GenStartedAt time.Time // set before each model call, read when auditing it
	ModelCalls   int

	// Accumulated total LLM cost (USD) across model invocations for this run.
	TotalCostUSD float64
}

// GenerationResult pairs the raw model text with its parsed payload. Valid is
// false only when the documented fallback payload was substituted.
type GenerationResult struct {
	Feature       Feature
	UserID        string
	TransactionID string
	RawText       string
	Payload       any
	Valid         bool
}

// PipelineResult is what a caller receives for a completed run.
type PipelineResult struct {
	EventID             string
	TransactionID       string
	Status              PipelineStatus
	Payload             any
	RawText             string
	HeuristicConfidence float64
	Duration            time.Duration
}
