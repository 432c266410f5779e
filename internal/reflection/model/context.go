package model

import (
	"strings"
	"time"
)

// MemoryLayer distinguishes how an indexed passage was derived from the
// original content.
type MemoryLayer string

const (
	LayerContent   MemoryLayer = "content"
	LayerSentiment MemoryLayer = "sentiment"
	LayerStyle     MemoryLayer = "style"
)

// RetrievedMemory is one passage returned by the vector memory adapter,
// ordered by descending similarity. Entries below the caller's threshold are
// never included.
type RetrievedMemory struct {
	Content     string      `json:"content"`
	SourceLayer MemoryLayer `json:"source_layer"`
	Similarity  float32     `json:"similarity"`
}

// MemoryDocument is a passage handed to the vector store for indexing.
type MemoryDocument struct {
	ID        string
	Content   string
	Layer     MemoryLayer
	Embedding []float32
	CreatedAt time.Time
}

// UserDossier is the per-request, per-feature fact sheet about one user,
// assembled fresh from several independent stores. Never persisted as-is; a
// failed sub-source leaves its slice empty instead of aborting the build.
type UserDossier struct {
	DisplayName       string            `json:"display_name,omitempty"`
	Traits            map[string]string `json:"traits,omitempty"`
	RecentActivity    []string          `json:"recent_activity,omitempty"`
	ActivePredictions []string          `json:"active_predictions,omitempty"`
	JourneyNotes      []string          `json:"journey_notes,omitempty"`
	StatedGoals       []string          `json:"stated_goals,omitempty"`
}

// Facts flattens the dossier into plain statements. Feeds the prompt template
// and the keyword-overlap confidence heuristic.
func (d *UserDossier) Facts() []string {
	if d == nil {
		return nil
	}
	var facts []string
	for k, v := range d.Traits {
		facts = append(facts, k+": "+v)
	}
	facts = append(facts, d.RecentActivity...)
	facts = append(facts, d.ActivePredictions...)
	facts = append(facts, d.JourneyNotes...)
	facts = append(facts, d.StatedGoals...)
	return facts
}

// WarmStartContext is a short-lived, single-use handoff payload that lets a
// new interaction continue from a prior one without re-running retrieval. It
// is deleted from storage the moment it is read.
type WarmStartContext struct {
	OriginalInput   string `json:"original_input"`
	PriorReflection string `json:"prior_reflection"`
	Theme           string `json:"theme"`
}

// ReflectionContext is the merged input for prompt rendering. It exists only
// for the duration of one request.
type ReflectionContext struct {
	Feature Feature
	UserID  string
	Locale  string
	Input   string

	Dossier  *UserDossier
	Memories []RetrievedMemory
	Warm     *WarmStartContext
}

// IsWarm reports whether this turn continues from a handoff context, in which
// case retrieval was skipped entirely.
func (c *ReflectionContext) IsWarm() bool {
	return c != nil && c.Warm != nil
}

// SafetyVerdict is the ephemeral outcome of the content-safety check.
type SafetyVerdict struct {
	Safe   bool
	Reason string
}

// NormalizeLocale maps a BCP-47-ish locale hint onto the language token the
// prompt templates understand. Unknown locales fall back to English.
func NormalizeLocale(locale string) string {
	l := strings.ToLower(strings.TrimSpace(locale))
	if i := strings.IndexAny(l, "-_"); i > 0 {
		l = l[:i]
	}
	switch l {
	case "th", "tha":
		return "tha"
	case "de", "deu", "ger":
		return "deu"
	default:
		return "eng"
	}
}
