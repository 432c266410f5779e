package model

import (
	"fmt"
	"strings"
	"time"

	errx "github.com/noctua-app/server/internal/core/error"
)

// Feature identifies which reflection surface a request belongs to. Each
// feature carries its own payload, prompt template, output schema and quota.
type Feature string

const (
	FeatureDream      Feature = "dream"
	FeatureReflection Feature = "reflection"
	FeatureSession    Feature = "session"
	FeatureDiary      Feature = "diary"
	FeatureReport     Feature = "report"
)

// Valid reports whether f is one of the known features.
func (f Feature) Valid() bool {
	switch f {
	case FeatureDream, FeatureReflection, FeatureSession, FeatureDiary, FeatureReport:
		return true
	}
	return false
}

func (f Feature) String() string { return string(f) }

// ParseFeature normalises a wire value into a Feature.
func ParseFeature(v string) (Feature, error) {
	f := Feature(strings.ToLower(strings.TrimSpace(v)))
	if !f.Valid() {
		return "", fmt.Errorf("unknown feature %q", v)
	}
	return f, nil
}

// Minimum free-text lengths enforced before any gate runs. A dream of a dozen
// characters cannot be analysed, so we refuse it before spending anything.
const (
	MinDreamChars = 20
	MinDiaryChars = 10
)

// DreamPayload carries a dream narrative to analyse.
type DreamPayload struct {
	Narrative string `json:"narrative"`
}

// ReflectionPayload carries a daily mood entry.
type ReflectionPayload struct {
	Mood string `json:"mood"`
	Note string `json:"note,omitempty"`
}

// SessionPayload carries one chat turn of a guided session.
type SessionPayload struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// DiaryPayload carries a free-form diary entry.
type DiaryPayload struct {
	Entry string `json:"entry"`
}

// ReportPayload describes the period a report should cover.
type ReportPayload struct {
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

// FeatureRequest is the inbound request union. Exactly one payload pointer,
// matching Feature, must be set.
type FeatureRequest struct {
	Feature       Feature `json:"feature"`
	UserID        string  `json:"user_id"`
	TransactionID string  `json:"transaction_id"`
	Locale        string  `json:"locale,omitempty"`

	Dream      *DreamPayload      `json:"dream,omitempty"`
	Reflection *ReflectionPayload `json:"reflection,omitempty"`
	Session    *SessionPayload    `json:"session,omitempty"`
	Diary      *DiaryPayload      `json:"diary,omitempty"`
	Report     *ReportPayload     `json:"report,omitempty"`
}

// Validate performs feature-level input validation. It runs before the safety
// and quota gates so obviously unusable input is refused for free.
func (r *FeatureRequest) Validate() error {
	if r == nil {
		return errx.Validation(nil, "empty request")
	}
	if !r.Feature.Valid() {
		return errx.Validation(fmt.Errorf("feature %q", r.Feature), "unknown feature")
	}
	if strings.TrimSpace(r.UserID) == "" {
		return errx.Validation(nil, "user id is required")
	}

	switch r.Feature {
	case FeatureDream:
		if r.Dream == nil || len(strings.TrimSpace(r.Dream.Narrative)) < MinDreamChars {
			return errx.Validation(nil, "dream narrative too short to analyze")
		}
	case FeatureReflection:
		if r.Reflection == nil || strings.TrimSpace(r.Reflection.Mood) == "" {
			return errx.Validation(nil, "mood entry is required")
		}
	case FeatureSession:
		if r.Session == nil || strings.TrimSpace(r.Session.Message) == "" {
			return errx.Validation(nil, "session message is required")
		}
	case FeatureDiary:
		if r.Diary == nil || len(strings.TrimSpace(r.Diary.Entry)) < MinDiaryChars {
			return errx.Validation(nil, "diary entry too short")
		}
	case FeatureReport:
		if r.Report == nil || !r.Report.PeriodEnd.After(r.Report.PeriodStart) {
			return errx.Validation(nil, "report period is invalid")
		}
	}
	return nil
}

// RawText flattens the feature payload into the free text the safety gate
// inspects and the retriever queries with.
func (r *FeatureRequest) RawText() string {
	switch r.Feature {
	case FeatureDream:
		if r.Dream != nil {
			return r.Dream.Narrative
		}
	case FeatureReflection:
		if r.Reflection != nil {
			return strings.TrimSpace(r.Reflection.Mood + " " + r.Reflection.Note)
		}
	case FeatureSession:
		if r.Session != nil {
			return r.Session.Message
		}
	case FeatureDiary:
		if r.Diary != nil {
			return r.Diary.Entry
		}
	case FeatureReport:
		if r.Report != nil {
			return fmt.Sprintf("period %s to %s",
				r.Report.PeriodStart.Format("2006-01-02"), r.Report.PeriodEnd.Format("2006-01-02"))
		}
	}
	return ""
}

// HandoffKey is the key a warm-start context is looked up under. A session
// that continues an earlier exchange carries that exchange's transaction id
// as its SessionID; every other feature looks under its own transaction id.
func (r *FeatureRequest) HandoffKey() string {
	if r.Feature == FeatureSession && r.Session != nil {
		return r.Session.SessionID
	}
	return r.TransactionID
}

// EventType is the durable event type recorded for this feature.
func (r *FeatureRequest) EventType() string {
	return string(r.Feature) + "_result"
}
