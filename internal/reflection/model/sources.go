package model

import (
	"context"
	"time"
)

// Dossier sub-sources. Each is an independent store; the builder fans out to
// all of them concurrently and tolerates individual failures.

// Profile is the identity slice of the dossier. A missing profile means the
// user cannot be identified at all, which is the builder's only hard error.
type Profile struct {
	DisplayName string
	Timezone    string
}

type ProfileSource interface {
	Profile(ctx context.Context, userID string) (*Profile, error)
}

type TraitSource interface {
	Traits(ctx context.Context, userID string) (map[string]string, error)
}

type ActivitySource interface {
	RecentActivity(ctx context.Context, userID string, limit int) ([]string, error)
}

type PredictionSource interface {
	ActivePredictions(ctx context.Context, userID string, limit int) ([]string, error)
}

type JourneySource interface {
	JourneyNotes(ctx context.Context, userID string, limit int) ([]string, error)
}

type GoalSource interface {
	StatedGoals(ctx context.Context, userID string) ([]string, error)
}

// WarmStartRepository stores single-use handoff contexts. Take must delete
// the context atomically with reading it, so a second caller sees nothing.
type WarmStartRepository interface {
	Put(ctx context.Context, userID, transactionID string, warm *WarmStartContext, ttl time.Duration) error
	Take(ctx context.Context, userID, transactionID string) (*WarmStartContext, error)
}

// UserRegistry tracks users with recent activity so the report scheduler
// knows who to generate for.
type UserRegistry interface {
	Touch(ctx context.Context, userID string) error
	ActiveUsers(ctx context.Context) ([]string, error)
}
