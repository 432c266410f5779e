package dossier

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	errx "github.com/noctua-app/server/internal/core/error"
	"github.com/noctua-app/server/internal/reflection/model"
	logx "github.com/noctua-app/server/pkg/logger"
)

// Sources bundles the independent stores a dossier is assembled from. In
// production they are all backed by the same Redis adapter, but the builder
// only sees the interfaces so tests can fail them one at a time.
type Sources struct {
	Profiles    model.ProfileSource
	Traits      model.TraitSource
	Activity    model.ActivitySource
	Predictions model.PredictionSource
	Journey     model.JourneySource
	Goals       model.GoalSource
}

// Builder assembles a fresh UserDossier per request. Sub-source failures are
// tolerated: the affected section stays empty and the build carries on. The
// only hard failure is an unknown user, because then there is nobody to
// reflect for.
type Builder struct {
	src Sources
	cfg model.DossierConfig
}

func NewBuilder(src Sources, cfg model.DossierConfig) *Builder {
	return &Builder{src: src, cfg: cfg}
}

// Build fans out to every source concurrently and merges the results.
func (b *Builder) Build(ctx context.Context, userID string) (*model.UserDossier, error) {
	profile, err := b.src.Profiles.Profile(ctx, userID)
	if err != nil {
		if errors.Is(err, errx.ErrUnknownUser) {
			return nil, err
		}
		// Identity lookup failed for an operational reason; proceed nameless.
		logx.Warn().Err(err).Str("user_id", userID).Msg("profile lookup failed, building anonymous dossier")
		profile = &model.Profile{}
	}

	d := &model.UserDossier{DisplayName: profile.DisplayName}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		traits, err := b.src.Traits.Traits(gctx, userID)
		if err != nil {
			logx.Warn().Err(err).Str("user_id", userID).Msg("trait source failed, section omitted")
			return nil
		}
		d.Traits = traits
		return nil
	})
	g.Go(func() error {
		activity, err := b.src.Activity.RecentActivity(gctx, userID, b.cfg.MaxActivity)
		if err != nil {
			logx.Warn().Err(err).Str("user_id", userID).Msg("activity source failed, section omitted")
			return nil
		}
		d.RecentActivity = activity
		return nil
	})
	g.Go(func() error {
		predictions, err := b.src.Predictions.ActivePredictions(gctx, userID, b.cfg.MaxPredictions)
		if err != nil {
			logx.Warn().Err(err).Str("user_id", userID).Msg("prediction source failed, section omitted")
			return nil
		}
		d.ActivePredictions = predictions
		return nil
	})
	g.Go(func() error {
		notes, err := b.src.Journey.JourneyNotes(gctx, userID, b.cfg.MaxNotes)
		if err != nil {
			logx.Warn().Err(err).Str("user_id", userID).Msg("journey source failed, section omitted")
			return nil
		}
		d.JourneyNotes = notes
		return nil
	})
	g.Go(func() error {
		goals, err := b.src.Goals.StatedGoals(gctx, userID)
		if err != nil {
			logx.Warn().Err(err).Str("user_id", userID).Msg("goal source failed, section omitted")
			return nil
		}
		d.StatedGoals = goals
		return nil
	})

	// Sub-source goroutines always return nil; Wait only propagates context
	// cancellation.
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return d, nil
}
