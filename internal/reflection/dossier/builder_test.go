package dossier

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errx "github.com/noctua-app/server/internal/core/error"
	"github.com/noctua-app/server/internal/reflection/model"
)

type fakeSources struct {
	profile        *model.Profile
	profileErr     error
	traits         map[string]string
	traitsErr      error
	activity       []string
	activityErr    error
	predictions    []string
	predictionsErr error
	notes          []string
	notesErr       error
	goals          []string
	goalsErr       error
}

func (f *fakeSources) Profile(ctx context.Context, userID string) (*model.Profile, error) {
	return f.profile, f.profileErr
}
func (f *fakeSources) Traits(ctx context.Context, userID string) (map[string]string, error) {
	return f.traits, f.traitsErr
}
func (f *fakeSources) RecentActivity(ctx context.Context, userID string, limit int) ([]string, error) {
	return f.activity, f.activityErr
}
func (f *fakeSources) ActivePredictions(ctx context.Context, userID string, limit int) ([]string, error) {
	return f.predictions, f.predictionsErr
}
func (f *fakeSources) JourneyNotes(ctx context.Context, userID string, limit int) ([]string, error) {
	return f.notes, f.notesErr
}
func (f *fakeSources) StatedGoals(ctx context.Context, userID string) ([]string, error) {
	return f.goals, f.goalsErr
}

func builderWith(f *fakeSources) *Builder {
	return NewBuilder(Sources{
		Profiles:    f,
		Traits:      f,
		Activity:    f,
		Predictions: f,
		Journey:     f,
		Goals:       f,
	}, model.DossierConfig{MaxActivity: 10, MaxPredictions: 5, MaxNotes: 5})
}

func TestBuildMergesAllSources(t *testing.T) {
	f := &fakeSources{
		profile:     &model.Profile{DisplayName: "Mara"},
		traits:      map[string]string{"attachment": "anxious"},
		activity:    []string{"logged a dream yesterday"},
		predictions: []string{"likely processing the move"},
		notes:       []string{"third week of journaling"},
		goals:       []string{"sleep better"},
	}

	d, err := builderWith(f).Build(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Mara", d.DisplayName)
	assert.Equal(t, "anxious", d.Traits["attachment"])
	assert.Len(t, d.RecentActivity, 1)
	assert.Len(t, d.StatedGoals, 1)
}

func TestBuildToleratesPartialFailure(t *testing.T) {
	f := &fakeSources{
		profile:   &model.Profile{DisplayName: "Mara"},
		traits:    map[string]string{"attachment": "anxious"},
		notesErr:  errors.New("journey store down"),
		goalsErr:  errors.New("goal store down"),
		activity:  []string{"logged a dream yesterday"},
	}

	d, err := builderWith(f).Build(context.Background(), "u1")
	require.NoError(t, err, "sub-source failures must not abort the build")
	assert.Equal(t, "Mara", d.DisplayName)
	assert.Empty(t, d.JourneyNotes)
	assert.Empty(t, d.StatedGoals)
	assert.Len(t, d.RecentActivity, 1)
}

func TestBuildUnknownUserIsFatal(t *testing.T) {
	f := &fakeSources{profileErr: errx.UnknownUser("u-missing")}

	d, err := builderWith(f).Build(context.Background(), "u-missing")
	assert.Nil(t, d)
	require.Error(t, err)
	assert.ErrorIs(t, err, errx.ErrUnknownUser)
}

func TestBuildOperationalProfileFailureProceedsAnonymous(t *testing.T) {
	f := &fakeSources{
		profileErr: errors.New("redis timeout"),
		traits:     map[string]string{"tone": "wry"},
	}

	d, err := builderWith(f).Build(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, d.DisplayName)
	assert.Equal(t, "wry", d.Traits["tone"])
}
