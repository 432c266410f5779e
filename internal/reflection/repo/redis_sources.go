package repo

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/noctua-app/server/internal/reflection/model"
	errx "github.com/noctua-app/server/internal/core/error"
	logx "github.com/noctua-app/server/pkg/logger"
)

// RedisDossierSource backs all five dossier sub-sources with one Redis
// client. Each accessor reads an independent key, so the builder can fan out
// to them concurrently.
//
// Key layout:
//
//	profile:{user}      hash   display_name, timezone
//	traits:{user}       hash   trait name -> value
//	activity:{user}     list   newest first, summaries
//	predictions:{user}  list   active predictions/concerns
//	journey:{user}      list   free-text journey notes
//	goals:{user}        list   stated goals
type RedisDossierSource struct {
	rdb redis.Cmdable
}

func NewRedisDossierSource(rdb redis.Cmdable) *RedisDossierSource {
	return &RedisDossierSource{rdb: rdb}
}

func (r *RedisDossierSource) profileKey(userID string) string {
	return fmt.Sprintf("profile:%s", userID)
}

// Profile resolves the user identity slice. A missing profile hash means the
// user cannot be identified, which is the dossier builder's only hard error.
func (r *RedisDossierSource) Profile(ctx context.Context, userID string) (*model.Profile, error) {
	fields, err := r.rdb.HGetAll(ctx, r.profileKey(userID)).Result()
	if err != nil {
		logx.Error().Err(err).Str("user_id", userID).Msg("failed to load profile from redis")
		return nil, errx.WrapRedis(err)
	}
	if len(fields) == 0 {
		return nil, errx.UnknownUser(userID)
	}
	return &model.Profile{
		DisplayName: fields["display_name"],
		Timezone:    fields["timezone"],
	}, nil
}

func (r *RedisDossierSource) Traits(ctx context.Context, userID string) (map[string]string, error) {
	traits, err := r.rdb.HGetAll(ctx, fmt.Sprintf("traits:%s", userID)).Result()
	if err != nil {
		return nil, errx.WrapRedis(err)
	}
	return traits, nil
}

func (r *RedisDossierSource) RecentActivity(ctx context.Context, userID string, limit int) ([]string, error) {
	return r.boundedList(ctx, fmt.Sprintf("activity:%s", userID), limit)
}

func (r *RedisDossierSource) ActivePredictions(ctx context.Context, userID string, limit int) ([]string, error) {
	return r.boundedList(ctx, fmt.Sprintf("predictions:%s", userID), limit)
}

func (r *RedisDossierSource) JourneyNotes(ctx context.Context, userID string, limit int) ([]string, error) {
	return r.boundedList(ctx, fmt.Sprintf("journey:%s", userID), limit)
}

func (r *RedisDossierSource) StatedGoals(ctx context.Context, userID string) ([]string, error) {
	return r.boundedList(ctx, fmt.Sprintf("goals:%s", userID), 10)
}

func (r *RedisDossierSource) boundedList(ctx context.Context, key string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.rdb.LRange(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, errx.WrapRedis(err)
	}
	return rows, nil
}

var (
	_ model.ProfileSource    = (*RedisDossierSource)(nil)
	_ model.TraitSource      = (*RedisDossierSource)(nil)
	_ model.ActivitySource   = (*RedisDossierSource)(nil)
	_ model.PredictionSource = (*RedisDossierSource)(nil)
	_ model.JourneySource    = (*RedisDossierSource)(nil)
	_ model.GoalSource       = (*RedisDossierSource)(nil)
)
