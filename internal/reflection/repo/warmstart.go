package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noctua-app/server/internal/reflection/model"
	errx "github.com/noctua-app/server/internal/core/error"
	logx "github.com/noctua-app/server/pkg/logger"
)

// RedisWarmStartRepository stores single-use handoff contexts with a TTL.
// Take uses GETDEL so the context disappears atomically with the read; a
// retried or concurrent request sees nothing and falls back to retrieval.
type RedisWarmStartRepository struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisWarmStartRepository(rdb redis.Cmdable, ttl time.Duration) *RedisWarmStartRepository {
	return &RedisWarmStartRepository{rdb: rdb, ttl: ttl}
}

func (r *RedisWarmStartRepository) key(userID, transactionID string) string {
	return fmt.Sprintf("warmstart:%s:%s", userID, transactionID)
}

func (r *RedisWarmStartRepository) Put(ctx context.Context, userID, transactionID string, warm *model.WarmStartContext, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.ttl
	}
	b, err := json.Marshal(warm)
	if err != nil {
		return fmt.Errorf("marshal warm-start context: %w", err)
	}
	if err := r.rdb.Set(ctx, r.key(userID, transactionID), b, ttl).Err(); err != nil {
		logx.Error().Err(err).Str("user_id", userID).Msg("failed to store warm-start context")
		return errx.WrapRedis(err)
	}
	return nil
}

func (r *RedisWarmStartRepository) Take(ctx context.Context, userID, transactionID string) (*model.WarmStartContext, error) {
	raw, err := r.rdb.GetDel(ctx, r.key(userID, transactionID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		logx.Error().Err(err).Str("user_id", userID).Msg("failed to take warm-start context")
		return nil, errx.WrapRedis(err)
	}
	var warm model.WarmStartContext
	if err := json.Unmarshal([]byte(raw), &warm); err != nil {
		// The key is already gone; treat a corrupt context as absent.
		logx.Warn().Err(err).Str("user_id", userID).Msg("discarding unreadable warm-start context")
		return nil, nil
	}
	return &warm, nil
}

var _ model.WarmStartRepository = (*RedisWarmStartRepository)(nil)

// RedisUserRegistry tracks users with recent pipeline activity in a set, so
// the report scheduler can enumerate them.
type RedisUserRegistry struct {
	rdb redis.Cmdable
}

func NewRedisUserRegistry(rdb redis.Cmdable) *RedisUserRegistry {
	return &RedisUserRegistry{rdb: rdb}
}

const activeUsersKey = "users:active"

func (r *RedisUserRegistry) Touch(ctx context.Context, userID string) error {
	if err := r.rdb.SAdd(ctx, activeUsersKey, userID).Err(); err != nil {
		return errx.WrapRedis(err)
	}
	return nil
}

func (r *RedisUserRegistry) ActiveUsers(ctx context.Context) ([]string, error) {
	users, err := r.rdb.SMembers(ctx, activeUsersKey).Result()
	if err != nil {
		return nil, errx.WrapRedis(err)
	}
	return users, nil
}

var _ model.UserRegistry = (*RedisUserRegistry)(nil)
