package gates

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noctua-app/server/internal/reflection/model"
	errx "github.com/noctua-app/server/internal/core/error"
	logx "github.com/noctua-app/server/pkg/logger"
)

// QuotaGate atomically checks and consumes per-user, per-feature usage before
// any paid work is attempted.
type QuotaGate interface {
	// Consume reserves amount units for (userID, feature) in the current
	// window. Returns an errx quota rejection when the limit would be
	// exceeded; the counter is left untouched in that case.
	Consume(ctx context.Context, userID string, feature model.Feature, amount int64) error
}

// consumeScript is a single server-side conditional increment. Doing the
// check and the increment in one script closes the race where two concurrent
// requests both pass a check against a stale counter.
var consumeScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if used + amount > limit then
	return -1
end
local v = redis.call('INCRBY', KEYS[1], amount)
if v == amount then
	redis.call('EXPIRE', KEYS[1], ARGV[3])
end
return v
`)

// RedisQuotaGate implements QuotaGate on a windowed Redis counter.
type RedisQuotaGate struct {
	rdb    redis.Cmdable
	cfg    model.QuotaConfig
	window time.Duration
	now    func() time.Time
}

func NewRedisQuotaGate(rdb redis.Cmdable, cfg model.QuotaConfig) *RedisQuotaGate {
	return &RedisQuotaGate{
		rdb:    rdb,
		cfg:    cfg,
		window: cfg.WindowDuration(),
		now:    time.Now,
	}
}

// windowKey buckets the counter by feature, user and window start so counters
// roll over naturally; the EXPIRE in the script cleans up stale buckets.
func (g *RedisQuotaGate) windowKey(userID string, feature model.Feature) string {
	bucket := g.now().UTC().Truncate(g.window).Unix()
	return fmt.Sprintf("quota:%s:%s:%d", feature, userID, bucket)
}

func (g *RedisQuotaGate) Consume(ctx context.Context, userID string, feature model.Feature, amount int64) error {
	if amount <= 0 {
		amount = 1
	}
	limit := g.cfg.LimitFor(feature)
	if limit <= 0 {
		return errx.QuotaExceeded(fmt.Errorf("feature %s has no quota", feature))
	}

	key := g.windowKey(userID, feature)
	used, err := consumeScript.Run(ctx, g.rdb, []string{key},
		amount, limit, int64(g.window.Seconds())).Int64()
	if err != nil {
		logx.Error().Err(err).Str("user_id", userID).Str("feature", feature.String()).
			Msg("quota script failed")
		return errx.WrapRedis(err)
	}
	if used < 0 {
		logx.Debug().Str("user_id", userID).Str("feature", feature.String()).
			Int64("limit", limit).Msg("quota gate rejected request")
		return errx.QuotaExceeded(fmt.Errorf("%s limit %d reached", feature, limit))
	}

	logx.Debug().Str("user_id", userID).Str("feature", feature.String()).
		Int64("used", used).Int64("limit", limit).Msg("quota consumed")
	return nil
}

var _ QuotaGate = (*RedisQuotaGate)(nil)
