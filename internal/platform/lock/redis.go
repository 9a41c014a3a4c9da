package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// releaseScript deletes the key only if it still holds our token, so an
// expired lock re-taken by someone else is left alone.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// redisClient is the subset of *redis.Client the locker needs.
type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisConfig tunes the Redis locker.
type RedisConfig struct {
	// TTL bounds how long a crashed holder can keep the lock.
	TTL time.Duration
	// RetryInterval is the pause between SETNX attempts.
	RetryInterval time.Duration
	// Prefix is prepended to every key.
	Prefix string
}

// Redis is a Locker backed by SET NX PX with a per-acquisition owner token.
type Redis struct {
	client redisClient
	cfg    RedisConfig
	logger zerolog.Logger
}

func NewRedis(client redisClient, cfg RedisConfig, logger zerolog.Logger) *Redis {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 25 * time.Millisecond
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "lock:"
	}
	return &Redis{client: client, cfg: cfg, logger: logger}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := r.cfg.Prefix + key
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.cfg.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		timer := time.NewTimer(r.cfg.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be cancelled; release regardless.
			relCtx, cancel := context.WithTimeout(context.Background(), r.cfg.TTL)
			defer cancel()
			n, err := r.client.Eval(relCtx, releaseScript, []string{redisKey}, token).Int64()
			if err != nil {
				r.logger.Error().Err(err).Str("key", redisKey).Msg("failed to release lock")
				return
			}
			if n == 0 {
				r.logger.Warn().Str("key", redisKey).Msg("lock expired before release")
			}
		})
	}, nil
}
