package lock

import (
	"context"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultRedisKey is the key guarding job claims.
const DefaultRedisKey = "runnerhub:dispatch:claim"

// RedisConfig configures a Redis Locker.
type RedisConfig struct {
	Key string
	// Expiry is the lock TTL; a crashed holder frees the lock after it.
	Expiry time.Duration
	// RetryDelay is the wait between acquisition attempts.
	RetryDelay time.Duration
	// Tries bounds acquisition attempts per Lock call.
	Tries int
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.Key == "" {
		c.Key = DefaultRedisKey
	}
	if c.Expiry <= 0 {
		c.Expiry = 10 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 25 * time.Millisecond
	}
	if c.Tries <= 0 {
		c.Tries = 200
	}
	return c
}

// Redis is a Locker backed by a redsync mutex.
type Redis struct {
	rs     *redsync.Redsync
	cfg    RedisConfig
	logger *zap.Logger
}

// NewRedis returns a Locker over client.
func NewRedis(client redis.UniversalClient, cfg RedisConfig, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		rs:     redsync.New(goredis.NewPool(client)),
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// NewRedisFromURL parses a redis:// URL and returns a Locker with its client.
func NewRedisFromURL(url string, cfg RedisConfig, logger *zap.Logger) (*Redis, redis.UniversalClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	return NewRedis(client, cfg, logger), client, nil
}

func (r *Redis) Lock(ctx context.Context) (func(), error) {
	m := r.rs.NewMutex(r.cfg.Key,
		redsync.WithExpiry(r.cfg.Expiry),
		redsync.WithTries(r.cfg.Tries),
		redsync.WithRetryDelay(r.cfg.RetryDelay),
	)
	if err := m.LockContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, timeoutErr(ctx.Err())
		}
		// Exhausted tries, whether the key stayed taken or the node was
		// unreachable.
		return nil, timeoutErr(err)
	}
	return func() {
		// Release even when the claim's context was cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if ok, err := m.UnlockContext(ctx); err != nil || !ok {
			r.logger.Warn("Failed to release redis claim lock",
				zap.String("key", r.cfg.Key),
				zap.Bool("released", ok),
				zap.Error(err))
		}
	}, nil
}
