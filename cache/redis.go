package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockNotAcquired = errors.New("lock not acquired")

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	MinIdle  int
}

type RedisCache struct {
	client *redis.Client
}

func CreateRedisCache(config RedisConfig) (*RedisCache, error) {
	portStr := strconv.Itoa(config.Port)

	addr := config.Host + ":" + portStr
	if config.Port == 0 {
		addr = config.Host + ":6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdle,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, err
	}

	return CreateRedisCacheFromClient(client), nil
}

func CreateRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// IncrWithTTL increments key and starts its expiry window on the first
// increment. It returns the count within the current window.
func (c *RedisCache) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// unlockScript deletes the lock only if it still holds our token, so an
// expired holder cannot release a lock taken over by someone else.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock takes a cross-instance lock on key with SET NX PX. The returned
// function releases it.
func (c *RedisCache) Lock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}
	return func(ctx context.Context) error {
		return unlockScript.Run(ctx, c.client, []string{key}, token).Err()
	}, nil
}

// LockWait retries Lock until it succeeds or ctx is done.
func (c *RedisCache) LockWait(ctx context.Context, key string, ttl, poll time.Duration) (func(context.Context) error, error) {
	for {
		unlock, err := c.Lock(ctx, key, ttl)
		if !errors.Is(err, ErrLockNotAcquired) {
			return unlock, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}
}
