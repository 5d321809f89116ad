package cache

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	redis "github.com/redis/go-redis/v9"

	"github.com/reybrally/erp-analytics/internal/domain/readmodel"
)

type RedisCache struct {
	rdb    *redis.Client
	prefix string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

func NewRedisCache(cfg RedisConfig) *RedisCache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisCacheWithClient(rdb, cfg.Prefix)
}

func NewRedisCacheWithClient(rdb *redis.Client, prefix string) *RedisCache {
	return &RedisCache{rdb: rdb, prefix: prefix}
}

func (c *RedisCache) makeKey(id string) string {
	return c.prefix + id
}

func (c *RedisCache) Set(ctx context.Context, id string, v readmodel.View, ttl time.Duration) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.makeKey(id), data, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, id string) (readmodel.View, error) {
	b, err := c.rdb.Get(ctx, c.makeKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return readmodel.View{}, ErrMiss
	}
	if err != nil {
		return readmodel.View{}, err
	}

	var v readmodel.View
	if err := sonic.Unmarshal(b, &v); err != nil {
		_ = c.rdb.Del(ctx, c.makeKey(id)).Err()
		return readmodel.View{}, ErrMiss
	}
	return v, nil
}

func (c *RedisCache) Delete(ctx context.Context, id string) error {
	return c.rdb.Del(ctx, c.makeKey(id)).Err()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
