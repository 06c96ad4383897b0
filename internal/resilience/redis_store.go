package resilience

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisKeyPrefix   = "traffic-router:rl:"
	defaultRedisDialTimeout = 5 * time.Second
)

// RedisConfig configures the shared window store
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	KeyPrefix   string        `yaml:"key_prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// RedisWindowStore keeps fixed-window counters in Redis so replicas share one ceiling
type RedisWindowStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisWindowStore connects to Redis and verifies the connection
func NewRedisWindowStore(ctx context.Context, cfg *RedisConfig) (*RedisWindowStore, error) {
	if cfg == nil || cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultRedisDialTimeout
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       []string{cfg.Addr},
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisWindowStoreFromClient(client, cfg.KeyPrefix), nil
}

// NewRedisWindowStoreFromClient wraps an existing client
func NewRedisWindowStoreFromClient(client redis.UniversalClient, prefix string) *RedisWindowStore {
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisWindowStore{client: client, prefix: prefix}
}

// Increment runs INCR and PEXPIRE in one transaction. The window id is part of the
// key so a new window starts from zero and old windows expire on their own.
func (s *RedisWindowStore) Increment(ctx context.Context, key string, windowID int64, ttl time.Duration) (int, error) {
	redisKey := s.prefix + key + ":" + strconv.FormatInt(windowID, 10)

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.PExpire(ctx, redisKey, ttl+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis increment: %w", err)
	}
	return int(incr.Val()), nil
}

// Reset deletes every window counter of key
func (s *RedisWindowStore) Reset(ctx context.Context, key string) error {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+key+":*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// Close releases the Redis client
func (s *RedisWindowStore) Close() error {
	return s.client.Close()
}
