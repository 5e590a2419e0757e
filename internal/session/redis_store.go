package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPoolTTL = 24 * time.Hour

// RedisStore keeps each session's pool in a Redis hash.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a new Redis-backed pool store
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultPoolTTL
	}
	return &RedisStore{
		client: client,
		prefix: "pool:",
		ttl:    ttl,
	}
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + sessionID
}

// Pool returns the pool of one editing session.
func (s *RedisStore) Pool(sessionID string) Pool {
	return &RedisPool{store: s, key: s.key(sessionID)}
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// RedisPool is a Pool stored as one hash; every merge refreshes its TTL.
type RedisPool struct {
	store *RedisStore
	key   string
}

func (p *RedisPool) Merge(ctx context.Context, values map[string]string) error {
	filtered := withoutPlaceholders(values)
	if len(filtered) == 0 {
		return nil
	}
	args := make(map[string]any, len(filtered))
	for id, value := range filtered {
		args[id] = value
	}
	_, err := p.store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, p.key, args)
		pipe.Expire(ctx, p.key, p.store.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("merge pool: %w", err)
	}
	return nil
}

func (p *RedisPool) Snapshot(ctx context.Context) (map[string]string, error) {
	values, err := p.store.client.HGetAll(ctx, p.key).Result()
	if err != nil {
		return nil, fmt.Errorf("read pool: %w", err)
	}
	return values, nil
}

func (p *RedisPool) Reset(ctx context.Context) error {
	if err := p.store.client.Del(ctx, p.key).Err(); err != nil {
		return fmt.Errorf("reset pool: %w", err)
	}
	return nil
}
