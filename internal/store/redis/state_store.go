// Package redis provides a Redis-backed implementation of store.DedupStore.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"wipsie-worker/internal/config"
)

// prefixProcessed namespaces dedup keys in Redis.
const prefixProcessed = "wipsie:processed:"

// DedupStore implements store.DedupStore using Redis keys with TTLs.
type DedupStore struct {
	client *redis.Client
}

// NewDedupStore creates a new Redis-backed dedup store.
func NewDedupStore(cfg *config.RedisConfig) (*DedupStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewDedupStoreWithClient(client), nil
}

// NewDedupStoreWithClient wraps an existing client.
func NewDedupStoreWithClient(client *redis.Client) *DedupStore {
	return &DedupStore{client: client}
}

func processedKey(key string) string {
	return prefixProcessed + key
}

// IsProcessed reports whether key was marked and has not expired.
func (s *DedupStore) IsProcessed(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, processedKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check processed key: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed records key for ttl.
func (s *DedupStore) MarkProcessed(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Set(ctx, processedKey(key), time.Now().UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark processed: %w", err)
	}
	return nil
}

// Close closes the Redis client connection.
func (s *DedupStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
