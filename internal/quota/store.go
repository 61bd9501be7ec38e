package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the narrow slice of a key-value store the quota counter needs.
// All mutation goes through atomic increments.
type Store interface {
	Get(ctx context.Context, key string) (int64, error)
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Get returns the counter value, or 0 for a key that does not exist yet.
func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("quota get %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	v, err := s.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("quota incrby %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("quota expire %s: %w", key, err)
	}
	return nil
}

// Key builds the per-tenant daily counter key. The day boundary is UTC, so
// every tenant resets at the same wall-clock moment regardless of locale.
func Key(tenantID string, now time.Time) string {
	return fmt.Sprintf("quota:%s:%s", tenantID, now.UTC().Format("2006-01-02"))
}

// SecondsUntilEndOfDay sizes the counter TTL to the remaining UTC day. The
// 60s floor avoids zero-or-negative TTLs for requests landing right at
// midnight.
func SecondsUntilEndOfDay(now time.Time) int64 {
	utc := now.UTC()
	midnight := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	secs := int64(midnight.Sub(utc).Seconds())
	if secs < 60 {
		secs = 60
	}
	return secs
}
