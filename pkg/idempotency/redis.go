package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyTTL = 24 * time.Hour

// RedisStore implements Store and PoisonCounter over a shared Redis
// instance. Keys carry a TTL so the store does not grow without bound; the
// TTL also bounds how long completed work is protected from resubmission.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultKeyTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func idemKey(orgID, dedupKey string) string {
	return fmt.Sprintf("idem:%s:%s", orgID, dedupKey)
}

func poisonKey(orgID, dedupKey string) string {
	return fmt.Sprintf("poison:%s:%s", orgID, dedupKey)
}

func (s *RedisStore) CheckAndMark(ctx context.Context, orgID, dedupKey string) (bool, error) {
	set, err := s.client.SetNX(ctx, idemKey(orgID, dedupKey), 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency check: %w", err)
	}
	return !set, nil
}

func (s *RedisStore) Unmark(ctx context.Context, orgID, dedupKey string) error {
	if err := s.client.Del(ctx, idemKey(orgID, dedupKey)).Err(); err != nil {
		return fmt.Errorf("idempotency unmark: %w", err)
	}
	return nil
}

func (s *RedisStore) Incr(ctx context.Context, orgID, dedupKey string) (int64, error) {
	key := poisonKey(orgID, dedupKey)
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("poison incr: %w", err)
	}
	if count == 1 {
		// First failure sets the window; later failures keep the original
		// expiry so a slow poison pill still crosses the threshold.
		if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
			return count, fmt.Errorf("poison expire: %w", err)
		}
	}
	return count, nil
}
