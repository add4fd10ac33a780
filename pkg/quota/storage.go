package quota

import (
	"context"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Storage persists daily query counts as decimal strings keyed
// queries_{userId}_{YYYY-MM-DD}. Old keys are never purged actively; they
// rotate out of relevance at midnight and expire via TTL.
type Storage interface {
	Get(ctx context.Context, key string) (int, bool, error)
	Set(ctx context.Context, key string, count int) error
}

// Two days covers the live key plus yesterday's orphan before eviction.
const recordTTL = 48 * time.Hour

// MemoryStorage keeps counts in-process. Matches the single-tab case where
// no shared store is available.
type MemoryStorage struct {
	cache *cache.Cache
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{cache: cache.New(recordTTL, 1*time.Hour)}
}

func (s *MemoryStorage) Get(ctx context.Context, key string) (int, bool, error) {
	raw, found := s.cache.Get(key)
	if !found {
		return 0, false, nil
	}
	stored, ok := raw.(string)
	if !ok {
		return 0, false, nil
	}
	count, err := strconv.Atoi(stored)
	if err != nil {
		return 0, false, nil
	}
	return count, true, nil
}

func (s *MemoryStorage) Set(ctx context.Context, key string, count int) error {
	s.cache.Set(key, strconv.Itoa(count), cache.DefaultExpiration)
	return nil
}

// RedisStorage shares counts across tabs and instances. Concurrent increments
// are not reconciled; last write wins, acceptable drift for a soft quota.
type RedisStorage struct {
	client *redis.Client
}

func NewRedisStorage(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client}
}

func (s *RedisStorage) Get(ctx context.Context, key string) (int, bool, error) {
	stored, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	count, err := strconv.Atoi(stored)
	if err != nil {
		return 0, false, nil
	}
	return count, true, nil
}

func (s *RedisStorage) Set(ctx context.Context, key string, count int) error {
	return s.client.Set(ctx, key, strconv.Itoa(count), recordTTL).Err()
}
