package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"taskboard-api/domain"
)

type backend interface {
	LoadTasks(ctx context.Context, boardID string) ([]domain.Task, error)
	SaveTasks(ctx context.Context, boardID string, tasks []domain.Task) error
}

// Cache wraps a board store with Redis-backed caching for reads.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching store wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base store is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) LoadTasks(ctx context.Context, boardID string) ([]domain.Task, error) {
	if tasks, ok := c.loadFromCache(ctx, boardID); ok {
		return tasks, nil
	}

	tasks, err := c.base.LoadTasks(ctx, boardID)
	if err != nil {
		return nil, err
	}

	c.store(ctx, boardID, tasks)
	return tasks, nil
}

// SaveTasks writes through to the base store and evicts the cached board so
// the next read observes the replacement.
func (c *Cache) SaveTasks(ctx context.Context, boardID string, tasks []domain.Task) error {
	if err := c.base.SaveTasks(ctx, boardID, tasks); err != nil {
		return err
	}

	c.evict(ctx, boardID)
	return nil
}

func (c *Cache) loadFromCache(ctx context.Context, boardID string) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, boardCacheKey(boardID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing store without failing.
			_ = c.redis.Del(ctx, boardCacheKey(boardID)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, boardCacheKey(boardID)).Err()
		return nil, false
	}
	return tasks, true
}

func (c *Cache) store(ctx context.Context, boardID string, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, boardCacheKey(boardID), data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, boardID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, boardCacheKey(boardID)).Result()
}

func boardCacheKey(boardID string) string {
	return "board:" + boardID
}
