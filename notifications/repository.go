package notifications

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-redis/redis/v8"

	"gobuild/monitor/shared/model"
)

// Repository is the durable side of a Store. Implementations hold the whole
// ledger under one store id.
type Repository interface {
	Load(ctx context.Context) ([]model.Notification, error)
	Save(ctx context.Context, items []model.Notification) error
}

// MemoryRepository keeps the ledger in process. Useful for tests and for
// running without redis.
type MemoryRepository struct {
	mu    sync.Mutex
	items []model.Notification
	saves int
}

func NewMemoryRepository(items ...model.Notification) *MemoryRepository {
	return &MemoryRepository{items: items}
}

func (r *MemoryRepository) Load(ctx context.Context) ([]model.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Notification(nil), r.items...), nil
}

func (r *MemoryRepository) Save(ctx context.Context, items []model.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append([]model.Notification(nil), items...)
	r.saves++
	return nil
}

// Saves reports how many times the ledger was written.
func (r *MemoryRepository) Saves() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

// RedisRepository stores the ledger as one JSON document under
// "notifications:<storeID>" with no expiry.
type RedisRepository struct {
	redisClient *redis.Client
	key         string
}

func NewRedisRepository(redisClient *redis.Client, storeID string) *RedisRepository {
	return &RedisRepository{
		redisClient: redisClient,
		key:         "notifications:" + storeID,
	}
}

func (r *RedisRepository) Load(ctx context.Context) ([]model.Notification, error) {
	data, err := r.redisClient.Get(ctx, r.key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var items []model.Notification
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (r *RedisRepository) Save(ctx context.Context, items []model.Notification) error {
	if len(items) == 0 {
		return r.redisClient.Del(ctx, r.key).Err()
	}
	data, err := json.Marshal(items)
	if err != nil {
		return err
	}
	return r.redisClient.Set(ctx, r.key, data, 0).Err()
}
