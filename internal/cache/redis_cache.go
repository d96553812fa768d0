package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mingning179/smsmonitor/internal/model"
)

const statsKey = "stats:latest"

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

type deliveryValue struct {
	Status model.Status `json:"status"`
	At     time.Time    `json:"at"`
}

func (c *RedisCache) StoreDelivery(ctx context.Context, messageID int64, backendType string, status model.Status, at time.Time) error {
	key := fmt.Sprintf("delivery:%d:%s", messageID, backendType)
	b, err := json.Marshal(deliveryValue{Status: status, At: at.UTC()})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, b, c.ttl).Err()
}

func (c *RedisCache) StoreStats(ctx context.Context, stats model.Stats) error {
	b, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, statsKey, b, c.ttl).Err()
}

// LatestStats returns the cached snapshot; the bool is false when no
// snapshot is cached.
func (c *RedisCache) LatestStats(ctx context.Context) (model.Stats, bool, error) {
	raw, err := c.rdb.Get(ctx, statsKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Stats{}, false, nil
	}
	if err != nil {
		return model.Stats{}, false, err
	}

	var stats model.Stats
	if err := json.Unmarshal(raw, &stats); err != nil {
		return model.Stats{}, false, err
	}
	return stats, true, nil
}
