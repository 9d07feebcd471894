package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"apotekpos/internal/domain"
)

type RedisAvailabilityCache struct {
	client *redis.Client
}

func NewRedisAvailabilityCache(addr string, password string, db int) *RedisAvailabilityCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisAvailabilityCache{client: client}
}

func (c *RedisAvailabilityCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisAvailabilityCache) Close() error {
	return c.client.Close()
}

func availabilityKey(medicineID string) string {
	return "availability:" + medicineID
}

func (c *RedisAvailabilityCache) Get(ctx context.Context, medicineID string) (*domain.AvailabilityResponse, bool, error) {
	val, err := c.client.Get(ctx, availabilityKey(medicineID)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var resp domain.AvailabilityResponse
	if err := json.Unmarshal([]byte(val), &resp); err != nil {
		return nil, false, err
	}
	return &resp, true, nil
}

func (c *RedisAvailabilityCache) Set(ctx context.Context, medicineID string, value *domain.AvailabilityResponse, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, availabilityKey(medicineID), payload, ttl).Err()
}

func (c *RedisAvailabilityCache) Invalidate(ctx context.Context, medicineIDs ...string) error {
	if len(medicineIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(medicineIDs))
	for _, id := range medicineIDs {
		keys = append(keys, availabilityKey(id))
	}
	return c.client.Del(ctx, keys...).Err()
}
