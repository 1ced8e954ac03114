package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"kasirinaja/offline/internal/domain"
)

type RedisPlanCache struct {
	client *redis.Client
}

func NewRedisPlanCache(addr string, password string, db int) *RedisPlanCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisPlanCache{client: client}
}

func (c *RedisPlanCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisPlanCache) Close() error {
	return c.client.Close()
}

func (c *RedisPlanCache) Get(ctx context.Context, sellerID string) (*domain.PlanCacheRecord, bool, error) {
	val, err := c.client.Get(ctx, key(sellerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var rec domain.PlanCacheRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

func (c *RedisPlanCache) Set(ctx context.Context, record *domain.PlanCacheRecord, ttl time.Duration) error {
	if record == nil || record.SellerID == "" {
		return nil
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key(record.SellerID), payload, ttl).Err()
}
