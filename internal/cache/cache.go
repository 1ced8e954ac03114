// Package cache keeps recently fetched plan details close to the agent so a
// forced refresh does not always cost a round trip to the authority.
package cache

import (
	"context"
	"time"

	"kasirinaja/offline/internal/domain"
)

type PlanCache interface {
	Get(ctx context.Context, sellerID string) (*domain.PlanCacheRecord, bool, error)
	Set(ctx context.Context, record *domain.PlanCacheRecord, ttl time.Duration) error
}

type NoopPlanCache struct{}

func (NoopPlanCache) Get(_ context.Context, _ string) (*domain.PlanCacheRecord, bool, error) {
	return nil, false, nil
}

func (NoopPlanCache) Set(_ context.Context, _ *domain.PlanCacheRecord, _ time.Duration) error {
	return nil
}

func key(sellerID string) string {
	return "posagent:" + domain.PlanCacheID(sellerID)
}
