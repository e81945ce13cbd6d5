// Package cache decorates the API repository with a two-level read-through
// cache: a small in-process LRU in front of redis. Writes invalidate both
// levels; list queries always go to the backing store.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/meridianhq/meridian/pkg/api"
	"github.com/meridianhq/meridian/pkg/observability"
	"github.com/meridianhq/meridian/pkg/storage"
)

const keyPrefix = "meridian:api:"

// ApiRepository wraps a storage.ApiRepository with caching.
type ApiRepository struct {
	next    storage.ApiRepository
	l1      *lru.Cache[string, *api.Api]
	redis   *redis.Client
	ttl     time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics
}

// New creates the decorator. redisClient may be nil for L1-only caching.
func New(next storage.ApiRepository, cfg storage.Config, redisClient *redis.Client, logger *observability.Logger, metrics *observability.Metrics) (*ApiRepository, error) {
	l1, err := lru.New[string, *api.Api](cfg.L1CacheSize)
	if err != nil {
		return nil, err
	}
	ttl := cfg.CacheTTL["api"]
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &ApiRepository{
		next:    next,
		l1:      l1,
		redis:   redisClient,
		ttl:     ttl,
		logger:  logger,
		metrics: metrics,
	}, nil
}

func (c *ApiRepository) FindByID(ctx context.Context, id string) (*api.Api, error) {
	if a, ok := c.l1.Get(id); ok {
		c.metrics.CacheHitsTotal.WithLabelValues("l1").Inc()
		cp := *a
		return &cp, nil
	}
	c.metrics.CacheMissesTotal.WithLabelValues("l1").Inc()

	if c.redis != nil {
		raw, err := c.redis.Get(ctx, keyPrefix+id).Bytes()
		if err == nil {
			var a api.Api
			if err := json.Unmarshal(raw, &a); err == nil {
				c.metrics.CacheHitsTotal.WithLabelValues("redis").Inc()
				c.l1.Add(id, &a)
				cp := a
				return &cp, nil
			}
			// A corrupt entry is dropped and reloaded from the store.
			c.redis.Del(ctx, keyPrefix+id)
		} else if err != redis.Nil {
			c.logger.WithError(err).Warn("redis cache read failed")
		}
		c.metrics.CacheMissesTotal.WithLabelValues("redis").Inc()
	}

	a, err := c.next.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.store(ctx, a)
	return a, nil
}

func (c *ApiRepository) FindAll(ctx context.Context) ([]*api.Api, error) {
	return c.next.FindAll(ctx)
}

func (c *ApiRepository) FindByVisibility(ctx context.Context, visibility api.Visibility) ([]*api.Api, error) {
	return c.next.FindByVisibility(ctx, visibility)
}

func (c *ApiRepository) FindByIDs(ctx context.Context, ids []string) ([]*api.Api, error) {
	return c.next.FindByIDs(ctx, ids)
}

func (c *ApiRepository) Create(ctx context.Context, a *api.Api) error {
	if err := c.next.Create(ctx, a); err != nil {
		return err
	}
	c.store(ctx, a)
	return nil
}

func (c *ApiRepository) Update(ctx context.Context, a *api.Api) (*api.Api, error) {
	updated, err := c.next.Update(ctx, a)
	if err != nil {
		// A failed update may still mean the caller's view is stale.
		c.invalidate(ctx, a.ID)
		return nil, err
	}
	c.store(ctx, updated)
	return updated, nil
}

func (c *ApiRepository) Delete(ctx context.Context, id string) error {
	if err := c.next.Delete(ctx, id); err != nil {
		return err
	}
	c.invalidate(ctx, id)
	return nil
}

func (c *ApiRepository) store(ctx context.Context, a *api.Api) {
	cp := *a
	c.l1.Add(a.ID, &cp)
	if c.redis == nil {
		return
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, keyPrefix+a.ID, raw, c.ttl).Err(); err != nil {
		c.logger.WithError(err).Warn("redis cache write failed")
	}
}

func (c *ApiRepository) invalidate(ctx context.Context, id string) {
	c.l1.Remove(id)
	if c.redis != nil {
		if err := c.redis.Del(ctx, keyPrefix+id).Err(); err != nil {
			c.logger.WithError(err).Warn("redis cache invalidation failed")
		}
	}
}
