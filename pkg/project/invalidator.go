package project

import (
	"context"
	"log/slog"

	"github.com/shardforge/syncengine/pkg/shard"
)

// ChangeSubscriber is implemented by shard.RedisChangeFeed.
type ChangeSubscriber interface {
	Subscribe(ctx context.Context, tenantID string) (<-chan shard.ChangeEvent, func(), error)
}

// CacheInvalidator drops cached project contexts when a change event
// touches either the project shard itself or one of its cached members.
type CacheInvalidator struct {
	Resolver *Resolver
	Store    *shard.Store
	Feed     ChangeSubscriber
	Logger   *slog.Logger
}

// NewCacheInvalidator constructs a CacheInvalidator.
func NewCacheInvalidator(resolver *Resolver, store *shard.Store, feed ChangeSubscriber, logger *slog.Logger) *CacheInvalidator {
	return &CacheInvalidator{Resolver: resolver, Store: store, Feed: feed, Logger: logger}
}

// Run subscribes to tenantID's change feed until ctx is cancelled.
func (c *CacheInvalidator) Run(ctx context.Context, tenantID string, q shard.Querier) error {
	events, unsubscribe, err := c.Feed.Subscribe(ctx, tenantID)
	if err != nil {
		return err
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.handle(ctx, q, ev)
		}
	}
}

func (c *CacheInvalidator) handle(ctx context.Context, q shard.Querier, ev shard.ChangeEvent) {
	if ev.After != nil && ev.After.ShardTypeID == ShardTypeProject {
		if err := c.Resolver.Invalidate(ctx, ev.TenantID, ev.ShardID); err != nil {
			c.Logger.Error("project cache invalidation", "project", ev.ShardID, "error", err)
		}
		return
	}

	projects, err := c.Store.QueryByTenant(ctx, q, ev.TenantID, shard.Filter{ShardTypeID: ShardTypeProject, Limit: 500})
	if err != nil {
		c.Logger.Error("project cache invalidation: listing projects", "error", err)
		return
	}
	for _, proj := range projects {
		if c.Resolver.TracksShard(ctx, ev.TenantID, proj.ID, ev.ShardID) {
			if err := c.Resolver.Invalidate(ctx, ev.TenantID, proj.ID); err != nil {
				c.Logger.Error("project cache invalidation", "project", proj.ID, "error", err)
			}
		}
	}
}
