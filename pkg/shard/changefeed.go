package shard

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/shardforge/syncengine/pkg/queue"
)

// changeChannelPrefix namespaces the per-tenant pub/sub channel the change
// feed fans out on.
const changeChannelPrefix = "syncengine:changes:"

// RedisChangeFeed publishes change events to a per-tenant pub/sub channel
// (for low-latency subscribers like the retrieval cache invalidator) and to
// the shard-created stream (for the auto-attachment worker, which needs
// durable, replayable delivery).
type RedisChangeFeed struct {
	RDB          *redis.Client
	CreatedQueue *queue.Queue
}

// NewRedisChangeFeed constructs a change feed bound to rdb, using a
// dedicated queue.Queue for the shard-created stream.
func NewRedisChangeFeed(rdb *redis.Client) *RedisChangeFeed {
	return &RedisChangeFeed{
		RDB:          rdb,
		CreatedQueue: queue.New(rdb, queue.ShardCreated, queue.Options{Group: "auto-attachment"}),
	}
}

// Publish implements ChangeFeed.
func (f *RedisChangeFeed) Publish(ctx context.Context, ev ChangeEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding change event: %w", err)
	}

	channel := changeChannelPrefix + ev.TenantID.String()
	if err := f.RDB.Publish(ctx, channel, body).Err(); err != nil {
		return fmt.Errorf("publishing change event: %w", err)
	}

	if ev.Kind == "create" {
		if _, err := f.CreatedQueue.Publish(ctx, ev.ShardID.String(), ev); err != nil {
			return fmt.Errorf("enqueuing shard-created: %w", err)
		}
	}

	return nil
}

// Subscribe returns a channel of decoded change events for the given
// tenant, used by the project resolver's cache invalidation.
func (f *RedisChangeFeed) Subscribe(ctx context.Context, tenantID string) (<-chan ChangeEvent, func(), error) {
	sub := f.RDB.Subscribe(ctx, changeChannelPrefix+tenantID)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribing to change feed: %w", err)
	}

	out := make(chan ChangeEvent, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { _ = sub.Close() }, nil
}
