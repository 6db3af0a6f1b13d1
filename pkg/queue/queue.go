// Package queue provides a Redis Streams-backed message queue with
// consumer groups, at-least-once delivery, and a dead-letter stream per
// queue, matching the non-sessioned and sessioned queues the ingestion
// pipeline runs on.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Names of the five named queues the pipeline is built on.
const (
	IngestionEvents = "ingestion-events"
	ShardEmission   = "shard-emission"
	EnrichmentJobs  = "enrichment-jobs"
	SyncOutbound    = "sync-outbound"
	ShardCreated    = "shard-created"
)

// Queue wraps one Redis stream plus its consumer group.
type Queue struct {
	rdb       *redis.Client
	name      string
	group     string
	maxRetries int64
	ttl       time.Duration
}

// Options configures a Queue.
type Options struct {
	Group      string        // consumer group name, defaults to "workers"
	MaxRetries int64         // deliveries before moving to the DLQ, default 5
	TTL        time.Duration // retention horizon, default 7 days; Publish does not trim the stream by it
}

// New returns a Queue bound to the named stream. Call EnsureGroup once
// at startup before consuming.
func New(rdb *redis.Client, name string, opts Options) *Queue {
	if opts.Group == "" {
		opts.Group = "workers"
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 5
	}
	if opts.TTL == 0 {
		opts.TTL = 7 * 24 * time.Hour
	}
	return &Queue{rdb: rdb, name: name, group: opts.Group, maxRetries: opts.MaxRetries, ttl: opts.TTL}
}

func (q *Queue) dlqName() string { return q.name + ":dlq" }

// EnsureGroup creates the consumer group if it doesn't already exist.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.name, q.group, "0").Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		// BUSYGROUP means the group already exists — not an error.
		if isBusyGroupErr(err) {
			return nil
		}
		return fmt.Errorf("creating consumer group %s on %s: %w", q.group, q.name, err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// Publish appends a JSON-encoded payload to the stream, optionally under a
// session key for partitioned (sessioned) queues like sync-outbound. Redis
// Streams fan a single stream out to every consumer group already reading
// it; the session key is carried as a field so consumers can shard work
// locally, not as a physical partition.
func (q *Queue) Publish(ctx context.Context, sessionKey string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding message: %w", err)
	}

	id, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.name,
		MaxLen: 0,
		Values: map[string]any{
			"session": sessionKey,
			"body":    body,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publishing to %s: %w", q.name, err)
	}
	return id, nil
}

// Message is one delivered stream entry.
type Message struct {
	ID      string
	Session string
	Body    []byte
	Deliveries int64
}

// Consume reads up to count never-delivered messages for the given
// consumer name, blocking up to block when none are available. Entries
// already pending for a consumer are not returned here; ReclaimIdle
// claims those.
func (q *Queue) Consume(ctx context.Context, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.name, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading from %s: %w", q.name, err)
	}

	var out []Message
	for _, stream := range res {
		for _, entry := range stream.Messages {
			m, err := q.decode(ctx, entry)
			if err != nil {
				continue
			}
			out = append(out, m)
		}
	}
	return out, nil
}

func (q *Queue) decode(ctx context.Context, entry redis.XMessage) (Message, error) {
	body, _ := entry.Values["body"].(string)
	session, _ := entry.Values["session"].(string)

	pending, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.name,
		Group:  q.group,
		Start:  entry.ID,
		End:    entry.ID,
		Count:  1,
	}).Result()
	// XPENDING's delivery counter already includes the current delivery.
	var deliveries int64 = 1
	if err == nil && len(pending) > 0 && pending[0].RetryCount > 0 {
		deliveries = pending[0].RetryCount
	}

	return Message{ID: entry.ID, Session: session, Body: []byte(body), Deliveries: deliveries}, nil
}

// Ack acknowledges successful processing of a message, removing it from
// the pending entries list.
func (q *Queue) Ack(ctx context.Context, id string) error {
	return q.rdb.XAck(ctx, q.name, q.group, id).Err()
}

// Fail handles an unsuccessful delivery: if the message has exceeded
// maxRetries it is moved to the dead-letter stream and acked off the main
// stream; otherwise it is left pending for XClaim-based redelivery.
func (q *Queue) Fail(ctx context.Context, msg Message, lastErr error) error {
	if msg.Deliveries < q.maxRetries {
		return nil
	}

	if _, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.dlqName(),
		Values: map[string]any{
			"original_id": msg.ID,
			"session":     msg.Session,
			"body":        msg.Body,
			"last_error":  lastErr.Error(),
			"attempts":    msg.Deliveries,
		},
	}).Err(); err != nil {
		return fmt.Errorf("moving message %s to dead letter: %w", msg.ID, err)
	}

	return q.Ack(ctx, msg.ID)
}

// ReclaimIdle claims messages that have been pending longer than minIdle
// without being acked, for the given consumer to retry.
func (q *Queue) ReclaimIdle(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]Message, error) {
	entries, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.name,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0",
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("reclaiming idle messages on %s: %w", q.name, err)
	}

	var out []Message
	for _, entry := range entries {
		m, err := q.decode(ctx, entry)
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Depth reports the number of entries in the stream, used for backpressure
// checks against the configured threshold.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.rdb.XLen(ctx, q.name).Result()
}
