package relay

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/relaycore/eventrt/internal/storelog"
)

// RedisTarget publishes outbox batches to a redis-like stream via XAdd,
// pipelined so a whole batch crosses the wire in one round trip. This
// mirrors the go-redis/v9 usage the retrieval pack's public-api-service
// and its apisix plugin runner already depend on for stream/command
// dispatch.
type RedisTarget struct {
	client    redis.UniversalClient
	streamKey string
}

// NewRedisTarget wraps an existing redis client. streamKey is the XADD
// stream name every category's entries are appended to; the category and
// global id travel as stream fields so a single consumer can fan back out
// per category if desired.
func NewRedisTarget(client redis.UniversalClient, streamKey string) *RedisTarget {
	return &RedisTarget{client: client, streamKey: streamKey}
}

// Publish implements Target.
func (t *RedisTarget) Publish(ctx context.Context, category string, entries []storelog.OutboxEntry) error {
	if len(entries) == 0 {
		return nil
	}

	pipe := t.client.Pipeline()
	for _, entry := range entries {
		payload, err := msgpack.Marshal(entry.Message)
		if err != nil {
			return fmt.Errorf("relay: encode outbox entry %d: %w", entry.GlobalID, err)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: t.streamKey,
			Values: map[string]any{
				"category":  category,
				"stream_id": entry.Message.StreamID,
				"global_id": entry.GlobalID,
				"type":      entry.Message.Type,
				"payload":   payload,
			},
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("relay: redis pipeline exec: %w", err)
	}
	return nil
}
