package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	streamPrefix = "consensus:events:"
	streamMaxLen = 5000
	streamTTL    = 24 * time.Hour
)

// Bus mirrors conversation events into Redis Streams so a client that lost
// its connection can replay and follow them.
type Bus struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewBus creates a Redis-backed event bus.
func NewBus(redisURL string, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Bus{rdb: rdb, logger: logger}, nil
}

// Client exposes the underlying connection for components sharing it.
func (b *Bus) Client() *redis.Client { return b.rdb }

// Publish appends an event to the conversation's stream.
func (b *Bus) Publish(ctx context.Context, conversationID string, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	stream := streamPrefix + conversationID
	pipe := b.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type": string(e.Type),
			"data": string(data),
		},
	})
	pipe.Expire(ctx, stream, streamTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}

	b.logger.Debug("published event",
		zap.String("conversation", conversationID),
		zap.String("type", string(e.Type)))
	return nil
}

// Replay delivers every event after lastID ("0" for all) and keeps following
// the stream until a terminal event or ctx is done. fn receives the stream id
// of each event so callers can resume from it.
func (b *Bus) Replay(ctx context.Context, conversationID, lastID string, fn func(id string, e Event) error) error {
	stream := streamPrefix + conversationID
	if lastID == "" {
		lastID = "0"
	}

	for {
		results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, lastID},
			Count:   100,
			Block:   2 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("read %s: %w", stream, err)
		}

		for _, r := range results {
			for _, msg := range r.Messages {
				lastID = msg.ID
				data, ok := msg.Values["data"].(string)
				if !ok {
					continue
				}
				var e Event
				if json.Unmarshal([]byte(data), &e) != nil {
					continue
				}
				if err := fn(msg.ID, e); err != nil {
					return err
				}
				if e.Terminal() {
					return nil
				}
			}
		}
	}
}

// Close shuts down the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}
