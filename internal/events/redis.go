package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	streamPrefix  = "manifold:events:"
	streamMaxLen  = 1000
	streamTTL     = 24 * time.Hour
	appendTimeout = 2 * time.Second
)

// RedisMirror appends lifecycle events to per-batch Redis Streams so external
// consumers (dashboards, other services) can follow batches without holding an
// in-process subscription.
type RedisMirror struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisMirror creates a mirror and verifies connectivity.
func NewRedisMirror(addr string, logger *zap.Logger) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &RedisMirror{client: client, logger: logger}, nil
}

// NewRedisMirrorWithClient wraps an existing client (used in tests).
func NewRedisMirrorWithClient(client *redis.Client, logger *zap.Logger) *RedisMirror {
	return &RedisMirror{client: client, logger: logger}
}

func (rm *RedisMirror) streamKey(correlationID string) string {
	return streamPrefix + correlationID
}

// Append writes one event to the batch's stream. Failures are logged, never
// propagated; the in-memory manager remains the source of truth.
func (rm *RedisMirror) Append(evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()

	key := rm.streamKey(evt.CorrelationID)
	err := rm.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type": evt.Type,
			"data": string(evt.Marshal()),
		},
	}).Err()
	if err != nil {
		rm.logger.Warn("Failed to mirror event to Redis",
			zap.String("correlation_id", evt.CorrelationID),
			zap.String("type", evt.Type),
			zap.Error(err),
		)
		return
	}
	// Best-effort TTL so abandoned streams expire.
	rm.client.Expire(ctx, key, streamTTL)
}

// Read returns up to count events from the batch's stream, oldest first.
// count <= 0 means no limit.
func (rm *RedisMirror) Read(ctx context.Context, correlationID string, count int64) ([]Event, error) {
	msgs, err := rm.client.XRange(ctx, rm.streamKey(correlationID), "-", "+").Result()
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		if count > 0 && int64(len(out)) >= count {
			break
		}
		raw, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			rm.logger.Warn("Skipping malformed mirrored event", zap.String("id", msg.ID), zap.Error(err))
			continue
		}
		out = append(out, evt)
	}
	return out, nil
}

// Close closes the underlying client.
func (rm *RedisMirror) Close() error {
	return rm.client.Close()
}
