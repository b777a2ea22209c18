package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stratonas/middled/internal/common/config"
)

// Relay fans published events out to an external transport so the HA peer
// and UI backends can observe them without a dispatcher connection.
type Relay interface {
	Publish(ev *Event)
	Close() error
}

// RedisRelay appends every event to a capped Redis stream.
type RedisRelay struct {
	logger *zap.Logger
	client redis.UniversalClient
	stream string
	maxLen int64
}

var _ Relay = (*RedisRelay)(nil)

// NewRedisRelay connects to Redis and verifies the connection.
func NewRedisRelay(logger *zap.Logger, cfg *config.RelayConfig) (*RedisRelay, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Addr},
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	stream := cfg.Stream
	if stream == "" {
		stream = "middled:events"
	}
	maxLen := cfg.MaxLen
	if maxLen == 0 {
		maxLen = 10000
	}

	return &RedisRelay{
		logger: logger.Named("events.relay"),
		client: client,
		stream: stream,
		maxLen: maxLen,
	}, nil
}

// Publish implements Relay.Publish. Relay failures are logged, never
// propagated: the in-process bus is the source of truth.
func (r *RedisRelay) Publish(ev *Event) {
	fields, err := json.Marshal(ev.Fields)
	if err != nil {
		r.logger.Error("failed to encode event fields", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{
			"stream": ev.Stream,
			"kind":   ev.Kind,
			"seq":    ev.Seq,
			"fields": string(fields),
		},
	}).Err()
	if err != nil {
		r.logger.Error("failed to relay event",
			zap.String("stream", ev.Stream),
			zap.Error(err))
	}
}

// Close implements Relay.Close.
func (r *RedisRelay) Close() error {
	return r.client.Close()
}
