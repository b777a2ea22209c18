package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stratonas/middled/internal/common/config"
)

func newTestRelay(t *testing.T) (*RedisRelay, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	relay, err := NewRedisRelay(zap.NewNop(), &config.RelayConfig{
		Addr:   mr.Addr(),
		Stream: "middled:events",
		MaxLen: 100,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = relay.Close() })

	reader := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = reader.Close() })
	return relay, reader
}

func readStream(t *testing.T, reader redis.UniversalClient) []redis.XMessage {
	t.Helper()
	msgs, err := reader.XRange(context.Background(), "middled:events", "-", "+").Result()
	require.NoError(t, err)
	return msgs
}

func TestRelayAppendsToStream(t *testing.T) {
	relay, reader := newTestRelay(t)

	relay.Publish(&Event{
		Stream: "core.get_jobs",
		Kind:   "changed",
		Seq:    7,
		Fields: map[string]any{"id": 1, "state": "RUNNING"},
	})

	msgs := readStream(t, reader)
	require.Len(t, msgs, 1)
	assert.Equal(t, "core.get_jobs", msgs[0].Values["stream"])
	assert.Equal(t, "changed", msgs[0].Values["kind"])
	assert.Contains(t, msgs[0].Values["fields"], "RUNNING")
}

func TestRelayRefusesUnreachableRedis(t *testing.T) {
	_, err := NewRedisRelay(zap.NewNop(), &config.RelayConfig{Addr: "127.0.0.1:1"})
	require.Error(t, err)
}

// The bus forwards every published event to the relay, so a peer following
// the redis stream sees the same sequence local subscribers do.
func TestBusMirrorsEventsThroughRelay(t *testing.T) {
	relay, reader := newTestRelay(t)

	bus := New(zap.NewNop(), 16, nil, relay)
	defer bus.Close()
	bus.Declare("core.get_jobs")

	bus.Publish("core.get_jobs", "added", 1, map[string]any{"state": "WAITING"})
	bus.Publish("core.get_jobs", "changed", 1, map[string]any{"state": "RUNNING"})

	require.Eventually(t, func() bool {
		return len(readStream(t, reader)) == 2
	}, 2*time.Second, 10*time.Millisecond)
}
