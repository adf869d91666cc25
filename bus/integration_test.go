//go:build integration

package bus

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runQueueContract exercises the behavior every Queue backend shares.
func runQueueContract(t *testing.T, q Queue) {
	ctx := context.Background()
	queue := fmt.Sprintf("contract-%d", time.Now().UnixNano())

	msgs, err := q.Receive(ctx, queue, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	for i := 0; i < 3; i++ {
		_, err := q.Send(ctx, queue, []byte(fmt.Sprintf("m%d", i)), map[string]string{"message_type": "heartbeat"})
		require.NoError(t, err)
	}

	var got []*Message
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < 3 && time.Now().Before(deadline) {
		batch, err := q.Receive(ctx, queue, 10, time.Second)
		require.NoError(t, err)
		got = append(got, batch...)
	}
	require.Len(t, got, 3)
	assert.Equal(t, "m0", string(got[0].Body))
	assert.Equal(t, "heartbeat", got[0].Attributes["message_type"])

	msgs, err = q.Receive(ctx, queue, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestNATSBusContract(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = nats.DefaultURL
	}
	cfg := DefaultNATSConfig()
	cfg.URL = url
	cfg.MaxReconnects = 0
	cfg.ConnectTimeout = 2 * time.Second
	cfg.Stream = fmt.Sprintf("A2A_TEST_%d", time.Now().UnixNano())
	cfg.SubjectPrefix = fmt.Sprintf("a2a.test%d.", time.Now().UnixNano())

	b, err := NewNATSBus(context.Background(), cfg)
	if err != nil {
		t.Skipf("NATS not available: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	runQueueContract(t, b)
}

func TestRedisBusContract(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/0"
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	b, err := NewRedisBus(RedisConfig{Client: client, StreamPrefix: fmt.Sprintf("a2a-test-%d:", time.Now().UnixNano())})
	require.NoError(t, err)
	runQueueContract(t, b)
}
