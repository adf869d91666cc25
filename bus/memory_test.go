package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NeuralCoder007/aws-a2a/protocol"
)

func TestValidateQueue(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"coordinator", false},
		{"agent-1_queue.v2", false},
		{"", true},
		{"has space", true},
		{"a*b", true},
	}
	for _, tt := range tests {
		err := ValidateQueue(tt.name)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidQueue, tt.name)
		} else {
			assert.NoError(t, err, tt.name)
		}
	}
}

func TestClampBatch(t *testing.T) {
	max, wait := clampBatch(0, -time.Second)
	assert.Equal(t, 1, max)
	assert.Equal(t, time.Duration(0), wait)

	max, wait = clampBatch(50, time.Minute)
	assert.Equal(t, MaxBatch, max)
	assert.Equal(t, MaxWait, wait)
}

func TestMemoryBusSendReceive(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()
	ctx := context.Background()

	id, err := b.Send(ctx, "work", []byte("one"), map[string]string{"message_type": "heartbeat"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	_, err = b.Send(ctx, "work", []byte("two"), nil)
	require.NoError(t, err)
	_, err = b.Send(ctx, "other", []byte("elsewhere"), nil)
	require.NoError(t, err)

	msgs, err := b.Receive(ctx, "work", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, "one", string(msgs[0].Body))
	assert.Equal(t, "heartbeat", msgs[0].Attributes["message_type"])
	assert.Equal(t, "two", string(msgs[1].Body))

	// Received messages are gone.
	msgs, err = b.Receive(ctx, "work", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, 1, b.Len("other"))
}

func TestMemoryBusBatchLimit(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		_, err := b.Send(ctx, "q", []byte{byte(i)}, nil)
		require.NoError(t, err)
	}
	msgs, err := b.Receive(ctx, "q", 100, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, MaxBatch)
	assert.Equal(t, 5, b.Len("q"))
}

func TestMemoryBusSendCopiesInput(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()
	ctx := context.Background()

	body := []byte("abc")
	attrs := map[string]string{"k": "v"}
	_, err := b.Send(ctx, "q", body, attrs)
	require.NoError(t, err)
	body[0] = 'x'
	attrs["k"] = "changed"

	msgs, err := b.Receive(ctx, "q", 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "abc", string(msgs[0].Body))
	assert.Equal(t, "v", msgs[0].Attributes["k"])
}

func TestMemoryBusLongPoll(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()
	ctx := context.Background()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = b.Send(ctx, "q", []byte("late"), nil)
	}()

	msgs, err := b.Receive(ctx, "q", 1, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "late", string(msgs[0].Body))
}

func TestMemoryBusReceiveTimesOutEmpty(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	start := time.Now()
	msgs, err := b.Receive(context.Background(), "q", 1, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestMemoryBusReceiveHonorsContext(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Receive(ctx, "q", 1, time.Second)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestMemoryBusQueueFull(t *testing.T) {
	b := NewMemoryBus(Config{BufferSize: 2})
	defer b.Close()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := b.Send(ctx, "q", nil, nil)
		require.NoError(t, err)
	}
	_, err := b.Send(ctx, "q", nil, nil)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestMemoryBusClose(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	var recvErr error
	go func() {
		defer wg.Done()
		_, recvErr = b.Receive(ctx, "q", 1, 5*time.Second)
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Close())
	wg.Wait()

	assert.ErrorIs(t, recvErr, ErrClosed)
	_, err := b.Send(ctx, "q", nil, nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, b.Close())
}

func TestMemoryBusConcurrentReceiversSplitMessages(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()
	ctx := context.Background()

	const total = 100
	for i := 0; i < total; i++ {
		_, err := b.Send(ctx, "q", []byte{byte(i)}, nil)
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msgs, err := b.Receive(ctx, "q", MaxBatch, 0)
				if err != nil || len(msgs) == 0 {
					return
				}
				mu.Lock()
				for _, m := range msgs {
					seen[m.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestSendMessageEnvelope(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()
	ctx := context.Background()

	m := protocol.NewHeartbeat("agent-1", "active", 0.2, []protocol.CapabilityType{protocol.CapCustom})
	_, err := SendMessage(ctx, b, "coordinator", m)
	require.NoError(t, err)

	msgs, err := b.Receive(ctx, "coordinator", 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "heartbeat", msgs[0].Attributes[protocol.AttrMessageType])
	assert.Equal(t, "agent-1", msgs[0].Attributes[protocol.AttrSenderID])

	got, err := DecodeMessage(msgs[0])
	require.NoError(t, err)
	assert.Equal(t, m.MessageID, got.MessageID)
	assert.Equal(t, protocol.MsgHeartbeat, got.MessageType)
}
