package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NeuralCoder007/aws-a2a/bus"
	"github.com/NeuralCoder007/aws-a2a/protocol"
)

func TestSenderConfig_Validate(t *testing.T) {
	q := bus.NewMemoryBus(bus.DefaultConfig())
	defer q.Close()

	tests := []struct {
		name    string
		cfg     SenderConfig
		wantErr bool
	}{
		{"valid", SenderConfig{Bus: q, AgentID: "agent-1", Queue: "coordinator"}, false},
		{"missing bus", SenderConfig{AgentID: "agent-1", Queue: "coordinator"}, true},
		{"missing agent id", SenderConfig{Bus: q, Queue: "coordinator"}, true},
		{"bad queue", SenderConfig{Bus: q, AgentID: "agent-1", Queue: "no spaces"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func receiveHeartbeats(t *testing.T, q *bus.MemoryBus, n int) []*protocol.Message {
	t.Helper()
	var out []*protocol.Message
	deadline := time.Now().Add(2 * time.Second)
	for len(out) < n && time.Now().Before(deadline) {
		raw, err := q.Receive(context.Background(), "coordinator", bus.MaxBatch, 100*time.Millisecond)
		require.NoError(t, err)
		for _, r := range raw {
			msg, err := bus.DecodeMessage(r)
			require.NoError(t, err)
			out = append(out, msg)
		}
	}
	return out
}

func TestSenderBeat(t *testing.T) {
	q := bus.NewMemoryBus(bus.DefaultConfig())
	defer q.Close()

	s, err := NewSender(SenderConfig{
		Bus:          q,
		AgentID:      "agent-1",
		Queue:        "coordinator",
		Capabilities: []protocol.CapabilityType{protocol.CapTextProcessing},
	}, nil)
	require.NoError(t, err)

	s.SetStatus(StatusBusy)
	s.SetLoad(1.7)
	require.NoError(t, s.Beat(context.Background()))

	msgs := receiveHeartbeats(t, q, 1)
	require.Len(t, msgs, 1)
	hb := msgs[0]
	assert.Equal(t, protocol.MsgHeartbeat, hb.MessageType)
	assert.Equal(t, "agent-1", hb.SenderID)
	assert.Equal(t, StatusBusy, hb.PayloadString("status"))
	assert.Equal(t, 1.0, hb.PayloadFloat("current_load", -1))
	assert.Equal(t, []string{"text_processing"}, hb.PayloadStrings("available_capabilities"))
	assert.NoError(t, hb.Validate(time.Now().Add(time.Second)))
}

func TestSenderStartStop(t *testing.T) {
	q := bus.NewMemoryBus(bus.DefaultConfig())
	defer q.Close()

	s, err := NewSender(SenderConfig{
		Bus:      q,
		AgentID:  "agent-1",
		Queue:    "coordinator",
		Interval: 20 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)

	msgs := receiveHeartbeats(t, q, 3)
	assert.GreaterOrEqual(t, len(msgs), 3)
	for _, m := range msgs {
		assert.Equal(t, StatusIdle, m.PayloadString("status"))
	}

	require.NoError(t, s.Stop())
	assert.ErrorIs(t, s.Stop(), ErrNotStarted)
}

func TestSenderStopsWithContext(t *testing.T) {
	q := bus.NewMemoryBus(bus.DefaultConfig())
	defer q.Close()

	s, err := NewSender(SenderConfig{Bus: q, AgentID: "agent-1", Queue: "coordinator"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()

	assert.Eventually(t, func() bool { return !s.running.Load() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "agent-1", s.AgentID())
}
