package state

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateKey(t *testing.T) {
	valid := []string{"agents.a1", "tasks.task.0b9f-12", "x", "a/b=c"}
	for _, k := range valid {
		assert.NoError(t, ValidateKey(k), k)
	}
	invalid := []string{"", ".lead", "trail.", "has space", "star*", strings.Repeat("k", 1025)}
	for _, k := range invalid {
		assert.ErrorIs(t, ValidateKey(k), ErrInvalidKey, k)
	}
}

func TestValidKeySegment(t *testing.T) {
	assert.True(t, ValidKeySegment("summarizer_01HZY"))
	assert.False(t, ValidKeySegment("a.b"))
	assert.False(t, ValidKeySegment(""))
	assert.False(t, ValidKeySegment("a b"))
}

func TestMatchPattern(t *testing.T) {
	assert.True(t, MatchPattern("*", "anything"))
	assert.True(t, MatchPattern("agents.*", "agents.a1"))
	assert.False(t, MatchPattern("agents.*", "tasks.a1"))
	assert.True(t, MatchPattern("agents.a1", "agents.a1"))
	assert.False(t, MatchPattern("agents.a1", "agents.a10"))
}

func TestNATSSubject(t *testing.T) {
	assert.Equal(t, ">", natsSubject("*"))
	assert.Equal(t, "registry.agents.>", natsSubject("registry.agents.*"))
	assert.Equal(t, "registry.>", natsSubject("registry.ag*"))
	assert.Equal(t, "registry.agents.a1", natsSubject("registry.agents.a1"))
}

func TestScan(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, k := range []string{"agents.c", "agents.a", "agents.b", "tasks.x"} {
		_, err := s.Put(ctx, k, []byte(k))
		require.NoError(t, err)
	}

	res, err := Scan(ctx, s, "agents.*", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Scanned)
	require.Len(t, res.Entries, 3)
	assert.Equal(t, "agents.a", res.Entries[0].Key)

	res, err = Scan(ctx, s, "agents.*", func(kv *KeyValue) bool { return kv.Key != "agents.b" }, 1)
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "agents.a", res.Entries[0].Key)
	assert.Equal(t, 1, res.Scanned)
}

func TestScanHonorsCancellation(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Put(context.Background(), "agents.a", []byte("x"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Scan(ctx, s, "*", nil, 0)
	assert.ErrorIs(t, err, context.Canceled)
}
