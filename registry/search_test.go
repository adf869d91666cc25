package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NeuralCoder007/aws-a2a/errors"
	"github.com/NeuralCoder007/aws-a2a/protocol"
	"github.com/NeuralCoder007/aws-a2a/search"
)

func newSearchRegistry(t *testing.T, refresh time.Duration) (*Registry, *fakeClock, *search.AgentIndex) {
	t.Helper()
	ix, err := search.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })
	r, clock, _ := newTestRegistry(t, WithIndexer(ix, refresh))
	return r, clock, ix
}

func searchIDs(recs []*protocol.AgentRecord) []string {
	out := make([]string, len(recs))
	for i, rec := range recs {
		out[i] = rec.AgentID
	}
	return out
}

func TestSearchWithoutIndexer(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	_, err := r.Search(context.Background(), "anything", 5, false)
	assert.True(t, errors.Is(err, errors.ErrCodeUnavailable))
	assert.True(t, errors.Is(r.Reindex(context.Background()), errors.ErrCodeUnavailable))
}

func TestSearchFollowsRegistryWrites(t *testing.T) {
	r, _, _ := newSearchRegistry(t, 0)
	ctx := context.Background()

	scraper := agent("scraper", protocol.CapWebScraping)
	scraper.Description = "Fetches product pages"
	_, err := r.Register(ctx, scraper)
	require.NoError(t, err)
	_, err = r.Register(ctx, agent("other", protocol.CapCustom))
	require.NoError(t, err)

	found, err := r.Search(ctx, "product", 5, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"scraper"}, searchIDs(found))

	desc := "Reads invoices"
	require.NoError(t, r.Update(ctx, "scraper", Patch{Description: &desc}))
	found, err = r.Search(ctx, "product", 5, false)
	require.NoError(t, err)
	assert.Empty(t, found)
	found, err = r.Search(ctx, "invoices", 5, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"scraper"}, searchIDs(found))

	require.NoError(t, r.Deregister(ctx, "scraper"))
	found, err = r.Search(ctx, "invoices", 5, false)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestSearchDropsInactiveWhenAsked(t *testing.T) {
	r, clock, _ := newSearchRegistry(t, 0)
	ctx := context.Background()

	_, err := r.Register(ctx, agent("sleepy", protocol.CapCustom))
	require.NoError(t, err)
	clock.Advance(DefaultLivenessTimeout + time.Minute)

	found, err := r.Search(ctx, "sleepy", 5, false)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, protocol.StatusInactive, found[0].Status)

	found, err = r.Search(ctx, "sleepy", 5, true)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestSearchRefreshesFromSharedStore(t *testing.T) {
	r, clock, ix := newSearchRegistry(t, time.Minute)
	ctx := context.Background()

	// A second registry on the same store, as another process would be.
	peer := New(r.store, WithClock(clock.Now))
	_, err := peer.Register(ctx, agent("remote", protocol.CapCustom))
	require.NoError(t, err)

	found, err := r.Search(ctx, "remote", 5, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"remote"}, searchIDs(found))

	// Within the refresh window a vanished agent is pruned on read.
	require.NoError(t, peer.Deregister(ctx, "remote"))
	found, err = r.Search(ctx, "remote", 5, false)
	require.NoError(t, err)
	assert.Empty(t, found)
	n, err := ix.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}
