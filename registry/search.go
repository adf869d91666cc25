package registry

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/NeuralCoder007/aws-a2a/errors"
	"github.com/NeuralCoder007/aws-a2a/logging"
	"github.com/NeuralCoder007/aws-a2a/protocol"
	"github.com/NeuralCoder007/aws-a2a/telemetry"
)

// Indexer keeps a free-text index of agent cards. The store stays the
// source of truth: index failures are logged and never fail a registry
// operation.
type Indexer interface {
	Put(rec *protocol.AgentRecord) error
	Remove(agentID string) error
	Replace(ctx context.Context, recs []*protocol.AgentRecord) error
	Match(ctx context.Context, text string, limit int) ([]string, error)
}

// WithIndexer maintains ix on every write and enables Search. Other
// processes write to the shared store too, so Search rebuilds the index
// from the store when the last rebuild is older than refresh. Zero
// refresh rebuilds only on Reindex.
func WithIndexer(ix Indexer, refresh time.Duration) Option {
	return func(r *Registry) {
		r.indexer = ix
		r.reindexEvery = refresh
	}
}

func (r *Registry) indexPut(rec *protocol.AgentRecord) {
	if r.indexer == nil {
		return
	}
	if err := r.indexer.Put(rec); err != nil {
		r.logger.Warn("agent index update failed", slog.String("agent_id", rec.AgentID), logging.Err(err))
	}
}

func (r *Registry) indexRemove(agentID string) {
	if r.indexer == nil {
		return
	}
	if err := r.indexer.Remove(agentID); err != nil {
		r.logger.Warn("agent index removal failed", slog.String("agent_id", agentID), logging.Err(err))
	}
}

// Reindex rebuilds the index from the store.
func (r *Registry) Reindex(ctx context.Context) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	if r.indexer == nil {
		return errors.New(errors.ErrCodeUnavailable, "agent search is not configured")
	}
	recs, err := r.all(ctx)
	if err != nil {
		return err
	}
	if err := r.indexer.Replace(ctx, recs); err != nil {
		return errors.Wrap(err, "rebuild agent index")
	}
	r.indexMu.Lock()
	r.indexedAt = r.now()
	r.indexMu.Unlock()
	return nil
}

func (r *Registry) indexStale() bool {
	if r.reindexEvery <= 0 {
		return false
	}
	r.indexMu.Lock()
	defer r.indexMu.Unlock()
	return r.indexedAt.IsZero() || r.now().Sub(r.indexedAt) >= r.reindexEvery
}

// Search returns up to limit agents whose card matches text, most
// relevant first, with liveness applied. When activeOnly is set inactive
// agents are dropped. Returns UNAVAILABLE without an indexer.
func (r *Registry) Search(ctx context.Context, text string, limit int, activeOnly bool) (recs []*protocol.AgentRecord, err error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	if r.indexer == nil {
		return nil, errors.New(errors.ErrCodeUnavailable, "agent search is not configured")
	}
	ctx, span := r.tracer.StartRegistrySpan(ctx, "search", "")
	defer func() { telemetry.End(span, err, attribute.Int("search.results", len(recs))) }()

	if r.indexStale() {
		if err := r.Reindex(ctx); err != nil {
			r.logger.Warn("agent index refresh failed", logging.Err(err))
		}
	}
	limit = protocol.DiscoveryQuery{MaxResults: limit}.Normalize().MaxResults

	ids, err := r.indexer.Match(ctx, text, limit)
	if err != nil {
		return nil, errors.Wrap(err, "search agents")
	}
	recs = make([]*protocol.AgentRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := r.Get(ctx, id)
		if errors.Is(err, errors.ErrCodeNotFound) {
			r.indexRemove(id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if activeOnly && rec.Status != protocol.StatusActive {
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
