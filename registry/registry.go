package registry

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/NeuralCoder007/aws-a2a/errors"
	"github.com/NeuralCoder007/aws-a2a/logging"
	"github.com/NeuralCoder007/aws-a2a/protocol"
	"github.com/NeuralCoder007/aws-a2a/state"
	"github.com/NeuralCoder007/aws-a2a/telemetry"
)

const (
	// KeyPrefix namespaces agent records in the state store.
	KeyPrefix = "registry.agents."

	// DefaultLivenessTimeout is how long an agent may go unseen before it is
	// reported inactive.
	DefaultLivenessTimeout = 30 * time.Minute

	defaultMaxRetries = 10
)

// Registry is the capability-indexed agent registry. It is safe for
// concurrent use by any number of goroutines and processes sharing the
// same store.
type Registry struct {
	store           state.StateStore
	catalog         *protocol.Catalog
	livenessTimeout time.Duration
	maxRetries      int
	now             func() time.Time
	idGen           func(name string) string
	logger          *slog.Logger
	tracer          *telemetry.Tracer
	closed          atomic.Bool

	indexer      Indexer
	reindexEvery time.Duration
	indexMu      sync.Mutex
	indexedAt    time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithCatalog sets the accepted capability types.
func WithCatalog(c *protocol.Catalog) Option {
	return func(r *Registry) {
		r.catalog = c
	}
}

// WithLivenessTimeout sets the staleness window used to report agents
// inactive. Zero disables staleness checks.
func WithLivenessTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.livenessTimeout = d
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithIDGenerator sets how IDs are generated for records registered without one.
func WithIDGenerator(gen func(name string) string) Option {
	return func(r *Registry) {
		r.idGen = gen
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(r *Registry) {
		r.tracer = t
	}
}

// WithMaxRetries bounds compare-and-swap retries per update.
func WithMaxRetries(n int) Option {
	return func(r *Registry) {
		r.maxRetries = n
	}
}

// New creates a registry over store.
func New(store state.StateStore, opts ...Option) *Registry {
	r := &Registry{
		store:           store,
		catalog:         protocol.DefaultCatalog(),
		livenessTimeout: DefaultLivenessTimeout,
		maxRetries:      defaultMaxRetries,
		now:             time.Now,
		idGen:           GenerateAgentID,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.Component(r.logger, "registry")
	return r
}

// GenerateAgentID returns "<name>_<ulid>" with the name lowercased and
// reduced to key-safe characters.
func GenerateAgentID(name string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteRune(c)
		case c == ' ':
			b.WriteRune('_')
		}
	}
	prefix := b.String()
	if prefix == "" {
		prefix = "agent"
	}
	return prefix + "_" + strings.ToLower(ulid.Make().String())
}

// Catalog returns the accepted capability types.
func (r *Registry) Catalog() *protocol.Catalog {
	return r.catalog
}

func key(agentID string) string {
	return KeyPrefix + agentID
}

func (r *Registry) checkOpen() error {
	if r.closed.Load() {
		return errors.New(errors.ErrCodeClosed, "registry closed")
	}
	return nil
}

// Register validates record and upserts it by agent ID. An existing record
// keeps its creation time; everything else is replaced. The stored record is
// active with last_seen set to now. The agent ID is returned, generated when
// the record has none.
func (r *Registry) Register(ctx context.Context, record *protocol.AgentRecord) (id string, err error) {
	if err := r.checkOpen(); err != nil {
		return "", err
	}
	if record == nil {
		return "", errors.Validation("agent record rejected", []string{"Agent record is required"})
	}

	rec := record.Clone()
	if rec.AgentID == "" {
		rec.AgentID = r.idGen(rec.Name)
	}
	ctx, span := r.tracer.StartRegistrySpan(ctx, "register", rec.AgentID)
	defer func() { telemetry.End(span, err) }()

	rec.ApplyDefaults()
	violations := rec.Validate(r.catalog)
	if !state.ValidKeySegment(rec.AgentID) {
		violations = append(violations, fmt.Sprintf("Agent ID contains invalid characters: %q", rec.AgentID))
	}
	if len(violations) > 0 {
		return "", errors.Validation("agent record rejected", violations, errors.WithAgentID(rec.AgentID))
	}

	now := r.now().UTC()
	rec.Status = protocol.StatusActive
	rec.LastSeen = now
	rec.RebuildIndex()

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		existing, rev, err := r.load(ctx, rec.AgentID)
		switch {
		case errors.Is(err, errors.ErrCodeNotFound):
			rec.CreatedAt = now
			data, encErr := encode(rec)
			if encErr != nil {
				return "", encErr
			}
			_, err = r.store.Create(ctx, key(rec.AgentID), data)
			if stderrors.Is(err, state.ErrExists) {
				continue
			}
		case err != nil:
			return "", err
		default:
			rec.CreatedAt = existing.CreatedAt
			data, encErr := encode(rec)
			if encErr != nil {
				return "", encErr
			}
			_, err = r.store.Update(ctx, key(rec.AgentID), data, rev)
			if stderrors.Is(err, state.ErrRevisionMismatch) || stderrors.Is(err, state.ErrNotFound) {
				continue
			}
		}
		if err != nil {
			return "", errors.Store("register agent", err, errors.WithAgentID(rec.AgentID))
		}
		r.logger.Info("agent registered",
			slog.String("agent_id", rec.AgentID),
			slog.Any("capabilities", rec.CapabilityTypes),
		)
		r.indexPut(rec)
		return rec.AgentID, nil
	}
	return "", errors.Conflict("register agent: too much contention", errors.WithAgentID(rec.AgentID))
}

// Patch lists the fields Update changes. Nil fields are left alone.
// Capabilities and Tags replace the whole list when non-nil.
type Patch struct {
	Name                *string
	Description         *string
	Version             *string
	Capabilities        []protocol.Capability
	ContactInfo         map[string]string
	Location            *string
	Tags                []string
	Status              *protocol.AgentStatus
	ResponseTimeMs      *int
	SuccessRate         *float64
	TotalTasksCompleted *int
	MaxConcurrentTasks  *int
}

func (p Patch) apply(rec *protocol.AgentRecord) {
	if p.Name != nil {
		rec.Name = *p.Name
	}
	if p.Description != nil {
		rec.Description = *p.Description
	}
	if p.Version != nil {
		rec.Version = *p.Version
	}
	if p.Capabilities != nil {
		rec.Capabilities = append([]protocol.Capability(nil), p.Capabilities...)
	}
	if p.ContactInfo != nil {
		rec.ContactInfo = make(map[string]string, len(p.ContactInfo))
		for k, v := range p.ContactInfo {
			rec.ContactInfo[k] = v
		}
	}
	if p.Location != nil {
		rec.Location = *p.Location
	}
	if p.Tags != nil {
		rec.Tags = append([]string(nil), p.Tags...)
	}
	if p.Status != nil {
		rec.Status = *p.Status
	}
	if p.ResponseTimeMs != nil {
		v := *p.ResponseTimeMs
		rec.ResponseTimeMs = &v
	}
	if p.SuccessRate != nil {
		v := *p.SuccessRate
		rec.SuccessRate = &v
	}
	if p.TotalTasksCompleted != nil {
		rec.TotalTasksCompleted = *p.TotalTasksCompleted
	}
	if p.MaxConcurrentTasks != nil {
		rec.MaxConcurrentTasks = *p.MaxConcurrentTasks
	}
}

// Update applies patch to an existing record and stamps last_seen.
// Returns NOT_FOUND when the agent is not registered.
func (r *Registry) Update(ctx context.Context, agentID string, patch Patch) (err error) {
	if err := r.checkOpen(); err != nil {
		return err
	}
	ctx, span := r.tracer.StartRegistrySpan(ctx, "update", agentID)
	defer func() { telemetry.End(span, err) }()

	rec, err := r.modify(ctx, agentID, func(rec *protocol.AgentRecord) error {
		patch.apply(rec)
		if violations := rec.Validate(r.catalog); len(violations) > 0 {
			return errors.Validation("agent update rejected", violations, errors.WithAgentID(agentID))
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.indexPut(rec)
	return nil
}

// Heartbeat refreshes last_seen for agentID and nothing else.
// Returns NOT_FOUND when the agent is not registered.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) (err error) {
	if err := r.checkOpen(); err != nil {
		return err
	}
	ctx, span := r.tracer.StartRegistrySpan(ctx, "heartbeat", agentID)
	defer func() { telemetry.End(span, err) }()

	_, err = r.modify(ctx, agentID, func(*protocol.AgentRecord) error { return nil })
	return err
}

// modify runs a compare-and-swap loop on the record, always stamping
// last_seen and rebuilding indexes after change runs. It returns the
// stored record.
func (r *Registry) modify(ctx context.Context, agentID string, change func(*protocol.AgentRecord) error) (*protocol.AgentRecord, error) {
	if !state.ValidKeySegment(agentID) {
		return nil, errors.NotFound(fmt.Sprintf("agent %s not found", agentID), errors.WithAgentID(agentID))
	}
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		rec, rev, err := r.load(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if err := change(rec); err != nil {
			return nil, err
		}
		rec.LastSeen = r.now().UTC()
		rec.RebuildIndex()

		data, err := encode(rec)
		if err != nil {
			return nil, err
		}
		_, err = r.store.Update(ctx, key(agentID), data, rev)
		switch {
		case err == nil:
			return rec, nil
		case stderrors.Is(err, state.ErrRevisionMismatch):
			continue
		case stderrors.Is(err, state.ErrNotFound):
			return nil, errors.NotFound(fmt.Sprintf("agent %s not found", agentID), errors.WithAgentID(agentID))
		default:
			return nil, errors.Store("update agent", err, errors.WithAgentID(agentID))
		}
	}
	return nil, errors.Conflict("update agent: too much contention", errors.WithAgentID(agentID))
}

// Deregister removes agentID. Removing an absent agent is not an error.
func (r *Registry) Deregister(ctx context.Context, agentID string) (err error) {
	if err := r.checkOpen(); err != nil {
		return err
	}
	ctx, span := r.tracer.StartRegistrySpan(ctx, "deregister", agentID)
	defer func() { telemetry.End(span, err) }()

	if !state.ValidKeySegment(agentID) {
		return nil
	}
	if err := r.store.Delete(ctx, key(agentID)); err != nil {
		return errors.Store("deregister agent", err, errors.WithAgentID(agentID))
	}
	r.indexRemove(agentID)
	r.logger.Info("agent deregistered", slog.String("agent_id", agentID))
	return nil
}

// Get returns the record for agentID with its liveness applied.
// Returns NOT_FOUND when absent.
func (r *Registry) Get(ctx context.Context, agentID string) (*protocol.AgentRecord, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	if !state.ValidKeySegment(agentID) {
		return nil, errors.NotFound(fmt.Sprintf("agent %s not found", agentID), errors.WithAgentID(agentID))
	}
	rec, _, err := r.load(ctx, agentID)
	if err != nil {
		return nil, err
	}
	r.applyLiveness(rec, r.now())
	return rec, nil
}

func (r *Registry) load(ctx context.Context, agentID string) (*protocol.AgentRecord, uint64, error) {
	kv, err := r.store.Get(ctx, key(agentID))
	if stderrors.Is(err, state.ErrNotFound) {
		return nil, 0, errors.NotFound(fmt.Sprintf("agent %s not found", agentID), errors.WithAgentID(agentID))
	}
	if err != nil {
		return nil, 0, errors.Store("get agent", err, errors.WithAgentID(agentID))
	}
	rec, err := decode(kv.Value)
	if err != nil {
		return nil, 0, err
	}
	return rec, kv.Revision, nil
}

// applyLiveness marks records unseen for longer than the liveness timeout
// inactive in the returned view. The stored record is not changed.
func (r *Registry) applyLiveness(rec *protocol.AgentRecord, now time.Time) {
	if rec.Status == protocol.StatusActive && !rec.IsActive(now, r.livenessTimeout) {
		rec.Status = protocol.StatusInactive
	}
}

// DiscoveryResult is the outcome of Discover.
type DiscoveryResult struct {
	Agents       []*protocol.AgentRecord
	TotalFound   int
	ScannedCount int
}

// Discover returns agents matching every predicate of q: all required
// capabilities, the location (case-insensitive), all tags and, when
// ActiveOnly is set, liveness. Agents holding more of the optional
// capabilities rank first, then the most recently seen. TotalFound counts
// all matches; Agents is truncated to MaxResults.
func (r *Registry) Discover(ctx context.Context, q protocol.DiscoveryQuery) (res *DiscoveryResult, err error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	ctx, span := r.tracer.StartRegistrySpan(ctx, "discover", "")
	defer func() {
		if res != nil {
			telemetry.End(span, err,
				attribute.Int("discovery.total_found", res.TotalFound),
				attribute.Int("discovery.scanned", res.ScannedCount))
			return
		}
		telemetry.End(span, err)
	}()

	if err := q.Validate(r.catalog); err != nil {
		return nil, err
	}
	q = q.Normalize()
	location := strings.ToLower(strings.TrimSpace(q.Location))
	now := r.now()

	var matched []*protocol.AgentRecord
	scan, err := state.Scan(ctx, r.store, KeyPrefix+"*", func(kv *state.KeyValue) bool {
		rec, err := decode(kv.Value)
		if err != nil {
			r.logger.Warn("skipping unreadable agent record", slog.String("key", kv.Key), logging.Err(err))
			return false
		}
		r.applyLiveness(rec, now)
		if !matches(rec, q, location) {
			return false
		}
		matched = append(matched, rec)
		return true
	}, 0)
	if err != nil {
		return nil, errors.Store("discover agents", err)
	}

	rankDiscovery(matched, q.OptionalCapabilities)

	res = &DiscoveryResult{
		TotalFound:   len(matched),
		ScannedCount: scan.Scanned,
	}
	if len(matched) > q.MaxResults {
		matched = matched[:q.MaxResults]
	}
	res.Agents = matched
	return res, nil
}

func matches(rec *protocol.AgentRecord, q protocol.DiscoveryQuery, location string) bool {
	if q.ActiveOnly && rec.Status != protocol.StatusActive {
		return false
	}
	if !protocol.ContainsAll(rec.CapabilityTypes, q.RequiredCapabilities) {
		return false
	}
	if location != "" && rec.LocationIndex != location {
		return false
	}
	for _, tag := range q.Tags {
		if !rec.HasTag(tag) {
			return false
		}
	}
	return true
}

func rankDiscovery(recs []*protocol.AgentRecord, optional []protocol.CapabilityType) {
	optionalHits := make(map[string]int, len(recs))
	for _, rec := range recs {
		n := 0
		for _, t := range optional {
			if rec.HasCapability(t) {
				n++
			}
		}
		optionalHits[rec.AgentID] = n
	}
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if optionalHits[a.AgentID] != optionalHits[b.AgentID] {
			return optionalHits[a.AgentID] > optionalHits[b.AgentID]
		}
		if !a.LastSeen.Equal(b.LastSeen) {
			return a.LastSeen.After(b.LastSeen)
		}
		return a.AgentID < b.AgentID
	})
}

// ListResult is the outcome of ListAll.
type ListResult struct {
	Agents     []*protocol.AgentRecord
	TotalCount int
}

// ListAll returns every registered agent, or only live ones when activeOnly
// is set, most recently seen first.
func (r *Registry) ListAll(ctx context.Context, activeOnly bool) (*ListResult, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	recs, err := r.all(ctx)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, rec := range recs {
		if activeOnly && rec.Status != protocol.StatusActive {
			continue
		}
		out = append(out, rec)
	}
	rankDiscovery(out, nil)
	return &ListResult{Agents: out, TotalCount: len(out)}, nil
}

func (r *Registry) all(ctx context.Context) ([]*protocol.AgentRecord, error) {
	scan, err := state.Scan(ctx, r.store, KeyPrefix+"*", nil, 0)
	if err != nil {
		return nil, errors.Store("list agents", err)
	}
	now := r.now()
	recs := make([]*protocol.AgentRecord, 0, len(scan.Entries))
	for _, kv := range scan.Entries {
		rec, err := decode(kv.Value)
		if err != nil {
			r.logger.Warn("skipping unreadable agent record", slog.String("key", kv.Key), logging.Err(err))
			continue
		}
		r.applyLiveness(rec, now)
		recs = append(recs, rec)
	}
	return recs, nil
}

// CleanupResult is the outcome of CleanupInactive.
type CleanupResult struct {
	// Deleted is the number of records removed.
	Deleted int

	// TotalInactive is the number of records found past the timeout.
	TotalInactive int

	// Failed is the number of records that could not be removed.
	Failed int
}

// CleanupInactive deletes agents whose last_seen is older than timeout.
// A failed delete is logged and skipped; the sweep continues.
func (r *Registry) CleanupInactive(ctx context.Context, timeout time.Duration) (res *CleanupResult, err error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	ctx, span := r.tracer.StartRegistrySpan(ctx, "cleanup", "")
	defer func() { telemetry.End(span, err) }()

	recs, err := r.all(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := r.now().Add(-timeout)
	res = &CleanupResult{}
	for _, rec := range recs {
		if !rec.LastSeen.Before(cutoff) {
			continue
		}
		res.TotalInactive++
		if err := r.store.Delete(ctx, key(rec.AgentID)); err != nil {
			res.Failed++
			r.logger.Warn("failed to remove inactive agent", slog.String("agent_id", rec.AgentID), logging.Err(err))
			continue
		}
		r.indexRemove(rec.AgentID)
		res.Deleted++
	}
	if res.TotalInactive > 0 {
		r.logger.Info("removed inactive agents",
			slog.Int("deleted", res.Deleted),
			slog.Int("inactive", res.TotalInactive),
			slog.Duration("timeout", timeout),
		)
	}
	return res, nil
}

// Statistics summarizes the registry contents.
type Statistics struct {
	TotalAgents            int                             `json:"total_agents"`
	ActiveAgents           int                             `json:"active_agents"`
	InactiveAgents         int                             `json:"inactive_agents"`
	CapabilityDistribution map[protocol.CapabilityType]int `json:"capability_distribution"`
	LocationDistribution   map[string]int                  `json:"location_distribution"`
}

// UnknownLocation is the location bucket for agents that set none.
const UnknownLocation = "Unknown"

// Statistics counts agents by liveness, capability and location.
func (r *Registry) Statistics(ctx context.Context) (*Statistics, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	recs, err := r.all(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Statistics{
		TotalAgents:            len(recs),
		CapabilityDistribution: make(map[protocol.CapabilityType]int),
		LocationDistribution:   make(map[string]int),
	}
	for _, rec := range recs {
		if rec.Status == protocol.StatusActive {
			stats.ActiveAgents++
		}
		for _, t := range rec.CapabilityTypes {
			stats.CapabilityDistribution[t]++
		}
		loc := rec.Location
		if loc == "" {
			loc = UnknownLocation
		}
		stats.LocationDistribution[loc]++
	}
	stats.InactiveAgents = stats.TotalAgents - stats.ActiveAgents
	return stats, nil
}

// Close marks the registry closed. The store is owned by the caller.
func (r *Registry) Close() error {
	r.closed.Store(true)
	return nil
}

func encode(rec *protocol.AgentRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.Internal("encode agent record", errors.WithCause(err), errors.WithAgentID(rec.AgentID))
	}
	return data, nil
}

func decode(data []byte) (*protocol.AgentRecord, error) {
	var rec protocol.AgentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Internal("decode agent record", errors.WithCause(err))
	}
	return &rec, nil
}
