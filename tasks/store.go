package tasks

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/NeuralCoder007/aws-a2a/errors"
	"github.com/NeuralCoder007/aws-a2a/logging"
	"github.com/NeuralCoder007/aws-a2a/protocol"
	"github.com/NeuralCoder007/aws-a2a/state"
	"github.com/NeuralCoder007/aws-a2a/telemetry"
)

const (
	// DefaultPrefix namespaces task keys in the state store.
	DefaultPrefix = "tasks"

	// ActorSystem is recorded in history for transitions not made by an agent.
	ActorSystem = "system"

	// DefaultCancelReason is stored when Cancel is given no reason.
	DefaultCancelReason = "Cancelled by user"

	defaultMaxRetries = 10
)

// Store implements the task lifecycle over a state store. Every
// read-modify-write is a compare-and-swap on the task's revision, so
// concurrent stores sharing a backend never lose a transition.
type Store struct {
	store      state.StateStore
	catalog    *protocol.Catalog
	prefix     string
	now        func() time.Time
	idGen      func() string
	logger     *slog.Logger
	tracer     *telemetry.Tracer
	maxRetries int
	closed     atomic.Bool
}

// Option configures a Store.
type Option func(*Store)

// WithCatalog sets the capability types accepted on creation.
func WithCatalog(c *protocol.Catalog) Option {
	return func(s *Store) {
		if c != nil {
			s.catalog = c
		}
	}
}

// WithPrefix sets the key namespace. Task records live under
// "<prefix>.task." and idempotency keys under "<prefix>.idem.".
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = strings.TrimSuffix(prefix, ".")
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithIDGenerator sets a custom ID generator function.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) {
		s.idGen = gen
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(s *Store) {
		s.tracer = t
	}
}

// WithMaxRetries bounds compare-and-swap attempts per operation.
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// NewStore creates a task store backed by the given state store.
func NewStore(store state.StateStore, opts ...Option) *Store {
	s := &Store{
		store:      store,
		catalog:    protocol.DefaultCatalog(),
		prefix:     DefaultPrefix,
		now:        time.Now,
		idGen:      uuid.NewString,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.Component(s.logger, "tasks")
	return s
}

func (s *Store) taskKey(id string) string { return s.prefix + ".task." + id }
func (s *Store) idemKey(k string) string  { return s.prefix + ".idem." + k }

func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return errors.New(errors.ErrCodeClosed, "task store closed")
	}
	return nil
}

// Create validates n and stores a pending task. When n carries an
// idempotency key already bound to a task, that task is returned instead.
func (s *Store) Create(ctx context.Context, n NewTask) (task *Task, err error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	violations := n.Validate(s.catalog)
	if n.TaskID != "" && !state.ValidKeySegment(n.TaskID) {
		violations = append(violations, fmt.Sprintf("Task ID contains invalid characters: %q", n.TaskID))
	}
	if n.IdempotencyKey != "" && !state.ValidKeySegment(n.IdempotencyKey) {
		violations = append(violations, fmt.Sprintf("Idempotency key contains invalid characters: %q", n.IdempotencyKey))
	}
	if len(violations) > 0 {
		return nil, errors.Validation("task rejected", violations)
	}

	if n.IdempotencyKey != "" {
		if existing, err := s.byIdempotencyKey(ctx, n.IdempotencyKey); err == nil {
			return existing, nil
		} else if !errors.Is(err, errors.ErrCodeNotFound) {
			return nil, err
		}
	}

	now := s.now().UTC()
	task = &Task{
		TaskID:               n.TaskID,
		Title:                strings.TrimSpace(n.Title),
		Description:          strings.TrimSpace(n.Description),
		RequiredCapabilities: dedupe(n.RequiredCapabilities),
		Parameters:           maps.Clone(n.Parameters),
		Priority:             n.Priority,
		CreatedBy:            n.CreatedBy,
		Status:               StatusPending,
		CreatedAt:            now,
		UpdatedAt:            now,
		IdempotencyKey:       n.IdempotencyKey,
		History:              []HistoryEntry{{Timestamp: now, Status: StatusPending, Actor: n.CreatedBy, Note: "created"}},
	}
	if n.Deadline != nil {
		d := n.Deadline.UTC()
		task.Deadline = &d
	}
	if task.TaskID == "" {
		task.TaskID = s.idGen()
	}
	if task.Priority == "" {
		task.Priority = PriorityNormal
	}

	ctx, span := s.tracer.StartTaskSpan(ctx, "create", task.TaskID)
	defer func() { telemetry.End(span, err) }()

	data, err := json.Marshal(task)
	if err != nil {
		return nil, errors.Wrap(err, "encode task", errors.WithTaskID(task.TaskID))
	}
	if _, err := s.store.Create(ctx, s.taskKey(task.TaskID), data); err != nil {
		if stderrors.Is(err, state.ErrExists) {
			return nil, errors.New(errors.ErrCodeAlreadyExists, "task already exists", errors.WithTaskID(task.TaskID))
		}
		return nil, errors.Store("create task", err, errors.WithTaskID(task.TaskID))
	}

	if n.IdempotencyKey != "" {
		if _, err := s.store.Create(ctx, s.idemKey(n.IdempotencyKey), []byte(task.TaskID)); err != nil {
			// Lost the race for the key: drop ours and hand back the winner.
			_ = s.store.Delete(ctx, s.taskKey(task.TaskID))
			if stderrors.Is(err, state.ErrExists) {
				return s.byIdempotencyKey(ctx, n.IdempotencyKey)
			}
			return nil, errors.Store("bind idempotency key", err, errors.WithTaskID(task.TaskID))
		}
	}

	s.logger.Info("task created",
		slog.String("task_id", task.TaskID),
		slog.String("priority", string(task.Priority)),
		slog.Any("capabilities", task.RequiredCapabilities),
	)
	return task.Clone(), nil
}

func (s *Store) byIdempotencyKey(ctx context.Context, key string) (*Task, error) {
	kv, err := s.store.Get(ctx, s.idemKey(key))
	if stderrors.Is(err, state.ErrNotFound) {
		return nil, errors.NotFound("idempotency key not bound")
	}
	if err != nil {
		return nil, errors.Store("get idempotency key", err)
	}
	task, _, err := s.load(ctx, string(kv.Value))
	return task, err
}

// GetByIdempotencyKey returns the task bound to key.
func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (*Task, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if key == "" || !state.ValidKeySegment(key) {
		return nil, errors.NotFound("idempotency key not bound")
	}
	return s.byIdempotencyKey(ctx, key)
}

// Fields carries the optional changes applied with a transition.
type Fields struct {
	// AssignedTo is required when moving to in_progress.
	AssignedTo string

	// Result replaces the task result when non-nil.
	Result map[string]any

	// ErrorMessage replaces the error message when non-empty.
	ErrorMessage string

	// Note is recorded in the history entry.
	Note string
}

// Transition moves the task to next along the state graph, recording actor
// in its history. Edges absent from the graph fail with INVALID_TRANSITION;
// moving to in_progress without an assignee fails with INVALID_INPUT.
func (s *Store) Transition(ctx context.Context, taskID string, next Status, actor string, f Fields) (err error) {
	if err := s.checkOpen(); err != nil {
		return err
	}
	ctx, span := s.tracer.StartTaskSpan(ctx, "transition."+string(next), taskID)
	defer func() { telemetry.End(span, err) }()

	return s.modify(ctx, taskID, func(t *Task) error {
		return s.apply(t, next, actor, f)
	})
}

func (s *Store) apply(t *Task, next Status, actor string, f Fields) error {
	if !t.Status.CanTransition(next) {
		return errors.InvalidTransition(t.TaskID, string(t.Status), string(next))
	}
	if next == StatusInProgress {
		if f.AssignedTo == "" {
			return errors.Validation("transition rejected", []string{"Assigned agent ID is required"},
				errors.WithTaskID(t.TaskID))
		}
		t.AssignedTo = f.AssignedTo
	}
	if f.Result != nil {
		t.Result = maps.Clone(f.Result)
	}
	if f.ErrorMessage != "" {
		t.ErrorMessage = f.ErrorMessage
	}
	if actor == "" {
		actor = ActorSystem
	}
	now := s.now().UTC()
	t.Status = next
	t.UpdatedAt = now
	t.History = append(t.History, HistoryEntry{Timestamp: now, Status: next, Actor: actor, Note: f.Note})
	return nil
}

// Assign hands a pending task to agentID and moves it to in_progress.
func (s *Store) Assign(ctx context.Context, taskID, agentID string) (err error) {
	if err := s.checkOpen(); err != nil {
		return err
	}
	ctx, span := s.tracer.StartTaskSpan(ctx, "assign", taskID)
	defer func() { telemetry.End(span, err) }()

	err = s.modify(ctx, taskID, func(t *Task) error {
		return s.apply(t, StatusInProgress, ActorSystem, Fields{AssignedTo: agentID, Note: "assigned to " + agentID})
	})
	if err == nil {
		s.logger.Info("task assigned", slog.String("task_id", taskID), slog.String("agent_id", agentID))
	}
	return err
}

// Complete records result for a task agentID is working on.
// Fails with INVALID_TRANSITION unless the task is in_progress and with
// NOT_ASSIGNED unless agentID is the assignee.
func (s *Store) Complete(ctx context.Context, taskID string, result map[string]any, agentID string) (err error) {
	if err := s.checkOpen(); err != nil {
		return err
	}
	ctx, span := s.tracer.StartTaskSpan(ctx, "complete", taskID)
	defer func() { telemetry.End(span, err) }()

	if result == nil {
		result = map[string]any{}
	}
	return s.finish(ctx, taskID, agentID, StatusCompleted, Fields{Result: result})
}

// Fail records message for a task agentID is working on, with the same
// guards as Complete.
func (s *Store) Fail(ctx context.Context, taskID, message, agentID string) (err error) {
	if err := s.checkOpen(); err != nil {
		return err
	}
	ctx, span := s.tracer.StartTaskSpan(ctx, "fail", taskID)
	defer func() { telemetry.End(span, err) }()

	return s.finish(ctx, taskID, agentID, StatusFailed, Fields{ErrorMessage: message, Note: message})
}

func (s *Store) finish(ctx context.Context, taskID, agentID string, next Status, f Fields) error {
	err := s.modify(ctx, taskID, func(t *Task) error {
		if t.Status != StatusInProgress {
			return errors.InvalidTransition(t.TaskID, string(t.Status), string(next))
		}
		if t.AssignedTo != agentID {
			return errors.NotAssigned(t.TaskID, agentID)
		}
		return s.apply(t, next, agentID, f)
	})
	if err == nil {
		s.logger.Info("task finished",
			slog.String("task_id", taskID),
			slog.String("agent_id", agentID),
			slog.String("status", string(next)),
		)
	}
	return err
}

// Cancel withdraws a pending or in_progress task. The assignment, if any,
// is kept.
func (s *Store) Cancel(ctx context.Context, taskID, reason string) (err error) {
	if err := s.checkOpen(); err != nil {
		return err
	}
	ctx, span := s.tracer.StartTaskSpan(ctx, "cancel", taskID)
	defer func() { telemetry.End(span, err) }()

	if reason == "" {
		reason = DefaultCancelReason
	}
	return s.modify(ctx, taskID, func(t *Task) error {
		return s.apply(t, StatusCancelled, ActorSystem, Fields{ErrorMessage: reason, Note: reason})
	})
}

// modify runs a compare-and-swap loop on the task record.
func (s *Store) modify(ctx context.Context, taskID string, change func(*Task) error) error {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		t, rev, err := s.load(ctx, taskID)
		if err != nil {
			return err
		}
		if err := change(t); err != nil {
			return err
		}
		data, err := json.Marshal(t)
		if err != nil {
			return errors.Wrap(err, "encode task", errors.WithTaskID(taskID))
		}
		_, err = s.store.Update(ctx, s.taskKey(taskID), data, rev)
		switch {
		case err == nil:
			return nil
		case stderrors.Is(err, state.ErrRevisionMismatch):
			continue
		case stderrors.Is(err, state.ErrNotFound):
			return errors.NotFound(fmt.Sprintf("task %s not found", taskID), errors.WithTaskID(taskID))
		default:
			return errors.Store("update task", err, errors.WithTaskID(taskID))
		}
	}
	return errors.Conflict("update task: too much contention", errors.WithTaskID(taskID))
}

// Get retrieves a task by ID.
func (s *Store) Get(ctx context.Context, taskID string) (*Task, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	t, _, err := s.load(ctx, taskID)
	return t, err
}

// History returns the task's status changes, oldest first.
func (s *Store) History(ctx context.Context, taskID string) ([]HistoryEntry, error) {
	t, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return t.History, nil
}

func (s *Store) load(ctx context.Context, taskID string) (*Task, uint64, error) {
	if !state.ValidKeySegment(taskID) {
		return nil, 0, errors.NotFound(fmt.Sprintf("task %s not found", taskID), errors.WithTaskID(taskID))
	}
	kv, err := s.store.Get(ctx, s.taskKey(taskID))
	if stderrors.Is(err, state.ErrNotFound) {
		return nil, 0, errors.NotFound(fmt.Sprintf("task %s not found", taskID), errors.WithTaskID(taskID))
	}
	if err != nil {
		return nil, 0, errors.Store("get task", err, errors.WithTaskID(taskID))
	}
	var t Task
	if err := json.Unmarshal(kv.Value, &t); err != nil {
		return nil, 0, errors.Wrap(err, "decode task", errors.WithTaskID(taskID))
	}
	return &t, kv.Revision, nil
}

// List returns the tasks for which match returns true, oldest first.
// A nil match returns every task.
func (s *Store) List(ctx context.Context, match func(*Task) bool) ([]*Task, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	scan, err := state.Scan(ctx, s.store, s.taskKey("*"), nil, 0)
	if err != nil {
		return nil, errors.Store("list tasks", err)
	}
	var out []*Task
	for _, kv := range scan.Entries {
		var t Task
		if err := json.Unmarshal(kv.Value, &t); err != nil {
			s.logger.Warn("skipping unreadable task record", slog.String("key", kv.Key), logging.Err(err))
			continue
		}
		if match == nil || match(&t) {
			out = append(out, &t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out, nil
}

// ByStatus returns tasks currently in status.
func (s *Store) ByStatus(ctx context.Context, status Status) ([]*Task, error) {
	return s.List(ctx, func(t *Task) bool { return t.Status == status })
}

// ByAgent returns tasks assigned to agentID.
func (s *Store) ByAgent(ctx context.Context, agentID string) ([]*Task, error) {
	return s.List(ctx, func(t *Task) bool { return t.AssignedTo == agentID })
}

// ByCreator returns tasks created by creatorID.
func (s *Store) ByCreator(ctx context.Context, creatorID string) ([]*Task, error) {
	return s.List(ctx, func(t *Task) bool { return t.CreatedBy == creatorID })
}

// Overdue returns non-terminal tasks whose deadline precedes now.
func (s *Store) Overdue(ctx context.Context, now time.Time) ([]*Task, error) {
	return s.List(ctx, func(t *Task) bool { return t.IsOverdue(now) })
}

// InProgressCounts returns the number of in_progress tasks per assignee.
func (s *Store) InProgressCounts(ctx context.Context) (map[string]int, error) {
	running, err := s.ByStatus(ctx, StatusInProgress)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, t := range running {
		counts[t.AssignedTo]++
	}
	return counts, nil
}

// PurgeOlderThan deletes terminal tasks last updated more than days ago and
// returns how many were removed. Individual delete failures are logged and
// skipped.
func (s *Store) PurgeOlderThan(ctx context.Context, days int) (removed int, err error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	ctx, span := s.tracer.StartTaskSpan(ctx, "purge", "")
	defer func() { telemetry.End(span, err) }()

	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)
	old, err := s.List(ctx, func(t *Task) bool {
		return t.Status.IsTerminal() && t.UpdatedAt.Before(cutoff)
	})
	if err != nil {
		return 0, err
	}
	for _, t := range old {
		if err := s.store.Delete(ctx, s.taskKey(t.TaskID)); err != nil {
			s.logger.Warn("failed to purge task", slog.String("task_id", t.TaskID), logging.Err(err))
			continue
		}
		if t.IdempotencyKey != "" {
			_ = s.store.Delete(ctx, s.idemKey(t.IdempotencyKey))
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("purged old tasks", slog.Int("removed", removed), slog.Int("days", days))
	}
	return removed, nil
}

// Close marks the store closed. The backing state store is owned by the
// caller.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

func dedupe(caps []protocol.CapabilityType) []protocol.CapabilityType {
	seen := make(map[protocol.CapabilityType]bool, len(caps))
	out := make([]protocol.CapabilityType, 0, len(caps))
	for _, c := range caps {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}
