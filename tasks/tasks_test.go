package tasks

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NeuralCoder007/aws-a2a/errors"
	"github.com/NeuralCoder007/aws-a2a/protocol"
	"github.com/NeuralCoder007/aws-a2a/state"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	backend := state.NewMemoryStore()
	s := NewStore(backend, append([]Option{WithClock(c.Now)}, opts...)...)
	t.Cleanup(func() {
		s.Close()
		backend.Close()
	})
	return s, c
}

func textTask(title string) NewTask {
	return NewTask{
		Title:                title,
		Description:          "process " + title,
		RequiredCapabilities: []protocol.CapabilityType{protocol.CapTextProcessing},
		CreatedBy:            "coordinator",
	}
}

func TestCreate(t *testing.T) {
	s, c := newTestStore(t)
	ctx := context.Background()

	task, err := s.Create(ctx, NewTask{
		Title:       "  Summarize ",
		Description: "summarize the report",
		RequiredCapabilities: []protocol.CapabilityType{
			protocol.CapTextProcessing, protocol.CapDataAnalysis, protocol.CapTextProcessing,
		},
		CreatedBy:  "coordinator",
		Parameters: map[string]any{"text": "hello"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, task.TaskID)
	assert.Equal(t, "Summarize", task.Title)
	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, PriorityNormal, task.Priority)
	assert.Empty(t, task.AssignedTo)
	assert.Equal(t, []protocol.CapabilityType{protocol.CapTextProcessing, protocol.CapDataAnalysis}, task.RequiredCapabilities)
	assert.Equal(t, c.Now(), task.CreatedAt)
	require.Len(t, task.History, 1)
	assert.Equal(t, HistoryEntry{Timestamp: c.Now(), Status: StatusPending, Actor: "coordinator", Note: "created"}, task.History[0])

	got, err := s.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task, got)
}

func TestCreateEnumeratesViolations(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(context.Background(), NewTask{
		RequiredCapabilities: nil,
		Priority:             "whenever",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
	assert.Equal(t, []string{
		"Task title is required",
		"Task description is required",
		"At least one required capability is needed",
		"Task creator ID is required",
		"Invalid priority: whenever",
	}, errors.Violations(err))

	tasks, err := s.List(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestCreateRejectsUnknownCapability(t *testing.T) {
	s, _ := newTestStore(t)
	n := textTask("t")
	n.RequiredCapabilities = append(n.RequiredCapabilities, "telepathy")
	_, err := s.Create(context.Background(), n)
	require.Error(t, err)
	assert.Equal(t, []string{"Invalid capability type: telepathy"}, errors.Violations(err))
}

func TestCreateDuplicateID(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	n := textTask("t")
	n.TaskID = "fixed"
	_, err := s.Create(ctx, n)
	require.NoError(t, err)
	_, err = s.Create(ctx, n)
	assert.True(t, errors.Is(err, errors.ErrCodeAlreadyExists))
}

func TestCreateIdempotency(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	n := textTask("t")
	n.IdempotencyKey = "order-123"
	first, err := s.Create(ctx, n)
	require.NoError(t, err)

	n.Title = "different"
	second, err := s.Create(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, first.TaskID, second.TaskID)
	assert.Equal(t, "t", second.Title)

	byKey, err := s.GetByIdempotencyKey(ctx, "order-123")
	require.NoError(t, err)
	assert.Equal(t, first.TaskID, byKey.TaskID)

	_, err = s.GetByIdempotencyKey(ctx, "nope")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}

func TestConcurrentIdempotentCreate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ids := make([]string, 10)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n := textTask("t")
			n.IdempotencyKey = "same"
			task, err := s.Create(ctx, n)
			if assert.NoError(t, err) {
				ids[i] = task.TaskID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	all, err := s.List(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLifecycleComplete(t *testing.T) {
	s, c := newTestStore(t)
	ctx := context.Background()

	task, err := s.Create(ctx, textTask("t"))
	require.NoError(t, err)

	c.Advance(time.Minute)
	require.NoError(t, s.Assign(ctx, task.TaskID, "agent-x"))
	c.Advance(time.Minute)
	require.NoError(t, s.Complete(ctx, task.TaskID, map[string]any{"x": 1}, "agent-x"))

	got, err := s.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "agent-x", got.AssignedTo)
	assert.Equal(t, map[string]any{"x": float64(1)}, got.Result)
	assert.Equal(t, c.Now(), got.UpdatedAt)

	history, err := s.History(ctx, task.TaskID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, StatusInProgress, history[1].Status)
	assert.Equal(t, ActorSystem, history[1].Actor)
	assert.Equal(t, StatusCompleted, history[2].Status)
	assert.Equal(t, "agent-x", history[2].Actor)
}

func TestLifecycleFail(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	task, err := s.Create(ctx, textTask("t"))
	require.NoError(t, err)
	require.NoError(t, s.Assign(ctx, task.TaskID, "agent-x"))
	require.NoError(t, s.Fail(ctx, task.TaskID, "disk full", "agent-x"))

	got, err := s.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "disk full", got.ErrorMessage)
	assert.Equal(t, "agent-x", got.AssignedTo)
}

func TestCompleteGuards(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	task, err := s.Create(ctx, textTask("t"))
	require.NoError(t, err)

	err = s.Complete(ctx, task.TaskID, nil, "agent-x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidTransition) || errors.Is(err, errors.ErrCodeNotAssigned))

	require.NoError(t, s.Assign(ctx, task.TaskID, "agent-x"))
	err = s.Complete(ctx, task.TaskID, nil, "agent-y")
	assert.True(t, errors.Is(err, errors.ErrCodeNotAssigned))
	err = s.Fail(ctx, task.TaskID, "nope", "agent-y")
	assert.True(t, errors.Is(err, errors.ErrCodeNotAssigned))

	got, err := s.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)
	assert.Len(t, got.History, 2)
}

func TestStragglerCannotCompleteCancelledTask(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	task, err := s.Create(ctx, textTask("t"))
	require.NoError(t, err)
	require.NoError(t, s.Assign(ctx, task.TaskID, "agent-x"))
	require.NoError(t, s.Cancel(ctx, task.TaskID, ""))

	err = s.Complete(ctx, task.TaskID, map[string]any{"late": true}, "agent-x")
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidTransition))

	got, err := s.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, DefaultCancelReason, got.ErrorMessage)
	assert.Equal(t, "agent-x", got.AssignedTo)
	assert.Nil(t, got.Result)
}

func TestTransitionGraph(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusFailed, false},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusFailed, true},
		{StatusInProgress, StatusCancelled, true},
		{StatusInProgress, StatusPending, false},
		{StatusCompleted, StatusPending, false},
		{StatusFailed, StatusInProgress, false},
		{StatusCancelled, StatusPending, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to))
		})
	}
}

func TestTransition(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	task, err := s.Create(ctx, textTask("t"))
	require.NoError(t, err)

	err = s.Transition(ctx, task.TaskID, StatusCompleted, "anyone", Fields{})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidTransition))

	err = s.Transition(ctx, task.TaskID, StatusInProgress, "boss", Fields{})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	require.NoError(t, s.Transition(ctx, task.TaskID, StatusInProgress, "boss", Fields{AssignedTo: "a1", Note: "go"}))
	require.NoError(t, s.Transition(ctx, task.TaskID, StatusCompleted, "", Fields{Result: map[string]any{"ok": true}}))

	err = s.Transition(ctx, task.TaskID, StatusFailed, "boss", Fields{})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidTransition))

	history, err := s.History(ctx, task.TaskID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "boss", history[1].Actor)
	assert.Equal(t, "go", history[1].Note)
	assert.Equal(t, ActorSystem, history[2].Actor)
}

func TestMissingTask(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "ghost")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
	assert.True(t, errors.Is(s.Assign(ctx, "ghost", "a"), errors.ErrCodeNotFound))
	assert.True(t, errors.Is(s.Cancel(ctx, "ghost", "x"), errors.ErrCodeNotFound))
	_, err = s.History(ctx, "bad key!")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}

func TestConcurrentAssignHasOneWinner(t *testing.T) {
	s, _ := newTestStore(t, WithMaxRetries(100))
	ctx := context.Background()

	task, err := s.Create(ctx, textTask("t"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.Assign(ctx, task.TaskID, fmt.Sprintf("agent-%d", i)); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			} else {
				assert.True(t, errors.Is(err, errors.ErrCodeInvalidTransition))
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)

	got, err := s.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Len(t, got.History, 2)
}

func TestQueries(t *testing.T) {
	s, c := newTestStore(t)
	ctx := context.Background()

	past := c.Now().Add(-time.Hour)
	future := c.Now().Add(time.Hour)

	a := textTask("a")
	a.Deadline = &past
	ta, err := s.Create(ctx, a)
	require.NoError(t, err)
	c.Advance(time.Second)

	b := textTask("b")
	b.CreatedBy = "user-2"
	b.Deadline = &future
	tb, err := s.Create(ctx, b)
	require.NoError(t, err)
	c.Advance(time.Second)

	d := textTask("d")
	d.Deadline = &past
	td, err := s.Create(ctx, d)
	require.NoError(t, err)

	require.NoError(t, s.Assign(ctx, ta.TaskID, "x"))
	require.NoError(t, s.Assign(ctx, tb.TaskID, "x"))
	require.NoError(t, s.Assign(ctx, td.TaskID, "y"))
	require.NoError(t, s.Complete(ctx, td.TaskID, nil, "y"))

	inProgress, err := s.ByStatus(ctx, StatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, []string{ta.TaskID, tb.TaskID}, ids(inProgress))

	byAgent, err := s.ByAgent(ctx, "y")
	require.NoError(t, err)
	assert.Equal(t, []string{td.TaskID}, ids(byAgent))

	byCreator, err := s.ByCreator(ctx, "user-2")
	require.NoError(t, err)
	assert.Equal(t, []string{tb.TaskID}, ids(byCreator))

	overdue, err := s.Overdue(ctx, c.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{ta.TaskID}, ids(overdue))

	counts, err := s.InProgressCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"x": 2}, counts)
}

func TestPurgeOlderThan(t *testing.T) {
	s, c := newTestStore(t)
	ctx := context.Background()

	old := textTask("old")
	old.IdempotencyKey = "old-key"
	oldTask, err := s.Create(ctx, old)
	require.NoError(t, err)
	require.NoError(t, s.Cancel(ctx, oldTask.TaskID, "stale"))

	stillPending, err := s.Create(ctx, textTask("pending"))
	require.NoError(t, err)

	c.Advance(31 * 24 * time.Hour)

	recent, err := s.Create(ctx, textTask("recent"))
	require.NoError(t, err)
	require.NoError(t, s.Cancel(ctx, recent.TaskID, ""))

	removed, err := s.PurgeOlderThan(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.Get(ctx, oldTask.TaskID)
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
	_, err = s.Get(ctx, stillPending.TaskID)
	assert.NoError(t, err)
	_, err = s.Get(ctx, recent.TaskID)
	assert.NoError(t, err)

	// The idempotency key is released with the task.
	again, err := s.Create(ctx, old)
	require.NoError(t, err)
	assert.NotEqual(t, oldTask.TaskID, again.TaskID)
}

func TestPrefix(t *testing.T) {
	backend := state.NewMemoryStore()
	defer backend.Close()
	s := NewStore(backend, WithPrefix("team1."), WithIDGenerator(func() string { return "t1" }))

	_, err := s.Create(context.Background(), textTask("t"))
	require.NoError(t, err)
	keys, err := backend.Keys(context.Background(), "*")
	require.NoError(t, err)
	assert.Equal(t, []string{"team1.task.t1"}, keys)
}

func TestClosedStore(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Close())
	_, err := s.Create(context.Background(), textTask("t"))
	assert.True(t, errors.Is(err, errors.ErrCodeClosed))
}

func TestPriority(t *testing.T) {
	assert.Equal(t, 1, PriorityLow.Weight())
	assert.Equal(t, 2, PriorityNormal.Weight())
	assert.Equal(t, 3, PriorityHigh.Weight())
	assert.Equal(t, 4, PriorityUrgent.Weight())
	assert.Equal(t, 1, Priority("").Weight())

	p, err := ParsePriority(" HIGH ")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)
	_, err = ParsePriority("asap")
	assert.Error(t, err)
}

func TestCloneIsDeep(t *testing.T) {
	d := time.Now()
	orig := &Task{
		RequiredCapabilities: []protocol.CapabilityType{protocol.CapCustom},
		Parameters:           map[string]any{"a": 1},
		Deadline:             &d,
		History:              []HistoryEntry{{Status: StatusPending}},
	}
	clone := orig.Clone()
	clone.RequiredCapabilities[0] = protocol.CapWebScraping
	clone.Parameters["a"] = 2
	*clone.Deadline = d.Add(time.Hour)
	clone.History[0].Status = StatusFailed

	assert.Equal(t, protocol.CapCustom, orig.RequiredCapabilities[0])
	assert.Equal(t, 1, orig.Parameters["a"])
	assert.Equal(t, d, *orig.Deadline)
	assert.Equal(t, StatusPending, orig.History[0].Status)
}

func TestValidateParameters(t *testing.T) {
	params := map[string]any{
		"text":  "hello",
		"count": float64(3),
		"flag":  "yes",
	}
	violations := ValidateParameters(params,
		[]string{"text", "language"},
		map[string]ParamType{"count": ParamNumber, "flag": ParamBool, "extra": ParamString},
	)
	assert.Equal(t, []string{
		"Required parameter 'language' is missing",
		"Parameter 'flag' must be of type bool",
	}, violations)

	assert.Empty(t, ValidateParameters(params, []string{"text"}, nil))
}

func TestValidateAssignment(t *testing.T) {
	task := &Task{RequiredCapabilities: []protocol.CapabilityType{protocol.CapTextProcessing, protocol.CapDataAnalysis}}
	assert.Equal(t, []string{"Agent missing required capability: data_analysis"},
		ValidateAssignment(task, []protocol.CapabilityType{protocol.CapTextProcessing}))
	assert.Empty(t, ValidateAssignment(task, []protocol.CapabilityType{protocol.CapDataAnalysis, protocol.CapTextProcessing}))
}

func ids(tasks []*Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.TaskID)
	}
	return out
}
