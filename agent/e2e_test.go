package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NeuralCoder007/aws-a2a/bus"
	"github.com/NeuralCoder007/aws-a2a/protocol"
	"github.com/NeuralCoder007/aws-a2a/registry"
	"github.com/NeuralCoder007/aws-a2a/scheduler"
	"github.com/NeuralCoder007/aws-a2a/state"
	"github.com/NeuralCoder007/aws-a2a/tasks"
)

func returnsX(context.Context, *tasks.Task) (map[string]any, error) {
	return map[string]any{"x": 1}, nil
}

func TestAssignedTaskCompletes(t *testing.T) {
	ctx := context.Background()
	kv := state.NewMemoryStore()
	reg := registry.New(kv)
	store := tasks.NewStore(kv)

	a, err := New("text", "Text agent", nil, WithRegistry(reg), WithCapabilities(textCap()))
	require.NoError(t, err)
	require.NoError(t, a.RegisterTaskHandler(protocol.CapTextProcessing, TaskHandlerFunc(returnsX)))
	require.True(t, a.Register(ctx))

	tk, err := store.Create(ctx, tasks.NewTask{
		Title:                "count",
		Description:          "produce x",
		RequiredCapabilities: []protocol.CapabilityType{protocol.CapTextProcessing},
		CreatedBy:            "user-1",
	})
	require.NoError(t, err)
	require.NoError(t, store.Assign(ctx, tk.TaskID, a.ID()))

	assigned, err := store.Get(ctx, tk.TaskID)
	require.NoError(t, err)
	before := a.Stats().TasksCompleted

	res := a.ExecuteTask(ctx, assigned, time.Second)
	require.True(t, res.Success, res.Error)
	require.NoError(t, store.Complete(ctx, tk.TaskID, res.Output, a.ID()))

	done, err := store.Get(ctx, tk.TaskID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, done.Status)
	assert.EqualValues(t, 1, done.Result["x"])
	assert.Equal(t, before+1, a.Stats().TasksCompleted)
}

func TestAgentAndDispatcherOverBus(t *testing.T) {
	kv := state.NewMemoryStore()
	reg := registry.New(kv)
	store := tasks.NewStore(kv)
	q := bus.NewMemoryBus(bus.DefaultConfig())
	defer q.Close()

	d := scheduler.NewDispatcher(coordinator, reg, store, q, scheduler.WithReceive(10, 10*time.Millisecond))

	// The agent has no registry handle: it registers and heartbeats
	// through the coordinator queue.
	a, err := New("text", "Text agent", q,
		WithCoordinator(coordinator),
		WithCapabilities(textCap()),
		WithReceive(10, 10*time.Millisecond),
		WithPollInterval(time.Millisecond),
		WithHeartbeatInterval(100*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, a.RegisterTaskHandler(protocol.CapTextProcessing, TaskHandlerFunc(returnsX)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dispatcherDone := make(chan error, 1)
	go func() { dispatcherDone <- d.Run(ctx) }()
	agentDone := make(chan error, 1)
	go func() { agentDone <- a.Start(ctx) }()

	require.Eventually(t, func() bool {
		_, err := reg.Get(context.Background(), a.ID())
		return err == nil
	}, 2*time.Second, 5*time.Millisecond, "registration should reach the registry")

	tk, err := d.Submit(context.Background(), tasks.NewTask{
		Title:                "count",
		Description:          "produce x",
		RequiredCapabilities: []protocol.CapabilityType{protocol.CapTextProcessing},
		CreatedBy:            "user-1",
	})
	require.NoError(t, err)

	var final *tasks.Task
	require.Eventually(t, func() bool {
		final, err = store.Get(context.Background(), tk.TaskID)
		return err == nil && final.Status == tasks.StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, a.ID(), final.AssignedTo)
	assert.EqualValues(t, 1, final.Result["x"])
	assert.Equal(t, 1, a.Stats().TasksCompleted)

	require.Eventually(t, func() bool {
		rec, err := reg.Get(context.Background(), a.ID())
		return err == nil && rec.TotalTasksCompleted == 1
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx))
	assert.NoError(t, <-agentDone)

	require.Eventually(t, func() bool {
		_, err := reg.Get(context.Background(), a.ID())
		return err != nil
	}, 2*time.Second, 10*time.Millisecond, "deregistration should reach the registry")

	cancel()
	assert.NoError(t, <-dispatcherDone)
}

func TestRedeliveredAssignmentCompletesOnce(t *testing.T) {
	ctx := context.Background()
	kv := state.NewMemoryStore()
	reg := registry.New(kv)
	store := tasks.NewStore(kv)
	q := bus.NewMemoryBus(bus.DefaultConfig())
	defer q.Close()
	d := scheduler.NewDispatcher(coordinator, reg, store, q)

	a, err := New("text", "Text agent", q, WithRegistry(reg), WithCapabilities(textCap()))
	require.NoError(t, err)
	runs := 0
	require.NoError(t, a.RegisterTaskHandler(protocol.CapTextProcessing, TaskHandlerFunc(
		func(context.Context, *tasks.Task) (map[string]any, error) {
			runs++
			return map[string]any{"x": 1}, nil
		})))
	require.True(t, a.Register(ctx))

	tk, err := d.Submit(ctx, tasks.NewTask{
		Title:                "count",
		Description:          "produce x",
		RequiredCapabilities: []protocol.CapabilityType{protocol.CapTextProcessing},
		CreatedBy:            "user-1",
	})
	require.NoError(t, err)
	_, err = d.DispatchPending(ctx)
	require.NoError(t, err)

	requests := drain(t, q, a.Queue())
	require.Len(t, requests, 1)
	require.True(t, a.ProcessMessage(ctx, requests[0]))
	require.True(t, a.ProcessMessage(ctx, requests[0]))
	assert.Equal(t, 1, runs)

	responses := drain(t, q, coordinator)
	require.Len(t, responses, 2)
	for _, m := range responses {
		require.NoError(t, d.Handle(ctx, m))
	}

	done, err := store.Get(ctx, tk.TaskID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, done.Status)
	assert.Equal(t, 1, a.Stats().TasksCompleted)
}
