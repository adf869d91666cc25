package scheduler

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NeuralCoder007/aws-a2a/analyzer"
	"github.com/NeuralCoder007/aws-a2a/bus"
	"github.com/NeuralCoder007/aws-a2a/errors"
	"github.com/NeuralCoder007/aws-a2a/protocol"
	"github.com/NeuralCoder007/aws-a2a/registry"
	"github.com/NeuralCoder007/aws-a2a/state"
	"github.com/NeuralCoder007/aws-a2a/tasks"
)

const coordinator = "coordinator"

type harness struct {
	reg   *registry.Registry
	store *tasks.Store
	bus   *bus.MemoryBus
	d     *Dispatcher
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	kv := state.NewMemoryStore()
	h := &harness{
		reg:   registry.New(kv),
		store: tasks.NewStore(kv),
		bus:   bus.NewMemoryBus(bus.DefaultConfig()),
	}
	h.d = NewDispatcher(coordinator, h.reg, h.store, h.bus, opts...)
	t.Cleanup(func() {
		h.bus.Close()
		kv.Close()
	})
	return h
}

func (h *harness) agent(t *testing.T, id string, caps ...protocol.CapabilityType) *protocol.AgentRecord {
	t.Helper()
	rec := protocol.NewAgentRecord(id, id, "test agent")
	for _, c := range caps {
		rec.AddCapability(protocol.NewCapability(c, string(c), "handles "+string(c)))
	}
	_, err := h.reg.Register(context.Background(), rec)
	require.NoError(t, err)
	return rec
}

func (h *harness) submit(t *testing.T, title string, caps ...protocol.CapabilityType) *tasks.Task {
	t.Helper()
	tk, err := h.d.Submit(context.Background(), tasks.NewTask{
		Title:                title,
		Description:          title + " please",
		RequiredCapabilities: caps,
		CreatedBy:            "user-1",
	})
	require.NoError(t, err)
	return tk
}

func (h *harness) receive(t *testing.T, queue string) []*protocol.Message {
	t.Helper()
	raw, err := h.bus.Receive(context.Background(), queue, bus.MaxBatch, 0)
	require.NoError(t, err)
	out := make([]*protocol.Message, 0, len(raw))
	for _, r := range raw {
		m, err := bus.DecodeMessage(r)
		require.NoError(t, err)
		assert.Equal(t, string(m.MessageType), r.Attributes[protocol.AttrMessageType])
		out = append(out, m)
	}
	return out
}

type stubOracle struct {
	analysis *analyzer.Analysis
	err      error
	texts    []string
}

func (s *stubOracle) Analyze(_ context.Context, text string) (*analyzer.Analysis, error) {
	s.texts = append(s.texts, text)
	return s.analysis, s.err
}

func TestSubmitMergesOracleAnalysis(t *testing.T) {
	oracle := &stubOracle{analysis: &analyzer.Analysis{
		RequiredCapabilities:     []protocol.CapabilityType{protocol.CapDataAnalysis, protocol.CapTextProcessing},
		Priority:                 tasks.PriorityUrgent,
		EstimatedDurationMinutes: 7,
	}}
	h := newHarness(t, WithOracle(oracle))

	tk := h.submit(t, "summarize sales", protocol.CapTextProcessing)
	assert.Equal(t, []protocol.CapabilityType{protocol.CapTextProcessing, protocol.CapDataAnalysis}, tk.RequiredCapabilities)
	assert.Equal(t, tasks.PriorityUrgent, tk.Priority)
	assert.EqualValues(t, 7, tk.Parameters[ParamEstimatedMinutes])
	require.Len(t, oracle.texts, 1)
	assert.Equal(t, "summarize sales\n\nsummarize sales please", oracle.texts[0])
}

func TestSubmitKeepsCallerPriority(t *testing.T) {
	oracle := &stubOracle{analysis: &analyzer.Analysis{Priority: tasks.PriorityUrgent}}
	h := newHarness(t, WithOracle(oracle))

	tk, err := h.d.Submit(context.Background(), tasks.NewTask{
		Title:                "t",
		Description:          "d",
		RequiredCapabilities: []protocol.CapabilityType{protocol.CapCustom},
		CreatedBy:            "user-1",
		Priority:             tasks.PriorityLow,
	})
	require.NoError(t, err)
	assert.Equal(t, tasks.PriorityLow, tk.Priority)
	assert.Equal(t, []protocol.CapabilityType{protocol.CapCustom}, tk.RequiredCapabilities)
}

func TestSubmitFallsBackWhenOracleFails(t *testing.T) {
	oracle := &stubOracle{err: errors.New(errors.ErrCodeUnavailable, "circuit open")}
	h := newHarness(t, WithOracle(oracle))

	tk := h.submit(t, "scrape", protocol.CapWebScraping)
	assert.Equal(t, []protocol.CapabilityType{protocol.CapWebScraping}, tk.RequiredCapabilities)
	assert.Equal(t, tasks.PriorityNormal, tk.Priority)
}

func TestSubmitWithoutOracleValidates(t *testing.T) {
	h := newHarness(t)
	_, err := h.d.Submit(context.Background(), tasks.NewTask{Title: "t"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
}

func TestDispatchPendingSendsTaskRequest(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "text_agent", protocol.CapTextProcessing)
	tk := h.submit(t, "summarize", protocol.CapTextProcessing)

	res, err := h.d.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{tk.TaskID: "text_agent"}, res.Assigned)
	assert.Empty(t, res.Unmatched)

	got, err := h.store.Get(context.Background(), tk.TaskID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusInProgress, got.Status)
	assert.Equal(t, "text_agent", got.AssignedTo)

	msgs := h.receive(t, "text_agent")
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, protocol.MsgTaskRequest, m.MessageType)
	assert.Equal(t, coordinator, m.SenderID)
	assert.Equal(t, "text_agent", m.RecipientID)
	assert.Equal(t, coordinator, m.ReplyTo)
	assert.Equal(t, defaultTaskMinutes, m.PayloadInt("expected_duration_minutes", 0))

	var sent tasks.Task
	require.NoError(t, m.DecodePayload("task", &sent))
	assert.Equal(t, tk.TaskID, sent.TaskID)
	assert.Equal(t, "text_agent", sent.AssignedTo)
}

func TestDispatchPendingLeavesUnmatchedPending(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "text_agent", protocol.CapTextProcessing)
	tk := h.submit(t, "label images", protocol.CapImageProcessing)

	res, err := h.d.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Assigned)
	assert.Equal(t, []string{tk.TaskID}, res.Unmatched)

	got, err := h.store.Get(context.Background(), tk.TaskID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusPending, got.Status)
	assert.Zero(t, h.bus.Len("text_agent"))
}

func TestDispatchPendingUsesContactQueue(t *testing.T) {
	h := newHarness(t)
	rec := protocol.NewAgentRecord("data_agent", "data", "d")
	rec.AddCapability(protocol.NewCapability(protocol.CapDataAnalysis, "stats", "stats"))
	rec.ContactInfo = map[string]string{protocol.ContactQueue: "agents.data"}
	_, err := h.reg.Register(context.Background(), rec)
	require.NoError(t, err)
	h.submit(t, "stats", protocol.CapDataAnalysis)

	_, err = h.d.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, h.bus.Len("agents.data"))
	assert.Zero(t, h.bus.Len("data_agent"))
}

func TestDispatchPendingSpreadsLoad(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "a", protocol.CapTextProcessing)
	h.agent(t, "b", protocol.CapTextProcessing)
	first := h.submit(t, "one", protocol.CapTextProcessing)
	second := h.submit(t, "two", protocol.CapTextProcessing)

	res, err := h.d.DispatchPending(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Assigned, 2)
	assert.ElementsMatch(t, []string{"a", "b"},
		[]string{res.Assigned[first.TaskID], res.Assigned[second.TaskID]})
}

func TestDispatchPendingConsidersWholeFleet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	best := protocol.NewAgentRecord("zz_best", "best", "reliable")
	best.AddCapability(protocol.NewCapability(protocol.CapTextProcessing, "text", "text"))
	perfect := 1.0
	best.SuccessRate = &perfect
	_, err := h.reg.Register(ctx, best)
	require.NoError(t, err)

	for i := 0; i < protocol.MaxResultsLimit+20; i++ {
		rec := protocol.NewAgentRecord(fmt.Sprintf("agent_%03d", i), "flaky", "often fails")
		rec.AddCapability(protocol.NewCapability(protocol.CapTextProcessing, "text", "text"))
		half := 0.5
		rec.SuccessRate = &half
		_, err := h.reg.Register(ctx, rec)
		require.NoError(t, err)
	}
	tk := h.submit(t, "summarize", protocol.CapTextProcessing)

	res, err := h.d.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, "zz_best", res.Assigned[tk.TaskID])
}

func TestDispatcherWithoutBus(t *testing.T) {
	kv := state.NewMemoryStore()
	defer kv.Close()
	reg := registry.New(kv)
	store := tasks.NewStore(kv)
	d := NewDispatcher(coordinator, reg, store, nil)
	ctx := context.Background()

	rec := protocol.NewAgentRecord("text_agent", "text", "d")
	rec.AddCapability(protocol.NewCapability(protocol.CapTextProcessing, "text", "text"))
	_, err := reg.Register(ctx, rec)
	require.NoError(t, err)
	tk, err := d.Submit(ctx, tasks.NewTask{
		Title: "t", Description: "d", CreatedBy: "u",
		RequiredCapabilities: []protocol.CapabilityType{protocol.CapTextProcessing},
	})
	require.NoError(t, err)

	_, err = d.DispatchPending(ctx)
	assert.True(t, errors.Is(err, errors.ErrCodeUnavailable))
	got, err := store.Get(ctx, tk.TaskID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusPending, got.Status, "nothing is assigned without a bus")

	assert.True(t, errors.Is(d.Run(ctx), errors.ErrCodeUnavailable))

	req := protocol.NewDiscoveryRequest("text_agent", coordinator,
		protocol.NewDiscoveryQuery(protocol.CapTextProcessing), 30)
	assert.True(t, errors.Is(d.HandleDiscovery(ctx, req), errors.ErrCodeUnavailable))
}

type failingQueue struct {
	bus.Queue
}

func (failingQueue) Send(context.Context, string, []byte, map[string]string) (string, error) {
	return "", stderrors.New("broker unreachable")
}

func TestDispatchPendingFailsUndeliverableTask(t *testing.T) {
	kv := state.NewMemoryStore()
	defer kv.Close()
	reg := registry.New(kv)
	store := tasks.NewStore(kv)
	d := NewDispatcher(coordinator, reg, store, failingQueue{bus.NewMemoryBus(bus.DefaultConfig())})

	rec := protocol.NewAgentRecord("text_agent", "text", "d")
	rec.AddCapability(protocol.NewCapability(protocol.CapTextProcessing, "text", "text"))
	_, err := reg.Register(context.Background(), rec)
	require.NoError(t, err)
	tk, err := d.Submit(context.Background(), tasks.NewTask{
		Title: "t", Description: "d", CreatedBy: "u",
		RequiredCapabilities: []protocol.CapabilityType{protocol.CapTextProcessing},
	})
	require.NoError(t, err)

	res, err := d.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{tk.TaskID}, res.Failed)

	got, err := store.Get(context.Background(), tk.TaskID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "broker unreachable")
}

func dispatched(t *testing.T, h *harness) (*tasks.Task, *protocol.Message) {
	t.Helper()
	h.agent(t, "text_agent", protocol.CapTextProcessing)
	tk := h.submit(t, "summarize", protocol.CapTextProcessing)
	_, err := h.d.DispatchPending(context.Background())
	require.NoError(t, err)
	msgs := h.receive(t, "text_agent")
	require.Len(t, msgs, 1)
	return tk, msgs[0]
}

func TestHandleResponseCompleted(t *testing.T) {
	h := newHarness(t)
	tk, req := dispatched(t, h)

	resp := protocol.NewTaskResponse(req, "text_agent", protocol.TaskResponse{
		TaskID: tk.TaskID,
		Status: protocol.ResponseCompleted,
		Result: map[string]any{"x": 1},
	})
	require.NoError(t, h.d.Handle(context.Background(), resp))

	got, err := h.store.Get(context.Background(), tk.TaskID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, got.Status)
	assert.Equal(t, map[string]any{"x": float64(1)}, got.Result)

	rec, err := h.reg.Get(context.Background(), "text_agent")
	require.NoError(t, err)
	require.NotNil(t, rec.SuccessRate)
	assert.Equal(t, 1.0, *rec.SuccessRate)
	assert.Equal(t, 1, rec.TotalTasksCompleted)
}

func TestHandleResponseDuplicateIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tk, req := dispatched(t, h)

	resp := protocol.NewTaskResponse(req, "text_agent", protocol.TaskResponse{
		TaskID: tk.TaskID,
		Status: protocol.ResponseCompleted,
		Result: map[string]any{"x": 1},
	})
	require.NoError(t, h.d.Handle(ctx, resp))
	require.NoError(t, h.d.Handle(ctx, resp), "a redelivered response is already applied")

	history, err := h.store.History(ctx, tk.TaskID)
	require.NoError(t, err)
	completions := 0
	for _, e := range history {
		if e.Status == tasks.StatusCompleted {
			completions++
		}
	}
	assert.Equal(t, 1, completions)

	conflicting := protocol.NewTaskResponse(req, "text_agent", protocol.TaskResponse{
		TaskID: tk.TaskID, Status: protocol.ResponseFailed, ErrorMessage: "late failure",
	})
	err = h.d.Handle(ctx, conflicting)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidTransition))
}

func TestHandleResponseRejectedFailsTask(t *testing.T) {
	h := newHarness(t)
	tk, req := dispatched(t, h)

	resp := protocol.NewTaskResponse(req, "text_agent", protocol.TaskResponse{
		TaskID:       tk.TaskID,
		Status:       protocol.ResponseRejected,
		ErrorMessage: "missing capability data_analysis",
	})
	require.NoError(t, h.d.HandleResponse(context.Background(), resp))

	got, err := h.store.Get(context.Background(), tk.TaskID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, got.Status)
	assert.Equal(t, "rejected by agent: missing capability data_analysis", got.ErrorMessage)

	rec, err := h.reg.Get(context.Background(), "text_agent")
	require.NoError(t, err)
	assert.Equal(t, 0.0, *rec.SuccessRate)
}

func TestHandleResponseFromWrongAgent(t *testing.T) {
	h := newHarness(t)
	tk, req := dispatched(t, h)

	resp := protocol.NewTaskResponse(req, "impostor", protocol.TaskResponse{
		TaskID: tk.TaskID,
		Status: protocol.ResponseCompleted,
	})
	err := h.d.HandleResponse(context.Background(), resp)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeNotAssigned))
}

func TestHandleResponseRejectsBadPayload(t *testing.T) {
	h := newHarness(t)
	tk, req := dispatched(t, h)

	missing := protocol.NewTaskResponse(req, "text_agent", protocol.TaskResponse{Status: protocol.ResponseCompleted})
	assert.True(t, errors.Is(h.d.HandleResponse(context.Background(), missing), errors.ErrCodeInvalidInput))

	unknown := protocol.NewTaskResponse(req, "text_agent", protocol.TaskResponse{TaskID: tk.TaskID, Status: "maybe"})
	assert.True(t, errors.Is(h.d.HandleResponse(context.Background(), unknown), errors.ErrCodeInvalidInput))
}

func TestHandleDiscoveryReplies(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "text_agent", protocol.CapTextProcessing)
	h.agent(t, "data_agent", protocol.CapDataAnalysis)

	req := protocol.NewDiscoveryRequest("requester", coordinator,
		protocol.NewDiscoveryQuery(protocol.CapDataAnalysis), 30)
	req.ReplyTo = "requester.inbox"
	require.NoError(t, h.d.Handle(context.Background(), req))

	msgs := h.receive(t, "requester.inbox")
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.MsgDiscoveryResponse, msgs[0].MessageType)
	assert.Equal(t, req.MessageID, msgs[0].CorrelationID)

	agents, err := protocol.DiscoveredAgents(msgs[0])
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "data_agent", agents[0].AgentID)
	assert.Equal(t, 1, msgs[0].PayloadInt("total_found", 0))
}

func TestHandleDiscoveryRejectsUnknownCapability(t *testing.T) {
	h := newHarness(t)
	req := protocol.NewDiscoveryRequest("requester", coordinator,
		protocol.NewDiscoveryQuery("teleportation"), 30)
	err := h.d.Handle(context.Background(), req)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
}

func TestHandleRegistrationLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	card := protocol.NewAgentRecord("remote_agent", "remote", "joins over the bus")
	card.AddCapability(protocol.NewCapability(protocol.CapFileProcessing, "files", "files"))
	require.NoError(t, h.d.Handle(ctx, protocol.NewRegistration("remote_agent", card)))

	rec, err := h.reg.Get(ctx, "remote_agent")
	require.NoError(t, err)
	assert.Equal(t, []protocol.CapabilityType{protocol.CapFileProcessing}, rec.CapabilityTypes)

	require.NoError(t, h.d.Handle(ctx, protocol.NewHeartbeat("remote_agent", "active", 0, nil)))

	require.NoError(t, h.d.Handle(ctx, protocol.NewDeregistration("remote_agent")))
	_, err = h.reg.Get(ctx, "remote_agent")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}

func TestHandleRegistrationRejectsForeignCard(t *testing.T) {
	h := newHarness(t)
	card := protocol.NewAgentRecord("someone_else", "x", "y")
	card.AddCapability(protocol.NewCapability(protocol.CapCustom, "c", "c"))
	err := h.d.Handle(context.Background(), protocol.NewRegistration("remote_agent", card))
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
}

func TestHandleRejectsUnsupportedAndInvalid(t *testing.T) {
	h := newHarness(t)

	req := protocol.NewTaskRequest("someone", coordinator, map[string]any{}, 1)
	assert.True(t, errors.Is(h.d.Handle(context.Background(), req), errors.ErrCodeInvalidInput))

	future := protocol.NewHeartbeat("someone", "active", 0, nil)
	future.Timestamp = time.Now().Add(time.Hour)
	assert.True(t, errors.Is(h.d.Handle(context.Background(), future), errors.ErrCodeInvalidInput))
}

func TestRunDispatchesAndAppliesResponses(t *testing.T) {
	h := newHarness(t, WithReceive(10, 20*time.Millisecond))
	h.agent(t, "text_agent", protocol.CapTextProcessing)
	tk := h.submit(t, "summarize", protocol.CapTextProcessing)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.d.Run(ctx) }()

	var req *protocol.Message
	require.Eventually(t, func() bool {
		raw, err := h.bus.Receive(context.Background(), "text_agent", 1, 0)
		if err != nil || len(raw) == 0 {
			return false
		}
		req, err = bus.DecodeMessage(raw[0])
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	resp := protocol.NewTaskResponse(req, "text_agent", protocol.TaskResponse{
		TaskID: tk.TaskID,
		Status: protocol.ResponseCompleted,
		Result: map[string]any{"summary": "short"},
	})
	_, err := bus.SendMessage(context.Background(), h.bus, req.ReplyTo, resp)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := h.store.Get(context.Background(), tk.TaskID)
		return err == nil && got.Status == tasks.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
