package scheduler

import (
	"context"
	stderrors "errors"
	"log/slog"
	"maps"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/NeuralCoder007/aws-a2a/analyzer"
	"github.com/NeuralCoder007/aws-a2a/bus"
	"github.com/NeuralCoder007/aws-a2a/errors"
	"github.com/NeuralCoder007/aws-a2a/logging"
	"github.com/NeuralCoder007/aws-a2a/protocol"
	"github.com/NeuralCoder007/aws-a2a/registry"
	"github.com/NeuralCoder007/aws-a2a/tasks"
	"github.com/NeuralCoder007/aws-a2a/telemetry"
)

const (
	// ParamEstimatedMinutes is the task parameter carrying the expected
	// duration sent with a task request.
	ParamEstimatedMinutes = "estimated_duration_minutes"

	defaultTaskMinutes  = 5
	defaultReceiveMax   = bus.MaxBatch
	defaultReceiveWait  = 5 * time.Second
	defaultErrorBackoff = 5 * time.Second
)

// Dispatcher is the coordinator: it accepts tasks, matches pending ones to
// registered agents, sends task requests and applies the responses. It
// also serves discovery, registration and heartbeat messages for agents
// that reach the registry through the bus.
type Dispatcher struct {
	id       string
	queue    string
	registry *registry.Registry
	tasks    *tasks.Store
	bus      bus.Queue
	oracle   analyzer.Oracle

	now          func() time.Time
	logger       *slog.Logger
	tracer       *telemetry.Tracer
	receiveMax   int
	receiveWait  time.Duration
	errorBackoff time.Duration
	taskMinutes  int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithOracle enables capability extraction on Submit.
func WithOracle(o analyzer.Oracle) Option {
	return func(d *Dispatcher) {
		d.oracle = o
	}
}

// WithQueue sets the queue the dispatcher reads. Default: its ID.
func WithQueue(name string) Option {
	return func(d *Dispatcher) {
		if name != "" {
			d.queue = name
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(d *Dispatcher) {
		d.tracer = t
	}
}

// WithReceive sets the batch size and long-poll wait of the Run loop.
func WithReceive(batch int, wait time.Duration) Option {
	return func(d *Dispatcher) {
		if batch > 0 {
			d.receiveMax = batch
		}
		if wait >= 0 {
			d.receiveWait = wait
		}
	}
}

// WithErrorBackoff sets how long Run sleeps after a failed receive.
func WithErrorBackoff(b time.Duration) Option {
	return func(d *Dispatcher) {
		if b > 0 {
			d.errorBackoff = b
		}
	}
}

// NewDispatcher creates a coordinator named id.
func NewDispatcher(id string, reg *registry.Registry, store *tasks.Store, q bus.Queue, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		id:           id,
		queue:        id,
		registry:     reg,
		tasks:        store,
		bus:          q,
		now:          time.Now,
		receiveMax:   defaultReceiveMax,
		receiveWait:  defaultReceiveWait,
		errorBackoff: defaultErrorBackoff,
		taskMinutes:  defaultTaskMinutes,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.Component(d.logger, "dispatcher").With(slog.String("coordinator_id", id))
	return d
}

// ID returns the coordinator's sender ID.
func (d *Dispatcher) ID() string { return d.id }

// Queue returns the queue the dispatcher reads.
func (d *Dispatcher) Queue() string { return d.queue }

// Submit creates a task. When an oracle is configured it is consulted
// first: capabilities it infers are appended after the caller's, and its
// priority applies only when the caller left priority unset. An oracle
// failure is logged and the caller's fields are used unchanged.
func (d *Dispatcher) Submit(ctx context.Context, n tasks.NewTask) (*tasks.Task, error) {
	if d.oracle != nil && (n.Title != "" || n.Description != "") {
		n = d.enrich(ctx, n)
	}
	return d.tasks.Create(ctx, n)
}

func (d *Dispatcher) enrich(ctx context.Context, n tasks.NewTask) tasks.NewTask {
	a, err := d.oracle.Analyze(ctx, n.Title+"\n\n"+n.Description)
	if err != nil {
		d.logger.Warn("capability analysis failed, using caller capabilities",
			slog.String("title", n.Title), logging.Err(err))
		return n
	}

	caps := slices.Clone(n.RequiredCapabilities)
	for _, c := range a.RequiredCapabilities {
		if !slices.Contains(caps, c) {
			caps = append(caps, c)
		}
	}
	n.RequiredCapabilities = caps

	if n.Priority == "" && a.Priority != "" {
		n.Priority = a.Priority
	}
	if a.EstimatedDurationMinutes > 0 {
		if _, set := n.Parameters[ParamEstimatedMinutes]; !set {
			n.Parameters = maps.Clone(n.Parameters)
			if n.Parameters == nil {
				n.Parameters = map[string]any{}
			}
			n.Parameters[ParamEstimatedMinutes] = a.EstimatedDurationMinutes
		}
	}
	d.logger.Debug("task analyzed",
		slog.String("title", n.Title),
		slog.Any("capabilities", n.RequiredCapabilities),
		slog.String("priority", string(n.Priority)))
	return n
}

// DispatchResult summarizes one DispatchPending pass.
type DispatchResult struct {
	// Assigned maps task ID to the agent it was sent to.
	Assigned map[string]string

	// Unmatched lists tasks no active agent can serve. They stay pending.
	Unmatched []string

	// Failed lists tasks that could not be assigned or delivered.
	Failed []string
}

// DispatchPending walks pending tasks in priority order. For each it
// considers every active agent holding the required capabilities, selects
// one, assigns the task and sends a task request to the agent's queue. A task
// whose request cannot be delivered is failed, since the agent will never
// report on it.
func (d *Dispatcher) DispatchPending(ctx context.Context) (*DispatchResult, error) {
	if d.bus == nil {
		return nil, errNoBus
	}
	pending, err := d.tasks.ByStatus(ctx, tasks.StatusPending)
	if err != nil {
		return nil, err
	}
	res := &DispatchResult{Assigned: make(map[string]string)}
	if len(pending) == 0 {
		return res, nil
	}
	counts, err := d.tasks.InProgressCounts(ctx)
	if err != nil {
		return nil, err
	}
	live, err := d.registry.ListAll(ctx, true)
	if err != nil {
		return nil, err
	}

	for _, t := range Prioritize(pending, d.now()) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		agentID, err := d.dispatchOne(ctx, t, live.Agents, counts)
		switch {
		case err != nil:
			d.logger.Warn("dispatch failed", slog.String("task_id", t.TaskID), logging.Err(err))
			res.Failed = append(res.Failed, t.TaskID)
		case agentID == "":
			res.Unmatched = append(res.Unmatched, t.TaskID)
		default:
			res.Assigned[t.TaskID] = agentID
			counts[agentID]++
		}
	}

	if len(res.Assigned) > 0 || len(res.Failed) > 0 {
		d.logger.Info("dispatch pass",
			slog.Int("assigned", len(res.Assigned)),
			slog.Int("unmatched", len(res.Unmatched)),
			slog.Int("failed", len(res.Failed)))
	}
	return res, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, t *tasks.Task, live []*protocol.AgentRecord, counts map[string]int) (agentID string, err error) {
	ctx, span := d.tracer.StartTaskSpan(ctx, "dispatch", t.TaskID)
	defer func() { telemetry.End(span, err, attribute.String("agent.id", agentID)) }()

	var capable []*protocol.AgentRecord
	for _, rec := range live {
		if protocol.ContainsAll(rec.CapabilityTypes, t.RequiredCapabilities) {
			capable = append(capable, rec)
		}
	}

	agentID, ok := SelectAgent(t, CandidatesFromRecords(capable, counts))
	if !ok {
		return "", nil
	}
	var rec *protocol.AgentRecord
	for _, a := range capable {
		if a.AgentID == agentID {
			rec = a
			break
		}
	}

	if err := d.tasks.Assign(ctx, t.TaskID, agentID); err != nil {
		return "", err
	}
	assigned, err := d.tasks.Get(ctx, t.TaskID)
	if err != nil {
		return "", err
	}

	msg := protocol.NewTaskRequest(d.id, agentID, assigned, d.expectedMinutes(assigned))
	msg.ReplyTo = d.queue
	if err := d.send(ctx, rec.Queue(), msg); err != nil {
		reason := "task request could not be delivered: " + err.Error()
		if ferr := d.tasks.Fail(ctx, t.TaskID, reason, agentID); ferr != nil {
			d.logger.Error("failed to fail undeliverable task",
				slog.String("task_id", t.TaskID), logging.Err(ferr))
		}
		return "", errors.New(errors.ErrCodeUnavailable, "send task request",
			errors.WithCause(err), errors.WithTaskID(t.TaskID), errors.WithAgentID(agentID))
	}

	d.logger.Info("task dispatched",
		slog.String("task_id", t.TaskID),
		slog.String("agent_id", agentID),
		slog.String("queue", rec.Queue()))
	return agentID, nil
}

func (d *Dispatcher) expectedMinutes(t *tasks.Task) int {
	switch v := t.Parameters[ParamEstimatedMinutes].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return d.taskMinutes
}

// Handle routes one inbound message. Messages with invalid envelopes and
// types the coordinator does not serve are rejected with INVALID_INPUT.
func (d *Dispatcher) Handle(ctx context.Context, msg *protocol.Message) (err error) {
	ctx, span := d.tracer.StartProcessSpan(bus.MessageContext(ctx, msg), string(msg.MessageType), msg.SenderID)
	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r)
		}
		telemetry.End(span, err)
	}()

	if err := msg.Validate(d.now()); err != nil {
		return err
	}

	switch msg.MessageType {
	case protocol.MsgTaskResponse:
		return d.HandleResponse(ctx, msg)
	case protocol.MsgDiscoveryRequest:
		return d.HandleDiscovery(ctx, msg)
	case protocol.MsgRegistration:
		return d.handleRegistration(ctx, msg)
	case protocol.MsgDeregistration:
		return d.registry.Deregister(ctx, msg.SenderID)
	case protocol.MsgHeartbeat:
		return d.registry.Heartbeat(ctx, msg.SenderID)
	default:
		return errors.InvalidInput("unsupported message type: " + string(msg.MessageType))
	}
}

// HandleResponse applies a task response to the store. A rejected task is
// failed with the rejection reason; the state graph has no way back to
// pending. The responding agent's success rate is refreshed afterwards.
func (d *Dispatcher) HandleResponse(ctx context.Context, msg *protocol.Message) error {
	resp := protocol.TaskResponseFromMessage(msg)
	if resp.TaskID == "" {
		return errors.InvalidInput("task response without task_id")
	}

	var err error
	switch resp.Status {
	case protocol.ResponseCompleted:
		err = d.tasks.Complete(ctx, resp.TaskID, resp.Result, msg.SenderID)
	case protocol.ResponseFailed:
		reason := resp.ErrorMessage
		if reason == "" {
			reason = "task failed"
		}
		err = d.tasks.Fail(ctx, resp.TaskID, reason, msg.SenderID)
	case protocol.ResponseRejected:
		err = d.tasks.Fail(ctx, resp.TaskID, "rejected by agent: "+resp.ErrorMessage, msg.SenderID)
	default:
		return errors.InvalidInput("unknown task response status: "+resp.Status,
			errors.WithTaskID(resp.TaskID))
	}
	if err != nil {
		if errors.Is(err, errors.ErrCodeInvalidTransition) && d.alreadyApplied(ctx, resp, msg.SenderID) {
			d.logger.Debug("duplicate task response ignored",
				slog.String("task_id", resp.TaskID),
				slog.String("agent_id", msg.SenderID),
				slog.String("status", resp.Status))
			return nil
		}
		return err
	}

	d.logger.Info("task response applied",
		slog.String("task_id", resp.TaskID),
		slog.String("agent_id", msg.SenderID),
		slog.String("status", resp.Status))
	d.recordOutcome(ctx, msg.SenderID)
	return nil
}

// alreadyApplied reports whether the task already carries the outcome resp
// reports, from the same agent.
func (d *Dispatcher) alreadyApplied(ctx context.Context, resp protocol.TaskResponse, agentID string) bool {
	t, err := d.tasks.Get(ctx, resp.TaskID)
	if err != nil || t.AssignedTo != agentID {
		return false
	}
	if resp.Status == protocol.ResponseCompleted {
		return t.Status == tasks.StatusCompleted
	}
	return t.Status == tasks.StatusFailed
}

// recordOutcome stores the agent's completed count and success rate.
func (d *Dispatcher) recordOutcome(ctx context.Context, agentID string) {
	history, err := d.tasks.ByAgent(ctx, agentID)
	if err != nil {
		d.logger.Warn("load agent history", slog.String("agent_id", agentID), logging.Err(err))
		return
	}
	var completed, failed int
	for _, t := range history {
		switch t.Status {
		case tasks.StatusCompleted:
			completed++
		case tasks.StatusFailed:
			failed++
		}
	}
	if completed+failed == 0 {
		return
	}
	rate := float64(completed) / float64(completed+failed)
	err = d.registry.Update(ctx, agentID, registry.Patch{
		SuccessRate:         &rate,
		TotalTasksCompleted: &completed,
	})
	if err != nil && !errors.Is(err, errors.ErrCodeNotFound) {
		d.logger.Warn("update agent stats", slog.String("agent_id", agentID), logging.Err(err))
	}
}

// HandleDiscovery answers a discovery request from the registry.
func (d *Dispatcher) HandleDiscovery(ctx context.Context, msg *protocol.Message) error {
	q, err := protocol.DiscoveryQueryFromMessage(d.registry.Catalog(), msg)
	if err != nil {
		return err
	}
	found, err := d.registry.Discover(ctx, q)
	if err != nil {
		return err
	}
	reply := protocol.NewDiscoveryResponse(msg, d.id, found.Agents, found.TotalFound)
	return d.send(ctx, d.replyQueue(ctx, msg), reply)
}

func (d *Dispatcher) handleRegistration(ctx context.Context, msg *protocol.Message) error {
	var card protocol.AgentRecord
	if err := msg.DecodePayload("agent_card", &card); err != nil {
		return err
	}
	if card.AgentID == "" {
		card.AgentID = msg.SenderID
	}
	if card.AgentID != msg.SenderID {
		return errors.InvalidInput("agent card does not match sender",
			errors.WithAgentID(msg.SenderID))
	}
	_, err := d.registry.Register(ctx, &card)
	return err
}

var errNoBus = errors.New(errors.ErrCodeUnavailable, "no message bus configured")

func (d *Dispatcher) send(ctx context.Context, queue string, msg *protocol.Message) error {
	if d.bus == nil {
		return errNoBus
	}
	_, err := bus.SendMessage(ctx, d.bus, queue, msg)
	return err
}

// replyQueue is ReplyTo when set, else the sender's registered queue,
// else the sender ID.
func (d *Dispatcher) replyQueue(ctx context.Context, msg *protocol.Message) string {
	if msg.ReplyTo != "" {
		return msg.ReplyTo
	}
	if rec, err := d.registry.Get(ctx, msg.SenderID); err == nil && rec != nil {
		return rec.Queue()
	}
	return msg.SenderID
}

// Run consumes the coordinator queue until ctx is done or the bus closes.
// Each pass handles a received batch, then dispatches pending tasks.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.bus == nil {
		return errNoBus
	}
	d.logger.Info("dispatcher started", slog.String("queue", d.queue))
	defer d.logger.Info("dispatcher stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := d.bus.Receive(ctx, d.queue, d.receiveMax, d.receiveWait)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if stderrors.Is(err, bus.ErrClosed) {
				return err
			}
			d.logger.Error("receive failed", logging.Err(err))
			if !sleep(ctx, d.errorBackoff) {
				return nil
			}
			continue
		}

		for _, raw := range msgs {
			msg, err := bus.DecodeMessage(raw)
			if err != nil {
				d.logger.Warn("dropping undecodable message", slog.String("message_id", raw.ID), logging.Err(err))
				continue
			}
			if err := d.Handle(ctx, msg); err != nil {
				d.logger.Warn("message handling failed",
					slog.String("message_id", msg.MessageID),
					slog.String("message_type", string(msg.MessageType)),
					slog.String("sender_id", msg.SenderID),
					logging.Err(err))
			}
		}

		if _, err := d.DispatchPending(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("dispatch pass failed", logging.Err(err))
			if !sleep(ctx, d.errorBackoff) {
				return nil
			}
		}
	}
}

// sleep waits for d or ctx. It reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
