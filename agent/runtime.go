package agent

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/NeuralCoder007/aws-a2a/bus"
	"github.com/NeuralCoder007/aws-a2a/errors"
	"github.com/NeuralCoder007/aws-a2a/logging"
	"github.com/NeuralCoder007/aws-a2a/protocol"
	"github.com/NeuralCoder007/aws-a2a/tasks"
	"github.com/NeuralCoder007/aws-a2a/telemetry"
)

// Register records the agent's card in the registry, or announces it to
// the coordinator when no registry is configured. Failures are logged and
// reported as false; there is no automatic retry.
func (a *Agent) Register(ctx context.Context) bool {
	card := a.Card()

	var err error
	switch {
	case a.registry != nil:
		_, err = a.registry.Register(ctx, card)
	case a.heartbeats != nil:
		err = a.send(ctx, a.coordinator, protocol.NewRegistration(a.id, card))
	default:
		err = errors.New(errors.ErrCodeUnavailable, "no registry or coordinator configured")
	}
	if err != nil {
		a.logger.Error("registration failed", logging.Err(err))
		return false
	}

	a.mu.Lock()
	a.registered = true
	a.mu.Unlock()
	a.logger.Info("agent registered",
		slog.String("name", a.name),
		slog.String("queue", a.queue),
		slog.Any("capabilities", card.Types()))
	return true
}

// Deregister removes the agent from the registry. It succeeds without
// doing anything when the agent is not registered. A failure is logged and
// leaves the agent registered.
func (a *Agent) Deregister(ctx context.Context) bool {
	if !a.IsRegistered() {
		return true
	}

	var err error
	if a.registry != nil {
		err = a.registry.Deregister(ctx, a.id)
	} else {
		err = a.send(ctx, a.coordinator, protocol.NewDeregistration(a.id))
	}
	if err != nil {
		a.logger.Warn("deregistration failed", logging.Err(err))
		return false
	}

	a.mu.Lock()
	a.registered = false
	a.mu.Unlock()
	a.logger.Info("agent deregistered")
	return true
}

// beat refreshes liveness. Failures are logged only.
func (a *Agent) beat(ctx context.Context) {
	var err error
	switch {
	case a.registry != nil:
		err = a.registry.Heartbeat(ctx, a.id)
	case a.heartbeats != nil:
		err = a.heartbeats.Beat(ctx)
	default:
		return
	}
	if err != nil && ctx.Err() == nil {
		a.logger.Warn("heartbeat failed", logging.Err(err))
	}
}

// SendMessage delivers msg to its recipient's queue, or to the coordinator
// when it has no recipient. It reports false, after logging, when there is
// no bus or destination or the send fails.
func (a *Agent) SendMessage(ctx context.Context, msg *protocol.Message) bool {
	queue := a.destination(ctx, msg)
	if queue == "" {
		a.logger.Warn("no destination for message",
			slog.String("message_id", msg.MessageID),
			slog.String("message_type", string(msg.MessageType)))
		return false
	}
	if err := a.send(ctx, queue, msg); err != nil {
		a.logger.Warn("send failed",
			slog.String("message_id", msg.MessageID),
			slog.String("queue", queue),
			logging.Err(err))
		return false
	}
	return true
}

// destination resolves the queue for msg: the recipient's registered
// queue, the recipient ID itself, or the coordinator.
func (a *Agent) destination(ctx context.Context, msg *protocol.Message) string {
	if msg.RecipientID == "" {
		return a.coordinator
	}
	if a.registry != nil {
		if rec, err := a.registry.Get(ctx, msg.RecipientID); err == nil {
			return rec.Queue()
		}
	}
	return msg.RecipientID
}

func (a *Agent) send(ctx context.Context, queue string, msg *protocol.Message) (err error) {
	if a.bus == nil {
		return errors.New(errors.ErrCodeUnavailable, "no message bus configured", errors.WithAgentID(a.id))
	}
	ctx, span := a.tracer.StartSendSpan(ctx, queue, string(msg.MessageType))
	defer func() { telemetry.End(span, err) }()

	_, err = bus.SendMessage(ctx, a.bus, queue, msg)
	return err
}

// ReceiveMessages long-polls the agent's queue for up to max messages.
// Messages that do not decode or fail envelope validation are dropped
// with a warning.
func (a *Agent) ReceiveMessages(ctx context.Context, max int) ([]*protocol.Message, error) {
	if a.bus == nil {
		return nil, nil
	}
	raw, err := a.bus.Receive(ctx, a.queue, max, a.receiveWait)
	if err != nil {
		return nil, err
	}

	now := a.now()
	out := make([]*protocol.Message, 0, len(raw))
	for _, r := range raw {
		msg, err := bus.DecodeMessage(r)
		if err == nil {
			err = msg.Validate(now)
		}
		if err != nil {
			a.logger.Warn("dropping invalid message", slog.String("message_id", r.ID), logging.Err(err))
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// ProcessMessage runs the handler for msg's type and records how long it
// took. It reports false when there is no handler or the handler fails
// or panics.
func (a *Agent) ProcessMessage(ctx context.Context, msg *protocol.Message) bool {
	a.mu.RLock()
	h, ok := a.messageHandlers[msg.MessageType]
	a.mu.RUnlock()
	if !ok {
		a.logger.Warn("no handler for message type",
			slog.String("message_id", msg.MessageID),
			slog.String("message_type", string(msg.MessageType)))
		return false
	}

	ctx, span := a.tracer.StartProcessSpan(bus.MessageContext(ctx, msg), string(msg.MessageType), msg.SenderID)
	start := a.now()
	err := handleSafely(ctx, h, msg)
	a.recordResponseTime(a.now().Sub(start))
	telemetry.End(span, err)

	if err != nil {
		a.logger.Warn("message handling failed",
			slog.String("message_id", msg.MessageID),
			slog.String("message_type", string(msg.MessageType)),
			slog.String("sender_id", msg.SenderID),
			logging.Err(err))
		return false
	}
	return true
}

func handleSafely(ctx context.Context, h MessageHandler, msg *protocol.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r)
		}
	}()
	return h.HandleMessage(ctx, msg)
}

// Result is the outcome of ExecuteTask.
type Result struct {
	TaskID  string         `json:"task_id"`
	Success bool           `json:"success"`
	Output  map[string]any `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
	Elapsed time.Duration  `json:"execution_time"`

	// Err is the typed failure, nil on success.
	Err error `json:"-"`
}

type outcome struct {
	output map[string]any
	err    error
}

// ExecuteTask runs task with the handler of the first of its required
// capabilities that has one. A positive timeout bounds the run; on expiry
// the result carries a TIMEOUT error. Handler errors and panics become
// failed results. Every run updates the completed or failed counter; a
// task with no handler is failed without being counted.
//
// Handlers run one at a time. A handler that outlives its timeout keeps
// the agent's execution slot until it returns, so the next task waits for
// it, within its own timeout. Handlers should honour ctx.
func (a *Agent) ExecuteTask(ctx context.Context, task *tasks.Task, timeout time.Duration) (res Result) {
	res.TaskID = task.TaskID
	ctx, span := a.tracer.StartTaskSpan(ctx, "execute", task.TaskID)
	counted := true
	defer func() {
		telemetry.End(span, res.Err, attribute.Bool("task.success", res.Success))
		if counted {
			a.recordOutcome(res)
		}
	}()

	h, capType := a.taskHandler(task)
	if h == nil {
		counted = false
		res.Err = errors.New(errors.ErrCodeCapabilityMissing, "no handler found for required capabilities",
			errors.WithTaskID(task.TaskID), errors.WithAgentID(a.id))
		res.Error = res.Err.Error()
		return res
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := a.now()
	var o outcome
	select {
	case a.slot <- struct{}{}:
		done := make(chan outcome, 1)
		go func() {
			defer func() { <-a.slot }()
			defer func() {
				if r := recover(); r != nil {
					done <- outcome{err: errors.RecoverPanic(r)}
				}
			}()
			out, err := h.HandleTask(ctx, task)
			done <- outcome{output: out, err: err}
		}()

		select {
		case o = <-done:
		case <-ctx.Done():
			o.err = a.interrupted(ctx, task, timeout)
		}
	case <-ctx.Done():
		o.err = a.interrupted(ctx, task, timeout)
	}
	res.Elapsed = a.now().Sub(start)
	a.recordResponseTime(res.Elapsed)

	if o.err != nil {
		res.Err = o.err
		res.Error = o.err.Error()
		a.logger.Warn("task failed",
			slog.String("task_id", task.TaskID),
			slog.String("capability", string(capType)),
			slog.Duration("elapsed", res.Elapsed),
			logging.Err(o.err))
		return res
	}
	res.Success = true
	res.Output = o.output
	a.logger.Info("task completed",
		slog.String("task_id", task.TaskID),
		slog.String("capability", string(capType)),
		slog.Duration("elapsed", res.Elapsed))
	return res
}

func (a *Agent) interrupted(ctx context.Context, task *tasks.Task, timeout time.Duration) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errors.Timeout("task execution exceeded "+timeout.String(),
			errors.WithTaskID(task.TaskID), errors.WithAgentID(a.id))
	}
	return errors.Wrap(ctx.Err(), "task execution interrupted", errors.WithTaskID(task.TaskID))
}

// taskHandler walks the task's required capabilities in order and returns
// the first one with a handler.
func (a *Agent) taskHandler(task *tasks.Task) (TaskHandler, protocol.CapabilityType) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, c := range task.RequiredCapabilities {
		if h, ok := a.taskHandlers[c]; ok {
			return h, c
		}
	}
	return nil, ""
}

func (a *Agent) recordOutcome(res Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if res.Success {
		a.completed++
	} else {
		a.failed++
	}
}

// Start registers the agent and runs the main loop until Stop is called
// or ctx is done. Each iteration receives a batch, processes it in order,
// refreshes liveness and pauses for the poll interval. A failed or
// panicking iteration is logged and followed by the error backoff.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return errors.Conflict("agent already running", errors.WithAgentID(a.id))
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.running, a.cancel, a.done = true, cancel, done
	a.mu.Unlock()

	defer func() {
		cancel()
		a.mu.Lock()
		a.running, a.cancel = false, nil
		a.mu.Unlock()
		close(done)
	}()

	a.logger.Info("agent starting", slog.String("name", a.name), slog.String("queue", a.queue))
	a.Register(ctx)

	for {
		if ctx.Err() != nil {
			a.logger.Info("agent loop stopped")
			return nil
		}
		pause := a.pollInterval
		if err := a.iterate(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("agent loop iteration failed", logging.Err(err))
			pause = a.errorBackoff
		}
		sleep(ctx, pause)
	}
}

func (a *Agent) iterate(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r)
		}
	}()

	msgs, err := a.ReceiveMessages(ctx, a.receiveMax)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		a.ProcessMessage(ctx, msg)
	}
	if a.IsRegistered() {
		if now := a.now(); a.beatEvery <= 0 || now.Sub(a.lastBeat) >= a.beatEvery {
			a.lastBeat = now
			a.beat(ctx)
		}
	}
	return nil
}

// Stop ends the main loop, waiting for the current iteration until ctx
// is done, then deregisters.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.RLock()
	cancel, done := a.cancel, a.done
	a.mu.RUnlock()

	var err error
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	a.Deregister(ctx)
	return err
}

// OnShutdown stops the agent as part of a coordinated shutdown.
func (a *Agent) OnShutdown(ctx context.Context) error {
	return a.Stop(ctx)
}

// sleep waits for d or ctx, whichever ends first.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
