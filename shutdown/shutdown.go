package shutdown

import (
	"context"
	"time"
)

// Phases in the order a process stops. Handlers in the same phase run
// concurrently; a phase starts only after the previous one finished.
const (
	// PhaseIntake stops agents and dispatchers from taking new messages.
	// Agents deregister here.
	PhaseIntake = 10

	// PhaseWorkers stops background jobs such as the liveness monitor and
	// heartbeat senders.
	PhaseWorkers = 20

	// PhaseTransport closes bus connections.
	PhaseTransport = 30

	// PhaseStorage closes state stores.
	PhaseStorage = 40

	// PhaseTelemetry flushes traces and closes log files.
	PhaseTelemetry = 50
)

// ShutdownHandler is implemented by components that stop as part of a
// coordinated shutdown. The context expires when the shutdown timeout is
// reached.
type ShutdownHandler interface {
	OnShutdown(ctx context.Context) error
}

// ShutdownFunc adapts a function to ShutdownHandler.
type ShutdownFunc func(ctx context.Context) error

// OnShutdown implements ShutdownHandler.
func (f ShutdownFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// Closer adapts a Close method to ShutdownHandler.
func Closer(close func() error) ShutdownHandler {
	return ShutdownFunc(func(context.Context) error { return close() })
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Report is the outcome of a whole shutdown.
type Report struct {
	TotalDuration time.Duration
	Results       []HandlerResult

	// Skipped names handlers that never ran because the deadline passed
	// or an earlier phase failed under WithStopOnError.
	Skipped []string
}

// Failed returns the names of handlers that returned an error.
func (r *Report) Failed() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

type registration struct {
	name    string
	handler ShutdownHandler
	phase   int
}
