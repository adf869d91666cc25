package shutdown

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/NeuralCoder007/aws-a2a/errors"
	"github.com/NeuralCoder007/aws-a2a/logging"
)

// DefaultTimeout bounds a shutdown started by a signal.
const DefaultTimeout = 30 * time.Second

// Coordinator runs registered handlers phase by phase, once.
type Coordinator struct {
	timeout     time.Duration
	stopOnError bool
	logger      *slog.Logger

	mu       sync.Mutex
	handlers []registration

	once   sync.Once
	done   chan struct{}
	err    error
	report *Report
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout sets the deadline used by ShutdownWithTimeout(0) and by
// signal-triggered shutdowns.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithStopOnError skips later phases once a handler fails. By default
// every phase runs.
func WithStopOnError() Option {
	return func(c *Coordinator) { c.stopOnError = true }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator creates a coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		timeout: DefaultTimeout,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.Component(c.logger, "shutdown")
	return c
}

// Register adds a handler to phase.
func (c *Coordinator) Register(name string, phase int, h ShutdownHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, handler: h, phase: phase})
}

// RegisterFunc adds a function to phase.
func (c *Coordinator) RegisterFunc(name string, phase int, fn func(ctx context.Context) error) {
	c.Register(name, phase, ShutdownFunc(fn))
}

// Shutdown runs every handler. Only the first call runs them; later calls
// wait for it and return its error. A handler failure yields an INTERNAL
// error listing the failures, an expired ctx a TIMEOUT error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.report, c.err = c.run(ctx)
		close(c.done)
	})
	return c.err
}

// ShutdownWithTimeout runs Shutdown under a deadline. Zero uses the
// configured timeout.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals starts a shutdown on SIGINT or SIGTERM. The returned
// context is canceled when the signal arrives, so run loops started with
// it begin to exit before the handlers run.
func (c *Coordinator) HandleSignals(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigs)
		select {
		case sig := <-sigs:
			c.logger.Info("signal received", "signal", sig.String())
			cancel()
			if err := c.ShutdownWithTimeout(0); err != nil {
				c.logger.Error("shutdown incomplete", logging.Err(err))
			}
		case <-parent.Done():
			cancel()
		case <-c.done:
			cancel()
		}
	}()
	return ctx
}

// Done is closed when the shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown error once Done is closed.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Report returns the per-handler outcome once Done is closed.
func (c *Coordinator) Report() *Report {
	select {
	case <-c.done:
		return c.report
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) (*Report, error) {
	start := time.Now()
	c.mu.Lock()
	handlers := append([]registration(nil), c.handlers...)
	c.mu.Unlock()
	sort.SliceStable(handlers, func(i, j int) bool { return handlers[i].phase < handlers[j].phase })

	report := &Report{}
	phases := groupByPhase(handlers)
	var stopErr error
	for i, group := range phases {
		if ctx.Err() != nil {
			stopErr = errors.Wrap(ctx.Err(), "shutdown deadline exceeded")
		}
		if stopErr == nil && c.stopOnError && len(report.Failed()) > 0 {
			stopErr = errors.New(errors.ErrCodeInternal, "shutdown stopped after handler failure")
		}
		if stopErr != nil {
			for _, rest := range phases[i:] {
				for _, r := range rest {
					report.Skipped = append(report.Skipped, r.name)
				}
			}
			break
		}
		report.Results = append(report.Results, c.runPhase(ctx, group)...)
	}
	report.TotalDuration = time.Since(start)

	if len(report.Skipped) > 0 {
		c.logger.Warn("shutdown incomplete", "skipped", report.Skipped, "duration", report.TotalDuration)
		if e, ok := errors.As(stopErr); ok && e.Code() == errors.ErrCodeInternal {
			return report, errors.New(errors.ErrCodeInternal, "shutdown handlers failed",
				errors.WithViolations(failures(report)),
				errors.WithMetadata("skipped", fmt.Sprint(report.Skipped)))
		}
		return report, stopErr
	}
	if failed := failures(report); len(failed) > 0 {
		c.logger.Warn("shutdown finished with failures", "failed", report.Failed(), "duration", report.TotalDuration)
		return report, errors.New(errors.ErrCodeInternal, "shutdown handlers failed", errors.WithViolations(failed))
	}
	c.logger.Info("shutdown complete", "handlers", len(report.Results), "duration", report.TotalDuration)
	return report, nil
}

func failures(r *Report) []string {
	var out []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			out = append(out, hr.Name+": "+hr.Err.Error())
		}
	}
	return out
}

func (c *Coordinator) runPhase(ctx context.Context, group []registration) []HandlerResult {
	results := make([]HandlerResult, len(group))
	var wg sync.WaitGroup
	for i, r := range group {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started := time.Now()
			err := c.call(ctx, r)
			results[i] = HandlerResult{Name: r.name, Phase: r.phase, Duration: time.Since(started), Err: err}
			if err != nil {
				c.logger.Error("handler failed", "handler", r.name, "phase", r.phase, logging.Err(err))
			} else {
				c.logger.Debug("handler stopped", "handler", r.name, "phase", r.phase, "duration", results[i].Duration)
			}
		}()
	}
	wg.Wait()
	return results
}

func (c *Coordinator) call(ctx context.Context, r registration) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.RecoverPanic(rec)
		}
	}()
	return r.handler.OnShutdown(ctx)
}

// groupByPhase splits handlers, already sorted by phase, into runs of
// equal phase.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i, h := range handlers {
		if i == 0 || h.phase != handlers[i-1].phase {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], h)
	}
	return groups
}
