package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/NeuralCoder007/aws-a2a/logging"
	"github.com/NeuralCoder007/aws-a2a/registry"
)

// AgentSweeper removes agents that stopped sending heartbeats.
type AgentSweeper interface {
	CleanupInactive(ctx context.Context, timeout time.Duration) (*registry.CleanupResult, error)
}

// TaskPurger removes old terminal tasks.
type TaskPurger interface {
	PurgeOlderThan(ctx context.Context, days int) (int, error)
}

// SweepResult is the outcome of one RunOnce.
type SweepResult struct {
	Cleanup *registry.CleanupResult
	Purged  int
}

// Monitor runs the liveness sweep and the task purge on cron schedules.
// A failing run is logged and the schedule continues.
type Monitor struct {
	agents AgentSweeper
	tasks  TaskPurger
	cfg    MonitorConfig
	logger *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewMonitor creates a monitor. tasks may be nil, in which case only the
// agent sweep is scheduled.
func NewMonitor(agents AgentSweeper, tasks TaskPurger, cfg MonitorConfig, logger *slog.Logger) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Monitor{
		agents: agents,
		tasks:  tasks,
		cfg:    cfg.withDefaults(),
		logger: logging.Component(logger, "liveness"),
		cron:   cron.New(),
	}

	cleanup, _ := parseSchedule(m.cfg.CleanupSchedule)
	m.cron.Schedule(cleanup, m.job("cleanup_inactive", m.cleanup))

	if tasks != nil && m.cfg.PurgeDays > 0 {
		purge, _ := parseSchedule(m.cfg.PurgeSchedule)
		m.cron.Schedule(purge, m.job("purge_tasks", m.purge))
	}
	return m, nil
}

func (m *Monitor) job(name string, fn func(context.Context) error) cron.Job {
	return cron.FuncJob(func() {
		m.mu.Lock()
		ctx := m.ctx
		m.mu.Unlock()
		if ctx == nil {
			return
		}

		ctx, cancel := context.WithTimeout(ctx, m.cfg.JobTimeout)
		defer cancel()

		start := time.Now()
		if err := fn(ctx); err != nil {
			m.logger.Warn("scheduled job failed",
				slog.String("job", name),
				slog.Duration("duration", time.Since(start)),
				logging.Err(err))
			return
		}
		m.logger.Debug("scheduled job completed",
			slog.String("job", name),
			slog.Duration("duration", time.Since(start)))
	})
}

func (m *Monitor) cleanup(ctx context.Context) error {
	_, err := m.agents.CleanupInactive(ctx, m.cfg.Timeout)
	return err
}

func (m *Monitor) purge(ctx context.Context) error {
	_, err := m.tasks.PurgeOlderThan(ctx, m.cfg.PurgeDays)
	return err
}

// Start begins running the schedules. Jobs run with contexts derived from
// ctx.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrAlreadyStarted
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.cron.Start()
	m.started = true
	m.logger.Info("liveness monitor started",
		slog.String("cleanup_schedule", m.cfg.CleanupSchedule),
		slog.Duration("timeout", m.cfg.Timeout),
		slog.Int("purge_days", m.cfg.PurgeDays))
	return nil
}

// Stop halts the schedules and waits for a running job to finish or for
// ctx to expire, whichever comes first.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return ErrNotStarted
	}
	m.cancel()
	m.ctx = nil
	m.started = false
	done := m.cron.Stop()
	m.mu.Unlock()

	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce runs the agent sweep and, when configured, the task purge
// immediately. A sweep failure does not skip the purge; the first error
// is returned with whatever results were gathered.
func (m *Monitor) RunOnce(ctx context.Context) (*SweepResult, error) {
	res := &SweepResult{}
	var firstErr error

	cleanup, err := m.agents.CleanupInactive(ctx, m.cfg.Timeout)
	if err != nil {
		firstErr = err
		m.logger.Warn("agent sweep failed", logging.Err(err))
	}
	res.Cleanup = cleanup

	if m.tasks != nil && m.cfg.PurgeDays > 0 {
		n, err := m.tasks.PurgeOlderThan(ctx, m.cfg.PurgeDays)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			m.logger.Warn("task purge failed", logging.Err(err))
		}
		res.Purged = n
	}
	return res, firstErr
}
