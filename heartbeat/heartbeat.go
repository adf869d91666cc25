package heartbeat

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/NeuralCoder007/aws-a2a/bus"
	"github.com/NeuralCoder007/aws-a2a/protocol"
	"github.com/NeuralCoder007/aws-a2a/registry"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("heartbeat already started")
	ErrNotStarted     = errors.New("heartbeat not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// Agent statuses carried in heartbeat payloads.
const (
	StatusIdle     = "idle"
	StatusBusy     = "busy"
	StatusDraining = "draining"
)

// SenderConfig configures a heartbeat sender.
type SenderConfig struct {
	// Bus carries heartbeat messages.
	Bus bus.Queue

	// AgentID is the sender ID stamped on every heartbeat.
	AgentID string

	// Queue is the coordinator queue heartbeats are sent to.
	Queue string

	// Interval between heartbeats.
	// Default: 30 seconds
	Interval time.Duration

	// InitialStatus is the starting status.
	// Default: "idle"
	InitialStatus string

	// Capabilities are reported as available_capabilities.
	Capabilities []protocol.CapabilityType
}

// Validate checks the configuration.
func (c *SenderConfig) Validate() error {
	if c.Bus == nil {
		return fmt.Errorf("%w: bus is required", ErrInvalidConfig)
	}
	if c.AgentID == "" {
		return fmt.Errorf("%w: agent id is required", ErrInvalidConfig)
	}
	if err := bus.ValidateQueue(c.Queue); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// DefaultSenderConfig returns configuration with sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Interval:      30 * time.Second,
		InitialStatus: StatusIdle,
	}
}

// MonitorConfig configures the liveness monitor.
type MonitorConfig struct {
	// Timeout is how long an agent may go unseen before it is removed.
	// Default: registry.DefaultLivenessTimeout
	Timeout time.Duration

	// CleanupSchedule is a cron expression or Go duration for the
	// inactive-agent sweep.
	// Default: "@every 1m"
	CleanupSchedule string

	// PurgeSchedule is a cron expression or Go duration for the task purge.
	// Default: "@daily"
	PurgeSchedule string

	// PurgeDays is the age in days past which terminal tasks are purged.
	// Zero disables the purge job.
	PurgeDays int

	// JobTimeout bounds a single run of either job.
	// Default: 5 minutes
	JobTimeout time.Duration
}

// Validate checks the configuration.
func (c *MonitorConfig) Validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidConfig)
	}
	if c.PurgeDays < 0 {
		return fmt.Errorf("%w: purge days must not be negative", ErrInvalidConfig)
	}
	if c.CleanupSchedule != "" {
		if _, err := parseSchedule(c.CleanupSchedule); err != nil {
			return fmt.Errorf("%w: cleanup schedule: %v", ErrInvalidConfig, err)
		}
	}
	if c.PurgeSchedule != "" {
		if _, err := parseSchedule(c.PurgeSchedule); err != nil {
			return fmt.Errorf("%w: purge schedule: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// DefaultMonitorConfig returns configuration with sensible defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Timeout:         registry.DefaultLivenessTimeout,
		CleanupSchedule: "@every 1m",
		PurgeSchedule:   "@daily",
		PurgeDays:       30,
		JobTimeout:      5 * time.Minute,
	}
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	d := DefaultMonitorConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.CleanupSchedule == "" {
		c.CleanupSchedule = d.CleanupSchedule
	}
	if c.PurgeSchedule == "" {
		c.PurgeSchedule = d.PurgeSchedule
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = d.JobTimeout
	}
	return c
}

// parseSchedule accepts a standard cron expression, a descriptor such as
// "@hourly", or a positive Go duration.
func parseSchedule(spec string) (cron.Schedule, error) {
	if spec == "" {
		return nil, errors.New("empty schedule")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if s, err := parser.Parse(spec); err == nil {
		return s, nil
	}
	d, err := time.ParseDuration(spec)
	if err != nil {
		return nil, fmt.Errorf("not a cron expression or duration: %q", spec)
	}
	if d <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", spec)
	}
	return cron.Every(d), nil
}
