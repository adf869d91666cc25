package config

import (
	"log/slog"

	"github.com/NeuralCoder007/aws-a2a/agent"
	"github.com/NeuralCoder007/aws-a2a/api"
	"github.com/NeuralCoder007/aws-a2a/heartbeat"
	"github.com/NeuralCoder007/aws-a2a/protocol"
	"github.com/NeuralCoder007/aws-a2a/registry"
	"github.com/NeuralCoder007/aws-a2a/search"
	"github.com/NeuralCoder007/aws-a2a/tasks"
	"github.com/NeuralCoder007/aws-a2a/telemetry"
)

// AgentOptions turns [agent] into agent options. Capabilities named in
// the file are advertised with their type as name; callers add richer
// descriptions with agent.WithCapabilities, which replaces by type.
func (c *Config) AgentOptions(catalog *protocol.Catalog, logger *slog.Logger, tracer *telemetry.Tracer) ([]agent.Option, error) {
	types, err := catalog.ParseList(c.Agent.Capabilities)
	if err != nil {
		return nil, err
	}
	caps := make([]protocol.Capability, len(types))
	for i, t := range types {
		caps[i] = protocol.NewCapability(t, string(t), "")
	}

	a := c.Agent
	opts := []agent.Option{
		agent.WithCatalog(catalog),
		agent.WithCapabilities(caps...),
		agent.WithCoordinator(c.Bus.CoordinatorQueue),
		agent.WithReceive(a.MaxMessages, a.ReceiveWait),
		agent.WithPollInterval(a.PollInterval),
		agent.WithErrorBackoff(a.ErrorBackoff),
		agent.WithHeartbeatInterval(a.HeartbeatInterval),
		agent.WithLogger(logger),
		agent.WithTracer(tracer),
	}
	if a.ID != "" {
		opts = append(opts, agent.WithID(a.ID))
	}
	if a.Queue != "" {
		opts = append(opts, agent.WithQueue(a.Queue))
	}
	if a.Location != "" {
		opts = append(opts, agent.WithLocation(a.Location))
	}
	if len(a.Tags) > 0 {
		opts = append(opts, agent.WithTags(a.Tags...))
	}
	if a.MaxConcurrentTasks > 0 {
		opts = append(opts, agent.WithMaxConcurrentTasks(a.MaxConcurrentTasks))
	}
	if a.TaskTimeout > 0 {
		opts = append(opts, agent.WithTaskTimeout(a.TaskTimeout))
	}
	return opts, nil
}

// RegistryOptions turns [registry] into registry options.
func (c *Config) RegistryOptions(catalog *protocol.Catalog, logger *slog.Logger, tracer *telemetry.Tracer) []registry.Option {
	opts := []registry.Option{
		registry.WithCatalog(catalog),
		registry.WithLogger(logger),
		registry.WithTracer(tracer),
	}
	if c.Registry.LivenessTimeout > 0 {
		opts = append(opts, registry.WithLivenessTimeout(c.Registry.LivenessTimeout))
	}
	return opts
}

// OpenSearchIndex opens the agent index [search] describes. It returns a
// nil index when search is disabled.
func (c *Config) OpenSearchIndex() (*search.AgentIndex, error) {
	if !c.Search.Enabled {
		return nil, nil
	}
	return search.Open(c.Search.IndexPath)
}

// SearchOption attaches ix to a registry with the configured refresh. A
// nil ix leaves search disabled.
func (c *Config) SearchOption(ix *search.AgentIndex) registry.Option {
	if ix == nil {
		return registry.WithIndexer(nil, 0)
	}
	return registry.WithIndexer(ix, c.Search.Refresh)
}

// APIOptions turns [api] into HTTP API options.
func (c *Config) APIOptions(logger *slog.Logger) []api.Option {
	opts := []api.Option{api.WithLogger(logger)}
	if len(c.API.AllowedOrigins) > 0 {
		opts = append(opts, api.WithAllowedOrigins(c.API.AllowedOrigins...))
	}
	return opts
}

// TaskOptions turns [tasks] into task store options.
func (c *Config) TaskOptions(catalog *protocol.Catalog, logger *slog.Logger, tracer *telemetry.Tracer) []tasks.Option {
	opts := []tasks.Option{
		tasks.WithCatalog(catalog),
		tasks.WithLogger(logger),
		tasks.WithTracer(tracer),
	}
	if c.Tasks.Prefix != "" {
		opts = append(opts, tasks.WithPrefix(c.Tasks.Prefix))
	}
	return opts
}

// MonitorConfig turns [heartbeat] and tasks.purge_days into liveness
// monitor settings. heartbeat.timeout falls back to the registry's
// liveness timeout.
func (c *Config) MonitorConfig() heartbeat.MonitorConfig {
	timeout := c.Heartbeat.Timeout
	if timeout == 0 {
		timeout = c.Registry.LivenessTimeout
	}
	return heartbeat.MonitorConfig{
		Timeout:         timeout,
		CleanupSchedule: c.Heartbeat.CleanupSchedule,
		PurgeSchedule:   c.Heartbeat.PurgeSchedule,
		PurgeDays:       c.Tasks.PurgeDays,
	}
}
