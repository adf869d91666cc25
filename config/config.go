package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/NeuralCoder007/aws-a2a/bus"
	"github.com/NeuralCoder007/aws-a2a/errors"
	"github.com/NeuralCoder007/aws-a2a/logging"
	"github.com/NeuralCoder007/aws-a2a/protocol"
)

// EnvAnalyzerAPIKey overrides analyzer.api_key when set.
const EnvAnalyzerAPIKey = "A2A_ANALYZER_API_KEY"

// Config is the whole configuration file.
type Config struct {
	Agent        AgentConfig        `toml:"agent"`
	Registry     RegistryConfig     `toml:"registry"`
	Tasks        TasksConfig        `toml:"tasks"`
	Bus          BusConfig          `toml:"bus"`
	Analyzer     AnalyzerConfig     `toml:"analyzer"`
	Heartbeat    HeartbeatConfig    `toml:"heartbeat"`
	Logging      logging.Config     `toml:"logging"`
	Telemetry    TelemetryConfig    `toml:"telemetry"`
	Capabilities CapabilitiesConfig `toml:"capabilities"`
	Search       SearchConfig       `toml:"search"`
	API          APIConfig          `toml:"api"`
}

// AgentConfig describes the local agent.
type AgentConfig struct {
	ID                 string        `toml:"id"`
	Name               string        `toml:"name"`
	Description        string        `toml:"description"`
	Location           string        `toml:"location"`
	Tags               []string      `toml:"tags"`
	Queue              string        `toml:"queue"`
	Capabilities       []string      `toml:"capabilities"`
	MaxConcurrentTasks int           `toml:"max_concurrent_tasks"`
	PollInterval       time.Duration `toml:"poll_interval"`
	ErrorBackoff       time.Duration `toml:"error_backoff"`
	ReceiveWait        time.Duration `toml:"receive_wait"`
	MaxMessages        int           `toml:"max_messages"`
	TaskTimeout        time.Duration `toml:"task_timeout"`
	HeartbeatInterval  time.Duration `toml:"heartbeat_interval"`
}

// StoreConfig selects a state backend.
type StoreConfig struct {
	// Backend is memory, nats, sqlite or redis.
	Backend string `toml:"backend"`

	// Bucket is the NATS KV bucket or the Redis key namespace.
	Bucket string `toml:"bucket"`

	SQLitePath string `toml:"sqlite_path"`

	// RedisAddr is a redis:// URL.
	RedisAddr string `toml:"redis_addr"`

	NATSURL string `toml:"nats_url"`
}

// RegistryConfig configures the agent registry.
type RegistryConfig struct {
	StoreConfig
	LivenessTimeout time.Duration `toml:"liveness_timeout"`
}

// TasksConfig configures the task store. An empty backend shares the
// registry's store.
type TasksConfig struct {
	StoreConfig
	Prefix    string `toml:"prefix"`
	PurgeDays int    `toml:"purge_days"`
}

// BusConfig selects the message bus.
type BusConfig struct {
	// Backend is memory, nats, sqs or redis.
	Backend          string `toml:"backend"`
	NATSURL          string `toml:"nats_url"`
	Region           string `toml:"region"`
	RedisAddr        string `toml:"redis_addr"`
	CoordinatorQueue string `toml:"coordinator_queue"`
	BufferSize       int    `toml:"buffer_size"`
}

// AnalyzerConfig selects the capability oracle.
type AnalyzerConfig struct {
	// Provider is none, bedrock, anthropic, openai or google.
	Provider        string        `toml:"provider"`
	Model           string        `toml:"model"`
	APIKey          string        `toml:"api_key"`
	BaseURL         string        `toml:"base_url"`
	Region          string        `toml:"region"`
	MaxTokens       int           `toml:"max_tokens"`
	RatePerMinute   float64       `toml:"rate_per_minute"`
	Burst           int           `toml:"burst"`
	BreakerFailures uint32        `toml:"breaker_failures"`
	BreakerTimeout  time.Duration `toml:"breaker_timeout"`
}

// HeartbeatConfig configures the liveness monitor.
type HeartbeatConfig struct {
	CleanupSchedule string        `toml:"cleanup_schedule"`
	PurgeSchedule   string        `toml:"purge_schedule"`
	Timeout         time.Duration `toml:"timeout"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	Enabled     bool   `toml:"enabled"`
	Protocol    string `toml:"protocol"`
	Endpoint    string `toml:"endpoint"`
	ServiceName string `toml:"service_name"`
	Insecure    bool   `toml:"insecure"`
}

// CapabilitiesConfig extends the capability vocabulary.
type CapabilitiesConfig struct {
	Extra []string `toml:"extra"`
}

// SearchConfig configures the free-text agent index.
type SearchConfig struct {
	Enabled bool `toml:"enabled"`

	// IndexPath is the on-disk index directory. Empty keeps it in memory.
	IndexPath string `toml:"index_path"`

	// Refresh is how often the index is rebuilt from the registry store.
	Refresh time.Duration `toml:"refresh"`
}

// APIConfig configures the HTTP API. An empty listen address disables it.
type APIConfig struct {
	Listen         string   `toml:"listen"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// Default returns a configuration that runs entirely in memory.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			MaxConcurrentTasks: 1,
			PollInterval:       time.Second,
			ErrorBackoff:       5 * time.Second,
			ReceiveWait:        bus.MaxWait,
			MaxMessages:        bus.MaxBatch,
			HeartbeatInterval:  30 * time.Second,
		},
		Registry: RegistryConfig{
			StoreConfig:     StoreConfig{Backend: "memory"},
			LivenessTimeout: 30 * time.Minute,
		},
		Tasks: TasksConfig{PurgeDays: 30},
		Bus: BusConfig{
			Backend:          "memory",
			CoordinatorQueue: "coordinator",
		},
		Analyzer: AnalyzerConfig{
			Provider:        "none",
			MaxTokens:       1024,
			RatePerMinute:   60,
			Burst:           5,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Heartbeat: HeartbeatConfig{
			CleanupSchedule: "@every 1m",
			PurgeSchedule:   "@daily",
		},
		Logging: logging.Config{Level: "info", Format: "text", Output: "stderr"},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "a2a",
		},
		Search: SearchConfig{Refresh: time.Minute},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.ErrCodeInvalidInput, "read config "+path, errors.WithCause(err))
	}
	cfg, err := Parse(string(data))
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Parse decodes TOML text over the defaults, applies environment
// overrides and validates the result.
func Parse(data string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(data, cfg)
	if err != nil {
		return nil, errors.New(errors.ErrCodeInvalidInput, "decode toml", errors.WithCause(err))
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, errors.Newf(errors.ErrCodeInvalidInput, "unknown keys: %s", strings.Join(keys, ", "))
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if key := os.Getenv(EnvAnalyzerAPIKey); key != "" {
		c.Analyzer.APIKey = key
	}
}

var (
	storeBackends    = []string{"memory", "nats", "sqlite", "redis"}
	busBackends      = []string{"memory", "nats", "sqs", "redis"}
	oracleProviders  = []string{"none", "bedrock", "anthropic", "openai", "google"}
	telemetryFormats = []string{"grpc", "http", "stdout"}
)

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var v []string
	add := func(format string, args ...any) {
		v = append(v, fmt.Sprintf(format, args...))
	}

	v = append(v, c.Registry.StoreConfig.violations("registry")...)
	if c.Registry.LivenessTimeout < 0 {
		add("registry.liveness_timeout must not be negative")
	}
	if c.Tasks.Backend != "" {
		v = append(v, c.Tasks.StoreConfig.violations("tasks")...)
	}
	if c.Tasks.PurgeDays < 0 {
		add("tasks.purge_days must not be negative")
	}

	if !oneOf(c.Bus.Backend, busBackends) {
		add("bus.backend %q must be one of %s", c.Bus.Backend, strings.Join(busBackends, ", "))
	}
	if err := bus.ValidateQueue(c.Bus.CoordinatorQueue); err != nil {
		add("bus.coordinator_queue: %v", err)
	}
	if c.Agent.Queue != "" {
		if err := bus.ValidateQueue(c.Agent.Queue); err != nil {
			add("agent.queue: %v", err)
		}
	}

	if c.Agent.MaxMessages < 1 || c.Agent.MaxMessages > bus.MaxBatch {
		add("agent.max_messages must be between 1 and %d", bus.MaxBatch)
	}
	if c.Agent.ReceiveWait < 0 || c.Agent.ReceiveWait > bus.MaxWait {
		add("agent.receive_wait must be between 0 and %s", bus.MaxWait)
	}
	if c.Agent.MaxConcurrentTasks < 1 {
		add("agent.max_concurrent_tasks must be at least 1")
	}
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"agent.poll_interval", c.Agent.PollInterval},
		{"agent.error_backoff", c.Agent.ErrorBackoff},
		{"agent.task_timeout", c.Agent.TaskTimeout},
		{"agent.heartbeat_interval", c.Agent.HeartbeatInterval},
		{"heartbeat.timeout", c.Heartbeat.Timeout},
		{"analyzer.breaker_timeout", c.Analyzer.BreakerTimeout},
		{"search.refresh", c.Search.Refresh},
	} {
		if d.val < 0 {
			add("%s must not be negative", d.name)
		}
	}

	catalog, err := protocol.NewCatalog(c.Capabilities.Extra...)
	if err != nil {
		add("capabilities.extra: %v", err)
		catalog = protocol.DefaultCatalog()
	}
	if _, err := catalog.ParseList(c.Agent.Capabilities); err != nil {
		add("agent.capabilities: %v", err)
	}

	if !oneOf(c.Analyzer.Provider, oracleProviders) {
		add("analyzer.provider %q must be one of %s", c.Analyzer.Provider, strings.Join(oracleProviders, ", "))
	}
	if c.Analyzer.MaxTokens < 0 {
		add("analyzer.max_tokens must not be negative")
	}
	if c.Analyzer.RatePerMinute < 0 {
		add("analyzer.rate_per_minute must not be negative")
	}

	if c.Telemetry.Enabled && !oneOf(c.Telemetry.Protocol, telemetryFormats) {
		add("telemetry.protocol %q must be one of %s", c.Telemetry.Protocol, strings.Join(telemetryFormats, ", "))
	}

	if len(v) == 0 {
		return nil
	}
	return errors.Validation("invalid configuration", v)
}

func (s StoreConfig) violations(section string) []string {
	var v []string
	if !oneOf(s.Backend, storeBackends) {
		v = append(v, fmt.Sprintf("%s.backend %q must be one of %s", section, s.Backend, strings.Join(storeBackends, ", ")))
	}
	if s.Backend == "sqlite" && s.SQLitePath == "" {
		v = append(v, fmt.Sprintf("%s.sqlite_path is required for the sqlite backend", section))
	}
	return v
}

// Catalog builds the capability catalog from [capabilities].
func (c *Config) Catalog() (*protocol.Catalog, error) {
	return protocol.NewCatalog(c.Capabilities.Extra...)
}

// TasksStore returns the effective task store settings.
func (c *Config) TasksStore() StoreConfig {
	if c.Tasks.Backend == "" {
		return c.Registry.StoreConfig
	}
	return c.Tasks.StoreConfig
}
