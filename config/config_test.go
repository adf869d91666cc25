package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NeuralCoder007/aws-a2a/agent"
	"github.com/NeuralCoder007/aws-a2a/errors"
	"github.com/NeuralCoder007/aws-a2a/protocol"
	"github.com/NeuralCoder007/aws-a2a/registry"
	"github.com/NeuralCoder007/aws-a2a/state"
	"github.com/NeuralCoder007/aws-a2a/tasks"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "memory", cfg.Registry.Backend)
	assert.Equal(t, "memory", cfg.Bus.Backend)
	assert.Equal(t, "none", cfg.Analyzer.Provider)
	assert.Equal(t, 30*time.Minute, cfg.Registry.LivenessTimeout)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse(`
[agent]
name = "summarizer"
tags = ["fast"]
capabilities = ["text_processing", "translation"]
poll_interval = "250ms"
task_timeout = "2m"

[registry]
backend = "sqlite"
sqlite_path = "/tmp/a2a.db"
liveness_timeout = "10m"

[tasks]
prefix = "jobs"
purge_days = 7

[bus]
backend = "nats"
nats_url = "nats://example:4222"

[capabilities]
extra = ["translation"]
`)
	require.NoError(t, err)

	assert.Equal(t, "summarizer", cfg.Agent.Name)
	assert.Equal(t, []string{"fast"}, cfg.Agent.Tags)
	assert.Equal(t, 250*time.Millisecond, cfg.Agent.PollInterval)
	assert.Equal(t, 2*time.Minute, cfg.Agent.TaskTimeout)
	assert.Equal(t, "sqlite", cfg.Registry.Backend)
	assert.Equal(t, "/tmp/a2a.db", cfg.Registry.SQLitePath)
	assert.Equal(t, 10*time.Minute, cfg.Registry.LivenessTimeout)
	assert.Equal(t, "jobs", cfg.Tasks.Prefix)
	assert.Equal(t, 7, cfg.Tasks.PurgeDays)
	assert.Equal(t, "nats://example:4222", cfg.Bus.NATSURL)

	// Untouched sections keep their defaults.
	assert.Equal(t, "coordinator", cfg.Bus.CoordinatorQueue)
	assert.Equal(t, 10, cfg.Agent.MaxMessages)

	// Tasks share the registry store when no backend is named.
	assert.Equal(t, cfg.Registry.StoreConfig, cfg.TasksStore())

	catalog, err := cfg.Catalog()
	require.NoError(t, err)
	assert.True(t, catalog.Known("translation"))
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse(`
[agent]
nmae = "typo"
`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
	assert.Contains(t, err.Error(), "agent.nmae")
}

func TestParseRejectsBadTOML(t *testing.T) {
	_, err := Parse(`[agent`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
}

func TestValidateListsEveryViolation(t *testing.T) {
	cfg := Default()
	cfg.Registry.Backend = "etcd"
	cfg.Bus.Backend = "kafka"
	cfg.Bus.CoordinatorQueue = "bad queue"
	cfg.Agent.MaxMessages = 50
	cfg.Agent.ReceiveWait = time.Minute
	cfg.Agent.Capabilities = []string{"teleportation"}
	cfg.Analyzer.Provider = "mystery"
	cfg.Tasks.Backend = "sqlite"
	cfg.Heartbeat.Timeout = -time.Second

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	v := errors.Violations(err)
	assert.Len(t, v, 9)
	joined := ""
	for _, s := range v {
		joined += s + "\n"
	}
	for _, want := range []string{
		"registry.backend",
		"bus.backend",
		"bus.coordinator_queue",
		"agent.max_messages",
		"agent.receive_wait",
		"agent.capabilities",
		"analyzer.provider",
		"tasks.sqlite_path",
		"heartbeat.timeout",
	} {
		assert.Contains(t, joined, want)
	}
}

func TestValidateTelemetryProtocolOnlyWhenEnabled(t *testing.T) {
	cfg := Default()
	cfg.Telemetry.Protocol = "carrier-pigeon"
	assert.NoError(t, cfg.Validate())

	cfg.Telemetry.Enabled = true
	assert.Error(t, cfg.Validate())
}

func TestEnvOverridesAnalyzerKey(t *testing.T) {
	t.Setenv(EnvAnalyzerAPIKey, "from-env")
	cfg, err := Parse(`
[analyzer]
provider = "anthropic"
api_key = "from-file"
`)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Analyzer.APIKey)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a2a.toml")
	require.NoError(t, os.WriteFile(path, []byte("[agent]\nname = \"loaded\"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "loaded", cfg.Agent.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
}

func TestLoadKeepsViolations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a2a.toml")
	require.NoError(t, os.WriteFile(path, []byte("[bus]\nbackend = \"kafka\"\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Len(t, errors.Violations(err), 1)
}

func TestOpenStoreBackends(t *testing.T) {
	ctx := context.Background()

	s, closeFn, err := OpenStore(ctx, StoreConfig{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &state.MemoryStore{}, s)
	require.NoError(t, closeFn())

	s, closeFn, err = OpenStore(ctx, StoreConfig{Backend: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "s.db")})
	require.NoError(t, err)
	_, err = s.Put(ctx, "k", []byte("v"))
	require.NoError(t, err)
	require.NoError(t, closeFn())

	_, _, err = OpenStore(ctx, StoreConfig{Backend: "etcd"})
	assert.Error(t, err)
}

func TestOpenQueueMemory(t *testing.T) {
	q, err := OpenQueue(context.Background(), BusConfig{Backend: "memory", BufferSize: 4}, nil)
	require.NoError(t, err)
	defer q.Close()

	_, err = q.Send(context.Background(), "coordinator", []byte("{}"), nil)
	require.NoError(t, err)

	_, err = OpenQueue(context.Background(), BusConfig{Backend: "kafka"}, nil)
	assert.Error(t, err)
}

func TestOpenOracleNone(t *testing.T) {
	o, closeFn, err := OpenOracle(context.Background(), AnalyzerConfig{Provider: "none"}, nil, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, o)
	assert.NoError(t, closeFn())
}

func TestOpenOracleNeedsKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	_, _, err := OpenOracle(context.Background(), AnalyzerConfig{Provider: "openai"}, nil, nil, nil)
	assert.Error(t, err)
}

func TestOpenOracleWrapsProvider(t *testing.T) {
	o, closeFn, err := OpenOracle(context.Background(), AnalyzerConfig{
		Provider: "openai",
		APIKey:   "sk-test",
		Model:    "gpt-4o-mini",
	}, nil, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.NoError(t, closeFn())
}

func TestInitTelemetryDisabled(t *testing.T) {
	p, err := Default().InitTelemetry(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, p.Tracer())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestWiringOptions(t *testing.T) {
	cfg, err := Parse(`
[agent]
id = "text-1"
name = "text"
capabilities = ["text_processing", "data_analysis"]
tags = ["demo"]
task_timeout = "30s"

[registry]
liveness_timeout = "5m"

[tasks]
prefix = "jobs"
purge_days = 3

[heartbeat]
cleanup_schedule = "@every 10s"
`)
	require.NoError(t, err)
	catalog, err := cfg.Catalog()
	require.NoError(t, err)

	opts, err := cfg.AgentOptions(catalog, nil, nil)
	require.NoError(t, err)
	a, err := agent.New(cfg.Agent.Name, "demo agent", nil, opts...)
	require.NoError(t, err)
	assert.Equal(t, "text-1", a.ID())
	card := a.Card()
	assert.ElementsMatch(t,
		[]protocol.CapabilityType{protocol.CapTextProcessing, protocol.CapDataAnalysis},
		card.Types())
	assert.Equal(t, []string{"demo"}, card.Tags)

	kv := state.NewMemoryStore()
	reg := registry.New(kv, cfg.RegistryOptions(catalog, nil, nil)...)
	assert.Same(t, catalog, reg.Catalog())

	store := tasks.NewStore(kv, cfg.TaskOptions(catalog, nil, nil)...)
	tk, err := store.Create(context.Background(), tasks.NewTask{
		Title:                "t",
		Description:          "d",
		RequiredCapabilities: []protocol.CapabilityType{protocol.CapTextProcessing},
		CreatedBy:            "u",
	})
	require.NoError(t, err)
	keys, err := kv.Keys(context.Background(), "jobs.*")
	require.NoError(t, err)
	assert.Contains(t, keys, "jobs.task."+tk.TaskID)

	mc := cfg.MonitorConfig()
	assert.Equal(t, 5*time.Minute, mc.Timeout)
	assert.Equal(t, "@every 10s", mc.CleanupSchedule)
	assert.Equal(t, 3, mc.PurgeDays)
}

func TestAgentOptionsRejectUnknownCapability(t *testing.T) {
	cfg := Default()
	cfg.Agent.Capabilities = []string{"teleportation"}
	_, err := cfg.AgentOptions(protocol.DefaultCatalog(), nil, nil)
	assert.Error(t, err)
}

func TestSearchAndAPIWiring(t *testing.T) {
	cfg := Default()
	ix, err := cfg.OpenSearchIndex()
	require.NoError(t, err)
	assert.Nil(t, ix)

	kv := state.NewMemoryStore()
	reg := registry.New(kv, cfg.SearchOption(ix))
	_, err = reg.Search(context.Background(), "anything", 5, false)
	assert.True(t, errors.Is(err, errors.ErrCodeUnavailable))

	cfg, err = Parse(`
[search]
enabled = true
refresh = "0s"

[api]
listen = ":8080"
allowed_origins = ["https://console.example.com"]
`)
	require.NoError(t, err)
	ix, err = cfg.OpenSearchIndex()
	require.NoError(t, err)
	require.NotNil(t, ix)
	defer ix.Close()

	reg = registry.New(kv, cfg.SearchOption(ix))
	rec := protocol.NewAgentRecord("finder", "Finder", "Locates invoices")
	rec.AddCapability(protocol.NewCapability(protocol.CapCustom, "find", "finds things"))
	_, err = reg.Register(context.Background(), rec)
	require.NoError(t, err)
	found, err := reg.Search(context.Background(), "invoices", 5, false)
	require.NoError(t, err)
	require.Len(t, found, 1)

	assert.Len(t, cfg.APIOptions(nil), 2)
	assert.Equal(t, ":8080", cfg.API.Listen)
}
