package agent

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/NeuralCoder007/aws-a2a/bus"
	"github.com/NeuralCoder007/aws-a2a/errors"
	"github.com/NeuralCoder007/aws-a2a/heartbeat"
	"github.com/NeuralCoder007/aws-a2a/logging"
	"github.com/NeuralCoder007/aws-a2a/protocol"
	"github.com/NeuralCoder007/aws-a2a/registry"
	"github.com/NeuralCoder007/aws-a2a/tasks"
	"github.com/NeuralCoder007/aws-a2a/telemetry"
)

const (
	// ResponseTimeWindow is how many recent response times are kept.
	ResponseTimeWindow = 100

	// DefaultPollInterval is the pause between loop iterations.
	DefaultPollInterval = time.Second

	// DefaultErrorBackoff is the pause after a failed loop iteration.
	DefaultErrorBackoff = 5 * time.Second

	// AnsweredTaskWindow is how many answered task assignments are
	// remembered for redelivered requests.
	AnsweredTaskWindow = 256
)

// MessageHandler handles one message type.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *protocol.Message) error
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(ctx context.Context, msg *protocol.Message) error

// HandleMessage implements MessageHandler.
func (f MessageHandlerFunc) HandleMessage(ctx context.Context, msg *protocol.Message) error {
	return f(ctx, msg)
}

// TaskHandler executes tasks for one capability type. Handlers should
// return promptly once ctx is done.
type TaskHandler interface {
	HandleTask(ctx context.Context, task *tasks.Task) (map[string]any, error)
}

// TaskHandlerFunc adapts a function to TaskHandler.
type TaskHandlerFunc func(ctx context.Context, task *tasks.Task) (map[string]any, error)

// HandleTask implements TaskHandler.
func (f TaskHandlerFunc) HandleTask(ctx context.Context, task *tasks.Task) (map[string]any, error) {
	return f(ctx, task)
}

// Agent is a worker process: it advertises capabilities, consumes its
// queue and executes the tasks it is sent, one at a time.
type Agent struct {
	id           string
	name         string
	description  string
	version      string
	location     string
	tags         []string
	capabilities []protocol.Capability
	maxTasks     int

	queue       string
	coordinator string
	bus         bus.Queue
	registry    *registry.Registry
	heartbeats  *heartbeat.Sender
	catalog     *protocol.Catalog

	now          func() time.Time
	logger       *slog.Logger
	tracer       *telemetry.Tracer
	receiveMax   int
	receiveWait  time.Duration
	pollInterval time.Duration
	errorBackoff time.Duration
	taskTimeout  time.Duration
	beatEvery    time.Duration
	lastBeat     time.Time

	mu              sync.RWMutex
	messageHandlers map[protocol.MessageType]MessageHandler
	taskHandlers    map[protocol.CapabilityType]TaskHandler
	registered      bool
	running         bool
	cancel          context.CancelFunc
	done            chan struct{}

	// slot holds one token while a task handler runs, including one
	// abandoned after a timeout.
	slot     chan struct{}
	answered *lru.Cache[string, protocol.TaskResponse]

	completed     int
	failed        int
	responseTimes []time.Duration
	nextTime      int
}

// Option configures an Agent.
type Option func(*Agent)

// WithID sets the agent ID. Default: "<name>_<ulid>".
func WithID(id string) Option {
	return func(a *Agent) {
		a.id = id
	}
}

// WithVersion sets the advertised agent version.
func WithVersion(v string) Option {
	return func(a *Agent) {
		a.version = v
	}
}

// WithLocation sets the advertised location.
func WithLocation(loc string) Option {
	return func(a *Agent) {
		a.location = loc
	}
}

// WithTags sets the advertised tags.
func WithTags(tags ...string) Option {
	return func(a *Agent) {
		a.tags = slices.Clone(tags)
	}
}

// WithCapabilities adds capabilities. A later capability replaces an
// earlier one of the same type.
func WithCapabilities(caps ...protocol.Capability) Option {
	return func(a *Agent) {
		for _, c := range caps {
			if i := slices.IndexFunc(a.capabilities, func(e protocol.Capability) bool { return e.Type == c.Type }); i >= 0 {
				a.capabilities[i] = c
				continue
			}
			a.capabilities = append(a.capabilities, c)
		}
	}
}

// WithMaxConcurrentTasks sets the advertised concurrency limit.
func WithMaxConcurrentTasks(n int) Option {
	return func(a *Agent) {
		a.maxTasks = n
	}
}

// WithRegistry registers the agent directly in reg. Without it the agent
// registers and heartbeats through the coordinator queue.
func WithRegistry(reg *registry.Registry) Option {
	return func(a *Agent) {
		a.registry = reg
	}
}

// WithCoordinator sets the coordinator queue used for registration,
// heartbeats and messages without a recipient.
func WithCoordinator(queue string) Option {
	return func(a *Agent) {
		a.coordinator = queue
	}
}

// WithQueue sets the queue the agent reads. Default: its ID.
func WithQueue(name string) Option {
	return func(a *Agent) {
		a.queue = name
	}
}

// WithCatalog sets the accepted capability types. Default: the registry's
// catalog, or the built-in catalog without a registry.
func WithCatalog(c *protocol.Catalog) Option {
	return func(a *Agent) {
		a.catalog = c
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		a.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		a.logger = l
	}
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(a *Agent) {
		a.tracer = t
	}
}

// WithReceive sets the batch size and long-poll wait for each receive.
func WithReceive(batch int, wait time.Duration) Option {
	return func(a *Agent) {
		if batch > 0 {
			a.receiveMax = batch
		}
		if wait >= 0 {
			a.receiveWait = wait
		}
	}
}

// WithPollInterval sets the pause between loop iterations.
func WithPollInterval(d time.Duration) Option {
	return func(a *Agent) {
		if d >= 0 {
			a.pollInterval = d
		}
	}
}

// WithErrorBackoff sets the pause after a failed loop iteration.
func WithErrorBackoff(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.errorBackoff = d
		}
	}
}

// WithTaskTimeout bounds every task execution. Without it a task request's
// expected duration is used as the bound, when present.
func WithTaskTimeout(d time.Duration) Option {
	return func(a *Agent) {
		a.taskTimeout = d
	}
}

// WithHeartbeatInterval sets the minimum spacing between liveness
// refreshes from the main loop. Zero refreshes on every iteration.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(a *Agent) {
		if d >= 0 {
			a.beatEvery = d
		}
	}
}

// New creates an agent. q may be nil, in which case the agent can execute
// tasks and register directly but cannot send or receive messages.
func New(name, description string, q bus.Queue, opts ...Option) (*Agent, error) {
	a := &Agent{
		name:            name,
		description:     description,
		version:         protocol.DefaultVersion,
		maxTasks:        protocol.DefaultMaxConcurrentTasks,
		bus:             q,
		now:             time.Now,
		receiveMax:      bus.MaxBatch,
		receiveWait:     bus.MaxWait,
		pollInterval:    DefaultPollInterval,
		errorBackoff:    DefaultErrorBackoff,
		messageHandlers: make(map[protocol.MessageType]MessageHandler),
		taskHandlers:    make(map[protocol.CapabilityType]TaskHandler),
		slot:            make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	answered, err := lru.New[string, protocol.TaskResponse](AnsweredTaskWindow)
	if err != nil {
		return nil, errors.Wrap(err, "create answered task cache")
	}
	a.answered = answered

	if a.id == "" {
		a.id = registry.GenerateAgentID(name)
	}
	if a.queue == "" {
		a.queue = a.id
	}
	if a.catalog == nil {
		if a.registry != nil {
			a.catalog = a.registry.Catalog()
		} else {
			a.catalog = protocol.DefaultCatalog()
		}
	}
	a.logger = logging.Component(a.logger, "agent").With(slog.String("agent_id", a.id))

	if q != nil {
		if err := bus.ValidateQueue(a.queue); err != nil {
			return nil, errors.InvalidInput("invalid agent queue", errors.WithCause(err), errors.WithAgentID(a.id))
		}
	}
	if q != nil && a.coordinator != "" {
		hb, err := heartbeat.NewSender(heartbeat.SenderConfig{
			Bus:          q,
			AgentID:      a.id,
			Queue:        a.coordinator,
			Capabilities: a.capabilityTypes(),
		}, a.logger)
		if err != nil {
			return nil, errors.InvalidInput("invalid coordinator queue", errors.WithCause(err), errors.WithAgentID(a.id))
		}
		a.heartbeats = hb
	}

	a.installDefaultHandlers()
	return a, nil
}

// ID returns the agent ID.
func (a *Agent) ID() string { return a.id }

// Queue returns the queue the agent reads.
func (a *Agent) Queue() string { return a.queue }

// RegisterMessageHandler installs h for message type t, replacing any
// previous handler. Unknown message types are rejected.
func (a *Agent) RegisterMessageHandler(t protocol.MessageType, h MessageHandler) error {
	if !t.Valid() {
		return errors.InvalidInput("unknown message type: "+string(t), errors.WithAgentID(a.id))
	}
	if h == nil {
		return errors.InvalidInput("nil message handler", errors.WithAgentID(a.id))
	}
	a.mu.Lock()
	a.messageHandlers[t] = h
	a.mu.Unlock()
	return nil
}

// RegisterTaskHandler installs h for capability type c, replacing any
// previous handler. Types outside the catalog are rejected.
func (a *Agent) RegisterTaskHandler(c protocol.CapabilityType, h TaskHandler) error {
	if !a.catalog.Known(c) {
		return errors.InvalidInput("unknown capability type: "+string(c), errors.WithAgentID(a.id))
	}
	if h == nil {
		return errors.InvalidInput("nil task handler", errors.WithAgentID(a.id))
	}
	a.mu.Lock()
	a.taskHandlers[c] = h
	a.mu.Unlock()
	return nil
}

func (a *Agent) capabilityTypes() []protocol.CapabilityType {
	out := make([]protocol.CapabilityType, len(a.capabilities))
	for i, c := range a.capabilities {
		out[i] = c.Type
	}
	return out
}

// IsRegistered reports whether the last Register succeeded and no
// Deregister has happened since.
func (a *Agent) IsRegistered() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.registered
}

// IsRunning reports whether the main loop is active.
func (a *Agent) IsRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

// Card returns the agent's registry record as of now. The success rate
// is completed over finished tasks, 1.0 before any task finishes; the
// response time is the mean of the recent window, unset when empty.
func (a *Agent) Card() *protocol.AgentRecord {
	rec := protocol.NewAgentRecord(a.id, a.name, a.description)
	rec.Version = a.version
	rec.Location = a.location
	rec.Tags = slices.Clone(a.tags)
	rec.Capabilities = slices.Clone(a.capabilities)
	rec.MaxConcurrentTasks = a.maxTasks
	rec.ContactInfo = map[string]string{protocol.ContactQueue: a.queue}

	s := a.Stats()
	rate := s.SuccessRate
	rec.SuccessRate = &rate
	rec.TotalTasksCompleted = s.TasksCompleted
	if s.ResponseSamples > 0 {
		ms := int(s.AverageResponseTime.Milliseconds())
		rec.ResponseTimeMs = &ms
	}
	rec.ApplyDefaults()
	rec.RebuildIndex()
	return rec
}

// Stats is a snapshot of the agent's counters.
type Stats struct {
	AgentID             string        `json:"agent_id"`
	Registered          bool          `json:"registered"`
	Running             bool          `json:"running"`
	TasksCompleted      int           `json:"tasks_completed"`
	TasksFailed         int           `json:"tasks_failed"`
	SuccessRate         float64       `json:"success_rate"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	ResponseSamples     int           `json:"response_samples"`
}

// Stats returns the agent's counters.
func (a *Agent) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s := Stats{
		AgentID:         a.id,
		Registered:      a.registered,
		Running:         a.running,
		TasksCompleted:  a.completed,
		TasksFailed:     a.failed,
		SuccessRate:     1.0,
		ResponseSamples: len(a.responseTimes),
	}
	if total := a.completed + a.failed; total > 0 {
		s.SuccessRate = float64(a.completed) / float64(total)
	}
	if n := len(a.responseTimes); n > 0 {
		var sum time.Duration
		for _, d := range a.responseTimes {
			sum += d
		}
		s.AverageResponseTime = sum / time.Duration(n)
	}
	return s
}

// recordResponseTime appends d to the ring of recent response times.
func (a *Agent) recordResponseTime(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.responseTimes) < ResponseTimeWindow {
		a.responseTimes = append(a.responseTimes, d)
		return
	}
	a.responseTimes[a.nextTime] = d
	a.nextTime = (a.nextTime + 1) % ResponseTimeWindow
}
