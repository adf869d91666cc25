package heartbeat

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NeuralCoder007/aws-a2a/bus"
	"github.com/NeuralCoder007/aws-a2a/logging"
	"github.com/NeuralCoder007/aws-a2a/protocol"
)

// Sender sends heartbeat messages to a coordinator queue, either on demand
// through Beat or periodically once started.
type Sender struct {
	bus      bus.Queue
	agentID  string
	queue    string
	interval time.Duration
	logger   *slog.Logger

	mu           sync.RWMutex
	status       string
	load         float64
	capabilities []protocol.CapabilityType

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSender creates a heartbeat sender. A nil logger discards output.
func NewSender(cfg SenderConfig, logger *slog.Logger) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultSenderConfig().Interval
	}

	status := cfg.InitialStatus
	if status == "" {
		status = DefaultSenderConfig().InitialStatus
	}

	return &Sender{
		bus:          cfg.Bus,
		agentID:      cfg.AgentID,
		queue:        cfg.Queue,
		interval:     interval,
		logger:       logging.Component(logger, "heartbeat").With(slog.String("agent_id", cfg.AgentID)),
		status:       status,
		capabilities: slices.Clone(cfg.Capabilities),
	}, nil
}

// Beat sends one heartbeat now.
func (s *Sender) Beat(ctx context.Context) error {
	_, err := bus.SendMessage(ctx, s.bus, s.queue, s.build())
	return err
}

func (s *Sender) build() *protocol.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return protocol.NewHeartbeat(s.agentID, s.status, s.load, s.capabilities)
}

// Start begins sending heartbeats at the configured interval. The first
// one is sent immediately.
func (s *Sender) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(ctx)
	return nil
}

func (s *Sender) run(ctx context.Context) {
	defer close(s.doneCh)

	s.send(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.running.Store(false)
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.send(ctx)
		}
	}
}

// send is Beat with failures logged. A missed heartbeat is not fatal.
func (s *Sender) send(ctx context.Context) {
	if err := s.Beat(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("heartbeat send failed", slog.String("queue", s.queue), logging.Err(err))
	}
}

// SetStatus updates the status included in heartbeats.
func (s *Sender) SetStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// SetLoad updates the load metric, clamped to [0, 1].
func (s *Sender) SetLoad(load float64) {
	s.mu.Lock()
	s.load = min(max(load, 0), 1)
	s.mu.Unlock()
}

// SetCapabilities replaces the advertised capability list.
func (s *Sender) SetCapabilities(caps []protocol.CapabilityType) {
	s.mu.Lock()
	s.capabilities = slices.Clone(caps)
	s.mu.Unlock()
}

// Stop stops periodic heartbeats and waits for the loop to exit.
func (s *Sender) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}

// AgentID returns the sender's agent ID.
func (s *Sender) AgentID() string {
	return s.agentID
}
