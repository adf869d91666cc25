package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSBus implements Queue on a JetStream work-queue stream. Each queue is
// a subject under SubjectPrefix with its own durable pull consumer, so a
// message is delivered to one receiver and removed when acknowledged.
// Attributes travel as message headers.
type NATSBus struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	stream  jetstream.Stream
	config  NATSConfig
	ownConn bool
	closed  atomic.Bool

	mu        sync.Mutex
	consumers map[string]jetstream.Consumer
}

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name for identification.
	Name string

	// Token for token-based auth.
	Token string

	// User and Password for basic auth.
	User     string
	Password string

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration

	// MaxReconnects is the maximum number of reconnection attempts.
	// -1 = unlimited
	MaxReconnects int

	// ConnectTimeout for initial connection.
	ConnectTimeout time.Duration

	// Stream is the JetStream stream holding every queue.
	// Default: A2A_QUEUES
	Stream string

	// SubjectPrefix is prepended to queue names.
	// Default: a2a.queue.
	SubjectPrefix string

	// MaxAge bounds how long an unreceived message is kept.
	// Default: 24h
	MaxAge time.Duration
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1, // Unlimited
		ConnectTimeout: 5 * time.Second,
		Stream:         "A2A_QUEUES",
		SubjectPrefix:  "a2a.queue.",
		MaxAge:         24 * time.Hour,
	}
}

// Connect dials NATS with the connection settings of cfg. The state
// store and the bus can share the returned connection.
func Connect(cfg NATSConfig) (*nats.Conn, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	conn, err := nats.Connect(cfg.URL, buildNATSOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return conn, nil
}

// NewNATSBus connects to NATS and prepares the queue stream.
func NewNATSBus(ctx context.Context, cfg NATSConfig) (*NATSBus, error) {
	conn, err := Connect(cfg)
	if err != nil {
		return nil, err
	}
	b, err := NewNATSBusFromConn(ctx, conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	b.ownConn = true
	return b, nil
}

// NewNATSBusFromConn creates a NATSBus from an existing connection. The
// connection stays owned by the caller.
func NewNATSBusFromConn(ctx context.Context, conn *nats.Conn, cfg NATSConfig) (*NATSBus, error) {
	defaults := DefaultNATSConfig()
	if cfg.Stream == "" {
		cfg.Stream = defaults.Stream
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = defaults.SubjectPrefix
	}
	if !strings.HasSuffix(cfg.SubjectPrefix, ".") {
		cfg.SubjectPrefix += "."
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaults.MaxAge
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.SubjectPrefix + ">"},
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    cfg.MaxAge,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}

	return &NATSBus{
		conn:      conn,
		js:        js,
		stream:    stream,
		config:    cfg,
		consumers: make(map[string]jetstream.Consumer),
	}, nil
}

// buildNATSOptions constructs NATS connection options from config.
func buildNATSOptions(cfg NATSConfig) []nats.Option {
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}

	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	return opts
}

func (b *NATSBus) subject(queue string) string {
	return b.config.SubjectPrefix + queue
}

// durableName maps a queue to a consumer name; consumer names may not
// contain dots.
func durableName(queue string) string {
	return "q_" + strings.ReplaceAll(queue, ".", "_")
}

// Send publishes body to the queue subject and waits for the stream ack.
func (b *NATSBus) Send(ctx context.Context, queue string, body []byte, attrs map[string]string) (string, error) {
	if err := ValidateQueue(queue); err != nil {
		return "", err
	}
	if b.closed.Load() || b.conn.IsClosed() {
		return "", ErrClosed
	}

	id := uuid.NewString()
	msg := nats.NewMsg(b.subject(queue))
	msg.Data = body
	for k, v := range attrs {
		msg.Header.Set(k, v)
	}
	msg.Header.Set(nats.MsgIdHdr, id)

	if _, err := b.js.PublishMsg(ctx, msg); err != nil {
		return "", fmt.Errorf("nats publish: %w", err)
	}
	return id, nil
}

func (b *NATSBus) consumer(ctx context.Context, queue string) (jetstream.Consumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.consumers[queue]; ok {
		return c, nil
	}
	c, err := b.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durableName(queue),
		FilterSubject: b.subject(queue),
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer for %s: %w", queue, err)
	}
	b.consumers[queue] = c
	return c, nil
}

// Receive fetches up to max messages and acknowledges each, which removes
// it from the work queue.
func (b *NATSBus) Receive(ctx context.Context, queue string, max int, wait time.Duration) ([]*Message, error) {
	if err := ValidateQueue(queue); err != nil {
		return nil, err
	}
	if b.closed.Load() || b.conn.IsClosed() {
		return nil, ErrClosed
	}
	max, wait = clampBatch(max, wait)

	c, err := b.consumer(ctx, queue)
	if err != nil {
		return nil, err
	}

	var batch jetstream.MessageBatch
	if wait == 0 {
		batch, err = c.FetchNoWait(max)
	} else {
		batch, err = c.Fetch(max, jetstream.FetchMaxWait(wait))
	}
	if err != nil {
		return nil, fmt.Errorf("nats fetch: %w", err)
	}

	var out []*Message
	for m := range batch.Messages() {
		msg := &Message{
			ID:         m.Headers().Get(nats.MsgIdHdr),
			Queue:      queue,
			Body:       m.Data(),
			Attributes: make(map[string]string),
		}
		for k, vs := range m.Headers() {
			if k == nats.MsgIdHdr || len(vs) == 0 {
				continue
			}
			msg.Attributes[k] = vs[0]
		}
		if err := m.Ack(); err != nil {
			return out, fmt.Errorf("nats ack: %w", err)
		}
		out = append(out, msg)
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return out, fmt.Errorf("nats fetch: %w", err)
	}
	return out, nil
}

// Close shuts down the bus, closing the connection if the bus opened it.
func (b *NATSBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	if b.ownConn {
		b.conn.Close()
	}
	return nil
}

// Conn returns the underlying NATS connection for advanced use.
func (b *NATSBus) Conn() *nats.Conn {
	return b.conn
}
