package bus

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Common errors.
var (
	ErrClosed       = errors.New("bus closed")
	ErrInvalidQueue = errors.New("invalid queue name")
	ErrQueueFull    = errors.New("queue full")
)

const (
	// MaxWait is the longest Receive blocks waiting for the first message.
	MaxWait = 20 * time.Second

	// MaxBatch is the most messages one Receive returns.
	MaxBatch = 10
)

// Message is a queued message with its transport attributes.
type Message struct {
	// ID is assigned by the backend on send.
	ID string

	// Queue the message was received from.
	Queue string

	// Body is the encoded payload.
	Body []byte

	// Attributes are string key/value pairs consumers can filter on
	// without decoding the body.
	Attributes map[string]string
}

// Queue is a point-to-point message queue. Each message is delivered to
// one receiver and removed once received.
type Queue interface {
	// Send enqueues body with attrs on queue and returns the message ID.
	Send(ctx context.Context, queue string, body []byte, attrs map[string]string) (string, error)

	// Receive returns up to max messages from queue, waiting up to wait
	// for the first one. An empty result is not an error.
	Receive(ctx context.Context, queue string, max int, wait time.Duration) ([]*Message, error)

	// Close releases the backend connection.
	Close() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize bounds each in-memory queue.
	// Default: 256
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}

var queueName = regexp.MustCompile(`^[A-Za-z0-9_\-.]+$`)

// ValidateQueue checks that name can be used by every backend.
func ValidateQueue(name string) error {
	if name == "" || len(name) > 80 || !queueName.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidQueue, name)
	}
	return nil
}

// clampBatch bounds max and wait to what every backend accepts.
func clampBatch(max int, wait time.Duration) (int, time.Duration) {
	if max <= 0 {
		max = 1
	}
	if max > MaxBatch {
		max = MaxBatch
	}
	if wait < 0 {
		wait = 0
	}
	if wait > MaxWait {
		wait = MaxWait
	}
	return max, wait
}

func copyAttrs(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
