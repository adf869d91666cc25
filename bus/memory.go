package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MemoryBus implements Queue using in-memory channels.
// Useful for testing and single-process scenarios.
type MemoryBus struct {
	config Config

	mu     sync.Mutex
	queues map[string]chan *Message
	closed atomic.Bool
	done   chan struct{}
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	return &MemoryBus{
		config: cfg,
		queues: make(map[string]chan *Message),
		done:   make(chan struct{}),
	}
}

func (b *MemoryBus) queue(name string) chan *Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.queues[name]
	if !ok {
		ch = make(chan *Message, b.config.BufferSize)
		b.queues[name] = ch
	}
	return ch
}

// Send enqueues a message. Returns ErrQueueFull when the buffer is full.
func (b *MemoryBus) Send(ctx context.Context, queue string, body []byte, attrs map[string]string) (string, error) {
	if err := ValidateQueue(queue); err != nil {
		return "", err
	}
	if b.closed.Load() {
		return "", ErrClosed
	}
	msg := &Message{
		ID:         uuid.NewString(),
		Queue:      queue,
		Body:       append([]byte(nil), body...),
		Attributes: copyAttrs(attrs),
	}
	select {
	case b.queue(queue) <- msg:
		return msg.ID, nil
	default:
		return "", ErrQueueFull
	}
}

// Receive waits up to wait for the first message, then drains whatever
// else is immediately available up to max.
func (b *MemoryBus) Receive(ctx context.Context, queue string, max int, wait time.Duration) ([]*Message, error) {
	if err := ValidateQueue(queue); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}
	max, wait = clampBatch(max, wait)
	ch := b.queue(queue)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []*Message
	select {
	case msg := <-ch:
		out = append(out, msg)
	default:
		if wait == 0 {
			return nil, nil
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case msg := <-ch:
			out = append(out, msg)
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.done:
			return nil, ErrClosed
		}
	}
	for len(out) < max {
		select {
		case msg := <-ch:
			out = append(out, msg)
		default:
			return out, nil
		}
	}
	return out, nil
}

// Len returns the number of messages waiting on queue.
func (b *MemoryBus) Len(queue string) int {
	return len(b.queue(queue))
}

// Close stops the bus and wakes blocked receivers.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	close(b.done)
	return nil
}
