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
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis Streams bus.
type RedisConfig struct {
	// Client is the Redis client to use.
	Client *redis.Client

	// StreamPrefix is prepended to queue names.
	// Default: a2a:queue:
	StreamPrefix string

	// Group is the consumer group every receiver joins.
	// Default: a2a
	Group string

	// Consumer names this receiver within the group.
	// Default: a random name
	Consumer string
}

// RedisBus implements Queue on Redis Streams. Each queue is a stream read
// through one consumer group, so a message goes to one receiver. Received
// entries are acknowledged and deleted at once.
type RedisBus struct {
	rdb    *redis.Client
	config RedisConfig
	closed atomic.Bool

	mu     sync.Mutex
	groups map[string]bool
}

// NewRedisBus creates a bus over cfg.Client.
func NewRedisBus(cfg RedisConfig) (*RedisBus, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "a2a:queue:"
	}
	if cfg.Group == "" {
		cfg.Group = "a2a"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "c-" + uuid.NewString()
	}
	return &RedisBus{
		rdb:    cfg.Client,
		config: cfg,
		groups: make(map[string]bool),
	}, nil
}

func (b *RedisBus) stream(queue string) string {
	return b.config.StreamPrefix + queue
}

// Send appends body and attrs to the queue stream. The entry ID is the
// message ID.
func (b *RedisBus) Send(ctx context.Context, queue string, body []byte, attrs map[string]string) (string, error) {
	if err := ValidateQueue(queue); err != nil {
		return "", err
	}
	if b.closed.Load() {
		return "", ErrClosed
	}
	values := make(map[string]any, len(attrs)+1)
	for k, v := range attrs {
		values["attr:"+k] = v
	}
	values["body"] = string(body)

	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream(queue),
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("redis xadd: %w", err)
	}
	return id, nil
}

func (b *RedisBus) ensureGroup(ctx context.Context, queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.groups[queue] {
		return nil
	}
	err := b.rdb.XGroupCreateMkStream(ctx, b.stream(queue), b.config.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis xgroup create: %w", err)
	}
	b.groups[queue] = true
	return nil
}

// Receive reads new entries for the group, blocking up to wait.
func (b *RedisBus) Receive(ctx context.Context, queue string, max int, wait time.Duration) ([]*Message, error) {
	if err := ValidateQueue(queue); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}
	max, wait = clampBatch(max, wait)
	if err := b.ensureGroup(ctx, queue); err != nil {
		return nil, err
	}

	// Block of zero means forever in Redis; a negative value omits BLOCK.
	block := wait
	if block == 0 {
		block = -1
	}
	streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.config.Group,
		Consumer: b.config.Consumer,
		Streams:  []string{b.stream(queue), ">"},
		Count:    int64(max),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis xreadgroup: %w", err)
	}

	var out []*Message
	var ids []string
	for _, s := range streams {
		for _, entry := range s.Messages {
			msg := &Message{
				ID:         entry.ID,
				Queue:      queue,
				Attributes: make(map[string]string),
			}
			for k, v := range entry.Values {
				str, _ := v.(string)
				switch {
				case k == "body":
					msg.Body = []byte(str)
				case strings.HasPrefix(k, "attr:"):
					msg.Attributes[strings.TrimPrefix(k, "attr:")] = str
				}
			}
			out = append(out, msg)
			ids = append(ids, entry.ID)
		}
	}
	if len(ids) > 0 {
		_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.XAck(ctx, b.stream(queue), b.config.Group, ids...)
			pipe.XDel(ctx, b.stream(queue), ids...)
			return nil
		})
		if err != nil {
			return out, fmt.Errorf("redis xack: %w", err)
		}
	}
	return out, nil
}

// Close marks the bus closed. The client is owned by the caller.
func (b *RedisBus) Close() error {
	b.closed.Store(true)
	return nil
}
