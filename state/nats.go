package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSStore implements StateStore using NATS JetStream KV.
// JetStream stream sequences are unique per bucket, so KV revisions satisfy
// the StateStore revision contract directly.
type NATSStore struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	kv     jetstream.KeyValue
	config NATSStoreConfig
	closed atomic.Bool
}

// NATSStoreConfig holds NATS KV store configuration.
type NATSStoreConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	Bucket string

	// Replicas is the number of bucket replicas.
	// Default: 1
	Replicas int

	// MaxValueSize is the maximum value size in bytes.
	// Default: 1MB
	MaxValueSize int32
}

// DefaultNATSStoreConfig returns configuration with sensible defaults.
func DefaultNATSStoreConfig() NATSStoreConfig {
	return NATSStoreConfig{
		Bucket:       "a2a-state",
		Replicas:     1,
		MaxValueSize: 1024 * 1024,
	}
}

// NewNATSStore creates a new NATS JetStream KV store, creating the bucket if needed.
func NewNATSStore(ctx context.Context, cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	defaults := DefaultNATSStoreConfig()
	if cfg.Bucket == "" {
		cfg.Bucket = defaults.Bucket
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = defaults.Replicas
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = defaults.MaxValueSize
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       cfg.Bucket,
		History:      1,
		Replicas:     cfg.Replicas,
		MaxValueSize: cfg.MaxValueSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	return &NATSStore{
		conn:   cfg.Conn,
		js:     js,
		kv:     kv,
		config: cfg,
	}, nil
}

func (s *NATSStore) check(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Get retrieves the entry for key.
func (s *NATSStore) Get(ctx context.Context, key string) (*KeyValue, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}

	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv get: %w", err)
	}

	return &KeyValue{
		Key:      entry.Key(),
		Value:    entry.Value(),
		Revision: entry.Revision(),
		// JetStream stamps each revision; creation time of the first
		// revision is not retained with History 1.
		Created:  entry.Created(),
		Modified: entry.Created(),
	}, nil
}

// Put stores value unconditionally.
func (s *NATSStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := s.check(key); err != nil {
		return 0, err
	}

	rev, err := s.kv.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("kv put: %w", err)
	}
	return rev, nil
}

// Create stores value only if key is absent.
func (s *NATSStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := s.check(key); err != nil {
		return 0, err
	}

	rev, err := s.kv.Create(ctx, key, value)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return 0, ErrExists
		}
		return 0, fmt.Errorf("kv create: %w", err)
	}
	return rev, nil
}

// Update stores value only if the current revision equals lastRevision.
func (s *NATSStore) Update(ctx context.Context, key string, value []byte, lastRevision uint64) (uint64, error) {
	if err := s.check(key); err != nil {
		return 0, err
	}

	rev, err := s.kv.Update(ctx, key, value, lastRevision)
	if err == nil {
		return rev, nil
	}
	if !isWrongSequence(err) {
		return 0, fmt.Errorf("kv update: %w", err)
	}
	// Distinguish a vanished key from a concurrent write.
	if _, getErr := s.kv.Get(ctx, key); errors.Is(getErr, jetstream.ErrKeyNotFound) {
		return 0, ErrNotFound
	}
	return 0, ErrRevisionMismatch
}

func isWrongSequence(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// Delete removes a key.
func (s *NATSStore) Delete(ctx context.Context, key string) error {
	if err := s.check(key); err != nil {
		return err
	}

	err := s.kv.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// Keys returns all keys matching a pattern.
func (s *NATSStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	lister, err := s.kv.ListKeysFiltered(ctx, natsSubject(pattern))
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("kv list keys: %w", err)
	}
	defer lister.Stop()

	var keys []string
	for key := range lister.Keys() {
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// natsSubject converts a store pattern to a NATS subject filter.
// The prefix form is widened to ">" and narrowed again by MatchPattern,
// since a prefix need not end on a token boundary.
func natsSubject(pattern string) string {
	if pattern == "*" || pattern == "" {
		return ">"
	}
	if !strings.HasSuffix(pattern, "*") {
		return pattern
	}
	prefix := strings.TrimSuffix(pattern, "*")
	if i := strings.LastIndex(prefix, "."); i >= 0 {
		return prefix[:i+1] + ">"
	}
	return ">"
}

// Close shuts down the store. The NATS connection is owned by the caller.
func (s *NATSStore) Close() error {
	s.closed.Store(true)
	return nil
}
