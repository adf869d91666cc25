package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements StateStore on Redis. Each key is a hash holding the
// value, revision and timestamps. Revisions come from a single counter so
// they are unique across the store. Conditional writes use WATCH/MULTI.
type RedisStore struct {
	rdb       *redis.Client
	namespace string
	closed    atomic.Bool
	now       func() time.Time
}

// RedisStoreConfig holds Redis store configuration.
type RedisStoreConfig struct {
	// Client is the Redis client to use. The caller owns it.
	Client *redis.Client

	// Namespace prefixes every Redis key.
	// Default: "a2a"
	Namespace string
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "a2a"
	}
	return &RedisStore{rdb: cfg.Client, namespace: cfg.Namespace, now: time.Now}, nil
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	return redis.NewClient(opt), nil
}

func (s *RedisStore) dataKey(key string) string {
	return s.namespace + ":kv:" + key
}

func (s *RedisStore) seqKey() string {
	return s.namespace + ":seq"
}

func (s *RedisStore) check(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Get retrieves the entry for key.
func (s *RedisStore) Get(ctx context.Context, key string) (*KeyValue, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}
	fields, err := s.rdb.HGetAll(ctx, s.dataKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	return decodeRedisEntry(key, fields)
}

func decodeRedisEntry(key string, fields map[string]string) (*KeyValue, error) {
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	rev, err := strconv.ParseUint(fields["rev"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt revision for %s: %w", key, err)
	}
	created, _ := strconv.ParseInt(fields["created"], 10, 64)
	modified, _ := strconv.ParseInt(fields["modified"], 10, 64)
	return &KeyValue{
		Key:      key,
		Value:    []byte(fields["value"]),
		Revision: rev,
		Created:  time.Unix(0, created).UTC(),
		Modified: time.Unix(0, modified).UTC(),
	}, nil
}

// Put stores value unconditionally.
func (s *RedisStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	return s.conditionalWrite(ctx, key, value, func(current map[string]string) error { return nil })
}

// Create stores value only if key is absent.
func (s *RedisStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	return s.conditionalWrite(ctx, key, value, func(current map[string]string) error {
		if len(current) > 0 {
			return ErrExists
		}
		return nil
	})
}

// Update stores value only if the current revision equals lastRevision.
func (s *RedisStore) Update(ctx context.Context, key string, value []byte, lastRevision uint64) (uint64, error) {
	want := strconv.FormatUint(lastRevision, 10)
	return s.conditionalWrite(ctx, key, value, func(current map[string]string) error {
		if len(current) == 0 {
			return ErrNotFound
		}
		if current["rev"] != want {
			return ErrRevisionMismatch
		}
		return nil
	})
}

// conditionalWrite watches the key, lets guard inspect its current fields and
// commits the write in a MULTI block. A concurrent write to the watched key
// aborts the transaction and surfaces as ErrRevisionMismatch.
func (s *RedisStore) conditionalWrite(ctx context.Context, key string, value []byte, guard func(map[string]string) error) (uint64, error) {
	if err := s.check(key); err != nil {
		return 0, err
	}
	dk := s.dataKey(key)

	rev, err := s.rdb.Incr(ctx, s.seqKey()).Uint64()
	if err != nil {
		return 0, fmt.Errorf("incr revision: %w", err)
	}

	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGetAll(ctx, dk).Result()
		if err != nil {
			return err
		}
		if err := guard(current); err != nil {
			return err
		}
		now := strconv.FormatInt(s.now().UnixNano(), 10)
		created := current["created"]
		if created == "" {
			created = now
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, dk,
				"value", value,
				"rev", strconv.FormatUint(rev, 10),
				"created", created,
				"modified", now,
			)
			return nil
		})
		return err
	}, dk)

	switch {
	case err == nil:
		return rev, nil
	case errors.Is(err, redis.TxFailedErr):
		return 0, ErrRevisionMismatch
	case errors.Is(err, ErrExists), errors.Is(err, ErrNotFound), errors.Is(err, ErrRevisionMismatch):
		return 0, err
	default:
		return 0, fmt.Errorf("write %s: %w", key, err)
	}
}

// Delete removes a key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.check(key); err != nil {
		return err
	}
	if err := s.rdb.Del(ctx, s.dataKey(key)).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

// Keys returns all keys matching a pattern.
func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	match := s.dataKey(strings.TrimSuffix(pattern, "*"))
	if strings.HasSuffix(pattern, "*") {
		match += "*"
	}
	prefix := s.dataKey("")

	var keys []string
	iter := s.rdb.Scan(ctx, 0, match, 256).Iterator()
	for iter.Next(ctx) {
		key := strings.TrimPrefix(iter.Val(), prefix)
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan keys: %w", err)
	}
	return keys, nil
}

// Close marks the store closed. The Redis client is owned by the caller.
func (s *RedisStore) Close() error {
	s.closed.Store(true)
	return nil
}
