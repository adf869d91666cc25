package state

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Common errors.
var (
	ErrNotFound         = errors.New("key not found")
	ErrExists           = errors.New("key already exists")
	ErrRevisionMismatch = errors.New("revision mismatch")
	ErrClosed           = errors.New("store closed")
	ErrInvalidKey       = errors.New("invalid key")
)

// KeyValue represents a key-value entry with metadata.
type KeyValue struct {
	// Key is the entry key.
	Key string

	// Value is the entry value.
	Value []byte

	// Revision changes on every write. Revisions are unique across a store,
	// so a key that is deleted and recreated never repeats an old revision.
	Revision uint64

	// Created is when the key was first written.
	Created time.Time

	// Modified is when the key was last written.
	Modified time.Time
}

// StateStore is a shared key-value store with compare-and-swap writes.
// All read-modify-write callers go through Update so concurrent writers on
// the same key never lose each other's changes.
type StateStore interface {
	// Get retrieves the entry for key.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) (*KeyValue, error)

	// Put stores value unconditionally and returns the new revision.
	Put(ctx context.Context, key string, value []byte) (uint64, error)

	// Create stores value only if key is absent.
	// Returns ErrExists otherwise.
	Create(ctx context.Context, key string, value []byte) (uint64, error)

	// Update stores value only if the current revision equals lastRevision.
	// Returns ErrNotFound if the key is absent and ErrRevisionMismatch if it
	// was written since lastRevision was read.
	Update(ctx context.Context, key string, value []byte, lastRevision uint64) (uint64, error)

	// Delete removes a key.
	// Returns nil if the key does not exist.
	Delete(ctx context.Context, key string) error

	// Keys returns all keys matching a pattern.
	// Pattern supports * wildcard at the end (e.g., "agents.*").
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Close shuts down the store and releases resources.
	Close() error
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_\-./=]+$`)

// ValidateKey checks if a key is valid. Keys are limited to characters every
// backend accepts without escaping.
func ValidateKey(key string) error {
	if key == "" || len(key) > 1024 {
		return ErrInvalidKey
	}
	if strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") {
		return ErrInvalidKey
	}
	if !keyPattern.MatchString(key) {
		return ErrInvalidKey
	}
	return nil
}

// ValidKeySegment reports whether s can be embedded in a key between dots.
func ValidKeySegment(s string) bool {
	return s != "" && !strings.Contains(s, ".") && keyPattern.MatchString(s)
}

// MatchPattern checks if a key matches a pattern.
// Supports * wildcard at the end (e.g., "agents.*" matches "agents.a1").
func MatchPattern(pattern, key string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(key, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == key
}

// ScanResult is the outcome of Scan.
type ScanResult struct {
	// Entries are the matching entries in key order.
	Entries []*KeyValue

	// Scanned counts the entries examined, matching or not.
	Scanned int
}

// Scan reads every entry under pattern and keeps those accepted by match.
// A nil match accepts everything. Scanning stops once limit entries have
// matched; a limit of zero means no limit. Keys deleted between listing and
// reading are skipped.
func Scan(ctx context.Context, store StateStore, pattern string, match func(*KeyValue) bool, limit int) (*ScanResult, error) {
	keys, err := store.Keys(ctx, pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)

	result := &ScanResult{}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		kv, err := store.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result.Scanned++
		if match != nil && !match(kv) {
			continue
		}
		result.Entries = append(result.Entries, kv)
		if limit > 0 && len(result.Entries) >= limit {
			break
		}
	}
	return result, nil
}
