package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key      TEXT PRIMARY KEY,
	value    BLOB NOT NULL,
	revision INTEGER NOT NULL,
	created  INTEGER NOT NULL,
	modified INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS kv_sequence (
	id  INTEGER PRIMARY KEY CHECK (id = 1),
	seq INTEGER NOT NULL
);
INSERT OR IGNORE INTO kv_sequence (id, seq) VALUES (1, 0);
`

// SQLiteStore implements StateStore on a single SQLite database file.
type SQLiteStore struct {
	db     *sql.DB
	closed atomic.Bool
	now    func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database at path and ensures
// the key-value tables exist. Use ":memory:" for a throwaway store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY and serialize CAS transactions
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) check(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Get retrieves the entry for key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*KeyValue, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}

	var (
		kv       = KeyValue{Key: key}
		created  int64
		modified int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, revision, created, modified FROM kv WHERE key = ?`, key,
	).Scan(&kv.Value, &kv.Revision, &created, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", key, err)
	}
	kv.Created = time.Unix(0, created).UTC()
	kv.Modified = time.Unix(0, modified).UTC()
	return &kv, nil
}

// Put stores value unconditionally.
func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := s.check(key); err != nil {
		return 0, err
	}
	return s.inTx(ctx, func(tx *sql.Tx, rev uint64, now int64) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO kv (key, value, revision, created, modified) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, revision = excluded.revision, modified = excluded.modified`,
			key, value, rev, now, now)
		return err
	})
}

// Create stores value only if key is absent.
func (s *SQLiteStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := s.check(key); err != nil {
		return 0, err
	}
	return s.inTx(ctx, func(tx *sql.Tx, rev uint64, now int64) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO kv (key, value, revision, created, modified) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(key) DO NOTHING`,
			key, value, rev, now, now)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrExists
		}
		return nil
	})
}

// Update stores value only if the current revision equals lastRevision.
func (s *SQLiteStore) Update(ctx context.Context, key string, value []byte, lastRevision uint64) (uint64, error) {
	if err := s.check(key); err != nil {
		return 0, err
	}
	return s.inTx(ctx, func(tx *sql.Tx, rev uint64, now int64) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE kv SET value = ?, revision = ?, modified = ? WHERE key = ? AND revision = ?`,
			value, rev, now, key, lastRevision)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM kv WHERE key = ?`, key).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrRevisionMismatch
	})
}

// inTx allocates the next revision and runs write in the same transaction.
func (s *SQLiteStore) inTx(ctx context.Context, write func(tx *sql.Tx, rev uint64, now int64) error) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `UPDATE kv_sequence SET seq = seq + 1 WHERE id = 1`); err != nil {
		return 0, fmt.Errorf("advance revision: %w", err)
	}
	var rev uint64
	if err := tx.QueryRowContext(ctx, `SELECT seq FROM kv_sequence WHERE id = 1`).Scan(&rev); err != nil {
		return 0, fmt.Errorf("read revision: %w", err)
	}

	if err := write(tx, rev, s.now().UnixNano()); err != nil {
		if errors.Is(err, ErrExists) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrRevisionMismatch) {
			return 0, err
		}
		return 0, fmt.Errorf("write: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return rev, nil
}

// Delete removes a key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if err := s.check(key); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Keys returns all keys matching a pattern.
func (s *SQLiteStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var (
		rows *sql.Rows
		err  error
	)
	switch {
	case pattern == "*":
		rows, err = s.db.QueryContext(ctx, `SELECT key FROM kv ORDER BY key`)
	case strings.HasSuffix(pattern, "*"):
		prefix := strings.TrimSuffix(pattern, "*")
		rows, err = s.db.QueryContext(ctx, `SELECT key FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key`,
			len(prefix), prefix)
	default:
		rows, err = s.db.QueryContext(ctx, `SELECT key FROM kv WHERE key = ?`, pattern)
	}
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
