// Package state provides the shared key-value store behind the agent
// registry and the task store.
//
// # Backends
//
//   - MemoryStore: in-process map, for tests and single-process deployments
//   - NATSStore: NATS JetStream key-value bucket
//   - SQLiteStore: a single SQLite file through database/sql
//   - RedisStore: Redis hashes with WATCH/MULTI compare-and-swap
//
// # Compare-and-swap
//
// Every entry carries a revision. Read-modify-write callers read the entry,
// change the decoded value and write it back with Update, passing the
// revision they read. A concurrent write makes Update fail with
// ErrRevisionMismatch and the caller retries with fresh state:
//
//	for {
//	    kv, err := store.Get(ctx, key)
//	    // decode, modify, encode
//	    _, err = store.Update(ctx, key, value, kv.Revision)
//	    if !errors.Is(err, state.ErrRevisionMismatch) {
//	        break
//	    }
//	}
//
// # Key patterns
//
// Keys use dot-separated segments. Keys accepts an exact key, "*" for all
// keys, or a prefix ending in "*" such as "registry.agents.*".
package state
