// Package stores provides persistence for workflows.
//
// Three implementations of engine.Store share the same compare-and-swap rules:
// MemoryStore for tests and single-shot runs, SQLiteStore (WAL mode, embedded
// migrations) for a single node, and RedisStore for several engine processes
// sharing one backend. SQLiteStore also keeps an append-only audit trail of
// state changes through AuditSink.
package stores
