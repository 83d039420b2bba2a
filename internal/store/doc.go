// Package store provides SQLite-backed durable storage for the drift
// op log.
//
// The store keeps three tables:
//   - ops: the append-only CRDT operation log, one row per op, keyed
//     by (namespace, doc_id, actor, clock, field)
//   - snapshots: full document states at a point in causal time, a
//     bounded chain per document
//   - meta: node identity and other single-row settings
//
// # Idempotence
//
// Op writes use ON CONFLICT DO NOTHING: re-appending an op the log
// already holds (re-delivered delta, replayed batch) is silently a
// no-op. Together with the merge laws upstream this makes every write
// path safe to retry.
//
// # Determinism
//
// Reads order by (clock, actor, field) with BINARY collation, so replay
// folds ops in the same causal order on every replica and every run.
// An op's payload column is its full canonical-JSON envelope; the key
// columns exist for indexing and are derived from it.
//
// # Recovery
//
// Loading a document is: latest snapshot, then replay of every op whose
// max_clock exceeds the snapshot's vector entry for its actor. Deleting
// ops below a snapshot (compaction) is maintenance only; a log with
// every op replays to the identical state (round-trip law).
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON
//   - single connection: SQLite allows one writer; a pool of one
//     avoids SQLITE_BUSY instead of retrying around it
package store
