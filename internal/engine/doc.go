// Package engine implements the drift document store: the state engine
// that owns every local document and is the only writer of CRDT state.
//
// ARCHITECTURE:
//
// Per-Document Serialization:
// There is no global lock. Each document carries its own mutex and is the
// unit of serialization - concurrent Mutate calls against one document
// serialize, mutations to different documents proceed independently.
// One logical clock stream exists per local actor, so every op this node
// produces carries a unique (actor, clock) dot.
//
// Mutation Flow:
// 1. Mutate locks the document and runs the caller's function against
//    working copies of the touched fields
// 2. Each typed edit emits one CRDT op stamped from the actor's clock
// 3. Commit swaps the working copies in, appends the ops to the SQLite
//    log, and advances the document's state vector
// 4. Subscribers are invoked synchronously before Mutate returns
// 5. The delta is enqueued for the sync layer
//
// Remote Flow:
// ApplyRemote merges an incoming delta op-by-op using the per-field
// merge strategy. A document not present locally is created on first
// contact. Re-applying a delta is a structural no-op (merge laws), so
// the store keeps no dedup bookkeeping; subscribers only fire when the
// materialized view actually changed.
//
// Mutations never block on network. The only suspension points in the
// system live in the sync and reconciliation layers, which talk to the
// store through the same public surface as application code.
package engine
