// Package harness runs multi-node convergence scenarios against the
// real engine: a scripted cluster of in-process replicas exchanging
// deltas, partitioning, healing, spending, and reconciling, with
// assertions over the final replicated state.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: over_escrow_admission
//	description: "Two offline devices overspend a shared escrow"
//	nodes: [phone, laptop, hub, audit]
//	committee: [phone, laptop, hub, audit]
//	accounts:
//	  - {id: acct-a, holder: ada, balance: 1000, tier: trusted, node: phone}
//	schemas:
//	  - namespace: app/note
//	    fields:
//	      - {name: title, strategy: lww}
//	      - {name: tags, type: array, strategy: or_set}
//	steps:
//	  - {do: partition, groups: [[phone], [laptop, hub, audit]]}
//	  - {do: spend, node: phone, from: acct-a, to: acct-b, amount: 300}
//	  - {do: heal}
//	  - {do: reconcile}
//	assertions:
//	  - {type: converged, doc: ledger/account/acct-a}
//	  - {type: no_double_spend, account: acct-a}
//	properties: [convergence, idempotence]
//
// Step kinds: set, add, add_to_set, remove_from_set, append, insert,
// delete_at, splice, format, spend, sync, partition, heal, reconcile.
//
// Assertion types: converged, field_equals, set_size, set_contains,
// list_equals, settled_count, escrow_invariant, no_double_spend.
//
// Properties are the replication laws checked after the run:
// convergence, idempotence, commutativity, round_trip,
// escrow_invariant, no_double_spend.
//
// # Determinism
//
// Every replica runs on a stepping testutil.WallClock with a distinct
// start offset and a sequential tag source, so register timestamps,
// set tags, and sequence ids are identical across runs and golden
// trace comparison is byte-stable. Transaction ids are the one
// nondeterministic input (uuids); traces and golden files therefore
// never include them.
package harness
