package ledger

import (
	"github.com/driftlab/drift/internal/crdt"
	"github.com/driftlab/drift/internal/engine"
	"github.com/driftlab/drift/internal/schema"
)

// Ledger document namespaces.
const (
	NSAccount     = "ledger/account"
	NSTransaction = "ledger/tx"
	NSEscrow      = "ledger/escrow"
)

// AccountRef addresses an account document.
func AccountRef(id string) engine.Ref {
	return engine.Ref{Namespace: NSAccount, ID: id}
}

// TxRef addresses a transaction document.
func TxRef(id string) engine.Ref {
	return engine.Ref{Namespace: NSTransaction, ID: id}
}

// EscrowRef addresses one device's escrow allocation for an account.
func EscrowRef(account, device string) engine.Ref {
	return engine.Ref{Namespace: NSEscrow, ID: account + ":" + device}
}

// Schema returns the built-in ledger document declarations. Every node
// carrying ledger documents registers these alongside its application
// schemas; the field strategies are part of the protocol, not
// per-deployment configuration.
func Schema() *schema.Schema {
	return &schema.Schema{
		Name: "ledger",
		Documents: []schema.Document{
			{
				Namespace: NSAccount,
				Name:      "account",
				Fields: []schema.Field{
					{Name: "holder", Type: "string", Strategy: crdt.StrategyImmutable},
					{Name: "confirmed_balance", Type: "int", Strategy: crdt.StrategyPNCounter},
					{Name: "local_escrow", Type: "int", Strategy: crdt.StrategyLWW, Bound: &schema.Bound{Min: 0}},
					{Name: "pending_credits", Type: "int", Strategy: crdt.StrategyPNCounter},
					{Name: "transaction_history", Type: "array", Strategy: crdt.StrategyRGA},
					{Name: "trust_connections", Type: "array", Strategy: crdt.StrategyORSet},
					{Name: "reputation_tier", Type: "string", Strategy: crdt.StrategyLWW},
				},
			},
			{
				Namespace: NSTransaction,
				Name:      "tx",
				Fields: []schema.Field{
					{Name: "id", Type: "string", Strategy: crdt.StrategyImmutable},
					{Name: "from", Type: "string", Strategy: crdt.StrategyImmutable},
					{Name: "to", Type: "string", Strategy: crdt.StrategyImmutable},
					{Name: "amount", Type: "int", Strategy: crdt.StrategyImmutable},
					{Name: "created_at", Type: "int", Strategy: crdt.StrategyImmutable},
					{Name: "memo", Type: "string", Strategy: crdt.StrategyImmutable},
					{Name: "status", Type: "string", Strategy: crdt.StrategyLWW},
					{Name: "confirmed_at", Type: "int", Strategy: crdt.StrategyLWW},
				},
			},
			{
				Namespace: NSEscrow,
				Name:      "escrow",
				Fields: []schema.Field{
					{Name: "account", Type: "string", Strategy: crdt.StrategyImmutable},
					{Name: "device", Type: "string", Strategy: crdt.StrategyImmutable},
					{Name: "allocated", Type: "int", Strategy: crdt.StrategyLWW, Bound: &schema.Bound{Min: 0}},
					{Name: "spent", Type: "int", Strategy: crdt.StrategyPNCounter},
					{Name: "granted_at", Type: "int", Strategy: crdt.StrategyLWW},
					{Name: "expires_at", Type: "int", Strategy: crdt.StrategyLWW},
				},
			},
		},
	}
}
