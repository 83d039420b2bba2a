package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/driftlab/drift/internal/crdt"
	"github.com/driftlab/drift/internal/engine"
	"github.com/driftlab/drift/internal/ledger"
	"github.com/driftlab/drift/internal/schema"
)

// NSVote is the namespace of committee vote documents.
const NSVote = "reconcile/vote"

// Schema returns the vote document declaration. Votes ride the same
// replication path as everything else: a member casts its vote by
// writing a document, and the sync layer carries it to the rest of the
// committee.
func Schema() *schema.Schema {
	return &schema.Schema{
		Name: "reconcile",
		Documents: []schema.Document{
			{
				Namespace: NSVote,
				Name:      "vote",
				Fields: []schema.Field{
					{Name: "round", Type: "int", Strategy: crdt.StrategyImmutable},
					{Name: "member", Type: "string", Strategy: crdt.StrategyImmutable},
					{Name: "ballots", Type: "array", Strategy: crdt.StrategyORSet},
				},
			},
		},
	}
}

// VoteRef addresses one member's vote document for a round.
func VoteRef(round uint64, member string) engine.Ref {
	return engine.Ref{Namespace: NSVote, ID: fmt.Sprintf("%d:%s", round, member)}
}

// Ballot is one member's proposed settlement split for one account in
// one round: the transactions to confirm, in admission order, and the
// overflow to reject. Hash digests the whole split; two members agree
// on an account exactly when their ballot hashes match.
type Ballot struct {
	Account string
	Hash    string
	Confirm []string
	Reject  []string
}

func (b Ballot) object() crdt.Object {
	confirm := make(crdt.Array, len(b.Confirm))
	for i, id := range b.Confirm {
		confirm[i] = crdt.String(id)
	}
	reject := make(crdt.Array, len(b.Reject))
	for i, id := range b.Reject {
		reject[i] = crdt.String(id)
	}
	return crdt.Object{
		"account": crdt.String(b.Account),
		"hash":    crdt.String(b.Hash),
		"confirm": confirm,
		"reject":  reject,
	}
}

func ballotFromScalar(sc crdt.Scalar) (Ballot, bool) {
	obj, ok := sc.(crdt.Object)
	if !ok {
		return Ballot{}, false
	}
	var b Ballot
	if s, ok := obj["account"].(crdt.String); ok {
		b.Account = string(s)
	}
	if s, ok := obj["hash"].(crdt.String); ok {
		b.Hash = string(s)
	}
	b.Confirm = stringsOf(obj["confirm"])
	b.Reject = stringsOf(obj["reject"])
	return b, b.Account != "" && b.Hash != ""
}

func stringsOf(sc crdt.Scalar) []string {
	arr, ok := sc.(crdt.Array)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, el := range arr {
		if s, ok := el.(crdt.String); ok {
			out = append(out, string(s))
		}
	}
	return out
}

// admitHash digests an admission split. The digest covers both halves
// in order, so members only match when they saw the same pending set
// and split it identically.
func admitHash(confirm, reject []ledger.Transaction) string {
	h := sha256.New()
	for _, t := range confirm {
		h.Write([]byte("C:" + t.ID + "\n"))
	}
	for _, t := range reject {
		h.Write([]byte("R:" + t.ID + "\n"))
	}
	return hex.EncodeToString(h.Sum(nil))
}
