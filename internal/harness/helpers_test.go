package harness

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftlab/drift/internal/crdt"
	"github.com/driftlab/drift/internal/schema"
)

// noteSchema declares the application document the cluster tests edit:
// one field per merge strategy, plus a bound counter.
func noteSchema() *schema.Schema {
	return &schema.Schema{
		Name: "app",
		Documents: []schema.Document{
			{
				Namespace: "app/note",
				Name:      "note",
				Fields: []schema.Field{
					{Name: "title", Type: "string", Strategy: crdt.StrategyLWW},
					{Name: "owner", Type: "string", Strategy: crdt.StrategyImmutable},
					{Name: "votes", Type: "int", Strategy: crdt.StrategyPNCounter},
					{Name: "stock", Type: "int", Strategy: crdt.StrategyLWW, Bound: &schema.Bound{Min: 0}},
					{Name: "tags", Type: "array", Strategy: crdt.StrategyORSet},
					{Name: "items", Type: "array", Strategy: crdt.StrategyRGA},
					{Name: "body", Type: "string", Strategy: crdt.StrategyPeritext},
				},
			},
		},
	}
}

// newTestCluster builds a cluster carrying the note schema on top of
// the built-in ledger documents.
func newTestCluster(t *testing.T, names []string, opts ...ClusterOption) *Cluster {
	t.Helper()
	c, err := NewCluster(names, append([]ClusterOption{WithSchemas(noteSchema())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}
