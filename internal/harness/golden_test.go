package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGolden_Settlement(t *testing.T) {
	sc, err := LoadScenario(filepath.Join("testdata", "scenarios", "settlement.yaml"))
	require.NoError(t, err)

	result := RunWithGolden(t, sc)
	require.Len(t, result.Trace, len(sc.Steps))
	assert.Equal(t, "insufficient_escrow", result.Trace[3].Outcome,
		"the over-escrow spend is rejected on the device")
	assert.Equal(t, "confirmed=1 rejected=1 deferred=0", result.Trace[5].Outcome)
}

func TestTraceSnapshot_CanonicalIsStable(t *testing.T) {
	snap := TraceSnapshot{
		Scenario: "sample",
		Trace: []TraceEvent{
			{Seq: 1, Step: "partition", Outcome: "ok"},
			{Seq: 2, Step: "set", Node: "a", Doc: "app/note/n1", Field: "title", Outcome: "ok"},
		},
	}
	got, err := snap.canonical()
	require.NoError(t, err)
	want := `{"scenario":"sample","trace":[` +
		`{"outcome":"ok","seq":1,"step":"partition"},` +
		`{"doc":"app/note/n1","field":"title","node":"a","outcome":"ok","seq":2,"step":"set"}]}`
	assert.Equal(t, want, string(got))
}
