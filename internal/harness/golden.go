package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/driftlab/drift/internal/crdt"
)

// TraceSnapshot is the golden-file form of a scenario run: the name
// and the executed step trace, canonically serialized so byte
// comparison is meaningful.
type TraceSnapshot struct {
	Scenario string
	Trace    []TraceEvent
}

func (s TraceSnapshot) canonical() ([]byte, error) {
	events := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		m := map[string]any{
			"seq":     ev.Seq,
			"step":    ev.Step,
			"outcome": ev.Outcome,
		}
		if ev.Node != "" {
			m["node"] = ev.Node
		}
		if ev.Doc != "" {
			m["doc"] = ev.Doc
		}
		if ev.Field != "" {
			m["field"] = ev.Field
		}
		events[i] = m
	}
	return crdt.MarshalCanonical(map[string]any{
		"scenario": s.Scenario,
		"trace":    events,
	})
}

// RunWithGolden executes a scenario, requires it to pass, and compares
// its trace against testdata/golden/<name>.golden. Regenerate with
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, sc *Scenario) *Result {
	t.Helper()

	result, err := Run(context.Background(), sc)
	if err != nil {
		t.Fatalf("scenario %s: %v", sc.Name, err)
	}
	if !result.Pass {
		t.Fatalf("scenario %s failed:\n%v", sc.Name, result.Errors)
	}

	AssertGolden(t, sc.Name, result)
	return result
}

// AssertGolden compares an already-computed result's trace against the
// named golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	data, err := TraceSnapshot{Scenario: name, Trace: result.Trace}.canonical()
	if err != nil {
		t.Fatalf("canonicalize trace: %v", err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
}
