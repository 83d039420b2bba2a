package harness

import "fmt"

// TraceEvent records one executed scenario step. The trace is what
// golden files compare, so it carries only deterministic data: step
// kind, targets, and outcome — never generated ids.
type TraceEvent struct {
	Seq     int64  `json:"seq"`
	Step    string `json:"step"`
	Node    string `json:"node,omitempty"`
	Doc     string `json:"doc,omitempty"`
	Field   string `json:"field,omitempty"`
	Outcome string `json:"outcome"`
}

// Result is the outcome of running one scenario.
type Result struct {
	// Pass is true when every step met its expected outcome, every
	// assertion held, and every listed property checked out.
	Pass bool `json:"pass"`

	// Trace lists the executed steps in order.
	Trace []TraceEvent `json:"trace"`

	// Errors collects step, assertion, and property failures.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates an empty passing result; failures flip it.
func NewResult() *Result {
	return &Result{Pass: true}
}

// AddError records a failure and marks the result failed.
func (r *Result) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Pass = false
}

func (r *Result) addTrace(ev TraceEvent) {
	ev.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, ev)
}
