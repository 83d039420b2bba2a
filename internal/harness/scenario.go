package harness

import (
	"bytes"
	"fmt"
	"os"
	"path"

	"gopkg.in/yaml.v3"

	"github.com/driftlab/drift/internal/crdt"
	"github.com/driftlab/drift/internal/ledger"
	"github.com/driftlab/drift/internal/schema"
)

// Scenario is one scripted multi-node run: a cluster, optional
// application schemas and ledger accounts, a step list, and the
// assertions and replication laws the final state must satisfy.
type Scenario struct {
	// Name identifies the scenario; golden files are keyed by it.
	Name string `yaml:"name"`

	// Description explains what the scenario demonstrates.
	Description string `yaml:"description"`

	// Nodes lists the replica names. Order fixes each node's
	// deterministic clock offset.
	Nodes []string `yaml:"nodes"`

	// Committee names the reconciliation committee members, a subset
	// of Nodes. Required when any step reconciles.
	Committee []string `yaml:"committee,omitempty"`

	// Schemas declares application document types beyond the built-in
	// ledger documents.
	Schemas []DocSchema `yaml:"schemas,omitempty"`

	// Accounts are created, each on its named node, and replicated to
	// the whole cluster before the first step runs.
	Accounts []AccountSetup `yaml:"accounts,omitempty"`

	// Steps is the scripted run.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final cluster state.
	Assertions []Assertion `yaml:"assertions"`

	// Properties names replication laws to check after the run:
	// convergence, idempotence, commutativity, round_trip,
	// escrow_invariant, no_double_spend.
	Properties []string `yaml:"properties,omitempty"`
}

// DocSchema declares one document type inline. It compiles to the same
// schema.Document the CUE compiler produces; scenarios should not
// depend on CUE files on disk.
type DocSchema struct {
	Namespace string      `yaml:"namespace"`
	Fields    []FieldDecl `yaml:"fields"`
}

// FieldDecl is one field declaration. Type defaults by strategy:
// pn_counter fields are ints, or_set and rga fields are arrays,
// everything else is a string.
type FieldDecl struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type,omitempty"`
	Strategy string `yaml:"strategy"`
	Min      *int64 `yaml:"min,omitempty"`
}

// AccountSetup seeds one ledger account before the steps run.
type AccountSetup struct {
	ID      string `yaml:"id"`
	Holder  string `yaml:"holder"`
	Balance int64  `yaml:"balance"`
	Tier    string `yaml:"tier"`
	Node    string `yaml:"node"`
}

// Step is one scripted action. Do selects the kind; the other fields
// are kind-specific.
type Step struct {
	// Do is the step kind: set, add, add_to_set, remove_from_set,
	// append, insert, delete_at, splice, format, spend, sync,
	// partition, heal, reconcile.
	Do string `yaml:"do"`

	// Node names the replica the step runs on (edit and spend steps).
	Node string `yaml:"node,omitempty"`

	// Doc addresses the document as "namespace/id" (edit steps).
	Doc string `yaml:"doc,omitempty"`

	// Field names the document field (edit steps).
	Field string `yaml:"field,omitempty"`

	// Value is the scalar for set / add_to_set / remove_from_set /
	// append / insert.
	Value any `yaml:"value,omitempty"`

	// Amount is the delta for add, or the transfer amount for spend.
	Amount int64 `yaml:"amount,omitempty"`

	// From and To are the spend's account ids; Memo annotates it.
	From string `yaml:"from,omitempty"`
	To   string `yaml:"to,omitempty"`
	Memo string `yaml:"memo,omitempty"`

	// At is the index for insert and delete_at, the offset for splice,
	// and the span start for format. To2 is the span end for format.
	At  int `yaml:"at,omitempty"`
	To2 int `yaml:"to_index,omitempty"`

	// Del is the splice's delete count; Text its inserted text.
	Del  int    `yaml:"del,omitempty"`
	Text string `yaml:"text,omitempty"`

	// Mark is the formatting mark for format.
	Mark string `yaml:"mark,omitempty"`

	// Groups is the partition layout for partition steps; every node
	// appears in exactly one group.
	Groups [][]string `yaml:"groups,omitempty"`

	// Expect is the expected outcome; empty means "ok". Other values:
	// insufficient_escrow, immutable_conflict, bound_violation.
	Expect string `yaml:"expect,omitempty"`
}

// Assertion validates one aspect of the final cluster state.
type Assertion struct {
	// Type selects the check: converged, field_equals, set_size,
	// set_contains, list_equals, settled_count, escrow_invariant,
	// no_double_spend.
	Type string `yaml:"type"`

	// Node scopes the check to one replica where the type needs it.
	Node string `yaml:"node,omitempty"`

	// Doc addresses the document as "namespace/id".
	Doc string `yaml:"doc,omitempty"`

	// Field names the document field.
	Field string `yaml:"field,omitempty"`

	// Value is the expected scalar (field_equals, set_contains).
	Value any `yaml:"value,omitempty"`

	// Values is the expected element sequence (list_equals).
	Values []any `yaml:"values,omitempty"`

	// Count is the expected cardinality (set_size).
	Count int `yaml:"count,omitempty"`

	// Account scopes ledger checks (settled_count, no_double_spend).
	Account string `yaml:"account,omitempty"`

	// Confirmed / Rejected / Pending are the expected outgoing
	// transaction counts by status (settled_count).
	Confirmed int `yaml:"confirmed,omitempty"`
	Rejected  int `yaml:"rejected,omitempty"`
	Pending   int `yaml:"pending,omitempty"`
}

// Assertion type constants.
const (
	AssertConverged       = "converged"
	AssertFieldEquals     = "field_equals"
	AssertSetSize         = "set_size"
	AssertSetContains     = "set_contains"
	AssertListEquals      = "list_equals"
	AssertSettledCount    = "settled_count"
	AssertEscrowInvariant = "escrow_invariant"
	AssertNoDoubleSpend   = "no_double_spend"
)

// stepKinds is the closed set of step kinds and whether each one
// edits a document field.
var stepKinds = map[string]bool{
	"set": true, "add": true, "add_to_set": true, "remove_from_set": true,
	"append": true, "insert": true, "delete_at": true, "splice": true,
	"format": true,
	"spend": false, "sync": false, "partition": false, "heal": false,
	"reconcile": false,
}

// LoadScenario reads and parses a scenario YAML file. Unknown fields
// are rejected so a typo fails loudly instead of silently validating
// nothing.
func LoadScenario(p string) (*Scenario, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}

	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}

	if err := ValidateScenario(&sc); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &sc, nil
}

// ValidateScenario checks required fields and cross-references before
// anything executes.
func ValidateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Nodes) == 0 {
		return fmt.Errorf("nodes list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	nodes := make(map[string]bool, len(s.Nodes))
	for _, n := range s.Nodes {
		if n == "" {
			return fmt.Errorf("node names must be non-empty")
		}
		if nodes[n] {
			return fmt.Errorf("duplicate node name %q", n)
		}
		nodes[n] = true
	}
	for _, m := range s.Committee {
		if !nodes[m] {
			return fmt.Errorf("committee member %q is not a node", m)
		}
	}
	for i, a := range s.Accounts {
		if a.ID == "" || a.Holder == "" {
			return fmt.Errorf("accounts[%d]: id and holder are required", i)
		}
		if !nodes[a.Node] {
			return fmt.Errorf("accounts[%d]: node %q is not a cluster node", i, a.Node)
		}
		if _, err := ledger.ParseTier(a.Tier); err != nil {
			return fmt.Errorf("accounts[%d]: %w", i, err)
		}
	}
	for i := range s.Schemas {
		if s.Schemas[i].Namespace == "" {
			return fmt.Errorf("schemas[%d]: namespace is required", i)
		}
		if len(s.Schemas[i].Fields) == 0 {
			return fmt.Errorf("schemas[%d]: fields list must be non-empty", i)
		}
	}

	for i, st := range s.Steps {
		if err := validateStep(i, st, nodes); err != nil {
			return err
		}
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i], nodes); err != nil {
			return err
		}
	}
	for _, p := range s.Properties {
		if !knownProperty(p) {
			return fmt.Errorf("unknown property %q", p)
		}
	}
	return nil
}

func validateStep(i int, st Step, nodes map[string]bool) error {
	edits, known := stepKinds[st.Do]
	if !known {
		return fmt.Errorf("steps[%d]: unknown step kind %q", i, st.Do)
	}

	if edits || st.Do == "spend" {
		if !nodes[st.Node] {
			return fmt.Errorf("steps[%d]: %s needs a node, got %q", i, st.Do, st.Node)
		}
	}
	if edits {
		if st.Doc == "" || st.Field == "" {
			return fmt.Errorf("steps[%d]: %s needs doc and field", i, st.Do)
		}
	}
	switch st.Do {
	case "set", "add_to_set", "remove_from_set", "append", "insert":
		if st.Value == nil {
			return fmt.Errorf("steps[%d]: %s needs a value", i, st.Do)
		}
	case "spend":
		if st.From == "" || st.To == "" || st.Amount == 0 {
			return fmt.Errorf("steps[%d]: spend needs from, to, and amount", i)
		}
	case "partition":
		if len(st.Groups) < 2 {
			return fmt.Errorf("steps[%d]: partition needs at least two groups", i)
		}
	case "format":
		if st.Mark == "" {
			return fmt.Errorf("steps[%d]: format needs a mark", i)
		}
	}
	return nil
}

func validateAssertion(i int, a *Assertion, nodes map[string]bool) error {
	switch a.Type {
	case AssertConverged:
		if a.Doc == "" {
			return fmt.Errorf("assertions[%d]: converged needs a doc", i)
		}
	case AssertFieldEquals, AssertSetContains:
		if a.Doc == "" || a.Field == "" || a.Value == nil || !nodes[a.Node] {
			return fmt.Errorf("assertions[%d]: %s needs node, doc, field, and value", i, a.Type)
		}
	case AssertSetSize:
		if a.Doc == "" || a.Field == "" || !nodes[a.Node] {
			return fmt.Errorf("assertions[%d]: set_size needs node, doc, and field", i)
		}
	case AssertListEquals:
		if a.Doc == "" || a.Field == "" || !nodes[a.Node] {
			return fmt.Errorf("assertions[%d]: list_equals needs node, doc, and field", i)
		}
	case AssertSettledCount:
		if a.Account == "" || !nodes[a.Node] {
			return fmt.Errorf("assertions[%d]: settled_count needs node and account", i)
		}
	case AssertEscrowInvariant:
		// Applies to every account on every node; nothing to name.
	case AssertNoDoubleSpend:
		if a.Account == "" {
			return fmt.Errorf("assertions[%d]: no_double_spend needs an account", i)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", i)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", i, a.Type)
	}
	return nil
}

// compileSchemas lowers the inline schema declarations to the same
// metadata the CUE compiler produces.
func (s *Scenario) compileSchemas() ([]*schema.Schema, error) {
	out := make([]*schema.Schema, 0, len(s.Schemas))
	for _, d := range s.Schemas {
		doc := schema.Document{
			Namespace: d.Namespace,
			Name:      path.Base(d.Namespace),
		}
		for _, f := range d.Fields {
			strat, err := crdt.ParseStrategy(f.Strategy)
			if err != nil {
				return nil, fmt.Errorf("schema %s field %s: %w", d.Namespace, f.Name, err)
			}
			typ := f.Type
			if typ == "" {
				typ = defaultFieldType(strat)
			}
			field := schema.Field{Name: f.Name, Type: typ, Strategy: strat}
			if f.Min != nil {
				field.Bound = &schema.Bound{Min: *f.Min}
			}
			doc.Fields = append(doc.Fields, field)
		}
		sch := &schema.Schema{Documents: []schema.Document{doc}}
		if errs := schema.Validate(sch); len(errs) > 0 {
			return nil, fmt.Errorf("schema %s: %s", d.Namespace, errs[0].Error())
		}
		out = append(out, sch)
	}
	return out, nil
}

func defaultFieldType(s crdt.Strategy) string {
	switch s {
	case crdt.StrategyPNCounter:
		return "int"
	case crdt.StrategyORSet, crdt.StrategyRGA:
		return "array"
	default:
		return "string"
	}
}

// scalarFromYAML converts a YAML-parsed value to a canonical scalar.
// Nulls and non-integral floats are rejected the same way the
// canonical encoder rejects them, just with a friendlier position.
func scalarFromYAML(v any) (crdt.Scalar, error) {
	switch val := v.(type) {
	case string:
		return crdt.String(val), nil
	case int:
		return crdt.Int(val), nil
	case int64:
		return crdt.Int(val), nil
	case bool:
		return crdt.Bool(val), nil
	case float64:
		if val == float64(int64(val)) {
			return crdt.Int(int64(val)), nil
		}
		return nil, fmt.Errorf("floats are forbidden in document values: %v", val)
	case []any:
		arr := make(crdt.Array, len(val))
		for i, elem := range val {
			sc, err := scalarFromYAML(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = sc
		}
		return arr, nil
	case map[string]any:
		obj := make(crdt.Object, len(val))
		for k, elem := range val {
			sc, err := scalarFromYAML(elem)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			obj[k] = sc
		}
		return obj, nil
	case nil:
		return nil, fmt.Errorf("null is not a document value")
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}
