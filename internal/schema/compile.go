package schema

import (
	"fmt"
	"strconv"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/driftlab/drift/internal/crdt"
)

// Compile turns a CUE value holding document declarations into a Schema.
// The value must carry a "document" struct; each entry becomes one
// Document whose fields read their merge strategy from the @crdt
// attribute and an optional clamp from @bound(min=N).
func Compile(v cue.Value) (*Schema, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	sch := &Schema{}

	nsVal := v.LookupPath(cue.ParsePath("namespace"))
	if nsVal.Exists() {
		name, err := nsVal.String()
		if err != nil {
			return nil, &CompileError{
				Field:   "namespace",
				Message: "namespace must be a concrete string",
				Pos:     nsVal.Pos(),
			}
		}
		sch.Name = name
	}

	docsVal := v.LookupPath(cue.ParsePath("document"))
	if !docsVal.Exists() {
		return nil, &CompileError{
			Field:   "document",
			Message: "at least one document declaration is required",
			Pos:     v.Pos(),
		}
	}

	iter, err := docsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	for iter.Next() {
		doc, err := compileDocument(sch.Name, iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		sch.Documents = append(sch.Documents, *doc)
	}

	if len(sch.Documents) == 0 {
		return nil, &CompileError{
			Field:   "document",
			Message: "at least one document declaration is required",
			Pos:     docsVal.Pos(),
		}
	}

	return sch, nil
}

// CompileSource compiles a standalone CUE source string. Used for
// schemas embedded in Go binaries and in tests.
func CompileSource(src string) (*Schema, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename("schema.cue"))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return Compile(v)
}

// MustCompileSource is CompileSource for schemas known good at build
// time; it panics on error.
func MustCompileSource(src string) *Schema {
	sch, err := CompileSource(src)
	if err != nil {
		panic(fmt.Sprintf("schema: compile embedded source: %v", err))
	}
	return sch
}

func compileDocument(schemaName, name string, v cue.Value) (*Document, error) {
	doc := &Document{
		Name:      name,
		Namespace: qualify(schemaName, name),
	}

	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	for iter.Next() {
		field, err := compileField(name, iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		doc.Fields = append(doc.Fields, *field)
	}

	if len(doc.Fields) == 0 {
		return nil, &CompileError{
			Field:   fmt.Sprintf("document.%s", name),
			Message: "document declares no fields",
			Pos:     v.Pos(),
		}
	}

	doc.buildIndex()
	return doc, nil
}

func compileField(docName, name string, v cue.Value) (*Field, error) {
	path := fmt.Sprintf("document.%s.%s", docName, name)

	typ, err := fieldType(path, v)
	if err != nil {
		return nil, err
	}

	field := &Field{Name: name, Type: typ}

	attr := v.Attribute("crdt")
	if attr.Err() != nil {
		return nil, &CompileError{
			Field:   path,
			Message: "missing @crdt attribute declaring the merge strategy",
			Pos:     v.Pos(),
		}
	}

	raw, err := attr.String(0)
	if err != nil {
		return nil, &CompileError{
			Field:   path,
			Message: "@crdt attribute takes one strategy argument",
			Pos:     v.Pos(),
		}
	}

	strat, err := crdt.ParseStrategy(raw)
	if err != nil {
		return nil, &CompileError{
			Field:   path,
			Message: fmt.Sprintf("unknown merge strategy %q", raw),
			Pos:     v.Pos(),
		}
	}
	field.Strategy = strat

	if !strategyAllows(strat, typ) {
		return nil, &CompileError{
			Field:   path,
			Message: fmt.Sprintf("strategy %s cannot merge a %s field", strat, typ),
			Pos:     v.Pos(),
		}
	}

	if bound := v.Attribute("bound"); bound.Err() == nil {
		b, err := compileBound(path, v.Pos(), field, bound)
		if err != nil {
			return nil, err
		}
		field.Bound = b
	}

	return field, nil
}

func compileBound(path string, pos token.Pos, field *Field, attr cue.Attribute) (*Bound, error) {
	if field.Strategy != crdt.StrategyLWW || field.Type != "int" {
		return nil, &CompileError{
			Field:   path,
			Message: "@bound applies only to lww int fields",
			Pos:     pos,
		}
	}

	raw, found, err := attr.Lookup(0, "min")
	if err != nil || !found {
		return nil, &CompileError{
			Field:   path,
			Message: "@bound requires a min=N argument",
			Pos:     pos,
		}
	}

	min, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, &CompileError{
			Field:   path,
			Message: fmt.Sprintf("@bound min %q is not an integer", raw),
			Pos:     pos,
		}
	}

	return &Bound{Min: min}, nil
}

// fieldType maps a CUE field declaration to a drift type string.
// Floats are forbidden: merge results must be bit-exact on every
// replica, so all numbers are integers.
func fieldType(path string, v cue.Value) (string, error) {
	switch v.IncompleteKind() {
	case cue.StringKind:
		return "string", nil
	case cue.IntKind:
		return "int", nil
	case cue.BoolKind:
		return "bool", nil
	case cue.ListKind:
		return "array", nil
	case cue.StructKind:
		return "object", nil
	case cue.FloatKind, cue.NumberKind:
		return "", &CompileError{
			Field:   path,
			Message: "float fields are forbidden, use int instead",
			Pos:     v.Pos(),
		}
	default:
		return "", &CompileError{
			Field:   path,
			Message: fmt.Sprintf("unsupported field kind: %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

// strategyAllows reports whether a strategy can merge values of the
// declared type.
func strategyAllows(s crdt.Strategy, typ string) bool {
	switch s {
	case crdt.StrategyPNCounter:
		return typ == "int"
	case crdt.StrategyPeritext:
		return typ == "string"
	case crdt.StrategyORSet, crdt.StrategyRGA:
		return typ == "array"
	default:
		return true
	}
}

// CompileError is a schema compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
