// Package schema compiles CUE document declarations into the field
// metadata the engine needs: one merge strategy per field, plus optional
// numeric bounds. Declarations look like:
//
//	namespace: "ledger"
//
//	document: account: {
//		owner:   string @crdt(immutable)
//		balance: int    @crdt(pn_counter)
//		escrow:  int    @crdt(lww) @bound(min=0)
//		tags: [...string] @crdt(or_set)
//	}
//
// A field's strategy is fixed for the life of the schema; the engine
// refuses to materialize documents whose namespace it has no schema for.
package schema

import (
	"fmt"
	"sort"

	"github.com/driftlab/drift/internal/crdt"
)

// Schema is one compiled schema source: a named group of document
// declarations.
type Schema struct {
	// Name comes from the source's top-level "namespace" field and
	// prefixes every document namespace. May be empty.
	Name      string
	Documents []Document
}

// Document declares the fields of every document in one namespace.
type Document struct {
	// Namespace is the qualified name documents are stored under,
	// "<schema>/<document>" (or the bare declaration name when the
	// schema has no namespace field).
	Namespace string
	// Name is the declaration label inside the CUE source.
	Name   string
	Fields []Field

	index map[string]int
}

// Field carries the per-field metadata: the declared value type, the
// merge strategy, and an optional numeric bound.
type Field struct {
	Name     string
	Type     string // string, int, bool, array, object
	Strategy crdt.Strategy
	Bound    *Bound
}

// Bound is a lower clamp applied to a numeric lww field after merge.
type Bound struct {
	Min int64
}

// Document returns the declaration with the given label.
func (s *Schema) Document(name string) (*Document, bool) {
	for i := range s.Documents {
		if s.Documents[i].Name == name {
			return &s.Documents[i], true
		}
	}
	return nil, false
}

// Field returns the declared field with the given name.
func (d *Document) Field(name string) (Field, bool) {
	if d.index == nil {
		d.buildIndex()
	}
	i, ok := d.index[name]
	if !ok {
		return Field{}, false
	}
	return d.Fields[i], true
}

// FieldNames returns the declared field names in declaration order.
func (d *Document) FieldNames() []string {
	names := make([]string, len(d.Fields))
	for i, f := range d.Fields {
		names[i] = f.Name
	}
	return names
}

func (d *Document) buildIndex() {
	d.index = make(map[string]int, len(d.Fields))
	for i, f := range d.Fields {
		d.index[f.Name] = i
	}
}

func qualify(schemaName, docName string) string {
	if schemaName == "" {
		return docName
	}
	return schemaName + "/" + docName
}

// Set indexes compiled documents by namespace for engine lookups.
type Set struct {
	docs map[string]*Document
}

// NewSet builds a namespace index over the given schemas. Two documents
// compiling to the same namespace is an error.
func NewSet(schemas ...*Schema) (*Set, error) {
	set := &Set{docs: make(map[string]*Document)}
	for _, sch := range schemas {
		if err := set.Add(sch); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// Add indexes every document of sch, rejecting namespace collisions.
func (s *Set) Add(sch *Schema) error {
	for i := range sch.Documents {
		doc := &sch.Documents[i]
		if _, dup := s.docs[doc.Namespace]; dup {
			return fmt.Errorf("duplicate schema namespace %q", doc.Namespace)
		}
		s.docs[doc.Namespace] = doc
	}
	return nil
}

// Document returns the declaration governing a namespace.
func (s *Set) Document(namespace string) (*Document, bool) {
	doc, ok := s.docs[namespace]
	return doc, ok
}

// Namespaces returns every indexed namespace, sorted.
func (s *Set) Namespaces() []string {
	out := make([]string, 0, len(s.docs))
	for ns := range s.docs {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}
