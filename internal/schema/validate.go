package schema

import (
	"fmt"
	"strings"

	"github.com/driftlab/drift/internal/crdt"
)

// Validation error codes (E200-E299)
const (
	ErrDocNoFields       = "E200" // document declares no fields
	ErrDuplicateField    = "E201" // duplicate field name
	ErrUnknownStrategy   = "E202" // strategy not in the supported set
	ErrStrategyType      = "E203" // strategy incompatible with field type
	ErrInvalidFieldType  = "E204" // type not in the supported set
	ErrBoundPlacement    = "E205" // @bound on a non lww int field
	ErrDuplicateDocument = "E206" // duplicate document namespace
	ErrSchemaEmpty       = "E207" // schema without documents
	ErrFieldNameEmpty    = "E208" // field with empty name
)

// ValidationError is one schema rule violation.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks a compiled schema against the declaration rules.
// Returns all violations found (does not fail-fast). Compile enforces
// the same rules with source positions; Validate covers schemas built
// directly in Go.
func Validate(sch *Schema) []ValidationError {
	var errs []ValidationError

	if len(sch.Documents) == 0 {
		errs = append(errs, ValidationError{
			Field:   "document",
			Message: "schema declares no documents",
			Code:    ErrSchemaEmpty,
		})
	}

	namespaces := make(map[string]bool)
	for i := range sch.Documents {
		doc := &sch.Documents[i]

		if namespaces[doc.Namespace] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("document.%s", doc.Name),
				Message: fmt.Sprintf("duplicate namespace %q", doc.Namespace),
				Code:    ErrDuplicateDocument,
			})
		}
		namespaces[doc.Namespace] = true

		errs = append(errs, validateDocument(doc)...)
	}

	return errs
}

func validateDocument(doc *Document) []ValidationError {
	var errs []ValidationError

	if len(doc.Fields) == 0 {
		errs = append(errs, ValidationError{
			Field:   fmt.Sprintf("document.%s", doc.Name),
			Message: "document declares no fields",
			Code:    ErrDocNoFields,
		})
	}

	seen := make(map[string]bool)
	for _, f := range doc.Fields {
		path := fmt.Sprintf("document.%s.%s", doc.Name, f.Name)

		if strings.TrimSpace(f.Name) == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("document.%s", doc.Name),
				Message: "field name must be non-empty",
				Code:    ErrFieldNameEmpty,
			})
			continue
		}

		if seen[f.Name] {
			errs = append(errs, ValidationError{
				Field:   path,
				Message: fmt.Sprintf("duplicate field name %q", f.Name),
				Code:    ErrDuplicateField,
			})
		}
		seen[f.Name] = true

		if !isValidType(f.Type) {
			errs = append(errs, ValidationError{
				Field:   path,
				Message: fmt.Sprintf("invalid type %q", f.Type),
				Code:    ErrInvalidFieldType,
			})
		}

		if !f.Strategy.Known() {
			errs = append(errs, ValidationError{
				Field:   path,
				Message: fmt.Sprintf("unknown merge strategy %q", f.Strategy),
				Code:    ErrUnknownStrategy,
			})
		} else if isValidType(f.Type) && !strategyAllows(f.Strategy, f.Type) {
			errs = append(errs, ValidationError{
				Field:   path,
				Message: fmt.Sprintf("strategy %s cannot merge a %s field", f.Strategy, f.Type),
				Code:    ErrStrategyType,
			})
		}

		if f.Bound != nil && (f.Strategy != crdt.StrategyLWW || f.Type != "int") {
			errs = append(errs, ValidationError{
				Field:   path,
				Message: "bound applies only to lww int fields",
				Code:    ErrBoundPlacement,
			})
		}
	}

	return errs
}

// isValidType checks if a type string is one drift supports.
func isValidType(t string) bool {
	switch t {
	case "string", "int", "bool", "array", "object":
		return true
	}
	return false
}
