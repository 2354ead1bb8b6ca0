package queryir

import (
	"fmt"
	"strings"

	"github.com/roach88/factsync/internal/ir"
)

// ValidationResult contains the problems found in a query.
type ValidationResult struct {
	// Valid is true when the query can be compiled safely.
	Valid bool

	// Errors lists problems that prevent compilation (bad identifiers,
	// unknown predicate types).
	Errors []string

	// Warnings lists legal but suspicious constructs, such as comparing
	// to NULL with Equals, which never matches.
	Warnings []string
}

// Validate checks a Select before compilation.
//
// known restricts referenced fields to the given column names
// (case-insensitive); pass nil to check identifier syntax only.
//
// Validate is a pure function with no side effects.
func Validate(sel Select, known []string) ValidationResult {
	v := &validator{known: make(map[string]bool, len(known))}
	for _, k := range known {
		v.known[strings.ToLower(k)] = true
	}

	if !ir.ValidIdentifier(sel.From) {
		v.addError("invalid table name %q", sel.From)
	}
	for _, c := range sel.Columns {
		v.checkField("column", c)
	}
	for _, k := range sel.OrderBy {
		v.checkField("order by", k.Field)
	}
	if sel.Limit < 0 {
		v.addError("negative limit %d", sel.Limit)
	}
	if sel.Where != nil {
		v.validatePredicate(sel.Where)
	}

	return ValidationResult{
		Valid:    len(v.errors) == 0,
		Errors:   v.errors,
		Warnings: v.warnings,
	}
}

// Err returns the validation errors as a single error, or nil.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("invalid query: %s", strings.Join(r.Errors, "; "))
}

// validator accumulates problems during traversal.
type validator struct {
	known    map[string]bool
	errors   []string
	warnings []string
}

func (v *validator) addError(format string, args ...any) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}

func (v *validator) addWarning(format string, args ...any) {
	v.warnings = append(v.warnings, fmt.Sprintf(format, args...))
}

// checkField verifies identifier syntax and, when known columns were given,
// membership. The identity column is always allowed.
func (v *validator) checkField(role, name string) {
	if !ir.ValidIdentifier(name) {
		v.addError("%s: invalid field name %q", role, name)
		return
	}
	if len(v.known) == 0 || strings.EqualFold(name, ir.IdentityColumn) {
		return
	}
	if !v.known[strings.ToLower(name)] {
		v.addError("%s: unknown field %q", role, name)
	}
}

// validatePredicate recursively validates a predicate node.
func (v *validator) validatePredicate(p Predicate) {
	switch pred := p.(type) {
	case Equals:
		v.validateComparison("=", pred.Field, pred.Value)
	case *Equals:
		v.validateComparison("=", pred.Field, pred.Value)
	case NotEquals:
		v.validateComparison("<>", pred.Field, pred.Value)
	case *NotEquals:
		v.validateComparison("<>", pred.Field, pred.Value)
	case IsNull:
		v.checkField("where", pred.Field)
	case *IsNull:
		v.checkField("where", pred.Field)
	case In:
		v.validateIn(pred)
	case *In:
		v.validateIn(*pred)
	case And:
		v.validateAnd(pred)
	case *And:
		v.validateAnd(*pred)
	case nil:
		v.addError("nil predicate inside conjunction")
	default:
		v.addError("unknown predicate type: %T", p)
	}
}

func (v *validator) validateComparison(op, field string, value ir.Value) {
	v.checkField("where", field)
	if ir.IsNull(value) {
		v.addWarning("field %q compared with %s NULL never matches - use IsNull", field, op)
	}
}

func (v *validator) validateIn(in In) {
	v.checkField("where", in.Field)
	if len(in.Values) == 0 {
		v.addWarning("field %q IN () matches nothing", in.Field)
	}
	for _, val := range in.Values {
		if ir.IsNull(val) {
			v.addWarning("field %q IN list contains NULL, which never matches", in.Field)
			break
		}
	}
}

func (v *validator) validateAnd(and And) {
	for _, sub := range and.Predicates {
		v.validatePredicate(sub)
	}
}
