package queryir

import "github.com/roach88/factsync/internal/ir"

// Predicate represents a filter condition.
//
// This is a sealed interface - only types in this package implement it.
//
// Predicate types:
//   - Equals: field = value
//   - NotEquals: field <> value
//   - IsNull: field IS NULL / IS NOT NULL
//   - In: field IN (values...)
//   - And: all predicates must be true
type Predicate interface {
	predicateNode() // Marker method - seals interface to this package
}

// Select reads rows from one table.
//
// Semantics:
//
//	SELECT <columns> FROM <from> WHERE <where> ORDER BY <order_by> LIMIT <limit>
//
// Columns empty means every column. The identity column is always read.
// OrderBy empty means identity ascending. Limit 0 means no limit.
type Select struct {
	From    string
	Columns []string
	Where   Predicate
	OrderBy []OrderKey
	Limit   int
}

// OrderKey is one ORDER BY term.
type OrderKey struct {
	Field string
	Desc  bool
}

// Equals represents a field-equals-literal predicate.
//
// Comparing to ir.Null never matches in SQL; use IsNull instead.
// Validate reports it.
type Equals struct {
	Field string
	Value ir.Value
}

func (Equals) predicateNode() {}

// NotEquals represents a field-differs-from-literal predicate.
type NotEquals struct {
	Field string
	Value ir.Value
}

func (NotEquals) predicateNode() {}

// IsNull matches rows where the field is NULL, or not NULL when Negate is set.
type IsNull struct {
	Field  string
	Negate bool
}

func (IsNull) predicateNode() {}

// In matches rows whose field equals any of the values.
// An empty value list matches nothing.
type In struct {
	Field  string
	Values []ir.Value
}

func (In) predicateNode() {}

// And is the conjunction of its predicates. An empty And matches everything.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Eq is shorthand for Equals.
func Eq(field string, v ir.Value) Equals {
	return Equals{Field: field, Value: v}
}

// AllOf is shorthand for And.
func AllOf(preds ...Predicate) And {
	return And{Predicates: preds}
}

// Fields returns every field name referenced by a predicate, in traversal order.
func Fields(p Predicate) []string {
	var out []string
	var walk func(Predicate)
	walk = func(p Predicate) {
		switch pred := p.(type) {
		case Equals:
			out = append(out, pred.Field)
		case *Equals:
			out = append(out, pred.Field)
		case NotEquals:
			out = append(out, pred.Field)
		case *NotEquals:
			out = append(out, pred.Field)
		case IsNull:
			out = append(out, pred.Field)
		case *IsNull:
			out = append(out, pred.Field)
		case In:
			out = append(out, pred.Field)
		case *In:
			out = append(out, pred.Field)
		case And:
			for _, sub := range pred.Predicates {
				walk(sub)
			}
		case *And:
			for _, sub := range pred.Predicates {
				walk(sub)
			}
		}
	}
	if p != nil {
		walk(p)
	}
	return out
}
