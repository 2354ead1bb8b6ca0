package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/factsync/internal/ir"
	"github.com/roach88/factsync/internal/queryir"
	"github.com/roach88/factsync/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string   // Assertion type for categorization
	Expected string   // Human-readable expected outcome
	Actual   string   // Human-readable actual outcome
	Audit    []string // Full audit output for context, when relevant
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Audit) > 0 {
		fmt.Fprintf(&buf, "\nAudit output:\n")
		for i, line := range e.Audit {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, line)
		}
	}
	return buf.String()
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Store *store.Store
	Ctx   context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides database access for state assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertFinalState, AssertRowCount:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: %s requires database context", i, assertion.Type)
			} else if assertion.Type == AssertFinalState {
				err = assertFinalState(actx.Ctx, actx.Store, assertion)
			} else {
				err = assertRowCount(actx.Ctx, actx.Store, assertion)
			}
		case AssertAuditContains:
			err = assertAuditContains(result.Audit, assertion)
		case AssertAuditCount:
			err = assertAuditCount(result.Audit, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

// assertFinalState checks that exactly one row matches the where clause and
// that it holds the expected values (subset semantics).
func assertFinalState(ctx context.Context, st *store.Store, assertion Assertion) error {
	where, err := buildWhere(assertion.Where)
	if err != nil {
		return err
	}

	rows, err := st.Select(ctx, assertion.Table, store.SelectOptions{Where: where})
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}

	whereDesc := formatWhere(assertion.Where)
	switch len(rows) {
	case 0:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, whereDesc),
			Actual:   "row not found",
		}
	case 1:
	default:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Table, whereDesc),
			Actual:   fmt.Sprintf("%d rows matched (assertion is ambiguous)", len(rows)),
		}
	}

	row := rows[0]
	for _, key := range sortedKeys(assertion.Expect) {
		want, err := ir.ValueOf(assertion.Expect[key])
		if err != nil {
			return fmt.Errorf("final_state expect %q: %w", key, err)
		}
		got, ok := row.Get(key)
		if !ok {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in row fields: %v", key, row.Fields()),
			}
		}
		if !stateValuesEqual(want, got) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %s", key, describe(want)),
				Actual:   fmt.Sprintf("field %q = %s", key, describe(got)),
			}
		}
	}
	return nil
}

// assertRowCount checks the number of rows, optionally filtered.
func assertRowCount(ctx context.Context, st *store.Store, assertion Assertion) error {
	var (
		n   int64
		err error
	)
	if len(assertion.Where) == 0 {
		n, err = st.Count(ctx, assertion.Table)
	} else {
		var where queryir.Predicate
		if where, err = buildWhere(assertion.Where); err != nil {
			return err
		}
		var rows []*ir.Record
		rows, err = st.Select(ctx, assertion.Table, store.SelectOptions{Where: where})
		n = int64(len(rows))
	}
	if err != nil {
		return &AssertionError{
			Type:     AssertRowCount,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	if n != int64(assertion.Count) {
		return &AssertionError{
			Type:     AssertRowCount,
			Expected: fmt.Sprintf("%d rows in %s where %s", assertion.Count, assertion.Table, formatWhere(assertion.Where)),
			Actual:   fmt.Sprintf("%d rows", n),
		}
	}
	return nil
}

// assertAuditContains checks that a line appears verbatim.
func assertAuditContains(audit []string, assertion Assertion) error {
	for _, line := range audit {
		if line == assertion.Line {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertAuditContains,
		Expected: assertion.Line,
		Actual:   "not found in audit output",
		Audit:    audit,
	}
}

// assertAuditCount checks the number of audit lines of a kind.
func assertAuditCount(audit []string, assertion Assertion) error {
	count := 0
	for _, line := range audit {
		if lineKind(line) == assertion.Kind {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertAuditCount,
			Expected: fmt.Sprintf("%d %s lines", assertion.Count, assertion.Kind),
			Actual:   fmt.Sprintf("%d %s lines", count, assertion.Kind),
			Audit:    audit,
		}
	}
	return nil
}

// lineKind classifies an audit line by its event flag.
func lineKind(line string) string {
	switch {
	case strings.HasPrefix(line, "ty_error_"):
		return KindError
	case strings.Contains(line, ` new_entry="true"`):
		return KindNew
	case strings.Contains(line, ` changed_entry="true"`):
		return KindChanged
	case strings.Contains(line, ` removed_entry="true"`):
		return KindRemoved
	default:
		return ""
	}
}

// buildWhere converts an equality map into a predicate. Keys are sorted
// for deterministic SQL.
func buildWhere(where map[string]any) (queryir.Predicate, error) {
	if len(where) == 0 {
		return nil, nil
	}
	preds := make([]queryir.Predicate, 0, len(where))
	for _, key := range sortedKeys(where) {
		v, err := ir.ValueOf(where[key])
		if err != nil {
			return nil, fmt.Errorf("where %q: %w", key, err)
		}
		if ir.IsNull(v) {
			preds = append(preds, queryir.IsNull{Field: key})
			continue
		}
		preds = append(preds, queryir.Eq(key, v))
	}
	return queryir.AllOf(preds...), nil
}

// formatWhere creates a human-readable description of where conditions.
func formatWhere(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	parts := make([]string, 0, len(where))
	for _, k := range sortedKeys(where) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// stateValuesEqual compares an expected value with a stored one. Null only
// equals null; otherwise values compare by text, so `state: 1` in YAML
// matches a text column holding "1".
func stateValuesEqual(expected, actual ir.Value) bool {
	if ir.IsNull(expected) || ir.IsNull(actual) {
		return ir.IsNull(expected) && ir.IsNull(actual)
	}
	return ir.StringOf(expected) == ir.StringOf(actual)
}

func describe(v ir.Value) string {
	if ir.IsNull(v) {
		return "null"
	}
	return fmt.Sprintf("%q (%T)", ir.StringOf(v), v)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
