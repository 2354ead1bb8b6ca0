package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/factsync/internal/ir"
	"github.com/roach88/factsync/internal/queryir"
)

// SQLCompiler compiles queryir selects to parameterized SQL for SQLite.
//
// Every statement carries an ORDER BY ending in the identity column so result
// order is deterministic. Values are bound with ? and never interpolated.
type SQLCompiler struct {
	// Known, when set, restricts referenced fields to these columns.
	Known []string
}

// NewSQLCompiler creates a new SQLCompiler.
func NewSQLCompiler(known ...string) *SQLCompiler {
	return &SQLCompiler{Known: known}
}

// QuoteIdent double-quotes an identifier for SQLite.
// Callers must have checked it with ir.ValidIdentifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Compile converts a Select to parameterized SQL.
// Returns (sql, params, error) tuple.
func (c *SQLCompiler) Compile(q queryir.Select) (string, []any, error) {
	if err := queryir.Validate(q, c.Known).Err(); err != nil {
		return "", nil, err
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(c.compileColumns(q.Columns))
	b.WriteString(" FROM ")
	b.WriteString(QuoteIdent(q.From))

	var params []any
	if q.Where != nil {
		whereSQL, whereParams, err := c.compilePredicate(q.Where)
		if err != nil {
			return "", nil, fmt.Errorf("compile where: %w", err)
		}
		b.WriteString(" WHERE ")
		b.WriteString(whereSQL)
		params = whereParams
	}

	b.WriteString(" ORDER BY ")
	b.WriteString(c.stableOrderKey(q.OrderBy))

	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		params = append(params, int64(q.Limit))
	}

	return b.String(), params, nil
}

// compileColumns renders the select list. The identity column always leads.
func (c *SQLCompiler) compileColumns(cols []string) string {
	if len(cols) == 0 {
		return "*"
	}
	parts := []string{QuoteIdent(ir.IdentityColumn)}
	for _, col := range cols {
		if strings.EqualFold(col, ir.IdentityColumn) {
			continue
		}
		parts = append(parts, QuoteIdent(col))
	}
	return strings.Join(parts, ", ")
}

// stableOrderKey returns the ORDER BY terms. Identity ascending is appended
// as a tiebreaker unless already present. COLLATE BINARY keeps text ordering
// independent of connection collation settings.
func (c *SQLCompiler) stableOrderKey(keys []queryir.OrderKey) string {
	var parts []string
	hasID := false
	for _, k := range keys {
		dir := "ASC"
		if k.Desc {
			dir = "DESC"
		}
		if strings.EqualFold(k.Field, ir.IdentityColumn) {
			hasID = true
			parts = append(parts, fmt.Sprintf("%s %s", QuoteIdent(ir.IdentityColumn), dir))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s COLLATE BINARY %s", QuoteIdent(k.Field), dir))
	}
	if !hasID {
		parts = append(parts, QuoteIdent(ir.IdentityColumn)+" ASC")
	}
	return strings.Join(parts, ", ")
}

// compilePredicate compiles a predicate to a WHERE fragment.
func (c *SQLCompiler) compilePredicate(p queryir.Predicate) (string, []any, error) {
	if p == nil {
		return "1 = 1", nil, nil
	}

	switch pred := p.(type) {
	case queryir.Equals:
		return c.compileComparison("=", pred.Field, pred.Value)
	case *queryir.Equals:
		return c.compileComparison("=", pred.Field, pred.Value)
	case queryir.NotEquals:
		return c.compileComparison("<>", pred.Field, pred.Value)
	case *queryir.NotEquals:
		return c.compileComparison("<>", pred.Field, pred.Value)
	case queryir.IsNull:
		return c.compileIsNull(pred)
	case *queryir.IsNull:
		return c.compileIsNull(*pred)
	case queryir.In:
		return c.compileIn(pred)
	case *queryir.In:
		return c.compileIn(*pred)
	case queryir.And:
		return c.compileAnd(pred)
	case *queryir.And:
		return c.compileAnd(*pred)
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func (c *SQLCompiler) compileComparison(op, field string, v ir.Value) (string, []any, error) {
	return fmt.Sprintf("%s %s ?", QuoteIdent(field), op), []any{ir.ToParam(v)}, nil
}

func (c *SQLCompiler) compileIsNull(p queryir.IsNull) (string, []any, error) {
	if p.Negate {
		return QuoteIdent(p.Field) + " IS NOT NULL", nil, nil
	}
	return QuoteIdent(p.Field) + " IS NULL", nil, nil
}

// compileIn renders "f IN (?, ?)". An empty list compiles to a false constant.
func (c *SQLCompiler) compileIn(in queryir.In) (string, []any, error) {
	if len(in.Values) == 0 {
		return "1 = 0", nil, nil
	}
	marks := make([]string, len(in.Values))
	params := make([]any, len(in.Values))
	for i, v := range in.Values {
		marks[i] = "?"
		params[i] = ir.ToParam(v)
	}
	return fmt.Sprintf("%s IN (%s)", QuoteIdent(in.Field), strings.Join(marks, ", ")), params, nil
}

// compileAnd compiles an And predicate to a parenthesized conjunction.
func (c *SQLCompiler) compileAnd(and queryir.And) (string, []any, error) {
	if len(and.Predicates) == 0 {
		return "1 = 1", nil, nil
	}

	var sqlParts []string
	var allParams []any
	for _, pred := range and.Predicates {
		sql, params, err := c.compilePredicate(pred)
		if err != nil {
			return "", nil, err
		}
		sqlParts = append(sqlParts, sql)
		allParams = append(allParams, params...)
	}
	if len(sqlParts) == 1 {
		return sqlParts[0], allParams, nil
	}
	return "(" + strings.Join(sqlParts, " AND ") + ")", allParams, nil
}
