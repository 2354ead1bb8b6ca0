package compiler

import (
	"errors"
	"fmt"
	"strings"

	"cuelang.org/go/cue/token"

	"github.com/roach88/factsync/internal/ir"
)

// Schema error codes (E100-E199)
const (
	ErrCodeCUE            = "E100" // CUE parse or evaluation failure
	ErrCodeTableName      = "E101" // invalid table name
	ErrCodeColumnName     = "E102" // invalid column name
	ErrCodeReservedColumn = "E103" // column collides with the identity column
	ErrCodeDuplicate      = "E104" // duplicate column name (case-insensitive)
	ErrCodeColumnType     = "E105" // unknown or missing column type
	ErrCodeDefault        = "E106" // default incompatible with column
	ErrCodeNoColumns      = "E107" // table declares no columns
	ErrCodeNaturalKey     = "E108" // natural key is not a declared column
	ErrCodeIndex          = "E109" // invalid index declaration
	ErrCodeFloat          = "E110" // float types and values are forbidden
	ErrCodeMigration      = "E111" // declaration cannot be applied to the existing table
)

// SchemaError reports a malformed or conflicting table declaration.
// Schema errors are fatal and surface before any DDL is issued.
type SchemaError struct {
	Code    string
	Table   string
	Column  string // empty for table-level errors
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *SchemaError) Error() string {
	var b strings.Builder
	if e.Pos.IsValid() {
		fmt.Fprintf(&b, "%s:%d:%d: ", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column())
	}
	fmt.Fprintf(&b, "[%s] ", e.Code)
	if e.Table != "" {
		b.WriteString(e.Table)
		if e.Column != "" {
			b.WriteString(".")
			b.WriteString(e.Column)
		}
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// IsSchemaError reports whether err is or wraps a *SchemaError.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// ValidateTable checks a table declaration and returns every problem found
// (does not fail-fast). An empty result means the schema is valid.
func ValidateTable(schema ir.TableSchema) []*SchemaError {
	var errs []*SchemaError
	add := func(code, column, format string, args ...any) {
		errs = append(errs, &SchemaError{
			Code:    code,
			Table:   schema.Name,
			Column:  column,
			Message: fmt.Sprintf(format, args...),
		})
	}

	// E101: table name
	if !ir.ValidIdentifier(schema.Name) {
		add(ErrCodeTableName, "", "invalid table name %q: must match %s", schema.Name, ir.IdentifierPattern)
	} else if strings.HasPrefix(strings.ToLower(schema.Name), "sqlite_") {
		add(ErrCodeTableName, "", "table names starting with sqlite_ are reserved")
	}

	// E107: at least one column
	if len(schema.Columns) == 0 {
		add(ErrCodeNoColumns, "", "at least one column is required")
	}

	seen := make(map[string]string, len(schema.Columns))
	for _, col := range schema.Columns {
		// E102: column name
		if !ir.ValidIdentifier(col.Name) {
			add(ErrCodeColumnName, col.Name, "invalid column name: must match %s", ir.IdentifierPattern)
			continue
		}

		// E103: identity column is implicit
		if strings.EqualFold(col.Name, ir.IdentityColumn) {
			add(ErrCodeReservedColumn, col.Name, "%q is the implicit identity column and cannot be declared", ir.IdentityColumn)
			continue
		}

		// E104: duplicates, case-insensitive like SQLite
		lower := strings.ToLower(col.Name)
		if first, ok := seen[lower]; ok {
			add(ErrCodeDuplicate, col.Name, "duplicate column name (already declared as %q)", first)
			continue
		}
		seen[lower] = col.Name

		// E105: type
		if !col.Type.Valid() {
			add(ErrCodeColumnType, col.Name, "unknown column type %s", col.Type)
			continue
		}

		// E106: default
		if col.Default != nil {
			if ir.IsNull(col.Default) && col.NotNull {
				add(ErrCodeDefault, col.Name, "NOT NULL column cannot default to null")
			} else if _, err := col.Type.Coerce(col.Default); err != nil {
				add(ErrCodeDefault, col.Name, "default %v: %v", col.Default, err)
			}
		}
	}

	// E108: natural key
	if schema.NaturalKey != "" {
		if _, ok := seen[strings.ToLower(schema.NaturalKey)]; !ok {
			add(ErrCodeNaturalKey, schema.NaturalKey, "natural key is not a declared column")
		}
	}

	// E109: indexes
	for i, idx := range schema.Indexes {
		if idx.Name != "" && !ir.ValidIdentifier(idx.Name) {
			add(ErrCodeIndex, "", "indexes[%d]: invalid index name %q", i, idx.Name)
		}
		if len(idx.Columns) == 0 {
			add(ErrCodeIndex, "", "indexes[%d]: at least one column is required", i)
		}
		for _, c := range idx.Columns {
			if _, ok := seen[strings.ToLower(c)]; !ok {
				add(ErrCodeIndex, c, "indexes[%d]: column is not declared", i)
			}
		}
	}

	return errs
}

// Validate returns nil for a valid schema, or all problems joined.
// errors.As(err, **SchemaError) yields the first problem.
func Validate(schema ir.TableSchema) error {
	errs := ValidateTable(schema)
	if len(errs) == 0 {
		return nil
	}
	joined := make([]error, len(errs))
	for i, e := range errs {
		joined[i] = e
	}
	return errors.Join(joined...)
}

// NormalizeDefaults coerces declared defaults to their column types.
// The schema must already be valid.
func NormalizeDefaults(schema ir.TableSchema) ir.TableSchema {
	out := schema
	out.Columns = make([]ir.ColumnDef, len(schema.Columns))
	for i, col := range schema.Columns {
		if col.Default != nil && !ir.IsNull(col.Default) {
			if v, err := col.Type.Coerce(col.Default); err == nil {
				col.Default = v
			}
		}
		out.Columns[i] = col
	}
	return out
}
