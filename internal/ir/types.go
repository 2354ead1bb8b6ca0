package ir

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// IdentifierPattern is the grammar for table, column and index names.
// Leading underscores are reserved for system tables and internal fields.
const IdentifierPattern = `^[A-Za-z][A-Za-z0-9_]*$`

var identifierRE = regexp.MustCompile(IdentifierPattern)

// ValidIdentifier reports whether name is usable as a table, column or index name.
func ValidIdentifier(name string) bool {
	return identifierRE.MatchString(name)
}

// ColumnType is the closed set of logical column types.
type ColumnType int

const (
	// ColumnTypeText stores UTF-8 strings (SQLite TEXT affinity).
	ColumnTypeText ColumnType = iota + 1

	// ColumnTypeInteger stores int64 values (SQLite INTEGER affinity).
	ColumnTypeInteger
)

// String returns the declaration name of the type.
func (t ColumnType) String() string {
	switch t {
	case ColumnTypeText:
		return "text"
	case ColumnTypeInteger:
		return "integer"
	default:
		return fmt.Sprintf("ColumnType(%d)", int(t))
	}
}

// SQL returns the SQLite type name used in DDL.
func (t ColumnType) SQL() string {
	switch t {
	case ColumnTypeInteger:
		return "INTEGER"
	default:
		return "TEXT"
	}
}

// Valid reports whether t is one of the declared column types.
func (t ColumnType) Valid() bool {
	return t == ColumnTypeText || t == ColumnTypeInteger
}

// ParseColumnType parses a declared type name. Matching is case-insensitive.
func ParseColumnType(s string) (ColumnType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "string":
		return ColumnTypeText, nil
	case "integer", "int":
		return ColumnTypeInteger, nil
	default:
		return 0, fmt.Errorf("unknown column type %q (want text or integer)", s)
	}
}

// ColumnTypeFromSQL maps a declared SQLite column type back to a ColumnType
// using SQLite's affinity rules: anything containing "INT" is an integer.
func ColumnTypeFromSQL(decl string) ColumnType {
	if strings.Contains(strings.ToUpper(decl), "INT") {
		return ColumnTypeInteger
	}
	return ColumnTypeText
}

// Coerce converts v to the column's logical type.
// Null passes through unchanged.
func (t ColumnType) Coerce(v Value) (Value, error) {
	if IsNull(v) {
		return Null{}, nil
	}
	switch t {
	case ColumnTypeText:
		return Text(v.String()), nil
	case ColumnTypeInteger:
		switch val := v.(type) {
		case Int:
			return val, nil
		case Text:
			n, err := strconv.ParseInt(strings.TrimSpace(string(val)), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not an integer", string(val))
			}
			return Int(n), nil
		}
	}
	return nil, fmt.Errorf("cannot coerce %T to %s", v, t)
}

// ColumnDef declares one column of a table.
// Columns are nullable unless NotNull is set.
type ColumnDef struct {
	Name       string
	Type       ColumnType
	NotNull    bool
	Default    Value // nil = no DEFAULT clause
	PrimaryKey bool  // rendered as UNIQUE; the identity column owns the primary key
}

// IndexDef declares a secondary index.
type IndexDef struct {
	Name    string // derived from table and columns when empty
	Columns []string
	Unique  bool
}

// TableSchema is a table name plus its ordered column declarations.
//
// Declaration order is the migration order. The identity column "id" is
// implicit and never declared.
type TableSchema struct {
	Name       string
	Columns    []ColumnDef
	NaturalKey string
	Indexes    []IndexDef
}

// Column returns the declared column with the given name (case-insensitive).
func (s TableSchema) Column(name string) (ColumnDef, bool) {
	for _, c := range s.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return ColumnDef{}, false
}

// ColumnNames returns declared column names in declaration order.
func (s TableSchema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// IdentityColumn is the name of the implicit, store-assigned identity column.
const IdentityColumn = "id"

// ColumnInfo is one row of table introspection.
type ColumnInfo struct {
	Name         string     `json:"name"`
	DeclaredType string     `json:"declared_type"`
	Type         ColumnType `json:"-"`
	NotNull      bool       `json:"not_null"`
	Default      string     `json:"default,omitempty"` // raw SQL default expression
	PrimaryKey   bool       `json:"primary_key"`
}

// RowRef addresses one stored row by table and identity.
type RowRef struct {
	Table string
	ID    int64
}

// String renders the reference as table#id.
func (r RowRef) String() string {
	return fmt.Sprintf("%s#%d", r.Table, r.ID)
}
