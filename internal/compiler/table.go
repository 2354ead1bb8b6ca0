package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"

	"github.com/roach88/factsync/internal/ir"
)

// TablesPath is the top-level CUE field holding table declarations.
const TablesPath = "table"

// CompileTable parses a CUE value into a validated TableSchema.
// Uses the CUE SDK's Go API directly (not a CLI subprocess).
//
// The CUE value should be the table struct itself, e.g.:
//
//	table: kexts: {
//		natural_key: "name"
//		columns: {
//			name: {type: "text", nullable: false}
//			date: {type: "text", nullable: false}
//			hash: "text"
//		}
//		indexes: [{columns: ["hash"]}]
//	}
//
// Column declaration order is preserved and becomes the migration order.
func CompileTable(v cue.Value) (*ir.TableSchema, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	schema := &ir.TableSchema{}

	// Table name from struct label
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		schema.Name = labels[len(labels)-1].String()
	}

	// Natural key (optional)
	if nk := v.LookupPath(cue.ParsePath("natural_key")); nk.Exists() {
		s, err := nk.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		schema.NaturalKey = s
	}

	columns, err := parseColumns(schema.Name, v)
	if err != nil {
		return nil, err
	}
	schema.Columns = columns

	indexes, err := parseIndexes(v)
	if err != nil {
		return nil, err
	}
	schema.Indexes = indexes

	if errs := ValidateTable(*schema); len(errs) > 0 {
		first := errs[0]
		first.Pos = v.Pos()
		return nil, first
	}

	normalized := NormalizeDefaults(*schema)
	return &normalized, nil
}

// CompileTables compiles every field under the top-level "table" struct.
// All tables are attempted; errors are collected.
func CompileTables(v cue.Value) ([]ir.TableSchema, []error) {
	tablesVal := v.LookupPath(cue.ParsePath(TablesPath))
	if !tablesVal.Exists() {
		return nil, nil
	}

	iter, err := tablesVal.Fields()
	if err != nil {
		return nil, []error{formatCUEError(err)}
	}

	var tables []ir.TableSchema
	var errs []error
	for iter.Next() {
		schema, err := CompileTable(iter.Value())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		tables = append(tables, *schema)
	}
	return tables, errs
}

// CompileString compiles table declarations from CUE source text.
// filename is used only for error positions.
func CompileString(src, filename string) ([]ir.TableSchema, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	tables, errs := CompileTables(v)
	if len(errs) > 0 {
		return nil, errs[0]
	}
	if len(tables) == 0 {
		return nil, &SchemaError{Code: ErrCodeNoColumns, Message: fmt.Sprintf("no tables declared in %s", filename)}
	}
	return tables, nil
}

// parseColumns reads the columns struct in declaration order.
// A column is either a type name string or a struct with type, nullable,
// default and primary_key fields.
func parseColumns(table string, v cue.Value) ([]ir.ColumnDef, error) {
	colsVal := v.LookupPath(cue.ParsePath("columns"))
	if !colsVal.Exists() {
		return nil, &SchemaError{
			Code:    ErrCodeNoColumns,
			Table:   table,
			Message: "columns are required",
			Pos:     v.Pos(),
		}
	}

	iter, err := colsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var columns []ir.ColumnDef
	for iter.Next() {
		col, err := parseColumn(table, iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		columns = append(columns, col)
	}
	return columns, nil
}

func parseColumn(table, name string, v cue.Value) (ir.ColumnDef, error) {
	col := ir.ColumnDef{Name: name}

	// Shorthand: name: "text"
	if s, err := v.String(); err == nil {
		t, err := ir.ParseColumnType(s)
		if err != nil {
			return col, &SchemaError{Code: ErrCodeColumnType, Table: table, Column: name, Message: err.Error(), Pos: v.Pos()}
		}
		col.Type = t
		return col, nil
	}

	typeVal := v.LookupPath(cue.ParsePath("type"))
	if !typeVal.Exists() {
		return col, &SchemaError{Code: ErrCodeColumnType, Table: table, Column: name, Message: "type is required", Pos: v.Pos()}
	}
	typeName, err := typeVal.String()
	if err != nil {
		return col, formatCUEError(err)
	}
	col.Type, err = ir.ParseColumnType(typeName)
	if err != nil {
		return col, &SchemaError{Code: ErrCodeColumnType, Table: table, Column: name, Message: err.Error(), Pos: typeVal.Pos()}
	}

	if nv := v.LookupPath(cue.ParsePath("nullable")); nv.Exists() {
		nullable, err := nv.Bool()
		if err != nil {
			return col, formatCUEError(err)
		}
		col.NotNull = !nullable
	}

	if pk := v.LookupPath(cue.ParsePath("primary_key")); pk.Exists() {
		b, err := pk.Bool()
		if err != nil {
			return col, formatCUEError(err)
		}
		col.PrimaryKey = b
	}

	if dv := v.LookupPath(cue.ParsePath("default")); dv.Exists() {
		def, err := extractDefault(table, name, dv)
		if err != nil {
			return col, err
		}
		col.Default = def
	}

	return col, nil
}

// extractDefault converts a CUE scalar to a Value.
// Floats are forbidden.
func extractDefault(table, column string, v cue.Value) (ir.Value, error) {
	switch v.IncompleteKind() {
	case cue.NullKind:
		return ir.Null{}, nil
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.Text(s), nil
	case cue.IntKind:
		n, err := v.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.Int(n), nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.ValueOf(b)
	case cue.FloatKind, cue.NumberKind:
		return nil, &SchemaError{
			Code:    ErrCodeFloat,
			Table:   table,
			Column:  column,
			Message: "float defaults are forbidden - use int instead",
			Pos:     v.Pos(),
		}
	default:
		return nil, &SchemaError{
			Code:    ErrCodeDefault,
			Table:   table,
			Column:  column,
			Message: fmt.Sprintf("unsupported default kind: %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

// parseIndexes reads the optional indexes list.
func parseIndexes(v cue.Value) ([]ir.IndexDef, error) {
	idxVal := v.LookupPath(cue.ParsePath("indexes"))
	if !idxVal.Exists() {
		return nil, nil
	}

	iter, err := idxVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var indexes []ir.IndexDef
	for iter.Next() {
		item := iter.Value()
		var idx ir.IndexDef

		if nv := item.LookupPath(cue.ParsePath("name")); nv.Exists() {
			if idx.Name, err = nv.String(); err != nil {
				return nil, formatCUEError(err)
			}
		}
		if uv := item.LookupPath(cue.ParsePath("unique")); uv.Exists() {
			if idx.Unique, err = uv.Bool(); err != nil {
				return nil, formatCUEError(err)
			}
		}
		colsIter, err := item.LookupPath(cue.ParsePath("columns")).List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for colsIter.Next() {
			c, err := colsIter.Value().String()
			if err != nil {
				return nil, formatCUEError(err)
			}
			idx.Columns = append(idx.Columns, c)
		}
		indexes = append(indexes, idx)
	}
	return indexes, nil
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &SchemaError{Code: ErrCodeCUE, Message: err.Error()}
	}

	// Return first error with position info
	first := errs[0]
	se := &SchemaError{Code: ErrCodeCUE, Message: first.Error()}
	if positions := errors.Positions(first); len(positions) > 0 {
		se.Pos = positions[0]
	}
	return se
}
