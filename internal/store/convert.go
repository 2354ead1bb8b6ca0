package store

import (
	"strings"

	"github.com/roach88/factsync/internal/ir"
)

// columnTypes maps lower-cased column names to their logical types.
func columnTypes(info []ir.ColumnInfo) map[string]ir.ColumnType {
	types := make(map[string]ir.ColumnType, len(info))
	for _, c := range info {
		types[strings.ToLower(c.Name)] = c.Type
	}
	return types
}

// scanValue converts a driver value to an ir.Value of the column's type.
// SQLite does not enforce declared types, so a stored value that does not
// coerce is returned as read.
func scanValue(raw any, typ ir.ColumnType) (ir.Value, error) {
	v, err := ir.ValueOf(raw)
	if err != nil {
		return nil, err
	}
	if !typ.Valid() {
		return v, nil
	}
	if coerced, err := typ.Coerce(v); err == nil {
		return coerced, nil
	}
	return v, nil
}

// bindValue converts a value for a column before it is bound as a parameter.
// Unknown columns bind the value unchanged and let SQLite report the error.
func bindValue(v ir.Value, typ ir.ColumnType, known bool) (any, error) {
	if !known {
		return ir.ToParam(v), nil
	}
	coerced, err := typ.Coerce(v)
	if err != nil {
		return nil, err
	}
	return ir.ToParam(coerced), nil
}
