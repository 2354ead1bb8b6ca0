// Package queryir provides the where-clause representation used by the
// record store.
//
// Callers never write SQL text. A Select names a table, the columns to read,
// an optional Predicate, an ordering and a limit; package querysql compiles
// it to parameterized SQLite.
//
//	[caller] → [queryir.Select] → [querysql] → "SELECT ... WHERE col = ?"
//
// SEALED INTERFACES:
//
// Predicate is a sealed interface using the marker method pattern. Only
// types in this package implement it, so backends can switch exhaustively:
//
//	switch p := pred.(type) {
//	case Equals:
//	case NotEquals:
//	case IsNull:
//	case In:
//	case And:
//	}
//
// VALUES:
//
// All literal values are ir.Value (Null, Text, Int). Values are always bound
// as parameters and never interpolated into statement text. Field names are
// identifiers checked against ir.ValidIdentifier before compilation.
package queryir
