// Package store provides SQLite-backed storage for fact tables.
//
// The store has two faces:
//   - SchemaStore: InitializeTable creates or additively migrates a table
//     from an ir.TableSchema; DescribeTable introspects it.
//   - RecordStore: Insert, Select, Update and Delete over ir.Record values.
//
// Every user table carries an implicit identity column
// "id INTEGER PRIMARY KEY AUTOINCREMENT", so identities increase
// monotonically and are never reused. Identities are visible to the store
// and the reconciler's write path only; collectors address records by
// natural key.
//
// # Critical Patterns
//
// Forward-only migration
//   - Columns are only ever added, never dropped, renamed or narrowed
//   - Each DDL statement commits on its own; a partial run is a subset of
//     the target layout and can be retried
//
// Parameterized statements
//   - Values are always bound with ? placeholders
//   - Identifiers are validated against ir.IdentifierPattern and quoted
//
// Deterministic reads
//   - Every SELECT ends its ORDER BY with "id" ASC
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - File mode 0600: fact tables describe the host
//
// System tables start with an underscore (the _runs journal) and are hidden
// from ListTables.
package store
