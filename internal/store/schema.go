package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/roach88/factsync/internal/compiler"
	"github.com/roach88/factsync/internal/ir"
	"github.com/roach88/factsync/internal/querysql"
)

// MigrationReport describes what InitializeTable changed.
type MigrationReport struct {
	Table        string   `json:"table"`
	Created      bool     `json:"created"`
	AddedColumns []string `json:"added_columns"`
	Indexes      []string `json:"indexes"` // indexes created by this call
}

// Changed reports whether any DDL took effect.
func (r *MigrationReport) Changed() bool {
	return r.Created || len(r.AddedColumns) > 0 || len(r.Indexes) > 0
}

// InitializeTable ensures a table matching schema exists.
//
// A missing table is created with the identity column followed by the
// declared columns. An existing table gains every declared column it lacks,
// one ALTER TABLE per column; nothing is dropped, renamed or narrowed.
// Declared indexes, unique columns and the natural key index are then
// created if missing.
//
// Schema problems are returned as *compiler.SchemaError before any DDL is
// issued. Each DDL statement commits on its own, so a failed call leaves a
// subset of the target layout and can be retried.
func (s *Store) InitializeTable(ctx context.Context, schema ir.TableSchema) (*MigrationReport, error) {
	if err := compiler.Validate(schema); err != nil {
		return nil, err
	}
	schema = compiler.NormalizeDefaults(schema)

	report := &MigrationReport{Table: schema.Name, AddedColumns: []string{}, Indexes: []string{}}

	exists, err := s.TableExists(ctx, schema.Name)
	if err != nil {
		return nil, err
	}

	if !exists {
		if _, err := s.q.ExecContext(ctx, createTableSQL(schema)); err != nil {
			return nil, storageErr("create table", schema.Name, err)
		}
		report.Created = true
	} else {
		missing, err := s.missingColumns(ctx, schema)
		if err != nil {
			return nil, err
		}
		for _, col := range missing {
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s",
				querysql.QuoteIdent(schema.Name), columnSQL(col))
			if _, err := s.q.ExecContext(ctx, stmt); err != nil {
				return nil, storageErr("add column", schema.Name, fmt.Errorf("%s: %w", col.Name, err))
			}
			report.AddedColumns = append(report.AddedColumns, col.Name)
		}
	}

	created, err := s.ensureIndexes(ctx, schema)
	if err != nil {
		return nil, err
	}
	report.Indexes = created

	slog.Debug("table initialized",
		"table", schema.Name,
		"created", report.Created,
		"added_columns", len(report.AddedColumns),
		"indexes", len(report.Indexes))
	return report, nil
}

// missingColumns returns declared columns absent from the existing table,
// in declaration order. It fails before any ALTER if one of them cannot be
// added.
func (s *Store) missingColumns(ctx context.Context, schema ir.TableSchema) ([]ir.ColumnDef, error) {
	info, err := s.DescribeTable(ctx, schema.Name)
	if err != nil {
		return nil, err
	}
	present := make(map[string]ir.ColumnInfo, len(info))
	for _, c := range info {
		present[strings.ToLower(c.Name)] = c
	}

	var missing []ir.ColumnDef
	for _, col := range schema.Columns {
		existing, ok := present[strings.ToLower(col.Name)]
		if ok {
			if existing.Type != col.Type {
				slog.Warn("column type differs from declaration; keeping stored type",
					"table", schema.Name,
					"column", col.Name,
					"stored", existing.DeclaredType,
					"declared", col.Type.SQL())
			}
			continue
		}
		if col.NotNull && (col.Default == nil || ir.IsNull(col.Default)) {
			return nil, &compiler.SchemaError{
				Code:    compiler.ErrCodeMigration,
				Table:   schema.Name,
				Column:  col.Name,
				Message: "cannot add a NOT NULL column without a default to an existing table",
			}
		}
		missing = append(missing, col)
	}
	return missing, nil
}

// ensureIndexes creates missing indexes and returns the names it created.
func (s *Store) ensureIndexes(ctx context.Context, schema ir.TableSchema) ([]string, error) {
	before, err := s.indexNames(ctx, schema.Name)
	if err != nil {
		return nil, err
	}

	created := []string{}
	for _, idx := range indexesFor(schema) {
		unique := ""
		if idx.Unique {
			unique = "UNIQUE "
		}
		cols := make([]string, len(idx.Columns))
		for i, c := range idx.Columns {
			cols[i] = querysql.QuoteIdent(c)
		}
		stmt := fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)",
			unique, querysql.QuoteIdent(idx.Name), querysql.QuoteIdent(schema.Name), strings.Join(cols, ", "))
		if _, err := s.q.ExecContext(ctx, stmt); err != nil {
			return nil, storageErr("create index", schema.Name, fmt.Errorf("%s: %w", idx.Name, err))
		}
		if !before[strings.ToLower(idx.Name)] {
			created = append(created, idx.Name)
		}
	}
	return created, nil
}

// indexesFor lists every index a schema implies: a unique index on the
// natural key, one per unique column, then declared indexes. Names are
// derived when not given and deduplicated.
func indexesFor(schema ir.TableSchema) []ir.IndexDef {
	var out []ir.IndexDef
	seen := map[string]bool{}
	add := func(idx ir.IndexDef) {
		if idx.Name == "" {
			prefix := "ix"
			if idx.Unique {
				prefix = "ux"
			}
			idx.Name = prefix + "_" + schema.Name + "_" + strings.Join(idx.Columns, "_")
		}
		key := strings.ToLower(idx.Name)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, idx)
	}

	if schema.NaturalKey != "" {
		add(ir.IndexDef{Columns: []string{schema.NaturalKey}, Unique: true})
	}
	for _, col := range schema.Columns {
		if col.PrimaryKey && !strings.EqualFold(col.Name, schema.NaturalKey) {
			add(ir.IndexDef{Columns: []string{col.Name}, Unique: true})
		}
	}
	for _, idx := range schema.Indexes {
		add(idx)
	}
	return out
}

func (s *Store) indexNames(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'index' AND lower(tbl_name) = lower(?)`, table)
	if err != nil {
		return nil, storageErr("list indexes", table, err)
	}
	defer rows.Close()

	names := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, storageErr("list indexes", table, err)
		}
		names[strings.ToLower(name)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list indexes", table, err)
	}
	return names, nil
}

// DescribeTable returns the columns of a table in storage order, including
// the identity column. Unknown tables yield ErrTableNotFound wrapped in a
// *StorageError.
func (s *Store) DescribeTable(ctx context.Context, table string) ([]ir.ColumnInfo, error) {
	if !ir.ValidIdentifier(table) {
		return nil, storageErr("describe table", table, fmt.Errorf("invalid table name %q", table))
	}

	rows, err := s.q.QueryContext(ctx, "PRAGMA table_info("+querysql.QuoteIdent(table)+")")
	if err != nil {
		return nil, storageErr("describe table", table, err)
	}
	defer rows.Close()

	cols := []ir.ColumnInfo{}
	for rows.Next() {
		var (
			cid      int
			name     string
			declType string
			notNull  int
			dflt     sql.NullString
			pk       int
		)
		if err := rows.Scan(&cid, &name, &declType, &notNull, &dflt, &pk); err != nil {
			return nil, storageErr("describe table", table, err)
		}
		cols = append(cols, ir.ColumnInfo{
			Name:         name,
			DeclaredType: declType,
			Type:         ir.ColumnTypeFromSQL(declType),
			NotNull:      notNull != 0,
			Default:      dflt.String,
			PrimaryKey:   pk != 0,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("describe table", table, err)
	}

	if len(cols) == 0 {
		return nil, storageErr("describe table", table, ErrTableNotFound)
	}
	return cols, nil
}

// TableExists reports whether a table exists (case-insensitive, as SQLite is).
func (s *Store) TableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND lower(name) = lower(?)`,
		table).Scan(&n)
	if err != nil {
		return false, storageErr("table exists", table, err)
	}
	return n > 0, nil
}

// ListTables returns user table names in sorted order. System tables
// (leading underscore) and SQLite internals are excluded.
func (s *Store) ListTables(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table'
		  AND name NOT LIKE 'sqlite\_%' ESCAPE '\'
		  AND name NOT LIKE '\_%' ESCAPE '\'
		ORDER BY name COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, storageErr("list tables", "", err)
	}
	defer rows.Close()

	tables := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, storageErr("list tables", "", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list tables", "", err)
	}
	return tables, nil
}

// createTableSQL renders CREATE TABLE for a validated schema.
func createTableSQL(schema ir.TableSchema) string {
	defs := make([]string, 0, len(schema.Columns)+1)
	defs = append(defs, querysql.QuoteIdent(ir.IdentityColumn)+" INTEGER PRIMARY KEY AUTOINCREMENT")
	for _, col := range schema.Columns {
		defs = append(defs, columnSQL(col))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)",
		querysql.QuoteIdent(schema.Name), strings.Join(defs, ",\n\t"))
}

// columnSQL renders one column definition. Uniqueness is expressed as an
// index so the same definition works in CREATE TABLE and ALTER TABLE.
func columnSQL(col ir.ColumnDef) string {
	var b strings.Builder
	b.WriteString(querysql.QuoteIdent(col.Name))
	b.WriteString(" ")
	b.WriteString(col.Type.SQL())
	if col.NotNull {
		b.WriteString(" NOT NULL")
	}
	if col.Default != nil {
		b.WriteString(" DEFAULT ")
		b.WriteString(sqlLiteral(col.Default))
	}
	return b.String()
}

// sqlLiteral renders a default value as a SQL literal.
// DEFAULT clauses cannot take bound parameters.
func sqlLiteral(v ir.Value) string {
	switch val := v.(type) {
	case ir.Int:
		return strconv.FormatInt(int64(val), 10)
	case ir.Text:
		return "'" + strings.ReplaceAll(string(val), "'", "''") + "'"
	default:
		return "NULL"
	}
}
