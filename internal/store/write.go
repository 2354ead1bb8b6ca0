package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/factsync/internal/ir"
	"github.com/roach88/factsync/internal/querysql"
)

// deleteChunkSize keeps DELETE ... IN (...) under SQLite's bound-variable limit.
const deleteChunkSize = 500

// Insert writes a transient record as a new row of table.
//
// Fields are written in sorted order and converted to their column types.
// The identity is assigned by SQLite; on success the record is bound to the
// new row and its shadow refreshed.
func (s *Store) Insert(ctx context.Context, table string, rec *ir.Record) error {
	if rec.Persisted() {
		return storageErr("insert", table, fmt.Errorf("record already persisted as %s", rec.Ref()))
	}
	info, err := s.DescribeTable(ctx, table)
	if err != nil {
		return err
	}
	types := columnTypes(info)

	fields := rec.Fields()
	cols := make([]string, len(fields))
	marks := make([]string, len(fields))
	params := make([]any, len(fields))
	for i, name := range fields {
		if !ir.ValidIdentifier(name) {
			return storageErr("insert", table, fmt.Errorf("invalid column name %q", name))
		}
		v, _ := rec.Get(name)
		typ, known := types[strings.ToLower(name)]
		p, err := bindValue(v, typ, known)
		if err != nil {
			return storageErr("insert", table, fmt.Errorf("column %s: %w", name, err))
		}
		cols[i] = querysql.QuoteIdent(name)
		marks[i] = "?"
		params[i] = p
	}

	var stmt string
	if len(fields) == 0 {
		stmt = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", querysql.QuoteIdent(table))
	} else {
		stmt = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			querysql.QuoteIdent(table), strings.Join(cols, ", "), strings.Join(marks, ", "))
	}

	result, err := s.q.ExecContext(ctx, stmt, params...)
	if err != nil {
		return storageErr("insert", table, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return storageErr("insert", table, err)
	}

	rec.Bind(table, id)
	return nil
}

// Update writes the fields of a persisted record that differ from its
// shadow, matched by identity.
//
// Returns false without issuing any statement when nothing differs. On
// success the shadow is refreshed.
func (s *Store) Update(ctx context.Context, rec *ir.Record) (bool, error) {
	if !rec.Persisted() {
		return false, storageErr("update", rec.Table(), ErrNotPersisted)
	}
	changed := rec.Changed()
	if len(changed) == 0 {
		return false, nil
	}

	table := rec.Table()
	info, err := s.DescribeTable(ctx, table)
	if err != nil {
		return false, err
	}
	types := columnTypes(info)

	sets := make([]string, len(changed))
	params := make([]any, 0, len(changed)+1)
	for i, name := range changed {
		if !ir.ValidIdentifier(name) || strings.EqualFold(name, ir.IdentityColumn) {
			return false, storageErr("update", table, fmt.Errorf("invalid column name %q", name))
		}
		v, _ := rec.Get(name)
		typ, known := types[strings.ToLower(name)]
		p, err := bindValue(v, typ, known)
		if err != nil {
			return false, storageErr("update", table, fmt.Errorf("column %s: %w", name, err))
		}
		sets[i] = querysql.QuoteIdent(name) + " = ?"
		params = append(params, p)
	}
	params = append(params, rec.ID())

	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		querysql.QuoteIdent(table), strings.Join(sets, ", "), querysql.QuoteIdent(ir.IdentityColumn))
	result, err := s.q.ExecContext(ctx, stmt, params...)
	if err != nil {
		return false, storageErr("update", table, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, storageErr("update", table, err)
	}
	if n == 0 {
		return false, storageErr("update", table, fmt.Errorf("%s: %w", rec.Ref(), ErrRowNotFound))
	}

	rec.MarkClean()
	return true, nil
}

// Delete removes rows by reference.
//
// References are grouped per table and issued as one DELETE per table (in
// sorted table order), chunked to stay under SQLite's variable limit.
// Missing rows are ignored. Returns the number of rows removed.
func (s *Store) Delete(ctx context.Context, refs ...ir.RowRef) (int64, error) {
	byTable := make(map[string][]int64)
	for _, ref := range refs {
		if !ir.ValidIdentifier(ref.Table) {
			return 0, storageErr("delete", ref.Table, fmt.Errorf("invalid table name %q", ref.Table))
		}
		if ref.ID <= 0 {
			return 0, storageErr("delete", ref.Table, ErrNotPersisted)
		}
		byTable[ref.Table] = append(byTable[ref.Table], ref.ID)
	}

	tables := make([]string, 0, len(byTable))
	for t := range byTable {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	var total int64
	for _, table := range tables {
		ids := dedupeSorted(byTable[table])
		for start := 0; start < len(ids); start += deleteChunkSize {
			end := min(start+deleteChunkSize, len(ids))
			chunk := ids[start:end]

			marks := make([]string, len(chunk))
			params := make([]any, len(chunk))
			for i, id := range chunk {
				marks[i] = "?"
				params[i] = id
			}
			stmt := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)",
				querysql.QuoteIdent(table), querysql.QuoteIdent(ir.IdentityColumn), strings.Join(marks, ", "))
			result, err := s.q.ExecContext(ctx, stmt, params...)
			if err != nil {
				return total, storageErr("delete", table, err)
			}
			n, err := result.RowsAffected()
			if err != nil {
				return total, storageErr("delete", table, err)
			}
			total += n
		}
	}
	return total, nil
}

func dedupeSorted(ids []int64) []int64 {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	out := sorted[:0]
	for i, id := range sorted {
		if i == 0 || id != sorted[i-1] {
			out = append(out, id)
		}
	}
	return out
}
