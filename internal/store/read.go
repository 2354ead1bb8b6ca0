package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/factsync/internal/ir"
	"github.com/roach88/factsync/internal/queryir"
	"github.com/roach88/factsync/internal/querysql"
)

// SelectOptions narrows a Select.
type SelectOptions struct {
	// Columns to read. Empty means every column. The identity is always read.
	Columns []string

	// Where filters rows. Nil matches every row.
	Where queryir.Predicate

	// OrderBy defaults to identity ascending; identity is always the final tiebreaker.
	OrderBy []queryir.OrderKey

	// Limit caps the number of rows. 0 means no limit.
	Limit int
}

// Select returns the rows of a table matching opts as persisted records.
// Values are converted to each column's declared type.
//
// Returns an empty slice (not nil) when nothing matches.
func (s *Store) Select(ctx context.Context, table string, opts SelectOptions) ([]*ir.Record, error) {
	info, err := s.DescribeTable(ctx, table)
	if err != nil {
		return nil, err
	}
	known := make([]string, len(info))
	for i, c := range info {
		known[i] = c.Name
	}
	types := columnTypes(info)

	query, params, err := querysql.NewSQLCompiler(known...).Compile(queryir.Select{
		From:    table,
		Columns: opts.Columns,
		Where:   opts.Where,
		OrderBy: opts.OrderBy,
		Limit:   opts.Limit,
	})
	if err != nil {
		return nil, storageErr("select", table, err)
	}

	rows, err := s.q.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, storageErr("select", table, err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, storageErr("select", table, err)
	}

	records := []*ir.Record{}
	for rows.Next() {
		raw := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, storageErr("select", table, err)
		}

		var id int64
		fields := make(map[string]ir.Value, len(names)-1)
		for i, name := range names {
			if strings.EqualFold(name, ir.IdentityColumn) {
				n, ok := raw[i].(int64)
				if !ok {
					return nil, storageErr("select", table, fmt.Errorf("identity has type %T", raw[i]))
				}
				id = n
				continue
			}
			v, err := scanValue(raw[i], types[strings.ToLower(name)])
			if err != nil {
				return nil, storageErr("select", table, fmt.Errorf("column %s: %w", name, err))
			}
			fields[name] = v
		}
		records = append(records, ir.NewStoredRecord(table, id, fields))
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("select", table, err)
	}

	return records, nil
}

// SelectAll returns every row of a table in identity order.
func (s *Store) SelectAll(ctx context.Context, table string) ([]*ir.Record, error) {
	return s.Select(ctx, table, SelectOptions{})
}

// Count returns the number of rows in a table.
func (s *Store) Count(ctx context.Context, table string) (int64, error) {
	if !ir.ValidIdentifier(table) {
		return 0, storageErr("count", table, fmt.Errorf("invalid table name %q", table))
	}
	var n int64
	if err := s.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+querysql.QuoteIdent(table)).Scan(&n); err != nil {
		return 0, storageErr("count", table, err)
	}
	return n, nil
}
