package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RunRecord is one row of the run journal.
type RunRecord struct {
	Seq       int64         `json:"seq"`
	RunID     string        `json:"run_id"`
	Table     string        `json:"table"`
	Digest    string        `json:"digest"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	New       int           `json:"new"`
	Changed   int           `json:"changed"`
	Removed   int           `json:"removed"`
	Unchanged int           `json:"unchanged"`
	Skipped   int           `json:"skipped"`
}

// RunFilter narrows ReadRuns.
type RunFilter struct {
	Table string // empty means every table
	Limit int    // 0 means no limit
}

// WriteRun appends a run to the journal. Seq is assigned by SQLite and
// returned; run ids are unique.
func (s *Store) WriteRun(ctx context.Context, run RunRecord) (int64, error) {
	result, err := s.q.ExecContext(ctx, `
		INSERT INTO _runs
		(run_id, table_name, digest, started_at, duration_ms,
		 new_count, changed_count, removed_count, unchanged_count, skipped_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.RunID,
		run.Table,
		run.Digest,
		run.StartedAt.UTC().Format(time.RFC3339Nano),
		run.Duration.Milliseconds(),
		run.New,
		run.Changed,
		run.Removed,
		run.Unchanged,
		run.Skipped,
	)
	if err != nil {
		return 0, storageErr("write run", run.Table, err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return 0, storageErr("write run", run.Table, err)
	}
	return seq, nil
}

// ReadRuns returns journal rows newest first.
//
// Returns an empty slice (not nil) if no runs exist.
func (s *Store) ReadRuns(ctx context.Context, filter RunFilter) ([]RunRecord, error) {
	query := `
		SELECT seq, run_id, table_name, digest, started_at, duration_ms,
		       new_count, changed_count, removed_count, unchanged_count, skipped_count
		FROM _runs`
	var args []any
	if filter.Table != "" {
		query += ` WHERE table_name = ?`
		args = append(args, filter.Table)
	}
	query += ` ORDER BY seq DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("read runs", filter.Table, err)
	}
	defer rows.Close()

	runs := []RunRecord{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, storageErr("read runs", filter.Table, err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("read runs", filter.Table, err)
	}
	return runs, nil
}

// LatestRun returns the most recent run for a table.
// The boolean is false when the table has never been reconciled.
func (s *Store) LatestRun(ctx context.Context, table string) (RunRecord, bool, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT seq, run_id, table_name, digest, started_at, duration_ms,
		       new_count, changed_count, removed_count, unchanged_count, skipped_count
		FROM _runs
		WHERE table_name = ?
		ORDER BY seq DESC
		LIMIT 1
	`, table)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, false, nil
	}
	if err != nil {
		return RunRecord{}, false, storageErr("latest run", table, err)
	}
	return run, true, nil
}

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var (
		run        RunRecord
		startedAt  string
		durationMS int64
	)
	err := row.Scan(
		&run.Seq,
		&run.RunID,
		&run.Table,
		&run.Digest,
		&startedAt,
		&durationMS,
		&run.New,
		&run.Changed,
		&run.Removed,
		&run.Unchanged,
		&run.Skipped,
	)
	if err != nil {
		return RunRecord{}, err
	}
	run.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return RunRecord{}, fmt.Errorf("parse started_at %q: %w", startedAt, err)
	}
	run.Duration = time.Duration(durationMS) * time.Millisecond
	return run, nil
}
