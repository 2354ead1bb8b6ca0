package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/roach88/factsync/internal/ir"
)

// createTestStore creates a new file-backed store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// kextSchema is a small fact table keyed by name.
func kextSchema() ir.TableSchema {
	return ir.TableSchema{
		Name:       "kexts",
		NaturalKey: "name",
		Columns: []ir.ColumnDef{
			{Name: "name", Type: ir.ColumnTypeText, NotNull: true},
			{Name: "date", Type: ir.ColumnTypeText, NotNull: true},
			{Name: "hash", Type: ir.ColumnTypeText},
		},
	}
}

// createKextTable initializes kextSchema in s.
func createKextTable(t *testing.T, s *Store) {
	t.Helper()
	if _, err := s.InitializeTable(context.Background(), kextSchema()); err != nil {
		t.Fatalf("InitializeTable() failed: %v", err)
	}
}

// kext builds a transient kext record.
func kext(name, date, hash string) *ir.Record {
	return ir.NewRecord(map[string]ir.Value{
		"name": ir.Text(name),
		"date": ir.Text(date),
		"hash": ir.Text(hash),
	})
}
