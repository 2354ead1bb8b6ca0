package store

import (
	"context"
	"errors"
	"testing"
)

func TestInTx_Commits(t *testing.T) {
	s := createTestStore(t)
	createKextTable(t, s)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx *Store) error {
		if err := tx.Insert(ctx, "kexts", kext("a", "d", "h")); err != nil {
			return err
		}
		return tx.Insert(ctx, "kexts", kext("b", "d", "h"))
	})
	if err != nil {
		t.Fatalf("InTx() failed: %v", err)
	}
	if n, _ := s.Count(ctx, "kexts"); n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestInTx_RollsBackOnError(t *testing.T) {
	s := createTestStore(t)
	createKextTable(t, s)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx *Store) error {
		if err := tx.Insert(ctx, "kexts", kext("a", "d", "h")); err != nil {
			return err
		}
		if _, err := tx.WriteRun(ctx, RunRecord{RunID: "r1", Table: "kexts", Digest: "x"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx() error = %v, want boom", err)
	}
	if n, _ := s.Count(ctx, "kexts"); n != 0 {
		t.Errorf("count = %d after rollback, want 0", n)
	}
	runs, err := s.ReadRuns(ctx, RunFilter{})
	if err != nil {
		t.Fatalf("ReadRuns() failed: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("journal has %d runs after rollback", len(runs))
	}
}

func TestInTx_NestedJoinsOuter(t *testing.T) {
	s := createTestStore(t)
	createKextTable(t, s)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx *Store) error {
		return tx.InTx(ctx, func(inner *Store) error {
			if inner != tx {
				t.Error("nested InTx did not reuse the enclosing transaction")
			}
			return inner.Insert(ctx, "kexts", kext("a", "d", "h"))
		})
	})
	if err != nil {
		t.Fatalf("InTx() failed: %v", err)
	}
	if n, _ := s.Count(ctx, "kexts"); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestInTx_CloseIsNoOp(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx *Store) error {
		return tx.Close()
	})
	if err != nil {
		t.Fatalf("InTx() failed: %v", err)
	}
	if _, err := s.ListTables(ctx); err != nil {
		t.Errorf("store unusable after tx Close(): %v", err)
	}
}
