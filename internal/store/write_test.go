package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/roach88/factsync/internal/ir"
)

func TestInsert_BindsIdentityAndShadow(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createKextTable(t, s)

	rec := kext("com.apple.a", "d1", "h1")
	if err := s.Insert(ctx, "kexts", rec); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if !rec.Persisted() || rec.Table() != "kexts" {
		t.Fatalf("record not bound: table=%q id=%d", rec.Table(), rec.ID())
	}
	if len(rec.Changed()) != 0 {
		t.Errorf("Changed() after insert = %v, want none", rec.Changed())
	}
}

func TestInsert_IdentitiesIncreaseAndAreNotReused(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createKextTable(t, s)

	a := kext("a", "d", "1")
	b := kext("b", "d", "2")
	for _, r := range []*ir.Record{a, b} {
		if err := s.Insert(ctx, "kexts", r); err != nil {
			t.Fatalf("Insert() failed: %v", err)
		}
	}
	if b.ID() <= a.ID() {
		t.Fatalf("identities not increasing: %d then %d", a.ID(), b.ID())
	}

	if _, err := s.Delete(ctx, b.Ref()); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	c := kext("c", "d", "3")
	if err := s.Insert(ctx, "kexts", c); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if c.ID() <= b.ID() {
		t.Errorf("identity %d reused after delete of %d", c.ID(), b.ID())
	}
}

func TestInsert_CoercesToColumnType(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	schema := ir.TableSchema{
		Name: "counts",
		Columns: []ir.ColumnDef{
			{Name: "name", Type: ir.ColumnTypeText},
			{Name: "n", Type: ir.ColumnTypeInteger},
		},
	}
	if _, err := s.InitializeTable(ctx, schema); err != nil {
		t.Fatalf("InitializeTable() failed: %v", err)
	}

	rec := ir.NewRecord(map[string]ir.Value{"name": ir.Int(42), "n": ir.Text("7")})
	if err := s.Insert(ctx, "counts", rec); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	rows, err := s.SelectAll(ctx, "counts")
	if err != nil {
		t.Fatalf("SelectAll() failed: %v", err)
	}
	if v, _ := rows[0].Get("name"); !ir.Equal(v, ir.Text("42")) {
		t.Errorf("name = %#v, want Text 42", v)
	}
	if v, _ := rows[0].Get("n"); !ir.Equal(v, ir.Int(7)) {
		t.Errorf("n = %#v, want Int 7", v)
	}

	bad := ir.NewRecord(map[string]ir.Value{"n": ir.Text("seven")})
	if err := s.Insert(ctx, "counts", bad); err == nil || !IsStorageError(err) {
		t.Errorf("Insert(non-integer) error = %v, want *StorageError", err)
	}
}

func TestInsert_Errors(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createKextTable(t, s)

	t.Run("unknown table", func(t *testing.T) {
		err := s.Insert(ctx, "missing", kext("a", "d", "h"))
		if !errors.Is(err, ErrTableNotFound) {
			t.Errorf("error = %v, want ErrTableNotFound", err)
		}
	})

	t.Run("unknown column", func(t *testing.T) {
		rec := kext("a", "d", "h")
		rec.Set("nope", ir.Text("x"))
		if err := s.Insert(ctx, "kexts", rec); err == nil || !IsStorageError(err) {
			t.Errorf("error = %v, want *StorageError", err)
		}
		if rec.Persisted() {
			t.Error("failed insert bound the record")
		}
	})

	t.Run("not null violated", func(t *testing.T) {
		rec := ir.NewRecord(map[string]ir.Value{"name": ir.Text("a")})
		if err := s.Insert(ctx, "kexts", rec); err == nil {
			t.Error("missing NOT NULL date was accepted")
		}
	})

	t.Run("already persisted", func(t *testing.T) {
		rec := kext("p", "d", "h")
		if err := s.Insert(ctx, "kexts", rec); err != nil {
			t.Fatalf("Insert() failed: %v", err)
		}
		if err := s.Insert(ctx, "kexts", rec); err == nil {
			t.Error("second insert of a persisted record was accepted")
		}
	})
}

func TestUpdate_WritesOnlyChangedFields(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createKextTable(t, s)

	rec := kext("a", "d1", "h1")
	if err := s.Insert(ctx, "kexts", rec); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}

	rec.Set("hash", ir.Text("h2"))
	rec.Set("date", ir.Text("d2"))
	if got := rec.Changed(); len(got) != 2 {
		t.Fatalf("Changed() = %v", got)
	}

	ok, err := s.Update(ctx, rec)
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if !ok {
		t.Fatal("Update() = false, want true")
	}
	if len(rec.Changed()) != 0 {
		t.Errorf("shadow not refreshed: %v", rec.Changed())
	}

	rows, err := s.SelectAll(ctx, "kexts")
	if err != nil {
		t.Fatalf("SelectAll() failed: %v", err)
	}
	if v, _ := rows[0].Get("hash"); !ir.Equal(v, ir.Text("h2")) {
		t.Errorf("hash = %v, want h2", v)
	}
	if rows[0].ID() != rec.ID() {
		t.Errorf("identity changed by update")
	}
}

func TestUpdate_NoChangesIsNoOp(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createKextTable(t, s)

	rec := kext("a", "d1", "h1")
	if err := s.Insert(ctx, "kexts", rec); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}

	// Deleting the row underneath proves no statement is issued.
	if _, err := s.db.Exec(`DELETE FROM kexts`); err != nil {
		t.Fatalf("delete: %v", err)
	}
	rec.Set("hash", ir.Text("h1"))

	ok, err := s.Update(ctx, rec)
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if ok {
		t.Error("Update() = true for an unchanged record")
	}
}

func TestUpdate_Errors(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createKextTable(t, s)

	_, err := s.Update(ctx, kext("a", "d", "h"))
	if !errors.Is(err, ErrNotPersisted) {
		t.Errorf("transient update error = %v, want ErrNotPersisted", err)
	}

	ghost := ir.NewStoredRecord("kexts", 999, map[string]ir.Value{"hash": ir.Text("h")})
	ghost.Set("hash", ir.Text("h2"))
	_, err = s.Update(ctx, ghost)
	if !errors.Is(err, ErrRowNotFound) {
		t.Errorf("missing row update error = %v, want ErrRowNotFound", err)
	}
}

func TestDelete_GroupsAndChunks(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createKextTable(t, s)

	other := kextSchema()
	other.Name = "plist"
	if _, err := s.InitializeTable(ctx, other); err != nil {
		t.Fatalf("InitializeTable() failed: %v", err)
	}

	var refs []ir.RowRef
	for i := 0; i < deleteChunkSize+20; i++ {
		rec := kext(fmt.Sprintf("k%04d", i), "d", "h")
		if err := s.Insert(ctx, "kexts", rec); err != nil {
			t.Fatalf("Insert() failed: %v", err)
		}
		refs = append(refs, rec.Ref())
	}
	p := kext("p", "d", "h")
	if err := s.Insert(ctx, "plist", p); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	keep := kext("keep", "d", "h")
	if err := s.Insert(ctx, "plist", keep); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	refs = append(refs, p.Ref(), refs[0])

	n, err := s.Delete(ctx, refs...)
	if err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if n != int64(deleteChunkSize+21) {
		t.Errorf("Delete() removed %d rows, want %d", n, deleteChunkSize+21)
	}

	if c, _ := s.Count(ctx, "kexts"); c != 0 {
		t.Errorf("kexts count = %d, want 0", c)
	}
	if c, _ := s.Count(ctx, "plist"); c != 1 {
		t.Errorf("plist count = %d, want 1", c)
	}
}

func TestDelete_Errors(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if _, err := s.Delete(ctx, ir.RowRef{Table: "kexts"}); !errors.Is(err, ErrNotPersisted) {
		t.Errorf("zero id error = %v, want ErrNotPersisted", err)
	}
	if _, err := s.Delete(ctx, ir.RowRef{Table: "bad name", ID: 1}); err == nil {
		t.Error("invalid table name accepted")
	}
	if n, err := s.Delete(ctx); err != nil || n != 0 {
		t.Errorf("Delete() with no refs = %d, %v", n, err)
	}
}
