package reconcile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/factsync/internal/audit"
	"github.com/roach88/factsync/internal/ir"
	"github.com/roach88/factsync/internal/queryir"
	"github.com/roach88/factsync/internal/store"
	"github.com/roach88/factsync/internal/testutil"
	"github.com/roach88/factsync/internal/textdiff"
)

// =============================================================================
// Helpers
// =============================================================================

type fixture struct {
	store *store.Store
	out   *bytes.Buffer
	rec   *Reconciler
}

func exceptionsSchema() ir.TableSchema {
	return ir.TableSchema{
		Name:       "firewall_exceptions",
		NaturalKey: "name",
		Columns: []ir.ColumnDef{
			{Name: "name", Type: ir.ColumnTypeText, NotNull: true},
			{Name: "date", Type: ir.ColumnTypeText, NotNull: true},
			{Name: "state", Type: ir.ColumnTypeText},
			{Name: "pid", Type: ir.ColumnTypeInteger},
		},
	}
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "facts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	_, err = st.InitializeTable(context.Background(), exceptionsSchema())
	require.NoError(t, err)

	if cfg.RunIDs == nil {
		cfg.RunIDs = testutil.NewSequenceGenerator("run")
	}
	if cfg.Now == nil {
		cfg.Now = testutil.NewDeterministicClock(testutil.Epoch, time.Second).Now
	}
	out := &bytes.Buffer{}
	return &fixture{store: st, out: out, rec: New(st, cfg, audit.NewEmitter(out))}
}

// seed inserts records directly, bypassing reconciliation.
func (f *fixture) seed(t *testing.T, recs ...*ir.Record) {
	t.Helper()
	for _, r := range recs {
		require.NoError(t, f.store.Insert(context.Background(), "firewall_exceptions", r))
	}
}

// state returns persisted rows keyed by name, rendered as text.
func (f *fixture) state(t *testing.T) map[string]map[string]string {
	t.Helper()
	rows, err := f.store.SelectAll(context.Background(), "firewall_exceptions")
	require.NoError(t, err)
	out := make(map[string]map[string]string, len(rows))
	for _, r := range rows {
		texts := testutil.Texts(r)
		delete(texts, "pid")
		out[texts["name"]] = texts
	}
	return out
}

func (f *fixture) lines() []string {
	s := strings.TrimRight(f.out.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func fact(name, date, state string) *ir.Record {
	return testutil.Fact("name", name, "date", date, "state", state)
}

// =============================================================================
// Scenarios
// =============================================================================

func TestReconcile_ChangedAndNew(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seed(t, fact("A", "d1", "1"))

	res, err := f.rec.Reconcile(ctx, "firewall_exceptions", ir.Snapshot{
		fact("A", "d2", "2"),
		fact("B", "d2", "1"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"B"}, res.New)
	assert.Equal(t, []string{"A"}, res.Changed)
	assert.Empty(t, res.Removed)
	assert.Empty(t, res.Unchanged)
	assert.Empty(t, res.Skipped)

	require.Len(t, res.Events, 2)
	changed, ok := res.Events[1].(ir.ChangedEvent)
	require.True(t, ok)
	require.Len(t, changed.Deltas, 1)
	assert.Equal(t, "state", changed.Deltas[0].Field)
	assert.Equal(t, ir.Text("1"), changed.Deltas[0].Old)
	assert.Equal(t, ir.Text("2"), changed.Deltas[0].New)
	assert.Equal(t, ir.Text("d2"), changed.Timestamp)
	assert.Equal(t, ir.Text("d1"), changed.PreviousTimestamp)

	assert.Equal(t, map[string]map[string]string{
		"A": {"name": "A", "date": "d2", "state": "2"},
		"B": {"name": "B", "date": "d2", "state": "1"},
	}, f.state(t))

	assert.Equal(t, []string{
		`ty_name="firewall_exceptions" new_entry="true" name="B" date="d2" state="1"`,
		`ty_name="firewall_exceptions" changed_entry="true" name="A" date="d2" state="2" state_old="1" state_last_updated="d1"`,
	}, f.lines())
}

func TestReconcile_Removed(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seed(t, fact("A", "d1", "1"), fact("B", "d1", "1"))

	res, err := f.rec.Reconcile(ctx, "firewall_exceptions", ir.Snapshot{fact("A", "d1", "1")})
	require.NoError(t, err)

	assert.Empty(t, res.New)
	assert.Empty(t, res.Changed)
	assert.Equal(t, []string{"B"}, res.Removed)
	assert.Equal(t, []string{"A"}, res.Unchanged)

	state := f.state(t)
	assert.Contains(t, state, "A")
	assert.NotContains(t, state, "B")

	assert.Equal(t, []string{
		`ty_name="firewall_exceptions" removed_entry="true" name="B" date="d1" pid="" state="1"`,
	}, f.lines())
}

// =============================================================================
// Properties
// =============================================================================

func TestReconcile_Idempotent(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	snap := func() ir.Snapshot {
		return ir.Snapshot{fact("A", "d1", "1"), fact("B", "d1", "2")}
	}

	first, err := f.rec.Reconcile(ctx, "firewall_exceptions", snap())
	require.NoError(t, err)
	assert.Len(t, first.New, 2)

	second, err := f.rec.Reconcile(ctx, "firewall_exceptions", snap())
	require.NoError(t, err)
	assert.Equal(t, Counts{Unchanged: 2}, second.Counts())
	assert.Empty(t, second.Events)
	assert.Equal(t, first.Digest, second.Digest)
}

func TestReconcile_TimestampNeverChanges(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seed(t, fact("A", "d1", "1"))

	res, err := f.rec.Reconcile(ctx, "firewall_exceptions", ir.Snapshot{fact("A", "d9", "1")})
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, res.Unchanged)
	assert.Empty(t, f.lines())
	assert.Equal(t, "d1", f.state(t)["A"]["date"], "unchanged rows keep their stored timestamp")
}

func TestReconcile_InternalFieldsIgnored(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seed(t, fact("A", "d1", "1"))

	rec := fact("A", "d2", "1")
	rec.Set("_collector", ir.Text("firewall"))
	res, err := f.rec.Reconcile(ctx, "firewall_exceptions", ir.Snapshot{rec})
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, res.Unchanged)
	assert.Empty(t, res.Skipped)
}

func TestReconcile_AbsentFieldsLeftAsStored(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seed(t, testutil.Record(map[string]any{"name": "A", "date": "d1", "state": "1", "pid": 7}))

	res, err := f.rec.Reconcile(ctx, "firewall_exceptions", ir.Snapshot{fact("A", "d2", "2")})
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, res.Changed)

	rows, err := f.store.SelectAll(ctx, "firewall_exceptions")
	require.NoError(t, err)
	pid, _ := rows[0].Get("pid")
	assert.Equal(t, ir.Int(7), pid)
}

func TestReconcile_Partition(t *testing.T) {
	for seed := uint64(1); seed <= 25; seed++ {
		t.Run(fmt.Sprintf("seed_%d", seed), func(t *testing.T) {
			f := newFixture(t, Config{})
			ctx := context.Background()
			rng := rand.New(rand.NewPCG(seed, seed*7))

			persisted := map[string]string{}
			for i := 0; i < 12; i++ {
				if rng.IntN(2) == 0 {
					k := fmt.Sprintf("k%02d", i)
					persisted[k] = fmt.Sprint(rng.IntN(3))
					f.seed(t, fact(k, "old", persisted[k]))
				}
			}
			observed := map[string]string{}
			var snap ir.Snapshot
			for i := 0; i < 12; i++ {
				if rng.IntN(2) == 0 {
					k := fmt.Sprintf("k%02d", i)
					observed[k] = fmt.Sprint(rng.IntN(3))
					snap = append(snap, fact(k, "new", observed[k]))
				}
			}

			res, err := f.rec.Reconcile(ctx, "firewall_exceptions", snap)
			require.NoError(t, err)

			var wantNew, wantRemoved, wantChanged, wantUnchanged []string
			for k, v := range observed {
				old, ok := persisted[k]
				switch {
				case !ok:
					wantNew = append(wantNew, k)
				case old != v:
					wantChanged = append(wantChanged, k)
				default:
					wantUnchanged = append(wantUnchanged, k)
				}
			}
			for k := range persisted {
				if _, ok := observed[k]; !ok {
					wantRemoved = append(wantRemoved, k)
				}
			}

			assert.ElementsMatch(t, wantNew, res.New)
			assert.ElementsMatch(t, wantChanged, res.Changed)
			assert.ElementsMatch(t, wantUnchanged, res.Unchanged)
			assert.ElementsMatch(t, wantRemoved, res.Removed)

			// Persisted state now mirrors the snapshot.
			state := f.state(t)
			require.Len(t, state, len(observed))
			for k, v := range observed {
				assert.Equal(t, v, state[k]["state"], k)
			}

			// Audit lines follow New, Changed, Removed order.
			lines := f.lines()
			require.Len(t, lines, len(wantNew)+len(wantChanged)+len(wantRemoved))
			kinds := make([]int, len(lines))
			for i, l := range lines {
				switch {
				case strings.Contains(l, "new_entry"):
					kinds[i] = 0
				case strings.Contains(l, "changed_entry"):
					kinds[i] = 1
				default:
					kinds[i] = 2
				}
			}
			assert.True(t, sort.IntsAreSorted(kinds), "audit order %v", kinds)
		})
	}
}

// =============================================================================
// Malformed records
// =============================================================================

func TestReconcile_SkipsMalformedRecords(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seed(t, fact("keep-unknown", "d1", "1"), fact("keep-invalid", "d1", "1"), fact("gone", "d1", "1"))

	unknown := fact("keep-unknown", "d2", "9")
	unknown.Set("colour", ir.Text("red"))
	invalid := fact("keep-invalid", "d2", "9")
	invalid.Set("pid", ir.Text("not-a-number"))

	res, err := f.rec.Reconcile(ctx, "firewall_exceptions", ir.Snapshot{
		testutil.Fact("date", "d2", "state", "1"),
		testutil.Fact("name", "no-date", "state", "1"),
		unknown,
		invalid,
		fact("ok", "d2", "1"),
		fact("ok", "d2", "2"),
		testutil.Record(map[string]any{"name": nil, "date": "d"}),
	})
	require.NoError(t, err)

	codes := make([]ErrorCode, len(res.Skipped))
	for i, se := range res.Skipped {
		codes[i] = se.Code
	}
	assert.Equal(t, []ErrorCode{
		ErrCodeMissingNaturalKey,
		ErrCodeMissingTimestamp,
		ErrCodeUnknownField,
		ErrCodeInvalidValue,
		ErrCodeDuplicateKey,
		ErrCodeMissingNaturalKey,
	}, codes)
	assert.Equal(t, 5, res.Skipped[4].Index)
	assert.Equal(t, "ok", res.Skipped[4].Key)

	// Skipped records that carry a key still count as observed.
	assert.Equal(t, []string{"ok"}, res.New)
	assert.Equal(t, []string{"gone"}, res.Removed)
	state := f.state(t)
	assert.Equal(t, "1", state["keep-unknown"]["state"])
	assert.Equal(t, "1", state["keep-invalid"]["state"])
	assert.Equal(t, "1", state["ok"]["state"], "first occurrence wins")

	lines := f.lines()
	require.Len(t, lines, 2+len(res.Skipped))
	assert.Equal(t,
		`ty_error_table="firewall_exceptions" ty_error_code="MISSING_NATURAL_KEY" ty_error_index="0" ty_error_message="record 0 has no %22name%22 field"`,
		lines[2])
	assert.Equal(t,
		`ty_error_table="firewall_exceptions" ty_error_code="DUPLICATE_KEY" ty_error_index="5" ty_error_key="ok" ty_error_message="natural key %22ok%22 already seen earlier in the snapshot"`,
		lines[6])
}

func TestReconcile_UnsetOnIntegerColumn(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	rec := fact("A", "d1", "KEY DNE")
	rec.Set("pid", ir.Text("KEY DNE"))
	nullPID := fact("B", "d1", "1")
	nullPID.Set("pid", ir.Null{})
	res, err := f.rec.Reconcile(ctx, "firewall_exceptions", ir.Snapshot{rec, nullPID})
	require.NoError(t, err)
	require.Empty(t, res.Skipped)

	// Both are stored as null; only the explicit null is rendered.
	assert.Equal(t, []string{
		`ty_name="firewall_exceptions" new_entry="true" name="A" date="d1"`,
		`ty_name="firewall_exceptions" new_entry="true" name="B" date="d1" pid="" state="1"`,
	}, f.lines())

	rows, err := f.store.Select(ctx, "firewall_exceptions", store.SelectOptions{
		Where: queryir.Eq("name", ir.Text("A")),
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	pid, _ := rows[0].Get("pid")
	assert.True(t, ir.IsNull(pid))
}

// =============================================================================
// Options and configuration
// =============================================================================

func TestReconcile_WithPersisted(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seed(t, fact("A", "d1", "1"), fact("B", "d1", "1"))

	// Only A is offered as persisted state; B is invisible to this pass.
	onlyA, err := f.store.Select(ctx, "firewall_exceptions", store.SelectOptions{
		Where: queryir.Eq("name", ir.Text("A")),
	})
	require.NoError(t, err)

	res, err := f.rec.Reconcile(ctx, "firewall_exceptions", ir.Snapshot{fact("C", "d2", "1")},
		WithPersisted(onlyA))
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, res.New)
	assert.Equal(t, []string{"A"}, res.Removed)
	assert.Contains(t, f.state(t), "B")
}

func TestReconcile_WithPersistedSurvivesRollback(t *testing.T) {
	f := newFixture(t, Config{RunIDs: NewFixedGenerator("run-1", "run-1", "run-2")})
	ctx := context.Background()

	_, err := f.rec.Reconcile(ctx, "firewall_exceptions", ir.Snapshot{fact("A", "d1", "1")})
	require.NoError(t, err)
	persisted, err := f.store.SelectAll(ctx, "firewall_exceptions")
	require.NoError(t, err)
	f.out.Reset()

	// The repeated run id fails the journal write after A was updated.
	_, err = f.rec.Reconcile(ctx, "firewall_exceptions", ir.Snapshot{fact("A", "d2", "2")},
		WithPersisted(persisted))
	require.Error(t, err)
	state, _ := persisted[0].Get("state")
	assert.Equal(t, ir.Text("1"), state, "injected record untouched")
	assert.Empty(t, persisted[0].Changed())

	res, err := f.rec.Reconcile(ctx, "firewall_exceptions", ir.Snapshot{fact("A", "d2", "2")},
		WithPersisted(persisted))
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, res.Changed)
	assert.Equal(t, "2", f.state(t)["A"]["state"])
	assert.Equal(t, []string{
		`ty_name="firewall_exceptions" changed_entry="true" name="A" date="d2" state="2" state_old="1" state_last_updated="d1"`,
	}, f.lines())
}

func TestReconcile_WithNaturalKey(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.seed(t, fact("A", "d1", "s1"))

	// Keyed by state, the seeded row is "s1" and name is an ordinary field.
	res, err := f.rec.Reconcile(ctx, "firewall_exceptions", ir.Snapshot{
		testutil.Fact("name", "A", "date", "d2", "state", "s1"),
		testutil.Fact("name", "B", "date", "d2", "state", "s2"),
	}, WithNaturalKey("state"))
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, res.New)
	assert.Equal(t, []string{"s1"}, res.Unchanged)
	assert.Equal(t, []string{
		`ty_name="firewall_exceptions" new_entry="true" state="s2" date="d2" name="B"`,
	}, f.lines())
}

func TestReconcile_EmptySnapshot(t *testing.T) {
	t.Run("removes everything by default", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.seed(t, fact("A", "d1", "1"))

		res, err := f.rec.Reconcile(context.Background(), "firewall_exceptions", nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"A"}, res.Removed)
	})

	t.Run("KeepOnEmpty keeps rows", func(t *testing.T) {
		f := newFixture(t, Config{KeepOnEmpty: true})
		f.seed(t, fact("A", "d1", "1"))

		res, err := f.rec.Reconcile(context.Background(), "firewall_exceptions", ir.Snapshot{})
		require.NoError(t, err)
		assert.Empty(t, res.Removed)
		assert.Contains(t, f.state(t), "A")
	})
}

func TestReconcile_SequenceDiffer(t *testing.T) {
	f := newFixture(t, Config{Differ: textdiff.Sequence{}})
	ctx := context.Background()
	f.seed(t, fact("A", "d1", "allow incoming"))

	_, err := f.rec.Reconcile(ctx, "firewall_exceptions", ir.Snapshot{fact("A", "d2", "allow outgoing")})
	require.NoError(t, err)
	line := f.lines()[0]
	assert.Contains(t, line, `state="allow outgoing" state_old="allow incoming"`)
	assert.Contains(t, line, `state_diff_added=`)
	assert.Contains(t, line, `state_diff_removed=`)
}

func TestReconcile_ConfigErrors(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, Config{})
	_, err := f.rec.Reconcile(ctx, "missing_table", ir.Snapshot{fact("A", "d", "1")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrTableNotFound))

	_, err = f.rec.Reconcile(ctx, "firewall_exceptions", nil, WithNaturalKey("nope"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `natural key "nope"`)

	g := newFixture(t, Config{TimestampField: "when"})
	_, err = g.rec.Reconcile(ctx, "firewall_exceptions", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `timestamp field "when"`)

	_, err = f.rec.Reconcile(ctx, "firewall_exceptions", nil, WithNaturalKey("date"))
	require.Error(t, err)
}

// =============================================================================
// Transactions and the run journal
// =============================================================================

func TestReconcile_RollsBackOnFailure(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "facts.db"))
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	schema := exceptionsSchema()
	schema.Columns[2].NotNull = true // state
	_, err = st.InitializeTable(ctx, schema)
	require.NoError(t, err)
	require.NoError(t, st.Insert(ctx, schema.Name, fact("A", "d1", "1")))

	var out bytes.Buffer
	r := New(st, Config{RunIDs: NewFixedGenerator("run-1")}, audit.NewEmitter(&out))

	// A updates first, then B fails its NOT NULL constraint on insert.
	_, err = r.Reconcile(ctx, schema.Name, ir.Snapshot{
		fact("A", "d2", "2"),
		testutil.Fact("name", "B", "date", "d2"),
	})
	require.Error(t, err)
	assert.True(t, store.IsStorageError(err))

	rows, err := st.SelectAll(ctx, schema.Name)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	state, _ := rows[0].Get("state")
	assert.Equal(t, ir.Text("1"), state, "update rolled back")

	runs, err := st.ReadRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.Empty(t, out.String(), "no audit lines for a rolled-back pass")
}

func TestReconcile_RunJournal(t *testing.T) {
	f := newFixture(t, Config{RunIDs: NewFixedGenerator("run-a", "run-b")})
	ctx := context.Background()

	first, err := f.rec.Reconcile(ctx, "firewall_exceptions", ir.Snapshot{fact("A", "d1", "1")})
	require.NoError(t, err)
	assert.Equal(t, "run-a", first.RunID)
	assert.Equal(t, time.Second, first.Duration)

	_, err = f.rec.Reconcile(ctx, "firewall_exceptions", ir.Snapshot{
		fact("B", "d2", "1"),
		testutil.Fact("date", "d2"),
	})
	require.NoError(t, err)

	runs, err := f.store.ReadRuns(ctx, store.RunFilter{Table: "firewall_exceptions"})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-b", runs[0].RunID)
	assert.Equal(t, 1, runs[0].New)
	assert.Equal(t, 1, runs[0].Removed)
	assert.Equal(t, 1, runs[0].Skipped)
	assert.Equal(t, "run-a", runs[1].RunID)
	assert.Equal(t, first.Digest, runs[1].Digest)
	assert.True(t, runs[1].StartedAt.Equal(testutil.Epoch))
}

func TestReconcile_NilEmitter(t *testing.T) {
	f := newFixture(t, Config{})
	r := New(f.store, Config{}, nil)

	res, err := r.Reconcile(context.Background(), "firewall_exceptions", ir.Snapshot{fact("A", "d1", "1")})
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, res.New)
	assert.Len(t, res.RunID, 36, "default run ids are UUIDs")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "name", cfg.NaturalKey)
	assert.Equal(t, "date", cfg.TimestampField)
	assert.Equal(t, "KEY DNE", cfg.Unset)
	assert.IsType(t, textdiff.Myers{}, cfg.Differ)
	assert.IsType(t, UUIDv7Generator{}, cfg.RunIDs)
	assert.False(t, cfg.KeepOnEmpty)
}
