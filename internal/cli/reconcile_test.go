package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/factsync/internal/store"
	"github.com/roach88/factsync/internal/testutil"
)

// reconciler runs the reconcile command with deterministic run ids and
// clock shared across calls.
type reconciler struct {
	env   testEnv
	ids   *testutil.SequenceGenerator
	clock *testutil.DeterministicClock
}

func newReconciler(env testEnv) *reconciler {
	return &reconciler{
		env:   env,
		ids:   testutil.NewSequenceGenerator("run"),
		clock: testutil.NewDeterministicClock(testutil.Epoch, time.Second),
	}
}

func (r *reconciler) run(t *testing.T, format string, configure func(*ReconcileOptions), table, path string) (string, string, error) {
	t.Helper()
	opts := &ReconcileOptions{
		RootOptions: &RootOptions{Format: format, ConfigDir: r.env.ConfigDir, Database: r.env.Database},
		RunIDs:      r.ids,
		Now:         r.clock.Now,
	}
	if configure != nil {
		configure(opts)
	}
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd := &cobra.Command{}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetContext(context.Background())
	err := runReconcile(opts, table, path, cmd)
	return stdout.String(), stderr.String(), err
}

func decodeReport(t *testing.T, stdout string) ReconcileReport {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   ReconcileReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	require.Equal(t, "ok", resp.Status)
	return resp.Data
}

func openTestStore(t *testing.T, env testEnv) *store.Store {
	t.Helper()
	st, err := store.Open(env.Database)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestReconcile_NewThenChanged(t *testing.T) {
	env := newTestEnv(t)
	r := newReconciler(env)
	dir := t.TempDir()

	first := writeFile(t, dir, "kexts1.json", `[{"name": "com.example.driver", "date": "d1", "hash": "abc123"}]`)
	stdout, stderr, err := r.run(t, "text", nil, "kexts", first)
	require.NoError(t, err)
	assert.Equal(t, `ty_name="kexts" new_entry="true" name="com.example.driver" date="d1" hash="abc123"`+"\n", stdout)
	assert.Contains(t, stderr, "✓ kexts: 1 new, 0 changed, 0 removed, 0 unchanged, 0 skipped (run run-0001)")
	assert.Contains(t, stderr, "created table kexts")

	second := writeFile(t, dir, "kexts2.json", `[{"name": "com.example.driver", "date": "d2", "hash": "abd123"}]`)
	stdout, stderr, err = r.run(t, "text", nil, "kexts", second)
	require.NoError(t, err)
	assert.Equal(t,
		`ty_name="kexts" changed_entry="true" name="com.example.driver" date="d2" hash="abd123" hash_old="abc123" hash_last_updated="d1" hash_diff_added="d" hash_diff_removed="c"`+"\n",
		stdout)
	assert.Contains(t, stderr, "1 changed")
	assert.NotContains(t, stderr, "created table")
}

func TestReconcile_JSONCarriesAudit(t *testing.T) {
	env := newTestEnv(t)
	r := newReconciler(env)
	path := writeFile(t, t.TempDir(), "fw.yaml", `
- { name: A, date: d1, state: "1" }
- { name: B, date: d1, state: "0" }
`)

	stdout, _, err := r.run(t, "json", nil, "firewall_exceptions", path)
	require.NoError(t, err)

	report := decodeReport(t, stdout)
	assert.Equal(t, "run-0001", report.RunID)
	assert.Equal(t, "firewall_exceptions", report.Table)
	assert.Equal(t, []string{"A", "B"}, report.New)
	assert.Empty(t, report.Changed)
	assert.Equal(t, 2, report.Counts.New)
	assert.Len(t, report.Digest, 64)
	require.NotNil(t, report.Migration)
	assert.True(t, report.Migration.Created)
	assert.Equal(t, []string{
		`ty_name="firewall_exceptions" new_entry="true" name="A" date="d1" state="1"`,
		`ty_name="firewall_exceptions" new_entry="true" name="B" date="d1" state="0"`,
	}, report.Audit)
}

func TestReconcile_RemovedAndJournal(t *testing.T) {
	env := newTestEnv(t)
	r := newReconciler(env)
	dir := t.TempDir()

	both := writeFile(t, dir, "both.json", `[{"name": "A", "date": "d1", "state": "1"}, {"name": "B", "date": "d1", "state": "1"}]`)
	onlyA := writeFile(t, dir, "a.json", `[{"name": "A", "date": "d2", "state": "1"}]`)

	_, _, err := r.run(t, "text", nil, "firewall_exceptions", both)
	require.NoError(t, err)
	stdout, _, err := r.run(t, "json", nil, "firewall_exceptions", onlyA)
	require.NoError(t, err)

	report := decodeReport(t, stdout)
	assert.Equal(t, []string{"B"}, report.Removed)
	assert.Equal(t, []string{"A"}, report.Unchanged)
	assert.Nil(t, report.Migration)
	assert.Equal(t, []string{`ty_name="firewall_exceptions" removed_entry="true" name="B" date="d1" state="1"`}, report.Audit)

	st := openTestStore(t, env)
	runs, err := st.ReadRuns(context.Background(), store.RunFilter{Table: "firewall_exceptions"})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-0002", runs[0].RunID)
	assert.Equal(t, 1, runs[0].Removed)
	assert.Equal(t, report.Digest, runs[0].Digest)
}

func TestReconcile_SkippedRecords(t *testing.T) {
	env := newTestEnv(t)
	r := newReconciler(env)
	path := writeFile(t, t.TempDir(), "kexts.json", `[
		{"date": "d1"},
		{"name": "a", "date": "d1", "hash": "x"},
		{"name": "a", "date": "d1", "hash": "y"}
	]`)

	stdout, stderr, err := r.run(t, "text", nil, "kexts", path)
	require.NoError(t, err, "skipped records do not fail without --strict")
	assert.Contains(t, stdout, `ty_error_code="MISSING_NATURAL_KEY"`)
	assert.Contains(t, stdout, `ty_error_code="DUPLICATE_KEY"`)
	assert.Contains(t, stderr, "2 skipped")
	assert.Contains(t, stderr, "✗ record 0: MISSING_NATURAL_KEY")
	assert.Contains(t, stderr, "✗ record 2: DUPLICATE_KEY")
}

func TestReconcile_Strict(t *testing.T) {
	env := newTestEnv(t)
	r := newReconciler(env)
	path := writeFile(t, t.TempDir(), "kexts.json", `[{"name": "a", "date": "d1", "colour": "red"}]`)

	stdout, _, err := r.run(t, "json", func(o *ReconcileOptions) { o.Strict = true }, "kexts", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeSkipped)

	report := decodeReport(t, stdout)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, "UNKNOWN_FIELD", report.Skipped[0].Code)
	assert.Equal(t, 0, report.Skipped[0].Index)
	assert.Equal(t, "a", report.Skipped[0].Key)
}

func TestReconcile_Stamp(t *testing.T) {
	env := newTestEnv(t)
	r := newReconciler(env)
	path := writeFile(t, t.TempDir(), "kexts.json", `[{"name": "a", "hash": "x"}, {"name": "b", "date": "given", "hash": "y"}]`)

	stdout, _, err := r.run(t, "json", func(o *ReconcileOptions) { o.Stamp = true }, "kexts", path)
	require.NoError(t, err)

	report := decodeReport(t, stdout)
	assert.Equal(t, 1, report.Stamped)
	assert.Equal(t, []string{"a", "b"}, report.New)
	assert.Contains(t, report.Audit[0], `date="Mon, 04 Mar 2024 10:00:00"`)
	assert.Contains(t, report.Audit[1], `date="given"`)
}

func TestReconcile_NaturalKeyOverride(t *testing.T) {
	env := newTestEnv(t)
	r := newReconciler(env)
	path := writeFile(t, t.TempDir(), "keys.json", `[{"name": "globalstate", "value": "1", "date": "d1"}, {"name": "stealth", "value": "0", "date": "d1"}]`)

	stdout, _, err := r.run(t, "json", func(o *ReconcileOptions) { o.NaturalKey = "value" }, "firewall_keys", path)
	require.NoError(t, err)

	report := decodeReport(t, stdout)
	assert.Equal(t, []string{"1", "0"}, report.New, "snapshot order")
	assert.Contains(t, report.Audit[0], `new_entry="true" value="1"`)
}

func TestReconcile_AuditLogFile(t *testing.T) {
	env := newTestEnv(t)
	writeFile(t, env.ConfigDir, "config.yaml", "audit_log: logs/audit.log\n")
	r := newReconciler(env)
	path := writeFile(t, t.TempDir(), "kexts.json", `[{"name": "a", "date": "d1", "hash": "x"}]`)

	stdout, _, err := r.run(t, "text", nil, "kexts", path)
	require.NoError(t, err)
	assert.Empty(t, stdout)

	logPath := filepath.Join(env.ConfigDir, "logs", "audit.log")
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, `ty_name="kexts" new_entry="true" name="a" date="d1" hash="x"`+"\n", string(data))

	info, err := os.Stat(logPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// A second run appends.
	path2 := writeFile(t, t.TempDir(), "kexts.json", `[]`)
	_, _, err = r.run(t, "text", nil, "kexts", path2)
	require.NoError(t, err)
	data, err = os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 2)
}

func TestReconcile_KeepOnEmpty(t *testing.T) {
	env := newTestEnv(t)
	writeFile(t, env.ConfigDir, "config.yaml", "keep_on_empty: true\n")
	r := newReconciler(env)
	dir := t.TempDir()

	_, _, err := r.run(t, "text", nil, "kexts", writeFile(t, dir, "one.json", `[{"name": "a", "date": "d1", "hash": "x"}]`))
	require.NoError(t, err)
	stdout, _, err := r.run(t, "json", nil, "kexts", writeFile(t, dir, "empty.json", `[]`))
	require.NoError(t, err)

	report := decodeReport(t, stdout)
	assert.Empty(t, report.Removed)
	assert.Empty(t, report.Audit)

	n, err := openTestStore(t, env).Count(context.Background(), "kexts")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestReconcile_DeclaredSchemaDir(t *testing.T) {
	env := newTestEnv(t)
	writeFile(t, env.ConfigDir, "schemas/hosts.cue", hostsSchema)
	writeFile(t, env.ConfigDir, "config.yaml", "schema_dir: schemas\n")
	r := newReconciler(env)
	path := writeFile(t, t.TempDir(), "hosts.json", `[{"name": "web", "date": "d1", "port": 443}]`)

	stdout, _, err := r.run(t, "json", nil, "hosts", path)
	require.NoError(t, err)
	report := decodeReport(t, stdout)
	assert.Equal(t, []string{"web"}, report.New)
	require.NotNil(t, report.Migration)
	assert.True(t, report.Migration.Created)

	// kexts is not declared in the schema dir and was never created.
	_, _, err = r.run(t, "text", nil, "kexts", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeNotFound)
}

const keyedSchema = `table: prefs: {
	natural_key: "path"
	columns: {
		path: {type: "text", nullable: false}
		name: "text"
		date: {type: "text", nullable: false}
	}
}
table: mounts: {
	natural_key: "mountpoint"
	columns: {
		mountpoint: {type: "text", nullable: false}
		device:     "text"
		date:       {type: "text", nullable: false}
	}
}
`

func TestReconcile_DeclaredNaturalKey(t *testing.T) {
	env := newTestEnv(t)
	writeFile(t, env.ConfigDir, "schemas/keyed.cue", keyedSchema)
	writeFile(t, env.ConfigDir, "config.yaml", "schema_dir: schemas\n")
	r := newReconciler(env)
	dir := t.TempDir()

	first := writeFile(t, dir, "prefs1.json", `[{"path": "/a", "name": "x", "date": "d1"}]`)
	stdout, _, err := r.run(t, "json", nil, "prefs", first)
	require.NoError(t, err)
	assert.Equal(t, []string{"/a"}, decodeReport(t, stdout).New)

	// Same path under a different name is a change, not a new record.
	second := writeFile(t, dir, "prefs2.json", `[{"path": "/a", "name": "y", "date": "d2"}]`)
	stdout, _, err = r.run(t, "json", nil, "prefs", second)
	require.NoError(t, err)
	report := decodeReport(t, stdout)
	assert.Equal(t, []string{"/a"}, report.Changed)
	assert.Empty(t, report.New)
	assert.Equal(t, []string{
		`ty_name="prefs" changed_entry="true" path="/a" date="d2" name="y" name_old="x" name_last_updated="d1"`,
	}, report.Audit)

	// A table without a name column reconciles on its declared key.
	mounts := writeFile(t, dir, "mounts.json", `[{"mountpoint": "/", "device": "disk1", "date": "d1"}]`)
	stdout, _, err = r.run(t, "json", nil, "mounts", mounts)
	require.NoError(t, err)
	assert.Equal(t, []string{"/"}, decodeReport(t, stdout).New)

	// The flag still wins over the declared key.
	third := writeFile(t, dir, "prefs3.json", `[{"path": "/b", "name": "y", "date": "d3"}]`)
	stdout, _, err = r.run(t, "json", func(o *ReconcileOptions) { o.NaturalKey = "name" }, "prefs", third)
	require.NoError(t, err)
	report = decodeReport(t, stdout)
	assert.Equal(t, []string{"y"}, report.Changed)
}

func TestReconcile_SnapshotErrors(t *testing.T) {
	env := newTestEnv(t)
	r := newReconciler(env)
	dir := t.TempDir()

	tests := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(dir, "missing.json")},
		{"not an array", writeFile(t, dir, "object.json", `{"name": "a"}`)},
		{"malformed json", writeFile(t, dir, "broken.json", `[{"name": `)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := r.run(t, "text", nil, "kexts", tt.path)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, err.Error(), ErrCodeSnapshot)
		})
	}
}

func TestReconcile_InvalidConfig(t *testing.T) {
	env := newTestEnv(t)
	writeFile(t, env.ConfigDir, "config.yaml", "differ: levenshtein\n")
	r := newReconciler(env)
	path := writeFile(t, t.TempDir(), "kexts.json", `[]`)

	_, _, err := r.run(t, "text", nil, "kexts", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeConfig)
}

func TestReconcileCommand_ThroughRoot(t *testing.T) {
	env := newTestEnv(t)
	path := writeFile(t, t.TempDir(), "kexts.json", `[{"name": "a", "date": "d1", "hash": "x"}]`)

	stdout, _, err := env.run(t, "--format", "json", "reconcile", "kexts", path)
	require.NoError(t, err)
	report := decodeReport(t, stdout)
	assert.Len(t, report.RunID, 36, "production run ids are UUIDs")
	assert.Equal(t, []string{"a"}, report.New)
}

func TestSplitAudit(t *testing.T) {
	assert.Nil(t, splitAudit(""))
	assert.Equal(t, []string{"a", "b"}, splitAudit("a\nb\n"))
}
