package harness

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/factsync/internal/audit"
	"github.com/roach88/factsync/internal/compiler"
	"github.com/roach88/factsync/internal/ir"
	"github.com/roach88/factsync/internal/reconcile"
	"github.com/roach88/factsync/internal/snapshot"
	"github.com/roach88/factsync/internal/store"
	"github.com/roach88/factsync/internal/testutil"
	"github.com/roach88/factsync/internal/textdiff"
)

// Harness holds the state of one scenario execution.
type Harness struct {
	store  *store.Store
	rec    *reconcile.Reconciler
	out    *bytes.Buffer
	logger *slog.Logger
	keys   map[string]string // declared natural key per table
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database. The returned error is
// reserved for scenarios that cannot be executed (bad schema, seed rows the
// store rejects, a pass that fails and rolls back); expectation and
// assertion failures are reported in Result.
//
// Execution flow:
//  1. Open an in-memory store and declare the tables
//  2. Insert seed rows
//  3. Run each pass, checking its expect clause
//  4. Evaluate assertions against the final state and audit output
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	cfg, err := scenario.reconcileConfig()
	if err != nil {
		return nil, err
	}

	h := &Harness{
		store:  st,
		out:    &bytes.Buffer{},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		keys:   make(map[string]string),
	}
	var emitOpts []audit.Option
	if cfg.Unset != "" {
		emitOpts = append(emitOpts, audit.WithUnset(cfg.Unset))
	}
	h.rec = reconcile.New(st, cfg, audit.NewEmitter(h.out, emitOpts...))

	ctx := context.Background()

	if err := h.declareTables(ctx, scenario); err != nil {
		return nil, fmt.Errorf("failed to declare tables: %w", err)
	}
	if err := h.seed(ctx, scenario.Seed); err != nil {
		return nil, fmt.Errorf("failed to seed: %w", err)
	}

	result := NewResult()
	for i, pass := range scenario.Passes {
		if err := h.runPass(ctx, i, pass, result); err != nil {
			return nil, err
		}
	}
	result.Audit = splitLines(h.out.String())

	actx := &AssertionContext{Store: st, Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// reconcileConfig builds the reconciler settings: deterministic run ids and
// clock, with the scenario's overrides applied.
func (s *Scenario) reconcileConfig() (reconcile.Config, error) {
	cfg := reconcile.Config{
		RunIDs: testutil.NewSequenceGenerator("run"),
		Now:    testutil.NewDeterministicClock(testutil.Epoch, time.Second).Now,
	}
	if s.Config == nil {
		return cfg, nil
	}
	differ, err := textdiff.ByName(s.Config.Differ)
	if err != nil {
		return reconcile.Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.NaturalKey = s.Config.NaturalKey
	cfg.TimestampField = s.Config.TimestampField
	cfg.Unset = s.Config.Unset
	cfg.Differ = differ
	cfg.KeepOnEmpty = s.Config.KeepOnEmpty
	return cfg, nil
}

// declareTables initializes every table the scenario declares, or the
// built-in fact tables when it declares none.
func (h *Harness) declareTables(ctx context.Context, s *Scenario) error {
	var schemas []ir.TableSchema
	switch {
	case s.Schema != "":
		parsed, err := compiler.CompileString(s.Schema, s.Name+".cue")
		if err != nil {
			return err
		}
		schemas = parsed
	case len(s.SchemaFiles) > 0:
		for _, path := range s.SchemaFiles {
			src, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read schema file: %w", err)
			}
			parsed, err := compiler.CompileString(string(src), path)
			if err != nil {
				return err
			}
			schemas = append(schemas, parsed...)
		}
	default:
		defaults, err := compiler.DefaultTables()
		if err != nil {
			return err
		}
		schemas = defaults
	}

	for _, schema := range schemas {
		if _, err := h.store.InitializeTable(ctx, schema); err != nil {
			return err
		}
		if schema.NaturalKey != "" {
			h.keys[schema.Name] = schema.NaturalKey
		}
	}
	return nil
}

// seed inserts rows directly, bypassing reconciliation. Tables are seeded
// in sorted order so ids are stable.
func (h *Harness) seed(ctx context.Context, seed map[string]yaml.Node) error {
	tables := make([]string, 0, len(seed))
	for t := range seed {
		tables = append(tables, t)
	}
	slices.Sort(tables)

	for _, table := range tables {
		node := seed[table]
		rows, err := snapshot.FromYAMLNode(&node)
		if err != nil {
			return fmt.Errorf("seed.%s: %w", table, err)
		}
		for i, rec := range rows {
			if err := h.store.Insert(ctx, table, rec); err != nil {
				return fmt.Errorf("seed.%s[%d]: %w", table, i, err)
			}
		}
		h.logger.Info("seeded", "table", table, "rows", len(rows))
	}
	return nil
}

// runPass reconciles one snapshot and checks its expect clause.
func (h *Harness) runPass(ctx context.Context, index int, pass Pass, result *Result) error {
	snap, err := snapshot.FromYAMLNode(&pass.Snapshot)
	if err != nil {
		return fmt.Errorf("passes[%d]: snapshot: %w", index, err)
	}

	// The pass key wins over the declared key, which wins over config.
	key := pass.NaturalKey
	if key == "" {
		key = h.keys[pass.Table]
	}
	var opts []reconcile.Option
	if key != "" {
		opts = append(opts, reconcile.WithNaturalKey(key))
	}

	res, err := h.rec.Reconcile(ctx, pass.Table, snap, opts...)
	if err != nil {
		return fmt.Errorf("passes[%d]: %w", index, err)
	}

	summary := summarize(res)
	result.Passes = append(result.Passes, summary)
	h.logger.Info("pass completed", "pass", index, "table", pass.Table, "run_id", res.RunID)

	if pass.Expect == nil {
		return nil
	}
	check := func(label string, want, got []string) {
		if want == nil || slices.Equal(want, got) {
			return
		}
		result.AddError(fmt.Sprintf("passes[%d]: %s: expected %v, got %v", index, label, want, got))
	}
	check("new", pass.Expect.New, summary.New)
	check("changed", pass.Expect.Changed, summary.Changed)
	check("removed", pass.Expect.Removed, summary.Removed)
	check("unchanged", pass.Expect.Unchanged, summary.Unchanged)
	check("skipped", pass.Expect.Skipped, summary.Skipped)
	return nil
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return []string{}
	}
	return strings.Split(s, "\n")
}
