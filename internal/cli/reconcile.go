package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/factsync/internal/ir"
	"github.com/roach88/factsync/internal/reconcile"
	"github.com/roach88/factsync/internal/snapshot"
	"github.com/roach88/factsync/internal/store"
)

// ReconcileOptions holds flags for the reconcile command.
type ReconcileOptions struct {
	*RootOptions
	Strict     bool   // exit 1 when any record was skipped
	Stamp      bool   // fill missing timestamps with the current time
	NaturalKey string // overrides the declared and configured natural key

	// RunIDs and Now override the reconciler defaults (for testing).
	RunIDs reconcile.RunIDGenerator
	Now    func() time.Time
}

// ReconcileReport is the outcome of one reconcile command.
type ReconcileReport struct {
	RunID      string           `json:"run_id"`
	Table      string           `json:"table"`
	Digest     string           `json:"digest"`
	Counts     reconcile.Counts `json:"counts"`
	New        []string         `json:"new"`
	Changed    []string         `json:"changed"`
	Removed    []string         `json:"removed"`
	Unchanged  []string         `json:"unchanged"`
	Skipped    []SkippedRecord  `json:"skipped"`
	DurationMS int64            `json:"duration_ms"`
	Audit      []string         `json:"audit,omitempty"` // only when audit lines would go to stdout
	Migration  *TableReport     `json:"migration,omitempty"`
	Stamped    int              `json:"stamped,omitempty"`
}

// SkippedRecord is a snapshot record that was not applied.
type SkippedRecord struct {
	Code    string `json:"code"`
	Index   int    `json:"index"`
	Key     string `json:"key,omitempty"`
	Message string `json:"message"`
}

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReconcileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reconcile <table> <snapshot-file>",
		Short: "Reconcile a snapshot against the stored table",
		Long: `Reconcile one snapshot of a fact table against the stored rows.

The snapshot is a JSON array or YAML sequence of flat objects; the format
follows the file extension and "-" reads JSON from stdin. New, changed and
removed rows are applied in one transaction, then one audit line per
difference is written to the configured audit sink. Malformed records are
skipped and reported with ty_error_* audit lines.

If the table is declared in the schema directory (or is a built-in fact
table) it is created or migrated first.

Exit codes:
  0 - Snapshot applied
  1 - Records were skipped and --strict is set
  2 - Command error (config, schema, unreadable snapshot, database)

Examples:
  factsync reconcile kexts ./kexts.json
  collector | factsync reconcile plist - --stamp
  factsync reconcile firewall_keys ./keys.yaml --natural-key value --strict`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "exit 1 if any record was skipped")
	cmd.Flags().BoolVar(&opts.Stamp, "stamp", false, "fill missing timestamp fields with the current time")
	cmd.Flags().StringVar(&opts.NaturalKey, "natural-key", "", "natural key field for this table (overrides config)")

	return cmd
}

func runReconcile(opts *ReconcileOptions, table, snapshotPath string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, err.Error())
	}
	rcfg, err := cfg.ReconcileConfig()
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, err.Error())
	}
	if opts.RunIDs != nil {
		rcfg.RunIDs = opts.RunIDs
	}
	if opts.Now != nil {
		rcfg.Now = opts.Now
	}

	// Use command's context if available (for testing), otherwise create one.
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	snap, err := snapshot.Load(snapshotPath)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeSnapshot, err.Error())
	}
	report := ReconcileReport{Table: table}
	if opts.Stamp {
		now := time.Now
		if opts.Now != nil {
			now = opts.Now
		}
		report.Stamped = snapshot.Stamp(snap, cfg.TimestampField, now())
		formatter.VerboseLog("Stamped %d record(s) with %s", report.Stamped, cfg.TimestampField)
	}

	st, err := openStore(cfg)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, err.Error())
	}
	defer closeStore(st)

	declared, migration, err := prepareTable(ctx, st, cfg.SchemaDir, table)
	if err != nil {
		code, msg := loadErrorParts(err)
		return formatter.Fail(ExitCommandError, code, msg)
	}
	report.Migration = migration

	// JSON output owns stdout; audit lines bound for stdout are carried in
	// the report instead.
	auditBuf := &bytes.Buffer{}
	stdout := formatter.Writer
	if formatter.JSON() {
		stdout = auditBuf
	}
	sink, closeSink, err := cfg.OpenAudit(stdout)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeWriteFailed, err.Error())
	}
	defer func() {
		if err := closeSink(); err != nil {
			slog.Error("error closing audit log", "error", err)
		}
	}()

	// Precedence: --natural-key, then the table's declared key, then config.
	naturalKey := opts.NaturalKey
	if naturalKey == "" && declared != nil {
		naturalKey = declared.NaturalKey
	}
	var recOpts []reconcile.Option
	if naturalKey != "" {
		formatter.VerboseLog("Natural key: %s", naturalKey)
		recOpts = append(recOpts, reconcile.WithNaturalKey(naturalKey))
	}

	rec := reconcile.New(st, rcfg, cfg.Emitter(sink))
	res, err := rec.Reconcile(ctx, table, snap, recOpts...)
	if err != nil {
		if res == nil {
			return formatter.Fail(ExitCommandError, ErrCodeStore, err.Error())
		}
		// Committed, but the audit sink failed.
		slog.Error("audit output failed", "run_id", res.RunID, "error", err)
		return formatter.Fail(ExitCommandError, ErrCodeWriteFailed, err.Error())
	}

	fillReport(&report, res)
	if formatter.JSON() {
		report.Audit = splitAudit(auditBuf.String())
		if err := formatter.Success(report); err != nil {
			return err
		}
	} else {
		outputReconcileText(formatter.GetErrWriter(), report)
	}

	if opts.Strict && len(report.Skipped) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%s: %d record(s) skipped", ErrCodeSkipped, len(report.Skipped)))
	}
	return nil
}

// prepareTable initializes table when the schema source declares it and
// returns the declaration. An undeclared table must already exist; its
// declaration is nil.
func prepareTable(ctx context.Context, st *store.Store, schemaDir, table string) (*ir.TableSchema, *TableReport, error) {
	loaded, loadErrs := LoadSchemas(schemaDir, LoadModeFailFast)
	if len(loadErrs) > 0 {
		return nil, nil, loadErrs[0]
	}
	for i := range loaded.Tables {
		schema := &loaded.Tables[i]
		if schema.Name != table {
			continue
		}
		mr, err := st.InitializeTable(ctx, *schema)
		if err != nil {
			return nil, nil, convertSchemaError(err)
		}
		if !mr.Changed() {
			return schema, nil, nil
		}
		slog.Info("table migrated", "table", table, "created", mr.Created, "added_columns", mr.AddedColumns)
		return schema, &TableReport{
			Table:        table,
			Created:      mr.Created,
			AddedColumns: nonNil(mr.AddedColumns),
			Indexes:      nonNil(mr.Indexes),
		}, nil
	}

	exists, err := st.TableExists(ctx, table)
	if err != nil {
		return nil, nil, &LoadError{Code: ErrCodeStore, Message: err.Error()}
	}
	if !exists {
		return nil, nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("table %q is not declared in %s and does not exist", table, loaded.Source)}
	}
	return nil, nil, nil
}

func fillReport(report *ReconcileReport, res *reconcile.Result) {
	report.RunID = res.RunID
	report.Digest = res.Digest
	report.Counts = res.Counts()
	report.New = res.New
	report.Changed = res.Changed
	report.Removed = res.Removed
	report.Unchanged = res.Unchanged
	report.DurationMS = res.Duration.Milliseconds()
	report.Skipped = make([]SkippedRecord, len(res.Skipped))
	for i, se := range res.Skipped {
		report.Skipped[i] = SkippedRecord{
			Code:    string(se.Code),
			Index:   se.Index,
			Key:     se.Key,
			Message: se.Message,
		}
	}
}

// outputReconcileText writes the summary. Audit lines own stdout, so the
// summary goes to the diagnostic writer.
func outputReconcileText(w io.Writer, r ReconcileReport) {
	c := r.Counts
	fmt.Fprintf(w, "✓ %s: %d new, %d changed, %d removed, %d unchanged, %d skipped (run %s)\n",
		r.Table, c.New, c.Changed, c.Removed, c.Unchanged, c.Skipped, r.RunID)
	if r.Migration != nil && r.Migration.Created {
		fmt.Fprintf(w, "  created table %s\n", r.Table)
	} else if r.Migration != nil && len(r.Migration.AddedColumns) > 0 {
		fmt.Fprintf(w, "  added columns: %s\n", strings.Join(r.Migration.AddedColumns, ", "))
	}
	for _, s := range r.Skipped {
		fmt.Fprintf(w, "✗ record %d: %s: %s\n", s.Index, s.Code, s.Message)
	}
}

func splitAudit(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
