package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/factsync/internal/store"
)

// RunsOptions holds flags for the runs command.
type RunsOptions struct {
	*RootOptions
	Table string // optional - filter to one table
	Limit int
}

// RunsResult holds the journal entries returned by the runs command.
type RunsResult struct {
	Runs  []store.RunRecord `json:"runs"`
	Stats RunsStats         `json:"stats"`
}

// RunsStats totals the listed runs.
type RunsStats struct {
	Runs      int `json:"runs"`
	New       int `json:"new"`
	Changed   int `json:"changed"`
	Removed   int `json:"removed"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
}

// NewRunsCommand creates the runs command.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List past reconciliation runs",
		Long: `List the run journal, newest first.

Every reconciliation records its run id, table, snapshot digest and the
size of each classification. Two runs with the same digest saw the same
accepted snapshot.

Examples:
  factsync runs
  factsync runs --table kexts --limit 5
  factsync runs --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRuns(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Table, "table", "", "filter to one table")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of runs (0 = all)")

	return cmd
}

func runRuns(opts *RunsOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, err.Error())
	}
	st, err := openStore(cfg)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, err.Error())
	}
	defer closeStore(st)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	runs, err := st.ReadRuns(ctx, store.RunFilter{Table: opts.Table, Limit: opts.Limit})
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, err.Error())
	}

	result := RunsResult{Runs: runs, Stats: runStats(runs)}
	if formatter.JSON() {
		return formatter.Success(result)
	}

	w := formatter.Writer
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tRUN\tTABLE\tSTARTED\tNEW\tCHANGED\tREMOVED\tUNCHANGED\tSKIPPED\tDURATION\tDIGEST")
	for _, r := range runs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.Seq, r.RunID, r.Table, r.StartedAt.Format("2006-01-02 15:04:05"),
			r.New, r.Changed, r.Removed, r.Unchanged, r.Skipped,
			r.Duration.Round(time.Millisecond), shortDigest(r.Digest))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	s := result.Stats
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Stats:")
	fmt.Fprintf(w, "  Runs:      %d\n", s.Runs)
	fmt.Fprintf(w, "  New:       %d\n", s.New)
	fmt.Fprintf(w, "  Changed:   %d\n", s.Changed)
	fmt.Fprintf(w, "  Removed:   %d\n", s.Removed)
	fmt.Fprintf(w, "  Skipped:   %d\n", s.Skipped)
	return nil
}

func runStats(runs []store.RunRecord) RunsStats {
	s := RunsStats{Runs: len(runs)}
	for _, r := range runs {
		s.New += r.New
		s.Changed += r.Changed
		s.Removed += r.Removed
		s.Unchanged += r.Unchanged
		s.Skipped += r.Skipped
	}
	return s
}
