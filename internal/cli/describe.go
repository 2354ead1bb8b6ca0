package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/factsync/internal/ir"
	"github.com/roach88/factsync/internal/store"
)

// TableDescription is the stored layout of one table.
type TableDescription struct {
	Table   string           `json:"table"`
	Columns []ir.ColumnInfo  `json:"columns"`
	Rows    int64            `json:"rows"`
	LastRun *store.RunRecord `json:"last_run,omitempty"`
}

// NewDescribeCommand creates the describe command.
func NewDescribeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "describe [table]",
		Short: "Show stored table layouts",
		Long: `Show the columns of a stored table as the database reports them, with
its row count and latest reconciliation. Without a table, every fact
table is listed.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDescribe(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runDescribe(opts *RootOptions, args []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	cfg, err := loadConfig(opts)
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

	tables := args
	if len(tables) == 0 {
		if tables, err = st.ListTables(ctx); err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeStore, err.Error())
		}
	}

	descs := make([]TableDescription, 0, len(tables))
	for _, table := range tables {
		d, err := describeTable(ctx, st, table)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeStore, err.Error())
		}
		descs = append(descs, d)
	}

	if formatter.JSON() {
		return formatter.Success(descs)
	}

	w := formatter.Writer
	if len(descs) == 0 {
		fmt.Fprintln(w, "No fact tables. Run 'factsync init' to create them.")
		return nil
	}
	for i, d := range descs {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "%s (%d row(s))\n", d.Table, d.Rows)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, c := range d.Columns {
			var flags string
			if c.PrimaryKey {
				flags += " PRIMARY KEY"
			}
			if c.NotNull {
				flags += " NOT NULL"
			}
			if c.Default != "" {
				flags += " DEFAULT " + c.Default
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", c.Name, c.DeclaredType, flags)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		if d.LastRun != nil {
			fmt.Fprintf(w, "  last run %s at %s\n", d.LastRun.RunID, d.LastRun.StartedAt.Format("2006-01-02 15:04:05"))
		}
	}
	return nil
}

func describeTable(ctx context.Context, st *store.Store, table string) (TableDescription, error) {
	cols, err := st.DescribeTable(ctx, table)
	if err != nil {
		return TableDescription{}, err
	}
	n, err := st.Count(ctx, table)
	if err != nil {
		return TableDescription{}, err
	}
	d := TableDescription{Table: table, Columns: cols, Rows: n}
	last, ok, err := st.LatestRun(ctx, table)
	if err != nil {
		return TableDescription{}, err
	}
	if ok {
		d.LastRun = &last
	}
	return d, nil
}
