package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/factsync/internal/ir"
	"github.com/roach88/factsync/internal/queryir"
	"github.com/roach88/factsync/internal/store"
)

// ShowOptions holds flags for the show command.
type ShowOptions struct {
	*RootOptions
	Where   []string // field=value, field!=value, field=null, field!=null
	Columns []string
	OrderBy string // field, or -field for descending
	Limit   int
}

// ShowResult holds the rows returned by the show command.
type ShowResult struct {
	Table   string           `json:"table"`
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShowOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "show <table>",
		Short: "Print stored rows of a fact table",
		Long: `Print the stored rows of a fact table in identity order.

Filters combine with AND. A value of "null" matches NULL.

Examples:
  factsync show kexts
  factsync show firewall_exceptions --where state=1 --limit 10
  factsync show plist --columns name,program --order -date --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Where, "where", nil, "filter as field=value or field!=value (repeatable)")
	cmd.Flags().StringSliceVar(&opts.Columns, "columns", nil, "columns to print (default: all)")
	cmd.Flags().StringVar(&opts.OrderBy, "order", "", "order by field; prefix with - for descending")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of rows (0 = all)")

	return cmd
}

func runShow(opts *ShowOptions, table string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	where, err := parseWhere(opts.Where)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error())
	}
	sel := store.SelectOptions{Columns: opts.Columns, Where: where, Limit: opts.Limit}
	if opts.OrderBy != "" {
		key := queryir.OrderKey{Field: strings.TrimPrefix(opts.OrderBy, "-"), Desc: strings.HasPrefix(opts.OrderBy, "-")}
		sel.OrderBy = []queryir.OrderKey{key}
	}

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

	columns, err := showColumns(ctx, st, table, opts.Columns)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, err.Error())
	}
	rows, err := st.Select(ctx, table, sel)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, err.Error())
	}
	formatter.VerboseLog("Selected %d row(s) from %s", len(rows), table)

	result := ShowResult{Table: table, Columns: columns, Rows: make([]map[string]any, len(rows))}
	for i, rec := range rows {
		row := map[string]any{ir.IdentityColumn: rec.ID()}
		for _, name := range rec.Fields() {
			v, _ := rec.Get(name)
			row[name] = jsonValue(v)
		}
		result.Rows[i] = row
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}

	if len(rows) == 0 {
		fmt.Fprintf(formatter.Writer, "No rows in %s\n", table)
		return nil
	}
	tw := tabwriter.NewWriter(formatter.Writer, 0, 0, 2, ' ', 0)
	header := append([]string{ir.IdentityColumn}, columns...)
	fmt.Fprintln(tw, strings.ToUpper(strings.Join(header, "\t")))
	for _, rec := range rows {
		cells := []string{fmt.Sprint(rec.ID())}
		for _, c := range columns {
			v, ok := rec.Get(c)
			if !ok || ir.IsNull(v) {
				cells = append(cells, "-")
				continue
			}
			cells = append(cells, ir.StringOf(v))
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(formatter.Writer, "\n%d row(s)\n", len(rows))
	return nil
}

// showColumns returns the requested columns, or every declared column.
func showColumns(ctx context.Context, st *store.Store, table string, requested []string) ([]string, error) {
	if len(requested) > 0 {
		return requested, nil
	}
	info, err := st.DescribeTable(ctx, table)
	if err != nil {
		return nil, err
	}
	cols := make([]string, 0, len(info))
	for _, c := range info {
		if c.Name == ir.IdentityColumn {
			continue
		}
		cols = append(cols, c.Name)
	}
	return cols, nil
}

// parseWhere builds a conjunction from field=value and field!=value terms.
func parseWhere(terms []string) (queryir.Predicate, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	preds := make([]queryir.Predicate, 0, len(terms))
	for _, term := range terms {
		negate := false
		field, value, ok := strings.Cut(term, "!=")
		if ok {
			negate = true
		} else if field, value, ok = strings.Cut(term, "="); !ok {
			return nil, fmt.Errorf("invalid --where %q: want field=value or field!=value", term)
		}
		field = strings.TrimSpace(field)
		if field == "" {
			return nil, fmt.Errorf("invalid --where %q: empty field", term)
		}

		switch {
		case value == "null":
			preds = append(preds, queryir.IsNull{Field: field, Negate: negate})
		case negate:
			preds = append(preds, queryir.NotEquals{Field: field, Value: ir.Text(value)})
		default:
			preds = append(preds, queryir.Eq(field, ir.Text(value)))
		}
	}
	return queryir.AllOf(preds...), nil
}

// jsonValue converts a stored value for JSON output.
func jsonValue(v ir.Value) any {
	switch v := v.(type) {
	case ir.Text:
		return string(v)
	case ir.Int:
		return int64(v)
	default:
		return nil
	}
}
