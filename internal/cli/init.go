package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/factsync/internal/config"
	"github.com/roach88/factsync/internal/ir"
)

// InitResult is the outcome of the init command.
type InitResult struct {
	ConfigDir     string        `json:"config_dir"`
	ConfigWritten bool          `json:"config_written"`
	Database      string        `json:"database"`
	SchemaSource  string        `json:"schema_source"`
	Tables        []TableReport `json:"tables"`
}

// TableReport describes what initialization did to one table.
type TableReport struct {
	Table        string   `json:"table"`
	Digest       string   `json:"digest"`
	Created      bool     `json:"created"`
	AddedColumns []string `json:"added_columns"`
	Indexes      []string `json:"indexes"`
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create or migrate the fact tables",
		Long: `Write config.yaml to the config directory if none exists, open the
database and initialize every declared table.

Tables come from the configured schema_dir, or the built-in fact tables
when none is configured. Initialization is additive: missing tables are
created, missing columns and indexes are added, nothing is dropped.
Running init again is safe.

Examples:
  factsync init
  factsync init --config-dir ./etc --db ./facts.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(rootOpts, cmd)
		},
	}
	return cmd
}

func runInit(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	dir, err := config.ResolveConfigDir(opts.ConfigDir)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, err.Error())
	}
	written, err := config.WriteDefault(dir)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeWriteFailed, err.Error())
	}
	if written {
		formatter.VerboseLog("Wrote default config to %s", dir)
	}

	cfg, err := loadConfig(&RootOptions{ConfigDir: dir, Database: opts.Database})
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, err.Error())
	}

	loaded, loadErrs := LoadSchemas(cfg.SchemaDir, LoadModeFailFast)
	if len(loadErrs) > 0 {
		code, msg := loadErrorParts(loadErrs[0])
		return formatter.Fail(ExitCommandError, code, msg)
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

	result := InitResult{
		ConfigDir:     dir,
		ConfigWritten: written,
		Database:      cfg.Database,
		SchemaSource:  loaded.Source,
		Tables:        make([]TableReport, 0, len(loaded.Tables)),
	}
	for _, schema := range loaded.Tables {
		formatter.VerboseLog("Initializing table: %s", schema.Name)
		report, err := st.InitializeTable(ctx, schema)
		if err != nil {
			code, msg := loadErrorParts(convertSchemaError(err))
			return formatter.Fail(ExitCommandError, code, msg)
		}
		digest, err := ir.SchemaDigest(schema)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error())
		}
		result.Tables = append(result.Tables, TableReport{
			Table:        schema.Name,
			Digest:       digest,
			Created:      report.Created,
			AddedColumns: nonNil(report.AddedColumns),
			Indexes:      nonNil(report.Indexes),
		})
		slog.Info("table initialized", "table", schema.Name, "created", report.Created, "added_columns", len(report.AddedColumns))
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}

	w := formatter.Writer
	if written {
		fmt.Fprintf(w, "✓ Wrote %s\n", cfg.File)
	}
	fmt.Fprintf(w, "✓ Database %s (%d table(s) from %s)\n", cfg.Database, len(result.Tables), result.SchemaSource)
	for _, t := range result.Tables {
		var changes []string
		switch {
		case t.Created:
			changes = append(changes, "created")
		case len(t.AddedColumns) > 0:
			changes = append(changes, "added "+strings.Join(t.AddedColumns, ", "))
		}
		if len(t.Indexes) > 0 {
			changes = append(changes, fmt.Sprintf("%d index(es)", len(t.Indexes)))
		}
		if len(changes) == 0 {
			changes = append(changes, "up to date")
		}
		fmt.Fprintf(w, "  %s: %s\n", t.Table, strings.Join(changes, "; "))
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
