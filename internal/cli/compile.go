package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/factsync/internal/ir"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output string // output file path
}

// CompiledTable is the JSON form of a compiled table declaration.
type CompiledTable struct {
	Name       string           `json:"name"`
	NaturalKey string           `json:"natural_key,omitempty"`
	Digest     string           `json:"digest"`
	Columns    []CompiledColumn `json:"columns"`
	Indexes    []CompiledIndex  `json:"indexes,omitempty"`
}

// CompiledColumn is the JSON form of a column declaration.
type CompiledColumn struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	NotNull    bool   `json:"not_null,omitempty"`
	PrimaryKey bool   `json:"primary_key,omitempty"`
	Default    any    `json:"default,omitempty"`
}

// CompiledIndex is the JSON form of an index declaration.
type CompiledIndex struct {
	Name    string   `json:"name,omitempty"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique,omitempty"`
}

// CompilationResult holds the compiled tables.
type CompilationResult struct {
	Source string          `json:"source"`
	Tables []CompiledTable `json:"tables"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile [schema-dir]",
		Short: "Compile CUE table declarations to JSON",
		Long: `Compile CUE table declarations to their resolved JSON form.

Each table is listed with its columns in migration order, its indexes and
a content digest. Two declarations with the same digest produce the same
table layout.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path")

	return cmd
}

func runCompile(opts *CompileOptions, args []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	dir, err := schemaDirArg(opts.RootOptions, args)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, err.Error())
	}

	loaded, loadErrs := LoadSchemas(dir, LoadModeCollectAll)
	if len(loadErrs) > 0 {
		for _, e := range loadErrs[1:] {
			formatter.VerboseLog("%v", e)
		}
		code, msg := loadErrorParts(loadErrs[0])
		return formatter.Fail(ExitCommandError, code, msg)
	}

	result := CompilationResult{Source: loaded.Source, Tables: make([]CompiledTable, 0, len(loaded.Tables))}
	for _, schema := range loaded.Tables {
		formatter.VerboseLog("Compiling table: %s", schema.Name)
		ct, err := compileTable(schema)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error())
		}
		result.Tables = append(result.Tables, ct)
	}

	if opts.Output != "" {
		if err := writeJSONFile(result, opts.Output); err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeWriteFailed, fmt.Sprintf("writing output file: %v", err))
		}
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "✓ Compiled %d table(s) from %s\n\n", len(result.Tables), result.Source)
	for _, t := range result.Tables {
		fmt.Fprintf(w, "  %s: %d column(s), %d index(es), digest %s\n", t.Name, len(t.Columns), len(t.Indexes), shortDigest(t.Digest))
	}
	if opts.Output != "" {
		fmt.Fprintf(w, "\nWrote compiled tables to %s\n", opts.Output)
	}
	return nil
}

func compileTable(schema ir.TableSchema) (CompiledTable, error) {
	digest, err := ir.SchemaDigest(schema)
	if err != nil {
		return CompiledTable{}, err
	}
	ct := CompiledTable{
		Name:       schema.Name,
		NaturalKey: schema.NaturalKey,
		Digest:     digest,
		Columns:    make([]CompiledColumn, len(schema.Columns)),
	}
	for i, c := range schema.Columns {
		col := CompiledColumn{
			Name:       c.Name,
			Type:       c.Type.String(),
			NotNull:    c.NotNull,
			PrimaryKey: c.PrimaryKey,
		}
		switch d := c.Default.(type) {
		case ir.Text:
			col.Default = string(d)
		case ir.Int:
			col.Default = int64(d)
		}
		ct.Columns[i] = col
	}
	for _, idx := range schema.Indexes {
		ct.Indexes = append(ct.Indexes, CompiledIndex{Name: idx.Name, Columns: idx.Columns, Unique: idx.Unique})
	}
	return ct, nil
}

// writeJSONFile writes v as indented JSON.
func writeJSONFile(v any, filename string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling: %w", err)
	}
	if err := os.WriteFile(filename, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	return nil
}

// shortDigest truncates a digest for text output.
func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
