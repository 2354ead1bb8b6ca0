package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Source string            `json:"source"`
	Tables []string          `json:"tables"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError is one problem found in a schema declaration.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [schema-dir]",
		Short: "Validate table declarations without touching the database",
		Long: `Validate CUE table declarations.

Checks CUE syntax, column types, defaults, natural keys and indexes and
reports every problem found. Without an argument the configured schema_dir
is validated, or the built-in fact tables when none is configured.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, args []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	dir, err := schemaDirArg(opts, args)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, err.Error())
	}

	loaded, loadErrs := LoadSchemas(dir, LoadModeCollectAll)
	if loaded == nil && len(loadErrs) > 0 {
		code, msg := loadErrorParts(loadErrs[0])
		return formatter.Fail(ExitCommandError, code, msg)
	}

	formatter.VerboseLog("Found %d CUE file(s) in %s", loaded.FileCount, loaded.Source)

	result := ValidationResult{
		Valid:  len(loadErrs) == 0,
		Source: loaded.Source,
		Tables: make([]string, 0, len(loaded.Tables)),
	}
	for _, t := range loaded.Tables {
		formatter.VerboseLog("Validated table: %s", t.Name)
		result.Tables = append(result.Tables, t.Name)
	}
	for _, err := range loadErrs {
		result.Errors = append(result.Errors, toValidationError(err))
	}

	if formatter.JSON() {
		if err := formatter.encode(validateResponse(result)); err != nil {
			return err
		}
	} else {
		outputValidateText(formatter, result)
	}

	if !result.Valid {
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(result.Errors)))
	}
	return nil
}

// schemaDirArg returns the explicit directory argument or the configured
// schema_dir.
func schemaDirArg(opts *RootOptions, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return "", err
	}
	return cfg.SchemaDir, nil
}

func toValidationError(err error) ValidationError {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		ve := ValidationError{Code: loadErr.Code, Message: loadErr.Message}
		if loadErr.Pos.IsValid() {
			ve.File = loadErr.Pos.Filename()
			ve.Line = loadErr.Pos.Line()
		}
		return ve
	}
	return ValidationError{Code: ErrCodeGeneric, Message: err.Error()}
}

func validateResponse(result ValidationResult) CLIResponse {
	if result.Valid {
		return CLIResponse{Status: "ok", Data: result}
	}
	first := result.Errors[0]
	return CLIResponse{
		Status: "error",
		Data:   result,
		Error: &CLIError{
			Code:    first.Code,
			Message: first.Message,
		},
	}
}

func outputValidateText(formatter *OutputFormatter, result ValidationResult) {
	w := formatter.Writer
	if result.Valid {
		fmt.Fprintf(w, "✓ %d table(s) valid (%s)\n", len(result.Tables), result.Source)
		return
	}

	fmt.Fprintf(w, "✗ Validation failed (%s)\n\n", result.Source)
	for _, e := range result.Errors {
		if e.File != "" {
			fmt.Fprintf(w, "%s:%d\n", e.File, e.Line)
		}
		fmt.Fprintf(w, "  %s: %s\n\n", e.Code, e.Message)
	}
}
