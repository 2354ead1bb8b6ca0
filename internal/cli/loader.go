package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/factsync/internal/compiler"
	"github.com/roach88/factsync/internal/ir"
)

// LoadMode controls how errors are handled during schema loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// LoadResult contains the tables declared in a schema directory.
type LoadResult struct {
	Tables    []ir.TableSchema
	Source    string // directory, or "built-in"
	FileCount int    // Number of CUE files found
}

// BuiltinSource names the embedded default tables in LoadResult.Source.
const BuiltinSource = "built-in"

// LoadError represents an error that occurred during schema loading.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error code constants shared by CLI commands. Schema declaration errors
// keep the compiler's E1xx codes.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed
	ErrCodeWriteFailed = "E007" // File write error
	ErrCodeConfig      = "E008" // Configuration error
	ErrCodeStore       = "E009" // Database error
	ErrCodeSnapshot    = "E010" // Snapshot file error
	ErrCodeNoTables    = "E011" // No tables declared

	ErrCodeSkipped = "E201" // Records skipped under --strict
)

// LoadSchemas compiles every table declared by the CUE files in dir.
// An empty dir loads the built-in fact tables.
// If mode is LoadModeFailFast, returns on first error.
// If mode is LoadModeCollectAll, every table is attempted.
func LoadSchemas(dir string, mode LoadMode) (*LoadResult, []error) {
	if dir == "" {
		tables, err := compiler.DefaultTables()
		if err != nil {
			return nil, []error{convertSchemaError(err)}
		}
		return &LoadResult{Tables: tables, Source: BuiltinSource}, nil
	}

	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("schema directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing schema directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	cueFiles, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(cueFiles) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}}
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}}
	}

	result := &LoadResult{Source: dir, FileCount: len(cueFiles)}
	errs := compileTables(value, mode, result)

	if len(result.Tables) == 0 && len(errs) == 0 {
		errs = append(errs, &LoadError{Code: ErrCodeNoTables, Message: fmt.Sprintf("no tables declared under %q in %s", compiler.TablesPath, dir)})
	}
	return result, errs
}

// compileTables compiles each table under the top-level "table" struct into
// result.
func compileTables(value cue.Value, mode LoadMode, result *LoadResult) []error {
	tablesVal := value.LookupPath(cue.ParsePath(compiler.TablesPath))
	if !tablesVal.Exists() {
		return nil
	}
	iter, err := tablesVal.Fields()
	if err != nil {
		return []error{&LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("iterating tables: %v", err)}}
	}

	var errs []error
	for iter.Next() {
		schema, err := compiler.CompileTable(iter.Value())
		if err != nil {
			errs = append(errs, convertSchemaError(err))
			if mode == LoadModeFailFast {
				return errs
			}
			continue
		}
		result.Tables = append(result.Tables, *schema)
	}
	return errs
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// convertSchemaError converts a compiler error to a LoadError with position info.
func convertSchemaError(err error) *LoadError {
	var se *compiler.SchemaError
	if errors.As(err, &se) {
		msg := se.Message
		if se.Table != "" {
			prefix := se.Table
			if se.Column != "" {
				prefix += "." + se.Column
			}
			msg = prefix + ": " + msg
		}
		return &LoadError{Code: se.Code, Message: msg, Pos: se.Pos}
	}
	return &LoadError{Code: ErrCodeGeneric, Message: err.Error()}
}

// loadErrorParts extracts the code and message of any loader error.
func loadErrorParts(err error) (string, string) {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		return loadErr.Code, loadErr.Message
	}
	return ErrCodeGeneric, err.Error()
}
