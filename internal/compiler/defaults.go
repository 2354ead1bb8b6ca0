package compiler

import (
	_ "embed"

	"github.com/roach88/factsync/internal/ir"
)

//go:embed defaults.cue
var defaultsCUE string

// DefaultTables returns the built-in fact tables (kexts, plist and the
// firewall tables), compiled from the embedded declaration file.
func DefaultTables() ([]ir.TableSchema, error) {
	return CompileString(defaultsCUE, "defaults.cue")
}
