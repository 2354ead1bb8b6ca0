package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario defines a reconciliation test.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Schema is an inline CUE table declaration.
	Schema string `yaml:"schema,omitempty"`

	// SchemaFiles lists CUE files, relative to the scenario file.
	SchemaFiles []string `yaml:"schema_files,omitempty"`

	// Config overrides reconciler settings for every pass.
	Config *PassConfig `yaml:"config,omitempty"`

	// Seed holds rows inserted before the first pass, keyed by table.
	Seed map[string]yaml.Node `yaml:"seed,omitempty"`

	// Passes run in order against the same database.
	Passes []Pass `yaml:"passes"`

	// Assertions validate the final state and the audit output.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// PassConfig mirrors the reconciler settings a scenario may override.
type PassConfig struct {
	NaturalKey     string `yaml:"natural_key,omitempty"`
	TimestampField string `yaml:"timestamp_field,omitempty"`
	Unset          string `yaml:"unset,omitempty"`
	Differ         string `yaml:"differ,omitempty"`
	KeepOnEmpty    bool   `yaml:"keep_on_empty,omitempty"`
}

// Pass is one reconciliation.
type Pass struct {
	Table string `yaml:"table"`

	// NaturalKey overrides the declared and configured key for this pass.
	NaturalKey string `yaml:"natural_key,omitempty"`

	// Snapshot is a sequence of flat mappings, decoded like a YAML snapshot
	// file.
	Snapshot yaml.Node `yaml:"snapshot"`

	// Expect checks the classification of this pass. Nil skips the check.
	Expect *PassExpect `yaml:"expect,omitempty"`
}

// PassExpect lists expected natural keys per classification, in order.
// An omitted list is not checked; an empty list must be empty.
type PassExpect struct {
	New       []string `yaml:"new,omitempty"`
	Changed   []string `yaml:"changed,omitempty"`
	Removed   []string `yaml:"removed,omitempty"`
	Unchanged []string `yaml:"unchanged,omitempty"`

	// Skipped lists expected error codes of skipped records, in order.
	Skipped []string `yaml:"skipped,omitempty"`
}

// Assertion validates final state or audit output.
type Assertion struct {
	// Type is one of final_state, row_count, audit_contains, audit_count.
	Type string `yaml:"type"`

	// Table is the table queried by final_state and row_count.
	Table string `yaml:"table,omitempty"`

	// Where filters rows by equality on every listed field.
	Where map[string]any `yaml:"where,omitempty"`

	// Expect holds expected field values for final_state (subset match).
	// A null value expects a null field.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number for row_count and audit_count.
	Count int `yaml:"count,omitempty"`

	// Line is the exact audit line for audit_contains.
	Line string `yaml:"line,omitempty"`

	// Kind selects audit lines for audit_count: new, changed, removed or error.
	Kind string `yaml:"kind,omitempty"`
}

// Assertion type constants.
const (
	AssertFinalState    = "final_state"
	AssertRowCount      = "row_count"
	AssertAuditContains = "audit_contains"
	AssertAuditCount    = "audit_count"
)

// Audit line kinds for audit_count.
const (
	KindNew     = "new"
	KindChanged = "changed"
	KindRemoved = "removed"
	KindError   = "error"
)

// LoadScenario reads and parses a scenario YAML file. Schema file paths
// are resolved relative to the scenario file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	base := filepath.Dir(path)
	for i, p := range scenario.SchemaFiles {
		if !filepath.IsAbs(p) {
			scenario.SchemaFiles[i] = filepath.Join(base, p)
		}
	}
	for _, p := range scenario.SchemaFiles {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return nil, fmt.Errorf("invalid scenario: schema file not found: %s", p)
		}
	}
	return scenario, nil
}

// ParseScenario parses scenario YAML. Unknown fields are rejected.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Schema != "" && len(s.SchemaFiles) > 0 {
		return fmt.Errorf("schema and schema_files are mutually exclusive")
	}
	if len(s.Passes) == 0 {
		return fmt.Errorf("passes list is required and must be non-empty")
	}

	for i, p := range s.Passes {
		if p.Table == "" {
			return fmt.Errorf("passes[%d]: table is required", i)
		}
		if p.Snapshot.Kind != 0 && p.Snapshot.Kind != yaml.SequenceNode {
			return fmt.Errorf("passes[%d]: snapshot must be a sequence", i)
		}
	}

	for table, node := range s.Seed {
		if node.Kind != yaml.SequenceNode {
			return fmt.Errorf("seed.%s: must be a sequence", table)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertRowCount:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for row_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for row_count", index)
		}
	case AssertAuditContains:
		if a.Line == "" {
			return fmt.Errorf("assertions[%d]: line is required for audit_contains", index)
		}
	case AssertAuditCount:
		switch a.Kind {
		case KindNew, KindChanged, KindRemoved, KindError:
		default:
			return fmt.Errorf("assertions[%d]: kind must be new, changed, removed or error for audit_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for audit_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
