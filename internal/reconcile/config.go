package reconcile

import (
	"time"

	"github.com/roach88/factsync/internal/audit"
	"github.com/roach88/factsync/internal/ir"
	"github.com/roach88/factsync/internal/textdiff"
)

// Defaults for Config fields.
const (
	DefaultNaturalKey     = "name"
	DefaultTimestampField = "date"
	DefaultUnset          = audit.DefaultUnset
)

// Config controls a Reconciler. Zero fields take their defaults.
type Config struct {
	// NaturalKey is the field that identifies a record across runs.
	NaturalKey string

	// TimestampField holds the observation time. It is required on every
	// record and never makes a record Changed.
	TimestampField string

	// Unset is the sentinel a collector stores for a field it could not
	// read. Unset fields are omitted from new and removed audit lines.
	Unset string

	// Differ renders character deltas for changed fields.
	Differ textdiff.Differ

	// RunIDs generates the id of each pass.
	RunIDs RunIDGenerator

	// Now returns the current time; used for the run journal.
	Now func() time.Time

	// KeepOnEmpty skips removal when the snapshot has no records at all,
	// so a collector that failed to read anything does not wipe the table.
	KeepOnEmpty bool
}

// DefaultConfig returns a Config with every field set to its default.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.NaturalKey == "" {
		c.NaturalKey = DefaultNaturalKey
	}
	if c.TimestampField == "" {
		c.TimestampField = DefaultTimestampField
	}
	if c.Unset == "" {
		c.Unset = DefaultUnset
	}
	if c.Differ == nil {
		c.Differ = textdiff.Myers{}
	}
	if c.RunIDs == nil {
		c.RunIDs = UUIDv7Generator{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Option adjusts a single Reconcile call.
type Option func(*options)

type options struct {
	naturalKey   string
	persisted    []*ir.Record
	hasPersisted bool
}

// WithPersisted supplies the persisted state instead of reading the table.
// The records must be persisted (carry an identity), as returned by
// store.Select.
// The records themselves are never modified.
func WithPersisted(records []*ir.Record) Option {
	return func(o *options) {
		o.persisted = records
		o.hasPersisted = true
	}
}

// WithNaturalKey overrides Config.NaturalKey for one call.
func WithNaturalKey(field string) Option {
	return func(o *options) {
		if field != "" {
			o.naturalKey = field
		}
	}
}
