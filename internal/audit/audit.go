// Package audit renders reconciliation outcomes as append-only,
// greppable key="value" lines.
//
// Each line starts with the table tag and the event flag, then the natural
// key, then the remaining fields in sorted order:
//
//	ty_name="kexts" new_entry="true" name="com.apple.iokit" date="..." hash="..."
//	ty_name="kexts" changed_entry="true" name="com.apple.iokit" date="..." hash="new" hash_old="old"
//	ty_name="kexts" removed_entry="true" name="com.apple.iokit" date="..." hash="..."
//	ty_error_table="kexts" ty_error_code="MISSING_NATURAL_KEY" ty_error_index="3" ty_error_message="..."
//
// The emitter never reads stored state.
package audit

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/roach88/factsync/internal/ir"
)

// Defaults for Emitter options.
const (
	DefaultTagKey = "ty_name"
	DefaultUnset  = "KEY DNE"
)

// errorPrefix starts every token of an error line.
const errorPrefix = "ty_error_"

// Emitter writes one line per event to a sink.
// It is safe for concurrent use; each line is written with a single Write.
type Emitter struct {
	mu     sync.Mutex
	w      io.Writer
	tagKey string
	unset  string
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithTagKey sets the key of the leading table token.
func WithTagKey(key string) Option {
	return func(e *Emitter) {
		if key != "" {
			e.tagKey = key
		}
	}
}

// WithUnset sets the sentinel value that marks a field as not collected.
// Fields holding it are left out of new and removed lines.
func WithUnset(marker string) Option {
	return func(e *Emitter) {
		e.unset = marker
	}
}

// NewEmitter creates an Emitter writing to w.
func NewEmitter(w io.Writer, opts ...Option) *Emitter {
	e := &Emitter{w: w, tagKey: DefaultTagKey, unset: DefaultUnset}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ErrorLine describes a snapshot record that was skipped.
type ErrorLine struct {
	Table   string
	Code    string
	Index   int    // position in the snapshot
	Key     string // natural key, when the record had one
	Message string
}

// Emit writes the line for one event.
func (e *Emitter) Emit(ev ir.DiffEvent) error {
	return e.write(e.Format(ev))
}

// EmitAll writes one line per event in order, stopping at the first write error.
func (e *Emitter) EmitAll(events []ir.DiffEvent) error {
	for _, ev := range events {
		if err := e.Emit(ev); err != nil {
			return err
		}
	}
	return nil
}

// EmitError writes the line for a skipped record.
func (e *Emitter) EmitError(el ErrorLine) error {
	return e.write(e.FormatError(el))
}

func (e *Emitter) write(line string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := io.WriteString(e.w, line+"\n"); err != nil {
		return fmt.Errorf("write audit line: %w", err)
	}
	return nil
}

// Format renders an event without the trailing newline.
func (e *Emitter) Format(ev ir.DiffEvent) string {
	var b lineBuilder
	switch ev := ev.(type) {
	case ir.NewEvent:
		b.token(e.tagKey, ev.Table)
		b.token("new_entry", "true")
		b.token(ev.KeyField, ev.Key)
		e.fields(&b, ev.Record, ev.KeyField)
	case *ir.NewEvent:
		return e.Format(*ev)
	case ir.ChangedEvent:
		b.token(e.tagKey, ev.Table)
		b.token("changed_entry", "true")
		b.token(ev.KeyField, ev.Key)
		if ev.TimestampField != "" {
			b.token(ev.TimestampField, ir.StringOf(ev.Timestamp))
		}
		for _, d := range ev.Deltas {
			b.token(d.Field, ir.StringOf(d.New))
			b.token(d.Field+"_old", ir.StringOf(d.Old))
			if ev.TimestampField != "" && ev.PreviousTimestamp != nil {
				b.token(d.Field+"_last_updated", ir.StringOf(ev.PreviousTimestamp))
			}
			if !d.Trivial() {
				b.token(d.Field+"_diff_added", d.Added)
				b.token(d.Field+"_diff_removed", d.Removed)
			}
		}
	case *ir.ChangedEvent:
		return e.Format(*ev)
	case ir.RemovedEvent:
		b.token(e.tagKey, ev.Table)
		b.token("removed_entry", "true")
		b.token(ev.KeyField, ev.Key)
		e.fields(&b, ev.Record, ev.KeyField)
	case *ir.RemovedEvent:
		return e.Format(*ev)
	default:
		b.token(e.tagKey, "")
		b.token("unknown_entry", fmt.Sprintf("%T", ev))
	}
	return b.String()
}

// FormatError renders a skipped-record line without the trailing newline.
func (e *Emitter) FormatError(el ErrorLine) string {
	var b lineBuilder
	b.token(errorPrefix+"table", el.Table)
	b.token(errorPrefix+"code", el.Code)
	b.token(errorPrefix+"index", strconv.Itoa(el.Index))
	if el.Key != "" {
		b.token(errorPrefix+"key", el.Key)
	}
	b.token(errorPrefix+"message", el.Message)
	return b.String()
}

// fields appends every field except the key, internal fields and unset
// fields, in sorted order.
func (e *Emitter) fields(b *lineBuilder, rec *ir.Record, keyField string) {
	if rec == nil {
		return
	}
	for _, name := range rec.Fields() {
		if name == keyField || strings.HasPrefix(name, "_") {
			continue
		}
		v, _ := rec.Get(name)
		if t, ok := v.(ir.Text); ok && e.unset != "" && string(t) == e.unset {
			continue
		}
		b.token(name, ir.StringOf(v))
	}
}

type lineBuilder struct {
	strings.Builder
}

func (b *lineBuilder) token(key, value string) {
	if b.Len() > 0 {
		b.WriteByte(' ')
	}
	b.WriteString(key)
	b.WriteString(`="`)
	b.WriteString(Encode(value))
	b.WriteByte('"')
}

var encoder = strings.NewReplacer(
	"%", "%25",
	`"`, "%22",
	`'`, "%27",
	"\n", "%0A",
	"\r", "%0D",
)

// Encode escapes the characters that would break a key="value" token
// or split a line. A literal '%' is escaped too, so encoded values stay
// unambiguous.
func Encode(s string) string {
	return encoder.Replace(s)
}
