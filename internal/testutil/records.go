package testutil

import (
	"fmt"
	"sync"

	"github.com/roach88/factsync/internal/ir"
)

// Fact builds a transient record from alternating field/value pairs.
// All values are Text; use Record for other value types.
//
//	Fact("name", "A", "date", "d1", "state", "1")
func Fact(pairs ...string) *ir.Record {
	if len(pairs)%2 != 0 {
		panic("testutil.Fact: odd number of arguments")
	}
	fields := make(map[string]ir.Value, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		fields[pairs[i]] = ir.Text(pairs[i+1])
	}
	return ir.NewRecord(fields)
}

// Record builds a transient record from a map of Go values converted with
// ir.ValueOf. Panics on unsupported values.
func Record(fields map[string]any) *ir.Record {
	vals := make(map[string]ir.Value, len(fields))
	for k, v := range fields {
		iv, err := ir.ValueOf(v)
		if err != nil {
			panic(fmt.Sprintf("testutil.Record: field %s: %v", k, err))
		}
		vals[k] = iv
	}
	return ir.NewRecord(vals)
}

// Texts renders every field of a record as text, for compact assertions.
func Texts(rec *ir.Record) map[string]string {
	out := make(map[string]string, rec.Len())
	for _, f := range rec.Fields() {
		v, _ := rec.Get(f)
		out[f] = ir.StringOf(v)
	}
	return out
}

// SequenceGenerator returns run ids prefix-0001, prefix-0002, ...
// Unlike reconcile.FixedGenerator it never runs out.
//
// Thread-safety: SequenceGenerator is safe for concurrent use via internal mutex.
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceGenerator creates a generator. An empty prefix means "run".
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	if prefix == "" {
		prefix = "run"
	}
	return &SequenceGenerator{prefix: prefix}
}

// Generate returns the next id.
func (g *SequenceGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}
