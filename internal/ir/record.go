package ir

import "sort"

// Record is one row of a fact table.
//
// A record built by a collector is transient: it has no identity and no
// shadow. Once inserted or selected it is bound to a table and identity and
// carries a shadow copy of the stored values, used to compute minimal
// updates.
type Record struct {
	fields map[string]Value
	shadow map[string]Value
	table  string
	id     int64
}

// NewRecord creates a transient record from a field map. The map is copied.
func NewRecord(fields map[string]Value) *Record {
	r := &Record{fields: make(map[string]Value, len(fields))}
	for k, v := range fields {
		r.fields[k] = normalize(v)
	}
	return r
}

// NewStoredRecord creates a persisted record whose shadow equals its fields.
func NewStoredRecord(table string, id int64, fields map[string]Value) *Record {
	r := NewRecord(fields)
	r.Bind(table, id)
	return r
}

// Get returns the value of a field.
func (r *Record) Get(name string) (Value, bool) {
	v, ok := r.fields[name]
	return v, ok
}

// Has reports whether the field is present.
func (r *Record) Has(name string) bool {
	_, ok := r.fields[name]
	return ok
}

// Set assigns a field value. A nil value is stored as Null.
func (r *Record) Set(name string, v Value) {
	if r.fields == nil {
		r.fields = make(map[string]Value)
	}
	r.fields[name] = normalize(v)
}

// Fields returns the record's field names in sorted order.
func (r *Record) Fields() []string {
	return sortedKeys(r.fields)
}

// Len returns the number of fields.
func (r *Record) Len() int {
	return len(r.fields)
}

// Map returns a copy of the field map.
func (r *Record) Map() map[string]Value {
	m := make(map[string]Value, len(r.fields))
	for k, v := range r.fields {
		m[k] = v
	}
	return m
}

// Shadow returns the as-stored value of a field.
func (r *Record) Shadow(name string) (Value, bool) {
	v, ok := r.shadow[name]
	return v, ok
}

// Changed returns the sorted names of fields whose value differs from the
// shadow. A field missing from the shadow counts as changed.
func (r *Record) Changed() []string {
	var changed []string
	for _, name := range sortedKeys(r.fields) {
		old, ok := r.shadow[name]
		if !ok || !Equal(old, r.fields[name]) {
			changed = append(changed, name)
		}
	}
	return changed
}

// Persisted reports whether the record is bound to a stored row.
func (r *Record) Persisted() bool {
	return r.id > 0
}

// Table returns the table the record is bound to, or "" when transient.
func (r *Record) Table() string {
	return r.table
}

// ID returns the storage identity, or 0 when transient.
func (r *Record) ID() int64 {
	return r.id
}

// Ref returns the row reference of a persisted record.
func (r *Record) Ref() RowRef {
	return RowRef{Table: r.table, ID: r.id}
}

// Bind attaches the record to a stored row and refreshes the shadow.
func (r *Record) Bind(table string, id int64) {
	r.table = table
	r.id = id
	r.MarkClean()
}

// MarkClean copies the current field values into the shadow.
func (r *Record) MarkClean() {
	r.shadow = make(map[string]Value, len(r.fields))
	for k, v := range r.fields {
		r.shadow[k] = v
	}
}

// Clone returns a deep copy including identity and shadow.
func (r *Record) Clone() *Record {
	c := NewRecord(r.fields)
	c.table = r.table
	c.id = r.id
	if r.shadow != nil {
		c.shadow = make(map[string]Value, len(r.shadow))
		for k, v := range r.shadow {
			c.shadow[k] = v
		}
	}
	return c
}

// Snapshot is the ordered set of records observed for one table in one run.
type Snapshot []*Record

func normalize(v Value) Value {
	if v == nil {
		return Null{}
	}
	return v
}

func sortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
