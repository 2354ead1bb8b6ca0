package ir

// EventKind identifies the classification of a DiffEvent.
type EventKind string

const (
	EventNew     EventKind = "new"
	EventChanged EventKind = "changed"
	EventRemoved EventKind = "removed"
)

// DiffEvent is a sealed interface over the outcomes of one reconciliation.
// Only NewEvent, ChangedEvent and RemovedEvent implement it.
type DiffEvent interface {
	diffEvent()

	// Kind returns the classification.
	Kind() EventKind

	// NaturalKey returns the value of the record's natural key.
	NaturalKey() string
}

// NewEvent reports a record whose key was absent from persisted state.
type NewEvent struct {
	Table    string
	KeyField string
	Key      string
	Record   *Record
}

func (NewEvent) diffEvent() {}

// Kind implements DiffEvent.
func (NewEvent) Kind() EventKind { return EventNew }

// NaturalKey implements DiffEvent.
func (e NewEvent) NaturalKey() string { return e.Key }

// ChangedEvent aggregates every differing field of one record.
type ChangedEvent struct {
	Table             string
	KeyField          string
	Key               string
	TimestampField    string
	Timestamp         Value
	// PreviousTimestamp is the timestamp the persisted record carried
	// before this pass.
	PreviousTimestamp Value
	Deltas            []FieldDelta // sorted by field name
}

func (ChangedEvent) diffEvent() {}

// Kind implements DiffEvent.
func (ChangedEvent) Kind() EventKind { return EventChanged }

// NaturalKey implements DiffEvent.
func (e ChangedEvent) NaturalKey() string { return e.Key }

// Fields returns the names of the changed fields.
func (e ChangedEvent) Fields() []string {
	names := make([]string, len(e.Deltas))
	for i, d := range e.Deltas {
		names[i] = d.Field
	}
	return names
}

// RemovedEvent reports a persisted record whose key disappeared.
// Record holds the row as it was before deletion.
type RemovedEvent struct {
	Table    string
	KeyField string
	Key      string
	Record   *Record
}

func (RemovedEvent) diffEvent() {}

// Kind implements DiffEvent.
func (RemovedEvent) Kind() EventKind { return EventRemoved }

// NaturalKey implements DiffEvent.
func (e RemovedEvent) NaturalKey() string { return e.Key }

// FieldDelta describes one changed field.
// Added is text present in New but not in Old; Removed the reverse.
type FieldDelta struct {
	Field   string
	Old     Value
	New     Value
	Added   string
	Removed string
}

// Trivial reports whether the character delta carries no more information
// than the old and new values themselves (the whole value was replaced).
func (d FieldDelta) Trivial() bool {
	return d.Added == StringOf(d.New) && d.Removed == StringOf(d.Old)
}
