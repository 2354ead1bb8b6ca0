package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/roach88/factsync/internal/audit"
	"github.com/roach88/factsync/internal/ir"
	"github.com/roach88/factsync/internal/store"
)

// Reconciler applies snapshots to a store.
type Reconciler struct {
	store   *store.Store
	cfg     Config
	emitter *audit.Emitter
}

// New creates a Reconciler. A nil emitter disables audit output.
func New(st *store.Store, cfg Config, emitter *audit.Emitter) *Reconciler {
	return &Reconciler{store: st, cfg: cfg.withDefaults(), emitter: emitter}
}

// Config returns the effective configuration.
func (r *Reconciler) Config() Config {
	return r.cfg
}

// Result summarizes one pass. Key lists are in classification order.
type Result struct {
	RunID     string
	Table     string
	Digest    string
	New       []string
	Changed   []string
	Removed   []string
	Unchanged []string
	Events    []ir.DiffEvent // New, then Changed, then Removed
	Skipped   []*ReconciliationError
	Duration  time.Duration
}

// Counts is the size of each classification.
type Counts struct {
	New       int `json:"new"`
	Changed   int `json:"changed"`
	Removed   int `json:"removed"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
}

// Counts returns the size of each classification.
func (r *Result) Counts() Counts {
	return Counts{
		New:       len(r.New),
		Changed:   len(r.Changed),
		Removed:   len(r.Removed),
		Unchanged: len(r.Unchanged),
		Skipped:   len(r.Skipped),
	}
}

// observation is a snapshot record that passed intake.
type observation struct {
	index  int
	key    string
	fields map[string]ir.Value // keyed by column name
	unset  map[string]bool     // integer columns given the unset marker, stored as null
}

// tableShape is the column layout a pass works against.
type tableShape struct {
	columns   map[string]ir.ColumnInfo // lower-cased name → column
	key       string                   // column name of the natural key
	timestamp string                   // column name of the timestamp
}

// Reconcile classifies snapshot against the persisted rows of table,
// applies inserts, updates and deletes in one transaction, records the pass
// in the run journal and, after commit, emits one audit line per event.
//
// Skipped records are returned in Result.Skipped, not as an error. The
// returned error is non-nil only when the pass could not be applied (and
// was rolled back) or audit output failed after commit.
func (r *Reconciler) Reconcile(ctx context.Context, table string, snapshot ir.Snapshot, opts ...Option) (*Result, error) {
	start := r.cfg.Now()
	o := options{naturalKey: r.cfg.NaturalKey}
	for _, opt := range opts {
		opt(&o)
	}

	shape, err := r.describe(ctx, table, o.naturalKey)
	if err != nil {
		return nil, err
	}

	res := &Result{
		RunID:     r.cfg.RunIDs.Generate(),
		Table:     table,
		New:       []string{},
		Changed:   []string{},
		Removed:   []string{},
		Unchanged: []string{},
		Events:    []ir.DiffEvent{},
		Skipped:   []*ReconciliationError{},
	}
	logger := slog.With("table", table, "run_id", res.RunID)

	// Intake: validate, coerce, and collect observed keys.
	observed := make(map[string]bool, len(snapshot))
	var valid []observation
	for i, rec := range snapshot {
		obs, rerr := r.intake(table, i, rec, shape)
		if obs.key != "" {
			if observed[obs.key] {
				rerr = &ReconciliationError{
					Code:    ErrCodeDuplicateKey,
					Table:   table,
					Index:   i,
					Key:     obs.key,
					Message: fmt.Sprintf("natural key %q already seen earlier in the snapshot", obs.key),
				}
			}
			observed[obs.key] = true
		}
		if rerr != nil {
			res.Skipped = append(res.Skipped, rerr)
			logger.Debug("record skipped", "index", i, "code", rerr.Code, "error", rerr.Message)
			continue
		}
		valid = append(valid, obs)
	}

	accepted := make(ir.Snapshot, len(valid))
	for i, obs := range valid {
		accepted[i] = ir.NewRecord(obs.fields)
	}
	res.Digest, err = ir.SnapshotDigest(table, accepted)
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: digest: %w", table, err)
	}
	if prev, ok, err := r.store.LatestRun(ctx, table); err == nil && ok && prev.Digest == res.Digest {
		logger.Debug("snapshot identical to previous run", "previous_run_id", prev.RunID)
	}

	var newEvents, changedEvents, removedEvents []ir.DiffEvent
	err = r.store.InTx(ctx, func(tx *store.Store) error {
		var persisted []*ir.Record
		if o.hasPersisted {
			// Injected records are only updated through copies, so a
			// rolled-back pass leaves the caller's state as it was.
			persisted = make([]*ir.Record, 0, len(o.persisted))
			for _, p := range o.persisted {
				if p != nil {
					persisted = append(persisted, p.Clone())
				}
			}
		} else {
			var err error
			if persisted, err = tx.SelectAll(ctx, table); err != nil {
				return err
			}
		}
		byKey, order := indexPersisted(persisted, shape.key, logger)

		for _, obs := range valid {
			p, ok := byKey[obs.key]
			if !ok {
				rec := ir.NewRecord(obs.fields)
				if err := tx.Insert(ctx, table, rec); err != nil {
					return err
				}
				res.New = append(res.New, obs.key)
				newEvents = append(newEvents, ir.NewEvent{
					Table:    table,
					KeyField: shape.key,
					Key:      obs.key,
					Record:   obs.auditRecord(rec),
				})
				continue
			}

			deltas := r.compare(p, obs.fields, shape)
			if len(deltas) == 0 {
				res.Unchanged = append(res.Unchanged, obs.key)
				continue
			}

			prevTS, ok := lookup(p, shape.timestamp)
			if !ok {
				prevTS = ir.Null{}
			}
			ts := obs.fields[shape.timestamp]
			p.Set(shape.timestamp, ts)
			for _, d := range deltas {
				p.Set(d.Field, d.New)
			}
			if _, err := tx.Update(ctx, p); err != nil {
				return err
			}
			res.Changed = append(res.Changed, obs.key)
			changedEvents = append(changedEvents, ir.ChangedEvent{
				Table:          table,
				KeyField:       shape.key,
				Key:            obs.key,
				TimestampField:    shape.timestamp,
				Timestamp:         ts,
				PreviousTimestamp: prevTS,
				Deltas:            deltas,
			})
		}

		if len(snapshot) == 0 && r.cfg.KeepOnEmpty {
			logger.Info("empty snapshot; keeping persisted rows", "persisted", len(order))
		} else {
			var refs []ir.RowRef
			for _, key := range order {
				if observed[key] {
					continue
				}
				p := byKey[key]
				refs = append(refs, p.Ref())
				res.Removed = append(res.Removed, key)
				removedEvents = append(removedEvents, ir.RemovedEvent{
					Table:    table,
					KeyField: shape.key,
					Key:      key,
					Record:   p.Clone(),
				})
			}
			if len(refs) > 0 {
				if _, err := tx.Delete(ctx, refs...); err != nil {
					return err
				}
			}
		}

		res.Duration = r.cfg.Now().Sub(start)
		c := res.Counts()
		_, err := tx.WriteRun(ctx, store.RunRecord{
			RunID:     res.RunID,
			Table:     table,
			Digest:    res.Digest,
			StartedAt: start,
			Duration:  res.Duration,
			New:       c.New,
			Changed:   c.Changed,
			Removed:   c.Removed,
			Unchanged: c.Unchanged,
			Skipped:   c.Skipped,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: %w", table, err)
	}

	res.Events = append(res.Events, newEvents...)
	res.Events = append(res.Events, changedEvents...)
	res.Events = append(res.Events, removedEvents...)

	c := res.Counts()
	logger.Info("reconciled",
		"new", c.New,
		"changed", c.Changed,
		"removed", c.Removed,
		"unchanged", c.Unchanged,
		"skipped", c.Skipped,
		"duration", res.Duration)

	if err := r.emit(res); err != nil {
		return res, err
	}
	return res, nil
}

// describe resolves the table's columns and the configured key and
// timestamp fields to their column names.
func (r *Reconciler) describe(ctx context.Context, table, naturalKey string) (tableShape, error) {
	info, err := r.store.DescribeTable(ctx, table)
	if err != nil {
		return tableShape{}, fmt.Errorf("reconcile %s: %w", table, err)
	}
	shape := tableShape{columns: make(map[string]ir.ColumnInfo, len(info))}
	for _, c := range info {
		if strings.EqualFold(c.Name, ir.IdentityColumn) {
			continue
		}
		shape.columns[strings.ToLower(c.Name)] = c
	}

	key, ok := shape.columns[strings.ToLower(naturalKey)]
	if !ok {
		return tableShape{}, fmt.Errorf("reconcile %s: natural key %q is not a column", table, naturalKey)
	}
	ts, ok := shape.columns[strings.ToLower(r.cfg.TimestampField)]
	if !ok {
		return tableShape{}, fmt.Errorf("reconcile %s: timestamp field %q is not a column", table, r.cfg.TimestampField)
	}
	if strings.EqualFold(key.Name, ts.Name) {
		return tableShape{}, fmt.Errorf("reconcile %s: natural key and timestamp field are both %q", table, key.Name)
	}
	shape.key = key.Name
	shape.timestamp = ts.Name
	return shape, nil
}

// intake validates one snapshot record and coerces its values to column
// types. The returned observation carries the natural key whenever one was
// readable, even if the record is rejected, so the key still counts as
// observed.
func (r *Reconciler) intake(table string, index int, rec *ir.Record, shape tableShape) (observation, *ReconciliationError) {
	obs := observation{index: index, fields: make(map[string]ir.Value)}
	fail := func(code ErrorCode, format string, args ...any) *ReconciliationError {
		return &ReconciliationError{
			Code:    code,
			Table:   table,
			Index:   index,
			Key:     obs.key,
			Message: fmt.Sprintf(format, args...),
		}
	}
	if rec == nil {
		return obs, fail(ErrCodeInvalidValue, "record %d is nil", index)
	}

	var firstErr *ReconciliationError
	for _, name := range rec.Fields() {
		if strings.HasPrefix(name, "_") {
			continue
		}
		v, _ := rec.Get(name)
		col, ok := shape.columns[strings.ToLower(name)]
		if !ok {
			if firstErr == nil {
				firstErr = fail(ErrCodeUnknownField, "field %q is not a column of %s", name, table)
			}
			continue
		}
		coerced, err := r.coerce(col, v)
		if err != nil {
			if firstErr == nil {
				firstErr = fail(ErrCodeInvalidValue, "field %q: %v", name, err)
			}
			continue
		}
		if r.isUnsetInteger(col, v) {
			if obs.unset == nil {
				obs.unset = make(map[string]bool)
			}
			obs.unset[col.Name] = true
		}
		obs.fields[col.Name] = coerced
	}

	if kv, ok := obs.fields[shape.key]; ok && !ir.IsNull(kv) {
		obs.key = ir.StringOf(kv)
	}
	if obs.key == "" {
		return obs, fail(ErrCodeMissingNaturalKey, "record %d has no %q field", index, shape.key)
	}
	if firstErr != nil {
		firstErr.Key = obs.key
		return obs, firstErr
	}
	if tv, ok := obs.fields[shape.timestamp]; !ok || ir.IsNull(tv) {
		return obs, fail(ErrCodeMissingTimestamp, "record %d has no %q field", index, shape.timestamp)
	}
	return obs, nil
}

// coerce converts v to the column's type. The unset sentinel cannot be
// stored in an integer column and becomes null there.
func (r *Reconciler) coerce(col ir.ColumnInfo, v ir.Value) (ir.Value, error) {
	if r.isUnsetInteger(col, v) {
		return ir.Null{}, nil
	}
	return col.Type.Coerce(v)
}

func (r *Reconciler) isUnsetInteger(col ir.ColumnInfo, v ir.Value) bool {
	t, ok := v.(ir.Text)
	return ok && string(t) == r.cfg.Unset && col.Type == ir.ColumnTypeInteger
}

// auditRecord is rec without the integer columns the snapshot marked
// unset, so New lines omit them like unset text fields.
func (obs observation) auditRecord(rec *ir.Record) *ir.Record {
	if len(obs.unset) == 0 {
		return rec
	}
	fields := rec.Map()
	for name := range obs.unset {
		delete(fields, name)
	}
	out := ir.NewRecord(fields)
	out.Bind(rec.Table(), rec.ID())
	return out
}

// compare returns a delta for every field the observation carries that
// differs from the persisted record, sorted by field name. The key, the
// timestamp and internal fields are not compared.
func (r *Reconciler) compare(persisted *ir.Record, fields map[string]ir.Value, shape tableShape) []ir.FieldDelta {
	names := make([]string, 0, len(fields))
	for name := range fields {
		if name == shape.key || name == shape.timestamp || strings.HasPrefix(name, "_") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var deltas []ir.FieldDelta
	for _, name := range names {
		newV := fields[name]
		oldV, ok := lookup(persisted, name)
		if !ok {
			oldV = ir.Null{}
		}
		if ir.Equal(oldV, newV) {
			continue
		}
		added, removed := r.cfg.Differ.Diff(ir.StringOf(oldV), ir.StringOf(newV))
		deltas = append(deltas, ir.FieldDelta{
			Field:   name,
			Old:     oldV,
			New:     newV,
			Added:   added,
			Removed: removed,
		})
	}
	return deltas
}

// emit writes audit lines for a committed pass.
func (r *Reconciler) emit(res *Result) error {
	if r.emitter == nil {
		return nil
	}
	if err := r.emitter.EmitAll(res.Events); err != nil {
		return fmt.Errorf("reconcile %s: %w", res.Table, err)
	}
	for _, se := range res.Skipped {
		if err := r.emitter.EmitError(se.AuditLine()); err != nil {
			return fmt.Errorf("reconcile %s: %w", res.Table, err)
		}
	}
	return nil
}

// indexPersisted maps natural keys to persisted records, keeping the first
// record for a repeated key. order lists keys in persisted order.
func indexPersisted(persisted []*ir.Record, keyField string, logger *slog.Logger) (map[string]*ir.Record, []string) {
	byKey := make(map[string]*ir.Record, len(persisted))
	order := make([]string, 0, len(persisted))
	for _, p := range persisted {
		if p == nil {
			continue
		}
		kv, ok := lookup(p, keyField)
		if !ok || ir.IsNull(kv) {
			logger.Warn("persisted row has no natural key; ignored", "ref", p.Ref().String())
			continue
		}
		key := ir.StringOf(kv)
		if _, dup := byKey[key]; dup {
			logger.Warn("duplicate natural key in persisted rows; keeping first", "key", key, "ref", p.Ref().String())
			continue
		}
		byKey[key] = p
		order = append(order, key)
	}
	return byKey, order
}

// lookup reads a field by exact name, falling back to a case-insensitive
// match as SQLite column names are.
func lookup(rec *ir.Record, name string) (ir.Value, bool) {
	if v, ok := rec.Get(name); ok {
		return v, true
	}
	for _, f := range rec.Fields() {
		if strings.EqualFold(f, name) {
			v, _ := rec.Get(f)
			return v, true
		}
	}
	return nil, false
}
