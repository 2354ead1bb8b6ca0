// Package reconcile diffs a freshly observed snapshot against the persisted
// rows of one table and applies the result.
//
// Every record is classified by natural key:
//
//	New       key observed, not persisted     → Insert
//	Changed   key in both, a field differs     → Update (identity kept)
//	Unchanged key in both, nothing differs     → no write
//	Removed   key persisted, not observed      → Delete
//
// The timestamp field and fields whose name starts with "_" never make a
// record Changed. Fields a record does not carry are left as stored.
//
// One pass runs in one transaction. The run journal row is written inside
// it, and audit lines are emitted only after commit, in the order New,
// Changed, Removed, then skipped records. A record that cannot be
// reconciled (no key, no timestamp, unknown field, bad value, repeated key)
// is skipped and reported; the rest of the snapshot is still processed.
package reconcile
