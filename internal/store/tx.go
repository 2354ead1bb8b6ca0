package store

import "context"

// InTx runs fn against a Store bound to a single transaction.
//
// The transaction commits when fn returns nil and rolls back otherwise.
// Calling InTx on a transaction-bound Store runs fn in the enclosing
// transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin tx", "", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(&Store{db: s.db, q: tx, tx: tx, driver: s.driver}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit tx", "", err)
	}
	return nil
}
