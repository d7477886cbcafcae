package store

import (
	"database/sql"
	"fmt"
)

// WithTx runs fn inside a write transaction. The DSN's _txlock=immediate
// makes every transaction take the write lock up front, so concurrent
// writers serialize at BEGIN rather than deadlocking at upgrade time.
// The transaction commits when fn returns nil and rolls back otherwise.
func (d *DB) WithTx(fn func(tx *sql.Tx) error) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
