// Package pgtx runs callbacks inside serializable PostgreSQL
// transactions with bounded retry on serialization conflicts.
package pgtx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// maxRetries bounds retry attempts for serialization failures.
const maxRetries = 5

// Serializable runs fn inside a SERIALIZABLE transaction, committing on
// nil and rolling back on error. SQLSTATE 40001 (serialization failure)
// and 40P01 (deadlock) are retried with short backoff; fn must be safe
// to re-run.
func Serializable(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
			}
		}

		err := runOnce(ctx, db, fn)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("transaction retries exhausted: %w", lastErr)
}

func runOnce(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func retryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}
