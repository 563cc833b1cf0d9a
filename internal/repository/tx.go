package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrWriteConflict marks contention between concurrent writers that is
// safe to retry (serialization failure or deadlock victim).
var ErrWriteConflict = errors.New("concurrent write conflict")

// Postgres SQLSTATE codes that indicate retryable write contention.
const (
	sqlstateSerializationFailure = "40001"
	sqlstateDeadlockDetected     = "40P01"
)

// classifyTxError translates retryable Postgres contention failures
// into ErrWriteConflict and passes everything else through.
func classifyTxError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == sqlstateSerializationFailure || pgErr.Code == sqlstateDeadlockDetected {
			return fmt.Errorf("%w: %s", ErrWriteConflict, pgErr.Code)
		}
	}
	return err
}

// withTx runs fn inside a transaction, committing on success and
// rolling back on any error. Contention errors come back as
// ErrWriteConflict so callers can retry a bounded number of times.
func withTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return classifyTxError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyTxError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}
