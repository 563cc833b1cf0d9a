package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"telegram-escrow-bot/internal/model"
	"telegram-escrow-bot/internal/money"
)

// LedgerRepository handles the journal of balance movements. Entries
// for compound deal transitions are written inside the same database
// transaction as the movement itself.
type LedgerRepository struct {
	pool *pgxpool.Pool
}

// NewLedgerRepository creates a new LedgerRepository instance.
func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

// recordEntry writes a journal row within an open transaction.
func recordEntry(ctx context.Context, tx pgx.Tx, userID int64, amount money.Amount, entryType string, dealID *string, note *string) error {
	const query = `
		INSERT INTO ledger_entries (user_id, amount, type, deal_id, note, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`
	if _, err := tx.Exec(ctx, query, userID, amount, entryType, dealID, note); err != nil {
		return fmt.Errorf("failed to record ledger entry: %w", err)
	}
	return nil
}

// Record writes a standalone journal row for movements that are not
// part of a deal transition (admin adjustments, redeems).
func (r *LedgerRepository) Record(ctx context.Context, userID int64, amount money.Amount, entryType string, note *string) (*model.LedgerEntry, error) {
	const query = `
		INSERT INTO ledger_entries (user_id, amount, type, note, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id, user_id, amount, type, deal_id, note, created_at
	`

	var e model.LedgerEntry
	err := r.pool.QueryRow(ctx, query, userID, amount, entryType, note).Scan(
		&e.ID,
		&e.UserID,
		&e.Amount,
		&e.Type,
		&e.DealID,
		&e.Note,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record ledger entry: %w", err)
	}
	return &e, nil
}

// ListByUser retrieves a user's movements, newest first.
func (r *LedgerRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]*model.LedgerEntry, error) {
	const query = `
		SELECT id, user_id, amount, type, deal_id, note, created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		err := rows.Scan(
			&e.ID,
			&e.UserID,
			&e.Amount,
			&e.Type,
			&e.DealID,
			&e.Note,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}
	return entries, nil
}
