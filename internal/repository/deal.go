package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"telegram-escrow-bot/internal/model"
)

const dealColumns = `id, seller_id, buyer_username, buyer_id, product_name, product_description,
	price, fee, status, product_delivered, disputed, created_at, updated_at`

// DealRepository handles escrow deal persistence, including the
// compound fund-movement transitions. Each transition that moves money
// runs in a single database transaction so a crash can never leave a
// debit without the matching status change.
type DealRepository struct {
	pool *pgxpool.Pool
}

// NewDealRepository creates a new DealRepository instance.
func NewDealRepository(pool *pgxpool.Pool) *DealRepository {
	return &DealRepository{pool: pool}
}

func scanDeal(row pgx.Row) (*model.Deal, error) {
	var d model.Deal
	err := row.Scan(
		&d.ID,
		&d.SellerID,
		&d.BuyerUsername,
		&d.BuyerID,
		&d.ProductName,
		&d.ProductDescription,
		&d.Price,
		&d.Fee,
		&d.Status,
		&d.ProductDelivered,
		&d.Disputed,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Create persists a new deal in pending status. No funds move.
func (r *DealRepository) Create(ctx context.Context, deal *model.Deal) (*model.Deal, error) {
	const query = `
		INSERT INTO deals (id, seller_id, buyer_username, product_name, product_description, price, fee, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		RETURNING ` + dealColumns

	created, err := scanDeal(r.pool.QueryRow(ctx, query,
		deal.ID,
		deal.SellerID,
		deal.BuyerUsername,
		deal.ProductName,
		deal.ProductDescription,
		deal.Price,
		deal.Fee,
		model.DealStatusPending,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create deal: %w", err)
	}
	return created, nil
}

// GetByID retrieves a deal. Returns ErrDealNotFound if absent.
func (r *DealRepository) GetByID(ctx context.Context, dealID string) (*model.Deal, error) {
	const query = `SELECT ` + dealColumns + ` FROM deals WHERE id = $1`

	deal, err := scanDeal(r.pool.QueryRow(ctx, query, dealID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDealNotFound
		}
		return nil, fmt.Errorf("failed to get deal: %w", err)
	}
	return deal, nil
}

// Exists checks whether a deal id is already taken.
func (r *DealRepository) Exists(ctx context.Context, dealID string) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM deals WHERE id = $1)`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, dealID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check deal existence: %w", err)
	}
	return exists, nil
}

// Approve atomically debits the buyer by price+fee, increments the
// buyer's pending-deal counter and moves the deal pending→in_progress.
// Exactly one of two concurrent approvals can succeed: the status
// guard on the deal row serializes them.
//
// Returns ErrDealNotFound, ErrStateConflict (not pending) or
// ErrInsufficientFunds; in every failure case nothing is applied.
func (r *DealRepository) Approve(ctx context.Context, dealID string, buyerID int64) (*model.Deal, error) {
	var deal *model.Deal

	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		// Lock the deal row first; the status guard rejects the loser
		// of a concurrent approve/decline race.
		const transition = `
			UPDATE deals
			SET status = $3, buyer_id = $2, updated_at = NOW()
			WHERE id = $1 AND status = $4
			RETURNING ` + dealColumns

		var err error
		deal, err = scanDeal(tx.QueryRow(ctx, transition, dealID, buyerID, model.DealStatusInProgress, model.DealStatusPending))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				if _, getErr := r.GetByID(ctx, dealID); getErr != nil {
					return getErr
				}
				return ErrStateConflict
			}
			return fmt.Errorf("failed to transition deal: %w", err)
		}

		// Debit price+fee, guarded so the balance never goes negative.
		const debit = `
			UPDATE users
			SET balance = balance - $2, pending_deals = pending_deals + 1, updated_at = NOW()
			WHERE telegram_id = $1 AND balance >= $2
		`
		result, err := tx.Exec(ctx, debit, buyerID, deal.TotalCost())
		if err != nil {
			return fmt.Errorf("failed to debit buyer: %w", err)
		}
		if result.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE telegram_id = $1)`, buyerID).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check buyer: %w", err)
			}
			if !exists {
				return ErrUserNotFound
			}
			return ErrInsufficientFunds
		}

		return recordEntry(ctx, tx, buyerID, -deal.TotalCost(), model.EntryTypeEscrowHold, &dealID, nil)
	})
	if err != nil {
		return nil, err
	}
	return deal, nil
}

// Decline moves a pending deal to declined. No funds ever moved for a
// pending deal, so there is nothing to reverse.
func (r *DealRepository) Decline(ctx context.Context, dealID string) (*model.Deal, error) {
	const query = `
		UPDATE deals
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING ` + dealColumns

	deal, err := scanDeal(r.pool.QueryRow(ctx, query, dealID, model.DealStatusDeclined, model.DealStatusPending))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := r.GetByID(ctx, dealID); getErr != nil {
				return nil, getErr
			}
			return nil, ErrStateConflict
		}
		return nil, fmt.Errorf("failed to decline deal: %w", err)
	}
	return deal, nil
}

// Confirm releases the held funds: the seller is credited the price
// (the fee stays with the platform), both parties' completed-deal
// counters increment, the confirmer's pending-deal counter decrements
// clamped at zero, and the deal becomes completed. All of it is one
// transaction.
func (r *DealRepository) Confirm(ctx context.Context, dealID string, confirmerID int64) (*model.Deal, error) {
	var deal *model.Deal

	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		const transition = `
			UPDATE deals
			SET status = $2, updated_at = NOW()
			WHERE id = $1 AND status = $3 AND product_delivered
			RETURNING ` + dealColumns

		var err error
		deal, err = scanDeal(tx.QueryRow(ctx, transition, dealID, model.DealStatusCompleted, model.DealStatusInProgress))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				if _, getErr := r.GetByID(ctx, dealID); getErr != nil {
					return getErr
				}
				return ErrStateConflict
			}
			return fmt.Errorf("failed to transition deal: %w", err)
		}

		const creditSeller = `
			UPDATE users
			SET balance = balance + $2, completed_deals = completed_deals + 1, updated_at = NOW()
			WHERE telegram_id = $1
		`
		result, err := tx.Exec(ctx, creditSeller, deal.SellerID, deal.Price)
		if err != nil {
			return fmt.Errorf("failed to credit seller: %w", err)
		}
		if result.RowsAffected() == 0 {
			return ErrUserNotFound
		}

		const settleConfirmer = `
			UPDATE users
			SET completed_deals = completed_deals + 1,
			    pending_deals = GREATEST(pending_deals - 1, 0),
			    updated_at = NOW()
			WHERE telegram_id = $1
		`
		result, err = tx.Exec(ctx, settleConfirmer, confirmerID)
		if err != nil {
			return fmt.Errorf("failed to settle confirmer: %w", err)
		}
		if result.RowsAffected() == 0 {
			return ErrUserNotFound
		}

		return recordEntry(ctx, tx, deal.SellerID, deal.Price, model.EntryTypeEscrowRelease, &dealID, nil)
	})
	if err != nil {
		return nil, err
	}
	return deal, nil
}

// MarkDelivered sets the delivered flag on an in-progress deal and
// caches the resolved buyer id so later lookups skip the handle scan.
func (r *DealRepository) MarkDelivered(ctx context.Context, dealID string, buyerID int64) (*model.Deal, error) {
	const query = `
		UPDATE deals
		SET product_delivered = TRUE, buyer_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING ` + dealColumns

	deal, err := scanDeal(r.pool.QueryRow(ctx, query, dealID, buyerID, model.DealStatusInProgress))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := r.GetByID(ctx, dealID); getErr != nil {
				return nil, getErr
			}
			return nil, ErrStateConflict
		}
		return nil, fmt.Errorf("failed to mark deal delivered: %w", err)
	}
	return deal, nil
}

// MarkDisputed records a buyer dispute on a delivered, in-progress
// deal. Resolution happens out of band by a human operator.
func (r *DealRepository) MarkDisputed(ctx context.Context, dealID string) (*model.Deal, error) {
	const query = `
		UPDATE deals
		SET disputed = TRUE, updated_at = NOW()
		WHERE id = $1 AND status = $2 AND product_delivered
		RETURNING ` + dealColumns

	deal, err := scanDeal(r.pool.QueryRow(ctx, query, dealID, model.DealStatusInProgress))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := r.GetByID(ctx, dealID); getErr != nil {
				return nil, getErr
			}
			return nil, ErrStateConflict
		}
		return nil, fmt.Errorf("failed to mark deal disputed: %w", err)
	}
	return deal, nil
}

// CountByStatus returns the number of deals per status.
func (r *DealRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM deals GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count deals: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan deal count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deal counts: %w", err)
	}
	return counts, nil
}
