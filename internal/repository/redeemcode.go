package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"telegram-escrow-bot/internal/model"
	"telegram-escrow-bot/internal/money"
)

// ErrCodeUsed marks a redeem attempt on an already-consumed code.
var ErrCodeUsed = errors.New("redeem code already used")

const codeColumns = `code, amount, used, created_by, used_by, created_at, used_at`

// RedeemCodeRepository handles single-use voucher persistence.
type RedeemCodeRepository struct {
	pool *pgxpool.Pool
}

// NewRedeemCodeRepository creates a new RedeemCodeRepository instance.
func NewRedeemCodeRepository(pool *pgxpool.Pool) *RedeemCodeRepository {
	return &RedeemCodeRepository{pool: pool}
}

func scanCode(row pgx.Row) (*model.RedeemCode, error) {
	var c model.RedeemCode
	err := row.Scan(
		&c.Code,
		&c.Amount,
		&c.Used,
		&c.CreatedBy,
		&c.UsedBy,
		&c.CreatedAt,
		&c.UsedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Create persists a freshly issued code.
func (r *RedeemCodeRepository) Create(ctx context.Context, code string, amount money.Amount, createdBy int64) (*model.RedeemCode, error) {
	const query = `
		INSERT INTO redeem_codes (code, amount, created_by, created_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING ` + codeColumns

	created, err := scanCode(r.pool.QueryRow(ctx, query, code, amount, createdBy))
	if err != nil {
		return nil, fmt.Errorf("failed to create redeem code: %w", err)
	}
	return created, nil
}

// GetByCode retrieves a code. Returns ErrCodeNotFound if absent.
func (r *RedeemCodeRepository) GetByCode(ctx context.Context, code string) (*model.RedeemCode, error) {
	const query = `SELECT ` + codeColumns + ` FROM redeem_codes WHERE code = $1`

	c, err := scanCode(r.pool.QueryRow(ctx, query, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to get redeem code: %w", err)
	}
	return c, nil
}

// Exists checks whether a code string is already taken.
func (r *RedeemCodeRepository) Exists(ctx context.Context, code string) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM redeem_codes WHERE code = $1)`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, code).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check code existence: %w", err)
	}
	return exists, nil
}

// Redeem consumes a code exactly once: the used flag flips
// false→true and the consumer is credited in the same transaction.
// A second attempt by any account fails with ErrCodeUsed and moves no
// funds.
func (r *RedeemCodeRepository) Redeem(ctx context.Context, code string, userID int64) (*model.RedeemCode, error) {
	var redeemed *model.RedeemCode

	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		// The used guard makes the flip exactly-once under concurrency.
		const consume = `
			UPDATE redeem_codes
			SET used = TRUE, used_by = $2, used_at = NOW()
			WHERE code = $1 AND NOT used
			RETURNING ` + codeColumns

		var err error
		redeemed, err = scanCode(tx.QueryRow(ctx, consume, code, userID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				if _, getErr := r.GetByCode(ctx, code); getErr != nil {
					return getErr
				}
				return ErrCodeUsed
			}
			return fmt.Errorf("failed to consume redeem code: %w", err)
		}

		const credit = `
			UPDATE users
			SET balance = balance + $2, updated_at = NOW()
			WHERE telegram_id = $1
		`
		result, err := tx.Exec(ctx, credit, userID, redeemed.Amount)
		if err != nil {
			return fmt.Errorf("failed to credit user: %w", err)
		}
		if result.RowsAffected() == 0 {
			return ErrUserNotFound
		}

		note := fmt.Sprintf("redeem code %s", code)
		return recordEntry(ctx, tx, userID, redeemed.Amount, model.EntryTypeRedeem, nil, &note)
	})
	if err != nil {
		return nil, err
	}
	return redeemed, nil
}
