// Package service provides business logic implementations.
package service

import (
	"context"
	"errors"
	"fmt"

	"telegram-escrow-bot/internal/repository"
)

// Error taxonomy surfaced to the handler boundary. Every error here is
// recovered by a handler and turned into a user-facing message; none
// crashes the process.
var (
	// ErrValidation marks user-correctable bad input.
	ErrValidation = errors.New("validation error")
	// ErrUserNotFound marks an unknown account.
	ErrUserNotFound = errors.New("user not found")
	// ErrDealNotFound marks an unknown deal id.
	ErrDealNotFound = errors.New("deal not found")
	// ErrCodeNotFound marks an unknown redeem code.
	ErrCodeNotFound = errors.New("redeem code not found")
	// ErrInvalidState marks an operation not legal in the deal's
	// current status.
	ErrInvalidState = errors.New("operation not allowed in current state")
	// ErrInsufficientFunds marks a failed balance check.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrUnauthorized marks an actor who is not the deal's seller or buyer.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrBuyerNotFound marks a delivery-time handle that resolves to no
	// known account.
	ErrBuyerNotFound = errors.New("buyer not found")
	// ErrCodeUsed marks a redeem code that was already consumed.
	ErrCodeUsed = errors.New("redeem code already used")
	// ErrUserBanned marks an account barred from the bot.
	ErrUserBanned = errors.New("user is banned")
	// ErrStoreConflict marks persistent write contention that survived
	// the internal retries.
	ErrStoreConflict = errors.New("store conflict")
	// ErrDeliveryFailed marks a product relay the transport could not
	// complete; the awaiting marker stays intact for retry.
	ErrDeliveryFailed = errors.New("product delivery failed")
	// ErrNoPendingDelivery marks a seller message with no awaiting
	// marker; callers ignore it so stray messages have no side effects.
	ErrNoPendingDelivery = errors.New("no pending delivery")
)

// validationf builds an ErrValidation with a user-facing detail.
func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

// mapRepoErr translates repository sentinels into the service taxonomy.
func mapRepoErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrUserNotFound):
		return ErrUserNotFound
	case errors.Is(err, repository.ErrDealNotFound):
		return ErrDealNotFound
	case errors.Is(err, repository.ErrCodeNotFound):
		return ErrCodeNotFound
	case errors.Is(err, repository.ErrCodeUsed):
		return ErrCodeUsed
	case errors.Is(err, repository.ErrInsufficientFunds):
		return ErrInsufficientFunds
	case errors.Is(err, repository.ErrStateConflict):
		return ErrInvalidState
	case errors.Is(err, repository.ErrWriteConflict):
		return fmt.Errorf("%w: %v", ErrStoreConflict, err)
	default:
		return err
	}
}

// conflictRetries bounds internal retries of contended writes before
// ErrStoreConflict surfaces to the caller.
const conflictRetries = 3

// retryConflict re-runs fn on retryable write contention.
func retryConflict(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, repository.ErrWriteConflict) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return err
}
