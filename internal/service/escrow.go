package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"telegram-escrow-bot/internal/model"
	"telegram-escrow-bot/internal/money"
	"telegram-escrow-bot/internal/pkg/ident"
	"telegram-escrow-bot/internal/pkg/lock"
	"telegram-escrow-bot/internal/repository"
)

// EscrowService is the deal lifecycle engine. It validates transitions,
// moves funds between buyer and seller balances through the
// transactional repository helpers, and holds per-account locks for the
// duration of each compound operation. Locks are never held across
// chat-transport calls; notifications happen in the handlers after the
// ledger mutation has committed.
type EscrowService struct {
	dealRepo   *repository.DealRepository
	userRepo   *repository.UserRepository
	locks      *lock.AccountLock
	idgen      *ident.Generator
	feePercent int64
	idPrefix   string
}

// NewEscrowService creates a new EscrowService instance.
func NewEscrowService(
	dealRepo *repository.DealRepository,
	userRepo *repository.UserRepository,
	locks *lock.AccountLock,
	idgen *ident.Generator,
	feePercent int64,
	idPrefix string,
) *EscrowService {
	return &EscrowService{
		dealRepo:   dealRepo,
		userRepo:   userRepo,
		locks:      locks,
		idgen:      idgen,
		feePercent: feePercent,
		idPrefix:   idPrefix,
	}
}

// CreateDeal validates the seller's entry form and persists a pending
// deal. The fee is computed from the percentage in force right now and
// frozen on the deal; later configuration changes never touch it. No
// funds move at creation.
func (s *EscrowService) CreateDeal(ctx context.Context, sellerID int64, productName, productDescription string, price money.Amount, buyerHandle string) (*model.Deal, error) {
	if price <= 0 {
		return nil, validationf("price must be positive")
	}
	if strings.TrimSpace(productName) == "" {
		return nil, validationf("product name must not be empty")
	}
	buyerHandle = strings.TrimPrefix(strings.TrimSpace(buyerHandle), "@")
	if buyerHandle == "" {
		return nil, validationf("buyer username must not be empty")
	}

	seller, err := s.userRepo.GetByID(ctx, sellerID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	if seller.IsBanned {
		return nil, ErrUserBanned
	}

	dealID, err := s.idgen.NextUnique(ctx, s.idPrefix, s.dealRepo.Exists)
	if err != nil {
		return nil, fmt.Errorf("failed to generate deal id: %w", err)
	}

	deal := &model.Deal{
		ID:                 dealID,
		SellerID:           sellerID,
		BuyerUsername:      buyerHandle,
		ProductName:        strings.TrimSpace(productName),
		ProductDescription: strings.TrimSpace(productDescription),
		Price:              price,
		Fee:                money.Fee(price, s.feePercent),
	}

	created, err := s.dealRepo.Create(ctx, deal)
	if err != nil {
		return nil, mapRepoErr(err)
	}

	log.Info().
		Str("deal_id", created.ID).
		Int64("seller_id", sellerID).
		Int64("price", created.Price).
		Int64("fee", created.Fee).
		Msg("Deal created")

	return created, nil
}

// GetDeal retrieves a deal by id.
func (s *EscrowService) GetDeal(ctx context.Context, dealID string) (*model.Deal, error) {
	deal, err := s.dealRepo.GetByID(ctx, dealID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	return deal, nil
}

// ApproveDeal debits the approver by price+fee and moves the deal
// pending→in_progress as one atomic unit. A duplicate approval loses
// the status guard and fails with ErrInvalidState; the balance is
// debited exactly once.
func (s *EscrowService) ApproveDeal(ctx context.Context, dealID string, approverID int64) (*model.Deal, error) {
	approver, err := s.userRepo.GetByID(ctx, approverID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	if approver.IsBanned {
		return nil, ErrUserBanned
	}

	var deal *model.Deal
	err = s.locks.WithLock(approverID, func() error {
		return retryConflict(ctx, func() error {
			var approveErr error
			deal, approveErr = s.dealRepo.Approve(ctx, dealID, approverID)
			return approveErr
		})
	})
	if err != nil {
		return nil, mapRepoErr(err)
	}

	log.Info().
		Str("deal_id", dealID).
		Int64("buyer_id", approverID).
		Int64("held", deal.TotalCost()).
		Msg("Deal approved, funds held")

	return deal, nil
}

// DeclineDeal moves a pending deal to its terminal declined status.
// No funds ever moved for a pending deal, so there is nothing to
// reverse.
func (s *EscrowService) DeclineDeal(ctx context.Context, dealID string) (*model.Deal, error) {
	var deal *model.Deal
	err := retryConflict(ctx, func() error {
		var declineErr error
		deal, declineErr = s.dealRepo.Decline(ctx, dealID)
		return declineErr
	})
	if err != nil {
		return nil, mapRepoErr(err)
	}

	log.Info().Str("deal_id", dealID).Msg("Deal declined")
	return deal, nil
}

// ConfirmReceipt releases the held funds to the seller. The seller
// gains exactly the price; the fee stays with the platform. Both
// account mutations and the status change commit together. Locks for
// the two accounts are taken in a consistent global order.
func (s *EscrowService) ConfirmReceipt(ctx context.Context, dealID string, confirmerID int64) (*model.Deal, error) {
	current, err := s.dealRepo.GetByID(ctx, dealID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	if current.Status != model.DealStatusInProgress || !current.ProductDelivered {
		return nil, ErrInvalidState
	}

	var deal *model.Deal
	err = s.locks.WithPair(current.SellerID, confirmerID, func() error {
		return retryConflict(ctx, func() error {
			var confirmErr error
			deal, confirmErr = s.dealRepo.Confirm(ctx, dealID, confirmerID)
			return confirmErr
		})
	})
	if err != nil {
		return nil, mapRepoErr(err)
	}

	log.Info().
		Str("deal_id", dealID).
		Int64("seller_id", deal.SellerID).
		Int64("released", deal.Price).
		Int64("fee_retained", deal.Fee).
		Msg("Deal completed, funds released")

	return deal, nil
}

// ReportIssue records a buyer dispute on a delivered, in-progress
// deal. There is no automated resolution; the flag surfaces to a human
// operator.
func (s *EscrowService) ReportIssue(ctx context.Context, dealID string) (*model.Deal, error) {
	var deal *model.Deal
	err := retryConflict(ctx, func() error {
		var reportErr error
		deal, reportErr = s.dealRepo.MarkDisputed(ctx, dealID)
		return reportErr
	})
	if err != nil {
		return nil, mapRepoErr(err)
	}

	log.Warn().Str("deal_id", dealID).Msg("Deal disputed by buyer")
	return deal, nil
}
