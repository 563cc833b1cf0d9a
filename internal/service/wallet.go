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

// WalletService handles account lifecycle, admin balance adjustments
// and redeem codes. Balance mutations share the same per-account lock
// discipline as the escrow state machine.
type WalletService struct {
	userRepo   *repository.UserRepository
	codeRepo   *repository.RedeemCodeRepository
	dealRepo   *repository.DealRepository
	ledgerRepo *repository.LedgerRepository
	locks      *lock.AccountLock
	idgen      *ident.Generator
	codePrefix string
}

// NewWalletService creates a new WalletService instance.
func NewWalletService(
	userRepo *repository.UserRepository,
	codeRepo *repository.RedeemCodeRepository,
	dealRepo *repository.DealRepository,
	ledgerRepo *repository.LedgerRepository,
	locks *lock.AccountLock,
	idgen *ident.Generator,
	codePrefix string,
) *WalletService {
	return &WalletService{
		userRepo:   userRepo,
		codeRepo:   codeRepo,
		dealRepo:   dealRepo,
		ledgerRepo: ledgerRepo,
		locks:      locks,
		idgen:      idgen,
		codePrefix: codePrefix,
	}
}

// EnsureUser ensures an account exists, creating it lazily with a zero
// balance. Returns the user and whether it was newly created.
func (s *WalletService) EnsureUser(ctx context.Context, telegramID int64, username string) (*model.User, bool, error) {
	user, created, err := s.userRepo.GetOrCreate(ctx, telegramID, username)
	if err != nil {
		return nil, false, fmt.Errorf("failed to ensure user: %w", err)
	}

	// Refresh the handle when it changed on Telegram; delivery-time
	// buyer resolution matches against it.
	if !created && username != "" && user.Username != username {
		if err := s.userRepo.UpdateUsername(ctx, telegramID, username); err != nil {
			log.Warn().Int64("user_id", telegramID).Err(err).Msg("Failed to refresh username")
		} else {
			user.Username = username
		}
	}

	return user, created, nil
}

// GetUser retrieves an account by id.
func (s *WalletService) GetUser(ctx context.Context, telegramID int64) (*model.User, error) {
	user, err := s.userRepo.GetByID(ctx, telegramID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	return user, nil
}

// ResolveHandle finds an account by handle, case-insensitively.
func (s *WalletService) ResolveHandle(ctx context.Context, username string) (*model.User, error) {
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	if username == "" {
		return nil, validationf("username must not be empty")
	}
	user, err := s.userRepo.GetByUsername(ctx, username)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	return user, nil
}

// CreditUser adds amount to an account and journals the movement.
func (s *WalletService) CreditUser(ctx context.Context, telegramID int64, amount money.Amount, entryType string, note *string) (*model.User, error) {
	if amount <= 0 {
		return nil, validationf("credit amount must be positive")
	}

	var user *model.User
	err := s.locks.WithLock(telegramID, func() error {
		return retryConflict(ctx, func() error {
			var adjErr error
			user, adjErr = s.userRepo.AdjustBalance(ctx, telegramID, amount)
			return adjErr
		})
	})
	if err != nil {
		return nil, mapRepoErr(err)
	}

	if _, err := s.ledgerRepo.Record(ctx, telegramID, amount, entryType, note); err != nil {
		log.Error().Int64("user_id", telegramID).Err(err).Msg("Failed to journal credit")
	}
	return user, nil
}

// DebitUser subtracts amount from an account, failing with
// ErrInsufficientFunds rather than letting the balance go negative.
func (s *WalletService) DebitUser(ctx context.Context, telegramID int64, amount money.Amount, entryType string, note *string) (*model.User, error) {
	if amount <= 0 {
		return nil, validationf("debit amount must be positive")
	}

	var user *model.User
	err := s.locks.WithLock(telegramID, func() error {
		return retryConflict(ctx, func() error {
			var adjErr error
			user, adjErr = s.userRepo.AdjustBalance(ctx, telegramID, -amount)
			return adjErr
		})
	})
	if err != nil {
		return nil, mapRepoErr(err)
	}

	if _, err := s.ledgerRepo.Record(ctx, telegramID, -amount, entryType, note); err != nil {
		log.Error().Int64("user_id", telegramID).Err(err).Msg("Failed to journal debit")
	}
	return user, nil
}

// SetBanned sets or clears an account's banned flag by handle.
func (s *WalletService) SetBanned(ctx context.Context, username string, banned bool) (*model.User, error) {
	user, err := s.ResolveHandle(ctx, username)
	if err != nil {
		return nil, err
	}
	if err := s.userRepo.SetBanned(ctx, user.TelegramID, banned); err != nil {
		return nil, mapRepoErr(err)
	}
	user.IsBanned = banned

	log.Info().Int64("user_id", user.TelegramID).Bool("banned", banned).Msg("Ban flag updated")
	return user, nil
}

// IssueRedeemCode creates a single-use voucher for the given amount.
func (s *WalletService) IssueRedeemCode(ctx context.Context, adminID int64, amount money.Amount) (*model.RedeemCode, error) {
	if amount <= 0 {
		return nil, validationf("redeem amount must be positive")
	}

	code, err := s.idgen.NextUnique(ctx, s.codePrefix, s.codeRepo.Exists)
	if err != nil {
		return nil, fmt.Errorf("failed to generate redeem code: %w", err)
	}

	created, err := s.codeRepo.Create(ctx, code, amount, adminID)
	if err != nil {
		return nil, mapRepoErr(err)
	}

	log.Info().Str("code", code).Int64("amount", amount).Int64("admin_id", adminID).Msg("Redeem code issued")
	return created, nil
}

// GetRedeemCode retrieves a voucher by code.
func (s *WalletService) GetRedeemCode(ctx context.Context, code string) (*model.RedeemCode, error) {
	c, err := s.codeRepo.GetByCode(ctx, code)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	return c, nil
}

// Redeem consumes a code for the given account. The used flag flips
// exactly once; a second attempt by any account fails with ErrCodeUsed
// and moves no funds.
func (s *WalletService) Redeem(ctx context.Context, telegramID int64, code string) (*model.RedeemCode, *model.User, error) {
	user, err := s.GetUser(ctx, telegramID)
	if err != nil {
		return nil, nil, err
	}
	if user.IsBanned {
		return nil, nil, ErrUserBanned
	}

	var redeemed *model.RedeemCode
	err = s.locks.WithLock(telegramID, func() error {
		return retryConflict(ctx, func() error {
			var redeemErr error
			redeemed, redeemErr = s.codeRepo.Redeem(ctx, code, telegramID)
			return redeemErr
		})
	})
	if err != nil {
		return nil, nil, mapRepoErr(err)
	}

	user, err = s.GetUser(ctx, telegramID)
	if err != nil {
		return nil, nil, err
	}

	log.Info().Str("code", code).Int64("user_id", telegramID).Int64("amount", redeemed.Amount).Msg("Redeem code consumed")
	return redeemed, user, nil
}

// Stats summarizes the ledger for the admin dashboard.
type Stats struct {
	TotalUsers     int
	TotalDeals     int
	CompletedDeals int
	PendingDeals   int
}

// GetStats returns aggregate user and deal counts.
func (s *WalletService) GetStats(ctx context.Context) (*Stats, error) {
	users, err := s.userRepo.Count(ctx)
	if err != nil {
		return nil, err
	}

	byStatus, err := s.dealRepo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	total := 0
	for _, n := range byStatus {
		total += n
	}

	return &Stats{
		TotalUsers:     users,
		TotalDeals:     total,
		CompletedDeals: byStatus[model.DealStatusCompleted],
		PendingDeals:   byStatus[model.DealStatusPending],
	}, nil
}

// ListAccountIDs returns every known account id for admin broadcasts.
func (s *WalletService) ListAccountIDs(ctx context.Context) ([]int64, error) {
	return s.userRepo.ListIDs(ctx)
}
