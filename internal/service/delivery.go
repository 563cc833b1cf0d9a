package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"telegram-escrow-bot/internal/model"
	"telegram-escrow-bot/internal/repository"
)

// RelayFunc delivers the seller's product payload to the resolved
// buyer account. It is supplied by the transport layer and runs without
// any ledger lock held; its failure must not roll back committed state.
type RelayFunc func(buyerID int64) error

// DeliveryService tracks which deal a seller is about to deliver and
// gates the transition into the confirmation phase. The marker table is
// explicit keyed session state: one awaiting deal per seller, cleared
// on success or explicit cancel, never expired automatically.
type DeliveryService struct {
	dealRepo *repository.DealRepository
	userRepo *repository.UserRepository

	mu       sync.Mutex
	awaiting map[int64]string // seller id -> deal id
}

// NewDeliveryService creates a new DeliveryService instance.
func NewDeliveryService(dealRepo *repository.DealRepository, userRepo *repository.UserRepository) *DeliveryService {
	return &DeliveryService{
		dealRepo: dealRepo,
		userRepo: userRepo,
		awaiting: make(map[int64]string),
	}
}

// MarkAwaitingDelivery records that the seller's next message is the
// product for the given deal. Fails with ErrUnauthorized when the
// caller is not the deal's seller, and with ErrInvalidState unless the
// deal is in progress.
func (s *DeliveryService) MarkAwaitingDelivery(ctx context.Context, sellerID int64, dealID string) error {
	deal, err := s.dealRepo.GetByID(ctx, dealID)
	if err != nil {
		return mapRepoErr(err)
	}
	if deal.SellerID != sellerID {
		return ErrUnauthorized
	}
	if deal.Status != model.DealStatusInProgress {
		return ErrInvalidState
	}

	s.mu.Lock()
	s.awaiting[sellerID] = dealID
	s.mu.Unlock()

	log.Debug().Int64("seller_id", sellerID).Str("deal_id", dealID).Msg("Awaiting product delivery")
	return nil
}

// Awaiting returns the deal the seller is expected to deliver, if any.
func (s *DeliveryService) Awaiting(sellerID int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dealID, ok := s.awaiting[sellerID]
	return dealID, ok
}

// CancelAwaiting clears the seller's marker without touching the deal;
// the deal stays in progress and delivery can be restarted later.
func (s *DeliveryService) CancelAwaiting(sellerID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.awaiting[sellerID]; !ok {
		return false
	}
	delete(s.awaiting, sellerID)
	return true
}

// ResolveDelivery resolves the awaiting deal's buyer handle to an
// account id, relays the product, and only then marks the deal
// delivered and clears the marker. A failed relay leaves the marker
// intact so the seller can retry; a seller with no marker gets
// ErrNoPendingDelivery, which callers ignore so stray messages have no
// escrow side effects.
func (s *DeliveryService) ResolveDelivery(ctx context.Context, sellerID int64, relay RelayFunc) (*model.Deal, error) {
	s.mu.Lock()
	dealID, ok := s.awaiting[sellerID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNoPendingDelivery
	}

	deal, err := s.dealRepo.GetByID(ctx, dealID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	if deal.Status != model.DealStatusInProgress {
		return nil, ErrInvalidState
	}

	buyerID, err := s.resolveBuyer(ctx, deal)
	if err != nil {
		return nil, err
	}

	// Relay first: delivered=true is only recorded after the transport
	// confirms the payload went out.
	if err := relay(buyerID); err != nil {
		log.Warn().
			Str("deal_id", dealID).
			Int64("buyer_id", buyerID).
			Err(err).
			Msg("Product relay failed, keeping delivery marker")
		return nil, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	delivered, err := s.dealRepo.MarkDelivered(ctx, dealID, buyerID)
	if err != nil {
		return nil, mapRepoErr(err)
	}

	s.mu.Lock()
	delete(s.awaiting, sellerID)
	s.mu.Unlock()

	log.Info().
		Str("deal_id", dealID).
		Int64("seller_id", sellerID).
		Int64("buyer_id", buyerID).
		Msg("Product delivered to buyer")

	return delivered, nil
}

// resolveBuyer returns the deal's strong buyer reference, falling back
// to a case-insensitive handle scan on first resolution. The resolved
// id is cached on the deal by MarkDelivered, freezing the reference
// against later handle changes.
func (s *DeliveryService) resolveBuyer(ctx context.Context, deal *model.Deal) (int64, error) {
	if deal.BuyerID != nil {
		return *deal.BuyerID, nil
	}

	buyer, err := s.userRepo.GetByUsername(ctx, deal.BuyerUsername)
	if err != nil {
		if mapped := mapRepoErr(err); !errors.Is(mapped, ErrUserNotFound) {
			return 0, mapped
		}
		return 0, ErrBuyerNotFound
	}
	return buyer.TelegramID, nil
}
