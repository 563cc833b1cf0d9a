// Package model defines the data models for the Telegram escrow bot.
package model

import (
	"time"

	"telegram-escrow-bot/internal/money"
)

// User represents a Telegram user account with a wallet balance.
// Accounts are created lazily on first interaction and never deleted,
// only banned.
type User struct {
	TelegramID     int64        `db:"telegram_id"`
	Username       string       `db:"username"`
	Balance        money.Amount `db:"balance"`
	CompletedDeals int          `db:"completed_deals"`
	PendingDeals   int          `db:"pending_deals"`
	IsBanned       bool         `db:"is_banned"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
}

// Deal represents one escrow transaction between a seller and a buyer.
// Price and fee are fixed at creation; only status, the delivered flag,
// the dispute flag and the resolved buyer id mutate afterwards.
type Deal struct {
	ID                 string       `db:"id"`
	SellerID           int64        `db:"seller_id"`
	BuyerUsername      string       `db:"buyer_username"`
	BuyerID            *int64       `db:"buyer_id"` // resolved at first delivery, nil before
	ProductName        string       `db:"product_name"`
	ProductDescription string       `db:"product_description"`
	Price              money.Amount `db:"price"`
	Fee                money.Amount `db:"fee"`
	Status             string       `db:"status"`
	ProductDelivered   bool         `db:"product_delivered"`
	Disputed           bool         `db:"disputed"`
	CreatedAt          time.Time    `db:"created_at"`
	UpdatedAt          time.Time    `db:"updated_at"`
}

// Deal lifecycle statuses.
const (
	DealStatusPending    = "pending"     // created, waiting for buyer approval
	DealStatusInProgress = "in_progress" // funds held, waiting for delivery and confirmation
	DealStatusCompleted  = "completed"   // terminal: funds released to seller
	DealStatusDeclined   = "declined"    // terminal: buyer declined before funds moved
)

// TotalCost returns the amount the buyer must hold to approve the deal.
func (d *Deal) TotalCost() money.Amount {
	return d.Price + d.Fee
}

// RedeemCode represents a single-use voucher crediting a fixed amount
// to whichever account consumes it first.
type RedeemCode struct {
	Code      string       `db:"code"`
	Amount    money.Amount `db:"amount"`
	Used      bool         `db:"used"`
	CreatedBy int64        `db:"created_by"`
	UsedBy    *int64       `db:"used_by"`
	CreatedAt time.Time    `db:"created_at"`
	UsedAt    *time.Time   `db:"used_at"`
}

// LedgerEntry records a single balance movement on a user account.
type LedgerEntry struct {
	ID        int64        `db:"id"`
	UserID    int64        `db:"user_id"`
	Amount    money.Amount `db:"amount"`
	Type      string       `db:"type"`
	DealID    *string      `db:"deal_id"`
	Note      *string      `db:"note"`
	CreatedAt time.Time    `db:"created_at"`
}

// Ledger entry types for categorizing balance movements.
const (
	EntryTypeEscrowHold    = "escrow_hold"    // buyer debited price+fee on approval
	EntryTypeEscrowRelease = "escrow_release" // seller credited price on confirmation
	EntryTypeRedeem        = "redeem"         // redeem code consumed
	EntryTypeAdminAdd      = "admin_add"      // admin added balance
	EntryTypeAdminSub      = "admin_sub"      // admin subtracted balance
)
