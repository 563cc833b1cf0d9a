package handler

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"telegram-escrow-bot/internal/money"
	"telegram-escrow-bot/internal/service"
)

// WalletHandler handles wallet balance and redeem-code commands.
type WalletHandler struct {
	walletService *service.WalletService
}

// NewWalletHandler creates a new WalletHandler.
func NewWalletHandler(walletService *service.WalletService) *WalletHandler {
	return &WalletHandler{walletService: walletService}
}

// HandleWallet handles the /wallet command.
func (h *WalletHandler) HandleWallet(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	user, _, err := h.walletService.EnsureUser(ctx, sender.ID, sender.Username)
	if err != nil {
		log.Error().Int64("user_id", sender.ID).Err(err).Msg("Failed to load wallet")
		return c.Reply("Something went wrong, please try again later.")
	}

	return c.Reply(fmt.Sprintf(
		"💰 Wallet Balance: %s\n\n"+
			"Completed Deals: %d\n"+
			"Pending Deals: %d\n\n"+
			"To add funds, please contact the admin.",
		money.Format(user.Balance),
		user.CompletedDeals,
		user.PendingDeals,
	))
}

// HandleRedeem handles the /redeem command.
// Format: /redeem OGRDM-XXXXX
func (h *WalletHandler) HandleRedeem(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	args := c.Args()
	if len(args) != 1 {
		return c.Reply("Please provide the redeem code.\nUsage: /redeem OGRDM-XXXXX")
	}

	if _, _, err := h.walletService.EnsureUser(ctx, sender.ID, sender.Username); err != nil {
		return c.Reply("Something went wrong, please try again later.")
	}

	code, user, err := h.walletService.Redeem(ctx, sender.ID, args[0])
	if err != nil {
		switch {
		case errors.Is(err, service.ErrCodeNotFound), errors.Is(err, service.ErrCodeUsed):
			return c.Reply("Invalid or already used redeem code.")
		case errors.Is(err, service.ErrUserBanned):
			return c.Reply("You are banned from using this bot.")
		case errors.Is(err, service.ErrStoreConflict):
			return c.Reply("The bot is busy, please try again.")
		default:
			log.Error().Str("code", args[0]).Int64("user_id", sender.ID).Err(err).Msg("Redeem failed")
			return c.Reply("Something went wrong, please try again later.")
		}
	}

	return c.Reply(fmt.Sprintf(
		"Successfully redeemed code!\n"+
			"Amount added: %s\n"+
			"New balance: %s",
		money.Format(code.Amount),
		money.Format(user.Balance),
	))
}
