package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"telegram-escrow-bot/internal/model"
	"telegram-escrow-bot/internal/money"
	"telegram-escrow-bot/internal/service"
)

// AdminHandler handles operator commands. Admin access is enforced by
// middleware before any of these run.
type AdminHandler struct {
	walletService  *service.WalletService
	channelService *service.ChannelService
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(walletService *service.WalletService, channelService *service.ChannelService) *AdminHandler {
	return &AdminHandler{
		walletService:  walletService,
		channelService: channelService,
	}
}

// HandleStats handles the /admin_stats command.
func (h *AdminHandler) HandleStats(c tele.Context) error {
	ctx := context.Background()

	stats, err := h.walletService.GetStats(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to collect stats")
		return c.Reply("Something went wrong, please try again later.")
	}

	return c.Reply(fmt.Sprintf(
		"📊 Bot Statistics\n\n"+
			"Total users: %d\n"+
			"Total deals: %d\n"+
			"Completed deals: %d\n"+
			"Pending deals: %d",
		stats.TotalUsers,
		stats.TotalDeals,
		stats.CompletedDeals,
		stats.PendingDeals,
	))
}

// HandleBan handles /admin_ban USERNAME.
func (h *AdminHandler) HandleBan(c tele.Context) error {
	return h.setBanned(c, true)
}

// HandleUnban handles /admin_unban USERNAME.
func (h *AdminHandler) HandleUnban(c tele.Context) error {
	return h.setBanned(c, false)
}

func (h *AdminHandler) setBanned(c tele.Context, banned bool) error {
	ctx := context.Background()

	args := c.Args()
	if len(args) != 1 {
		if banned {
			return c.Reply("Usage: /admin_ban USERNAME")
		}
		return c.Reply("Usage: /admin_unban USERNAME")
	}

	user, err := h.walletService.SetBanned(ctx, args[0], banned)
	if err != nil {
		if errors.Is(err, service.ErrUserNotFound) {
			return c.Reply("User not found.")
		}
		log.Error().Str("username", args[0]).Err(err).Msg("Failed to update ban flag")
		return c.Reply("Something went wrong, please try again later.")
	}

	if banned {
		return c.Reply(fmt.Sprintf("User @%s has been banned.", user.Username))
	}
	return c.Reply(fmt.Sprintf("User @%s has been unbanned.", user.Username))
}

// HandleAddBalance handles /admin_add_balance USERNAME AMOUNT.
func (h *AdminHandler) HandleAddBalance(c tele.Context) error {
	return h.adjustBalance(c, true)
}

// HandleRemoveBalance handles /admin_remove_balance USERNAME AMOUNT.
func (h *AdminHandler) HandleRemoveBalance(c tele.Context) error {
	return h.adjustBalance(c, false)
}

func (h *AdminHandler) adjustBalance(c tele.Context, add bool) error {
	ctx := context.Background()

	args := c.Args()
	if len(args) != 2 {
		if add {
			return c.Reply("Usage: /admin_add_balance USERNAME AMOUNT")
		}
		return c.Reply("Usage: /admin_remove_balance USERNAME AMOUNT")
	}

	amount, err := money.ParsePositive(args[1])
	if err != nil {
		return c.Reply("Please enter a valid positive amount.")
	}

	target, err := h.walletService.ResolveHandle(ctx, args[0])
	if err != nil {
		if errors.Is(err, service.ErrUserNotFound) {
			return c.Reply("User not found.")
		}
		return c.Reply("Something went wrong, please try again later.")
	}

	note := fmt.Sprintf("admin adjustment by %d", c.Sender().ID)
	var user *model.User
	if add {
		user, err = h.walletService.CreditUser(ctx, target.TelegramID, amount, model.EntryTypeAdminAdd, &note)
	} else {
		user, err = h.walletService.DebitUser(ctx, target.TelegramID, amount, model.EntryTypeAdminSub, &note)
	}
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInsufficientFunds):
			return c.Reply("The user's balance is too low for this deduction.")
		case errors.Is(err, service.ErrStoreConflict):
			return c.Reply("The bot is busy, please try again.")
		default:
			log.Error().Int64("user_id", target.TelegramID).Err(err).Msg("Failed to adjust balance")
			return c.Reply("Something went wrong, please try again later.")
		}
	}

	return c.Reply(fmt.Sprintf(
		"Balance updated for @%s.\nNew balance: %s",
		user.Username,
		money.Format(user.Balance),
	))
}

// HandleGenerateRedeem handles /admin_generateredeem AMOUNT.
func (h *AdminHandler) HandleGenerateRedeem(c tele.Context) error {
	ctx := context.Background()

	args := c.Args()
	if len(args) != 1 {
		return c.Reply("Usage: /admin_generateredeem AMOUNT")
	}

	amount, err := money.ParsePositive(args[0])
	if err != nil {
		return c.Reply("Please enter a valid positive amount.")
	}

	code, err := h.walletService.IssueRedeemCode(ctx, c.Sender().ID, amount)
	if err != nil {
		log.Error().Err(err).Msg("Failed to issue redeem code")
		return c.Reply("Something went wrong, please try again later.")
	}

	return c.Reply(fmt.Sprintf(
		"🎟 Redeem code created!\n\n"+
			"Code: %s\n"+
			"Amount: %s\n\n"+
			"Users redeem it with /redeem %s",
		code.Code,
		money.Format(code.Amount),
		code.Code,
	))
}

// HandleBroadcast handles /admin_broadcast MESSAGE and sends the text
// to every known account.
func (h *AdminHandler) HandleBroadcast(c tele.Context) error {
	ctx := context.Background()

	text := strings.TrimSpace(strings.TrimPrefix(c.Text(), "/admin_broadcast"))
	if text == "" {
		return c.Reply("Usage: /admin_broadcast MESSAGE")
	}

	ids, err := h.walletService.ListAccountIDs(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list accounts for broadcast")
		return c.Reply("Something went wrong, please try again later.")
	}

	sent := 0
	for _, id := range ids {
		if _, err := c.Bot().Send(&tele.User{ID: id}, text); err != nil {
			log.Debug().Int64("user_id", id).Err(err).Msg("Broadcast delivery failed")
			continue
		}
		sent++
	}

	log.Info().Int("sent", sent).Int("total", len(ids)).Msg("Broadcast finished")
	return c.Reply(fmt.Sprintf("Broadcast sent to %d of %d users.", sent, len(ids)))
}

// HandleAddChannel handles /admin_add_channel @channel.
func (h *AdminHandler) HandleAddChannel(c tele.Context) error {
	ctx := context.Background()

	args := c.Args()
	if len(args) != 1 {
		return c.Reply("Usage: /admin_add_channel @channel")
	}

	added, err := h.channelService.Add(ctx, args[0], c.Sender().ID)
	if err != nil {
		if errors.Is(err, service.ErrValidation) {
			return c.Reply("Please provide a valid channel username.")
		}
		log.Error().Str("channel", args[0]).Err(err).Msg("Failed to add required channel")
		return c.Reply("Something went wrong, please try again later.")
	}
	if !added {
		return c.Reply("This channel is already required.")
	}

	return c.Reply(fmt.Sprintf(
		"Channel added. Required channels: %s",
		strings.Join(h.channelService.Required(), ", "),
	))
}

// HandleRemoveChannel handles /admin_remove_channel @channel.
func (h *AdminHandler) HandleRemoveChannel(c tele.Context) error {
	ctx := context.Background()

	args := c.Args()
	if len(args) != 1 {
		return c.Reply("Usage: /admin_remove_channel @channel")
	}

	removed, err := h.channelService.Remove(ctx, args[0])
	if err != nil {
		if errors.Is(err, service.ErrValidation) {
			return c.Reply("Please provide a valid channel username.")
		}
		log.Error().Str("channel", args[0]).Err(err).Msg("Failed to remove required channel")
		return c.Reply("Something went wrong, please try again later.")
	}
	if !removed {
		return c.Reply("This channel is not in the required list.")
	}

	channels := h.channelService.Required()
	if len(channels) == 0 {
		return c.Reply("Channel removed. No channels are required anymore.")
	}
	return c.Reply(fmt.Sprintf("Channel removed. Required channels: %s", strings.Join(channels, ", ")))
}
