// Package handler provides Telegram bot command handlers. Handlers are
// thin glue: they parse message arguments, call into the services and
// render results back into chat replies.
package handler

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"telegram-escrow-bot/internal/money"
	"telegram-escrow-bot/internal/service"
)

// channelRecipient lets telebot address a channel by @username.
type channelRecipient string

// Recipient implements tele.Recipient.
func (c channelRecipient) Recipient() string { return string(c) }

// StartHandler handles /start and the channel-join verification flow.
type StartHandler struct {
	walletService  *service.WalletService
	channelService *service.ChannelService
}

// NewStartHandler creates a new StartHandler.
func NewStartHandler(walletService *service.WalletService, channelService *service.ChannelService) *StartHandler {
	return &StartHandler{
		walletService:  walletService,
		channelService: channelService,
	}
}

// isMember checks membership of every required channel.
func (h *StartHandler) isMember(c tele.Context, userID int64) bool {
	for _, ch := range h.channelService.Required() {
		member, err := c.Bot().ChatMemberOf(channelRecipient(ch), &tele.User{ID: userID})
		if err != nil {
			log.Debug().Str("channel", ch).Int64("user_id", userID).Err(err).Msg("Membership lookup failed")
			return false
		}
		switch member.Role {
		case tele.Left, tele.Kicked, tele.Restricted:
			return false
		}
	}
	return true
}

// joinKeyboard builds join-link buttons plus the verification button.
func (h *StartHandler) joinKeyboard() *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{}
	var rows [][]tele.InlineButton
	for _, ch := range h.channelService.Required() {
		rows = append(rows, []tele.InlineButton{{
			Text: ch,
			URL:  "https://t.me/" + strings.TrimPrefix(ch, "@"),
		}})
	}
	rows = append(rows, []tele.InlineButton{{
		Text: "✅ I've Joined",
		Data: "check_join",
	}})
	markup.InlineKeyboard = rows
	return markup
}

// HandleStart handles the /start command: gate on channel membership,
// lazily create the account, and show the welcome message.
func (h *StartHandler) HandleStart(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	if len(h.channelService.Required()) > 0 && !h.isMember(c, sender.ID) {
		return c.Reply("Please join our channel(s) to use the bot:", h.joinKeyboard())
	}

	user, _, err := h.walletService.EnsureUser(ctx, sender.ID, sender.Username)
	if err != nil {
		log.Error().Int64("user_id", sender.ID).Err(err).Msg("Failed to ensure user")
		return c.Reply("Something went wrong, please try again later.")
	}

	return c.Reply(fmt.Sprintf(
		"Welcome to the Escrow Bot!\n\n"+
			"Your current balance: %s\n\n"+
			"Commands:\n"+
			"/escrow - Create new escrow deal\n"+
			"/wallet - Check wallet balance\n"+
			"/redeem - Redeem a code\n"+
			"/help - Show help message",
		money.Format(user.Balance),
	))
}

// HandleCheckJoin handles the join verification callback.
func (h *StartHandler) HandleCheckJoin(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	if h.isMember(c, sender.ID) {
		return c.Edit("Thank you for joining! You can now use the bot.\n\nUse /start to begin.")
	}
	return c.Respond(&tele.CallbackResponse{
		Text:      "Please join all required channels first!",
		ShowAlert: true,
	})
}
