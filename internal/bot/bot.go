// Package bot provides the Telegram bot initialization and handler registration.
package bot

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"telegram-escrow-bot/internal/config"
	"telegram-escrow-bot/internal/handler"
	"telegram-escrow-bot/internal/service"
)

// Bot wraps the telebot instance with application dependencies.
type Bot struct {
	bot *tele.Bot
	cfg *config.Config

	startHandler  *handler.StartHandler
	helpHandler   *handler.HelpHandler
	walletHandler *handler.WalletHandler
	escrowHandler *handler.EscrowHandler
	adminHandler  *handler.AdminHandler
}

// Dependencies holds all the dependencies needed by the bot handlers.
type Dependencies struct {
	Config          *config.Config
	EscrowService   *service.EscrowService
	DeliveryService *service.DeliveryService
	WalletService   *service.WalletService
	ChannelService  *service.ChannelService
}

// New creates a new Bot instance with the given dependencies.
func New(deps *Dependencies) (*Bot, error) {
	if deps.Config.Bot.Token == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	pref := tele.Settings{
		Token:  deps.Config.Bot.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	}

	teleBot, err := tele.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := &Bot{
		bot: teleBot,
		cfg: deps.Config,
	}

	b.startHandler = handler.NewStartHandler(deps.WalletService, deps.ChannelService)
	b.helpHandler = handler.NewHelpHandler()
	b.walletHandler = handler.NewWalletHandler(deps.WalletService)
	b.escrowHandler = handler.NewEscrowHandler(deps.EscrowService, deps.DeliveryService, deps.WalletService)
	b.adminHandler = handler.NewAdminHandler(deps.WalletService, deps.ChannelService)

	b.registerMiddleware()
	b.registerHandlers()

	return b, nil
}

// registerMiddleware registers all middleware.
func (b *Bot) registerMiddleware() {
	b.bot.Use(RecoveryMiddleware())
	b.bot.Use(LoggingMiddleware())
}

// registerHandlers registers all command, callback, and message handlers.
func (b *Bot) registerHandlers() {
	b.bot.Handle("/start", b.startHandler.HandleStart)
	b.bot.Handle("/help", b.helpHandler.HandleHelp)

	// Wallet handlers
	b.bot.Handle("/wallet", b.walletHandler.HandleWallet)
	b.bot.Handle("/redeem", b.walletHandler.HandleRedeem)

	// Escrow handlers
	b.bot.Handle("/escrow", b.escrowHandler.HandleEscrowStart)
	b.bot.Handle("/cancel", b.escrowHandler.HandleCancel)
	b.bot.Handle("/find_deal", b.escrowHandler.HandleFindDeal)
	b.bot.Handle("/approve_deal", b.escrowHandler.HandleApproveDeal)
	b.bot.Handle("/decline_deal", b.escrowHandler.HandleDeclineDeal)
	b.bot.Handle("/confirm_deal", b.escrowHandler.HandleConfirmDeal)
	b.bot.Handle("/report_deal", b.escrowHandler.HandleReportDeal)

	// Admin handlers (with admin middleware)
	adminGroup := b.bot.Group()
	adminGroup.Use(AdminMiddleware(b.cfg))
	adminGroup.Handle("/admin_stats", b.adminHandler.HandleStats)
	adminGroup.Handle("/admin_ban", b.adminHandler.HandleBan)
	adminGroup.Handle("/admin_unban", b.adminHandler.HandleUnban)
	adminGroup.Handle("/admin_add_balance", b.adminHandler.HandleAddBalance)
	adminGroup.Handle("/admin_remove_balance", b.adminHandler.HandleRemoveBalance)
	adminGroup.Handle("/admin_generateredeem", b.adminHandler.HandleGenerateRedeem)
	adminGroup.Handle("/admin_broadcast", b.adminHandler.HandleBroadcast)
	adminGroup.Handle("/admin_add_channel", b.adminHandler.HandleAddChannel)
	adminGroup.Handle("/admin_remove_channel", b.adminHandler.HandleRemoveChannel)

	// Free-form messages feed the deal-creation form and product delivery.
	b.bot.Handle(tele.OnText, b.escrowHandler.HandleIncoming)
	b.bot.Handle(tele.OnDocument, b.escrowHandler.HandleIncoming)
	b.bot.Handle(tele.OnPhoto, b.escrowHandler.HandleIncoming)
	b.bot.Handle(tele.OnVideo, b.escrowHandler.HandleIncoming)
	b.bot.Handle(tele.OnAudio, b.escrowHandler.HandleIncoming)
	b.bot.Handle(tele.OnVoice, b.escrowHandler.HandleIncoming)
	b.bot.Handle(tele.OnSticker, b.escrowHandler.HandleIncoming)

	b.bot.Handle(tele.OnCallback, b.handleCallback)
}

// handleCallback routes inline-button callbacks to the right handler.
func (b *Bot) handleCallback(c tele.Context) error {
	callback := c.Callback()
	if callback == nil {
		return nil
	}

	// Telebot v3 may add a \f prefix to callback data
	data := strings.TrimPrefix(callback.Data, "\f")
	log.Debug().Str("data", data).Msg("Callback received")

	if data == "check_join" {
		return b.startHandler.HandleCheckJoin(c)
	}
	return b.escrowHandler.HandleCallback(c, data)
}

// Start starts the bot polling.
func (b *Bot) Start() {
	log.Info().Msg("Starting bot...")
	b.bot.Start()
}

// Stop stops the bot gracefully.
func (b *Bot) Stop() {
	log.Info().Msg("Stopping bot...")
	b.bot.Stop()
}

// GetBot returns the underlying telebot instance.
func (b *Bot) GetBot() *tele.Bot {
	return b.bot
}
