// Package main is the entry point for the Telegram escrow bot.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"telegram-escrow-bot/internal/bot"
	"telegram-escrow-bot/internal/config"
	"telegram-escrow-bot/internal/pkg/db"
	"telegram-escrow-bot/internal/pkg/ident"
	"telegram-escrow-bot/internal/pkg/lock"
	"telegram-escrow-bot/internal/repository"
	"telegram-escrow-bot/internal/service"
)

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().Msg("Configuration loaded successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection pool
	dbPool, err := db.NewPool(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer dbPool.Close()

	// Run database migrations
	if err := repository.Migrate(ctx, dbPool.Pool); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	// Initialize repositories
	userRepo := repository.NewUserRepository(dbPool.Pool)
	dealRepo := repository.NewDealRepository(dbPool.Pool)
	codeRepo := repository.NewRedeemCodeRepository(dbPool.Pool)
	ledgerRepo := repository.NewLedgerRepository(dbPool.Pool)
	channelRepo := repository.NewChannelRepository(dbPool.Pool)

	// Initialize per-account locks and the id generator
	accountLock := lock.NewAccountLock()
	idgen := ident.New(time.Now().UnixNano())

	// Initialize services
	escrowService := service.NewEscrowService(
		dealRepo,
		userRepo,
		accountLock,
		idgen,
		cfg.Escrow.FeePercent,
		cfg.Escrow.DealIDPrefix,
	)

	walletService := service.NewWalletService(
		userRepo,
		codeRepo,
		dealRepo,
		ledgerRepo,
		accountLock,
		idgen,
		cfg.Escrow.RedeemIDPrefix,
	)

	deliveryService := service.NewDeliveryService(dealRepo, userRepo)

	channelService := service.NewChannelService(channelRepo)
	if err := channelService.Seed(ctx, cfg.Channels.Required); err != nil {
		log.Fatal().Err(err).Msg("Failed to load required channels")
	}

	// Create bot dependencies
	deps := &bot.Dependencies{
		Config:          cfg,
		EscrowService:   escrowService,
		DeliveryService: deliveryService,
		WalletService:   walletService,
		ChannelService:  channelService,
	}

	// Initialize bot
	telegramBot, err := bot.New(deps)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create bot")
	}

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().Msg("Bot is starting...")
		telegramBot.Start()
	}()

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	telegramBot.Stop()
	log.Info().Msg("Bot stopped gracefully")
}
