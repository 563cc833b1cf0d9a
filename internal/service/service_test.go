// Package service provides business logic implementations.
// Integration tests use testcontainers-go to spin up PostgreSQL.
package service

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"telegram-escrow-bot/internal/model"
	"telegram-escrow-bot/internal/pkg/ident"
	"telegram-escrow-bot/internal/pkg/lock"
	"telegram-escrow-bot/internal/repository"
)

func checkDockerAvailable() bool {
	cmd := exec.Command("docker", "info")
	err := cmd.Run()
	return err == nil
}

// testEnv wires the full service stack against a disposable database.
type testEnv struct {
	pool     *pgxpool.Pool
	escrow   *EscrowService
	wallet   *WalletService
	delivery *DeliveryService
	channels *ChannelService
	dealRepo *repository.DealRepository
	userRepo *repository.UserRepository
}

func setupServices(t *testing.T) (*testEnv, func()) {
	if !checkDockerAvailable() {
		t.Skip("Docker is not available, skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	require.NoError(t, repository.Migrate(ctx, pool))

	userRepo := repository.NewUserRepository(pool)
	dealRepo := repository.NewDealRepository(pool)
	codeRepo := repository.NewRedeemCodeRepository(pool)
	ledgerRepo := repository.NewLedgerRepository(pool)
	channelRepo := repository.NewChannelRepository(pool)

	locks := lock.NewAccountLock()
	idgen := ident.New(1)

	env := &testEnv{
		pool:     pool,
		escrow:   NewEscrowService(dealRepo, userRepo, locks, idgen, 3, "OGESC-"),
		wallet:   NewWalletService(userRepo, codeRepo, dealRepo, ledgerRepo, locks, idgen, "OGRDM-"),
		delivery: NewDeliveryService(dealRepo, userRepo),
		channels: NewChannelService(channelRepo),
		dealRepo: dealRepo,
		userRepo: userRepo,
	}

	cleanup := func() {
		pool.Close()
		_ = pgContainer.Terminate(ctx)
	}
	return env, cleanup
}

// seedUsers registers a funded seller and buyer.
func seedUsers(t *testing.T, env *testEnv, buyerFunds int64) {
	t.Helper()
	ctx := context.Background()
	_, _, err := env.wallet.EnsureUser(ctx, 1, "seller")
	require.NoError(t, err)
	_, _, err = env.wallet.EnsureUser(ctx, 2, "buyer")
	require.NoError(t, err)
	if buyerFunds > 0 {
		_, err = env.wallet.CreditUser(ctx, 2, buyerFunds, model.EntryTypeAdminAdd, nil)
		require.NoError(t, err)
	}
}

func TestEscrowService_CreateDeal(t *testing.T) {
	env, cleanup := setupServices(t)
	defer cleanup()
	ctx := context.Background()

	seedUsers(t, env, 0)

	deal, err := env.escrow.CreateDeal(ctx, 1, "License key", "1 year", 100000, "@Buyer")
	require.NoError(t, err)
	assert.Contains(t, deal.ID, "OGESC-")
	assert.Equal(t, "Buyer", deal.BuyerUsername, "handle stored without @; matching is case-insensitive at resolution")
	assert.Equal(t, int64(3000), deal.Fee, "3 percent of the price")
	assert.Equal(t, model.DealStatusPending, deal.Status)

	// No funds move at creation
	seller, err := env.wallet.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), seller.Balance)
}

func TestEscrowService_CreateDeal_Validation(t *testing.T) {
	env, cleanup := setupServices(t)
	defer cleanup()
	ctx := context.Background()

	seedUsers(t, env, 0)

	_, err := env.escrow.CreateDeal(ctx, 1, "", "", 100, "buyer")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.escrow.CreateDeal(ctx, 1, "Item", "", 0, "buyer")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.escrow.CreateDeal(ctx, 1, "Item", "", 100, "  @ ")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.escrow.CreateDeal(ctx, 99, "Item", "", 100, "buyer")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestEscrowService_BannedSellerCannotCreate(t *testing.T) {
	env, cleanup := setupServices(t)
	defer cleanup()
	ctx := context.Background()

	seedUsers(t, env, 0)
	_, err := env.wallet.SetBanned(ctx, "seller", true)
	require.NoError(t, err)

	_, err = env.escrow.CreateDeal(ctx, 1, "Item", "", 100, "buyer")
	assert.ErrorIs(t, err, ErrUserBanned)
}

func TestEscrowService_FullLifecycle(t *testing.T) {
	env, cleanup := setupServices(t)
	defer cleanup()
	ctx := context.Background()

	seedUsers(t, env, 200000)

	deal, err := env.escrow.CreateDeal(ctx, 1, "License key", "1 year", 100000, "buyer")
	require.NoError(t, err)

	approved, err := env.escrow.ApproveDeal(ctx, deal.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, model.DealStatusInProgress, approved.Status)

	buyer, err := env.wallet.GetUser(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(97000), buyer.Balance)
	assert.Equal(t, 1, buyer.PendingDeals)

	// Deliver through the coordinator with a relay stub
	require.NoError(t, env.delivery.MarkAwaitingDelivery(ctx, 1, deal.ID))

	var relayedTo int64
	delivered, err := env.delivery.ResolveDelivery(ctx, 1, func(buyerID int64) error {
		relayedTo = buyerID
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), relayedTo)
	assert.True(t, delivered.ProductDelivered)

	confirmed, err := env.escrow.ConfirmReceipt(ctx, deal.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, model.DealStatusCompleted, confirmed.Status)

	seller, err := env.wallet.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100000), seller.Balance)
	assert.Equal(t, 1, seller.CompletedDeals)

	buyer, err = env.wallet.GetUser(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, buyer.PendingDeals)
	assert.Equal(t, 1, buyer.CompletedDeals)
}

func TestEscrowService_ApproveInsufficientFunds(t *testing.T) {
	env, cleanup := setupServices(t)
	defer cleanup()
	ctx := context.Background()

	seedUsers(t, env, 102999) // one paisa short of price+fee

	deal, err := env.escrow.CreateDeal(ctx, 1, "License key", "", 100000, "buyer")
	require.NoError(t, err)

	_, err = env.escrow.ApproveDeal(ctx, deal.ID, 2)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// Nothing happened
	current, err := env.escrow.GetDeal(ctx, deal.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DealStatusPending, current.Status)

	buyer, err := env.wallet.GetUser(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(102999), buyer.Balance)
}

func TestDeliveryService_MarkAwaitingDelivery(t *testing.T) {
	env, cleanup := setupServices(t)
	defer cleanup()
	ctx := context.Background()

	seedUsers(t, env, 200000)

	deal, err := env.escrow.CreateDeal(ctx, 1, "Item", "", 100000, "buyer")
	require.NoError(t, err)

	// Only in-progress deals accept deliveries
	err = env.delivery.MarkAwaitingDelivery(ctx, 1, deal.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = env.escrow.ApproveDeal(ctx, deal.ID, 2)
	require.NoError(t, err)

	// Only the deal's seller may deliver
	err = env.delivery.MarkAwaitingDelivery(ctx, 2, deal.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)

	err = env.delivery.MarkAwaitingDelivery(ctx, 1, "OGESC-ZZZZZ")
	assert.ErrorIs(t, err, ErrDealNotFound)

	require.NoError(t, env.delivery.MarkAwaitingDelivery(ctx, 1, deal.ID))
	got, ok := env.delivery.Awaiting(1)
	assert.True(t, ok)
	assert.Equal(t, deal.ID, got)
}

func TestDeliveryService_FailedRelayKeepsMarker(t *testing.T) {
	env, cleanup := setupServices(t)
	defer cleanup()
	ctx := context.Background()

	seedUsers(t, env, 200000)

	deal, err := env.escrow.CreateDeal(ctx, 1, "Item", "", 100000, "buyer")
	require.NoError(t, err)
	_, err = env.escrow.ApproveDeal(ctx, deal.ID, 2)
	require.NoError(t, err)
	require.NoError(t, env.delivery.MarkAwaitingDelivery(ctx, 1, deal.ID))

	_, err = env.delivery.ResolveDelivery(ctx, 1, func(buyerID int64) error {
		return errors.New("blocked by recipient")
	})
	assert.ErrorIs(t, err, ErrDeliveryFailed)

	// Marker survives so the seller can retry
	_, ok := env.delivery.Awaiting(1)
	assert.True(t, ok)

	// The deal was not marked delivered
	current, err := env.escrow.GetDeal(ctx, deal.ID)
	require.NoError(t, err)
	assert.False(t, current.ProductDelivered)

	// Retry succeeds and clears the marker
	_, err = env.delivery.ResolveDelivery(ctx, 1, func(buyerID int64) error { return nil })
	require.NoError(t, err)
	_, ok = env.delivery.Awaiting(1)
	assert.False(t, ok)
}

func TestDeliveryService_StrayMessagesIgnored(t *testing.T) {
	env, cleanup := setupServices(t)
	defer cleanup()
	ctx := context.Background()

	seedUsers(t, env, 0)

	_, err := env.delivery.ResolveDelivery(ctx, 1, func(buyerID int64) error {
		t.Fatal("relay must not run without a marker")
		return nil
	})
	assert.ErrorIs(t, err, ErrNoPendingDelivery)
}

func TestDeliveryService_BuyerNotFound(t *testing.T) {
	env, cleanup := setupServices(t)
	defer cleanup()
	ctx := context.Background()

	seedUsers(t, env, 200000)

	// Deal names a buyer handle nobody registered; approval by an
	// existing account still caches the strong reference, so use a
	// fresh deal that was never approved through the handle owner.
	deal, err := env.escrow.CreateDeal(ctx, 1, "Item", "", 100000, "ghostbuyer")
	require.NoError(t, err)
	_, err = env.escrow.ApproveDeal(ctx, deal.ID, 2)
	require.NoError(t, err)

	// Approval cached buyer id 2, so resolution succeeds despite the
	// stale handle. Clear the cached reference to exercise the fallback.
	_, err = env.pool.Exec(ctx, `UPDATE deals SET buyer_id = NULL WHERE id = $1`, deal.ID)
	require.NoError(t, err)

	require.NoError(t, env.delivery.MarkAwaitingDelivery(ctx, 1, deal.ID))

	_, err = env.delivery.ResolveDelivery(ctx, 1, func(buyerID int64) error { return nil })
	assert.ErrorIs(t, err, ErrBuyerNotFound)

	// Marker survives for a retry after the buyer registers
	_, ok := env.delivery.Awaiting(1)
	assert.True(t, ok)
}

func TestDeliveryService_CancelAwaiting(t *testing.T) {
	env, cleanup := setupServices(t)
	defer cleanup()
	ctx := context.Background()

	seedUsers(t, env, 200000)

	deal, err := env.escrow.CreateDeal(ctx, 1, "Item", "", 100000, "buyer")
	require.NoError(t, err)
	_, err = env.escrow.ApproveDeal(ctx, deal.ID, 2)
	require.NoError(t, err)
	require.NoError(t, env.delivery.MarkAwaitingDelivery(ctx, 1, deal.ID))

	assert.True(t, env.delivery.CancelAwaiting(1))
	assert.False(t, env.delivery.CancelAwaiting(1))

	// The deal stays in progress and can be re-armed
	current, err := env.escrow.GetDeal(ctx, deal.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DealStatusInProgress, current.Status)
	require.NoError(t, env.delivery.MarkAwaitingDelivery(ctx, 1, deal.ID))
}

func TestWalletService_RedeemFlow(t *testing.T) {
	env, cleanup := setupServices(t)
	defer cleanup()
	ctx := context.Background()

	_, _, err := env.wallet.EnsureUser(ctx, 1, "admin")
	require.NoError(t, err)
	_, _, err = env.wallet.EnsureUser(ctx, 2, "redeemer")
	require.NoError(t, err)

	code, err := env.wallet.IssueRedeemCode(ctx, 1, 50000)
	require.NoError(t, err)
	assert.Contains(t, code.Code, "OGRDM-")

	redeemed, user, err := env.wallet.Redeem(ctx, 2, code.Code)
	require.NoError(t, err)
	assert.True(t, redeemed.Used)
	assert.Equal(t, int64(50000), user.Balance)

	_, _, err = env.wallet.Redeem(ctx, 2, code.Code)
	assert.ErrorIs(t, err, ErrCodeUsed)

	_, _, err = env.wallet.Redeem(ctx, 2, "OGRDM-ZZZZZ")
	assert.ErrorIs(t, err, ErrCodeNotFound)
}

func TestWalletService_BannedUserCannotRedeem(t *testing.T) {
	env, cleanup := setupServices(t)
	defer cleanup()
	ctx := context.Background()

	_, _, err := env.wallet.EnsureUser(ctx, 1, "admin")
	require.NoError(t, err)
	_, _, err = env.wallet.EnsureUser(ctx, 2, "redeemer")
	require.NoError(t, err)

	code, err := env.wallet.IssueRedeemCode(ctx, 1, 50000)
	require.NoError(t, err)

	_, err = env.wallet.SetBanned(ctx, "redeemer", true)
	require.NoError(t, err)

	_, _, err = env.wallet.Redeem(ctx, 2, code.Code)
	assert.ErrorIs(t, err, ErrUserBanned)

	// The code survives for later use
	unused, err := env.wallet.GetRedeemCode(ctx, code.Code)
	require.NoError(t, err)
	assert.False(t, unused.Used)
}

func TestWalletService_GetStats(t *testing.T) {
	env, cleanup := setupServices(t)
	defer cleanup()
	ctx := context.Background()

	seedUsers(t, env, 200000)

	_, err := env.escrow.CreateDeal(ctx, 1, "Item A", "", 100000, "buyer")
	require.NoError(t, err)
	deal, err := env.escrow.CreateDeal(ctx, 1, "Item B", "", 50000, "buyer")
	require.NoError(t, err)
	_, err = env.escrow.DeclineDeal(ctx, deal.ID)
	require.NoError(t, err)

	stats, err := env.wallet.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalUsers)
	assert.Equal(t, 2, stats.TotalDeals)
	assert.Equal(t, 1, stats.PendingDeals)
	assert.Equal(t, 0, stats.CompletedDeals)
}

func TestChannelService_SeedAddRemove(t *testing.T) {
	env, cleanup := setupServices(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, env.channels.Seed(ctx, []string{"@alpha", "beta"}))
	assert.ElementsMatch(t, []string{"@alpha", "@beta"}, env.channels.Required())

	added, err := env.channels.Add(ctx, "gamma", 1)
	require.NoError(t, err)
	assert.True(t, added)
	assert.Contains(t, env.channels.Required(), "@gamma")

	removed, err := env.channels.Remove(ctx, "@alpha")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.NotContains(t, env.channels.Required(), "@alpha")

	removed, err = env.channels.Remove(ctx, "@alpha")
	require.NoError(t, err)
	assert.False(t, removed)
}
