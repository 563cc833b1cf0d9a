package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations holds the schema bootstrap statements in order.
// Shared by cmd/bot startup and the test suites.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		telegram_id BIGINT PRIMARY KEY,
		username VARCHAR(255) NOT NULL DEFAULT '',
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		completed_deals INT NOT NULL DEFAULT 0 CHECK (completed_deals >= 0),
		pending_deals INT NOT NULL DEFAULT 0 CHECK (pending_deals >= 0),
		is_banned BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_users_username_lower ON users(LOWER(username));`,

	`CREATE TABLE IF NOT EXISTS deals (
		id VARCHAR(32) PRIMARY KEY,
		seller_id BIGINT NOT NULL REFERENCES users(telegram_id),
		buyer_username VARCHAR(255) NOT NULL,
		buyer_id BIGINT,
		product_name TEXT NOT NULL,
		product_description TEXT NOT NULL DEFAULT '',
		price BIGINT NOT NULL CHECK (price > 0),
		fee BIGINT NOT NULL CHECK (fee >= 0),
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		product_delivered BOOLEAN NOT NULL DEFAULT FALSE,
		disputed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_deals_seller ON deals(seller_id);
	CREATE INDEX IF NOT EXISTS idx_deals_status ON deals(status);`,

	`CREATE TABLE IF NOT EXISTS redeem_codes (
		code VARCHAR(32) PRIMARY KEY,
		amount BIGINT NOT NULL CHECK (amount > 0),
		used BOOLEAN NOT NULL DEFAULT FALSE,
		created_by BIGINT NOT NULL,
		used_by BIGINT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		used_at TIMESTAMPTZ
	);`,

	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(telegram_id),
		amount BIGINT NOT NULL,
		type VARCHAR(50) NOT NULL,
		deal_id VARCHAR(32),
		note TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_user_time ON ledger_entries(user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_ledger_deal ON ledger_entries(deal_id);`,

	`CREATE TABLE IF NOT EXISTS required_channels (
		channel VARCHAR(255) PRIMARY KEY,
		added_by BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
}

// Migrate applies the database schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
