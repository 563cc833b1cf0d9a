package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ChannelRepository stores the required-channel set. Keeping it in the
// database instead of an in-process global lets admin commands mutate
// it and survives restarts.
type ChannelRepository struct {
	pool *pgxpool.Pool
}

// NewChannelRepository creates a new ChannelRepository instance.
func NewChannelRepository(pool *pgxpool.Pool) *ChannelRepository {
	return &ChannelRepository{pool: pool}
}

// Add inserts a channel; adding an existing channel is a no-op.
// Returns whether the channel was newly added.
func (r *ChannelRepository) Add(ctx context.Context, channel string, addedBy int64) (bool, error) {
	const query = `
		INSERT INTO required_channels (channel, added_by, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (channel) DO NOTHING
	`

	result, err := r.pool.Exec(ctx, query, channel, addedBy)
	if err != nil {
		return false, fmt.Errorf("failed to add channel: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// Remove deletes a channel. Returns whether it was present.
func (r *ChannelRepository) Remove(ctx context.Context, channel string) (bool, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM required_channels WHERE channel = $1`, channel)
	if err != nil {
		return false, fmt.Errorf("failed to remove channel: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// List returns all required channels.
func (r *ChannelRepository) List(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT channel FROM required_channels ORDER BY channel`)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()

	var channels []string
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating channels: %w", err)
	}
	return channels, nil
}
