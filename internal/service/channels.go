package service

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"telegram-escrow-bot/internal/repository"
)

// ChannelService is the runtime-reloadable required-channel set. The
// durable copy lives in the database; a snapshot is cached behind a
// read lock so the membership middleware can consult it on every
// update without a query.
type ChannelService struct {
	repo *repository.ChannelRepository

	mu       sync.RWMutex
	channels []string
}

// NewChannelService creates a new ChannelService instance.
func NewChannelService(repo *repository.ChannelRepository) *ChannelService {
	return &ChannelService{repo: repo}
}

// normalizeChannel ensures the @ prefix Telegram expects.
func normalizeChannel(channel string) string {
	channel = strings.TrimSpace(channel)
	if channel != "" && !strings.HasPrefix(channel, "@") {
		channel = "@" + channel
	}
	return channel
}

// Seed inserts the configured channel list if missing, then loads the
// snapshot. Called once at startup.
func (s *ChannelService) Seed(ctx context.Context, seed []string) error {
	for _, ch := range seed {
		ch = normalizeChannel(ch)
		if ch == "" {
			continue
		}
		if _, err := s.repo.Add(ctx, ch, 0); err != nil {
			return err
		}
	}
	return s.Reload(ctx)
}

// Reload refreshes the cached snapshot from the database.
func (s *ChannelService) Reload(ctx context.Context) error {
	channels, err := s.repo.List(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.channels = channels
	s.mu.Unlock()

	log.Debug().Strs("channels", channels).Msg("Required channel set reloaded")
	return nil
}

// Required returns the current snapshot of required channels.
func (s *ChannelService) Required() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.channels))
	copy(out, s.channels)
	return out
}

// Add inserts a channel and refreshes the snapshot. Returns whether
// the channel was newly added.
func (s *ChannelService) Add(ctx context.Context, channel string, addedBy int64) (bool, error) {
	channel = normalizeChannel(channel)
	if channel == "" {
		return false, validationf("channel must not be empty")
	}

	added, err := s.repo.Add(ctx, channel, addedBy)
	if err != nil {
		return false, err
	}
	if added {
		if err := s.Reload(ctx); err != nil {
			return true, err
		}
	}
	return added, nil
}

// Remove deletes a channel and refreshes the snapshot. Returns whether
// it was present.
func (s *ChannelService) Remove(ctx context.Context, channel string) (bool, error) {
	channel = normalizeChannel(channel)
	if channel == "" {
		return false, validationf("channel must not be empty")
	}

	removed, err := s.repo.Remove(ctx, channel)
	if err != nil {
		return false, err
	}
	if removed {
		if err := s.Reload(ctx); err != nil {
			return true, err
		}
	}
	return removed, nil
}
