package status

import (
	"context"
	"log/slog"
	"time"
)

const AutoResolveActor = "auto-resolve"

// Sweeper resolves conversations nobody has touched for a while.
type Sweeper struct {
	store    Store
	channels func(ctx context.Context) []string
	after    time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewSweeper returns a sweeper over the channels listed by channels.
func NewSweeper(st Store, channels func(ctx context.Context) []string, after time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    st,
		channels: channels,
		after:    after,
		logger:   logger.With(slog.String("service", "status-sweeper")),
		now:      time.Now,
	}
}

// Sweep returns how many conversations it resolved. A failing channel is
// logged and skipped.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.after <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.after)
	resolved := 0
	for _, channelID := range s.channels(ctx) {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}
		records, err := s.store.List(ctx, channelID)
		if err != nil {
			s.logger.Warn("list statuses failed", slog.String("channel_id", channelID), slog.Any("error", err))
			continue
		}
		for sessionID, record := range records {
			if record.Status == Resolved || record.LastActivityAt.IsZero() || !record.LastActivityAt.Before(cutoff) {
				continue
			}
			ok, err := s.store.ResolveIfIdle(ctx, channelID, sessionID, cutoff, AutoResolveActor)
			if err != nil {
				s.logger.Warn("auto-resolve failed",
					slog.String("channel_id", channelID),
					slog.String("session_id", sessionID),
					slog.Any("error", err))
				continue
			}
			if ok {
				resolved++
			}
		}
	}
	if resolved > 0 {
		s.logger.Info("auto-resolved idle conversations", slog.Int("count", resolved), slog.Duration("after", s.after))
	}
	return resolved, nil
}
