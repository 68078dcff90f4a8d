package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"switchboard/internal/channel"
	"switchboard/internal/status"
	"switchboard/internal/store"
)

type ChannelResolver interface {
	ByInstance(ctx context.Context, instance string) (channel.Channel, error)
}

type MessageWriter interface {
	InsertMessage(ctx context.Context, table string, m store.Message) (store.Message, bool, error)
}

type StatusToucher interface {
	Touch(ctx context.Context, channelID, sessionID, direction string, at time.Time) (status.Record, error)
}

// Indexer receives stored messages for search. Implementations must not
// block the webhook.
type Indexer interface {
	IndexMessage(channelID string, msg store.Message)
}

const (
	ResultStored    = "stored"
	ResultDuplicate = "duplicate"
	ResultIgnored   = "ignored"
)

type Result struct {
	Result    string `json:"result"`
	ChannelID string `json:"channelId,omitempty"`
	MessageID int64  `json:"messageId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type Service struct {
	channels ChannelResolver
	messages MessageWriter
	statuses StatusToucher
	indexer  Indexer
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(channels ChannelResolver, messages MessageWriter, statuses StatusToucher, indexer Indexer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		channels: channels,
		messages: messages,
		statuses: statuses,
		indexer:  indexer,
		logger:   logger.With(slog.String("service", "ingest")),
		now:      time.Now,
	}
}

// Handle stores one webhook delivery for the channel bound to instance.
// Redeliveries of the same provider message id are reported as duplicates.
func (s *Service) Handle(ctx context.Context, instance string, p Payload) (Result, error) {
	if instance == "" {
		instance = p.Instance
	}
	ch, err := s.channels.ByInstance(ctx, instance)
	if err != nil {
		return Result{}, err
	}

	msg, err := ToMessage(p, s.now())
	if errors.Is(err, ErrIgnored) {
		s.logger.Debug("webhook ignored", slog.String("channel_id", ch.ID), slog.String("reason", err.Error()))
		return Result{Result: ResultIgnored, ChannelID: ch.ID, Reason: err.Error()}, nil
	}
	if err != nil {
		return Result{}, err
	}
	if ch.Kind == channel.KindAgent && msg.Direction == store.DirectionOutbound {
		msg.Sender = store.SenderBot
	}

	saved, inserted, err := s.messages.InsertMessage(ctx, ch.Table, msg)
	if err != nil {
		return Result{}, fmt.Errorf("store message: %w", err)
	}
	if !inserted {
		return Result{Result: ResultDuplicate, ChannelID: ch.ID, MessageID: saved.ID}, nil
	}

	if s.statuses != nil {
		if _, err := s.statuses.Touch(ctx, ch.ID, saved.SessionID, saved.Direction, saved.CreatedAt); err != nil {
			s.logger.Warn("status touch failed", slog.String("channel_id", ch.ID), slog.String("session_id", saved.SessionID), slog.Any("error", err))
		}
	}
	if s.indexer != nil {
		s.indexer.IndexMessage(ch.ID, saved)
	}
	s.logger.Info("message stored",
		slog.String("channel_id", ch.ID),
		slog.Int64("message_id", saved.ID),
		slog.String("direction", saved.Direction),
		slog.Bool("inline_media", saved.HasInlineMedia))
	return Result{Result: ResultStored, ChannelID: ch.ID, MessageID: saved.ID}, nil
}
