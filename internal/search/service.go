package search

import (
	"context"
	"log/slog"

	"switchboard/internal/store"
)

const reindexBatch = 500

// Service is the facade that tries Meilisearch first and falls back to
// Postgres.
type Service struct {
	meili    *Meili
	postgres *Postgres
	logger   *slog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, postgres *Postgres, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{meili: meili, postgres: postgres, logger: logger.With(slog.String("service", "search"))}
}

func (s *Service) meiliReady() bool {
	return s.meili != nil && s.meili.Healthy()
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meiliReady() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "meilisearch"}
		}
		s.logger.Warn("meilisearch error, falling back to postgres", slog.Any("error", err))
	}

	results, total, err := s.postgres.Search(ctx, q)
	if err != nil {
		s.logger.Error("postgres search failed", slog.Any("error", err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Engine: "postgres"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "postgres"}
}

// IndexMessage indexes a stored message (fire-and-forget to Meilisearch).
func (s *Service) IndexMessage(channelID string, m store.Message) {
	if !s.meiliReady() {
		return
	}
	record, ok := NewRecord(channelID, m)
	if !ok {
		return
	}
	go func() {
		if err := s.meili.IndexMessages([]MessageRecord{record}); err != nil {
			s.logger.Warn("index message failed", slog.String("id", record.ID), slog.Any("error", err))
		}
	}()
}

type MessageLoader interface {
	ListMessagesAfter(ctx context.Context, table string, afterID int64, limit int) ([]store.Message, error)
}

// Reindex pushes every message of the targets into Meilisearch, in id
// order and in batches. It returns the number of records sent.
func (s *Service) Reindex(ctx context.Context, loader MessageLoader, targets []Target) (int, error) {
	if !s.meiliReady() {
		return 0, nil
	}
	sent := 0
	for _, target := range targets {
		var afterID int64
		for {
			rows, err := loader.ListMessagesAfter(ctx, target.Table, afterID, reindexBatch)
			if err != nil {
				return sent, err
			}
			records := make([]MessageRecord, 0, len(rows))
			for _, row := range rows {
				afterID = row.ID
				if record, ok := NewRecord(target.ChannelID, row); ok {
					records = append(records, record)
				}
			}
			if err := s.meili.IndexMessages(records); err != nil {
				return sent, err
			}
			sent += len(records)
			if len(rows) < reindexBatch {
				break
			}
		}
	}
	s.logger.Info("search reindex finished", slog.Int("records", sent), slog.Int("channels", len(targets)))
	return sent, nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
