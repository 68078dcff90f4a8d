package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"switchboard/internal/store"
)

const pollBatch = 500

type PollStore interface {
	LatestMessageID(ctx context.Context, table string) (int64, error)
	ListMessagesAfter(ctx context.Context, table string, afterID int64, limit int) ([]store.Message, error)
}

// PollSource emits INSERT changes for rows with an id above the last one
// seen. It only notices inserts.
type PollSource struct {
	store    PollStore
	interval time.Duration
	logger   *slog.Logger
}

func NewPollSource(st PollStore, interval time.Duration, logger *slog.Logger) *PollSource {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &PollSource{store: st, interval: interval, logger: logger.With(slog.String("service", "realtime-poll"))}
}

func (p *PollSource) Watch(ctx context.Context, table string, emit Emit) (func(), error) {
	lastSeen, err := p.store.LatestMessageID(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("poll %s: %w", table, err)
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				lastSeen = p.poll(ctx, table, lastSeen, emit)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}, nil
}

func (p *PollSource) poll(ctx context.Context, table string, lastSeen int64, emit Emit) int64 {
	for {
		rows, err := p.store.ListMessagesAfter(ctx, table, lastSeen, pollBatch)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("poll failed", slog.String("table", table), slog.Any("error", err))
			}
			return lastSeen
		}
		for _, row := range rows {
			emit(Change{Table: table, Op: OpInsert, ID: row.ID, SessionID: row.SessionID, At: row.CreatedAt})
			if row.ID > lastSeen {
				lastSeen = row.ID
			}
		}
		if len(rows) < pollBatch {
			return lastSeen
		}
	}
}
