package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"switchboard/internal/store"
)

const (
	DefaultBatchSize        = 100
	DefaultMaxBytes   int64 = 25 * 1024 * 1024
	maxReportedErrors       = 100
)

type MessageStore interface {
	ListBase64Candidates(ctx context.Context, table string, afterID int64, limit int) ([]store.MediaCandidate, error)
	ReplaceInlineMedia(ctx context.Context, table string, id int64, update store.MediaUpdate) error
}

type RunRecorder interface {
	InsertMediaRun(ctx context.Context, run store.MediaMigrationRun) error
}

// Target is one channel message table to migrate.
type Target struct {
	ChannelID string
	Table     string
}

type MigrateOptions struct {
	Targets   []Target
	BatchSize int
	MaxBytes  int64
	DryRun    bool
	Actor     string
}

type RowError struct {
	ChannelID string `json:"channelId"`
	MessageID int64  `json:"messageId"`
	Error     string `json:"error"`
}

type Report struct {
	RunID      string     `json:"runId"`
	DryRun     bool       `json:"dryRun"`
	Channels   int        `json:"channels"`
	Scanned    int        `json:"scanned"`
	Migrated   int        `json:"migrated"`
	Skipped    int        `json:"skipped"`
	Failed     int        `json:"failed"`
	Bytes      int64      `json:"bytes"`
	Errors     []RowError `json:"errors"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt time.Time  `json:"finishedAt"`
}

func (r *Report) fail(target Target, id int64, err error) {
	r.Failed++
	if len(r.Errors) < maxReportedErrors {
		r.Errors = append(r.Errors, RowError{ChannelID: target.ChannelID, MessageID: id, Error: err.Error()})
	}
}

// Migrator uploads inline payloads and rewrites their rows to reference the
// uploaded object. A row is only rewritten after its upload succeeded.
type Migrator struct {
	messages MessageStore
	objects  ObjectStore
	runs     RunRecorder
	logger   *slog.Logger
	now      func() time.Time
}

func NewMigrator(messages MessageStore, objects ObjectStore, runs RunRecorder, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{
		messages: messages,
		objects:  objects,
		runs:     runs,
		logger:   logger.With(slog.String("service", "media")),
		now:      time.Now,
	}
}

func (m *Migrator) Run(ctx context.Context, opts MigrateOptions) (Report, error) {
	if m.objects == nil && !opts.DryRun {
		return Report{}, ErrStorageNotConfigured
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}

	report := Report{
		RunID:     uuid.NewString(),
		DryRun:    opts.DryRun,
		Errors:    []RowError{},
		StartedAt: m.now(),
	}
	var runErr error
	for _, target := range opts.Targets {
		if err := m.migrateTable(ctx, target, opts, &report); err != nil {
			runErr = fmt.Errorf("migrate %s: %w", target.ChannelID, err)
			break
		}
		report.Channels++
	}
	report.FinishedAt = m.now()

	m.logger.Info("media migration finished",
		slog.String("run_id", report.RunID),
		slog.Bool("dry_run", report.DryRun),
		slog.Int("scanned", report.Scanned),
		slog.Int("migrated", report.Migrated),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed),
		slog.Int64("bytes", report.Bytes),
	)

	if m.runs != nil {
		actor := opts.Actor
		if actor == "" {
			actor = "system"
		}
		if err := m.runs.InsertMediaRun(context.WithoutCancel(ctx), store.MediaMigrationRun{
			ID:         report.RunID,
			Actor:      actor,
			DryRun:     report.DryRun,
			Scanned:    report.Scanned,
			Migrated:   report.Migrated,
			Skipped:    report.Skipped,
			Failed:     report.Failed,
			Bytes:      report.Bytes,
			StartedAt:  report.StartedAt,
			FinishedAt: report.FinishedAt,
		}); err != nil {
			m.logger.Warn("record media run failed", slog.Any("error", err))
		}
	}
	return report, runErr
}

func (m *Migrator) migrateTable(ctx context.Context, target Target, opts MigrateOptions, report *Report) error {
	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := m.messages.ListBase64Candidates(ctx, target.Table, afterID, opts.BatchSize)
		if err != nil {
			return err
		}
		for _, candidate := range batch {
			afterID = candidate.ID
			report.Scanned++
			m.migrateRow(ctx, target, candidate, opts, report)
		}
		if len(batch) < opts.BatchSize {
			return nil
		}
	}
}

func (m *Migrator) migrateRow(ctx context.Context, target Target, c store.MediaCandidate, opts MigrateOptions, report *Report) {
	payload, fromBody := c.MediaBase64, false
	if strings.TrimSpace(payload) == "" {
		payload, fromBody = c.Body, true
	}
	if !IsBase64(payload) {
		report.Skipped++
		return
	}
	if size := DecodedSize(payload); size > opts.MaxBytes {
		report.Skipped++
		if len(report.Errors) < maxReportedErrors {
			report.Errors = append(report.Errors, RowError{
				ChannelID: target.ChannelID,
				MessageID: c.ID,
				Error:     fmt.Sprintf("%v: %d bytes", ErrTooLarge, size),
			})
		}
		return
	}

	mime := strings.TrimSpace(c.MediaMIME)
	if mime == "" || mime == DefaultMIME {
		mime = DetectMIME(payload)
	}
	if opts.DryRun {
		report.Migrated++
		report.Bytes += DecodedSize(payload)
		return
	}

	data, err := Decode(payload)
	if err != nil {
		report.fail(target, c.ID, err)
		return
	}
	key := ObjectKey(target.ChannelID, c.SessionID, data, mime)
	if err := m.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), mime); err != nil {
		m.logger.Warn("media upload failed", slog.String("channel_id", target.ChannelID), slog.Int64("message_id", c.ID), slog.Any("error", err))
		report.fail(target, c.ID, err)
		return
	}

	err = m.messages.ReplaceInlineMedia(ctx, target.Table, c.ID, store.MediaUpdate{
		URL:       m.objects.URL(key),
		MIME:      mime,
		Kind:      string(KindOf(mime)),
		ClearBody: fromBody,
	})
	switch {
	case errors.Is(err, sql.ErrNoRows):
		report.Skipped++
	case err != nil:
		report.fail(target, c.ID, err)
	default:
		report.Migrated++
		report.Bytes += int64(len(data))
	}
}

// ObjectKey lays payloads out as <channel>/<session>/<sha[:4]>/<sha><ext>.
func ObjectKey(channelID, sessionID string, data []byte, mime string) string {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	return path.Join(keySegment(channelID), keySegment(sessionID), hash[:4], hash+Extension(mime))
}

func keySegment(value string) string {
	value = strings.TrimSpace(value)
	if at := strings.Index(value, "@"); at > 0 {
		value = value[:at]
	}
	segment := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, value)
	segment = strings.Trim(segment, ".")
	if segment == "" {
		return "unknown"
	}
	return segment
}
