package export

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"switchboard/internal/channel"
)

// DataStore loads what a report needs. The app layer implements it on top
// of the channel registry, the message tables and the status store.
type DataStore interface {
	GetConversation(ctx context.Context, channelID, sessionID string) (Conversation, error)
	ListTranscript(ctx context.Context, channelID, sessionID string) ([]Line, error)
}

// Printer turns a rendered HTML page into a PDF.
type Printer interface {
	PrintPDF(ctx context.Context, html string) ([]byte, error)
}

type Service struct {
	store   DataStore
	printer Printer
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates the export service. A nil printer uses headless Chrome.
func NewService(store DataStore, printer Printer, logger *slog.Logger) *Service {
	if printer == nil {
		printer = ChromePrinter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		printer: printer,
		logger:  logger.With(slog.String("service", "export")),
		now:     time.Now,
	}
}

func (s *Service) Report(ctx context.Context, req ReportRequest) (*Result, error) {
	loc := req.Location
	if loc == nil {
		loc = time.UTC
	}

	conv, err := s.store.GetConversation(ctx, req.ChannelID, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if conv.MessageCount == 0 {
		return nil, ErrContentUnavailable
	}

	data := ReportData{
		Conversation: conv,
		GeneratedAt:  s.now().In(loc),
		GeneratedBy:  req.GeneratedBy,
		Location:     loc,
	}
	if req.IncludeMessages {
		lines, err := s.store.ListTranscript(ctx, req.ChannelID, req.SessionID)
		if err != nil {
			return nil, fmt.Errorf("list transcript: %w", err)
		}
		data.Lines = lines
	}

	html, err := RenderReportHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	pdf, err := s.printer.PrintPDF(ctx, html)
	if err != nil {
		return nil, err
	}
	s.logger.Info("conversation report exported",
		slog.String("channel_id", req.ChannelID),
		slog.String("session_id", req.SessionID),
		slog.Int("lines", len(data.Lines)),
		slog.Int("bytes", len(pdf)),
	)
	return &Result{
		Data:     pdf,
		Filename: reportFilename(conv, data.GeneratedAt),
		MimeType: "application/pdf",
	}, nil
}

// reportFilename builds conversa-<channel>-<phone>-<yyyymmdd>.pdf.
func reportFilename(conv Conversation, at time.Time) string {
	parts := []string{"conversa"}
	if name := sanitizeFilename(conv.ChannelName); name != "" {
		parts = append(parts, name)
	}
	if phone := sanitizeFilename(conv.Phone); phone != "" {
		parts = append(parts, phone)
	}
	parts = append(parts, at.Format("20060102"))
	return strings.Join(parts, "-") + ".pdf"
}

func sanitizeFilename(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(channel.FoldAccents(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = false
			b.WriteRune(r)
		default:
			dash = true
		}
	}
	out := b.String()
	if len(out) > 40 {
		out = strings.TrimRight(out[:40], "-")
	}
	return out
}
