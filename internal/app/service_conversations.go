package app

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"switchboard/internal/channel"
	"switchboard/internal/contacts"
	"switchboard/internal/conversation"
	"switchboard/internal/export"
	"switchboard/internal/media"
	"switchboard/internal/search"
	"switchboard/internal/status"
	"switchboard/internal/store"
)

// threadLimit caps how many rows of one session are loaded.
const threadLimit = 2000

type ConversationQuery struct {
	Status string
	Since  time.Time
	Limit  int
}

type MessageView struct {
	ID             int64     `json:"id"`
	SessionID      string    `json:"sessionId"`
	Direction      string    `json:"direction"`
	Sender         string    `json:"sender"`
	Body           string    `json:"body"`
	MediaKind      string    `json:"mediaKind,omitempty"`
	MediaMIME      string    `json:"mediaMime,omitempty"`
	MediaURL       string    `json:"mediaUrl,omitempty"`
	HasInlineMedia bool      `json:"hasInlineMedia"`
	ContactName    string    `json:"contactName,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// messageView hides payloads still stored inline in the body.
func messageView(m store.Message) MessageView {
	view := MessageView{
		ID:             m.ID,
		SessionID:      m.SessionID,
		Direction:      m.Direction,
		Sender:         m.Sender,
		Body:           m.Body,
		MediaKind:      m.MediaKind,
		MediaMIME:      m.MediaMIME,
		MediaURL:       m.MediaURL,
		HasInlineMedia: m.HasInlineMedia,
		ContactName:    m.ContactName,
		CreatedAt:      m.CreatedAt,
	}
	if media.IsBase64(m.Body) {
		view.Body = ""
		view.HasInlineMedia = true
		if view.MediaKind == "" {
			view.MediaKind = string(media.KindOf(media.DetectMIME(m.Body)))
		}
	}
	return view
}

type ConversationDetail struct {
	Summary  conversation.Summary `json:"summary"`
	Messages []MessageView        `json:"messages"`
}

func (s *Service) ListChannels(ctx context.Context, includeInactive bool) []channel.Channel {
	return s.channels.List(ctx, !includeInactive)
}

// ListConversations folds the recent rows of a channel table into one
// summary per session.
func (s *Service) ListConversations(ctx context.Context, channelID string, q ConversationQuery) ([]conversation.Summary, error) {
	if q.Status != "" && !status.Valid(q.Status) {
		return nil, status.ErrInvalidStatus
	}
	ch, err := s.channels.ByID(ctx, channelID)
	if err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, ch.Table, store.MessageFilter{Since: q.Since, Limit: q.Limit})
	if err != nil {
		return nil, err
	}

	opts := conversation.ReduceOptions{
		ReadMarkers: map[string]time.Time{},
		Statuses:    map[string]string{},
	}
	records, err := s.statuses.List(ctx, ch.ID)
	if err != nil {
		s.logger.Warn("status list failed", slog.String("channel_id", ch.ID), slog.Any("error", err))
	}
	for sessionID, record := range records {
		opts.Statuses[sessionID] = record.Status
		if !record.ReadAt.IsZero() {
			opts.ReadMarkers[sessionID] = record.ReadAt
		}
	}

	seen := make(map[string]struct{})
	phones := make([]string, 0)
	for _, m := range messages {
		if _, ok := seen[m.SessionID]; ok || m.SessionID == "" {
			continue
		}
		seen[m.SessionID] = struct{}{}
		phones = append(phones, conversation.PhoneFromSession(m.SessionID))
	}
	opts.Names = s.contactNames(ctx, phones)

	summaries := conversation.Reduce(messages, opts)
	if q.Status == "" {
		return summaries, nil
	}
	filtered := summaries[:0]
	for _, summary := range summaries {
		if summary.Status == q.Status {
			filtered = append(filtered, summary)
		}
	}
	return filtered, nil
}

func (s *Service) contactNames(ctx context.Context, phones []string) map[string]string {
	if s.contacts == nil || len(phones) == 0 {
		return nil
	}
	names, err := s.contacts.Names(ctx, phones)
	if err != nil {
		s.logger.Warn("contact names failed", slog.Any("error", err))
	}
	return names
}

// loadThread returns one session's messages in order with its summary. The
// summary is nil when the session has no messages.
func (s *Service) loadThread(ctx context.Context, ch channel.Channel, sessionID string) ([]store.Message, *conversation.Summary, error) {
	messages, err := s.store.ListMessages(ctx, ch.Table, store.MessageFilter{SessionID: sessionID, Limit: threadLimit})
	if err != nil {
		return nil, nil, err
	}
	thread := conversation.Thread(messages, sessionID)
	if len(thread) == 0 {
		return thread, nil, nil
	}

	var opts conversation.ReduceOptions
	record, ok, err := s.statuses.Get(ctx, ch.ID, sessionID)
	switch {
	case err != nil:
		s.logger.Warn("status lookup failed", slog.String("channel_id", ch.ID), slog.Any("error", err))
	case ok:
		opts.Statuses = map[string]string{sessionID: record.Status}
		if !record.ReadAt.IsZero() {
			opts.ReadMarkers = map[string]time.Time{sessionID: record.ReadAt}
		}
	}
	opts.Names = s.contactNames(ctx, []string{conversation.PhoneFromSession(sessionID)})

	summaries := conversation.Reduce(thread, opts)
	if len(summaries) == 0 {
		return thread, nil, nil
	}
	return thread, &summaries[0], nil
}

func (s *Service) GetConversation(ctx context.Context, channelID, sessionID string) (ConversationDetail, error) {
	ch, err := s.channels.ByID(ctx, channelID)
	if err != nil {
		return ConversationDetail{}, err
	}
	thread, summary, err := s.loadThread(ctx, ch, sessionID)
	if err != nil {
		return ConversationDetail{}, err
	}
	if summary == nil {
		return ConversationDetail{}, notFound("Conversation not found")
	}
	detail := ConversationDetail{Summary: *summary, Messages: make([]MessageView, 0, len(thread))}
	for _, m := range thread {
		detail.Messages = append(detail.Messages, messageView(m))
	}
	return detail, nil
}

func (s *Service) SetStatus(ctx context.Context, session Session, channelID, sessionID, value string) (status.Record, error) {
	if !status.Valid(value) {
		return status.Record{}, status.ErrInvalidStatus
	}
	ch, err := s.channels.ByID(ctx, channelID)
	if err != nil {
		return status.Record{}, err
	}
	record, err := s.statuses.Set(ctx, ch.ID, sessionID, value, session.AgentName)
	if err != nil {
		return status.Record{}, err
	}
	s.audit(ctx, session.AgentID, "conversation.status", "conversation", ch.ID+"/"+sessionID, map[string]any{"status": value})
	return record, nil
}

func (s *Service) MarkRead(ctx context.Context, session Session, channelID, sessionID string) (status.Record, error) {
	ch, err := s.channels.ByID(ctx, channelID)
	if err != nil {
		return status.Record{}, err
	}
	return s.statuses.MarkRead(ctx, ch.ID, sessionID, session.AgentName, s.now())
}

func (s *Service) UpdateContact(ctx context.Context, session Session, phone, displayName string) (store.Contact, error) {
	if s.contacts == nil {
		return store.Contact{}, domainError(http.StatusServiceUnavailable, "CONTACTS_UNAVAILABLE", "Contacts not configured", nil)
	}
	contact, err := s.contacts.Upsert(ctx, phone, displayName, session.AgentID)
	if err != nil {
		return store.Contact{}, err
	}
	s.audit(ctx, session.AgentID, "contact.update", "contact", contact.Phone, map[string]any{"displayName": contact.DisplayName})
	return contact, nil
}

func (s *Service) Report(ctx context.Context, session Session, channelID, sessionID string, includeMessages bool) (*export.Result, error) {
	ch, err := s.channels.ByID(ctx, channelID)
	if err != nil {
		return nil, err
	}
	return s.reports.Report(ctx, export.ReportRequest{
		ChannelID:       ch.ID,
		SessionID:       sessionID,
		IncludeMessages: includeMessages,
		Location:        s.location,
		GeneratedBy:     session.AgentName,
	})
}

type SearchInput struct {
	Text      string
	ChannelID string
	Direction string
	Limit     int
	Offset    int
}

// Search looks in one channel, or in every active channel when none is
// given.
func (s *Service) Search(ctx context.Context, in SearchInput) (search.Response, error) {
	text := strings.TrimSpace(in.Text)
	if s.search == nil || text == "" {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	var targets []search.Target
	if in.ChannelID != "" {
		ch, err := s.channels.ByID(ctx, in.ChannelID)
		if err != nil {
			return search.Response{}, err
		}
		targets = append(targets, search.Target{ChannelID: ch.ID, Table: ch.Table})
	} else {
		targets = s.searchTargets(ctx)
	}
	return s.search.Search(ctx, search.Query{
		Text:      text,
		Targets:   targets,
		Direction: in.Direction,
		Limit:     in.Limit,
		Offset:    in.Offset,
	}), nil
}

func (s *Service) searchTargets(ctx context.Context) []search.Target {
	active := s.channels.List(ctx, true)
	targets := make([]search.Target, 0, len(active))
	for _, ch := range active {
		targets = append(targets, search.Target{ChannelID: ch.ID, Table: ch.Table})
	}
	return targets
}

// Reindex rebuilds the search index from every active channel table.
func (s *Service) Reindex(ctx context.Context, loader search.MessageLoader) (int, error) {
	if s.search == nil {
		return 0, nil
	}
	return s.search.Reindex(ctx, loader, s.searchTargets(ctx))
}

// reportSource feeds the PDF export from the message tables.
type reportSource struct {
	svc *Service
}

func (r reportSource) GetConversation(ctx context.Context, channelID, sessionID string) (export.Conversation, error) {
	ch, err := r.svc.channels.ByID(ctx, channelID)
	if err != nil {
		return export.Conversation{}, err
	}
	thread, summary, err := r.svc.loadThread(ctx, ch, sessionID)
	if err != nil {
		return export.Conversation{}, err
	}
	conv := export.Conversation{
		ChannelName: ch.Name,
		SessionID:   sessionID,
		Phone:       contacts.FormatPhone(sessionID),
	}
	if summary == nil {
		return conv, nil
	}
	conv.DisplayName = summary.DisplayName
	conv.Status = summary.Status
	conv.MessageCount = len(thread)
	conv.FirstAt = thread[0].CreatedAt
	conv.LastAt = thread[len(thread)-1].CreatedAt
	return conv, nil
}

func (r reportSource) ListTranscript(ctx context.Context, channelID, sessionID string) ([]export.Line, error) {
	ch, err := r.svc.channels.ByID(ctx, channelID)
	if err != nil {
		return nil, err
	}
	thread, _, err := r.svc.loadThread(ctx, ch, sessionID)
	if err != nil {
		return nil, err
	}
	lines := make([]export.Line, 0, len(thread))
	for _, m := range thread {
		view := messageView(m)
		text := strings.TrimSpace(view.Body)
		if text == "" {
			text = conversation.Preview(m)
		}
		lines = append(lines, export.Line{
			Direction: m.Direction,
			Sender:    m.Sender,
			Text:      text,
			MediaKind: view.MediaKind,
			MediaURL:  m.MediaURL,
			At:        m.CreatedAt,
		})
	}
	return lines, nil
}
