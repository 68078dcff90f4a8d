// Package conversation folds flat message rows into per-session summaries.
package conversation

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"switchboard/internal/contacts"
	"switchboard/internal/media"
	"switchboard/internal/store"
)

const previewRunes = 80

const (
	StatusUnread     = "unread"
	StatusInProgress = "in_progress"
	StatusResolved   = "resolved"
)

type Summary struct {
	SessionID     string    `json:"sessionId"`
	Phone         string    `json:"phone"`
	DisplayName   string    `json:"displayName"`
	LastMessage   string    `json:"lastMessage"`
	LastDirection string    `json:"lastDirection"`
	LastTime      time.Time `json:"lastTime"`
	MessageCount  int       `json:"messageCount"`
	UnreadCount   int       `json:"unreadCount"`
	Status        string    `json:"status"`
}

type ReduceOptions struct {
	// ReadMarkers holds the time an agent last opened each session.
	ReadMarkers map[string]time.Time
	// Statuses holds stored statuses by session. Sessions without one get a
	// status derived from their unread count.
	Statuses map[string]string
	// Names holds saved contact names keyed by normalized phone.
	Names map[string]string
}

type group struct {
	summary      Summary
	last         store.Message
	lastOutbound time.Time
	pushName     string
	pushNameAt   time.Time
	inbound      []time.Time
}

func before(a, b store.Message) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// Reduce groups messages by session. Messages without a session id are
// ignored.
func Reduce(messages []store.Message, opts ReduceOptions) []Summary {
	groups := make(map[string]*group)
	for _, msg := range messages {
		if msg.SessionID == "" {
			continue
		}
		g, ok := groups[msg.SessionID]
		if !ok {
			g = &group{summary: Summary{SessionID: msg.SessionID}, last: msg}
			groups[msg.SessionID] = g
		}
		g.summary.MessageCount++
		if before(g.last, msg) {
			g.last = msg
		}
		switch msg.Direction {
		case store.DirectionOutbound:
			if msg.CreatedAt.After(g.lastOutbound) {
				g.lastOutbound = msg.CreatedAt
			}
		default:
			g.inbound = append(g.inbound, msg.CreatedAt)
			if name := strings.TrimSpace(msg.ContactName); name != "" && !msg.CreatedAt.Before(g.pushNameAt) {
				g.pushName = name
				g.pushNameAt = msg.CreatedAt
			}
		}
	}

	out := make([]Summary, 0, len(groups))
	for sessionID, g := range groups {
		s := g.summary
		s.Phone = PhoneFromSession(sessionID)
		s.LastMessage = Preview(g.last)
		s.LastDirection = g.last.Direction
		s.LastTime = g.last.CreatedAt

		cutoff := g.lastOutbound
		if marker, ok := opts.ReadMarkers[sessionID]; ok && marker.After(cutoff) {
			cutoff = marker
		}
		for _, at := range g.inbound {
			if at.After(cutoff) {
				s.UnreadCount++
			}
		}

		s.Status = opts.Statuses[sessionID]
		switch {
		case s.Status == StatusResolved:
			s.UnreadCount = 0
		case s.Status == "" && s.UnreadCount > 0:
			s.Status = StatusUnread
		case s.Status == "":
			s.Status = StatusInProgress
		}

		s.DisplayName = displayName(s.Phone, g.pushName, opts.Names)
		out = append(out, s)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastTime.Equal(out[j].LastTime) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].LastTime.After(out[j].LastTime)
	})
	return out
}

func displayName(phone, pushName string, names map[string]string) string {
	if name := strings.TrimSpace(names[phone]); name != "" && phone != "" {
		return name
	}
	if pushName != "" {
		return pushName
	}
	return contacts.FormatPhone(phone)
}

// Thread returns the messages of one session in chronological order.
func Thread(messages []store.Message, sessionID string) []store.Message {
	out := make([]store.Message, 0)
	for _, msg := range messages {
		if msg.SessionID == sessionID {
			out = append(out, msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return before(out[i], out[j]) })
	return out
}

// Preview is the one-line text shown in the conversation list.
func Preview(msg store.Message) string {
	body := strings.TrimSpace(msg.Body)
	if body != "" && !media.IsBase64(body) {
		body = strings.Join(strings.Fields(body), " ")
		if utf8.RuneCountInString(body) <= previewRunes {
			return body
		}
		runes := []rune(body)
		return string(runes[:previewRunes-1]) + "…"
	}

	kind := msg.MediaKind
	if kind == "" {
		switch {
		case msg.MediaMIME != "":
			kind = string(media.KindOf(msg.MediaMIME))
		case body != "":
			kind = string(media.KindOf(media.DetectMIME(body)))
		case msg.HasInlineMedia || msg.MediaURL != "":
			kind = string(media.KindDocument)
		default:
			return ""
		}
	}
	return "[" + kind + "]"
}

// PhoneFromSession extracts the phone digits from a WhatsApp JID such as
// 5511999990000:3@s.whatsapp.net.
func PhoneFromSession(sessionID string) string {
	return contacts.NormalizePhone(sessionID)
}
