// Package search finds messages across channel tables, through Meilisearch
// when it is reachable and Postgres otherwise.
package search

import (
	"strconv"
	"strings"
	"time"

	"switchboard/internal/media"
	"switchboard/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID          string    `json:"id"`
	ChannelID   string    `json:"channelId"`
	SessionID   string    `json:"sessionId"`
	MessageID   int64     `json:"messageId"`
	Direction   string    `json:"direction"`
	ContactName string    `json:"contactName,omitempty"`
	Snippet     string    `json:"snippet"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Target is a channel the query may look in.
type Target struct {
	ChannelID string
	Table     string
}

// Query describes a search request.
type Query struct {
	Text      string
	Targets   []Target
	Direction string // empty = both
	Limit     int
	Offset    int
}

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > 100 {
		return 20
	}
	return q.Limit
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Engine  string   `json:"engine"`
}

// MessageRecord is the data we index for a message.
type MessageRecord struct {
	ID          string `json:"id"`
	ChannelID   string `json:"channelId"`
	SessionID   string `json:"sessionId"`
	MessageID   int64  `json:"messageId"`
	Direction   string `json:"direction"`
	Body        string `json:"body"`
	ContactName string `json:"contactName"`
	CreatedAt   int64  `json:"createdAt"`
}

func RecordID(channelID string, messageID int64) string {
	return channelID + "-" + strconv.FormatInt(messageID, 10)
}

// NewRecord returns false for messages with nothing searchable: media
// without a caption, or a body that is itself an encoded payload.
func NewRecord(channelID string, m store.Message) (MessageRecord, bool) {
	if strings.TrimSpace(m.Body) == "" || media.IsBase64(m.Body) {
		return MessageRecord{}, false
	}
	return MessageRecord{
		ID:          RecordID(channelID, m.ID),
		ChannelID:   channelID,
		SessionID:   m.SessionID,
		MessageID:   m.ID,
		Direction:   m.Direction,
		Body:        m.Body,
		ContactName: m.ContactName,
		CreatedAt:   m.CreatedAt.Unix(),
	}, true
}
