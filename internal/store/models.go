package store

import (
	"encoding/json"
	"time"
)

type Agent struct {
	ID            string
	DisplayName   string
	Email         string
	PasswordHash  string
	Role          string
	DeactivatedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Channel struct {
	ID        string
	Name      string
	Slug      string
	Kind      string
	Instance  string
	Table     string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one row of a per-channel message table. The inline base64
// payload is only loaded by the media candidate query.
type Message struct {
	ID             int64
	SessionID      string
	Direction      string
	Sender         string
	Body           string
	MediaKind      string
	MediaMIME      string
	MediaURL       string
	MediaBase64    string
	HasInlineMedia bool
	ContactName    string
	ExternalID     string
	CreatedAt      time.Time
}

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"

	SenderCustomer = "customer"
	SenderAgent    = "agent"
	SenderBot      = "bot"
)

type MessageFilter struct {
	SessionID string
	Since     time.Time
	Limit     int
}

type MessageHit struct {
	Table   string
	Message Message
}

// MediaCandidate is a message row that may still hold an inline payload.
type MediaCandidate struct {
	ID          int64
	SessionID   string
	Body        string
	MediaBase64 string
	MediaMIME   string
	MediaKind   string
}

type MediaUpdate struct {
	URL       string
	MIME      string
	Kind      string
	ClearBody bool
}

type Contact struct {
	Phone       string
	DisplayName string
	UpdatedBy   string
	UpdatedAt   time.Time
}

type ExamAppointment struct {
	ID          string
	ChannelID   string
	SessionID   string
	Phone       string
	PatientName string
	ExamType    string
	ScheduledAt time.Time
	Duration    time.Duration
	Status      string
	Notes       string
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (a ExamAppointment) EndsAt() time.Time {
	return a.ScheduledAt.Add(a.Duration)
}

type AuditEntry struct {
	ID        int64
	Actor     string
	Action    string
	Entity    string
	EntityID  string
	Details   json.RawMessage
	CreatedAt time.Time
}

type MediaMigrationRun struct {
	ID         string
	Actor      string
	DryRun     bool
	Scanned    int
	Migrated   int
	Skipped    int
	Failed     int
	Bytes      int64
	StartedAt  time.Time
	FinishedAt time.Time
}
