// Package export renders a conversation transcript as a PDF report.
package export

import (
	"errors"
	"time"
)

// ReportRequest selects the conversation to export.
type ReportRequest struct {
	ChannelID       string
	SessionID       string
	IncludeMessages bool
	// Location is used for the timestamps printed in the report. UTC when nil.
	Location    *time.Location
	GeneratedBy string
}

// Conversation is the header section of the report.
type Conversation struct {
	ChannelName  string
	SessionID    string
	Phone        string
	DisplayName  string
	Status       string
	MessageCount int
	FirstAt      time.Time
	LastAt       time.Time
}

// Line is one transcript entry.
type Line struct {
	Direction string
	Sender    string
	Text      string
	MediaKind string
	MediaURL  string
	At        time.Time
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrContentUnavailable indicates the conversation has no messages to export.
	ErrContentUnavailable = errors.New("export content unavailable")
	// ErrPDFDependencyMissing indicates no Chromium binary could be found.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
