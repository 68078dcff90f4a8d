// Package status tracks where each conversation stands: unread, being
// handled, or resolved.
package status

import (
	"context"
	"errors"
	"time"

	"switchboard/internal/store"
)

const (
	Unread     = "unread"
	InProgress = "in_progress"
	Resolved   = "resolved"
)

var ErrInvalidStatus = errors.New("invalid conversation status")

func Valid(status string) bool {
	switch status {
	case Unread, InProgress, Resolved:
		return true
	}
	return false
}

type Record struct {
	Status         string    `json:"status"`
	UpdatedAt      time.Time `json:"updatedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	ReadAt         time.Time `json:"readAt"`
	UpdatedBy      string    `json:"updatedBy,omitempty"`
}

type Store interface {
	Get(ctx context.Context, channelID, sessionID string) (Record, bool, error)
	List(ctx context.Context, channelID string) (map[string]Record, error)
	Set(ctx context.Context, channelID, sessionID, status, actor string) (Record, error)
	MarkRead(ctx context.Context, channelID, sessionID, actor string, at time.Time) (Record, error)
	Touch(ctx context.Context, channelID, sessionID, direction string, at time.Time) (Record, error)
	Delete(ctx context.Context, channelID, sessionID string) error
	// ResolveIfIdle resolves the conversation only if it is still open and
	// its last activity is before cutoff.
	ResolveIfIdle(ctx context.Context, channelID, sessionID string, cutoff time.Time, actor string) (bool, error)
}

// mutation is applied to the current record (zero with exists=false when
// there is none) and returns the record to store.
type mutation func(current Record, exists bool) (Record, error)

func setStatus(status, actor string, now time.Time) mutation {
	return func(r Record, _ bool) (Record, error) {
		if !Valid(status) {
			return r, ErrInvalidStatus
		}
		r.Status = status
		r.UpdatedAt = now
		r.UpdatedBy = actor
		return r, nil
	}
}

func markRead(actor string, at, now time.Time) mutation {
	return func(r Record, exists bool) (Record, error) {
		if at.After(r.ReadAt) {
			r.ReadAt = at
		}
		if !exists || r.Status == Unread {
			r.Status = InProgress
			r.UpdatedAt = now
			r.UpdatedBy = actor
		}
		return r, nil
	}
}

// touch applies message activity: a customer writing reopens the
// conversation, an agent replying picks it up.
func touch(direction string, at, now time.Time) mutation {
	return func(r Record, exists bool) (Record, error) {
		if at.After(r.LastActivityAt) {
			r.LastActivityAt = at
		}
		switch direction {
		case store.DirectionInbound:
			if !exists || r.Status == Resolved {
				r.Status = Unread
				r.UpdatedAt = now
				r.UpdatedBy = ""
			}
		case store.DirectionOutbound:
			if !exists || r.Status == Unread {
				r.Status = InProgress
				r.UpdatedAt = now
				r.UpdatedBy = ""
			}
		}
		return r, nil
	}
}

var errNotIdle = errors.New("conversation not idle")

func resolveIdle(cutoff time.Time, actor string, now time.Time) mutation {
	return func(r Record, exists bool) (Record, error) {
		if !exists || r.Status == Resolved || r.LastActivityAt.IsZero() || !r.LastActivityAt.Before(cutoff) {
			return r, errNotIdle
		}
		r.Status = Resolved
		r.UpdatedAt = now
		r.UpdatedBy = actor
		return r, nil
	}
}
