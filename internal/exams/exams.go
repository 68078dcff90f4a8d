// Package exams books exam appointments for customers of a channel.
package exams

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"switchboard/internal/channel"
	"switchboard/internal/contacts"
	"switchboard/internal/store"
)

const (
	StatusScheduled = "scheduled"
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
	StatusCompleted = "completed"

	DefaultDuration = 30 * time.Minute
	maxDuration     = 8 * time.Hour
	defaultWindow   = 30 * 24 * time.Hour
)

var (
	ErrSlotTaken          = store.ErrSlotTaken
	ErrPastSlot           = errors.New("appointment is in the past")
	ErrInvalidTransition  = errors.New("invalid appointment status transition")
	ErrInvalidAppointment = errors.New("invalid appointment")
	ErrNotFound           = errors.New("appointment not found")
)

type Appointment struct {
	ID              string    `json:"id"`
	ChannelID       string    `json:"channelId"`
	SessionID       string    `json:"sessionId,omitempty"`
	Phone           string    `json:"phone"`
	PatientName     string    `json:"patientName"`
	ExamType        string    `json:"examType"`
	ScheduledAt     time.Time `json:"scheduledAt"`
	DurationMinutes int       `json:"durationMinutes"`
	EndsAt          time.Time `json:"endsAt"`
	Status          string    `json:"status"`
	Notes           string    `json:"notes,omitempty"`
	CreatedBy       string    `json:"createdBy"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func fromRow(a store.ExamAppointment) Appointment {
	return Appointment{
		ID:              a.ID,
		ChannelID:       a.ChannelID,
		SessionID:       a.SessionID,
		Phone:           a.Phone,
		PatientName:     a.PatientName,
		ExamType:        a.ExamType,
		ScheduledAt:     a.ScheduledAt,
		DurationMinutes: int(a.Duration / time.Minute),
		EndsAt:          a.EndsAt(),
		Status:          a.Status,
		Notes:           a.Notes,
		CreatedBy:       a.CreatedBy,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

// Overlaps reports whether two live appointments of the same channel
// share any instant. Cancelled appointments never overlap.
func Overlaps(a, b store.ExamAppointment) bool {
	if a.ChannelID != b.ChannelID || a.ID == b.ID || a.Status == StatusCancelled || b.Status == StatusCancelled {
		return false
	}
	return a.ScheduledAt.Before(b.EndsAt()) && b.ScheduledAt.Before(a.EndsAt())
}

func terminal(status string) bool {
	return status == StatusCancelled || status == StatusCompleted
}

func validStatus(status string) bool {
	switch status {
	case StatusScheduled, StatusConfirmed, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}

type Store interface {
	GetAppointment(ctx context.Context, id string) (store.ExamAppointment, error)
	ListAppointments(ctx context.Context, channelID string, from, to time.Time) ([]store.ExamAppointment, error)
	ScheduleAppointment(ctx context.Context, a store.ExamAppointment) error
	RescheduleAppointment(ctx context.Context, a store.ExamAppointment) error
	UpdateAppointmentStatus(ctx context.Context, id, status, notes string) error
}

type ChannelLookup interface {
	ByID(ctx context.Context, id string) (channel.Channel, error)
}

type Service struct {
	store    Store
	channels ChannelLookup
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(st Store, channels ChannelLookup, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		channels: channels,
		logger:   logger.With(slog.String("service", "exams")),
		now:      time.Now,
	}
}

type ScheduleInput struct {
	ChannelID       string    `json:"channelId" validate:"required"`
	SessionID       string    `json:"sessionId"`
	Phone           string    `json:"phone"`
	PatientName     string    `json:"patientName" validate:"required,max=200"`
	ExamType        string    `json:"examType" validate:"required,max=120"`
	ScheduledAt     time.Time `json:"scheduledAt" validate:"required"`
	DurationMinutes int       `json:"durationMinutes" validate:"omitempty,min=5,max=480"`
	Notes           string    `json:"notes" validate:"max=2000"`
}

func duration(minutes int) (time.Duration, error) {
	if minutes == 0 {
		return DefaultDuration, nil
	}
	d := time.Duration(minutes) * time.Minute
	if d < 5*time.Minute || d > maxDuration {
		return 0, fmt.Errorf("%w: duration must be between 5 and %d minutes", ErrInvalidAppointment, int(maxDuration/time.Minute))
	}
	return d, nil
}

func (s *Service) Schedule(ctx context.Context, in ScheduleInput, actor string) (Appointment, error) {
	ch, err := s.channels.ByID(ctx, in.ChannelID)
	if err != nil {
		return Appointment{}, err
	}
	if !ch.Active {
		return Appointment{}, channel.ErrUnknownChannel
	}

	name := strings.TrimSpace(in.PatientName)
	examType := strings.TrimSpace(in.ExamType)
	if name == "" || examType == "" {
		return Appointment{}, fmt.Errorf("%w: patient name and exam type are required", ErrInvalidAppointment)
	}
	phone := contacts.NormalizePhone(in.Phone)
	if phone == "" {
		phone = contacts.NormalizePhone(in.SessionID)
	}
	if phone == "" {
		return Appointment{}, fmt.Errorf("%w: phone or session is required", ErrInvalidAppointment)
	}
	d, err := duration(in.DurationMinutes)
	if err != nil {
		return Appointment{}, err
	}
	at := in.ScheduledAt.UTC()
	if !at.After(s.now()) {
		return Appointment{}, ErrPastSlot
	}

	row := store.ExamAppointment{
		ID:          uuid.NewString(),
		ChannelID:   ch.ID,
		SessionID:   strings.TrimSpace(in.SessionID),
		Phone:       phone,
		PatientName: name,
		ExamType:    examType,
		ScheduledAt: at,
		Duration:    d,
		Status:      StatusScheduled,
		Notes:       strings.TrimSpace(in.Notes),
		CreatedBy:   actor,
	}
	if err := s.store.ScheduleAppointment(ctx, row); err != nil {
		return Appointment{}, err
	}
	s.logger.Info("appointment scheduled",
		slog.String("appointment_id", row.ID),
		slog.String("channel_id", row.ChannelID),
		slog.Time("scheduled_at", row.ScheduledAt))
	return s.Get(ctx, row.ID)
}

func (s *Service) Get(ctx context.Context, id string) (Appointment, error) {
	row, err := s.store.GetAppointment(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Appointment{}, ErrNotFound
	}
	if err != nil {
		return Appointment{}, fmt.Errorf("get appointment: %w", err)
	}
	return fromRow(row), nil
}

// List returns appointments starting in [from, to). A zero from means the
// start of today; a zero to means thirty days after from.
func (s *Service) List(ctx context.Context, channelID string, from, to time.Time) ([]Appointment, error) {
	if from.IsZero() {
		from = s.now().UTC().Truncate(24 * time.Hour)
	}
	if to.IsZero() {
		to = from.Add(defaultWindow)
	}
	if !to.After(from) {
		return nil, fmt.Errorf("%w: range end must be after start", ErrInvalidAppointment)
	}
	rows, err := s.store.ListAppointments(ctx, channelID, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]Appointment, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

// UpdateStatus moves an appointment forward. Cancelled and completed are
// final.
func (s *Service) UpdateStatus(ctx context.Context, id, status, notes, actor string) (Appointment, error) {
	if !validStatus(status) {
		return Appointment{}, fmt.Errorf("%w: unknown status %q", ErrInvalidAppointment, status)
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return Appointment{}, err
	}
	if current.Status == status {
		return current, nil
	}
	if terminal(current.Status) || status == StatusScheduled {
		return Appointment{}, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current.Status, status)
	}
	if err := s.store.UpdateAppointmentStatus(ctx, id, status, strings.TrimSpace(notes)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Appointment{}, ErrNotFound
		}
		return Appointment{}, err
	}
	s.logger.Info("appointment status changed",
		slog.String("appointment_id", id),
		slog.String("from", current.Status),
		slog.String("to", status),
		slog.String("actor", actor))
	return s.Get(ctx, id)
}

func (s *Service) Reschedule(ctx context.Context, id string, at time.Time, durationMinutes int, actor string) (Appointment, error) {
	current, err := s.store.GetAppointment(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Appointment{}, ErrNotFound
	}
	if err != nil {
		return Appointment{}, fmt.Errorf("get appointment: %w", err)
	}
	if terminal(current.Status) {
		return Appointment{}, fmt.Errorf("%w: %s appointments cannot be rescheduled", ErrInvalidTransition, current.Status)
	}
	if durationMinutes != 0 {
		d, err := duration(durationMinutes)
		if err != nil {
			return Appointment{}, err
		}
		current.Duration = d
	}
	at = at.UTC()
	if !at.After(s.now()) {
		return Appointment{}, ErrPastSlot
	}
	current.ScheduledAt = at
	if err := s.store.RescheduleAppointment(ctx, current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Appointment{}, ErrNotFound
		}
		return Appointment{}, err
	}
	s.logger.Info("appointment rescheduled",
		slog.String("appointment_id", id),
		slog.Time("scheduled_at", at),
		slog.String("actor", actor))
	return s.Get(ctx, id)
}
