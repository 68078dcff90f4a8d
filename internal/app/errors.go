package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"switchboard/internal/auth"
	"switchboard/internal/authpw"
	"switchboard/internal/channel"
	"switchboard/internal/contacts"
	"switchboard/internal/exams"
	"switchboard/internal/export"
	"switchboard/internal/ingest"
	"switchboard/internal/media"
	"switchboard/internal/status"
	"switchboard/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func notFound(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

func forbidden() *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

// mapError turns service errors into the HTTP error envelope.
func mapError(err error) (statusCode int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, channel.ErrUnknownChannel):
		return http.StatusNotFound, "UNKNOWN_CHANNEL", "Unknown channel", nil
	case errors.Is(err, exams.ErrNotFound), errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil
	case errors.Is(err, authpw.ErrDeactivated):
		return http.StatusForbidden, "AGENT_DEACTIVATED", "Agent is deactivated", nil
	case errors.Is(err, authpw.ErrInvalidResetToken):
		return http.StatusBadRequest, "INVALID_RESET_TOKEN", "Reset link is invalid or expired", nil
	case errors.Is(err, store.ErrSlotTaken):
		return http.StatusConflict, "SLOT_TAKEN", "The requested slot overlaps another appointment", nil
	case errors.Is(err, store.ErrEmailExists):
		return http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil
	case errors.Is(err, channel.ErrDuplicate):
		return http.StatusConflict, "CHANNEL_EXISTS", err.Error(), nil
	case errors.Is(err, exams.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil
	case errors.Is(err, status.ErrInvalidStatus),
		errors.Is(err, exams.ErrPastSlot),
		errors.Is(err, exams.ErrInvalidAppointment),
		errors.Is(err, contacts.ErrInvalidPhone),
		errors.Is(err, channel.ErrInvalidChannel),
		errors.Is(err, channel.ErrInvalidTable),
		errors.Is(err, authpw.ErrWeakPassword),
		errors.Is(err, authpw.ErrInvalidInput),
		errors.Is(err, ingest.ErrInvalidPayload):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, export.ErrContentUnavailable):
		return http.StatusNotFound, "CONTENT_UNAVAILABLE", "Conversation has no messages", nil
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "PDF rendering is not available on this server", nil
	case errors.Is(err, media.ErrStorageNotConfigured):
		return http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Object storage is not configured", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
