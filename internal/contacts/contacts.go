// Package contacts maps phone numbers to the names agents see.
package contacts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"switchboard/internal/cache"
	"switchboard/internal/store"
)

var ErrInvalidPhone = errors.New("invalid phone number")

type Store interface {
	GetContact(ctx context.Context, phone string) (store.Contact, error)
	ListContacts(ctx context.Context, phones []string) ([]store.Contact, error)
	UpsertContact(ctx context.Context, c store.Contact) error
}

// NormalizePhone reduces a phone number or WhatsApp JID to its digits,
// without the international "00" or "+" prefix.
func NormalizePhone(s string) string {
	s = strings.TrimSpace(s)
	if at := strings.IndexByte(s, '@'); at >= 0 {
		s = s[:at]
	}
	if colon := strings.IndexByte(s, ':'); colon >= 0 {
		s = s[:colon]
	}
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if strings.HasPrefix(digits, "00") {
		digits = digits[2:]
	}
	return digits
}

// FormatPhone is the fallback display name for a number nobody has named.
func FormatPhone(phone string) string {
	digits := NormalizePhone(phone)
	if digits == "" {
		return ""
	}
	return "+" + digits
}

// Resolver answers display names from the contacts table, caching both hits
// and misses. A cached miss is stored as "".
type Resolver struct {
	store  Store
	cache  *cache.Cache[string, string]
	logger *slog.Logger
}

func NewResolver(st Store, ttl time.Duration, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:  st,
		cache:  cache.New[string, string](ttl),
		logger: logger.With(slog.String("service", "contacts")),
	}
}

// DisplayName resolves the saved contact name, then hint (usually the push
// name from the latest message), then the formatted number.
func (r *Resolver) DisplayName(ctx context.Context, phoneOrSession, hint string) string {
	phone := NormalizePhone(phoneOrSession)
	if phone == "" {
		return strings.TrimSpace(hint)
	}
	if name := r.lookup(ctx, phone); name != "" {
		return name
	}
	if hint = strings.TrimSpace(hint); hint != "" {
		return hint
	}
	return FormatPhone(phone)
}

func (r *Resolver) lookup(ctx context.Context, phone string) string {
	if name, ok := r.cache.Get(phone); ok {
		return name
	}
	contact, err := r.store.GetContact(ctx, phone)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		r.cache.Set(phone, "")
		return ""
	case err != nil:
		r.logger.Warn("contact lookup failed", slog.String("phone", phone), slog.Any("error", err))
		return ""
	}
	name := strings.TrimSpace(contact.DisplayName)
	r.cache.Set(phone, name)
	return name
}

// Names returns saved names keyed by normalized phone. Numbers without a
// saved name are absent from the result.
func (r *Resolver) Names(ctx context.Context, phones []string) (map[string]string, error) {
	out := make(map[string]string, len(phones))
	var missing []string
	seen := make(map[string]struct{}, len(phones))
	for _, raw := range phones {
		phone := NormalizePhone(raw)
		if phone == "" {
			continue
		}
		if _, dup := seen[phone]; dup {
			continue
		}
		seen[phone] = struct{}{}
		if name, ok := r.cache.Get(phone); ok {
			if name != "" {
				out[phone] = name
			}
			continue
		}
		missing = append(missing, phone)
	}
	if len(missing) == 0 {
		return out, nil
	}

	rows, err := r.store.ListContacts(ctx, missing)
	if err != nil {
		return out, fmt.Errorf("list contacts: %w", err)
	}
	found := make(map[string]string, len(rows))
	for _, row := range rows {
		found[row.Phone] = strings.TrimSpace(row.DisplayName)
	}
	for _, phone := range missing {
		name := found[phone]
		r.cache.Set(phone, name)
		if name != "" {
			out[phone] = name
		}
	}
	return out, nil
}

func (r *Resolver) Upsert(ctx context.Context, phone, displayName, actor string) (store.Contact, error) {
	normalized := NormalizePhone(phone)
	if len(normalized) < 8 || len(normalized) > 15 {
		return store.Contact{}, ErrInvalidPhone
	}
	contact := store.Contact{
		Phone:       normalized,
		DisplayName: strings.TrimSpace(displayName),
		UpdatedBy:   actor,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := r.store.UpsertContact(ctx, contact); err != nil {
		return store.Contact{}, err
	}
	r.cache.Delete(normalized)
	return contact, nil
}
