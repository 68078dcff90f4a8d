package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"switchboard/internal/store"
)

// Store is the persistence the registry needs for dynamic channels.
type Store interface {
	ListChannels(ctx context.Context) ([]store.Channel, error)
	InsertChannel(ctx context.Context, ch store.Channel) error
	UpdateChannel(ctx context.Context, ch store.Channel) error
	ProvisionChannelTable(ctx context.Context, table string) error
}

type snapshot struct {
	all        []Channel
	byID       map[string]Channel
	byName     map[string]Channel
	byInstance map[string]Channel
	byTable    map[string]Channel
}

// Registry merges statically configured channels with the channels table.
// Reads use a snapshot that is reloaded once it is older than the ttl.
type Registry struct {
	static []Channel
	store  Store
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	current  *snapshot
	loadedAt time.Time

	refreshMu sync.Mutex
}

func NewRegistry(static []Channel, st Store, ttl time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		static: append([]Channel(nil), static...),
		store:  st,
		ttl:    ttl,
		logger: logger.With(slog.String("service", "channel")),
		now:    time.Now,
	}
	r.current = r.build(nil)
	return r
}

// Refresh reloads dynamic channels. On failure the previous snapshot stays
// in place.
func (r *Registry) Refresh(ctx context.Context) error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	if r.store == nil {
		r.mu.Lock()
		r.loadedAt = r.now()
		r.mu.Unlock()
		return nil
	}
	rows, err := r.store.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("refresh channels: %w", err)
	}
	dynamic := make([]Channel, 0, len(rows))
	for _, row := range rows {
		dynamic = append(dynamic, fromRow(row))
	}
	next := r.build(dynamic)

	r.mu.Lock()
	r.current = next
	r.loadedAt = r.now()
	r.mu.Unlock()
	return nil
}

// EnsureTables provisions message tables for static channels.
func (r *Registry) EnsureTables(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	for _, ch := range r.static {
		if err := r.store.ProvisionChannelTable(ctx, ch.Table); err != nil {
			return fmt.Errorf("ensure table for %s: %w", ch.ID, err)
		}
	}
	return nil
}

func (r *Registry) build(dynamic []Channel) *snapshot {
	merged := make(map[string]Channel, len(r.static)+len(dynamic))
	order := make([]string, 0, len(r.static)+len(dynamic))
	for _, list := range [][]Channel{r.static, dynamic} {
		for _, ch := range list {
			if _, ok := merged[ch.ID]; !ok {
				order = append(order, ch.ID)
			}
			merged[ch.ID] = ch
		}
	}

	snap := &snapshot{
		byID:       make(map[string]Channel, len(merged)),
		byName:     make(map[string]Channel, len(merged)),
		byInstance: make(map[string]Channel, len(merged)),
		byTable:    make(map[string]Channel, len(merged)),
	}
	for _, id := range order {
		ch := merged[id]
		if err := ValidateTable(ch.Table); err != nil {
			r.logger.Warn("skipping channel with invalid table", slog.String("channel_id", ch.ID), slog.String("table", ch.Table))
			continue
		}
		if owner, ok := snap.byTable[ch.Table]; ok {
			r.logger.Warn("skipping channel sharing a table", slog.String("channel_id", ch.ID), slog.String("owner", owner.ID))
			continue
		}
		snap.byID[ch.ID] = ch
		snap.byTable[ch.Table] = ch
		snap.all = append(snap.all, ch)
		if !ch.Active {
			continue
		}
		for _, key := range []string{normalizeName(ch.Name), normalizeName(ch.Slug)} {
			if _, taken := snap.byName[key]; !taken && key != "" {
				snap.byName[key] = ch
			}
		}
		if instance := strings.ToLower(strings.TrimSpace(ch.Instance)); instance != "" {
			if _, taken := snap.byInstance[instance]; !taken {
				snap.byInstance[instance] = ch
			}
		}
	}
	sort.SliceStable(snap.all, func(i, j int) bool {
		return strings.ToLower(snap.all[i].Name) < strings.ToLower(snap.all[j].Name)
	})
	return snap
}

func (r *Registry) snapshot(ctx context.Context) *snapshot {
	r.mu.RLock()
	snap, loadedAt := r.current, r.loadedAt
	r.mu.RUnlock()

	if r.ttl > 0 && r.now().Sub(loadedAt) < r.ttl {
		return snap
	}
	if err := r.Refresh(ctx); err != nil {
		r.logger.Warn("channel refresh failed, serving previous snapshot", slog.Any("error", err))
		r.mu.Lock()
		r.loadedAt = r.now()
		r.mu.Unlock()
		return snap
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

func (r *Registry) ByID(ctx context.Context, id string) (Channel, error) {
	if ch, ok := r.snapshot(ctx).byID[strings.TrimSpace(id)]; ok {
		return ch, nil
	}
	return Channel{}, fmt.Errorf("%w: %s", ErrUnknownChannel, id)
}

func (r *Registry) ByName(ctx context.Context, name string) (Channel, error) {
	if ch, ok := r.snapshot(ctx).byName[normalizeName(name)]; ok {
		return ch, nil
	}
	return Channel{}, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
}

// ByInstance resolves the messaging provider instance that delivered a webhook.
func (r *Registry) ByInstance(ctx context.Context, instance string) (Channel, error) {
	if ch, ok := r.snapshot(ctx).byInstance[strings.ToLower(strings.TrimSpace(instance))]; ok {
		return ch, nil
	}
	return Channel{}, fmt.Errorf("%w: instance %s", ErrUnknownChannel, instance)
}

func (r *Registry) ByTable(ctx context.Context, table string) (Channel, error) {
	if ch, ok := r.snapshot(ctx).byTable[table]; ok {
		return ch, nil
	}
	return Channel{}, fmt.Errorf("%w: table %s", ErrUnknownChannel, table)
}

// Resolve accepts an id or a human name.
func (r *Registry) Resolve(ctx context.Context, nameOrID string) (Channel, error) {
	snap := r.snapshot(ctx)
	if ch, ok := snap.byID[strings.TrimSpace(nameOrID)]; ok {
		return ch, nil
	}
	if ch, ok := snap.byName[normalizeName(nameOrID)]; ok {
		return ch, nil
	}
	return Channel{}, fmt.Errorf("%w: %s", ErrUnknownChannel, nameOrID)
}

func (r *Registry) TableFor(ctx context.Context, nameOrID string) (string, error) {
	ch, err := r.Resolve(ctx, nameOrID)
	if err != nil {
		return "", err
	}
	return ch.Table, nil
}

func (r *Registry) List(ctx context.Context, activeOnly bool) []Channel {
	all := r.snapshot(ctx).all
	out := make([]Channel, 0, len(all))
	for _, ch := range all {
		if activeOnly && !ch.Active {
			continue
		}
		out = append(out, ch)
	}
	return out
}

type CreateInput struct {
	Name     string
	Kind     string
	Instance string
}

// Create records a dynamic channel and provisions its message table.
func (r *Registry) Create(ctx context.Context, input CreateInput) (Channel, error) {
	if r.store == nil {
		return Channel{}, errors.New("channel store not configured")
	}
	name := strings.TrimSpace(input.Name)
	slug := Slugify(name)
	if slug == "" {
		return Channel{}, fmt.Errorf("%w: name is required", ErrInvalidChannel)
	}
	kind, ok := NormalizeKind(input.Kind)
	if !ok {
		return Channel{}, fmt.Errorf("%w: kind %q", ErrInvalidChannel, input.Kind)
	}
	ch := Channel{
		ID:       strings.ReplaceAll(slug, "_", "-"),
		Name:     name,
		Slug:     slug,
		Kind:     kind,
		Instance: strings.TrimSpace(input.Instance),
		Table:    TableName(slug),
		Active:   true,
		Source:   SourceDynamic,
	}
	if err := ValidateTable(ch.Table); err != nil {
		return Channel{}, err
	}
	if err := r.Refresh(ctx); err != nil {
		return Channel{}, err
	}
	if err := r.checkConflicts(ch); err != nil {
		return Channel{}, err
	}
	if err := r.store.InsertChannel(ctx, ch.row()); err != nil {
		return Channel{}, err
	}
	if err := r.Refresh(ctx); err != nil {
		r.logger.Warn("refresh after create failed", slog.Any("error", err))
	}
	r.logger.Info("channel created", slog.String("channel_id", ch.ID), slog.String("table", ch.Table))
	return ch, nil
}

func (r *Registry) checkConflicts(ch Channel) error {
	r.mu.RLock()
	snap := r.current
	r.mu.RUnlock()

	if _, ok := snap.byID[ch.ID]; ok {
		return fmt.Errorf("%w: id %s", ErrDuplicate, ch.ID)
	}
	if _, ok := snap.byTable[ch.Table]; ok {
		return fmt.Errorf("%w: table %s", ErrDuplicate, ch.Table)
	}
	if other, ok := snap.byName[normalizeName(ch.Name)]; ok && other.ID != ch.ID {
		return fmt.Errorf("%w: name %s", ErrDuplicate, ch.Name)
	}
	if instance := strings.ToLower(ch.Instance); instance != "" {
		if other, ok := snap.byInstance[instance]; ok && other.ID != ch.ID {
			return fmt.Errorf("%w: instance %s", ErrDuplicate, ch.Instance)
		}
	}
	return nil
}

type UpdateInput struct {
	Name     *string
	Kind     *string
	Instance *string
	Active   *bool
}

// Update changes a channel's metadata. Updating a static channel stores a
// dynamic override with the same id and table.
func (r *Registry) Update(ctx context.Context, id string, input UpdateInput) (Channel, error) {
	if r.store == nil {
		return Channel{}, errors.New("channel store not configured")
	}
	if err := r.Refresh(ctx); err != nil {
		return Channel{}, err
	}
	ch, err := r.ByID(ctx, id)
	if err != nil {
		return Channel{}, err
	}

	next := ch
	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return Channel{}, fmt.Errorf("%w: name is required", ErrInvalidChannel)
		}
		next.Name = name
	}
	if input.Kind != nil {
		kind, ok := NormalizeKind(*input.Kind)
		if !ok {
			return Channel{}, fmt.Errorf("%w: kind %q", ErrInvalidChannel, *input.Kind)
		}
		next.Kind = kind
	}
	if input.Instance != nil {
		next.Instance = strings.TrimSpace(*input.Instance)
	}
	if input.Active != nil {
		next.Active = *input.Active
	}

	r.mu.RLock()
	snap := r.current
	r.mu.RUnlock()
	if other, ok := snap.byName[normalizeName(next.Name)]; ok && other.ID != next.ID {
		return Channel{}, fmt.Errorf("%w: name %s", ErrDuplicate, next.Name)
	}
	if instance := strings.ToLower(next.Instance); instance != "" {
		if other, ok := snap.byInstance[instance]; ok && other.ID != next.ID {
			return Channel{}, fmt.Errorf("%w: instance %s", ErrDuplicate, next.Instance)
		}
	}

	if ch.Source == SourceStatic {
		err = r.store.InsertChannel(ctx, next.row())
	} else {
		err = r.store.UpdateChannel(ctx, next.row())
	}
	if err != nil {
		return Channel{}, err
	}
	next.Source = SourceDynamic
	if err := r.Refresh(ctx); err != nil {
		r.logger.Warn("refresh after update failed", slog.Any("error", err))
	}
	return next, nil
}

func (r *Registry) Deactivate(ctx context.Context, id string) (Channel, error) {
	inactive := false
	return r.Update(ctx, id, UpdateInput{Active: &inactive})
}
