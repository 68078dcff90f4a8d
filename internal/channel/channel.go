// Package channel maps support channels to their per-channel message tables.
package channel

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"switchboard/internal/store"
)

type Kind string

const (
	KindStore Kind = "store"
	KindAgent Kind = "agent"
)

type Source string

const (
	SourceStatic  Source = "static"
	SourceDynamic Source = "dynamic"
)

type Channel struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Kind      Kind      `json:"kind"`
	Instance  string    `json:"instance,omitempty"`
	Table     string    `json:"table"`
	Active    bool      `json:"active"`
	Source    Source    `json:"source"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

var (
	ErrUnknownChannel = errors.New("unknown channel")
	ErrInvalidTable   = store.ErrInvalidTable
	ErrDuplicate      = errors.New("channel already exists")
	ErrInvalidChannel = errors.New("invalid channel")
)

func NormalizeKind(kind string) (Kind, bool) {
	switch Kind(strings.ToLower(strings.TrimSpace(kind))) {
	case "", KindStore:
		return KindStore, true
	case KindAgent:
		return KindAgent, true
	default:
		return "", false
	}
}

func fromRow(row store.Channel) Channel {
	kind, ok := NormalizeKind(row.Kind)
	if !ok {
		kind = KindStore
	}
	return Channel{
		ID:        row.ID,
		Name:      row.Name,
		Slug:      row.Slug,
		Kind:      kind,
		Instance:  row.Instance,
		Table:     row.Table,
		Active:    row.Active,
		Source:    SourceDynamic,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
}

func (c Channel) row() store.Channel {
	return store.Channel{
		ID:       c.ID,
		Name:     c.Name,
		Slug:     c.Slug,
		Kind:     string(c.Kind),
		Instance: c.Instance,
		Table:    c.Table,
		Active:   c.Active,
	}
}

type staticFile struct {
	Channels []staticEntry `yaml:"channels"`
}

type staticEntry struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Instance string `yaml:"instance"`
	Table    string `yaml:"table"`
	Active   *bool  `yaml:"active"`
}

// LoadStatic reads the channel file. A missing file yields no channels.
func LoadStatic(path string) ([]Channel, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read channels file: %w", err)
	}
	return ParseStatic(content)
}

// ParseStatic decodes and validates a channel file. Duplicate ids, names,
// instances or tables are rejected.
func ParseStatic(content []byte) ([]Channel, error) {
	var file staticFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("parse channels file: %w", err)
	}

	seen := map[string]string{}
	claim := func(kind, key, id string) error {
		if key == "" {
			return nil
		}
		if owner, ok := seen[kind+":"+key]; ok {
			return fmt.Errorf("%w: %s %q used by %s and %s", ErrDuplicate, kind, key, owner, id)
		}
		seen[kind+":"+key] = id
		return nil
	}

	channels := make([]Channel, 0, len(file.Channels))
	for i, entry := range file.Channels {
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: entry %d has no name", ErrInvalidChannel, i)
		}
		slug := Slugify(name)
		if slug == "" {
			return nil, fmt.Errorf("%w: name %q has no usable characters", ErrInvalidChannel, name)
		}
		id := strings.TrimSpace(entry.ID)
		if id == "" {
			id = strings.ReplaceAll(slug, "_", "-")
		}
		kind, ok := NormalizeKind(entry.Kind)
		if !ok {
			return nil, fmt.Errorf("%w: channel %s has kind %q", ErrInvalidChannel, id, entry.Kind)
		}
		table := strings.TrimSpace(entry.Table)
		if table == "" {
			table = TableName(slug)
		}
		if err := ValidateTable(table); err != nil {
			return nil, fmt.Errorf("channel %s: %w: %q", id, err, table)
		}
		active := true
		if entry.Active != nil {
			active = *entry.Active
		}

		for _, c := range []struct{ kind, key string }{
			{"id", id},
			{"name", normalizeName(name)},
			{"instance", strings.ToLower(strings.TrimSpace(entry.Instance))},
			{"table", table},
		} {
			if err := claim(c.kind, c.key, id); err != nil {
				return nil, err
			}
		}

		channels = append(channels, Channel{
			ID:       id,
			Name:     name,
			Slug:     slug,
			Kind:     kind,
			Instance: strings.TrimSpace(entry.Instance),
			Table:    table,
			Active:   active,
			Source:   SourceStatic,
		})
	}
	return channels, nil
}
