package media

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/store"
)

type fakeMessages struct {
	mu        sync.Mutex
	rows      map[string][]store.MediaCandidate
	updates   map[int64]store.MediaUpdate
	conflicts map[int64]bool
	listCalls int
}

func (f *fakeMessages) ListBase64Candidates(_ context.Context, table string, afterID int64, limit int) ([]store.MediaCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	var out []store.MediaCandidate
	for _, row := range f.rows[table] {
		if row.ID <= afterID {
			continue
		}
		if _, done := f.updates[row.ID]; done {
			continue
		}
		out = append(out, row)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeMessages) ReplaceInlineMedia(_ context.Context, _ string, id int64, update store.MediaUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conflicts[id] {
		return sql.ErrNoRows
	}
	if f.updates == nil {
		f.updates = map[int64]store.MediaUpdate{}
	}
	f.updates[id] = update
	return nil
}

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	failKey string
}

func (f *fakeObjects) Put(_ context.Context, key string, r io.Reader, size int64, contentType string) error {
	if f.failKey != "" && strings.Contains(key, f.failKey) {
		return errors.New("bucket unavailable")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return errors.New("size mismatch")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = map[string][]byte{}
		f.types = map[string]string{}
	}
	f.objects[key] = data
	f.types[key] = contentType
	return nil
}

func (f *fakeObjects) URL(key string) string {
	return "https://media.example.com/switchboard-media/" + key
}

type fakeRuns struct {
	runs []store.MediaMigrationRun
}

func (f *fakeRuns) InsertMediaRun(_ context.Context, run store.MediaMigrationRun) error {
	f.runs = append(f.runs, run)
	return nil
}

func sampleRows() map[string][]store.MediaCandidate {
	return map[string][]store.MediaCandidate{
		"msgs_loja_centro": {
			{ID: 1, SessionID: "5511999990000@s.whatsapp.net", MediaBase64: encodedPNG(200), MediaMIME: "image/png"},
			{ID: 2, SessionID: "5511999990000@s.whatsapp.net", Body: "data:application/pdf;base64," + encodedPNG(120)},
			{ID: 3, SessionID: "5511888880000", Body: "just a long text message that happens to be stored in the candidate list"},
			{ID: 4, SessionID: "5511888880000", MediaBase64: encodedPNG(4096)},
		},
	}
}

func TestMigratorUploadsAndRewritesRows(t *testing.T) {
	messages := &fakeMessages{rows: sampleRows()}
	objects := &fakeObjects{}
	runs := &fakeRuns{}
	m := NewMigrator(messages, objects, runs, nil)

	report, err := m.Run(context.Background(), MigrateOptions{
		Targets:   []Target{{ChannelID: "loja-centro", Table: "msgs_loja_centro"}},
		BatchSize: 2,
		MaxBytes:  1024,
		Actor:     "admin-1",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Channels)
	assert.Equal(t, 4, report.Scanned)
	assert.Equal(t, 2, report.Migrated)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, int64(200+120), report.Bytes)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, int64(4), report.Errors[0].MessageID)

	first := messages.updates[1]
	assert.Equal(t, "image/png", first.MIME)
	assert.Equal(t, "image", first.Kind)
	assert.False(t, first.ClearBody)
	assert.True(t, strings.HasPrefix(first.URL, "https://media.example.com/switchboard-media/loja-centro/5511999990000/"))
	assert.True(t, strings.HasSuffix(first.URL, ".png"))

	second := messages.updates[2]
	assert.Equal(t, "application/pdf", second.MIME)
	assert.Equal(t, "document", second.Kind)
	assert.True(t, second.ClearBody)

	assert.Len(t, objects.objects, 2)
	require.Len(t, runs.runs, 1)
	assert.Equal(t, report.RunID, runs.runs[0].ID)
	assert.Equal(t, "admin-1", runs.runs[0].Actor)
	assert.Equal(t, 2, runs.runs[0].Migrated)
}

func TestMigratorDryRunLeavesRowsAlone(t *testing.T) {
	messages := &fakeMessages{rows: sampleRows()}
	objects := &fakeObjects{}
	m := NewMigrator(messages, objects, nil, nil)

	report, err := m.Run(context.Background(), MigrateOptions{
		Targets: []Target{{ChannelID: "loja-centro", Table: "msgs_loja_centro"}},
		DryRun:  true,
	})
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, 3, report.Migrated)
	assert.Empty(t, messages.updates)
	assert.Empty(t, objects.objects)
}

func TestMigratorCountsUploadFailuresAndConflicts(t *testing.T) {
	messages := &fakeMessages{rows: sampleRows(), conflicts: map[int64]bool{2: true}}
	objects := &fakeObjects{failKey: "5511888880000"}
	m := NewMigrator(messages, objects, nil, nil)

	report, err := m.Run(context.Background(), MigrateOptions{
		Targets: []Target{{ChannelID: "loja-centro", Table: "msgs_loja_centro"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Migrated)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 1, report.Failed)
	_, rewritten := messages.updates[4]
	assert.False(t, rewritten)
}

func TestMigratorRequiresObjectStore(t *testing.T) {
	m := NewMigrator(&fakeMessages{}, nil, nil, nil)
	_, err := m.Run(context.Background(), MigrateOptions{Targets: []Target{{ChannelID: "a", Table: "msgs_a"}}})
	assert.Error(t, err)
}

func TestMigratorStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := NewMigrator(&fakeMessages{rows: sampleRows()}, &fakeObjects{}, nil, nil)
	report, err := m.Run(ctx, MigrateOptions{Targets: []Target{{ChannelID: "loja-centro", Table: "msgs_loja_centro"}}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, report.Scanned)
}

func TestObjectKeyIsContentAddressed(t *testing.T) {
	a := ObjectKey("loja-centro", "5511999990000@s.whatsapp.net", []byte("hello"), "image/jpeg")
	b := ObjectKey("loja-centro", "5511999990000@s.whatsapp.net", []byte("hello"), "image/jpeg")
	assert.Equal(t, a, b)
	assert.Equal(t, "loja-centro/5511999990000/2cf2/2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824.jpg", a)
	assert.Equal(t, "unknown/x_y/", ObjectKey("", "x/y", []byte("z"), "image/png")[:len("unknown/x_y/")])
}
