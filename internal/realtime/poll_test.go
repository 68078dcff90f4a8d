package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/store"
)

type fakePollStore struct {
	mu     sync.Mutex
	rows   []store.Message
	latest int64
	err    error
}

func (f *fakePollStore) LatestMessageID(context.Context, string) (int64, error) {
	return f.latest, f.err
}

func (f *fakePollStore) ListMessagesAfter(_ context.Context, _ string, afterID int64, limit int) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Message
	for _, row := range f.rows {
		if row.ID > afterID {
			out = append(out, row)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakePollStore) add(m store.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, m)
}

func TestPollSourceEmitsNewRowsOnly(t *testing.T) {
	st := &fakePollStore{rows: []store.Message{{ID: 1, SessionID: "old"}}, latest: 1}
	src := NewPollSource(st, 10*time.Millisecond, nil)

	var r recorder
	stop, err := src.Watch(context.Background(), "msgs_loja", r.fn)
	require.NoError(t, err)
	defer stop()

	st.add(store.Message{ID: 2, SessionID: "s1"})
	st.add(store.Message{ID: 3, SessionID: "s2"})

	require.Eventually(t, func() bool { return r.count() == 2 }, time.Second, 5*time.Millisecond)
	stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, int64(2), r.changes[0].ID)
	assert.Equal(t, OpInsert, r.changes[0].Op)
	assert.Equal(t, "msgs_loja", r.changes[1].Table)
	assert.Equal(t, "s2", r.changes[1].SessionID)
}

func TestPollSourceWatchFailsWhenTableUnreadable(t *testing.T) {
	src := NewPollSource(&fakePollStore{err: errors.New("relation does not exist")}, time.Second, nil)
	_, err := src.Watch(context.Background(), "msgs_missing", func(Change) {})
	assert.Error(t, err)
}

func TestManagerOverPollSource(t *testing.T) {
	st := &fakePollStore{}
	m := NewManager(NewPollSource(st, 10*time.Millisecond, nil), time.Minute, nil)
	defer m.Close()

	var r recorder
	unsub, err := m.Subscribe("msgs_loja", "a", r.fn)
	require.NoError(t, err)
	st.add(store.Message{ID: 1, SessionID: "s1"})
	require.Eventually(t, func() bool { return r.count() == 1 }, time.Second, 5*time.Millisecond)
	unsub()
	assert.Empty(t, m.Stats())
}
