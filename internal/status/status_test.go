package status

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/store"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(client),
	}
}

func TestTouchTransitions(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			r, err := st.Touch(ctx, "loja", "s1", store.DirectionInbound, t0)
			require.NoError(t, err)
			assert.Equal(t, Unread, r.Status)
			assert.Equal(t, t0, r.LastActivityAt)

			r, err = st.Touch(ctx, "loja", "s1", store.DirectionOutbound, t0.Add(time.Minute))
			require.NoError(t, err)
			assert.Equal(t, InProgress, r.Status)

			r, err = st.Touch(ctx, "loja", "s1", store.DirectionInbound, t0.Add(2*time.Minute))
			require.NoError(t, err)
			assert.Equal(t, InProgress, r.Status, "customer writing on an open conversation keeps it open")

			_, err = st.Set(ctx, "loja", "s1", Resolved, "agent-1")
			require.NoError(t, err)
			r, err = st.Touch(ctx, "loja", "s1", store.DirectionInbound, t0.Add(3*time.Minute))
			require.NoError(t, err)
			assert.Equal(t, Unread, r.Status, "customer writing again reopens")

			r, err = st.Touch(ctx, "loja", "s1", store.DirectionInbound, t0)
			require.NoError(t, err)
			assert.Equal(t, t0.Add(3*time.Minute), r.LastActivityAt, "activity never moves backwards")
		})
	}
}

func TestSetValidatesAndRecordsActor(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := st.Set(ctx, "loja", "s1", "archived", "agent-1")
			assert.ErrorIs(t, err, ErrInvalidStatus)

			r, err := st.Set(ctx, "loja", "s1", InProgress, "agent-1")
			require.NoError(t, err)
			assert.Equal(t, "agent-1", r.UpdatedBy)

			got, ok, err := st.Get(ctx, "loja", "s1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, InProgress, got.Status)

			_, ok, err = st.Get(ctx, "loja", "missing")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestMarkReadListAndDelete(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := st.Touch(ctx, "loja", "s1", store.DirectionInbound, t0)
			require.NoError(t, err)
			_, err = st.Touch(ctx, "loja", "s2", store.DirectionInbound, t0)
			require.NoError(t, err)
			_, err = st.Touch(ctx, "outra", "s3", store.DirectionInbound, t0)
			require.NoError(t, err)

			r, err := st.MarkRead(ctx, "loja", "s1", "agent-1", t0.Add(time.Minute))
			require.NoError(t, err)
			assert.Equal(t, InProgress, r.Status)
			assert.Equal(t, t0.Add(time.Minute), r.ReadAt)

			r, err = st.MarkRead(ctx, "loja", "s1", "agent-1", t0)
			require.NoError(t, err)
			assert.Equal(t, t0.Add(time.Minute), r.ReadAt)

			all, err := st.List(ctx, "loja")
			require.NoError(t, err)
			assert.Len(t, all, 2)
			assert.Equal(t, Unread, all["s2"].Status)

			require.NoError(t, st.Delete(ctx, "loja", "s2"))
			all, err = st.List(ctx, "loja")
			require.NoError(t, err)
			assert.Len(t, all, 1)
		})
	}
}

func TestSweeperResolvesIdleConversations(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := t0.Add(48 * time.Hour)

			_, _ = st.Touch(ctx, "loja", "idle", store.DirectionInbound, t0)
			_, _ = st.Touch(ctx, "loja", "recent", store.DirectionInbound, now.Add(-time.Hour))
			_, _ = st.Touch(ctx, "loja", "done", store.DirectionInbound, t0)
			_, _ = st.Set(ctx, "loja", "done", Resolved, "agent-1")
			_, _ = st.Touch(ctx, "outra", "idle2", store.DirectionOutbound, t0)

			sw := NewSweeper(st, func(context.Context) []string { return []string{"loja", "outra"} }, 24*time.Hour, nil)
			sw.now = func() time.Time { return now }

			count, err := sw.Sweep(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, count)

			r, _, _ := st.Get(ctx, "loja", "idle")
			assert.Equal(t, Resolved, r.Status)
			assert.Equal(t, AutoResolveActor, r.UpdatedBy)
			r, _, _ = st.Get(ctx, "loja", "recent")
			assert.Equal(t, Unread, r.Status)
			r, _, _ = st.Get(ctx, "loja", "done")
			assert.Equal(t, "agent-1", r.UpdatedBy)

			count, err = sw.Sweep(ctx)
			require.NoError(t, err)
			assert.Zero(t, count)
		})
	}
}

func TestResolveIfIdleSkipsFreshActivity(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _ = st.Touch(ctx, "loja", "s1", store.DirectionInbound, t0.Add(time.Hour))

			ok, err := st.ResolveIfIdle(ctx, "loja", "s1", t0, AutoResolveActor)
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = st.ResolveIfIdle(ctx, "loja", "missing", t0, AutoResolveActor)
			require.NoError(t, err)
			assert.False(t, ok)
			_, exists, _ := st.Get(ctx, "loja", "missing")
			assert.False(t, exists)
		})
	}
}

func TestRedisStoreKeysPerSession(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	st := NewRedisStore(client)

	_, err := st.Touch(context.Background(), "loja-centro", "s1", store.DirectionInbound, t0)
	require.NoError(t, err)
	assert.True(t, mr.Exists("switchboard:status:loja-centro:s1"))
	members, err := mr.Members("switchboard:status-index:loja-centro")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, members)

	require.NoError(t, st.Delete(context.Background(), "loja-centro", "s1"))
	assert.False(t, mr.Exists("switchboard:status:loja-centro:s1"))
	assert.False(t, mr.Exists("switchboard:status-index:loja-centro"))
}

func TestConcurrentTouchesOnOneChannelAllLand(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const n = 50
			var wg sync.WaitGroup
			errs := make(chan error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := st.Touch(ctx, "loja", fmt.Sprintf("s%d", i), store.DirectionInbound, t0)
					errs <- err
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				assert.NoError(t, err)
			}

			all, err := st.List(ctx, "loja")
			require.NoError(t, err)
			require.Len(t, all, n)
			for sessionID, r := range all {
				assert.Equal(t, Unread, r.Status, sessionID)
			}
		})
	}
}

func TestConcurrentTouchesOnOneSessionKeepLatestActivity(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const n = 8
			var wg sync.WaitGroup
			errs := make(chan error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := st.Touch(ctx, "loja", "s1", store.DirectionInbound, t0.Add(time.Duration(i)*time.Minute))
					errs <- err
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				assert.NoError(t, err)
			}

			r, ok, err := st.Get(ctx, "loja", "s1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, t0.Add((n-1)*time.Minute), r.LastActivityAt)
		})
	}
}
