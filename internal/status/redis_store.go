package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	maxTxRetries = 20
	txBackoff    = 2 * time.Millisecond
)

// RedisStore keeps one JSON record per session under
// switchboard:status:<channel>:<session> and indexes the sessions of a
// channel in the set switchboard:status-index:<channel>. Updates are
// optimistic WATCH/MULTI transactions on the session key only, so
// activity on different conversations never conflicts.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "switchboard:", now: time.Now}
}

func (s *RedisStore) key(channelID, sessionID string) string {
	return s.prefix + "status:" + channelID + ":" + sessionID
}

func (s *RedisStore) indexKey(channelID string) string {
	return s.prefix + "status-index:" + channelID
}

func (s *RedisStore) Get(ctx context.Context, channelID, sessionID string) (Record, bool, error) {
	raw, err := s.client.Get(ctx, s.key(channelID, sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("get status: %w", err)
	}
	var r Record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Record{}, false, fmt.Errorf("decode status: %w", err)
	}
	return r, true, nil
}

func (s *RedisStore) List(ctx context.Context, channelID string) (map[string]Record, error) {
	sessions, err := s.client.SMembers(ctx, s.indexKey(channelID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	out := make(map[string]Record, len(sessions))
	if len(sessions) == 0 {
		return out, nil
	}
	keys := make([]string, len(sessions))
	for i, sessionID := range sessions {
		keys[i] = s.key(channelID, sessionID)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			continue
		}
		out[sessions[i]] = r
	}
	return out, nil
}

func (s *RedisStore) Set(ctx context.Context, channelID, sessionID, status, actor string) (Record, error) {
	if !Valid(status) {
		return Record{}, ErrInvalidStatus
	}
	return s.apply(ctx, channelID, sessionID, setStatus(status, actor, s.now().UTC()))
}

func (s *RedisStore) MarkRead(ctx context.Context, channelID, sessionID, actor string, at time.Time) (Record, error) {
	return s.apply(ctx, channelID, sessionID, markRead(actor, at, s.now().UTC()))
}

func (s *RedisStore) Touch(ctx context.Context, channelID, sessionID, direction string, at time.Time) (Record, error) {
	return s.apply(ctx, channelID, sessionID, touch(direction, at, s.now().UTC()))
}

func (s *RedisStore) ResolveIfIdle(ctx context.Context, channelID, sessionID string, cutoff time.Time, actor string) (bool, error) {
	_, err := s.apply(ctx, channelID, sessionID, resolveIdle(cutoff, actor, s.now().UTC()))
	if errors.Is(err, errNotIdle) {
		return false, nil
	}
	return err == nil, err
}

func (s *RedisStore) Delete(ctx context.Context, channelID, sessionID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(channelID, sessionID))
		pipe.SRem(ctx, s.indexKey(channelID), sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete status: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) apply(ctx context.Context, channelID, sessionID string, fn mutation) (Record, error) {
	key := s.key(channelID, sessionID)
	index := s.indexKey(channelID)
	var result Record
	txf := func(tx *redis.Tx) error {
		var current Record
		exists := true
		raw, err := tx.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			exists = false
		case err != nil:
			return err
		default:
			if err := json.Unmarshal([]byte(raw), &current); err != nil {
				exists = false
				current = Record{}
			}
		}

		next, err := fn(current, exists)
		if err != nil {
			return err
		}
		encoded, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode status: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			pipe.SAdd(ctx, index, sessionID)
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			// Another writer touched the same conversation; back off and
			// re-read.
			if err := sleepCtx(ctx, txBackoff*time.Duration(attempt+1)); err != nil {
				return Record{}, err
			}
			continue
		}
		if err != nil {
			if errors.Is(err, ErrInvalidStatus) || errors.Is(err, errNotIdle) {
				return Record{}, err
			}
			return Record{}, fmt.Errorf("update status: %w", err)
		}
		return result, nil
	}
	return Record{}, fmt.Errorf("update status: %w", redis.TxFailedErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
