package status

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore keeps statuses in process. Used when Redis is not configured;
// statuses do not survive a restart.
type MemoryStore struct {
	mu       sync.Mutex
	channels map[string]map[string]Record
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{channels: make(map[string]map[string]Record), now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, channelID, sessionID string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.channels[channelID][sessionID]
	return r, ok, nil
}

func (s *MemoryStore) List(_ context.Context, channelID string) (map[string]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Record, len(s.channels[channelID]))
	for id, r := range s.channels[channelID] {
		out[id] = r
	}
	return out, nil
}

func (s *MemoryStore) Set(_ context.Context, channelID, sessionID, status, actor string) (Record, error) {
	return s.apply(channelID, sessionID, setStatus(status, actor, s.now().UTC()))
}

func (s *MemoryStore) MarkRead(_ context.Context, channelID, sessionID, actor string, at time.Time) (Record, error) {
	return s.apply(channelID, sessionID, markRead(actor, at, s.now().UTC()))
}

func (s *MemoryStore) Touch(_ context.Context, channelID, sessionID, direction string, at time.Time) (Record, error) {
	return s.apply(channelID, sessionID, touch(direction, at, s.now().UTC()))
}

func (s *MemoryStore) ResolveIfIdle(_ context.Context, channelID, sessionID string, cutoff time.Time, actor string) (bool, error) {
	_, err := s.apply(channelID, sessionID, resolveIdle(cutoff, actor, s.now().UTC()))
	if errors.Is(err, errNotIdle) {
		return false, nil
	}
	return err == nil, err
}

func (s *MemoryStore) Delete(_ context.Context, channelID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels[channelID], sessionID)
	return nil
}

func (s *MemoryStore) apply(channelID, sessionID string, fn mutation) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, ok := s.channels[channelID]
	if !ok {
		records = make(map[string]Record)
		s.channels[channelID] = records
	}
	current, exists := records[sessionID]
	next, err := fn(current, exists)
	if err != nil {
		return current, err
	}
	records[sessionID] = next
	return next, nil
}
