package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"switchboard/internal/cache"
)

// DefaultDedupWindow is how long a delivered (table, op, id) is remembered.
const DefaultDedupWindow = time.Minute

var ErrClosed = errors.New("realtime manager closed")

type subscription struct {
	emit  Emit
	token uint64
}

// tableWatch is inserted before its Watch call returns; ready closes once
// stop or err is set.
type tableWatch struct {
	stop        func()
	err         error
	ready       chan struct{}
	subscribers map[string]subscription
}

// Manager shares one Source watch per table among all subscribers of that
// table.
type Manager struct {
	source Source
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	tables map[string]*tableWatch
	token  uint64
	closed bool

	dedupMu sync.Mutex
	recent  *cache.Cache[string, struct{}]
}

func NewManager(source Source, dedupWindow time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if dedupWindow <= 0 {
		dedupWindow = DefaultDedupWindow
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		source: source,
		logger: logger.With(slog.String("service", "realtime")),
		ctx:    ctx,
		cancel: cancel,
		tables: make(map[string]*tableWatch),
		recent: cache.New[string, struct{}](dedupWindow),
	}
}

// Subscribe registers fn for changes on table. Subscribing again with the
// same subscriberID replaces the previous callback. The returned function
// removes this subscription; the watch stops with the last subscriber.
func (m *Manager) Subscribe(table, subscriberID string, fn Emit) (func(), error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.token++
	token := m.token
	tw, ok := m.tables[table]
	if !ok {
		tw = &tableWatch{ready: make(chan struct{}), subscribers: make(map[string]subscription)}
		m.tables[table] = tw
	}
	tw.subscribers[subscriberID] = subscription{emit: fn, token: token}
	m.mu.Unlock()

	if !ok {
		m.startWatch(table, tw)
	} else {
		<-tw.ready
	}
	if tw.err != nil {
		return nil, tw.err
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(table, subscriberID, token) })
	}, nil
}

// startWatch runs the source Watch without holding m.mu, so deliveries on
// other tables are not held up by a slow source.
func (m *Manager) startWatch(table string, tw *tableWatch) {
	stop, err := m.source.Watch(m.ctx, table, func(c Change) { m.deliver(table, c) })

	m.mu.Lock()
	current := m.tables[table] == tw
	switch {
	case err != nil:
		tw.err = fmt.Errorf("watch %s: %w", table, err)
		if current {
			delete(m.tables, table)
		}
	case m.closed:
		tw.err = ErrClosed
	case current:
		tw.stop = stop
		m.logger.Debug("watch started", slog.String("table", table))
	}
	m.mu.Unlock()
	close(tw.ready)

	// Closed or emptied while the watch was starting.
	if err == nil && (tw.err != nil || !current) {
		stop()
	}
}

func (m *Manager) unsubscribe(table, subscriberID string, token uint64) {
	m.mu.Lock()
	tw, ok := m.tables[table]
	if !ok {
		m.mu.Unlock()
		return
	}
	if sub, ok := tw.subscribers[subscriberID]; ok && sub.token == token {
		delete(tw.subscribers, subscriberID)
	}
	var stop func()
	if len(tw.subscribers) == 0 {
		delete(m.tables, table)
		stop = tw.stop
	}
	m.mu.Unlock()

	// Sources may wait for an in-flight delivery, which takes m.mu. A nil
	// stop means the watch is still starting; startWatch stops it.
	if stop != nil {
		stop()
		m.logger.Debug("watch stopped", slog.String("table", table))
	}
}

func (m *Manager) deliver(table string, c Change) {
	if c.Table == "" {
		c.Table = table
	}
	if c.ID != 0 {
		key := c.Table + "|" + c.Op + "|" + strconv.FormatInt(c.ID, 10)
		m.dedupMu.Lock()
		_, seen := m.recent.Get(key)
		if !seen {
			m.recent.Set(key, struct{}{})
		}
		m.dedupMu.Unlock()
		if seen {
			return
		}
	}

	m.mu.RLock()
	tw, ok := m.tables[table]
	var emits []Emit
	if ok {
		emits = make([]Emit, 0, len(tw.subscribers))
		for _, sub := range tw.subscribers {
			emits = append(emits, sub.emit)
		}
	}
	m.mu.RUnlock()

	for _, emit := range emits {
		emit(c)
	}
}

type TableStats struct {
	Table       string `json:"table"`
	Subscribers int    `json:"subscribers"`
}

func (m *Manager) Stats() []TableStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TableStats, 0, len(m.tables))
	for table, tw := range m.tables {
		out = append(out, TableStats{Table: table, Subscribers: len(tw.subscribers)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Table < out[j].Table })
	return out
}

// Close stops every watch. Later Subscribe calls return ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	stops := make([]func(), 0, len(m.tables))
	for _, tw := range m.tables {
		if tw.stop != nil {
			stops = append(stops, tw.stop)
		}
	}
	m.tables = make(map[string]*tableWatch)
	m.mu.Unlock()

	m.cancel()
	for _, stop := range stops {
		stop()
	}
}
