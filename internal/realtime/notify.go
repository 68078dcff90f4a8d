package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// NotifyChannel is the Postgres channel the message table triggers notify.
const NotifyChannel = "switchboard_changes"

type listenConn interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

type pgxListener struct {
	conn *pgx.Conn
}

func (l pgxListener) Listen(ctx context.Context, channel string) error {
	_, err := l.conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	return err
}

func (l pgxListener) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	return l.conn.WaitForNotification(ctx)
}

func (l pgxListener) Close(ctx context.Context) error {
	return l.conn.Close(ctx)
}

type notifyPayload struct {
	Table     string `json:"table"`
	Op        string `json:"op"`
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
}

// NotifySource holds one dedicated connection listening on NotifyChannel
// and hands each notification to the watchers of its table. Run keeps the
// connection alive, reconnecting with exponential backoff.
type NotifySource struct {
	connect    func(ctx context.Context) (listenConn, error)
	logger     *slog.Logger
	now        func() time.Time
	minBackoff time.Duration
	maxBackoff time.Duration

	mu       sync.RWMutex
	watchers map[string]map[int]Emit
	nextID   int
	ready    chan struct{}
	once     sync.Once
}

func NewNotifySource(databaseURL string, logger *slog.Logger) *NotifySource {
	connect := func(ctx context.Context) (listenConn, error) {
		conn, err := pgx.Connect(ctx, databaseURL)
		if err != nil {
			return nil, err
		}
		return pgxListener{conn: conn}, nil
	}
	return newNotifySource(connect, logger)
}

func newNotifySource(connect func(ctx context.Context) (listenConn, error), logger *slog.Logger) *NotifySource {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotifySource{
		connect:    connect,
		logger:     logger.With(slog.String("service", "realtime-notify")),
		now:        time.Now,
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
		watchers:   make(map[string]map[int]Emit),
		ready:      make(chan struct{}),
	}
}

// Ready is closed once the first LISTEN succeeded.
func (s *NotifySource) Ready() <-chan struct{} {
	return s.ready
}

func (s *NotifySource) Watch(_ context.Context, table string, emit Emit) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	if s.watchers[table] == nil {
		s.watchers[table] = make(map[int]Emit)
	}
	s.watchers[table][id] = emit
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers[table], id)
		if len(s.watchers[table]) == 0 {
			delete(s.watchers, table)
		}
	}, nil
}

// Run blocks until ctx is done.
func (s *NotifySource) Run(ctx context.Context) error {
	backoff := s.minBackoff
	for {
		connected, err := s.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = s.minBackoff
		}
		s.logger.Warn("listen connection lost", slog.Any("error", err), slog.Duration("retry_in", backoff))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

func (s *NotifySource) listen(ctx context.Context) (bool, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if err := conn.Listen(ctx, NotifyChannel); err != nil {
		return false, fmt.Errorf("listen: %w", err)
	}
	s.logger.Info("listening for changes", slog.String("channel", NotifyChannel))
	s.once.Do(func() { close(s.ready) })

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return true, err
		}
		s.dispatch(n.Payload)
	}
}

func (s *NotifySource) dispatch(payload string) {
	var p notifyPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil || p.Table == "" {
		s.logger.Debug("ignoring notification", slog.String("payload", payload))
		return
	}
	change := Change{Table: p.Table, Op: p.Op, ID: p.ID, SessionID: p.SessionID, At: s.now().UTC()}

	s.mu.RLock()
	emits := make([]Emit, 0, len(s.watchers[p.Table]))
	for _, emit := range s.watchers[p.Table] {
		emits = append(emits, emit)
	}
	s.mu.RUnlock()

	for _, emit := range emits {
		emit(change)
	}
}
