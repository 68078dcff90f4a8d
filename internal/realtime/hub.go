package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 64
)

type Message struct {
	Type      string  `json:"type"`
	ChannelID string  `json:"channelId"`
	Change    *Change `json:"change,omitempty"`
}

// Hub upgrades dashboard connections and streams their channel's changes.
type Hub struct {
	manager      *Manager
	upgrader     websocket.Upgrader
	logger       *slog.Logger
	pingInterval time.Duration

	mu      sync.Mutex
	clients map[string]*client
}

func NewHub(manager *Manager, allowedOrigin string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowedOrigin == "" || allowedOrigin == "*" || origin == "" || origin == allowedOrigin
			},
		},
		logger:       logger.With(slog.String("service", "realtime-hub")),
		pingInterval: pingInterval,
		clients:      make(map[string]*client),
	}
}

type client struct {
	id     string
	conn   *websocket.Conn
	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// push never blocks; a client that stops reading loses messages.
func (c *client) push(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Serve handles one websocket for channelID, whose messages live in table.
// The caller has already authenticated the request.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, channelID, table string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	c := &client{id: "ws-" + uuid.NewString(), conn: conn, send: make(chan []byte, sendBuffer)}
	logger := h.logger.With(slog.String("client_id", c.id), slog.String("channel_id", channelID))

	unsubscribe, err := h.manager.Subscribe(table, c.id, func(change Change) {
		payload, err := json.Marshal(Message{Type: "change", ChannelID: channelID, Change: &change})
		if err != nil {
			return
		}
		if !c.push(payload) {
			logger.Warn("dropping change for slow client", slog.Int64("id", change.ID))
		}
	})
	if err != nil {
		logger.Error("subscribe failed", slog.Any("error", err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	logger.Info("client connected")

	hello, _ := json.Marshal(Message{Type: "subscribed", ChannelID: channelID})
	c.push(hello)

	go h.writeLoop(c)
	h.readLoop(c, logger)

	unsubscribe()
	c.close()
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	logger.Info("client disconnected")
}

// readLoop discards client frames; it exists to process pongs and notice
// the connection closing.
func (h *Hub) readLoop(c *client, logger *slog.Logger) {
	pongWait := 2 * h.pingInterval
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Debug("websocket read ended", slog.Any("error", err))
			}
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
