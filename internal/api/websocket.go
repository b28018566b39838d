package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/querytrace/querytrace/internal/trace"
)

const (
	broadcastBuffer = 256
	clientBuffer    = 64

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 512
)

// newUpgrader creates a WebSocket upgrader. When allowAllOrigins is false,
// only same-origin requests are accepted (Origin header must match Host).
func newUpgrader(allowAllOrigins bool) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if allowAllOrigins {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients don't send Origin
			}
			return strings.Contains(origin, r.Host)
		},
	}
}

// feedMessage is one encoded broadcast plus what clients filter on.
type feedMessage struct {
	payload []byte
	traceID string
	slow    bool
}

// feedClient is one subscriber. ?trace_id= limits it to one trace and
// ?slow=true to slow-query sessions.
type feedClient struct {
	conn     *websocket.Conn
	send     chan []byte
	traceID  string
	slowOnly bool
}

func (c *feedClient) wants(m feedMessage) bool {
	if c.traceID != "" && c.traceID != m.traceID {
		return false
	}
	return !c.slowOnly || m.slow
}

// WebSocketHub fans persisted sessions out to connected clients. Broadcast
// never blocks; Run delivers queued messages and must be running for
// clients to receive anything. A client that cannot keep up is
// disconnected.
type WebSocketHub struct {
	mu       sync.Mutex
	clients  map[*feedClient]struct{}
	upgrader websocket.Upgrader
	logger   *slog.Logger

	broadcast chan feedMessage
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

// NewWebSocketHub creates a new WebSocket hub.
func NewWebSocketHub(logger *slog.Logger, allowAllOrigins bool) *WebSocketHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHub{
		clients:   make(map[*feedClient]struct{}),
		upgrader:  newUpgrader(allowAllOrigins),
		logger:    logger.With("component", "api.WebSocketHub"),
		broadcast: make(chan feedMessage, broadcastBuffer),
		done:      make(chan struct{}),
	}
}

// Run delivers broadcasts until Close.
func (h *WebSocketHub) Run() {
	for {
		select {
		case <-h.done:
			return
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// Close shuts down the hub and all connections.
func (h *WebSocketHub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.removeLocked(c)
	}
}

// HandleWebSocket upgrades an HTTP connection to WebSocket.
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	slowOnly, _ := strconv.ParseBool(q.Get("slow"))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &feedClient{
		conn:     conn,
		send:     make(chan []byte, clientBuffer),
		traceID:  q.Get("trace_id"),
		slowOnly: slowOnly,
	}

	h.mu.Lock()
	select {
	case <-h.done:
		h.mu.Unlock()
		_ = conn.Close()
		return
	default:
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("websocket client connected",
		"remote", conn.RemoteAddr(),
		"trace_id", c.traceID,
		"slow_only", c.slowOnly,
	)

	go h.writePump(c)
	go h.readPump(c)
}

// readPump discards client input and notices disconnects.
func (h *WebSocketHub) readPump(c *feedClient) {
	defer func() {
		h.remove(c)
		h.logger.Debug("websocket client disconnected", "remote", c.conn.RemoteAddr())
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump owns all writes to the connection.
func (h *WebSocketHub) writePump(c *feedClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("failed to write to websocket client", "error", err)
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// BroadcastPersisted queues a committed write for all clients. It matches
// backend.PersistFunc.
func (h *WebSocketHub) BroadcastPersisted(sess *trace.Session, events []*trace.Event) {
	if sess != nil {
		h.publish("session", map[string]interface{}{
			"session": sess,
			"events":  events,
		}, sess.ID, sess.SlowQuery)
		return
	}
	if len(events) > 0 {
		h.publish("events", events, events[0].SessionID, false)
	}
}

// Broadcast queues an untargeted message for all unfiltered clients.
// Messages are dropped when the hub is closed or its buffer is full.
func (h *WebSocketHub) Broadcast(kind string, data interface{}) {
	h.publish(kind, data, "", false)
}

func (h *WebSocketHub) publish(kind string, data interface{}, traceID string, slow bool) {
	payload, err := json.Marshal(map[string]interface{}{
		"type": kind,
		"data": data,
	})
	if err != nil {
		h.logger.Error("failed to marshal websocket message", "error", err)
		return
	}

	select {
	case <-h.done:
	case h.broadcast <- feedMessage{payload: payload, traceID: traceID, slow: slow}:
	default:
		h.dropped.Add(1)
	}
}

func (h *WebSocketHub) deliver(msg feedMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(msg) {
			continue
		}
		select {
		case c.send <- msg.payload:
		default:
			h.logger.Warn("websocket client too slow, disconnecting", "remote", c.conn.RemoteAddr())
			h.removeLocked(c)
		}
	}
}

func (h *WebSocketHub) remove(c *feedClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

// removeLocked must be called with mu held. Closing send stops the
// client's write pump, which closes the connection.
func (h *WebSocketHub) removeLocked(c *feedClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns how many broadcasts were discarded because the buffer
// was full.
func (h *WebSocketHub) Dropped() uint64 {
	return h.dropped.Load()
}
