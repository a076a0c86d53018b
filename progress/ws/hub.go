// Package ws pushes progress messages to browser clients over websockets.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meigma/artifactcache/progress"
)

const (
	defaultBuffer = 64
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = pongWait * 9 / 10
)

// Hub fans progress messages out to connected clients. Each client has a
// bounded queue; a client whose queue is full is disconnected so a slow
// browser never stalls a transfer.
type Hub struct {
	mu       sync.Mutex
	clients  map[*client]struct{}
	closed   bool
	buffer   int
	replay   func() []progress.Message
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// Option configures a Hub.
type Option func(*Hub)

// WithBuffer sets the per-client queue length.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		h.buffer = n
	}
}

// WithReplay sets a function whose messages are sent to every client when
// it connects, before live messages.
func WithReplay(fn func() []progress.Message) Option {
	return func(h *Hub) {
		h.replay = fn
	}
}

// WithCheckOrigin sets the origin check used during the upgrade.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Hub) {
		h.upgrader.CheckOrigin = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = logger
	}
}

// NewHub creates a Hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		clients: make(map[*client]struct{}),
		buffer:  defaultBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.buffer < 1 {
		h.buffer = 1
	}
	return h
}

func (h *Hub) log() *slog.Logger {
	if h.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return h.logger
}

// Attach forwards every event of r to the hub's clients and replays r's
// state table to clients that connect later.
func (h *Hub) Attach(r *progress.Reporter) error {
	h.mu.Lock()
	if h.replay == nil {
		h.replay = func() []progress.Message {
			snap := r.Snapshot()
			out := make([]progress.Message, len(snap))
			for i, t := range snap {
				out[i] = progress.TransferMessage(t)
			}
			return out
		}
	}
	h.mu.Unlock()
	return r.Listen(func(e progress.Event) {
		h.Publish(progress.NewMessage(e))
	})
}

// Publish queues m for every client without blocking.
func (h *Hub) Publish(m progress.Message) {
	data, err := json.Marshal(m)
	if err != nil {
		h.log().Error("encode progress message", "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.log().Warn("dropping slow progress client", "remote", c.conn.RemoteAddr().String())
			h.removeLocked(c)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams messages until the client
// disconnects or the hub is closed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log().Debug("websocket upgrade failed", "error", err)
		return
	}
	c := &client{
		conn: conn,
		send: make(chan []byte, h.buffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	// The replay is queued and the client registered under one lock, so no
	// message published in between can be missed and catch-up state comes
	// first. Replay must not publish to the hub.
	if h.replay != nil {
		for _, m := range h.replay() {
			data, err := json.Marshal(m)
			if err != nil {
				continue
			}
			select {
			case c.send <- data:
			default:
			}
		}
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log().Debug("progress client connected", "remote", conn.RemoteAddr().String())

	go h.readPump(c)
	h.writePump(c)
}

// readPump discards client input and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log().Debug("progress client closed unexpectedly", "error", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.remove(c)
		_ = c.conn.Close()
	}()
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			// Flush what is already queued, then say goodbye.
			for {
				select {
				case data := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					_ = c.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
					return
				}
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	delete(h.clients, c)
	c.once.Do(func() { close(c.done) })
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}
