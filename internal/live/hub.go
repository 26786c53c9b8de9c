// Package live fans events out to browser sessions over websockets.
// Delivery is best-effort: a client that is busy or gone misses the event.
package live

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/relayhub/relayhub/internal/logs"
	"github.com/relayhub/relayhub/internal/metrics"
	"github.com/relayhub/relayhub/internal/protocol"
)

// Config holds websocket timing settings
type Config struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration // must exceed PingInterval
	WriteTimeout time.Duration
	CheckOrigin  func(r *http.Request) bool
}

// DefaultConfig returns default hub configuration
func DefaultConfig() Config {
	return Config{
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

type client struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	ready     atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) write(messageType int, data []byte, timeout time.Duration) error {
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteMessage(messageType, data)
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.ready.Store(false)
		close(c.done)
		c.conn.Close()
	})
}

// Hub is the registry of open live connections
type Hub struct {
	config   Config
	upgrader websocket.Upgrader
	log      *logrus.Entry
	mu       sync.RWMutex
	clients  map[*client]struct{}
}

// NewHub creates an empty hub
func NewHub(config Config) *Hub {
	return &Hub{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     config.CheckOrigin,
		},
		log:     logs.Component("live"),
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and registers the connection
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("Websocket upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, done: make(chan struct{})}
	c.ready.Store(true)
	h.add(c)

	go h.readLoop(c)
	go h.pingLoop(c)
}

// Count returns the number of open connections
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast serializes ev once and writes it to every ready connection.
// Busy connections are skipped; a failed write drops the connection.
func (h *Hub) Broadcast(ev protocol.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	h.mu.RLock()
	snapshot := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()

	for _, c := range snapshot {
		if !c.ready.Load() || !c.writeMu.TryLock() {
			continue
		}
		err := c.write(websocket.TextMessage, data, h.config.WriteTimeout)
		c.writeMu.Unlock()
		if err != nil {
			h.log.Debugf("Dropping live client: %v", err)
			h.remove(c)
		}
	}
	return nil
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.RLock()
	snapshot := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()

	for _, c := range snapshot {
		h.remove(c)
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.LiveClients.Inc()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if ok {
		metrics.LiveClients.Dec()
	}
	c.close()
}

// readLoop discards inbound frames and removes the client once the connection ends
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)

	c.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debugf("Live client read error: %v", err)
			}
			return
		}
	}
}

func (h *Hub) pingLoop(c *client) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.write(websocket.PingMessage, nil, h.config.WriteTimeout)
			c.writeMu.Unlock()
			if err != nil {
				h.remove(c)
				return
			}
		}
	}
}
