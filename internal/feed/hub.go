package feed

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/market-broker/internal/model"
)

// Errors
var (
	ErrHubClosed       = errors.New("hub closed")
	ErrNotConnected    = errors.New("not connected")
	ErrAlreadyClosed   = errors.New("subscriber already closed")
	ErrStaleConnection = errors.New("no pong received, connection stale")
)

// HubConfig holds Hub settings.
type HubConfig struct {
	SendBuffer   int           // Queued events per subscriber
	WriteTimeout time.Duration // Per-frame write deadline
	PingInterval time.Duration // Keepalive ping period; reads time out after twice this
}

// DefaultHubConfig returns sensible defaults.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		SendBuffer:   64,
		WriteTimeout: 5 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// HubStats contains runtime statistics.
type HubStats struct {
	Subscribers int
	Published   int64
	Dropped     int64 // Subscribers disconnected for falling behind
}

// Hub fans broker events out to WebSocket subscribers.
type Hub struct {
	cfg      HubConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool
	wg     sync.WaitGroup

	published atomic.Int64
	dropped   atomic.Int64
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// NewHub creates a Hub.
func NewHub(cfg HubConfig, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultHubConfig()
	if cfg.SendBuffer < 1 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	return &Hub{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			// Observers are operators' tools, not browsers on other origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subs: make(map[*subscriber]struct{}),
	}
}

// Publish queues ev for every subscriber. It never blocks.
func (h *Hub) Publish(ev model.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("failed to encode event", "kind", ev.Kind, "error", err)
		return
	}
	h.published.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		select {
		case s.send <- data:
		default:
			h.dropped.Add(1)
			h.logger.Warn("event subscriber too slow, disconnecting", "remote", s.conn.RemoteAddr().String())
			s.close()
		}
	}
}

// ServeHTTP upgrades the request and streams events until the peer leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, ErrHubClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	s := &subscriber{
		conn: conn,
		send: make(chan []byte, h.cfg.SendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.subs[s] = struct{}{}
	h.wg.Add(1)
	h.mu.Unlock()

	h.logger.Debug("event subscriber connected", "remote", conn.RemoteAddr().String())

	go h.readLoop(s)
	h.writeLoop(s)
}

// Stats returns current statistics.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	n := len(h.subs)
	h.mu.RUnlock()
	return HubStats{
		Subscribers: n,
		Published:   h.published.Load(),
		Dropped:     h.dropped.Load(),
	}
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for s := range h.subs {
		s.close()
	}
	h.mu.Unlock()

	h.wg.Wait()
}

// readLoop discards inbound frames; it exists to process control frames and
// notice when the peer goes away.
func (h *Hub) readLoop(s *subscriber) {
	defer s.close()

	s.conn.SetReadDeadline(time.Now().Add(2 * h.cfg.PingInterval))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(2 * h.cfg.PingInterval))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop owns all writes to the connection.
func (h *Hub) writeLoop(s *subscriber) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		h.mu.Lock()
		delete(h.subs, s)
		h.mu.Unlock()

		s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		s.conn.Close()
		h.wg.Done()
		h.logger.Debug("event subscriber disconnected", "remote", s.conn.RemoteAddr().String())
	}()

	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(h.cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				return
			}
		}
	}
}
