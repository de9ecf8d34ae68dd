package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/market-broker/internal/model"
)

// SubscriberConfig holds Subscriber settings.
type SubscriberConfig struct {
	URL              string        // ws://host:port/ws/events
	BufferSize       int           // Decoded events held before dropping
	HandshakeTimeout time.Duration
	PongTimeout      time.Duration // Max silence before the connection is considered stale
}

// DefaultSubscriberConfig returns sensible defaults.
func DefaultSubscriberConfig() SubscriberConfig {
	return SubscriberConfig{
		BufferSize:       256,
		HandshakeTimeout: 10 * time.Second,
		PongTimeout:      90 * time.Second,
	}
}

// Subscriber reads broker events from a Hub.
type Subscriber struct {
	cfg    SubscriberConfig
	logger *slog.Logger

	conn *websocket.Conn

	// Output channels
	events chan model.Event
	errors chan error
	done   chan struct{}

	// State
	mu        sync.RWMutex
	connected bool
	closed    bool
	lastSeen  time.Time
}

// NewSubscriber creates an unconnected Subscriber.
func NewSubscriber(cfg SubscriberConfig, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = DefaultSubscriberConfig().BufferSize
	}
	return &Subscriber{
		cfg:    cfg,
		logger: logger,
		events: make(chan model.Event, cfg.BufferSize),
		errors: make(chan error, 1),
		done:   make(chan struct{}),
	}
}

// Connect dials the hub and starts reading.
func (s *Subscriber) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrAlreadyClosed
	}
	s.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.lastSeen = time.Now()
	s.mu.Unlock()

	// The hub pings; answer and note liveness.
	conn.SetPingHandler(func(data string) error {
		s.touch()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	go s.readLoop()

	s.logger.Debug("event feed connected", "url", s.cfg.URL)
	return nil
}

// Events returns decoded events.
func (s *Subscriber) Events() <-chan model.Event {
	return s.events
}

// Errors returns the terminal read error, if any.
func (s *Subscriber) Errors() <-chan error {
	return s.errors
}

// IsConnected returns the current connection state.
func (s *Subscriber) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Close closes the connection.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.connected = false
	conn := s.conn
	s.mu.Unlock()

	close(s.done)

	if conn != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return conn.Close()
	}
	return nil
}

func (s *Subscriber) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Subscriber) readLoop() {
	defer func() {
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
	}()

	for {
		if s.cfg.PongTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
					err = ErrStaleConnection
				}
				select {
				case s.errors <- err:
				default:
				}
			}
			return
		}
		s.touch()

		var ev model.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Warn("failed to decode event", "error", err)
			continue
		}

		select {
		case s.events <- ev:
		case <-s.done:
			return
		default:
			s.logger.Warn("event buffer full, dropping event", "kind", ev.Kind)
		}
	}
}

// LastSeen returns when the hub was last heard from.
func (s *Subscriber) LastSeen() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen
}
