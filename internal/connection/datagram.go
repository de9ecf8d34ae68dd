package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Endpoint is a UDP socket shared by every datagram sender and receiver.
type Endpoint struct {
	cfg    DatagramConfig
	logger *slog.Logger

	conn net.PacketConn

	// Output channel
	messages chan RawMessage
	done     chan struct{}
	wg       sync.WaitGroup

	// State
	mu     sync.RWMutex
	open   bool
	closed bool
}

// NewEndpoint creates an unbound datagram endpoint.
func NewEndpoint(cfg DatagramConfig, logger *slog.Logger) *Endpoint {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = DefaultDatagramConfig().ReadBufferSize
	}

	return &Endpoint{
		cfg:      cfg,
		logger:   logger,
		messages: make(chan RawMessage, cfg.BufferSize),
		done:     make(chan struct{}),
	}
}

// Open binds the socket and starts the read loop.
func (e *Endpoint) Open(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrAlreadyClosed
	}

	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", e.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen udp %s: %w", e.cfg.Addr, err)
	}
	e.conn = conn
	e.open = true

	e.wg.Add(1)
	go e.readLoop()

	e.logger.Info("datagram endpoint listening", "addr", conn.LocalAddr().String())
	return nil
}

// Addr returns the bound address, or nil before Open.
func (e *Endpoint) Addr() net.Addr {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.conn == nil {
		return nil
	}
	return e.conn.LocalAddr()
}

// Close stops the read loop and closes the socket. The Messages channel is
// closed once the loop exits.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.open = false
	conn := e.conn
	e.mu.Unlock()

	close(e.done)

	var err error
	if conn != nil {
		err = conn.Close()
	}
	e.wg.Wait()
	return err
}

// Messages returns inbound datagrams.
func (e *Endpoint) Messages() <-chan RawMessage {
	return e.messages
}

// Send writes one datagram to addr (host:port).
func (e *Endpoint) Send(ctx context.Context, addr string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	to, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidAddress, addr, err)
	}
	return e.WriteTo(to, data)
}

// WriteTo writes one datagram to an already resolved address.
func (e *Endpoint) WriteTo(to net.Addr, data []byte) error {
	e.mu.RLock()
	conn, open := e.conn, e.open
	e.mu.RUnlock()

	if !open {
		return ErrNotConnected
	}
	if e.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(e.cfg.WriteTimeout))
	}
	_, err := conn.WriteTo(data, to)
	return err
}

// readLoop reads datagrams and sends them to the messages channel.
func (e *Endpoint) readLoop() {
	defer e.wg.Done()
	defer close(e.messages)

	buf := make([]byte, e.cfg.ReadBufferSize)
	for {
		n, from, err := e.conn.ReadFrom(buf)
		receivedAt := time.Now() // Capture timestamp immediately

		if err != nil {
			// Ignore errors after Close() is called
			select {
			case <-e.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			e.logger.Warn("datagram read failed", "error", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case e.messages <- RawMessage{Data: data, From: from, ReceivedAt: receivedAt}:
		case <-e.done:
			return
		default:
			e.logger.Warn("message buffer full, dropping datagram", "from", from.String())
		}
	}
}
