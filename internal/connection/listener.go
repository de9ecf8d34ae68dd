package connection

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// StreamHandler answers one inbound reliable-channel frame. A nil reply
// sends nothing.
type StreamHandler interface {
	HandleStream(ctx context.Context, remote net.Addr, frame []byte) []byte
}

// StreamHandlerFunc adapts a function to StreamHandler.
type StreamHandlerFunc func(ctx context.Context, remote net.Addr, frame []byte) []byte

func (f StreamHandlerFunc) HandleStream(ctx context.Context, remote net.Addr, frame []byte) []byte {
	return f(ctx, remote, frame)
}

// ListenerStats contains runtime statistics.
type ListenerStats struct {
	Accepted     int64
	Active       int64
	FramesServed int64
}

// Listener accepts reliable-channel connections. Each connection is served
// by its own goroutine until the peer closes it or it goes idle.
type Listener struct {
	cfg     ListenerConfig
	handler StreamHandler
	logger  *slog.Logger

	ln net.Listener

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	accepted atomic.Int64
	active   atomic.Int64
	served   atomic.Int64
}

// NewListener creates a Listener.
func NewListener(cfg ListenerConfig, handler StreamHandler, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and begins accepting.
func (l *Listener) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", l.cfg.Addr, err)
	}
	l.ln = ln
	l.ctx, l.cancel = context.WithCancel(ctx)

	l.wg.Add(1)
	go l.acceptLoop()

	l.logger.Info("stream listener started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Start.
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Stop closes the listener and every open connection.
func (l *Listener) Stop(ctx context.Context) error {
	l.logger.Info("stopping stream listener")

	if l.cancel != nil {
		l.cancel()
	}
	if l.ln != nil {
		l.ln.Close()
	}

	l.mu.Lock()
	for conn := range l.conns {
		conn.Close()
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.logger.Info("stream listener stopped")
		return nil
	case <-ctx.Done():
		l.logger.Warn("stream listener stop timed out")
		return ctx.Err()
	}
}

// Stats returns current statistics.
func (l *Listener) Stats() ListenerStats {
	return ListenerStats{
		Accepted:     l.accepted.Load(),
		Active:       l.active.Load(),
		FramesServed: l.served.Load(),
	}
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warn("stream accept failed", "error", err)
			continue
		}

		l.mu.Lock()
		l.conns[conn] = struct{}{}
		l.mu.Unlock()
		l.accepted.Add(1)

		l.wg.Add(1)
		go l.serve(conn)
	}
}

// serve reads frames until the peer closes, goes idle, or the listener stops.
func (l *Listener) serve(conn net.Conn) {
	l.active.Add(1)
	defer func() {
		l.mu.Lock()
		delete(l.conns, conn)
		l.mu.Unlock()
		conn.Close()
		l.active.Add(-1)
		l.wg.Done()
	}()

	remote := conn.RemoteAddr()
	l.logger.Debug("stream connection opened", "remote", remote.String())

	r := bufio.NewReader(conn)
	for {
		if l.cfg.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(l.cfg.IdleTimeout))
		}
		frame, err := ReadFrame(r, l.cfg.MaxFrameSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && l.ctx.Err() == nil {
				l.logger.Debug("stream connection closed", "remote", remote.String(), "error", err)
			}
			return
		}
		if len(frame) == 0 {
			continue
		}

		reply := l.handler.HandleStream(l.ctx, remote, frame)
		l.served.Add(1)
		if reply == nil {
			continue
		}
		if l.cfg.WriteTimeout > 0 {
			conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
		}
		if err := WriteFrame(conn, reply); err != nil {
			l.logger.Debug("stream reply failed", "remote", remote.String(), "error", err)
			return
		}
	}
}
