package connection

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"
)

// WriteFrame writes data as one newline-terminated frame.
func WriteFrame(w io.Writer, data []byte) error {
	data = bytes.TrimRight(data, "\r\n")
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame of at most maxSize bytes. A peer that closes the
// connection without a trailing newline still yields its final frame.
func ReadFrame(r *bufio.Reader, maxSize int) ([]byte, error) {
	var frame []byte
	for {
		chunk, err := r.ReadSlice('\n')
		frame = append(frame, chunk...)
		if maxSize > 0 && len(frame) > maxSize+1 {
			return nil, ErrFrameTooLarge
		}
		switch {
		case err == nil:
			return bytes.TrimRight(frame, "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(frame) > 0:
			return bytes.TrimRight(frame, "\r\n"), nil
		default:
			return nil, err
		}
	}
}

// StreamClient runs outbound reliable-channel exchanges. Each exchange uses
// its own connection.
type StreamClient struct {
	cfg    StreamConfig
	logger *slog.Logger
}

// NewStreamClient creates a StreamClient.
func NewStreamClient(cfg StreamConfig, logger *slog.Logger) *StreamClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamClient{cfg: cfg, logger: logger}
}

// Exchange connects to addr, writes req and returns the first response frame.
func (c *StreamClient) Exchange(ctx context.Context, addr string, req []byte) ([]byte, error) {
	conn, err := c.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("write %s: %w", addr, err)
	}

	resp, err := ReadFrame(bufio.NewReader(conn), c.cfg.MaxFrameSize)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read %s: %w", addr, ErrEmptyResponse)
		}
		return nil, fmt.Errorf("read %s: %w", addr, err)
	}
	if len(bytes.TrimSpace(resp)) == 0 {
		return nil, fmt.Errorf("read %s: %w", addr, ErrEmptyResponse)
	}

	c.logger.Debug("stream exchange complete", "addr", addr, "bytes", len(resp))
	return resp, nil
}

// Deliver connects to addr and writes one frame without waiting for a reply.
func (c *StreamClient) Deliver(ctx context.Context, addr string, data []byte) error {
	conn, err := c.dial(ctx, addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := WriteFrame(conn, data); err != nil {
		return fmt.Errorf("write %s: %w", addr, err)
	}
	return nil
}

// dial connects and applies the ctx deadline, or IOTimeout when ctx has none.
func (c *StreamClient) dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	deadline, ok := ctx.Deadline()
	if !ok && c.cfg.IOTimeout > 0 {
		deadline = time.Now().Add(c.cfg.IOTimeout)
	}
	if !deadline.IsZero() {
		conn.SetDeadline(deadline)
	}

	// Unblock reads and writes if ctx is canceled before the deadline.
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	return &stoppingConn{Conn: conn, stop: stop}, nil
}

// stoppingConn releases the ctx watcher on Close.
type stoppingConn struct {
	net.Conn
	stop func() bool
}

func (c *stoppingConn) Close() error {
	c.stop()
	return c.Conn.Close()
}
