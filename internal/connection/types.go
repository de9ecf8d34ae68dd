package connection

import (
	"errors"
	"net"
	"time"
)

// Errors
var (
	ErrNotConnected   = errors.New("not connected")
	ErrAlreadyClosed  = errors.New("already closed")
	ErrEmptyResponse  = errors.New("empty response")
	ErrFrameTooLarge  = errors.New("frame too large")
	ErrInvalidAddress = errors.New("invalid address")
)

// RawMessage is one inbound datagram handed to the router.
type RawMessage struct {
	Data       []byte    // Raw frame bytes
	From       net.Addr  // Sender's datagram address, used for direct replies
	ReceivedAt time.Time // Local timestamp when ReadFrom returned
}

// DatagramConfig configures the UDP endpoint.
type DatagramConfig struct {
	Addr           string        // host:port to bind
	ReadBufferSize int           // Max datagram size
	WriteTimeout   time.Duration // Write deadline for sends
	BufferSize     int           // Inbound message channel buffer size
}

// DefaultDatagramConfig returns sensible defaults.
func DefaultDatagramConfig() DatagramConfig {
	return DatagramConfig{
		Addr:           "127.0.0.1:5005",
		ReadBufferSize: 4096,
		WriteTimeout:   2 * time.Second,
		BufferSize:     1024,
	}
}

// StreamConfig configures outbound reliable-channel exchanges.
type StreamConfig struct {
	DialTimeout  time.Duration // Connect timeout when ctx has no deadline
	IOTimeout    time.Duration // Read/write deadline when ctx has no deadline
	MaxFrameSize int           // Longest accepted response frame
}

// DefaultStreamConfig returns sensible defaults.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		DialTimeout:  5 * time.Second,
		IOTimeout:    10 * time.Second,
		MaxFrameSize: 4096,
	}
}

// ListenerConfig configures the reliable-channel listener.
type ListenerConfig struct {
	Addr         string        // host:port to bind
	IdleTimeout  time.Duration // Connection closed after this long without a frame
	WriteTimeout time.Duration // Write deadline for replies
	MaxFrameSize int           // Longest accepted inbound frame
}

// DefaultListenerConfig returns sensible defaults.
func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		Addr:         "127.0.0.1:5006",
		IdleTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Second,
		MaxFrameSize: 4096,
	}
}
