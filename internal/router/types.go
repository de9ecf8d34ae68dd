package router

import (
	"context"
	"net"

	"github.com/rickgao/market-broker/internal/broker"
	"github.com/rickgao/market-broker/internal/model"
)

// Service is the broker surface the router dispatches to.
type Service interface {
	Register(name, address string, datagramPort, streamPort int) (int, error)
	Deregister(name string) error
	Search(ctx context.Context, buyerRQ, buyer, item, description string, maxPrice int64) (broker.MatchOutcome, error)
	RecordOffer(searchID, seller, item string, price int64) error
	Negotiate(ctx context.Context, sender, rq, item string, counterPrice int64) error
	Accept(ctx context.Context, rq, item string, agreedPrice int64) error
	Refuse(ctx context.Context, rq, item string, counterPrice int64) error
	Buy(ctx context.Context, buyer, rq, item string, price int64) (model.Transaction, error)
	CancelSearch(ctx context.Context, sender, rq, item string) (string, error)
	Reset()

	// Identify names the registered participant sending from addr, or "".
	Identify(addr net.Addr) string
}

// Replier sends a datagram back to a message's sender.
type Replier interface {
	WriteTo(to net.Addr, data []byte) error
}

// Config holds configuration for the Router.
type Config struct {
	MaxInFlight int // Concurrent message handlers; the read loop waits when full
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		MaxInFlight: 4096,
	}
}

// Stats contains runtime statistics.
type Stats struct {
	MessagesReceived int64
	MessagesHandled  int64
	ParseErrors      int64
	UnknownMessages  int64
	Rejected         int64 // Handled with an ERROR or denial reply
	InFlight         int64
}
