package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/market-broker/internal/connection"
	"github.com/rickgao/market-broker/internal/model"
	"github.com/rickgao/market-broker/internal/protocol"
)

// Errors
var (
	ErrDenied     = errors.New("request denied")
	ErrBrokerSide = errors.New("broker error")
	ErrClosed     = errors.New("client closed")
)

// Config holds participant settings.
type Config struct {
	Name       string
	BrokerAddr string // host:port of the broker's datagram endpoint
	Host       string // Address advertised to the broker (default 127.0.0.1)

	DatagramAddr string // Local bind address; port 0 picks one
	StreamAddr   string

	Details model.PaymentDetails // Returned in INFORM_RES; Name defaults to Config.Name
	Buffer  int                  // Notification queue size
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Host:         "127.0.0.1",
		DatagramAddr: "127.0.0.1:0",
		StreamAddr:   "127.0.0.1:0",
		Buffer:       256,
	}
}

// Client is a registered buyer or seller.
type Client struct {
	cfg    Config
	logger *slog.Logger

	endpoint *connection.Endpoint
	listener *connection.Listener

	notes   chan protocol.Frame
	pending []protocol.Frame // Frames skipped by WaitFor
	pendMu  sync.Mutex

	rq       atomic.Int64
	informed atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Client. Call Start before use.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.DatagramAddr == "" {
		cfg.DatagramAddr = def.DatagramAddr
	}
	if cfg.StreamAddr == "" {
		cfg.StreamAddr = def.StreamAddr
	}
	if cfg.Buffer < 1 {
		cfg.Buffer = def.Buffer
	}
	if cfg.Details.Name == "" {
		cfg.Details.Name = cfg.Name
	}
	logger = logger.With("participant", cfg.Name)

	c := &Client{
		cfg:    cfg,
		logger: logger,
		notes:  make(chan protocol.Frame, cfg.Buffer),
	}

	dcfg := connection.DefaultDatagramConfig()
	dcfg.Addr = cfg.DatagramAddr
	c.endpoint = connection.NewEndpoint(dcfg, logger)

	lcfg := connection.DefaultListenerConfig()
	lcfg.Addr = cfg.StreamAddr
	c.listener = connection.NewListener(lcfg, connection.StreamHandlerFunc(c.handleStream), logger)
	return c
}

// Start binds both endpoints.
func (c *Client) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.endpoint.Open(ctx); err != nil {
		return err
	}
	if err := c.listener.Start(ctx); err != nil {
		c.endpoint.Close()
		return err
	}

	c.wg.Add(1)
	go c.readLoop()
	return nil
}

// Close releases both endpoints.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.listener.Stop(stopCtx)
	err := c.endpoint.Close()
	c.wg.Wait()
	return err
}

// Name returns the participant name.
func (c *Client) Name() string {
	return c.cfg.Name
}

// DatagramPort returns the bound datagram port.
func (c *Client) DatagramPort() int {
	return portOf(c.endpoint.Addr())
}

// StreamPort returns the bound reliable-channel port.
func (c *Client) StreamPort() int {
	return portOf(c.listener.Addr())
}

// Notifications returns every frame the broker sends. WaitFor reads from the
// same stream, so use one or the other.
func (c *Client) Notifications() <-chan protocol.Frame {
	return c.notes
}

// Informed returns how many INFORM_REQ this client has answered.
func (c *Client) Informed() int64 {
	return c.informed.Load()
}

// NextRQ returns a fresh request number.
func (c *Client) NextRQ() string {
	return strconv.FormatInt(c.rq.Add(1), 10)
}

// -----------------------------------------------------------------------------
// Requests
// -----------------------------------------------------------------------------

// Register registers this participant and returns its sequence number.
func (c *Client) Register(ctx context.Context) (int, error) {
	rq := c.NextRQ()
	msg := protocol.Register{
		RQ:           rq,
		Name:         c.cfg.Name,
		Address:      c.cfg.Host,
		DatagramPort: c.DatagramPort(),
		StreamPort:   c.StreamPort(),
	}
	if err := c.send(ctx, msg.Frame()); err != nil {
		return 0, err
	}

	f, err := c.WaitFor(ctx, func(f protocol.Frame) bool {
		switch f.Kind {
		case protocol.KindRegistered, protocol.KindRegisterDenied:
			return len(f.Fields) > 0 && f.Fields[0] == rq
		case protocol.KindError:
			return true
		}
		return false
	})
	if err != nil {
		return 0, err
	}
	switch f.Kind {
	case protocol.KindRegistered:
		m, err := protocol.DecodeRegistered(f)
		return m.Seq, err
	case protocol.KindRegisterDenied:
		return 0, fmt.Errorf("%w: %s", ErrDenied, f.String())
	}
	return 0, fmt.Errorf("%w: %s", ErrBrokerSide, f.String())
}

// Deregister removes this participant.
func (c *Client) Deregister(ctx context.Context) error {
	rq := c.NextRQ()
	if err := c.send(ctx, protocol.Deregister{RQ: rq, Name: c.cfg.Name}.Frame()); err != nil {
		return err
	}

	f, err := c.WaitFor(ctx, func(f protocol.Frame) bool {
		switch f.Kind {
		case protocol.KindDeregistered, protocol.KindDeregisterDenied:
			return len(f.Fields) > 0 && f.Fields[0] == rq
		case protocol.KindError:
			return true
		}
		return false
	})
	if err != nil {
		return err
	}
	if f.Kind != protocol.KindDeregistered {
		return fmt.Errorf("%w: %s", ErrDenied, f.String())
	}
	return nil
}

// LookingFor starts a search and returns its request number. The outcome
// arrives later as FOUND, NOT_AVAILABLE or ERROR.
func (c *Client) LookingFor(ctx context.Context, item, description string, maxPrice int64) (string, error) {
	rq := c.NextRQ()
	msg := protocol.LookingFor{RQ: rq, Buyer: c.cfg.Name, Item: item, Description: description, MaxPrice: maxPrice}
	return rq, c.send(ctx, msg.Frame())
}

// Offer answers a SEARCH.
func (c *Client) Offer(ctx context.Context, searchID, item string, price int64) error {
	return c.send(ctx, protocol.Offer{SearchID: searchID, Seller: c.cfg.Name, Item: item, Price: price}.Frame())
}

// Accept agrees to a NEGOTIATE at price.
func (c *Client) Accept(ctx context.Context, rq, item string, price int64) error {
	return c.send(ctx, protocol.ItemPrice{Kind: protocol.KindAccept, RQ: rq, Item: item, Price: price}.Frame())
}

// Refuse declines a NEGOTIATE.
func (c *Client) Refuse(ctx context.Context, rq, item string, price int64) error {
	return c.send(ctx, protocol.ItemPrice{Kind: protocol.KindRefuse, RQ: rq, Item: item, Price: price}.Frame())
}

// Buy confirms a FOUND item at its reserved price.
func (c *Client) Buy(ctx context.Context, rq, item string, price int64) error {
	return c.send(ctx, protocol.ItemPrice{Kind: protocol.KindBuy, RQ: rq, Item: item, Price: price}.Frame())
}

// Cancel abandons the search identified by rq.
func (c *Client) Cancel(ctx context.Context, rq, item string, price int64) error {
	return c.send(ctx, protocol.Cancel{RQ: rq, Item: item, Price: price, HasItem: true}.Frame())
}

// Reset clears all broker state and waits for the acknowledgement.
func (c *Client) Reset(ctx context.Context) error {
	if err := c.send(ctx, protocol.NewFrame(protocol.KindReset)); err != nil {
		return err
	}
	_, err := c.WaitFor(ctx, Kind(protocol.KindResetSuccess))
	return err
}

// SendRaw sends an arbitrary datagram to the broker.
func (c *Client) SendRaw(ctx context.Context, data []byte) error {
	return c.endpoint.Send(ctx, c.cfg.BrokerAddr, data)
}

func (c *Client) send(ctx context.Context, f protocol.Frame) error {
	c.logger.Debug("sending", "frame", f.String())
	return c.endpoint.Send(ctx, c.cfg.BrokerAddr, f.Bytes())
}

// -----------------------------------------------------------------------------
// Notifications
// -----------------------------------------------------------------------------

// Kind matches frames of one kind.
func Kind(k protocol.Kind) func(protocol.Frame) bool {
	return func(f protocol.Frame) bool { return f.Kind == k }
}

// WaitFor returns the first notification matching match. Frames that do not
// match are kept for later calls, in order.
func (c *Client) WaitFor(ctx context.Context, match func(protocol.Frame) bool) (protocol.Frame, error) {
	c.pendMu.Lock()
	for i, f := range c.pending {
		if match(f) {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			c.pendMu.Unlock()
			return f, nil
		}
	}
	c.pendMu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return protocol.Frame{}, ctx.Err()
		case f, ok := <-c.notes:
			if !ok {
				return protocol.Frame{}, ErrClosed
			}
			if match(f) {
				return f, nil
			}
			c.pendMu.Lock()
			c.pending = append(c.pending, f)
			c.pendMu.Unlock()
		}
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer close(c.notes)

	for msg := range c.endpoint.Messages() {
		f, err := protocol.Parse(msg.Data)
		if err != nil {
			c.logger.Debug("ignoring unparseable datagram", "error", err)
			continue
		}
		c.deliver(f)
	}
}

func (c *Client) deliver(f protocol.Frame) {
	c.logger.Debug("received", "frame", f.String())
	select {
	case c.notes <- f:
	case <-c.ctx.Done():
	}
}

// handleStream answers the broker on the reliable channel.
func (c *Client) handleStream(_ context.Context, _ net.Addr, data []byte) []byte {
	f, err := protocol.Parse(data)
	if err != nil {
		return protocol.Error{Text: err.Error()}.Frame().Bytes()
	}

	switch f.Kind {
	case protocol.KindInformReq:
		if _, err := protocol.DecodeInformReq(f); err != nil {
			return protocol.Error{Text: err.Error()}.Frame().Bytes()
		}
		c.informed.Add(1)
		d := c.cfg.Details
		d.RQ = c.NextRQ()
		c.deliver(f)
		return protocol.InformRes(d).Frame().Bytes()
	case protocol.KindShippingInfo:
		c.deliver(f)
		return nil
	}
	c.deliver(f)
	return nil
}

func portOf(addr net.Addr) int {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.Port
	case *net.TCPAddr:
		return a.Port
	}
	return 0
}
