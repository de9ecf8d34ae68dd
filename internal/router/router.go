package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rickgao/market-broker/internal/broker"
	"github.com/rickgao/market-broker/internal/connection"
	"github.com/rickgao/market-broker/internal/metrics"
	"github.com/rickgao/market-broker/internal/protocol"
)

// handler processes one decoded frame from sender (nil when unknown). A reply
// with an empty Kind sends nothing.
type handler func(ctx context.Context, from net.Addr, f protocol.Frame) (protocol.Frame, error)

// Router dispatches inbound datagrams to the broker.
type Router struct {
	cfg     Config
	svc     Service
	replier Replier
	logger  *slog.Logger

	// Input from the datagram endpoint
	input <-chan connection.RawMessage

	handlers map[protocol.Kind]handler
	sem      chan struct{}

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Stats
	received    atomic.Int64
	handled     atomic.Int64
	parseErrors atomic.Int64
	unknown     atomic.Int64
	rejected    atomic.Int64
	inFlight    atomic.Int64
}

// New creates a Router.
func New(cfg Config, svc Service, input <-chan connection.RawMessage, replier Replier, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultConfig().MaxInFlight
	}

	r := &Router{
		cfg:     cfg,
		svc:     svc,
		replier: replier,
		logger:  logger,
		input:   input,
		sem:     make(chan struct{}, cfg.MaxInFlight),
	}
	r.handlers = map[protocol.Kind]handler{
		protocol.KindRegister:   r.handleRegister,
		protocol.KindDeregister: r.handleDeregister,
		protocol.KindLookingFor: r.handleLookingFor,
		protocol.KindOffer:      r.handleOffer,
		protocol.KindNegotiate:  r.handleNegotiate,
		protocol.KindAccept:     r.handleAccept,
		protocol.KindRefuse:     r.handleRefuse,
		protocol.KindBuy:        r.handleBuy,
		protocol.KindCancel:     r.handleCancel,
		protocol.KindReset:      r.handleReset,
	}
	return r
}

// Start begins routing messages.
func (r *Router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.routeLoop()

	r.logger.Info("message router started", "max_in_flight", r.cfg.MaxInFlight)
	return nil
}

// Stop cancels in-flight handlers and waits for them to return.
func (r *Router) Stop(ctx context.Context) error {
	r.logger.Info("stopping message router")

	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("message router stopped")
		return nil
	case <-ctx.Done():
		r.logger.Warn("message router stop timed out")
		return ctx.Err()
	}
}

// Stats returns current statistics.
func (r *Router) Stats() Stats {
	return Stats{
		MessagesReceived: r.received.Load(),
		MessagesHandled:  r.handled.Load(),
		ParseErrors:      r.parseErrors.Load(),
		UnknownMessages:  r.unknown.Load(),
		Rejected:         r.rejected.Load(),
		InFlight:         r.inFlight.Load(),
	}
}

// routeLoop hands each datagram to its own goroutine.
func (r *Router) routeLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case raw, ok := <-r.input:
			if !ok {
				r.logger.Info("input channel closed")
				return
			}

			select {
			case r.sem <- struct{}{}:
			case <-r.ctx.Done():
				return
			}

			r.wg.Add(1)
			r.inFlight.Add(1)
			go func(raw connection.RawMessage) {
				defer func() {
					<-r.sem
					r.inFlight.Add(-1)
					r.wg.Done()
				}()
				r.route(raw)
			}(raw)
		}
	}
}

// route handles one datagram and sends the reply, if any, to its sender.
func (r *Router) route(raw connection.RawMessage) {
	reply, ok := r.HandleFrom(r.ctx, raw.From, raw.Data)
	if !ok || r.replier == nil || raw.From == nil {
		return
	}
	if err := r.replier.WriteTo(raw.From, reply.Bytes()); err != nil {
		r.logger.Warn("reply failed", "to", raw.From.String(), "kind", reply.Kind, "error", err)
	}
}

// Handle decodes and dispatches one frame from an unknown sender. It reports
// the reply to send back, if any.
func (r *Router) Handle(ctx context.Context, data []byte) (protocol.Frame, bool) {
	return r.HandleFrom(ctx, nil, data)
}

// HandleFrom is Handle for a frame that arrived from addr. The sender's
// registration disambiguates request numbers reused by different buyers.
func (r *Router) HandleFrom(ctx context.Context, from net.Addr, data []byte) (protocol.Frame, bool) {
	r.received.Add(1)

	f, err := protocol.Parse(data)
	if err != nil {
		r.parseErrors.Add(1)
		metrics.RecordParseError()
		r.logger.Debug("failed to parse frame", "error", err)
		return r.reject(err), true
	}
	metrics.RecordMessage(string(f.Kind))

	h, ok := r.handlers[f.Kind]
	if !ok {
		r.unknown.Add(1)
		r.logger.Debug("unknown message kind", "kind", f.Kind)
		return r.reject(fmt.Errorf("unknown message type %s", f.Kind)), true
	}

	r.logger.Debug("dispatching message", "kind", f.Kind, "fields", len(f.Fields))
	reply, err := h(ctx, from, f)
	r.handled.Add(1)
	if err != nil {
		if errors.Is(err, protocol.ErrMalformed) {
			r.parseErrors.Add(1)
			metrics.RecordParseError()
		}
		r.logger.Debug("message rejected", "kind", f.Kind, "error", err)
		return r.reject(err), true
	}
	if reply.Kind == "" {
		return protocol.Frame{}, false
	}
	return reply, true
}

func (r *Router) reject(err error) protocol.Frame {
	r.rejected.Add(1)
	return protocol.Error{Text: err.Error()}.Frame()
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

var noReply = protocol.Frame{}

// identify names the registered sender, or "" when from is unknown.
func (r *Router) identify(from net.Addr) string {
	if from == nil {
		return ""
	}
	return r.svc.Identify(from)
}

func (r *Router) handleRegister(_ context.Context, _ net.Addr, f protocol.Frame) (protocol.Frame, error) {
	m, err := protocol.DecodeRegister(f)
	if err != nil {
		return noReply, err
	}
	seq, err := r.svc.Register(m.Name, m.Address, m.DatagramPort, m.StreamPort)
	switch {
	case errors.Is(err, broker.ErrNameInUse):
		r.rejected.Add(1)
		return protocol.Denied{Kind: protocol.KindRegisterDenied, RQ: m.RQ, Reason: "Name already in use"}.Frame(), nil
	case err != nil:
		return noReply, err
	}
	return protocol.Registered{RQ: m.RQ, Seq: seq}.Frame(), nil
}

func (r *Router) handleDeregister(_ context.Context, _ net.Addr, f protocol.Frame) (protocol.Frame, error) {
	m, err := protocol.DecodeDeregister(f)
	if err != nil {
		return noReply, err
	}
	err = r.svc.Deregister(m.Name)
	switch {
	case errors.Is(err, broker.ErrNotRegistered):
		r.rejected.Add(1)
		return protocol.Denied{Kind: protocol.KindDeregisterDenied, RQ: m.RQ, Reason: "Name not registered"}.Frame(), nil
	case err != nil:
		return noReply, err
	}
	return protocol.Ack{Kind: protocol.KindDeregistered, RQ: m.RQ}.Frame(), nil
}

// handleLookingFor blocks for the collection window. The buyer hears the
// outcome from the broker's notifications, not from a direct reply.
func (r *Router) handleLookingFor(ctx context.Context, _ net.Addr, f protocol.Frame) (protocol.Frame, error) {
	m, err := protocol.DecodeLookingFor(f)
	if err != nil {
		return noReply, err
	}
	out, err := r.svc.Search(ctx, m.RQ, m.Buyer, m.Item, m.Description, m.MaxPrice)
	if err != nil {
		if ctx.Err() != nil {
			return noReply, nil
		}
		return noReply, err
	}
	r.logger.Debug("search finished", "search_id", out.SearchID, "result", out.Result)
	return noReply, nil
}

func (r *Router) handleOffer(_ context.Context, _ net.Addr, f protocol.Frame) (protocol.Frame, error) {
	m, err := protocol.DecodeOffer(f)
	if err != nil {
		return noReply, err
	}
	return noReply, r.svc.RecordOffer(m.SearchID, m.Seller, m.Item, m.Price)
}

func (r *Router) handleNegotiate(ctx context.Context, from net.Addr, f protocol.Frame) (protocol.Frame, error) {
	m, err := protocol.DecodeItemPrice(f, protocol.KindNegotiate)
	if err != nil {
		return noReply, err
	}
	return noReply, r.svc.Negotiate(ctx, r.identify(from), m.RQ, m.Item, m.Price)
}

func (r *Router) handleAccept(ctx context.Context, _ net.Addr, f protocol.Frame) (protocol.Frame, error) {
	m, err := protocol.DecodeItemPrice(f, protocol.KindAccept)
	if err != nil {
		return noReply, err
	}
	return noReply, r.svc.Accept(ctx, m.RQ, m.Item, m.Price)
}

func (r *Router) handleRefuse(ctx context.Context, _ net.Addr, f protocol.Frame) (protocol.Frame, error) {
	m, err := protocol.DecodeItemPrice(f, protocol.KindRefuse)
	if err != nil {
		return noReply, err
	}
	return noReply, r.svc.Refuse(ctx, m.RQ, m.Item, m.Price)
}

// handleBuy runs the whole finalization. Success and cancellation are
// reported to both parties by the broker.
func (r *Router) handleBuy(ctx context.Context, from net.Addr, f protocol.Frame) (protocol.Frame, error) {
	m, err := protocol.DecodeItemPrice(f, protocol.KindBuy)
	if err != nil {
		return noReply, err
	}
	tx, err := r.svc.Buy(ctx, r.identify(from), m.RQ, m.Item, m.Price)
	if err != nil {
		return noReply, err
	}
	r.logger.Debug("buy finished", "tx_id", tx.ID, "state", tx.State)
	return noReply, nil
}

// handleCancel accepts both CANCEL shapes from a client; either way the
// search cycle keyed by rq is canceled.
func (r *Router) handleCancel(ctx context.Context, from net.Addr, f protocol.Frame) (protocol.Frame, error) {
	m, err := protocol.DecodeCancel(f)
	if err != nil {
		return noReply, err
	}
	item, err := r.svc.CancelSearch(ctx, r.identify(from), m.RQ, m.Item)
	if err != nil {
		return noReply, err
	}
	return protocol.Canceled{RQ: m.RQ, Item: item}.Frame(), nil
}

func (r *Router) handleReset(_ context.Context, _ net.Addr, _ protocol.Frame) (protocol.Frame, error) {
	r.svc.Reset()
	return protocol.NewFrame(protocol.KindResetSuccess), nil
}
