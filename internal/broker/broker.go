package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rickgao/market-broker/internal/metrics"
	"github.com/rickgao/market-broker/internal/model"
	"github.com/rickgao/market-broker/internal/protocol"
	"github.com/rickgao/market-broker/internal/registry"
)

// Sender delivers one datagram. Delivery is fire-and-forget.
type Sender interface {
	Send(ctx context.Context, addr string, data []byte) error
}

// Exchanger drives the reliable channel.
type Exchanger interface {
	// Exchange opens a stream to addr, writes req and reads one response.
	Exchange(ctx context.Context, addr string, req []byte) ([]byte, error)

	// Deliver opens a stream to addr and writes data without waiting for a reply.
	Deliver(ctx context.Context, addr string, data []byte) error
}

// TransactionSink receives every terminal Transaction.
type TransactionSink interface {
	Record(tx model.Transaction)
}

// EventSink receives broker activity events.
type EventSink interface {
	Publish(ev model.Event)
}

// Config holds broker timing settings.
type Config struct {
	CollectionWindow time.Duration // How long offers are collected per search
	EarlyResolve     bool          // Stop collecting once an offer within the buyer's max lands
	ExchangeTimeout  time.Duration // Per-party reliable-channel timeout
	CycleTTL         time.Duration // Idle limit for Negotiating/Reserved cycles
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CollectionWindow: 60 * time.Second,
		ExchangeTimeout:  10 * time.Second,
		CycleTTL:         10 * time.Minute,
	}
}

// Broker owns the three stores and runs search cycles against them.
type Broker struct {
	cfg       Config
	logger    *slog.Logger
	registry  *registry.Registry
	sender    Sender
	exchanger Exchanger

	searches *searchStore
	offers   *offerStore

	ledger TransactionSink
	events EventSink

	searchSeq atomic.Int64
	now       func() time.Time
}

// New creates a Broker. The registry is shared with nothing else.
func New(cfg Config, reg *registry.Registry, sender Sender, exchanger Exchanger, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = registry.New(logger)
	}
	return &Broker{
		cfg:       cfg,
		logger:    logger,
		registry:  reg,
		sender:    sender,
		exchanger: exchanger,
		searches:  newSearchStore(),
		offers:    newOfferStore(),
		now:       time.Now,
	}
}

// SetLedger attaches a sink for terminal transactions. Call before serving.
func (b *Broker) SetLedger(sink TransactionSink) {
	b.ledger = sink
}

// SetEvents attaches an event sink. Call before serving.
func (b *Broker) SetEvents(sink EventSink) {
	b.events = sink
}

// Registry returns the participant registry.
func (b *Broker) Registry() *registry.Registry {
	return b.registry
}

// Register adds a participant and returns its sequence number.
func (b *Broker) Register(name, address string, datagramPort, streamPort int) (int, error) {
	seq, err := b.registry.Register(name, address, datagramPort, streamPort)
	if err != nil {
		return 0, err
	}
	metrics.SetParticipants(len(b.registry.List()))
	return seq, nil
}

// Identify returns the name of the participant sending from addr, or "" when
// no registration matches.
func (b *Broker) Identify(addr net.Addr) string {
	p, ok := b.registry.LookupDatagram(addr)
	if !ok {
		return ""
	}
	return p.Name
}

// Deregister removes a participant.
func (b *Broker) Deregister(name string) error {
	if err := b.registry.Deregister(name); err != nil {
		return err
	}
	metrics.SetParticipants(len(b.registry.List()))
	return nil
}

// Reset wipes participants, open searches and offers. It is the only operation
// that holds more than one store lock; the order is searches, offers, registry.
func (b *Broker) Reset() {
	b.searches.mu.Lock()
	b.offers.mu.Lock()
	cycles := b.searches.clearLocked()
	lists := b.offers.clearLocked()
	b.registry.Reset()
	b.offers.mu.Unlock()
	b.searches.mu.Unlock()

	metrics.SetParticipants(0)
	metrics.SetOpenSearches(0)
	b.logger.Info("broker reset", "searches", cycles, "offer_lists", lists)
}

// SearchSnapshot is a read-only view of an open search cycle.
type SearchSnapshot struct {
	SearchID  string           `json:"search_id"`
	BuyerRQ   string           `json:"buyer_rq"`
	Buyer     string           `json:"buyer"`
	Item      string           `json:"item"`
	MaxPrice  int64            `json:"max_price"`
	State     model.CycleState `json:"state"`
	Offers    int              `json:"offers"`
	Seller    string           `json:"seller,omitempty"`
	Price     int64            `json:"price,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Searches returns every open cycle ordered by creation.
func (b *Broker) Searches() []SearchSnapshot {
	views := b.searches.snapshot()
	out := make([]SearchSnapshot, 0, len(views))
	for _, v := range views {
		s := SearchSnapshot{
			SearchID:  v.req.SearchID,
			BuyerRQ:   v.req.BuyerRQ,
			Buyer:     v.req.Buyer,
			Item:      v.req.Item,
			MaxPrice:  v.req.MaxPrice,
			State:     v.state,
			CreatedAt: v.req.CreatedAt,
			UpdatedAt: v.updatedAt,
		}
		if offers, ok := b.offers.list(v.req.SearchID); ok {
			s.Offers = len(offers)
		}
		switch {
		case v.tx != nil:
			s.Seller, s.Price = v.tx.Seller, v.tx.Price
		case v.winner != nil:
			s.Seller, s.Price = v.winner.Seller, v.counterPrice
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ExpireStale discards Negotiating and Reserved cycles idle for longer than
// CycleTTL. The buyer and the winning seller are told why. It returns the
// number of cycles discarded.
func (b *Broker) ExpireStale(ctx context.Context) int {
	cutoff := b.now().Add(-b.cfg.CycleTTL)

	expired := 0
	for _, c := range b.searches.stale(cutoff) {
		v, ok := b.searches.expire(c, cutoff)
		if !ok {
			continue
		}
		b.offers.remove(v.req.SearchID)
		expired++

		const reason = "Reservation expired"
		b.notify(ctx, v.req.Buyer, protocol.Cancel{RQ: v.req.BuyerRQ, Reason: reason}.Frame())
		if v.winner != nil {
			b.notify(ctx, v.winner.Seller, protocol.Cancel{RQ: v.req.SearchID, Reason: reason}.Frame())
		}
		if v.tx != nil {
			tx := *v.tx
			tx.State = model.TxCanceled
			tx.Reason = reason
			tx.FinishedAt = b.now()
			b.record(tx)
		}

		metrics.RecordCycleOutcome(metrics.OutcomeExpired, true)
		b.publish(model.Event{
			Kind:     model.EventCycleResolved,
			SearchID: v.req.SearchID,
			Item:     v.req.Item,
			Outcome:  metrics.OutcomeExpired,
		})
		b.logger.Info("search expired", "search_id", v.req.SearchID, "state", v.state)
	}
	return expired
}

// notify sends a frame to a participant's datagram endpoint.
// Unknown or unreachable participants are logged and skipped.
func (b *Broker) notify(ctx context.Context, name string, f protocol.Frame) error {
	p, ok := b.registry.Lookup(name)
	if !ok {
		b.logger.Debug("notify skipped, participant not registered", "name", name, "kind", f.Kind)
		return fmt.Errorf("notify %s: %w", name, ErrNotRegistered)
	}
	if err := b.sender.Send(ctx, p.DatagramAddr(), f.Bytes()); err != nil {
		b.logger.Warn("notify failed", "name", name, "kind", f.Kind, "error", err)
		return fmt.Errorf("notify %s: %w: %v", name, ErrTransportFailure, err)
	}
	return nil
}

func (b *Broker) publish(ev model.Event) {
	if b.events == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = b.now()
	}
	b.events.Publish(ev)
}

func (b *Broker) record(tx model.Transaction) {
	if b.ledger != nil {
		b.ledger.Record(tx)
	}
}

// nextSearchID returns a fresh search identifier. The counter survives Reset
// so identifiers are never reused within a process.
func (b *Broker) nextSearchID() string {
	return "SEARCH-" + strconv.FormatInt(b.searchSeq.Add(1), 10)
}
