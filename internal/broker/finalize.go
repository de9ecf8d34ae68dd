package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/market-broker/internal/metrics"
	"github.com/rickgao/market-broker/internal/model"
	"github.com/rickgao/market-broker/internal/protocol"
)

// sellerShare is the seller's cut of the agreed price after the flat 10% brokerage fee.
var sellerShare = decimal.New(90, -2)

// SellerProceeds returns the seller's net for a sale at price.
func SellerProceeds(price int64) decimal.Decimal {
	return decimal.NewFromInt(price).Mul(sellerShare)
}

// SimulatePayment charges the buyer's card and credits the seller's. Cards
// must be numeric (dashes and spaces allowed). It returns the seller's proceeds.
func SimulatePayment(buyerCard, sellerCard string, price int64) (decimal.Decimal, error) {
	if !validCard(buyerCard) {
		return decimal.Zero, fmt.Errorf("buyer card %q: %w", buyerCard, ErrPaymentSimulation)
	}
	if !validCard(sellerCard) {
		return decimal.Zero, fmt.Errorf("seller card %q: %w", sellerCard, ErrPaymentSimulation)
	}
	if price < 0 {
		return decimal.Zero, fmt.Errorf("price %d: %w", price, ErrPaymentSimulation)
	}
	return SellerProceeds(price), nil
}

func validCard(s string) bool {
	digits := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '-' || r == ' ':
		default:
			return false
		}
	}
	return digits > 0
}

// finalizeError carries the reason sent to both parties in CANCEL.
type finalizeError struct {
	reason string
	err    error
}

func (e *finalizeError) Error() string { return e.reason + ": " + e.err.Error() }
func (e *finalizeError) Unwrap() error { return e.err }

func cancelReason(err error) string {
	var fe *finalizeError
	if errors.As(err, &fe) {
		return fe.reason
	}
	return "Transaction error: " + err.Error()
}

// reserve moves a cycle from state from to Reserved at price, creates its
// Transaction and sends RESERVE to the seller and FOUND to the buyer.
func (b *Broker) reserve(ctx context.Context, c *cycle, from model.CycleState, winner model.Offer, price int64) error {
	now := b.now()
	tx := model.Transaction{
		ID:        uuid.New(),
		SearchID:  c.req.SearchID,
		BuyerRQ:   c.req.BuyerRQ,
		Buyer:     c.req.Buyer,
		Seller:    winner.Seller,
		Item:      c.req.Item,
		Price:     price,
		State:     model.TxReserved,
		CreatedAt: now,
	}
	ok := b.searches.transition(c, from, func(c *cycle) {
		c.state = model.CycleReserved
		c.winner = &winner
		c.tx = &tx
		c.updatedAt = now
	})
	if !ok {
		return fmt.Errorf("reserve %s: %w", c.req.SearchID, ErrRequestExpired)
	}

	b.notify(ctx, winner.Seller, protocol.ItemPrice{Kind: protocol.KindReserve, RQ: c.req.SearchID, Item: tx.Item, Price: price}.Frame())
	b.notify(ctx, c.req.Buyer, protocol.ItemPrice{Kind: protocol.KindFound, RQ: c.req.BuyerRQ, Item: tx.Item, Price: price}.Frame())

	metrics.RecordCycleOutcome(metrics.OutcomeReserved, false)
	b.publish(model.Event{Kind: model.EventCycleResolved, SearchID: c.req.SearchID, Participant: winner.Seller, Item: tx.Item, Price: price, Outcome: metrics.OutcomeReserved})
	b.logger.Info("item reserved",
		"search_id", c.req.SearchID,
		"tx_id", tx.ID,
		"buyer", tx.Buyer,
		"seller", tx.Seller,
		"item", tx.Item,
		"price", price,
	)
	return nil
}

// Buy finalizes the reserved transaction matching item and exact price. The
// cycle is found by rq (buyer rq or search id, narrowed by buyer when known)
// and otherwise by the buyer's oldest reservation of item at price.
// Mismatches are rejected without side effects. Once finalization starts the
// returned error is nil; a cancellation is reported through the
// Transaction's state and reason.
func (b *Broker) Buy(ctx context.Context, buyer, rq, item string, price int64) (model.Transaction, error) {
	matched, found := b.searches.resolve(rq, buyer, item)
	c := matched
	if !found || !reservedFor(b.searches.view(matched), item, price) {
		var ok bool
		c, ok = b.searches.findReserved(buyer, item, price)
		if !ok {
			switch {
			case !found:
				return model.Transaction{}, fmt.Errorf("buy %s: item %s: %w", rq, item, ErrNoMatchingSearch)
			case b.searches.view(matched).state == model.CycleFinalizing:
				return model.Transaction{}, fmt.Errorf("buy %s: %w", rq, ErrInProgress)
			}
			return model.Transaction{}, fmt.Errorf("buy %s: item %s at price %d: %w", rq, item, price, ErrNoMatchingOffer)
		}
	}

	var tx model.Transaction
	ok := b.searches.transition(c, model.CycleReserved, func(c *cycle) {
		c.state = model.CycleFinalizing
		c.tx.State = model.TxExchanging
		c.updatedAt = b.now()
		tx = *c.tx
	})
	if !ok {
		return model.Transaction{}, fmt.Errorf("buy %s: %w", rq, ErrInProgress)
	}

	return b.finalize(ctx, c, rq, tx), nil
}

func reservedFor(v cycleView, item string, price int64) bool {
	return v.state == model.CycleReserved && v.tx != nil && v.tx.Item == item && v.tx.Price == price
}

// errDiscarded means a RESET wiped the cycle while it was finalizing.
var errDiscarded = &finalizeError{reason: "Transaction aborted by reset", err: ErrRequestExpired}

// finalize runs the reliable-channel handshake, settles or cancels, and
// always discards the cycle. A cycle wiped by RESET meanwhile is recorded as
// canceled without telling anyone: the names may belong to new registrations.
func (b *Broker) finalize(ctx context.Context, c *cycle, buyRQ string, tx model.Transaction) model.Transaction {
	start := b.now()
	b.logger.Info("transaction started", "tx_id", tx.ID, "search_id", tx.SearchID, "buy_rq", buyRQ)

	tx, err := b.settle(ctx, c, buyRQ, tx)
	discarded := errors.Is(err, errDiscarded)
	result := metrics.OutcomeSucceeded
	switch {
	case discarded:
		result = metrics.OutcomeFailed
		tx.State = model.TxCanceled
		tx.Reason = cancelReason(err)
		b.logger.Warn("transaction discarded by reset", "tx_id", tx.ID, "search_id", tx.SearchID)
	case err != nil:
		result = metrics.OutcomeFailed
		tx.State = model.TxCanceled
		tx.Reason = cancelReason(err)

		b.notify(ctx, tx.Buyer, protocol.Cancel{RQ: buyRQ, Reason: tx.Reason}.Frame())
		b.notify(ctx, tx.Seller, protocol.Cancel{RQ: tx.SearchID, Reason: tx.Reason}.Frame())
		b.logger.Warn("transaction canceled", "tx_id", tx.ID, "reason", tx.Reason, "error", err)
	default:
		b.logger.Info("transaction succeeded",
			"tx_id", tx.ID,
			"buyer", tx.Buyer,
			"seller", tx.Seller,
			"price", tx.Price,
			"proceeds", tx.Proceeds.String(),
		)
	}
	tx.FinishedAt = b.now()

	if b.searches.remove(c) {
		b.offers.remove(tx.SearchID)
		if err := b.registry.SetShippingAddress(tx.Buyer, ""); err != nil {
			b.logger.Debug("shipping address not cleared", "buyer", tx.Buyer, "error", err)
		}
	}

	b.record(tx)
	metrics.RecordCycleOutcome(result, true)
	metrics.RecordTransaction(result, tx.FinishedAt.Sub(start))
	b.publish(model.Event{
		Kind:        model.EventTransactionFinished,
		SearchID:    tx.SearchID,
		Participant: tx.Buyer,
		Item:        tx.Item,
		Price:       tx.Price,
		Outcome:     result,
	})
	return tx
}

// settle exchanges details with both parties, simulates payment, ships and
// confirms. Any error means the transaction must be canceled. Nothing is
// sent once the cycle is no longer open.
func (b *Broker) settle(ctx context.Context, c *cycle, buyRQ string, tx model.Transaction) (model.Transaction, error) {
	if !b.searches.live(c) {
		return tx, errDiscarded
	}
	buyer, ok := b.registry.Lookup(tx.Buyer)
	if !ok {
		return tx, &finalizeError{reason: "Buyer not registered", err: ErrNotRegistered}
	}
	seller, ok := b.registry.Lookup(tx.Seller)
	if !ok {
		return tx, &finalizeError{reason: "Seller not registered", err: ErrNotRegistered}
	}

	buyerInfo, sellerInfo, err := b.exchangeDetails(ctx, buyer, seller, tx)
	if !b.searches.live(c) {
		return tx, errDiscarded
	}
	if err != nil {
		return tx, err
	}
	if err := b.registry.SetShippingAddress(buyer.Name, buyerInfo.Address); err != nil {
		return tx, &finalizeError{reason: "Buyer not registered", err: err}
	}

	tx.State = model.TxPaying
	proceeds, err := SimulatePayment(buyerInfo.CardNumber, sellerInfo.CardNumber, tx.Price)
	if err != nil {
		return tx, &finalizeError{reason: "Payment processing failed", err: err}
	}
	tx.Proceeds = proceeds

	tx.State = model.TxShipping
	if !b.searches.live(c) {
		return tx, errDiscarded
	}
	ship := protocol.ShippingInfo{RQ: buyRQ, Buyer: buyer.Name, Address: buyerInfo.Address}.Frame().Bytes()
	dctx, cancel := context.WithTimeout(ctx, b.cfg.ExchangeTimeout)
	defer cancel()
	if err := b.exchanger.Deliver(dctx, seller.StreamAddr(), ship); err != nil {
		return tx, &finalizeError{
			reason: "Failed to send shipping information to seller",
			err:    fmt.Errorf("%w: %s: %v", ErrTransportFailure, seller.Name, err),
		}
	}

	if !b.searches.live(c) {
		return tx, errDiscarded
	}
	tx.State = model.TxSucceeded
	b.notify(ctx, buyer.Name, protocol.ItemPrice{Kind: protocol.KindTransactionSuccess, RQ: buyRQ, Item: tx.Item, Price: tx.Price}.Frame())
	return tx, nil
}

// exchangeDetails sends INFORM_REQ to buyer and seller concurrently. Each
// exchange has its own timeout; the first failure cancels the other.
func (b *Broker) exchangeDetails(ctx context.Context, buyer, seller model.Participant, tx model.Transaction) (protocol.InformRes, protocol.InformRes, error) {
	req := protocol.InformReq{Item: tx.Item, Price: tx.Price}.Frame().Bytes()

	var buyerInfo, sellerInfo protocol.InformRes
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		buyerInfo, err = b.inform(gctx, buyer, "buyer", req)
		return err
	})
	g.Go(func() error {
		var err error
		sellerInfo, err = b.inform(gctx, seller, "seller", req)
		return err
	})
	if err := g.Wait(); err != nil {
		return protocol.InformRes{}, protocol.InformRes{}, err
	}
	return buyerInfo, sellerInfo, nil
}

func (b *Broker) inform(ctx context.Context, p model.Participant, role string, req []byte) (protocol.InformRes, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.ExchangeTimeout)
	defer cancel()

	resp, err := b.exchanger.Exchange(ctx, p.StreamAddr(), req)
	if err != nil {
		return protocol.InformRes{}, &finalizeError{
			reason: "Failed to retrieve transaction information from " + role,
			err:    fmt.Errorf("%w: %s: %v", ErrTransportFailure, p.Name, err),
		}
	}

	f, err := protocol.Parse(resp)
	var res protocol.InformRes
	if err == nil {
		res, err = protocol.DecodeInformRes(f)
	}
	if err != nil {
		return protocol.InformRes{}, &finalizeError{
			reason: "Invalid transaction information format from " + role,
			err:    err,
		}
	}
	b.logger.Debug("transaction details received", "name", p.Name, "role", role)
	return res, nil
}
