package broker

import (
	"context"
	"fmt"

	"github.com/rickgao/market-broker/internal/metrics"
	"github.com/rickgao/market-broker/internal/model"
	"github.com/rickgao/market-broker/internal/protocol"
)

// startNegotiation moves a Collecting cycle to Negotiating and sends the
// buyer's maximum to the winning seller as a counter-offer.
func (b *Broker) startNegotiation(ctx context.Context, c *cycle, winner model.Offer) error {
	ok := b.searches.transition(c, model.CycleCollecting, func(c *cycle) {
		c.state = model.CycleNegotiating
		c.winner = &winner
		c.counterPrice = c.req.MaxPrice
		c.updatedAt = b.now()
	})
	if !ok {
		return fmt.Errorf("negotiate %s: %w", c.req.SearchID, ErrRequestExpired)
	}

	metrics.RecordCycleOutcome(metrics.OutcomeNegotiating, false)
	b.logger.Info("negotiation started",
		"search_id", c.req.SearchID,
		"seller", winner.Seller,
		"offer", winner.Price,
		"counter", c.req.MaxPrice,
	)

	f := protocol.ItemPrice{Kind: protocol.KindNegotiate, RQ: c.req.SearchID, Item: c.req.Item, Price: c.req.MaxPrice}.Frame()
	if err := b.notify(ctx, winner.Seller, f); err != nil {
		// The seller can never answer; close the cycle for the buyer now.
		b.abandon(ctx, c, model.CycleNegotiating, metrics.OutcomeRefused)
		return err
	}
	return nil
}

// Negotiate forwards a new counter-price to the winning seller of a cycle
// that is already Negotiating. rq may be the search id or the buyer's rq;
// sender, when known, picks among cycles sharing that rq.
func (b *Broker) Negotiate(ctx context.Context, sender, rq, item string, counterPrice int64) error {
	c, ok := b.searches.resolve(rq, sender, item)
	if !ok {
		return fmt.Errorf("negotiate %s: %w", rq, ErrRequestExpired)
	}

	var seller string
	ok = b.searches.transition(c, model.CycleNegotiating, func(c *cycle) {
		c.counterPrice = counterPrice
		c.updatedAt = b.now()
		seller = c.winner.Seller
	})
	if !ok {
		return fmt.Errorf("negotiate %s: %w", rq, ErrRequestExpired)
	}

	b.logger.Debug("counter-offer forwarded", "search_id", c.req.SearchID, "seller", seller, "price", counterPrice)
	f := protocol.ItemPrice{Kind: protocol.KindNegotiate, RQ: c.req.SearchID, Item: item, Price: counterPrice}.Frame()
	return b.notify(ctx, seller, f)
}

// Accept is the seller agreeing to a counter-offer. The winning offer is
// re-resolved; it must still be the lowest and match the item name.
func (b *Broker) Accept(ctx context.Context, rq, item string, agreedPrice int64) error {
	c, ok := b.searches.resolve(rq, "", item)
	if !ok {
		return fmt.Errorf("accept %s: %w", rq, ErrRequestExpired)
	}
	v := b.searches.view(c)
	if v.state != model.CycleNegotiating || v.winner == nil {
		return fmt.Errorf("accept %s: %w", rq, ErrRequestExpired)
	}

	offers, ok := b.offers.list(v.req.SearchID)
	if !ok {
		return fmt.Errorf("accept %s: %w", rq, ErrRequestExpired)
	}
	lowest, found := lowestOffer(offers)
	if !found || lowest.Seller != v.winner.Seller || lowest.Price != v.winner.Price || lowest.Item != item {
		return fmt.Errorf("accept %s: %w", rq, ErrNoValidOffer)
	}
	if agreedPrice > v.req.MaxPrice {
		return fmt.Errorf("accept %s at %d above buyer maximum: %w", rq, agreedPrice, ErrNoValidOffer)
	}

	return b.reserve(ctx, c, model.CycleNegotiating, lowest, agreedPrice)
}

// Refuse is the seller declining a counter-offer. The buyer is told the item
// is not available and the cycle is discarded.
func (b *Broker) Refuse(ctx context.Context, rq, item string, counterPrice int64) error {
	c, ok := b.searches.resolve(rq, "", item)
	if !ok {
		return fmt.Errorf("refuse %s: %w", rq, ErrRequestExpired)
	}
	if !b.abandon(ctx, c, model.CycleNegotiating, metrics.OutcomeRefused) {
		return fmt.Errorf("refuse %s: %w", rq, ErrRequestExpired)
	}
	b.logger.Info("counter-offer refused", "search_id", c.req.SearchID, "item", item, "price", counterPrice)
	return nil
}

// abandon discards a cycle in state from and sends NOT_AVAILABLE to the buyer.
func (b *Broker) abandon(ctx context.Context, c *cycle, from model.CycleState, outcome string) bool {
	if _, ok := b.searches.removeIn(c, from); !ok {
		return false
	}
	b.offers.remove(c.req.SearchID)
	b.notify(ctx, c.req.Buyer, protocol.NotAvailable{RQ: c.req.BuyerRQ, Item: c.req.Item}.Frame())

	metrics.RecordCycleOutcome(outcome, true)
	b.publish(model.Event{Kind: model.EventCycleResolved, SearchID: c.req.SearchID, Item: c.req.Item, Outcome: outcome})
	return true
}

// CancelSearch discards an open cycle at a participant's request. rq may be
// the buyer's rq or the search id; sender, when known, picks among cycles
// sharing that rq. A non-empty item must match the search. A cycle that is
// already finalizing cannot be canceled.
func (b *Broker) CancelSearch(ctx context.Context, sender, rq, item string) (string, error) {
	c, ok := b.searches.resolve(rq, sender, item)
	if !ok || (item != "" && c.req.Item != item) {
		return "", fmt.Errorf("cancel %s: %w", rq, ErrUnknownRequest)
	}

	v, ok := b.searches.removeIn(c, model.CycleCollecting, model.CycleNegotiating, model.CycleReserved)
	if !ok {
		if v.state == model.CycleFinalizing {
			return "", fmt.Errorf("cancel %s: %w", rq, ErrInProgress)
		}
		return "", fmt.Errorf("cancel %s: %w", rq, ErrUnknownRequest)
	}
	b.offers.remove(c.req.SearchID)

	const reason = "Search canceled by buyer"
	if v.winner != nil && (v.state == model.CycleReserved || v.state == model.CycleNegotiating) {
		b.notify(ctx, v.winner.Seller, protocol.Cancel{RQ: c.req.SearchID, Reason: reason}.Frame())
	}
	if v.tx != nil {
		tx := *v.tx
		tx.State = model.TxCanceled
		tx.Reason = reason
		tx.FinishedAt = b.now()
		b.record(tx)
	}

	metrics.RecordCycleOutcome(metrics.OutcomeCanceled, true)
	b.publish(model.Event{Kind: model.EventCycleResolved, SearchID: c.req.SearchID, Item: c.req.Item, Outcome: metrics.OutcomeCanceled})
	b.logger.Info("search canceled", "search_id", c.req.SearchID, "rq", rq, "state", v.state)
	return c.req.Item, nil
}
