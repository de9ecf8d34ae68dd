package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rickgao/market-broker/internal/metrics"
	"github.com/rickgao/market-broker/internal/model"
	"github.com/rickgao/market-broker/internal/protocol"
)

// MatchResult is how a search cycle left the collection window.
type MatchResult string

const (
	MatchReserved     MatchResult = "reserved"      // RESERVE/FOUND sent
	MatchNegotiating  MatchResult = "negotiating"   // NEGOTIATE sent to the winning seller
	MatchNotAvailable MatchResult = "not_available" // No offers, buyer told NOT_AVAILABLE
	MatchCanceled     MatchResult = "canceled"      // Cycle discarded while collecting
)

// MatchOutcome describes the end of a collection window.
type MatchOutcome struct {
	SearchID string
	Result   MatchResult
	Winner   model.Offer // Zero for NotAvailable and Canceled
	Price    int64       // Reserved price or counter-price
}

// Search runs one search cycle's matching phase. It broadcasts SEARCH to every
// other participant, collects offers for the collection window and resolves the
// winner. It blocks for up to the collection window.
func (b *Broker) Search(ctx context.Context, buyerRQ, buyer, item, description string, maxPrice int64) (MatchOutcome, error) {
	if _, ok := b.registry.Lookup(buyer); !ok {
		return MatchOutcome{}, fmt.Errorf("search by %s: %w", buyer, ErrNotRegistered)
	}

	req := model.SearchRequest{
		SearchID:    b.nextSearchID(),
		BuyerRQ:     buyerRQ,
		Buyer:       buyer,
		Item:        item,
		Description: description,
		MaxPrice:    maxPrice,
		CreatedAt:   b.now(),
	}
	c := newCycle(req)
	b.offers.open(req.SearchID)
	b.searches.open(c)

	metrics.RecordSearchStarted()
	b.publish(model.Event{Kind: model.EventSearchStarted, SearchID: req.SearchID, Participant: buyer, Item: item, Price: maxPrice})
	b.logger.Info("search started",
		"search_id", req.SearchID,
		"buyer", buyer,
		"buyer_rq", buyerRQ,
		"item", item,
		"max_price", maxPrice,
	)

	b.broadcast(ctx, req)

	canceled := MatchOutcome{SearchID: req.SearchID, Result: MatchCanceled}
	resolved, err := b.collect(ctx, c)
	if err != nil {
		if b.searches.remove(c) {
			b.offers.remove(req.SearchID)
			metrics.RecordCycleOutcome(metrics.OutcomeCanceled, true)
		}
		return canceled, err
	}
	if !resolved {
		return canceled, nil
	}

	return b.resolve(ctx, c)
}

// broadcast sends SEARCH to every registered participant except the buyer.
func (b *Broker) broadcast(ctx context.Context, req model.SearchRequest) {
	data := protocol.Search{
		SearchID:    req.SearchID,
		Item:        req.Item,
		Description: req.Description,
		Buyer:       req.Buyer,
	}.Frame().Bytes()

	sent := 0
	for _, p := range b.registry.List() {
		if p.Name == req.Buyer {
			continue
		}
		if err := b.sender.Send(ctx, p.DatagramAddr(), data); err != nil {
			b.logger.Debug("search broadcast skipped", "search_id", req.SearchID, "name", p.Name, "error", err)
			continue
		}
		sent++
	}
	b.logger.Debug("search broadcast", "search_id", req.SearchID, "recipients", sent)
}

// collect waits for the collection window. With EarlyResolve it returns as
// soon as an offer within the buyer's maximum has landed. It reports false
// when the cycle was discarded meanwhile.
func (b *Broker) collect(ctx context.Context, c *cycle) (bool, error) {
	timer := time.NewTimer(b.cfg.CollectionWindow)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return true, nil
		case <-c.done:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		case <-c.notify:
			if !b.cfg.EarlyResolve {
				continue
			}
			offers, _ := b.offers.list(c.req.SearchID)
			for _, o := range offers {
				if o.Price <= c.req.MaxPrice {
					b.logger.Debug("collection ended early", "search_id", c.req.SearchID, "seller", o.Seller)
					return true, nil
				}
			}
		}
	}
}

// resolve closes the offer list and picks the stable lowest offer. A cycle
// discarded by a concurrent cancel or reset resolves as MatchCanceled.
func (b *Broker) resolve(ctx context.Context, c *cycle) (MatchOutcome, error) {
	req := c.req
	canceled := MatchOutcome{SearchID: req.SearchID, Result: MatchCanceled}
	offers, ok := b.offers.close(req.SearchID)
	if !ok {
		return canceled, nil
	}

	winner, found := lowestOffer(offers)
	if !found {
		if !b.searches.remove(c) {
			return canceled, nil
		}
		b.offers.remove(req.SearchID)
		b.notify(ctx, req.Buyer, protocol.NotAvailable{RQ: req.BuyerRQ, Item: req.Item}.Frame())

		metrics.RecordCycleOutcome(metrics.OutcomeNotAvailable, true)
		b.publish(model.Event{Kind: model.EventCycleResolved, SearchID: req.SearchID, Item: req.Item, Outcome: metrics.OutcomeNotAvailable})
		b.logger.Info("search not available", "search_id", req.SearchID, "buyer", req.Buyer, "item", req.Item)
		return MatchOutcome{SearchID: req.SearchID, Result: MatchNotAvailable}, nil
	}

	if winner.Price <= req.MaxPrice {
		if err := b.reserve(ctx, c, model.CycleCollecting, winner, winner.Price); err != nil {
			return canceled, nil
		}
		return MatchOutcome{SearchID: req.SearchID, Result: MatchReserved, Winner: winner, Price: winner.Price}, nil
	}

	if err := b.startNegotiation(ctx, c, winner); err != nil {
		if errors.Is(err, ErrRequestExpired) {
			return canceled, nil
		}
		return MatchOutcome{SearchID: req.SearchID, Result: MatchNotAvailable, Winner: winner}, nil
	}
	return MatchOutcome{SearchID: req.SearchID, Result: MatchNegotiating, Winner: winner, Price: req.MaxPrice}, nil
}

// RecordOffer appends a seller's offer to an open search.
func (b *Broker) RecordOffer(searchID, seller, item string, price int64) error {
	c, ok := b.searches.get(searchID)
	if !ok || b.searches.view(c).state != model.CycleCollecting {
		return fmt.Errorf("offer for %s: %w", searchID, ErrUnknownRequest)
	}

	offer := model.Offer{
		SearchID:   searchID,
		Seller:     seller,
		Item:       item,
		Price:      price,
		ReceivedAt: b.now(),
	}
	if !b.offers.add(offer) {
		return fmt.Errorf("offer for %s: %w", searchID, ErrUnknownRequest)
	}
	c.signal()

	metrics.RecordOffer()
	b.publish(model.Event{Kind: model.EventOfferRecorded, SearchID: searchID, Participant: seller, Item: item, Price: price})
	b.logger.Debug("offer recorded", "search_id", searchID, "seller", seller, "item", item, "price", price)
	return nil
}
