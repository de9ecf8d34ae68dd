package broker

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rickgao/market-broker/internal/model"
)

// cycle is one open search cycle. Fields other than req and the channels are
// guarded by searchStore.mu.
type cycle struct {
	req model.SearchRequest

	state        model.CycleState
	winner       *model.Offer       // Set when the window resolves with offers
	counterPrice int64              // Price proposed to the winner while Negotiating
	tx           *model.Transaction // Set on reservation
	updatedAt    time.Time

	notify chan struct{} // Offer landed (capacity 1, coalescing)
	done   chan struct{} // Closed when the cycle is discarded
}

func newCycle(req model.SearchRequest) *cycle {
	return &cycle{
		req:       req,
		state:     model.CycleCollecting,
		updatedAt: req.CreatedAt,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// signal wakes the collection wait without blocking.
func (c *cycle) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// cycleView is a copy of a cycle's guarded fields.
type cycleView struct {
	req          model.SearchRequest
	state        model.CycleState
	winner       *model.Offer
	counterPrice int64
	tx           *model.Transaction
	updatedAt    time.Time
}

func (c *cycle) view() cycleView {
	v := cycleView{
		req:          c.req,
		state:        c.state,
		counterPrice: c.counterPrice,
		updatedAt:    c.updatedAt,
	}
	if c.winner != nil {
		w := *c.winner
		v.winner = &w
	}
	if c.tx != nil {
		tx := *c.tx
		v.tx = &tx
	}
	return v
}

// -----------------------------------------------------------------------------
// Search store
// -----------------------------------------------------------------------------

// searchStore holds open search cycles and the buyer rq -> search id mapping.
// Buyers number their own requests, so one rq can name several open cycles.
type searchStore struct {
	mu        sync.Mutex
	cycles    map[string]*cycle
	byBuyerRQ map[string][]string // Oldest first
}

func newSearchStore() *searchStore {
	return &searchStore{
		cycles:    make(map[string]*cycle),
		byBuyerRQ: make(map[string][]string),
	}
}

func (s *searchStore) open(c *cycle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cycles[c.req.SearchID] = c
	s.byBuyerRQ[c.req.BuyerRQ] = append(s.byBuyerRQ[c.req.BuyerRQ], c.req.SearchID)
}

// get returns the cycle for a search id.
func (s *searchStore) get(searchID string) (*cycle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cycles[searchID]
	return c, ok
}

// resolve finds a cycle by search id first, then by buyer rq. A non-empty
// buyer or item narrows the rq candidates. Without a buyer, an rq that still
// names more than one cycle is ambiguous and resolves to nothing.
func (s *searchStore) resolve(rq, buyer, item string) (*cycle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.resolveLocked(rq, buyer, item)
}

func (s *searchStore) resolveLocked(rq, buyer, item string) (*cycle, bool) {
	if c, ok := s.cycles[rq]; ok {
		return c, true
	}

	var matches []*cycle
	for _, id := range s.byBuyerRQ[rq] {
		c, ok := s.cycles[id]
		if !ok {
			continue
		}
		if buyer != "" && c.req.Buyer != buyer {
			continue
		}
		if item != "" && c.req.Item != item {
			continue
		}
		matches = append(matches, c)
	}
	if len(matches) == 0 || (len(matches) > 1 && buyer == "") {
		return nil, false
	}
	return matches[0], true
}

// live reports whether c is still open.
func (s *searchStore) live(c *cycle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.cycles[c.req.SearchID]
	return ok && cur == c
}

// view copies a cycle's state.
func (s *searchStore) view(c *cycle) cycleView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return c.view()
}

// transition applies fn to a still-open cycle whose state is from.
// It reports false when the cycle is gone or in another state.
func (s *searchStore) transition(c *cycle, from model.CycleState, fn func(c *cycle)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.cycles[c.req.SearchID]; !ok || cur != c || c.state != from {
		return false
	}
	fn(c)
	return true
}

// findReserved returns the oldest Reserved cycle for an item at price. A
// non-empty buyer limits the search to that buyer's cycles.
func (s *searchStore) findReserved(buyer, item string, price int64) (*cycle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *cycle
	for _, c := range s.cycles {
		if c.state != model.CycleReserved || c.tx == nil || c.tx.Item != item || c.tx.Price != price {
			continue
		}
		if buyer != "" && c.req.Buyer != buyer {
			continue
		}
		if found == nil || c.req.CreatedAt.Before(found.req.CreatedAt) {
			found = c
		}
	}
	return found, found != nil
}

// remove discards a cycle and wakes anything waiting on it.
func (s *searchStore) remove(c *cycle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.cycles[c.req.SearchID]; !ok || cur != c {
		return false
	}
	s.removeLocked(c)
	return true
}

func (s *searchStore) removeLocked(c *cycle) {
	delete(s.cycles, c.req.SearchID)
	ids := slices.DeleteFunc(s.byBuyerRQ[c.req.BuyerRQ], func(id string) bool { return id == c.req.SearchID })
	if len(ids) == 0 {
		delete(s.byBuyerRQ, c.req.BuyerRQ)
	} else {
		s.byBuyerRQ[c.req.BuyerRQ] = ids
	}
	close(c.done)
}

// removeIn discards a cycle only if it is in one of states. It returns the
// cycle's state at the time of the call either way.
func (s *searchStore) removeIn(c *cycle, states ...model.CycleState) (cycleView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := c.view()
	if cur, ok := s.cycles[c.req.SearchID]; !ok || cur != c {
		return v, false
	}
	for _, st := range states {
		if c.state == st {
			s.removeLocked(c)
			return v, true
		}
	}
	return v, false
}

// expire discards a Negotiating or Reserved cycle idle since before cutoff.
func (s *searchStore) expire(c *cycle, cutoff time.Time) (cycleView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.cycles[c.req.SearchID]; !ok || cur != c || !c.updatedAt.Before(cutoff) {
		return cycleView{}, false
	}
	if c.state != model.CycleNegotiating && c.state != model.CycleReserved {
		return cycleView{}, false
	}
	v := c.view()
	s.removeLocked(c)
	return v, true
}

// stale returns Negotiating or Reserved cycles idle since before cutoff.
func (s *searchStore) stale(cutoff time.Time) []*cycle {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*cycle
	for _, c := range s.cycles {
		if c.state != model.CycleNegotiating && c.state != model.CycleReserved {
			continue
		}
		if c.updatedAt.Before(cutoff) {
			out = append(out, c)
		}
	}
	return out
}

// snapshot copies every open cycle ordered by creation.
func (s *searchStore) snapshot() []cycleView {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]cycleView, 0, len(s.cycles))
	for _, c := range s.cycles {
		out = append(out, c.view())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].req.CreatedAt.Before(out[j].req.CreatedAt) })
	return out
}

// clearLocked discards every cycle. Caller holds mu.
func (s *searchStore) clearLocked() int {
	n := len(s.cycles)
	for _, c := range s.cycles {
		close(c.done)
	}
	s.cycles = make(map[string]*cycle)
	s.byBuyerRQ = make(map[string][]string)
	return n
}

// -----------------------------------------------------------------------------
// Offer store
// -----------------------------------------------------------------------------

// offerList is the receipt-ordered offers for one search.
type offerList struct {
	offers []model.Offer
	closed bool // No more offers after the window resolves
}

// offerStore holds offers keyed by search id.
type offerStore struct {
	mu    sync.Mutex
	lists map[string]*offerList
}

func newOfferStore() *offerStore {
	return &offerStore{lists: make(map[string]*offerList)}
}

func (s *offerStore) open(searchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[searchID] = &offerList{}
}

// add appends an offer while the list is open.
func (s *offerStore) add(o model.Offer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lists[o.SearchID]
	if !ok || l.closed {
		return false
	}
	l.offers = append(l.offers, o)
	return true
}

// list copies the offers for a search.
func (s *offerStore) list(searchID string) ([]model.Offer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lists[searchID]
	if !ok {
		return nil, false
	}
	return append([]model.Offer(nil), l.offers...), true
}

// close stops accepting offers and returns the final list.
func (s *offerStore) close(searchID string) ([]model.Offer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lists[searchID]
	if !ok {
		return nil, false
	}
	l.closed = true
	return append([]model.Offer(nil), l.offers...), true
}

func (s *offerStore) remove(searchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lists, searchID)
}

// clearLocked drops every offer list. Caller holds mu.
func (s *offerStore) clearLocked() int {
	n := len(s.lists)
	s.lists = make(map[string]*offerList)
	return n
}

// lowestOffer returns the cheapest offer, first-seen on ties.
func lowestOffer(offers []model.Offer) (model.Offer, bool) {
	if len(offers) == 0 {
		return model.Offer{}, false
	}
	best := offers[0]
	for _, o := range offers[1:] {
		if o.Price < best.Price {
			best = o
		}
	}
	return best, true
}
