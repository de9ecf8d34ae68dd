package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rickgao/market-broker/internal/model"
	"github.com/rickgao/market-broker/internal/protocol"
)

// -----------------------------------------------------------------------------
// Fakes
// -----------------------------------------------------------------------------

type sentFrame struct {
	addr  string
	frame protocol.Frame
}

// mockSender records every datagram.
type mockSender struct {
	mu   sync.Mutex
	sent []sentFrame
}

func (s *mockSender) Send(_ context.Context, addr string, data []byte) error {
	f, err := protocol.Parse(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sent = append(s.sent, sentFrame{addr: addr, frame: f})
	s.mu.Unlock()
	return nil
}

// frames returns frames of kind sent to addr.
func (s *mockSender) frames(addr string, kind protocol.Kind) []protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []protocol.Frame
	for _, sf := range s.sent {
		if sf.addr == addr && sf.frame.Kind == kind {
			out = append(out, sf.frame)
		}
	}
	return out
}

func (s *mockSender) count(kind protocol.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, sf := range s.sent {
		if sf.frame.Kind == kind {
			n++
		}
	}
	return n
}

// waitFor blocks until a frame of kind reaches addr.
func (s *mockSender) waitFor(t *testing.T, addr string, kind protocol.Kind) protocol.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fs := s.frames(addr, kind); len(fs) > 0 {
			return fs[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s frame sent to %s", kind, addr)
	return protocol.Frame{}
}

// mockExchanger answers INFORM_REQ with canned replies per address.
type mockExchanger struct {
	mu        sync.Mutex
	replies   map[string]string
	errs      map[string]error
	delay     time.Duration
	calls     []string
	delivered []sentFrame
}

func newMockExchanger() *mockExchanger {
	return &mockExchanger{
		replies: make(map[string]string),
		errs:    make(map[string]error),
	}
}

func (e *mockExchanger) Exchange(ctx context.Context, addr string, _ []byte) ([]byte, error) {
	e.mu.Lock()
	e.calls = append(e.calls, addr)
	reply, err, delay := e.replies[addr], e.errs[addr], e.delay
	e.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return []byte(reply), nil
}

func (e *mockExchanger) Deliver(_ context.Context, addr string, data []byte) error {
	f, err := protocol.Parse(data)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.errs["deliver:"+addr]; err != nil {
		return err
	}
	e.delivered = append(e.delivered, sentFrame{addr: addr, frame: f})
	return nil
}

func (e *mockExchanger) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// mockLedger collects recorded transactions.
type mockLedger struct {
	mu  sync.Mutex
	txs []model.Transaction
}

func (l *mockLedger) Record(tx model.Transaction) {
	l.mu.Lock()
	l.txs = append(l.txs, tx)
	l.mu.Unlock()
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func addr(port int) string {
	return fmt.Sprintf("127.0.0.1:%d", port)
}

func testBroker(t *testing.T, window time.Duration) (*Broker, *mockSender, *mockExchanger) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.CollectionWindow = window
	cfg.ExchangeTimeout = time.Second
	s := &mockSender{}
	e := newMockExchanger()
	return New(cfg, nil, s, e, nil), s, e
}

// register adds name with datagram port port and stream port port+1000.
func register(t *testing.T, b *Broker, name string, port int) {
	t.Helper()
	if _, err := b.Register(name, "127.0.0.1", port, port+1000); err != nil {
		t.Fatalf("Register(%s) failed: %v", name, err)
	}
}

type searchResult struct {
	out MatchOutcome
	err error
}

func startSearch(b *Broker, buyerRQ, buyer, item string, maxPrice int64) <-chan searchResult {
	ch := make(chan searchResult, 1)
	go func() {
		out, err := b.Search(context.Background(), buyerRQ, buyer, item, "d", maxPrice)
		ch <- searchResult{out, err}
	}()
	return ch
}

func waitResult(t *testing.T, ch <-chan searchResult) searchResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("Search did not return")
		return searchResult{}
	}
}

// reserved runs alice's search for X (max 100) with bob offering 80.
func reserved(t *testing.T) (*Broker, *mockSender, *mockExchanger) {
	t.Helper()
	b, s, e := testBroker(t, 50*time.Millisecond)
	register(t, b, "alice", 6001)
	register(t, b, "bob", 6002)

	ch := startSearch(b, "1", "alice", "X", 100)
	f := s.waitFor(t, addr(6002), protocol.KindSearch)
	if err := b.RecordOffer(f.Fields[0], "bob", "X", 80); err != nil {
		t.Fatalf("RecordOffer failed: %v", err)
	}
	r := waitResult(t, ch)
	if r.err != nil || r.out.Result != MatchReserved {
		t.Fatalf("Search = %+v, %v, want reserved", r.out, r.err)
	}
	return b, s, e
}

// -----------------------------------------------------------------------------
// Matching
// -----------------------------------------------------------------------------

func TestSearch_NotRegistered(t *testing.T) {
	b, _, _ := testBroker(t, 10*time.Millisecond)

	_, err := b.Search(context.Background(), "1", "ghost", "X", "d", 100)
	if !errors.Is(err, ErrNotRegistered) {
		t.Errorf("Search error = %v, want ErrNotRegistered", err)
	}
}

func TestSearch_BroadcastSkipsBuyer(t *testing.T) {
	b, s, _ := testBroker(t, 30*time.Millisecond)
	register(t, b, "alice", 6001)
	register(t, b, "bob", 6002)
	register(t, b, "carol", 6003)

	waitResult(t, startSearch(b, "1", "alice", "X", 100))

	if n := len(s.frames(addr(6001), protocol.KindSearch)); n != 0 {
		t.Errorf("buyer received %d SEARCH frames, want 0", n)
	}
	for _, port := range []int{6002, 6003} {
		fs := s.frames(addr(port), protocol.KindSearch)
		if len(fs) != 1 {
			t.Fatalf("port %d received %d SEARCH frames, want 1", port, len(fs))
		}
		if got := fs[0].String(); got != "SEARCH SEARCH-1 X d alice" {
			t.Errorf("SEARCH = %q", got)
		}
	}
}

func TestSearch_WinnerIsFirstSeenLowest(t *testing.T) {
	b, s, _ := testBroker(t, 100*time.Millisecond)
	register(t, b, "alice", 6001)
	register(t, b, "A", 6002)
	register(t, b, "B", 6003)
	register(t, b, "C", 6004)

	ch := startSearch(b, "1", "alice", "X", 100)
	id := s.waitFor(t, addr(6004), protocol.KindSearch).Fields[0]

	for _, o := range []struct {
		seller string
		price  int64
	}{{"A", 50}, {"B", 30}, {"C", 30}} {
		if err := b.RecordOffer(id, o.seller, "X", o.price); err != nil {
			t.Fatalf("RecordOffer(%s) failed: %v", o.seller, err)
		}
	}

	r := waitResult(t, ch)
	if r.err != nil {
		t.Fatalf("Search failed: %v", r.err)
	}
	if r.out.Result != MatchReserved {
		t.Fatalf("Result = %s, want reserved", r.out.Result)
	}
	if r.out.Winner.Seller != "B" || r.out.Price != 30 {
		t.Errorf("winner = %s at %d, want B at 30", r.out.Winner.Seller, r.out.Price)
	}

	if fs := s.frames(addr(6003), protocol.KindReserve); len(fs) != 1 || fs[0].String() != "RESERVE "+id+" X 30" {
		t.Errorf("RESERVE to B = %v", fs)
	}
	for _, port := range []int{6002, 6004} {
		if n := len(s.frames(addr(port), protocol.KindReserve)); n != 0 {
			t.Errorf("port %d received %d RESERVE frames, want 0", port, n)
		}
	}
	if got := s.waitFor(t, addr(6001), protocol.KindFound).String(); got != "FOUND 1 X 30" {
		t.Errorf("FOUND = %q, want %q", got, "FOUND 1 X 30")
	}
}

func TestSearch_NegotiationTrigger(t *testing.T) {
	b, s, _ := testBroker(t, 50*time.Millisecond)
	register(t, b, "alice", 6001)
	register(t, b, "bob", 6002)

	ch := startSearch(b, "1", "alice", "X", 100)
	id := s.waitFor(t, addr(6002), protocol.KindSearch).Fields[0]
	if err := b.RecordOffer(id, "bob", "X", 120); err != nil {
		t.Fatalf("RecordOffer failed: %v", err)
	}

	r := waitResult(t, ch)
	if r.out.Result != MatchNegotiating {
		t.Fatalf("Result = %s, want negotiating", r.out.Result)
	}

	fs := s.frames(addr(6002), protocol.KindNegotiate)
	if len(fs) != 1 {
		t.Fatalf("NEGOTIATE frames = %d, want 1", len(fs))
	}
	if got := fs[0].String(); got != "NEGOTIATE "+id+" X 100" {
		t.Errorf("NEGOTIATE = %q", got)
	}
	if n := s.count(protocol.KindReserve) + s.count(protocol.KindFound); n != 0 {
		t.Errorf("reservation frames = %d, want 0", n)
	}
}

func TestSearch_TimeoutNotAvailable(t *testing.T) {
	const window = 150 * time.Millisecond
	b, s, _ := testBroker(t, window)
	register(t, b, "alice", 6001)

	start := time.Now()
	r := waitResult(t, startSearch(b, "7", "alice", "X", 100))
	elapsed := time.Since(start)

	if r.out.Result != MatchNotAvailable {
		t.Fatalf("Result = %s, want not_available", r.out.Result)
	}
	if elapsed < window {
		t.Errorf("returned after %v, want at least %v", elapsed, window)
	}
	if elapsed > window+time.Second {
		t.Errorf("returned after %v, want close to %v", elapsed, window)
	}
	if got := s.waitFor(t, addr(6001), protocol.KindNotAvailable).String(); got != "NOT_AVAILABLE 7 X" {
		t.Errorf("NOT_AVAILABLE = %q", got)
	}
	if n := len(b.Searches()); n != 0 {
		t.Errorf("open searches = %d, want 0", n)
	}
}

func TestSearch_EarlyResolve(t *testing.T) {
	b, s, _ := testBroker(t, 10*time.Second)
	b.cfg.EarlyResolve = true
	register(t, b, "alice", 6001)
	register(t, b, "bob", 6002)

	start := time.Now()
	ch := startSearch(b, "1", "alice", "X", 100)
	id := s.waitFor(t, addr(6002), protocol.KindSearch).Fields[0]
	if err := b.RecordOffer(id, "bob", "X", 90); err != nil {
		t.Fatalf("RecordOffer failed: %v", err)
	}

	r := waitResult(t, ch)
	if r.out.Result != MatchReserved {
		t.Fatalf("Result = %s, want reserved", r.out.Result)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("early resolve took %v", elapsed)
	}
}

func TestRecordOffer_UnknownRequest(t *testing.T) {
	b, _, _ := testBroker(t, 10*time.Millisecond)

	if err := b.RecordOffer("SEARCH-99", "bob", "X", 10); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("RecordOffer error = %v, want ErrUnknownRequest", err)
	}
}

func TestRecordOffer_AfterResolution(t *testing.T) {
	b, s, _ := reserved(t)
	id := s.frames(addr(6002), protocol.KindSearch)[0].Fields[0]

	if err := b.RecordOffer(id, "carol", "X", 1); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("late RecordOffer error = %v, want ErrUnknownRequest", err)
	}
}

// -----------------------------------------------------------------------------
// Negotiation
// -----------------------------------------------------------------------------

func negotiating(t *testing.T) (*Broker, *mockSender, string) {
	t.Helper()
	b, s, _ := testBroker(t, 50*time.Millisecond)
	register(t, b, "alice", 6001)
	register(t, b, "bob", 6002)

	ch := startSearch(b, "1", "alice", "X", 100)
	id := s.waitFor(t, addr(6002), protocol.KindSearch).Fields[0]
	if err := b.RecordOffer(id, "bob", "X", 120); err != nil {
		t.Fatalf("RecordOffer failed: %v", err)
	}
	if r := waitResult(t, ch); r.out.Result != MatchNegotiating {
		t.Fatalf("Result = %s, want negotiating", r.out.Result)
	}
	return b, s, id
}

func TestAccept_Reserves(t *testing.T) {
	b, s, id := negotiating(t)

	if err := b.Accept(context.Background(), id, "X", 100); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if got := s.waitFor(t, addr(6002), protocol.KindReserve).String(); got != "RESERVE "+id+" X 100" {
		t.Errorf("RESERVE = %q", got)
	}
	if got := s.waitFor(t, addr(6001), protocol.KindFound).String(); got != "FOUND 1 X 100" {
		t.Errorf("FOUND = %q", got)
	}

	// A second ACCEPT finds the cycle no longer negotiating.
	if err := b.Accept(context.Background(), id, "X", 100); !errors.Is(err, ErrRequestExpired) {
		t.Errorf("second Accept error = %v, want ErrRequestExpired", err)
	}
}

func TestAccept_NoValidOffer(t *testing.T) {
	b, _, id := negotiating(t)

	if err := b.Accept(context.Background(), id, "Y", 100); !errors.Is(err, ErrNoValidOffer) {
		t.Errorf("Accept(wrong item) error = %v, want ErrNoValidOffer", err)
	}
	if err := b.Accept(context.Background(), id, "X", 150); !errors.Is(err, ErrNoValidOffer) {
		t.Errorf("Accept(above max) error = %v, want ErrNoValidOffer", err)
	}
}

func TestRefuse_NotAvailable(t *testing.T) {
	b, s, id := negotiating(t)

	if err := b.Refuse(context.Background(), id, "X", 100); err != nil {
		t.Fatalf("Refuse failed: %v", err)
	}
	if got := s.waitFor(t, addr(6001), protocol.KindNotAvailable).String(); got != "NOT_AVAILABLE 1 X" {
		t.Errorf("NOT_AVAILABLE = %q", got)
	}
	if n := len(b.Searches()); n != 0 {
		t.Errorf("open searches = %d, want 0", n)
	}
}

func TestNegotiation_RequestExpired(t *testing.T) {
	b, s, _ := testBroker(t, 10*time.Millisecond)
	ctx := context.Background()

	if err := b.Accept(ctx, "SEARCH-5", "X", 10); !errors.Is(err, ErrRequestExpired) {
		t.Errorf("Accept error = %v, want ErrRequestExpired", err)
	}
	if err := b.Refuse(ctx, "SEARCH-5", "X", 10); !errors.Is(err, ErrRequestExpired) {
		t.Errorf("Refuse error = %v, want ErrRequestExpired", err)
	}
	if err := b.Negotiate(ctx, "", "SEARCH-5", "X", 10); !errors.Is(err, ErrRequestExpired) {
		t.Errorf("Negotiate error = %v, want ErrRequestExpired", err)
	}
	if n := s.count(protocol.KindNotAvailable) + s.count(protocol.KindNegotiate); n != 0 {
		t.Errorf("frames sent = %d, want 0", n)
	}
}

func TestNegotiate_ForwardsCounter(t *testing.T) {
	b, s, id := negotiating(t)

	// The buyer's rq resolves to the same cycle.
	if err := b.Negotiate(context.Background(), "alice", "1", "X", 110); err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}
	fs := s.frames(addr(6002), protocol.KindNegotiate)
	if len(fs) != 2 {
		t.Fatalf("NEGOTIATE frames = %d, want 2", len(fs))
	}
	if got := fs[1].String(); got != "NEGOTIATE "+id+" X 110" {
		t.Errorf("NEGOTIATE = %q", got)
	}
}

// -----------------------------------------------------------------------------
// Finalization
// -----------------------------------------------------------------------------

func TestBuy_HappyPath(t *testing.T) {
	b, s, e := reserved(t)
	ledger := &mockLedger{}
	b.SetLedger(ledger)

	e.replies[addr(7001)] = "INFORM_RES 1 alice 4111111111111111 12/29 12 Main St"
	e.replies[addr(7002)] = "INFORM_RES 1 bob 5500-0000-0000-0004 01/30 9 Elm Rd"

	tx, err := b.Buy(context.Background(), "alice", "1", "X", 80)
	if err != nil {
		t.Fatalf("Buy failed: %v", err)
	}
	if tx.State != model.TxSucceeded {
		t.Fatalf("State = %s (%s), want succeeded", tx.State, tx.Reason)
	}
	if !tx.Proceeds.Equal(SellerProceeds(80)) || tx.Proceeds.String() != "72" {
		t.Errorf("Proceeds = %s, want 72", tx.Proceeds)
	}
	if tx.Buyer != "alice" || tx.Seller != "bob" || tx.Price != 80 {
		t.Errorf("tx = %+v", tx)
	}

	if e.callCount() != 2 {
		t.Errorf("INFORM exchanges = %d, want 2", e.callCount())
	}
	if len(e.delivered) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(e.delivered))
	}
	if d := e.delivered[0]; d.addr != addr(7002) || d.frame.String() != "SHIPPING_INFO 1 alice 12 Main St" {
		t.Errorf("delivery = %s %q", d.addr, d.frame.String())
	}
	if got := s.waitFor(t, addr(6001), protocol.KindTransactionSuccess).String(); got != "TRANSACTION_SUCCESS 1 X 80" {
		t.Errorf("TRANSACTION_SUCCESS = %q", got)
	}

	if n := len(b.Searches()); n != 0 {
		t.Errorf("open searches = %d, want 0", n)
	}
	if p, _ := b.Registry().Lookup("alice"); p.ShippingAddress != "" {
		t.Errorf("ShippingAddress = %q, want cleared", p.ShippingAddress)
	}
	if len(ledger.txs) != 1 || ledger.txs[0].State != model.TxSucceeded {
		t.Errorf("ledger = %+v", ledger.txs)
	}
}

func TestBuy_Mismatch(t *testing.T) {
	tests := []struct {
		name  string
		rq    string
		item  string
		price int64
		want  error
	}{
		{"wrong price", "1", "X", 79, ErrNoMatchingOffer},
		{"wrong item", "1", "Y", 80, ErrNoMatchingSearch},
		{"unknown rq and item", "9", "Z", 80, ErrNoMatchingSearch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, s, e := reserved(t)
			reserves := s.count(protocol.KindReserve)

			_, err := b.Buy(context.Background(), "alice", tt.rq, tt.item, tt.price)
			if !errors.Is(err, tt.want) {
				t.Errorf("Buy error = %v, want %v", err, tt.want)
			}
			if e.callCount() != 0 {
				t.Errorf("INFORM exchanges = %d, want 0", e.callCount())
			}
			if got := s.count(protocol.KindReserve); got != reserves {
				t.Errorf("RESERVE frames = %d, want %d", got, reserves)
			}
			if n := len(b.Searches()); n != 1 {
				t.Errorf("open searches = %d, want 1", n)
			}
		})
	}
}

func TestBuy_ByItemFallback(t *testing.T) {
	b, _, e := reserved(t)
	e.replies[addr(7001)] = "INFORM_RES 1 alice 4111 12/29 12 Main St"
	e.replies[addr(7002)] = "INFORM_RES 1 bob 5500 01/30 9 Elm Rd"

	tx, err := b.Buy(context.Background(), "alice", "unrelated", "X", 80)
	if err != nil {
		t.Fatalf("Buy failed: %v", err)
	}
	if tx.State != model.TxSucceeded {
		t.Errorf("State = %s, want succeeded", tx.State)
	}
}

func TestBuy_CancelPaths(t *testing.T) {
	tests := []struct {
		name       string
		buyerReply string
		sellerErr  error
		sellerRes  string
		reason     string
	}{
		{
			name:       "seller unreachable",
			buyerReply: "INFORM_RES 1 alice 4111 12/29 12 Main St",
			sellerErr:  errors.New("connection refused"),
			reason:     "Failed to retrieve transaction information from seller",
		},
		{
			name:       "seller malformed",
			buyerReply: "INFORM_RES 1 alice 4111 12/29 12 Main St",
			sellerRes:  "INFORM_RES 1 bob",
			reason:     "Invalid transaction information format from seller",
		},
		{
			name:       "payment fails",
			buyerReply: "INFORM_RES 1 alice not-a-card 12/29 12 Main St",
			sellerRes:  "INFORM_RES 1 bob 5500 01/30 9 Elm Rd",
			reason:     "Payment processing failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, s, e := reserved(t)
			e.replies[addr(7001)] = tt.buyerReply
			e.replies[addr(7002)] = tt.sellerRes
			if tt.sellerErr != nil {
				e.errs[addr(7002)] = tt.sellerErr
			}

			tx, err := b.Buy(context.Background(), "alice", "1", "X", 80)
			if err != nil {
				t.Fatalf("Buy error = %v, want nil", err)
			}
			if tx.State != model.TxCanceled || tx.Reason != tt.reason {
				t.Errorf("tx = %s %q, want canceled %q", tx.State, tx.Reason, tt.reason)
			}

			if got := s.waitFor(t, addr(6001), protocol.KindCancel).String(); got != "CANCEL 1 "+tt.reason {
				t.Errorf("buyer CANCEL = %q", got)
			}
			if got := s.waitFor(t, addr(6002), protocol.KindCancel).String(); !strings.HasSuffix(got, tt.reason) {
				t.Errorf("seller CANCEL = %q", got)
			}
			if n := s.count(protocol.KindTransactionSuccess); n != 0 {
				t.Errorf("TRANSACTION_SUCCESS frames = %d, want 0", n)
			}
			if len(e.delivered) != 0 {
				t.Errorf("deliveries = %d, want 0", len(e.delivered))
			}
			if n := len(b.Searches()); n != 0 {
				t.Errorf("open searches = %d, want 0", n)
			}

		})
	}
}

func TestBuy_ShippingDeliveryFails(t *testing.T) {
	b, s, e := reserved(t)
	e.replies[addr(7001)] = "INFORM_RES 1 alice 4111 12/29 12 Main St"
	e.replies[addr(7002)] = "INFORM_RES 1 bob 5500 01/30 9 Elm Rd"
	e.errs["deliver:"+addr(7002)] = errors.New("broken pipe")

	tx, _ := b.Buy(context.Background(), "alice", "1", "X", 80)
	if tx.State != model.TxCanceled {
		t.Fatalf("State = %s, want canceled", tx.State)
	}
	if got := s.waitFor(t, addr(6001), protocol.KindCancel).String(); got != "CANCEL 1 Failed to send shipping information to seller" {
		t.Errorf("buyer CANCEL = %q", got)
	}
}

func TestBuy_SingleFinalization(t *testing.T) {
	b, s, e := reserved(t)
	e.replies[addr(7001)] = "INFORM_RES 1 alice 4111 12/29 12 Main St"
	e.replies[addr(7002)] = "INFORM_RES 1 bob 5500 01/30 9 Elm Rd"
	e.delay = 50 * time.Millisecond

	var wg sync.WaitGroup
	var finalized, rejected atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Buy(context.Background(), "alice", "1", "X", 80)
			switch {
			case err == nil:
				finalized.Add(1)
			case errors.Is(err, ErrInProgress), errors.Is(err, ErrNoMatchingSearch):
				rejected.Add(1)
			default:
				t.Errorf("Buy error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := finalized.Load(); got != 1 {
		t.Errorf("finalized = %d, want 1", got)
	}
	if got := rejected.Load(); got != 7 {
		t.Errorf("rejected = %d, want 7", got)
	}
	if n := s.count(protocol.KindTransactionSuccess); n != 1 {
		t.Errorf("TRANSACTION_SUCCESS frames = %d, want 1", n)
	}
}

func TestInform_ErrorTaxonomy(t *testing.T) {
	b, _, e := testBroker(t, time.Second)
	p := model.Participant{Name: "bob", Address: "127.0.0.1", DatagramPort: 6002, StreamPort: 7002}
	req := protocol.InformReq{Item: "X", Price: 80}.Frame().Bytes()

	e.errs[addr(7002)] = errors.New("connection refused")
	_, err := b.inform(context.Background(), p, "seller", req)
	if !errors.Is(err, ErrTransportFailure) {
		t.Errorf("unreachable error = %v, want ErrTransportFailure", err)
	}
	if got := cancelReason(err); got != "Failed to retrieve transaction information from seller" {
		t.Errorf("cancelReason = %q", got)
	}

	delete(e.errs, addr(7002))
	e.replies[addr(7002)] = "OFFER 1 bob X 80"
	_, err = b.inform(context.Background(), p, "seller", req)
	if !errors.Is(err, ErrMalformedMessage) {
		t.Errorf("malformed error = %v, want ErrMalformedMessage", err)
	}

	if got := cancelReason(errors.New("boom")); got != "Transaction error: boom" {
		t.Errorf("cancelReason(plain) = %q", got)
	}
}

func TestSimulatePayment(t *testing.T) {
	tests := []struct {
		buyer, seller string
		price         int64
		want          string
		wantErr       bool
	}{
		{"4111111111111111", "5500000000000004", 80, "72", false},
		{"4111-1111-1111-1111", "5500", 100, "90", false},
		{"4111", "5500", 15, "13.5", false},
		{"abcd", "5500", 80, "", true},
		{"4111", "", 80, "", true},
	}

	for _, tt := range tests {
		got, err := SimulatePayment(tt.buyer, tt.seller, tt.price)
		if tt.wantErr {
			if !errors.Is(err, ErrPaymentSimulation) {
				t.Errorf("SimulatePayment(%q, %q) error = %v, want ErrPaymentSimulation", tt.buyer, tt.seller, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("SimulatePayment(%q, %q) failed: %v", tt.buyer, tt.seller, err)
			continue
		}
		if got.String() != tt.want {
			t.Errorf("SimulatePayment(%d) = %s, want %s", tt.price, got, tt.want)
		}
	}
}

// -----------------------------------------------------------------------------
// Cancel, reset, expiry
// -----------------------------------------------------------------------------

func TestCancelSearch_WhileCollecting(t *testing.T) {
	b, s, _ := testBroker(t, 5*time.Second)
	register(t, b, "alice", 6001)
	register(t, b, "bob", 6002)

	ch := startSearch(b, "1", "alice", "X", 100)
	s.waitFor(t, addr(6002), protocol.KindSearch)

	item, err := b.CancelSearch(context.Background(), "alice", "1", "X")
	if err != nil {
		t.Fatalf("CancelSearch failed: %v", err)
	}
	if item != "X" {
		t.Errorf("item = %q, want X", item)
	}

	r := waitResult(t, ch)
	if r.err != nil || r.out.Result != MatchCanceled {
		t.Errorf("Search = %+v, %v, want canceled", r.out, r.err)
	}
	if n := s.count(protocol.KindNotAvailable); n != 0 {
		t.Errorf("NOT_AVAILABLE frames = %d, want 0", n)
	}
}

func TestCancelSearch_Reserved(t *testing.T) {
	b, s, _ := reserved(t)

	if _, err := b.CancelSearch(context.Background(), "alice", "1", "Y"); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("CancelSearch(wrong item) error = %v, want ErrUnknownRequest", err)
	}
	if _, err := b.CancelSearch(context.Background(), "alice", "1", ""); err != nil {
		t.Fatalf("CancelSearch failed: %v", err)
	}
	s.waitFor(t, addr(6002), protocol.KindCancel)

	if _, err := b.Buy(context.Background(), "alice", "1", "X", 80); !errors.Is(err, ErrNoMatchingSearch) {
		t.Errorf("Buy after cancel error = %v, want ErrNoMatchingSearch", err)
	}
}

func TestReset_Teardown(t *testing.T) {
	b, s, _ := reserved(t)
	id := s.frames(addr(6002), protocol.KindSearch)[0].Fields[0]

	b.Reset()

	if _, ok := b.Registry().Lookup("alice"); ok {
		t.Error("alice still registered after Reset")
	}
	if err := b.Deregister("bob"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("Deregister error = %v, want ErrNotRegistered", err)
	}
	if err := b.RecordOffer(id, "bob", "X", 10); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("RecordOffer error = %v, want ErrUnknownRequest", err)
	}
	if _, err := b.Buy(context.Background(), "alice", "1", "X", 80); !errors.Is(err, ErrNoMatchingSearch) {
		t.Errorf("Buy error = %v, want ErrNoMatchingSearch", err)
	}
	if n := len(b.Searches()); n != 0 {
		t.Errorf("open searches = %d, want 0", n)
	}
}

func TestReset_EndsCollection(t *testing.T) {
	b, s, _ := testBroker(t, 5*time.Second)
	register(t, b, "alice", 6001)
	register(t, b, "bob", 6002)

	ch := startSearch(b, "1", "alice", "X", 100)
	s.waitFor(t, addr(6002), protocol.KindSearch)
	b.Reset()

	if r := waitResult(t, ch); r.out.Result != MatchCanceled {
		t.Errorf("Result = %s, want canceled", r.out.Result)
	}
}

func TestExpireStale(t *testing.T) {
	b, s, _ := reserved(t)
	b.cfg.CycleTTL = time.Minute

	if n := b.ExpireStale(context.Background()); n != 0 {
		t.Fatalf("ExpireStale = %d, want 0 before TTL", n)
	}

	b.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if n := b.ExpireStale(context.Background()); n != 1 {
		t.Fatalf("ExpireStale = %d, want 1", n)
	}
	if got := s.waitFor(t, addr(6001), protocol.KindCancel).String(); got != "CANCEL 1 Reservation expired" {
		t.Errorf("buyer CANCEL = %q", got)
	}
	s.waitFor(t, addr(6002), protocol.KindCancel)
	if n := len(b.Searches()); n != 0 {
		t.Errorf("open searches = %d, want 0", n)
	}
}

func TestSearches_Snapshot(t *testing.T) {
	b, _, _ := reserved(t)

	snaps := b.Searches()
	if len(snaps) != 1 {
		t.Fatalf("len(Searches()) = %d, want 1", len(snaps))
	}
	got := snaps[0]
	if got.State != model.CycleReserved || got.Seller != "bob" || got.Price != 80 || got.Offers != 1 {
		t.Errorf("snapshot = %+v", got)
	}
}

// -----------------------------------------------------------------------------
// Request numbers shared between buyers
// -----------------------------------------------------------------------------

// searchIDs waits until n SEARCH frames reached addr and returns their ids.
func searchIDs(t *testing.T, s *mockSender, to string, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fs := s.frames(to, protocol.KindSearch); len(fs) >= n {
			ids := make([]string, 0, n)
			for _, f := range fs[:n] {
				ids = append(ids, f.Fields[0])
			}
			return ids
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("fewer than %d SEARCH frames sent to %s", n, to)
	return nil
}

func TestCancelSearch_SharedRQ(t *testing.T) {
	b, s, _ := testBroker(t, 5*time.Second)
	register(t, b, "alice", 6001)
	register(t, b, "bob", 6002)
	register(t, b, "carol", 6003)
	ctx := context.Background()

	aliceCh := startSearch(b, "2", "alice", "X", 100)
	searchIDs(t, s, addr(6003), 1)
	bobCh := startSearch(b, "2", "bob", "Y", 100)
	searchIDs(t, s, addr(6003), 2)

	// Without a sender the rq names two cycles.
	if _, err := b.CancelSearch(ctx, "", "2", ""); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("CancelSearch(anonymous) error = %v, want ErrUnknownRequest", err)
	}
	if n := len(b.Searches()); n != 2 {
		t.Fatalf("open searches = %d, want 2", n)
	}

	item, err := b.CancelSearch(ctx, "alice", "2", "X")
	if err != nil {
		t.Fatalf("CancelSearch(alice) failed: %v", err)
	}
	if item != "X" {
		t.Errorf("item = %q, want X", item)
	}
	if r := waitResult(t, aliceCh); r.out.Result != MatchCanceled {
		t.Errorf("alice Result = %s, want canceled", r.out.Result)
	}

	snaps := b.Searches()
	if len(snaps) != 1 || snaps[0].Buyer != "bob" {
		t.Fatalf("open searches = %+v, want bob's only", snaps)
	}
	if _, err := b.CancelSearch(ctx, "alice", "2", ""); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("second CancelSearch(alice) error = %v, want ErrUnknownRequest", err)
	}

	item, err = b.CancelSearch(ctx, "bob", "2", "")
	if err != nil {
		t.Fatalf("CancelSearch(bob) failed: %v", err)
	}
	if item != "Y" {
		t.Errorf("item = %q, want Y", item)
	}
	if r := waitResult(t, bobCh); r.out.Result != MatchCanceled {
		t.Errorf("bob Result = %s, want canceled", r.out.Result)
	}
}

func TestBuy_SharedRQ(t *testing.T) {
	b, s, e := testBroker(t, 100*time.Millisecond)
	register(t, b, "alice", 6001)
	register(t, b, "bob", 6002)
	register(t, b, "carol", 6003)
	e.replies[addr(7001)] = "INFORM_RES 5 alice 4111 12/29 12 Main St"
	e.replies[addr(7003)] = "INFORM_RES 5 carol 5500 01/30 9 Elm Rd"

	aliceCh := startSearch(b, "2", "alice", "X", 100)
	bobCh := startSearch(b, "2", "bob", "X", 100)
	for _, id := range searchIDs(t, s, addr(6003), 2) {
		if err := b.RecordOffer(id, "carol", "X", 80); err != nil {
			t.Fatalf("RecordOffer(%s) failed: %v", id, err)
		}
	}
	for _, ch := range []<-chan searchResult{aliceCh, bobCh} {
		if r := waitResult(t, ch); r.out.Result != MatchReserved {
			t.Fatalf("Result = %s, want reserved", r.out.Result)
		}
	}

	tx, err := b.Buy(context.Background(), "alice", "2", "X", 80)
	if err != nil {
		t.Fatalf("Buy failed: %v", err)
	}
	if tx.Buyer != "alice" || tx.State != model.TxSucceeded {
		t.Errorf("tx = %s %s (%s), want alice succeeded", tx.Buyer, tx.State, tx.Reason)
	}

	snaps := b.Searches()
	if len(snaps) != 1 || snaps[0].Buyer != "bob" || snaps[0].State != model.CycleReserved {
		t.Errorf("open searches = %+v, want bob's reservation", snaps)
	}
	if n := len(s.frames(addr(6002), protocol.KindTransactionSuccess)); n != 0 {
		t.Errorf("TRANSACTION_SUCCESS to bob = %d, want 0", n)
	}
}

func TestBuy_ResetDuringFinalization(t *testing.T) {
	b, s, e := reserved(t)
	ledger := &mockLedger{}
	b.SetLedger(ledger)
	e.replies[addr(7001)] = "INFORM_RES 1 alice 4111 12/29 12 Main St"
	e.replies[addr(7002)] = "INFORM_RES 1 bob 5500 01/30 9 Elm Rd"
	e.delay = 150 * time.Millisecond

	done := make(chan model.Transaction, 1)
	go func() {
		tx, _ := b.Buy(context.Background(), "alice", "1", "X", 80)
		done <- tx
	}()

	deadline := time.Now().Add(2 * time.Second)
	for e.callCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	b.Reset()
	register(t, b, "alice", 6001)
	if err := b.Registry().SetShippingAddress("alice", "5 New St"); err != nil {
		t.Fatalf("SetShippingAddress failed: %v", err)
	}

	var tx model.Transaction
	select {
	case tx = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Buy did not return")
	}

	if tx.State != model.TxCanceled || tx.Reason != "Transaction aborted by reset" {
		t.Errorf("tx = %s %q, want canceled by reset", tx.State, tx.Reason)
	}
	if len(e.delivered) != 0 {
		t.Errorf("deliveries = %d, want 0", len(e.delivered))
	}
	if n := s.count(protocol.KindTransactionSuccess) + s.count(protocol.KindCancel); n != 0 {
		t.Errorf("frames after reset = %d, want 0", n)
	}
	if p, _ := b.Registry().Lookup("alice"); p.ShippingAddress != "5 New St" {
		t.Errorf("ShippingAddress = %q, want the new registration's", p.ShippingAddress)
	}
	if len(ledger.txs) != 1 || ledger.txs[0].State != model.TxCanceled {
		t.Errorf("ledger = %+v", ledger.txs)
	}
}
