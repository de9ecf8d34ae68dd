package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/market-broker/internal/client"
	"github.com/rickgao/market-broker/internal/config"
	"github.com/rickgao/market-broker/internal/model"
	"github.com/rickgao/market-broker/internal/protocol"
)

type captureLedger struct {
	mu  sync.Mutex
	txs []model.Transaction
	got chan model.Transaction
}

func newCaptureLedger() *captureLedger {
	return &captureLedger{got: make(chan model.Transaction, 8)}
}

func (l *captureLedger) Record(tx model.Transaction) {
	l.mu.Lock()
	l.txs = append(l.txs, tx)
	l.mu.Unlock()
	l.got <- tx
}

func startServer(t *testing.T) (*Server, *captureLedger) {
	t.Helper()
	cfg := config.Default("test")
	cfg.Listen.DatagramPort = 0
	cfg.Listen.StreamPort = 0
	cfg.Admin.Port = 0
	cfg.Matching.CollectionWindow = 200 * time.Millisecond
	cfg.Transaction.ExchangeTimeout = 2 * time.Second

	s := New(cfg, nil)
	led := newCaptureLedger()
	s.Broker().SetLedger(led)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, led
}

func startClient(t *testing.T, s *Server, name string) *client.Client {
	t.Helper()
	cfg := client.DefaultConfig()
	cfg.Name = name
	cfg.BrokerAddr = s.DatagramAddr().String()
	cfg.Details = model.PaymentDetails{
		Name:       name,
		CardNumber: "4111-1111-1111-1111",
		Expiry:     "12/29",
		Address:    "12 Main St Springfield",
	}

	c := client.New(cfg, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("client %s Start failed: %v", name, err)
	}
	t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.Register(ctx); err != nil {
		t.Fatalf("client %s Register failed: %v", name, err)
	}
	return c
}

func waitKind(t *testing.T, c *client.Client, kind protocol.Kind) protocol.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f, err := c.WaitFor(ctx, client.Kind(kind))
	if err != nil {
		t.Fatalf("%s waiting for %s: %v", c.Name(), kind, err)
	}
	return f
}

func TestEndToEnd_HappyPath(t *testing.T) {
	s, led := startServer(t)
	alice := startClient(t, s, "alice")
	bob := startClient(t, s, "bob")
	ctx := context.Background()

	rq, err := alice.LookingFor(ctx, "X", "d", 100)
	if err != nil {
		t.Fatalf("LookingFor failed: %v", err)
	}

	search, err := protocol.DecodeSearch(waitKind(t, bob, protocol.KindSearch))
	if err != nil {
		t.Fatalf("DecodeSearch failed: %v", err)
	}
	if search.Item != "X" || search.Buyer != "alice" {
		t.Errorf("SEARCH = %+v", search)
	}
	if err := bob.Offer(ctx, search.SearchID, "X", 80); err != nil {
		t.Fatalf("Offer failed: %v", err)
	}

	found, err := protocol.DecodeItemPrice(waitKind(t, alice, protocol.KindFound), protocol.KindFound)
	if err != nil {
		t.Fatalf("decode FOUND: %v", err)
	}
	if found.RQ != rq || found.Item != "X" || found.Price != 80 {
		t.Errorf("FOUND = %+v, want rq %s X 80", found, rq)
	}
	reserve, _ := protocol.DecodeItemPrice(waitKind(t, bob, protocol.KindReserve), protocol.KindReserve)
	if reserve.RQ != search.SearchID || reserve.Price != 80 {
		t.Errorf("RESERVE = %+v", reserve)
	}

	if err := alice.Buy(ctx, rq, "X", 80); err != nil {
		t.Fatalf("Buy failed: %v", err)
	}

	success, _ := protocol.DecodeItemPrice(waitKind(t, alice, protocol.KindTransactionSuccess), protocol.KindTransactionSuccess)
	if success.RQ != rq || success.Price != 80 {
		t.Errorf("TRANSACTION_SUCCESS = %+v", success)
	}
	ship, err := protocol.DecodeShippingInfo(waitKind(t, bob, protocol.KindShippingInfo))
	if err != nil {
		t.Fatalf("decode SHIPPING_INFO: %v", err)
	}
	if ship.Buyer != "alice" || ship.Address != "12 Main St Springfield" {
		t.Errorf("SHIPPING_INFO = %+v", ship)
	}
	if alice.Informed() != 1 || bob.Informed() != 1 {
		t.Errorf("Informed = %d/%d, want 1/1", alice.Informed(), bob.Informed())
	}

	select {
	case tx := <-led.got:
		if tx.State != model.TxSucceeded {
			t.Errorf("tx state = %s, want succeeded", tx.State)
		}
		if tx.Proceeds.String() != "72" {
			t.Errorf("Proceeds = %s, want 72", tx.Proceeds)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transaction not recorded")
	}

	if n := len(s.Broker().Searches()); n != 0 {
		t.Errorf("open searches after success = %d, want 0", n)
	}
}

func TestEndToEnd_Negotiation(t *testing.T) {
	s, led := startServer(t)
	alice := startClient(t, s, "alice")
	bob := startClient(t, s, "bob")
	ctx := context.Background()

	rq, _ := alice.LookingFor(ctx, "X", "a red widget", 100)
	search, _ := protocol.DecodeSearch(waitKind(t, bob, protocol.KindSearch))
	bob.Offer(ctx, search.SearchID, "X", 120)

	neg, _ := protocol.DecodeItemPrice(waitKind(t, bob, protocol.KindNegotiate), protocol.KindNegotiate)
	if neg.RQ != search.SearchID || neg.Price != 100 {
		t.Errorf("NEGOTIATE = %+v, want %s X 100", neg, search.SearchID)
	}
	if err := bob.Accept(ctx, neg.RQ, "X", 100); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	found, _ := protocol.DecodeItemPrice(waitKind(t, alice, protocol.KindFound), protocol.KindFound)
	if found.Price != 100 {
		t.Errorf("FOUND price = %d, want 100", found.Price)
	}

	alice.Buy(ctx, rq, "X", 100)
	waitKind(t, alice, protocol.KindTransactionSuccess)

	tx := <-led.got
	if tx.Proceeds.String() != "90" {
		t.Errorf("Proceeds = %s, want 90", tx.Proceeds)
	}
}

func TestEndToEnd_RefuseAndNotAvailable(t *testing.T) {
	s, _ := startServer(t)
	alice := startClient(t, s, "alice")
	bob := startClient(t, s, "bob")
	ctx := context.Background()

	rq, _ := alice.LookingFor(ctx, "X", "d", 100)
	search, _ := protocol.DecodeSearch(waitKind(t, bob, protocol.KindSearch))
	bob.Offer(ctx, search.SearchID, "X", 150)

	neg, _ := protocol.DecodeItemPrice(waitKind(t, bob, protocol.KindNegotiate), protocol.KindNegotiate)
	bob.Refuse(ctx, neg.RQ, "X", 150)

	na, err := protocol.DecodeNotAvailable(waitKind(t, alice, protocol.KindNotAvailable))
	if err != nil {
		t.Fatalf("decode NOT_AVAILABLE: %v", err)
	}
	if na.RQ != rq || na.Item != "X" {
		t.Errorf("NOT_AVAILABLE = %+v", na)
	}
}

func TestEndToEnd_NoOffers(t *testing.T) {
	s, _ := startServer(t)
	alice := startClient(t, s, "alice")
	startClient(t, s, "bob")

	rq, _ := alice.LookingFor(context.Background(), "X", "d", 100)
	na, _ := protocol.DecodeNotAvailable(waitKind(t, alice, protocol.KindNotAvailable))
	if na.RQ != rq {
		t.Errorf("NOT_AVAILABLE rq = %s, want %s", na.RQ, rq)
	}
}

func TestEndToEnd_RegistrationAndErrors(t *testing.T) {
	s, _ := startServer(t)
	alice := startClient(t, s, "alice")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Same name from a second client is denied.
	cfg := client.DefaultConfig()
	cfg.Name = "alice"
	cfg.BrokerAddr = s.DatagramAddr().String()
	dup := client.New(cfg, nil)
	if err := dup.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer dup.Close()
	if _, err := dup.Register(ctx); !errors.Is(err, client.ErrDenied) {
		t.Errorf("duplicate Register error = %v, want ErrDenied", err)
	}

	// Malformed frames get an ERROR reply.
	alice.SendRaw(ctx, []byte("OFFER SEARCH-1 bob"))
	if f := waitKind(t, alice, protocol.KindError); len(f.Fields) == 0 {
		t.Error("ERROR reply has no text")
	}

	// BUY with nothing reserved is rejected.
	alice.Buy(ctx, "99", "X", 10)
	waitKind(t, alice, protocol.KindError)

	if err := alice.Deregister(ctx); err != nil {
		t.Errorf("Deregister failed: %v", err)
	}
	if err := alice.Deregister(ctx); !errors.Is(err, client.ErrDenied) {
		t.Errorf("second Deregister error = %v, want ErrDenied", err)
	}
}

func TestEndToEnd_CancelAndReset(t *testing.T) {
	s, _ := startServer(t)
	alice := startClient(t, s, "alice")
	bob := startClient(t, s, "bob")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rq, _ := alice.LookingFor(ctx, "X", "d", 100)
	search, _ := protocol.DecodeSearch(waitKind(t, bob, protocol.KindSearch))
	bob.Offer(ctx, search.SearchID, "X", 80)
	waitKind(t, alice, protocol.KindFound)

	if err := alice.Cancel(ctx, rq, "X", 80); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	canceled := waitKind(t, alice, protocol.KindCanceled)
	if canceled.String() != "CANCELED "+rq+" X" {
		t.Errorf("reply = %q", canceled.String())
	}
	cancelNote, _ := protocol.DecodeCancel(waitKind(t, bob, protocol.KindCancel))
	if cancelNote.RQ != search.SearchID {
		t.Errorf("seller CANCEL rq = %s, want %s", cancelNote.RQ, search.SearchID)
	}

	if err := alice.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if n := len(s.Broker().Registry().List()); n != 0 {
		t.Errorf("participants after reset = %d, want 0", n)
	}
}

func TestAdminSurface(t *testing.T) {
	s, _ := startServer(t)
	startClient(t, s, "alice")

	resp, err := http.Get("http://" + s.AdminAddr().String() + "/debug/participants")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if body.Count != 1 {
		t.Errorf("count = %d, want 1", body.Count)
	}
}
