// peer is a scripted marketplace participant for manual testing.
//
//	go run ./cmd/peer -name bob -sell X=80,Y=25 -floor X=70
//	go run ./cmd/peer -name alice -buy X -desc "a red widget" -max 100
//	go run ./cmd/peer -watch ws://127.0.0.1:9090/ws/events
//
// A seller offers every listed item it is searched for and accepts a
// counter-offer at or above its floor. A buyer searches once, buys whatever
// is found and exits when the transaction ends.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rickgao/market-broker/internal/client"
	"github.com/rickgao/market-broker/internal/feed"
	"github.com/rickgao/market-broker/internal/model"
	"github.com/rickgao/market-broker/internal/protocol"
)

func main() {
	name := flag.String("name", "", "participant name")
	brokerAddr := flag.String("broker", "127.0.0.1:5005", "broker datagram address")
	card := flag.String("card", "4111-1111-1111-1111", "card number sent in INFORM_RES")
	expiry := flag.String("expiry", "12/29", "card expiry")
	address := flag.String("address", "1 Test Lane", "shipping address")
	sell := flag.String("sell", "", "inventory as item=price,...")
	floor := flag.String("floor", "", "lowest acceptable counter-offer as item=price,...")
	buy := flag.String("buy", "", "item to search for")
	desc := flag.String("desc", "-", "item description")
	maxPrice := flag.Int64("max", 0, "maximum price")
	watch := flag.String("watch", "", "event feed URL; print broker events and exit on interrupt")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	if *watch != "" {
		if err := watchFeed(ctx, *watch, logger); err != nil {
			logger.Error("event feed failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if *name == "" {
		fmt.Fprintln(os.Stderr, "-name is required")
		os.Exit(2)
	}
	inventory, err := parsePrices(*sell)
	if err != nil {
		fmt.Fprintf(os.Stderr, "-sell: %v\n", err)
		os.Exit(2)
	}
	floors, err := parsePrices(*floor)
	if err != nil {
		fmt.Fprintf(os.Stderr, "-floor: %v\n", err)
		os.Exit(2)
	}

	cfg := client.DefaultConfig()
	cfg.Name = *name
	cfg.BrokerAddr = *brokerAddr
	cfg.Details = model.PaymentDetails{Name: *name, CardNumber: *card, Expiry: *expiry, Address: *address}

	c := client.New(cfg, logger)
	// The client outlives ctx so it can deregister after an interrupt.
	if err := c.Start(context.Background()); err != nil {
		logger.Error("failed to start participant", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	seq, err := c.Register(ctx)
	if err != nil {
		logger.Error("registration failed", "error", err)
		os.Exit(1)
	}
	logger.Info("registered",
		"name", *name,
		"seq", seq,
		"datagram_port", c.DatagramPort(),
		"stream_port", c.StreamPort(),
	)

	p := &peer{c: c, logger: logger, inventory: inventory, floors: floors}
	if *buy != "" {
		rq, err := c.LookingFor(ctx, *buy, *desc, *maxPrice)
		if err != nil {
			logger.Error("search failed", "error", err)
			os.Exit(1)
		}
		p.buyRQ = rq
		logger.Info("searching", "rq", rq, "item", *buy, "max", *maxPrice)
	}

	p.run(ctx)

	if ctx.Err() != nil {
		// Leave the registry clean on interrupt.
		dctx, dcancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer dcancel()
		c.Deregister(dctx)
	}
}

// peer reacts to broker notifications.
type peer struct {
	c         *client.Client
	logger    *slog.Logger
	inventory map[string]int64
	floors    map[string]int64
	buyRQ     string
}

func (p *peer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-p.c.Notifications():
			if !ok {
				return
			}
			if done := p.handle(ctx, f); done {
				return
			}
		}
	}
}

// handle reports whether the buyer's transaction has ended.
func (p *peer) handle(ctx context.Context, f protocol.Frame) bool {
	p.logger.Info("received", "frame", f.String())

	switch f.Kind {
	case protocol.KindSearch:
		m, err := protocol.DecodeSearch(f)
		if err != nil {
			return false
		}
		if price, ok := p.inventory[m.Item]; ok {
			p.c.Offer(ctx, m.SearchID, m.Item, price)
			p.logger.Info("offered", "search_id", m.SearchID, "item", m.Item, "price", price)
		}

	case protocol.KindNegotiate:
		m, err := protocol.DecodeItemPrice(f, protocol.KindNegotiate)
		if err != nil {
			return false
		}
		floor, ok := p.floors[m.Item]
		if ok && m.Price >= floor {
			p.c.Accept(ctx, m.RQ, m.Item, m.Price)
			p.logger.Info("accepted counter-offer", "item", m.Item, "price", m.Price)
		} else {
			p.c.Refuse(ctx, m.RQ, m.Item, m.Price)
			p.logger.Info("refused counter-offer", "item", m.Item, "price", m.Price)
		}

	case protocol.KindFound:
		m, err := protocol.DecodeItemPrice(f, protocol.KindFound)
		if err != nil || m.RQ != p.buyRQ {
			return false
		}
		p.c.Buy(ctx, m.RQ, m.Item, m.Price)
		p.logger.Info("buying", "item", m.Item, "price", m.Price)

	case protocol.KindTransactionSuccess, protocol.KindNotAvailable:
		return p.buyRQ != ""

	case protocol.KindCancel:
		m, _ := protocol.DecodeCancel(f)
		return p.buyRQ != "" && m.RQ == p.buyRQ
	}
	return false
}

func watchFeed(ctx context.Context, url string, logger *slog.Logger) error {
	cfg := feed.DefaultSubscriberConfig()
	cfg.URL = url
	sub := feed.NewSubscriber(cfg, logger)
	if err := sub.Connect(ctx); err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Errors():
			return err
		case ev := <-sub.Events():
			logger.Info("event",
				"kind", ev.Kind,
				"search_id", ev.SearchID,
				"participant", ev.Participant,
				"item", ev.Item,
				"price", ev.Price,
				"outcome", ev.Outcome,
			)
		}
	}
}

// parsePrices parses "item=price,item=price".
func parsePrices(s string) (map[string]int64, error) {
	out := make(map[string]int64)
	if s == "" {
		return out, nil
	}
	for _, pair := range strings.Split(s, ",") {
		item, price, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || item == "" {
			return nil, fmt.Errorf("bad entry %q, want item=price", pair)
		}
		p, err := strconv.ParseInt(price, 10, 64)
		if err != nil || p < 0 {
			return nil, fmt.Errorf("bad price in %q", pair)
		}
		out[item] = p
	}
	return out, nil
}
