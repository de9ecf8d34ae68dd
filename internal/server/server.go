package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/market-broker/internal/admin"
	"github.com/rickgao/market-broker/internal/broker"
	"github.com/rickgao/market-broker/internal/config"
	"github.com/rickgao/market-broker/internal/connection"
	"github.com/rickgao/market-broker/internal/database"
	"github.com/rickgao/market-broker/internal/feed"
	"github.com/rickgao/market-broker/internal/ledger"
	"github.com/rickgao/market-broker/internal/registry"
	"github.com/rickgao/market-broker/internal/router"
	"github.com/rickgao/market-broker/internal/sweeper"
)

// Server is a fully wired broker process.
type Server struct {
	cfg    *config.BrokerConfig
	logger *slog.Logger

	endpoint *connection.Endpoint
	listener *connection.Listener
	broker   *broker.Broker
	router   *router.Router
	sweeper  *sweeper.Sweeper
	hub      *feed.Hub
	admin    *admin.Server

	pool   *pgxpool.Pool
	ledger *ledger.Writer
}

// New builds every component from cfg. Nothing is bound until Start.
func New(cfg *config.BrokerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: logger}

	dcfg := connection.DefaultDatagramConfig()
	dcfg.Addr = hostPort(cfg.Listen.Host, cfg.Listen.DatagramPort)
	s.endpoint = connection.NewEndpoint(dcfg, logger.With("component", "datagram"))

	scfg := connection.DefaultStreamConfig()
	scfg.IOTimeout = cfg.Transaction.ExchangeTimeout
	streams := connection.NewStreamClient(scfg, logger.With("component", "stream_client"))

	bcfg := broker.Config{
		CollectionWindow: cfg.Matching.CollectionWindow,
		EarlyResolve:     cfg.Matching.EarlyResolve,
		ExchangeTimeout:  cfg.Transaction.ExchangeTimeout,
		CycleTTL:         cfg.Transaction.CycleTTL,
	}
	reg := registry.New(logger.With("component", "registry"))
	s.broker = broker.New(bcfg, reg, s.endpoint, streams, logger.With("component", "broker"))

	s.hub = feed.NewHub(feed.DefaultHubConfig(), logger.With("component", "feed"))
	s.broker.SetEvents(s.hub)

	s.router = router.New(router.DefaultConfig(), s.broker, s.endpoint.Messages(), s.endpoint, logger.With("component", "router"))

	lcfg := connection.DefaultListenerConfig()
	lcfg.Addr = hostPort(cfg.Listen.Host, cfg.Listen.StreamPort)
	s.listener = connection.NewListener(lcfg, router.NewStreamHandler(logger.With("component", "stream_handler")), logger.With("component", "stream_listener"))

	s.sweeper = sweeper.New(sweeper.Config{
		Interval: cfg.Sweeper.Interval,
		Timeout:  cfg.Transaction.ExchangeTimeout,
	}, s.broker, logger.With("component", "sweeper"))

	return s
}

// Broker returns the broker, for inspection in tests.
func (s *Server) Broker() *broker.Broker {
	return s.broker
}

// DatagramAddr returns the bound datagram address.
func (s *Server) DatagramAddr() net.Addr {
	return s.endpoint.Addr()
}

// StreamAddr returns the bound reliable-channel address.
func (s *Server) StreamAddr() net.Addr {
	return s.listener.Addr()
}

// AdminAddr returns the bound admin address.
func (s *Server) AdminAddr() net.Addr {
	if s.admin == nil {
		return nil
	}
	return s.admin.Addr()
}

// Start connects the ledger (when enabled) and binds every endpoint.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.Ledger.Enabled {
		if err := s.startLedger(ctx); err != nil {
			return err
		}
	}

	if err := s.endpoint.Open(ctx); err != nil {
		s.stopLedger(ctx)
		return err
	}
	if err := s.listener.Start(ctx); err != nil {
		s.endpoint.Close()
		s.stopLedger(ctx)
		return err
	}
	if err := s.router.Start(ctx); err != nil {
		return err
	}
	if err := s.sweeper.Start(ctx); err != nil {
		return err
	}

	src := admin.Sources{
		Participants: s.broker.Registry().List,
		Searches:     s.broker.Searches,
		Events:       s.hub,
	}
	if s.pool != nil {
		src.Ledger = s.pool
	}
	acfg := admin.Config{
		Addr:        hostPort(s.cfg.Listen.Host, s.cfg.Admin.Port),
		MetricsPath: s.cfg.Admin.MetricsPath,
	}
	s.admin = admin.NewServer(acfg, admin.NewHandler(acfg, src, s.logger), s.logger.With("component", "admin"))
	if err := s.admin.Start(ctx); err != nil {
		return err
	}

	s.logger.Info("broker listening",
		"instance_id", s.cfg.Instance.ID,
		"datagram", s.endpoint.Addr().String(),
		"stream", s.listener.Addr().String(),
		"admin", s.admin.Addr().String(),
		"ledger", s.cfg.Ledger.Enabled,
	)
	return nil
}

// Stop shuts every component down. The ledger is stopped last so that
// transactions finished during shutdown are still written.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping broker")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.router.Stop(gctx) })
	g.Go(func() error { return s.sweeper.Stop(gctx) })
	g.Go(func() error { return s.listener.Stop(gctx) })
	if s.admin != nil {
		g.Go(func() error { return s.admin.Stop(gctx) })
	}
	err := g.Wait()

	s.hub.Close()
	if cerr := s.endpoint.Close(); err == nil {
		err = cerr
	}
	s.stopLedger(ctx)

	if err != nil {
		s.logger.Warn("broker stopped with errors", "error", err)
		return err
	}
	s.logger.Info("broker stopped")
	return nil
}

func (s *Server) startLedger(ctx context.Context) error {
	dbCfg := s.cfg.Database.Ledger
	s.logger.Info("connecting to ledger database",
		"host", dbCfg.Host,
		"port", dbCfg.Port,
		"database", dbCfg.Name,
	)

	pool, err := database.Connect(ctx, dbCfg)
	if err != nil {
		return fmt.Errorf("connect ledger: %w", err)
	}
	if err := ledger.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return err
	}

	w := ledger.NewWriter(ledger.Config{
		BatchSize:     s.cfg.Ledger.BatchSize,
		FlushInterval: s.cfg.Ledger.FlushInterval,
		BufferSize:    s.cfg.Ledger.BufferSize,
	}, pool, s.logger.With("component", "ledger"))
	if err := w.Start(ctx); err != nil {
		pool.Close()
		return err
	}

	s.pool = pool
	s.ledger = w
	s.broker.SetLedger(w)
	return nil
}

func (s *Server) stopLedger(ctx context.Context) {
	if s.ledger != nil {
		s.ledger.Stop(ctx)
		s.ledger = nil
	}
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
