package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/market-broker/internal/broker"
	"github.com/rickgao/market-broker/internal/model"
)

// Sources is what the admin surface reports on. Nil fields disable the
// matching component.
type Sources struct {
	Participants func() []model.Participant
	Searches     func() []broker.SearchSnapshot
	Ledger       Pinger       // Database behind the ledger
	Events       http.Handler // WebSocket event feed
}

// Pinger checks a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds admin server settings.
type Config struct {
	Addr        string
	MetricsPath string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:        ":9090",
		MetricsPath: "/metrics",
	}
}

// participantView is the JSON shape of a registry entry.
type participantView struct {
	Name         string    `json:"name"`
	Address      string    `json:"address"`
	DatagramPort int       `json:"datagram_port"`
	StreamPort   int       `json:"stream_port"`
	Seq          int       `json:"seq"`
	Shipping     bool      `json:"shipping_address_set"`
	RegisteredAt time.Time `json:"registered_at"`
}

// NewHandler builds the admin routes.
func NewHandler(cfg Config, src Sources, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = DefaultConfig().MetricsPath
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		if src.Ledger != nil {
			if err := src.Ledger.Ping(ctx); err != nil {
				health.Status = "degraded"
				health.Components["ledger"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["ledger"] = "connected"
			}
		}
		if src.Participants != nil {
			health.Components["registry"] = map[string]int{"participants": len(src.Participants())}
		}
		if src.Searches != nil {
			health.Components["matching"] = map[string]int{"open_searches": len(src.Searches())}
		}

		writeJSON(w, logger, health)
	})

	if src.Participants != nil {
		r.Get("/debug/participants", func(w http.ResponseWriter, r *http.Request) {
			list := src.Participants()
			views := make([]participantView, 0, len(list))
			for _, p := range list {
				views = append(views, participantView{
					Name:         p.Name,
					Address:      p.Address,
					DatagramPort: p.DatagramPort,
					StreamPort:   p.StreamPort,
					Seq:          p.Seq,
					Shipping:     p.ShippingAddress != "",
					RegisteredAt: p.RegisteredAt,
				})
			}
			writeJSON(w, logger, map[string]any{
				"count":        len(views),
				"participants": views,
			})
		})
	}

	if src.Searches != nil {
		r.Get("/debug/searches", func(w http.ResponseWriter, r *http.Request) {
			searches := src.Searches()
			writeJSON(w, logger, map[string]any{
				"count":    len(searches),
				"searches": searches,
			})
		})
	}

	r.Handle(cfg.MetricsPath, promhttp.Handler())

	if src.Events != nil {
		r.Handle("/ws/events", src.Events)
	}

	return r
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("admin response write failed", "error", err)
	}
}

// Server runs the admin handler.
type Server struct {
	cfg    Config
	logger *slog.Logger
	srv    *http.Server

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// NewServer creates a Server.
func NewServer(cfg Config, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
		srv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start binds the address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen admin %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server error", "error", err)
		}
	}()

	s.logger.Info("admin server started", "addr", ln.Addr().String(), "metrics_path", s.cfg.MetricsPath)
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping admin server")
	err := s.srv.Shutdown(ctx)
	s.wg.Wait()
	return err
}
