package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Expirer discards stale cycles and reports how many it removed.
type Expirer interface {
	ExpireStale(ctx context.Context) int
}

// ExpirerFunc is a function adapter for Expirer.
type ExpirerFunc func(ctx context.Context) int

func (f ExpirerFunc) ExpireStale(ctx context.Context) int {
	return f(ctx)
}

// Config holds sweeper configuration.
type Config struct {
	Interval time.Duration // Sweep interval (default: 1m)
	Timeout  time.Duration // Per-sweep deadline for notifying parties (default: 10s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: time.Minute,
		Timeout:  10 * time.Second,
	}
}

// Stats contains runtime statistics.
type Stats struct {
	Sweeps  int64
	Expired int64
}

// Sweeper runs Expirer on a ticker.
type Sweeper struct {
	cfg     Config
	expirer Expirer
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sweeps  atomic.Int64
	expired atomic.Int64
}

// New creates a new Sweeper.
func New(cfg Config, expirer Expirer, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Sweeper{
		cfg:     cfg,
		expirer: expirer,
		logger:  logger,
	}
}

// Start begins the sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.run()

	s.logger.Info("cycle sweeper started", "interval", s.cfg.Interval)
	return nil
}

// Stop gracefully shuts down the sweeper.
func (s *Sweeper) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("cycle sweeper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current statistics.
func (s *Sweeper) Stats() Stats {
	return Stats{
		Sweeps:  s.sweeps.Load(),
		Expired: s.expired.Load(),
	}
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep runs one expiry pass.
func (s *Sweeper) sweep() {
	start := time.Now()
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Timeout)
	defer cancel()

	n := s.expirer.ExpireStale(ctx)
	s.sweeps.Add(1)
	s.expired.Add(int64(n))

	if n > 0 {
		s.logger.Info("expired stale search cycles", "count", n, "duration", time.Since(start))
	} else {
		s.logger.Debug("sweep found nothing to expire", "duration", time.Since(start))
	}
}
