package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/market-broker/internal/metrics"
	"github.com/rickgao/market-broker/internal/model"
)

// Config holds ledger writer settings.
type Config struct {
	BatchSize     int           // Rows per insert batch
	FlushInterval time.Duration // Max time a partial batch waits
	BufferSize    int           // Max queued transactions before Record drops
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: time.Second,
		BufferSize:    1000,
	}
}

// Metrics contains writer statistics.
type Metrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
}

// DB is the subset of *pgxpool.Pool the writer needs.
type DB interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Writer batches terminal transactions into the transactions table.
type Writer struct {
	cfg    Config
	logger *slog.Logger

	queue *Queue
	db    DB

	// Batching
	batch       []row
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics Metrics
}

// NewWriter creates a Writer. db may be nil in tests that never flush.
func NewWriter(cfg Config, db DB, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BatchSize < 1 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = def.BufferSize
	}

	initial := cfg.BatchSize
	if initial > cfg.BufferSize {
		initial = cfg.BufferSize
	}
	return &Writer{
		cfg:    cfg,
		logger: logger,
		queue:  NewQueue(initial, cfg.BufferSize),
		db:     db,
		batch:  make([]row, 0, cfg.BatchSize),
	}
}

// Record enqueues a terminal transaction. It never blocks; when the queue is
// full the transaction is dropped and logged.
func (w *Writer) Record(tx model.Transaction) {
	if !w.queue.Push(tx) {
		w.logger.Warn("ledger queue full, dropping transaction",
			"tx_id", tx.ID,
			"search_id", tx.SearchID,
			"state", tx.State,
		)
	}
}

// Start begins consuming the queue and writing to the database.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("ledger writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
		"buffer_size", w.cfg.BufferSize,
	)
	return nil
}

// Stop drains what is queued, writes it and shuts down.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping ledger writer")

	w.queue.Close()
	if w.cancel != nil {
		w.cancel()
	}
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("ledger writer stopped")
	case <-ctx.Done():
		w.logger.Warn("ledger writer stop timed out")
	}

	// Final flush, including anything the consumer never picked up.
	for _, tx := range w.queue.DrainTo(0) {
		w.add(tx)
	}
	w.flushWith(ctx)

	return nil
}

// Stats returns current metrics.
func (w *Writer) Stats() Metrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// QueueStats returns the pending queue statistics.
func (w *Writer) QueueStats() QueueStats {
	return w.queue.Stats()
}

// consumeLoop moves queued transactions into the current batch.
func (w *Writer) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
			tx, ok := w.queue.TryPop()
			if !ok {
				select {
				case <-w.ctx.Done():
					return
				case <-time.After(10 * time.Millisecond):
					continue
				}
			}

			if w.add(tx) {
				w.flush()
			}
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *Writer) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush()
		}
	}
}

// add appends tx to the batch and reports whether the batch is full.
func (w *Writer) add(tx model.Transaction) bool {
	r := transform(tx)

	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, r)
	return len(w.batch) >= w.cfg.BatchSize
}

func (w *Writer) flush() {
	w.flushWith(w.ctx)
}

// flushWith writes the current batch.
func (w *Writer) flushWith(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	batch := w.batch
	w.batch = make([]row, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	if w.db == nil {
		w.logger.Warn("ledger has no database, discarding batch", "count", len(batch))
		return
	}

	start := time.Now()
	conflicts, err := w.batchInsert(ctx, batch)
	metrics.RecordLedgerFlush(len(batch), err)
	if err != nil {
		w.logger.Error("ledger batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed transactions",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *Writer) batchInsert(ctx context.Context, rows []row) (conflicts int, err error) {
	if ctx == nil || ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertTransaction,
			r.ID, r.SearchID, r.BuyerRQ, r.Buyer, r.Seller, r.Item,
			r.Price, r.Proceeds, r.State, r.Reason, r.CreatedAt, r.FinishedAt,
		)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
