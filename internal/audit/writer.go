package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/routerstream/internal/broker"
	"github.com/rickgao/routerstream/internal/queue"
)

const flushTimeout = 10 * time.Second

// Config holds audit writer settings.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int // max buffered records, 0 = unbounded
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: 2 * time.Second,
		BufferSize:    10000,
	}
}

// Stats are writer counters.
type Stats struct {
	Inserts int64
	Dropped int64
	Errors  int64
	Flushes int64
}

type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Writer implements broker.Recorder.
type Writer struct {
	cfg    Config
	logger *slog.Logger
	db     batchSender

	input *queue.Queue[broker.CommandRecord]

	batch   []broker.CommandRecord
	batchMu sync.Mutex
	stats   Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWriter creates a writer inserting through db, typically a *pgxpool.Pool.
func NewWriter(cfg Config, db batchSender, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	return &Writer{
		cfg:    cfg,
		db:     db,
		logger: logger.With("component", "audit"),
		input:  queue.New[broker.CommandRecord](64, cfg.BufferSize),
		batch:  make([]broker.CommandRecord, 0, cfg.BatchSize),
	}
}

// Record implements broker.Recorder. It never blocks; records are dropped
// when the buffer is full or the writer has stopped.
func (w *Writer) Record(rec broker.CommandRecord) {
	if err := w.input.Send(rec); err != nil {
		w.batchMu.Lock()
		w.stats.Dropped++
		w.batchMu.Unlock()
		w.logger.Debug("audit record dropped", "exec_id", rec.ExecID, "error", err)
	}
}

// Start begins consuming records.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(2)
	go w.consumeLoop()
	go w.flushLoop()

	w.logger.Info("audit writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains buffered records and writes them out.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping audit writer")

	// Closing the input lets consumeLoop drain and exit, which cancels the
	// flush loop.
	w.input.Close()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("audit writer stop timed out")
		err = ctx.Err()
	}

	w.flush()
	if w.cancel != nil {
		w.cancel()
	}
	return err
}

// Stats returns current counters.
func (w *Writer) Stats() Stats {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.stats
}

func (w *Writer) consumeLoop() {
	defer w.wg.Done()
	defer w.cancel()

	for {
		rec, ok := w.input.Receive()
		if !ok {
			return
		}

		w.batchMu.Lock()
		w.batch = append(w.batch, rec)
		full := len(w.batch) >= w.cfg.BatchSize
		w.batchMu.Unlock()

		if full {
			w.flush()
		}
	}
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush()
		}
	}
}

// flush writes the current batch. Writes outlive the loop context so that
// records buffered at shutdown still land.
func (w *Writer) flush() {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}
	batch := w.batch
	w.batch = make([]broker.CommandRecord, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	start := time.Now()
	if err := w.batchInsert(ctx, batch); err != nil {
		w.logger.Error("audit insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.stats.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.stats.Inserts += int64(len(batch))
	w.stats.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed audit records", "count", len(batch), "duration", time.Since(start))
}

func (w *Writer) batchInsert(ctx context.Context, recs []broker.CommandRecord) error {
	batch := &pgx.Batch{}
	for _, r := range recs {
		batch.Queue(`
			INSERT INTO exec_audit (exec_id, session_id, device, command, params, outcome,
				error_kind, error, rows, issued_at, duration_us)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT DO NOTHING
		`, r.ExecID, r.SessionID, r.Device, r.Command, r.Params.Normalize(), r.Outcome,
			string(r.ErrorKind), r.Error, r.Rows, r.IssuedAt, r.Duration.Microseconds())
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range recs {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}
