package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/wslink/internal/buffer"
	"github.com/rickgao/wslink/internal/router"
)

// Batcher sends a pgx.Batch. *pgxpool.Pool satisfies it.
type Batcher interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Execer runs a single statement. *pgxpool.Pool satisfies it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Subscriber is the part of the connection manager the journal attaches to.
type Subscriber interface {
	SubscribeAll(h router.EnvelopeHandler) router.Unsubscribe
}

// Config configures a Journal.
type Config struct {
	Table         string
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int // envelopes held in memory before new ones are dropped
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Table:         "inbound_messages",
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// Metrics tracks journal statistics.
type Metrics struct {
	Received int64 // envelopes accepted by Record
	Dropped  int64 // envelopes refused because the buffer was full or closed
	Inserts  int64
	Flushes  int64
	Errors   int64 // failed batches
}

type row struct {
	Type       string
	Data       []byte
	ReceivedAt time.Time
	Session    string
}

// Journal consumes envelopes and writes them to the journal table.
type Journal struct {
	cfg    Config
	logger *slog.Logger
	db     Batcher

	input *buffer.Deque[router.Envelope]

	// Batching
	batch       []row
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopped  chan struct{} // ends flushLoop; ctx stays live for the drain
	wg       sync.WaitGroup

	// Metrics
	metrics Metrics
}

// New creates a Journal.
func New(cfg Config, db Batcher, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Table == "" {
		cfg.Table = def.Table
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = def.BufferSize
	}
	return &Journal{
		cfg:     cfg,
		db:      db,
		logger:  logger.With("component", "journal"),
		input:   buffer.NewDeque[router.Envelope](64),
		batch:   make([]row, 0, cfg.BatchSize),
		stopped: make(chan struct{}),
	}
}

// EnsureTable creates the journal table if it does not exist.
func EnsureTable(ctx context.Context, db Execer, table string) error {
	name := pgx.Identifier{table}.Sanitize()
	_, err := db.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id          BIGSERIAL PRIMARY KEY,
			type        TEXT        NOT NULL,
			data        JSONB,
			received_at TIMESTAMPTZ NOT NULL,
			session     TEXT        NOT NULL
		)`, name))
	if err != nil {
		return fmt.Errorf("create %s: %w", table, err)
	}
	return nil
}

// Attach subscribes the journal to every inbound envelope.
func (j *Journal) Attach(sub Subscriber) router.Unsubscribe {
	return sub.SubscribeAll(j.Record)
}

// Record queues one envelope. It never blocks the dispatcher; when the
// buffer is full the envelope is dropped and counted.
func (j *Journal) Record(env router.Envelope) {
	if j.input.Len() >= j.cfg.BufferSize || !j.input.PushBack(env) {
		j.batchMu.Lock()
		j.metrics.Dropped++
		j.batchMu.Unlock()
		return
	}

	j.batchMu.Lock()
	j.metrics.Received++
	j.batchMu.Unlock()
}

// Start begins consuming envelopes and writing to the database.
func (j *Journal) Start(ctx context.Context) error {
	j.ctx, j.cancel = context.WithCancel(ctx)
	j.flushTicker = time.NewTicker(j.cfg.FlushInterval)

	// Consumer goroutine
	j.wg.Add(1)
	go j.consumeLoop()

	// Flush ticker goroutine
	j.wg.Add(1)
	go j.flushLoop()

	j.logger.Info("journal started",
		"table", j.cfg.Table,
		"batch_size", j.cfg.BatchSize,
		"flush_interval", j.cfg.FlushInterval,
	)
	return nil
}

// Stop drains buffered envelopes, writes the final batch and shuts down.
func (j *Journal) Stop(ctx context.Context) error {
	j.logger.Info("stopping journal")

	// Closing the input lets the consumer drain what is left and exit.
	j.input.Close()
	j.stopOnce.Do(func() { close(j.stopped) })

	if j.flushTicker != nil {
		j.flushTicker.Stop()
	}

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		j.logger.Info("journal stopped")
	case <-ctx.Done():
		j.logger.Warn("journal stop timed out")
	}

	// Final flush, on the caller's context since ours is cancelled below.
	j.flush(ctx)

	if j.cancel != nil {
		j.cancel()
	}
	return nil
}

// Stats returns current metrics.
func (j *Journal) Stats() Metrics {
	j.batchMu.Lock()
	defer j.batchMu.Unlock()
	return j.metrics
}

// consumeLoop moves envelopes from the input buffer into the batch.
func (j *Journal) consumeLoop() {
	defer j.wg.Done()

	for {
		env, ok := j.input.Receive()
		if !ok {
			return
		}
		j.handleEnvelope(env)
	}
}

// flushLoop periodically flushes the batch.
func (j *Journal) flushLoop() {
	defer j.wg.Done()

	for {
		select {
		case <-j.stopped:
			return
		case <-j.ctx.Done():
			return
		case <-j.flushTicker.C:
			j.flush(j.ctx)
		}
	}
}

// handleEnvelope transforms and adds an envelope to the batch.
func (j *Journal) handleEnvelope(env router.Envelope) {
	r := transform(env)

	j.batchMu.Lock()
	j.batch = append(j.batch, r)
	shouldFlush := len(j.batch) >= j.cfg.BatchSize
	j.batchMu.Unlock()

	if shouldFlush {
		j.flush(j.ctx)
	}
}

func transform(env router.Envelope) row {
	receivedAt := env.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	var data []byte
	if len(env.Data) > 0 {
		data = env.Data
	}

	return row{
		Type:       env.Type,
		Data:       data,
		ReceivedAt: receivedAt.UTC(),
		Session:    env.Session,
	}
}

// flush writes the current batch to the database.
func (j *Journal) flush(ctx context.Context) {
	j.batchMu.Lock()
	if len(j.batch) == 0 {
		j.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := j.batch
	j.batch = make([]row, 0, j.cfg.BatchSize)
	j.batchMu.Unlock()

	start := time.Now()

	if err := j.batchInsert(ctx, batch); err != nil {
		j.logger.Error("batch insert failed", "error", err, "count", len(batch))
		j.batchMu.Lock()
		j.metrics.Errors++
		j.batchMu.Unlock()
		return
	}

	j.batchMu.Lock()
	j.metrics.Inserts += int64(len(batch))
	j.metrics.Flushes++
	j.batchMu.Unlock()

	j.logger.Debug("flushed envelopes",
		"count", len(batch),
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch.
func (j *Journal) batchInsert(ctx context.Context, rows []row) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (type, data, received_at, session) VALUES ($1, $2, $3, $4)`,
		pgx.Identifier{j.cfg.Table}.Sanitize(),
	)

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(query, r.Type, r.Data, r.ReceivedAt, r.Session)
	}

	results := j.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}

	return nil
}
