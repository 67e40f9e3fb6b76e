package journal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sony/gobreaker"

	"github.com/rickgao/kitchen-stream/internal/buffer"
	"github.com/rickgao/kitchen-stream/internal/connection"
)

// Config holds writer settings.
type Config struct {
	BatchSize       int
	FlushInterval   time.Duration
	BufferSize      int           // queued entries before the oldest are dropped
	BreakerTimeout  time.Duration // open state duration before a trial flush
	BreakerFailures uint32        // consecutive failed flushes that open the breaker
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:       500,
		FlushInterval:   time.Second,
		BufferSize:      10000,
		BreakerTimeout:  30 * time.Second,
		BreakerFailures: 5,
	}
}

// Metrics are writer counters.
type Metrics struct {
	MessageInserts int64
	EventInserts   int64
	Conflicts      int64
	Flushes        int64
	Errors         int64
	Dropped        int64 // rows discarded by failed or rejected flushes
	Overflow       int64 // entries evicted from a full queue
}

// Batcher sends a pgx batch. *pgxpool.Pool satisfies it.
type Batcher interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Source is the pool bus the writer subscribes to.
type Source interface {
	OnMessage(fn func(connection.MessageEvent)) *connection.Subscription
	OnConnection(fn func(connection.ConnectionEvent)) *connection.Subscription
	Off(sub *connection.Subscription)
}

// entry is either a message or a lifecycle event.
type entry struct {
	msg *connection.MessageEvent
	ev  *connection.ConnectionEvent
}

// Writer journals pool bus traffic to the stream_messages and
// connection_events tables.
type Writer struct {
	cfg    Config
	logger *slog.Logger

	source  Source
	subs    []*connection.Subscription
	input   *buffer.Queue[entry]
	db      Batcher
	breaker *gobreaker.CircuitBreaker

	// Batching (separate batches per table)
	msgBatch    []messageRow
	eventBatch  []eventRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	wg     sync.WaitGroup

	metrics Metrics
}

// NewWriter creates a Writer. Nothing is consumed until Start.
func NewWriter(cfg Config, source Source, db Batcher, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}

	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}

	w := &Writer{
		cfg:        cfg,
		logger:     logger,
		source:     source,
		input:      buffer.NewQueue[entry](1024, cfg.BufferSize),
		db:         db,
		stop:       make(chan struct{}),
		msgBatch:   make([]messageRow, 0, cfg.BatchSize),
		eventBatch: make([]eventRow, 0, cfg.BatchSize),
	}

	w.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "journal",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("journal breaker state changed", "from", from.String(), "to", to.String())
		},
	})

	return w
}

// Start subscribes to the bus and begins writing to the database.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.subs = append(w.subs,
		w.source.OnMessage(func(ev connection.MessageEvent) {
			w.input.Send(entry{msg: &ev})
		}),
		w.source.OnConnection(func(ev connection.ConnectionEvent) {
			w.input.Send(entry{ev: &ev})
		}),
	)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("journal writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop unsubscribes, drains the queue and flushes what is left.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping journal writer")

	for _, sub := range w.subs {
		w.source.Off(sub)
	}
	w.subs = nil

	// Closing the queue lets consumeLoop drain it and exit
	w.input.Close()
	close(w.stop)
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
		w.logger.Info("journal writer stopped")
	case <-ctx.Done():
		w.logger.Warn("journal writer stop timed out")
	}

	// Final flush before the writer context goes away
	w.flush()
	if w.cancel != nil {
		w.cancel()
	}

	return nil
}

// Stats returns current metrics.
func (w *Writer) Stats() Metrics {
	w.batchMu.Lock()
	m := w.metrics
	w.batchMu.Unlock()

	m.Overflow = w.input.Stats().Dropped
	return m
}

// BreakerState returns the circuit breaker state.
func (w *Writer) BreakerState() gobreaker.State {
	return w.breaker.State()
}

func (w *Writer) consumeLoop() {
	defer w.wg.Done()

	for {
		e, ok := w.input.Receive()
		if !ok {
			return
		}
		w.handle(e)
	}
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.stop:
			return
		case <-w.flushTicker.C:
			w.flush()
		}
	}
}

// handle transforms an entry and adds it to its batch.
func (w *Writer) handle(e entry) {
	w.batchMu.Lock()
	switch {
	case e.msg != nil:
		w.msgBatch = append(w.msgBatch, transformMessage(*e.msg))
	case e.ev != nil:
		w.eventBatch = append(w.eventBatch, transformEvent(*e.ev))
	}
	shouldFlush := len(w.msgBatch)+len(w.eventBatch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush()
	}
}

// flush writes the current batches through the breaker.
func (w *Writer) flush() {
	w.batchMu.Lock()
	if len(w.msgBatch) == 0 && len(w.eventBatch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batches
	msgs, events := w.msgBatch, w.eventBatch
	w.msgBatch = make([]messageRow, 0, w.cfg.BatchSize)
	w.eventBatch = make([]eventRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()
	count := len(msgs) + len(events)

	res, err := w.breaker.Execute(func() (interface{}, error) {
		return w.batchInsert(msgs, events)
	})
	if err != nil {
		w.batchMu.Lock()
		w.metrics.Dropped += int64(count)
		if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
			w.metrics.Errors++
		}
		w.batchMu.Unlock()

		w.logger.Error("journal flush failed", "error", err, "count", count)
		return
	}
	conflicts := res.(int)

	w.batchMu.Lock()
	w.metrics.MessageInserts += int64(len(msgs) - conflicts)
	w.metrics.EventInserts += int64(len(events))
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed journal",
		"messages", len(msgs),
		"events", len(events),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
// Conflicts can only come from replayed message ids.
func (w *Writer) batchInsert(msgs []messageRow, events []eventRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range msgs {
		batch.Queue(insertMessageSQL,
			r.ID, r.ConnectionID, r.EventType, r.EventID, r.Payload, r.IsJSON, r.ReceivedAt)
	}
	for _, r := range events {
		batch.Queue(insertEventSQL,
			r.ID, r.ConnectionID, r.Kind, r.Cause, r.Attempt, r.OccurredAt)
	}

	ctx := w.ctx
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < batch.Len(); i++ {
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

const insertMessageSQL = `
	INSERT INTO stream_messages (id, connection_id, event_type, event_id, payload, is_json, received_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT DO NOTHING
`

const insertEventSQL = `
	INSERT INTO connection_events (id, connection_id, kind, cause, attempt, occurred_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT DO NOTHING
`

// messageRow is a stream_messages row.
type messageRow struct {
	ID           uuid.UUID
	ConnectionID string
	EventType    string
	EventID      *string
	Payload      string
	IsJSON       bool
	ReceivedAt   time.Time
}

// eventRow is a connection_events row.
type eventRow struct {
	ID           uuid.UUID
	ConnectionID string
	Kind         string
	Cause        *string
	Attempt      int
	OccurredAt   time.Time
}

func transformMessage(ev connection.MessageEvent) messageRow {
	return messageRow{
		ID:           uuid.New(),
		ConnectionID: ev.ConnectionID,
		EventType:    ev.EventType,
		EventID:      nullable(ev.ID),
		Payload:      ev.Data.Raw(),
		IsJSON:       ev.Data.IsJSON(),
		ReceivedAt:   ev.Timestamp,
	}
}

func transformEvent(ev connection.ConnectionEvent) eventRow {
	return eventRow{
		ID:           uuid.New(),
		ConnectionID: ev.ConnectionID,
		Kind:         string(ev.Kind),
		Cause:        nullable(ev.CauseText()),
		Attempt:      ev.Attempt,
		OccurredAt:   ev.Timestamp,
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
