package journal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sony/gobreaker"

	"github.com/rickgao/kitchen-stream/internal/connection"
)

type fakeResults struct {
	tags []pgconn.CommandTag
	err  error
	i    int
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	if r.err != nil {
		return pgconn.CommandTag{}, r.err
	}
	tag := r.tags[r.i]
	r.i++
	return tag, nil
}

func (r *fakeResults) Query() (pgx.Rows, error) { return nil, errors.New("not supported") }
func (r *fakeResults) QueryRow() pgx.Row         { return nil }
func (r *fakeResults) Close() error              { return nil }

// fakeDB records queued statements and reports a conflict for message
// event ids it has already stored.
type fakeDB struct {
	mu       sync.Mutex
	err      error
	calls    int
	messages int
	events   int
	seen     map[string]bool
}

func (d *fakeDB) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls++
	if d.err != nil {
		return &fakeResults{err: d.err}
	}
	if d.seen == nil {
		d.seen = make(map[string]bool)
	}

	res := &fakeResults{}
	for _, q := range b.QueuedQueries {
		switch {
		case strings.Contains(q.SQL, "stream_messages"):
			if id, _ := q.Arguments[3].(*string); id != nil && d.seen[*id] {
				res.tags = append(res.tags, pgconn.NewCommandTag("INSERT 0 0"))
				continue
			} else if id != nil {
				d.seen[*id] = true
			}
			d.messages++
		case strings.Contains(q.SQL, "connection_events"):
			d.events++
		}
		res.tags = append(res.tags, pgconn.NewCommandTag("INSERT 0 1"))
	}
	return res
}

func (d *fakeDB) counts() (calls, messages, events int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls, d.messages, d.events
}

type fakeSource struct {
	mu      sync.Mutex
	onMsg   map[*connection.Subscription]func(connection.MessageEvent)
	onConn  map[*connection.Subscription]func(connection.ConnectionEvent)
	removed int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		onMsg:  make(map[*connection.Subscription]func(connection.MessageEvent)),
		onConn: make(map[*connection.Subscription]func(connection.ConnectionEvent)),
	}
}

func (s *fakeSource) OnMessage(fn func(connection.MessageEvent)) *connection.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &connection.Subscription{}
	s.onMsg[sub] = fn
	return sub
}

func (s *fakeSource) OnConnection(fn func(connection.ConnectionEvent)) *connection.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &connection.Subscription{}
	s.onConn[sub] = fn
	return sub
}

func (s *fakeSource) Off(sub *connection.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.onMsg, sub)
	delete(s.onConn, sub)
	s.removed++
}

func (s *fakeSource) message(ev connection.MessageEvent) {
	s.mu.Lock()
	var fns []func(connection.MessageEvent)
	for _, fn := range s.onMsg {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (s *fakeSource) connection(ev connection.ConnectionEvent) {
	s.mu.Lock()
	var fns []func(connection.ConnectionEvent)
	for _, fn := range s.onConn {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTransformMessage(t *testing.T) {
	now := time.Now()

	row := transformMessage(connection.MessageEvent{
		ConnectionID: "kitchen-1",
		EventType:    "order-new",
		ID:           "42",
		Data:         connection.ParsePayload(`{"id":42}`),
		Timestamp:    now,
	})

	if row.ConnectionID != "kitchen-1" {
		t.Errorf("ConnectionID = %q, want kitchen-1", row.ConnectionID)
	}
	if row.EventID == nil || *row.EventID != "42" {
		t.Errorf("EventID = %v, want 42", row.EventID)
	}
	if row.Payload != `{"id":42}` || !row.IsJSON {
		t.Errorf("Payload = %q (json %v), want JSON text", row.Payload, row.IsJSON)
	}
	if !row.ReceivedAt.Equal(now) {
		t.Errorf("ReceivedAt = %v, want %v", row.ReceivedAt, now)
	}

	raw := transformMessage(connection.MessageEvent{Data: connection.ParsePayload("order ready")})
	if raw.EventID != nil {
		t.Errorf("EventID = %v, want nil for message without id", *raw.EventID)
	}
	if raw.IsJSON {
		t.Error("IsJSON = true for plain text")
	}
}

func TestTransformEvent(t *testing.T) {
	row := transformEvent(connection.ConnectionEvent{
		Kind:         connection.EventReconnecting,
		ConnectionID: "kitchen-1",
		Cause:        errors.New("connection refused"),
		Attempt:      3,
	})

	if row.Kind != "reconnecting" {
		t.Errorf("Kind = %q, want reconnecting", row.Kind)
	}
	if row.Cause == nil || *row.Cause != "connection refused" {
		t.Errorf("Cause = %v, want connection refused", row.Cause)
	}
	if row.Attempt != 3 {
		t.Errorf("Attempt = %d, want 3", row.Attempt)
	}

	connected := transformEvent(connection.ConnectionEvent{Kind: connection.EventConnected})
	if connected.Cause != nil {
		t.Errorf("Cause = %q, want nil", *connected.Cause)
	}
}

func TestWriter_FlushCountsConflicts(t *testing.T) {
	db := &fakeDB{}
	w := NewWriter(Config{BatchSize: 100}, newFakeSource(), db, discardLogger())

	msg := connection.MessageEvent{ConnectionID: "kitchen-1", EventType: "order-new", ID: "7", Data: connection.ParsePayload("{}")}
	w.handle(entry{msg: &msg})
	w.handle(entry{ev: &connection.ConnectionEvent{Kind: connection.EventConnected, ConnectionID: "kitchen-1"}})
	w.flush()

	// Replayed id after a reconnect
	w.handle(entry{msg: &msg})
	w.flush()

	stats := w.Stats()
	if stats.MessageInserts != 1 {
		t.Errorf("MessageInserts = %d, want 1", stats.MessageInserts)
	}
	if stats.EventInserts != 1 {
		t.Errorf("EventInserts = %d, want 1", stats.EventInserts)
	}
	if stats.Conflicts != 1 {
		t.Errorf("Conflicts = %d, want 1", stats.Conflicts)
	}
	if stats.Flushes != 2 {
		t.Errorf("Flushes = %d, want 2", stats.Flushes)
	}
}

func TestWriter_FlushesAtBatchSize(t *testing.T) {
	db := &fakeDB{}
	w := NewWriter(Config{BatchSize: 2}, newFakeSource(), db, discardLogger())

	w.handle(entry{ev: &connection.ConnectionEvent{Kind: connection.EventConnected}})
	if calls, _, _ := db.counts(); calls != 0 {
		t.Fatalf("flushed early: %d calls", calls)
	}
	w.handle(entry{ev: &connection.ConnectionEvent{Kind: connection.EventDisconnected}})

	calls, _, events := db.counts()
	if calls != 1 || events != 2 {
		t.Errorf("calls = %d, events = %d; want 1, 2", calls, events)
	}
}

func TestWriter_BreakerOpens(t *testing.T) {
	db := &fakeDB{err: errors.New("connection refused")}
	w := NewWriter(Config{BatchSize: 100, BreakerFailures: 2, BreakerTimeout: time.Hour}, newFakeSource(), db, discardLogger())

	for i := 0; i < 3; i++ {
		w.handle(entry{ev: &connection.ConnectionEvent{Kind: connection.EventError}})
		w.flush()
	}

	if got := w.BreakerState(); got != gobreaker.StateOpen {
		t.Errorf("BreakerState() = %v, want %v", got, gobreaker.StateOpen)
	}
	if calls, _, _ := db.counts(); calls != 2 {
		t.Errorf("database calls = %d, want 2 (third flush rejected by breaker)", calls)
	}

	stats := w.Stats()
	if stats.Errors != 2 {
		t.Errorf("Errors = %d, want 2", stats.Errors)
	}
	if stats.Dropped != 3 {
		t.Errorf("Dropped = %d, want 3", stats.Dropped)
	}
}

func TestWriter_StartStop(t *testing.T) {
	db := &fakeDB{}
	src := newFakeSource()
	w := NewWriter(Config{BatchSize: 1000, FlushInterval: time.Hour}, src, db, discardLogger())

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	src.connection(connection.ConnectionEvent{Kind: connection.EventConnected, ConnectionID: "kitchen-1"})
	for i := 0; i < 5; i++ {
		src.message(connection.MessageEvent{ConnectionID: "kitchen-1", EventType: "message", Data: connection.ParsePayload("x")})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	_, messages, events := db.counts()
	if messages != 5 || events != 1 {
		t.Errorf("messages = %d, events = %d; want 5, 1", messages, events)
	}
	if src.removed != 2 {
		t.Errorf("Off calls = %d, want 2", src.removed)
	}

	// Unsubscribed after Stop
	src.message(connection.MessageEvent{ConnectionID: "kitchen-1"})
	if got := w.Stats().MessageInserts; got != 5 {
		t.Errorf("MessageInserts = %d, want 5", got)
	}
}
