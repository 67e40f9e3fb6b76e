// Package stream provides a per-stream view over the connection pool for
// consumers that care about a single feed, such as one kitchen display.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/rickgao/kitchen-stream/internal/buffer"
	"github.com/rickgao/kitchen-stream/internal/connection"
)

// HistorySize is the number of messages an Adapter retains.
const HistorySize = 100

// Pool is the subset of the connection pool an Adapter uses.
type Pool interface {
	Connect(ctx context.Context, id string, opts connection.Options) (connection.ConnectionInfo, error)
	Disconnect(id string)
	GetConnection(id string) (connection.ConnectionInfo, bool)
	OnMessage(fn func(connection.MessageEvent)) *connection.Subscription
	Off(sub *connection.Subscription)
}

// Adapter tracks one named stream in a pool and keeps its recent messages.
type Adapter struct {
	pool   Pool
	id     string
	opts   connection.Options
	logger *slog.Logger

	history *buffer.Queue[connection.MessageEvent]

	mu  sync.Mutex
	sub *connection.Subscription
}

// New creates an adapter for stream id. Nothing is opened until Connect.
func New(pool Pool, id string, opts connection.Options, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}

	return &Adapter{
		pool:    pool,
		id:      id,
		opts:    opts,
		logger:  logger.With("stream", id),
		history: buffer.NewRing[connection.MessageEvent](HistorySize),
	}
}

// ID returns the stream id.
func (a *Adapter) ID() string {
	return a.id
}

// Connect opens the stream. A first attempt that failed but is still
// being retried by the pool is not an error.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.sub == nil {
		a.sub = a.pool.OnMessage(a.record)
	}
	a.mu.Unlock()

	_, err := a.pool.Connect(ctx, a.id, a.opts)
	if err == nil {
		return nil
	}

	var estErr *connection.EstablishError
	if errors.As(err, &estErr) && estErr.Retrying {
		a.logger.Warn("first attempt failed, retrying in background", "error", estErr.Err)
		return nil
	}

	a.unsubscribe()
	return err
}

// Disconnect closes the stream and stops recording messages. History is kept.
func (a *Adapter) Disconnect() {
	a.pool.Disconnect(a.id)
	a.unsubscribe()
}

// IsConnected reports whether the stream is currently open.
func (a *Adapter) IsConnected() bool {
	return a.Status() == connection.StatusConnected
}

// Status returns the stream status, or closed if the pool has no record.
func (a *Adapter) Status() connection.Status {
	info, ok := a.pool.GetConnection(a.id)
	if !ok {
		return connection.StatusClosed
	}
	return info.Status
}

// LastMessage returns the most recent message.
func (a *Adapter) LastMessage() (connection.MessageEvent, bool) {
	return a.history.Last()
}

// Messages returns up to HistorySize recent messages, oldest first.
func (a *Adapter) Messages() []connection.MessageEvent {
	return a.history.Snapshot()
}

func (a *Adapter) record(ev connection.MessageEvent) {
	if ev.ConnectionID != a.id {
		return
	}
	a.history.Send(ev)
}

func (a *Adapter) unsubscribe() {
	a.mu.Lock()
	sub := a.sub
	a.sub = nil
	a.mu.Unlock()

	if sub != nil {
		a.pool.Off(sub)
	}
}
