package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// conn holds the state for a single named stream. All fields are
// guarded by Pool.mu.
type conn struct {
	id       string
	instance uuid.UUID
	settings settings
	events   map[string]struct{}
	logger   *slog.Logger

	status Status
	stream Stream
	cancel context.CancelFunc // ends the current attempt, reader and heartbeat
	timer  *time.Timer        // pending retry
	gen    uint64             // bumped on every teardown

	inflight bool // an Open call is outstanding
	parked   bool // waiting for the network to come back
	attempts int

	listeners map[string][]*Subscription

	createdAt    time.Time
	connectedAt  time.Time
	lastActivity time.Time
	statusSince  time.Time
	downSince    time.Time

	lastEventID string
	seen        *lru.Cache[string, struct{}]
	replayUntil string // Last-Event-ID sent on the current stream while replays are expected
	stats       ConnectionStats
}

// replayed reports whether id is a server replay of an event delivered
// before the last resume. The window closes at the resumed id itself or
// at the first id not seen before.
func (c *conn) replayed(id string) bool {
	if c.replayUntil == "" {
		return false
	}
	if id == c.replayUntil {
		c.replayUntil = ""
		return true
	}
	if c.seen.Contains(id) {
		return true
	}
	c.replayUntil = ""
	return false
}

func (c *conn) subscribed(eventType string) bool {
	if eventType == DefaultEventType {
		return true
	}
	_, ok := c.events[eventType]
	return ok
}

func (c *conn) info() ConnectionInfo {
	return ConnectionInfo{
		ID:                c.id,
		Instance:          c.instance,
		URL:               c.settings.url,
		Status:            c.status,
		Events:            append([]string(nil), c.settings.events...),
		AutoReconnect:     c.settings.autoReconnect,
		ReconnectAttempts: c.attempts,
		Paused:            c.parked,
		LastEventID:       c.lastEventID,
		CreatedAt:         c.createdAt,
		ConnectedAt:       c.connectedAt,
		LastActivity:      c.lastActivity,
		Stats:             c.stats,
	}
}

// Pool owns a bounded set of named streams.
type Pool struct {
	cfg       PoolConfig
	transport Transport
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	conns     map[string]*conn
	connSubs  []*Subscription
	msgSubs   []*Subscription
	offline   bool
	disposed  bool
	startedAt time.Time

	failed     int64
	messages   int64
	reconnects int64
}

// NewPool creates a pool and starts its health check and cleanup loops.
// Call Dispose to stop them.
func NewPool(cfg PoolConfig, transport Transport, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}

	def := DefaultPoolConfig()
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = def.HealthCheckInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = def.StaleThreshold
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:       cfg,
		transport: transport,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(map[string]*conn),
		startedAt: time.Now(),
	}

	p.wg.Add(1)
	go p.maintain()

	return p
}

// Connect registers a connection and blocks until its first
// establishment attempt finishes. A failed attempt returns an
// *EstablishError; when Retrying is set the connection stays registered
// and keeps reconnecting in the background.
//
// An id held by a connection in error or closed is replaced. If ctx is
// canceled before the attempt finishes, the connection is removed. A ctx
// deadline instead counts as a failed attempt, so the connection stays
// registered and retries like any other establishment failure.
func (p *Pool) Connect(ctx context.Context, id string, opts Options) (ConnectionInfo, error) {
	s := p.resolve(opts)
	if s.url == "" {
		return ConnectionInfo{}, ErrMissingURL
	}

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return ConnectionInfo{}, ErrPoolDisposed
	}

	var events []ConnectionEvent
	if old, ok := p.conns[id]; ok {
		if old.status != StatusError && old.status != StatusClosed {
			p.mu.Unlock()
			return ConnectionInfo{}, fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
		events = append(events, p.removeLocked(old, nil))
	}
	if len(p.conns) >= p.cfg.MaxConnections {
		p.mu.Unlock()
		return ConnectionInfo{}, fmt.Errorf("%w (max %d)", ErrPoolFull, p.cfg.MaxConnections)
	}

	c := p.newConn(id, s)
	p.conns[id] = c
	attemptCtx, cancel, gen, req := p.beginAttemptLocked(c)
	p.unlockAndPublish(events)

	c.logger.Debug("connecting", "url", req.URL)

	stop := context.AfterFunc(ctx, cancel)
	stream, err := p.transport.Open(attemptCtx, req)
	stop()

	p.mu.Lock()
	if !p.currentLocked(c, gen) {
		p.mu.Unlock()
		closeStream(stream)
		return ConnectionInfo{}, fmt.Errorf("%w: %s", ErrDisconnected, id)
	}

	switch ctxErr := ctx.Err(); {
	case errors.Is(ctxErr, context.DeadlineExceeded):
		closeStream(stream)
		stream = nil
		err = fmt.Errorf("first attempt timed out: %w", ctxErr)
	case ctxErr != nil:
		closeStream(stream)
		ev := p.removeLocked(c, ctxErr)
		p.unlockAndPublish([]ConnectionEvent{ev})
		return ConnectionInfo{}, ctxErr
	}

	if err != nil {
		events, retrying := p.failLocked(c, err)
		info := c.info()
		p.unlockAndPublish(events)
		return info, &EstablishError{ID: id, Err: err, Retrying: retrying}
	}

	events = p.openedLocked(attemptCtx, c, gen, stream)
	info := c.info()
	p.unlockAndPublish(events)
	return info, nil
}

// AddEventListener registers fn for eventType on connection id. The
// returned handle removes it.
func (p *Pool) AddEventListener(id, eventType string, fn func(MessageEvent)) (*Subscription, error) {
	if eventType == "" {
		eventType = DefaultEventType
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}

	sub := &Subscription{eventType: eventType, onMessage: fn}
	c.listeners[eventType] = append(c.listeners[eventType], sub)
	return sub, nil
}

// RemoveEventListener removes a listener. Unknown ids and handles are ignored.
func (p *Pool) RemoveEventListener(id, eventType string, sub *Subscription) {
	if eventType == "" {
		eventType = DefaultEventType
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.conns[id]
	if !ok {
		return
	}
	c.listeners[eventType] = removeSub(c.listeners[eventType], sub)
}

// Disconnect closes and removes a connection. Unknown ids are ignored.
func (p *Pool) Disconnect(id string) {
	p.mu.Lock()
	c, ok := p.conns[id]
	if !ok {
		p.mu.Unlock()
		return
	}

	ev := p.removeLocked(c, nil)
	c.logger.Info("connection closed")
	p.unlockAndPublish([]ConnectionEvent{ev})
}

// DisconnectAll disconnects every connection.
func (p *Pool) DisconnectAll() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.conns))
	for id := range p.conns {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.Disconnect(id)
	}
}

// GetConnection returns a snapshot of connection id.
func (p *Pool) GetConnection(id string) (ConnectionInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.conns[id]
	if !ok {
		return ConnectionInfo{}, false
	}
	return c.info(), true
}

// GetAllConnections returns snapshots of every connection, sorted by id.
func (p *Pool) GetAllConnections() []ConnectionInfo {
	p.mu.Lock()
	out := make([]ConnectionInfo, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c.info())
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetStats returns pool statistics. Active connections are counted from
// current statuses.
func (p *Pool) GetStats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	active := 0
	for _, c := range p.conns {
		if c.status == StatusConnected {
			active++
		}
	}

	return PoolStats{
		TotalConnections:      len(p.conns),
		ActiveConnections:     active,
		FailedConnections:     p.failed,
		TotalMessagesReceived: p.messages,
		TotalReconnects:       p.reconnects,
		Uptime:                time.Since(p.startedAt),
	}
}

// OnConnection subscribes fn to lifecycle notifications of every connection.
func (p *Pool) OnConnection(fn func(ConnectionEvent)) *Subscription {
	sub := &Subscription{onConn: fn}

	p.mu.Lock()
	p.connSubs = append(p.connSubs, sub)
	p.mu.Unlock()

	return sub
}

// OnMessage subscribes fn to every dispatched message of every connection.
func (p *Pool) OnMessage(fn func(MessageEvent)) *Subscription {
	sub := &Subscription{onMessage: fn}

	p.mu.Lock()
	p.msgSubs = append(p.msgSubs, sub)
	p.mu.Unlock()

	return sub
}

// Off removes a bus subscription.
func (p *Pool) Off(sub *Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.connSubs = removeSub(p.connSubs, sub)
	p.msgSubs = removeSub(p.msgSubs, sub)
}

// Dispose disconnects everything and stops background loops. Safe to
// call more than once.
func (p *Pool) Dispose() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	p.mu.Unlock()

	p.DisconnectAll()
	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	p.connSubs = nil
	p.msgSubs = nil
	p.mu.Unlock()

	p.logger.Info("connection pool disposed")
}

func (p *Pool) newConn(id string, s settings) *conn {
	now := time.Now()
	c := &conn{
		id:          id,
		instance:    uuid.New(),
		settings:    s,
		events:      make(map[string]struct{}, len(s.events)),
		logger:      p.logger.With("conn_id", id),
		status:      StatusConnecting,
		listeners:   make(map[string][]*Subscription),
		createdAt:   now,
		statusSince: now,
	}
	for _, e := range s.events {
		c.events[e] = struct{}{}
	}
	if p.cfg.DedupeWindow > 0 {
		c.seen, _ = lru.New[string, struct{}](p.cfg.DedupeWindow)
	}
	return c
}

// resolve merges opts over the pool defaults and the built-in defaults.
func (p *Pool) resolve(opts Options) settings {
	d := p.cfg.Defaults
	s := settings{
		url:             opts.URL,
		headers:         http.Header{},
		withCredentials: opts.WithCredentials || d.WithCredentials,
		retry:           resolveRetry(d.Retry, opts.Retry),
		heartbeat:       resolveHeartbeat(d.Heartbeat, opts.Heartbeat),
		autoReconnect:   true,
		events:          opts.Events,
	}

	if s.url == "" {
		s.url = d.URL
	}
	for k, vs := range d.Headers {
		s.headers[k] = append([]string(nil), vs...)
	}
	for k, vs := range opts.Headers {
		s.headers[k] = append([]string(nil), vs...)
	}

	switch {
	case opts.AutoReconnect != nil:
		s.autoReconnect = *opts.AutoReconnect
	case d.AutoReconnect != nil:
		s.autoReconnect = *d.AutoReconnect
	}
	if s.events == nil {
		s.events = d.Events
	}

	return s
}

// unlockAndPublish releases p.mu and then delivers events to bus
// subscribers. Callers must hold p.mu.
func (p *Pool) unlockAndPublish(events []ConnectionEvent) {
	subs := p.connSubs
	p.mu.Unlock()

	for _, ev := range events {
		for _, s := range subs {
			invokeConnection(p.logger, s.onConn, ev)
		}
	}
}
