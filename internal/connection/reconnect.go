package connection

import (
	"context"
	"errors"
	"math"
	"time"
)

// BackoffDelay returns the wait before retry number attempt (1-based):
// min(base*2^(attempt-1), max) when exponential, else base. Unset fields
// of policy take the DefaultRetryPolicy values.
func BackoffDelay(policy RetryPolicy, attempt int) time.Duration {
	return resolveRetry(&policy).delay(attempt)
}

func (r retryPolicy) delay(attempt int) time.Duration {
	if !r.exponential {
		return r.baseDelay
	}
	if attempt < 1 {
		attempt = 1
	}

	wait := float64(r.baseDelay) * math.Pow(2, float64(attempt-1))
	if wait > float64(r.maxDelay) {
		return r.maxDelay
	}
	return time.Duration(wait)
}

// currentLocked reports whether c is still registered and has not been
// torn down since gen was captured.
func (p *Pool) currentLocked(c *conn, gen uint64) bool {
	return p.conns[c.id] == c && c.gen == gen
}

// beginAttemptLocked prepares an establishment attempt for c.
func (p *Pool) beginAttemptLocked(c *conn) (context.Context, context.CancelFunc, uint64, Request) {
	ctx, cancel := context.WithCancel(p.ctx)
	c.cancel = cancel
	c.inflight = true
	c.parked = false

	req := Request{
		URL:             c.settings.url,
		Headers:         c.settings.headers.Clone(),
		WithCredentials: c.settings.withCredentials,
		LastEventID:     c.lastEventID,
	}
	return ctx, cancel, c.gen, req
}

// startAttemptLocked runs an establishment attempt in the background.
func (p *Pool) startAttemptLocked(c *conn) {
	ctx, _, gen, req := p.beginAttemptLocked(c)
	go p.runAttempt(ctx, c, gen, req)
}

func (p *Pool) runAttempt(ctx context.Context, c *conn, gen uint64, req Request) {
	c.logger.Debug("attempting reconnection", "url", req.URL)

	stream, err := p.transport.Open(ctx, req)

	p.mu.Lock()
	if !p.currentLocked(c, gen) {
		p.mu.Unlock()
		closeStream(stream)
		return
	}

	var events []ConnectionEvent
	if err != nil {
		events, _ = p.failLocked(c, err)
	} else {
		events = p.openedLocked(ctx, c, gen, stream)
	}
	p.unlockAndPublish(events)
}

// openedLocked moves c to connected and starts its reader and heartbeat.
func (p *Pool) openedLocked(ctx context.Context, c *conn, gen uint64, stream Stream) []ConnectionEvent {
	now := time.Now()

	c.inflight = false
	c.stream = stream
	c.status = StatusConnected
	c.statusSince = now
	c.attempts = 0
	c.connectedAt = now
	c.lastActivity = now
	c.replayUntil = ""
	if c.seen != nil {
		c.replayUntil = c.lastEventID
	}
	if !c.downSince.IsZero() {
		c.stats.Downtime += now.Sub(c.downSince)
		c.downSince = time.Time{}
	}

	go p.read(c, gen, stream)
	if hb := c.settings.heartbeat; hb.enabled {
		go p.watchHeartbeat(ctx, c, gen, hb)
	}

	c.logger.Info("connection established", "url", c.settings.url)

	return []ConnectionEvent{{
		Kind:         EventConnected,
		ConnectionID: c.id,
		Timestamp:    now,
	}}
}

// failLocked handles a failed attempt or a broken stream. It reports
// whether the connection will be retried.
func (p *Pool) failLocked(c *conn, cause error) ([]ConnectionEvent, bool) {
	now := time.Now()

	if c.status == StatusConnected {
		c.downSince = now
	}
	p.teardownLocked(c)
	p.failed++
	c.stats.LastError = cause.Error()

	events := []ConnectionEvent{{
		Kind:         EventError,
		ConnectionID: c.id,
		Cause:        cause,
		Attempt:      c.attempts,
		Timestamp:    now,
	}}

	c.logger.Warn("connection error", "error", cause, "attempts", c.attempts)

	if errors.Is(cause, ErrNoContent) {
		c.status = StatusClosed
		c.statusSince = now
		return append(events, p.failedEvent(c, cause, now)), false
	}

	if c.settings.autoReconnect {
		if p.offline {
			c.status = StatusReconnecting
			c.statusSince = now
			c.parked = true
			return events, true
		}
		if c.attempts < c.settings.retry.maxAttempts {
			return append(events, p.scheduleReconnectLocked(c, cause)), true
		}
	}

	c.status = StatusError
	c.statusSince = now
	return append(events, p.failedEvent(c, cause, now)), false
}

func (p *Pool) failedEvent(c *conn, cause error, now time.Time) ConnectionEvent {
	c.logger.Error("connection failed", "error", cause, "attempts", c.attempts)
	return ConnectionEvent{
		Kind:         EventFailed,
		ConnectionID: c.id,
		Cause:        cause,
		Attempt:      c.attempts,
		Timestamp:    now,
	}
}

// scheduleReconnectLocked counts the retry and arms its timer.
func (p *Pool) scheduleReconnectLocked(c *conn, cause error) ConnectionEvent {
	now := time.Now()

	c.attempts++
	c.stats.ReconnectCount++
	p.reconnects++

	delay := c.settings.retry.delay(c.attempts)
	c.status = StatusReconnecting
	c.statusSince = now

	gen := c.gen
	c.timer = time.AfterFunc(delay, func() { p.retry(c, gen) })

	c.logger.Info("reconnect scheduled", "attempt", c.attempts, "delay", delay)

	return ConnectionEvent{
		Kind:         EventReconnecting,
		ConnectionID: c.id,
		Cause:        cause,
		Attempt:      c.attempts,
		Delay:        delay,
		Timestamp:    now,
	}
}

// retry fires when a backoff timer elapses.
func (p *Pool) retry(c *conn, gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.currentLocked(c, gen) || c.timer == nil {
		return
	}
	c.timer = nil

	if c.inflight {
		return
	}
	if p.offline {
		c.parked = true
		return
	}
	p.startAttemptLocked(c)
}

// forceReconnectLocked tears down a live stream and re-establishes it
// immediately without waiting for a transport error.
func (p *Pool) forceReconnectLocked(c *conn, cause error) []ConnectionEvent {
	now := time.Now()

	if c.status == StatusConnected {
		c.downSince = now
	}
	p.teardownLocked(c)
	c.stats.LastError = cause.Error()

	if !c.settings.autoReconnect {
		p.failed++
		c.status = StatusError
		c.statusSince = now
		return []ConnectionEvent{p.failedEvent(c, cause, now)}
	}

	c.status = StatusReconnecting
	c.statusSince = now

	if p.offline {
		c.parked = true
	} else {
		c.attempts++
		c.stats.ReconnectCount++
		p.reconnects++
		p.startAttemptLocked(c)
	}

	return []ConnectionEvent{{
		Kind:         EventReconnecting,
		ConnectionID: c.id,
		Cause:        cause,
		Attempt:      c.attempts,
		Timestamp:    now,
	}}
}

// teardownLocked releases the stream, the attempt context and any
// pending retry. Callbacks holding an older generation become no-ops.
func (p *Pool) teardownLocked(c *conn) {
	c.gen++

	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.stream != nil {
		closeStream(c.stream)
		c.stream = nil
	}

	c.inflight = false
	c.parked = false
}

// removeLocked tears down c and drops it from the pool.
func (p *Pool) removeLocked(c *conn, cause error) ConnectionEvent {
	p.teardownLocked(c)
	c.status = StatusClosed
	c.listeners = make(map[string][]*Subscription)
	delete(p.conns, c.id)

	return ConnectionEvent{
		Kind:         EventDisconnected,
		ConnectionID: c.id,
		Cause:        cause,
		Timestamp:    time.Now(),
	}
}

// read pumps records from stream until it fails or is replaced.
func (p *Pool) read(c *conn, gen uint64, stream Stream) {
	for {
		ev, err := stream.Next()
		if err != nil {
			p.streamFailed(c, gen, err)
			return
		}
		if !p.deliver(c, gen, ev) {
			return
		}
	}
}

func (p *Pool) streamFailed(c *conn, gen uint64, err error) {
	p.mu.Lock()
	if !p.currentLocked(c, gen) {
		p.mu.Unlock()
		return
	}

	events, _ := p.failLocked(c, err)
	p.unlockAndPublish(events)
}

// deliver records activity for ev and dispatches it to listeners and the
// bus. It returns false once the stream is no longer current.
func (p *Pool) deliver(c *conn, gen uint64, ev Event) bool {
	now := time.Now()

	eventType := ev.Type
	if eventType == "" {
		eventType = DefaultEventType
	}
	var payload Payload
	if !ev.Keepalive {
		payload = ParsePayload(ev.Data)
	}

	p.mu.Lock()
	if !p.currentLocked(c, gen) {
		p.mu.Unlock()
		return false
	}

	c.lastActivity = now
	if ev.Keepalive {
		c.stats.LastHeartbeat = now
		p.mu.Unlock()
		return true
	}

	if ev.ID != "" {
		if c.replayed(ev.ID) {
			c.stats.Duplicates++
			p.mu.Unlock()
			c.logger.Debug("dropping replayed event", "event_id", ev.ID)
			return true
		}
		c.lastEventID = ev.ID
		if c.seen != nil {
			c.seen.Add(ev.ID, struct{}{})
		}
	}

	if eventType == HeartbeatEventType || payload.isHeartbeat() {
		c.stats.LastHeartbeat = now
	}

	if !c.subscribed(eventType) {
		p.mu.Unlock()
		return true
	}

	c.stats.MessagesReceived++
	p.messages++

	listeners := c.listeners[eventType]
	bus := p.msgSubs
	p.mu.Unlock()

	msg := MessageEvent{
		ConnectionID: c.id,
		EventType:    eventType,
		ID:           ev.ID,
		Data:         payload,
		Timestamp:    now,
	}
	for _, l := range listeners {
		invokeMessage(c.logger, l.onMessage, msg)
	}
	for _, s := range bus {
		invokeMessage(p.logger, s.onMessage, msg)
	}
	return true
}

// watchHeartbeat forces a reconnect when c stays quiet past hb.timeoutAfter.
func (p *Pool) watchHeartbeat(ctx context.Context, c *conn, gen uint64, hb heartbeatPolicy) {
	ticker := time.NewTicker(hb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			if !p.currentLocked(c, gen) {
				p.mu.Unlock()
				return
			}

			idle := time.Since(c.lastActivity)
			if c.status == StatusConnected && idle > hb.timeoutAfter {
				c.logger.Warn("no activity, connection stale",
					"last_activity", c.lastActivity,
					"timeout", hb.timeoutAfter,
				)
				events := p.forceReconnectLocked(c, ErrStaleConnection)
				p.unlockAndPublish(events)
				return
			}
			p.mu.Unlock()
		}
	}
}

// closeStream closes s off the caller's goroutine; a WebSocket close
// handshake can block for up to a second.
func closeStream(s Stream) {
	if s == nil {
		return
	}
	go s.Close()
}
