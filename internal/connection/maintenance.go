package connection

import (
	"time"
)

// maintain runs the periodic health check and stale cleanup.
func (p *Pool) maintain() {
	defer p.wg.Done()

	health := time.NewTicker(p.cfg.HealthCheckInterval)
	defer health.Stop()
	cleanup := time.NewTicker(p.cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case now := <-health.C:
			p.healthCheck(now)
		case now := <-cleanup.C:
			p.cleanup(now)
		}
	}
}

// healthCheck soft-reconnects connected streams idle past their
// heartbeat timeout.
func (p *Pool) healthCheck(now time.Time) {
	p.mu.Lock()

	var events []ConnectionEvent
	for _, c := range p.conns {
		hb := c.settings.heartbeat
		if c.status != StatusConnected || !hb.enabled {
			continue
		}
		if now.Sub(c.lastActivity) > hb.timeoutAfter {
			c.logger.Warn("health check found stale connection", "last_activity", c.lastActivity)
			events = append(events, p.forceReconnectLocked(c, ErrStaleConnection)...)
		}
	}

	p.unlockAndPublish(events)
}

// cleanup removes connections that have sat in error or closed longer
// than the stale threshold.
func (p *Pool) cleanup(now time.Time) {
	p.mu.Lock()

	var events []ConnectionEvent
	for _, c := range p.conns {
		if c.status != StatusError && c.status != StatusClosed {
			continue
		}
		if now.Sub(c.statusSince) > p.cfg.StaleThreshold {
			c.logger.Info("removing stale connection", "status", c.status, "since", c.statusSince)
			events = append(events, p.removeLocked(c, ErrStaleRemoved))
		}
	}

	p.unlockAndPublish(events)
}

// NetworkOffline tears down every connected stream and parks pending
// retries until NetworkOnline.
func (p *Pool) NetworkOffline() {
	p.mu.Lock()
	if p.disposed || p.offline {
		p.mu.Unlock()
		return
	}
	p.offline = true

	now := time.Now()
	var events []ConnectionEvent
	for _, c := range p.conns {
		switch c.status {
		case StatusConnected:
			c.downSince = now
			p.teardownLocked(c)
			c.stats.LastError = ErrNetworkOffline.Error()
			c.statusSince = now

			if !c.settings.autoReconnect {
				p.failed++
				c.status = StatusError
				events = append(events, p.failedEvent(c, ErrNetworkOffline, now))
				continue
			}

			c.status = StatusReconnecting
			c.parked = true
			events = append(events, ConnectionEvent{
				Kind:         EventReconnecting,
				ConnectionID: c.id,
				Cause:        ErrNetworkOffline,
				Attempt:      c.attempts,
				Timestamp:    now,
			})
		case StatusReconnecting:
			if c.timer != nil {
				c.timer.Stop()
				c.timer = nil
				c.parked = true
			}
		}
	}

	p.logger.Warn("network offline", "connections", len(p.conns))
	p.unlockAndPublish(events)
}

// NetworkOnline resets the attempt counter of every errored or
// reconnecting connection with auto-reconnect and re-establishes it
// immediately.
func (p *Pool) NetworkOnline() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.offline = false

	now := time.Now()
	var events []ConnectionEvent
	for _, c := range p.conns {
		if !c.settings.autoReconnect {
			continue
		}
		if c.status != StatusError && c.status != StatusReconnecting {
			continue
		}

		c.attempts = 0
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		if c.inflight {
			continue
		}

		c.status = StatusReconnecting
		c.statusSince = now
		p.startAttemptLocked(c)
		events = append(events, ConnectionEvent{
			Kind:         EventReconnecting,
			ConnectionID: c.id,
			Timestamp:    now,
		})
	}

	p.logger.Info("network online", "reconnecting", len(events))
	p.unlockAndPublish(events)
}

// Visible re-establishes every errored connection with auto-reconnect
// without waiting for a timer.
func (p *Pool) Visible() {
	p.mu.Lock()
	if p.disposed || p.offline {
		p.mu.Unlock()
		return
	}

	now := time.Now()
	var events []ConnectionEvent
	for _, c := range p.conns {
		if c.status != StatusError || !c.settings.autoReconnect || c.inflight {
			continue
		}

		c.status = StatusReconnecting
		c.statusSince = now
		p.startAttemptLocked(c)
		events = append(events, ConnectionEvent{
			Kind:         EventReconnecting,
			ConnectionID: c.id,
			Attempt:      c.attempts,
			Timestamp:    now,
		})
	}

	p.unlockAndPublish(events)
}
