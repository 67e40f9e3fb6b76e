package connection

import (
	"log/slog"
	"runtime/debug"
	"time"
)

// EventKind identifies a connection lifecycle notification.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventError        EventKind = "error"
	EventReconnecting EventKind = "reconnecting"
	EventFailed       EventKind = "failed"
	EventDisconnected EventKind = "disconnected"
)

// ConnectionEvent is published on the pool bus for lifecycle transitions.
type ConnectionEvent struct {
	Kind         EventKind     `json:"kind"`
	ConnectionID string        `json:"connection_id"`
	Cause        error         `json:"-"`
	Attempt      int           `json:"attempt,omitempty"`
	Delay        time.Duration `json:"delay,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// CauseText returns the cause message or "".
func (e ConnectionEvent) CauseText() string {
	if e.Cause == nil {
		return ""
	}
	return e.Cause.Error()
}

// MessageEvent is one dispatched server message.
type MessageEvent struct {
	ConnectionID string    `json:"connection_id"`
	EventType    string    `json:"event_type"`
	ID           string    `json:"id,omitempty"`
	Data         Payload   `json:"data"`
	Timestamp    time.Time `json:"timestamp"`
}

// Subscription is the handle returned when registering a listener.
// Removal matches on the handle, not the function.
type Subscription struct {
	eventType string
	onConn    func(ConnectionEvent)
	onMessage func(MessageEvent)
}

// EventType returns the event type a connection listener was registered for.
func (s *Subscription) EventType() string {
	return s.eventType
}

func removeSub(subs []*Subscription, sub *Subscription) []*Subscription {
	for i, s := range subs {
		if s == sub {
			out := make([]*Subscription, 0, len(subs)-1)
			out = append(out, subs[:i]...)
			return append(out, subs[i+1:]...)
		}
	}
	return subs
}

// invokeMessage calls fn, recovering a panic so other listeners still run.
func invokeMessage(logger *slog.Logger, fn func(MessageEvent), ev MessageEvent) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("message listener panicked",
				"conn_id", ev.ConnectionID,
				"event_type", ev.EventType,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn(ev)
}

func invokeConnection(logger *slog.Logger, fn func(ConnectionEvent), ev ConnectionEvent) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("connection listener panicked",
				"conn_id", ev.ConnectionID,
				"kind", ev.Kind,
				"panic", r,
			)
		}
	}()
	fn(ev)
}
