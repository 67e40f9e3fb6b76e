package connection

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Event is one record read from a stream.
type Event struct {
	ID        string        // id field of this record, "" if absent
	Type      string        // event field, "" means "message"
	Data      string        // data lines joined with "\n"
	Retry     time.Duration // server reconnection hint, 0 if absent
	Keepalive bool          // comment or transport ping, no payload
}

// Request describes a stream to open.
type Request struct {
	URL             string
	Headers         http.Header
	WithCredentials bool
	LastEventID     string
}

// Stream is an open server-push stream.
type Stream interface {
	// Next blocks until the next record arrives or the stream fails.
	// It returns an error once Close has been called.
	Next() (Event, error)

	// Close releases the stream. Safe to call more than once.
	Close() error
}

// Transport opens streams. Open returns once the stream is established
// and ready to read, or with the reason it could not be.
type Transport interface {
	Open(ctx context.Context, req Request) (Stream, error)
}

// Dialer routes requests to a transport by URL scheme.
type Dialer struct {
	SSE       Transport
	WebSocket Transport
}

// NewDialer creates a Dialer with the default SSE and WebSocket transports.
func NewDialer(logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{
		SSE:       NewSSETransport(),
		WebSocket: NewWebSocketTransport(logger),
	}
}

// Open implements Transport.
func (d *Dialer) Open(ctx context.Context, req Request) (Stream, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		return d.SSE.Open(ctx, req)
	case "ws", "wss":
		return d.WebSocket.Open(ctx, req)
	default:
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
}
