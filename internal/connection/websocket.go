package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketTransport opens receive-only streams over WebSocket.
//
// Each text frame is either an envelope {"event","id","data"} or a bare
// payload delivered as a "message" record. Server pings are answered and
// surfaced as keepalives.
type WebSocketTransport struct {
	dialer *websocket.Dialer
	jar    http.CookieJar
	logger *slog.Logger
}

// NewWebSocketTransport creates a WebSocket transport.
func NewWebSocketTransport(logger *slog.Logger) *WebSocketTransport {
	if logger == nil {
		logger = slog.Default()
	}
	jar, _ := cookiejar.New(nil)
	return &WebSocketTransport{
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			Proxy:            http.ProxyFromEnvironment,
		},
		jar:    jar,
		logger: logger,
	}
}

// Open implements Transport.
func (t *WebSocketTransport) Open(ctx context.Context, req Request) (Stream, error) {
	dialer := *t.dialer
	if req.WithCredentials {
		dialer.Jar = t.jar
	}

	header := req.Headers.Clone()
	if header == nil {
		header = http.Header{}
	}
	if req.LastEventID != "" {
		header.Set("Last-Event-ID", req.LastEventID)
	}

	conn, resp, err := dialer.DialContext(ctx, req.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNoContent {
			return nil, ErrNoContent
		}
		return nil, fmt.Errorf("dial websocket: %w", err)
	}

	s := &wsStream{
		conn:   conn,
		logger: t.logger,
		items:  make(chan wsItem, 64),
		done:   make(chan struct{}),
	}

	// Server sends ping, we respond with pong
	conn.SetPingHandler(func(data string) error {
		select {
		case s.items <- wsItem{ev: Event{Keepalive: true}}:
		default:
		}
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})

	go s.readLoop()

	t.logger.Debug("websocket connected", "url", req.URL)

	return s, nil
}

type wsItem struct {
	ev  Event
	err error
}

type wsStream struct {
	conn   *websocket.Conn
	logger *slog.Logger
	items  chan wsItem
	done   chan struct{}
	once   sync.Once
}

// readLoop reads frames and queues them, followed by the terminal error.
func (s *wsStream) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case s.items <- wsItem{err: err}:
			case <-s.done:
			}
			return
		}

		select {
		case s.items <- wsItem{ev: decodeFrame(data)}:
		case <-s.done:
			return
		}
	}
}

func (s *wsStream) Next() (Event, error) {
	select {
	case it := <-s.items:
		return it.ev, it.err
	case <-s.done:
		return Event{}, net.ErrClosed
	}
}

func (s *wsStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = s.conn.Close()
	})
	return err
}

type frameEnvelope struct {
	Event string          `json:"event"`
	ID    string          `json:"id"`
	Data  json.RawMessage `json:"data"`
}

func decodeFrame(data []byte) Event {
	var env frameEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" || env.Data == nil {
		return Event{Data: string(data)}
	}

	ev := Event{Type: env.Event, ID: env.ID, Data: string(env.Data)}
	var s string
	if err := json.Unmarshal(env.Data, &s); err == nil {
		ev.Data = s
	}
	return ev
}
