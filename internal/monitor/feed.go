package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/kitchen-stream/internal/buffer"
	"github.com/rickgao/kitchen-stream/internal/connection"
)

// feedBacklog is the number of frames queued per client before the
// oldest are dropped.
const feedBacklog = 256

const writeWait = 5 * time.Second

// Frame is one message on the /events feed.
type Frame struct {
	Type       string                   `json:"type"` // "connection" or "message"
	Connection *ConnectionFrame         `json:"connection,omitempty"`
	Message    *connection.MessageEvent `json:"message,omitempty"`
}

// ConnectionFrame is a lifecycle event with its cause as text.
type ConnectionFrame struct {
	connection.ConnectionEvent
	Cause string `json:"cause,omitempty"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	if !s.trackFeed(ws) {
		return
	}
	defer s.untrackFeed(ws)

	frames := buffer.NewRing[Frame](feedBacklog)
	connSub := s.pool.OnConnection(func(ev connection.ConnectionEvent) {
		frames.Send(Frame{Type: "connection", Connection: &ConnectionFrame{ConnectionEvent: ev, Cause: ev.CauseText()}})
	})
	msgSub := s.pool.OnMessage(func(ev connection.MessageEvent) {
		frames.Send(Frame{Type: "message", Message: &ev})
	})
	defer s.pool.Off(connSub)
	defer s.pool.Off(msgSub)

	s.logger.Info("ws feed opened", "remote", r.RemoteAddr)

	// The feed is send-only; reading detects the client going away
	go func() {
		defer frames.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		f, ok := frames.Receive()
		if !ok {
			s.logger.Info("ws feed closed", "remote", r.RemoteAddr)
			return
		}

		data, err := json.Marshal(f)
		if err != nil {
			s.logger.Error("failed to marshal ws frame", "error", err)
			continue
		}

		ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
			s.logger.Warn("ws send failed", "error", err)
			return
		}
	}
}

// trackFeed registers ws for closing on Stop. It reports false once the
// server is stopping.
func (s *Server) trackFeed(ws *websocket.Conn) bool {
	s.feedsMu.Lock()
	defer s.feedsMu.Unlock()

	if s.closing {
		return false
	}
	s.feeds[ws] = struct{}{}
	s.feedWG.Add(1)
	return true
}

func (s *Server) untrackFeed(ws *websocket.Conn) {
	s.feedsMu.Lock()
	delete(s.feeds, ws)
	s.feedsMu.Unlock()
	s.feedWG.Done()
}

// closeFeeds closes every open feed and waits for their handlers to
// unsubscribe from the pool.
func (s *Server) closeFeeds(ctx context.Context) error {
	s.feedsMu.Lock()
	s.closing = true
	for ws := range s.feeds {
		ws.Close()
	}
	n := len(s.feeds)
	s.feedsMu.Unlock()

	if n > 0 {
		s.logger.Info("closing ws feeds", "count", n)
	}

	done := make(chan struct{})
	go func() {
		s.feedWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close ws feeds: %w", ctx.Err())
	}
}
