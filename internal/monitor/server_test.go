package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/kitchen-stream/internal/connection"
)

type fakePool struct {
	mu       sync.Mutex
	conns    map[string]connection.ConnectionInfo
	signals  []string
	connSubs map[*connection.Subscription]func(connection.ConnectionEvent)
	msgSubs  map[*connection.Subscription]func(connection.MessageEvent)
}

func newFakePool(infos ...connection.ConnectionInfo) *fakePool {
	p := &fakePool{
		conns:    make(map[string]connection.ConnectionInfo),
		connSubs: make(map[*connection.Subscription]func(connection.ConnectionEvent)),
		msgSubs:  make(map[*connection.Subscription]func(connection.MessageEvent)),
	}
	for _, info := range infos {
		p.conns[info.ID] = info
	}
	return p
}

func (p *fakePool) GetConnection(id string) (connection.ConnectionInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.conns[id]
	return info, ok
}

func (p *fakePool) GetAllConnections() []connection.ConnectionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []connection.ConnectionInfo
	for _, id := range []string{"kitchen-1", "kitchen-2"} {
		if info, ok := p.conns[id]; ok {
			out = append(out, info)
		}
	}
	return out
}

func (p *fakePool) GetStats() connection.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := connection.PoolStats{TotalConnections: len(p.conns)}
	for _, c := range p.conns {
		if c.Status == connection.StatusConnected {
			stats.ActiveConnections++
		}
	}
	return stats
}

func (p *fakePool) Disconnect(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, id)
}

func (p *fakePool) signal(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, name)
}

func (p *fakePool) NetworkOffline() { p.signal("offline") }
func (p *fakePool) NetworkOnline()  { p.signal("online") }
func (p *fakePool) Visible()        { p.signal("visible") }

func (p *fakePool) OnConnection(fn func(connection.ConnectionEvent)) *connection.Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub := &connection.Subscription{}
	p.connSubs[sub] = fn
	return sub
}

func (p *fakePool) OnMessage(fn func(connection.MessageEvent)) *connection.Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub := &connection.Subscription{}
	p.msgSubs[sub] = fn
	return sub
}

func (p *fakePool) Off(sub *connection.Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.connSubs, sub)
	delete(p.msgSubs, sub)
}

func (p *fakePool) subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.connSubs) + len(p.msgSubs)
}

func (p *fakePool) publish(ev connection.ConnectionEvent, msg connection.MessageEvent) {
	p.mu.Lock()
	var connFns []func(connection.ConnectionEvent)
	for _, fn := range p.connSubs {
		connFns = append(connFns, fn)
	}
	var msgFns []func(connection.MessageEvent)
	for _, fn := range p.msgSubs {
		msgFns = append(msgFns, fn)
	}
	p.mu.Unlock()

	for _, fn := range connFns {
		fn(ev)
	}
	for _, fn := range msgFns {
		fn(msg)
	}
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, pool Pool, db Pinger) *httptest.Server {
	t.Helper()
	s := NewServer(":0", pool, db, discardLogger())
	server := httptest.NewServer(s.Handler())
	t.Cleanup(server.Close)
	return server
}

func TestHealth(t *testing.T) {
	connected := connection.ConnectionInfo{ID: "kitchen-1", Status: connection.StatusConnected}
	errored := connection.ConnectionInfo{ID: "kitchen-1", Status: connection.StatusError}

	tests := []struct {
		name     string
		pool     *fakePool
		db       Pinger
		wantCode int
		want     string
	}{
		{"empty pool", newFakePool(), nil, http.StatusOK, StatusOK},
		{"connected", newFakePool(connected), nil, http.StatusOK, StatusOK},
		{"nothing connected", newFakePool(errored), nil, http.StatusOK, StatusDegraded},
		{"database down", newFakePool(connected), fakePinger{err: errors.New("refused")}, http.StatusServiceUnavailable, StatusUnavailable},
		{"database up", newFakePool(connected), fakePinger{}, http.StatusOK, StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newTestServer(t, tt.pool, tt.db)

			resp, err := http.Get(server.URL + "/health")
			if err != nil {
				t.Fatalf("GET /health failed: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantCode {
				t.Errorf("status code = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			var body HealthResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if body.Status != tt.want {
				t.Errorf("status = %q, want %q", body.Status, tt.want)
			}
		})
	}
}

func TestConnections(t *testing.T) {
	pool := newFakePool(
		connection.ConnectionInfo{ID: "kitchen-1", Status: connection.StatusConnected},
		connection.ConnectionInfo{ID: "kitchen-2", Status: connection.StatusReconnecting},
	)
	server := newTestServer(t, pool, nil)

	resp, err := http.Get(server.URL + "/connections")
	if err != nil {
		t.Fatalf("GET /connections failed: %v", err)
	}
	var list []connection.ConnectionInfo
	json.NewDecoder(resp.Body).Decode(&list)
	resp.Body.Close()
	if len(list) != 2 || list[1].Status != connection.StatusReconnecting {
		t.Errorf("connections = %+v", list)
	}

	resp, err = http.Get(server.URL + "/connections/kitchen-1")
	if err != nil {
		t.Fatalf("GET /connections/kitchen-1 failed: %v", err)
	}
	var info connection.ConnectionInfo
	json.NewDecoder(resp.Body).Decode(&info)
	resp.Body.Close()
	if info.ID != "kitchen-1" {
		t.Errorf("ID = %q, want kitchen-1", info.ID)
	}

	resp, err = http.Get(server.URL + "/connections/missing")
	if err != nil {
		t.Fatalf("GET /connections/missing failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status code = %d, want 404", resp.StatusCode)
	}
}

func TestDisconnect(t *testing.T) {
	pool := newFakePool(connection.ConnectionInfo{ID: "kitchen-1", Status: connection.StatusConnected})
	server := newTestServer(t, pool, nil)

	req, _ := http.NewRequest(http.MethodDelete, server.URL+"/connections/kitchen-1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status code = %d, want 204", resp.StatusCode)
	}
	if _, ok := pool.GetConnection("kitchen-1"); ok {
		t.Error("connection still present after DELETE")
	}

	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("second DELETE failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status code = %d, want 404", resp.StatusCode)
	}
}

func TestSignals(t *testing.T) {
	pool := newFakePool()
	server := newTestServer(t, pool, nil)

	for _, path := range []string{"/network/offline", "/network/online", "/visibility"} {
		resp, err := http.Post(server.URL+path, "application/json", nil)
		if err != nil {
			t.Fatalf("POST %s failed: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Errorf("POST %s status = %d, want 202", path, resp.StatusCode)
		}
	}

	want := []string{"offline", "online", "visible"}
	if strings.Join(pool.signals, ",") != strings.Join(want, ",") {
		t.Errorf("signals = %v, want %v", pool.signals, want)
	}
}

func TestEventsFeed(t *testing.T) {
	pool := newFakePool()
	server := newTestServer(t, pool, nil)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/events"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for pool.subscribers() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("feed did not subscribe to the pool")
		}
		time.Sleep(5 * time.Millisecond)
	}

	pool.publish(
		connection.ConnectionEvent{Kind: connection.EventError, ConnectionID: "kitchen-1", Cause: errors.New("refused")},
		connection.MessageEvent{ConnectionID: "kitchen-1", EventType: "order-new", Data: connection.ParsePayload(`{"id":1}`)},
	)

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first Frame
	if err := ws.ReadJSON(&first); err != nil {
		t.Fatalf("read connection frame: %v", err)
	}
	if first.Type != "connection" || first.Connection == nil || first.Connection.Cause != "refused" {
		t.Errorf("first frame = %+v", first)
	}

	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read message frame: %v", err)
	}
	if !strings.Contains(string(raw), `"type":"message"`) || !strings.Contains(string(raw), `"data":{"id":1}`) {
		t.Errorf("message frame = %s", raw)
	}

	ws.Close()
	deadline = time.Now().Add(2 * time.Second)
	for pool.subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("feed did not unsubscribe after client left")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServer_StopClosesFeeds(t *testing.T) {
	pool := newFakePool()
	s := NewServer("127.0.0.1:0", pool, nil, discardLogger())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/events", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for pool.subscribers() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("feed did not subscribe to the pool")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// Stop returns only after the feed handler has unsubscribed
	if n := pool.subscribers(); n != 0 {
		t.Errorf("subscribers after Stop = %d, want 0", n)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("feed still open after Stop")
	}
}
