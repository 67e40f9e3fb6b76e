package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func readAll(t *testing.T, input string) []Event {
	t.Helper()
	r := newEventReader(strings.NewReader(input))
	var out []Event
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		out = append(out, ev)
	}
}

func TestEventReader(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []Event
	}{
		{
			name:  "default event",
			input: "data: hello\n\n",
			want:  []Event{{Data: "hello"}},
		},
		{
			name:  "named event with id",
			input: "event: order-new\nid: 42\ndata: {\"id\":42}\n\n",
			want:  []Event{{Type: "order-new", ID: "42", Data: `{"id":42}`}},
		},
		{
			name:  "multi-line data",
			input: "data: line one\ndata: line two\n\n",
			want:  []Event{{Data: "line one\nline two"}},
		},
		{
			name:  "crlf and cr line endings",
			input: "data: a\r\n\r\ndata: b\r\r",
			want:  []Event{{Data: "a"}, {Data: "b"}},
		},
		{
			name:  "comment is keepalive",
			input: ": ping\n\ndata: x\n\n",
			want:  []Event{{Keepalive: true}, {Data: "x"}},
		},
		{
			name:  "byte order mark",
			input: "\ufeffdata: bom\n\n",
			want:  []Event{{Data: "bom"}},
		},
		{
			name:  "retry field",
			input: "retry: 1500\ndata: r\n\n",
			want:  []Event{{Data: "r", Retry: 1500 * time.Millisecond}},
		},
		{
			name:  "event without data is discarded",
			input: "event: ignored\n\ndata: kept\n\n",
			want:  []Event{{Data: "kept"}},
		},
		{
			name:  "no space after colon",
			input: "data:tight\n\n",
			want:  []Event{{Data: "tight"}},
		},
		{
			name:  "incomplete record at eof",
			input: "data: partial",
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := readAll(t, tt.input)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d events %+v, want %d", len(got), got, len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("event %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

// sseServer writes records to each client and holds the stream open.
func sseServer(t *testing.T, records []string, seen chan<- *http.Request) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			select {
			case seen <- r:
			default:
			}
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, rec := range records {
			fmt.Fprint(w, rec)
			flusher.Flush()
		}
		<-r.Context().Done()
	}))
}

func TestSSETransport_Open(t *testing.T) {
	seen := make(chan *http.Request, 1)
	server := sseServer(t, []string{"event: order-new\nid: 1\ndata: {\"id\":1}\n\n"}, seen)
	defer server.Close()

	tr := NewSSETransport()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := tr.Open(ctx, Request{
		URL:         server.URL,
		Headers:     http.Header{"X-Restaurant": []string{"r-1"}},
		LastEventID: "0",
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer stream.Close()

	ev, err := stream.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if ev.Type != "order-new" || ev.ID != "1" || ev.Data != `{"id":1}` {
		t.Errorf("event = %+v", ev)
	}

	r := <-seen
	if got := r.Header.Get("Accept"); got != "text/event-stream" {
		t.Errorf("Accept = %q, want text/event-stream", got)
	}
	if got := r.Header.Get("Last-Event-ID"); got != "0" {
		t.Errorf("Last-Event-ID = %q, want 0", got)
	}
	if got := r.Header.Get("X-Restaurant"); got != "r-1" {
		t.Errorf("X-Restaurant = %q, want r-1", got)
	}
}

func TestSSETransport_CloseEndsNext(t *testing.T) {
	server := sseServer(t, nil, nil)
	defer server.Close()

	stream, err := NewSSETransport().Open(context.Background(), Request{URL: server.URL})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := stream.Next()
		done <- err
	}()

	stream.Close()
	select {
	case err := <-done:
		if err == nil {
			t.Error("expected error after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after Close")
	}
}

func TestSSETransport_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		check   func(error) bool
	}{
		{
			name: "no content",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			},
			check: func(err error) bool { return errors.Is(err, ErrNoContent) },
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			check: func(err error) bool {
				var se *HTTPStatusError
				return errors.As(err, &se) && se.StatusCode == http.StatusInternalServerError
			},
		},
		{
			name: "wrong content type",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte("{}"))
			},
			check: func(err error) bool { return errors.Is(err, ErrNotEventStream) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			_, err := NewSSETransport().Open(context.Background(), Request{URL: server.URL})
			if !tt.check(err) {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestSSETransport_WithCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "s-1", Path: "/"})
			w.WriteHeader(http.StatusOK)
			return
		}
		if c, err := r.Cookie("session"); err != nil || c.Value != "s-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	tr := NewSSETransport()
	resp, err := tr.credClient.Get(server.URL + "/login")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	resp.Body.Close()

	if _, err := tr.Open(context.Background(), Request{URL: server.URL + "/stream"}); err == nil {
		t.Error("expected request without credentials to be rejected")
	}

	stream, err := tr.Open(context.Background(), Request{URL: server.URL + "/stream", WithCredentials: true})
	if err != nil {
		t.Fatalf("Open with credentials failed: %v", err)
	}
	stream.Close()
}

func TestPool_OverSSE(t *testing.T) {
	server := sseServer(t, []string{
		": connected\n\n",
		"event: order-new\ndata: {\"id\":42}\n\n",
	}, nil)
	defer server.Close()

	pool := NewPool(PoolConfig{}, NewDialer(discardLogger()), discardLogger())
	defer pool.Dispose()

	bus := make(chan MessageEvent, 1)
	pool.OnMessage(func(ev MessageEvent) { bus <- ev })

	info, err := pool.Connect(context.Background(), "kitchen-1", Options{
		URL:    server.URL,
		Events: []string{"order-new"},
	})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if info.Status != StatusConnected {
		t.Errorf("Status = %v, want %v", info.Status, StatusConnected)
	}

	select {
	case ev := <-bus:
		v, ok := ev.Data.JSON()
		if !ok {
			t.Fatalf("payload not JSON: %q", ev.Data.Raw())
		}
		if m := v.(map[string]any); m["id"] != float64(42) {
			t.Errorf("id = %v, want 42", m["id"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message over SSE")
	}

	pool.Disconnect("kitchen-1")
	if _, ok := pool.GetConnection("kitchen-1"); ok {
		t.Error("connection still registered")
	}
}
