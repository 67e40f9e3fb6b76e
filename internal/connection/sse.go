package connection

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"strings"
	"sync"
	"time"
)

// HTTPStatusError is returned when a stream endpoint answers with a
// non-200 status.
type HTTPStatusError struct {
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Status)
}

// ErrNotEventStream is returned when the response is not text/event-stream.
var ErrNotEventStream = errors.New("response is not text/event-stream")

const maxLineSize = 1 << 20

// SSETransport opens text/event-stream responses over HTTP.
type SSETransport struct {
	client     *http.Client
	credClient *http.Client
}

// SSEOption configures an SSETransport.
type SSEOption func(*SSETransport)

// WithHTTPClient sets the client used for requests without credentials.
func WithHTTPClient(c *http.Client) SSEOption {
	return func(t *SSETransport) {
		t.client = c
	}
}

// WithCredentialsClient sets the client used for requests with
// credentials. It should carry a cookie jar.
func WithCredentialsClient(c *http.Client) SSEOption {
	return func(t *SSETransport) {
		t.credClient = c
	}
}

// NewSSETransport creates an SSE transport. Streaming requests carry no
// client timeout; the request context bounds them instead.
func NewSSETransport(opts ...SSEOption) *SSETransport {
	jar, _ := cookiejar.New(nil)
	t := &SSETransport{
		client:     &http.Client{},
		credClient: &http.Client{Jar: jar},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open implements Transport.
func (t *SSETransport) Open(ctx context.Context, req Request) (Stream, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	if req.LastEventID != "" {
		httpReq.Header.Set("Last-Event-ID", req.LastEventID)
	}

	client := t.client
	if req.WithCredentials {
		client = t.credClient
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}

	if resp.StatusCode == http.StatusNoContent {
		resp.Body.Close()
		return nil, ErrNoContent
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "text/event-stream" {
		resp.Body.Close()
		return nil, ErrNotEventStream
	}

	return &sseStream{
		body:   resp.Body,
		reader: newEventReader(resp.Body),
	}, nil
}

type sseStream struct {
	body   io.ReadCloser
	reader *eventReader
	once   sync.Once
}

func (s *sseStream) Next() (Event, error) {
	ev, err := s.reader.Next()
	if errors.Is(err, io.EOF) {
		return Event{}, fmt.Errorf("event stream ended: %w", err)
	}
	return ev, err
}

func (s *sseStream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.body.Close()
	})
	return err
}

// eventReader parses the text/event-stream format.
type eventReader struct {
	scanner *bufio.Scanner
	started bool
}

func newEventReader(r io.Reader) *eventReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	scanner.Split(scanLines)
	return &eventReader{scanner: scanner}
}

// Next returns the next dispatched record. Comment lines outside a
// record are reported as keepalives.
func (r *eventReader) Next() (Event, error) {
	var (
		ev      Event
		data    strings.Builder
		hasData bool
		fields  bool
	)

	for r.scanner.Scan() {
		line := r.scanner.Text()
		if !r.started {
			r.started = true
			line = strings.TrimPrefix(line, "\ufeff")
		}

		if line == "" {
			if !hasData {
				// Record without data is discarded.
				ev = Event{}
				fields = false
				continue
			}
			ev.Data = strings.TrimSuffix(data.String(), "\n")
			return ev, nil
		}

		if line[0] == ':' {
			if !fields {
				return Event{Keepalive: true}, nil
			}
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if found {
			value = strings.TrimPrefix(value, " ")
		}
		fields = true

		switch field {
		case "event":
			ev.Type = value
		case "data":
			data.WriteString(value)
			data.WriteByte('\n')
			hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				ev.ID = value
			}
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				ev.Retry = time.Duration(ms) * time.Millisecond
			}
		}
	}

	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

// scanLines splits on CRLF, LF, or CR.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		if atEOF {
			return i + 1, data[:i], nil
		}
		// Need one more byte to tell CR from CRLF.
		return 0, nil, nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
