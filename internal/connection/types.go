package connection

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Errors
var (
	ErrDuplicateID       = errors.New("connection id already in use")
	ErrPoolFull          = errors.New("connection pool at capacity")
	ErrUnknownConnection = errors.New("unknown connection")
	ErrMissingURL        = errors.New("connection url is required")
	ErrPoolDisposed      = errors.New("connection pool disposed")
	ErrDisconnected      = errors.New("connection disconnected")
	ErrEstablishFailed   = errors.New("connection establishment failed")
	ErrStaleConnection   = errors.New("connection stale (no activity)")
	ErrNetworkOffline    = errors.New("network offline")
	ErrStaleRemoved      = errors.New("stale connection removed")
	ErrNoContent         = errors.New("server closed the stream (204 no content)")
)

// EstablishError is returned by Connect when the first establishment
// attempt fails. Retrying reports whether the pool keeps retrying in the
// background.
type EstablishError struct {
	ID       string
	Err      error
	Retrying bool
}

func (e *EstablishError) Error() string {
	if e.Retrying {
		return fmt.Sprintf("connect %s: %v (retrying)", e.ID, e.Err)
	}
	return fmt.Sprintf("connect %s: %v", e.ID, e.Err)
}

func (e *EstablishError) Unwrap() []error {
	return []error{ErrEstablishFailed, e.Err}
}

// Status is the lifecycle state of a connection.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
	StatusClosed       Status = "closed"
)

// DefaultEventType is the event type of SSE records without an event field.
const DefaultEventType = "message"

// HeartbeatEventType marks heartbeat records.
const HeartbeatEventType = "heartbeat"

// RetryPolicy configures reconnection backoff. Policies merge field by
// field: a nil pointer or zero duration is taken from the pool default
// policy, then from DefaultRetryPolicy. MaxAttempts 0 disables retries.
type RetryPolicy struct {
	MaxAttempts        *int          `yaml:"max_attempts" json:"max_attempts,omitempty"`
	BaseDelay          time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay           time.Duration `yaml:"max_delay" json:"max_delay"`
	ExponentialBackoff *bool         `yaml:"exponential_backoff" json:"exponential_backoff,omitempty"`
}

// HeartbeatPolicy configures liveness supervision of a connected stream.
// It merges like RetryPolicy.
type HeartbeatPolicy struct {
	Enabled      *bool         `yaml:"enabled" json:"enabled,omitempty"`
	Interval     time.Duration `yaml:"interval" json:"interval"`
	TimeoutAfter time.Duration `yaml:"timeout_after" json:"timeout_after"`
}

// Ptr returns a pointer to v, for the optional policy fields.
func Ptr[T any](v T) *T {
	return &v
}

// DefaultRetryPolicy returns 5 attempts, 1s base, 30s max, exponential.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        Ptr(5),
		BaseDelay:          1 * time.Second,
		MaxDelay:           30 * time.Second,
		ExponentialBackoff: Ptr(true),
	}
}

// DefaultHeartbeatPolicy returns an enabled policy checking every 30s
// with a 60s timeout.
func DefaultHeartbeatPolicy() HeartbeatPolicy {
	return HeartbeatPolicy{
		Enabled:      Ptr(true),
		Interval:     30 * time.Second,
		TimeoutAfter: 60 * time.Second,
	}
}

// retryPolicy is a RetryPolicy with every field resolved.
type retryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	exponential bool
}

func (r *retryPolicy) apply(p *RetryPolicy) {
	if p == nil {
		return
	}
	if p.MaxAttempts != nil {
		r.maxAttempts = max(*p.MaxAttempts, 0)
	}
	if p.BaseDelay > 0 {
		r.baseDelay = p.BaseDelay
	}
	if p.MaxDelay > 0 {
		r.maxDelay = p.MaxDelay
	}
	if p.ExponentialBackoff != nil {
		r.exponential = *p.ExponentialBackoff
	}
}

// resolveRetry layers policies over DefaultRetryPolicy, later ones winning.
func resolveRetry(layers ...*RetryPolicy) retryPolicy {
	def := DefaultRetryPolicy()
	var r retryPolicy
	r.apply(&def)
	for _, l := range layers {
		r.apply(l)
	}
	return r
}

// heartbeatPolicy is a HeartbeatPolicy with every field resolved.
type heartbeatPolicy struct {
	enabled      bool
	interval     time.Duration
	timeoutAfter time.Duration
}

func (h *heartbeatPolicy) apply(p *HeartbeatPolicy) {
	if p == nil {
		return
	}
	if p.Enabled != nil {
		h.enabled = *p.Enabled
	}
	if p.Interval > 0 {
		h.interval = p.Interval
	}
	if p.TimeoutAfter > 0 {
		h.timeoutAfter = p.TimeoutAfter
	}
}

// resolveHeartbeat layers policies over DefaultHeartbeatPolicy.
func resolveHeartbeat(layers ...*HeartbeatPolicy) heartbeatPolicy {
	def := DefaultHeartbeatPolicy()
	var h heartbeatPolicy
	h.apply(&def)
	for _, l := range layers {
		h.apply(l)
	}
	return h
}

// Options configures one connection. Nil policy pointers and empty fields
// fall back to the pool defaults, then to the built-in defaults.
type Options struct {
	URL             string
	Headers         http.Header
	WithCredentials bool
	Retry           *RetryPolicy
	Heartbeat       *HeartbeatPolicy
	AutoReconnect   *bool
	Events          []string // event types beyond "message"
}

// settings is the resolved form of Options.
type settings struct {
	url             string
	headers         http.Header
	withCredentials bool
	retry           retryPolicy
	heartbeat       heartbeatPolicy
	autoReconnect   bool
	events          []string
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	MaxConnections      int
	Defaults            Options
	HealthCheckInterval time.Duration
	CleanupInterval     time.Duration
	StaleThreshold      time.Duration
	DedupeWindow        int // ids remembered to drop replays after a resume; 0 disables
}

// DefaultPoolConfig returns sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConnections:      10,
		HealthCheckInterval: 60 * time.Second,
		CleanupInterval:     5 * time.Minute,
		StaleThreshold:      10 * time.Minute,
	}
}

// ConnectionStats are per-connection counters.
type ConnectionStats struct {
	MessagesReceived int64         `json:"messages_received"`
	ReconnectCount   int64         `json:"reconnect_count"`
	Duplicates       int64         `json:"duplicates"`
	Downtime         time.Duration `json:"downtime"`
	LastError        string        `json:"last_error,omitempty"`
	LastHeartbeat    time.Time     `json:"last_heartbeat,omitzero"`
}

// ConnectionInfo is a read-only snapshot of a connection.
type ConnectionInfo struct {
	ID                string          `json:"id"`
	Instance          uuid.UUID       `json:"instance"`
	URL               string          `json:"url"`
	Status            Status          `json:"status"`
	Events            []string        `json:"events"`
	AutoReconnect     bool            `json:"auto_reconnect"`
	ReconnectAttempts int             `json:"reconnect_attempts"`
	Paused            bool            `json:"paused"` // waiting for the network
	LastEventID       string          `json:"last_event_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	ConnectedAt       time.Time       `json:"connected_at,omitzero"`
	LastActivity      time.Time       `json:"last_activity,omitzero"`
	Stats             ConnectionStats `json:"stats"`
}

// PoolStats are aggregate pool counters.
type PoolStats struct {
	TotalConnections      int           `json:"total_connections"`
	ActiveConnections     int           `json:"active_connections"`
	FailedConnections     int64         `json:"failed_connections"`
	TotalMessagesReceived int64         `json:"total_messages_received"`
	TotalReconnects       int64         `json:"total_reconnects"`
	Uptime                time.Duration `json:"uptime"`
}
