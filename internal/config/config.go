package config

import (
	"time"

	"github.com/rickgao/kitchen-stream/internal/connection"
)

// Config is the root configuration for a kitchenstream instance.
type Config struct {
	Instance InstanceConfig `yaml:"instance"`
	Log      LogConfig      `yaml:"log"`
	Pool     PoolConfig     `yaml:"pool"`
	Defaults StreamDefaults `yaml:"defaults"`
	Streams  []StreamConfig `yaml:"streams"`
	Database DBConfig       `yaml:"database"`
	Journal  JournalConfig  `yaml:"journal"`
	Relay    RelayConfig    `yaml:"relay"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Netwatch NetwatchConfig `yaml:"netwatch"`
}

// InstanceConfig identifies this instance.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	MaxConnections      int           `yaml:"max_connections"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
	StaleThreshold      time.Duration `yaml:"stale_threshold"`
	DedupeWindow        int           `yaml:"dedupe_window"` // 0 disables replay suppression
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`  // bound on each stream's first attempt at startup
}

// StreamDefaults apply to every stream that does not override them.
type StreamDefaults struct {
	Headers         map[string]string           `yaml:"headers"`
	WithCredentials bool                        `yaml:"with_credentials"`
	Retry           *connection.RetryPolicy     `yaml:"retry"`
	Heartbeat       *connection.HeartbeatPolicy `yaml:"heartbeat"`
	AutoReconnect   *bool                       `yaml:"auto_reconnect"`
	Events          []string                    `yaml:"events"`
}

// StreamConfig is one stream connected at startup.
type StreamConfig struct {
	ID              string                      `yaml:"id"`
	URL             string                      `yaml:"url"`
	Headers         map[string]string           `yaml:"headers"`
	WithCredentials bool                        `yaml:"with_credentials"`
	Retry           *connection.RetryPolicy     `yaml:"retry"`
	Heartbeat       *connection.HeartbeatPolicy `yaml:"heartbeat"`
	AutoReconnect   *bool                       `yaml:"auto_reconnect"`
	Events          []string                    `yaml:"events"`
}

// DBConfig holds the journal database connection. The journal is
// disabled when Host is empty.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// Enabled reports whether a database is configured.
func (db DBConfig) Enabled() bool {
	return db.Host != ""
}

// JournalConfig holds batch writer settings.
type JournalConfig struct {
	BatchSize       int           `yaml:"batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	BufferSize      int           `yaml:"buffer_size"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
}

// RelayConfig holds broker relay settings. The relay is disabled when
// AMQPURL is empty.
type RelayConfig struct {
	AMQPURL     string `yaml:"amqp_url"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// MonitorConfig holds the HTTP monitor settings.
type MonitorConfig struct {
	Addr string `yaml:"addr"`
}

// NetwatchConfig holds reachability prober settings. Disabled when
// ProbeURL is empty.
type NetwatchConfig struct {
	ProbeURL         string        `yaml:"probe_url"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
}
