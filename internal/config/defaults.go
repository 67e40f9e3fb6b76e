package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultInstanceID          = "kitchenstream"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultMaxConnections      = 10
	DefaultHealthCheckInterval = 60 * time.Second
	DefaultCleanupInterval     = 5 * time.Minute
	DefaultStaleThreshold      = 10 * time.Minute
	DefaultConnectTimeout      = 10 * time.Second
	DefaultDBPort              = 5432
	DefaultDBSSLMode           = "prefer"
	DefaultMaxConns            = 10
	DefaultMinConns            = 2
	DefaultBatchSize           = 500
	DefaultFlushInterval       = 1 * time.Second
	DefaultBufferSize          = 10000
	DefaultBreakerTimeout      = 30 * time.Second
	DefaultBreakerFailures     = 5
	DefaultTopicPrefix         = "kitchen"
	DefaultMonitorAddr         = ":8090"
	DefaultProbeInterval       = 10 * time.Second
	DefaultProbeTimeout        = 3 * time.Second
	DefaultFailureThreshold    = 3
)

func (c *Config) applyDefaults() {
	if c.Instance.ID == "" {
		c.Instance.ID = DefaultInstanceID
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}

	// Pool defaults
	if c.Pool.MaxConnections == 0 {
		c.Pool.MaxConnections = DefaultMaxConnections
	}
	if c.Pool.HealthCheckInterval == 0 {
		c.Pool.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.Pool.CleanupInterval == 0 {
		c.Pool.CleanupInterval = DefaultCleanupInterval
	}
	if c.Pool.StaleThreshold == 0 {
		c.Pool.StaleThreshold = DefaultStaleThreshold
	}
	if c.Pool.ConnectTimeout == 0 {
		c.Pool.ConnectTimeout = DefaultConnectTimeout
	}

	if c.Database.Enabled() {
		applyDBDefaults(&c.Database)
	}

	// Journal defaults
	if c.Journal.BatchSize == 0 {
		c.Journal.BatchSize = DefaultBatchSize
	}
	if c.Journal.FlushInterval == 0 {
		c.Journal.FlushInterval = DefaultFlushInterval
	}
	if c.Journal.BufferSize == 0 {
		c.Journal.BufferSize = DefaultBufferSize
	}
	if c.Journal.BreakerTimeout == 0 {
		c.Journal.BreakerTimeout = DefaultBreakerTimeout
	}
	if c.Journal.BreakerFailures == 0 {
		c.Journal.BreakerFailures = DefaultBreakerFailures
	}

	if c.Relay.TopicPrefix == "" {
		c.Relay.TopicPrefix = DefaultTopicPrefix
	}

	if c.Monitor.Addr == "" {
		c.Monitor.Addr = DefaultMonitorAddr
	}

	// Netwatch defaults
	if c.Netwatch.Interval == 0 {
		c.Netwatch.Interval = DefaultProbeInterval
	}
	if c.Netwatch.Timeout == 0 {
		c.Netwatch.Timeout = DefaultProbeTimeout
	}
	if c.Netwatch.FailureThreshold == 0 {
		c.Netwatch.FailureThreshold = DefaultFailureThreshold
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
