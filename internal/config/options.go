package config

import (
	"net/http"

	"github.com/rickgao/kitchen-stream/internal/connection"
)

// PoolConfig converts the pool and defaults sections for connection.NewPool.
func (c *Config) PoolConfig() connection.PoolConfig {
	return connection.PoolConfig{
		MaxConnections:      c.Pool.MaxConnections,
		HealthCheckInterval: c.Pool.HealthCheckInterval,
		CleanupInterval:     c.Pool.CleanupInterval,
		StaleThreshold:      c.Pool.StaleThreshold,
		DedupeWindow:        c.Pool.DedupeWindow,
		Defaults: connection.Options{
			Headers:         toHeader(c.Defaults.Headers),
			WithCredentials: c.Defaults.WithCredentials,
			Retry:           c.Defaults.Retry,
			Heartbeat:       c.Defaults.Heartbeat,
			AutoReconnect:   c.Defaults.AutoReconnect,
			Events:          c.Defaults.Events,
		},
	}
}

// Options converts a stream entry to connection options.
func (s StreamConfig) Options() connection.Options {
	return connection.Options{
		URL:             s.URL,
		Headers:         toHeader(s.Headers),
		WithCredentials: s.WithCredentials,
		Retry:           s.Retry,
		Heartbeat:       s.Heartbeat,
		AutoReconnect:   s.AutoReconnect,
		Events:          s.Events,
	}
}

func toHeader(m map[string]string) http.Header {
	if len(m) == 0 {
		return nil
	}
	h := make(http.Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}
