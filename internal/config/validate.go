package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	if c.Pool.MaxConnections < 1 {
		return errors.New("pool.max_connections must be >= 1")
	}
	if c.Pool.ConnectTimeout < 0 {
		return errors.New("pool.connect_timeout must be >= 0")
	}
	if c.Pool.DedupeWindow < 0 {
		return errors.New("pool.dedupe_window must be >= 0")
	}
	if len(c.Streams) > c.Pool.MaxConnections {
		return fmt.Errorf("streams (%d) exceed pool.max_connections (%d)", len(c.Streams), c.Pool.MaxConnections)
	}

	seen := make(map[string]bool, len(c.Streams))
	for i, s := range c.Streams {
		prefix := fmt.Sprintf("streams[%d]", i)
		if s.ID == "" {
			return fmt.Errorf("%s.id is required", prefix)
		}
		if seen[s.ID] {
			return fmt.Errorf("%s.id %q is duplicated", prefix, s.ID)
		}
		seen[s.ID] = true
		if err := validateStreamURL(prefix, s.URL); err != nil {
			return err
		}
	}

	if c.Database.Enabled() {
		if err := c.Database.validate("database"); err != nil {
			return err
		}
		if c.Journal.BatchSize < 1 {
			return errors.New("journal.batch_size must be >= 1")
		}
		if c.Journal.BufferSize < 1 {
			return errors.New("journal.buffer_size must be >= 1")
		}
	}

	if c.Relay.AMQPURL != "" {
		u, err := url.Parse(c.Relay.AMQPURL)
		if err != nil || (u.Scheme != "amqp" && u.Scheme != "amqps") {
			return fmt.Errorf("relay.amqp_url must be an amqp:// or amqps:// URL, got %q", c.Relay.AMQPURL)
		}
	}

	if c.Netwatch.ProbeURL != "" && c.Netwatch.FailureThreshold < 1 {
		return errors.New("netwatch.failure_threshold must be >= 1")
	}

	return nil
}

func validateStreamURL(prefix, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s.url is required", prefix)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s.url: %w", prefix, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
		return nil
	default:
		return fmt.Errorf("%s.url scheme must be http, https, ws or wss, got %q", prefix, u.Scheme)
	}
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
