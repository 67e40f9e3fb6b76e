package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"

	"github.com/rickgao/kitchen-stream/internal/config"
	"github.com/rickgao/kitchen-stream/internal/connection"
	"github.com/rickgao/kitchen-stream/internal/database"
	"github.com/rickgao/kitchen-stream/internal/relay"
	"github.com/rickgao/kitchen-stream/internal/stream"
	"github.com/rickgao/kitchen-stream/internal/version"
)

// connectTimeout bounds database setup during construction.
const connectTimeout = 15 * time.Second

// PoolModule provides the connection pool and the configured streams.
var PoolModule = fx.Module("pool",
	fx.Provide(
		NewTransport,
		NewPool,
		NewStreams,
	),
)

// StorageModule provides the journal database. The pool is nil when no
// database is configured.
var StorageModule = fx.Module("storage",
	fx.Provide(NewDatabase),
)

// BrokerModule provides the relay publisher. The publisher is nil when no
// broker is configured.
var BrokerModule = fx.Module("broker",
	fx.Provide(NewPublisher),
)

// Streams are the adapters for the streams listed in config.
type Streams []*stream.Adapter

// NewTransport returns the scheme-routing transport.
func NewTransport(logger *slog.Logger) connection.Transport {
	return connection.NewDialer(logger)
}

// NewPool creates the pool. It is disposed by RegisterStreams.
func NewPool(cfg *config.Config, transport connection.Transport, logger *slog.Logger) *connection.Pool {
	return connection.NewPool(cfg.PoolConfig(), transport, logger.With("component", "pool"))
}

// NewStreams creates an adapter per configured stream.
func NewStreams(cfg *config.Config, pool *connection.Pool, logger *slog.Logger) Streams {
	out := make(Streams, 0, len(cfg.Streams))
	for _, s := range cfg.Streams {
		opts := s.Options()
		if opts.Headers.Get("User-Agent") == "" {
			if opts.Headers == nil {
				opts.Headers = http.Header{}
			}
			opts.Headers.Set("User-Agent", version.UserAgent())
		}
		out = append(out, stream.New(pool, s.ID, opts, logger))
	}
	return out
}

// NewDatabase connects to PostgreSQL and applies the journal schema.
func NewDatabase(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	if !cfg.Database.Enabled() {
		logger.Info("database not configured, journal disabled")
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	logger.Info("connecting to database",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"database", cfg.Database.Name,
	)

	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := database.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			pool.Close()
			return nil
		},
	})
	return pool, nil
}

// NewPublisher creates the AMQP publisher for the relay.
func NewPublisher(cfg *config.Config, logger *slog.Logger) (message.Publisher, error) {
	if cfg.Relay.AMQPURL == "" {
		logger.Info("broker not configured, relay disabled")
		return nil, nil
	}
	return relay.NewAMQPPublisher(cfg.Relay.AMQPURL, cfg.Relay.TopicPrefix, logger)
}
