// Package app wires kitchenstream components with fx.
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/kitchen-stream/internal/config"
	"github.com/rickgao/kitchen-stream/internal/connection"
	"github.com/rickgao/kitchen-stream/internal/journal"
	"github.com/rickgao/kitchen-stream/internal/monitor"
	"github.com/rickgao/kitchen-stream/internal/netwatch"
	"github.com/rickgao/kitchen-stream/internal/relay"
)

// New builds the application.
func New(cfg *config.Config, logger *slog.Logger) *fx.App {
	return fx.New(Options(cfg, logger))
}

// Options returns the application graph. Invokes run in order, so hooks
// stop in reverse: streams and pool first, the database last.
func Options(cfg *config.Config, logger *slog.Logger) fx.Option {
	return fx.Options(
		fx.Supply(cfg, logger),
		fx.WithLogger(func(l *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: l.With("component", "fx")}
		}),
		PoolModule,
		StorageModule,
		BrokerModule,
		fx.Invoke(
			RegisterJournal,
			RegisterRelay,
			RegisterMonitor,
			RegisterNetwatch,
			RegisterStreams,
		),
	)
}

// RegisterJournal starts the journal writer when a database is configured.
func RegisterJournal(lc fx.Lifecycle, cfg *config.Config, db *pgxpool.Pool, pool *connection.Pool, logger *slog.Logger) {
	if db == nil {
		return
	}

	w := journal.NewWriter(journal.Config{
		BatchSize:       cfg.Journal.BatchSize,
		FlushInterval:   cfg.Journal.FlushInterval,
		BufferSize:      cfg.Journal.BufferSize,
		BreakerTimeout:  cfg.Journal.BreakerTimeout,
		BreakerFailures: cfg.Journal.BreakerFailures,
	}, pool, db, logger.With("component", "journal"))

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Writer goroutines outlive the start context
			return w.Start(context.Background())
		},
		OnStop: w.Stop,
	})
}

// RegisterRelay starts the broker relay when a publisher is configured.
func RegisterRelay(lc fx.Lifecycle, cfg *config.Config, pub message.Publisher, pool *connection.Pool, logger *slog.Logger) {
	if pub == nil {
		return
	}

	r := relay.New(relay.Config{TopicPrefix: cfg.Relay.TopicPrefix}, pub, pool, logger.With("component", "relay"))

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return r.Start(context.Background())
		},
		OnStop: r.Stop,
	})
}

// RegisterMonitor starts the HTTP monitor.
func RegisterMonitor(lc fx.Lifecycle, cfg *config.Config, db *pgxpool.Pool, pool *connection.Pool, logger *slog.Logger) {
	var pinger monitor.Pinger
	if db != nil {
		pinger = db
	}

	s := monitor.NewServer(cfg.Monitor.Addr, pool, pinger, logger.With("component", "monitor"))
	lc.Append(fx.Hook{
		OnStart: s.Start,
		OnStop:  s.Stop,
	})
}

// RegisterNetwatch starts the reachability prober when a probe URL is set.
func RegisterNetwatch(lc fx.Lifecycle, cfg *config.Config, pool *connection.Pool, logger *slog.Logger) {
	if cfg.Netwatch.ProbeURL == "" {
		return
	}

	w := netwatch.New(netwatch.Config{
		ProbeURL:         cfg.Netwatch.ProbeURL,
		Interval:         cfg.Netwatch.Interval,
		Timeout:          cfg.Netwatch.Timeout,
		FailureThreshold: cfg.Netwatch.FailureThreshold,
	}, pool, logger.With("component", "netwatch"))

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return w.Start(context.Background())
		},
		OnStop: w.Stop,
	})
}

// RegisterStreams connects the configured streams on start and disposes
// the pool on stop.
func RegisterStreams(lc fx.Lifecycle, cfg *config.Config, pool *connection.Pool, streams Streams, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return ConnectStreams(ctx, streams, cfg.Pool.ConnectTimeout, logger)
		},
		OnStop: func(ctx context.Context) error {
			pool.Dispose()
			return nil
		},
	})
}

// ConnectStreams connects every stream concurrently, bounding each first
// attempt by timeout (0 means no bound beyond ctx). Streams whose first
// attempt failed or timed out are logged and left to the pool;
// configuration errors such as a duplicate id or a full pool abort.
func ConnectStreams(ctx context.Context, streams Streams, timeout time.Duration, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range streams {
		s := s
		g.Go(func() error {
			sctx := gctx
			if timeout > 0 {
				var cancel context.CancelFunc
				sctx, cancel = context.WithTimeout(gctx, timeout)
				defer cancel()
			}

			err := s.Connect(sctx)
			if errors.Is(err, connection.ErrEstablishFailed) {
				logger.Warn("stream not established", "stream", s.ID(), "error", err)
				return nil
			}
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("streams started", "count", len(streams))
	return nil
}
