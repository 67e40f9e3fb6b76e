package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/rickgao/kitchen-stream/internal/app"
	"github.com/rickgao/kitchen-stream/internal/config"
	"github.com/rickgao/kitchen-stream/internal/dashboard"
	"github.com/rickgao/kitchen-stream/internal/version"
)

const serviceName = "kitchenstream"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    serviceName,
		Usage:   "Keep a pool of kitchen event streams connected",
		Version: version.String(),
		Commands: []*cli.Command{
			serveCmd(),
			checkCmd(),
			watchCmd(),
			versionCmd(),
		},
	}
}

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Value:   "configs/kitchenstream.yaml",
		Usage:   "path to config file",
		EnvVars: []string{"KITCHENSTREAM_CONFIG"},
	}
}

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Connect the configured streams and serve the monitor",
		Flags: []cli.Flag{
			configFlag(),
			&cli.DurationFlag{
				Name:  "shutdown-timeout",
				Value: 30 * time.Second,
				Usage: "time allowed for a graceful shutdown",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadAndValidate(c.String("config"))
			if err != nil {
				return err
			}

			logger := app.NewLogger(cfg.Log, os.Stdout)
			slog.SetDefault(logger)

			logger.Info("starting kitchenstream",
				"version", version.Version,
				"commit", version.Commit,
				"instance_id", cfg.Instance.ID,
				"streams", len(cfg.Streams),
			)

			fxApp := app.New(cfg, logger)

			startCtx, cancel := context.WithTimeout(c.Context, fxApp.StartTimeout())
			defer cancel()
			if err := fxApp.Start(startCtx); err != nil {
				return fmt.Errorf("start: %w", err)
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			sig := <-stop
			logger.Info("received shutdown signal", "signal", sig)

			stopCtx, stopCancel := context.WithTimeout(context.Background(), c.Duration("shutdown-timeout"))
			defer stopCancel()
			if err := fxApp.Stop(stopCtx); err != nil {
				return fmt.Errorf("stop: %w", err)
			}

			logger.Info("kitchenstream stopped")
			return nil
		},
	}
}

func checkCmd() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "Validate the config file and exit",
		Flags: []cli.Flag{configFlag()},
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadAndValidate(c.String("config"))
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "config ok: instance %s, %d streams\n", cfg.Instance.ID, len(cfg.Streams))
			return nil
		},
	}
}

func watchCmd() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Show a live dashboard of a running instance",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Value: "localhost" + config.DefaultMonitorAddr,
				Usage: "monitor address",
			},
		},
		Action: func(c *cli.Context) error {
			ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return dashboard.Run(ctx, dashboard.NewClient(c.String("addr")))
		},
	}
}

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(c *cli.Context) error {
			fmt.Fprintln(c.App.Writer, serviceName, version.String())
			return nil
		},
	}
}
