// Package netwatch turns probe reachability into pool network signals.
package netwatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Signals receives network transitions. *connection.Pool satisfies it.
type Signals interface {
	NetworkOffline()
	NetworkOnline()
}

// Config holds prober configuration.
type Config struct {
	ProbeURL         string
	Interval         time.Duration // Probe interval (default: 10s)
	Timeout          time.Duration // Per-probe timeout (default: 3s)
	FailureThreshold int           // Consecutive failures before offline (default: 3)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:         10 * time.Second,
		Timeout:          3 * time.Second,
		FailureThreshold: 3,
	}
}

// Watcher periodically probes a URL. Any HTTP response counts as
// reachable; only transport failures count against the threshold.
type Watcher struct {
	cfg     Config
	client  *http.Client
	signals Signals
	logger  *slog.Logger

	mu       sync.Mutex
	online   bool
	failures int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Watcher. The network is assumed online until probes
// say otherwise.
func New(cfg Config, signals Signals, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}

	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}

	return &Watcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		signals: signals,
		logger:  logger,
		online:  true,
	}
}

// Start begins probing.
func (w *Watcher) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.run()

	w.logger.Info("network watcher started",
		"probe_url", w.cfg.ProbeURL,
		"interval", w.cfg.Interval,
	)
	return nil
}

// Stop shuts down the watcher.
func (w *Watcher) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("network watcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Online reports the last known network state.
func (w *Watcher) Online() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.online
}

func (w *Watcher) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.check(w.ctx)

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.check(w.ctx)
		}
	}
}

// check probes once and signals on a state change.
func (w *Watcher) check(ctx context.Context) {
	err := w.probe(ctx)
	if ctx.Err() != nil {
		return
	}
	w.observe(err)
}

func (w *Watcher) observe(err error) {
	w.mu.Lock()
	var signal func()
	if err != nil {
		w.failures++
		w.logger.Debug("probe failed", "error", err, "failures", w.failures)
		if w.online && w.failures >= w.cfg.FailureThreshold {
			w.online = false
			signal = w.signals.NetworkOffline
			w.logger.Warn("network unreachable", "failures", w.failures, "error", err)
		}
	} else {
		w.failures = 0
		if !w.online {
			w.online = true
			signal = w.signals.NetworkOnline
			w.logger.Info("network reachable again")
		}
	}
	w.mu.Unlock()

	if signal != nil {
		signal()
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, w.cfg.ProbeURL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
