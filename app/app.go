// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package app wires the vendor client, the output sinks and the poll loop
// together from a Config and runs them alongside the ops HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/soothill/sunstrong-data-logger/config"
	"github.com/soothill/sunstrong-data-logger/monitoring"
	"github.com/soothill/sunstrong-data-logger/pkg/logger"
	"github.com/soothill/sunstrong-data-logger/pkg/notifications"
	"github.com/soothill/sunstrong-data-logger/sunstrong"
)

const (
	shutdownTimeout       = 5 * time.Second
	readinessCheckTimeout = 2 * time.Second
	seedTimeout           = 5 * time.Second
)

// Options carries the inputs to New that don't come from Config.
type Options struct {
	// ConfigPath is reloaded on SIGHUP. Empty disables reloading.
	ConfigPath string
	// Flags are re-applied on reload so command-line values keep precedence.
	Flags *config.Flags
	// HTTPClient overrides the client used for the vendor API.
	HTTPClient *http.Client
}

// App represents the main application
type App struct {
	cfg      *config.Config
	poller   *monitoring.Poller
	notifier *notifications.SlackNotifier
	checkers []healthChecker
	server   *http.Server

	configWatcher *config.Watcher
	configChan    chan *config.Config
	wg            sync.WaitGroup
}

// New builds every component from cfg. Sinks connect to their backends
// here, so an unreachable database or bucket fails startup rather than
// the first tick.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	a := &App{cfg: cfg}

	a.notifier = notifications.NewSlackNotifier(cfg.Notifications.SlackWebhookURL)
	if a.notifier.IsEnabled() {
		logger.Info().Msg("Slack notifications enabled")
	} else {
		logger.Info().Msg("Slack notifications disabled (no webhook URL configured)")
	}

	client, err := sunstrong.NewClient(sunstrong.ClientConfig{
		SiteKey:            cfg.SunStrong.SiteKey,
		Token:              cfg.SunStrong.Token,
		Username:           cfg.SunStrong.Username,
		Password:           cfg.SunStrong.Password,
		AuthURL:            cfg.SunStrong.AuthURL,
		GraphQLURL:         cfg.SunStrong.GraphQLURL,
		UserAgent:          cfg.SunStrong.UserAgent,
		Timeout:            cfg.SunStrong.Timeout,
		MinRefreshInterval: cfg.SunStrong.MinRefreshInterval,
		HTTPClient:         opts.HTTPClient,
	})
	if err != nil {
		return nil, err
	}
	if expiry, ok := client.TokenExpiry(); ok {
		logger.Info().Time("token_expiry", expiry).Bool("can_refresh", client.CanRefresh()).Msg("SunStrong token loaded")
	}

	outs, err := buildSinks(ctx, cfg, a.notifier)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize outputs: %w", err)
	}
	a.checkers = outs.checkers

	a.poller = monitoring.NewPoller(client, outs.sinks, monitoring.PollerConfig{
		Interval:    cfg.Poll.Interval,
		Once:        cfg.Poll.Once,
		SinkTimeout: cfg.Poll.SinkTimeout,
	}, a.notifier)
	if outs.history != nil && !cfg.Poll.Once {
		seedLastReading(ctx, a.poller, outs.history, cfg.SunStrong.SiteKey)
	}

	if cfg.Metrics.Addr != "" && !cfg.Poll.Once {
		a.server = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           a.routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	if opts.ConfigPath != "" && !cfg.Poll.Once {
		a.configChan = make(chan *config.Config, 1)
		a.configWatcher = config.NewWatcher(opts.ConfigPath, opts.Flags, a.configChan)
	}

	return a, nil
}

// Poller returns the poll loop, for state dumps and tests.
func (a *App) Poller() *monitoring.Poller {
	return a.poller
}

// Run polls until ctx is cancelled, or for a single tick with poll.once,
// then flushes every sink. It returns the sink close errors; tick failures
// never make Run fail.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.startMetricsServer()
	a.startConfigWatcher(ctx)

	runErr := a.poller.Run(ctx)
	cancel()

	return errors.Join(runErr, a.performCleanup())
}

// startMetricsServer starts the HTTP server for metrics and health checks
func (a *App) startMetricsServer() {
	if a.server == nil {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Info().Str("addr", a.server.Addr).Msg("Starting metrics and health check server")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

// startConfigWatcher applies reloaded configurations until ctx is done.
func (a *App) startConfigWatcher(ctx context.Context) {
	if a.configWatcher == nil {
		return
	}
	a.configWatcher.Start(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case newCfg := <-a.configChan:
				a.UpdateConfig(newCfg)
			}
		}
	}()
}

// UpdateConfig applies the settings that can change without a restart:
// poll interval, log level and Slack webhook. Everything else needs a
// restart to take effect.
func (a *App) UpdateConfig(newCfg *config.Config) {
	if newCfg.Poll.Interval != a.poller.Interval() {
		a.poller.SetInterval(newCfg.Poll.Interval)
		logger.Info().Dur("poll_interval", newCfg.Poll.Interval).Msg("Poll interval updated")
	}
	logger.SetLevel(newCfg.Logging.Level)
	a.notifier.UpdateWebhookURL(newCfg.Notifications.SlackWebhookURL)
	logger.Info().Str("log_level", newCfg.Logging.Level).Msg("Application configuration updated")
}

// performCleanup flushes the sinks, stops the server and waits for the
// background goroutines.
func (a *App) performCleanup() error {
	logger.Info().Msg("Shutting down")

	if a.configWatcher != nil {
		a.configWatcher.Stop()
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), a.cfg.Sinks.FlushTimeout)
	defer flushCancel()
	closeErr := a.poller.Close(flushCtx)
	if closeErr != nil {
		logger.Warn().Err(closeErr).Msg("Some outputs failed to flush, data may be lost")
	}

	if a.server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("HTTP server shutdown error")
		} else {
			logger.Info().Msg("HTTP server stopped")
		}
	}

	a.wg.Wait()
	logger.Info().Msg("All goroutines finished, exiting")
	return closeErr
}
