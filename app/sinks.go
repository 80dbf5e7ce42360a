// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/soothill/sunstrong-data-logger/config"
	"github.com/soothill/sunstrong-data-logger/monitoring"
	"github.com/soothill/sunstrong-data-logger/pkg/logger"
	"github.com/soothill/sunstrong-data-logger/storage"
)

// healthChecker is a sink that can report on its backend for /ready.
type healthChecker interface {
	Name() string
	Health(ctx context.Context) error
}

// latestReader is a sink that can return the last reading it stored.
type latestReader interface {
	Name() string
	QueryLatest(ctx context.Context, siteKey string) (*monitoring.Reading, error)
}

// outputs is what buildSinks produces for New.
type outputs struct {
	sinks    []monitoring.Sink
	checkers []healthChecker
	history  latestReader // nil unless a sink can replay its last reading
}

// buildSinks creates the sinks for every enabled output, in the order they
// were configured. Network sinks are wrapped in a circuit breaker. On error
// every sink built so far is closed.
func buildSinks(ctx context.Context, cfg *config.Config, notifier storage.BreakerNotifier) (*outputs, error) {
	var (
		sinks    []monitoring.Sink
		checkers []healthChecker
		history  latestReader
	)
	fail := func(err error) (*outputs, error) {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, s := range sinks {
			_ = s.Close(closeCtx)
		}
		return nil, err
	}

	breakerCfg := storage.BreakerConfig{
		MaxFailures:  cfg.Sinks.BreakerFailures,
		ResetTimeout: cfg.Sinks.BreakerReset,
	}

	for _, output := range cfg.EnabledOutputs() {
		switch output {
		case config.OutputGCS:
			sink, err := newCSVSink(ctx, cfg)
			if err != nil {
				return fail(err)
			}
			sinks = append(sinks, sink)

		case config.OutputPostgres:
			sink, err := storage.NewSQLSink(ctx, storage.SQLConfig{
				DSN:   cfg.Database.DSN,
				Debug: cfg.Database.Debug,
			})
			if err != nil {
				return fail(err)
			}
			sinks = append(sinks, storage.NewBreakerSink(sink, breakerCfg, notifier))
			checkers = append(checkers, sink)

		case config.OutputGraphite:
			sink, err := storage.NewGraphiteSink(storage.GraphiteConfig{
				URL:         cfg.Graphite.URL,
				User:        cfg.Graphite.User,
				APIKey:      cfg.Graphite.APIKey,
				Prefix:      cfg.Graphite.Prefix,
				Interval:    cfg.Poll.Interval,
				UsePollTime: cfg.Graphite.UsePollTime,
				Timeout:     cfg.Graphite.Timeout,
			})
			if err != nil {
				return fail(err)
			}
			sinks = append(sinks, storage.NewBreakerSink(sink, breakerCfg, notifier))

		case config.OutputInfluxDB:
			sink, err := storage.NewInfluxDBSink(ctx, storage.InfluxDBConfig{
				URL:    cfg.InfluxDB.URL,
				Token:  cfg.InfluxDB.Token,
				Org:    cfg.InfluxDB.Organization,
				Bucket: cfg.InfluxDB.Bucket,
			})
			if err != nil {
				return fail(err)
			}
			sinks = append(sinks, storage.NewBreakerSink(sink, breakerCfg, notifier))
			checkers = append(checkers, sink)
			history = sink

		default:
			return fail(fmt.Errorf("unknown output %q", output))
		}
		logger.Info().Str("output", output).Msg("Output initialized")
	}

	if len(sinks) == 0 {
		logger.Warn().Msg("No outputs configured, readings will only be logged")
	}
	return &outputs{sinks: sinks, checkers: checkers, history: history}, nil
}

// seedLastReading restores the last stored reading into the poller so
// /reading has data before the first tick. Failures only log.
func seedLastReading(ctx context.Context, p *monitoring.Poller, history latestReader, siteKey string) {
	ctx, cancel := context.WithTimeout(ctx, seedTimeout)
	defer cancel()

	reading, err := history.QueryLatest(ctx, siteKey)
	if err != nil {
		logger.Warn().Err(err).Str("sink", history.Name()).Msg("Failed to restore last reading")
		return
	}
	if reading == nil || !p.SeedLastReading(reading) {
		return
	}
	logger.Info().
		Str("sink", history.Name()).
		Time("timestamp", reading.Timestamp).
		Msg("Restored last reading")
}

// newCSVSink builds the daily CSV sink over GCS, with a local spool when a
// spool directory is configured.
func newCSVSink(ctx context.Context, cfg *config.Config) (*storage.DailyCSVSink, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	var spool *storage.LocalSpool
	if cfg.GCS.SpoolDir != "" {
		spool, err = storage.NewLocalSpool(cfg.GCS.SpoolDir, cfg.GCS.SpoolMaxAge, loc)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize spool: %w", err)
		}
		logger.Info().Str("directory", cfg.GCS.SpoolDir).Dur("max_age", cfg.GCS.SpoolMaxAge).Msg("Local spool initialized")
	}

	store, err := storage.NewGCSObjectStore(ctx, storage.GCSConfig{
		Bucket:          cfg.GCS.Bucket,
		CredentialsJSON: cfg.GCS.CredentialsJSON,
		CredentialsFile: cfg.GCS.CredentialsFile,
	})
	if err != nil {
		return nil, err
	}

	return storage.NewDailyCSVSink(store, storage.DailyCSVConfig{
		SiteKey:         cfg.SunStrong.SiteKey,
		Prefix:          cfg.GCS.Prefix,
		Location:        loc,
		UploadInterval:  cfg.GCS.UploadInterval,
		ReplaceExisting: cfg.GCS.ReplaceExisting,
		PollInterval:    cfg.Poll.Interval,
		Spool:           spool,
	}), nil
}

// checkHealth runs every backend health check and joins the failures.
func checkHealth(ctx context.Context, checkers []healthChecker) error {
	var errs []error
	for _, c := range checkers {
		if err := c.Health(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
		}
	}
	return errors.Join(errs...)
}
