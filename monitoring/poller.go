// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package monitoring provides the reading model and the poll loop that
// fetches current power from the vendor and hands it to the output sinks.
package monitoring

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	apperrors "github.com/soothill/sunstrong-data-logger/pkg/errors"
	"github.com/soothill/sunstrong-data-logger/pkg/logger"
	"github.com/soothill/sunstrong-data-logger/pkg/metrics"
)

const (
	defaultSinkTimeout  = 30 * time.Second
	alertContextTimeout = 5 * time.Second
	// readinessIntervals is how many poll intervals may pass without a
	// successful fetch before the poller reports itself unhealthy.
	readinessIntervals = 3
)

// Source fetches current power from the vendor API.
type Source interface {
	FetchCurrentPower(ctx context.Context) (*Reading, error)
	RefreshToken(ctx context.Context) error
	CanRefresh() bool
	NeedsRefresh() bool
}

// Sink persists or forwards readings. Write is called once per tick;
// Close flushes anything buffered.
type Sink interface {
	Name() string
	Write(ctx context.Context, reading *Reading) error
	Close(ctx context.Context) error
}

// Notifier raises an alert when the vendor session can't be recovered.
type Notifier interface {
	SendAuthFailure(ctx context.Context, err error) error
	IsEnabled() bool
}

// PollerConfig holds the loop settings.
type PollerConfig struct {
	Interval    time.Duration // Sleep between the end of one tick and the start of the next
	Once        bool          // Run a single tick then stop
	SinkTimeout time.Duration // Upper bound for a single sink write
}

// Poller runs the fetch-and-dispatch loop. Ticks run sequentially on the
// caller's goroutine; only the interval and the last-reading state are
// shared with other goroutines (config reload, ops endpoints).
type Poller struct {
	source      Source
	sinks       []Sink
	notifier    Notifier
	once        bool
	sinkTimeout time.Duration

	interval    atomic.Int64
	lastReading atomic.Pointer[Reading]
	lastSuccess atomic.Int64

	authAlerted bool
}

// NewPoller creates a new poller. notifier may be nil.
func NewPoller(source Source, sinks []Sink, cfg PollerConfig, notifier Notifier) *Poller {
	p := &Poller{
		source:      source,
		sinks:       sinks,
		notifier:    notifier,
		once:        cfg.Once,
		sinkTimeout: cfg.SinkTimeout,
	}
	if p.sinkTimeout <= 0 {
		p.sinkTimeout = defaultSinkTimeout
	}
	p.interval.Store(int64(cfg.Interval))
	return p
}

// Run ticks until the context is cancelled, or exactly once when the
// poller was configured with Once. Tick failures are logged and never stop
// the loop, so Run returns nil on every clean stop.
func (p *Poller) Run(ctx context.Context) error {
	logger.Info().
		Dur("interval", p.Interval()).
		Bool("once", p.once).
		Strs("sinks", p.SinkNames()).
		Msg("Starting poll loop")

	for {
		if ctx.Err() != nil {
			logger.Info().Msg("Poll loop stopped")
			return nil
		}

		_ = p.Tick(ctx)

		if p.once {
			logger.Info().Msg("Single run complete")
			return nil
		}

		timer := time.NewTimer(p.Interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info().Msg("Poll loop stopped")
			return nil
		case <-timer.C:
		}
	}
}

// Tick performs one fetch and dispatches the reading to every sink.
// It returns the fetch error if the tick was abandoned, otherwise the
// joined sink errors (nil when every sink succeeded).
func (p *Poller) Tick(ctx context.Context) error {
	log := logger.With().Str("tick_id", uuid.NewString()).Logger()
	metrics.TicksTotal.Inc()

	start := time.Now()
	reading, err := p.fetch(ctx, &log)
	metrics.FetchDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		kind := apperrors.Kind(err)
		metrics.TickErrors.WithLabelValues(kind).Inc()
		log.Error().Err(err).
			Str("error_kind", kind).
			Time("tick_started", start).
			Msg("Tick abandoned")
		return err
	}

	p.record(reading)

	event := log.Info().
		Time("timestamp", reading.Timestamp).
		Float64("production_kw", reading.ProductionKW).
		Float64("consumption_kw", reading.ConsumptionKW).
		Float64("grid_kw", reading.GridKW)
	if reading.StorageKW != nil {
		event = event.Float64("storage_kw", *reading.StorageKW)
	}
	event.Msg("Current power")

	var errs []error
	for _, sink := range p.sinks {
		if writeErr := p.writeSink(ctx, &log, sink, reading); writeErr != nil {
			errs = append(errs, writeErr)
		}
	}
	return errors.Join(errs...)
}

// fetch applies the auth policy. A missing or expiring token is refreshed
// before the fetch; otherwise an auth rejection triggers the refresh. Either
// way a tick makes at most one refresh and one retried fetch.
func (p *Poller) fetch(ctx context.Context, log *zerolog.Logger) (*Reading, error) {
	canRefresh := p.source.CanRefresh()

	refreshed := false
	if canRefresh && p.source.NeedsRefresh() {
		log.Debug().Msg("Access token missing or expiring, refreshing before fetch")
		if err := p.source.RefreshToken(ctx); err != nil {
			p.alertAuthFailure(ctx, err)
			return nil, err
		}
		refreshed = true
	}

	reading, err := p.source.FetchCurrentPower(ctx)
	if err == nil {
		p.authAlerted = false
		return reading, nil
	}
	if !apperrors.IsAuthError(err) || !canRefresh {
		return nil, err
	}

	if refreshed {
		log.Warn().Err(err).Msg("Session rejected with a fresh token, retrying fetch")
	} else {
		log.Warn().Err(err).Msg("Session rejected, refreshing access token")
		if refreshErr := p.source.RefreshToken(ctx); refreshErr != nil {
			p.alertAuthFailure(ctx, refreshErr)
			return nil, refreshErr
		}
	}

	reading, err = p.source.FetchCurrentPower(ctx)
	if err != nil {
		if apperrors.IsAuthError(err) {
			p.alertAuthFailure(ctx, err)
		}
		return nil, err
	}
	p.authAlerted = false
	return reading, nil
}

// alertAuthFailure sends at most one alert per run of auth failures.
func (p *Poller) alertAuthFailure(ctx context.Context, err error) {
	if p.authAlerted || p.notifier == nil || !p.notifier.IsEnabled() {
		return
	}
	p.authAlerted = true

	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertContextTimeout)
	defer cancel()
	if notifyErr := p.notifier.SendAuthFailure(alertCtx, err); notifyErr != nil {
		logger.Error().Err(notifyErr).Msg("Failed to send auth failure alert")
	}
}

func (p *Poller) writeSink(ctx context.Context, log *zerolog.Logger, sink Sink, reading *Reading) error {
	writeCtx, cancel := context.WithTimeout(ctx, p.sinkTimeout)
	defer cancel()

	start := time.Now()
	err := sink.Write(writeCtx, reading)
	if err != nil {
		metrics.SinkWrites.WithLabelValues(sink.Name(), metrics.ResultError).Inc()
		log.Error().Err(err).
			Str("sink", sink.Name()).
			Str("error_kind", apperrors.Kind(err)).
			Msg("Sink write failed")
		return err
	}

	metrics.SinkWrites.WithLabelValues(sink.Name(), metrics.ResultSuccess).Inc()
	log.Debug().Str("sink", sink.Name()).Dur("duration", time.Since(start)).Msg("Sink write complete")
	return nil
}

func (p *Poller) record(reading *Reading) {
	p.lastReading.Store(reading)
	p.lastSuccess.Store(reading.PolledAt.UnixNano())

	metrics.LastSuccessTimestamp.Set(float64(reading.PolledAt.Unix()))
	metrics.CurrentPower.WithLabelValues(reading.SiteKey, "production").Set(reading.ProductionKW)
	metrics.CurrentPower.WithLabelValues(reading.SiteKey, "consumption").Set(reading.ConsumptionKW)
	metrics.CurrentPower.WithLabelValues(reading.SiteKey, "grid").Set(reading.GridKW)
	if reading.StorageKW != nil {
		metrics.CurrentPower.WithLabelValues(reading.SiteKey, "storage").Set(*reading.StorageKW)
	}
}

// Close flushes and closes every sink, returning the joined errors.
func (p *Poller) Close(ctx context.Context) error {
	var errs []error
	for _, sink := range p.sinks {
		if err := sink.Close(ctx); err != nil {
			logger.Error().Err(err).Str("sink", sink.Name()).Msg("Failed to close sink")
			errs = append(errs, err)
			continue
		}
		logger.Info().Str("sink", sink.Name()).Msg("Sink closed")
	}
	return errors.Join(errs...)
}

// Interval returns the current poll interval.
func (p *Poller) Interval() time.Duration {
	return time.Duration(p.interval.Load())
}

// SetInterval changes the poll interval; it takes effect after the
// current sleep.
func (p *Poller) SetInterval(d time.Duration) {
	p.interval.Store(int64(d))
}

// LastReading returns the most recent reading, or nil before the first
// successful tick.
func (p *Poller) LastReading() *Reading {
	return p.lastReading.Load()
}

// SeedLastReading sets the last reading from stored history when no tick
// has produced one yet. It does not count as a successful fetch.
func (p *Poller) SeedLastReading(reading *Reading) bool {
	return p.lastReading.CompareAndSwap(nil, reading)
}

// LastSuccess returns the poll time of the most recent successful fetch.
func (p *Poller) LastSuccess() time.Time {
	ns := p.lastSuccess.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Ready reports whether a fetch succeeded within the last few intervals.
func (p *Poller) Ready(now time.Time) bool {
	last := p.LastSuccess()
	if last.IsZero() {
		return false
	}
	return now.Sub(last) <= readinessIntervals*p.Interval()
}

// SinkNames returns the configured sink names in dispatch order.
func (p *Poller) SinkNames() []string {
	names := make([]string, 0, len(p.sinks))
	for _, sink := range p.sinks {
		names = append(names, sink.Name())
	}
	return names
}
