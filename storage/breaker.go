// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/soothill/sunstrong-data-logger/monitoring"
	apperrors "github.com/soothill/sunstrong-data-logger/pkg/errors"
	"github.com/soothill/sunstrong-data-logger/pkg/logger"
	"github.com/soothill/sunstrong-data-logger/pkg/metrics"
)

const (
	defaultBreakerFailures = 5
	defaultBreakerReset    = 5 * time.Minute
	breakerAlertTimeout    = 5 * time.Second
)

// BreakerConfig sets when a sink's breaker trips and how long it stays open.
type BreakerConfig struct {
	MaxFailures  uint32        // Consecutive failures that open the breaker
	ResetTimeout time.Duration // Time open before a trial write is allowed
}

// BreakerNotifier is told when a sink goes down and comes back.
type BreakerNotifier interface {
	SendSinkFailure(ctx context.Context, sink string, err error) error
	SendSinkRecovery(ctx context.Context, sink string) error
	IsEnabled() bool
}

// BreakerSink wraps a sink in a circuit breaker. While the breaker is open
// writes fail immediately with ErrCircuitBreakerOpen instead of waiting on
// an unreachable backend for every tick.
type BreakerSink struct {
	sink     monitoring.Sink
	cb       *gobreaker.CircuitBreaker
	notifier BreakerNotifier

	tripped   atomic.Bool
	recovered atomic.Bool
}

// NewBreakerSink wraps sink. notifier may be nil.
func NewBreakerSink(sink monitoring.Sink, cfg BreakerConfig, notifier BreakerNotifier) *BreakerSink {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultBreakerFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultBreakerReset
	}

	b := &BreakerSink{sink: sink, notifier: notifier}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        sink.Name(),
		MaxRequests: 1,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: b.onStateChange,
	})
	metrics.SinkBreakerOpen.WithLabelValues(sink.Name()).Set(0)
	return b
}

// Name returns the wrapped sink's name.
func (b *BreakerSink) Name() string {
	return b.sink.Name()
}

// State returns the breaker state: "closed", "half-open" or "open".
func (b *BreakerSink) State() string {
	return b.cb.State().String()
}

// Write passes the reading to the wrapped sink unless the breaker is open.
func (b *BreakerSink) Write(ctx context.Context, reading *monitoring.Reading) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.sink.Write(ctx, reading)
	})

	if b.tripped.CompareAndSwap(true, false) {
		b.alert(ctx, func(ctx context.Context) error {
			return b.notifier.SendSinkFailure(ctx, b.Name(), err)
		})
	}
	if b.recovered.CompareAndSwap(true, false) {
		b.alert(ctx, func(ctx context.Context) error {
			return b.notifier.SendSinkRecovery(ctx, b.Name())
		})
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperrors.NewSinkError(b.Name(), "write", apperrors.ErrCircuitBreakerOpen)
	}
	return err
}

// Close closes the wrapped sink regardless of breaker state.
func (b *BreakerSink) Close(ctx context.Context) error {
	return b.sink.Close(ctx)
}

// onStateChange runs inside the breaker's lock, so alerts are only flagged
// here and sent once Execute has returned.
func (b *BreakerSink) onStateChange(name string, from, to gobreaker.State) {
	logger.Warn().
		Str("sink", name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Sink circuit breaker state changed")

	switch to {
	case gobreaker.StateOpen:
		metrics.SinkBreakerOpen.WithLabelValues(name).Set(1)
		if from == gobreaker.StateClosed {
			b.tripped.Store(true)
		}
	case gobreaker.StateClosed:
		metrics.SinkBreakerOpen.WithLabelValues(name).Set(0)
		b.recovered.Store(true)
	}
}

func (b *BreakerSink) alert(ctx context.Context, send func(context.Context) error) {
	if b.notifier == nil || !b.notifier.IsEnabled() {
		return
	}
	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), breakerAlertTimeout)
	defer cancel()
	if err := send(alertCtx); err != nil {
		logger.Error().Err(err).Str("sink", b.Name()).Msg("Failed to send sink alert")
	}
}
