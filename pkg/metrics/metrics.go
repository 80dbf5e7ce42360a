// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package metrics provides Prometheus metrics for the SunStrong data logger.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values for SinkWrites results.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

var (
	// TicksTotal tracks the number of poll ticks started
	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sunstrong_ticks_total",
		Help: "Total number of poll ticks started",
	})

	// TickErrors tracks abandoned ticks by error kind (auth, transient, parse)
	TickErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sunstrong_tick_errors_total",
		Help: "Total number of abandoned poll ticks by error kind",
	}, []string{"kind"})

	// FetchDuration tracks how long the vendor API call takes, refresh included
	FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sunstrong_fetch_duration_seconds",
		Help:    "Duration of current power fetches in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// TokenRefreshes tracks token refresh attempts by result
	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sunstrong_token_refreshes_total",
		Help: "Total number of access token refresh attempts",
	}, []string{"result"})

	// SinkWrites tracks writes per sink by result
	SinkWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sunstrong_sink_writes_total",
		Help: "Total number of sink writes by sink and result",
	}, []string{"sink", "result"})

	// SinkBreakerOpen is 1 while a sink's circuit breaker is open
	SinkBreakerOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sunstrong_sink_breaker_open",
		Help: "Whether the sink circuit breaker is open (1) or not (0)",
	}, []string{"sink"})

	// CSVUploads tracks daily CSV object uploads by result
	CSVUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sunstrong_csv_uploads_total",
		Help: "Total number of daily CSV uploads by result",
	}, []string{"result"})

	// CurrentPower tracks the latest reading per power flow
	// (production, consumption, grid, storage) in kilowatts
	CurrentPower = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sunstrong_current_power_kilowatts",
		Help: "Latest instantaneous power in kilowatts",
	}, []string{"site_key", "flow"})

	// LastSuccessTimestamp is the unix time of the last successful fetch
	LastSuccessTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sunstrong_last_success_timestamp_seconds",
		Help: "Unix time of the last successful current power fetch",
	})
)
