// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package app

import (
	"runtime"
	"time"

	"github.com/soothill/sunstrong-data-logger/pkg/logger"
)

// DumpApplicationState dumps current application state to logs
func (a *App) DumpApplicationState() {
	logger.Info().Msg("=== APPLICATION STATE DUMP (SIGUSR1) ===")

	lastSuccess := a.poller.LastSuccess()
	logger.Info().
		Str("site_key", a.cfg.SunStrong.SiteKey).
		Dur("poll_interval", a.poller.Interval()).
		Strs("sinks", a.poller.SinkNames()).
		Time("last_success", lastSuccess).
		Bool("ready", a.poller.Ready(time.Now())).
		Msg("Poller state")

	if r := a.poller.LastReading(); r != nil {
		event := logger.Info().
			Time("timestamp", r.Timestamp).
			Time("polled_at", r.PolledAt).
			Float64("production_kw", r.ProductionKW).
			Float64("consumption_kw", r.ConsumptionKW).
			Float64("grid_kw", r.GridKW)
		if r.StorageKW != nil {
			event = event.Float64("storage_kw", *r.StorageKW)
		}
		event.Msg("Last reading")
	} else {
		logger.Info().Msg("No reading yet")
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	logger.Info().
		Uint64("alloc_mb", m.Alloc/1024/1024).
		Uint64("total_alloc_mb", m.TotalAlloc/1024/1024).
		Uint32("num_gc", m.NumGC).
		Int("num_goroutines", runtime.NumGoroutine()).
		Msg("Runtime statistics")

	logger.Info().Msg("=== END STATE DUMP ===")
}

// DumpGoroutineStackTraces dumps all goroutine stack traces to logs
func DumpGoroutineStackTraces() {
	logger.Info().Msg("=== GOROUTINE STACK TRACES (SIGUSR2) ===")
	logger.Info().Int("num_goroutines", runtime.NumGoroutine()).Msg("Current goroutine count")

	buf := make([]byte, 1024*1024)
	stackLen := runtime.Stack(buf, true)
	logger.Info().Str("stack_traces", string(buf[:stackLen])).Msg("Full stack trace")

	logger.Info().Msg("=== END STACK TRACES ===")
}
