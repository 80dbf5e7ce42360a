// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/soothill/sunstrong-data-logger/monitoring"
	"github.com/soothill/sunstrong-data-logger/pkg/logger"
)

// readingResponse is the JSON body of /reading.
type readingResponse struct {
	SiteKey       string    `json:"site_key"`
	Timestamp     time.Time `json:"timestamp"`
	PolledAt      time.Time `json:"polled_at"`
	ProductionKW  float64   `json:"production_kw"`
	ConsumptionKW float64   `json:"consumption_kw"`
	GridKW        float64   `json:"grid_kw"`
	StorageKW     *float64  `json:"storage_kw"`
}

func newReadingResponse(r *monitoring.Reading) readingResponse {
	return readingResponse{
		SiteKey:       r.SiteKey,
		Timestamp:     r.Timestamp,
		PolledAt:      r.PolledAt,
		ProductionKW:  r.ProductionKW,
		ConsumptionKW: r.ConsumptionKW,
		GridKW:        r.GridKW,
		StorageKW:     r.StorageKW,
	}
}

// routes builds the ops router: Prometheus metrics plus rate limited
// health, readiness and last-reading endpoints.
func (a *App) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(rateLimitMiddleware(rate.NewLimiter(10, 20)))
		r.Get("/health", healthCheckHandler)
		r.Get("/ready", a.readinessCheckHandler)
		r.Get("/reading", a.readingHandler)
	})
	return r
}

// rateLimitMiddleware rejects requests beyond the limiter's rate
func rateLimitMiddleware(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				logger.Warn().
					Str("path", r.URL.Path).
					Str("remote_addr", r.RemoteAddr).
					Msg("Rate limit exceeded for health endpoint")
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// healthCheckHandler reports that the process is up
func healthCheckHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, writeErr := w.Write([]byte("OK")); writeErr != nil {
		logger.Error().Err(writeErr).Msg("Failed to write health check response")
	}
}

// readinessCheckHandler reports ready when a fetch succeeded recently and
// every backend with a health check answers.
func (a *App) readinessCheckHandler(w http.ResponseWriter, r *http.Request) {
	if !a.poller.Ready(time.Now()) {
		writeNotReady(w, "NOT READY: no successful fetch in the last 3 poll intervals")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readinessCheckTimeout)
	defer cancel()
	if err := checkHealth(ctx, a.checkers); err != nil {
		logger.Warn().Err(err).Msg("Readiness check failed: output unhealthy")
		writeNotReady(w, "NOT READY: "+err.Error())
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, writeErr := w.Write([]byte("READY")); writeErr != nil {
		logger.Error().Err(writeErr).Msg("Failed to write readiness check response")
	}
}

func writeNotReady(w http.ResponseWriter, msg string) {
	w.WriteHeader(http.StatusServiceUnavailable)
	if _, writeErr := w.Write([]byte(msg)); writeErr != nil {
		logger.Error().Err(writeErr).Msg("Failed to write readiness check response")
	}
}

// readingHandler returns the last reading as JSON, or 204 before the first
// successful tick.
func (a *App) readingHandler(w http.ResponseWriter, _ *http.Request) {
	reading := a.poller.LastReading()
	if reading == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(newReadingResponse(reading)); err != nil {
		logger.Error().Err(err).Msg("Failed to write reading response")
	}
}
