// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/soothill/sunstrong-data-logger/monitoring"
	apperrors "github.com/soothill/sunstrong-data-logger/pkg/errors"
	"github.com/soothill/sunstrong-data-logger/pkg/logger"
)

const (
	DefaultGraphitePrefix  = "sunstrong.current_power"
	defaultGraphiteTimeout = 15 * time.Second
)

// GraphiteConfig configures a GraphiteSink.
type GraphiteConfig struct {
	URL    string
	User   string
	APIKey string
	Prefix string

	// Interval is the poll interval; Grafana uses it as the series resolution.
	Interval time.Duration

	// UsePollTime stamps metrics with the poll time instead of the
	// vendor-reported time.
	UsePollTime bool

	Timeout time.Duration
}

// graphiteMetric is one entry of the Grafana Cloud Graphite JSON payload.
type graphiteMetric struct {
	Name     string  `json:"name"`
	Interval int     `json:"interval"`
	Value    float64 `json:"value"`
	Time     int64   `json:"time"`
}

// GraphiteSink pushes readings to a Graphite-compatible HTTP ingestion
// endpoint.
type GraphiteSink struct {
	cfg    GraphiteConfig
	client *http.Client
}

// NewGraphiteSink creates a Graphite sink. URL, user and API key are required.
func NewGraphiteSink(cfg GraphiteConfig) (*GraphiteSink, error) {
	if cfg.URL == "" || cfg.User == "" || cfg.APIKey == "" {
		return nil, apperrors.NewConfigError("graphite", "", fmt.Errorf("url, user and api key are all required"))
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultGraphitePrefix
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultGraphiteTimeout
	}
	return &GraphiteSink{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Name returns the sink name.
func (s *GraphiteSink) Name() string {
	return "graphite"
}

// metrics builds the payload. Storage is omitted when the site has none.
func (s *GraphiteSink) metrics(r *monitoring.Reading) []graphiteMetric {
	ts := r.Time(s.cfg.UsePollTime).Unix()
	interval := int(s.cfg.Interval / time.Second)

	metric := func(name string, v float64) graphiteMetric {
		return graphiteMetric{Name: s.cfg.Prefix + "." + name, Interval: interval, Value: v, Time: ts}
	}

	out := []graphiteMetric{
		metric("production", r.ProductionKW),
		metric("consumption", r.ConsumptionKW),
		metric("grid", r.GridKW),
	}
	if r.StorageKW != nil {
		out = append(out, metric("storage", *r.StorageKW))
	}
	return out
}

// Lines renders the reading in the Graphite plaintext protocol,
// one "path value timestamp" line per metric.
func (s *GraphiteSink) Lines(r *monitoring.Reading) []string {
	metrics := s.metrics(r)
	lines := make([]string, 0, len(metrics))
	for _, m := range metrics {
		lines = append(lines, fmt.Sprintf("%s %s %d", m.Name, formatFloat(m.Value), m.Time))
	}
	return lines
}

// Write posts the reading's metrics.
func (s *GraphiteSink) Write(ctx context.Context, reading *monitoring.Reading) error {
	payload, err := json.Marshal(s.metrics(reading))
	if err != nil {
		return apperrors.NewSinkError(s.Name(), "encode", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return apperrors.NewSinkError(s.Name(), "request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(s.cfg.User, s.cfg.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return apperrors.NewSinkError(s.Name(), "post", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperrors.NewSinkError(s.Name(), "post",
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	logger.Debug().Strs("lines", s.Lines(reading)).Msg("Pushed Graphite metrics")
	return nil
}

// Close is a no-op; the sink holds no buffered state.
func (s *GraphiteSink) Close(_ context.Context) error {
	return nil
}
