// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package storage provides the output sinks readings are written to: daily
// CSV objects in Google Cloud Storage, a SQL table, Graphite and InfluxDB.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/soothill/sunstrong-data-logger/monitoring"
	apperrors "github.com/soothill/sunstrong-data-logger/pkg/errors"
	"github.com/soothill/sunstrong-data-logger/pkg/logger"
)

const (
	influxMeasurement   = "current_power"
	influxHealthTimeout = 5 * time.Second
)

// InfluxDBConfig configures an InfluxDBSink.
type InfluxDBConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxDBSink writes readings to InfluxDB 2.x. Writes are blocking so a
// tick's write is acknowledged before the tick ends.
type InfluxDBSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	bucket   string
	org      string
}

// NewInfluxDBSink creates the client and checks the server is healthy.
func NewInfluxDBSink(ctx context.Context, cfg InfluxDBConfig) (*InfluxDBSink, error) {
	for field, value := range map[string]string{
		"influxdb.url":    cfg.URL,
		"influxdb.token":  cfg.Token,
		"influxdb.org":    cfg.Org,
		"influxdb.bucket": cfg.Bucket,
	} {
		if value == "" {
			return nil, apperrors.NewConfigError(field, "", fmt.Errorf("required for influxdb output"))
		}
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	s := &InfluxDBSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}

	healthCtx, cancel := context.WithTimeout(ctx, influxHealthTimeout)
	defer cancel()
	if err := s.Health(healthCtx); err != nil {
		client.Close()
		return nil, err
	}

	logger.Info().Str("url", cfg.URL).Str("bucket", cfg.Bucket).Msg("Connected to InfluxDB")
	return s, nil
}

// Name returns the sink name.
func (s *InfluxDBSink) Name() string {
	return "influxdb"
}

// newPoint builds the point for a reading: one measurement tagged by site
// with a field per power flow.
func newPoint(r *monitoring.Reading) *write.Point {
	fields := map[string]interface{}{
		"production_kw":  r.ProductionKW,
		"consumption_kw": r.ConsumptionKW,
		"grid_kw":        r.GridKW,
	}
	if r.StorageKW != nil {
		fields["storage_kw"] = *r.StorageKW
	}
	return influxdb2.NewPoint(
		influxMeasurement,
		map[string]string{"site_key": r.SiteKey},
		fields,
		r.Time(false),
	)
}

// Write stores the reading.
func (s *InfluxDBSink) Write(ctx context.Context, reading *monitoring.Reading) error {
	if err := s.writeAPI.WritePoint(ctx, newPoint(reading)); err != nil {
		return apperrors.NewSinkError(s.Name(), "write", err)
	}
	return nil
}

// Health checks InfluxDB health.
func (s *InfluxDBSink) Health(ctx context.Context) error {
	health, err := s.client.Health(ctx)
	if err != nil {
		return apperrors.NewSinkError(s.Name(), "health", err)
	}
	if health.Status != "pass" {
		message := "unknown error"
		if health.Message != nil {
			message = *health.Message
		}
		return apperrors.NewSinkError(s.Name(), "health", fmt.Errorf("health check failed: %s", message))
	}
	return nil
}

// Close closes the InfluxDB client.
func (s *InfluxDBSink) Close(_ context.Context) error {
	logger.Info().Msg("Closing InfluxDB connection")
	s.client.Close()
	return nil
}

// QueryLatest returns the most recent reading stored for a site within the
// last day, or nil if there is none.
func (s *InfluxDBSink) QueryLatest(ctx context.Context, siteKey string) (*monitoring.Reading, error) {
	if siteKey == "" {
		return nil, fmt.Errorf("site key cannot be empty")
	}

	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -24h)
			|> filter(fn: (r) => r._measurement == "%s")
			|> filter(fn: (r) => r.site_key == "%s")
			|> last()
	`, sanitizeFluxString(s.bucket), influxMeasurement, sanitizeFluxString(siteKey))

	result, err := s.client.QueryAPI(s.org).Query(ctx, query)
	if err != nil {
		return nil, apperrors.NewSinkError(s.Name(), "query", err)
	}
	defer func() { _ = result.Close() }()

	var reading *monitoring.Reading
	for result.Next() {
		record := result.Record()
		if reading == nil {
			reading = &monitoring.Reading{SiteKey: siteKey}
		}
		reading.Timestamp = record.Time()
		reading.PolledAt = record.Time()

		val, ok := record.Value().(float64)
		if !ok {
			continue
		}
		switch record.Field() {
		case "production_kw":
			reading.ProductionKW = val
		case "consumption_kw":
			reading.ConsumptionKW = val
		case "grid_kw":
			reading.GridKW = val
		case "storage_kw":
			reading.StorageKW = monitoring.Float64(val)
		}
	}
	if result.Err() != nil {
		return nil, apperrors.NewSinkError(s.Name(), "query", result.Err())
	}
	return reading, nil
}

// sanitizeFluxString escapes a value for use inside a Flux string literal.
func sanitizeFluxString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	s = strings.ReplaceAll(s, "\r", `\r`)
	return s
}
