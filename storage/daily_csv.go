// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/soothill/sunstrong-data-logger/monitoring"
	apperrors "github.com/soothill/sunstrong-data-logger/pkg/errors"
	"github.com/soothill/sunstrong-data-logger/pkg/logger"
	"github.com/soothill/sunstrong-data-logger/pkg/metrics"
)

const (
	dayLayout      = "2006-01-02"
	csvContentType = "text/csv"

	// maxRecentDays bounds how many closed days are kept for readings
	// that step back across midnight.
	maxRecentDays = 2
)

// DailyCSVConfig configures a DailyCSVSink.
type DailyCSVConfig struct {
	SiteKey  string
	Prefix   string         // Object name prefix, without trailing slash
	Location *time.Location // Zone that decides where a day starts; UTC when nil

	// UploadInterval is the minimum time between uploads of the live day.
	// Zero uploads after every write.
	UploadInterval time.Duration

	// ReplaceExisting overwrites the day's object on the first upload after
	// a start instead of merging the rows already in it.
	ReplaceExisting bool

	// PollInterval is used to integrate day energy totals at rollover.
	PollInterval time.Duration

	// Spool, when set, mirrors rows to local files for crash recovery.
	Spool *LocalSpool
}

// dayBuffer holds one calendar day's rows in timestamp order.
type dayBuffer struct {
	day    string
	rows   []*monitoring.Reading
	seeded bool // the existing object's rows have been merged in
	dirty  bool // rows added since the last successful upload
}

// DailyCSVSink accumulates readings into one CSV object per calendar day.
// Every upload replaces the whole object. A day is uploaded when its
// buffer rolls over, when UploadInterval has elapsed and on Close; a
// rollover upload that fails is kept and retried on later writes.
type DailyCSVSink struct {
	store ObjectStore
	cfg   DailyCSVConfig
	now   func() time.Time

	mu         sync.Mutex
	current    *dayBuffer
	pending    []*dayBuffer
	recent     map[string]*dayBuffer // closed and uploaded days, by day
	lastUpload time.Time
}

// NewDailyCSVSink creates a sink that uploads to store.
func NewDailyCSVSink(store ObjectStore, cfg DailyCSVConfig) *DailyCSVSink {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &DailyCSVSink{
		store: store,
		cfg:    cfg,
		now:    time.Now,
		recent: make(map[string]*dayBuffer),
	}
}

// Name returns the sink name.
func (s *DailyCSVSink) Name() string {
	return "gcs"
}

// ObjectName returns the object a day's rows are uploaded to.
func (s *DailyCSVSink) ObjectName(day string) string {
	name := spoolFilePrefix + day + spoolFileExt
	if s.cfg.Prefix == "" {
		return name
	}
	return path.Join(s.cfg.Prefix, name)
}

// Write appends a reading to its day's buffer and uploads when due.
func (s *DailyCSVSink) Write(ctx context.Context, reading *monitoring.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if err := s.retryPending(ctx); err != nil {
		errs = append(errs, err)
	}

	day := reading.Time(false).In(s.cfg.Location).Format(dayLayout)

	if s.current != nil && s.current.day != day {
		if err := s.rollover(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.current == nil {
		s.current = s.openDay(day)
	}

	buf := s.current
	switch n := len(buf.rows); {
	case n == 0 || buf.rows[n-1].Time(false).Before(reading.Time(false)):
		buf.rows = append(buf.rows, reading)
	default:
		merged := mergeRows(buf.rows, []*monitoring.Reading{reading})
		if len(merged) == n {
			logger.Debug().Time("timestamp", reading.Time(false)).Msg("Skipping duplicate CSV row")
			return errors.Join(errs...)
		}
		buf.rows = merged
	}
	buf.dirty = true

	if s.cfg.Spool != nil {
		if err := s.cfg.Spool.Append(day, reading); err != nil {
			logger.Warn().Err(err).Str("day", day).Msg("Failed to spool CSV row")
		}
	}

	if s.cfg.UploadInterval <= 0 || s.now().Sub(s.lastUpload) >= s.cfg.UploadInterval {
		if err := s.upload(ctx, buf); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// openDay returns the buffer for day. A day this process already closed is
// reopened with its rows; otherwise a new buffer is started, recovering
// spooled rows from an earlier run.
func (s *DailyCSVSink) openDay(day string) *dayBuffer {
	for i, buf := range s.pending {
		if buf.day == day {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			logger.Debug().Str("day", day).Msg("Reopening pending CSV day")
			return buf
		}
	}
	if buf, ok := s.recent[day]; ok {
		delete(s.recent, day)
		logger.Debug().Str("day", day).Msg("Reopening closed CSV day")
		return buf
	}

	buf := &dayBuffer{day: day}
	if s.cfg.Spool == nil {
		return buf
	}

	rows, err := s.cfg.Spool.Load(day, s.cfg.SiteKey)
	if err != nil {
		logger.Warn().Err(err).Str("day", day).Msg("Failed to load spooled CSV rows")
		return buf
	}
	if len(rows) > 0 {
		buf.rows = mergeRows(rows, nil)
		buf.dirty = true
		logger.Info().Str("day", day).Int("rows", len(rows)).Msg("Recovered spooled CSV rows")
	}
	return buf
}

// rollover closes the live day: logs its totals and uploads it if it has
// unsent rows. Must be called with mu held.
func (s *DailyCSVSink) rollover(ctx context.Context) error {
	buf := s.current
	s.current = nil

	totals := monitoring.IntegrateEnergy(buf.rows, s.cfg.PollInterval)
	logger.Info().
		Str("day", buf.day).
		Int("samples", totals.Samples).
		Float64("production_kwh", totals.ProductionKWh).
		Float64("consumption_kwh", totals.ConsumptionKWh).
		Float64("grid_kwh", totals.GridKWh).
		Float64("storage_kwh", totals.StorageKWh).
		Msg("Day complete")

	if !buf.dirty {
		s.finishDay(buf)
		return nil
	}
	if err := s.upload(ctx, buf); err != nil {
		s.pending = append(s.pending, buf)
		return err
	}
	s.finishDay(buf)
	return nil
}

func (s *DailyCSVSink) retryPending(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}

	var errs []error
	remaining := s.pending[:0]
	for _, buf := range s.pending {
		if err := s.upload(ctx, buf); err != nil {
			errs = append(errs, err)
			remaining = append(remaining, buf)
			continue
		}
		logger.Info().Str("day", buf.day).Msg("Uploaded pending CSV day")
		s.finishDay(buf)
	}
	s.pending = remaining
	return errors.Join(errs...)
}

// finishDay drops the local copy of a completed, uploaded day and keeps
// its rows in memory in case a late reading reopens it.
func (s *DailyCSVSink) finishDay(buf *dayBuffer) {
	s.recent[buf.day] = buf
	for len(s.recent) > maxRecentDays {
		oldest := ""
		for day := range s.recent {
			if oldest == "" || day < oldest {
				oldest = day
			}
		}
		delete(s.recent, oldest)
	}

	if s.cfg.Spool == nil {
		return
	}
	if err := s.cfg.Spool.Remove(buf.day); err != nil {
		logger.Warn().Err(err).Str("day", buf.day).Msg("Failed to remove spool file")
	}
}

// upload replaces the day's object with the buffer. On the first upload of
// a day the object's existing rows are merged in unless ReplaceExisting is
// set; if they can't be read the upload is refused rather than risk
// overwriting them.
func (s *DailyCSVSink) upload(ctx context.Context, buf *dayBuffer) error {
	name := s.ObjectName(buf.day)

	if !buf.seeded {
		if !s.cfg.ReplaceExisting {
			existing, err := s.store.Get(ctx, name)
			switch {
			case errors.Is(err, apperrors.ErrObjectNotFound):
			case err != nil:
				metrics.CSVUploads.WithLabelValues(metrics.ResultError).Inc()
				return apperrors.NewSinkError(s.Name(), "download", err)
			default:
				rows, err := decodeCSV(existing, s.cfg.SiteKey)
				if err != nil {
					metrics.CSVUploads.WithLabelValues(metrics.ResultError).Inc()
					return apperrors.NewSinkError(s.Name(), "download", apperrors.NewParseError("decode "+name, err))
				}
				before := len(buf.rows)
				buf.rows = mergeRows(buf.rows, rows)
				logger.Info().
					Str("object", name).
					Int("existing_rows", len(rows)).
					Int("merged_rows", len(buf.rows)-before).
					Msg("Resuming existing CSV object")
			}
		}
		buf.seeded = true
	}

	data, err := encodeCSV(buf.rows, s.cfg.Location)
	if err != nil {
		metrics.CSVUploads.WithLabelValues(metrics.ResultError).Inc()
		return apperrors.NewSinkError(s.Name(), "encode", err)
	}

	if err := s.store.Put(ctx, name, data, csvContentType); err != nil {
		metrics.CSVUploads.WithLabelValues(metrics.ResultError).Inc()
		return apperrors.NewSinkError(s.Name(), "upload", err)
	}

	metrics.CSVUploads.WithLabelValues(metrics.ResultSuccess).Inc()
	buf.dirty = false
	s.lastUpload = s.now()
	logger.Debug().Str("object", name).Int("rows", len(buf.rows)).Msg("Uploaded CSV object")
	return nil
}

// Close uploads every day with unsent rows and closes the store.
func (s *DailyCSVSink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if err := s.retryPending(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.current != nil && s.current.dirty {
		if err := s.upload(ctx, s.current); err != nil {
			errs = append(errs, err)
		}
	}
	if len(s.pending) > 0 {
		errs = append(errs, fmt.Errorf("%d CSV day(s) not uploaded", len(s.pending)))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, apperrors.NewSinkError(s.Name(), "close", err))
	}
	return errors.Join(errs...)
}

// Pending returns the days whose upload is still outstanding.
func (s *DailyCSVSink) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	days := make([]string, 0, len(s.pending))
	for _, buf := range s.pending {
		days = append(days, buf.day)
	}
	return days
}
