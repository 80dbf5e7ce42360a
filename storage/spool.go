// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/soothill/sunstrong-data-logger/monitoring"
	"github.com/soothill/sunstrong-data-logger/pkg/logger"
	"github.com/soothill/sunstrong-data-logger/pkg/util"
)

const (
	spoolFilePrefix    = "current_power_"
	spoolFileExt       = ".csv"
	defaultSpoolMaxAge = 7 * 24 * time.Hour
)

// LocalSpool mirrors each day's CSV rows to a local file so rows that were
// buffered but not yet uploaded survive a crash or restart. Files use the
// same layout as the uploaded objects.
type LocalSpool struct {
	dir    string
	maxAge time.Duration
	loc    *time.Location
	mu     sync.Mutex
}

// NewLocalSpool creates the spool directory and removes files older than
// maxAge.
func NewLocalSpool(dir string, maxAge time.Duration, loc *time.Location) (*LocalSpool, error) {
	if dir == "" {
		return nil, fmt.Errorf("spool directory is required")
	}
	if maxAge <= 0 {
		maxAge = defaultSpoolMaxAge
	}
	if loc == nil {
		loc = time.UTC
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	s := &LocalSpool{dir: dir, maxAge: maxAge, loc: loc}
	if err := s.CleanupOld(time.Now()); err != nil {
		logger.Warn().Err(err).Msg("Failed to cleanup old spool files")
	}
	return s, nil
}

// Append adds one row to the day's file, writing the header first if the
// file is new.
func (s *LocalSpool) Append(day string, r *monitoring.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path(day), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open spool file: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat spool file: %w", err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(csvHeader); err != nil {
			return fmt.Errorf("failed to write spool header: %w", err)
		}
	}
	if err := w.Write(csvRecord(r, s.loc)); err != nil {
		return fmt.Errorf("failed to write spool row: %w", err)
	}
	w.Flush()
	return w.Error()
}

// Load returns the rows spooled for a day, or nil when there is no file.
func (s *LocalSpool) Load(day, siteKey string) ([]*monitoring.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, found, err := util.ReadOptionalFile(s.path(day))
	if err != nil {
		return nil, fmt.Errorf("failed to read spool file: %w", err)
	}
	if !found {
		return nil, nil
	}
	return decodeCSV(data, siteKey)
}

// Remove deletes a day's file once its rows are safely uploaded.
func (s *LocalSpool) Remove(day string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(day)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete spool file: %w", err)
	}
	logger.Debug().Str("day", day).Msg("Removed spool file")
	return nil
}

// CleanupOld removes files for days older than maxAge.
func (s *LocalSpool) CleanupOld(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := filepath.Glob(filepath.Join(s.dir, spoolFilePrefix+"*"+spoolFileExt))
	if err != nil {
		return fmt.Errorf("failed to list spool files: %w", err)
	}

	cutoff := now.Add(-s.maxAge)
	deletedCount := 0
	for _, file := range files {
		day := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(file), spoolFilePrefix), spoolFileExt)
		date, err := time.ParseInLocation(dayLayout, day, s.loc)
		if err != nil {
			continue
		}
		if !date.Before(cutoff) {
			continue
		}
		if err := os.Remove(file); err != nil {
			logger.Warn().Err(err).Str("file", file).Msg("Failed to delete old spool file")
			continue
		}
		deletedCount++
	}

	if deletedCount > 0 {
		logger.Info().Int("count", deletedCount).Msg("Cleaned up old spool files")
	}
	return nil
}

func (s *LocalSpool) path(day string) string {
	return filepath.Join(s.dir, spoolFilePrefix+day+spoolFileExt)
}
