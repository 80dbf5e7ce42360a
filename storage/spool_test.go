// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/soothill/sunstrong-data-logger/monitoring"
)

func TestLocalSpool_AppendAndLoad(t *testing.T) {
	spool, err := NewLocalSpool(t.TempDir(), time.Hour, time.UTC)
	if err != nil {
		t.Fatalf("NewLocalSpool() error = %v", err)
	}

	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	r := readingAt(t0, 1.5)
	r.StorageKW = monitoring.Float64(0.25)
	if err := spool.Append("2024-01-01", r); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := spool.Append("2024-01-01", readingAt(t0.Add(time.Minute), 2)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	rows, err := spool.Load("2024-01-01", "site")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Load() returned %d rows, want 2", len(rows))
	}
	if rows[0].ProductionKW != 1.5 || rows[0].StorageKW == nil || *rows[0].StorageKW != 0.25 {
		t.Errorf("first row = %+v", rows[0])
	}
	if rows[1].StorageKW != nil {
		t.Errorf("second row storage = %v, want nil", *rows[1].StorageKW)
	}
	if rows[0].SiteKey != "site" {
		t.Errorf("SiteKey = %q, want site", rows[0].SiteKey)
	}
}

func TestLocalSpool_LoadMissingDay(t *testing.T) {
	spool, err := NewLocalSpool(t.TempDir(), time.Hour, time.UTC)
	if err != nil {
		t.Fatalf("NewLocalSpool() error = %v", err)
	}

	rows, err := spool.Load("2024-01-01", "site")
	if err != nil || rows != nil {
		t.Errorf("Load() on missing day = (%v, %v), want (nil, nil)", rows, err)
	}
}

func TestLocalSpool_Remove(t *testing.T) {
	dir := t.TempDir()
	spool, err := NewLocalSpool(dir, time.Hour, time.UTC)
	if err != nil {
		t.Fatalf("NewLocalSpool() error = %v", err)
	}

	if err := spool.Append("2024-01-01", readingAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 1)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := spool.Remove("2024-01-01"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "current_power_2024-01-01.csv")); !os.IsNotExist(err) {
		t.Errorf("spool file should be gone, stat err = %v", err)
	}
	if err := spool.Remove("2024-01-01"); err != nil {
		t.Errorf("Remove() of a missing day should be a no-op, got %v", err)
	}
}

func TestLocalSpool_CleanupOld(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"current_power_2024-01-01.csv", "current_power_2024-01-09.csv", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	spool := &LocalSpool{dir: dir, maxAge: 7 * 24 * time.Hour, loc: time.UTC}
	if err := spool.CleanupOld(time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("CleanupOld() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "current_power_2024-01-01.csv")); !os.IsNotExist(err) {
		t.Error("old spool file should have been removed")
	}
	for _, keep := range []string{"current_power_2024-01-09.csv", "notes.txt"} {
		if _, err := os.Stat(filepath.Join(dir, keep)); err != nil {
			t.Errorf("%s should be kept: %v", keep, err)
		}
	}
}

func TestNewLocalSpool_RequiresDir(t *testing.T) {
	if _, err := NewLocalSpool("", time.Hour, time.UTC); err == nil {
		t.Error("NewLocalSpool(\"\") should fail")
	}
}

func TestNewLocalSpool_RemovesOldFiles(t *testing.T) {
	dir := t.TempDir()
	today := time.Now().UTC().Format(dayLayout)
	for _, name := range []string{"current_power_2000-01-01.csv", "current_power_" + today + ".csv"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	if _, err := NewLocalSpool(dir, 7*24*time.Hour, time.UTC); err != nil {
		t.Fatalf("NewLocalSpool() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "current_power_2000-01-01.csv")); !os.IsNotExist(err) {
		t.Error("expired spool file should be removed when the spool opens")
	}
	if _, err := os.Stat(filepath.Join(dir, "current_power_"+today+".csv")); err != nil {
		t.Errorf("today's spool file should be kept: %v", err)
	}
}
