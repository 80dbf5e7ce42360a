// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	"flag"
	"io"
	"reflect"
	"testing"
	"time"

	apperrors "github.com/soothill/sunstrong-data-logger/pkg/errors"
)

func parseFlags(t *testing.T, args ...string) *Flags {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	flags := RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%v) error = %v", args, err)
	}
	return flags
}

func TestFlags_Apply(t *testing.T) {
	flags := parseFlags(t,
		"-site-key", "FLAGSITE",
		"-token", "flag-token",
		"-output", "gcs,postgres",
		"-poll-seconds", "30",
		"-once",
		"-gcs-bucket", "flag-bucket",
		"-database-url", "postgres://database-url/db",
		"-pg-dsn", "postgres://pg-dsn/db",
		"-grafana-use-poll-time",
		"-log-level", "DEBUG",
		"-metrics-addr", "",
	)

	cfg := Default()
	if err := flags.Apply(cfg); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if cfg.SunStrong.SiteKey != "FLAGSITE" || cfg.SunStrong.Token != "flag-token" {
		t.Errorf("SunStrong = %+v", cfg.SunStrong)
	}
	if !reflect.DeepEqual(cfg.Outputs, []string{"gcs", "postgres"}) {
		t.Errorf("Outputs = %v", cfg.Outputs)
	}
	if cfg.Poll.Interval != 30*time.Second || !cfg.Poll.Once {
		t.Errorf("Poll = %+v", cfg.Poll)
	}
	if cfg.Database.DSN != "postgres://pg-dsn/db" {
		t.Errorf("-pg-dsn should win over -database-url, got %q", cfg.Database.DSN)
	}
	if !cfg.Graphite.UsePollTime {
		t.Error("Graphite.UsePollTime = false")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
	if cfg.Metrics.Addr != "" {
		t.Errorf("explicit empty -metrics-addr should disable the server, got %q", cfg.Metrics.Addr)
	}
}

func TestFlags_UnsetFlagsKeepValues(t *testing.T) {
	flags := parseFlags(t, "-once")

	cfg := Default()
	cfg.GCS.Bucket = "from-file"
	if err := flags.Apply(cfg); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if cfg.GCS.Bucket != "from-file" {
		t.Errorf("unset flag overwrote GCS.Bucket: %q", cfg.GCS.Bucket)
	}
	if cfg.Poll.Interval != 300*time.Second {
		t.Errorf("unset -poll-seconds overwrote Poll.Interval: %v", cfg.Poll.Interval)
	}
}

func TestFlags_NegativePollSeconds(t *testing.T) {
	flags := parseFlags(t, "-poll-seconds", "-5")

	err := flags.Apply(Default())
	if !apperrors.IsConfigError(err) {
		t.Errorf("Apply() error = %v, want ConfigError", err)
	}
}
