// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package config builds the logger's configuration from defaults, an
// optional YAML file, environment variables and command-line flags, in
// that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	apperrors "github.com/soothill/sunstrong-data-logger/pkg/errors"
	"github.com/soothill/sunstrong-data-logger/pkg/util"
)

// DefaultPath is the config file read when -config is not given. Unlike an
// explicit path it may be absent.
const DefaultPath = "config.yaml"

// Output names accepted in outputs / OUTPUT_MODE / -output.
const (
	OutputGCS      = "gcs"
	OutputPostgres = "postgres"
	OutputGraphite = "graphite"
	OutputInfluxDB = "influxdb"
	OutputNone     = "none"
)

// Config represents the application configuration
type Config struct {
	SunStrong     SunStrongConfig     `yaml:"sunstrong"`
	Outputs       []string            `yaml:"outputs" validate:"dive,oneof=gcs postgres graphite influxdb none"`
	Poll          PollConfig          `yaml:"poll"`
	GCS           GCSConfig           `yaml:"gcs"`
	Database      DatabaseConfig      `yaml:"database"`
	Graphite      GraphiteConfig      `yaml:"graphite"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	Sinks         SinksConfig         `yaml:"sinks"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// SunStrongConfig holds the vendor API session settings
type SunStrongConfig struct {
	SiteKey            string        `yaml:"site_key"`
	Token              string        `yaml:"token"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	AuthURL            string        `yaml:"auth_url" validate:"omitempty,url"`
	GraphQLURL         string        `yaml:"graphql_url" validate:"omitempty,url"`
	UserAgent          string        `yaml:"user_agent"`
	Timeout            time.Duration `yaml:"timeout" validate:"gte=0"`
	MinRefreshInterval time.Duration `yaml:"min_refresh_interval" validate:"gte=0"`
}

// PollConfig holds the loop timing
type PollConfig struct {
	Interval    time.Duration `yaml:"interval" validate:"gte=1s,lte=24h"`
	Once        bool          `yaml:"once"`
	SinkTimeout time.Duration `yaml:"sink_timeout" validate:"gte=0"`
}

// GCSConfig holds the daily CSV upload settings
type GCSConfig struct {
	Bucket          string        `yaml:"bucket"`
	Prefix          string        `yaml:"prefix"`
	CredentialsJSON string        `yaml:"credentials_json"`
	CredentialsFile string        `yaml:"credentials_file"`
	Timezone        string        `yaml:"timezone"`
	UploadInterval  time.Duration `yaml:"upload_interval" validate:"gte=0"`
	ReplaceExisting bool          `yaml:"replace_existing"`
	SpoolDir        string        `yaml:"spool_dir"`
	SpoolMaxAge     time.Duration `yaml:"spool_max_age" validate:"gte=0"`
}

// DatabaseConfig holds the SQL sink settings
type DatabaseConfig struct {
	DSN   string `yaml:"dsn"`
	Debug bool   `yaml:"debug"`
}

// GraphiteConfig holds the Grafana Graphite push settings
type GraphiteConfig struct {
	URL         string        `yaml:"url" validate:"omitempty,url"`
	User        string        `yaml:"user"`
	APIKey      string        `yaml:"api_key"`
	Prefix      string        `yaml:"prefix" validate:"required"`
	UsePollTime bool          `yaml:"use_poll_time"`
	Timeout     time.Duration `yaml:"timeout" validate:"gte=0"`
}

// InfluxDBConfig holds InfluxDB connection settings
type InfluxDBConfig struct {
	URL          string `yaml:"url" validate:"omitempty,url"`
	Token        string `yaml:"token"`
	Organization string `yaml:"organization"`
	Bucket       string `yaml:"bucket"`
}

// SinksConfig holds settings shared by every network sink
type SinksConfig struct {
	BreakerFailures uint32        `yaml:"breaker_failures" validate:"gte=1"`
	BreakerReset    time.Duration `yaml:"breaker_reset" validate:"gte=1s"`
	FlushTimeout    time.Duration `yaml:"flush_timeout" validate:"gte=1s"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn warning error fatal panic"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

// MetricsConfig holds the ops HTTP server settings. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
}

// NotificationsConfig holds Slack alerting settings
type NotificationsConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url" validate:"omitempty,url"`
}

// Default returns the configuration used before any file, environment
// variable or flag is applied.
func Default() *Config {
	return &Config{
		Outputs: []string{OutputNone},
		SunStrong: SunStrongConfig{
			Timeout:            30 * time.Second,
			MinRefreshInterval: 30 * time.Second,
		},
		Poll: PollConfig{
			Interval:    300 * time.Second,
			SinkTimeout: 30 * time.Second,
		},
		GCS: GCSConfig{
			Timezone:    "UTC",
			SpoolMaxAge: 7 * 24 * time.Hour,
		},
		Graphite: GraphiteConfig{
			Prefix:  "sunstrong.current_power",
			Timeout: 15 * time.Second,
		},
		Sinks: SinksConfig{
			BreakerFailures: 5,
			BreakerReset:    5 * time.Minute,
			FlushTimeout:    30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Addr: "localhost:9090",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path,
// then environment variables, then the flags that were set on the command
// line. flags may be nil. A missing file is only an error when path is not
// DefaultPath. Every failure is returned as a ConfigError.
func Load(path string, flags *Flags) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, found, err := util.ReadOptionalFile(path)
		if err != nil {
			return nil, apperrors.NewConfigError("config", path, fmt.Errorf("failed to read config file: %w", err))
		}
		if !found && path != DefaultPath {
			return nil, apperrors.NewConfigError("config", path, fmt.Errorf("config file not found"))
		}
		if found {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, apperrors.NewConfigError("config", path, fmt.Errorf("failed to parse config file: %w", err))
			}
		}
	}

	if err := cfg.applyEnvironmentOverrides(os.LookupEnv); err != nil {
		return nil, err
	}
	if flags != nil {
		if err := flags.Apply(cfg); err != nil {
			return nil, err
		}
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

// envBinding maps one environment variable onto the config. Bindings are
// applied in order, so a later binding for the same field wins.
type envBinding struct {
	name  string
	apply func(c *Config, v string) error
}

var envBindings = []envBinding{
	{"SUNSTRONG_SITE_KEY", func(c *Config, v string) error { c.SunStrong.SiteKey = v; return nil }},
	{"SUNSTRONG_TOKEN", func(c *Config, v string) error { c.SunStrong.Token = v; return nil }},
	{"SUNSTRONG_USERNAME", func(c *Config, v string) error { c.SunStrong.Username = v; return nil }},
	{"SUNSTRONG_PASSWORD", func(c *Config, v string) error { c.SunStrong.Password = v; return nil }},
	{"SUNSTRONG_AUTH_URL", func(c *Config, v string) error { c.SunStrong.AuthURL = v; return nil }},
	{"SUNSTRONG_GRAPHQL_URL", func(c *Config, v string) error { c.SunStrong.GraphQLURL = v; return nil }},
	{"SUNSTRONG_USER_AGENT", func(c *Config, v string) error { c.SunStrong.UserAgent = v; return nil }},
	{"OUTPUT_MODE", func(c *Config, v string) error { c.Outputs = ParseOutputs(v); return nil }},
	{"POLL_SECONDS", func(c *Config, v string) error {
		return setSeconds(&c.Poll.Interval, "POLL_SECONDS", v)
	}},
	{"RUN_ONCE", func(c *Config, v string) error { return setBool(&c.Poll.Once, "RUN_ONCE", v) }},
	{"GCS_BUCKET", func(c *Config, v string) error { c.GCS.Bucket = v; return nil }},
	{"GCS_PREFIX", func(c *Config, v string) error { c.GCS.Prefix = v; return nil }},
	{"GCS_TIMEZONE", func(c *Config, v string) error { c.GCS.Timezone = v; return nil }},
	{"GCS_SPOOL_DIR", func(c *Config, v string) error { c.GCS.SpoolDir = v; return nil }},
	{"GCP_SA_JSON", func(c *Config, v string) error { c.GCS.CredentialsJSON = v; return nil }},
	{"GOOGLE_APPLICATION_CREDENTIALS", func(c *Config, v string) error { c.GCS.CredentialsFile = v; return nil }},
	{"DATABASE_URL", func(c *Config, v string) error { c.Database.DSN = v; return nil }},
	{"PG_DSN", func(c *Config, v string) error { c.Database.DSN = v; return nil }},
	{"GRAFANA_GRAPHITE_URL", func(c *Config, v string) error { c.Graphite.URL = v; return nil }},
	{"GRAFANA_USER", func(c *Config, v string) error { c.Graphite.User = v; return nil }},
	{"GRAFANA_API_KEY", func(c *Config, v string) error { c.Graphite.APIKey = v; return nil }},
	{"GRAFANA_PREFIX", func(c *Config, v string) error { c.Graphite.Prefix = v; return nil }},
	{"GRAFANA_USE_POLL_TIME", func(c *Config, v string) error {
		return setBool(&c.Graphite.UsePollTime, "GRAFANA_USE_POLL_TIME", v)
	}},
	{"INFLUXDB_URL", func(c *Config, v string) error { c.InfluxDB.URL = v; return nil }},
	{"INFLUXDB_TOKEN", func(c *Config, v string) error { c.InfluxDB.Token = v; return nil }},
	{"INFLUXDB_ORG", func(c *Config, v string) error { c.InfluxDB.Organization = v; return nil }},
	{"INFLUXDB_BUCKET", func(c *Config, v string) error { c.InfluxDB.Bucket = v; return nil }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Logging.Level = strings.ToLower(v); return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.Logging.Format = strings.ToLower(v); return nil }},
	{"METRICS_ADDR", func(c *Config, v string) error { c.Metrics.Addr = v; return nil }},
	{"SLACK_WEBHOOK_URL", func(c *Config, v string) error { c.Notifications.SlackWebhookURL = v; return nil }},
}

// applyEnvironmentOverrides applies every set environment variable. An
// empty value counts as unset.
func (c *Config) applyEnvironmentOverrides(lookup lookupFunc) error {
	for _, b := range envBindings {
		v, ok := lookup(b.name)
		if !ok || v == "" {
			continue
		}
		if err := b.apply(c, v); err != nil {
			return err
		}
	}
	return nil
}

// ParseOutputs splits a comma-separated output list.
func ParseOutputs(s string) []string {
	var outputs []string
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			outputs = append(outputs, part)
		}
	}
	return outputs
}

func setSeconds(dst *time.Duration, field, v string) error {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return apperrors.NewConfigError(field, v, fmt.Errorf("must be a whole number of seconds"))
	}
	*dst = time.Duration(n) * time.Second
	return nil
}

func setBool(dst *bool, field, v string) error {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	default:
		return apperrors.NewConfigError(field, v, fmt.Errorf("must be a boolean"))
	}
	return nil
}

// normalize lowercases and dedupes outputs and enables Graphite when all
// of its credentials are present.
func (c *Config) normalize() {
	seen := make(map[string]bool)
	outputs := make([]string, 0, len(c.Outputs)+1)
	for _, o := range c.Outputs {
		o = strings.ToLower(strings.TrimSpace(o))
		if o == "" || seen[o] {
			continue
		}
		seen[o] = true
		outputs = append(outputs, o)
	}
	if c.Graphite.URL != "" && c.Graphite.User != "" && c.Graphite.APIKey != "" && !seen[OutputGraphite] {
		outputs = append(outputs, OutputGraphite)
	}
	c.Outputs = outputs
}

// HasOutput reports whether the named output is enabled.
func (c *Config) HasOutput(name string) bool {
	for _, o := range c.Outputs {
		if o == name {
			return true
		}
	}
	return false
}

// EnabledOutputs returns the outputs that write somewhere, without "none".
func (c *Config) EnabledOutputs() []string {
	enabled := make([]string, 0, len(c.Outputs))
	for _, o := range c.Outputs {
		if o != OutputNone {
			enabled = append(enabled, o)
		}
	}
	return enabled
}

// Location returns the time zone used for CSV day boundaries.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.GCS.Timezone)
	if err != nil {
		return nil, apperrors.NewConfigError("gcs.timezone", c.GCS.Timezone, err)
	}
	return loc, nil
}

// CanRefresh reports whether username and password are both configured.
func (c *Config) CanRefresh() bool {
	return c.SunStrong.Username != "" && c.SunStrong.Password != ""
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints, then the settings each enabled output
// needs. The returned error joins one ConfigError per problem.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return apperrors.NewConfigError("config", "", err)
		}
		errs := make([]error, 0, len(verrs))
		for _, fe := range verrs {
			field := strings.TrimPrefix(fe.Namespace(), "Config.")
			errs = append(errs, apperrors.NewConfigError(field, "", fmt.Errorf("failed %q check", fe.ActualTag())))
		}
		return errors.Join(errs...)
	}

	var errs []error
	errs = append(errs, c.validateCredentials()...)
	errs = append(errs, c.validateOutputs()...)
	return errors.Join(errs...)
}

func (c *Config) validateCredentials() []error {
	var errs []error
	if c.SunStrong.SiteKey == "" {
		errs = append(errs, apperrors.NewConfigError("sunstrong.site_key", "", apperrors.ErrMissingCredentials))
	}
	if c.SunStrong.Token == "" && !c.CanRefresh() {
		errs = append(errs, apperrors.NewConfigError("sunstrong.token", "",
			fmt.Errorf("token or username and password required: %w", apperrors.ErrMissingCredentials)))
	}
	return errs
}

func (c *Config) validateOutputs() []error {
	var errs []error
	missing := func(field string) {
		errs = append(errs, apperrors.NewConfigError(field, "", fmt.Errorf("required by the enabled output")))
	}

	if c.HasOutput(OutputGCS) {
		if c.GCS.Bucket == "" {
			missing("gcs.bucket")
		}
		if _, err := c.Location(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.HasOutput(OutputPostgres) && c.Database.DSN == "" {
		missing("database.dsn")
	}
	if c.HasOutput(OutputGraphite) {
		if c.Graphite.URL == "" {
			missing("graphite.url")
		}
		if c.Graphite.User == "" {
			missing("graphite.user")
		}
		if c.Graphite.APIKey == "" {
			missing("graphite.api_key")
		}
	}
	if c.HasOutput(OutputInfluxDB) {
		if c.InfluxDB.URL == "" {
			missing("influxdb.url")
		}
		if c.InfluxDB.Token == "" {
			missing("influxdb.token")
		}
		if c.InfluxDB.Organization == "" {
			missing("influxdb.organization")
		}
		if c.InfluxDB.Bucket == "" {
			missing("influxdb.bucket")
		}
	}
	return errs
}
