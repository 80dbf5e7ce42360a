// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	"errors"
	"flag"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/soothill/sunstrong-data-logger/pkg/errors"
)

// Flags holds the command-line overrides. Only flags that were actually
// set on the command line are applied, so an unset flag never hides a
// value from the file or the environment.
type Flags struct {
	fs       *flag.FlagSet
	appliers map[string]func(*Config) error
}

// RegisterFlags defines the config flags on fs. Call fs.Parse before Load.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{fs: fs, appliers: make(map[string]func(*Config) error)}

	f.str("site-key", "SunStrong site key", func(c *Config, v string) { c.SunStrong.SiteKey = v })
	f.str("token", "SunStrong bearer token", func(c *Config, v string) { c.SunStrong.Token = v })
	f.str("username", "SunStrong username for token refresh", func(c *Config, v string) { c.SunStrong.Username = v })
	f.str("password", "SunStrong password for token refresh", func(c *Config, v string) { c.SunStrong.Password = v })
	f.str("auth-url", "SunStrong auth endpoint", func(c *Config, v string) { c.SunStrong.AuthURL = v })
	f.str("graphql-url", "SunStrong GraphQL endpoint", func(c *Config, v string) { c.SunStrong.GraphQLURL = v })
	f.str("user-agent", "User agent sent to the SunStrong API", func(c *Config, v string) { c.SunStrong.UserAgent = v })

	f.str("output", "Comma-separated outputs: gcs, postgres, graphite, influxdb, none",
		func(c *Config, v string) { c.Outputs = ParseOutputs(v) })

	pollSeconds := fs.Int("poll-seconds", 0, "Seconds to sleep between polls")
	f.appliers["poll-seconds"] = func(c *Config) error {
		if *pollSeconds < 0 {
			return apperrors.NewConfigError("poll-seconds", strconv.Itoa(*pollSeconds), errors.New("must not be negative"))
		}
		c.Poll.Interval = time.Duration(*pollSeconds) * time.Second
		return nil
	}
	f.boolean("once", "Fetch once and exit", func(c *Config, v bool) { c.Poll.Once = v })

	f.str("gcs-bucket", "GCS bucket for daily CSV files", func(c *Config, v string) { c.GCS.Bucket = v })
	f.str("gcs-prefix", "Object prefix inside the GCS bucket", func(c *Config, v string) { c.GCS.Prefix = v })
	f.str("gcp-sa-json", "Service account JSON for GCS", func(c *Config, v string) { c.GCS.CredentialsJSON = v })
	f.str("gcp-credentials", "Path to a GCP credentials file", func(c *Config, v string) { c.GCS.CredentialsFile = v })

	f.str("database-url", "Database DSN (pg-dsn takes precedence)", func(c *Config, v string) { c.Database.DSN = v })
	f.str("pg-dsn", "Database DSN", func(c *Config, v string) { c.Database.DSN = v })

	f.str("grafana-url", "Grafana Graphite push URL", func(c *Config, v string) { c.Graphite.URL = v })
	f.str("grafana-user", "Grafana Graphite user", func(c *Config, v string) { c.Graphite.User = v })
	f.str("grafana-api-key", "Grafana API key", func(c *Config, v string) { c.Graphite.APIKey = v })
	f.str("grafana-prefix", "Graphite metric prefix", func(c *Config, v string) { c.Graphite.Prefix = v })
	f.boolean("grafana-use-poll-time", "Stamp Graphite points with the poll time instead of the server time",
		func(c *Config, v bool) { c.Graphite.UsePollTime = v })

	f.str("log-level", "Log level: debug, info, warn, error", func(c *Config, v string) { c.Logging.Level = strings.ToLower(v) })
	f.str("metrics-addr", "Listen address for /metrics and health endpoints, empty to disable",
		func(c *Config, v string) { c.Metrics.Addr = v })

	return f
}

func (f *Flags) str(name, usage string, set func(*Config, string)) {
	p := f.fs.String(name, "", usage)
	f.appliers[name] = func(c *Config) error {
		set(c, *p)
		return nil
	}
}

func (f *Flags) boolean(name, usage string, set func(*Config, bool)) {
	p := f.fs.Bool(name, false, usage)
	f.appliers[name] = func(c *Config) error {
		set(c, *p)
		return nil
	}
}

// Apply copies every flag set on the command line into cfg. Flags are
// visited in lexical order, which is why -pg-dsn wins over -database-url.
func (f *Flags) Apply(cfg *Config) error {
	var err error
	f.fs.Visit(func(fl *flag.Flag) {
		if err != nil {
			return
		}
		if apply, ok := f.appliers[fl.Name]; ok {
			err = apply(cfg)
		}
	})
	return err
}
