// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Command sunstrong-data-logger polls the SunStrong mobile API for live
// site power and writes each reading to the configured outputs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/soothill/sunstrong-data-logger/app"
	"github.com/soothill/sunstrong-data-logger/config"
	apperrors "github.com/soothill/sunstrong-data-logger/pkg/errors"
	"github.com/soothill/sunstrong-data-logger/pkg/logger"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is main without the exit, returning the process exit code: 0 on a
// clean stop, 1 when startup fails.
func run(args []string) int {
	fs := flag.NewFlagSet("sunstrong-data-logger", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultPath, "Path to configuration file")
	validateConfig := fs.Bool("validate-config", false, "Validate configuration and exit")
	flags := config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	// A missing .env is normal; real environment variables take precedence.
	_ = godotenv.Load()

	if *validateConfig {
		return performConfigValidation(*configPath, flags)
	}

	cfg, err := config.Load(*configPath, flags)
	if err != nil {
		logger.Initialize("error")
		logger.Error().Err(err).Str("error_kind", apperrors.Kind(err)).Msg("Failed to load configuration")
		return 1
	}

	logger.InitializeWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info().Msg("Starting SunStrong Data Logger")
	logger.Info().
		Str("site_key", cfg.SunStrong.SiteKey).
		Strs("outputs", cfg.EnabledOutputs()).
		Dur("poll_interval", cfg.Poll.Interval).
		Bool("once", cfg.Poll.Once).
		Msg("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, app.Options{ConfigPath: *configPath, Flags: flags})
	if err != nil {
		logger.Error().Err(err).Str("error_kind", apperrors.Kind(err)).Msg("Failed to create application")
		return 1
	}

	setupDebugSignalHandlers(application)

	if err := application.Run(ctx); err != nil {
		logger.Warn().Err(err).Msg("Stopped with errors")
	}
	return 0
}

// performConfigValidation checks the config file against the schema, then
// runs the full load, and returns the exit code.
func performConfigValidation(configPath string, flags *config.Flags) int {
	logger.Initialize("info")
	logger.Info().Str("path", configPath).Msg("Validating configuration")

	if _, statErr := os.Stat(configPath); statErr == nil || configPath != config.DefaultPath {
		if err := config.ValidateWithSchema(configPath); err != nil {
			logger.Error().Err(err).Msg("Configuration schema validation failed")
			fmt.Fprintf(os.Stderr, "\n❌ Configuration validation FAILED\n")
			return 1
		}
	}

	cfg, err := config.Load(configPath, flags)
	if err != nil {
		logger.Error().Err(err).Msg("Configuration validation failed")
		fmt.Fprintf(os.Stderr, "\n❌ Configuration validation FAILED\n")
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		return 1
	}

	fmt.Println("\n✅ Configuration validation PASSED")
	fmt.Println("\nConfiguration summary:")
	fmt.Printf("  Site Key: %s\n", cfg.SunStrong.SiteKey)
	fmt.Printf("  Token Refresh: %s\n", enabled(cfg.CanRefresh()))
	fmt.Printf("  Outputs: %s\n", strings.Join(cfg.EnabledOutputs(), ", "))
	fmt.Printf("  Poll Interval: %s\n", cfg.Poll.Interval)
	fmt.Printf("  Run Once: %t\n", cfg.Poll.Once)
	if cfg.HasOutput(config.OutputGCS) {
		fmt.Printf("  GCS Bucket: %s (prefix %q, timezone %s)\n", cfg.GCS.Bucket, cfg.GCS.Prefix, cfg.GCS.Timezone)
	}
	if cfg.HasOutput(config.OutputGraphite) {
		fmt.Printf("  Graphite Prefix: %s\n", cfg.Graphite.Prefix)
	}
	if cfg.HasOutput(config.OutputInfluxDB) {
		fmt.Printf("  InfluxDB: %s (org %s, bucket %s)\n", cfg.InfluxDB.URL, cfg.InfluxDB.Organization, cfg.InfluxDB.Bucket)
	}
	fmt.Printf("  Log Level: %s\n", cfg.Logging.Level)
	fmt.Printf("  Metrics Address: %s\n", cfg.Metrics.Addr)
	fmt.Printf("  Slack Notifications: %s\n", enabled(cfg.Notifications.SlackWebhookURL != ""))

	fmt.Println("\nAll validation checks passed. Configuration is ready for use.")
	return 0
}

func enabled(b bool) string {
	if b {
		return "Enabled"
	}
	return "Disabled"
}
