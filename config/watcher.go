// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/soothill/sunstrong-data-logger/pkg/logger"
)

// Watcher reloads the configuration on SIGHUP. A reload that fails to load
// or validate is logged and the running configuration is kept.
type Watcher struct {
	path       string
	flags      *Flags
	configChan chan<- *Config
	reloadChan chan os.Signal
	cancelFunc context.CancelFunc
}

// NewWatcher creates a new configuration watcher. flags are re-applied on
// every reload so command-line values keep their precedence.
func NewWatcher(path string, flags *Flags, configChan chan<- *Config) *Watcher {
	return &Watcher{
		path:       path,
		flags:      flags,
		configChan: configChan,
		reloadChan: make(chan os.Signal, 1),
	}
}

// Start begins watching for SIGHUP signals to trigger a configuration reload.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancelFunc = context.WithCancel(ctx)
	signal.Notify(w.reloadChan, syscall.SIGHUP)

	go w.watch(ctx)
}

// Stop stops the configuration watcher.
func (w *Watcher) Stop() {
	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	signal.Stop(w.reloadChan)
}

// Reload triggers a reload as if SIGHUP had been received.
func (w *Watcher) Reload() {
	select {
	case w.reloadChan <- syscall.SIGHUP:
	default:
	}
}

func (w *Watcher) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.reloadChan:
			logger.Info().Str("path", w.path).Msg("Reloading configuration")
			cfg, err := Load(w.path, w.flags)
			if err != nil {
				logger.Error().Err(err).Msg("Failed to reload configuration, keeping current settings")
				continue
			}
			select {
			case w.configChan <- cfg:
				logger.Info().Msg("Configuration reloaded")
			case <-ctx.Done():
				return
			}
		}
	}
}
