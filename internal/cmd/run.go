package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/catflap-labs/onlycat-bridge/internal/api"
	"github.com/catflap-labs/onlycat-bridge/internal/config"
	"github.com/catflap-labs/onlycat-bridge/internal/entry"
	"github.com/catflap-labs/onlycat-bridge/internal/flow"
	"github.com/catflap-labs/onlycat-bridge/internal/setup"
	"github.com/catflap-labs/onlycat-bridge/internal/watcher"
	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// StartService runs the management API and the file watcher until ctx ends.
func StartService(ctx context.Context, cfg *config.Config, configPath string, manager *flow.Manager, registry *entry.Registry, entryDir string) error {
	server := api.NewServer(cfg, manager, registry)

	w, err := watcher.NewWatcher(configPath, entryDir, registry, func(newCfg *config.Config) {
		setup.Register(manager, newCfg)
		server.UpdateConfig(newCfg)
	})
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	w.SetConfig(cfg)
	if errStart := w.Start(ctx); errStart != nil {
		log.WithError(errStart).Warn("file watcher disabled")
	}
	defer func() {
		if errStop := w.Stop(); errStop != nil {
			log.WithError(errStop).Debug("failed to stop watcher")
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case errServe := <-errCh:
		return errServe
	case <-ctx.Done():
	}

	log.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if errStop := server.Stop(shutdownCtx); errStop != nil && !errors.Is(errStop, context.DeadlineExceeded) {
		return fmt.Errorf("stop management API: %w", errStop)
	}
	if errServe := <-errCh; errServe != nil {
		return errServe
	}
	log.Info("service stopped cleanly")
	return nil
}
