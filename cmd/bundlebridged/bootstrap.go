package main

import (
	"fmt"
	"log/slog"

	"bundlebridge/internal/config"
	"bundlebridge/internal/daemon"
	"bundlebridge/internal/ingest"
	"bundlebridge/internal/jobs"
	"bundlebridge/internal/notifications"
	"bundlebridge/internal/platform"
	"bundlebridge/internal/workflow"
)

// buildDaemon opens the job store and wires the ingest pipeline, the
// scheduler and the import API around it.
func buildDaemon(cfg *config.Config, logger *slog.Logger) (*daemon.Daemon, error) {
	store, err := jobs.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}

	notifier := notifications.NewService(cfg)
	native := platform.New(cfg, store, logger)
	pipeline := ingest.NewPipeline(cfg, store,
		ingest.NewDownloader(cfg, logger),
		ingest.NewImporter(cfg, native, logger),
		native,
		logger,
		ingest.WithNotifier(notifier),
	)
	manager := workflow.NewManager(cfg, store, pipeline, logger)

	d, err := daemon.New(cfg, pipeline, native, manager, notifier, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return d, nil
}
