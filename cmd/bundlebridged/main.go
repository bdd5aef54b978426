package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"bundlebridge/internal/config"
	"bundlebridge/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "Configuration file path")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("ensure directories: %v", err)
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	d, err := buildDaemon(cfg, logger)
	if err != nil {
		logging.ErrorWithContext(logger, "create daemon", "daemon_bootstrap", logging.Error(err))
		log.Fatalf("create daemon: %v", err)
	}
	defer d.Close()

	if err := d.Start(ctx); err != nil {
		logging.ErrorWithContext(logger, "daemon start", "daemon_start",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "stop the other bundlebridged instance or check the API bind address"),
		)
		d.Close()
		log.Fatalf("start daemon: %v", err)
	}

	<-ctx.Done()
	logger.Info("bundlebridged shutting down")
	d.Stop()
}
