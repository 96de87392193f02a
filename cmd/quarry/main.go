package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/seantiz/quarry/internal/app"
	"github.com/seantiz/quarry/internal/config"
	"github.com/seantiz/quarry/internal/source"
)

const drainTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("quarry: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"storage_provider", cfg.Storage.Provider,
		"cleanup_enabled", cfg.Cleanup.Enabled,
	)

	src, err := source.OpenSQL(cfg.Source.Driver, cfg.Source.DSN)
	if err != nil {
		log.Fatalf("failed to open source database: %v", err)
	}
	defer src.Close()

	a, err := app.New(context.Background(), cfg, src, logger)
	if err != nil {
		log.Fatalf("failed to build server: %v", err)
	}
	a.Start()

	runErr := a.Server.Run()

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		logger.Error("shutdown", "error", err)
	}

	if runErr != nil {
		log.Fatalf("server error: %v", runErr)
	}
}
