// testserver starts a Quarry API server backed by a stub row source for E2E
// testing. Every query returns the same fixed rows after a per-row delay.
// Usage: go run ./cmd/testserver
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

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if os.Getenv("QUARRY_DB_PATH") == "" {
		cfg.DBPath = ":memory:"
	}

	delay := 200 * time.Millisecond
	if v := os.Getenv("QUARRY_STUB_ROW_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("QUARRY_STUB_ROW_DELAY: %v", err)
		}
		delay = d
	}

	src := &source.Stub{
		Cols: []string{"id", "name", "score"},
		Rows: [][]any{
			{int64(1), "ada", 9.5},
			{int64(2), "grace", 8.25},
			{int64(3), "edsger", nil},
		},
		Delay: delay,
	}

	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	a, err := app.New(context.Background(), cfg, src, logger)
	if err != nil {
		log.Fatalf("failed to build server: %v", err)
	}
	a.Start()

	logger.Info("testserver: starting", "addr", cfg.ListenAddr, "row_delay", delay)
	runErr := a.Server.Run()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.Shutdown(ctx)

	if runErr != nil {
		log.Fatalf("server error: %v", runErr)
	}
}
