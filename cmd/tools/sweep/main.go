// Command sweep runs a single lost-stream reconciliation pass and exits.
// Operators use it to close orphaned sessions without waiting for the
// server's periodic worker.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"castline/internal/ingest"
	"castline/internal/lifecycle"
	"castline/internal/storage"
)

func main() {
	_ = godotenv.Load()

	jsonPath := flag.String("json", "", "path to the JSON datastore")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	probeLimit := flag.Int("probe-limit", 0, "maximum concurrent liveness probes")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall time budget for the sweep")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	dsn := strings.TrimSpace(*postgresDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("CASTLINE_POSTGRES_DSN"))
	}
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}

	var store storage.Repository
	switch {
	case dsn != "":
		repo, err := storage.NewPostgresRepository(ctx, dsn)
		if err != nil {
			logger.Error("failed to open postgres repository", "error", err)
			os.Exit(1)
		}
		defer repo.Close(context.Background())
		store = repo
	default:
		path := strings.TrimSpace(*jsonPath)
		if path == "" {
			path = strings.TrimSpace(os.Getenv("CASTLINE_DATA_PATH"))
		}
		if path == "" {
			logger.Error("no datastore configured", "hint", "set --json, --postgres-dsn, CASTLINE_DATA_PATH, or CASTLINE_POSTGRES_DSN")
			os.Exit(1)
		}
		jsonStore, err := storage.NewStorage(path)
		if err != nil {
			logger.Error("failed to open JSON datastore", "error", err, "path", path)
			os.Exit(1)
		}
		store = jsonStore
	}

	probeCfg, err := ingest.LoadConfigFromEnv()
	if err != nil {
		logger.Error("invalid probe configuration", "error", err)
		os.Exit(1)
	}
	prober, err := probeCfg.NewProber()
	if err != nil {
		logger.Error("failed to build liveness probe", "error", err)
		os.Exit(1)
	}

	reconciler, err := lifecycle.New(lifecycle.Config{
		Store:        store,
		Probe:        prober,
		Logger:       logger,
		ProbeLimit:   *probeLimit,
		ProbeTimeout: probeCfg.Timeout,
	})
	if err != nil {
		logger.Error("failed to build reconciler", "error", err)
		os.Exit(1)
	}

	report, err := reconciler.CloseLostStreams(ctx)
	if err != nil {
		logger.Error("sweep failed", "error", err)
		os.Exit(1)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(report); err != nil {
		logger.Error("failed to render report", "error", err)
		os.Exit(1)
	}

	if len(report.Failures) > 0 {
		os.Exit(2)
	}
}
