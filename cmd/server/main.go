// Command server starts the Castline stream lifecycle HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"castline/internal/api"
	"castline/internal/ingest"
	"castline/internal/lifecycle"
	"castline/internal/observability/logging"
	"castline/internal/observability/metrics"
	"castline/internal/server"
	"castline/internal/storage"
)

func main() {
	_ = godotenv.Load()

	addr := flag.String("addr", "", "HTTP listen address")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storeDriver := flag.String("store-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime of a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "how long a pooled Postgres connection may sit idle")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres pool health checks")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	hookToken := flag.String("ingest-hook-token", "", "shared secret required on ingest hook callbacks")
	recordingsDir := flag.String("recordings-dir", "", "directory where the media server writes recordings")
	sweepInterval := flag.Duration("sweep-interval", 0, "interval between lost-stream sweeps (0 disables the worker)")
	sweepGuard := flag.String("sweep-guard", "", "sweep guard driver (memory or redis)")
	sweepRedisAddr := flag.String("sweep-redis-addr", "", "Redis address for the distributed sweep guard")
	sweepRedisAddrs := flag.String("sweep-redis-addrs", "", "comma separated Redis addresses for the sweep guard")
	sweepRedisUsername := flag.String("sweep-redis-username", "", "Redis username for the sweep guard")
	sweepRedisPassword := flag.String("sweep-redis-password", "", "Redis password for the sweep guard")
	sweepRedisMasterName := flag.String("sweep-redis-master-name", "", "Redis sentinel master name for the sweep guard")
	sweepLockTTL := flag.Duration("sweep-lock-ttl", 0, "TTL for the distributed sweep lock")
	probeLimit := flag.Int("probe-limit", 0, "maximum concurrent liveness probes during a sweep")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("CASTLINE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("CASTLINE_LOG_FORMAT")),
	})

	dsn := resolvePostgresDSN(*postgresDSN)
	driver, err := resolveStoreDriver(*storeDriver, os.Getenv("CASTLINE_STORE_DRIVER"), dsn)
	if err != nil {
		logger.Error("invalid datastore configuration", "error", err)
		os.Exit(1)
	}

	var store storage.Repository
	switch driver {
	case "json":
		path := resolveDataPath(*dataPath, os.Getenv("CASTLINE_DATA_PATH"))
		jsonStore, err := storage.NewStorage(path)
		if err != nil {
			logger.Error("failed to open JSON datastore", "error", err, "path", path)
			os.Exit(1)
		}
		store = jsonStore
		logger.Info("using JSON datastore", "path", path)
	case "postgres":
		if dsn == "" {
			logger.Error("postgres datastore selected without DSN")
			os.Exit(1)
		}
		opts := postgresPoolOptions(postgresPoolSettings{
			MaxConns:        resolveInt(*postgresMaxConns, "CASTLINE_POSTGRES_MAX_CONNS"),
			MinConns:        resolveInt(*postgresMinConns, "CASTLINE_POSTGRES_MIN_CONNS"),
			AcquireTimeout:  resolveDuration(*postgresAcquireTimeout, "CASTLINE_POSTGRES_ACQUIRE_TIMEOUT", 0),
			MaxConnLifetime: resolveDuration(*postgresMaxConnLifetime, "CASTLINE_POSTGRES_MAX_CONN_LIFETIME", 0),
			MaxConnIdleTime: resolveDuration(*postgresMaxConnIdle, "CASTLINE_POSTGRES_MAX_CONN_IDLE", 0),
			HealthInterval:  resolveDuration(*postgresHealthInterval, "CASTLINE_POSTGRES_HEALTH_INTERVAL", 0),
			AppName:         firstNonEmpty(*postgresAppName, os.Getenv("CASTLINE_POSTGRES_APP_NAME")),
		})
		connectCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		pgStore, err := storage.NewPostgresRepository(connectCtx, dsn, opts...)
		cancel()
		if err != nil {
			logger.Error("failed to connect to Postgres", "error", err)
			os.Exit(1)
		}
		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = pgStore.EnsureSchema(migrateCtx)
		cancel()
		if err != nil {
			logger.Error("failed to apply Postgres schema", "error", err)
			os.Exit(1)
		}
		store = pgStore
		logger.Info("using Postgres datastore")
	default:
		logger.Error("unsupported datastore driver", "driver", driver)
		os.Exit(1)
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
	logger.Info("liveness probe configured", "mode", probeCfg.Mode)

	guard, guardCloser, err := configureSweepGuard(sweepGuardSettings{
		Driver:     firstNonEmpty(*sweepGuard, os.Getenv("CASTLINE_SWEEP_GUARD")),
		Addr:       firstNonEmpty(*sweepRedisAddr, os.Getenv("CASTLINE_SWEEP_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*sweepRedisAddrs, os.Getenv("CASTLINE_SWEEP_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*sweepRedisUsername, os.Getenv("CASTLINE_SWEEP_REDIS_USERNAME")),
		Password:   firstNonEmpty(*sweepRedisPassword, os.Getenv("CASTLINE_SWEEP_REDIS_PASSWORD")),
		MasterName: firstNonEmpty(*sweepRedisMasterName, os.Getenv("CASTLINE_SWEEP_REDIS_MASTER_NAME")),
		LockTTL:    resolveDuration(*sweepLockTTL, "CASTLINE_SWEEP_LOCK_TTL", 0),
	})
	if err != nil {
		logger.Error("failed to configure sweep guard", "error", err)
		os.Exit(1)
	}

	recorder := metrics.Default()

	reconciler, err := lifecycle.New(lifecycle.Config{
		Store:        store,
		Probe:        prober,
		Guard:        guard,
		Logger:       logging.WithComponent(logger, "lifecycle"),
		Metrics:      recorder,
		ProbeLimit:   resolveInt(*probeLimit, "CASTLINE_PROBE_LIMIT"),
		ProbeTimeout: probeCfg.Timeout,
	})
	if err != nil {
		logger.Error("failed to build reconciler", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(store, reconciler, logging.WithComponent(logger, "api"))
	handler.IngestHookToken = firstNonEmpty(*hookToken, os.Getenv("CASTLINE_INGEST_HOOK_TOKEN"))
	handler.RecordingsDir = firstNonEmpty(*recordingsDir, os.Getenv("CASTLINE_RECORDINGS_DIR"))
	if handler.IngestHookToken == "" {
		logger.Warn("ingest hook token is not set, hook callbacks will be rejected")
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	interval := resolveDuration(*sweepInterval, "CASTLINE_SWEEP_INTERVAL", time.Minute)
	sweepStop := startSweepWorker(workerCtx, logging.WithComponent(logger, "sweep-worker"), reconciler, interval)

	listenAddr := firstNonEmpty(*addr, os.Getenv("CASTLINE_ADDR"))
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("CASTLINE_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("CASTLINE_TLS_KEY")),
		},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("Castline API listening", "addr", listenAddr)
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	workerCancel()
	sweepStop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}

	if guardCloser != nil {
		if err := guardCloser(); err != nil {
			logger.Warn("failed to close sweep guard", "error", err)
		}
	}

	if closer, ok := store.(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(ctx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}

	logger.Info("server stopped")
}

type sweepGuardSettings struct {
	Driver     string
	Addr       string
	Addrs      []string
	Username   string
	Password   string
	MasterName string
	LockTTL    time.Duration
}

func configureSweepGuard(settings sweepGuardSettings) (lifecycle.Guard, func() error, error) {
	driver := strings.ToLower(strings.TrimSpace(settings.Driver))
	if driver == "" {
		if settings.Addr != "" || len(settings.Addrs) > 0 {
			driver = "redis"
		} else {
			driver = "memory"
		}
	}

	switch driver {
	case "memory":
		return lifecycle.NewMemoryGuard(), nil, nil
	case "redis":
		guard, err := lifecycle.NewRedisGuard(lifecycle.RedisGuardConfig{
			Addr:       settings.Addr,
			Addrs:      settings.Addrs,
			Username:   settings.Username,
			Password:   settings.Password,
			MasterName: settings.MasterName,
			TTL:        settings.LockTTL,
		})
		if err != nil {
			return nil, nil, err
		}
		return guard, guard.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported sweep guard driver %q", settings.Driver)
	}
}

type postgresPoolSettings struct {
	MaxConns        int
	MinConns        int
	AcquireTimeout  time.Duration
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	HealthInterval  time.Duration
	AppName         string
}

func postgresPoolOptions(settings postgresPoolSettings) []storage.Option {
	opts := []storage.Option{}
	if settings.MaxConns > 0 {
		opts = append(opts, storage.WithPostgresPoolLimits(int32(settings.MaxConns), int32(settings.MinConns)))
	}
	if settings.AcquireTimeout > 0 {
		opts = append(opts, storage.WithPostgresAcquireTimeout(settings.AcquireTimeout))
	}
	if settings.MaxConnLifetime > 0 || settings.MaxConnIdleTime > 0 || settings.HealthInterval > 0 {
		opts = append(opts, storage.WithPostgresPoolDurations(settings.MaxConnLifetime, settings.MaxConnIdleTime, settings.HealthInterval))
	}
	if settings.AppName != "" {
		opts = append(opts, storage.WithPostgresApplicationName(settings.AppName))
	}
	return opts
}

func resolveStoreDriver(flagValue, envValue, postgresDSN string) (string, error) {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver, nil
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver, nil
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres", nil
	}
	return "json", nil
}

func resolveDataPath(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/castline.json"
}

func resolvePostgresDSN(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv("CASTLINE_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}
