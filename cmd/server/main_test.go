package main

import (
	"testing"
	"time"

	"castline/internal/lifecycle"
)

func TestResolveStoreDriverDefaultsToPostgresWithDSN(t *testing.T) {
	driver, err := resolveStoreDriver("", "", "postgres://localhost/castline")
	if err != nil {
		t.Fatalf("resolveStoreDriver: %v", err)
	}
	if driver != "postgres" {
		t.Fatalf("driver = %q, want postgres", driver)
	}
}

func TestResolveStoreDriverDefaultsToJSON(t *testing.T) {
	driver, err := resolveStoreDriver("", "", "")
	if err != nil {
		t.Fatalf("resolveStoreDriver: %v", err)
	}
	if driver != "json" {
		t.Fatalf("driver = %q, want json", driver)
	}
}

func TestResolveStoreDriverFlagWins(t *testing.T) {
	driver, err := resolveStoreDriver("JSON", "postgres", "postgres://localhost/castline")
	if err != nil {
		t.Fatalf("resolveStoreDriver: %v", err)
	}
	if driver != "json" {
		t.Fatalf("driver = %q, want json", driver)
	}
}

func TestResolvePostgresDSNPriority(t *testing.T) {
	t.Setenv("CASTLINE_POSTGRES_DSN", "postgres://env/castline")
	t.Setenv("DATABASE_URL", "postgres://database-url/castline")

	if dsn := resolvePostgresDSN("postgres://flag/castline"); dsn != "postgres://flag/castline" {
		t.Fatalf("dsn = %q, want flag value", dsn)
	}
	if dsn := resolvePostgresDSN(""); dsn != "postgres://env/castline" {
		t.Fatalf("dsn = %q, want env value", dsn)
	}
	t.Setenv("CASTLINE_POSTGRES_DSN", "")
	if dsn := resolvePostgresDSN(""); dsn != "postgres://database-url/castline" {
		t.Fatalf("dsn = %q, want DATABASE_URL fallback", dsn)
	}
}

func TestPostgresPoolOptions(t *testing.T) {
	if got := postgresPoolOptions(postgresPoolSettings{}); len(got) != 0 {
		t.Fatalf("expected no options for empty settings, got %d", len(got))
	}
	full := postgresPoolOptions(postgresPoolSettings{
		MaxConns:        25,
		MinConns:        5,
		AcquireTimeout:  5 * time.Second,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 10 * time.Minute,
		HealthInterval:  30 * time.Second,
		AppName:         "castline-test",
	})
	if len(full) != 4 {
		t.Fatalf("len = %d, want limits, acquire timeout, durations and app name", len(full))
	}
	durationsOnly := postgresPoolOptions(postgresPoolSettings{MaxConnIdleTime: 10 * time.Minute})
	if len(durationsOnly) != 1 {
		t.Fatalf("len = %d, want the single pool-durations option", len(durationsOnly))
	}
}

func TestConfigureSweepGuardDefaultsToMemory(t *testing.T) {
	guard, closer, err := configureSweepGuard(sweepGuardSettings{})
	if err != nil {
		t.Fatalf("configureSweepGuard: %v", err)
	}
	if closer != nil {
		t.Fatal("memory guard must not need a closer")
	}
	if _, ok := guard.(*lifecycle.MemoryGuard); !ok {
		t.Fatalf("guard = %T, want *lifecycle.MemoryGuard", guard)
	}
}

func TestConfigureSweepGuardRejectsUnknownDriver(t *testing.T) {
	if _, _, err := configureSweepGuard(sweepGuardSettings{Driver: "etcd"}); err == nil {
		t.Fatal("expected an error for unsupported driver")
	}
}

func TestConfigureSweepGuardRedisInfersDriverFromAddr(t *testing.T) {
	guard, closer, err := configureSweepGuard(sweepGuardSettings{Addr: "127.0.0.1:6379", LockTTL: time.Minute})
	if err != nil {
		t.Fatalf("configureSweepGuard: %v", err)
	}
	if closer == nil {
		t.Fatal("redis guard must expose a closer")
	}
	defer closer()
	if _, ok := guard.(*lifecycle.RedisGuard); !ok {
		t.Fatalf("guard = %T, want *lifecycle.RedisGuard", guard)
	}
}

func TestSplitAndTrim(t *testing.T) {
	if got := splitAndTrim(" a, ,b ,"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("splitAndTrim = %v", got)
	}
	if got := splitAndTrim("  "); got != nil {
		t.Fatalf("splitAndTrim = %v, want nil", got)
	}
}
