package main

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/futurefish/aquacore/internal/bridge"
	"github.com/futurefish/aquacore/internal/infrastructure/config"
	"github.com/futurefish/aquacore/internal/infrastructure/database/dbtest"
)

const testJWTSecret = "test-secret-for-development-only-32+"

func writeTestConfig(t *testing.T, body string) {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "test-config.yaml")
	if err := os.WriteFile(configPath, []byte(body), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("AQUACORE_CONFIG", configPath)
}

func baseConfig(dbPath string, port int) string {
	return `
site:
  id: test-site
  timezone: UTC
database:
  path: "` + dbPath + `"
  wal_mode: true
  busy_timeout: 5
influxdb:
  enabled: false
logging:
  level: error
  format: text
  output: stdout
api:
  host: "127.0.0.1"
  port: ` + strconv.Itoa(port) + `
security:
  jwt:
    secret: "` + testJWTSecret + `"
`
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("AQUACORE_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_MissingDatabasePath verifies run fails validation before opening anything.
func TestRun_MissingDatabasePath(t *testing.T) {
	writeTestConfig(t, baseConfig("", 19281))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with empty database path")
	}
	if !strings.Contains(err.Error(), "database.path") {
		t.Errorf("error = %v, want database.path validation error", err)
	}
}

func TestRun_BadTimezone(t *testing.T) {
	cfg := strings.Replace(baseConfig(filepath.Join(t.TempDir(), "test.db"), 19282), "timezone: UTC", "timezone: Mars/Olympus", 1)
	writeTestConfig(t, cfg+`
bridge:
  backend: memory
devices:
  status_backend: memory
`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with unknown timezone")
	}
}

func TestGetConfigPath_Default(t *testing.T) {
	t.Setenv("AQUACORE_CONFIG", "")

	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

func TestGetConfigPath_EnvOverride(t *testing.T) {
	expected := "/custom/path/config.yaml"
	t.Setenv("AQUACORE_CONFIG", expected)

	if path := getConfigPath(); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

func TestHealthCheck_NilInfluxClient(t *testing.T) {
	db := dbtest.Open(t)
	bus := bridge.NewMemoryBus()

	if err := healthCheck(context.Background(), db, bus, nil); err != nil {
		t.Fatalf("healthCheck() error = %v", err)
	}

	if err := bus.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := healthCheck(context.Background(), db, bus, nil); err == nil {
		t.Error("healthCheck() should fail once the bus is closed")
	}
}

func TestChannels_Overrides(t *testing.T) {
	got := channels(config.BridgeConfig{IncomingChannel: "inbound_test"})
	want := bridge.DefaultChannels()
	want.Incoming = "inbound_test"
	if got != want {
		t.Errorf("channels() = %+v, want %+v", got, want)
	}
}

func TestOpenRedis_OnlyWhenNeeded(t *testing.T) {
	cfg := &config.Config{
		Bridge:  config.BridgeConfig{Backend: "memory"},
		Devices: config.DevicesConfig{StatusBackend: "memory"},
	}
	if rdb := openRedis(cfg); rdb != nil {
		t.Error("openRedis() should return nil for memory backends")
	}

	cfg.Devices.StatusBackend = "redis"
	cfg.Redis.Addr = "localhost:6379"
	rdb := openRedis(cfg)
	if rdb == nil {
		t.Fatal("openRedis() = nil for redis status backend")
	}
	_ = rdb.Close()
}

// TestRun_MemoryBackends starts the full service in-process and shuts it down.
func TestRun_MemoryBackends(t *testing.T) {
	writeTestConfig(t, baseConfig(filepath.Join(t.TempDir(), "test.db"), 19283)+`
bridge:
  backend: memory
devices:
  status_backend: memory
`)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := run(ctx); err != nil {
		t.Fatalf("run() error = %v", err)
	}
}

// TestRun_RedisBackends runs against an in-process Redis.
func TestRun_RedisBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	writeTestConfig(t, baseConfig(filepath.Join(t.TempDir(), "test.db"), 19284)+`
redis:
  addr: "`+mr.Addr()+`"
bridge:
  backend: redis
devices:
  status_backend: redis
`)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := run(ctx); err != nil {
		t.Fatalf("run() error = %v", err)
	}
}

func TestRun_RedisUnreachable(t *testing.T) {
	writeTestConfig(t, baseConfig(filepath.Join(t.TempDir(), "test.db"), 19285)+`
redis:
  addr: "127.0.0.1:1"
bridge:
  backend: redis
`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail when redis is unreachable")
	}
}
