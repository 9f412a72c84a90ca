// aquacore - pond controller command service
//
// aquacore owns the command lifecycle for the farm's pond controllers:
// it admits and sequences executions, publishes device commands onto the
// message bus, tracks acknowledgements and completions, evaluates sensor
// readings against thresholds and serves the REST/WebSocket API.
//
// The MQTT broker connection lives in the separate aquabridge process; the
// two share the SQLite database file and talk over Redis pub/sub.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	_ "github.com/futurefish/aquacore/migrations"

	"github.com/futurefish/aquacore/internal/api"
	"github.com/futurefish/aquacore/internal/audit"
	"github.com/futurefish/aquacore/internal/automation"
	"github.com/futurefish/aquacore/internal/bridge"
	"github.com/futurefish/aquacore/internal/command"
	"github.com/futurefish/aquacore/internal/device"
	"github.com/futurefish/aquacore/internal/infrastructure/config"
	"github.com/futurefish/aquacore/internal/infrastructure/database"
	"github.com/futurefish/aquacore/internal/infrastructure/influxdb"
	"github.com/futurefish/aquacore/internal/infrastructure/logging"
	"github.com/futurefish/aquacore/internal/infrastructure/metrics"
	"github.com/futurefish/aquacore/internal/listener"
	"github.com/futurefish/aquacore/internal/maintenance"
	"github.com/futurefish/aquacore/internal/notify"
	"github.com/futurefish/aquacore/internal/threshold"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	serviceName       = "aquacore"
	defaultConfigPath = "configs/config.yaml"

	// offlineSweepInterval is how often device presence is re-checked.
	offlineSweepInterval = 10 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component and blocks until ctx is cancelled.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	log := logging.Default(serviceName)
	log.Info("starting aquacore",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, serviceName, version)

	location, err := time.LoadLocation(cfg.Site.Timezone)
	if err != nil {
		return fmt.Errorf("loading site timezone %q: %w", cfg.Site.Timezone, err)
	}

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	metrics.Init(db.DB, log)

	rdb := openRedis(cfg)
	if rdb != nil {
		defer func() {
			if closeErr := rdb.Close(); closeErr != nil {
				log.Error("error closing redis", "error", closeErr)
			}
		}()
		if pingErr := rdb.Ping(ctx).Err(); pingErr != nil {
			return fmt.Errorf("connecting to redis: %w", pingErr)
		}
		log.Info("redis connected", "addr", cfg.Redis.Addr)
	}

	bus := openBus(cfg, rdb, log)
	defer func() {
		if closeErr := bus.Close(); closeErr != nil {
			log.Error("error closing message bus", "error", closeErr)
		}
	}()
	log.Info("message bus ready", "backend", cfg.Bridge.Backend)

	status := openStatusStore(cfg, rdb)

	registry := device.NewRegistry(device.NewSQLiteRepository(db))
	registry.SetLogger(log.Component("registry"))
	if refreshErr := registry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading device registry: %w", refreshErr)
	}
	stats := registry.GetStats()
	log.Info("device registry initialised", "devices", stats.TotalDevices, "ponds", stats.TotalPonds)

	influxClient, err := influxdb.Connect(cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	// Status changes go to the web tier over the bus and to WebSocket
	// clients connected to this process.
	hub := api.NewHub(cfg.WebSocket, log.Component("websocket"))
	notifier := notify.NewMulti(notify.NewBus(bus, log.Component("notify")), hub)

	trackerOpts := []command.Option{
		command.WithLogger(log.Component("commands")),
		command.WithNotifier(notifier),
	}
	if influxClient != nil {
		trackerOpts = append(trackerOpts, command.WithOutcomeSink(influxClient))
	}
	commandRepo := command.NewSQLiteRepository(db)
	tracker := command.NewTracker(commandRepo, bus, command.Config{
		TimeoutSeconds: cfg.Commands.TimeoutSeconds,
		MaxRetries:     cfg.Commands.MaxRetries,
		QoS:            byte(cfg.Commands.QoS), // #nosec G115 -- validated 0..2
	}, trackerOpts...)

	coordinator := automation.NewCoordinator(automation.NewStore(db), tracker, registry, automation.Config{
		ConflictBackoff:    cfg.ConflictBackoff(),
		MaxDeferrals:       cfg.Automation.MaxDeferrals,
		FlushRecoveryLevel: cfg.Automation.FlushRecoveryLevel,
		Location:           location,
	},
		automation.WithLogger(log.Component("automation")),
		automation.WithNotifier(notifier),
	)

	evaluator := threshold.NewEvaluator(db, coordinator, registry,
		threshold.WithLogger(log.Component("thresholds")),
		threshold.WithNotifier(notifier),
		threshold.WithDefaultViolationTimeout(cfg.Thresholds.DefaultViolationTimeout),
		threshold.WithDefaultMaxViolations(cfg.Thresholds.DefaultMaxViolations),
	)
	coordinator.Observe(evaluator)

	listenerOpts := []listener.Option{listener.WithLogger(log.Component("listener"))}
	if influxClient != nil {
		listenerOpts = append(listenerOpts, listener.WithSensorSink(influxClient))
	}
	inbound := listener.New(bus, tracker, registry, status, evaluator, listenerOpts...)

	messageLog := bridge.NewSQLiteMessageLog(db)
	auditLog := audit.NewSQLiteRepository(db)
	janitor := maintenance.New(commandRepo, status, maintenance.Config{
		CommandRetention: days(cfg.Retention.CommandDays),
		MessageRetention: days(cfg.Retention.MessageDays),
		AuditRetention:   days(cfg.Retention.AuditDays),
		HeartbeatTimeout: cfg.HeartbeatTimeout(),
	},
		maintenance.WithLogger(log.Component("janitor")),
		maintenance.WithNotifier(notifier),
		maintenance.WithMessageLog(messageLog),
		maintenance.WithAuditLog(auditLog),
	)

	checks := map[string]api.HealthChecker{"bus": busHealth{bus}}
	if influxClient != nil {
		checks["influxdb"] = influxClient
	}
	server, err := api.New(api.Deps{
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		Security:    cfg.Security,
		Logger:      log.Component("api"),
		Registry:    registry,
		Status:      status,
		Coordinator: coordinator,
		Commands:    tracker,
		Thresholds:  evaluator,
		DB:          db,
		MessageLog:  messageLog,
		Audit:       auditLog,
		Bus:         bus,
		Listener:    inbound,
		Checks:      checks,
		Hub:         hub,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	if err := healthCheck(ctx, db, bus, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	// Background loops stop before the deferred closes above run.
	loopCtx, stopLoops := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		stopLoops()
		wg.Wait()
		log.Info("background workers stopped")
	}()

	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if runErr := fn(loopCtx); runErr != nil {
				log.Error("worker stopped with error", "worker", name, "error", runErr)
			}
		}()
	}
	spawn("coordinator", func(ctx context.Context) error {
		return coordinator.Run(ctx, tracker.Events())
	})
	spawn("scheduler", func(ctx context.Context) error {
		return coordinator.RunScheduler(ctx, seconds(cfg.Automation.SchedulerInterval))
	})
	spawn("watchdog", command.NewWatchdog(tracker, seconds(cfg.Commands.WatchdogInterval)).Run)
	spawn("listener", inbound.Run)
	spawn("janitor", func(ctx context.Context) error {
		janitor.Run(ctx, offlineSweepInterval, minutes(cfg.Retention.SweepMinutes))
		return nil
	})

	if err := server.Start(loopCtx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()
	log.Info("API server started", "host", cfg.API.Host, "port", cfg.API.Port)

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: API server, background workers,
	// InfluxDB, message bus, Redis, database.
	return nil
}

// getConfigPath returns the configuration file path.
// Uses AQUACORE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("AQUACORE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// openRedis returns a client when any backend needs Redis, or nil.
func openRedis(cfg *config.Config) *redis.Client {
	if cfg.Bridge.Backend != "redis" && cfg.Devices.StatusBackend != "redis" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

// openBus selects the message bus backend. rdb is non-nil whenever the
// redis backend is configured.
func openBus(cfg *config.Config, rdb *redis.Client, log *logging.Logger) bridge.Bus {
	if cfg.Bridge.Backend == "memory" {
		bus := bridge.NewMemoryBus()
		bus.SetLogger(log.Component("bus"))
		return bus
	}
	bus := bridge.NewRedisBus(rdb, channels(cfg.Bridge))
	bus.SetLogger(log.Component("bus"))
	return bus
}

func openStatusStore(cfg *config.Config, rdb *redis.Client) device.StatusStore {
	if cfg.Devices.StatusBackend == "redis" {
		return device.NewRedisStatusStore(rdb, 0)
	}
	return device.NewMemoryStatusStore()
}

func channels(cfg config.BridgeConfig) bridge.Channels {
	ch := bridge.DefaultChannels()
	if cfg.OutgoingChannel != "" {
		ch.Outgoing = cfg.OutgoingChannel
	}
	if cfg.IncomingChannel != "" {
		ch.Incoming = cfg.IncomingChannel
	}
	if cfg.StatusChannel != "" {
		ch.Status = cfg.StatusChannel
	}
	return ch
}

// busHealth adapts the bus status report to a health check.
type busHealth struct {
	bus bridge.Bus
}

func (b busHealth) HealthCheck(ctx context.Context) error {
	health, err := b.bus.Status(ctx)
	if err != nil {
		return err
	}
	if !health.Connected {
		return fmt.Errorf("%s bus disconnected", health.Backend)
	}
	return nil
}

// healthCheck verifies all infrastructure connections are healthy.
// influxClient may be nil when InfluxDB is disabled.
func healthCheck(ctx context.Context, db *database.DB, bus bridge.Bus, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := (busHealth{bus}).HealthCheck(ctx); err != nil {
		return fmt.Errorf("bus: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }
