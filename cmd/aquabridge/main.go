// aquabridge - MQTT relay for pond controllers
//
// aquabridge holds the MQTT broker connection. It subscribes every inbound
// device topic, forwards those messages to aquacore over Redis pub/sub and
// publishes aquacore's outbound commands to the device topics. Every relayed
// message is written to the shared message log.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	_ "github.com/futurefish/aquacore/migrations"

	"github.com/futurefish/aquacore/internal/bridge"
	"github.com/futurefish/aquacore/internal/infrastructure/config"
	"github.com/futurefish/aquacore/internal/infrastructure/database"
	"github.com/futurefish/aquacore/internal/infrastructure/logging"
	"github.com/futurefish/aquacore/internal/infrastructure/metrics"
	"github.com/futurefish/aquacore/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	serviceName       = "aquabridge"
	defaultConfigPath = "configs/config.yaml"

	metricsShutdownTimeout = 5 * time.Second
)

// errMemoryBackend is returned when the bridge is configured with an
// in-process bus, which aquacore in another process could never see.
var errMemoryBackend = errors.New(`aquabridge requires bridge.backend "redis"`)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := logging.Default(serviceName)
	log.Info("starting aquabridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Bridge.Backend != "redis" {
		return errMemoryBackend
	}
	log = logging.New(cfg.Logging, serviceName, version)
	log.Info("configuration loaded", "path", configPath)

	var relayOpts []bridge.RelayOption
	if cfg.Bridge.LogMessages {
		db, openErr := database.Open(database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
		if openErr != nil {
			return fmt.Errorf("opening database: %w", openErr)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		// Either process may start first against a fresh file.
		if migrateErr := db.Migrate(ctx); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		relayOpts = append(relayOpts, bridge.WithMessageLog(bridge.NewSQLiteMessageLog(db)))
		log.Info("message log enabled", "path", cfg.Database.Path)
	}

	metrics.Init(nil, log)
	if cfg.Bridge.MetricsAddr != "" {
		stopMetrics := serveMetrics(cfg.Bridge.MetricsAddr, log)
		defer stopMetrics()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		if closeErr := rdb.Close(); closeErr != nil {
			log.Error("error closing redis", "error", closeErr)
		}
	}()
	if pingErr := rdb.Ping(ctx).Err(); pingErr != nil {
		return fmt.Errorf("connecting to redis: %w", pingErr)
	}
	log.Info("redis connected", "addr", cfg.Redis.Addr)

	bus := bridge.NewRedisBus(rdb, channels(cfg.Bridge))
	bus.SetLogger(log.Component("bus"))
	defer func() {
		if closeErr := bus.Close(); closeErr != nil {
			log.Error("error closing message bus", "error", closeErr)
		}
	}()

	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	relayOpts = append(relayOpts,
		bridge.WithRelayLogger(log.Component("relay")),
		bridge.WithSubscribeQoS(byte(cfg.MQTT.QoS)), // #nosec G115 -- validated 0..2
	)
	relay := bridge.NewRelay(mqttClient, bus, relayOpts...)

	log.Info("initialisation complete, relaying until shutdown")
	if err := relay.Run(ctx); err != nil {
		return fmt.Errorf("relay stopped: %w", err)
	}
	log.Info("shutdown signal received, cleaning up")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses AQUACORE_CONFIG so both binaries read the same file.
func getConfigPath() string {
	if path := os.Getenv("AQUACORE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
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

// serveMetrics exposes the Prometheus registry on addr and returns a stop
// function.
func serveMetrics(addr string, log *logging.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", "error", err)
		}
	}()
	log.Info("metrics server started", "address", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("metrics server shutdown error", "error", err)
		}
	}
}
