package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is shared by aquacore and aquabridge; each reads the sections it
// needs.
type Config struct {
	Site       SiteConfig       `yaml:"site"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Redis      RedisConfig      `yaml:"redis"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
	Security   SecurityConfig   `yaml:"security"`
	Commands   CommandsConfig   `yaml:"commands"`
	Automation AutomationConfig `yaml:"automation"`
	Thresholds ThresholdsConfig `yaml:"thresholds"`
	Devices    DevicesConfig    `yaml:"devices"`
	Retention  RetentionConfig  `yaml:"retention"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// RedisConfig contains the shared cache / message bus connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// KeyPrefix namespaces every key written by aquacore.
	KeyPrefix string `yaml:"key_prefix"`
}

// BridgeConfig selects the message bridge transport and its channel names.
type BridgeConfig struct {
	// Backend is "redis" for multi-process deployments or "memory" for a
	// single process (development, tests).
	Backend         string `yaml:"backend"`
	OutgoingChannel string `yaml:"outgoing_channel"`
	IncomingChannel string `yaml:"incoming_channel"`
	StatusChannel   string `yaml:"status_channel"`
	// LogMessages controls whether relayed messages are written to the message log.
	LogMessages bool `yaml:"log_messages"`
	// MetricsAddr is where aquabridge serves /metrics. Empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings.
// Tokens are issued by the web tier; aquacore only verifies them.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// CommandsConfig contains device command lifecycle settings.
type CommandsConfig struct {
	// TimeoutSeconds is the watchdog budget per send attempt.
	TimeoutSeconds int `yaml:"timeout_seconds"`
	// MaxRetries is how many times a silent command is re-published before TIMEOUT.
	MaxRetries int `yaml:"max_retries"`
	// WatchdogInterval is how often (seconds) expired deadlines are scanned.
	WatchdogInterval int `yaml:"watchdog_interval"`
	// QoS is the MQTT QoS requested for command payloads.
	QoS int `yaml:"qos"`
}

// AutomationConfig contains execution coordinator settings.
type AutomationConfig struct {
	// ConflictBackoff is how far (seconds) a blocked scheduled or threshold
	// execution is pushed into the future.
	ConflictBackoff int `yaml:"conflict_backoff"`
	// SchedulerInterval is the scheduler tick period (seconds).
	SchedulerInterval int `yaml:"scheduler_interval"`
	// MaxDeferrals caps how often a blocked execution is rescheduled before it is cancelled.
	MaxDeferrals int `yaml:"max_deferrals"`
	// FlushRecoveryLevel, when > 0, refills a pond to this level after the
	// fill step of a WATER_FLUSH fails. 0 leaves the pond at the drained level.
	FlushRecoveryLevel float64 `yaml:"flush_recovery_level"`
}

// ThresholdsConfig contains defaults applied to thresholds that omit them.
type ThresholdsConfig struct {
	DefaultViolationTimeout int `yaml:"default_violation_timeout"`
	DefaultMaxViolations    int `yaml:"default_max_violations"`
}

// DevicesConfig contains device presence settings.
type DevicesConfig struct {
	// StatusBackend is "memory" or "redis".
	StatusBackend string `yaml:"status_backend"`
	// HeartbeatTimeout is how long (seconds) without a heartbeat before a device is offline.
	HeartbeatTimeout int `yaml:"heartbeat_timeout"`
}

// RetentionConfig contains age-based purge settings (days).
type RetentionConfig struct {
	CommandDays  int `yaml:"command_days"`
	MessageDays  int `yaml:"message_days"`
	AuditDays    int `yaml:"audit_days"`
	SweepMinutes int `yaml:"sweep_minutes"`
}

// Load builds a Config from defaults, then the YAML file at path, then
// AQUACORE_* environment variables, and validates the result. Keys absent
// from the file keep their defaults; keys present with a zero value
// override them.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "farm-001",
			Name:     "Future Fish",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/aquacore.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "aquabridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "aquacore",
		},
		Bridge: BridgeConfig{
			Backend:         "redis",
			OutgoingChannel: "mqtt_outgoing",
			IncomingChannel: "mqtt_incoming",
			StatusChannel:   "command_status_updates",
			LogMessages:     true,
			MetricsAddr:     "127.0.0.1:9101",
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 15,
			},
		},
		Commands: CommandsConfig{
			TimeoutSeconds:   10,
			MaxRetries:       3,
			WatchdogInterval: 1,
			QoS:              1,
		},
		Automation: AutomationConfig{
			ConflictBackoff:   60,
			SchedulerInterval: 15,
			MaxDeferrals:      30,
		},
		Thresholds: ThresholdsConfig{
			DefaultViolationTimeout: 30,
			DefaultMaxViolations:    3,
		},
		Devices: DevicesConfig{
			StatusBackend:    "memory",
			HeartbeatTimeout: 30,
		},
		Retention: RetentionConfig{
			CommandDays:  90,
			MessageDays:  30,
			AuditDays:    365,
			SweepMinutes: 60,
		},
	}
}

// envOverrides maps AQUACORE_* variables onto string settings. Secrets are
// expected to arrive this way rather than through the file.
func envOverrides(cfg *Config) map[string]*string {
	return map[string]*string{
		"AQUACORE_DATABASE_PATH":  &cfg.Database.Path,
		"AQUACORE_MQTT_HOST":      &cfg.MQTT.Broker.Host,
		"AQUACORE_MQTT_USERNAME":  &cfg.MQTT.Auth.Username,
		"AQUACORE_MQTT_PASSWORD":  &cfg.MQTT.Auth.Password,
		"AQUACORE_REDIS_ADDR":     &cfg.Redis.Addr,
		"AQUACORE_REDIS_PASSWORD": &cfg.Redis.Password,
		"AQUACORE_BRIDGE_BACKEND": &cfg.Bridge.Backend,
		"AQUACORE_API_HOST":       &cfg.API.Host,
		"AQUACORE_INFLUXDB_TOKEN": &cfg.InfluxDB.Token,
		"AQUACORE_JWT_SECRET":     &cfg.Security.JWT.Secret,
	}
}

func applyEnvOverrides(cfg *Config) {
	for name, field := range envOverrides(cfg) {
		if v := os.Getenv(name); v != "" {
			*field = v
		}
	}
	if v := os.Getenv("AQUACORE_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}
}

// minJWTSecretLength guards the secret the web tier signs tokens with.
const minJWTSecretLength = 32

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	check(c.Site.ID != "", "site.id is required")
	check(c.Database.Path != "", "database.path is required")
	check(c.MQTT.QoS >= 0 && c.MQTT.QoS <= 2, "mqtt.qos must be 0, 1, or 2")
	check(c.Commands.QoS >= 0 && c.Commands.QoS <= 2, "commands.qos must be 0, 1, or 2")

	check(isBackend(c.Bridge.Backend), `bridge.backend must be "redis" or "memory"`)
	check(isBackend(c.Devices.StatusBackend), `devices.status_backend must be "redis" or "memory"`)
	if c.Bridge.Backend == "redis" || c.Devices.StatusBackend == "redis" {
		check(c.Redis.Addr != "", "redis.addr is required when a redis backend is selected")
	}

	check(c.API.Port >= 1 && c.API.Port <= 65535, "api.port must be between 1 and 65535")

	check(c.Commands.TimeoutSeconds > 0, "commands.timeout_seconds must be positive")
	check(c.Commands.MaxRetries >= 0, "commands.max_retries cannot be negative")
	check(c.Automation.ConflictBackoff > 0, "automation.conflict_backoff must be positive")
	check(c.Automation.FlushRecoveryLevel >= 0 && c.Automation.FlushRecoveryLevel <= 100,
		"automation.flush_recovery_level must be between 0 and 100")
	check(c.Thresholds.DefaultMaxViolations >= 1, "thresholds.default_max_violations must be at least 1")

	switch {
	case c.Security.JWT.Secret == "":
		check(false, "security.jwt.secret is required (set AQUACORE_JWT_SECRET)")
	case len(c.Security.JWT.Secret) < minJWTSecretLength:
		check(false, fmt.Sprintf("security.jwt.secret must be at least %d characters", minJWTSecretLength))
	}

	return errors.Join(errs...)
}

func isBackend(name string) bool { return name == "redis" || name == "memory" }

// ReadTimeout returns the HTTP read timeout.
func (t APITimeoutConfig) ReadTimeout() time.Duration { return seconds(t.Read) }

// WriteTimeout returns the HTTP write timeout.
func (t APITimeoutConfig) WriteTimeout() time.Duration { return seconds(t.Write) }

// IdleTimeout returns the keep-alive idle timeout.
func (t APITimeoutConfig) IdleTimeout() time.Duration { return seconds(t.Idle) }

// CommandTimeout returns the per-attempt command watchdog budget.
func (c *Config) CommandTimeout() time.Duration {
	return seconds(c.Commands.TimeoutSeconds)
}

// ConflictBackoff returns the reschedule delay for conflict-blocked executions.
func (c *Config) ConflictBackoff() time.Duration {
	return seconds(c.Automation.ConflictBackoff)
}

// HeartbeatTimeout returns the device offline threshold.
func (c *Config) HeartbeatTimeout() time.Duration {
	return seconds(c.Devices.HeartbeatTimeout)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
