package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// ConfigFileEnv names the environment variable holding an optional YAML
// config file. Environment variables override values from the file.
const ConfigFileEnv = "EASYTRIGGER_CONFIG"

// Config holds all configuration for the easytrigger application.
// Values are loaded from environment variables (and an optional YAML file);
// see the usage text of the validate command for the full list.
type Config struct {
	StoreDriver string `json:"store_driver"`
	DatabaseURL string `json:"database_url,omitempty"`
	RedisAddr   string `json:"redis_addr,omitempty"`
	HTTPAddr    string `json:"http_addr"`

	NATSURL      string `json:"nats_url,omitempty"`
	NATSSubject  string `json:"nats_subject"`
	NATSQueue    string `json:"nats_queue"`
	NATSNKeySeed string `json:"nats_nkey_seed,omitempty"`

	// NATSPartitions splits the intake by contact so that each contact's
	// events reach a single instance. Run exactly one instance per
	// NATSPartition index in [0, NATSPartitions).
	NATSPartitions int `json:"nats_partitions"`
	NATSPartition  int `json:"nats_partition"`

	Workers     int `json:"workers"`
	MailboxSize int `json:"mailbox_size"`

	ActionTimeout    time.Duration `json:"-"`
	ActionTimeoutStr string        `json:"action_timeout"`
	DrainTimeout     time.Duration `json:"-"`
	DrainTimeoutStr  string        `json:"drain_timeout"`

	CandidateCacheSize int    `json:"candidate_cache_size"`
	CollaboratorURL    string `json:"collaborator_url,omitempty"`
	RulesFile          string `json:"rules_file,omitempty"`
	MigrateOnStart     bool   `json:"migrate_on_start"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`

	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`

	ReconcileEnabled  bool   `json:"reconcile_enabled"`
	ReconcileSchedule string `json:"reconcile_schedule"`

	// ReconcileThreshold must exceed ACTION_TIMEOUT, otherwise in-flight
	// executions are failed as abandoned.
	ReconcileThreshold    time.Duration `json:"-"`
	ReconcileThresholdStr string        `json:"reconcile_threshold"`
	ReconcileBatchSize    int           `json:"reconcile_batch_size"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	AnalyticsWindow       time.Duration `json:"-"`
	AnalyticsWindowStr    string        `json:"analytics_window"`
	AnalyticsRetention    time.Duration `json:"-"`
	AnalyticsRetentionStr string        `json:"analytics_retention"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey int64 `json:"leader_lock_key"`

	// LeaderRetryInterval determines the maximum failover gap.
	LeaderRetryInterval    time.Duration `json:"-"`
	LeaderRetryIntervalStr string        `json:"leader_retry_interval"`

	// LeaderHeartbeatInterval: pings the dedicated connection to detect local
	// connection death. Does NOT renew the advisory lock.
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`
}

var stringDefaults = map[string]string{
	"store_driver":              DriverMemory,
	"nats_subject":              "crm.events.contact.>",
	"nats_queue":                "easytrigger",
	"action_timeout":            "10s",
	"drain_timeout":             "30s",
	"db_conn_max_lifetime":      "30m",
	"db_conn_max_idle_time":     "5m",
	"http_shutdown_timeout":     "10s",
	"metrics_path":              "/metrics",
	"reconcile_schedule":        "@every 5m",
	"reconcile_threshold":       "15m",
	"circuit_breaker_cooldown":  "2m",
	"analytics_window":          "5m",
	"analytics_retention":       "168h",
	"leader_retry_interval":     "5s",
	"leader_heartbeat_interval": "2s",
}

var intDefaults = map[string]int{
	"workers":                   8,
	"mailbox_size":              64,
	"candidate_cache_size":      64,
	"db_max_open_conns":         25,
	"db_max_idle_conns":         5,
	"reconcile_batch_size":      100,
	"circuit_breaker_threshold": 5,
	"leader_lock_key":           728380,
	"nats_partitions":           1,
	"nats_partition":            0,
}

var boolDefaults = map[string]bool{
	"metrics_enabled":   false,
	"reconcile_enabled": true,
	"migrate_on_start":  false,
}

// every key that can be set; viper only consults the environment for
// keys it knows about.
var plainKeys = []string{
	"database_url",
	"redis_addr",
	"http_addr",
	"nats_url",
	"nats_nkey_seed",
	"collaborator_url",
	"rules_file",
	"port",
}

// Load reads configuration from the YAML file at path (or $EASYTRIGGER_CONFIG
// when path is empty) and environment variables, applying defaults.
// Malformed numbers fall back to defaults with a warning; malformed
// durations are reported by Validate.
func Load(path string) (Config, error) {
	v := viper.New()
	for k, d := range stringDefaults {
		v.SetDefault(k, d)
	}
	for k, d := range intDefaults {
		v.SetDefault(k, d)
	}
	for k, d := range boolDefaults {
		v.SetDefault(k, d)
	}
	for _, k := range plainKeys {
		v.SetDefault(k, "")
	}
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(ConfigFileEnv)
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) Config {
	cfg := Config{
		StoreDriver:  v.GetString("store_driver"),
		DatabaseURL:  v.GetString("database_url"),
		RedisAddr:    v.GetString("redis_addr"),
		HTTPAddr:     v.GetString("http_addr"),
		NATSURL:      v.GetString("nats_url"),
		NATSSubject:  v.GetString("nats_subject"),
		NATSQueue:    v.GetString("nats_queue"),
		NATSNKeySeed: v.GetString("nats_nkey_seed"),

		NATSPartitions: positiveInt(v, "nats_partitions"),
		NATSPartition:  nonNegativeInt(v, "nats_partition"),

		Workers:            positiveInt(v, "workers"),
		MailboxSize:        positiveInt(v, "mailbox_size"),
		CandidateCacheSize: positiveInt(v, "candidate_cache_size"),
		CollaboratorURL:    v.GetString("collaborator_url"),
		RulesFile:          v.GetString("rules_file"),
		MigrateOnStart:     v.GetBool("migrate_on_start"),

		DBMaxOpenConns: positiveInt(v, "db_max_open_conns"),
		DBMaxIdleConns: positiveInt(v, "db_max_idle_conns"),

		MetricsEnabled: v.GetBool("metrics_enabled"),
		MetricsPath:    v.GetString("metrics_path"),

		ReconcileEnabled:   v.GetBool("reconcile_enabled"),
		ReconcileSchedule:  v.GetString("reconcile_schedule"),
		ReconcileBatchSize: positiveInt(v, "reconcile_batch_size"),

		CircuitBreakerThreshold: nonNegativeInt(v, "circuit_breaker_threshold"),
		LeaderLockKey:           int64(positiveInt(v, "leader_lock_key")),

		ActionTimeoutStr:           v.GetString("action_timeout"),
		DrainTimeoutStr:            v.GetString("drain_timeout"),
		DBConnMaxLifetimeStr:       v.GetString("db_conn_max_lifetime"),
		DBConnMaxIdleTimeStr:       v.GetString("db_conn_max_idle_time"),
		HTTPShutdownTimeoutStr:     v.GetString("http_shutdown_timeout"),
		ReconcileThresholdStr:      v.GetString("reconcile_threshold"),
		CircuitBreakerCooldownStr:  v.GetString("circuit_breaker_cooldown"),
		AnalyticsWindowStr:         v.GetString("analytics_window"),
		AnalyticsRetentionStr:      v.GetString("analytics_retention"),
		LeaderRetryIntervalStr:     v.GetString("leader_retry_interval"),
		LeaderHeartbeatIntervalStr: v.GetString("leader_heartbeat_interval"),
	}

	// Support the platform PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := v.GetString("port"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}

	// Parse durations; validation is handled separately by Validate().
	for _, d := range cfg.durations() {
		if parsed, err := time.ParseDuration(d.raw); err == nil {
			*d.dst = parsed
		}
	}

	return cfg
}

type durationField struct {
	key string
	raw string
	dst *time.Duration
}

func (c *Config) durations() []durationField {
	return []durationField{
		{"ACTION_TIMEOUT", c.ActionTimeoutStr, &c.ActionTimeout},
		{"DRAIN_TIMEOUT", c.DrainTimeoutStr, &c.DrainTimeout},
		{"DB_CONN_MAX_LIFETIME", c.DBConnMaxLifetimeStr, &c.DBConnMaxLifetime},
		{"DB_CONN_MAX_IDLE_TIME", c.DBConnMaxIdleTimeStr, &c.DBConnMaxIdleTime},
		{"HTTP_SHUTDOWN_TIMEOUT", c.HTTPShutdownTimeoutStr, &c.HTTPShutdownTimeout},
		{"RECONCILE_THRESHOLD", c.ReconcileThresholdStr, &c.ReconcileThreshold},
		{"CIRCUIT_BREAKER_COOLDOWN", c.CircuitBreakerCooldownStr, &c.CircuitBreakerCooldown},
		{"ANALYTICS_WINDOW", c.AnalyticsWindowStr, &c.AnalyticsWindow},
		{"ANALYTICS_RETENTION", c.AnalyticsRetentionStr, &c.AnalyticsRetention},
		{"LEADER_RETRY_INTERVAL", c.LeaderRetryIntervalStr, &c.LeaderRetryInterval},
		{"LEADER_HEARTBEAT_INTERVAL", c.LeaderHeartbeatIntervalStr, &c.LeaderHeartbeatInterval},
	}
}

func positiveInt(v *viper.Viper, key string) int {
	n, ok := readInt(v, key)
	if !ok || n <= 0 {
		log.Printf("config: invalid %s %q (must be a positive integer), using default %d",
			envName(key), v.GetString(key), intDefaults[key])
		return intDefaults[key]
	}
	return n
}

func nonNegativeInt(v *viper.Viper, key string) int {
	n, ok := readInt(v, key)
	if !ok || n < 0 {
		log.Printf("config: invalid %s %q (must be a non-negative integer), using default %d",
			envName(key), v.GetString(key), intDefaults[key])
		return intDefaults[key]
	}
	return n
}

// readInt parses the raw value so that garbage is distinguishable from zero.
func readInt(v *viper.Viper, key string) (int, bool) {
	n, err := strconv.Atoi(v.GetString(key))
	return n, err == nil
}

func envName(key string) string {
	return strings.ToUpper(key)
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	c.DatabaseURL = maskSecret(c.DatabaseURL)
	c.NATSNKeySeed = maskSecret(c.NATSNKeySeed)
	return json.MarshalIndent(c, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if len(s) >= len(scheme) && s[:len(scheme)] == scheme {
			return scheme + "***"
		}
	}
	return "***"
}
