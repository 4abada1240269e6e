// Package config loads a simulation node's configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/getpup/fleetsim"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FLEETSIM_"

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMySQL    = "mysql"
	BackendSQLite   = "sqlite"
	BackendDynamoDB = "dynamodb"
	BackendRedis    = "redis"
)

// Hub transports.
const (
	TransportLog  = "log"
	TransportMQTT = "mqtt"
)

// Config is the complete configuration of a simulation node.
type Config struct {
	// NodeID overrides the generated node id. Leave empty in production.
	NodeID string `yaml:"nodeId"`

	LogLevel    string `yaml:"logLevel"`
	MetricsAddr string `yaml:"metricsAddr"`

	Cluster    ClusterConfig    `yaml:"cluster"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Store      StoreConfig      `yaml:"store"`
	Hub        HubConfig        `yaml:"hub"`
	RateLimits RateLimitsConfig `yaml:"rateLimits"`

	DeviceModels []fleetsim.DeviceModel `yaml:"deviceModels"`
	Simulations  []fleetsim.Simulation  `yaml:"simulations"`
}

// ClusterConfig holds the coordination timings and partition sizes.
type ClusterConfig struct {
	CheckIntervalMsecs         int `yaml:"checkIntervalMsecs"`
	NodeRecordMaxAgeMsecs      int `yaml:"nodeRecordMaxAgeMsecs"`
	MasterLockDurationMsecs    int `yaml:"masterLockDurationMsecs"`
	PartitionLockDurationMsecs int `yaml:"partitionLockDurationMsecs"`
	MaxPartitionSize           int `yaml:"maxPartitionSize"`
	MaxDevicesPerNode          int `yaml:"maxDevicesPerNode"`
}

// CheckInterval is the coordinator loop period.
func (c ClusterConfig) CheckInterval() time.Duration {
	return msecs(c.CheckIntervalMsecs)
}

// NodeRecordMaxAge is how old a node record may get before the node counts as dead.
func (c ClusterConfig) NodeRecordMaxAge() time.Duration {
	return msecs(c.NodeRecordMaxAgeMsecs)
}

// MasterLockDuration is how long a master election lasts without renewal.
func (c ClusterConfig) MasterLockDuration() time.Duration {
	return msecs(c.MasterLockDurationMsecs)
}

// PartitionLockDuration is how long a partition claim lasts without renewal.
func (c ClusterConfig) PartitionLockDuration() time.Duration {
	return msecs(c.PartitionLockDurationMsecs)
}

// SchedulerConfig tunes the device scheduler.
type SchedulerConfig struct {
	TickIntervalMsecs       int `yaml:"tickIntervalMsecs"`
	AssignmentIntervalMsecs int `yaml:"assignmentIntervalMsecs"`
	Workers                 int `yaml:"workers"`
	RetryDelayMsecs         int `yaml:"retryDelayMsecs"`
}

// StoreConfig selects the shared record store.
type StoreConfig struct {
	Backend string `yaml:"backend"`

	// DSN is the database/sql data source for postgres, mysql and sqlite.
	DSN string `yaml:"dsn"`

	// Table is the SQL records table or the DynamoDB table.
	Table string `yaml:"table"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDb"`
	RedisPrefix   string `yaml:"redisPrefix"`
}

// HubConfig selects the device-hub transport.
type HubConfig struct {
	Transport string `yaml:"transport"`

	BrokerURL string `yaml:"brokerUrl"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// RateLimitsConfig holds the hub quotas. Zero means the limiter default.
type RateLimitsConfig struct {
	RegistryOperationsPerMinute int `yaml:"registryOperationsPerMinute"`
	TwinReadsPerSecond          int `yaml:"twinReadsPerSecond"`
	TwinWritesPerSecond         int `yaml:"twinWritesPerSecond"`
	ConnectionsPerSecond        int `yaml:"connectionsPerSecond"`
	MessagesPerSecond           int `yaml:"messagesPerSecond"`
	MessagesPerDay              int `yaml:"messagesPerDay"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		LogLevel:    "info",
		MetricsAddr: ":9090",
		Cluster: ClusterConfig{
			CheckIntervalMsecs:         15000,
			NodeRecordMaxAgeMsecs:      30000,
			MasterLockDurationMsecs:    60000,
			PartitionLockDurationMsecs: 60000,
			MaxPartitionSize:           1000,
			MaxDevicesPerNode:          1000,
		},
		Scheduler: SchedulerConfig{
			TickIntervalMsecs:       250,
			AssignmentIntervalMsecs: 15000,
			RetryDelayMsecs:         5000,
		},
		Store: StoreConfig{
			Backend:     BackendMemory,
			Table:       "fleetsim_records",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "fleetsim",
		},
		Hub: HubConfig{
			Transport: TransportLog,
		},
	}
}

// Load reads the YAML file at path over the defaults, applies FLEETSIM_* environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: failed to parse %s: %w", fleetsim.ErrInvalidConfiguration, path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from environment variables looked up with lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}

	e.stringVar("NODE_ID", &c.NodeID)
	e.stringVar("LOG_LEVEL", &c.LogLevel)
	e.stringVar("METRICS_ADDR", &c.MetricsAddr)

	e.intVar("CHECK_INTERVAL_MSECS", &c.Cluster.CheckIntervalMsecs)
	e.intVar("NODE_RECORD_MAX_AGE_MSECS", &c.Cluster.NodeRecordMaxAgeMsecs)
	e.intVar("MASTER_LOCK_DURATION_MSECS", &c.Cluster.MasterLockDurationMsecs)
	e.intVar("PARTITION_LOCK_DURATION_MSECS", &c.Cluster.PartitionLockDurationMsecs)
	e.intVar("MAX_PARTITION_SIZE", &c.Cluster.MaxPartitionSize)
	e.intVar("MAX_DEVICES_PER_NODE", &c.Cluster.MaxDevicesPerNode)

	e.intVar("TICK_INTERVAL_MSECS", &c.Scheduler.TickIntervalMsecs)
	e.intVar("ASSIGNMENT_INTERVAL_MSECS", &c.Scheduler.AssignmentIntervalMsecs)
	e.intVar("WORKERS", &c.Scheduler.Workers)
	e.intVar("RETRY_DELAY_MSECS", &c.Scheduler.RetryDelayMsecs)

	e.stringVar("STORE_BACKEND", &c.Store.Backend)
	e.stringVar("STORE_DSN", &c.Store.DSN)
	e.stringVar("STORE_TABLE", &c.Store.Table)
	e.stringVar("REDIS_ADDR", &c.Store.RedisAddr)
	e.stringVar("REDIS_PASSWORD", &c.Store.RedisPassword)
	e.intVar("REDIS_DB", &c.Store.RedisDB)
	e.stringVar("REDIS_PREFIX", &c.Store.RedisPrefix)

	e.stringVar("HUB_TRANSPORT", &c.Hub.Transport)
	e.stringVar("MQTT_BROKER_URL", &c.Hub.BrokerURL)
	e.stringVar("MQTT_USERNAME", &c.Hub.Username)
	e.stringVar("MQTT_PASSWORD", &c.Hub.Password)

	e.intVar("REGISTRY_OPERATIONS_PER_MINUTE", &c.RateLimits.RegistryOperationsPerMinute)
	e.intVar("TWIN_READS_PER_SECOND", &c.RateLimits.TwinReadsPerSecond)
	e.intVar("TWIN_WRITES_PER_SECOND", &c.RateLimits.TwinWritesPerSecond)
	e.intVar("CONNECTIONS_PER_SECOND", &c.RateLimits.ConnectionsPerSecond)
	e.intVar("MESSAGES_PER_SECOND", &c.RateLimits.MessagesPerSecond)
	e.intVar("MESSAGES_PER_DAY", &c.RateLimits.MessagesPerDay)

	return errors.Join(e.errs...)
}

// Validate checks every bound. Errors wrap fleetsim.ErrInvalidConfiguration.
func (c Config) Validate() error {
	var errs []error
	bound := func(name string, value, min, max int) {
		if value < min || value > max {
			errs = append(errs, fmt.Errorf("%s must be in [%d, %d], got %d", name, min, max, value))
		}
	}

	bound("CheckIntervalMsecs", c.Cluster.CheckIntervalMsecs, 1000, 300000)
	bound("NodeRecordMaxAgeMsecs", c.Cluster.NodeRecordMaxAgeMsecs, 10000, 600000)
	bound("MasterLockDurationMsecs", c.Cluster.MasterLockDurationMsecs, 10000, 300000)
	bound("PartitionLockDurationMsecs", c.Cluster.PartitionLockDurationMsecs, 10000, 300000)
	bound("MaxPartitionSize", c.Cluster.MaxPartitionSize, 1, 10000)
	bound("MaxDevicesPerNode", c.Cluster.MaxDevicesPerNode, 1, 1000000)

	if c.Scheduler.TickIntervalMsecs < 0 || c.Scheduler.AssignmentIntervalMsecs < 0 ||
		c.Scheduler.Workers < 0 || c.Scheduler.RetryDelayMsecs < 0 {
		errs = append(errs, errors.New("scheduler settings must not be negative"))
	}
	if c.Scheduler.AssignmentIntervalMsecs >= c.Cluster.PartitionLockDurationMsecs {
		errs = append(errs, fmt.Errorf("AssignmentIntervalMsecs (%d) must be below PartitionLockDurationMsecs (%d)",
			c.Scheduler.AssignmentIntervalMsecs, c.Cluster.PartitionLockDurationMsecs))
	}

	switch c.Store.Backend {
	case BackendMemory, BackendRedis:
	case BackendPostgres, BackendMySQL, BackendSQLite:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store backend %s needs a dsn", c.Store.Backend))
		}
	case BackendDynamoDB:
		if c.Store.Table == "" {
			errs = append(errs, errors.New("store backend dynamodb needs a table"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}

	switch c.Hub.Transport {
	case TransportLog:
	case TransportMQTT:
		if c.Hub.BrokerURL == "" {
			errs = append(errs, errors.New("hub transport mqtt needs a brokerUrl"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown hub transport %q", c.Hub.Transport))
	}

	r := c.RateLimits
	for name, v := range map[string]int{
		"registryOperationsPerMinute": r.RegistryOperationsPerMinute,
		"twinReadsPerSecond":          r.TwinReadsPerSecond,
		"twinWritesPerSecond":         r.TwinWritesPerSecond,
		"connectionsPerSecond":        r.ConnectionsPerSecond,
		"messagesPerSecond":           r.MessagesPerSecond,
		"messagesPerDay":              r.MessagesPerDay,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("rate limit %s must not be negative", name))
		}
	}

	errs = append(errs, c.validateCatalog()...)

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", fleetsim.ErrInvalidConfiguration, errors.Join(errs...))
}

func (c Config) validateCatalog() []error {
	var errs []error
	models := make(map[string]bool, len(c.DeviceModels))
	for _, m := range c.DeviceModels {
		if m.ID == "" {
			errs = append(errs, errors.New("device model without id"))
			continue
		}
		if models[m.ID] {
			errs = append(errs, fmt.Errorf("duplicate device model %s", m.ID))
		}
		models[m.ID] = true
	}

	sims := make(map[string]bool, len(c.Simulations))
	for _, s := range c.Simulations {
		if s.ID == "" {
			errs = append(errs, errors.New("simulation without id"))
			continue
		}
		if strings.Contains(s.ID, "__") {
			errs = append(errs, fmt.Errorf("simulation id %s must not contain \"__\"", s.ID))
		}
		if sims[s.ID] {
			errs = append(errs, fmt.Errorf("duplicate simulation %s", s.ID))
		}
		sims[s.ID] = true
		for _, ref := range s.DeviceModels {
			if !models[ref.ID] {
				errs = append(errs, fmt.Errorf("simulation %s references unknown device model %s", s.ID, ref.ID))
			}
			if ref.Count < 0 {
				errs = append(errs, fmt.Errorf("simulation %s has a negative count for %s", s.ID, ref.ID))
			}
		}
	}
	return errs
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) stringVar(key string, dst *string) {
	if v, ok := e.lookup(EnvPrefix + key); ok && v != "" {
		*dst = v
	}
}

func (e *envReader) intVar(key string, dst *int) {
	v, ok := e.lookup(EnvPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%w: %s%s is not an integer: %q", fleetsim.ErrInvalidConfiguration, EnvPrefix, key, v))
		return
	}
	*dst = parsed
}

func msecs(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
