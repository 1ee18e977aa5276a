// Package config loads jobflow settings from defaults, an optional YAML file
// and environment variables, in that order of precedence.
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("jobflow.yaml").
//	    WithEnvPrefix("JOBFLOW").
//	    Load()
//
// Environment keys join the prefix and the env tags of the field path, e.g.
// JOBFLOW_SCHEDULER_TICK_INTERVAL=500ms.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config is the complete jobflow configuration.
type Config struct {
	Node       NodeConfig       `yaml:"node" env:"NODE"`
	Log        LogConfig        `yaml:"log" env:"LOG"`
	Storage    StorageConfig    `yaml:"storage" env:"STORAGE"`
	Engine     EngineConfig     `yaml:"engine" env:"ENGINE"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" env:"SCHEDULER"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter" env:"DEAD_LETTER"`
	Leader     LeaderConfig     `yaml:"leader" env:"LEADER"`
	Metrics    MetricsConfig    `yaml:"metrics" env:"METRICS"`
}

// NodeConfig identifies this process in the cluster.
type NodeConfig struct {
	// ID defaults to a random UUID when empty.
	ID string `yaml:"id" env:"ID"`
	// WorkerID seeds the snowflake id generator; it must differ per node.
	WorkerID int64 `yaml:"worker_id" env:"WORKER_ID"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console
	Format      string   `yaml:"format" env:"FORMAT"`
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Driver: memory, redis, sqlite, postgres, mysql
	Driver string      `yaml:"driver" env:"DRIVER"`
	DSN    string      `yaml:"dsn" env:"DSN"`
	Redis  RedisConfig `yaml:"redis" env:"REDIS"`
}

// RedisConfig configures the Redis client shared by storage and the leader lease.
type RedisConfig struct {
	Addr         string        `yaml:"addr" env:"ADDR"`
	Password     string        `yaml:"password" env:"PASSWORD"`
	DB           int           `yaml:"db" env:"DB"`
	PoolSize     int           `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int           `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	KeyPrefix    string        `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// EngineConfig configures the workflow engine.
type EngineConfig struct {
	// Concurrency bounds step attempts across executions; 0 is unbounded.
	Concurrency int64         `yaml:"concurrency" env:"CONCURRENCY"`
	StepTimeout time.Duration `yaml:"step_timeout" env:"STEP_TIMEOUT"`
	// RecoverOnStart marks executions interrupted by a previous process as failed.
	RecoverOnStart bool `yaml:"recover_on_start" env:"RECOVER_ON_START"`
}

// SchedulerConfig configures trigger evaluation and queues.
type SchedulerConfig struct {
	TickInterval time.Duration  `yaml:"tick_interval" env:"TICK_INTERVAL"`
	DefaultLimit int            `yaml:"default_limit" env:"DEFAULT_LIMIT"`
	Queues       map[string]int `yaml:"queues" env:"-"`
}

// DeadLetterConfig bounds the dead-letter queue.
type DeadLetterConfig struct {
	MaxEntries    int           `yaml:"max_entries" env:"MAX_ENTRIES"`
	MaxAge        time.Duration `yaml:"max_age" env:"MAX_AGE"`
	PruneInterval time.Duration `yaml:"prune_interval" env:"PRUNE_INTERVAL"`
	PruneBatch    int           `yaml:"prune_batch" env:"PRUNE_BATCH"`
	// RetryRate limits RetryAll re-submissions per second; 0 is unlimited.
	RetryRate  float64 `yaml:"retry_rate" env:"RETRY_RATE"`
	RetryBurst int     `yaml:"retry_burst" env:"RETRY_BURST"`
}

// LeaderConfig configures leader election. Without Redis the node always leads.
type LeaderConfig struct {
	Enabled       bool          `yaml:"enabled" env:"ENABLED"`
	TTL           time.Duration `yaml:"ttl" env:"TTL"`
	RenewInterval time.Duration `yaml:"renew_interval" env:"RENEW_INTERVAL"`
	KeyPrefix     string        `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	Addr      string `yaml:"addr" env:"ADDR"`
}

// Loader builds a Config.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the JOBFLOW env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "JOBFLOW"}
}

// WithConfigPath sets the YAML file. A missing file is not an error.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a validator run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load applies defaults, the file, the environment and then Validate and
// any extra validators.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	if cfg.Node.ID == "" {
		cfg.Node.ID = uuid.NewString()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, key); err != nil {
				return err
			}
			continue
		}

		value, ok := os.LookupEnv(key)
		if !ok || value == "" {
			continue
		}
		if err := setFieldValue(field, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// MustLoad loads path with the default loader and panics on error.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

var (
	validDrivers = map[string]bool{"memory": true, "redis": true, "sqlite": true, "postgres": true, "mysql": true}
	validLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validFormats = map[string]bool{"json": true, "console": true}
)

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []string

	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format %q is not one of json, console", c.Log.Format))
	}
	if c.Node.WorkerID < 0 {
		errs = append(errs, "node.worker_id must not be negative")
	}

	if !validDrivers[c.Storage.Driver] {
		errs = append(errs, fmt.Sprintf("storage.driver %q is not supported", c.Storage.Driver))
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres", "mysql":
		if c.Storage.DSN == "" {
			errs = append(errs, "storage.dsn is required for "+c.Storage.Driver)
		}
	case "redis":
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, "storage.redis.addr is required")
		}
	}

	if c.Engine.Concurrency < 0 {
		errs = append(errs, "engine.concurrency must not be negative")
	}
	if c.Engine.StepTimeout < 0 {
		errs = append(errs, "engine.step_timeout must not be negative")
	}

	if c.Scheduler.TickInterval <= 0 {
		errs = append(errs, "scheduler.tick_interval must be positive")
	}
	if c.Scheduler.DefaultLimit <= 0 {
		errs = append(errs, "scheduler.default_limit must be positive")
	}
	for name, limit := range c.Scheduler.Queues {
		if limit <= 0 {
			errs = append(errs, fmt.Sprintf("scheduler.queues.%s must be positive", name))
		}
	}

	if c.DeadLetter.MaxEntries < 0 {
		errs = append(errs, "dead_letter.max_entries must not be negative")
	}
	if c.DeadLetter.MaxAge < 0 {
		errs = append(errs, "dead_letter.max_age must not be negative")
	}
	if c.DeadLetter.RetryRate < 0 {
		errs = append(errs, "dead_letter.retry_rate must not be negative")
	}

	if c.Leader.Enabled {
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, "leader election requires storage.redis.addr")
		}
		if c.Leader.RenewInterval <= 0 || c.Leader.RenewInterval >= c.Leader.TTL {
			errs = append(errs, "leader.renew_interval must be positive and below leader.ttl")
		}
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, "metrics.addr is required when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
