package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goodtune/quiztime/internal/clock"
	"github.com/spf13/viper"
)

// Consumption policies for budget.consumption_policy.
const (
	PolicyBackground = "background"
	PolicyForeground = "foreground"
)

// Backend names accepted in backends.priority.
const (
	BackendEngine = "engine"
	BackendUsage  = "usage"
)

// Config holds the complete application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Carryover CarryoverConfig `mapstructure:"carryover"`
	Rewards   RewardsConfig   `mapstructure:"rewards"`
	Backends  BackendsConfig  `mapstructure:"backends"`
}

// ServerConfig defines listener ports and addresses
type ServerConfig struct {
	BindAddress     string `mapstructure:"bind_address"`
	APIPort         int    `mapstructure:"api_port"`
	MetricsPort     int    `mapstructure:"metrics_port"`
	ShutdownTimeout string `mapstructure:"shutdown_timeout"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"`
	Path  string      `mapstructure:"path"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines the Redis connection used when storage.type is "redis"
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	UsageTTL     string `mapstructure:"usage_ttl"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// BudgetConfig defines the timer engine settings
type BudgetConfig struct {
	DefaultGrant      string `mapstructure:"default_grant"`
	TickInterval      string `mapstructure:"tick_interval"`
	ConsumptionPolicy string `mapstructure:"consumption_policy"` // "background" or "foreground"
	PersistTimeout    string `mapstructure:"persist_timeout"`
}

// CarryoverConfig defines the daily settlement rates and day boundary
type CarryoverConfig struct {
	BonusPerMinute   float64 `mapstructure:"bonus_per_minute"`
	PenaltyPerMinute float64 `mapstructure:"penalty_per_minute"`
	DayStart         string  `mapstructure:"day_start"` // HH:MM local time
}

// RewardsConfig defines reward sizing and grant bookkeeping
type RewardsConfig struct {
	CorrectAnswerSeconds   int64            `mapstructure:"correct_answer_seconds"`
	DifficultyBonusSeconds map[string]int64 `mapstructure:"difficulty_bonus_seconds"`
	RetentionDays          int              `mapstructure:"retention_days"`
	RetryInterval          string           `mapstructure:"retry_interval"`
	CacheSize              int              `mapstructure:"cache_size"`
}

// BackendsConfig defines backend reconciliation settings
type BackendsConfig struct {
	Priority         []string    `mapstructure:"priority"`
	InitTimeout      string      `mapstructure:"init_timeout"`
	CoalesceInterval string      `mapstructure:"coalesce_interval"`
	Usage            UsageConfig `mapstructure:"usage"`
}

// UsageConfig defines the usage tracker backend
type UsageConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	MinSessionDuration string `mapstructure:"min_session_duration"`
	RetentionDays      int    `mapstructure:"retention_days"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := New()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// New returns a viper instance with defaults and environment binding applied.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("QUIZTIME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "127.0.0.1")
	v.SetDefault("server.api_port", 8470)
	v.SetDefault("server.metrics_port", 9470)
	v.SetDefault("server.shutdown_timeout", "10s")

	// Storage defaults
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", "/var/lib/quiztime/quiztime.bolt")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.usage_ttl", "2160h")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Budget defaults
	v.SetDefault("budget.default_grant", "30m")
	v.SetDefault("budget.tick_interval", "1s")
	v.SetDefault("budget.consumption_policy", PolicyBackground)
	v.SetDefault("budget.persist_timeout", "5s")

	// Carryover defaults
	v.SetDefault("carryover.bonus_per_minute", 5.0)
	v.SetDefault("carryover.penalty_per_minute", 10.0)
	v.SetDefault("carryover.day_start", "00:00")

	// Reward defaults
	v.SetDefault("rewards.correct_answer_seconds", 60)
	v.SetDefault("rewards.difficulty_bonus_seconds", map[string]int64{
		"easy":   0,
		"medium": 30,
		"hard":   60,
	})
	v.SetDefault("rewards.retention_days", 90)
	v.SetDefault("rewards.retry_interval", "1h")
	v.SetDefault("rewards.cache_size", 1024)

	// Backend defaults
	v.SetDefault("backends.priority", []string{BackendEngine, BackendUsage})
	v.SetDefault("backends.init_timeout", "2s")
	v.SetDefault("backends.coalesce_interval", "100ms")
	v.SetDefault("backends.usage.enabled", true)
	v.SetDefault("backends.usage.min_session_duration", "10s")
	v.SetDefault("backends.usage.retention_days", 90)
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.APIPort <= 0 || cfg.Server.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", cfg.Server.APIPort)
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	switch cfg.Storage.Type {
	case "", "bolt":
		cfg.Storage.Type = "bolt"
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage.redis.host is required")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	durations := map[string]string{
		"server.shutdown_timeout":             cfg.Server.ShutdownTimeout,
		"storage.redis.usage_ttl":             cfg.Storage.Redis.UsageTTL,
		"budget.default_grant":                cfg.Budget.DefaultGrant,
		"budget.tick_interval":                cfg.Budget.TickInterval,
		"budget.persist_timeout":              cfg.Budget.PersistTimeout,
		"rewards.retry_interval":              cfg.Rewards.RetryInterval,
		"backends.init_timeout":               cfg.Backends.InitTimeout,
		"backends.coalesce_interval":          cfg.Backends.CoalesceInterval,
		"backends.usage.min_session_duration": cfg.Backends.Usage.MinSessionDuration,
	}
	for key, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", key)
		}
	}
	if d, _ := time.ParseDuration(cfg.Budget.TickInterval); d <= 0 {
		return fmt.Errorf("budget.tick_interval must be positive")
	}

	switch cfg.Budget.ConsumptionPolicy {
	case PolicyBackground, PolicyForeground:
	default:
		return fmt.Errorf("invalid budget.consumption_policy %q (want %q or %q)",
			cfg.Budget.ConsumptionPolicy, PolicyBackground, PolicyForeground)
	}

	if cfg.Carryover.BonusPerMinute < 0 || cfg.Carryover.PenaltyPerMinute < 0 {
		return fmt.Errorf("carryover rates must not be negative")
	}
	if _, err := clock.ParseDayStart(cfg.Carryover.DayStart); err != nil {
		return fmt.Errorf("invalid carryover.day_start: %w", err)
	}

	if cfg.Rewards.CorrectAnswerSeconds < 0 {
		return fmt.Errorf("rewards.correct_answer_seconds must not be negative")
	}
	for tier, seconds := range cfg.Rewards.DifficultyBonusSeconds {
		if seconds < 0 {
			return fmt.Errorf("rewards.difficulty_bonus_seconds[%s] must not be negative", tier)
		}
	}
	if cfg.Rewards.CacheSize <= 0 {
		cfg.Rewards.CacheSize = 1024
	}

	seen := make(map[string]bool)
	for _, name := range cfg.Backends.Priority {
		switch name {
		case BackendEngine, BackendUsage:
		default:
			return fmt.Errorf("unknown backend in backends.priority: %s", name)
		}
		if seen[name] {
			return fmt.Errorf("duplicate backend in backends.priority: %s", name)
		}
		seen[name] = true
	}
	if !seen[BackendEngine] {
		return fmt.Errorf("backends.priority must include %q", BackendEngine)
	}

	return nil
}

// DefaultGrant returns budget.default_grant in whole seconds.
func (c *Config) DefaultGrant() int64 {
	d, _ := time.ParseDuration(c.Budget.DefaultGrant)
	return int64(d / time.Second)
}

// DayStart returns the parsed carryover.day_start.
func (c *Config) DayStart() clock.DayStart {
	ds, _ := clock.ParseDayStart(c.Carryover.DayStart)
	return ds
}

// Duration parses a duration value that validate has already accepted.
func Duration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// Defaults returns the configuration built from defaults alone, ignoring
// files and the environment.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// UnknownKeys reads the config file at path and returns the keys that no
// setting consumes, sorted.
func UnknownKeys(path string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	defaults := viper.New()
	setDefaults(defaults)
	known := make(map[string]bool)
	for _, key := range defaults.AllKeys() {
		known[key] = true
	}
	// Settings without a default
	known["storage.redis.password"] = true

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if known[key] || strings.HasPrefix(key, "rewards.difficulty_bonus_seconds.") {
			continue
		}
		unknown = append(unknown, key)
	}
	sort.Strings(unknown)
	return unknown, nil
}
