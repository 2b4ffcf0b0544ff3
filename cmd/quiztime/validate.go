package main

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/quiztime/internal/config"
	"github.com/spf13/cobra"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the quiztime configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	unknownKeys, err := config.UnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		_, _ = fmt.Fprintln(os.Stdout)
		_, _ = red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		_, _ = fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, config.Defaults())

		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
	}

	return nil
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, def *config.Config) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	field := func(name string, value, defaultValue any) {
		dumpField(name, value, defaultValue, yellow, green)
	}

	_, _ = cyan.Println("\n[server]")
	field("  bind_address", cfg.Server.BindAddress, def.Server.BindAddress)
	field("  api_port", cfg.Server.APIPort, def.Server.APIPort)
	field("  metrics_port", cfg.Server.MetricsPort, def.Server.MetricsPort)
	field("  shutdown_timeout", cfg.Server.ShutdownTimeout, def.Server.ShutdownTimeout)

	_, _ = cyan.Println("\n[storage]")
	field("  type", cfg.Storage.Type, def.Storage.Type)
	field("  path", cfg.Storage.Path, def.Storage.Path)
	_, _ = cyan.Println("  [storage.redis]")
	field("    host", cfg.Storage.Redis.Host, def.Storage.Redis.Host)
	field("    port", cfg.Storage.Redis.Port, def.Storage.Redis.Port)
	field("    password", redactPassword(cfg.Storage.Redis.Password), redactPassword(def.Storage.Redis.Password))
	field("    db", cfg.Storage.Redis.DB, def.Storage.Redis.DB)
	field("    pool_size", cfg.Storage.Redis.PoolSize, def.Storage.Redis.PoolSize)
	field("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, def.Storage.Redis.MinIdleConns)
	field("    dial_timeout", cfg.Storage.Redis.DialTimeout, def.Storage.Redis.DialTimeout)
	field("    read_timeout", cfg.Storage.Redis.ReadTimeout, def.Storage.Redis.ReadTimeout)
	field("    write_timeout", cfg.Storage.Redis.WriteTimeout, def.Storage.Redis.WriteTimeout)
	field("    usage_ttl", cfg.Storage.Redis.UsageTTL, def.Storage.Redis.UsageTTL)

	_, _ = cyan.Println("\n[logging]")
	field("  level", cfg.Logging.Level, def.Logging.Level)
	field("  format", cfg.Logging.Format, def.Logging.Format)

	_, _ = cyan.Println("\n[budget]")
	field("  default_grant", cfg.Budget.DefaultGrant, def.Budget.DefaultGrant)
	field("  tick_interval", cfg.Budget.TickInterval, def.Budget.TickInterval)
	field("  consumption_policy", cfg.Budget.ConsumptionPolicy, def.Budget.ConsumptionPolicy)
	field("  persist_timeout", cfg.Budget.PersistTimeout, def.Budget.PersistTimeout)

	_, _ = cyan.Println("\n[carryover]")
	field("  bonus_per_minute", cfg.Carryover.BonusPerMinute, def.Carryover.BonusPerMinute)
	field("  penalty_per_minute", cfg.Carryover.PenaltyPerMinute, def.Carryover.PenaltyPerMinute)
	field("  day_start", cfg.Carryover.DayStart, def.Carryover.DayStart)

	_, _ = cyan.Println("\n[rewards]")
	field("  correct_answer_seconds", cfg.Rewards.CorrectAnswerSeconds, def.Rewards.CorrectAnswerSeconds)
	field("  difficulty_bonus_seconds", cfg.Rewards.DifficultyBonusSeconds, def.Rewards.DifficultyBonusSeconds)
	field("  retention_days", cfg.Rewards.RetentionDays, def.Rewards.RetentionDays)
	field("  retry_interval", cfg.Rewards.RetryInterval, def.Rewards.RetryInterval)
	field("  cache_size", cfg.Rewards.CacheSize, def.Rewards.CacheSize)

	_, _ = cyan.Println("\n[backends]")
	field("  priority", cfg.Backends.Priority, def.Backends.Priority)
	field("  init_timeout", cfg.Backends.InitTimeout, def.Backends.InitTimeout)
	field("  coalesce_interval", cfg.Backends.CoalesceInterval, def.Backends.CoalesceInterval)
	_, _ = cyan.Println("  [backends.usage]")
	field("    enabled", cfg.Backends.Usage.Enabled, def.Backends.Usage.Enabled)
	field("    min_session_duration", cfg.Backends.Usage.MinSessionDuration, def.Backends.Usage.MinSessionDuration)
	field("    retention_days", cfg.Backends.Usage.RetentionDays, def.Backends.Usage.RetentionDays)
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue any, modifiedColor, defaultColor *color.Color) {
	valueStr := fmt.Sprintf("%v", value)

	if reflect.DeepEqual(value, defaultValue) {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactPassword redacts password if not empty
func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}
