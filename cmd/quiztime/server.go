package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/quiztime/internal/api"
	"github.com/goodtune/quiztime/internal/app"
	"github.com/goodtune/quiztime/internal/backend"
	"github.com/goodtune/quiztime/internal/bus"
	"github.com/goodtune/quiztime/internal/carryover"
	"github.com/goodtune/quiztime/internal/clock"
	"github.com/goodtune/quiztime/internal/config"
	"github.com/goodtune/quiztime/internal/metrics"
	"github.com/goodtune/quiztime/internal/quota"
	"github.com/goodtune/quiztime/internal/reward"
	"github.com/goodtune/quiztime/internal/scheduler"
	"github.com/goodtune/quiztime/internal/storage"
	"github.com/goodtune/quiztime/internal/storage/bolt"
	"github.com/goodtune/quiztime/internal/storage/redis"
	"github.com/goodtune/quiztime/internal/systemd"
	"github.com/goodtune/quiztime/internal/usage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start quiztime server",
	Long:  `Start the budget engine, daily scheduler, control API and metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting quiztime")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("path", cfg.Storage.Path).
		Msg("Storage initialized")

	clk := clock.RealClock{}
	dayStart := cfg.DayStart()
	coalesce := config.Duration(cfg.Backends.CoalesceInterval, 100*time.Millisecond)

	// Initialize timer engine
	policy, err := quota.ParsePolicy(cfg.Budget.ConsumptionPolicy)
	if err != nil {
		return err
	}
	engine, err := quota.NewEngine(ctx, store.Quota(), quota.Config{
		DefaultGrant:   cfg.DefaultGrant(),
		Policy:         policy,
		TickInterval:   config.Duration(cfg.Budget.TickInterval, time.Second),
		PersistTimeout: config.Duration(cfg.Budget.PersistTimeout, quota.DefaultPersistTimeout),
	}, clk, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize timer engine: %w", err)
	}
	defer engine.Close()

	views := bus.New[backend.View](coalesce)
	defer views.Close()
	quotes := bus.New[carryover.Quote](coalesce)
	defer quotes.Close()

	// Initialize usage tracker
	var tracker *usage.Tracker
	var usageStore storage.UsageStore
	if cfg.Backends.Usage.Enabled {
		usageStore = store.Usage()
		tracker = usage.NewTracker(usageStore, usage.Config{
			MinSessionDuration: config.Duration(cfg.Backends.Usage.MinSessionDuration, usage.DefaultMinSessionDuration),
			DayStart:           dayStart,
		}, clk, logger)
	}

	// Backends in configured priority order
	var backends []backend.Backend
	for _, name := range cfg.Backends.Priority {
		switch name {
		case config.BackendEngine:
			backends = append(backends, backend.NewEngineBackend(engine))
		case config.BackendUsage:
			if tracker != nil {
				backends = append(backends, tracker)
			}
		}
	}

	reconciler := backend.New(views, backend.Config{
		InitTimeout: config.Duration(cfg.Backends.InitTimeout, backend.DefaultInitTimeout),
		Clock:       clk,
	}, logger, backends...)

	rewards, err := reward.NewAdapter(store.Credits(), reconciler, cfg.Rewards.CacheSize, clk, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize reward adapter: %w", err)
	}

	settler := carryover.NewSettler(store.Ledger(), engine, quotes, carryover.Config{
		Rates: carryover.Rates{
			BonusPerMinute:   cfg.Carryover.BonusPerMinute,
			PenaltyPerMinute: cfg.Carryover.PenaltyPerMinute,
		},
		DayStart:     dayStart,
		DefaultGrant: cfg.DefaultGrant(),
	}, logger)

	core := app.New(app.Components{
		Engine:     engine,
		Reconciler: reconciler,
		Rewards:    rewards,
		Sizer: reward.Sizer{
			CorrectAnswerSeconds: cfg.Rewards.CorrectAnswerSeconds,
			DifficultyBonus:      cfg.Rewards.DifficultyBonusSeconds,
		},
		Settler: settler,
		Tracker: tracker,
		Views:   views,
		Quotes:  quotes,
		Clock:   clk,
	}, logger)
	core.Start(ctx)

	logger.Info().
		Int("backends", len(backends)).
		Str("policy", string(policy)).
		Str("day_start", dayStart.String()).
		Msg("Core started")

	runErr := make(chan error, 1)
	go func() {
		runErr <- core.Run(ctx)
	}()

	// Initialize scheduler
	sched, err := scheduler.New(settler, rewards, usageStore, scheduler.Config{
		DayStart:            dayStart,
		RetryInterval:       config.Duration(cfg.Rewards.RetryInterval, time.Hour),
		CreditRetentionDays: cfg.Rewards.RetentionDays,
		UsageRetentionDays:  cfg.Backends.Usage.RetentionDays,
	}, clk, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}
	sched.Start()

	// Initialize API Server
	apiAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort)
	apiServer := api.NewServer(apiAddr, core, logger)
	if sdListeners.Activated && sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API Server: %w", err)
	}

	// Initialize Metrics Server
	var metricsServer *metrics.Server
	if cfg.Server.MetricsPort > 0 || sdListeners.Metrics != nil {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
		metricsServer = metrics.NewServer(metricsAddr, logger)
		if sdListeners.Activated && sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start Metrics Server: %w", err)
		}
	}

	logger.Info().Msg("quiztime startup complete")
	logger.Info().Msgf("API: http://%s", apiAddr)
	if metricsServer != nil {
		logger.Info().Msgf("Metrics: http://%s:%d/metrics", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	}

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else if systemd.IsSystemdService() {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	var watchdog <-chan time.Time
	if interval := systemd.WatchdogInterval(); interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		watchdog = ticker.C
		logger.Debug().Dur("interval", interval).Msg("systemd watchdog enabled")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	// Signal handling loop
	running := true
loop:
	for {
		select {
		case <-watchdog:
			if err := systemd.NotifyWatchdog(); err != nil {
				logger.Warn().Err(err).Msg("Failed to send systemd watchdog notification")
			}
		case err := <-runErr:
			running = false
			if err != nil {
				logger.Error().Err(err).Msg("Core stopped unexpectedly")
			}
			break loop
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				// Rerun the day-boundary check, e.g. after a clock change
				logger.Info().Msg("SIGHUP received, checking day boundary")
				if _, err := core.Settle(ctx); err != nil {
					logger.Error().Err(err).Msg("Settlement check failed")
				}
				continue
			}
			logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, gracefully stopping...")
			break loop
		}
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.Duration(cfg.Server.ShutdownTimeout, 10*time.Second))
	defer shutdownCancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping API Server")
	}

	if err := sched.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping scheduler")
	}

	cancel()
	if running {
		<-runErr
	}
	core.Close(shutdownCtx)

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	logger.Info().Msg("quiztime stopped")

	return nil
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "bolt":
		return bolt.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
