package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/thermald/internal/config"
	"codeberg.org/mutker/thermald/internal/device"
	"codeberg.org/mutker/thermald/internal/engine"
	"codeberg.org/mutker/thermald/internal/errors"
	"codeberg.org/mutker/thermald/internal/logger"
	"codeberg.org/mutker/thermald/internal/metrics"
	"codeberg.org/mutker/thermald/internal/pid"
	"codeberg.org/mutker/thermald/internal/scenario"
)

var (
	cfg       *config.Config
	env       *config.Environment
	telemetry metrics.Collector
)

func init() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	level, _ := logger.ParseLevel(cfg.LogLevel)
	logger.Init(level, logger.IsService())
	logger.Debug().Msg("Config loaded")

	if err := pid.Write(cfg.PIDFile); err != nil {
		logger.Fatal().Err(err).Msg("failed to write PID file")
	}

	env, err = config.LoadEnvironment(cfg.Environment)
	if err != nil {
		exitWithCode(err, "failed to load environment")
	}

	if err := config.EnsureProfile(cfg.ConfDir, env.Profile, cfg.SeedProfile); err != nil {
		exitWithCode(err, "failed to install default profile")
	}

	telemetry, err = metrics.NewService(metrics.Config{
		DBPath:       cfg.TelemetryDB,
		Enabled:      cfg.Telemetry,
		BatchSize:    metrics.DefaultConfig().BatchSize,
		BatchTimeout: metrics.DefaultConfig().BatchTimeout,
	}, logger.Default().With("telemetry"))
	if err != nil {
		exitWithCode(err, "failed to initialize telemetry")
	}
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := scenario.NewCoordinator(
		scenario.WithPeriod(time.Duration(cfg.PollInterval)*time.Millisecond),
		scenario.WithSelectors(cfg.ScenarioFile, cfg.DConfFile),
		scenario.WithObserver(func(tr scenario.Transition) {
			if err := telemetry.RecordTransition(ctx, metrics.TransitionEventOf(tr)); err != nil {
				logger.Debug().Err(err).Msg("failed to record transition")
			}
		}),
	)

	eng, err := engine.New(env,
		engine.WithBarrier(coord),
		engine.WithConfDir(cfg.ConfDir),
		engine.WithDeviceObserver(func(c device.Change) {
			if err := telemetry.RecordDevice(ctx, metrics.DeviceEventOf(c)); err != nil {
				logger.Debug().Err(err).Msg("failed to record device change")
			}
		}),
	)
	if err != nil {
		cleanup(nil)
		exitWithCode(err, "failed to build thermal engine")
	}
	coord.Attach(eng)

	if err := eng.LoadProfile(env.Profile); err != nil {
		cleanup(eng)
		exitWithCode(err, "failed to load profile")
	}

	go handleSignals(cancel, eng)

	eng.RunWorkers(ctx)
	logger.Info().
		Str("profile", env.Profile).
		Str("scenario", coord.Current()).
		Msg("Thermal engine running")

	if err := coord.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("error in main loop")
	}

	cancel()
	eng.Wait()
	cleanup(eng)
}

func handleSignals(cancel context.CancelFunc, eng *engine.Engine) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)

	for sig := range sigs {
		if sig == syscall.SIGUSR1 {
			eng.LogState()
			continue
		}

		logger.Info().Msg("Received termination signal.")
		cancel()
		return
	}
}

// cleanup releases every device, closes telemetry and removes the PID file.
func cleanup(eng *engine.Engine) {
	if eng != nil {
		if err := eng.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("failed to release devices")
		}
	}

	if err := telemetry.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close telemetry")
	}

	if err := pid.Remove(cfg.PIDFile); err != nil {
		logger.Error().Err(err).Msg("failed to remove PID file")
	}

	logger.Info().Msg("Exiting...")
}

func exitWithCode(err error, msg string) {
	_ = pid.Remove(cfg.PIDFile)

	var appErr errors.Error
	if errors.As(err, &appErr) {
		logger.FatalWithCode(appErr).Msg(msg)
	}
	logger.Fatal().Err(err).Msg(msg)
}
