package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/modectl/internal/applier"
	"codeberg.org/mutker/modectl/internal/config"
	"codeberg.org/mutker/modectl/internal/controller"
	"codeberg.org/mutker/modectl/internal/host"
	"codeberg.org/mutker/modectl/internal/logger"
	"codeberg.org/mutker/modectl/internal/metrics"
	"codeberg.org/mutker/modectl/internal/notify"
	"codeberg.org/mutker/modectl/internal/pid"
	"codeberg.org/mutker/modectl/internal/profile"
	"codeberg.org/mutker/modectl/internal/reconcile"
	"codeberg.org/mutker/modectl/internal/services"
	"codeberg.org/mutker/modectl/internal/store"
	"codeberg.org/mutker/modectl/internal/syscmd"
	"codeberg.org/mutker/modectl/internal/sysfs"
	"codeberg.org/mutker/modectl/internal/thermal"
	"codeberg.org/mutker/modectl/internal/trigger"
)

var cfg *config.Config

func init() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.LogLevel, logger.IsService()); err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.Debug().Msg("Config loaded")
}

func main() {
	if err := pid.Write(); err != nil {
		logger.Fatal().Err(err).Msg("failed to write PID file")
	}
	defer pid.Remove()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if err := run(ctx); err != nil {
		logger.Error().Err(err).Msg("error in main loop")
	}
	logger.Info().Msg("Exiting...")
}

func run(ctx context.Context) error {
	log := logger.Default()
	runner := syscmd.New()
	cpufreq := sysfs.NewCPUFreq("")
	gpu := sysfs.NewGPU("")

	caps := host.Inspect(cpufreq, runner)
	caps.LogSummary(log)
	logStartupInfo(cpufreq, log)

	history, err := metrics.NewService(metrics.Config{
		DBPath:       cfg.MetricsDB,
		BatchSize:    4,
		BatchTimeout: 30,
		Enabled:      cfg.Metrics,
	}, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := history.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close application history")
		}
	}()

	profiles := profile.NewSet(profile.Frequencies{
		PowersaveKHz:   cfg.PowersaveMaxKHz,
		BalancedKHz:    cfg.BalancedMaxKHz,
		PerformanceKHz: cfg.PerformanceMaxKHz,
	})

	app := applier.New(cpufreq, gpu, runner, log)
	notifier := notify.New(runner, log)
	stateStore := store.New(cfg.StatePath, log)

	ctl := controller.New(controller.Params{
		Profiles:    profiles,
		CPUFreq:     cpufreq,
		Applier:     app,
		Coordinator: services.NewCoordinator(runner, log),
		Runner:      runner,
		Store:       stateStore,
		NewGuard: func() *thermal.Guard {
			return thermal.NewGuard(
				thermal.NewHostSensors(),
				notifier,
				log,
				time.Duration(cfg.ThermalInterval)*time.Second,
				cfg.ThermalThreshold,
				time.Duration(cfg.AlertCooldown)*time.Second,
			)
		},
		Reconcile: reconcile.NewLoop(cpufreq, app, log, time.Duration(cfg.ReconcileInterval)*time.Second),
		Log:       log,
	})
	defer ctl.Shutdown()

	ctl.AddListener(notifier)
	ctl.AddListener(&historyListener{collector: history})

	// Restore and apply the last saved profile before serving triggers
	initial := stateStore.Load()
	logger.Info().Str("profile", string(initial)).Msg("Restoring last profile")
	if err := ctl.Apply(ctx, initial); err != nil {
		logger.Error().Err(err).Msg("failed to apply initial profile")
	}

	source := trigger.NewSignalSource(ctx)
	logger.Info().Msg("Entering main event loop, SIGUSR1 cycles the profile")

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-source.Events():
			if !ok {
				return nil
			}
			// Apply off the trigger path so slow privileged commands
			// never block the next trigger.
			go func() {
				if err := ctl.Cycle(ctx); err != nil {
					logger.Error().Err(err).Msg("profile cycle failed")
				}
			}()
		}
	}
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

func logStartupInfo(cpufreq *sysfs.CPUFreq, log logger.Logger) {
	log.Info().Int("cpus", len(cpufreq.CPUs())).Msg("System info")

	if temp, err := thermal.NewHostSensors().Read(); err == nil {
		log.Info().Float64("temperature", temp).Msg("Current CPU temperature")
	} else {
		log.Info().Msg("Temperature: N/A")
	}
}

// historyListener records each profile application to the history
// repository.
type historyListener struct {
	collector metrics.Collector
}

func (h *historyListener) ProfileChanged(event controller.Event) {
	snapshot := &metrics.ApplySnapshot{
		Timestamp:         time.Now(),
		Profile:           string(event.New),
		RequestedGovernor: event.Report.RequestedGovernor,
		ResolvedGovernor:  event.Report.ResolvedGovernor,
		Converged:         event.Report.Converged,
		Attempts:          event.Report.Attempts,
		CoresWritten:      event.Report.GovernorCoresWritten,
		CoresFailed:       event.Report.GovernorCoresFailed,
		GPUCardsWritten:   event.Report.GPUCardsWritten,
		TLPSuspended:      event.Suspended.TLPWasActive,
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.collector.Record(ctx, snapshot); err != nil {
		logger.Warn().Err(err).Msg("failed to record application history")
	}
}
