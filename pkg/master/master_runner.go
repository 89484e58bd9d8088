package master

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	corelogging "github.com/core-tools/hsu-core/pkg/logging"

	"github.com/core-tools/hsu-sysinit/pkg/config"
	"github.com/core-tools/hsu-sysinit/pkg/domain"
	"github.com/core-tools/hsu-sysinit/pkg/errors"
	"github.com/core-tools/hsu-sysinit/pkg/logcollection"
	"github.com/core-tools/hsu-sysinit/pkg/logging"
	"github.com/core-tools/hsu-sysinit/pkg/manager"
	"github.com/core-tools/hsu-sysinit/pkg/metrics"
	"github.com/core-tools/hsu-sysinit/pkg/process"
	"github.com/core-tools/hsu-sysinit/pkg/processfile"
	"github.com/core-tools/hsu-sysinit/pkg/statestore"
	"github.com/core-tools/hsu-sysinit/pkg/unit"
)

type RunOptions struct {
	ConfigFile string

	// Seconds; 0 runs until a termination signal
	RunDuration int

	// Log what would be spawned instead of spawning
	DryRun bool

	// Overrides daemon.port when non-zero
	Port int
}

// Components are the pieces Run assembles from the configuration
type Components struct {
	Manager   *manager.UnitManager
	Metrics   *metrics.Metrics
	PIDFiles  *processfile.Manager
	Store     *statestore.Store
	Collector *logcollection.Collector
}

// Build wires the unit manager and its collaborators from the daemon configuration
func Build(options RunOptions, cfg *config.Config, zapLogger *zap.Logger, logger logging.Logger) (*Components, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("configuration cannot be nil", nil)
	}
	if logger == nil {
		logger = logging.Nop()
	}

	pidConfig := processfile.RecommendedConfig(cfg.Daemon.RunContext, "")
	if cfg.Daemon.PIDDir != "" {
		pidConfig.BaseDirectory = cfg.Daemon.PIDDir
		pidConfig.UseSubdirectory = false
	}
	pidFiles := processfile.NewManager(pidConfig, logging.WithPrefix(logger, "pidfile: "))

	stateFile := cfg.Daemon.StateFile
	if stateFile == "" {
		stateFile = pidFiles.StateFilePath()
	}
	store := statestore.New(stateFile, logging.WithPrefix(logger, "state: "))

	logDir := cfg.Daemon.LogDir
	if logDir == "" {
		logDir = pidFiles.LogDirectory()
	}
	collector := logcollection.NewCollector(logcollection.Config{
		Directory: logDir,
		Forward:   true,
	}, zapLogger, logging.WithPrefix(logger, "output: "))

	unitMetrics := metrics.New()
	observers := unit.Observers{unitMetrics}

	var spawner unit.Spawner
	if options.DryRun {
		// synthetic PIDs must never reach PID files
		spawner = process.NewDryRunSpawner(logger)
	} else {
		spawner = process.NewSpawner(process.SpawnerOptions{Output: collector}, logger)
		observers = append(observers, pidFiles)
	}

	unitManager := manager.New(manager.Options{
		Loader:          config.FileLoader{},
		Spawner:         spawner,
		GracefulTimeout: cfg.Daemon.GracefulTimeout,
		Parallelism:     cfg.Daemon.Parallelism,
		Observer:        observers,
		Store:           store,
	}, logger)

	return &Components{
		Manager:   unitManager,
		Metrics:   unitMetrics,
		PIDFiles:  pidFiles,
		Store:     store,
		Collector: collector,
	}, nil
}

// Run loads the configuration, starts the enabled units and serves the control API
// until a termination signal or the run duration elapses. SIGHUP reloads the configuration.
func Run(options RunOptions, cfg *config.Config, coreLogger corelogging.Logger, logger logging.Logger, zapLogger *zap.Logger) error {
	logger.Infof("Master runner starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if options.RunDuration > 0 {
		duration := time.Duration(options.RunDuration) * time.Second
		logger.Infof("Using RUN DURATION of %v", duration)
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	logger.Infof("Using CONFIGURATION FILE: %s", options.ConfigFile)
	if options.DryRun {
		logger.Infof("DRY RUN is ENABLED - no process will be spawned")
	}

	components, err := Build(options, cfg, zapLogger, logger)
	if err != nil {
		return err
	}

	if !options.DryRun {
		alive, err := components.PIDFiles.CleanStale()
		if err != nil {
			logger.Warnf("Failed to clean stale PID files: %v", err)
		}
		if len(alive) > 0 {
			logger.Warnf("Units from a previous run still alive and not adopted: %d", len(alive))
		}
	}

	if err := components.Manager.LoadConfig(ctx, options.ConfigFile); err != nil {
		return err
	}

	port := cfg.Daemon.Port
	if options.Port != 0 {
		port = options.Port
	}
	logger.Infof("Master port: %d, Units: %d", port, len(cfg.Services))

	master, err := NewMaster(MasterOptions{Port: port}, components.Manager, components.Metrics, coreLogger, logger)
	if err != nil {
		return err
	}
	master.Start(ctx)

	var wg sync.WaitGroup

	if cfg.Daemon.MetricsAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := components.Metrics.Serve(ctx, cfg.Daemon.MetricsAddr, logger); err != nil {
				logger.Errorf("Metrics endpoint: %v", err)
			}
		}()
	}

	reload := func(ctx context.Context) {
		summary, err := master.ReloadConfig(ctx)
		if err != nil {
			return
		}
		logger.Infof("Reload applied, added: %v, changed: %v, removed: %v, pending: %v",
			summary.Added, summary.Changed, summary.Removed, summary.Pending)
	}

	if cfg.Daemon.WatchConfig {
		watcher, err := WatchConfig(ctx, options.ConfigFile, 0, reload, logger)
		if err != nil {
			logger.Warnf("Configuration watch disabled: %v", err)
		} else {
			defer func() {
				if err := watcher.Stop(); err != nil {
					logger.Warnf("Configuration watcher stop: %v", err)
				}
			}()
		}
	}

	logger.Infof("Enabling signal handling...")

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig, os.Interrupt)
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	}
	defer signal.Stop(sig)

	logger.Infof("Master is ready, starting enabled units...")

	wg.Add(1)
	go func() {
		defer wg.Done()
		report := master.RunBulk(ctx, domain.BulkStartEnabled)
		logger.Infof("Boot: %s", report)
	}()

	func() {
		for {
			select {
			case receivedSignal := <-sig:
				if receivedSignal == syscall.SIGHUP {
					logger.Infof("Master runner received SIGHUP, reloading configuration")
					reload(ctx)
					continue
				}
				logger.Infof("Master runner received signal: %v", receivedSignal)
				return
			case <-ctx.Done():
				logger.Infof("Master runner timed out")
				return
			}
		}
	}()

	cancel()

	logger.Infof("Waiting for background tasks to finish...")
	wg.Wait()

	logger.Infof("Ready to stop master...")

	// Fresh context so units get their graceful shutdown
	master.Stop(context.Background())

	logger.Infof("Master runner stopped")
	return nil
}
