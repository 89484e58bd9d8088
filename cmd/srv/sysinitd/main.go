package main

import (
	"fmt"
	"os"

	sprintfLogging "github.com/core-tools/hsu-core/pkg/logging/sprintf"

	coreLogging "github.com/core-tools/hsu-core/pkg/logging"

	"github.com/core-tools/hsu-sysinit/pkg/config"
	sysinitLogging "github.com/core-tools/hsu-sysinit/pkg/logging"
	"github.com/core-tools/hsu-sysinit/pkg/master"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Config      string `long:"config" short:"c" description:"path to the configuration file" required:"true"`
	Port        int    `long:"port" description:"port to listen on, overrides daemon.port"`
	RunDuration int    `long:"run-duration" description:"stop after this many seconds, 0 runs forever"`
	DryRun      bool   `long:"dry-run" description:"log what would be executed instead of spawning processes"`
	Validate    bool   `long:"validate" description:"validate the configuration file and exit"`
	LogLevel    string `long:"log-level" description:"overrides daemon.log_level"`
	LogFormat   string `long:"log-format" description:"overrides daemon.log_format (console or json)"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s-server , ", module)
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	bootLogger := sprintfLogging.NewStdSprintfLogger()

	if opts.Validate {
		if err := config.ValidateConfigFile(opts.Config, nil); err != nil {
			bootLogger.Errorf("Configuration is invalid: %v", err)
			os.Exit(1)
		}
		bootLogger.Infof("Configuration is valid: %s", opts.Config)
		return
	}

	cfg, err := config.LoadConfigFromFile(opts.Config)
	if err != nil {
		bootLogger.Errorf("Failed to load configuration: %v", err)
		os.Exit(1)
	}

	zapConfig := sysinitLogging.DefaultZapConfig()
	zapConfig.Level = cfg.Daemon.LogLevel
	zapConfig.Format = cfg.Daemon.LogFormat
	if opts.LogLevel != "" {
		zapConfig.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		zapConfig.Format = opts.LogFormat
	}

	logger, zapLogger, err := sysinitLogging.NewZapLogger(zapConfig)
	if err != nil {
		bootLogger.Errorf("Failed to create logger: %v", err)
		os.Exit(1)
	}
	defer func() { _ = zapLogger.Sync() }()

	logger.Infof("opts: %+v", opts)

	coreLogger := coreLogging.NewLogger(
		logPrefix("hsu-core"), coreLogging.LogFuncs{
			Debugf: logger.Debugf,
			Infof:  logger.Infof,
			Warnf:  logger.Warnf,
			Errorf: logger.Errorf,
		})
	sysinitLogger := sysinitLogging.WithPrefix(logger, logPrefix("hsu-sysinit"))

	runOptions := master.RunOptions{
		ConfigFile:  opts.Config,
		RunDuration: opts.RunDuration,
		DryRun:      opts.DryRun,
		Port:        opts.Port,
	}
	if err := master.Run(runOptions, cfg, coreLogger, sysinitLogger, zapLogger); err != nil {
		logger.Errorf("sysinitd failed: %v", err)
		_ = zapLogger.Sync()
		os.Exit(1)
	}
}
