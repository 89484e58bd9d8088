package main

import (
	"context"
	"fmt"
	"os"
	"time"

	sprintfLogging "github.com/core-tools/hsu-core/pkg/logging/sprintf"

	coreControl "github.com/core-tools/hsu-core/pkg/control"
	coreDomain "github.com/core-tools/hsu-core/pkg/domain"
	coreLogging "github.com/core-tools/hsu-core/pkg/logging"

	"github.com/core-tools/hsu-sysinit/pkg/config"
	"github.com/core-tools/hsu-sysinit/pkg/control"
	"github.com/core-tools/hsu-sysinit/pkg/domain"
	sysinitLogging "github.com/core-tools/hsu-sysinit/pkg/logging"

	flags "github.com/jessevdk/go-flags"
)

type globalOptions struct {
	AttachPort int           `long:"port" description:"port of the running sysinitd" default:"50065"`
	ServerPath string        `long:"server" description:"path to a sysinitd executable to launch instead of attaching"`
	Timeout    time.Duration `long:"timeout" description:"deadline for the whole command" default:"60s"`
	Verbose    bool          `long:"verbose" short:"v" description:"log client activity"`
}

var opts globalOptions

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s-client , ", module)
}

func newLoggers() (coreLogging.Logger, sysinitLogging.Logger) {
	sysinitLogger := sysinitLogging.Nop()
	if opts.Verbose {
		logger := sprintfLogging.NewStdSprintfLogger()
		sysinitLogger = sysinitLogging.NewLogger(
			logPrefix("hsu-sysinit"), sysinitLogging.LogFuncs{
				Debugf: logger.Debugf,
				Infof:  logger.Infof,
				Warnf:  logger.Warnf,
				Errorf: logger.Errorf,
			})
	}

	coreLogger := coreLogging.NewLogger(
		"", coreLogging.LogFuncs{
			Debugf: sysinitLogger.Debugf,
			Infof:  sysinitLogger.Infof,
			Warnf:  sysinitLogger.Warnf,
			Errorf: sysinitLogger.Errorf,
		})
	return coreLogger, sysinitLogger
}

// withClient connects to sysinitd, waits until it answers and runs fn
func withClient(fn func(ctx context.Context, client domain.Contract) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	coreLogger, sysinitLogger := newLoggers()

	coreConnectionOptions := coreControl.ConnectionOptions{
		ServerPath: opts.ServerPath,
		AttachPort: opts.AttachPort,
	}
	coreConnection, err := coreControl.NewConnection(coreConnectionOptions, coreLogger)
	if err != nil {
		return fmt.Errorf("failed to connect to sysinitd: %w", err)
	}

	coreClientGateway := coreControl.NewGRPCClientGateway(coreConnection.GRPC(), coreLogger)
	sysinitClientGateway := control.NewGRPCClientGateway(coreConnection.GRPC(), sysinitLogger)

	retryPingOptions := coreDomain.RetryPingOptions{
		RetryAttempts: 5,
		RetryInterval: 500 * time.Millisecond,
	}
	if err := coreDomain.RetryPing(ctx, coreClientGateway, retryPingOptions, coreLogger); err != nil {
		return fmt.Errorf("sysinitd is not responding on port %d: %w", opts.AttachPort, err)
	}

	return fn(ctx, sysinitClientGateway)
}

func newParser() *flags.Parser {
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.LongDescription = "sysinitctl controls the units supervised by sysinitd."

	for _, action := range domain.Actions() {
		cmd := &unitActionCommand{action: action}
		_, _ = parser.AddCommand(string(action), actionDescriptions[action], "", cmd)
	}
	for _, action := range domain.BulkActions() {
		cmd := &bulkActionCommand{action: action}
		_, _ = parser.AddCommand(string(action), bulkDescriptions[action], "", cmd)
	}
	_, _ = parser.AddCommand("status", "Show daemon status, or one unit in detail", "", &statusCommand{})
	_, _ = parser.AddCommand("list", "List every unit with its state", "", &listCommand{})
	_, _ = parser.AddCommand("reload-config", "Re-read the configuration file and apply the differences", "", &reloadConfigCommand{})
	_, _ = parser.AddCommand("validate", "Validate a configuration file without contacting the daemon", "", &validateCommand{})
	return parser
}

func main() {
	parser := newParser()
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Println(flagsErr.Message)
			return
		}
		fmt.Fprintln(os.Stderr, ErrorMsg("%v", err))
		os.Exit(1)
	}
}

var actionDescriptions = map[domain.Action]string{
	domain.ActionStart:   "Start a unit",
	domain.ActionStop:    "Stop a unit gracefully",
	domain.ActionRestart: "Stop then start a unit",
	domain.ActionReload:  "Reload a unit: its reload signal, or a restart",
	domain.ActionEnable:  "Mark a unit to start at boot",
	domain.ActionDisable: "Unmark a unit from starting at boot",
	domain.ActionUnload:  "Remove a stopped unit from the daemon",
}

var bulkDescriptions = map[domain.BulkAction]string{
	domain.BulkStartAll:     "Start every unit",
	domain.BulkStopAll:      "Stop every running unit",
	domain.BulkReloadAll:    "Reload every unit",
	domain.BulkStartEnabled: "Start every enabled unit",
}

type unitArgs struct {
	Name string `positional-arg-name:"unit" required:"yes"`
}

type unitActionCommand struct {
	action domain.Action
	Args   unitArgs `positional-args:"yes" required:"yes"`
}

func (c *unitActionCommand) Execute(args []string) error {
	return withClient(func(ctx context.Context, client domain.Contract) error {
		info, err := client.UnitAction(ctx, c.Args.Name, c.action)
		if err != nil {
			return err
		}
		fmt.Println(SuccessMsg("%s %s: %s", c.action, info.Name, StateText(info.State)))
		return nil
	})
}

type bulkActionCommand struct {
	action domain.BulkAction
}

func (c *bulkActionCommand) Execute(args []string) error {
	return withClient(func(ctx context.Context, client domain.Contract) error {
		report, err := client.BulkAction(ctx, c.action)
		if err != nil {
			return err
		}
		fmt.Print(RenderBulkReport(report))
		if failed := report.Failed(); failed > 0 {
			return fmt.Errorf("%s: %d of %d units failed", report.Operation, failed, len(report.Results))
		}
		return nil
	})
}

type statusCommand struct {
	Args struct {
		Name string `positional-arg-name:"unit"`
	} `positional-args:"yes"`
}

func (c *statusCommand) Execute(args []string) error {
	return withClient(func(ctx context.Context, client domain.Contract) error {
		if c.Args.Name == "" {
			status, err := client.Status(ctx)
			if err != nil {
				return err
			}
			fmt.Println(InfoMsg("%s", status))
			return nil
		}
		info, err := client.UnitStatus(ctx, c.Args.Name)
		if err != nil {
			return err
		}
		fmt.Print(RenderUnit(info))
		return nil
	})
}

type listCommand struct{}

func (c *listCommand) Execute(args []string) error {
	return withClient(func(ctx context.Context, client domain.Contract) error {
		units, err := client.ListUnits(ctx)
		if err != nil {
			return err
		}
		fmt.Println(RenderUnitTable(units))
		return nil
	})
}

type reloadConfigCommand struct{}

func (c *reloadConfigCommand) Execute(args []string) error {
	return withClient(func(ctx context.Context, client domain.Contract) error {
		summary, err := client.ReloadConfig(ctx)
		if err != nil {
			return err
		}
		fmt.Print(RenderReloadSummary(summary))
		return nil
	})
}

type validateCommand struct {
	Args struct {
		File string `positional-arg-name:"file" required:"yes"`
	} `positional-args:"yes" required:"yes"`
}

func (c *validateCommand) Execute(args []string) error {
	if err := config.ValidateConfigFile(c.Args.File, nil); err != nil {
		return err
	}
	fmt.Println(SuccessMsg("%s is valid", c.Args.File))
	return nil
}
