package process

import (
	"context"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/core-tools/hsu-sysinit/pkg/errors"
	"github.com/core-tools/hsu-sysinit/pkg/logging"
	"github.com/core-tools/hsu-sysinit/pkg/unit"
)

// Output supplies the writers a unit's stdout and stderr are copied to.
// Both writers are closed once the process has exited.
type Output interface {
	Open(unitName string) (stdout io.WriteCloser, stderr io.WriteCloser, err error)
}

type SpawnerOptions struct {
	// Output is optional; without it the process inherits /dev/null
	Output Output

	// KillWait bounds the wait after the kill signal
	KillWait time.Duration

	// OutputWaitDelay bounds how long output is drained once the process has exited.
	// Descendants that keep stdout or stderr open are cut off after it.
	OutputWaitDelay time.Duration
}

// Spawner starts unit processes with os/exec, each in its own process group
type Spawner struct {
	options SpawnerOptions
	logger  logging.Logger
}

func NewSpawner(options SpawnerOptions, logger logging.Logger) *Spawner {
	if options.KillWait <= 0 {
		options.KillWait = DefaultKillWait
	}
	if options.OutputWaitDelay <= 0 {
		options.OutputWaitDelay = DefaultOutputWaitDelay
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Spawner{
		options: options,
		logger:  logger,
	}
}

// ParseCommand splits exec_start into argv using shell quoting rules
func ParseCommand(execStart string) ([]string, error) {
	args, err := shellwords.Parse(execStart)
	if err != nil {
		return nil, errors.NewInvalidDefinitionError("cannot parse exec_start", err).WithContext("exec_start", execStart)
	}
	if len(args) == 0 {
		return nil, errors.NewInvalidDefinitionError("exec_start is empty", nil)
	}
	return args, nil
}

func (s *Spawner) Spawn(ctx context.Context, def unit.Definition) (unit.ProcessHandle, error) {
	if ctx == nil {
		return nil, errors.NewValidationError("context cannot be nil", nil).WithUnit(def.Name)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError("spawn cancelled", err).WithUnit(def.Name)
	}

	args, err := ParseCommand(def.ExecStart)
	if err != nil {
		return nil, errors.NewSpawnError("invalid command line", err).WithUnit(def.Name)
	}

	s.logger.Debugf("Spawning process, unit: %s, args: %v, working_dir: '%s'", def.Name, args, def.WorkingDir)

	// Not CommandContext: the process outlives the request that started it
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = def.WorkingDir
	cmd.Env = append(os.Environ(), def.Env()...)
	setupProcessAttributes(cmd)

	var stdout, stderr io.WriteCloser
	if s.options.Output != nil {
		stdout, stderr, err = s.options.Output.Open(def.Name)
		if err != nil {
			return nil, errors.NewIOError("failed to open unit output", err).WithUnit(def.Name)
		}
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		cmd.WaitDelay = s.options.OutputWaitDelay
	}

	if err := cmd.Start(); err != nil {
		closeOutput(stdout, stderr)
		return nil, errors.NewSpawnError("failed to start the process", err).
			WithUnit(def.Name).WithContext("exec_start", def.ExecStart)
	}

	s.logger.Infof("Spawned process, unit: %s, pid: %d", def.Name, cmd.Process.Pid)

	h := &Handle{
		cmd:      cmd,
		done:     make(chan struct{}),
		killWait: s.options.KillWait,
		logger:   s.logger,
	}
	go h.wait(stdout, stderr)
	return h, nil
}

func closeOutput(writers ...io.WriteCloser) {
	for _, w := range writers {
		if w != nil {
			_ = w.Close()
		}
	}
}
