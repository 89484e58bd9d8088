package process

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/core-tools/hsu-sysinit/pkg/errors"
	"github.com/core-tools/hsu-sysinit/pkg/logging"
	"github.com/core-tools/hsu-sysinit/pkg/unit"
)

// DryRunSpawner logs what would be executed and hands back a placeholder process
// that lives until terminated. PIDs are synthetic.
type DryRunSpawner struct {
	logger  logging.Logger
	nextPID atomic.Int64
}

func NewDryRunSpawner(logger logging.Logger) *DryRunSpawner {
	if logger == nil {
		logger = logging.Nop()
	}
	return &DryRunSpawner{logger: logger}
}

func (s *DryRunSpawner) Spawn(ctx context.Context, def unit.Definition) (unit.ProcessHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError("spawn cancelled", err).WithUnit(def.Name)
	}
	args, err := ParseCommand(def.ExecStart)
	if err != nil {
		return nil, errors.NewSpawnError("invalid command line", err).WithUnit(def.Name)
	}

	pid := int(s.nextPID.Add(1))
	s.logger.Infof("[dry-run] would execute, unit: %s, args: %q, working_dir: '%s', env: %v",
		def.Name, args, def.WorkingDir, def.Env())

	return &dryRunHandle{pid: pid, done: make(chan struct{}), logger: s.logger}, nil
}

type dryRunHandle struct {
	pid    int
	done   chan struct{}
	once   sync.Once
	logger logging.Logger
}

func (h *dryRunHandle) PID() int { return h.pid }
func (h *dryRunHandle) Done() <-chan struct{} { return h.done }
func (h *dryRunHandle) ExitErr() error { return nil }

func (h *dryRunHandle) Signal(name string) error {
	if _, err := ParseSignal(name); err != nil {
		return err
	}
	h.logger.Infof("[dry-run] would send %s, pid: %d", name, h.pid)
	return nil
}

func (h *dryRunHandle) Terminate(ctx context.Context, grace time.Duration) error {
	h.logger.Infof("[dry-run] would terminate, pid: %d, grace: %v", h.pid, grace)
	h.once.Do(func() { close(h.done) })
	return nil
}
