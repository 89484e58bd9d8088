package unit

import (
	"context"
	"sync"
	"time"

	"github.com/core-tools/hsu-sysinit/pkg/errors"
	"github.com/core-tools/hsu-sysinit/pkg/logging"
)

// DefaultGracefulTimeout applies when neither the definition nor the options set one
const DefaultGracefulTimeout = 10 * time.Second

// Options carries the collaborators a unit drives
type Options struct {
	Spawner         Spawner
	PathExists      func(path string) bool
	GracefulTimeout time.Duration
	Observer        Observer
}

// Unit is the lifecycle state machine of one service. It is the only owner of its
// process handle; a handle is attached exactly while the state is running.
type Unit struct {
	def     Definition
	options Options
	logger  logging.Logger

	// Serializes lifecycle operations. Held for the whole operation, including
	// spawn and the stop grace period.
	opMutex sync.Mutex

	// Guards the fields below. Never held across blocking calls so snapshots
	// stay available while an operation is in flight.
	mutex     sync.RWMutex
	state     State
	enabled   bool
	handle    ProcessHandle
	pid       int
	lastPID   int
	startTime *time.Time
	lastErr   error
	stopping  bool

	// Set once the unit is dropped from its registry; every operation then fails
	retired bool
}

func New(def Definition, options Options, logger logging.Logger) *Unit {
	if options.PathExists == nil {
		options.PathExists = PathExists
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Unit{
		def:     def.Clone(),
		options: options,
		logger:  logger,
		state:   StateUnloaded,
		enabled: def.Enabled,
	}
}

func (u *Unit) Name() string {
	return u.def.Name
}

// Definition returns a copy; the unit's own definition never changes after New
func (u *Unit) Definition() Definition {
	return u.def.Clone()
}

func (u *Unit) State() State {
	u.mutex.RLock()
	defer u.mutex.RUnlock()
	return u.state
}

func (u *Unit) Enabled() bool {
	u.mutex.RLock()
	defer u.mutex.RUnlock()
	return u.enabled
}

// LastError is the error recorded by the most recent failed operation
func (u *Unit) LastError() error {
	u.mutex.RLock()
	defer u.mutex.RUnlock()
	return u.lastErr
}

func (u *Unit) Status() Status {
	u.mutex.RLock()
	defer u.mutex.RUnlock()

	status := Status{
		Name:        u.def.Name,
		Description: u.def.Description,
		State:       u.state,
		Enabled:     u.enabled,
		PID:         u.pid,
		LastPID:     u.lastPID,
		LastError:   u.lastErr,
	}
	if u.startTime != nil {
		startTime := *u.startTime
		status.StartTime = &startTime
	}
	return status
}

// Retired reports whether the unit was dropped from its registry
func (u *Unit) Retired() bool {
	u.mutex.RLock()
	defer u.mutex.RUnlock()
	return u.retired
}

// liveLocked fails once the unit is retired; callers hold opMutex
func (u *Unit) liveLocked() error {
	if u.Retired() {
		return errors.NewUnitNotFoundError(u.def.Name)
	}
	return nil
}

// Load validates the definition and moves unloaded -> loaded. Already loaded units are left alone.
func (u *Unit) Load() error {
	u.opMutex.Lock()
	defer u.opMutex.Unlock()

	if err := u.liveLocked(); err != nil {
		return err
	}
	return u.loadLocked()
}

func (u *Unit) loadLocked() error {
	if u.State().IsLoaded() {
		return nil
	}

	if err := u.def.Validate(u.options.PathExists); err != nil {
		u.logger.Errorf("Invalid definition: %v", err)
		u.mutex.Lock()
		u.lastErr = err
		u.mutex.Unlock()
		return err
	}

	u.transition(StateLoaded, nil)
	u.logger.Infof("Unit loaded")
	return nil
}

func (u *Unit) Enable() error {
	return u.setIntent(true)
}

func (u *Unit) Disable() error {
	return u.setIntent(false)
}

// setIntent records enabled/disabled. It never starts or stops the process.
func (u *Unit) setIntent(enabled bool) error {
	u.opMutex.Lock()
	defer u.opMutex.Unlock()

	if err := u.liveLocked(); err != nil {
		return err
	}

	u.mutex.Lock()
	from := u.state
	if from == StateUnloaded {
		u.mutex.Unlock()
		return errors.NewNotLoadedError(u.def.Name)
	}

	u.enabled = enabled
	to := from
	switch from {
	case StateLoaded, StateEnabled, StateDisabled:
		to = StateDisabled
		if enabled {
			to = StateEnabled
		}
	}
	u.state = to
	t := u.snapshotLocked(from, nil)
	u.mutex.Unlock()

	u.notify(t)
	u.logger.Infof("Unit intent set, enabled: %t, state: %s", enabled, to)
	return nil
}

// Start spawns the process. A running unit is left untouched.
func (u *Unit) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil).WithUnit(u.def.Name)
	}

	u.opMutex.Lock()
	defer u.opMutex.Unlock()

	if err := u.liveLocked(); err != nil {
		return err
	}
	return u.startLocked(ctx)
}

func (u *Unit) startLocked(ctx context.Context) error {
	state := u.State()
	if state == StateRunning {
		u.logger.Debugf("Unit already running, pid: %d", u.Status().PID)
		return nil
	}
	if !canStartFromState(state) {
		return errors.NewInternalError("cannot start unit in state '"+string(state)+"'", nil).WithUnit(u.def.Name)
	}

	if state == StateUnloaded {
		if err := u.loadLocked(); err != nil {
			u.transition(StateFailed, err)
			return err
		}
	}

	// working_dir may have disappeared since load
	if err := u.def.Validate(u.options.PathExists); err != nil {
		u.transition(StateFailed, err)
		return err
	}

	if u.options.Spawner == nil {
		err := errors.NewSpawnError("no spawner configured", nil).WithUnit(u.def.Name)
		u.transition(StateFailed, err)
		return err
	}

	u.logger.Infof("Starting unit, exec_start: %s, working_dir: %s", u.def.ExecStart, u.def.WorkingDir)

	handle, err := u.options.Spawner.Spawn(ctx, u.def)
	if err != nil {
		spawnErr := errors.NewSpawnError("failed to spawn process", err).WithUnit(u.def.Name)
		u.logger.Errorf("Failed to start unit: %v", err)
		u.transition(StateFailed, spawnErr)
		return spawnErr
	}

	now := time.Now()
	u.mutex.Lock()
	from := u.state
	u.handle = handle
	u.pid = handle.PID()
	u.lastPID = u.pid
	u.startTime = &now
	u.lastErr = nil
	u.state = StateRunning
	t := u.snapshotLocked(from, nil)
	u.mutex.Unlock()

	go u.watch(handle)

	u.notify(t)
	u.logger.Infof("Unit started, pid: %d", t.PID)
	return nil
}

// watch records an exit the unit did not ask for
func (u *Unit) watch(handle ProcessHandle) {
	<-handle.Done()

	u.mutex.Lock()
	if u.handle != handle || u.stopping {
		u.mutex.Unlock()
		return
	}

	exitErr := handle.ExitErr()
	pid := u.pid
	from := u.state
	to := StateStopped
	var recorded error
	if exitErr != nil {
		to = StateFailed
		recorded = errors.NewInternalError("process exited unexpectedly", exitErr).
			WithUnit(u.def.Name).WithContext("pid", u.pid)
	}
	u.releaseLocked()
	u.state = to
	u.lastErr = recorded
	t := u.snapshotLocked(from, recorded)
	t.PID = pid
	u.mutex.Unlock()

	u.notify(t)
	if exitErr != nil {
		u.logger.Warnf("Process exited on its own, pid: %d, error: %v", t.PID, exitErr)
	} else {
		u.logger.Infof("Process exited on its own, pid: %d", t.PID)
	}
}

// Stop terminates the process. Anything but a running unit is a no-op.
func (u *Unit) Stop(ctx context.Context) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil).WithUnit(u.def.Name)
	}

	u.opMutex.Lock()
	defer u.opMutex.Unlock()

	// a retired unit is never running, so stopping it is already a no-op
	return u.stopLocked(ctx)
}

func (u *Unit) stopLocked(ctx context.Context) error {
	// Phase 1: take the handle out under lock
	u.mutex.Lock()
	if u.state != StateRunning {
		u.mutex.Unlock()
		return nil
	}
	handle := u.handle
	pid := u.pid
	u.stopping = true
	u.mutex.Unlock()

	// Phase 2: terminate outside the field lock
	grace := u.gracefulTimeout()
	u.logger.Infof("Stopping unit, pid: %d, grace: %v", pid, grace)
	termErr := handle.Terminate(ctx, grace)

	// Phase 3: release the handle whatever happened
	u.mutex.Lock()
	from := u.state
	u.stopping = false
	u.releaseLocked()
	var recorded error
	if termErr != nil {
		recorded = errors.NewStopError("termination could not be confirmed", termErr).
			WithUnit(u.def.Name).WithContext("pid", pid)
		u.state = StateFailed
	} else {
		u.state = StateStopped
	}
	u.lastErr = recorded
	t := u.snapshotLocked(from, recorded)
	t.PID = pid
	u.mutex.Unlock()

	u.notify(t)

	if recorded != nil {
		u.logger.Errorf("Failed to stop unit: %v", recorded)
		return recorded
	}
	if ctx.Err() != nil {
		u.logger.Warnf("Stop cancelled, process force terminated, pid: %d", pid)
	} else {
		u.logger.Infof("Unit stopped, pid: %d", pid)
	}
	return nil
}

// Restart stops a running unit and starts it again. A failed stop aborts before start.
func (u *Unit) Restart(ctx context.Context) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil).WithUnit(u.def.Name)
	}

	u.opMutex.Lock()
	defer u.opMutex.Unlock()

	if err := u.liveLocked(); err != nil {
		return err
	}
	return u.restartLocked(ctx)
}

func (u *Unit) restartLocked(ctx context.Context) error {
	u.logger.Infof("Restarting unit")

	if err := u.stopLocked(ctx); err != nil {
		return err
	}
	return u.startLocked(ctx)
}

// Reload delivers the definition's reload signal to a running unit; without one it restarts.
func (u *Unit) Reload(ctx context.Context) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil).WithUnit(u.def.Name)
	}

	u.opMutex.Lock()
	defer u.opMutex.Unlock()

	if err := u.liveLocked(); err != nil {
		return err
	}

	u.mutex.RLock()
	handle := u.handle
	u.mutex.RUnlock()

	if u.def.ReloadSignal != "" && handle != nil {
		u.logger.Infof("Reloading unit with signal %s, pid: %d", u.def.ReloadSignal, handle.PID())
		if err := handle.Signal(u.def.ReloadSignal); err != nil {
			return errors.NewInternalError("failed to deliver reload signal", err).
				WithUnit(u.def.Name).WithContext("signal", u.def.ReloadSignal)
		}
		return nil
	}

	return u.restartLocked(ctx)
}

// Unload returns the unit to unloaded. Running units must be stopped first.
func (u *Unit) Unload() error {
	u.opMutex.Lock()
	defer u.opMutex.Unlock()

	if err := u.liveLocked(); err != nil {
		return err
	}
	return u.unloadLocked(false)
}

// Retire unloads the unit for good. Its owner removes it from the registry afterwards;
// operations that already hold a reference fail with UnitNotFound instead of spawning.
func (u *Unit) Retire() error {
	u.opMutex.Lock()
	defer u.opMutex.Unlock()

	if err := u.liveLocked(); err != nil {
		return err
	}
	return u.unloadLocked(true)
}

func (u *Unit) unloadLocked(retire bool) error {
	u.mutex.Lock()
	if u.state == StateRunning {
		u.mutex.Unlock()
		return errors.NewUnitBusyError(u.def.Name)
	}
	u.retired = retire
	if u.state == StateUnloaded {
		u.mutex.Unlock()
		return nil
	}
	from := u.state
	u.state = StateUnloaded
	u.lastErr = nil
	t := u.snapshotLocked(from, nil)
	u.mutex.Unlock()

	u.notify(t)
	u.logger.Infof("Unit unloaded")
	return nil
}

func (u *Unit) gracefulTimeout() time.Duration {
	if u.def.GracefulTimeout > 0 {
		return u.def.GracefulTimeout
	}
	if u.options.GracefulTimeout > 0 {
		return u.options.GracefulTimeout
	}
	return DefaultGracefulTimeout
}

// transition moves to state "to" recording err; used where no handle changes hands
func (u *Unit) transition(to State, err error) {
	u.mutex.Lock()
	from := u.state
	u.state = to
	u.lastErr = err
	t := u.snapshotLocked(from, err)
	u.mutex.Unlock()

	u.notify(t)
}

func (u *Unit) releaseLocked() {
	u.handle = nil
	u.pid = 0
	u.startTime = nil
}

func (u *Unit) snapshotLocked(from State, err error) Transition {
	return Transition{
		Unit:    u.def.Name,
		From:    from,
		To:      u.state,
		PID:     u.pid,
		Enabled: u.enabled,
		Err:     err,
	}
}

func (u *Unit) notify(t Transition) {
	if u.options.Observer != nil {
		u.options.Observer.UnitTransitioned(t)
	}
}
