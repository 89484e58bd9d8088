package process

import (
	"context"
	stderrors "errors"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/core-tools/hsu-sysinit/pkg/errors"
	"github.com/core-tools/hsu-sysinit/pkg/logging"
)

// DefaultKillWait bounds the wait for a killed process to be reaped
const DefaultKillWait = 5 * time.Second

// DefaultOutputWaitDelay bounds output draining after the process exited
const DefaultOutputWaitDelay = 2 * time.Second

// Handle is a spawned process. It is reaped by its own goroutine; Done is closed after that.
type Handle struct {
	cmd      *exec.Cmd
	done     chan struct{}
	killWait time.Duration
	logger   logging.Logger

	mutex   sync.Mutex
	exitErr error
}

func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) ExitErr() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.exitErr
}

func (h *Handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *Handle) wait(stdout, stderr io.WriteCloser) {
	err := h.cmd.Wait()
	if stderrors.Is(err, exec.ErrWaitDelay) {
		// the process exited cleanly; a descendant still held its output open
		h.logger.Warnf("Output still open after exit, detached, pid: %d", h.PID())
		err = nil
	}
	closeOutput(stdout, stderr)

	h.mutex.Lock()
	h.exitErr = err
	h.mutex.Unlock()

	h.logger.Debugf("Process reaped, pid: %d, error: %v", h.PID(), err)
	close(h.done)
}

// Signal delivers a named signal (e.g. "HUP", "SIGUSR1") to the process
func (h *Handle) Signal(name string) error {
	sig, err := ParseSignal(name)
	if err != nil {
		return err
	}
	if h.exited() {
		return errors.NewInternalError("process already exited", nil).WithContext("pid", h.PID())
	}
	return h.cmd.Process.Signal(sig)
}

// Terminate asks the process group to exit, waits up to grace, then kills it.
// Cancelling ctx escalates to the kill immediately. A nil return means the exit was observed.
func (h *Handle) Terminate(ctx context.Context, grace time.Duration) error {
	pid := h.PID()
	if h.exited() {
		return nil
	}

	h.logger.Infof("Sending termination signal, pid: %d, grace: %v", pid, grace)
	if err := sendTerminationSignal(h.cmd.Process); err != nil {
		h.logger.Warnf("Failed to send termination signal, pid: %d, error: %v", pid, err)
	}

	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()

	select {
	case <-h.done:
		h.logger.Infof("Process terminated gracefully, pid: %d", pid)
		return nil
	case <-graceTimer.C:
		h.logger.Warnf("Process did not terminate within %v, forcing termination, pid: %d", grace, pid)
	case <-ctx.Done():
		h.logger.Warnf("Context cancelled during graceful termination, forcing termination, pid: %d", pid)
	}

	if err := killProcessGroup(h.cmd.Process); err != nil && !h.exited() {
		return errors.NewStopError("failed to kill process", err).WithContext("pid", pid)
	}

	killTimer := time.NewTimer(h.killWait)
	defer killTimer.Stop()

	select {
	case <-h.done:
		h.logger.Infof("Process force terminated, pid: %d", pid)
		return nil
	case <-killTimer.C:
		return errors.NewTimeoutError("process did not terminate even after force termination", nil).WithContext("pid", pid)
	}
}
