//go:build !windows

package process

import (
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/core-tools/hsu-sysinit/pkg/errors"
)

// setupProcessAttributes puts the child in a new process group so the whole tree
// can be signalled through -pid
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

func sendTerminationSignal(proc *os.Process) error {
	return syscall.Kill(-proc.Pid, syscall.SIGTERM)
}

func killProcessGroup(proc *os.Process) error {
	if err := syscall.Kill(-proc.Pid, syscall.SIGKILL); err != nil {
		return proc.Kill()
	}
	return nil
}

var signalsByName = map[string]syscall.Signal{
	"HUP":  syscall.SIGHUP,
	"INT":  syscall.SIGINT,
	"QUIT": syscall.SIGQUIT,
	"KILL": syscall.SIGKILL,
	"USR1": syscall.SIGUSR1,
	"USR2": syscall.SIGUSR2,
	"TERM": syscall.SIGTERM,
}

// ParseSignal accepts "HUP", "SIGHUP" or "sighup"
func ParseSignal(name string) (os.Signal, error) {
	key := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(name)), "SIG")
	sig, ok := signalsByName[key]
	if !ok {
		return nil, errors.NewValidationError("unsupported signal: "+name, nil)
	}
	return sig, nil
}

// IsRunning reports whether a process with pid exists
func IsRunning(pid int) (bool, error) {
	if pid <= 0 {
		return false, errors.NewValidationError("invalid PID", nil).WithContext("pid", pid)
	}

	// FindProcess always succeeds on Unix; signal 0 probes for existence
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, err
	}

	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true, nil
	}
	if err == os.ErrProcessDone {
		return false, nil
	}
	errno, ok := err.(syscall.Errno)
	if !ok {
		return false, err
	}
	switch errno {
	case syscall.ESRCH:
		return false, nil
	case syscall.EPERM:
		return true, nil
	}
	return false, err
}
