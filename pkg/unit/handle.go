package unit

import (
	"context"
	"time"
)

// ProcessHandle is one live OS process owned by a running unit
type ProcessHandle interface {
	PID() int

	// Done is closed once the process has exited and been reaped
	Done() <-chan struct{}

	// ExitErr is valid after Done is closed; nil for a zero exit status
	ExitErr() error

	// Signal delivers a signal by name, e.g. "HUP"
	Signal(name string) error

	// Terminate requests graceful termination, waits up to grace, then kills.
	// Cancelling ctx skips the rest of the grace period. A nil return means the
	// exit was confirmed.
	Terminate(ctx context.Context, grace time.Duration) error
}

// Spawner launches the process described by a definition
type Spawner interface {
	Spawn(ctx context.Context, def Definition) (ProcessHandle, error)
}
