// Package unittest provides in-memory process fakes for exercising units without spawning processes.
package unittest

import (
	"context"
	"sync"
	"time"

	"github.com/core-tools/hsu-sysinit/pkg/unit"
)

// FakeHandle is a process that lives until terminated or told to exit
type FakeHandle struct {
	pid  int
	done chan struct{}

	mutex        sync.Mutex
	exitErr      error
	exited       bool
	signals      []string
	terminations int
	graces       []time.Duration

	// TerminateErr makes Terminate fail without the process exiting
	TerminateErr error
}

func NewFakeHandle(pid int) *FakeHandle {
	return &FakeHandle{
		pid:  pid,
		done: make(chan struct{}),
	}
}

func (h *FakeHandle) PID() int {
	return h.pid
}

func (h *FakeHandle) Done() <-chan struct{} {
	return h.done
}

func (h *FakeHandle) ExitErr() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.exitErr
}

func (h *FakeHandle) Signal(name string) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.signals = append(h.signals, name)
	return nil
}

func (h *FakeHandle) Terminate(ctx context.Context, grace time.Duration) error {
	h.mutex.Lock()
	h.terminations++
	h.graces = append(h.graces, grace)
	terminateErr := h.TerminateErr
	h.mutex.Unlock()

	if terminateErr != nil {
		return terminateErr
	}
	h.Exit(nil)
	return nil
}

// Exit simulates the process exiting with err (nil for status 0)
func (h *FakeHandle) Exit(err error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.exited {
		return
	}
	h.exited = true
	h.exitErr = err
	close(h.done)
}

func (h *FakeHandle) Exited() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.exited
}

func (h *FakeHandle) Signals() []string {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return append([]string(nil), h.signals...)
}

func (h *FakeHandle) Terminations() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.terminations
}

func (h *FakeHandle) Graces() []time.Duration {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return append([]time.Duration(nil), h.graces...)
}

// FakeSpawner hands out FakeHandles with increasing PIDs
type FakeSpawner struct {
	mutex   sync.Mutex
	nextPID int
	spawned map[string][]*FakeHandle
	errs    map[string]error

	// TerminateErr is copied to every handle spawned while it is set
	TerminateErr error
}

func NewFakeSpawner() *FakeSpawner {
	return &FakeSpawner{
		nextPID: 1000,
		spawned: make(map[string][]*FakeHandle),
		errs:    make(map[string]error),
	}
}

// FailWith makes every spawn of the named unit fail with err; nil clears it
func (s *FakeSpawner) FailWith(name string, err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err == nil {
		delete(s.errs, name)
		return
	}
	s.errs[name] = err
}

func (s *FakeSpawner) SetTerminateErr(err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.TerminateErr = err
}

func (s *FakeSpawner) Spawn(ctx context.Context, def unit.Definition) (unit.ProcessHandle, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.errs[def.Name]; err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.nextPID++
	handle := NewFakeHandle(s.nextPID)
	handle.TerminateErr = s.TerminateErr
	s.spawned[def.Name] = append(s.spawned[def.Name], handle)
	return handle, nil
}

// Spawned returns every handle created for the named unit, oldest first
func (s *FakeSpawner) Spawned(name string) []*FakeHandle {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]*FakeHandle(nil), s.spawned[name]...)
}

// Last returns the newest handle for the named unit, or nil
func (s *FakeSpawner) Last(name string) *FakeHandle {
	handles := s.Spawned(name)
	if len(handles) == 0 {
		return nil
	}
	return handles[len(handles)-1]
}

// Exists is a PathExists replacement backed by a set of paths
type Exists struct {
	mutex sync.Mutex
	paths map[string]bool
}

func NewExists(paths ...string) *Exists {
	e := &Exists{paths: make(map[string]bool)}
	for _, path := range paths {
		e.paths[path] = true
	}
	return e
}

func (e *Exists) Add(path string) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.paths[path] = true
}

func (e *Exists) Remove(path string) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	delete(e.paths, path)
}

func (e *Exists) Check(path string) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.paths[path]
}

// Recorder collects transitions
type Recorder struct {
	mutex       sync.Mutex
	transitions []unit.Transition
}

func (r *Recorder) UnitTransitioned(t unit.Transition) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.transitions = append(r.transitions, t)
}

func (r *Recorder) Transitions() []unit.Transition {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]unit.Transition(nil), r.transitions...)
}
