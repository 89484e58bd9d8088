package manager

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/core-tools/hsu-sysinit/pkg/errors"
	"github.com/core-tools/hsu-sysinit/pkg/unit"
)

// Result is the outcome of one unit in a bulk operation
type Result struct {
	Name  string
	State unit.State
	PID   int
	Err   error
}

// Report collects one result per unit, in registry order
type Report struct {
	Operation string
	Results   []Result
}

// Err aggregates the failed results; nil when every unit succeeded
func (r *Report) Err() error {
	collection := errors.NewErrorCollection()
	for _, result := range r.Results {
		collection.Add(result.Err)
	}
	return collection.ToError()
}

func (r *Report) Failed() []Result {
	var failed []Result
	for _, result := range r.Results {
		if result.Err != nil {
			failed = append(failed, result)
		}
	}
	return failed
}

func (r *Report) Result(name string) (Result, bool) {
	for _, result := range r.Results {
		if result.Name == name {
			return result, true
		}
	}
	return Result{}, false
}

func (r *Report) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %d units, %d failed", r.Operation, len(r.Results), len(r.Failed()))
	for _, result := range r.Results {
		fmt.Fprintf(&sb, "\n  %s: %s", result.Name, result.State)
		if result.Err != nil {
			fmt.Fprintf(&sb, " (%v)", result.Err)
		}
	}
	return sb.String()
}

type bulkOp struct {
	name string
	run  func(ctx context.Context, u *unit.Unit) error

	// Run even when ctx is already done; stop relies on cancellation to escalate
	ignoreCancel bool
}

var (
	opStart = bulkOp{
		name: "start",
		run:  func(ctx context.Context, u *unit.Unit) error { return u.Start(ctx) },
	}
	opStop = bulkOp{
		name:         "stop",
		run:          func(ctx context.Context, u *unit.Unit) error { return u.Stop(ctx) },
		ignoreCancel: true,
	}
	opReload = bulkOp{
		name: "reload",
		run:  func(ctx context.Context, u *unit.Unit) error { return u.Reload(ctx) },
	}
)

// StartAll starts every unit. One unit's failure never stops the batch.
func (m *UnitManager) StartAll(ctx context.Context) *Report {
	return m.runBulk(ctx, opStart, m.snapshot())
}

// StopAll stops every running unit. It also serves as the kill switch.
func (m *UnitManager) StopAll(ctx context.Context) *Report {
	return m.runBulk(ctx, opStop, m.snapshot())
}

func (m *UnitManager) ReloadAll(ctx context.Context) *Report {
	return m.runBulk(ctx, opReload, m.snapshot())
}

// StartEnabled starts the units whose intent is enabled; used at boot
func (m *UnitManager) StartEnabled(ctx context.Context) *Report {
	var units []*unit.Unit
	for _, u := range m.snapshot() {
		if u.Enabled() {
			units = append(units, u)
		}
	}
	report := m.runBulk(ctx, opStart, units)
	report.Operation = "start-enabled"
	return report
}

// runBulk applies op to every unit, at most Parallelism at a time. Each unit appears
// exactly once so no two workers touch the same unit.
func (m *UnitManager) runBulk(ctx context.Context, op bulkOp, units []*unit.Unit) *Report {
	m.logger.Infof("Bulk %s, units: %d, parallelism: %d", op.name, len(units), m.options.Parallelism)

	report := &Report{
		Operation: op.name,
		Results:   make([]Result, len(units)),
	}

	runOne := func(i int, u *unit.Unit) {
		var err error
		if ctx == nil {
			err = errors.NewValidationError("context cannot be nil", nil).WithUnit(u.Name())
		} else if !op.ignoreCancel && ctx.Err() != nil {
			err = errors.NewCancelledError(op.name+" cancelled", ctx.Err()).WithUnit(u.Name())
		} else {
			err = op.run(ctx, u)
		}

		status := u.Status()
		report.Results[i] = Result{
			Name:  u.Name(),
			State: status.State,
			PID:   status.PID,
			Err:   err,
		}
		if err != nil {
			m.logger.Warnf("Bulk %s failed for unit, unit: %s, error: %v", op.name, u.Name(), err)
		}
	}

	if m.options.Parallelism <= 1 {
		for i, u := range units {
			runOne(i, u)
		}
	} else {
		sem := make(chan struct{}, m.options.Parallelism)
		var wg sync.WaitGroup
		for i, u := range units {
			wg.Add(1)
			go func(i int, u *unit.Unit) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				runOne(i, u)
			}(i, u)
		}
		wg.Wait()
	}

	if failed := len(report.Failed()); failed > 0 {
		m.logger.Warnf("Bulk %s completed, units: %d, failed: %d", op.name, len(units), failed)
	} else {
		m.logger.Infof("Bulk %s completed, units: %d", op.name, len(units))
	}
	return report
}
