package master

import (
	"context"
	"fmt"
	"time"

	"github.com/core-tools/hsu-sysinit/pkg/domain"
	"github.com/core-tools/hsu-sysinit/pkg/errors"
	"github.com/core-tools/hsu-sysinit/pkg/manager"
	"github.com/core-tools/hsu-sysinit/pkg/unit"
)

type sysinitHandler struct {
	master *Master
}

func (h *sysinitHandler) Status(ctx context.Context) (string, error) {
	total, running, failed := 0, 0, 0
	for _, state := range h.master.manager.ListUnits() {
		total++
		switch state {
		case unit.StateRunning:
			running++
		case unit.StateFailed:
			failed++
		}
	}
	return fmt.Sprintf("hsu-sysinit: %s, units: %d, running: %d, failed: %d, uptime: %s",
		h.master.GetMasterState(), total, running, failed, h.master.uptime().Truncate(time.Second)), nil
}

func (h *sysinitHandler) ListUnits(ctx context.Context) ([]domain.UnitInfo, error) {
	statuses := h.master.manager.Units()
	units := make([]domain.UnitInfo, 0, len(statuses))
	for _, status := range statuses {
		units = append(units, toUnitInfo(status))
	}
	return units, nil
}

func (h *sysinitHandler) UnitStatus(ctx context.Context, name string) (domain.UnitInfo, error) {
	status, err := h.master.manager.Status(name)
	if err != nil {
		return domain.UnitInfo{}, err
	}
	return toUnitInfo(status), nil
}

func (h *sysinitHandler) UnitAction(ctx context.Context, name string, action domain.Action) (domain.UnitInfo, error) {
	if err := h.requireRunning(); err != nil {
		return domain.UnitInfo{}, err
	}

	m := h.master.manager
	h.master.logger.Infof("Unit action requested, unit: %s, action: %s", name, action)

	var err error
	switch action {
	case domain.ActionStart:
		err = m.StartService(ctx, name)
	case domain.ActionStop:
		err = m.StopService(ctx, name)
	case domain.ActionRestart:
		err = m.RestartService(ctx, name)
	case domain.ActionReload:
		err = m.ReloadService(ctx, name)
	case domain.ActionEnable:
		err = m.EnableService(name)
	case domain.ActionDisable:
		err = m.DisableService(name)
	case domain.ActionUnload:
		if err := m.UnloadService(name); err != nil {
			return domain.UnitInfo{}, err
		}
		if h.master.metrics != nil {
			h.master.metrics.Forget(name)
		}
		return domain.UnitInfo{Name: name, State: string(unit.StateUnloaded)}, nil
	default:
		return domain.UnitInfo{}, errors.NewValidationError("unknown action: "+string(action), nil).WithUnit(name)
	}
	if err != nil {
		return domain.UnitInfo{}, err
	}
	return h.UnitStatus(ctx, name)
}

func (h *sysinitHandler) BulkAction(ctx context.Context, action domain.BulkAction) (domain.BulkReport, error) {
	if err := h.requireRunning(); err != nil {
		return domain.BulkReport{}, err
	}

	report := h.master.RunBulk(ctx, action)
	if report == nil {
		return domain.BulkReport{}, errors.NewValidationError("unknown bulk action: "+string(action), nil)
	}
	return toBulkReport(report), nil
}

func (h *sysinitHandler) ReloadConfig(ctx context.Context) (domain.ReloadSummary, error) {
	if err := h.requireRunning(); err != nil {
		return domain.ReloadSummary{}, err
	}

	summary, err := h.master.ReloadConfig(ctx)
	if err != nil {
		return domain.ReloadSummary{}, err
	}
	return domain.ReloadSummary{
		Added:   summary.Added,
		Changed: summary.Changed,
		Removed: summary.Removed,
		Pending: summary.Pending,
	}, nil
}

func (h *sysinitHandler) requireRunning() error {
	if state := h.master.GetMasterState(); state != MasterStateRunning {
		return errors.NewValidationError(
			fmt.Sprintf("master must be running to manage units, current state: %s", state), nil,
		).WithContext("master_state", string(state))
	}
	return nil
}

func toUnitInfo(status unit.Status) domain.UnitInfo {
	info := domain.UnitInfo{
		Name:        status.Name,
		Description: status.Description,
		State:       string(status.State),
		Enabled:     status.Enabled,
		PID:         status.PID,
		LastPID:     status.LastPID,
		StartTime:   status.StartTime,
	}
	if status.LastError != nil {
		info.LastError = status.LastError.Error()
	}
	return info
}

func toBulkReport(report *manager.Report) domain.BulkReport {
	result := domain.BulkReport{
		Operation: report.Operation,
		Results:   make([]domain.UnitResult, 0, len(report.Results)),
	}
	for _, r := range report.Results {
		unitResult := domain.UnitResult{
			Name:  r.Name,
			State: string(r.State),
			PID:   r.PID,
		}
		if r.Err != nil {
			unitResult.Error = r.Err.Error()
		}
		result.Results = append(result.Results, unitResult)
	}
	return result
}
