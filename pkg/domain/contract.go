package domain

import (
	"context"
	"time"
)

// Action is a per-unit operation requested over the control API
type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionReload  Action = "reload"
	ActionEnable  Action = "enable"
	ActionDisable Action = "disable"
	ActionUnload  Action = "unload"
)

// BulkAction applies to every registered unit
type BulkAction string

const (
	BulkStartAll     BulkAction = "start-all"
	BulkStopAll      BulkAction = "stop-all"
	BulkReloadAll    BulkAction = "reload-all"
	BulkStartEnabled BulkAction = "start-enabled"
)

func Actions() []Action {
	return []Action{ActionStart, ActionStop, ActionRestart, ActionReload, ActionEnable, ActionDisable, ActionUnload}
}

func BulkActions() []BulkAction {
	return []BulkAction{BulkStartAll, BulkStopAll, BulkReloadAll, BulkStartEnabled}
}

// UnitInfo is the presentation form of a unit status
type UnitInfo struct {
	Name        string
	Description string
	State       string
	Enabled     bool
	PID         int
	LastPID     int
	StartTime   *time.Time
	LastError   string
}

type UnitResult struct {
	Name  string
	State string
	PID   int
	Error string
}

type BulkReport struct {
	Operation string
	Results   []UnitResult
}

// Failed counts results carrying an error
func (r BulkReport) Failed() int {
	failed := 0
	for _, result := range r.Results {
		if result.Error != "" {
			failed++
		}
	}
	return failed
}

type ReloadSummary struct {
	Added   []string
	Changed []string
	Removed []string
	Pending []string
}

// Contract is what sysinitd exposes to sysinitctl
type Contract interface {
	Status(ctx context.Context) (string, error)
	ListUnits(ctx context.Context) ([]UnitInfo, error)
	UnitStatus(ctx context.Context, name string) (UnitInfo, error)
	UnitAction(ctx context.Context, name string, action Action) (UnitInfo, error)
	BulkAction(ctx context.Context, action BulkAction) (BulkReport, error)
	ReloadConfig(ctx context.Context) (ReloadSummary, error)
}
