package manager

import (
	"context"

	"github.com/core-tools/hsu-sysinit/pkg/errors"
	"github.com/core-tools/hsu-sysinit/pkg/unit"
)

// ReloadSummary lists what ReloadConfig did, by unit name
type ReloadSummary struct {
	Added   []string
	Changed []string
	Removed []string

	// Running units whose definition changed or vanished; applied once they stop
	// and the configuration is reloaded again
	Pending []string
}

// ReloadConfig re-reads the source of the last LoadConfig and applies the differences.
// Running units are never touched. A unit that is replaced or removed is retired first, so an
// operation racing with the reload on the old unit fails instead of spawning an orphan.
func (m *UnitManager) ReloadConfig(ctx context.Context) (*ReloadSummary, error) {
	if ctx == nil {
		return nil, errors.NewValidationError("context cannot be nil", nil)
	}
	source := m.Source()
	if source == "" {
		return nil, errors.NewConfigError("no configuration loaded", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError("reload cancelled", err)
	}

	m.logger.Infof("Reloading configuration, source: %s", source)

	defs, err := m.options.Loader.Load(source)
	if err != nil {
		m.logger.Errorf("Failed to reload configuration, source: %s, error: %v", source, err)
		if errors.IsConfigError(err) {
			return nil, err
		}
		return nil, errors.NewConfigError("failed to load configuration", err).WithContext("source", source)
	}
	if err := checkDuplicates(defs); err != nil {
		return nil, err
	}

	snapshot := m.snapshot()
	current := make(map[string]*unit.Unit, len(snapshot))
	for _, u := range snapshot {
		current[u.Name()] = u
	}

	intents := m.loadIntents()
	summary := &ReloadSummary{}
	var changed []unit.Definition
	var added []*unit.Unit
	wanted := make(map[string]struct{}, len(defs))

	for _, def := range defs {
		wanted[def.Name] = struct{}{}

		old, exists := current[def.Name]
		switch {
		case !exists:
			added = append(added, m.newUnit(def, intents))

		case old.Definition().Equal(def):
			// a unit that failed to load earlier may load now
			if old.State() == unit.StateUnloaded {
				_ = old.Load()
			}

		case old.State() == unit.StateRunning:
			summary.Pending = append(summary.Pending, def.Name)

		default:
			changed = append(changed, def)
		}
	}

	for _, def := range changed {
		old := current[def.Name]
		if !m.retire(old, summary) {
			continue
		}
		// built after the old unit is retired so observers see unloaded then loaded
		replacement := m.newUnit(def, intents)

		m.mutex.Lock()
		swapped := m.units[def.Name] == old
		if swapped {
			m.units[def.Name] = replacement
		}
		m.mutex.Unlock()

		if swapped {
			summary.Changed = append(summary.Changed, def.Name)
		} else {
			summary.Pending = append(summary.Pending, def.Name)
		}
	}

	for _, u := range snapshot {
		if _, ok := wanted[u.Name()]; ok {
			continue
		}
		if !m.retire(u, summary) {
			continue
		}
		m.remove(u.Name(), u)
		summary.Removed = append(summary.Removed, u.Name())
		if m.options.Store != nil {
			if err := m.options.Store.Forget(u.Name()); err != nil {
				m.logger.Warnf("Intent not forgotten, unit: %s, error: %v", u.Name(), err)
			}
		}
	}

	m.mutex.Lock()
	for _, u := range added {
		if _, exists := m.units[u.Name()]; exists {
			m.logger.Warnf("Unit not added, name registered concurrently, unit: %s", u.Name())
			continue
		}
		m.units[u.Name()] = u
		m.order = append(m.order, u.Name())
		summary.Added = append(summary.Added, u.Name())
	}
	m.mutex.Unlock()

	m.logger.Infof("Configuration reloaded, added: %v, changed: %v, removed: %v, pending: %v",
		summary.Added, summary.Changed, summary.Removed, summary.Pending)
	return summary, nil
}

// retire takes u out of service for a reload. A unit that is running is left alone and
// reported pending; one already retired by a concurrent unload is skipped.
func (m *UnitManager) retire(u *unit.Unit, summary *ReloadSummary) bool {
	err := u.Retire()
	switch {
	case err == nil:
		return true
	case errors.IsUnitBusyError(err):
		summary.Pending = append(summary.Pending, u.Name())
	default:
		m.logger.Debugf("Unit left as is by reload, unit: %s, error: %v", u.Name(), err)
	}
	return false
}
