package manager

import (
	"context"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/core-tools/hsu-sysinit/pkg/errors"
	"github.com/core-tools/hsu-sysinit/pkg/logging"
	"github.com/core-tools/hsu-sysinit/pkg/unit"
)

// Loader turns a configuration source into unit definitions
type Loader interface {
	Load(source string) ([]unit.Definition, error)
}

// IntentStore persists enable/disable intent across daemon restarts
type IntentStore interface {
	Load() (map[string]bool, error)
	Save(name string, enabled bool) error
	Forget(name string) error
}

type Options struct {
	Loader          Loader
	Spawner         unit.Spawner
	PathExists      func(path string) bool
	GracefulTimeout time.Duration

	// Upper bound on units handled at once by bulk operations; 1 or less is sequential
	Parallelism int

	// Notified of every unit transition
	Observer unit.Observer

	// Optional
	Store IntentStore
}

// UnitManager owns the registry of units, in the order they were loaded
type UnitManager struct {
	options Options
	logger  logging.Logger

	mutex  sync.RWMutex
	units  map[string]*unit.Unit
	order  []string
	source string
}

func New(options Options, logger logging.Logger) *UnitManager {
	if options.PathExists == nil {
		options.PathExists = unit.PathExists
	}
	if options.Parallelism < 1 {
		options.Parallelism = 1
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &UnitManager{
		options: options,
		logger:  logger,
		units:   make(map[string]*unit.Unit),
	}
}

// Source is the configuration source of the last successful LoadConfig
func (m *UnitManager) Source() string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.source
}

// LoadConfig loads every definition from source and registers one unit per definition.
// Loader failures and duplicate names fail the whole call and register nothing.
// A unit whose definition is invalid is still registered, unloaded, with the error recorded.
func (m *UnitManager) LoadConfig(ctx context.Context, source string) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil)
	}
	if m.options.Loader == nil {
		return errors.NewConfigError("no configuration loader", nil)
	}
	if err := ctx.Err(); err != nil {
		return errors.NewCancelledError("load cancelled", err)
	}

	m.logger.Infof("Loading configuration, source: %s", source)

	defs, err := m.options.Loader.Load(source)
	if err != nil {
		m.logger.Errorf("Failed to load configuration, source: %s, error: %v", source, err)
		if errors.IsConfigError(err) {
			return err
		}
		return errors.NewConfigError("failed to load configuration", err).WithContext("source", source)
	}

	if err := checkDuplicates(defs); err != nil {
		return err
	}

	// Fail before building anything if a name is already taken
	m.mutex.RLock()
	for _, def := range defs {
		if _, exists := m.units[def.Name]; exists {
			m.mutex.RUnlock()
			return errors.NewDuplicateUnitNameError(def.Name).WithContext("source", source)
		}
	}
	m.mutex.RUnlock()

	intents := m.loadIntents()

	units := make([]*unit.Unit, 0, len(defs))
	for _, def := range defs {
		units = append(units, m.newUnit(def, intents))
	}

	m.mutex.Lock()
	for _, def := range defs {
		if _, exists := m.units[def.Name]; exists {
			m.mutex.Unlock()
			return errors.NewDuplicateUnitNameError(def.Name).WithContext("source", source)
		}
	}
	for _, u := range units {
		m.units[u.Name()] = u
		m.order = append(m.order, u.Name())
	}
	m.source = source
	m.mutex.Unlock()

	m.logger.Infof("Configuration loaded, source: %s, units: %d", source, len(units))
	return nil
}

func checkDuplicates(defs []unit.Definition) error {
	seen := make(map[string]struct{}, len(defs))
	for _, def := range defs {
		if _, ok := seen[def.Name]; ok {
			return errors.NewDuplicateUnitNameError(def.Name)
		}
		seen[def.Name] = struct{}{}
	}
	return nil
}

func (m *UnitManager) loadIntents() map[string]bool {
	if m.options.Store == nil {
		return nil
	}
	intents, err := m.options.Store.Load()
	if err != nil {
		m.logger.Warnf("Persisted intent unavailable, using configuration defaults: %v", err)
		return nil
	}
	return intents
}

// newUnit builds and loads a unit, applying any persisted intent
func (m *UnitManager) newUnit(def unit.Definition, intents map[string]bool) *unit.Unit {
	u := unit.New(def, unit.Options{
		Spawner:         m.options.Spawner,
		PathExists:      m.options.PathExists,
		GracefulTimeout: m.options.GracefulTimeout,
		Observer:        m.options.Observer,
	}, logging.ForUnit(m.logger, def.Name))

	if err := u.Load(); err != nil {
		m.logger.Warnf("Unit registered unloaded, unit: %s, error: %v", def.Name, err)
		return u
	}

	if enabled, ok := intents[def.Name]; ok && enabled != u.Enabled() {
		var err error
		if enabled {
			err = u.Enable()
		} else {
			err = u.Disable()
		}
		if err != nil {
			m.logger.Warnf("Failed to apply persisted intent, unit: %s, error: %v", def.Name, err)
		}
	}
	return u
}

func (m *UnitManager) get(name string) (*unit.Unit, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	u, ok := m.units[name]
	if !ok {
		return nil, errors.NewUnitNotFoundError(name)
	}
	return u, nil
}

// Unit returns the registered unit with name
func (m *UnitManager) Unit(name string) (*unit.Unit, error) {
	return m.get(name)
}

// snapshot copies the registry in order under the read lock
func (m *UnitManager) snapshot() []*unit.Unit {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	units := make([]*unit.Unit, 0, len(m.order))
	for _, name := range m.order {
		units = append(units, m.units[name])
	}
	return units
}

func (m *UnitManager) StartService(ctx context.Context, name string) error {
	u, err := m.get(name)
	if err != nil {
		return err
	}
	return u.Start(ctx)
}

func (m *UnitManager) StopService(ctx context.Context, name string) error {
	u, err := m.get(name)
	if err != nil {
		return err
	}
	return u.Stop(ctx)
}

func (m *UnitManager) RestartService(ctx context.Context, name string) error {
	u, err := m.get(name)
	if err != nil {
		return err
	}
	return u.Restart(ctx)
}

func (m *UnitManager) ReloadService(ctx context.Context, name string) error {
	u, err := m.get(name)
	if err != nil {
		return err
	}
	return u.Reload(ctx)
}

func (m *UnitManager) EnableService(name string) error {
	return m.setIntent(name, true)
}

func (m *UnitManager) DisableService(name string) error {
	return m.setIntent(name, false)
}

func (m *UnitManager) setIntent(name string, enabled bool) error {
	u, err := m.get(name)
	if err != nil {
		return err
	}

	if enabled {
		err = u.Enable()
	} else {
		err = u.Disable()
	}
	if err != nil {
		return err
	}

	if m.options.Store != nil {
		if err := m.options.Store.Save(name, enabled); err != nil {
			m.logger.Warnf("Intent not persisted, unit: %s, error: %v", name, err)
		}
	}
	return nil
}

// UnloadService retires a non-running unit and removes it from the registry. A Start racing
// with it on the same unit fails with UnitNotFound rather than spawning an unreachable process.
func (m *UnitManager) UnloadService(name string) error {
	u, err := m.get(name)
	if err != nil {
		return err
	}
	if err := u.Retire(); err != nil {
		return err
	}

	m.remove(name, u)
	if m.options.Store != nil {
		if err := m.options.Store.Forget(name); err != nil {
			m.logger.Warnf("Intent not forgotten, unit: %s, error: %v", name, err)
		}
	}
	m.logger.Infof("Unit removed, unit: %s", name)
	return nil
}

func (m *UnitManager) remove(name string, u *unit.Unit) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.units[name] != u {
		return
	}
	delete(m.units, name)
	if i := slices.Index(m.order, name); i >= 0 {
		m.order = slices.Delete(m.order, i, i+1)
	}
}

func (m *UnitManager) Status(name string) (unit.Status, error) {
	u, err := m.get(name)
	if err != nil {
		return unit.Status{}, err
	}
	return u.Status(), nil
}

// Units returns a status snapshot of every unit in registry order
func (m *UnitManager) Units() []unit.Status {
	units := m.snapshot()
	statuses := make([]unit.Status, 0, len(units))
	for _, u := range units {
		statuses = append(statuses, u.Status())
	}
	return statuses
}

// ListUnits yields (name, state) pairs. Each iteration takes a fresh snapshot of the
// registry order, so the sequence can be ranged over repeatedly.
func (m *UnitManager) ListUnits() iter.Seq2[string, unit.State] {
	return func(yield func(string, unit.State) bool) {
		for _, u := range m.snapshot() {
			if !yield(u.Name(), u.State()) {
				return
			}
		}
	}
}
