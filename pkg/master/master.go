package master

import (
	"context"
	"sync"
	"time"

	corecontrol "github.com/core-tools/hsu-core/pkg/control"
	coredomain "github.com/core-tools/hsu-core/pkg/domain"
	corelogging "github.com/core-tools/hsu-core/pkg/logging"

	"github.com/core-tools/hsu-sysinit/pkg/control"
	"github.com/core-tools/hsu-sysinit/pkg/domain"
	"github.com/core-tools/hsu-sysinit/pkg/errors"
	"github.com/core-tools/hsu-sysinit/pkg/logging"
	"github.com/core-tools/hsu-sysinit/pkg/manager"
	"github.com/core-tools/hsu-sysinit/pkg/metrics"
)

type MasterOptions struct {
	Port                 int
	ForceShutdownTimeout time.Duration
}

// MasterState represents the current state of the daemon
type MasterState string

const (
	MasterStateNotStarted MasterState = "not_started"
	MasterStateRunning    MasterState = "running"
	MasterStateStopping   MasterState = "stopping"
	MasterStateStopped    MasterState = "stopped"
)

// Master serves the control API over a unit manager
type Master struct {
	options MasterOptions
	server  corecontrol.Server
	manager *manager.UnitManager
	metrics *metrics.Metrics // optional
	logger  logging.Logger

	mutex       sync.Mutex
	masterState MasterState
	startedAt   time.Time
}

func NewMaster(options MasterOptions, unitManager *manager.UnitManager, unitMetrics *metrics.Metrics, coreLogger corelogging.Logger, logger logging.Logger) (*Master, error) {
	if unitManager == nil {
		return nil, errors.NewValidationError("unit manager cannot be nil", nil)
	}

	serverOptions := corecontrol.ServerOptions{
		Port: options.Port,
	}
	server, err := corecontrol.NewServer(serverOptions, coreLogger)
	if err != nil {
		return nil, errors.NewInternalError("failed to create server", err).WithContext("port", options.Port)
	}

	master := newMaster(options, unitManager, unitMetrics, logger)
	master.server = server

	// Register core services
	coreHandler := coredomain.NewDefaultHandler(coreLogger)
	corecontrol.RegisterGRPCServerHandler(server.GRPC(), coreHandler, coreLogger)

	// Register the sysinit control API
	control.RegisterGRPCServerHandler(server.GRPC(), master.Handler(), logger)

	return master, nil
}

func newMaster(options MasterOptions, unitManager *manager.UnitManager, unitMetrics *metrics.Metrics, logger logging.Logger) *Master {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Master{
		options:     options,
		manager:     unitManager,
		metrics:     unitMetrics,
		logger:      logger,
		masterState: MasterStateNotStarted,
	}
}

func (m *Master) Manager() *manager.UnitManager {
	return m.manager
}

// Handler returns the control API implementation
func (m *Master) Handler() domain.Contract {
	return &sysinitHandler{master: m}
}

func (m *Master) Start(ctx context.Context) {
	m.logger.Infof("Starting master...")

	if m.server != nil {
		m.server.Start(ctx)
	}

	m.mutex.Lock()
	m.masterState = MasterStateRunning
	m.startedAt = time.Now()
	m.mutex.Unlock()

	m.logger.Infof("Master started")
}

// Stop shuts the control API down and stops every unit
func (m *Master) Stop(ctx context.Context) {
	m.logger.Infof("Stopping master...")

	m.setMasterState(MasterStateStopping)

	if ctx == nil {
		ctx = context.Background()
	}

	forcedShutdownTimeout := m.options.ForceShutdownTimeout
	if forcedShutdownTimeout <= 0 {
		forcedShutdownTimeout = 30 * time.Second
	}

	// Used for both the server and the units
	ctx, cancel := context.WithTimeout(ctx, forcedShutdownTimeout)
	defer cancel()

	if m.server != nil {
		m.server.Shutdown(ctx)
	}

	report := m.RunBulk(ctx, domain.BulkStopAll)
	if err := report.Err(); err != nil {
		m.logger.Errorf("Some units failed to stop: %v", err)
	}

	m.setMasterState(MasterStateStopped)

	m.logger.Infof("Master stopped")
}

// RunBulk runs a bulk action and records it in the metrics
func (m *Master) RunBulk(ctx context.Context, action domain.BulkAction) *manager.Report {
	begin := time.Now()

	var report *manager.Report
	switch action {
	case domain.BulkStartAll:
		report = m.manager.StartAll(ctx)
	case domain.BulkStopAll:
		report = m.manager.StopAll(ctx)
	case domain.BulkReloadAll:
		report = m.manager.ReloadAll(ctx)
	case domain.BulkStartEnabled:
		report = m.manager.StartEnabled(ctx)
	default:
		return nil
	}

	if m.metrics != nil {
		m.metrics.ObserveBulk(report.Operation, len(report.Results), len(report.Failed()), time.Since(begin))
	}
	return report
}

// ReloadConfig re-applies the configuration source and drops metrics of removed units
func (m *Master) ReloadConfig(ctx context.Context) (*manager.ReloadSummary, error) {
	summary, err := m.manager.ReloadConfig(ctx)
	if m.metrics != nil {
		m.metrics.ObserveConfigReload(err)
		if summary != nil {
			for _, name := range summary.Removed {
				m.metrics.Forget(name)
			}
		}
	}
	if err != nil {
		m.logger.Errorf("Configuration reload failed: %v", err)
		return nil, err
	}
	return summary, nil
}

func (m *Master) GetMasterState() MasterState {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.masterState
}

func (m *Master) uptime() time.Duration {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.startedAt.IsZero() {
		return 0
	}
	return time.Since(m.startedAt)
}

func (m *Master) setMasterState(state MasterState) {
	m.mutex.Lock()
	m.masterState = state
	m.mutex.Unlock()
}
