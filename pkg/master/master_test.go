package master

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-sysinit/pkg/config"
	"github.com/core-tools/hsu-sysinit/pkg/domain"
	"github.com/core-tools/hsu-sysinit/pkg/errors"
	"github.com/core-tools/hsu-sysinit/pkg/manager"
	"github.com/core-tools/hsu-sysinit/pkg/metrics"
	"github.com/core-tools/hsu-sysinit/pkg/unit"
	"github.com/core-tools/hsu-sysinit/pkg/unit/unittest"
)

// MockLogger is a mock implementation of Logger for testing
type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) LogLevelf(level int, format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Debugf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Infof(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Warnf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Errorf(format string, args ...interface{}) {
	m.Called(format, args)
}

func newMockLogger() *MockLogger {
	logger := &MockLogger{}
	logger.On("Debugf", mock.Anything, mock.Anything).Maybe()
	logger.On("Infof", mock.Anything, mock.Anything).Maybe()
	logger.On("Warnf", mock.Anything, mock.Anything).Maybe()
	logger.On("Errorf", mock.Anything, mock.Anything).Maybe()
	return logger
}

type testEnv struct {
	master     *Master
	spawner    *unittest.FakeSpawner
	metrics    *metrics.Metrics
	configFile string
	workDir    string
}

func writeConfig(t *testing.T, path string, services ...string) {
	t.Helper()
	content := "services:\n" + strings.Join(services, "")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func service(name, dir string, enabled bool) string {
	text := "  - name: " + name + "\n    exec_start: /usr/bin/" + name + "\n    working_dir: " + dir + "\n"
	if enabled {
		text += "    enabled: true\n"
	}
	return text
}

func createTestMaster(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	env := &testEnv{
		spawner:    unittest.NewFakeSpawner(),
		metrics:    metrics.New(),
		configFile: filepath.Join(dir, "sysinit.yaml"),
		workDir:    dir,
	}
	writeConfig(t, env.configFile,
		service("web", dir, true),
		service("worker", filepath.Join(dir, "missing"), false),
	)

	unitManager := manager.New(manager.Options{
		Loader:   config.FileLoader{},
		Spawner:  env.spawner,
		Observer: env.metrics,
	}, newMockLogger())
	require.NoError(t, unitManager.LoadConfig(context.Background(), env.configFile))

	env.master = newMaster(MasterOptions{}, unitManager, env.metrics, newMockLogger())
	env.master.Start(context.Background())
	return env
}

func seriesFor(t *testing.T, m *metrics.Metrics, unitName string) int {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)

	count := 0
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "unit" && label.GetValue() == unitName {
					count++
				}
			}
		}
	}
	return count
}

func TestMaster_StateLifecycle(t *testing.T) {
	env := createTestMaster(t)
	assert.Equal(t, MasterStateRunning, env.master.GetMasterState())

	handler := env.master.Handler()
	_, err := handler.UnitAction(context.Background(), "web", domain.ActionStart)
	require.NoError(t, err)

	env.master.Stop(context.Background())
	assert.Equal(t, MasterStateStopped, env.master.GetMasterState())

	status, err := env.master.Manager().Status("web")
	require.NoError(t, err)
	assert.Equal(t, unit.StateStopped, status.State, "stop runs the kill switch")

	_, err = handler.UnitAction(context.Background(), "web", domain.ActionStart)
	assert.True(t, errors.IsValidationError(err), "no actions once stopped")
}

func TestHandler_Status(t *testing.T) {
	env := createTestMaster(t)
	handler := env.master.Handler()

	_, err := handler.UnitAction(context.Background(), "web", domain.ActionStart)
	require.NoError(t, err)

	status, err := handler.Status(context.Background())
	require.NoError(t, err)
	assert.Contains(t, status, "hsu-sysinit: running")
	assert.Contains(t, status, "units: 2")
	assert.Contains(t, status, "running: 1")
}

func TestHandler_ListUnits(t *testing.T) {
	env := createTestMaster(t)

	units, err := env.master.Handler().ListUnits(context.Background())
	require.NoError(t, err)
	require.Len(t, units, 2)

	assert.Equal(t, "web", units[0].Name)
	assert.Equal(t, string(unit.StateLoaded), units[0].State)
	assert.True(t, units[0].Enabled)

	assert.Equal(t, "worker", units[1].Name)
	assert.Equal(t, string(unit.StateUnloaded), units[1].State)
	assert.Contains(t, units[1].LastError, "working_dir does not exist")
}

func TestHandler_UnitActions(t *testing.T) {
	env := createTestMaster(t)
	handler := env.master.Handler()
	ctx := context.Background()

	info, err := handler.UnitAction(ctx, "web", domain.ActionStart)
	require.NoError(t, err)
	assert.Equal(t, string(unit.StateRunning), info.State)
	firstPID := info.PID
	assert.NotZero(t, firstPID)

	info, err = handler.UnitAction(ctx, "web", domain.ActionRestart)
	require.NoError(t, err)
	assert.NotEqual(t, firstPID, info.PID)

	info, err = handler.UnitAction(ctx, "web", domain.ActionDisable)
	require.NoError(t, err)
	assert.False(t, info.Enabled)
	assert.Equal(t, string(unit.StateRunning), info.State)

	_, err = handler.UnitAction(ctx, "web", domain.ActionUnload)
	assert.True(t, errors.IsUnitBusyError(err))

	info, err = handler.UnitAction(ctx, "web", domain.ActionStop)
	require.NoError(t, err)
	assert.Equal(t, string(unit.StateStopped), info.State)
	assert.Zero(t, info.PID)

	info, err = handler.UnitAction(ctx, "web", domain.ActionUnload)
	require.NoError(t, err)
	assert.Equal(t, string(unit.StateUnloaded), info.State)

	_, err = handler.UnitStatus(ctx, "web")
	assert.True(t, errors.IsUnitNotFoundError(err))
	assert.Zero(t, seriesFor(t, env.metrics, "web"), "metrics of unloaded units are dropped")
}

func TestHandler_UnknownActions(t *testing.T) {
	env := createTestMaster(t)
	handler := env.master.Handler()

	_, err := handler.UnitAction(context.Background(), "web", domain.Action("explode"))
	assert.True(t, errors.IsValidationError(err))

	_, err = handler.BulkAction(context.Background(), domain.BulkAction("explode-all"))
	assert.True(t, errors.IsValidationError(err))

	_, err = handler.UnitAction(context.Background(), "ghost", domain.ActionStart)
	assert.True(t, errors.IsUnitNotFoundError(err))
}

func TestHandler_BulkAction(t *testing.T) {
	env := createTestMaster(t)
	handler := env.master.Handler()

	report, err := handler.BulkAction(context.Background(), domain.BulkStartAll)
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	assert.Equal(t, "start", report.Operation)
	assert.Equal(t, 1, report.Failed())
	assert.Equal(t, string(unit.StateRunning), report.Results[0].State)
	assert.Empty(t, report.Results[0].Error)
	assert.Contains(t, report.Results[1].Error, "invalid_definition")

	report, err = handler.BulkAction(context.Background(), domain.BulkStopAll)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Failed())
	assert.Equal(t, string(unit.StateStopped), report.Results[0].State)

	count, err := testutil.GatherAndCount(env.metrics.Registry(), "sysinit_bulk_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one series per operation")
}

func TestHandler_ReloadConfig(t *testing.T) {
	env := createTestMaster(t)
	handler := env.master.Handler()

	writeConfig(t, env.configFile,
		service("web", env.workDir, true),
		service("api", env.workDir, false),
	)

	summary, err := handler.ReloadConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"api"}, summary.Added)
	assert.Equal(t, []string{"worker"}, summary.Removed)

	units, err := handler.ListUnits(context.Background())
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, "api", units[1].Name)

	require.NoError(t, os.WriteFile(env.configFile, []byte("services: [broken"), 0644))
	_, err = handler.ReloadConfig(context.Background())
	assert.True(t, errors.IsConfigError(err))
}

func TestBuild_WiresComponents(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		Daemon: config.DaemonConfig{
			PIDDir:          filepath.Join(dir, "run"),
			GracefulTimeout: time.Second,
			Parallelism:     2,
		},
	}

	components, err := Build(RunOptions{DryRun: true}, cfg, nil, newMockLogger())
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "run"), components.PIDFiles.Directory())
	assert.Equal(t, filepath.Join(dir, "run", "state.yaml"), components.Store.Path())
	assert.Equal(t, filepath.Join(dir, "run", "logs", "web.log"), components.Collector.FilePath("web"))

	configFile := filepath.Join(dir, "sysinit.yaml")
	writeConfig(t, configFile, service("web", dir, true))
	require.NoError(t, components.Manager.LoadConfig(context.Background(), configFile))

	report := components.Manager.StartEnabled(context.Background())
	require.NoError(t, report.Err())

	status, err := components.Manager.Status("web")
	require.NoError(t, err)
	assert.Equal(t, unit.StateRunning, status.State)
	_, err = os.Stat(components.PIDFiles.PIDFilePath("web"))
	assert.True(t, os.IsNotExist(err), "dry-run PIDs are never written")

	require.NoError(t, components.Manager.DisableService("web"))
	intents, err := components.Store.Load()
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"web": false}, intents)

	require.NoError(t, components.Manager.StopAll(context.Background()).Err())
	assert.Greater(t, seriesFor(t, components.Metrics, "web"), 0)
}

func TestBuild_ExplicitPaths(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		Daemon: config.DaemonConfig{
			PIDDir:    filepath.Join(dir, "run"),
			StateFile: filepath.Join(dir, "intent.yaml"),
			LogDir:    filepath.Join(dir, "logs"),
		},
	}

	components, err := Build(RunOptions{DryRun: true}, cfg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "intent.yaml"), components.Store.Path())
	assert.Equal(t, filepath.Join(dir, "logs", "api.log"), components.Collector.FilePath("api"))

	_, err = Build(RunOptions{}, nil, nil, nil)
	assert.True(t, errors.IsValidationError(err))

	components, err = Build(RunOptions{DryRun: true}, &config.Config{
		Daemon: config.DaemonConfig{RunContext: "development"},
	}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(os.TempDir(), "hsu-sysinit-dev"), components.PIDFiles.Directory())
}
