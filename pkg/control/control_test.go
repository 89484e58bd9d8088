package control

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/core-tools/hsu-sysinit/pkg/domain"
	"github.com/core-tools/hsu-sysinit/pkg/errors"
	"github.com/core-tools/hsu-sysinit/pkg/logging"
)

type MockContract struct {
	mock.Mock
}

func (m *MockContract) Status(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockContract) ListUnits(ctx context.Context) ([]domain.UnitInfo, error) {
	args := m.Called(ctx)
	units, _ := args.Get(0).([]domain.UnitInfo)
	return units, args.Error(1)
}

func (m *MockContract) UnitStatus(ctx context.Context, name string) (domain.UnitInfo, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(domain.UnitInfo), args.Error(1)
}

func (m *MockContract) UnitAction(ctx context.Context, name string, action domain.Action) (domain.UnitInfo, error) {
	args := m.Called(ctx, name, action)
	return args.Get(0).(domain.UnitInfo), args.Error(1)
}

func (m *MockContract) BulkAction(ctx context.Context, action domain.BulkAction) (domain.BulkReport, error) {
	args := m.Called(ctx, action)
	return args.Get(0).(domain.BulkReport), args.Error(1)
}

func (m *MockContract) ReloadConfig(ctx context.Context) (domain.ReloadSummary, error) {
	args := m.Called(ctx)
	return args.Get(0).(domain.ReloadSummary), args.Error(1)
}

func newGateway(t *testing.T, handler domain.Contract) domain.Contract {
	t.Helper()

	listener := bufconn.Listen(1024 * 1024)
	server := grpc.NewServer()
	RegisterGRPCServerHandler(server, handler, logging.Nop())
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.Dial("bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return NewGRPCClientGateway(conn, logging.Nop())
}

func TestGateway_Status(t *testing.T) {
	handler := &MockContract{}
	handler.On("Status", mock.Anything).Return("hsu-sysinit: 3 units, 1 running", nil)

	status, err := newGateway(t, handler).Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hsu-sysinit: 3 units, 1 running", status)
	handler.AssertExpectations(t)
}

func TestGateway_ListUnits(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	units := []domain.UnitInfo{
		{Name: "web", Description: "frontend", State: "running", Enabled: true, PID: 4242, LastPID: 4242, StartTime: &started},
		{Name: "worker", State: "failed", LastError: "spawn: failed to start the process"},
	}
	handler := &MockContract{}
	handler.On("ListUnits", mock.Anything).Return(units, nil)

	got, err := newGateway(t, handler).ListUnits(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "web", got[0].Name)
	assert.Equal(t, "frontend", got[0].Description)
	assert.Equal(t, "running", got[0].State)
	assert.True(t, got[0].Enabled)
	assert.Equal(t, 4242, got[0].PID)
	require.NotNil(t, got[0].StartTime)
	assert.True(t, started.Equal(*got[0].StartTime))

	assert.Equal(t, "worker", got[1].Name)
	assert.Nil(t, got[1].StartTime)
	assert.Equal(t, "spawn: failed to start the process", got[1].LastError)
}

func TestGateway_UnitAction(t *testing.T) {
	handler := &MockContract{}
	handler.On("UnitAction", mock.Anything, "web", domain.ActionRestart).
		Return(domain.UnitInfo{Name: "web", State: "running", PID: 77}, nil)

	info, err := newGateway(t, handler).UnitAction(context.Background(), "web", domain.ActionRestart)
	require.NoError(t, err)
	assert.Equal(t, 77, info.PID)
	handler.AssertExpectations(t)
}

func TestGateway_ErrorsKeepTheirType(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"not_found", errors.NewUnitNotFoundError("ghost"), errors.IsUnitNotFoundError},
		{"busy", errors.NewUnitBusyError("web"), errors.IsUnitBusyError},
		{"not_loaded", errors.NewNotLoadedError("web"), errors.IsNotLoadedError},
		{"spawn", errors.NewSpawnError("failed to start the process", nil), errors.IsSpawnError},
		{"config", errors.NewConfigError("bad yaml", nil), errors.IsConfigError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := &MockContract{}
			handler.On("UnitStatus", mock.Anything, "x").Return(domain.UnitInfo{}, tt.err)

			_, err := newGateway(t, handler).UnitStatus(context.Background(), "x")
			require.Error(t, err)
			assert.True(t, tt.check(err), "got %v", err)
		})
	}
}

func TestGateway_BulkAction(t *testing.T) {
	report := domain.BulkReport{
		Operation: "start",
		Results: []domain.UnitResult{
			{Name: "web", State: "running", PID: 10},
			{Name: "worker", State: "unloaded", Error: "invalid_definition: working_dir does not exist: /srv/worker"},
		},
	}
	handler := &MockContract{}
	handler.On("BulkAction", mock.Anything, domain.BulkStartAll).Return(report, nil)

	got, err := newGateway(t, handler).BulkAction(context.Background(), domain.BulkStartAll)
	require.NoError(t, err)
	assert.Equal(t, report, got)
	assert.Equal(t, 1, got.Failed())
}

func TestGateway_ReloadConfig(t *testing.T) {
	summary := domain.ReloadSummary{Added: []string{"api"}, Pending: []string{"web"}}
	handler := &MockContract{}
	handler.On("ReloadConfig", mock.Anything).Return(summary, nil)

	got, err := newGateway(t, handler).ReloadConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, summary, got)
}

func TestToStatus_Codes(t *testing.T) {
	assert.Equal(t, codes.NotFound, status.Code(toStatus(errors.NewUnitNotFoundError("x"))))
	assert.Equal(t, codes.FailedPrecondition, status.Code(toStatus(errors.NewUnitBusyError("x"))))
	assert.Equal(t, codes.InvalidArgument, status.Code(toStatus(errors.NewDuplicateUnitNameError("x"))))
	assert.Equal(t, codes.Internal, status.Code(toStatus(errors.NewStopError("x", nil))))
	assert.NoError(t, toStatus(nil))
}
