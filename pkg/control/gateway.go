package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/core-tools/hsu-sysinit/pkg/domain"
	"github.com/core-tools/hsu-sysinit/pkg/logging"
)

func NewGRPCClientGateway(grpcClientConnection grpc.ClientConnInterface, logger logging.Logger) domain.Contract {
	return &grpcClientGateway{
		conn:   grpcClientConnection,
		logger: logger,
	}
}

type grpcClientGateway struct {
	conn   grpc.ClientConnInterface
	logger logging.Logger
}

func (gw *grpcClientGateway) call(ctx context.Context, method string, fields map[string]interface{}) (*structpb.Struct, error) {
	request, err := newStruct(fields)
	if err != nil {
		return nil, err
	}
	response, err := invoke(ctx, gw.conn, method, request)
	if err != nil {
		gw.logger.Errorf("%s client gateway: %v", method, err)
		return nil, fromStatus(err)
	}
	gw.logger.Debugf("%s client gateway done", method)
	return response, nil
}

func (gw *grpcClientGateway) Status(ctx context.Context) (string, error) {
	response, err := gw.call(ctx, methodStatus, nil)
	if err != nil {
		return "", err
	}
	return stringField(response, "status"), nil
}

func (gw *grpcClientGateway) ListUnits(ctx context.Context) ([]domain.UnitInfo, error) {
	response, err := gw.call(ctx, methodListUnits, nil)
	if err != nil {
		return nil, err
	}
	return decodeUnitList(response), nil
}

func (gw *grpcClientGateway) UnitStatus(ctx context.Context, name string) (domain.UnitInfo, error) {
	response, err := gw.call(ctx, methodUnitStatus, map[string]interface{}{"name": name})
	if err != nil {
		return domain.UnitInfo{}, err
	}
	return decodeUnitInfo(response), nil
}

func (gw *grpcClientGateway) UnitAction(ctx context.Context, name string, action domain.Action) (domain.UnitInfo, error) {
	response, err := gw.call(ctx, methodUnitAction, map[string]interface{}{
		"name":   name,
		"action": string(action),
	})
	if err != nil {
		return domain.UnitInfo{}, err
	}
	return decodeUnitInfo(response), nil
}

func (gw *grpcClientGateway) BulkAction(ctx context.Context, action domain.BulkAction) (domain.BulkReport, error) {
	response, err := gw.call(ctx, methodBulkAction, map[string]interface{}{"action": string(action)})
	if err != nil {
		return domain.BulkReport{}, err
	}
	return decodeBulkReport(response), nil
}

func (gw *grpcClientGateway) ReloadConfig(ctx context.Context) (domain.ReloadSummary, error) {
	response, err := gw.call(ctx, methodReloadConfig, nil)
	if err != nil {
		return domain.ReloadSummary{}, err
	}
	return decodeReloadSummary(response), nil
}
