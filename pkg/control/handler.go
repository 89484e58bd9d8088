package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/core-tools/hsu-sysinit/pkg/domain"
	"github.com/core-tools/hsu-sysinit/pkg/logging"
)

func RegisterGRPCServerHandler(grpcServerRegistrar grpc.ServiceRegistrar, handler domain.Contract, logger logging.Logger) {
	RegisterSysinitServiceServer(grpcServerRegistrar, &grpcServerHandler{
		handler: handler,
		logger:  logger,
	})
}

type grpcServerHandler struct {
	handler domain.Contract
	logger  logging.Logger
}

func (h *grpcServerHandler) Status(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	status, err := h.handler.Status(ctx)
	if err != nil {
		h.logger.Errorf("Status server handler: %v", err)
		return nil, toStatus(err)
	}
	h.logger.Debugf("Status server handler done")
	return newStruct(map[string]interface{}{"status": status})
}

func (h *grpcServerHandler) ListUnits(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	units, err := h.handler.ListUnits(ctx)
	if err != nil {
		h.logger.Errorf("ListUnits server handler: %v", err)
		return nil, toStatus(err)
	}
	h.logger.Debugf("ListUnits server handler done, units: %d", len(units))
	return encodeUnitList(units)
}

func (h *grpcServerHandler) UnitStatus(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	name := stringField(request, "name")
	info, err := h.handler.UnitStatus(ctx, name)
	if err != nil {
		h.logger.Errorf("UnitStatus server handler, unit: %s, error: %v", name, err)
		return nil, toStatus(err)
	}
	h.logger.Debugf("UnitStatus server handler done, unit: %s", name)
	return encodeUnitInfo(info)
}

func (h *grpcServerHandler) UnitAction(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	name := stringField(request, "name")
	action := domain.Action(stringField(request, "action"))
	info, err := h.handler.UnitAction(ctx, name, action)
	if err != nil {
		h.logger.Errorf("UnitAction server handler, unit: %s, action: %s, error: %v", name, action, err)
		return nil, toStatus(err)
	}
	h.logger.Debugf("UnitAction server handler done, unit: %s, action: %s", name, action)
	return encodeUnitInfo(info)
}

func (h *grpcServerHandler) BulkAction(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	action := domain.BulkAction(stringField(request, "action"))
	report, err := h.handler.BulkAction(ctx, action)
	if err != nil {
		h.logger.Errorf("BulkAction server handler, action: %s, error: %v", action, err)
		return nil, toStatus(err)
	}
	h.logger.Debugf("BulkAction server handler done, action: %s, failed: %d", action, report.Failed())
	return encodeBulkReport(report)
}

func (h *grpcServerHandler) ReloadConfig(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	summary, err := h.handler.ReloadConfig(ctx)
	if err != nil {
		h.logger.Errorf("ReloadConfig server handler: %v", err)
		return nil, toStatus(err)
	}
	h.logger.Debugf("ReloadConfig server handler done")
	return encodeReloadSummary(summary)
}
