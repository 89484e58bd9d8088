package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service sysinitd registers
const ServiceName = "hsu.sysinit.v1.SysinitService"

const (
	methodStatus       = "Status"
	methodListUnits    = "ListUnits"
	methodUnitStatus   = "UnitStatus"
	methodUnitAction   = "UnitAction"
	methodBulkAction   = "BulkAction"
	methodReloadConfig = "ReloadConfig"
)

// SysinitServiceServer is the server side of the control API. Messages are
// structpb.Struct documents so no generated code is needed.
type SysinitServiceServer interface {
	Status(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	ListUnits(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	UnitStatus(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	UnitAction(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	BulkAction(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	ReloadConfig(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(server SysinitServiceServer, ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SysinitServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodStatus, Handler: unaryHandler(methodStatus, SysinitServiceServer.Status)},
		{MethodName: methodListUnits, Handler: unaryHandler(methodListUnits, SysinitServiceServer.ListUnits)},
		{MethodName: methodUnitStatus, Handler: unaryHandler(methodUnitStatus, SysinitServiceServer.UnitStatus)},
		{MethodName: methodUnitAction, Handler: unaryHandler(methodUnitAction, SysinitServiceServer.UnitAction)},
		{MethodName: methodBulkAction, Handler: unaryHandler(methodBulkAction, SysinitServiceServer.BulkAction)},
		{MethodName: methodReloadConfig, Handler: unaryHandler(methodReloadConfig, SysinitServiceServer.ReloadConfig)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sysinit.proto",
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unaryHandler(method string, call unaryCall) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		request := new(structpb.Struct)
		if err := dec(request); err != nil {
			return nil, err
		}
		server := srv.(SysinitServiceServer)
		if interceptor == nil {
			return call(server, ctx, request)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod(method),
		}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(server, ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, request, info, handler)
	}
}

// RegisterSysinitServiceServer registers impl on registrar
func RegisterSysinitServiceServer(registrar grpc.ServiceRegistrar, impl SysinitServiceServer) {
	registrar.RegisterService(&serviceDesc, impl)
}

func invoke(ctx context.Context, conn grpc.ClientConnInterface, method string, request *structpb.Struct) (*structpb.Struct, error) {
	response := new(structpb.Struct)
	if err := conn.Invoke(ctx, fullMethod(method), request, response); err != nil {
		return nil, err
	}
	return response, nil
}
