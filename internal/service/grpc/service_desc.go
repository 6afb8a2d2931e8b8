package grpcsvc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName — полное имя gRPC-сервиса.
const ServiceName = "inventory.v1.InventoryService"

const (
	methodProcessOrder   = "/" + ServiceName + "/ProcessOrder"
	methodGetProduct     = "/" + ServiceName + "/GetProduct"
	methodReplenishStock = "/" + ServiceName + "/ReplenishStock"
	methodGetOrder       = "/" + ServiceName + "/GetOrder"
	methodInventoryValue = "/" + ServiceName + "/InventoryValue"
)

// InventoryServiceServer — серверная сторона inventory.v1.InventoryService.
// Сообщения передаются как google.protobuf.Struct.
type InventoryServiceServer interface {
	ProcessOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetProduct(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReplenishStock(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	InventoryValue(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterInventoryServiceServer регистрирует реализацию на gRPC-сервере.
func RegisterInventoryServiceServer(s grpc.ServiceRegistrar, srv InventoryServiceServer) {
	s.RegisterService(&InventoryService_ServiceDesc, srv)
}

type unaryMethod func(InventoryServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		server := srv.(InventoryServiceServer)
		if interceptor == nil {
			return call(server, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(server, ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// InventoryService_ServiceDesc описывает сервис для grpc.Server.
//
//nolint:revive,stylecheck // имя повторяет соглашение protoc-gen-go-grpc.
var InventoryService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*InventoryServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ProcessOrder", Handler: unaryHandler(methodProcessOrder, InventoryServiceServer.ProcessOrder)},
		{MethodName: "GetProduct", Handler: unaryHandler(methodGetProduct, InventoryServiceServer.GetProduct)},
		{MethodName: "ReplenishStock", Handler: unaryHandler(methodReplenishStock, InventoryServiceServer.ReplenishStock)},
		{MethodName: "GetOrder", Handler: unaryHandler(methodGetOrder, InventoryServiceServer.GetOrder)},
		{MethodName: "InventoryValue", Handler: unaryHandler(methodInventoryValue, InventoryServiceServer.InventoryValue)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "inventory/v1/inventory_service.proto",
}

// InventoryClient — клиент inventory.v1.InventoryService поверх grpc.ClientConnInterface.
type InventoryClient struct {
	cc grpc.ClientConnInterface
}

func NewInventoryClient(cc grpc.ClientConnInterface) *InventoryClient {
	return &InventoryClient{cc: cc}
}

func (c *InventoryClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if in == nil {
		in = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *InventoryClient) ProcessOrder(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodProcessOrder, in, opts...)
}

func (c *InventoryClient) GetProduct(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodGetProduct, in, opts...)
}

func (c *InventoryClient) ReplenishStock(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodReplenishStock, in, opts...)
}

func (c *InventoryClient) GetOrder(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodGetOrder, in, opts...)
}

func (c *InventoryClient) InventoryValue(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodInventoryValue, nil, opts...)
}
