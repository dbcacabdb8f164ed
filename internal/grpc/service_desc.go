package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "checkout.v1.CheckoutService"

// CheckoutServer is the server API of checkout.v1.CheckoutService. Messages
// are google.protobuf.Struct documents with the JSON shape of the HTTP API.
type CheckoutServer interface {
	ReserveAndCommit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CheckAvailability(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var CheckoutServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CheckoutServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ReserveAndCommit",
			Handler:    unaryHandler("ReserveAndCommit", CheckoutServer.ReserveAndCommit),
		},
		{
			MethodName: "CheckAvailability",
			Handler:    unaryHandler("CheckAvailability", CheckoutServer.CheckAvailability),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "checkout/v1/checkout.proto",
}

func RegisterCheckoutServer(s grpc.ServiceRegistrar, srv CheckoutServer) {
	s.RegisterService(&CheckoutServiceDesc, srv)
}

type unaryMethod func(CheckoutServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call unaryMethod) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	fullMethod := "/" + ServiceName + "/" + name
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CheckoutServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(CheckoutServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}
