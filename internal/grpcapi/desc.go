// Package grpcapi serves read-only verification over gRPC and, through
// grpc-gateway, over HTTP/JSON. Messages travel as google.protobuf.Struct
// so no generated stubs are needed.
package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "anchor.v1.VerifierService"

	verifyMethod      = "/" + ServiceName + "/Verify"
	verifyBatchMethod = "/" + ServiceName + "/VerifyBatch"
)

// VerifierServer is the server API for anchor.v1.VerifierService.
type VerifierServer interface {
	Verify(context.Context, *structpb.Struct) (*structpb.Struct, error)
	VerifyBatch(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterVerifierServer registers srv on s.
func RegisterVerifierServer(s grpc.ServiceRegistrar, srv VerifierServer) {
	s.RegisterService(&verifierServiceDesc, srv)
}

var verifierServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*VerifierServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Verify", Handler: verifyHandler},
		{MethodName: "VerifyBatch", Handler: verifyBatchHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "anchor/v1/verifier.proto",
}

func verifyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VerifierServer).Verify(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: verifyMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(VerifierServer).Verify(ctx, req.(*structpb.Struct))
	})
}

func verifyBatchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VerifierServer).VerifyBatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: verifyBatchMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(VerifierServer).VerifyBatch(ctx, req.(*structpb.Struct))
	})
}

// VerifierClient calls anchor.v1.VerifierService over a client connection.
type VerifierClient struct {
	cc grpc.ClientConnInterface
}

// NewVerifierClient wraps cc.
func NewVerifierClient(cc grpc.ClientConnInterface) *VerifierClient {
	return &VerifierClient{cc: cc}
}

func (c *VerifierClient) Verify(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, verifyMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *VerifierClient) VerifyBatch(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, verifyBatchMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
