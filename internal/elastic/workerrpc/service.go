// Package workerrpc implements the worker notification client (spec.md
// §6): an RPC stub the driver uses to tell a worker that cluster
// membership changed. It is a small, hand-written gRPC service --
// WorkerNotifier/NotifyHostsUpdated -- built directly on the already
// -compiled well-known protobuf message types (timestamppb.Timestamp,
// emptypb.Empty) rather than custom protoc-generated messages, since no
// protoc run is available in this environment. The resulting client/server
// stubs follow exactly the shape protoc-gen-go-grpc would emit.
package workerrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// serviceName is the fully qualified gRPC service name.
const serviceName = "elastic.WorkerNotifier"

// NotifyServer is the server-side contract for the WorkerNotifier service:
// one unary RPC, notify_hosts_updated (spec.md §6).
type NotifyServer interface {
	NotifyHostsUpdated(ctx context.Context, ts *timestamppb.Timestamp) (*emptypb.Empty, error)
}

// serviceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would generate for a service with one unary method.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*NotifyServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "NotifyHostsUpdated",
			Handler:    notifyHostsUpdatedHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "workerrpc/notify.proto",
}

// RegisterNotifyServer registers srv with the given registrar (a
// *grpc.Server, or any other grpc.ServiceRegistrar).
func RegisterNotifyServer(registrar grpc.ServiceRegistrar, srv NotifyServer) {
	registrar.RegisterService(&serviceDesc, srv)
}

func notifyHostsUpdatedHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(timestamppb.Timestamp)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NotifyServer).NotifyHostsUpdated(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + serviceName + "/NotifyHostsUpdated",
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NotifyServer).NotifyHostsUpdated(ctx, req.(*timestamppb.Timestamp))
	}
	return interceptor(ctx, in, info, handler)
}

// notifyClient is the hand-written client stub.
type notifyClient struct {
	cc grpc.ClientConnInterface
}

// newNotifyClient wraps a ClientConnInterface (a *grpc.ClientConn, or an
// in-process channel such as the pack's inprocgrpc.Channel for testing).
func newNotifyClient(cc grpc.ClientConnInterface) *notifyClient {
	return &notifyClient{cc: cc}
}

func (c *notifyClient) NotifyHostsUpdated(ctx context.Context, ts *timestamppb.Timestamp, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/NotifyHostsUpdated", ts, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
