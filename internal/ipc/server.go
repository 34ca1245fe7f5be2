// Package ipc serves miner status over a gRPC unix socket.
package ipc

import (
	"context"
	"net"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/commitminer/commitminer/internal/journal"
)

const (
	serviceName       = "commitminer.Miner"
	statusMethod      = "Status"
	statusFullMethod  = "/" + serviceName + "/" + statusMethod
	historyMethod     = "History"
	historyFullMethod = "/" + serviceName + "/" + historyMethod
)

// StatusProvider is the interface for reading miner state.
type StatusProvider interface {
	MinerStatus() Status
}

// HistoryProvider is implemented by providers that keep a round journal.
type HistoryProvider interface {
	MinerHistory(limit int) ([]journal.Entry, error)
}

// StatusProviderFunc adapts a function to StatusProvider.
type StatusProviderFunc func() Status

// MinerStatus implements StatusProvider.
func (f StatusProviderFunc) MinerStatus() Status { return f() }

type minerServer interface {
	Status(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
	History(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*minerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: statusMethod, Handler: statusHandler},
		{MethodName: historyMethod, Handler: historyHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "commitminer/miner",
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(minerServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: statusFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(minerServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func historyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(minerServer).History(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: historyFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(minerServer).History(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Server is the IPC gRPC server.
type Server struct {
	sockPath string
	provider StatusProvider
	grpc     *grpc.Server
	listener net.Listener
}

// NewServer creates a new IPC server listening on sockPath.
func NewServer(sockPath string, provider StatusProvider) (*Server, error) {
	if sockPath == "" {
		return nil, ErrEmptySocketPath
	}
	// Remove a stale socket left by a previous run
	os.Remove(sockPath)

	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, err
	}

	s := &Server{
		sockPath: sockPath,
		provider: provider,
		grpc:     grpc.NewServer(),
		listener: listener,
	}
	s.grpc.RegisterService(&serviceDesc, s)

	return s, nil
}

// Start begins serving requests.
func (s *Server) Start() error {
	return s.grpc.Serve(s.listener)
}

// Stop gracefully stops the server.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
	os.Remove(s.sockPath)
}

// Status implements the gRPC method.
func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, err := s.provider.MinerStatus().Struct()
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}

// History implements the gRPC method. The request may carry a numeric
// "limit" field.
func (s *Server) History(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	hp, ok := s.provider.(HistoryProvider)
	if !ok {
		return nil, status.Error(codes.Unimplemented, "miner keeps no journal")
	}
	limit := int(req.GetFields()["limit"].GetNumberValue())
	entries, err := hp.MinerHistory(limit)
	if err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	st, err := entriesStruct(entries)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}
