// Package enginetest provides an in-process stand-in for the compute engine's
// RPC server, answering the version handshake only.
package enginetest

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/loykin/gridvisor/internal/engine"
)

// Server is a fake engine listening on a local TCP port.
type Server struct {
	Version engine.Version

	grpc  *grpc.Server
	lis   net.Listener
	calls atomic.Int64
	fail  atomic.Bool
}

// Listen binds addr ("127.0.0.1:0" for an ephemeral port) and starts serving.
func Listen(addr string, v engine.Version) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{Version: v, grpc: grpc.NewServer(), lis: lis}
	Register(s.grpc, s.version)
	go func() { _ = s.grpc.Serve(lis) }()
	return s, nil
}

// Port is the bound TCP port.
func (s *Server) Port() int { return s.lis.Addr().(*net.TCPAddr).Port }

// Calls counts GetVersion requests served.
func (s *Server) Calls() int64 { return s.calls.Load() }

// FailProbes makes GetVersion return Unavailable while set.
func (s *Server) FailProbes(v bool) { s.fail.Store(v) }

// Stop closes the listener and all connections.
func (s *Server) Stop() { s.grpc.Stop() }

func (s *Server) version(context.Context) (engine.Version, error) {
	s.calls.Add(1)
	if s.fail.Load() {
		return engine.Version{}, status.Error(codes.Unavailable, "engine starting")
	}
	return s.Version, nil
}

// Register installs a rips.App service answering GetVersion with fn.
func Register(gs *grpc.Server, fn func(context.Context) (engine.Version, error)) {
	gs.RegisterService(&grpc.ServiceDesc{
		ServiceName: "rips.App",
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "GetVersion",
			Handler: func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				in, err := engine.NewEmpty()
				if err != nil {
					return nil, err
				}
				if err := dec(in); err != nil {
					return nil, err
				}
				v, err := fn(ctx)
				if err != nil {
					return nil, err
				}
				out, err := engine.NewVersionMessage(v)
				if err != nil {
					return nil, fmt.Errorf("encode version: %w", err)
				}
				return out, nil
			},
		}},
		Metadata: "rips/App.proto",
	}, struct{}{})
}
