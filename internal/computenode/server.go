package computenode

import (
	"errors"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/epoch-barrier/internal/rpc"
)

// Server exposes a Node over gRPC together with the standard health service.
type Server struct {
	node   *Node
	grpc   *grpc.Server
	health *health.Server
}

// NewServer registers the node's control stream on a new gRPC server.
func NewServer(node *Node, opts ...grpc.ServerOption) *Server {
	s := &Server{
		node:   node,
		grpc:   grpc.NewServer(opts...),
		health: health.NewServer(),
	}
	rpc.RegisterStreamingControlServer(s.grpc, node)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(rpc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Node returns the served node.
func (s *Server) Node() *Node { return s.node }

// Serve blocks serving lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	err := s.grpc.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop announces shutdown to meta and closes every stream.
func (s *Server) Stop() {
	s.health.Shutdown()
	if err := s.node.Shutdown(); err != nil && !errors.Is(err, ErrNotInitialized) {
		s.node.logger.Debug("failed to announce shutdown", "error", err)
	}
	s.grpc.Stop()
}
