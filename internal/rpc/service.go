// ============================================================================
// Streaming Control Service
// ============================================================================
//
// Package: internal/rpc
// File: service.go
// Purpose: Bidirectional gRPC stream between the meta node and each compute
// node. Frames are wrapperspb.BytesValue carrying JSON-encoded messages, so
// the default proto codec moves them without generated stubs.
//
//	meta ──StreamingControlRequest──> compute
//	meta <─StreamingControlResponse── compute
//
// ============================================================================

package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "epochbarrier.stream.StreamService"
	// StreamingControlMethod is the full method of the control stream.
	StreamingControlMethod = "/" + ServiceName + "/StreamingControlStream"
)

// StreamingControlStreamDesc describes the control stream for clients.
var StreamingControlStreamDesc = grpc.StreamDesc{
	StreamName:    "StreamingControlStream",
	ServerStreams: true,
	ClientStreams: true,
}

// StreamingControlServer is implemented by compute nodes.
type StreamingControlServer interface {
	StreamingControlStream(stream ServerStream) error
}

// ServerStream is the compute-node end of a control stream.
type ServerStream interface {
	Send(*StreamingControlResponse) error
	Recv() (*StreamingControlRequest, error)
	Context() context.Context
}

type serverStream struct {
	grpc.ServerStream
}

func (s *serverStream) Send(resp *StreamingControlResponse) error {
	frame, err := Encode(resp)
	if err != nil {
		return err
	}
	return s.ServerStream.SendMsg(frame)
}

func (s *serverStream) Recv() (*StreamingControlRequest, error) {
	frame := new(wrapperspb.BytesValue)
	if err := s.ServerStream.RecvMsg(frame); err != nil {
		return nil, err
	}
	req := new(StreamingControlRequest)
	if err := Decode(frame, req); err != nil {
		return nil, err
	}
	return req, nil
}

func streamingControlHandler(srv any, stream grpc.ServerStream) error {
	return srv.(StreamingControlServer).StreamingControlStream(&serverStream{ServerStream: stream})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StreamingControlServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    StreamingControlStreamDesc.StreamName,
			Handler:       streamingControlHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

// RegisterStreamingControlServer attaches a compute node to a gRPC server.
func RegisterStreamingControlServer(s grpc.ServiceRegistrar, srv StreamingControlServer) {
	s.RegisterService(&serviceDesc, srv)
}
