package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/epoch-barrier/pkg/types"
)

var (
	// ErrUnexpectedInitResponse is returned when a worker answers Init with
	// anything but an Init acknowledgement.
	ErrUnexpectedInitResponse = errors.New("rpc: unexpected response to init")
)

// ControlStream is the meta end of a control stream.
type ControlStream interface {
	Send(*StreamingControlRequest) error
	Recv() (*StreamingControlResponse, error)
	Close() error
}

// Dialer opens initialized control streams to workers.
type Dialer interface {
	Dial(ctx context.Context, node types.WorkerNode, init *InitRequest) (ControlStream, error)
}

// GrpcDialer opens control streams over gRPC, caching one connection per host.
type GrpcDialer struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
	opts  []grpc.DialOption
}

// NewGrpcDialer creates a dialer. Without options, plaintext transport is used.
func NewGrpcDialer(opts ...grpc.DialOption) *GrpcDialer {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &GrpcDialer{
		conns: make(map[string]*grpc.ClientConn),
		opts:  opts,
	}
}

func (d *GrpcDialer) conn(host string) (*grpc.ClientConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if conn, ok := d.conns[host]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(host, d.opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial worker %s: %w", host, err)
	}
	d.conns[host] = conn
	return conn, nil
}

// Dial opens a stream, sends init and waits for the worker's acknowledgement.
func (d *GrpcDialer) Dial(ctx context.Context, node types.WorkerNode, init *InitRequest) (ControlStream, error) {
	conn, err := d.conn(node.Host)
	if err != nil {
		return nil, err
	}

	// the stream outlives the dial context
	streamCtx, cancel := context.WithCancel(context.Background())
	cs, err := conn.NewStream(streamCtx, &StreamingControlStreamDesc, StreamingControlMethod)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open control stream to worker %d: %w", node.ID, err)
	}
	stream := &clientStream{ClientStream: cs, cancel: cancel}

	if err := stream.Send(&StreamingControlRequest{Init: init}); err != nil {
		stream.Close()
		return nil, fmt.Errorf("failed to send init to worker %d: %w", node.ID, err)
	}

	type result struct {
		resp *StreamingControlResponse
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := stream.Recv()
		ch <- result{resp: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		stream.Close()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			stream.Close()
			return nil, fmt.Errorf("failed to receive init response from worker %d: %w", node.ID, r.err)
		}
		if r.resp.Init == nil {
			stream.Close()
			return nil, fmt.Errorf("%w from worker %d", ErrUnexpectedInitResponse, node.ID)
		}
		return stream, nil
	}
}

// Close releases every cached connection.
func (d *GrpcDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for host, conn := range d.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(d.conns, host)
	}
	return errors.Join(errs...)
}

type clientStream struct {
	grpc.ClientStream
	cancel context.CancelFunc
	sendMu sync.Mutex
}

func (s *clientStream) Send(req *StreamingControlRequest) error {
	frame, err := Encode(req)
	if err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.ClientStream.SendMsg(frame)
}

func (s *clientStream) Recv() (*StreamingControlResponse, error) {
	frame := new(wrapperspb.BytesValue)
	if err := s.ClientStream.RecvMsg(frame); err != nil {
		return nil, err
	}
	resp := new(StreamingControlResponse)
	if err := Decode(frame, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *clientStream) Close() error {
	s.sendMu.Lock()
	err := s.ClientStream.CloseSend()
	s.sendMu.Unlock()
	s.cancel()
	return err
}
