package controlstream

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/epoch-barrier/internal/rpc"
	"github.com/ChuLiYu/epoch-barrier/pkg/types"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeStream struct {
	mu      sync.Mutex
	sent    []*rpc.StreamingControlRequest
	sendErr error
	recvCh  chan *rpc.StreamingControlResponse
	closeCh chan struct{}
	once    sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		recvCh:  make(chan *rpc.StreamingControlResponse, 16),
		closeCh: make(chan struct{}),
	}
}

func (s *fakeStream) Send(req *rpc.StreamingControlRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, req)
	return nil
}

func (s *fakeStream) Recv() (*rpc.StreamingControlResponse, error) {
	select {
	case resp, ok := <-s.recvCh:
		if !ok {
			return nil, io.EOF
		}
		return resp, nil
	case <-s.closeCh:
		return nil, io.EOF
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closeCh) })
	return nil
}

func (s *fakeStream) requests() []*rpc.StreamingControlRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*rpc.StreamingControlRequest, len(s.sent))
	copy(out, s.sent)
	return out
}

type fakeDialer struct {
	mu       sync.Mutex
	streams  map[types.WorkerID]*fakeStream
	failures map[types.WorkerID]int
	attempts map[types.WorkerID]int
	inits    []*rpc.InitRequest
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		streams:  make(map[types.WorkerID]*fakeStream),
		failures: make(map[types.WorkerID]int),
		attempts: make(map[types.WorkerID]int),
	}
}

func (d *fakeDialer) Dial(_ context.Context, node types.WorkerNode, init *rpc.InitRequest) (rpc.ControlStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts[node.ID]++
	d.inits = append(d.inits, init)
	if d.failures[node.ID] > 0 {
		d.failures[node.ID]--
		return nil, errors.New("connection refused")
	}
	s := newFakeStream()
	d.streams[node.ID] = s
	return s, nil
}

func (d *fakeDialer) stream(id types.WorkerID) *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[id]
}

func fastConfig() Config {
	return Config{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2, MaxRetry: 5}
}

func worker(id types.WorkerID) types.WorkerNode {
	return types.WorkerNode{ID: id, Host: "fake", Parallelism: 4, Schedulable: true}
}

func fragment(id types.FragmentID, actors map[types.ActorID]types.WorkerID, tables ...types.TableID) *types.FragmentInfo {
	f := &types.FragmentInfo{ID: id, Actors: make(map[types.ActorID]types.ActorInfo), StateTableIDs: tables}
	for a, w := range actors {
		f.Actors[a] = types.ActorInfo{WorkerID: w}
	}
	return f
}

func connected(t *testing.T, ids ...types.WorkerID) (*Manager, *fakeDialer) {
	t.Helper()
	d := newFakeDialer()
	m := NewManager(d, fastConfig(), nil)
	for _, id := range ids {
		require.NoError(t, m.AddWorker(context.Background(), worker(id), &rpc.InitRequest{TermID: "t"}))
	}
	return m, d
}

func nextResponse(t *testing.T, m *Manager) WorkerResponse {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := m.NextResponse(ctx)
	require.NoError(t, err)
	return resp
}

// ============================================================================
// Connection tests
// ============================================================================

func TestAddWorkerRetriesWithBackoff(t *testing.T) {
	d := newFakeDialer()
	d.failures[1] = 3
	m := NewManager(d, fastConfig(), nil)

	require.NoError(t, m.AddWorker(context.Background(), worker(1), &rpc.InitRequest{}))
	assert.True(t, m.IsConnected(1))
	assert.Equal(t, 4, d.attempts[1])
}

func TestAddWorkerGivesUpAfterMaxRetry(t *testing.T) {
	d := newFakeDialer()
	d.failures[1] = 100
	m := NewManager(d, fastConfig(), nil)

	err := m.AddWorker(context.Background(), worker(1), &rpc.InitRequest{})
	var werr *WorkerError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, types.WorkerID(1), werr.WorkerID)
	assert.False(t, m.IsConnected(1))
	assert.Equal(t, 5, d.attempts[1])
}

func TestAddWorkerSkipsConnectedWorker(t *testing.T) {
	m, d := connected(t, 1)
	require.NoError(t, m.AddWorker(context.Background(), worker(1), &rpc.InitRequest{}))
	assert.Equal(t, 1, d.attempts[1])
}

func TestResetReturnsFailedWorkers(t *testing.T) {
	m, d := connected(t, 1, 2)
	old := d.stream(1)
	d.failures[2] = 1

	failed := m.Reset(context.Background(), []types.WorkerNode{worker(1), worker(2), worker(3)}, &rpc.InitRequest{TermID: "t2"})
	require.Len(t, failed, 1)
	assert.Contains(t, failed, types.WorkerID(2))
	assert.Equal(t, []types.WorkerID{1, 3}, m.ConnectedWorkers())
	assert.NotSame(t, old, d.stream(1))

	select {
	case <-old.closeCh:
	default:
		t.Fatal("old stream should be closed by reset")
	}
}

func TestTryReconnectReplacesStream(t *testing.T) {
	m, d := connected(t, 1)
	old := d.stream(1)
	require.NoError(t, m.TryReconnectWorker(context.Background(), worker(1), &rpc.InitRequest{}))
	assert.NotSame(t, old, d.stream(1))
	assert.True(t, m.IsConnected(1))
}

// ============================================================================
// Injection tests
// ============================================================================

func TestInjectBarrierReachesEveryConnectedWorker(t *testing.T) {
	m, d := connected(t, 1, 2, 3)

	req := InjectRequest{
		DatabaseID: 1,
		Barrier:    types.BarrierInfo{Prev: 100, Curr: 200, Kind: types.CheckpointKind([]types.Epoch{100})},
		PreGraph:   []*types.FragmentInfo{fragment(1, map[types.ActorID]types.WorkerID{10: 1, 11: 2}, 5)},
		PostGraph:  []*types.FragmentInfo{fragment(1, map[types.ActorID]types.WorkerID{10: 1, 11: 2}, 5)},
	}
	ntc, err := m.InjectBarrier(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, map[types.WorkerID]bool{1: false, 2: false, 3: true}, map[types.WorkerID]bool(ntc))

	sent := d.stream(3).requests()
	require.Len(t, sent, 1)
	b := sent[0].InjectBarrier
	require.NotNil(t, b)
	assert.Empty(t, b.ActorIDsToCollect)
	assert.Equal(t, []types.TableID{5}, b.TableIDsToSync)
	assert.Equal(t, types.SteadyStateGraph, b.PartialGraphID)
	assert.Equal(t, types.Epoch(100), b.Barrier.Epoch.Prev)
	assert.NotEmpty(t, b.RequestID)

	assert.Equal(t, []types.ActorID{10}, d.stream(1).requests()[0].InjectBarrier.ActorIDsToCollect)
}

func TestInjectBarrierFailsAtomicallyOnMissingWorker(t *testing.T) {
	m, d := connected(t, 1)
	job := types.JobID(9)

	req := InjectRequest{
		DatabaseID:    1,
		CreatingJobID: &job,
		Barrier:       types.BarrierInfo{Prev: 100, Curr: 200, Kind: types.BarrierOnlyKind()},
		PreGraph:      []*types.FragmentInfo{fragment(1, map[types.ActorID]types.WorkerID{10: 1, 11: 2})},
	}
	_, err := m.InjectBarrier(context.Background(), req)
	require.ErrorIs(t, err, ErrWorkerNotConnected)
	var werr *WorkerError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, types.WorkerID(2), werr.WorkerID)
	assert.Empty(t, d.stream(1).requests(), "nothing sent")
}

func TestInjectBarrierIgnoresAbsentActorlessWorker(t *testing.T) {
	m, _ := connected(t, 1)
	req := InjectRequest{
		DatabaseID: 1,
		Barrier:    types.BarrierInfo{Prev: 1, Curr: 2, Kind: types.InitialKind()},
	}
	ntc, err := m.InjectBarrier(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, map[types.WorkerID]bool{1: true}, map[types.WorkerID]bool(ntc))
}

func TestInjectBarrierSendFailure(t *testing.T) {
	m, d := connected(t, 1)
	d.stream(1).sendErr = errors.New("broken pipe")

	_, err := m.InjectBarrier(context.Background(), InjectRequest{Barrier: types.BarrierInfo{Prev: 1, Curr: 2}})
	var werr *WorkerError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, types.WorkerID(1), werr.WorkerID)
}

func TestPartialGraphRequests(t *testing.T) {
	m, d := connected(t, 1, 2)
	d.stream(2).sendErr = errors.New("gone")

	m.AddPartialGraph(1, types.PartialGraphOf(7))
	m.RemovePartialGraph(1, nil)
	m.RemovePartialGraph(1, []types.JobID{7})
	sent := m.ResetDatabase(1, 3)
	assert.Equal(t, map[types.WorkerID]struct{}{1: {}}, sent)

	reqs := d.stream(1).requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, types.PartialGraphOf(7), reqs[0].CreatePartialGraph.PartialGraphID)
	assert.Equal(t, []types.PartialGraphID{types.PartialGraphOf(7)}, reqs[1].RemovePartialGraph.PartialGraphIDs)
	assert.Equal(t, uint32(3), reqs[2].ResetDatabase.ResetRequestID)
}

// ============================================================================
// Response tests
// ============================================================================

func TestPollNextResponse(t *testing.T) {
	m, d := connected(t, 1, 2)

	_, ok := m.PollNextResponse()
	assert.False(t, ok)

	d.stream(2).recvCh <- &rpc.StreamingControlResponse{BarrierComplete: &types.BarrierCompleteResponse{WorkerID: 2, Epoch: 100}}
	resp := nextResponse(t, m)
	require.NoError(t, resp.Err)
	assert.Equal(t, types.WorkerID(2), resp.WorkerID)
	assert.Equal(t, types.Epoch(100), resp.Response.BarrierComplete.Epoch)
}

func TestPollNextResponseRemovesFailedWorker(t *testing.T) {
	cases := map[string]func(s *fakeStream){
		"shutdown": func(s *fakeStream) { s.recvCh <- &rpc.StreamingControlResponse{Shutdown: &rpc.ShutdownResponse{}} },
		"init":     func(s *fakeStream) { s.recvCh <- &rpc.StreamingControlResponse{Init: &rpc.InitResponse{}} },
		"empty":    func(s *fakeStream) { s.recvCh <- &rpc.StreamingControlResponse{} },
		"eof":      func(s *fakeStream) { close(s.recvCh) },
	}
	for name, fail := range cases {
		t.Run(name, func(t *testing.T) {
			m, d := connected(t, 1, 2)
			fail(d.stream(1))

			resp := nextResponse(t, m)
			require.Error(t, resp.Err)
			assert.Equal(t, types.WorkerID(1), resp.WorkerID)
			assert.False(t, m.IsConnected(1))
			assert.True(t, m.IsConnected(2))
		})
	}
}

func TestNextResponseHonoursContext(t *testing.T) {
	m, _ := connected(t, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.NextResponse(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBuildInitRequest(t *testing.T) {
	init := BuildInitRequest("term", []DatabaseGraphs{{
		DatabaseID:    1,
		Subscriptions: []types.SubscriptionUpstreamInfo{{SubscriberID: 9, UpstreamTableID: 3}},
		CreatingJobs:  []types.JobID{8, 7},
	}})
	require.Len(t, init.Databases, 1)
	graphs := init.Databases[0].Graphs
	require.Len(t, graphs, 3)
	assert.Equal(t, types.SteadyStateGraph, graphs[0].PartialGraphID)
	assert.Len(t, graphs[0].Subscriptions, 1)
	assert.Equal(t, types.PartialGraphOf(7), graphs[1].PartialGraphID)
	assert.Equal(t, types.PartialGraphOf(8), graphs[2].PartialGraphID)
}
