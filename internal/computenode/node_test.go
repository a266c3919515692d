package computenode

// ============================================================================
// Compute Node 測試
// 職責：透過 bufconn 上的 gRPC 控制串流驗證 barrier 收集、mutation 與重置
// ============================================================================

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/epoch-barrier/internal/rpc"
	"github.com/ChuLiYu/epoch-barrier/pkg/types"
)

// ============================================================================
// Helpers
// ============================================================================

func testConfig() Config {
	cfg := DefaultConfig(7)
	cfg.Collectors = 1
	cfg.CollectDelay = 0
	cfg.BackfillBarriers = 2
	cfg.RowsPerBarrier = 10
	return cfg
}

func startNode(t *testing.T) (*Node, rpc.ControlStream) {
	t.Helper()
	node := NewNode(testConfig())
	srv := NewServer(node)
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	d := rpc.NewGrpcDialer(
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	t.Cleanup(func() { _ = d.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := d.Dial(ctx, types.WorkerNode{ID: 7, Host: "passthrough:///bufnet"}, &rpc.InitRequest{
		TermID: "term-1",
		Databases: []rpc.DatabaseInitialPartialGraph{{
			DatabaseID: 1,
			Graphs:     []rpc.InitialPartialGraph{{PartialGraphID: types.SteadyStateGraph}},
		}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = stream.Close() })
	return node, stream
}

type barrierOpt func(*rpc.InjectBarrierRequest)

func withBuild(f types.FragmentID, mask types.FragmentTypeMask, actors ...types.ActorID) barrierOpt {
	return func(r *rpc.InjectBarrierRequest) {
		info := types.FragmentBuildInfo{FragmentID: f, TypeMask: mask}
		for _, a := range actors {
			info.Actors = append(info.Actors, types.BuildActorInfo{ActorID: a})
		}
		r.ActorsToBuild = append(r.ActorsToBuild, info)
	}
}

func withMutation(m *types.Mutation) barrierOpt {
	return func(r *rpc.InjectBarrierRequest) { r.Barrier.Mutation = m }
}

func inject(t *testing.T, stream rpc.ControlStream, prev types.Epoch, collect []types.ActorID, opts ...barrierOpt) {
	t.Helper()
	req := &rpc.InjectBarrierRequest{
		RequestID:         "r",
		DatabaseID:        1,
		PartialGraphID:    types.SteadyStateGraph,
		Barrier:           rpc.Barrier{Epoch: rpc.BarrierEpoch{Prev: prev, Curr: prev + 1}, Kind: types.CheckpointKind([]types.Epoch{prev})},
		ActorIDsToCollect: collect,
		TableIDsToSync:    []types.TableID{42},
	}
	for _, o := range opts {
		o(req)
	}
	require.NoError(t, stream.Send(&rpc.StreamingControlRequest{InjectBarrier: req}))
}

func recv(t *testing.T, stream rpc.ControlStream) *rpc.StreamingControlResponse {
	t.Helper()
	resp, err := stream.Recv()
	require.NoError(t, err)
	return resp
}

func progressOf(resp *rpc.StreamingControlResponse, a types.ActorID) (types.CreateMviewProgress, bool) {
	for _, p := range resp.BarrierComplete.CreateMviewProgress {
		if p.BackfillActorID == a {
			return p, true
		}
	}
	return types.CreateMviewProgress{}, false
}

// ============================================================================
// Barrier Collection 測試
// ============================================================================

func TestBarrierCompletesWithBackfillProgress(t *testing.T) {
	node, stream := startNode(t)

	inject(t, stream, 100, []types.ActorID{1, 2},
		withBuild(10, types.FragmentMview, 1),
		withBuild(20, types.FragmentStreamScan, 2))
	resp := recv(t, stream)
	require.NotNil(t, resp.BarrierComplete)
	assert.Equal(t, types.Epoch(100), resp.BarrierComplete.Epoch)
	assert.Equal(t, types.WorkerID(7), resp.BarrierComplete.WorkerID)
	p, ok := progressOf(resp, 2)
	require.True(t, ok)
	assert.False(t, p.Done)
	assert.Equal(t, uint64(10), p.ConsumedRows)
	assert.Equal(t, uint64(1), p.PendingEpochLag)
	_, ok = progressOf(resp, 1)
	assert.False(t, ok, "non-backfill actors report nothing")
	assert.Equal(t, map[types.TableID]int64{42: 10}, resp.BarrierComplete.TableKeyCountDelta)

	inject(t, stream, 101, []types.ActorID{1, 2})
	resp = recv(t, stream)
	p, ok = progressOf(resp, 2)
	require.True(t, ok)
	assert.True(t, p.Done)
	assert.Equal(t, uint64(20), p.ConsumedRows, "rows are cumulative")

	inject(t, stream, 102, []types.ActorID{1, 2})
	resp = recv(t, stream)
	assert.Empty(t, resp.BarrierComplete.CreateMviewProgress, "finished actors stop reporting")

	st := node.Status()
	assert.Equal(t, "term-1", st.TermID)
	assert.Equal(t, 2, st.Actors)
	assert.Equal(t, uint64(3), st.Barriers)
	assert.True(t, st.Backfill[2].Done)
}

func TestUnknownActorReportsDatabaseFailure(t *testing.T) {
	_, stream := startNode(t)

	inject(t, stream, 100, []types.ActorID{99})
	resp := recv(t, stream)
	require.NotNil(t, resp.ReportDatabaseFailure)
	assert.Equal(t, types.DatabaseID(1), resp.ReportDatabaseFailure.DatabaseID)
	assert.Contains(t, resp.ReportDatabaseFailure.Reason, "actor not found")
}

// ============================================================================
// Mutation 測試
// ============================================================================

func TestStopMutationDropsActorsAfterCollect(t *testing.T) {
	node, stream := startNode(t)

	inject(t, stream, 100, []types.ActorID{1, 2}, withBuild(10, types.FragmentMview, 1, 2))
	recv(t, stream)
	inject(t, stream, 101, []types.ActorID{1, 2}, withMutation(types.NewStopMutation([]types.ActorID{2})))
	resp := recv(t, stream)
	require.NotNil(t, resp.BarrierComplete)
	assert.Equal(t, 1, node.Status().Actors)
}

func TestPauseHoldsBackfill(t *testing.T) {
	node, stream := startNode(t)

	inject(t, stream, 100, []types.ActorID{2}, withBuild(20, types.FragmentStreamScan, 2), withMutation(types.PauseMutation()))
	resp := recv(t, stream)
	p, _ := progressOf(resp, 2)
	assert.Equal(t, uint64(10), p.ConsumedRows, "pause applies after the carrying barrier")
	assert.Equal(t, []types.DatabaseID{1}, node.Status().Paused)

	inject(t, stream, 101, []types.ActorID{2})
	resp = recv(t, stream)
	p, _ = progressOf(resp, 2)
	assert.Equal(t, uint64(10), p.ConsumedRows)

	inject(t, stream, 102, []types.ActorID{2}, withMutation(types.ResumeMutation()))
	recv(t, stream)
	inject(t, stream, 103, []types.ActorID{2})
	resp = recv(t, stream)
	p, _ = progressOf(resp, 2)
	assert.True(t, p.Done)
	assert.Empty(t, node.Status().Paused)
}

func TestBackfillNodesWaitForStart(t *testing.T) {
	_, stream := startNode(t)

	add := types.NewAddMutation(types.AddMutation{
		AddedActors:          []types.ActorID{2, 3},
		BackfillNodesToPause: []types.FragmentID{30},
		ActorSplits:          types.SplitAssignment{2: {"p0"}},
	})
	inject(t, stream, 100, []types.ActorID{2, 3},
		withBuild(20, types.FragmentStreamScan, 2),
		withBuild(30, types.FragmentStreamScan, 3),
		withMutation(add))
	resp := recv(t, stream)
	p2, _ := progressOf(resp, 2)
	p3, _ := progressOf(resp, 3)
	assert.Equal(t, uint64(10), p2.ConsumedRows)
	assert.Zero(t, p3.ConsumedRows)

	inject(t, stream, 101, []types.ActorID{2, 3}, withMutation(types.NewStartFragmentBackfillMutation([]types.FragmentID{30})))
	resp = recv(t, stream)
	p3, _ = progressOf(resp, 3)
	assert.Zero(t, p3.ConsumedRows, "the start barrier itself does not progress the fragment")

	inject(t, stream, 102, []types.ActorID{2, 3})
	resp = recv(t, stream)
	p3, _ = progressOf(resp, 3)
	assert.Equal(t, uint64(10), p3.ConsumedRows)
}

func TestSplitsAndSubscriptions(t *testing.T) {
	node, stream := startNode(t)
	sub := types.SubscriptionUpstreamInfo{SubscriberID: 5, UpstreamTableID: 42}

	inject(t, stream, 100, []types.ActorID{1}, withBuild(10, types.FragmentSource, 1), func(r *rpc.InjectBarrierRequest) {
		r.SubscriptionsToAdd = []types.SubscriptionUpstreamInfo{sub}
	})
	recv(t, stream)
	inject(t, stream, 101, []types.ActorID{1}, withMutation(&types.Mutation{
		Kind:   types.MutationSplits,
		Splits: types.SplitAssignment{1: {"p0", "p1"}},
	}))
	recv(t, stream)

	st := node.Status()
	assert.Equal(t, map[types.ActorID][]string{1: {"p0", "p1"}}, st.Splits)
	assert.Equal(t, map[types.DatabaseID]int{1: 1}, st.Subscriptions)

	inject(t, stream, 102, []types.ActorID{1}, withMutation(types.NewDropSubscriptionsMutation([]types.SubscriptionUpstreamInfo{sub})))
	recv(t, stream)
	assert.Empty(t, node.Status().Subscriptions)
}

// ============================================================================
// Partial Graph / Reset 測試
// ============================================================================

func TestRemovePartialGraphAndReset(t *testing.T) {
	node, stream := startNode(t)
	creating := types.PartialGraphOf(5)

	require.NoError(t, stream.Send(&rpc.StreamingControlRequest{CreatePartialGraph: &rpc.CreatePartialGraphRequest{
		DatabaseID: 1, PartialGraphID: creating,
	}}))
	inject(t, stream, 100, []types.ActorID{1}, withBuild(10, types.FragmentMview, 1))
	recv(t, stream)
	require.NoError(t, stream.Send(&rpc.StreamingControlRequest{InjectBarrier: &rpc.InjectBarrierRequest{
		DatabaseID:        1,
		PartialGraphID:    creating,
		Barrier:           rpc.Barrier{Epoch: rpc.BarrierEpoch{Prev: 50, Curr: 51}, Kind: types.BarrierOnlyKind()},
		ActorIDsToCollect: []types.ActorID{8},
		ActorsToBuild:     []types.FragmentBuildInfo{{FragmentID: 80, TypeMask: types.FragmentSnapshotBackfillStreamScan, Actors: []types.BuildActorInfo{{ActorID: 8}}}},
	}}))
	resp := recv(t, stream)
	require.NotNil(t, resp.BarrierComplete)
	assert.Equal(t, creating, resp.BarrierComplete.PartialGraphID)
	assert.Equal(t, map[types.DatabaseID]int{1: 2}, node.Status().Graphs)

	require.NoError(t, stream.Send(&rpc.StreamingControlRequest{RemovePartialGraph: &rpc.RemovePartialGraphRequest{
		DatabaseID: 1, PartialGraphIDs: []types.PartialGraphID{creating},
	}}))
	require.NoError(t, stream.Send(&rpc.StreamingControlRequest{ResetDatabase: &rpc.ResetDatabaseRequest{DatabaseID: 1, ResetRequestID: 3}}))
	resp = recv(t, stream)
	require.NotNil(t, resp.ResetDatabase)
	assert.Equal(t, uint32(3), resp.ResetDatabase.ResetRequestID)
	assert.Zero(t, node.Status().Actors)
	assert.Empty(t, node.Status().Graphs)
}

func TestReportFailureAndShutdown(t *testing.T) {
	node, stream := startNode(t)

	require.NoError(t, node.ReportFailure(1, "disk full"))
	resp := recv(t, stream)
	require.NotNil(t, resp.ReportDatabaseFailure)
	assert.Equal(t, "disk full", resp.ReportDatabaseFailure.Reason)

	require.NoError(t, node.Shutdown())
	resp = recv(t, stream)
	assert.NotNil(t, resp.Shutdown)

	assert.ErrorIs(t, NewNode(testConfig()).Shutdown(), ErrNotInitialized)
}
