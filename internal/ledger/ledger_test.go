package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/epoch-barrier/pkg/types"
)

// ============================================================================
// Helpers
// ============================================================================

func resp(w types.WorkerID, epoch types.Epoch) *types.BarrierCompleteResponse {
	return &types.BarrierCompleteResponse{WorkerID: w, Epoch: epoch, PartialGraphID: types.SteadyStateGraph}
}

func checkpoint(epochs ...types.Epoch) types.BarrierKind {
	return types.CheckpointKind(epochs)
}

func ptr(e types.Epoch) *types.Epoch { return &e }

// ============================================================================
// Collection
// ============================================================================

func TestCollectInOrder(t *testing.T) {
	l := New(types.SteadyStateGraph)
	l.Enqueue(10, NodeToCollect{1: false, 2: true}, checkpoint(10))
	l.Enqueue(20, NodeToCollect{1: false}, checkpoint(20))

	// epoch 20 collected first stays behind epoch 10
	assert.True(t, l.Collect(resp(1, 20)))
	assert.Equal(t, 2, l.InflightCount())
	_, ok := l.StartCompleting(nil)
	assert.False(t, ok)

	assert.True(t, l.Collect(resp(1, 10)))
	assert.True(t, l.Collect(resp(2, 10)))
	assert.Equal(t, 0, l.InflightCount())
	assert.Equal(t, 2, l.CollectedCount())

	max, ok := l.MaxCollectedEpoch()
	require.True(t, ok)
	assert.Equal(t, types.Epoch(20), max)
}

func TestCollectToleratesUnexpectedResponses(t *testing.T) {
	l := New(types.SteadyStateGraph)
	l.Enqueue(10, NodeToCollect{1: false}, checkpoint(10))

	assert.False(t, l.Collect(resp(1, 99)), "unknown epoch")
	assert.False(t, l.Collect(resp(3, 10)), "unexpected worker")
	assert.True(t, l.Collect(resp(1, 10)))
	assert.False(t, l.Collect(resp(1, 10)), "duplicate")

	c, ok := l.StartCompleting(nil)
	require.True(t, ok)
	assert.Len(t, c.Resps, 1)
}

func TestEnqueueRejectsNonIncreasingEpoch(t *testing.T) {
	l := New(types.SteadyStateGraph)
	l.Enqueue(10, NodeToCollect{}, checkpoint(10))
	assert.Panics(t, func() { l.Enqueue(10, NodeToCollect{}, checkpoint(10)) })
	assert.Panics(t, func() { l.Enqueue(5, NodeToCollect{}, checkpoint(5)) })
}

func TestEmptyNodeToCollectIsCollectedImmediately(t *testing.T) {
	l := New(types.SteadyStateGraph)
	l.Enqueue(10, nil, checkpoint(10))
	assert.Equal(t, 0, l.InflightCount())
	assert.Equal(t, 1, l.CollectedCount())
}

// ============================================================================
// Completion
// ============================================================================

func TestStartCompletingBatchesUpToCheckpoint(t *testing.T) {
	l := New(types.SteadyStateGraph)
	l.Enqueue(10, NodeToCollect{1: false}, types.BarrierOnlyKind())
	l.Enqueue(20, NodeToCollect{1: false}, types.BarrierOnlyKind())
	l.Enqueue(30, NodeToCollect{1: false}, checkpoint(10, 20, 30))
	l.Enqueue(40, NodeToCollect{1: false}, types.BarrierOnlyKind())
	for _, e := range []types.Epoch{10, 20, 30, 40} {
		require.True(t, l.Collect(resp(1, e)))
	}

	c, ok := l.StartCompleting(nil)
	require.True(t, ok)
	assert.Equal(t, types.Epoch(30), c.Epoch)
	assert.Equal(t, []types.Epoch{10, 20, 30}, c.Epochs)
	assert.Len(t, c.Resps, 3)
	assert.True(t, c.FirstCommit)

	// a batch is outstanding
	_, ok = l.StartCompleting(nil)
	assert.False(t, ok)

	l.AckCompleted(30)
	committed, ok := l.LastCommitted()
	require.True(t, ok)
	assert.Equal(t, types.Epoch(30), committed)

	// 40 waits for its checkpoint
	_, ok = l.StartCompleting(nil)
	assert.False(t, ok)

	l.Enqueue(50, NodeToCollect{1: false}, checkpoint(40, 50))
	require.True(t, l.Collect(resp(1, 50)))
	c, ok = l.StartCompleting(nil)
	require.True(t, ok)
	assert.False(t, c.FirstCommit)
	assert.Equal(t, []types.Epoch{40, 50}, c.Epochs)
	l.AckCompleted(50)
	assert.True(t, l.IsEmpty())
}

func TestStartCompletingRespectsUpperBound(t *testing.T) {
	l := New(types.PartialGraphOf(3))
	l.Enqueue(10, NodeToCollect{}, checkpoint(10))
	l.Enqueue(20, NodeToCollect{}, checkpoint(20))

	_, ok := l.StartCompleting(ptr(10))
	assert.False(t, ok, "bound is exclusive")

	c, ok := l.StartCompleting(ptr(20))
	require.True(t, ok)
	assert.Equal(t, types.Epoch(10), c.Epoch)
	l.AckCompleted(10)

	_, ok = l.StartCompleting(ptr(20))
	assert.False(t, ok)
	c, ok = l.StartCompleting(nil)
	require.True(t, ok)
	assert.Equal(t, types.Epoch(20), c.Epoch)
}

func TestMinPendingEpochSkipsCompletingBatch(t *testing.T) {
	l := New(types.SteadyStateGraph)
	_, ok := l.MinPendingEpoch()
	assert.False(t, ok)

	l.Enqueue(10, NodeToCollect{1: false}, checkpoint(10))
	l.Enqueue(20, NodeToCollect{1: false}, checkpoint(20))
	l.Enqueue(30, NodeToCollect{1: false}, checkpoint(30))
	require.True(t, l.Collect(resp(1, 10)))
	require.True(t, l.Collect(resp(1, 20)))

	e, ok := l.MinPendingEpoch()
	require.True(t, ok)
	assert.Equal(t, types.Epoch(10), e)

	// one checkpoint per batch: 20 stays collected behind the completing 10
	c, ok := l.StartCompleting(nil)
	require.True(t, ok)
	assert.Equal(t, types.Epoch(10), c.Epoch)
	e, _ = l.MinPendingEpoch()
	assert.Equal(t, types.Epoch(20), e)

	l.AckCompleted(10)
	_, ok = l.StartCompleting(nil)
	require.True(t, ok)
	e, _ = l.MinPendingEpoch()
	assert.Equal(t, types.Epoch(30), e, "falls back to the oldest in-flight epoch")
}

func TestAckCompletedMismatchPanics(t *testing.T) {
	l := New(types.SteadyStateGraph)
	assert.Panics(t, func() { l.AckCompleted(10) })

	l.Enqueue(10, nil, checkpoint(10))
	_, ok := l.StartCompleting(nil)
	require.True(t, ok)
	assert.Panics(t, func() { l.AckCompleted(11) })
}

func TestRecoverDiscardsCommittedInitialEpoch(t *testing.T) {
	l := Recover(types.SteadyStateGraph, 100)
	l.Enqueue(100, NodeToCollect{1: false}, types.InitialKind())
	l.Enqueue(200, NodeToCollect{1: false}, checkpoint(200))
	require.True(t, l.Collect(resp(1, 100)))

	_, ok := l.StartCompleting(nil)
	assert.False(t, ok)

	require.True(t, l.Collect(resp(1, 200)))
	c, ok := l.StartCompleting(nil)
	require.True(t, ok)
	assert.Equal(t, []types.Epoch{200}, c.Epochs)
	assert.False(t, c.FirstCommit)
}

// ============================================================================
// Worker failure
// ============================================================================

func TestIsValidAfterWorkerErr(t *testing.T) {
	l := New(types.SteadyStateGraph)
	l.Enqueue(10, NodeToCollect{1: false, 2: true}, checkpoint(10))

	assert.True(t, l.IsValidAfterWorkerErr(3), "absent worker")
	assert.True(t, l.IsValidAfterWorkerErr(2), "worker without actors")
	require.True(t, l.Collect(resp(1, 10)))
	assert.Equal(t, 1, l.CollectedCount(), "dropping worker 2 unblocks the epoch")

	l.Enqueue(20, NodeToCollect{1: false}, checkpoint(20))
	assert.False(t, l.IsValidAfterWorkerErr(1))
}
