package backfill

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/epoch-barrier/pkg/types"
)

var (
	// ErrNoUpstreamTable is returned when a job has no snapshot backfill upstream.
	ErrNoUpstreamTable = errors.New("backfill: no upstream table")
	// ErrLogNotReached is returned when an upstream change log does not reach
	// the epoch a job must resume from.
	ErrLogNotReached = errors.New("backfill: upstream log does not reach committed epoch")
)

// ============================================================================
// Status
// ============================================================================

// Status is the bootstrap phase of a creating job: one of *ConsumingSnapshot,
// *ConsumingLogStore or *Finishing. Transitions consume the previous value.
type Status interface {
	isStatus()
}

// ConsumingSnapshot replays the job's own snapshot under fabricated epochs
// while buffering upstream barriers.
type ConsumingSnapshot struct {
	PrevFakePhysicalTime    uint64
	PendingUpstreamBarriers []types.BarrierInfo
	Tracker                 *SnapshotTracker
	SnapshotBackfillActors  []types.ActorID
	BackfillEpoch           types.Epoch
}

// ConsumingLogStore replays the upstream change log.
type ConsumingLogStore struct {
	Tracker *LogStoreTracker
	// BarriersToInject is the batch of catch-up barriers waiting for the next
	// upstream epoch. HasBatch distinguishes an empty batch from none.
	BarriersToInject []types.BarrierInfo
	HasBatch         bool
}

// Finishing waits for the job's remaining epochs to commit. AtEpoch is the
// prev epoch of the barrier that merged the job into the upstream graph.
type Finishing struct {
	AtEpoch types.Epoch
}

func (*ConsumingSnapshot) isStatus() {}
func (*ConsumingLogStore) isStatus() {}
func (*Finishing) isStatus()         {}

// barrierToInject pairs a barrier with its optional mutation.
type barrierToInject struct {
	barrier  types.BarrierInfo
	mutation *types.Mutation
}

// fakeBarrier advances the fabricated physical time by one tick.
func fakeBarrier(prevFakePhysicalTime *uint64, kind types.BarrierKind) types.BarrierInfo {
	prev := types.EpochFromPhysicalTime(*prevFakePhysicalTime)
	*prevFakePhysicalTime++
	return types.BarrierInfo{
		Prev: prev,
		Curr: types.EpochFromPhysicalTime(*prevFakePhysicalTime),
		Kind: kind,
	}
}

// kindLike returns a fabricated kind matching the cadence of an upstream kind.
func kindLike(upstream types.BarrierKind) types.BarrierKind {
	if upstream.Type == types.KindBarrier {
		return types.BarrierOnlyKind()
	}
	return types.CheckpointKind(nil)
}

// onNewUpstreamEpoch returns what the job injects for a new upstream barrier.
func onNewUpstreamEpoch(status Status, upstream types.BarrierInfo) []barrierToInject {
	switch s := status.(type) {
	case *ConsumingSnapshot:
		s.PendingUpstreamBarriers = append(s.PendingUpstreamBarriers, upstream)
		var mutation *types.Mutation
		if unblocked := s.Tracker.TakeUnblockedFragments(); len(unblocked) > 0 {
			mutation = types.NewStartFragmentBackfillMutation(unblocked)
		}
		return []barrierToInject{{
			barrier:  fakeBarrier(&s.PrevFakePhysicalTime, kindLike(upstream.Kind)),
			mutation: mutation,
		}}
	case *ConsumingLogStore:
		batch := s.BarriersToInject
		s.BarriersToInject = nil
		s.HasBatch = false
		out := make([]barrierToInject, 0, len(batch)+1)
		for _, b := range batch {
			out = append(out, barrierToInject{barrier: b})
		}
		return append(out, barrierToInject{barrier: upstream})
	case *Finishing:
		return nil
	}
	panic(fmt.Sprintf("unknown status %T", status))
}

// updateProgress feeds reported progress into the status and returns the next
// status. A finished snapshot turns into log-store consumption whose first
// batch bridges the fabricated epochs to the backfill epoch.
func updateProgress(status Status, progress []types.CreateMviewProgress) Status {
	switch s := status.(type) {
	case *ConsumingSnapshot:
		s.Tracker.Update(progress)
		if !s.Tracker.IsFinished() {
			return s
		}
		batch := make([]types.BarrierInfo, 0, len(s.PendingUpstreamBarriers)+1)
		batch = append(batch, types.BarrierInfo{
			Prev: types.EpochFromPhysicalTime(s.PrevFakePhysicalTime),
			Curr: s.BackfillEpoch,
			Kind: types.CheckpointKind(nil),
		})
		batch = append(batch, s.PendingUpstreamBarriers...)
		lag := uint64(0)
		if last := batch[len(batch)-1].Prev; last > s.BackfillEpoch {
			lag = last.PhysicalTime() - s.BackfillEpoch.PhysicalTime()
		}
		return &ConsumingLogStore{
			Tracker:          NewLogStoreTracker(s.SnapshotBackfillActors, lag),
			BarriersToInject: batch,
			HasBatch:         true,
		}
	case *ConsumingLogStore:
		s.Tracker.Update(progress)
		return s
	case *Finishing:
		return s
	}
	panic(fmt.Sprintf("unknown status %T", status))
}

func isFinishing(status Status) bool {
	_, ok := status.(*Finishing)
	return ok
}

// ============================================================================
// Upstream log resolution
// ============================================================================

// resolveUpstreamLogEpochs rebuilds the barriers a job must replay from the
// upstream change log, starting right after the checkpoint epoch `committed`
// and ending with a checkpoint barrier into upstreamCurr.
func resolveUpstreamLogEpochs(
	upstreamTables []types.TableID,
	logs map[types.TableID][]types.LogEpochBatch,
	committed, upstreamCurr types.Epoch,
) ([]types.BarrierInfo, error) {
	if len(upstreamTables) == 0 {
		return nil, ErrNoUpstreamTable
	}
	table := upstreamTables[0]
	entries := logs[table]

	start := -1
	for i, e := range entries {
		if e.CheckpointEpoch < committed {
			continue
		}
		if e.CheckpointEpoch != committed {
			return nil, fmt.Errorf("%w: table %d has checkpoint %d, want %d", ErrLogNotReached, table, e.CheckpointEpoch, committed)
		}
		start = i + 1
		break
	}
	if start < 0 {
		return nil, fmt.Errorf("%w: table %d, epoch %d", ErrLogNotReached, table, committed)
	}

	var (
		out     []types.BarrierInfo
		prev    = committed
		pending []types.Epoch
	)
	for _, e := range entries[start:] {
		epochs := append(append([]types.Epoch(nil), e.NonCheckpointEpochs...), e.CheckpointEpoch)
		for i, epoch := range epochs {
			if epoch <= prev {
				return nil, fmt.Errorf("backfill: table %d log epoch %d not after %d", table, epoch, prev)
			}
			pending = append(pending, prev)
			kind := types.BarrierOnlyKind()
			if i == 0 {
				kind = types.CheckpointKind(types.TakePending(&pending))
			}
			out = append(out, types.BarrierInfo{Prev: prev, Curr: epoch, Kind: kind})
			prev = epoch
		}
	}
	pending = append(pending, prev)
	out = append(out, types.BarrierInfo{Prev: prev, Curr: upstreamCurr, Kind: types.CheckpointKind(pending)})
	return out, nil
}
