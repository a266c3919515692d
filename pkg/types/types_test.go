package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEpochPhysicalTimeRoundTrip(t *testing.T) {
	e := EpochFromPhysicalTime(12345)
	assert.Equal(t, uint64(12345), e.PhysicalTime())
	assert.Equal(t, Epoch(12345<<16), e)
	assert.Equal(t, Epoch(0), EpochFromPhysicalTime(0))
}

func TestNextEpochAlwaysAdvances(t *testing.T) {
	now := time.UnixMilli(int64(EpochBaseUnixMilli) + 1000)
	prev := EpochFromPhysicalTime(1000)

	// same millisecond: bump by one
	next := NextEpoch(prev, now)
	assert.Equal(t, uint64(1001), next.PhysicalTime())

	// clock went backwards
	next = NextEpoch(EpochFromPhysicalTime(5000), now)
	assert.Equal(t, uint64(5001), next.PhysicalTime())

	// clock ahead
	next = NextEpoch(prev, now.Add(time.Second))
	assert.Equal(t, uint64(2000), next.PhysicalTime())
}

func TestPartialGraphID(t *testing.T) {
	_, ok := SteadyStateGraph.CreatingJob()
	assert.False(t, ok)

	job, ok := PartialGraphOf(42).CreatingJob()
	require.True(t, ok)
	assert.Equal(t, JobID(42), job)
	assert.Equal(t, "steady", SteadyStateGraph.String())

	reserved := JobID(SteadyStateGraph)
	assert.False(t, ValidJobID(reserved))
	assert.False(t, ValidJobID(0))
	assert.True(t, ValidJobID(42))
	assert.Panics(t, func() { PartialGraphOf(reserved) })
}

func TestBarrierKind(t *testing.T) {
	pending := []Epoch{1, 2}
	taken := TakePending(&pending)
	assert.Nil(t, pending)
	assert.Equal(t, []Epoch{1, 2}, taken)

	assert.True(t, CheckpointKind(taken).IsCheckpoint())
	assert.False(t, BarrierOnlyKind().IsCheckpoint())
	assert.True(t, InitialKind().IsInitial())
}

func newTestJob() *JobInfo {
	return &JobInfo{
		JobID: 7,
		Fragments: map[FragmentID]*FragmentInfo{
			1: {ID: 1, TypeMask: FragmentMview, StateTableIDs: []TableID{7}, Upstreams: []FragmentID{2},
				Actors: map[ActorID]ActorInfo{10: {WorkerID: 1}, 11: {WorkerID: 2}}},
			2: {ID: 2, TypeMask: FragmentSnapshotBackfillStreamScan, StateTableIDs: []TableID{8, 7},
				Actors: map[ActorID]ActorInfo{20: {WorkerID: 1}}},
		},
	}
}

func TestGraphInfo(t *testing.T) {
	g := NewGraphInfo()
	g.AddJob(newTestJob())

	assert.True(t, g.ContainsWorker(1))
	assert.True(t, g.ContainsWorker(2))
	assert.False(t, g.ContainsWorker(3))
	assert.Equal(t, []TableID{7, 8}, g.ExistingTableIDs())

	collect := ActorsToCollect(g.Fragments())
	assert.Equal(t, []ActorID{10, 20}, collect[1])
	assert.Equal(t, []ActorID{11}, collect[2])

	require.True(t, g.ApplyReschedule(1, map[ActorID]ActorInfo{12: {WorkerID: 3}}, []ActorID{11}))
	assert.False(t, g.ContainsWorker(2))
	assert.True(t, g.ContainsWorker(3))

	clone := g.Clone()
	clone.Jobs[7].Fragments[1].Actors[99] = ActorInfo{WorkerID: 9}
	assert.False(t, g.ContainsWorker(9))

	_, ok := g.RemoveJob(7)
	assert.True(t, ok)
	assert.Empty(t, g.ExistingTableIDs())
}

func TestJobInfoActors(t *testing.T) {
	job := newTestJob()
	assert.Equal(t, map[ActorID]FragmentID{20: 2}, job.ActorsWithMask(FragmentSnapshotBackfillStreamScan))
	assert.Equal(t, map[ActorID]FragmentID{20: 2}, job.BackfillActors())

	build := ActorsToBuild(job)
	require.Len(t, build[1], 2)
	assert.Equal(t, FragmentID(1), build[1][0].FragmentID)
	assert.Equal(t, []ActorID{20}, build[1][0].Actors[0].Upstreams[2])
	require.Len(t, build[2], 1)
}
