package scale

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/epoch-barrier/pkg/types"
)

// ============================================================================
// Helpers
// ============================================================================

type memStore struct {
	jobs    map[types.JobID]*types.StreamingJob
	workers []types.WorkerNode
	updates int
}

func (s *memStore) GetJob(id types.JobID) (*types.StreamingJob, bool) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	return j.Clone(), true
}

func (s *memStore) ListJobs(types.DatabaseID) []*types.StreamingJob {
	var out []*types.StreamingJob
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	return out
}

func (s *memStore) UpdateJob(_ context.Context, job *types.StreamingJob) error {
	s.jobs[job.ID] = job.Clone()
	s.updates++
	return nil
}

func (s *memStore) Workers() []types.WorkerNode { return s.workers }

// twoFragmentJob places actors 1,2 of fragment 10 and 3,4 of fragment 20 on worker 1.
func twoFragmentJob() *types.StreamingJob {
	onW1 := func(ids ...types.ActorID) map[types.ActorID]types.ActorInfo {
		out := make(map[types.ActorID]types.ActorInfo)
		for _, id := range ids {
			out[id] = types.ActorInfo{WorkerID: 1}
		}
		return out
	}
	return &types.StreamingJob{
		ID:             5,
		DatabaseID:     1,
		Status:         types.JobCreated,
		MaxParallelism: 8,
		Parallelism:    types.Parallelism{Kind: types.ParallelismFixed, N: 2},
		Graph: &types.JobInfo{JobID: 5, DatabaseID: 1, Fragments: map[types.FragmentID]*types.FragmentInfo{
			10: {ID: 10, TypeMask: types.FragmentSource, Actors: onW1(1, 2)},
			20: {ID: 20, TypeMask: types.FragmentMview, Actors: onW1(3, 4)},
		}},
	}
}

func newStore(workers ...types.WorkerNode) *memStore {
	job := twoFragmentJob()
	return &memStore{jobs: map[types.JobID]*types.StreamingJob{job.ID: job}, workers: workers}
}

// ============================================================================
// Plan Generation
// ============================================================================

func TestResolve(t *testing.T) {
	assert.Equal(t, 3, Resolve(types.Parallelism{Kind: types.ParallelismFixed, N: 3}, 10, 8))
	assert.Equal(t, 8, Resolve(types.Parallelism{Kind: types.ParallelismFixed, N: 9}, 10, 8))
	assert.Equal(t, 6, Resolve(types.Parallelism{Kind: types.ParallelismAdaptive}, 6, 8))
	assert.Equal(t, 8, Resolve(types.Parallelism{Kind: types.ParallelismAdaptive}, 12, 8))
	assert.Equal(t, 1, Resolve(types.Parallelism{Kind: types.ParallelismAdaptive}, 0, 0))
}

func TestPlacementWeightedByParallelism(t *testing.T) {
	quota := placement([]types.WorkerNode{{ID: 2, Parallelism: 1}, {ID: 1, Parallelism: 2}}, 3)
	assert.Equal(t, map[types.WorkerID]int{1: 2, 2: 1}, quota)
}

func TestGeneratePlanScaleOut(t *testing.T) {
	store := newStore(
		types.WorkerNode{ID: 1, Parallelism: 2, Schedulable: true},
		types.WorkerNode{ID: 2, Parallelism: 2, Schedulable: true},
	)
	c := NewController(store)

	plan, err := c.GeneratePlan(5, types.Parallelism{Kind: types.ParallelismFixed, N: 4})
	require.NoError(t, err)
	require.False(t, plan.IsEmpty())
	require.Len(t, plan.Fragments, 2)

	// new actor ids start above the catalog's highest actor
	assert.Equal(t, map[types.ActorID]types.ActorInfo{5: {WorkerID: 2}, 6: {WorkerID: 2}}, plan.Fragments[10].Added)
	assert.Equal(t, map[types.ActorID]types.ActorInfo{7: {WorkerID: 2}, 8: {WorkerID: 2}}, plan.Fragments[20].Added)
	assert.Empty(t, plan.Fragments[10].Removed)
}

func TestGeneratePlanScaleInDropsUnschedulable(t *testing.T) {
	store := newStore(
		types.WorkerNode{ID: 1, Parallelism: 4, Schedulable: false},
		types.WorkerNode{ID: 2, Parallelism: 4, Schedulable: true},
	)
	c := NewController(store)

	plan, err := c.GeneratePlan(5, types.Parallelism{Kind: types.ParallelismFixed, N: 1})
	require.NoError(t, err)
	assert.Equal(t, []types.ActorID{1, 2}, plan.Fragments[10].Removed)
	assert.Len(t, plan.Fragments[10].Added, 1)
	for _, a := range plan.Fragments[10].Added {
		assert.Equal(t, types.WorkerID(2), a.WorkerID)
	}
}

func TestGeneratePlanNoChange(t *testing.T) {
	store := newStore(types.WorkerNode{ID: 1, Parallelism: 4, Schedulable: true})
	c := NewController(store)

	plan, err := c.GeneratePlan(5, types.Parallelism{Kind: types.ParallelismFixed, N: 2})
	require.NoError(t, err)
	assert.True(t, plan.IsEmpty())
}

func TestGeneratePlanErrors(t *testing.T) {
	c := NewController(newStore(types.WorkerNode{ID: 1, Parallelism: 4}))
	_, err := c.GeneratePlan(5, types.Parallelism{Kind: types.ParallelismAdaptive})
	assert.ErrorIs(t, err, ErrNoSchedulableWorkers)
	_, err = c.GeneratePlan(99, types.Parallelism{Kind: types.ParallelismAdaptive})
	assert.ErrorIs(t, err, ErrJobNotFound)
}

// ============================================================================
// Catalog Update
// ============================================================================

func TestPostApplyUpdatesGraph(t *testing.T) {
	store := newStore(
		types.WorkerNode{ID: 1, Parallelism: 1, Schedulable: true},
		types.WorkerNode{ID: 2, Parallelism: 1, Schedulable: true},
	)
	c := NewController(store)
	target := types.Parallelism{Kind: types.ParallelismAdaptive}

	plan, err := c.GeneratePlan(5, target)
	require.NoError(t, err)
	require.NoError(t, c.PostApply(context.Background(), plan))

	job := store.jobs[5]
	assert.Equal(t, target, job.Parallelism)
	workers := map[types.WorkerID]int{}
	for _, a := range job.Graph.Fragments[10].Actors {
		workers[a.WorkerID]++
	}
	assert.Equal(t, map[types.WorkerID]int{1: 1, 2: 1}, workers)

	// deferred reschedule records the setting only
	fixed := types.Parallelism{Kind: types.ParallelismFixed, N: 2}
	require.NoError(t, c.PostApply(context.Background(), Plan{JobID: 5, Parallelism: fixed}))
	assert.Equal(t, fixed, store.jobs[5].Parallelism)
	assert.Len(t, store.jobs[5].Graph.Fragments[10].Actors, 2)
	assert.Equal(t, 2, store.updates)
}

func TestRelatedJobs(t *testing.T) {
	job := &types.StreamingJob{ID: 5, UpstreamTables: []types.TableID{1}}
	candidates := []*types.StreamingJob{
		{ID: 1},
		{ID: 6, UpstreamTables: []types.TableID{5}},
		{ID: 7, UpstreamTables: []types.TableID{2}},
		{ID: 5},
	}
	assert.Equal(t, []types.JobID{1, 6}, RelatedJobs(job, candidates))
}
