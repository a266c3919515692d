package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/epoch-barrier/pkg/types"
)

// ============================================================================
// Helpers
// ============================================================================

func sourceJob(db types.DatabaseID, node string, mask types.FragmentTypeMask, fragment types.FragmentID, actors ...types.ActorID) *types.JobInfo {
	f := &types.FragmentInfo{ID: fragment, TypeMask: mask, Node: node, Actors: make(map[types.ActorID]types.ActorInfo)}
	for _, a := range actors {
		f.Actors[a] = types.ActorInfo{WorkerID: 1}
	}
	mv := &types.FragmentInfo{ID: fragment + 1, TypeMask: types.FragmentMview, Actors: map[types.ActorID]types.ActorInfo{999: {WorkerID: 1}}}
	return &types.JobInfo{JobID: 1, DatabaseID: db, Fragments: map[types.FragmentID]*types.FragmentInfo{f.ID: f, mv.ID: mv}}
}

// ============================================================================
// Allocation
// ============================================================================

func TestAllocateSplitsRoundRobin(t *testing.T) {
	m := NewManager()
	m.RegisterSource("kafka", []string{"p2", "p0", "p1", "p0"})

	got, err := m.AllocateSplits(sourceJob(1, "kafka", types.FragmentSource, 10, 5, 3))
	require.NoError(t, err)
	assert.Equal(t, types.SplitAssignment{3: {"p0", "p2"}, 5: {"p1"}}, got)

	a, ok := m.Assignment(10)
	require.True(t, ok)
	assert.Equal(t, got, a)
	_, ok = m.Assignment(11)
	assert.False(t, ok, "non-source fragments are not tracked")
}

func TestAllocateSplitsMoreActorsThanSplits(t *testing.T) {
	m := NewManager()
	m.RegisterSource("kafka", []string{"p0"})

	got, err := m.AllocateSplits(sourceJob(1, "kafka", types.FragmentSource, 10, 1, 2))
	require.NoError(t, err)
	assert.Equal(t, []string{"p0"}, got[1])
	assert.Empty(t, got[2])
	assert.Contains(t, got, types.ActorID(2))
}

func TestAllocateSplitsUnknownSource(t *testing.T) {
	m := NewManager()
	_, err := m.AllocateSplits(sourceJob(1, "missing", types.FragmentSource, 10, 1))
	assert.ErrorIs(t, err, ErrSourceNotFound)
	_, ok := m.Assignment(10)
	assert.False(t, ok)
}

func TestApplySourceChangeMarksBackfill(t *testing.T) {
	m := NewManager()
	m.RegisterSource("kafka", []string{"p0"})
	_, err := m.AllocateSplits(sourceJob(1, "kafka", types.FragmentSourceScan, 20, 1))
	require.NoError(t, err)
	_, err = m.AllocateSplits(sourceJob(1, "kafka", types.FragmentSource, 30, 2))
	require.NoError(t, err)

	m.ApplySourceChange(Change{FinishedBackfillFragments: []types.FragmentID{20, 30, 40}})
	assert.True(t, m.IsBackfillFinished(20))
	assert.False(t, m.IsBackfillFinished(30), "plain source fragments never backfill")
	assert.False(t, m.IsBackfillFinished(40))

	m.DropFragments([]types.FragmentID{20})
	assert.False(t, m.IsBackfillFinished(20))
}

// ============================================================================
// Reassignment
// ============================================================================

func TestReassignFragment(t *testing.T) {
	m := NewManager()
	m.RegisterSource("kafka", []string{"p0", "p1", "p2"})
	_, err := m.AllocateSplits(sourceJob(1, "kafka", types.FragmentSource, 10, 1))
	require.NoError(t, err)

	got, err := m.ReassignFragment(10, []types.ActorID{4, 1, 7})
	require.NoError(t, err)
	assert.Equal(t, types.SplitAssignment{1: {"p0"}, 4: {"p1"}, 7: {"p2"}}, got)

	_, err = m.ReassignFragment(99, []types.ActorID{1})
	assert.ErrorIs(t, err, ErrFragmentNotFound)
}

func TestAddSplitsGroupsByDatabase(t *testing.T) {
	m := NewManager()
	m.RegisterSource("kafka", []string{"p0"})
	m.RegisterSource("pulsar", []string{"t0"})
	_, err := m.AllocateSplits(sourceJob(1, "kafka", types.FragmentSource, 10, 1, 2))
	require.NoError(t, err)
	_, err = m.AllocateSplits(sourceJob(2, "kafka", types.FragmentSource, 20, 3))
	require.NoError(t, err)
	_, err = m.AllocateSplits(sourceJob(2, "pulsar", types.FragmentSource, 30, 4))
	require.NoError(t, err)

	changes, err := m.AddSplits("kafka", []string{"p1", "p0"})
	require.NoError(t, err)
	assert.Equal(t, map[types.DatabaseID]types.SplitAssignment{
		1: {1: {"p0"}, 2: {"p1"}},
		2: {3: {"p0", "p1"}},
	}, changes)

	changes, err = m.AddSplits("kafka", []string{"p1"})
	require.NoError(t, err)
	assert.Nil(t, changes, "known splits change nothing")

	_, err = m.AddSplits("missing", []string{"x"})
	assert.ErrorIs(t, err, ErrSourceNotFound)
	assert.Equal(t, []string{"kafka", "pulsar"}, m.Sources())
}
