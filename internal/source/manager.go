package source

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/ChuLiYu/epoch-barrier/pkg/types"
)

var (
	// ErrSourceNotFound is returned when a source fragment reads a source
	// that was never registered.
	ErrSourceNotFound = errors.New("source: source not found")
	// ErrFragmentNotFound is returned for fragments the manager does not track.
	ErrFragmentNotFound = errors.New("source: fragment not found")
)

// Change is what the stream manager reports once a job finished creating.
type Change struct {
	FinishedBackfillFragments []types.FragmentID
}

type fragmentState struct {
	database   types.DatabaseID
	source     string
	actors     []types.ActorID
	assignment types.SplitAssignment
	backfill   bool
}

// Manager owns the connector splits of every source and their assignment to
// source actors. Splits of a source are spread round-robin over the actors of
// each fragment reading it.
type Manager struct {
	mu        sync.Mutex
	splits    map[string][]string
	fragments map[types.FragmentID]*fragmentState
	finished  map[types.FragmentID]struct{}
	logger    *slog.Logger
}

// NewManager creates a manager without sources.
func NewManager() *Manager {
	return &Manager{
		splits:    make(map[string][]string),
		fragments: make(map[types.FragmentID]*fragmentState),
		finished:  make(map[types.FragmentID]struct{}),
		logger:    slog.With("component", "source-manager"),
	}
}

// RegisterSource records the splits a connector currently exposes.
func (m *Manager) RegisterSource(name string, splits []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.splits[name] = normalize(splits)
	m.logger.Info("source registered", "source", name, "splits", len(m.splits[name]))
}

// Sources lists the registered sources.
func (m *Manager) Sources() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.splits))
	for name := range m.splits {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// AllocateSplits assigns splits to every source and source-backfill fragment
// of job. The fragment's Node names the source it reads.
func (m *Manager) AllocateSplits(job *types.JobInfo) (types.SplitAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(types.SplitAssignment)
	var states []*fragmentState
	var ids []types.FragmentID
	for _, f := range job.FragmentInfos() {
		backfill := f.TypeMask.Has(types.FragmentSourceScan)
		if !f.TypeMask.Has(types.FragmentSource) && !backfill {
			continue
		}
		splits, ok := m.splits[f.Node]
		if !ok {
			return nil, fmt.Errorf("%w: %q read by fragment %d", ErrSourceNotFound, f.Node, f.ID)
		}
		s := &fragmentState{
			database: job.DatabaseID,
			source:   f.Node,
			actors:   f.SortedActorIDs(),
			backfill: backfill,
		}
		s.assignment = roundRobin(splits, s.actors)
		for a, sp := range s.assignment {
			out[a] = sp
		}
		states = append(states, s)
		ids = append(ids, f.ID)
	}
	for i, id := range ids {
		m.fragments[id] = states[i]
	}
	return out, nil
}

// ApplySourceChange records that the backfill fragments of a created job
// caught up with their source.
func (m *Manager) ApplySourceChange(change Change) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range change.FinishedBackfillFragments {
		if s, ok := m.fragments[id]; ok && s.backfill {
			m.finished[id] = struct{}{}
		}
	}
}

// IsBackfillFinished reports whether a source-backfill fragment finished.
func (m *Manager) IsBackfillFinished(id types.FragmentID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.finished[id]
	return ok
}

// DropFragments forgets the fragments of dropped or failed jobs.
func (m *Manager) DropFragments(ids []types.FragmentID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.fragments, id)
		delete(m.finished, id)
	}
}

// Assignment returns the current split assignment of a fragment.
func (m *Manager) Assignment(id types.FragmentID) (types.SplitAssignment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.fragments[id]
	if !ok {
		return nil, false
	}
	return cloneAssignment(s.assignment), true
}

// ReassignFragment spreads a fragment's splits over its new actor set, used
// when the fragment is rescheduled.
func (m *Manager) ReassignFragment(id types.FragmentID, actors []types.ActorID) (types.SplitAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.fragments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrFragmentNotFound, id)
	}
	s.actors = slices.Sorted(slices.Values(actors))
	s.assignment = roundRobin(m.splits[s.source], s.actors)
	return cloneAssignment(s.assignment), nil
}

// AddSplits merges newly discovered splits into a source and returns the new
// assignment of every fragment reading it, grouped by database.
func (m *Manager) AddSplits(name string, splits []string) (map[types.DatabaseID]types.SplitAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.splits[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSourceNotFound, name)
	}
	merged := normalize(append(slices.Clone(cur), splits...))
	if len(merged) == len(cur) {
		return nil, nil
	}
	m.splits[name] = merged

	out := make(map[types.DatabaseID]types.SplitAssignment)
	for id, s := range m.fragments {
		if s.source != name {
			continue
		}
		s.assignment = roundRobin(merged, s.actors)
		if out[s.database] == nil {
			out[s.database] = make(types.SplitAssignment)
		}
		for a, sp := range s.assignment {
			out[s.database][a] = sp
		}
		m.logger.Debug("splits reassigned", "source", name, "fragment_id", id, "splits", len(merged))
	}
	return out, nil
}

func roundRobin(splits []string, actors []types.ActorID) types.SplitAssignment {
	out := make(types.SplitAssignment, len(actors))
	if len(actors) == 0 {
		return out
	}
	for _, a := range actors {
		out[a] = nil
	}
	for i, sp := range splits {
		a := actors[i%len(actors)]
		out[a] = append(out[a], sp)
	}
	return out
}

func normalize(splits []string) []string {
	out := slices.Clone(splits)
	slices.Sort(out)
	return slices.Compact(out)
}

func cloneAssignment(a types.SplitAssignment) types.SplitAssignment {
	out := make(types.SplitAssignment, len(a))
	for id, sp := range a {
		out[id] = slices.Clone(sp)
	}
	return out
}
