package backfill

import (
	"fmt"
	"slices"

	"github.com/ChuLiYu/epoch-barrier/pkg/types"
)

// ============================================================================
// Backfill order
// ============================================================================

// Order lists, per fragment, the fragments that may only start backfilling
// once it finished.
type Order map[types.FragmentID][]types.FragmentID

// NodesToPause lists the fragments that wait on at least one other fragment.
func (o Order) NodesToPause() []types.FragmentID {
	seen := make(map[types.FragmentID]struct{})
	var out []types.FragmentID
	for _, downstreams := range o {
		for _, d := range downstreams {
			if _, ok := seen[d]; ok {
				continue
			}
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}
	slices.Sort(out)
	return out
}

// OrderState tracks which paused fragments became runnable.
type OrderState struct {
	order     Order
	remaining map[types.FragmentID]map[types.FragmentID]struct{}
}

// NewOrderState starts with every dependency outstanding.
func NewOrderState(order Order) *OrderState {
	s := &OrderState{order: order, remaining: make(map[types.FragmentID]map[types.FragmentID]struct{})}
	for up, downstreams := range order {
		for _, d := range downstreams {
			if s.remaining[d] == nil {
				s.remaining[d] = make(map[types.FragmentID]struct{})
			}
			s.remaining[d][up] = struct{}{}
		}
	}
	return s
}

// FinishFragment records that a fragment finished backfilling and returns the
// fragments whose last dependency it was.
func (s *OrderState) FinishFragment(f types.FragmentID) []types.FragmentID {
	var unblocked []types.FragmentID
	for _, d := range s.order[f] {
		deps, ok := s.remaining[d]
		if !ok {
			continue
		}
		delete(deps, f)
		if len(deps) == 0 {
			delete(s.remaining, d)
			unblocked = append(unblocked, d)
		}
	}
	slices.Sort(unblocked)
	return unblocked
}

// ============================================================================
// Snapshot progress
// ============================================================================

type actorProgress struct {
	done         bool
	consumedRows uint64
}

// SnapshotTracker follows the snapshot phase of a job's backfill actors.
type SnapshotTracker struct {
	actors        map[types.ActorID]types.FragmentID
	progress      map[types.ActorID]actorProgress
	pendingActors map[types.FragmentID]int
	totalKeyCount int64
	order         *OrderState
	unblocked     []types.FragmentID
}

// NewSnapshotTracker tracks the given backfill actors. totalKeyCount is the
// number of upstream keys used to estimate a percentage.
func NewSnapshotTracker(actors map[types.ActorID]types.FragmentID, totalKeyCount int64, order Order) *SnapshotTracker {
	t := &SnapshotTracker{
		actors:        actors,
		progress:      make(map[types.ActorID]actorProgress, len(actors)),
		pendingActors: make(map[types.FragmentID]int),
		totalKeyCount: totalKeyCount,
		order:         NewOrderState(order),
	}
	for _, f := range actors {
		t.pendingActors[f]++
	}
	return t
}

// Update applies reported progress. Reports for unknown actors are ignored.
func (t *SnapshotTracker) Update(progress []types.CreateMviewProgress) {
	for _, p := range progress {
		fragment, ok := t.actors[p.BackfillActorID]
		if !ok {
			continue
		}
		prev := t.progress[p.BackfillActorID]
		if prev.done {
			continue
		}
		t.progress[p.BackfillActorID] = actorProgress{done: p.Done, consumedRows: p.ConsumedRows}
		if !p.Done {
			continue
		}
		t.pendingActors[fragment]--
		if t.pendingActors[fragment] == 0 {
			delete(t.pendingActors, fragment)
			t.unblocked = append(t.unblocked, t.order.FinishFragment(fragment)...)
		}
	}
}

// IsFinished reports whether every tracked actor finished its snapshot.
func (t *SnapshotTracker) IsFinished() bool {
	return len(t.pendingActors) == 0
}

// TakeUnblockedFragments returns fragments that may now start backfilling.
func (t *SnapshotTracker) TakeUnblockedFragments() []types.FragmentID {
	out := t.unblocked
	t.unblocked = nil
	return out
}

// ConsumedRows sums the rows consumed by every actor.
func (t *SnapshotTracker) ConsumedRows() uint64 {
	var rows uint64
	for _, p := range t.progress {
		rows += p.consumedRows
	}
	return rows
}

// Progress renders the snapshot progress for DDL progress listings.
func (t *SnapshotTracker) Progress() string {
	if t.IsFinished() {
		return "Snapshot finished"
	}
	rows := t.ConsumedRows()
	if t.totalKeyCount <= 0 {
		return fmt.Sprintf("Snapshot [%d rows consumed]", rows)
	}
	pct := float64(rows) / float64(t.totalKeyCount) * 100
	if pct > 100 {
		pct = 100
	}
	return fmt.Sprintf("Snapshot [%.2f%%]", pct)
}

// ============================================================================
// Log store progress
// ============================================================================

// LogStoreTracker follows the log-store phase: each snapshot backfill actor
// reports how many epochs it still lags behind upstream.
type LogStoreTracker struct {
	ongoing  map[types.ActorID]uint64
	finished map[types.ActorID]struct{}
}

// NewLogStoreTracker starts every actor with the same lag.
func NewLogStoreTracker(actors []types.ActorID, initialLag uint64) *LogStoreTracker {
	t := &LogStoreTracker{
		ongoing:  make(map[types.ActorID]uint64, len(actors)),
		finished: make(map[types.ActorID]struct{}),
	}
	for _, a := range actors {
		t.ongoing[a] = initialLag
	}
	return t
}

// Update applies reported progress.
func (t *LogStoreTracker) Update(progress []types.CreateMviewProgress) {
	for _, p := range progress {
		if _, ok := t.ongoing[p.BackfillActorID]; !ok {
			continue
		}
		if p.Done {
			delete(t.ongoing, p.BackfillActorID)
			t.finished[p.BackfillActorID] = struct{}{}
			continue
		}
		t.ongoing[p.BackfillActorID] = p.PendingEpochLag
	}
}

// IsFinished reports whether every actor caught up with upstream.
func (t *LogStoreTracker) IsFinished() bool {
	return len(t.ongoing) == 0
}

// Progress renders the remaining lag.
func (t *LogStoreTracker) Progress() string {
	var maxLag uint64
	for _, lag := range t.ongoing {
		maxLag = max(maxLag, lag)
	}
	return fmt.Sprintf("LogStore [remain lag: %d, finished actors: %d/%d]",
		maxLag, len(t.finished), len(t.finished)+len(t.ongoing))
}
