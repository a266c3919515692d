// ============================================================================
// Epoch Ledger
// ============================================================================
//
// Package: internal/ledger
// File: ledger.go
// Purpose: Track, per partial graph, which workers still owe a collection
// response for each in-flight epoch, and hand out completion batches in
// epoch order.
//
// Lifecycle of an epoch (keyed by its barrier's prev epoch):
//
//	Enqueue ──> in-flight ──Collect (last worker)──> collected
//	        ──StartCompleting──> completing ──AckCompleted──> committed
//
// Invariants:
//   - epochs are enqueued strictly increasing
//   - an epoch leaves in-flight only after every worker in its NodeToCollect
//     answered, and only in order
//   - at most one completion batch is outstanding
//
// ============================================================================

package ledger

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/epoch-barrier/pkg/types"
)

var log = slog.Default()

// NodeToCollect maps every worker that received a barrier to whether it owns
// no actors in the graph. An actor-less worker's disappearance is tolerable.
type NodeToCollect map[types.WorkerID]bool

// IsValidAfterWorkerErr reports whether an epoch can still complete after the
// worker failed: the worker either never received the barrier or owns no
// actors in the graph. Tolerable entries are removed.
func (n NodeToCollect) IsValidAfterWorkerErr(w types.WorkerID) bool {
	noActors, ok := n[w]
	if !ok {
		return true
	}
	if noActors {
		delete(n, w)
		return true
	}
	return false
}

type epochState struct {
	epoch         types.Epoch
	kind          types.BarrierKind
	nodeToCollect NodeToCollect
	resps         []*types.BarrierCompleteResponse
	enqueueTime   time.Time
}

// Completion is a batch of collected epochs handed to the committer.
type Completion struct {
	// Epoch is the last epoch of the batch; it is the one acked later.
	Epoch types.Epoch
	// Epochs lists every epoch of the batch in order.
	Epochs []types.Epoch
	// Kind is the kind of the batch's last epoch.
	Kind        types.BarrierKind
	Resps       []*types.BarrierCompleteResponse
	FirstCommit bool
	// Latency is the time between enqueue and collection of the last epoch.
	Latency time.Duration
}

// Ledger is the epoch queue of one partial graph.
type Ledger struct {
	graphID types.PartialGraphID

	inflight  []*epochState
	collected []*epochState
	collectAt map[types.Epoch]time.Time

	completing    bool
	completingAt  types.Epoch
	lastQueued    types.Epoch
	hasQueued     bool
	maxCollected  types.Epoch
	hasCollected  bool
	committed     types.Epoch
	hasCommitted  bool
	everCompleted bool

	now func() time.Time
}

// New creates a ledger for a graph that has never committed.
func New(graphID types.PartialGraphID) *Ledger {
	return &Ledger{
		graphID:   graphID,
		collectAt: make(map[types.Epoch]time.Time),
		now:       time.Now,
	}
}

// Recover creates a ledger for a graph whose epoch `committed` is already
// durable. Collected epochs at or below it are discarded instead of being
// committed twice.
func Recover(graphID types.PartialGraphID, committed types.Epoch) *Ledger {
	l := New(graphID)
	l.committed = committed
	l.hasCommitted = true
	l.everCompleted = true
	return l
}

// GraphID returns the partial graph the ledger tracks.
func (l *Ledger) GraphID() types.PartialGraphID { return l.graphID }

// Enqueue records a newly injected epoch. Panics when epochs do not increase.
func (l *Ledger) Enqueue(epoch types.Epoch, nodes NodeToCollect, kind types.BarrierKind) {
	if l.hasQueued && epoch <= l.lastQueued {
		panic(fmt.Sprintf("ledger %s: epoch %d enqueued after %d", l.graphID, epoch, l.lastQueued))
	}
	l.lastQueued = epoch
	l.hasQueued = true
	if nodes == nil {
		nodes = NodeToCollect{}
	}
	l.inflight = append(l.inflight, &epochState{
		epoch:         epoch,
		kind:          kind,
		nodeToCollect: nodes,
		enqueueTime:   l.now(),
	})
	l.promote()
}

// Collect records a worker's response. Responses for unknown epochs or
// workers not expected to answer are ignored and reported as false.
func (l *Ledger) Collect(resp *types.BarrierCompleteResponse) bool {
	for _, s := range l.inflight {
		if s.epoch != resp.Epoch {
			continue
		}
		if _, ok := s.nodeToCollect[resp.WorkerID]; !ok {
			log.Warn("ignore unexpected barrier response",
				"graph", l.graphID, "epoch", resp.Epoch, "worker_id", resp.WorkerID)
			return false
		}
		delete(s.nodeToCollect, resp.WorkerID)
		s.resps = append(s.resps, resp)
		l.promote()
		return true
	}
	log.Warn("ignore barrier response for unknown epoch",
		"graph", l.graphID, "epoch", resp.Epoch, "worker_id", resp.WorkerID)
	return false
}

// promote moves fully collected epochs from the front of the in-flight queue.
func (l *Ledger) promote() {
	for len(l.inflight) > 0 && len(l.inflight[0].nodeToCollect) == 0 {
		s := l.inflight[0]
		l.inflight = l.inflight[1:]
		l.collectAt[s.epoch] = l.now()
		l.collected = append(l.collected, s)
		l.maxCollected = s.epoch
		l.hasCollected = true
	}
}

// StartCompleting takes the next batch of collected epochs strictly below
// upperBound (nil means unbounded). A batch ends at the first checkpoint or
// initial epoch; trailing non-checkpoint epochs wait for their checkpoint.
// Returns false when nothing is ready or a batch is already outstanding.
func (l *Ledger) StartCompleting(upperBound *types.Epoch) (Completion, bool) {
	if l.completing {
		return Completion{}, false
	}
	l.dropAlreadyCommitted()
	end := -1
	for i, s := range l.collected {
		if upperBound != nil && s.epoch >= *upperBound {
			break
		}
		if s.kind.IsCheckpoint() || s.kind.IsInitial() {
			end = i
			break
		}
	}
	if end < 0 {
		return Completion{}, false
	}
	batch := l.collected[:end+1]
	l.collected = l.collected[end+1:]

	last := batch[len(batch)-1]
	c := Completion{
		Epoch:       last.epoch,
		Kind:        last.kind,
		FirstCommit: !l.everCompleted,
	}
	if at, ok := l.collectAt[last.epoch]; ok {
		c.Latency = at.Sub(last.enqueueTime)
	}
	for _, s := range batch {
		c.Epochs = append(c.Epochs, s.epoch)
		c.Resps = append(c.Resps, s.resps...)
		delete(l.collectAt, s.epoch)
	}
	l.completing = true
	l.completingAt = last.epoch
	return c, true
}

// dropAlreadyCommitted discards collected epochs that a previous run already
// made durable, which happens to the initial barrier after recovery.
func (l *Ledger) dropAlreadyCommitted() {
	if !l.hasCommitted {
		return
	}
	for len(l.collected) > 0 && l.collected[0].epoch <= l.committed {
		delete(l.collectAt, l.collected[0].epoch)
		l.collected = l.collected[1:]
	}
}

// AckCompleted marks the outstanding batch as durable. Panics if epoch is not
// the batch being completed.
func (l *Ledger) AckCompleted(epoch types.Epoch) {
	if !l.completing || l.completingAt != epoch {
		panic(fmt.Sprintf("ledger %s: ack epoch %d but completing %v/%d", l.graphID, epoch, l.completing, l.completingAt))
	}
	l.completing = false
	l.committed = epoch
	l.hasCommitted = true
	l.everCompleted = true
}

// IsValidAfterWorkerErr checks every in-flight epoch against a failed worker.
func (l *Ledger) IsValidAfterWorkerErr(w types.WorkerID) bool {
	valid := true
	for _, s := range l.inflight {
		if !s.nodeToCollect.IsValidAfterWorkerErr(w) {
			valid = false
		}
	}
	if valid {
		l.promote()
	}
	return valid
}

// IsEmpty reports whether no epoch is in flight, collected or completing.
func (l *Ledger) IsEmpty() bool {
	return len(l.inflight) == 0 && len(l.collected) == 0 && !l.completing
}

// InflightCount is the number of epochs not yet collected.
func (l *Ledger) InflightCount() int { return len(l.inflight) }

// CollectedCount is the number of collected epochs not yet completing.
func (l *Ledger) CollectedCount() int { return len(l.collected) }

// IsCompleting reports whether a batch is outstanding.
func (l *Ledger) IsCompleting() bool { return l.completing }

// MinInflightEpoch returns the oldest uncollected epoch.
func (l *Ledger) MinInflightEpoch() (types.Epoch, bool) {
	if len(l.inflight) == 0 {
		return 0, false
	}
	return l.inflight[0].epoch, true
}

// MinPendingEpoch returns the oldest epoch that is neither durable nor in
// the completing batch.
func (l *Ledger) MinPendingEpoch() (types.Epoch, bool) {
	if len(l.collected) > 0 {
		return l.collected[0].epoch, true
	}
	return l.MinInflightEpoch()
}

// MaxCollectedEpoch returns the newest collected epoch.
func (l *Ledger) MaxCollectedEpoch() (types.Epoch, bool) {
	return l.maxCollected, l.hasCollected
}

// LastCommitted returns the newest durable epoch.
func (l *Ledger) LastCommitted() (types.Epoch, bool) {
	return l.committed, l.hasCommitted
}

// PendingEpochs counts every epoch not yet durable.
func (l *Ledger) PendingEpochs() int {
	n := len(l.inflight) + len(l.collected)
	if l.completing {
		n++
	}
	return n
}
