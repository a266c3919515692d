// ============================================================================
// Creating Job Control
// ============================================================================
//
// Package: internal/backfill
// File: control.go
// Purpose: Drive one snapshot-backfill job through its own partial graph
// until it can be merged into the steady-state graph.
//
// Phases:
//
//	ConsumingSnapshot ──snapshot done──> ConsumingLogStore ──merge──> Finishing
//	  fabricated epochs                    upstream change log          drain
//
// Every barrier the job injects goes through inject(), which keeps the
// job-local list of non-checkpoint epochs so that each checkpoint carries the
// epochs it subsumes within this graph.
//
// Recovery rebuilds a controller from the committed and backfill epochs only:
//   - committed < backfill: resume the snapshot with fabricated epochs
//   - otherwise: replay the upstream log from the committed checkpoint
//
// ============================================================================

package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ChuLiYu/epoch-barrier/internal/controlstream"
	"github.com/ChuLiYu/epoch-barrier/internal/ledger"
	"github.com/ChuLiYu/epoch-barrier/internal/metrics"
	"github.com/ChuLiYu/epoch-barrier/pkg/types"
)

// Injector sends barriers of a creating job's partial graph to the workers.
// *controlstream.Manager implements it.
type Injector interface {
	AddPartialGraph(db types.DatabaseID, graph types.PartialGraphID)
	InjectBarrier(ctx context.Context, req controlstream.InjectRequest) (ledger.NodeToCollect, error)
}

// CompleteType tells the committer what a completion means for the job.
type CompleteType int

const (
	// CompleteNormal is an ordinary commit of the job's tables.
	CompleteNormal CompleteType = iota
	// CompleteFirst is the job's first commit; its catalog entry is persisted
	// together with it.
	CompleteFirst
	// CompleteFinished is the last epoch of the job's own graph.
	CompleteFinished
)

func (t CompleteType) String() string {
	switch t {
	case CompleteFirst:
		return "first"
	case CompleteFinished:
		return "finished"
	default:
		return "normal"
	}
}

// DdlProgress is the user-facing progress of a creating job.
type DdlProgress struct {
	JobID      types.JobID      `json:"job_id"`
	Definition string           `json:"definition"`
	CreateType types.CreateType `json:"create_type"`
	Progress   string           `json:"progress"`
}

// Info describes the job being created.
type Info struct {
	DatabaseID     types.DatabaseID
	Job            *types.JobInfo
	Definition     string
	CreateType     types.CreateType
	UpstreamTables []types.TableID
	BackfillOrder  Order
	InitSplits     types.SplitAssignment
}

// RecoverInfo is the persisted state a creating job is rebuilt from.
type RecoverInfo struct {
	Info
	BackfillEpoch     types.Epoch
	CommittedEpoch    types.Epoch
	UpstreamLogEpochs map[types.TableID][]types.LogEpochBatch
	// UpstreamCurrEpoch is the curr epoch of the upstream's recovery barrier.
	UpstreamCurrEpoch types.Epoch
}

// Controller is the bootstrap state machine of one creating job.
type Controller struct {
	databaseID     types.DatabaseID
	jobID          types.JobID
	definition     string
	createType     types.CreateType
	upstreamTables []types.TableID
	backfillEpoch  types.Epoch
	graph          *types.JobInfo

	ledger  *ledger.Ledger
	status  Status
	pending []types.Epoch

	metrics *metrics.Collector
	logger  *slog.Logger
}

// New starts a snapshot backfill job. createBarrier is the upstream barrier
// carrying the creation command; its prev epoch is the snapshot epoch.
func New(
	ctx context.Context,
	info Info,
	createBarrier types.BarrierInfo,
	versionStats map[types.TableID]types.TableStats,
	inj Injector,
	m *metrics.Collector,
) (*Controller, error) {
	c := newController(info, createBarrier.Prev, ledger.New(types.PartialGraphOf(info.Job.JobID)), m)
	c.logger.Debug("new creating job", "definition", info.Definition, "backfill_epoch", c.backfillEpoch)

	fake := uint64(0)
	first := fakeBarrier(&fake, types.CheckpointKind(nil))
	c.status = &ConsumingSnapshot{
		PrevFakePhysicalTime:    fake,
		PendingUpstreamBarriers: []types.BarrierInfo{createBarrier},
		Tracker:                 NewSnapshotTracker(info.Job.BackfillActors(), upstreamKeyCount(info.UpstreamTables, versionStats), info.BackfillOrder),
		SnapshotBackfillActors:  c.snapshotBackfillActors(),
		BackfillEpoch:           c.backfillEpoch,
	}

	inj.AddPartialGraph(c.databaseID, c.ledger.GraphID())
	if err := c.inject(ctx, inj, first, c.graph, types.ActorsToBuild(c.graph), c.initialMutation(info)); err != nil {
		return nil, err
	}
	if len(c.pending) != 0 {
		panic(fmt.Sprintf("job %d: pending epochs %v after first checkpoint", c.jobID, c.pending))
	}
	return c, nil
}

// Recover rebuilds the controller of a background job after a full recovery
// and injects its initial barrier.
func Recover(
	ctx context.Context,
	info RecoverInfo,
	versionStats map[types.TableID]types.TableStats,
	inj Injector,
	m *metrics.Collector,
) (*Controller, error) {
	info.CreateType = types.CreateTypeBackground
	c := newController(info.Info, info.BackfillEpoch, ledger.Recover(types.PartialGraphOf(info.Job.JobID), info.CommittedEpoch), m)

	var first types.BarrierInfo
	if info.CommittedEpoch < info.BackfillEpoch {
		upstream, err := resolveUpstreamLogEpochs(info.UpstreamTables, info.UpstreamLogEpochs, info.BackfillEpoch, info.UpstreamCurrEpoch)
		if err != nil {
			return nil, fmt.Errorf("recover job %d: %w", c.jobID, err)
		}
		fake := info.CommittedEpoch.PhysicalTime()
		first = fakeBarrier(&fake, types.InitialKind())
		c.status = &ConsumingSnapshot{
			PrevFakePhysicalTime:    fake,
			PendingUpstreamBarriers: upstream,
			Tracker:                 NewSnapshotTracker(info.Job.BackfillActors(), upstreamKeyCount(info.UpstreamTables, versionStats), info.BackfillOrder),
			SnapshotBackfillActors:  c.snapshotBackfillActors(),
			BackfillEpoch:           c.backfillEpoch,
		}
	} else {
		barriers, err := resolveUpstreamLogEpochs(info.UpstreamTables, info.UpstreamLogEpochs, info.CommittedEpoch, info.UpstreamCurrEpoch)
		if err != nil {
			return nil, fmt.Errorf("recover job %d: %w", c.jobID, err)
		}
		first = barriers[0]
		if !first.Kind.IsCheckpoint() {
			panic(fmt.Sprintf("job %d: first resolved barrier %s is not a checkpoint", c.jobID, first))
		}
		first.Kind = types.InitialKind()
		rest := barriers[1:]
		lag := uint64(0)
		if len(rest) > 0 {
			if last := rest[len(rest)-1].Prev; last > info.CommittedEpoch {
				lag = last.PhysicalTime() - info.CommittedEpoch.PhysicalTime()
			}
		}
		c.status = &ConsumingLogStore{
			Tracker:          NewLogStoreTracker(c.snapshotBackfillActors(), lag),
			BarriersToInject: rest,
			HasBatch:         true,
		}
	}
	c.logger.Info("recover creating job", "committed_epoch", info.CommittedEpoch,
		"backfill_epoch", info.BackfillEpoch, "status", fmt.Sprintf("%T", c.status))

	inj.AddPartialGraph(c.databaseID, c.ledger.GraphID())
	if err := c.inject(ctx, inj, first, c.graph, types.ActorsToBuild(c.graph), c.initialMutation(info.Info)); err != nil {
		return nil, err
	}
	return c, nil
}

// CheckRecoverable reports whether the upstream change log still holds the
// checkpoint Recover would resume the job from. It has no side effects.
func CheckRecoverable(info RecoverInfo) error {
	from := info.CommittedEpoch
	if from < info.BackfillEpoch {
		from = info.BackfillEpoch
	}
	_, err := resolveUpstreamLogEpochs(info.UpstreamTables, info.UpstreamLogEpochs, from, ^types.Epoch(0))
	return err
}

func newController(info Info, backfillEpoch types.Epoch, l *ledger.Ledger, m *metrics.Collector) *Controller {
	tables := slices.Clone(info.UpstreamTables)
	slices.Sort(tables)
	return &Controller{
		databaseID:     info.DatabaseID,
		jobID:          info.Job.JobID,
		definition:     info.Definition,
		createType:     info.CreateType,
		upstreamTables: tables,
		backfillEpoch:  backfillEpoch,
		graph:          info.Job,
		ledger:         l,
		metrics:        m,
		logger:         slog.With("component", "creating-job", "job_id", info.Job.JobID),
	}
}

func (c *Controller) snapshotBackfillActors() []types.ActorID {
	actors := c.graph.ActorsWithMask(types.FragmentSnapshotBackfillStreamScan)
	out := make([]types.ActorID, 0, len(actors))
	for id := range actors {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (c *Controller) initialMutation(info Info) *types.Mutation {
	var added []types.ActorID
	for _, f := range c.graph.FragmentInfos() {
		added = append(added, f.SortedActorIDs()...)
	}
	return types.NewAddMutation(types.AddMutation{
		AddedActors:          added,
		ActorSplits:          info.InitSplits,
		Pause:                false,
		BackfillNodesToPause: info.BackfillOrder.NodesToPause(),
	})
}

func upstreamKeyCount(tables []types.TableID, stats map[types.TableID]types.TableStats) int64 {
	var total int64
	for _, t := range tables {
		total += stats[t].TotalKeyCount
	}
	return total
}

// inject sends one barrier to the job's graph. The kind is rebuilt against
// the job's own pending non-checkpoint epochs.
func (c *Controller) inject(
	ctx context.Context,
	inj Injector,
	barrier types.BarrierInfo,
	post *types.JobInfo,
	actorsToBuild map[types.WorkerID][]types.FragmentBuildInfo,
	mutation *types.Mutation,
) error {
	switch barrier.Kind.Type {
	case types.KindInitial:
		c.pending = nil
	case types.KindCheckpoint:
		c.pending = append(c.pending, barrier.Prev)
		barrier.Kind = types.CheckpointKind(types.TakePending(&c.pending))
	default:
		c.pending = append(c.pending, barrier.Prev)
	}

	jobID := c.jobID
	req := controlstream.InjectRequest{
		DatabaseID:    c.databaseID,
		CreatingJobID: &jobID,
		Barrier:       barrier,
		Mutation:      mutation,
		PreGraph:      c.graph.FragmentInfos(),
		ActorsToBuild: actorsToBuild,
	}
	if post != nil {
		req.PostGraph = post.FragmentInfos()
	}
	nodes, err := inj.InjectBarrier(ctx, req)
	if err != nil {
		return fmt.Errorf("inject barrier %s for job %d: %w", barrier, c.jobID, err)
	}
	c.ledger.Enqueue(barrier.Prev, nodes, barrier.Kind)
	return nil
}

// ============================================================================
// Driving
// ============================================================================

// OnNewCommand reacts to a barrier injected into the upstream graph.
// mergeThisJob is set when the barrier carries the command merging this job.
func (c *Controller) OnNewCommand(ctx context.Context, inj Injector, mergeThisJob bool, barrier types.BarrierInfo) error {
	progressEpoch := c.backfillEpoch
	if maxCollected, ok := c.ledger.MaxCollectedEpoch(); ok && maxCollected > progressEpoch {
		progressEpoch = maxCollected
	}
	lag := uint64(0)
	if barrier.Prev > progressEpoch {
		lag = barrier.Prev.PhysicalTime() - progressEpoch.PhysicalTime()
	}
	c.metrics.SetBackfillLag(c.jobID, lag)

	if mergeThisJob {
		c.logger.Info("start consuming upstream", "prev_epoch", barrier.Prev)
		c.startConsumeUpstream(barrier)
		return c.inject(ctx, inj, barrier, c.graph, nil, nil)
	}
	for _, b := range onNewUpstreamEpoch(c.status, barrier) {
		if err := c.inject(ctx, inj, b.barrier, c.graph, nil, b.mutation); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) startConsumeUpstream(barrier types.BarrierInfo) {
	s, ok := c.status.(*ConsumingLogStore)
	if !ok || s.HasBatch {
		panic(fmt.Sprintf("job %d: cannot start consuming upstream in %T", c.jobID, c.status))
	}
	c.status = &Finishing{AtEpoch: barrier.Prev}
}

// Collect applies a worker's response and reports whether the job is now
// ready to be merged into the upstream graph.
func (c *Controller) Collect(resp *types.BarrierCompleteResponse) bool {
	c.status = updateProgress(c.status, resp.CreateMviewProgress)
	c.ledger.Collect(resp)
	return c.ShouldMergeToUpstream()
}

// ShouldMergeToUpstream holds once the log store caught up and no catch-up
// batch is waiting to be injected.
func (c *Controller) ShouldMergeToUpstream() bool {
	s, ok := c.status.(*ConsumingLogStore)
	return ok && !s.HasBatch && s.Tracker.IsFinished()
}

// StartCompleting takes the next batch of collected epochs. While the job is
// consuming, only epochs below the oldest upstream epoch not yet durable commit.
// The Finished batch is acked here and the job's ledger is empty afterwards.
func (c *Controller) StartCompleting(upstreamPending *types.Epoch) (ledger.Completion, CompleteType, bool) {
	var bound *types.Epoch
	finishing, isFinishing := c.status.(*Finishing)
	switch {
	case isFinishing:
		if upstreamPending != nil && *upstreamPending <= finishing.AtEpoch {
			bound = upstreamPending
		}
	default:
		bound = upstreamPending
	}
	completion, ok := c.ledger.StartCompleting(bound)
	if !ok {
		return ledger.Completion{}, 0, false
	}
	if !isFinishing {
		if completion.FirstCommit {
			return completion, CompleteFirst, true
		}
		return completion, CompleteNormal, true
	}
	if completion.FirstCommit {
		panic(fmt.Sprintf("job %d: first commit while finishing", c.jobID))
	}
	if completion.Epoch != finishing.AtEpoch {
		return completion, CompleteNormal, true
	}
	c.ledger.AckCompleted(completion.Epoch)
	if !c.ledger.IsEmpty() {
		panic(fmt.Sprintf("job %d: epochs left after finishing at %d", c.jobID, completion.Epoch))
	}
	c.metrics.DeleteBackfillLag(c.jobID)
	return completion, CompleteFinished, true
}

// AckCompleted marks the outstanding batch durable.
func (c *Controller) AckCompleted(epoch types.Epoch) {
	c.ledger.AckCompleted(epoch)
}

// ============================================================================
// Queries
// ============================================================================

// JobID returns the job's id.
func (c *Controller) JobID() types.JobID { return c.jobID }

// CreateType returns whether the job was created in the background.
func (c *Controller) CreateType() types.CreateType { return c.createType }

// BackfillEpoch returns the upstream epoch the snapshot was taken at.
func (c *Controller) BackfillEpoch() types.Epoch { return c.backfillEpoch }

// Status returns the current bootstrap phase.
func (c *Controller) Status() Status { return c.status }

// IsFinished reports whether the job drained its graph after merging.
func (c *Controller) IsFinished() bool {
	return c.ledger.IsEmpty() && isFinishing(c.status)
}

// IsEmpty reports whether the job has nothing in flight.
func (c *Controller) IsEmpty() bool { return c.ledger.IsEmpty() }

// IsConsuming reports whether the job still catches up on its own.
func (c *Controller) IsConsuming() bool { return !isFinishing(c.status) }

// IsCompleting reports whether a batch is outstanding.
func (c *Controller) IsCompleting() bool { return c.ledger.IsCompleting() }

// IsValidAfterWorkerErr reports whether the job survives the worker's failure.
// Only epochs still owed a response by the worker are lost, in every phase.
func (c *Controller) IsValidAfterWorkerErr(w types.WorkerID) bool {
	return c.ledger.IsValidAfterWorkerErr(w)
}

// Progress renders the job's DDL progress.
func (c *Controller) Progress() DdlProgress {
	var progress string
	switch s := c.status.(type) {
	case *ConsumingSnapshot:
		progress = s.Tracker.Progress()
	case *ConsumingLogStore:
		progress = s.Tracker.Progress()
	case *Finishing:
		progress = fmt.Sprintf("Finishing [epoch count: %d]", c.ledger.InflightCount())
	}
	return DdlProgress{
		JobID:      c.jobID,
		Definition: c.definition,
		CreateType: c.createType,
		Progress:   progress,
	}
}

// PinnedUpstreamLogEpoch is the oldest upstream log checkpoint the job may
// still replay after a recovery: its committed epoch, or the backfill epoch
// while the snapshot is not durable. Nothing is pinned once the job is
// finishing.
func (c *Controller) PinnedUpstreamLogEpoch() (types.Epoch, bool) {
	if isFinishing(c.status) {
		return 0, false
	}
	pinned := c.backfillEpoch
	if committed, ok := c.ledger.LastCommitted(); ok && committed > pinned {
		pinned = committed
	}
	return pinned, true
}

// StateTableIDs lists the job's state tables.
func (c *Controller) StateTableIDs() []types.TableID { return c.graph.StateTableIDs() }

// UpstreamTables lists the tables the job backfills from.
func (c *Controller) UpstreamTables() []types.TableID { return c.upstreamTables }

// GraphInfo returns the job's fragments.
func (c *Controller) GraphInfo() *types.JobInfo { return c.graph }

// InflightCount is the number of uncollected epochs of the job.
func (c *Controller) InflightCount() int { return c.ledger.InflightCount() }
