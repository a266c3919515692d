// ============================================================================
// Database Control
// ============================================================================
//
// Package: internal/barrier
// File: database.go
// Purpose: Per-database barrier state. Owns the steady-state graph, its
// ledger, the creating jobs bootstrapping in their own partial graphs, and
// the commands waiting for their barrier to become durable.
//
// Barrier flow (one database):
//
//	inject ──> steady ledger ──collect──> completion task ──commit──> ack
//	   │                                        ▲
//	   └──> creating jobs (OnNewCommand) ───────┘  job commits ride along
//
// Only the coordinator loop touches a DatabaseControl. At most one
// completion task per database is outstanding.
//
// ============================================================================

package barrier

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/ChuLiYu/epoch-barrier/internal/backfill"
	"github.com/ChuLiYu/epoch-barrier/internal/controlstream"
	"github.com/ChuLiYu/epoch-barrier/internal/ledger"
	"github.com/ChuLiYu/epoch-barrier/internal/meta"
	"github.com/ChuLiYu/epoch-barrier/internal/metrics"
	"github.com/ChuLiYu/epoch-barrier/pkg/types"
)

// Injector is the control-stream surface a database needs.
// *controlstream.Manager implements it.
type Injector interface {
	backfill.Injector
	RemovePartialGraph(db types.DatabaseID, jobs []types.JobID)
}

// epochInfo is what the coordinator remembers about an injected steady
// barrier until its batch commits.
type epochInfo struct {
	tables          []types.TableID
	commands        []*scheduledCommand
	firstCommitJobs []types.JobID
	finishedJobs    []types.JobID
}

// createTracker follows the backfill of a job created inside the
// steady-state graph. Actors report cumulative consumed rows.
type createTracker struct {
	job     *types.StreamingJob
	pending map[types.ActorID]struct{}
	total   int
	rows    map[types.ActorID]uint64
}

func newCreateTracker(job *types.StreamingJob) *createTracker {
	t := &createTracker{job: job, pending: make(map[types.ActorID]struct{}), rows: make(map[types.ActorID]uint64)}
	for id := range job.Graph.BackfillActors() {
		t.pending[id] = struct{}{}
	}
	t.total = len(t.pending)
	return t
}

func (t *createTracker) update(p types.CreateMviewProgress) {
	if _, ok := t.pending[p.BackfillActorID]; !ok {
		return
	}
	t.rows[p.BackfillActorID] = p.ConsumedRows
	if p.Done {
		delete(t.pending, p.BackfillActorID)
	}
}

func (t *createTracker) finished() bool { return len(t.pending) == 0 }

func (t *createTracker) progress() backfill.DdlProgress {
	done := t.total - len(t.pending)
	var rows uint64
	for _, r := range t.rows {
		rows += r
	}
	return backfill.DdlProgress{
		JobID:      t.job.ID,
		Definition: t.job.Definition,
		CreateType: t.job.CreateType,
		Progress:   fmt.Sprintf("Backfill [%d/%d actors, %d rows]", done, t.total, rows),
	}
}

// commandPlan is how a command changes the barrier that carries it.
type commandPlan struct {
	mutation   *types.Mutation
	pre        []*types.FragmentInfo
	post       []*types.FragmentInfo
	build      map[types.WorkerID][]types.FragmentBuildInfo
	subsAdd    []types.SubscriptionUpstreamInfo
	subsRemove []types.SubscriptionUpstreamInfo
	merge      map[types.JobID]bool
	// removeGraphs are creating job graphs dropped by the barrier.
	removeGraphs []types.JobID
	// snapshot is set when the command starts a snapshot backfill job.
	snapshot *types.StreamingJob
	// apply updates the database once the barrier is injected.
	apply func(info *epochInfo)
}

// graphCommit is one CommitEpoch of a completion task.
type graphCommit struct {
	graph    types.PartialGraphID
	kind     backfill.CompleteType
	info     meta.CommitInfo
	latency  time.Duration
	commands []*scheduledCommand
}

// completionTask is the batch of commits a database hands to the store at
// once. The steady graph's commit, when present, comes first.
type completionTask struct {
	database   types.DatabaseID
	generation uint64
	commits    []graphCommit
}

// DatabaseControl is the barrier state of one database.
type DatabaseControl struct {
	id            types.DatabaseID
	graph         *types.GraphInfo
	subscriptions map[types.SubscriberID]types.Subscription
	ledger        *ledger.Ledger
	epochs        map[types.Epoch]*epochInfo
	creating      map[types.JobID]*backfill.Controller
	merging       map[types.JobID]bool
	tracking      map[types.JobID]*createTracker

	prev            types.Epoch
	initial         bool
	pending         []types.Epoch
	sinceCheckpoint int
	paused          bool
	completing      bool

	metrics *metrics.Collector
	logger  *slog.Logger
}

func newDatabaseControl(
	id types.DatabaseID,
	graph *types.GraphInfo,
	subscriptions []types.Subscription,
	committed types.Epoch,
	m *metrics.Collector,
) *DatabaseControl {
	d := &DatabaseControl{
		id:            id,
		graph:         graph,
		subscriptions: make(map[types.SubscriberID]types.Subscription),
		ledger:        ledger.Recover(types.SteadyStateGraph, committed),
		epochs:        make(map[types.Epoch]*epochInfo),
		creating:      make(map[types.JobID]*backfill.Controller),
		merging:       make(map[types.JobID]bool),
		tracking:      make(map[types.JobID]*createTracker),
		prev:          committed,
		initial:       true,
		metrics:       m,
		logger:        slog.With("component", "database", "database_id", id),
	}
	for _, s := range subscriptions {
		d.subscriptions[s.ID] = s
	}
	return d
}

// nextBarrier allocates the barrier following the last injected one and
// keeps the pending non-checkpoint epochs of the steady graph.
func (d *DatabaseControl) nextBarrier(now time.Time, checkpoint bool) types.BarrierInfo {
	b := types.BarrierInfo{Prev: d.prev, Curr: types.NextEpoch(d.prev, now)}
	switch {
	case d.initial:
		d.initial = false
		d.pending = nil
		b.Kind = types.InitialKind()
	case checkpoint:
		d.pending = append(d.pending, d.prev)
		b.Kind = types.CheckpointKind(types.TakePending(&d.pending))
	default:
		d.pending = append(d.pending, d.prev)
		b.Kind = types.BarrierOnlyKind()
	}
	if b.Kind.IsCheckpoint() || b.Kind.IsInitial() {
		d.sinceCheckpoint = 0
	} else {
		d.sinceCheckpoint++
	}
	d.prev = b.Curr
	return b
}

// canInject reports whether another barrier fits the in-flight limit.
func (d *DatabaseControl) canInject(maxInflight int) bool {
	return d.ledger.PendingEpochs() < maxInflight
}

// injectInitial sends the first barrier after a (re)start. It rebuilds every
// actor of the steady graph.
func (d *DatabaseControl) injectInitial(ctx context.Context, inj Injector, now time.Time, jobs []*types.StreamingJob) (types.BarrierInfo, error) {
	barrier := d.nextBarrier(now, true)

	build := make(map[types.WorkerID][]types.FragmentBuildInfo)
	splits := make(types.SplitAssignment)
	var added []types.ActorID
	for _, job := range jobs {
		for w, infos := range types.ActorsToBuild(job.Graph) {
			build[w] = append(build[w], infos...)
		}
		for a, s := range job.Splits {
			splits[a] = s
		}
		added = append(added, allActors(job.Graph)...)
	}
	var mutation *types.Mutation
	if len(added) > 0 {
		mutation = types.NewAddMutation(types.AddMutation{AddedActors: added, ActorSplits: splits})
	}
	fragments := d.graph.Fragments()
	nodes, err := inj.InjectBarrier(ctx, controlInjectRequest(d.id, barrier, mutation, fragments, fragments, build, nil, nil))
	if err != nil {
		return barrier, err
	}
	d.ledger.Enqueue(barrier.Prev, nodes, barrier.Kind)
	d.logger.Info("initial barrier injected", "barrier", barrier.String(), "jobs", len(jobs))
	return barrier, nil
}

// inject sends the next barrier of the database, carrying sc's command when
// sc is set. A command that cannot apply to the current graph fails without
// a barrier. The returned error means the database must be recovered.
func (d *DatabaseControl) inject(
	ctx context.Context,
	inj Injector,
	versionStats func() map[types.TableID]types.TableStats,
	now time.Time,
	sc *scheduledCommand,
	checkpointFrequency int,
) error {
	p := &commandPlan{pre: d.graph.Fragments(), post: d.graph.Fragments()}
	if sc != nil {
		var err error
		if p, err = d.plan(sc.command); err != nil {
			d.logger.Warn("reject command", "command", sc.command.Name(), "error", err)
			sc.finish(err)
			return nil
		}
	}

	// every command barrier is a checkpoint so that RunCommand returns once
	// the change is durable
	checkpoint := sc != nil || d.sinceCheckpoint+1 >= checkpointFrequency
	barrier := d.nextBarrier(now, checkpoint)
	req := controlInjectRequest(d.id, barrier, p.mutation, p.pre, p.post, p.build, p.subsAdd, p.subsRemove)
	nodes, err := inj.InjectBarrier(ctx, req)
	if err != nil {
		if sc != nil {
			sc.finish(err)
		}
		return err
	}
	d.ledger.Enqueue(barrier.Prev, nodes, barrier.Kind)

	info := &epochInfo{tables: types.TableIDsOf(p.post)}
	if sc != nil {
		info.commands = append(info.commands, sc)
		d.logger.Info("command injected", "command", sc.command.Name(), "barrier", barrier.String())
	}
	if p.apply != nil {
		p.apply(info)
	}
	d.epochs[barrier.Prev] = info
	inj.RemovePartialGraph(d.id, p.removeGraphs)

	for _, id := range d.creatingIDs() {
		if err := d.creating[id].OnNewCommand(ctx, inj, p.merge[id], barrier); err != nil {
			return err
		}
	}
	if p.snapshot != nil {
		job := p.snapshot
		ctrl, err := backfill.New(ctx, backfill.Info{
			DatabaseID:     d.id,
			Job:            job.Graph,
			Definition:     job.Definition,
			CreateType:     job.CreateType,
			UpstreamTables: job.UpstreamTables,
			BackfillOrder:  backfill.Order(job.BackfillOrder),
			InitSplits:     job.Splits,
		}, barrier, versionStats(), inj, d.metrics)
		if err != nil {
			return err
		}
		d.creating[job.ID] = ctrl
	}
	d.metrics.SetInflight(d.id, d.ledger.InflightCount())
	return nil
}

func controlInjectRequest(
	db types.DatabaseID,
	barrier types.BarrierInfo,
	mutation *types.Mutation,
	pre, post []*types.FragmentInfo,
	build map[types.WorkerID][]types.FragmentBuildInfo,
	subsAdd, subsRemove []types.SubscriptionUpstreamInfo,
) controlstream.InjectRequest {
	return controlstream.InjectRequest{
		DatabaseID:            db,
		Barrier:               barrier,
		Mutation:              mutation,
		PreGraph:              pre,
		PostGraph:             post,
		ActorsToBuild:         build,
		SubscriptionsToAdd:    subsAdd,
		SubscriptionsToRemove: subsRemove,
	}
}

// ============================================================================
// Commands
// ============================================================================

// plan validates cmd against the current graph and describes its barrier.
func (d *DatabaseControl) plan(cmd Command) (*commandPlan, error) {
	fragments := d.graph.Fragments()
	p := &commandPlan{pre: fragments, post: fragments}

	switch c := cmd.(type) {
	case CreateStreamingJob:
		job := c.Job
		if _, ok := d.graph.Jobs[job.ID]; ok {
			return nil, fmt.Errorf("%w: job %d already runs", meta.ErrDuplicateJob, job.ID)
		}
		if _, ok := d.creating[job.ID]; ok {
			return nil, fmt.Errorf("%w: job %d already creating", meta.ErrDuplicateJob, job.ID)
		}
		if isSnapshotBackfill(c) {
			subs := jobSubscriptions(job.ID, job.UpstreamTables)
			p.mutation = types.NewAddMutation(types.AddMutation{Pause: d.paused, SubscriptionsToAdd: subs})
			p.subsAdd = subs
			p.snapshot = job
			p.apply = func(info *epochInfo) {
				d.logger.Info("snapshot backfill job created", "job_id", job.ID, "upstream", job.UpstreamTables)
			}
			return p, nil
		}
		next := d.graph.Clone()
		next.AddJob(job.Graph.Clone())
		p.pre = next.Fragments()
		p.post = p.pre
		p.build = types.ActorsToBuild(job.Graph)
		p.mutation = types.NewAddMutation(types.AddMutation{
			AddedActors: allActors(job.Graph),
			ActorSplits: job.Splits,
			Pause:       d.paused,
		})
		p.apply = func(info *epochInfo) {
			d.graph = next
			info.firstCommitJobs = append(info.firstCommitJobs, job.ID)
			tracker := newCreateTracker(job)
			if tracker.finished() {
				info.finishedJobs = append(info.finishedJobs, job.ID)
				return
			}
			d.tracking[job.ID] = tracker
		}

	case ReplaceStreamJob:
		old, ok := d.graph.Jobs[c.JobID]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrJobNotFound, c.JobID)
		}
		replacement := c.NewGraph.Clone()
		replacement.JobID = c.JobID
		replacement.DatabaseID = d.id
		next := d.graph.Clone()
		next.AddJob(replacement)
		p.pre = append(slices.Clone(fragments), replacement.FragmentInfos()...)
		p.post = next.Fragments()
		p.build = types.ActorsToBuild(replacement)
		p.mutation = types.NewUpdateMutation(types.UpdateMutation{
			AddedActors:   allActors(replacement),
			DroppedActors: allActors(old),
			ActorSplits:   c.Splits,
		})
		p.apply = func(*epochInfo) { d.graph = next }

	case DropStreamingJobs:
		next := d.graph.Clone()
		var stopped []types.ActorID
		for _, id := range c.JobIDs {
			job, ok := next.RemoveJob(id)
			if !ok {
				return nil, fmt.Errorf("%w: %d", ErrJobNotFound, id)
			}
			stopped = append(stopped, allActors(job)...)
		}
		p.post = next.Fragments()
		p.mutation = types.NewStopMutation(stopped)
		p.apply = func(*epochInfo) {
			d.graph = next
			for _, id := range c.JobIDs {
				delete(d.tracking, id)
			}
		}

	case CancelStreamJob:
		if ctrl, ok := d.creating[c.JobID]; ok {
			subs := jobSubscriptions(c.JobID, ctrl.UpstreamTables())
			p.mutation = types.NewDropSubscriptionsMutation(subs)
			p.subsRemove = subs
			p.removeGraphs = []types.JobID{c.JobID}
			p.apply = func(*epochInfo) { d.removeCreating(c.JobID) }
			return p, nil
		}
		next := d.graph.Clone()
		job, ok := next.RemoveJob(c.JobID)
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrJobNotFound, c.JobID)
		}
		p.post = next.Fragments()
		p.mutation = types.NewStopMutation(allActors(job))
		p.apply = func(*epochInfo) {
			d.graph = next
			delete(d.tracking, c.JobID)
		}

	case CreateSubscription:
		info := c.Subscription.UpstreamInfo()
		p.mutation = types.NewAddMutation(types.AddMutation{Pause: d.paused, SubscriptionsToAdd: []types.SubscriptionUpstreamInfo{info}})
		p.subsAdd = []types.SubscriptionUpstreamInfo{info}
		p.apply = func(*epochInfo) { d.subscriptions[c.Subscription.ID] = c.Subscription }

	case DropSubscription:
		info := c.Subscription.UpstreamInfo()
		p.mutation = types.NewDropSubscriptionsMutation([]types.SubscriptionUpstreamInfo{info})
		p.subsRemove = []types.SubscriptionUpstreamInfo{info}
		p.apply = func(*epochInfo) { delete(d.subscriptions, c.Subscription.ID) }

	case MergeSnapshotBackfillStreamingJobs:
		p.merge = make(map[types.JobID]bool)
		var subs []types.SubscriptionUpstreamInfo
		for _, id := range c.JobIDs {
			ctrl, ok := d.creating[id]
			if !ok || !ctrl.ShouldMergeToUpstream() {
				continue
			}
			p.merge[id] = true
			subs = append(subs, jobSubscriptions(id, ctrl.UpstreamTables())...)
		}
		if len(p.merge) == 0 {
			return nil, fmt.Errorf("%w: %v", ErrNothingToMerge, c.JobIDs)
		}
		p.mutation = types.NewDropSubscriptionsMutation(subs)
		p.subsRemove = subs
		p.apply = func(*epochInfo) {
			// merged actors collect steady barriers from the next epoch on
			for id := range p.merge {
				d.graph.AddJob(d.creating[id].GraphInfo())
				d.logger.Info("merge snapshot backfill job", "job_id", id)
			}
		}

	case RescheduleActors:
		build, err := rescheduledBuildInfo(d.graph, c.Fragments)
		if err != nil {
			return nil, err
		}
		pre := d.graph.Clone()
		var added, removed []types.ActorID
		for id, r := range c.Fragments {
			pre.ApplyReschedule(id, r.Added, nil)
			for a := range r.Added {
				added = append(added, a)
			}
			removed = append(removed, r.Removed...)
		}
		post := pre.Clone()
		for id, r := range c.Fragments {
			post.ApplyReschedule(id, nil, r.Removed)
		}
		slices.Sort(added)
		slices.Sort(removed)
		p.pre = pre.Fragments()
		p.post = post.Fragments()
		p.build = build
		p.mutation = types.NewUpdateMutation(types.UpdateMutation{AddedActors: added, DroppedActors: removed, ActorSplits: c.Splits})
		p.apply = func(*epochInfo) { d.graph = post }

	case SourceChangeSplit:
		p.mutation = &types.Mutation{Kind: types.MutationSplits, Splits: c.Splits}

	case Pause:
		p.mutation = types.PauseMutation()
		p.apply = func(*epochInfo) { d.paused = true }

	case Resume:
		p.mutation = types.ResumeMutation()
		p.apply = func(*epochInfo) { d.paused = false }

	case Flush:

	default:
		panic(fmt.Sprintf("unknown command %T", cmd))
	}
	return p, nil
}

func (d *DatabaseControl) removeCreating(id types.JobID) {
	if _, ok := d.creating[id]; !ok {
		return
	}
	delete(d.creating, id)
	delete(d.merging, id)
	d.metrics.DeleteBackfillLag(id)
}

// ============================================================================
// Collection
// ============================================================================

// collect routes a worker's response to its graph. It returns the job that
// just became ready to merge, at most once per job.
func (d *DatabaseControl) collect(resp *types.BarrierCompleteResponse) (types.JobID, bool) {
	job, creating := resp.PartialGraphID.CreatingJob()
	if !creating {
		d.ledger.Collect(resp)
		d.metrics.SetInflight(d.id, d.ledger.InflightCount())
		return 0, false
	}
	ctrl, ok := d.creating[job]
	if !ok {
		d.logger.Warn("ignore response of unknown creating job", "job_id", job, "worker_id", resp.WorkerID, "epoch", resp.Epoch)
		return 0, false
	}
	if !ctrl.Collect(resp) || d.merging[job] {
		return 0, false
	}
	d.merging[job] = true
	return job, true
}

// isValidAfterWorkerErr checks every graph of the database against a failed
// worker. All graphs are checked so that tolerable entries are dropped
// everywhere.
func (d *DatabaseControl) isValidAfterWorkerErr(w types.WorkerID) bool {
	valid := d.ledger.IsValidAfterWorkerErr(w)
	for _, id := range d.creatingIDs() {
		if !d.creating[id].IsValidAfterWorkerErr(w) {
			d.logger.Warn("creating job invalidated by worker failure", "job_id", id, "worker_id", w)
			valid = false
		}
	}
	return valid
}

// ownsActorsOn reports whether the steady graph or a creating job has actors
// on the worker.
func (d *DatabaseControl) ownsActorsOn(w types.WorkerID) bool {
	if d.graph.ContainsWorker(w) {
		return true
	}
	for _, id := range d.creatingIDs() {
		if d.creating[id].GraphInfo().ContainsWorker(w) {
			return true
		}
	}
	return false
}

// ============================================================================
// Completion
// ============================================================================

// logTables are the tables whose commits must be kept in their change log:
// subscribed tables and the upstreams of consuming snapshot backfill jobs.
func (d *DatabaseControl) logTables() []types.TableID {
	var out []types.TableID
	for _, s := range d.subscriptions {
		out = append(out, s.UpstreamTableID)
	}
	for _, ctrl := range d.creating {
		if ctrl.IsConsuming() {
			out = append(out, ctrl.UpstreamTables()...)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// startCompleting gathers every batch that can commit now. Returns nil when
// a task is outstanding or nothing is ready.
func (d *DatabaseControl) startCompleting(generation uint64) *completionTask {
	if d.completing {
		return nil
	}
	task := &completionTask{database: d.id, generation: generation}

	if c, ok := d.ledger.StartCompleting(nil); ok {
		gc := graphCommit{
			graph:   types.SteadyStateGraph,
			latency: c.Latency,
			info: meta.CommitInfo{
				DatabaseID:    d.id,
				Epoch:         c.Epoch,
				Epochs:        c.Epochs,
				Steady:        true,
				LogTables:     d.logTables(),
				KeyCountDelta: keyCountDelta(c.Resps),
			},
		}
		for _, e := range c.Epochs {
			info, ok := d.epochs[e]
			if !ok {
				continue
			}
			delete(d.epochs, e)
			gc.info.Tables = append(gc.info.Tables, info.tables...)
			gc.commands = append(gc.commands, info.commands...)
			gc.info.FirstCommitJobs = append(gc.info.FirstCommitJobs, info.firstCommitJobs...)
			gc.info.FinishedJobs = append(gc.info.FinishedJobs, info.finishedJobs...)
		}
		gc.info.FinishedJobs = append(gc.info.FinishedJobs, d.updateCreateProgress(c.Resps)...)
		task.commits = append(task.commits, gc)
	}

	// creating jobs commit only epochs the steady graph has made durable by
	// the end of this task
	var bound *types.Epoch
	if e, ok := d.ledger.MinPendingEpoch(); ok {
		bound = &e
	}
	for _, id := range d.creatingIDs() {
		ctrl := d.creating[id]
		c, kind, ok := ctrl.StartCompleting(bound)
		if !ok {
			continue
		}
		gc := graphCommit{
			graph:   types.PartialGraphOf(id),
			kind:    kind,
			latency: c.Latency,
			info: meta.CommitInfo{
				DatabaseID:    d.id,
				Epoch:         c.Epoch,
				Epochs:        c.Epochs,
				Tables:        ctrl.StateTableIDs(),
				KeyCountDelta: keyCountDelta(c.Resps),
			},
		}
		switch kind {
		case backfill.CompleteFirst:
			gc.info.FirstCommitJobs = []types.JobID{id}
			gc.info.BackfillEpochs = map[types.JobID]types.Epoch{id: ctrl.BackfillEpoch()}
		case backfill.CompleteFinished:
			gc.info.FinishedJobs = []types.JobID{id}
		}
		task.commits = append(task.commits, gc)
	}

	if len(task.commits) == 0 {
		return nil
	}
	d.completing = true
	return task
}

// updateCreateProgress applies backfill progress of jobs created inside the
// steady graph and returns the jobs that just finished.
func (d *DatabaseControl) updateCreateProgress(resps []*types.BarrierCompleteResponse) []types.JobID {
	if len(d.tracking) == 0 {
		return nil
	}
	for _, r := range resps {
		for _, p := range r.CreateMviewProgress {
			for _, t := range d.tracking {
				t.update(p)
			}
		}
	}
	var finished []types.JobID
	for id, t := range d.tracking {
		if t.finished() {
			finished = append(finished, id)
			delete(d.tracking, id)
			d.logger.Info("streaming job finished backfill", "job_id", id)
		}
	}
	slices.Sort(finished)
	return finished
}

// ackCompleted applies a committed task.
func (d *DatabaseControl) ackCompleted(task *completionTask, inj Injector) {
	d.completing = false
	for _, gc := range task.commits {
		if gc.graph == types.SteadyStateGraph {
			d.ledger.AckCompleted(gc.info.Epoch)
			d.metrics.SetCommittedEpoch(d.id, gc.info.Epoch)
			d.metrics.RecordCollected(gc.latency.Seconds())
			for _, sc := range gc.commands {
				sc.finish(nil)
			}
			continue
		}
		job, _ := gc.graph.CreatingJob()
		ctrl, ok := d.creating[job]
		if !ok {
			// cancelled while committing
			continue
		}
		if gc.kind == backfill.CompleteFinished {
			d.removeCreating(job)
			inj.RemovePartialGraph(d.id, []types.JobID{job})
			d.logger.Info("snapshot backfill job finished", "job_id", job, "epoch", gc.info.Epoch)
			continue
		}
		ctrl.AckCompleted(gc.info.Epoch)
	}
}

// failInflight fails every command whose barrier is not durable.
func (d *DatabaseControl) failInflight(err error) {
	for _, info := range d.epochs {
		for _, sc := range info.commands {
			sc.finish(err)
		}
	}
	d.epochs = make(map[types.Epoch]*epochInfo)
}

// ============================================================================
// Queries
// ============================================================================

func (d *DatabaseControl) creatingIDs() []types.JobID {
	ids := make([]types.JobID, 0, len(d.creating))
	for id := range d.creating {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// progress lists the DDL progress of every creating job of the database.
func (d *DatabaseControl) progress() []backfill.DdlProgress {
	var out []backfill.DdlProgress
	for _, id := range d.creatingIDs() {
		out = append(out, d.creating[id].Progress())
	}
	for _, t := range d.tracking {
		out = append(out, t.progress())
	}
	slices.SortFunc(out, func(a, b backfill.DdlProgress) int { return cmp.Compare(a.JobID, b.JobID) })
	return out
}

// pinnedLogEpochs is, per upstream table, the oldest log checkpoint a
// creating job of the database may still replay.
func (d *DatabaseControl) pinnedLogEpochs(into map[types.TableID]types.Epoch) {
	for _, ctrl := range d.creating {
		pinned, ok := ctrl.PinnedUpstreamLogEpoch()
		if !ok {
			continue
		}
		for _, t := range ctrl.UpstreamTables() {
			if cur, ok := into[t]; !ok || pinned < cur {
				into[t] = pinned
			}
		}
	}
}

func keyCountDelta(resps []*types.BarrierCompleteResponse) map[types.TableID]int64 {
	var out map[types.TableID]int64
	for _, r := range resps {
		for t, n := range r.TableKeyCountDelta {
			if out == nil {
				out = make(map[types.TableID]int64)
			}
			out[t] += n
		}
	}
	return out
}
