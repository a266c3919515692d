package barrier

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/ChuLiYu/epoch-barrier/internal/backfill"
	"github.com/ChuLiYu/epoch-barrier/internal/controlstream"
	"github.com/ChuLiYu/epoch-barrier/pkg/types"
)

// recover rebuilds every database from the store under a new term. It
// retries until it succeeds or ctx is done.
func (c *Coordinator) recover(ctx context.Context) error {
	start := c.clock.Now()
	reason := c.recovery
	c.logger.Info("start recovery", "reason", reason)

	c.waitCompletions()
	c.failInflight(fmt.Errorf("%w: %s", ErrRecovery, reason))
	c.databases = make(map[types.DatabaseID]*DatabaseControl)
	c.generation++

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxInterval(c.cfg.RecoveryMaxBackoff),
		backoff.WithMaxElapsedTime(0),
	)
	err := backoff.RetryNotify(func() error {
		return c.recoverOnce(ctx)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		c.logger.Error("recovery attempt failed, retrying", "next", next, "error", err)
	})
	if err != nil {
		return err
	}

	c.recovery = ""
	elapsed := c.clock.Since(start)
	c.metrics.RecordRecovery(elapsed.Seconds())
	c.logger.Info("recovery finished", "term_id", c.termID, "databases", len(c.databases), "elapsed", elapsed)
	c.recoveredOnce.Do(func() { close(c.recovered) })
	return nil
}

// recoverOnce is one recovery attempt. On failure the partially rebuilt
// databases are dropped and the next attempt starts from scratch.
func (c *Coordinator) recoverOnce(ctx context.Context) error {
	c.databases = make(map[types.DatabaseID]*DatabaseControl)

	snap, err := c.store.RecoverySnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load recovery snapshot: %w", err)
	}
	if err := c.abortUnrecoverableJobs(ctx, &snap); err != nil {
		return err
	}

	plans := planDatabases(snap)
	c.termID = uuid.NewString()

	dbs := make([]controlstream.DatabaseGraphs, 0, len(plans))
	for _, p := range plans {
		dbs = append(dbs, p.initGraphs())
	}
	init := controlstream.BuildInitRequest(c.termID, dbs)
	failed := c.control.Reset(ctx, c.store.Workers(), init)
	for w, werr := range failed {
		for _, p := range plans {
			if p.graph.ContainsWorker(w) || p.creatingOn(w) {
				return fmt.Errorf("worker %d owns actors but cannot be reached: %w", w, werr)
			}
		}
		c.logger.Warn("worker without actors unreachable after reset", "worker_id", w, "error", werr)
	}

	now := c.clock.Now()
	for _, p := range plans {
		d := newDatabaseControl(p.id, p.graph, p.subscriptions, p.committed, c.metrics)
		barrier, err := d.injectInitial(ctx, c.control, now, p.steadyJobs)
		if err != nil {
			return fmt.Errorf("inject initial barrier into database %d: %w", p.id, err)
		}
		for _, job := range p.backgroundJobs {
			if t := newCreateTracker(job); !t.finished() {
				d.tracking[job.ID] = t
			}
		}
		for _, job := range p.creatingJobs {
			ctrl, err := backfill.Recover(ctx, recoverInfo(job, snap, barrier.Curr), snap.VersionStats, c.control, c.metrics)
			if err != nil {
				return fmt.Errorf("recover creating job %d: %w", job.ID, err)
			}
			d.creating[job.ID] = ctrl
		}
		c.databases[p.id] = d
	}

	// workers that missed the reset join in the background
	for _, w := range c.store.Workers() {
		if _, ok := failed[w.ID]; ok {
			c.connectWorker(ctx, w)
		}
	}
	return nil
}

// abortUnrecoverableJobs drops creating jobs a recovery cannot resume:
// foreground jobs, snapshot backfill jobs without a durable first checkpoint
// and jobs whose upstream change log no longer reaches their progress.
func (c *Coordinator) abortUnrecoverableJobs(ctx context.Context, snap *types.SnapshotData) error {
	ids := make([]types.JobID, 0, len(snap.Jobs))
	for id, job := range snap.Jobs {
		if job.Status == types.JobCreating {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	for _, id := range ids {
		job := snap.Jobs[id]
		reason := ""
		switch {
		case job.CreateType == types.CreateTypeForeground:
			reason = "foreground job interrupted by recovery"
		case job.Type != types.JobTypeSnapshotBackfill:
		case !job.FirstCommitted:
			reason = "snapshot backfill job never committed"
		default:
			if err := backfill.CheckRecoverable(recoverInfo(job, *snap, 0)); err != nil {
				reason = err.Error()
			}
		}
		if reason == "" {
			continue
		}
		c.logger.Warn("abort creating job during recovery", "job_id", id, "reason", reason)
		if err := c.store.AbortJob(ctx, id, reason); err != nil {
			return fmt.Errorf("abort job %d: %w", id, err)
		}
		delete(snap.Jobs, id)
	}
	return nil
}

func recoverInfo(job *types.StreamingJob, snap types.SnapshotData, upstreamCurr types.Epoch) backfill.RecoverInfo {
	return backfill.RecoverInfo{
		Info: backfill.Info{
			DatabaseID:     job.DatabaseID,
			Job:            job.Graph,
			Definition:     job.Definition,
			CreateType:     job.CreateType,
			UpstreamTables: job.UpstreamTables,
			BackfillOrder:  backfill.Order(job.BackfillOrder),
			InitSplits:     job.Splits,
		},
		BackfillEpoch:     job.BackfillEpoch,
		CommittedEpoch:    jobCommittedEpoch(job, snap),
		UpstreamLogEpochs: snap.TableLogs,
		UpstreamCurrEpoch: upstreamCurr,
	}
}

// jobCommittedEpoch is the oldest committed epoch over the job's state
// tables. Tables without a commit count as zero.
func jobCommittedEpoch(job *types.StreamingJob, snap types.SnapshotData) types.Epoch {
	tables := job.Graph.StateTableIDs()
	if len(tables) == 0 {
		return 0
	}
	committed := types.Epoch(0)
	for i, t := range tables {
		e := snap.CommittedEpochs[t]
		if i == 0 || e < committed {
			committed = e
		}
	}
	return committed
}

// ============================================================================
// Recovery plan
// ============================================================================

// databasePlan is what a database is rebuilt from.
type databasePlan struct {
	id            types.DatabaseID
	committed     types.Epoch
	graph         *types.GraphInfo
	subscriptions []types.Subscription
	// steadyJobs run in the steady graph, including background jobs still
	// backfilling there.
	steadyJobs     []*types.StreamingJob
	backgroundJobs []*types.StreamingJob
	creatingJobs   []*types.StreamingJob
}

func (p *databasePlan) creatingOn(w types.WorkerID) bool {
	for _, job := range p.creatingJobs {
		g := types.NewGraphInfo()
		g.AddJob(job.Graph)
		if g.ContainsWorker(w) {
			return true
		}
	}
	return false
}

func (p *databasePlan) initGraphs() controlstream.DatabaseGraphs {
	g := controlstream.DatabaseGraphs{DatabaseID: p.id}
	for _, s := range p.subscriptions {
		g.Subscriptions = append(g.Subscriptions, s.UpstreamInfo())
	}
	for _, job := range p.creatingJobs {
		g.CreatingJobs = append(g.CreatingJobs, job.ID)
		g.Subscriptions = append(g.Subscriptions, jobSubscriptions(job.ID, job.UpstreamTables)...)
	}
	sortSubscriptions(g.Subscriptions)
	return g
}

// planDatabases groups the persisted catalog by database.
func planDatabases(snap types.SnapshotData) []*databasePlan {
	plans := make(map[types.DatabaseID]*databasePlan)
	get := func(id types.DatabaseID) *databasePlan {
		p, ok := plans[id]
		if !ok {
			p = &databasePlan{id: id, committed: snap.DatabaseEpochs[id], graph: types.NewGraphInfo()}
			plans[id] = p
		}
		return p
	}
	for id := range snap.DatabaseEpochs {
		get(id)
	}

	jobIDs := make([]types.JobID, 0, len(snap.Jobs))
	for id := range snap.Jobs {
		jobIDs = append(jobIDs, id)
	}
	slices.Sort(jobIDs)
	for _, id := range jobIDs {
		job := snap.Jobs[id]
		p := get(job.DatabaseID)
		switch {
		case job.Status == types.JobCreated:
			p.graph.AddJob(job.Graph.Clone())
			p.steadyJobs = append(p.steadyJobs, job)
		case job.Type == types.JobTypeSnapshotBackfill:
			p.creatingJobs = append(p.creatingJobs, job)
		default:
			p.graph.AddJob(job.Graph.Clone())
			p.steadyJobs = append(p.steadyJobs, job)
			p.backgroundJobs = append(p.backgroundJobs, job)
		}
	}

	subIDs := make([]types.SubscriberID, 0, len(snap.Subscriptions))
	for id := range snap.Subscriptions {
		subIDs = append(subIDs, id)
	}
	slices.Sort(subIDs)
	for _, id := range subIDs {
		s := snap.Subscriptions[id]
		p := get(s.DatabaseID)
		p.subscriptions = append(p.subscriptions, s)
	}

	out := make([]*databasePlan, 0, len(plans))
	for _, p := range plans {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b *databasePlan) int { return cmp.Compare(a.id, b.id) })
	return out
}
