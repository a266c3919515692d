// ============================================================================
// Barrier Coordinator
// ============================================================================
//
// Package: internal/barrier
// File: coordinator.go
// Purpose: The single loop that drives every database's barriers: it injects
// on a ticker or when commands arrive, fans worker responses in, hands
// collected batches to the store and triggers full recovery when a graph
// cannot make progress any more.
//
// Loop:
//
//	┌────────────┐ tick / command  ┌─────────────────┐ InjectBarrier ┌─────────┐
//	│ Coordinator│────────────────>│ DatabaseControl │──────────────>│ workers │
//	│   (loop)   │<─ Ready/Poll ───┴─────────────────┘<──────────────┴─────────┘
//	│            │── completion task (goroutine) ──> Store.CommitEpoch
//	└────────────┘<─ completed ────┘
//
// Everything except completion tasks and worker (re)connects runs on the
// loop goroutine; callers reach it through the Scheduler or submit().
//
// ============================================================================

package barrier

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ChuLiYu/epoch-barrier/internal/backfill"
	"github.com/ChuLiYu/epoch-barrier/internal/controlstream"
	"github.com/ChuLiYu/epoch-barrier/internal/meta"
	"github.com/ChuLiYu/epoch-barrier/internal/metrics"
	"github.com/ChuLiYu/epoch-barrier/internal/rpc"
	"github.com/ChuLiYu/epoch-barrier/pkg/types"
)

// ============================================================================
// Configuration
// ============================================================================

// Config tunes barrier cadence.
type Config struct {
	Interval            time.Duration `yaml:"interval"`
	CheckpointFrequency int           `yaml:"checkpoint_frequency"`
	MaxInflightBarriers int           `yaml:"max_inflight_barriers"`
	RecoveryMaxBackoff  time.Duration `yaml:"recovery_max_backoff"`
}

// DefaultConfig returns the production cadence.
func DefaultConfig() Config {
	return Config{
		Interval:            time.Second,
		CheckpointFrequency: 1,
		MaxInflightBarriers: 100,
		RecoveryMaxBackoff:  10 * time.Second,
	}
}

// Store is the persistence the coordinator commits to and recovers from.
// *meta.Manager implements it.
type Store interface {
	RecoverySnapshot(ctx context.Context) (types.SnapshotData, error)
	CommitEpoch(ctx context.Context, infos ...meta.CommitInfo) error
	AbortJob(ctx context.Context, id types.JobID, reason string) error
	TruncateTableLog(ctx context.Context, table types.TableID, before types.Epoch) error
	LoggedTables() []types.TableID
	VersionStats() map[types.TableID]types.TableStats
	Workers() []types.WorkerNode
}

// DatabaseStatus is a point-in-time view of one database.
type DatabaseStatus struct {
	DatabaseID       types.DatabaseID       `json:"database_id"`
	CommittedEpoch   types.Epoch            `json:"committed_epoch"`
	InflightBarriers int                    `json:"inflight_barriers"`
	Jobs             []types.JobID          `json:"jobs"`
	CreatingJobs     []backfill.DdlProgress `json:"creating_jobs,omitempty"`
	Paused           bool                   `json:"paused"`
}

type completionResult struct {
	task *completionTask
	err  error
}

// ============================================================================
// Coordinator
// ============================================================================

// Coordinator owns the barrier timelines of every database.
type Coordinator struct {
	cfg       Config
	store     Store
	control   *controlstream.Manager
	scheduler *Scheduler
	clock     clock.Clock
	metrics   *metrics.Collector
	logger    *slog.Logger

	databases   map[types.DatabaseID]*DatabaseControl
	termID      string
	generation  uint64
	outstanding int
	recovery    string

	completed     chan completionResult
	events        chan func(context.Context)
	recovered     chan struct{}
	recoveredOnce sync.Once
	stopped       chan struct{}
}

// NewCoordinator wires a coordinator. Run starts it.
func NewCoordinator(
	cfg Config,
	store Store,
	control *controlstream.Manager,
	scheduler *Scheduler,
	clk clock.Clock,
	m *metrics.Collector,
) *Coordinator {
	if cfg.CheckpointFrequency < 1 {
		cfg.CheckpointFrequency = 1
	}
	if cfg.MaxInflightBarriers < 1 {
		cfg.MaxInflightBarriers = 1
	}
	return &Coordinator{
		cfg:       cfg,
		store:     store,
		control:   control,
		scheduler: scheduler,
		clock:     clk,
		metrics:   m,
		logger:    slog.With("component", "barrier-coordinator"),
		databases: make(map[types.DatabaseID]*DatabaseControl),
		completed: make(chan completionResult, 16),
		events:    make(chan func(context.Context)),
		recovered: make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Recovered is closed once the first recovery finished and barriers flow.
func (c *Coordinator) Recovered() <-chan struct{} { return c.recovered }

// Run drives barriers until ctx is done. It recovers from the store first.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.stopped)
	defer c.scheduler.close(ErrCoordinatorStopped)

	c.recovery = "bootstrap"
	ticker := c.clock.Ticker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		if c.recovery != "" {
			if err := c.recover(ctx); err != nil {
				c.shutdown()
				return err
			}
		}
		c.pollResponses(ctx)
		c.startCompletions(ctx)
		if c.recovery != "" {
			continue
		}

		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case <-ticker.C:
			c.onTick(ctx)
		case <-c.scheduler.Notify():
			c.injectCommands(ctx)
		case <-c.control.Ready():
		case r := <-c.completed:
			c.onCompleted(r)
		case fn := <-c.events:
			fn(ctx)
		}
	}
}

func (c *Coordinator) shutdown() {
	c.waitCompletions()
	c.failInflight(ErrCoordinatorStopped)
	c.logger.Info("barrier coordinator stopped")
}

// submit runs fn on the loop goroutine and waits for it.
func (c *Coordinator) submit(ctx context.Context, fn func(context.Context)) error {
	done := make(chan struct{})
	wrapped := func(loopCtx context.Context) {
		defer close(done)
		fn(loopCtx)
	}
	select {
	case c.events <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrCoordinatorStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrCoordinatorStopped
	}
}

func (c *Coordinator) triggerRecovery(reason string) {
	if c.recovery == "" {
		c.logger.Warn("recovery triggered", "reason", reason)
		c.recovery = reason
	}
}

// ============================================================================
// Injection
// ============================================================================

func (c *Coordinator) onTick(ctx context.Context) {
	now := c.clock.Now()
	for _, id := range c.databaseIDs() {
		d := c.databases[id]
		if !d.canInject(c.cfg.MaxInflightBarriers) {
			continue
		}
		sc, _ := c.scheduler.pop(id)
		if err := d.inject(ctx, c.control, c.store.VersionStats, now, sc, c.cfg.CheckpointFrequency); err != nil {
			c.triggerRecovery(fmt.Sprintf("inject barrier into database %d: %v", id, err))
			return
		}
	}
	c.injectCommands(ctx)
}

// injectCommands gives every queued command its own barrier as long as the
// in-flight limit allows. Databases seen for the first time start with an
// initial barrier.
func (c *Coordinator) injectCommands(ctx context.Context) {
	for _, id := range c.scheduler.databases() {
		d, ok := c.databases[id]
		if !ok {
			var err error
			if d, err = c.addDatabase(ctx, id); err != nil {
				c.triggerRecovery(fmt.Sprintf("start database %d: %v", id, err))
				return
			}
		}
		for d.canInject(c.cfg.MaxInflightBarriers) {
			sc, ok := c.scheduler.pop(id)
			if !ok {
				break
			}
			if err := d.inject(ctx, c.control, c.store.VersionStats, c.clock.Now(), sc, c.cfg.CheckpointFrequency); err != nil {
				c.triggerRecovery(fmt.Sprintf("inject command %s into database %d: %v", sc.command.Name(), id, err))
				return
			}
		}
	}
}

func (c *Coordinator) addDatabase(ctx context.Context, id types.DatabaseID) (*DatabaseControl, error) {
	d := newDatabaseControl(id, types.NewGraphInfo(), nil, 0, c.metrics)
	if _, err := d.injectInitial(ctx, c.control, c.clock.Now(), nil); err != nil {
		return nil, err
	}
	c.databases[id] = d
	c.logger.Info("database started", "database_id", id)
	return d, nil
}

// ============================================================================
// Responses
// ============================================================================

// pollResponses drains every response available without blocking.
func (c *Coordinator) pollResponses(ctx context.Context) {
	for c.recovery == "" {
		resp, ok := c.control.PollNextResponse()
		if !ok {
			return
		}
		c.handleResponse(ctx, resp)
	}
}

func (c *Coordinator) handleResponse(ctx context.Context, resp controlstream.WorkerResponse) {
	if resp.Err != nil {
		c.onWorkerFailure(ctx, resp.WorkerID, resp.Err)
		return
	}
	r := resp.Response
	switch {
	case r.BarrierComplete != nil:
		complete := r.BarrierComplete
		complete.WorkerID = resp.WorkerID
		d, ok := c.databases[complete.DatabaseID]
		if !ok {
			c.logger.Warn("ignore response of unknown database", "database_id", complete.DatabaseID, "worker_id", resp.WorkerID)
			return
		}
		if job, merge := d.collect(complete); merge {
			c.scheduleMerge(d.id, job)
		}
	case r.ReportDatabaseFailure != nil:
		c.triggerRecovery(fmt.Sprintf("worker %d reported failure of database %d: %s",
			resp.WorkerID, r.ReportDatabaseFailure.DatabaseID, r.ReportDatabaseFailure.Reason))
	case r.ResetDatabase != nil:
		c.logger.Debug("database reset acknowledged", "worker_id", resp.WorkerID, "database_id", r.ResetDatabase.DatabaseID)
	}
}

// scheduleMerge queues the merge of a caught-up snapshot backfill job.
func (c *Coordinator) scheduleMerge(db types.DatabaseID, job types.JobID) {
	c.logger.Info("creating job caught up, schedule merge", "database_id", db, "job_id", job)
	done := c.scheduler.Schedule(db, MergeSnapshotBackfillStreamingJobs{JobIDs: []types.JobID{job}})
	go func() {
		if err := <-done; err != nil {
			c.logger.Warn("merge snapshot backfill job failed", "job_id", job, "error", err)
		}
	}()
}

// onWorkerFailure keeps going when every graph can tolerate the loss and
// recovers otherwise.
func (c *Coordinator) onWorkerFailure(ctx context.Context, w types.WorkerID, err error) {
	valid := true
	for _, id := range c.databaseIDs() {
		if !c.databases[id].isValidAfterWorkerErr(w) {
			valid = false
		}
	}
	if !valid {
		c.triggerRecovery(fmt.Sprintf("worker %d failed: %v", w, err))
		return
	}
	c.logger.Warn("worker without actors failed, reconnecting", "worker_id", w, "error", err)
	for _, node := range c.store.Workers() {
		if node.ID == w {
			c.connectWorker(ctx, node)
		}
	}
}

// connectWorker connects a worker in the background with the current graphs
// in its Init.
func (c *Coordinator) connectWorker(ctx context.Context, node types.WorkerNode) {
	init := c.initRequest()
	go func() {
		if err := c.control.AddWorker(ctx, node, init); err != nil {
			c.logger.Error("failed to connect worker", "worker_id", node.ID, "error", err)
		}
	}()
}

func (c *Coordinator) initRequest() *rpc.InitRequest {
	dbs := make([]controlstream.DatabaseGraphs, 0, len(c.databases))
	for _, id := range c.databaseIDs() {
		d := c.databases[id]
		g := controlstream.DatabaseGraphs{DatabaseID: id, CreatingJobs: d.creatingIDs()}
		for _, s := range d.subscriptions {
			g.Subscriptions = append(g.Subscriptions, s.UpstreamInfo())
		}
		for _, job := range g.CreatingJobs {
			g.Subscriptions = append(g.Subscriptions, jobSubscriptions(job, d.creating[job].UpstreamTables())...)
		}
		sortSubscriptions(g.Subscriptions)
		dbs = append(dbs, g)
	}
	return controlstream.BuildInitRequest(c.termID, dbs)
}

// ============================================================================
// Completion
// ============================================================================

func (c *Coordinator) startCompletions(ctx context.Context) {
	if c.recovery != "" {
		return
	}
	retention := c.logRetention()
	for _, id := range c.databaseIDs() {
		task := c.databases[id].startCompleting(c.generation)
		if task == nil {
			continue
		}
		c.outstanding++
		go c.runCompletion(ctx, task, retention)
	}
}

// runCompletion commits a task in a single store call and then truncates
// change logs nothing can replay any more.
func (c *Coordinator) runCompletion(ctx context.Context, task *completionTask, retention logRetention) {
	infos := make([]meta.CommitInfo, 0, len(task.commits))
	for _, gc := range task.commits {
		infos = append(infos, gc.info)
	}
	if err := c.store.CommitEpoch(ctx, infos...); err != nil {
		c.completed <- completionResult{task: task, err: fmt.Errorf("commit database %d: %w", task.database, err)}
		return
	}
	for _, t := range c.store.LoggedTables() {
		if _, ok := retention.subscribed[t]; ok {
			continue
		}
		before, ok := retention.pinned[t]
		if !ok {
			before = types.Epoch(math.MaxUint64)
		}
		if err := c.store.TruncateTableLog(ctx, t, before); err != nil {
			c.logger.Warn("failed to truncate table log", "table_id", t, "error", err)
		}
	}
	c.completed <- completionResult{task: task}
}

func (c *Coordinator) onCompleted(r completionResult) {
	c.outstanding--
	if r.task.generation != c.generation {
		c.finishStale(r)
		return
	}
	if r.err != nil {
		c.logger.Error("failed to commit epoch", "database_id", r.task.database, "error", r.err)
		c.triggerRecovery(r.err.Error())
		c.finishStale(r)
		return
	}
	d, ok := c.databases[r.task.database]
	if !ok {
		return
	}
	d.ackCompleted(r.task, c.control)
}

// finishStale settles the commands of a task that no database waits for any
// more. A task that committed is durable as a whole, so its commands succeed.
func (c *Coordinator) finishStale(r completionResult) {
	for _, gc := range r.task.commits {
		for _, sc := range gc.commands {
			if r.err != nil {
				sc.finish(fmt.Errorf("%w: %v", ErrRecovery, r.err))
			} else {
				sc.finish(nil)
			}
		}
	}
}

// waitCompletions blocks until every running completion task reported back.
func (c *Coordinator) waitCompletions() {
	for c.outstanding > 0 {
		r := <-c.completed
		c.outstanding--
		c.finishStale(r)
	}
}

type logRetention struct {
	subscribed map[types.TableID]struct{}
	pinned     map[types.TableID]types.Epoch
}

// logRetention is computed on the loop so that completion tasks never read
// database state.
func (c *Coordinator) logRetention() logRetention {
	r := logRetention{subscribed: make(map[types.TableID]struct{}), pinned: make(map[types.TableID]types.Epoch)}
	for _, d := range c.databases {
		for _, s := range d.subscriptions {
			r.subscribed[s.UpstreamTableID] = struct{}{}
		}
		d.pinnedLogEpochs(r.pinned)
	}
	return r
}

func (c *Coordinator) failInflight(err error) {
	for _, d := range c.databases {
		d.failInflight(err)
	}
	c.scheduler.failAll(err)
}

// ============================================================================
// Queries
// ============================================================================

// Status returns a view of every database.
func (c *Coordinator) Status(ctx context.Context) ([]DatabaseStatus, error) {
	var out []DatabaseStatus
	err := c.submit(ctx, func(context.Context) {
		for _, id := range c.databaseIDs() {
			d := c.databases[id]
			committed, _ := d.ledger.LastCommitted()
			s := DatabaseStatus{
				DatabaseID:       id,
				CommittedEpoch:   committed,
				InflightBarriers: d.ledger.PendingEpochs(),
				CreatingJobs:     d.progress(),
				Paused:           d.paused,
			}
			for job := range d.graph.Jobs {
				s.Jobs = append(s.Jobs, job)
			}
			slices.Sort(s.Jobs)
			out = append(out, s)
		}
	})
	return out, err
}

// CreatingJobsProgress lists the DDL progress of every creating job.
func (c *Coordinator) CreatingJobsProgress(ctx context.Context) ([]backfill.DdlProgress, error) {
	var out []backfill.DdlProgress
	err := c.submit(ctx, func(context.Context) {
		for _, id := range c.databaseIDs() {
			out = append(out, c.databases[id].progress()...)
		}
	})
	return out, err
}

// AddWorker connects a worker that joined the cluster.
func (c *Coordinator) AddWorker(ctx context.Context, node types.WorkerNode) error {
	return c.submit(ctx, func(loopCtx context.Context) {
		c.connectWorker(loopCtx, node)
	})
}

// RemoveWorker disconnects a worker that left the cluster. The cluster
// recovers when any graph, steady or creating, has actors on it or still
// waits for its response.
func (c *Coordinator) RemoveWorker(ctx context.Context, id types.WorkerID) error {
	return c.submit(ctx, func(context.Context) {
		c.control.RemoveWorker(id)
		for _, db := range c.databaseIDs() {
			if c.databases[db].ownsActorsOn(id) {
				c.triggerRecovery(fmt.Sprintf("worker %d removed while owning actors", id))
				return
			}
		}
		valid := true
		for _, db := range c.databaseIDs() {
			if !c.databases[db].isValidAfterWorkerErr(id) {
				valid = false
			}
		}
		if !valid {
			c.triggerRecovery(fmt.Sprintf("worker %d removed with barriers in flight", id))
		}
	})
}

// Recover forces a full recovery.
func (c *Coordinator) Recover(ctx context.Context, reason string) error {
	return c.submit(ctx, func(context.Context) { c.triggerRecovery(reason) })
}

func (c *Coordinator) databaseIDs() []types.DatabaseID {
	ids := make([]types.DatabaseID, 0, len(c.databases))
	for id := range c.databases {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func sortSubscriptions(subs []types.SubscriptionUpstreamInfo) {
	slices.SortFunc(subs, func(a, b types.SubscriptionUpstreamInfo) int {
		return cmp.Or(cmp.Compare(a.SubscriberID, b.SubscriberID), cmp.Compare(a.UpstreamTableID, b.UpstreamTableID))
	})
}
