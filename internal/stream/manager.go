// ============================================================================
// Global Stream Manager
// ============================================================================
//
// 職責：串流作業的生命週期入口 (DDL)。
//
//	CreateStreamingJob:
//	  catalog.CreateJob ──> AllocateSplits ──> RunCommand(CreateStreamingJob)
//	     ──> WaitStreamingJobFinished ──> ApplySourceChange ──> Created{version}
//
//	CancelStreamingJobs:
//	  tracked job   ──Canceling{result}──> creation loop
//	                    ├─ still queued  ──> TryCancelScheduledCreate
//	                    └─ injected      ──> AbortJob + RunCommand(CancelStreamJob)
//	  recovered job ──> AbortJob + RunCommand(CancelStreamJob)
//
// Creation and cancellation hold the reschedule lock for reading,
// rescheduling holds it for writing.
//
// ============================================================================

package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ChuLiYu/epoch-barrier/internal/backfill"
	"github.com/ChuLiYu/epoch-barrier/internal/barrier"
	"github.com/ChuLiYu/epoch-barrier/internal/meta"
	"github.com/ChuLiYu/epoch-barrier/internal/metrics"
	"github.com/ChuLiYu/epoch-barrier/internal/scale"
	"github.com/ChuLiYu/epoch-barrier/internal/source"
	"github.com/ChuLiYu/epoch-barrier/pkg/types"
)

// creatingStateBuffer bounds the messages queued for one creation.
const creatingStateBuffer = 10

var (
	// ErrJobCanceled is returned to the creator of a canceled job.
	ErrJobCanceled = errors.New("stream: job canceled")
	// ErrJobNotFound is returned for unknown jobs.
	ErrJobNotFound = errors.New("stream: job not found")
	// ErrInvalidParameter wraps every ValidationError.
	ErrInvalidParameter = errors.New("stream: invalid parameter")
)

// ValidationError rejects a request before anything changed.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid parameter: " + e.Reason }

// Is matches ErrInvalidParameter.
func (e *ValidationError) Is(target error) bool { return target == ErrInvalidParameter }

func invalidf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Store is the catalog the manager works on. *meta.Manager implements it.
type Store interface {
	CreateJob(ctx context.Context, job *types.StreamingJob) error
	UpdateJob(ctx context.Context, job *types.StreamingJob) error
	AbortJob(ctx context.Context, id types.JobID, reason string) error
	DropJobs(ctx context.Context, ids []types.JobID) ([]types.TableID, error)
	GetJob(id types.JobID) (*types.StreamingJob, bool)
	ListJobs(db types.DatabaseID) []*types.StreamingJob
	CreatingJobs() []*types.StreamingJob
	WaitStreamingJobFinished(ctx context.Context, id types.JobID) (uint64, error)
	NotificationVersion() uint64
	AddSubscription(ctx context.Context, sub types.Subscription) error
	DropSubscription(ctx context.Context, id types.SubscriberID) (types.Subscription, error)
	GetSubscription(id types.SubscriberID) (types.Subscription, bool)
	Workers() []types.WorkerNode
	AvailableParallelism() int
	Notifier() *meta.Notifier
}

// CommandRunner runs commands on the barrier timeline. *barrier.Scheduler
// implements it.
type CommandRunner interface {
	RunCommand(ctx context.Context, db types.DatabaseID, cmd barrier.Command) error
	TryCancelScheduledCreate(db types.DatabaseID, job types.JobID) bool
}

// ProgressReporter reports the progress of creating jobs. *barrier.Coordinator
// implements it.
type ProgressReporter interface {
	CreatingJobsProgress(ctx context.Context) ([]backfill.DdlProgress, error)
}

// ============================================================================
// Creating State
// ============================================================================

// creatingState is one of Failed, Canceling and Created.
type creatingState interface{ isCreatingState() }

// Failed ends a creation with an error.
type Failed struct{ Err error }

// Canceling asks the creation loop to cancel. The loop reports on Result
// whether the job was canceled.
type Canceling struct{ Result chan<- bool }

// Created ends a creation with the catalog version the job became visible at.
type Created struct{ Version uint64 }

func (Failed) isCreatingState()    {}
func (Canceling) isCreatingState() {}
func (Created) isCreatingState()   {}

type execution struct {
	jobID    types.JobID
	db       types.DatabaseID
	states   chan creatingState
	canceled bool
}

type creatingJobs struct {
	mu   sync.Mutex
	jobs map[types.JobID]*execution
}

func (c *creatingJobs) add(e *execution) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs[e.jobID] = e
}

// finish stops tracking e and answers cancellations that arrived after the
// creation ended.
func (c *creatingJobs) finish(e *execution) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.jobs, e.jobID)
	for {
		select {
		case s := <-e.states:
			if cancel, ok := s.(Canceling); ok {
				cancel.Result <- false
			}
		default:
			return
		}
	}
}

// cancel sends Canceling to tracked jobs and returns their result channels
// together with the ids nobody tracks. A job is asked at most once.
func (c *creatingJobs) cancel(ids []types.JobID) (map[types.JobID]<-chan bool, []types.JobID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	receivers := make(map[types.JobID]<-chan bool)
	var recovered []types.JobID
	for _, id := range ids {
		e, ok := c.jobs[id]
		if !ok {
			recovered = append(recovered, id)
			continue
		}
		if e.canceled {
			continue
		}
		result := make(chan bool, 1)
		select {
		case e.states <- Canceling{Result: result}:
			e.canceled = true
			receivers[id] = result
		default:
		}
	}
	return receivers, recovered
}

// ============================================================================
// Manager
// ============================================================================

// Manager is the entry point of every DDL on streaming jobs.
type Manager struct {
	store    Store
	runner   CommandRunner
	progress ProgressReporter
	sources  *source.Manager
	scale    *scale.Controller
	metrics  *metrics.Collector
	logger   *slog.Logger

	creating     creatingJobs
	rescheduleMu sync.RWMutex
	createGroup  singleflight.Group
}

// NewManager wires a stream manager.
func NewManager(store Store, runner CommandRunner, progress ProgressReporter, sources *source.Manager, m *metrics.Collector) *Manager {
	return &Manager{
		store:    store,
		runner:   runner,
		progress: progress,
		sources:  sources,
		scale:    scale.NewController(store),
		metrics:  m,
		logger:   slog.With("component", "stream-manager"),
		creating: creatingJobs{jobs: make(map[types.JobID]*execution)},
	}
}

// Sources exposes the source manager.
func (m *Manager) Sources() *source.Manager { return m.sources }

// CreateStreamingJob registers the job and blocks until its first
// checkpoint is durable, it fails, or it is canceled. Concurrent calls for
// the same job share one creation.
func (m *Manager) CreateStreamingJob(ctx context.Context, job *types.StreamingJob) (uint64, error) {
	v, err, _ := m.createGroup.Do(strconv.FormatUint(uint64(job.ID), 10), func() (any, error) {
		m.rescheduleMu.RLock()
		defer m.rescheduleMu.RUnlock()
		return m.createStreamingJob(ctx, job)
	})
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}

func (m *Manager) createStreamingJob(ctx context.Context, job *types.StreamingJob) (uint64, error) {
	if !types.ValidJobID(job.ID) {
		return 0, invalidf("job id %d is reserved", job.ID)
	}
	if job.Graph == nil {
		return 0, invalidf("job %d has no fragment graph", job.ID)
	}
	job = job.Clone()
	job.Graph.JobID = job.ID
	job.Graph.DatabaseID = job.DatabaseID

	splits, err := m.sources.AllocateSplits(job.Graph)
	if err != nil {
		return 0, err
	}
	job.Splits = splits
	if err := m.store.CreateJob(ctx, job); err != nil {
		m.sources.DropFragments(fragmentIDs(job.Graph))
		return 0, err
	}

	e := &execution{jobID: job.ID, db: job.DatabaseID, states: make(chan creatingState, creatingStateBuffer)}
	m.creating.add(e)
	defer m.creating.finish(e)
	m.metrics.AddJobExecution(1)
	defer m.metrics.AddJobExecution(-1)
	m.logger.Info("creating streaming job", "job_id", job.ID, "name", job.Name, "type", job.Type, "create_type", job.CreateType)

	// the creation outlives the caller's cancellation; cancel goes through
	// CancelStreamingJobs
	go m.runCreation(context.WithoutCancel(ctx), job, e.states)

	for state := range e.states {
		switch s := state.(type) {
		case Failed:
			m.cleanupFailed(job, s.Err)
			return 0, s.Err

		case Canceling:
			canceled, err := m.cancelCreating(ctx, job)
			if err != nil {
				m.logger.Error("failed to cancel streaming job", "job_id", job.ID, "error", err)
			}
			if !canceled {
				s.Result <- false
				continue
			}
			s.Result <- true
			m.sources.DropFragments(fragmentIDs(job.Graph))
			return 0, fmt.Errorf("%w: %d", ErrJobCanceled, job.ID)

		case Created:
			m.logger.Info("streaming job created", "job_id", job.ID, "version", s.Version)
			return s.Version, nil
		}
	}
	return 0, fmt.Errorf("%w: %d", ErrJobNotFound, job.ID)
}

// runCreation drives the barrier side of a creation and reports the outcome.
func (m *Manager) runCreation(ctx context.Context, job *types.StreamingJob, states chan<- creatingState) {
	report := func(s creatingState) {
		select {
		case states <- s:
		default:
			m.logger.Warn("creation outcome dropped", "job_id", job.ID)
		}
	}
	if err := m.runner.RunCommand(ctx, job.DatabaseID, barrier.CreateStreamingJob{Job: job}); err != nil {
		report(Failed{Err: fmt.Errorf("create job %d: %w", job.ID, err)})
		return
	}
	version, err := m.store.WaitStreamingJobFinished(ctx, job.ID)
	if err != nil {
		report(Failed{Err: fmt.Errorf("wait job %d: %w", job.ID, err)})
		return
	}
	var finished []types.FragmentID
	for _, f := range job.Graph.FragmentInfos() {
		if f.TypeMask.Has(types.FragmentSourceScan) {
			finished = append(finished, f.ID)
		}
	}
	m.sources.ApplySourceChange(source.Change{FinishedBackfillFragments: finished})
	report(Created{Version: version})
}

// cancelCreating cancels a job this manager is creating. It reports false
// when the job already became visible.
func (m *Manager) cancelCreating(ctx context.Context, job *types.StreamingJob) (bool, error) {
	if m.runner.TryCancelScheduledCreate(job.DatabaseID, job.ID) {
		m.logger.Info("canceled scheduled creation", "job_id", job.ID)
		return true, m.store.AbortJob(ctx, job.ID, "canceled")
	}
	cur, ok := m.store.GetJob(job.ID)
	if ok && cur.Status == types.JobCreated {
		return false, nil
	}
	if err := m.store.AbortJob(ctx, job.ID, "canceled"); err != nil {
		return false, err
	}
	if err := m.runner.RunCommand(ctx, job.DatabaseID, barrier.CancelStreamJob{JobID: job.ID}); err != nil {
		return true, err
	}
	return true, nil
}

func (m *Manager) cleanupFailed(job *types.StreamingJob, cause error) {
	m.logger.Error("failed to create streaming job", "job_id", job.ID, "error", cause)
	m.sources.DropFragments(fragmentIDs(job.Graph))
	if err := m.store.AbortJob(context.Background(), job.ID, cause.Error()); err != nil && !errors.Is(err, meta.ErrJobNotCreating) {
		m.logger.Warn("failed to abort job after creation failure", "job_id", job.ID, "error", err)
	}
}

// CancelStreamingJobs cancels creating jobs and returns the ids that were
// canceled. Jobs created by an earlier meta term are canceled through the
// catalog and a CancelStreamJob command.
func (m *Manager) CancelStreamingJobs(ctx context.Context, ids []types.JobID) []types.JobID {
	m.rescheduleMu.RLock()
	defer m.rescheduleMu.RUnlock()

	receivers, recovered := m.creating.cancel(ids)

	var mu sync.Mutex
	var canceled []types.JobID
	var g errgroup.Group
	for id, result := range receivers {
		g.Go(func() error {
			select {
			case ok := <-result:
				if ok {
					mu.Lock()
					canceled = append(canceled, id)
					mu.Unlock()
				} else {
					m.logger.Warn("streaming job finished before cancellation", "job_id", id)
				}
			case <-ctx.Done():
			}
			return nil
		})
	}
	for _, id := range recovered {
		g.Go(func() error {
			if err := m.cancelRecovered(ctx, id); err != nil {
				m.logger.Error("failed to cancel recovered streaming job", "job_id", id, "error", err)
				return nil
			}
			mu.Lock()
			canceled = append(canceled, id)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	slices.Sort(canceled)
	return canceled
}

func (m *Manager) cancelRecovered(ctx context.Context, id types.JobID) error {
	job, ok := m.store.GetJob(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrJobNotFound, id)
	}
	if job.Status == types.JobCreated {
		return fmt.Errorf("%w: %d is already created", meta.ErrJobNotCreating, id)
	}
	if err := m.store.AbortJob(ctx, id, "canceled"); err != nil {
		return err
	}
	if job.Graph != nil {
		m.sources.DropFragments(fragmentIDs(job.Graph))
	}
	return m.runner.RunCommand(ctx, job.DatabaseID, barrier.CancelStreamJob{JobID: id})
}

// ============================================================================
// Drop / Replace
// ============================================================================

// DropStreamingJobs stops created jobs and removes them from the catalog.
// Catalog cleanup only happens once the drop barrier committed.
func (m *Manager) DropStreamingJobs(ctx context.Context, db types.DatabaseID, ids []types.JobID) error {
	if len(ids) == 0 {
		return nil
	}
	var fragments []types.FragmentID
	for _, id := range ids {
		job, ok := m.store.GetJob(id)
		if !ok {
			return fmt.Errorf("%w: %d", ErrJobNotFound, id)
		}
		if job.DatabaseID != db {
			return invalidf("job %d belongs to database %d", id, job.DatabaseID)
		}
		if job.Graph != nil {
			fragments = append(fragments, fragmentIDs(job.Graph)...)
		}
	}
	if err := m.runner.RunCommand(ctx, db, barrier.DropStreamingJobs{JobIDs: ids}); err != nil {
		m.logger.Error("failed to drop streaming jobs", "jobs", ids, "error", err)
		return err
	}
	tables, err := m.store.DropJobs(ctx, ids)
	if err != nil {
		return fmt.Errorf("drop jobs from catalog: %w", err)
	}
	m.sources.DropFragments(fragments)
	m.store.Notifier().NotifyDeleted(m.store.NotificationVersion(), ids, tables)
	m.logger.Info("streaming jobs dropped", "jobs", ids, "tables", len(tables))
	return nil
}

// ReplaceStreamJob swaps the fragment graph of a created job.
func (m *Manager) ReplaceStreamJob(ctx context.Context, id types.JobID, graph *types.JobInfo) error {
	m.rescheduleMu.RLock()
	defer m.rescheduleMu.RUnlock()

	job, ok := m.store.GetJob(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrJobNotFound, id)
	}
	if job.Status != types.JobCreated {
		return invalidf("job %d is still creating", id)
	}
	graph = graph.Clone()
	graph.JobID = id
	graph.DatabaseID = job.DatabaseID
	splits, err := m.sources.AllocateSplits(graph)
	if err != nil {
		return err
	}
	cmd := barrier.ReplaceStreamJob{JobID: id, NewGraph: graph, Splits: splits}
	if err := m.runner.RunCommand(ctx, job.DatabaseID, cmd); err != nil {
		m.sources.DropFragments(staleFragments(graph, job.Graph))
		return err
	}
	old := job.Graph
	job.Graph = graph
	job.Splits = splits
	if err := m.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	if old != nil {
		m.sources.DropFragments(staleFragments(old, graph))
	}
	m.logger.Info("streaming job replaced", "job_id", id, "fragments", len(graph.Fragments))
	return nil
}

// ============================================================================
// Subscriptions
// ============================================================================

// CreateSubscription registers a subscription and starts logging its
// upstream table.
func (m *Manager) CreateSubscription(ctx context.Context, sub types.Subscription) error {
	if err := m.store.AddSubscription(ctx, sub); err != nil {
		return err
	}
	if err := m.runner.RunCommand(ctx, sub.DatabaseID, barrier.CreateSubscription{Subscription: sub}); err != nil {
		if _, derr := m.store.DropSubscription(context.WithoutCancel(ctx), sub.ID); derr != nil {
			m.logger.Warn("failed to roll back subscription", "subscription_id", sub.ID, "error", derr)
		}
		return err
	}
	m.logger.Info("subscription created", "subscription_id", sub.ID, "upstream_table", sub.UpstreamTableID)
	return nil
}

// DropSubscription stops logging for a subscription and removes it.
func (m *Manager) DropSubscription(ctx context.Context, id types.SubscriberID) error {
	sub, ok := m.store.GetSubscription(id)
	if !ok {
		return fmt.Errorf("%w: %d", meta.ErrSubscriptionNotFound, id)
	}
	if err := m.runner.RunCommand(ctx, sub.DatabaseID, barrier.DropSubscription{Subscription: sub}); err != nil {
		m.logger.Error("failed to drop subscription", "subscription_id", id, "error", err)
		return err
	}
	_, err := m.store.DropSubscription(ctx, id)
	return err
}

// ============================================================================
// Progress / Sources
// ============================================================================

// ListCreatingJobs reports the progress of every creating job.
func (m *Manager) ListCreatingJobs(ctx context.Context) ([]backfill.DdlProgress, error) {
	return m.progress.CreatingJobsProgress(ctx)
}

// SplitChange adds splits to a source and pushes the new assignment to every
// database reading it.
func (m *Manager) SplitChange(ctx context.Context, name string, splits []string) error {
	changes, err := m.sources.AddSplits(name, splits)
	if err != nil {
		return err
	}
	dbs := make([]types.DatabaseID, 0, len(changes))
	for db := range changes {
		dbs = append(dbs, db)
	}
	slices.Sort(dbs)
	for _, db := range dbs {
		if err := m.runner.RunCommand(ctx, db, barrier.SourceChangeSplit{Splits: changes[db]}); err != nil {
			return fmt.Errorf("change splits of database %d: %w", db, err)
		}
	}
	return nil
}

func fragmentIDs(job *types.JobInfo) []types.FragmentID {
	out := make([]types.FragmentID, 0, len(job.Fragments))
	for id := range job.Fragments {
		out = append(out, id)
	}
	return out
}

// staleFragments lists fragments of from that are missing in to.
func staleFragments(from, to *types.JobInfo) []types.FragmentID {
	var out []types.FragmentID
	for id := range from.Fragments {
		if to == nil || to.Fragments[id] == nil {
			out = append(out, id)
		}
	}
	return out
}
