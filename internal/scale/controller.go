// ============================================================================
// Scale Controller
// ============================================================================
//
// 職責：把作業的目標並行度轉成逐 fragment 的 actor 增刪計畫。
//
//	target parallelism ──resolve──> n actors per fragment
//	                   ──place────> per-worker quota (weighted by worker parallelism)
//	                   ──diff─────> FragmentReschedule{Added, Removed}
//
// Plans only describe the change. The barrier coordinator applies them to the
// in-flight graph and PostApply records the result in the catalog.
//
// ============================================================================

package scale

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/ChuLiYu/epoch-barrier/internal/barrier"
	"github.com/ChuLiYu/epoch-barrier/pkg/types"
)

var (
	// ErrNoSchedulableWorkers is returned when no compute node accepts actors.
	ErrNoSchedulableWorkers = errors.New("scale: no schedulable worker")
	// ErrJobNotFound is returned for jobs missing from the catalog.
	ErrJobNotFound = errors.New("scale: job not found")
)

// Store is the catalog view the controller needs.
type Store interface {
	GetJob(id types.JobID) (*types.StreamingJob, bool)
	ListJobs(db types.DatabaseID) []*types.StreamingJob
	UpdateJob(ctx context.Context, job *types.StreamingJob) error
	Workers() []types.WorkerNode
}

// Plan is the reschedule of one job.
type Plan struct {
	JobID       types.JobID
	DatabaseID  types.DatabaseID
	Parallelism types.Parallelism
	Fragments   map[types.FragmentID]barrier.FragmentReschedule
}

// IsEmpty reports whether the plan moves no actor.
func (p Plan) IsEmpty() bool {
	for _, r := range p.Fragments {
		if len(r.Added) > 0 || len(r.Removed) > 0 {
			return false
		}
	}
	return true
}

// Controller generates and applies reschedule plans.
type Controller struct {
	store Store

	mu        sync.Mutex
	nextActor types.ActorID
	logger    *slog.Logger
}

// NewController creates a controller over the catalog.
func NewController(store Store) *Controller {
	return &Controller{
		store:  store,
		logger: slog.With("component", "scale-controller"),
	}
}

// Resolve turns a parallelism setting into an actor count per fragment.
func Resolve(p types.Parallelism, available, maxParallelism int) int {
	n := available
	if p.Kind == types.ParallelismFixed {
		n = p.N
	}
	if maxParallelism > 0 && n > maxParallelism {
		n = maxParallelism
	}
	return max(n, 1)
}

// GeneratePlan computes the actor changes that bring every fragment of the
// job to the target parallelism over the schedulable workers.
func (c *Controller) GeneratePlan(id types.JobID, target types.Parallelism) (Plan, error) {
	job, ok := c.store.GetJob(id)
	if !ok || job.Graph == nil {
		return Plan{}, fmt.Errorf("%w: %d", ErrJobNotFound, id)
	}
	var workers []types.WorkerNode
	available := 0
	for _, w := range c.store.Workers() {
		if w.Schedulable && w.Parallelism > 0 {
			workers = append(workers, w)
			available += w.Parallelism
		}
	}
	if len(workers) == 0 {
		return Plan{}, ErrNoSchedulableWorkers
	}

	n := Resolve(target, available, job.MaxParallelism)
	quota := placement(workers, n)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.initActorIDs()

	plan := Plan{
		JobID:       id,
		DatabaseID:  job.DatabaseID,
		Parallelism: target,
		Fragments:   make(map[types.FragmentID]barrier.FragmentReschedule),
	}
	for _, f := range job.Graph.FragmentInfos() {
		r := c.diff(f, quota)
		if len(r.Added) == 0 && len(r.Removed) == 0 {
			continue
		}
		plan.Fragments[f.ID] = r
	}
	c.logger.Info("reschedule plan generated",
		"job_id", id, "target", target.String(), "actors_per_fragment", n, "fragments", len(plan.Fragments))
	return plan, nil
}

// PostApply records a plan in the catalog once its barrier committed. An
// empty plan only updates the job's parallelism setting.
func (c *Controller) PostApply(ctx context.Context, plan Plan) error {
	job, ok := c.store.GetJob(plan.JobID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrJobNotFound, plan.JobID)
	}
	if job.Graph != nil {
		graph := types.NewGraphInfo()
		graph.AddJob(job.Graph)
		for fid, r := range plan.Fragments {
			graph.ApplyReschedule(fid, r.Added, r.Removed)
		}
	}
	job.Parallelism = plan.Parallelism
	return c.store.UpdateJob(ctx, job)
}

// RelatedJobs returns the ids among candidates that share data with job:
// either one reads the other's tables.
func RelatedJobs(job *types.StreamingJob, candidates []*types.StreamingJob) []types.JobID {
	var out []types.JobID
	for _, other := range candidates {
		if other.ID == job.ID {
			continue
		}
		if slices.Contains(other.UpstreamTables, job.ID) || slices.Contains(job.UpstreamTables, other.ID) {
			out = append(out, other.ID)
		}
	}
	return out
}

func (c *Controller) diff(f *types.FragmentInfo, quota map[types.WorkerID]int) barrier.FragmentReschedule {
	byWorker := make(map[types.WorkerID][]types.ActorID)
	for _, id := range f.SortedActorIDs() {
		w := f.Actors[id].WorkerID
		byWorker[w] = append(byWorker[w], id)
	}
	r := barrier.FragmentReschedule{Added: make(map[types.ActorID]types.ActorInfo)}

	// surplus actors go first, highest id first, workers without quota lose all
	for w, actors := range byWorker {
		keep := quota[w]
		if len(actors) > keep {
			r.Removed = append(r.Removed, actors[keep:]...)
		}
	}
	slices.Sort(r.Removed)

	workers := make([]types.WorkerID, 0, len(quota))
	for w := range quota {
		workers = append(workers, w)
	}
	slices.Sort(workers)
	for _, w := range workers {
		for i := len(byWorker[w]); i < quota[w]; i++ {
			r.Added[c.nextActor] = types.ActorInfo{WorkerID: w}
			c.nextActor++
		}
	}
	return r
}

// initActorIDs starts allocation above every actor id in the catalog.
func (c *Controller) initActorIDs() {
	if c.nextActor != 0 {
		return
	}
	next := types.ActorID(1)
	for _, job := range c.store.ListJobs(0) {
		if job.Graph == nil {
			continue
		}
		for _, f := range job.Graph.Fragments {
			for id := range f.Actors {
				if id >= next {
					next = id + 1
				}
			}
		}
	}
	c.nextActor = next
}

// placement spreads n actors over the workers, each time picking the worker
// with the lowest load relative to its parallelism.
func placement(workers []types.WorkerNode, n int) map[types.WorkerID]int {
	sorted := slices.Clone(workers)
	slices.SortFunc(sorted, func(a, b types.WorkerNode) int { return cmp.Compare(a.ID, b.ID) })
	quota := make(map[types.WorkerID]int, len(sorted))
	for i := 0; i < n; i++ {
		best := sorted[0]
		for _, w := range sorted[1:] {
			// load(w)/par(w) < load(best)/par(best)
			if quota[w.ID]*best.Parallelism < quota[best.ID]*w.Parallelism {
				best = w
			}
		}
		quota[best.ID]++
	}
	return quota
}
