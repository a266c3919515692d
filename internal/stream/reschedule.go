package stream

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/epoch-barrier/internal/barrier"
	"github.com/ChuLiYu/epoch-barrier/internal/scale"
	"github.com/ChuLiYu/epoch-barrier/pkg/types"
)

// RescheduleOptions tunes RescheduleStreamingJob.
type RescheduleOptions struct {
	// Deferred only records the new parallelism; actors move on the next
	// recovery or reschedule.
	Deferred bool
}

// RescheduleStreamingJob changes the parallelism of a created job. It waits
// for every creation in flight and rejects jobs related to a background job
// that is still creating.
func (m *Manager) RescheduleStreamingJob(ctx context.Context, id types.JobID, target types.Parallelism, opts RescheduleOptions) error {
	m.rescheduleMu.Lock()
	defer m.rescheduleMu.Unlock()

	job, ok := m.store.GetJob(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrJobNotFound, id)
	}
	if job.Status != types.JobCreated {
		return invalidf("job %d is still creating", id)
	}
	var background []*types.StreamingJob
	for _, j := range m.store.CreatingJobs() {
		if j.CreateType == types.CreateTypeBackground {
			background = append(background, j)
		}
	}
	if related := scale.RelatedJobs(job, background); len(related) > 0 {
		return invalidf("job %d is related to creating background jobs %v", id, related)
	}
	if err := m.validateParallelism(job, target); err != nil {
		return err
	}

	if opts.Deferred {
		m.logger.Info("reschedule deferred", "job_id", id, "target", target.String())
		return m.scale.PostApply(ctx, scale.Plan{JobID: id, DatabaseID: job.DatabaseID, Parallelism: target})
	}

	plan, err := m.scale.GeneratePlan(id, target)
	if err != nil {
		return err
	}
	if plan.IsEmpty() {
		return m.scale.PostApply(ctx, plan)
	}

	splits := make(types.SplitAssignment)
	for fid, r := range plan.Fragments {
		f := job.Graph.Fragments[fid]
		if !f.TypeMask.Has(types.FragmentSource) && !f.TypeMask.Has(types.FragmentSourceScan) {
			continue
		}
		if _, tracked := m.sources.Assignment(fid); !tracked {
			continue
		}
		actors := make([]types.ActorID, 0, len(f.Actors)+len(r.Added))
		removed := make(map[types.ActorID]struct{}, len(r.Removed))
		for _, a := range r.Removed {
			removed[a] = struct{}{}
		}
		for a := range f.Actors {
			if _, gone := removed[a]; !gone {
				actors = append(actors, a)
			}
		}
		for a := range r.Added {
			actors = append(actors, a)
		}
		assignment, err := m.sources.ReassignFragment(fid, actors)
		if err != nil {
			return err
		}
		for a, sp := range assignment {
			splits[a] = sp
		}
	}

	cmd := barrier.RescheduleActors{Fragments: plan.Fragments, Splits: splits}
	if err := m.runner.RunCommand(ctx, job.DatabaseID, cmd); err != nil {
		m.logger.Error("reschedule failed", "job_id", id, "error", err)
		return err
	}
	if err := m.scale.PostApply(ctx, plan); err != nil {
		return fmt.Errorf("record reschedule of job %d: %w", id, err)
	}
	m.logger.Info("streaming job rescheduled", "job_id", id, "target", target.String(), "fragments", len(plan.Fragments))
	return nil
}

func (m *Manager) validateParallelism(job *types.StreamingJob, target types.Parallelism) error {
	available := m.store.AvailableParallelism()
	switch target.Kind {
	case types.ParallelismCustom:
		return invalidf("custom parallelism cannot be set directly")
	case types.ParallelismFixed:
		if target.N <= 0 {
			return invalidf("parallelism must be positive, got %d", target.N)
		}
		if job.MaxParallelism > 0 && target.N > job.MaxParallelism {
			return invalidf("parallelism %d exceeds max parallelism %d of job %d", target.N, job.MaxParallelism, job.ID)
		}
		if target.N > available {
			return invalidf("parallelism %d exceeds available parallelism %d", target.N, available)
		}
	case types.ParallelismAdaptive:
		if job.MaxParallelism > 0 && available > job.MaxParallelism {
			m.logger.Warn("available parallelism exceeds max parallelism, job will run at max",
				"job_id", job.ID, "available", available, "max_parallelism", job.MaxParallelism)
		}
	default:
		return invalidf("unknown parallelism kind %q", target.Kind)
	}
	return nil
}
