package barrier

import (
	"fmt"
	"slices"

	"github.com/ChuLiYu/epoch-barrier/pkg/types"
)

// Command is a structural or control change carried by one barrier of a
// database. It is one of the types in this file.
type Command interface {
	// Name is used in logs and errors.
	Name() string
}

// CreateStreamingJob builds a new job. Normal and sink-into-table jobs join
// the steady-state graph right away; snapshot backfill jobs bootstrap in
// their own partial graph.
type CreateStreamingJob struct {
	Job *types.StreamingJob
}

// ReplaceStreamJob swaps the fragments of an existing job.
type ReplaceStreamJob struct {
	JobID    types.JobID
	NewGraph *types.JobInfo
	Splits   types.SplitAssignment
}

// DropStreamingJobs stops and removes created jobs.
type DropStreamingJobs struct {
	JobIDs []types.JobID
}

// CancelStreamJob stops a job that is still creating.
type CancelStreamJob struct {
	JobID types.JobID
}

// CreateSubscription starts logging the upstream table for a subscriber.
type CreateSubscription struct {
	Subscription types.Subscription
}

// DropSubscription stops logging for a subscriber.
type DropSubscription struct {
	Subscription types.Subscription
}

// MergeSnapshotBackfillStreamingJobs folds caught-up snapshot backfill jobs
// into the steady-state graph.
type MergeSnapshotBackfillStreamingJobs struct {
	JobIDs []types.JobID
}

// FragmentReschedule adds and removes actors of one fragment.
type FragmentReschedule struct {
	Added   map[types.ActorID]types.ActorInfo
	Removed []types.ActorID
}

// RescheduleActors moves actors between workers.
type RescheduleActors struct {
	Fragments map[types.FragmentID]FragmentReschedule
	Splits    types.SplitAssignment
}

// SourceChangeSplit reassigns connector splits to source actors.
type SourceChangeSplit struct {
	Splits types.SplitAssignment
}

// Pause pauses every actor of the database.
type Pause struct{}

// Resume resumes a paused database.
type Resume struct{}

// Flush forces a checkpoint and returns once it is durable.
type Flush struct{}

func (CreateStreamingJob) Name() string                 { return "CreateStreamingJob" }
func (ReplaceStreamJob) Name() string                   { return "ReplaceStreamJob" }
func (DropStreamingJobs) Name() string                  { return "DropStreamingJobs" }
func (CancelStreamJob) Name() string                    { return "CancelStreamJob" }
func (CreateSubscription) Name() string                 { return "CreateSubscription" }
func (DropSubscription) Name() string                   { return "DropSubscription" }
func (MergeSnapshotBackfillStreamingJobs) Name() string { return "MergeSnapshotBackfillStreamingJobs" }
func (RescheduleActors) Name() string                   { return "RescheduleActors" }
func (SourceChangeSplit) Name() string                  { return "SourceChangeSplit" }
func (Pause) Name() string                              { return "Pause" }
func (Resume) Name() string                             { return "Resume" }
func (Flush) Name() string                              { return "Flush" }

// isSnapshotBackfill reports whether the command creates a job in its own
// partial graph.
func isSnapshotBackfill(cmd Command) bool {
	c, ok := cmd.(CreateStreamingJob)
	return ok && c.Job.Type == types.JobTypeSnapshotBackfill
}

// allActors lists a job's actors ordered by fragment then actor.
func allActors(job *types.JobInfo) []types.ActorID {
	var out []types.ActorID
	for _, f := range job.FragmentInfos() {
		out = append(out, f.SortedActorIDs()...)
	}
	return out
}

// jobSubscriptions are the change-log readers a snapshot backfill job
// registers on its upstream tables. The job's id is the subscriber id.
func jobSubscriptions(job types.JobID, upstream []types.TableID) []types.SubscriptionUpstreamInfo {
	out := make([]types.SubscriptionUpstreamInfo, 0, len(upstream))
	for _, t := range upstream {
		out = append(out, types.SubscriptionUpstreamInfo{SubscriberID: types.SubscriberID(job), UpstreamTableID: t})
	}
	return out
}

// rescheduledBuildInfo lists the added actors of a reschedule per worker.
func rescheduledBuildInfo(graph *types.GraphInfo, fragments map[types.FragmentID]FragmentReschedule) (map[types.WorkerID][]types.FragmentBuildInfo, error) {
	jobs := make(map[types.JobID]*types.JobInfo)
	ids := make([]types.FragmentID, 0, len(fragments))
	for id := range fragments {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		f, jobID, ok := graph.Fragment(id)
		if !ok {
			return nil, fmt.Errorf("%w: fragment %d", ErrUnknownFragment, id)
		}
		r := fragments[id]
		if len(r.Added) == 0 {
			continue
		}
		job, ok := jobs[jobID]
		if !ok {
			job = &types.JobInfo{JobID: jobID, Fragments: make(map[types.FragmentID]*types.FragmentInfo)}
			// upstream fragments keep their full actor sets
			for fid, uf := range graph.Jobs[jobID].Fragments {
				job.Fragments[fid] = uf
			}
			jobs[jobID] = job
		}
		added := f.Clone()
		added.Actors = r.Added
		job.Fragments[id] = added
	}

	out := make(map[types.WorkerID][]types.FragmentBuildInfo)
	for _, job := range jobs {
		for w, infos := range types.ActorsToBuild(job) {
			for _, info := range infos {
				if r, ok := fragments[info.FragmentID]; ok && len(r.Added) > 0 {
					out[w] = append(out[w], info)
				}
			}
		}
	}
	return out, nil
}
