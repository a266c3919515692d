package types

import (
	"slices"
	"sort"
)

// FragmentTypeMask flags what a fragment does.
type FragmentTypeMask uint32

const (
	FragmentSource FragmentTypeMask = 1 << iota
	FragmentMview
	FragmentSink
	FragmentStreamScan
	FragmentSnapshotBackfillStreamScan
	FragmentSourceScan
)

// Has reports whether every flag in f is set.
func (m FragmentTypeMask) Has(f FragmentTypeMask) bool {
	return m&f == f
}

// IsBackfill reports whether the fragment backfills from an upstream table or source.
func (m FragmentTypeMask) IsBackfill() bool {
	return m.Has(FragmentStreamScan) || m.Has(FragmentSnapshotBackfillStreamScan) || m.Has(FragmentSourceScan)
}

// ActorInfo is the placement of one actor.
type ActorInfo struct {
	WorkerID WorkerID `json:"worker_id"`
}

// FragmentInfo is the in-flight view of one fragment.
type FragmentInfo struct {
	ID            FragmentID            `json:"id"`
	TypeMask      FragmentTypeMask      `json:"type_mask"`
	Node          string                `json:"node"`
	Actors        map[ActorID]ActorInfo `json:"actors"`
	StateTableIDs []TableID             `json:"state_table_ids"`
	Upstreams     []FragmentID          `json:"upstreams,omitempty"`
}

// Clone returns a deep copy.
func (f *FragmentInfo) Clone() *FragmentInfo {
	out := *f
	out.Actors = make(map[ActorID]ActorInfo, len(f.Actors))
	for id, a := range f.Actors {
		out.Actors[id] = a
	}
	out.StateTableIDs = slices.Clone(f.StateTableIDs)
	out.Upstreams = slices.Clone(f.Upstreams)
	return &out
}

// SortedActorIDs lists the fragment's actors in ascending order.
func (f *FragmentInfo) SortedActorIDs() []ActorID {
	ids := make([]ActorID, 0, len(f.Actors))
	for id := range f.Actors {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// JobInfo is the fragment graph of one streaming job.
type JobInfo struct {
	JobID      JobID                         `json:"job_id"`
	DatabaseID DatabaseID                    `json:"database_id"`
	Fragments  map[FragmentID]*FragmentInfo `json:"fragments"`
}

// Clone returns a deep copy.
func (j *JobInfo) Clone() *JobInfo {
	out := &JobInfo{JobID: j.JobID, DatabaseID: j.DatabaseID, Fragments: make(map[FragmentID]*FragmentInfo, len(j.Fragments))}
	for id, f := range j.Fragments {
		out.Fragments[id] = f.Clone()
	}
	return out
}

// FragmentInfos returns the fragments ordered by id.
func (j *JobInfo) FragmentInfos() []*FragmentInfo {
	out := make([]*FragmentInfo, 0, len(j.Fragments))
	for _, f := range j.Fragments {
		out = append(out, f)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// StateTableIDs lists every state table of the job.
func (j *JobInfo) StateTableIDs() []TableID {
	return TableIDsOf(j.FragmentInfos())
}

// ActorsWithMask lists the actors of fragments carrying the flag.
func (j *JobInfo) ActorsWithMask(flag FragmentTypeMask) map[ActorID]FragmentID {
	out := make(map[ActorID]FragmentID)
	for _, f := range j.Fragments {
		if !f.TypeMask.Has(flag) {
			continue
		}
		for id := range f.Actors {
			out[id] = f.ID
		}
	}
	return out
}

// BackfillActors lists every backfilling actor of the job with its fragment.
func (j *JobInfo) BackfillActors() map[ActorID]FragmentID {
	out := make(map[ActorID]FragmentID)
	for _, f := range j.Fragments {
		if !f.TypeMask.IsBackfill() {
			continue
		}
		for id := range f.Actors {
			out[id] = f.ID
		}
	}
	return out
}

// GraphInfo is the in-flight graph of a database: every job whose actors
// receive the database's barriers.
type GraphInfo struct {
	Jobs map[JobID]*JobInfo `json:"jobs"`
}

// NewGraphInfo returns an empty graph.
func NewGraphInfo() *GraphInfo {
	return &GraphInfo{Jobs: make(map[JobID]*JobInfo)}
}

// Clone returns a deep copy.
func (g *GraphInfo) Clone() *GraphInfo {
	out := NewGraphInfo()
	for id, j := range g.Jobs {
		out.Jobs[id] = j.Clone()
	}
	return out
}

// AddJob inserts or replaces a job.
func (g *GraphInfo) AddJob(job *JobInfo) {
	g.Jobs[job.JobID] = job
}

// RemoveJob drops a job and returns it.
func (g *GraphInfo) RemoveJob(id JobID) (*JobInfo, bool) {
	job, ok := g.Jobs[id]
	delete(g.Jobs, id)
	return job, ok
}

// Fragment looks up a fragment across all jobs.
func (g *GraphInfo) Fragment(id FragmentID) (*FragmentInfo, JobID, bool) {
	for jobID, j := range g.Jobs {
		if f, ok := j.Fragments[id]; ok {
			return f, jobID, true
		}
	}
	return nil, 0, false
}

// Fragments returns every fragment ordered by id.
func (g *GraphInfo) Fragments() []*FragmentInfo {
	var out []*FragmentInfo
	for _, j := range g.Jobs {
		for _, f := range j.Fragments {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// ContainsWorker reports whether any actor lives on the worker.
func (g *GraphInfo) ContainsWorker(w WorkerID) bool {
	for _, j := range g.Jobs {
		if j.ContainsWorker(w) {
			return true
		}
	}
	return false
}

// ContainsWorker reports whether any actor of the job lives on the worker.
func (j *JobInfo) ContainsWorker(w WorkerID) bool {
	for _, f := range j.Fragments {
		for _, a := range f.Actors {
			if a.WorkerID == w {
				return true
			}
		}
	}
	return false
}

// ExistingTableIDs lists every state table in the graph.
func (g *GraphInfo) ExistingTableIDs() []TableID {
	return TableIDsOf(g.Fragments())
}

// ApplyReschedule adds and removes actors of one fragment.
func (g *GraphInfo) ApplyReschedule(fragment FragmentID, added map[ActorID]ActorInfo, removed []ActorID) bool {
	f, _, ok := g.Fragment(fragment)
	if !ok {
		return false
	}
	for id, a := range added {
		f.Actors[id] = a
	}
	for _, id := range removed {
		delete(f.Actors, id)
	}
	return true
}

// ActorsToCollect groups the actors of the fragments by worker.
func ActorsToCollect(fragments []*FragmentInfo) map[WorkerID][]ActorID {
	out := make(map[WorkerID][]ActorID)
	for _, f := range fragments {
		for _, id := range f.SortedActorIDs() {
			w := f.Actors[id].WorkerID
			out[w] = append(out[w], id)
		}
	}
	return out
}

// TableIDsOf lists the distinct state tables of the fragments in ascending order.
func TableIDsOf(fragments []*FragmentInfo) []TableID {
	seen := make(map[TableID]struct{})
	var out []TableID
	for _, f := range fragments {
		for _, t := range f.StateTableIDs {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return out
}

// BuildActorInfo describes an actor a worker must instantiate.
type BuildActorInfo struct {
	ActorID   ActorID                  `json:"actor_id"`
	Upstreams map[FragmentID][]ActorID `json:"upstreams,omitempty"`
}

// FragmentBuildInfo groups the actors of one fragment to build on a worker.
type FragmentBuildInfo struct {
	FragmentID FragmentID       `json:"fragment_id"`
	TypeMask   FragmentTypeMask `json:"type_mask"`
	Node       string           `json:"node"`
	Actors     []BuildActorInfo `json:"actors"`
}

// ActorsToBuild groups the actors of the job's fragments by the worker that
// must build them.
func ActorsToBuild(job *JobInfo) map[WorkerID][]FragmentBuildInfo {
	out := make(map[WorkerID][]FragmentBuildInfo)
	for _, f := range job.FragmentInfos() {
		perWorker := make(map[WorkerID]*FragmentBuildInfo)
		for _, id := range f.SortedActorIDs() {
			w := f.Actors[id].WorkerID
			info, ok := perWorker[w]
			if !ok {
				info = &FragmentBuildInfo{FragmentID: f.ID, TypeMask: f.TypeMask, Node: f.Node}
				perWorker[w] = info
			}
			upstreams := make(map[FragmentID][]ActorID)
			for _, up := range f.Upstreams {
				if uf, ok := job.Fragments[up]; ok {
					upstreams[up] = uf.SortedActorIDs()
				}
			}
			info.Actors = append(info.Actors, BuildActorInfo{ActorID: id, Upstreams: upstreams})
		}
		for w, info := range perWorker {
			out[w] = append(out[w], *info)
		}
	}
	return out
}
