package types

import (
	"fmt"
	"time"
)

// JobStatus is the catalog state of a streaming job.
type JobStatus string

const (
	// JobCreating covers every job whose first checkpoint is not durable yet,
	// and background jobs still bootstrapping.
	JobCreating JobStatus = "creating"
	// JobCreated jobs are part of the steady-state graph.
	JobCreated JobStatus = "created"
)

// JobType tells how a job's initial data is backfilled.
type JobType string

const (
	// JobTypeNormal backfills inside the steady-state graph.
	JobTypeNormal JobType = "normal"
	// JobTypeSnapshotBackfill bootstraps in its own partial graph.
	JobTypeSnapshotBackfill JobType = "snapshot_backfill"
	// JobTypeSinkIntoTable is a sink writing into an existing table.
	JobTypeSinkIntoTable JobType = "sink_into_table"
)

// ParallelismKind selects how the parallelism of a job is determined.
type ParallelismKind string

const (
	ParallelismFixed    ParallelismKind = "fixed"
	ParallelismAdaptive ParallelismKind = "adaptive"
	ParallelismCustom   ParallelismKind = "custom"
)

// Parallelism is a job's target parallelism. N is used by Fixed only.
type Parallelism struct {
	Kind ParallelismKind `json:"kind" yaml:"kind"`
	N    int             `json:"n,omitempty" yaml:"n,omitempty"`
}

func (p Parallelism) String() string {
	if p.Kind == ParallelismFixed {
		return fmt.Sprintf("fixed(%d)", p.N)
	}
	return string(p.Kind)
}

// StreamingJob is the catalog entry of a streaming job.
type StreamingJob struct {
	ID             JobID      `json:"id"`
	DatabaseID     DatabaseID `json:"database_id"`
	Name           string     `json:"name"`
	Definition     string     `json:"definition"`
	Type           JobType    `json:"type"`
	CreateType     CreateType `json:"create_type"`
	Status         JobStatus  `json:"status"`
	Graph          *JobInfo   `json:"graph"`
	UpstreamTables []TableID  `json:"upstream_tables,omitempty"`
	// BackfillEpoch is the upstream epoch a snapshot backfill job read its
	// snapshot at; zero for other jobs.
	BackfillEpoch  Epoch                       `json:"backfill_epoch,omitempty"`
	BackfillOrder  map[FragmentID][]FragmentID `json:"backfill_order,omitempty"`
	Splits         SplitAssignment             `json:"splits,omitempty"`
	Parallelism    Parallelism                 `json:"parallelism"`
	MaxParallelism int                         `json:"max_parallelism"`
	// FirstCommitted is set once the job's first checkpoint is durable.
	FirstCommitted bool      `json:"first_committed"`
	CreatedAt      time.Time `json:"created_at"`
}

// Clone returns a deep copy of the mutable parts.
func (j *StreamingJob) Clone() *StreamingJob {
	out := *j
	if j.Graph != nil {
		out.Graph = j.Graph.Clone()
	}
	return &out
}

// Subscription reads the change log of an upstream table.
type Subscription struct {
	ID              SubscriberID `json:"id"`
	DatabaseID      DatabaseID   `json:"database_id"`
	UpstreamTableID TableID      `json:"upstream_table_id"`
}

// UpstreamInfo returns the wire form of the subscription.
func (s Subscription) UpstreamInfo() SubscriptionUpstreamInfo {
	return SubscriptionUpstreamInfo{SubscriberID: s.ID, UpstreamTableID: s.UpstreamTableID}
}

// SnapshotData is the persisted meta state.
type SnapshotData struct {
	SchemaVer int    `json:"schema_version"`
	LastSeq   uint64 `json:"last_seq"`

	CommittedEpochs     map[TableID]Epoch             `json:"committed_epochs"`
	DatabaseEpochs      map[DatabaseID]Epoch          `json:"database_epochs"`
	TableLogs           map[TableID][]LogEpochBatch   `json:"table_logs"`
	VersionStats        map[TableID]TableStats        `json:"version_stats"`
	Jobs                map[JobID]*StreamingJob       `json:"jobs"`
	Subscriptions       map[SubscriberID]Subscription `json:"subscriptions"`
	Workers             map[WorkerID]WorkerNode       `json:"workers"`
	NotificationVersion uint64                        `json:"notification_version"`
}

// NewSnapshotData returns an empty state.
func NewSnapshotData() SnapshotData {
	return SnapshotData{
		SchemaVer:       1,
		CommittedEpochs: make(map[TableID]Epoch),
		DatabaseEpochs:  make(map[DatabaseID]Epoch),
		TableLogs:       make(map[TableID][]LogEpochBatch),
		VersionStats:    make(map[TableID]TableStats),
		Jobs:            make(map[JobID]*StreamingJob),
		Subscriptions:   make(map[SubscriberID]Subscription),
		Workers:         make(map[WorkerID]WorkerNode),
	}
}
