// Package types defines the core domain model shared by the epoch-barrier
// meta node and its compute nodes.
package types

import (
	"fmt"
	"math"
)

// WorkerID identifies a compute node.
type WorkerID uint32

// DatabaseID identifies a database. Every database owns an independent
// barrier timeline.
type DatabaseID uint32

// TableID identifies a state table or a materialized view.
type TableID uint32

// JobID identifies a streaming job. A job is named after the table it
// materializes, so job ids and table ids share one space.
type JobID = TableID

// FragmentID identifies a fragment of a streaming job graph.
type FragmentID uint32

// ActorID identifies a single parallel instance of a fragment.
type ActorID uint32

// SubscriberID identifies a subscription or a snapshot-backfill job reading an
// upstream table's change log.
type SubscriberID uint32

// PartialGraphID identifies an independently-collected subgraph of a database.
// The steady-state graph uses SteadyStateGraph; a creating job with an
// independent timeline uses its own job id.
type PartialGraphID uint32

// SteadyStateGraph is the partial graph id of a database's steady-state graph.
const SteadyStateGraph PartialGraphID = math.MaxUint32

// PartialGraphOf maps a creating job to the partial graph carrying its
// independent barriers. Panics on the job id reserved for SteadyStateGraph.
func PartialGraphOf(jobID JobID) PartialGraphID {
	if PartialGraphID(jobID) == SteadyStateGraph {
		panic(fmt.Sprintf("job id %d collides with the steady state graph", jobID))
	}
	return PartialGraphID(jobID)
}

// ValidJobID reports whether the id can name a job: zero is unassigned and
// the largest id belongs to SteadyStateGraph.
func ValidJobID(jobID JobID) bool {
	return jobID != 0 && PartialGraphID(jobID) != SteadyStateGraph
}

// CreatingJob returns the job id when the graph belongs to a creating job.
func (p PartialGraphID) CreatingJob() (JobID, bool) {
	if p == SteadyStateGraph {
		return 0, false
	}
	return JobID(p), true
}

func (p PartialGraphID) String() string {
	if p == SteadyStateGraph {
		return "steady"
	}
	return fmt.Sprintf("job-%d", uint32(p))
}

// WorkerNode describes a compute node known to the cluster.
type WorkerNode struct {
	ID          WorkerID `json:"id" yaml:"id"`
	Host        string   `json:"host" yaml:"host"`
	Parallelism int      `json:"parallelism" yaml:"parallelism"`
	Schedulable bool     `json:"schedulable" yaml:"schedulable"`
}

// SubscriptionUpstreamInfo pairs a subscriber with the table whose change log
// it reads.
type SubscriptionUpstreamInfo struct {
	SubscriberID    SubscriberID `json:"subscriber_id"`
	UpstreamTableID TableID      `json:"upstream_table_id"`
}

// LogEpochBatch is one committed change-log entry of a table: the
// non-checkpoint epochs that were subsumed by CheckpointEpoch.
type LogEpochBatch struct {
	NonCheckpointEpochs []Epoch `json:"non_checkpoint_epochs"`
	CheckpointEpoch     Epoch   `json:"checkpoint_epoch"`
}

// TableStats is the per-table statistics kept by the storage layer.
type TableStats struct {
	TotalKeyCount int64 `json:"total_key_count"`
}

// SplitAssignment maps source actors to the connector splits they read.
type SplitAssignment map[ActorID][]string

// CreateType tells whether a DDL waits for its job to finish creating.
type CreateType string

const (
	CreateTypeForeground CreateType = "FOREGROUND"
	CreateTypeBackground CreateType = "BACKGROUND"
)
