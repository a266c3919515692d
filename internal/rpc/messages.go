package rpc

import "github.com/ChuLiYu/epoch-barrier/pkg/types"

// InitialPartialGraph is a graph a worker must prepare during Init.
type InitialPartialGraph struct {
	PartialGraphID types.PartialGraphID             `json:"partial_graph_id"`
	Subscriptions  []types.SubscriptionUpstreamInfo `json:"subscriptions,omitempty"`
}

// DatabaseInitialPartialGraph lists the graphs of one database.
type DatabaseInitialPartialGraph struct {
	DatabaseID types.DatabaseID      `json:"database_id"`
	Graphs     []InitialPartialGraph `json:"graphs"`
}

// InitRequest opens or resets a control stream under a recovery term.
type InitRequest struct {
	TermID    string                        `json:"term_id"`
	Databases []DatabaseInitialPartialGraph `json:"databases"`
}

// BarrierEpoch is the epoch pair carried on the wire.
type BarrierEpoch struct {
	Curr types.Epoch `json:"curr"`
	Prev types.Epoch `json:"prev"`
}

// Barrier is the barrier itself as seen by actors.
type Barrier struct {
	Epoch          BarrierEpoch      `json:"epoch"`
	Mutation       *types.Mutation   `json:"mutation,omitempty"`
	TracingContext map[string]string `json:"tracing_context,omitempty"`
	Kind           types.BarrierKind `json:"kind"`
}

// InjectBarrierRequest delivers a barrier to one worker.
type InjectBarrierRequest struct {
	RequestID             string                           `json:"request_id"`
	DatabaseID            types.DatabaseID                 `json:"database_id"`
	PartialGraphID        types.PartialGraphID             `json:"partial_graph_id"`
	Barrier               Barrier                          `json:"barrier"`
	ActorIDsToCollect     []types.ActorID                  `json:"actor_ids_to_collect"`
	TableIDsToSync        []types.TableID                  `json:"table_ids_to_sync"`
	ActorsToBuild         []types.FragmentBuildInfo        `json:"actors_to_build,omitempty"`
	SubscriptionsToAdd    []types.SubscriptionUpstreamInfo `json:"subscriptions_to_add,omitempty"`
	SubscriptionsToRemove []types.SubscriptionUpstreamInfo `json:"subscriptions_to_remove,omitempty"`
}

// CreatePartialGraphRequest registers a creating job's graph on a worker.
type CreatePartialGraphRequest struct {
	DatabaseID     types.DatabaseID     `json:"database_id"`
	PartialGraphID types.PartialGraphID `json:"partial_graph_id"`
}

// RemovePartialGraphRequest drops graphs from a worker.
type RemovePartialGraphRequest struct {
	DatabaseID      types.DatabaseID       `json:"database_id"`
	PartialGraphIDs []types.PartialGraphID `json:"partial_graph_ids"`
}

// ResetDatabaseRequest drops all in-flight state of a database on a worker.
type ResetDatabaseRequest struct {
	DatabaseID     types.DatabaseID `json:"database_id"`
	ResetRequestID uint32           `json:"reset_request_id"`
}

// StreamingControlRequest is one meta-to-worker message. Exactly one field is set.
type StreamingControlRequest struct {
	Init               *InitRequest               `json:"init,omitempty"`
	InjectBarrier      *InjectBarrierRequest      `json:"inject_barrier,omitempty"`
	CreatePartialGraph *CreatePartialGraphRequest `json:"create_partial_graph,omitempty"`
	RemovePartialGraph *RemovePartialGraphRequest `json:"remove_partial_graph,omitempty"`
	ResetDatabase      *ResetDatabaseRequest      `json:"reset_database,omitempty"`
}

// InitResponse acknowledges an Init.
type InitResponse struct {
	WorkerID types.WorkerID `json:"worker_id"`
}

// ShutdownResponse announces the worker is going away.
type ShutdownResponse struct{}

// ResetDatabaseResponse acknowledges a database reset.
type ResetDatabaseResponse struct {
	DatabaseID     types.DatabaseID `json:"database_id"`
	ResetRequestID uint32           `json:"reset_request_id"`
}

// ReportDatabaseFailureResponse tells meta a database failed on the worker.
type ReportDatabaseFailureResponse struct {
	DatabaseID types.DatabaseID `json:"database_id"`
	Reason     string           `json:"reason"`
}

// StreamingControlResponse is one worker-to-meta message. Exactly one field is set.
type StreamingControlResponse struct {
	Init                  *InitResponse                  `json:"init,omitempty"`
	BarrierComplete       *types.BarrierCompleteResponse `json:"barrier_complete,omitempty"`
	Shutdown              *ShutdownResponse              `json:"shutdown,omitempty"`
	ResetDatabase         *ResetDatabaseResponse         `json:"reset_database,omitempty"`
	ReportDatabaseFailure *ReportDatabaseFailureResponse `json:"report_database_failure,omitempty"`
}

// IsEmpty reports whether no variant is set.
func (r *StreamingControlResponse) IsEmpty() bool {
	return r.Init == nil && r.BarrierComplete == nil && r.Shutdown == nil &&
		r.ResetDatabase == nil && r.ReportDatabaseFailure == nil
}
