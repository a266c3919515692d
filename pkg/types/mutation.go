package types

// MutationKind tags the variant held by a Mutation.
type MutationKind string

const (
	MutationAdd                   MutationKind = "add"
	MutationStop                  MutationKind = "stop"
	MutationUpdate                MutationKind = "update"
	MutationPause                 MutationKind = "pause"
	MutationResume                MutationKind = "resume"
	MutationDropSubscriptions     MutationKind = "drop_subscriptions"
	MutationStartFragmentBackfill MutationKind = "start_fragment_backfill"
	MutationSplits                MutationKind = "splits"
)

// Mutation is a structural or control change carried by a barrier. Exactly
// one payload matching Kind is set.
type Mutation struct {
	Kind                  MutationKind                   `json:"kind"`
	Add                   *AddMutation                   `json:"add,omitempty"`
	Stop                  *StopMutation                  `json:"stop,omitempty"`
	Update                *UpdateMutation                `json:"update,omitempty"`
	DropSubscriptions     *DropSubscriptionsMutation     `json:"drop_subscriptions,omitempty"`
	StartFragmentBackfill *StartFragmentBackfillMutation `json:"start_fragment_backfill,omitempty"`
	Splits                SplitAssignment                `json:"splits,omitempty"`
}

// AddMutation asks workers to start newly built actors.
type AddMutation struct {
	AddedActors          []ActorID                  `json:"added_actors"`
	ActorSplits          SplitAssignment            `json:"actor_splits,omitempty"`
	Pause                bool                       `json:"pause"`
	SubscriptionsToAdd   []SubscriptionUpstreamInfo `json:"subscriptions_to_add,omitempty"`
	BackfillNodesToPause []FragmentID               `json:"backfill_nodes_to_pause,omitempty"`
}

// StopMutation asks workers to stop and drop actors.
type StopMutation struct {
	Actors []ActorID `json:"actors"`
}

// UpdateMutation reconfigures running actors, used by replace and reschedule.
type UpdateMutation struct {
	AddedActors   []ActorID       `json:"added_actors,omitempty"`
	DroppedActors []ActorID       `json:"dropped_actors,omitempty"`
	ActorSplits   SplitAssignment `json:"actor_splits,omitempty"`
}

// DropSubscriptionsMutation releases change-log readers.
type DropSubscriptionsMutation struct {
	Info []SubscriptionUpstreamInfo `json:"info"`
}

// StartFragmentBackfillMutation unpauses backfill of the listed fragments.
type StartFragmentBackfillMutation struct {
	FragmentIDs []FragmentID `json:"fragment_ids"`
}

// NewAddMutation wraps an AddMutation.
func NewAddMutation(add AddMutation) *Mutation {
	return &Mutation{Kind: MutationAdd, Add: &add}
}

// NewStopMutation wraps the actors to stop.
func NewStopMutation(actors []ActorID) *Mutation {
	return &Mutation{Kind: MutationStop, Stop: &StopMutation{Actors: actors}}
}

// NewUpdateMutation wraps an UpdateMutation.
func NewUpdateMutation(update UpdateMutation) *Mutation {
	return &Mutation{Kind: MutationUpdate, Update: &update}
}

// NewDropSubscriptionsMutation wraps the subscriptions to release.
func NewDropSubscriptionsMutation(info []SubscriptionUpstreamInfo) *Mutation {
	return &Mutation{Kind: MutationDropSubscriptions, DropSubscriptions: &DropSubscriptionsMutation{Info: info}}
}

// NewStartFragmentBackfillMutation wraps the fragments to unpause.
func NewStartFragmentBackfillMutation(fragments []FragmentID) *Mutation {
	return &Mutation{Kind: MutationStartFragmentBackfill, StartFragmentBackfill: &StartFragmentBackfillMutation{FragmentIDs: fragments}}
}

// PauseMutation pauses every actor of the graph.
func PauseMutation() *Mutation { return &Mutation{Kind: MutationPause} }

// ResumeMutation resumes a paused graph.
func ResumeMutation() *Mutation { return &Mutation{Kind: MutationResume} }

// CreateMviewProgress is the backfill progress one actor reports with a barrier.
type CreateMviewProgress struct {
	BackfillActorID ActorID `json:"backfill_actor_id"`
	Done            bool    `json:"done"`
	ConsumedEpoch   Epoch   `json:"consumed_epoch"`
	ConsumedRows    uint64  `json:"consumed_rows"`
	PendingEpochLag uint64  `json:"pending_epoch_lag"`
}

// BarrierCompleteResponse acknowledges that a worker collected a barrier in
// one partial graph. Epoch is the barrier's prev epoch.
type BarrierCompleteResponse struct {
	RequestID           string                `json:"request_id"`
	WorkerID            WorkerID              `json:"worker_id"`
	DatabaseID          DatabaseID            `json:"database_id"`
	PartialGraphID      PartialGraphID        `json:"partial_graph_id"`
	Epoch               Epoch                 `json:"epoch"`
	CreateMviewProgress []CreateMviewProgress `json:"create_mview_progress,omitempty"`
	TableKeyCountDelta  map[TableID]int64     `json:"table_key_count_delta,omitempty"`
}
