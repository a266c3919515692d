package types

import "fmt"

// BarrierKindType tags the variant held by a BarrierKind.
type BarrierKindType string

const (
	KindInitial    BarrierKindType = "initial"
	KindBarrier    BarrierKindType = "barrier"
	KindCheckpoint BarrierKindType = "checkpoint"
)

// BarrierKind classifies a barrier. A checkpoint lists the non-checkpoint
// epochs it subsumes, ending with its own prev epoch.
type BarrierKind struct {
	Type                       BarrierKindType `json:"type"`
	PendingNonCheckpointEpochs []Epoch         `json:"pending_non_checkpoint_epochs,omitempty"`
}

// InitialKind is the first barrier after (re)start.
func InitialKind() BarrierKind { return BarrierKind{Type: KindInitial} }

// BarrierOnlyKind is a non-checkpoint barrier.
func BarrierOnlyKind() BarrierKind { return BarrierKind{Type: KindBarrier} }

// CheckpointKind is a checkpoint barrier subsuming the given epochs.
func CheckpointKind(pending []Epoch) BarrierKind {
	return BarrierKind{Type: KindCheckpoint, PendingNonCheckpointEpochs: pending}
}

// IsCheckpoint reports whether the barrier makes state durable.
func (k BarrierKind) IsCheckpoint() bool {
	return k.Type == KindCheckpoint
}

// IsInitial reports whether this is a (re)start barrier.
func (k BarrierKind) IsInitial() bool {
	return k.Type == KindInitial
}

func (k BarrierKind) String() string {
	if k.Type == KindCheckpoint {
		return fmt.Sprintf("checkpoint%v", k.PendingNonCheckpointEpochs)
	}
	return string(k.Type)
}

// BarrierInfo is the (prev, curr) epoch pair of a barrier together with its
// kind. Barriers are addressed by their prev epoch once injected.
type BarrierInfo struct {
	Prev Epoch       `json:"prev"`
	Curr Epoch       `json:"curr"`
	Kind BarrierKind `json:"kind"`
}

func (b BarrierInfo) String() string {
	return fmt.Sprintf("{prev=%d curr=%d %s}", uint64(b.Prev), uint64(b.Curr), b.Kind)
}

// TakePending empties pending and returns its previous contents.
func TakePending(pending *[]Epoch) []Epoch {
	taken := *pending
	*pending = nil
	return taken
}
