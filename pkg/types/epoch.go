package types

import (
	"fmt"
	"time"
)

// Epoch is a barrier identifier. The high 48 bits carry milliseconds since
// EpochBaseUnixMilli, the low 16 bits are reserved.
type Epoch uint64

const (
	// EpochPhysicalShiftBits is the width of the reserved low bits.
	EpochPhysicalShiftBits = 16

	// EpochBaseUnixMilli is 2021-04-01T00:00:00Z.
	EpochBaseUnixMilli uint64 = 1_617_235_200_000
)

// EpochFromPhysicalTime builds an epoch from a physical time in milliseconds
// relative to the epoch base.
func EpochFromPhysicalTime(ms uint64) Epoch {
	return Epoch(ms << EpochPhysicalShiftBits)
}

// PhysicalTime returns the physical time component of the epoch.
func (e Epoch) PhysicalTime() uint64 {
	return uint64(e) >> EpochPhysicalShiftBits
}

// PhysicalNow converts a wall clock reading into epoch physical time.
func PhysicalNow(now time.Time) uint64 {
	ms := uint64(now.UnixMilli())
	if ms < EpochBaseUnixMilli {
		return 0
	}
	return ms - EpochBaseUnixMilli
}

// NextEpoch returns the epoch following prev at wall time now. The physical
// component always advances by at least one millisecond.
func NextEpoch(prev Epoch, now time.Time) Epoch {
	physical := PhysicalNow(now)
	if next := prev.PhysicalTime() + 1; physical < next {
		physical = next
	}
	return EpochFromPhysicalTime(physical)
}

func (e Epoch) String() string {
	return fmt.Sprintf("%d", uint64(e))
}
