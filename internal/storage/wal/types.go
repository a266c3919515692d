package wal

import "encoding/json"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventCommitEpoch      EventType = "COMMIT_EPOCH"      // Epochs of one completion made durable together
	EventJobCreate        EventType = "JOB_CREATE"        // Streaming job registered in the catalog
	EventJobUpdate        EventType = "JOB_UPDATE"        // Catalog entry replaced (reschedule, replace)
	EventJobCreated       EventType = "JOB_CREATED"       // Job finished creating
	EventJobAbort         EventType = "JOB_ABORT"         // Creating job cancelled or failed
	EventJobsDrop         EventType = "JOBS_DROP"         // Created jobs dropped
	EventSubscriptionAdd  EventType = "SUBSCRIPTION_ADD"  // Change-log subscription created
	EventSubscriptionDrop EventType = "SUBSCRIPTION_DROP" // Change-log subscription dropped
	EventWorkerAdd        EventType = "WORKER_ADD"        // Compute node registered
	EventWorkerRemove     EventType = "WORKER_REMOVE"     // Compute node removed
	EventLogTruncate      EventType = "LOG_TRUNCATE"      // Table change log truncated
)

// Event represents a WAL event record
type Event struct {
	Seq       uint64          `json:"seq"`       // Event sequence number (monotonically increasing)
	Type      EventType       `json:"type"`      // Event type
	Payload   json.RawMessage `json:"payload"`   // Event body, decoded by the replay handler
	Timestamp int64           `json:"timestamp"` // Unix millisecond timestamp
	Checksum  uint32          `json:"checksum"`  // CRC32 checksum
}

// Decode unmarshals the payload into out.
func (e Event) Decode(out any) error {
	return json.Unmarshal(e.Payload, out)
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
