package meta

import (
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/epoch-barrier/internal/storage/wal"
	"github.com/ChuLiYu/epoch-barrier/pkg/types"
)

// CommitInfo is one durable checkpoint of a partial graph.
type CommitInfo struct {
	DatabaseID types.DatabaseID `json:"database_id"`
	// Epoch is the checkpoint epoch, the last of Epochs.
	Epoch  types.Epoch   `json:"epoch"`
	Epochs []types.Epoch `json:"epochs"`
	// Steady is set for commits of the steady-state graph; they advance the
	// database's committed epoch.
	Steady bool `json:"steady"`
	// Tables get their committed epoch advanced to Epoch.
	Tables []types.TableID `json:"tables"`
	// LogTables record the batch in their change log.
	LogTables     []types.TableID         `json:"log_tables,omitempty"`
	KeyCountDelta map[types.TableID]int64 `json:"key_count_delta,omitempty"`
	// FirstCommitJobs are jobs whose first checkpoint this is.
	FirstCommitJobs []types.JobID `json:"first_commit_jobs,omitempty"`
	// BackfillEpochs records the snapshot epoch of snapshot backfill jobs.
	BackfillEpochs map[types.JobID]types.Epoch `json:"backfill_epochs,omitempty"`
	// FinishedJobs leave Creating with this commit.
	FinishedJobs []types.JobID `json:"finished_jobs,omitempty"`
}

// LogBatch is the change-log entry the commit appends.
func (c CommitInfo) LogBatch() types.LogEpochBatch {
	batch := types.LogEpochBatch{CheckpointEpoch: c.Epoch}
	if len(c.Epochs) > 1 {
		batch.NonCheckpointEpochs = append([]types.Epoch(nil), c.Epochs[:len(c.Epochs)-1]...)
	}
	return batch
}

// commitEvent is the payload of EventCommitEpoch: every commit of one
// completion.
type commitEvent struct {
	Commits []CommitInfo `json:"commits"`
}

type jobEvent struct {
	Job *types.StreamingJob `json:"job"`
}

type jobIDEvent struct {
	JobID  types.JobID `json:"job_id"`
	Reason string      `json:"reason,omitempty"`
}

type jobsDropEvent struct {
	JobIDs []types.JobID `json:"job_ids"`
}

type subscriptionEvent struct {
	Subscription types.Subscription `json:"subscription"`
}

type subscriptionDropEvent struct {
	ID types.SubscriberID `json:"id"`
}

type workerEvent struct {
	Worker types.WorkerNode `json:"worker"`
}

type workerRemoveEvent struct {
	ID types.WorkerID `json:"id"`
}

type truncateEvent struct {
	Table  types.TableID `json:"table"`
	Before types.Epoch   `json:"before"`
}

func encodeEvent(seq uint64, eventType wal.EventType, payload any) (wal.Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return wal.Event{}, fmt.Errorf("meta: encode %s: %w", eventType, err)
	}
	return wal.Event{Seq: seq, Type: eventType, Payload: body}, nil
}

// apply mutates the in-memory state for one event. It runs for live
// mutations and for WAL replay alike. Caller holds m.mu.
func (m *Manager) apply(e wal.Event) error {
	switch e.Type {
	case wal.EventCommitEpoch:
		var ev commitEvent
		if err := e.Decode(&ev); err != nil {
			return err
		}
		for _, info := range ev.Commits {
			m.applyCommit(info)
		}

	case wal.EventJobCreate, wal.EventJobUpdate:
		var ev jobEvent
		if err := e.Decode(&ev); err != nil {
			return err
		}
		m.state.Jobs[ev.Job.ID] = ev.Job
		m.bumpVersion()

	case wal.EventJobCreated:
		var ev jobIDEvent
		if err := e.Decode(&ev); err != nil {
			return err
		}
		m.markCreated(ev.JobID)

	case wal.EventJobAbort:
		var ev jobIDEvent
		if err := e.Decode(&ev); err != nil {
			return err
		}
		if job, ok := m.state.Jobs[ev.JobID]; ok {
			m.removeJobTables(job)
			delete(m.state.Jobs, ev.JobID)
		}
		m.aborted[ev.JobID] = ev.Reason
		m.bumpVersion()
		m.wakeWaiters(ev.JobID)

	case wal.EventJobsDrop:
		var ev jobsDropEvent
		if err := e.Decode(&ev); err != nil {
			return err
		}
		for _, id := range ev.JobIDs {
			if job, ok := m.state.Jobs[id]; ok {
				m.removeJobTables(job)
				delete(m.state.Jobs, id)
			}
		}
		m.bumpVersion()

	case wal.EventSubscriptionAdd:
		var ev subscriptionEvent
		if err := e.Decode(&ev); err != nil {
			return err
		}
		m.state.Subscriptions[ev.Subscription.ID] = ev.Subscription
		m.bumpVersion()

	case wal.EventSubscriptionDrop:
		var ev subscriptionDropEvent
		if err := e.Decode(&ev); err != nil {
			return err
		}
		delete(m.state.Subscriptions, ev.ID)
		m.bumpVersion()

	case wal.EventWorkerAdd:
		var ev workerEvent
		if err := e.Decode(&ev); err != nil {
			return err
		}
		m.state.Workers[ev.Worker.ID] = ev.Worker

	case wal.EventWorkerRemove:
		var ev workerRemoveEvent
		if err := e.Decode(&ev); err != nil {
			return err
		}
		delete(m.state.Workers, ev.ID)

	case wal.EventLogTruncate:
		var ev truncateEvent
		if err := e.Decode(&ev); err != nil {
			return err
		}
		m.truncateLog(ev.Table, ev.Before)

	default:
		return fmt.Errorf("meta: unknown event type %q", e.Type)
	}
	return nil
}

func (m *Manager) applyCommit(info CommitInfo) {
	for _, t := range info.Tables {
		if info.Epoch > m.state.CommittedEpochs[t] {
			m.state.CommittedEpochs[t] = info.Epoch
		}
	}
	if info.Steady {
		if info.Epoch > m.state.DatabaseEpochs[info.DatabaseID] {
			m.state.DatabaseEpochs[info.DatabaseID] = info.Epoch
		}
	}
	if len(info.LogTables) > 0 {
		batch := info.LogBatch()
		for _, t := range info.LogTables {
			logs := m.state.TableLogs[t]
			if n := len(logs); n > 0 && logs[n-1].CheckpointEpoch >= batch.CheckpointEpoch {
				continue
			}
			m.state.TableLogs[t] = append(logs, batch)
		}
	}
	for t, delta := range info.KeyCountDelta {
		stats := m.state.VersionStats[t]
		stats.TotalKeyCount += delta
		m.state.VersionStats[t] = stats
	}
	for _, id := range info.FirstCommitJobs {
		if job, ok := m.state.Jobs[id]; ok {
			job.FirstCommitted = true
		}
	}
	for id, e := range info.BackfillEpochs {
		if job, ok := m.state.Jobs[id]; ok {
			job.BackfillEpoch = e
		}
	}
	for _, id := range info.FinishedJobs {
		m.markCreated(id)
	}
}

func (m *Manager) markCreated(id types.JobID) {
	job, ok := m.state.Jobs[id]
	if !ok || job.Status == types.JobCreated {
		return
	}
	job.Status = types.JobCreated
	job.FirstCommitted = true
	m.bumpVersion()
	m.wakeWaiters(id)
}

func (m *Manager) removeJobTables(job *types.StreamingJob) {
	if job.Graph == nil {
		return
	}
	for _, t := range job.Graph.StateTableIDs() {
		delete(m.state.CommittedEpochs, t)
		delete(m.state.VersionStats, t)
		delete(m.state.TableLogs, t)
	}
}

func (m *Manager) truncateLog(table types.TableID, before types.Epoch) {
	logs := m.state.TableLogs[table]
	i := 0
	for i < len(logs) && logs[i].CheckpointEpoch < before {
		i++
	}
	if i == len(logs) {
		delete(m.state.TableLogs, table)
		return
	}
	m.state.TableLogs[table] = append([]types.LogEpochBatch(nil), logs[i:]...)
}

func (m *Manager) wakeWaiters(id types.JobID) {
	for _, ch := range m.waiters[id] {
		close(ch)
	}
	delete(m.waiters, id)
}
