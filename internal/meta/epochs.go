package meta

import (
	"context"
	"fmt"
	"slices"

	"github.com/ChuLiYu/epoch-barrier/internal/storage/wal"
	"github.com/ChuLiYu/epoch-barrier/pkg/types"
)

// CommitEpoch makes the checkpoints of one completion durable. It is the
// point where the barrier coordinator hands durability over to storage: once
// it returns nil the epochs survive a restart. All commits are written as one
// WAL record, so a crash leaves either every graph of the batch committed or
// none of them.
func (m *Manager) CommitEpoch(ctx context.Context, infos ...CommitInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(infos) == 0 {
		return nil
	}
	batch := make([]CommitInfo, 0, len(infos))
	for _, info := range infos {
		if len(info.Epochs) == 0 || info.Epochs[len(info.Epochs)-1] != info.Epoch {
			return fmt.Errorf("meta: commit epoch %d does not end its batch %v", info.Epoch, info.Epochs)
		}
		info.Tables = sortedTables(info.Tables)
		info.LogTables = sortedTables(info.LogTables)
		batch = append(batch, info)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, info := range batch {
		if !info.Steady {
			continue
		}
		if cur, ok := m.state.DatabaseEpochs[info.DatabaseID]; ok && info.Epoch <= cur {
			return fmt.Errorf("%w: database %d at %d, commit %d", ErrEpochRegression, info.DatabaseID, cur, info.Epoch)
		}
	}
	if err := m.persist(wal.EventCommitEpoch, commitEvent{Commits: batch}); err != nil {
		return err
	}
	for _, info := range batch {
		m.logger.Debug("epoch committed",
			"database_id", info.DatabaseID,
			"epoch", info.Epoch,
			"epochs", len(info.Epochs),
			"tables", len(info.Tables),
			"steady", info.Steady)
	}
	return nil
}

// CommittedEpoch returns the newest durable epoch of a table.
func (m *Manager) CommittedEpoch(table types.TableID) (types.Epoch, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.state.CommittedEpochs[table]
	return e, ok
}

// DatabaseCommittedEpoch returns the newest durable steady-state epoch of a
// database.
func (m *Manager) DatabaseCommittedEpoch(db types.DatabaseID) (types.Epoch, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.state.DatabaseEpochs[db]
	return e, ok
}

// TableLog returns a copy of a table's change log.
func (m *Manager) TableLog(table types.TableID) []types.LogEpochBatch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	logs := m.state.TableLogs[table]
	out := make([]types.LogEpochBatch, len(logs))
	for i, b := range logs {
		out[i] = types.LogEpochBatch{
			NonCheckpointEpochs: slices.Clone(b.NonCheckpointEpochs),
			CheckpointEpoch:     b.CheckpointEpoch,
		}
	}
	return out
}

// LoggedTables lists the tables that keep a change log.
func (m *Manager) LoggedTables() []types.TableID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.TableID, 0, len(m.state.TableLogs))
	for t := range m.state.TableLogs {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// VersionStats returns a copy of the per-table statistics.
func (m *Manager) VersionStats() map[types.TableID]types.TableStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[types.TableID]types.TableStats, len(m.state.VersionStats))
	for t, s := range m.state.VersionStats {
		out[t] = s
	}
	return out
}

// TruncateTableLog drops the change-log entries whose checkpoint epoch is
// below before.
func (m *Manager) TruncateTableLog(ctx context.Context, table types.TableID, before types.Epoch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	logs := m.state.TableLogs[table]
	if len(logs) == 0 || logs[0].CheckpointEpoch >= before {
		return nil
	}
	return m.persist(wal.EventLogTruncate, truncateEvent{Table: table, Before: before})
}

func sortedTables(tables []types.TableID) []types.TableID {
	if len(tables) == 0 {
		return nil
	}
	out := slices.Clone(tables)
	slices.Sort(out)
	return slices.Compact(out)
}
