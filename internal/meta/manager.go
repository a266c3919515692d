// ============================================================================
// Meta Store
// ============================================================================
//
// Package: internal/meta
// File: manager.go
// Purpose: Durable meta state of the cluster: committed epochs and change
// logs per table, the streaming job catalog, subscriptions and the compute
// nodes known to the cluster.
//
// Persistence:
//
//	mutation ──> WAL.Append (fsync) ──> apply(event) ──> every N events:
//	             snapshot.Write(state, last_seq) ──> WAL.Rotate
//
// Open loads the latest snapshot and replays WAL events after its last_seq
// through the same apply function, so live and recovered state never
// diverge.
//
// ============================================================================

package meta

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/epoch-barrier/internal/snapshot"
	"github.com/ChuLiYu/epoch-barrier/internal/storage/wal"
	"github.com/ChuLiYu/epoch-barrier/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrDuplicateJob          = errors.New("meta: job already exists")
	ErrJobNotFound           = errors.New("meta: job not found")
	ErrJobNotCreating        = errors.New("meta: job is not creating")
	ErrJobNotCreated         = errors.New("meta: job is not created")
	ErrJobAborted            = errors.New("meta: job aborted")
	ErrDuplicateSubscription = errors.New("meta: subscription already exists")
	ErrSubscriptionNotFound  = errors.New("meta: subscription not found")
	ErrWorkerNotFound        = errors.New("meta: worker not found")
	ErrEpochRegression       = errors.New("meta: committed epoch regression")
	ErrClosed                = errors.New("meta: store closed")
)

// Config locates and tunes the meta store.
type Config struct {
	DataDir string `yaml:"data_dir"`
	// SnapshotInterval is the number of WAL events between snapshots.
	SnapshotInterval int `yaml:"snapshot_interval"`
	WALBufferSize    int `yaml:"wal_buffer_size"`
}

// DefaultConfig returns the store defaults.
func DefaultConfig() Config {
	return Config{
		DataDir:          "./data",
		SnapshotInterval: 1000,
		WALBufferSize:    1,
	}
}

// Manager is the meta store. It is safe for concurrent use.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	wal     *wal.WAL
	snap    *snapshot.Manager
	state   types.SnapshotData
	applied int
	closed  bool

	// job id -> channels closed when the job leaves Creating
	waiters map[types.JobID][]chan struct{}
	// abort reasons of jobs removed while someone may still wait on them
	aborted map[types.JobID]string

	notifier *Notifier
}

// Open loads the snapshot, replays the WAL and returns a ready store.
func Open(cfg Config) (*Manager, error) {
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = DefaultConfig().SnapshotInterval
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("meta: create data dir: %w", err)
	}

	m := &Manager{
		cfg:      cfg,
		logger:   slog.With("component", "meta"),
		snap:     snapshot.NewManager(filepath.Join(cfg.DataDir, "meta.snapshot")),
		waiters:  make(map[types.JobID][]chan struct{}),
		aborted:  make(map[types.JobID]string),
		notifier: NewNotifier(),
	}

	state, err := m.snap.Load()
	if err != nil {
		return nil, fmt.Errorf("meta: load snapshot: %w", err)
	}
	m.state = state

	w, err := wal.NewWAL(filepath.Join(cfg.DataDir, "meta.wal"), true, cfg.WALBufferSize)
	if err != nil {
		return nil, fmt.Errorf("meta: open wal: %w", err)
	}
	m.wal = w
	w.EnsureSeq(state.LastSeq)

	replayed := 0
	if err := w.Replay(state.LastSeq, func(e wal.Event) error {
		replayed++
		return m.apply(e)
	}); err != nil {
		w.Close()
		return nil, fmt.Errorf("meta: replay wal: %w", err)
	}
	m.applied = replayed

	m.logger.Info("meta store opened",
		"data_dir", cfg.DataDir,
		"snapshot_seq", state.LastSeq,
		"replayed", replayed,
		"jobs", len(m.state.Jobs),
		"workers", len(m.state.Workers))
	return m, nil
}

// Close writes a final snapshot and closes the WAL.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	snapErr := m.snapshotLocked()
	if err := m.wal.Close(); err != nil {
		return err
	}
	return snapErr
}

// Notifier returns the catalog notification fan-out.
func (m *Manager) Notifier() *Notifier { return m.notifier }

// Snapshot forces a snapshot and WAL rotation.
func (m *Manager) Snapshot() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.snapshotLocked()
}

// RecoverySnapshot returns a copy of everything a full recovery rebuilds
// from.
func (m *Manager) RecoverySnapshot(ctx context.Context) (types.SnapshotData, error) {
	if err := ctx.Err(); err != nil {
		return types.SnapshotData{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneState(m.state), nil
}

// ============================================================================
// 內部輔助方法
// ============================================================================

// persist appends the event durably and applies it. Caller holds m.mu.
func (m *Manager) persist(eventType wal.EventType, payload any) error {
	if m.closed {
		return ErrClosed
	}
	seq, err := m.wal.Append(eventType, payload, true)
	if err != nil {
		return fmt.Errorf("meta: append %s: %w", eventType, err)
	}
	event, err := encodeEvent(seq, eventType, payload)
	if err != nil {
		return err
	}
	if err := m.apply(event); err != nil {
		// the event is durable; a failing apply means replay fails the same way
		m.logger.Error("apply persisted event failed", "seq", seq, "type", eventType, "error", err)
		return err
	}
	m.applied++
	if m.applied >= m.cfg.SnapshotInterval {
		if err := m.snapshotLocked(); err != nil {
			m.logger.Warn("snapshot failed, keep appending to wal", "error", err)
		}
	}
	return nil
}

func (m *Manager) snapshotLocked() error {
	if err := m.wal.Flush(); err != nil && !errors.Is(err, wal.ErrWALClosed) {
		return err
	}
	data := cloneState(m.state)
	data.LastSeq = m.wal.GetLastSeq()
	if err := m.snap.Write(data); err != nil {
		return fmt.Errorf("meta: write snapshot: %w", err)
	}
	m.state.LastSeq = data.LastSeq
	m.applied = 0
	if m.closed {
		return nil
	}
	if err := m.wal.Rotate(); err != nil {
		return fmt.Errorf("meta: rotate wal: %w", err)
	}
	m.logger.Debug("meta snapshot written", "last_seq", data.LastSeq)
	return nil
}

func (m *Manager) bumpVersion() uint64 {
	m.state.NotificationVersion++
	return m.state.NotificationVersion
}

func cloneState(s types.SnapshotData) types.SnapshotData {
	out := types.NewSnapshotData()
	out.SchemaVer = s.SchemaVer
	out.LastSeq = s.LastSeq
	out.NotificationVersion = s.NotificationVersion
	for k, v := range s.CommittedEpochs {
		out.CommittedEpochs[k] = v
	}
	for k, v := range s.DatabaseEpochs {
		out.DatabaseEpochs[k] = v
	}
	for k, v := range s.TableLogs {
		logs := make([]types.LogEpochBatch, len(v))
		for i, b := range v {
			logs[i] = types.LogEpochBatch{
				NonCheckpointEpochs: append([]types.Epoch(nil), b.NonCheckpointEpochs...),
				CheckpointEpoch:     b.CheckpointEpoch,
			}
		}
		out.TableLogs[k] = logs
	}
	for k, v := range s.VersionStats {
		out.VersionStats[k] = v
	}
	for k, v := range s.Jobs {
		out.Jobs[k] = v.Clone()
	}
	for k, v := range s.Subscriptions {
		out.Subscriptions[k] = v
	}
	for k, v := range s.Workers {
		out.Workers[k] = v
	}
	return out
}
