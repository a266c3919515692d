package meta

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/ChuLiYu/epoch-barrier/internal/storage/wal"
	"github.com/ChuLiYu/epoch-barrier/pkg/types"
)

// AddWorker registers or updates a compute node. It reports whether the
// worker was new.
func (m *Manager) AddWorker(ctx context.Context, worker types.WorkerNode) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.state.Workers[worker.ID]
	if exists && cur == worker {
		return false, nil
	}
	if err := m.persist(wal.EventWorkerAdd, workerEvent{Worker: worker}); err != nil {
		return false, err
	}
	m.logger.Info("worker registered", "worker_id", worker.ID, "host", worker.Host, "parallelism", worker.Parallelism)
	return !exists, nil
}

// RemoveWorker forgets a compute node.
func (m *Manager) RemoveWorker(ctx context.Context, id types.WorkerID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.state.Workers[id]; !exists {
		return fmt.Errorf("%w: %d", ErrWorkerNotFound, id)
	}
	return m.persist(wal.EventWorkerRemove, workerRemoveEvent{ID: id})
}

// Workers lists the compute nodes ordered by id.
func (m *Manager) Workers() []types.WorkerNode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.WorkerNode, 0, len(m.state.Workers))
	for _, w := range m.state.Workers {
		out = append(out, w)
	}
	slices.SortFunc(out, func(a, b types.WorkerNode) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// GetWorker looks up a compute node.
func (m *Manager) GetWorker(id types.WorkerID) (types.WorkerNode, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.state.Workers[id]
	return w, ok
}

// AvailableParallelism sums the parallelism of schedulable compute nodes.
func (m *Manager) AvailableParallelism() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, w := range m.state.Workers {
		if w.Schedulable {
			total += w.Parallelism
		}
	}
	return total
}
