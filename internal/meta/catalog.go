// ============================================================================
// Streaming Job Catalog
// ============================================================================
//
// 任務狀態轉換 (State Machine):
//
//	CreateJob ──> Creating ──first checkpoint / backfill finished──> Created
//	                 │                                                  │
//	                 └──AbortJob (cancel, failure, recovery)            └──DropJobs
//
// Every transition goes through the WAL (see manager.go). Waiters blocked in
// WaitStreamingJobFinished are woken when a job leaves Creating.
//
// ============================================================================

package meta

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/ChuLiYu/epoch-barrier/internal/storage/wal"
	"github.com/ChuLiYu/epoch-barrier/pkg/types"
)

// CreateJob registers a job in Creating state.
func (m *Manager) CreateJob(ctx context.Context, job *types.StreamingJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.state.Jobs[job.ID]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateJob, job.ID)
	}
	entry := job.Clone()
	entry.Status = types.JobCreating
	entry.FirstCommitted = false
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	delete(m.aborted, job.ID)
	if err := m.persist(wal.EventJobCreate, jobEvent{Job: entry}); err != nil {
		return err
	}
	m.logger.Info("streaming job registered", "job_id", job.ID, "name", job.Name, "type", job.Type)
	return nil
}

// UpdateJob replaces the catalog entry of an existing job, keeping its
// status.
func (m *Manager) UpdateJob(ctx context.Context, job *types.StreamingJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.state.Jobs[job.ID]
	if !exists {
		return fmt.Errorf("%w: %d", ErrJobNotFound, job.ID)
	}
	entry := job.Clone()
	entry.Status = cur.Status
	entry.FirstCommitted = cur.FirstCommitted
	entry.CreatedAt = cur.CreatedAt
	return m.persist(wal.EventJobUpdate, jobEvent{Job: entry})
}

// MarkJobCreated moves a creating job to Created.
func (m *Manager) MarkJobCreated(ctx context.Context, id types.JobID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.state.Jobs[id]
	if !exists {
		return fmt.Errorf("%w: %d", ErrJobNotFound, id)
	}
	if job.Status != types.JobCreating {
		return fmt.Errorf("%w: %d is %s", ErrJobNotCreating, id, job.Status)
	}
	return m.persist(wal.EventJobCreated, jobIDEvent{JobID: id})
}

// AbortJob removes a creating job together with its tables. Aborting a job
// that is already gone is a no-op.
func (m *Manager) AbortJob(ctx context.Context, id types.JobID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.state.Jobs[id]
	if !exists {
		return nil
	}
	if job.Status != types.JobCreating {
		return fmt.Errorf("%w: %d is %s", ErrJobNotCreating, id, job.Status)
	}
	if err := m.persist(wal.EventJobAbort, jobIDEvent{JobID: id, Reason: reason}); err != nil {
		return err
	}
	m.logger.Info("streaming job aborted", "job_id", id, "reason", reason)
	return nil
}

// DropJobs removes created jobs and returns the state tables that were
// dropped with them.
func (m *Manager) DropJobs(ctx context.Context, ids []types.JobID) ([]types.TableID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var tables []types.TableID
	for _, id := range ids {
		job, exists := m.state.Jobs[id]
		if !exists {
			return nil, fmt.Errorf("%w: %d", ErrJobNotFound, id)
		}
		if job.Status != types.JobCreated {
			return nil, fmt.Errorf("%w: %d is %s", ErrJobNotCreated, id, job.Status)
		}
		if job.Graph != nil {
			tables = append(tables, job.Graph.StateTableIDs()...)
		}
	}
	if err := m.persist(wal.EventJobsDrop, jobsDropEvent{JobIDs: ids}); err != nil {
		return nil, err
	}
	slices.Sort(tables)
	return slices.Compact(tables), nil
}

// GetJob returns a copy of a catalog entry.
func (m *Manager) GetJob(id types.JobID) (*types.StreamingJob, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.state.Jobs[id]
	if !ok {
		return nil, false
	}
	return job.Clone(), true
}

// ListJobs returns copies of every job of the database ordered by id. A zero
// database lists every job.
func (m *Manager) ListJobs(db types.DatabaseID) []*types.StreamingJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.StreamingJob
	for _, job := range m.state.Jobs {
		if db != 0 && job.DatabaseID != db {
			continue
		}
		out = append(out, job.Clone())
	}
	slices.SortFunc(out, func(a, b *types.StreamingJob) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// CreatingJobs lists the jobs still in Creating.
func (m *Manager) CreatingJobs() []*types.StreamingJob {
	var out []*types.StreamingJob
	for _, job := range m.ListJobs(0) {
		if job.Status == types.JobCreating {
			out = append(out, job)
		}
	}
	return out
}

// NextJobID returns an id above every job and table in the catalog.
func (m *Manager) NextJobID() types.JobID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	next := types.JobID(1)
	for id, job := range m.state.Jobs {
		if id >= next {
			next = id + 1
		}
		if job.Graph == nil {
			continue
		}
		for _, t := range job.Graph.StateTableIDs() {
			if t >= next {
				next = t + 1
			}
		}
	}
	for t := range m.state.CommittedEpochs {
		if t >= next {
			next = t + 1
		}
	}
	return next
}

// WaitStreamingJobFinished blocks until the job is Created and returns the
// notification version of that moment. It fails when the job is aborted.
func (m *Manager) WaitStreamingJobFinished(ctx context.Context, id types.JobID) (uint64, error) {
	for {
		m.mu.Lock()
		job, exists := m.state.Jobs[id]
		switch {
		case exists && job.Status == types.JobCreated:
			version := m.state.NotificationVersion
			m.mu.Unlock()
			return version, nil
		case !exists:
			reason, aborted := m.aborted[id]
			m.mu.Unlock()
			if aborted {
				return 0, fmt.Errorf("%w: %d: %s", ErrJobAborted, id, reason)
			}
			return 0, fmt.Errorf("%w: %d", ErrJobNotFound, id)
		}
		ch := make(chan struct{})
		m.waiters[id] = append(m.waiters[id], ch)
		m.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// NotificationVersion returns the current catalog version.
func (m *Manager) NotificationVersion() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.NotificationVersion
}

// ============================================================================
// Subscriptions
// ============================================================================

// AddSubscription registers a change-log subscription.
func (m *Manager) AddSubscription(ctx context.Context, sub types.Subscription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.state.Subscriptions[sub.ID]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateSubscription, sub.ID)
	}
	return m.persist(wal.EventSubscriptionAdd, subscriptionEvent{Subscription: sub})
}

// DropSubscription removes a subscription and returns it.
func (m *Manager) DropSubscription(ctx context.Context, id types.SubscriberID) (types.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return types.Subscription{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, exists := m.state.Subscriptions[id]
	if !exists {
		return types.Subscription{}, fmt.Errorf("%w: %d", ErrSubscriptionNotFound, id)
	}
	if err := m.persist(wal.EventSubscriptionDrop, subscriptionDropEvent{ID: id}); err != nil {
		return types.Subscription{}, err
	}
	return sub, nil
}

// GetSubscription looks up a subscription.
func (m *Manager) GetSubscription(id types.SubscriberID) (types.Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.state.Subscriptions[id]
	return sub, ok
}

// Subscriptions lists the subscriptions of a database ordered by id.
func (m *Manager) Subscriptions(db types.DatabaseID) []types.Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Subscription
	for _, sub := range m.state.Subscriptions {
		if sub.DatabaseID == db {
			out = append(out, sub)
		}
	}
	slices.SortFunc(out, func(a, b types.Subscription) int { return cmp.Compare(a.ID, b.ID) })
	return out
}
