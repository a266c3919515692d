package barrier

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/ChuLiYu/epoch-barrier/pkg/types"
)

var (
	// ErrRecovery fails commands that were in flight or queued when the
	// coordinator started a recovery.
	ErrRecovery = errors.New("barrier: command aborted by recovery")
	// ErrCoordinatorStopped is returned once the coordinator loop exited.
	ErrCoordinatorStopped = errors.New("barrier: coordinator stopped")
	// ErrCommandCanceled is returned to a queued create that was cancelled
	// before its barrier was injected.
	ErrCommandCanceled = errors.New("barrier: command canceled before injection")
	// ErrJobNotFound is returned when a command names a job the database does
	// not run.
	ErrJobNotFound = errors.New("barrier: job not found")
	// ErrUnknownFragment is returned by a reschedule of a fragment the
	// database does not run.
	ErrUnknownFragment = errors.New("barrier: unknown fragment")
	// ErrNothingToMerge is returned when none of the jobs of a merge command
	// is ready to be merged.
	ErrNothingToMerge = errors.New("barrier: no job ready to merge")
)

type scheduledCommand struct {
	database types.DatabaseID
	command  Command
	done     chan error
	queuedAt time.Time
}

// finish delivers the outcome exactly once.
func (c *scheduledCommand) finish(err error) {
	select {
	case c.done <- err:
	default:
	}
}

// Scheduler queues commands per database until the coordinator attaches
// them to a barrier. Commands of one database run in FIFO order.
type Scheduler struct {
	mu     sync.Mutex
	queues map[types.DatabaseID][]*scheduledCommand
	closed error
	notify chan struct{}
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		queues: make(map[types.DatabaseID][]*scheduledCommand),
		notify: make(chan struct{}, 1),
	}
}

// RunCommand queues cmd and blocks until its barrier is durably committed or
// the command failed. Returning because ctx is done does not withdraw a
// command that was already injected.
func (s *Scheduler) RunCommand(ctx context.Context, db types.DatabaseID, cmd Command) error {
	done := s.Schedule(db, cmd)
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Schedule queues cmd without waiting. The returned channel yields the
// outcome once.
func (s *Scheduler) Schedule(db types.DatabaseID, cmd Command) <-chan error {
	sc := &scheduledCommand{database: db, command: cmd, done: make(chan error, 1), queuedAt: time.Now()}

	s.mu.Lock()
	if s.closed != nil {
		s.mu.Unlock()
		sc.finish(s.closed)
		return sc.done
	}
	s.queues[db] = append(s.queues[db], sc)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return sc.done
}

// Notify is signalled whenever a command is queued.
func (s *Scheduler) Notify() <-chan struct{} { return s.notify }

// TryCancelScheduledCreate withdraws a create command of job that has not
// been injected yet. It reports whether one was found.
func (s *Scheduler) TryCancelScheduledCreate(db types.DatabaseID, job types.JobID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.queues[db]
	for i, sc := range queue {
		create, ok := sc.command.(CreateStreamingJob)
		if !ok || create.Job.ID != job {
			continue
		}
		s.queues[db] = slices.Delete(queue, i, i+1)
		sc.finish(ErrCommandCanceled)
		return true
	}
	return false
}

// pop takes the oldest queued command of a database.
func (s *Scheduler) pop(db types.DatabaseID) (*scheduledCommand, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.queues[db]
	if len(queue) == 0 {
		return nil, false
	}
	sc := queue[0]
	if len(queue) == 1 {
		delete(s.queues, db)
	} else {
		s.queues[db] = queue[1:]
	}
	return sc, true
}

// databases lists the databases with queued commands.
func (s *Scheduler) databases() []types.DatabaseID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.DatabaseID, 0, len(s.queues))
	for db := range s.queues {
		out = append(out, db)
	}
	slices.Sort(out)
	return out
}

// queued counts the commands waiting for a barrier.
func (s *Scheduler) queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}

// failAll fails every queued command.
func (s *Scheduler) failAll(err error) {
	s.mu.Lock()
	queues := s.queues
	s.queues = make(map[types.DatabaseID][]*scheduledCommand)
	s.mu.Unlock()

	for _, q := range queues {
		for _, sc := range q {
			sc.finish(err)
		}
	}
}

// close fails queued commands and rejects new ones.
func (s *Scheduler) close(err error) {
	s.mu.Lock()
	s.closed = err
	s.mu.Unlock()
	s.failAll(err)
}
