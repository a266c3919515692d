package meta

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/ChuLiYu/epoch-barrier/pkg/types"
)

// NotificationOp tells what happened to the objects in a notification.
type NotificationOp string

const (
	NotificationAdd    NotificationOp = "add"
	NotificationDelete NotificationOp = "delete"
	NotificationUpdate NotificationOp = "update"
)

// Notification is delivered to subscribers of catalog changes.
type Notification struct {
	Op      NotificationOp
	Version uint64
	Tables  []types.TableID
	Jobs    []types.JobID
}

// Notifier fans catalog changes out to subscribers. Slow subscribers lose
// notifications instead of blocking the sender.
type Notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Notification
	logger *slog.Logger
}

// NewNotifier creates a notifier without subscribers.
func NewNotifier() *Notifier {
	return &Notifier{
		subs:   make(map[int]chan Notification),
		logger: slog.With("component", "notifier"),
	}
}

// Subscribe returns a channel of notifications and a function that ends the
// subscription.
func (n *Notifier) Subscribe(buffer int) (<-chan Notification, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	ch := make(chan Notification, buffer)
	n.subs[id] = ch
	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if c, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(c)
		}
	}
}

// Notify delivers a notification to every subscriber.
func (n *Notifier) Notify(note Notification) {
	note.Tables = slices.Clone(note.Tables)
	note.Jobs = slices.Clone(note.Jobs)

	n.mu.Lock()
	defer n.mu.Unlock()
	for id, ch := range n.subs {
		select {
		case ch <- note:
		default:
			n.logger.Warn("drop notification for slow subscriber", "subscriber", id, "op", note.Op, "version", note.Version)
		}
	}
}

// NotifyDeleted announces dropped tables and jobs.
func (n *Notifier) NotifyDeleted(version uint64, jobs []types.JobID, tables []types.TableID) {
	n.Notify(Notification{Op: NotificationDelete, Version: version, Jobs: jobs, Tables: tables})
}
