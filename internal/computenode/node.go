// ============================================================================
// Compute Node - Control Stream Endpoint
// ============================================================================
//
// Package: internal/computenode
// 文件: node.go
// 功能: 計算節點端的控制串流。維護 actor 狀態、套用 barrier 上的 mutation，
//       並透過 collector pool 回報 BarrierComplete。
//
// 處理順序 (每個 InjectBarrier):
//  1. 建立 ActorsToBuild 中的 actor
//  2. 對 ActorIDsToCollect 中的 backfill actor 推進進度
//  3. 套用 mutation (Stop / Update 移除的 actor 在收集之後才刪除)
//  4. 把回應交給 pool，模擬 barrier 流經 actor 的延遲
//
// Init 會重置所有狀態並開始新的 term；同一時間只有最新的 session 有效。
//
// ============================================================================

package computenode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/epoch-barrier/internal/rpc"
	"github.com/ChuLiYu/epoch-barrier/pkg/types"
)

var (
	// ErrNotInitialized is returned when a stream starts without Init.
	ErrNotInitialized = errors.New("computenode: stream not initialized")
	// ErrSessionReplaced ends a stream superseded by a newer Init.
	ErrSessionReplaced = errors.New("computenode: session replaced")
	// ErrActorNotFound is reported when a barrier names an actor the node never built.
	ErrActorNotFound = errors.New("computenode: actor not found")
)

// Config tunes the simulated compute node.
type Config struct {
	WorkerID   types.WorkerID `yaml:"worker_id"`
	Collectors int            `yaml:"collectors"`
	BufferSize int            `yaml:"buffer_size"`
	// CollectDelay is how long a barrier takes to flow through the actors.
	CollectDelay time.Duration `yaml:"collect_delay"`
	// BackfillBarriers is the number of barriers a backfill actor needs to
	// finish its snapshot.
	BackfillBarriers int `yaml:"backfill_barriers"`
	// RowsPerBarrier is what a backfill actor consumes per barrier.
	RowsPerBarrier uint64 `yaml:"rows_per_barrier"`
}

// DefaultConfig returns a config for a worker id.
func DefaultConfig(id types.WorkerID) Config {
	return Config{
		WorkerID:         id,
		Collectors:       4,
		BufferSize:       1024,
		CollectDelay:     5 * time.Millisecond,
		BackfillBarriers: 3,
		RowsPerBarrier:   100,
	}
}

type actor struct {
	id       types.ActorID
	fragment types.FragmentID
	db       types.DatabaseID
	graph    types.PartialGraphID
	backfill bool
	held     bool
	barriers int
	rows     uint64
	done     bool
	splits   []string
}

// Status is a point-in-time view of the node.
type Status struct {
	WorkerID      types.WorkerID                              `json:"worker_id"`
	TermID        string                                      `json:"term_id"`
	Actors        int                                         `json:"actors"`
	Graphs        map[types.DatabaseID]int                    `json:"graphs"`
	Paused        []types.DatabaseID                          `json:"paused,omitempty"`
	Subscriptions map[types.DatabaseID]int                    `json:"subscriptions"`
	Splits        map[types.ActorID][]string                  `json:"splits,omitempty"`
	Barriers      uint64                                      `json:"barriers"`
	Backfill      map[types.ActorID]types.CreateMviewProgress `json:"backfill,omitempty"`
}

// session is one control stream from meta.
type session struct {
	stream rpc.ServerStream
	sendMu sync.Mutex
	pool   *Pool
	done   chan struct{}
}

func (s *session) send(resp *rpc.StreamingControlResponse) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.stream.Send(resp)
}

// Node is a simulated compute node serving the control stream.
type Node struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer

	mu            sync.Mutex
	term          string
	current       *session
	actors        map[types.ActorID]*actor
	graphs        map[types.DatabaseID]map[types.PartialGraphID]struct{}
	subscriptions map[types.DatabaseID]map[types.SubscriptionUpstreamInfo]struct{}
	paused        map[types.DatabaseID]bool
	barriers      uint64
}

// NewNode creates a node without state.
func NewNode(cfg Config) *Node {
	if cfg.Collectors <= 0 {
		cfg.Collectors = 1
	}
	if cfg.BackfillBarriers <= 0 {
		cfg.BackfillBarriers = 1
	}
	n := &Node{
		cfg:    cfg,
		logger: slog.With("component", "compute-node", "worker_id", cfg.WorkerID),
		tracer: otel.Tracer("epoch-barrier/computenode"),
	}
	n.resetLocked("")
	return n
}

func (n *Node) resetLocked(term string) {
	n.term = term
	n.actors = make(map[types.ActorID]*actor)
	n.graphs = make(map[types.DatabaseID]map[types.PartialGraphID]struct{})
	n.subscriptions = make(map[types.DatabaseID]map[types.SubscriptionUpstreamInfo]struct{})
	n.paused = make(map[types.DatabaseID]bool)
}

// StreamingControlStream serves one control stream until it ends or a newer
// Init replaces it.
func (n *Node) StreamingControlStream(stream rpc.ServerStream) error {
	req, err := stream.Recv()
	if err != nil {
		return err
	}
	if req.Init == nil {
		return ErrNotInitialized
	}

	s := &session{stream: stream, pool: NewPool(max(n.cfg.BufferSize, 1)), done: make(chan struct{})}
	if err := s.pool.Start(n.cfg.Collectors); err != nil {
		return err
	}
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		n.forward(s)
	}()
	defer func() {
		s.pool.Stop()
		<-forwarded
		n.mu.Lock()
		if n.current == s {
			n.current = nil
		}
		n.mu.Unlock()
	}()

	if err := n.handleInit(s, req.Init); err != nil {
		return err
	}
	for {
		select {
		case <-s.done:
			return ErrSessionReplaced
		default:
		}
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := n.handle(stream.Context(), s, req); err != nil {
			return err
		}
	}
}

// forward sends collected barriers back to meta in completion order.
func (n *Node) forward(s *session) {
	for r := range s.pool.Results() {
		resp := &rpc.StreamingControlResponse{BarrierComplete: r.Response}
		if r.Err != nil {
			resp = &rpc.StreamingControlResponse{ReportDatabaseFailure: &rpc.ReportDatabaseFailureResponse{
				DatabaseID: r.Response.DatabaseID,
				Reason:     r.Err.Error(),
			}}
		}
		if err := s.send(resp); err != nil {
			n.logger.Debug("failed to send barrier response", "error", err)
		}
	}
}

func (n *Node) handleInit(s *session, init *rpc.InitRequest) error {
	n.mu.Lock()
	if prev := n.current; prev != nil && prev != s {
		close(prev.done)
	}
	n.current = s
	n.resetLocked(init.TermID)
	for _, db := range init.Databases {
		for _, g := range db.Graphs {
			n.addGraphLocked(db.DatabaseID, g.PartialGraphID)
			for _, sub := range g.Subscriptions {
				n.addSubscriptionLocked(db.DatabaseID, sub)
			}
		}
	}
	n.mu.Unlock()

	n.logger.Info("control stream initialized", "term_id", init.TermID, "databases", len(init.Databases))
	return s.send(&rpc.StreamingControlResponse{Init: &rpc.InitResponse{WorkerID: n.cfg.WorkerID}})
}

func (n *Node) handle(ctx context.Context, s *session, req *rpc.StreamingControlRequest) error {
	switch {
	case req.Init != nil:
		return n.handleInit(s, req.Init)

	case req.InjectBarrier != nil:
		resp, err := n.inject(ctx, req.InjectBarrier)
		if err != nil {
			n.logger.Warn("barrier rejected", "database_id", req.InjectBarrier.DatabaseID, "error", err)
			return s.send(&rpc.StreamingControlResponse{ReportDatabaseFailure: &rpc.ReportDatabaseFailureResponse{
				DatabaseID: req.InjectBarrier.DatabaseID,
				Reason:     err.Error(),
			}})
		}
		return s.pool.Submit(Task{Response: resp, Delay: n.cfg.CollectDelay})

	case req.CreatePartialGraph != nil:
		n.mu.Lock()
		n.addGraphLocked(req.CreatePartialGraph.DatabaseID, req.CreatePartialGraph.PartialGraphID)
		n.mu.Unlock()
		return nil

	case req.RemovePartialGraph != nil:
		n.removeGraphs(req.RemovePartialGraph.DatabaseID, req.RemovePartialGraph.PartialGraphIDs)
		return nil

	case req.ResetDatabase != nil:
		n.resetDatabase(req.ResetDatabase.DatabaseID)
		return s.send(&rpc.StreamingControlResponse{ResetDatabase: &rpc.ResetDatabaseResponse{
			DatabaseID:     req.ResetDatabase.DatabaseID,
			ResetRequestID: req.ResetDatabase.ResetRequestID,
		}})
	}
	return nil
}

// ============================================================================
// Barrier Handling
// ============================================================================

func (n *Node) inject(ctx context.Context, req *rpc.InjectBarrierRequest) (*types.BarrierCompleteResponse, error) {
	ctx = propagation.TraceContext{}.Extract(ctx, propagation.MapCarrier(req.Barrier.TracingContext))
	_, span := n.tracer.Start(ctx, "inject_barrier", trace.WithAttributes(
		attribute.Int64("database_id", int64(req.DatabaseID)),
		attribute.Int64("prev_epoch", int64(req.Barrier.Epoch.Prev)),
		attribute.Int("actors", len(req.ActorIDsToCollect)),
	))
	defer span.End()

	n.mu.Lock()
	defer n.mu.Unlock()

	n.addGraphLocked(req.DatabaseID, req.PartialGraphID)
	for _, f := range req.ActorsToBuild {
		for _, a := range f.Actors {
			n.actors[a.ActorID] = &actor{
				id:       a.ActorID,
				fragment: f.FragmentID,
				db:       req.DatabaseID,
				graph:    req.PartialGraphID,
				backfill: f.TypeMask.IsBackfill(),
			}
		}
	}
	for _, sub := range req.SubscriptionsToAdd {
		n.addSubscriptionLocked(req.DatabaseID, sub)
	}

	m := req.Barrier.Mutation
	if m != nil && m.Kind == types.MutationAdd && m.Add != nil {
		// paused backfill nodes must not progress on the barrier that adds them
		for _, f := range m.Add.BackfillNodesToPause {
			n.holdFragmentLocked(f, true)
		}
		if m.Add.Pause {
			n.paused[req.DatabaseID] = true
		}
	}

	resp := &types.BarrierCompleteResponse{
		RequestID:      req.RequestID,
		WorkerID:       n.cfg.WorkerID,
		DatabaseID:     req.DatabaseID,
		PartialGraphID: req.PartialGraphID,
		Epoch:          req.Barrier.Epoch.Prev,
	}
	var consumed uint64
	for _, id := range req.ActorIDsToCollect {
		a, ok := n.actors[id]
		if !ok {
			return nil, fmt.Errorf("%w: %d in database %d", ErrActorNotFound, id, req.DatabaseID)
		}
		if !a.backfill || a.done {
			continue
		}
		if !a.held && !n.paused[req.DatabaseID] {
			a.barriers++
			a.rows += n.cfg.RowsPerBarrier
			consumed += n.cfg.RowsPerBarrier
			a.done = a.barriers >= n.cfg.BackfillBarriers
		}
		lag := uint64(0)
		if !a.done {
			lag = uint64(n.cfg.BackfillBarriers - a.barriers)
		}
		resp.CreateMviewProgress = append(resp.CreateMviewProgress, types.CreateMviewProgress{
			BackfillActorID: id,
			Done:            a.done,
			ConsumedEpoch:   req.Barrier.Epoch.Curr,
			ConsumedRows:    a.rows,
			PendingEpochLag: lag,
		})
	}
	if req.Barrier.Kind.IsCheckpoint() && consumed > 0 && len(req.TableIDsToSync) > 0 {
		resp.TableKeyCountDelta = make(map[types.TableID]int64, len(req.TableIDsToSync))
		for _, t := range req.TableIDsToSync {
			resp.TableKeyCountDelta[t] = int64(consumed)
		}
	}

	if m != nil {
		n.applyMutationLocked(req.DatabaseID, m)
	}
	for _, sub := range req.SubscriptionsToRemove {
		n.removeSubscriptionLocked(req.DatabaseID, sub)
	}
	n.barriers++
	span.SetAttributes(attribute.Int("progress_reports", len(resp.CreateMviewProgress)))
	return resp, nil
}

func (n *Node) applyMutationLocked(db types.DatabaseID, m *types.Mutation) {
	switch m.Kind {
	case types.MutationAdd:
		if m.Add != nil {
			n.assignSplitsLocked(m.Add.ActorSplits)
		}
	case types.MutationStop:
		if m.Stop != nil {
			for _, id := range m.Stop.Actors {
				delete(n.actors, id)
			}
		}
	case types.MutationUpdate:
		if m.Update != nil {
			for _, id := range m.Update.DroppedActors {
				delete(n.actors, id)
			}
			n.assignSplitsLocked(m.Update.ActorSplits)
		}
	case types.MutationPause:
		n.paused[db] = true
	case types.MutationResume:
		delete(n.paused, db)
	case types.MutationDropSubscriptions:
		if m.DropSubscriptions != nil {
			for _, sub := range m.DropSubscriptions.Info {
				n.removeSubscriptionLocked(db, sub)
			}
		}
	case types.MutationStartFragmentBackfill:
		if m.StartFragmentBackfill != nil {
			for _, f := range m.StartFragmentBackfill.FragmentIDs {
				n.holdFragmentLocked(f, false)
			}
		}
	case types.MutationSplits:
		n.assignSplitsLocked(m.Splits)
	}
}

func (n *Node) assignSplitsLocked(splits types.SplitAssignment) {
	for id, sp := range splits {
		if a, ok := n.actors[id]; ok {
			a.splits = slices.Clone(sp)
		}
	}
}

func (n *Node) holdFragmentLocked(f types.FragmentID, held bool) {
	for _, a := range n.actors {
		if a.fragment == f {
			a.held = held
		}
	}
}

func (n *Node) addGraphLocked(db types.DatabaseID, g types.PartialGraphID) {
	if n.graphs[db] == nil {
		n.graphs[db] = make(map[types.PartialGraphID]struct{})
	}
	n.graphs[db][g] = struct{}{}
}

func (n *Node) addSubscriptionLocked(db types.DatabaseID, sub types.SubscriptionUpstreamInfo) {
	if n.subscriptions[db] == nil {
		n.subscriptions[db] = make(map[types.SubscriptionUpstreamInfo]struct{})
	}
	n.subscriptions[db][sub] = struct{}{}
}

func (n *Node) removeSubscriptionLocked(db types.DatabaseID, sub types.SubscriptionUpstreamInfo) {
	delete(n.subscriptions[db], sub)
}

func (n *Node) removeGraphs(db types.DatabaseID, graphs []types.PartialGraphID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, g := range graphs {
		delete(n.graphs[db], g)
		for id, a := range n.actors {
			if a.db == db && a.graph == g {
				delete(n.actors, id)
			}
		}
	}
}

func (n *Node) resetDatabase(db types.DatabaseID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.graphs, db)
	delete(n.subscriptions, db)
	delete(n.paused, db)
	for id, a := range n.actors {
		if a.db == db {
			delete(n.actors, id)
		}
	}
	n.logger.Info("database reset", "database_id", db)
}

// ============================================================================
// Operations
// ============================================================================

// ReportFailure tells meta that a database failed on this node.
func (n *Node) ReportFailure(db types.DatabaseID, reason string) error {
	return n.sendCurrent(&rpc.StreamingControlResponse{ReportDatabaseFailure: &rpc.ReportDatabaseFailureResponse{
		DatabaseID: db,
		Reason:     reason,
	}})
}

// Shutdown announces that the node is going away.
func (n *Node) Shutdown() error {
	return n.sendCurrent(&rpc.StreamingControlResponse{Shutdown: &rpc.ShutdownResponse{}})
}

func (n *Node) sendCurrent(resp *rpc.StreamingControlResponse) error {
	n.mu.Lock()
	s := n.current
	n.mu.Unlock()
	if s == nil {
		return ErrNotInitialized
	}
	return s.send(resp)
}

// Status returns a snapshot of the node's state.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	st := Status{
		WorkerID:      n.cfg.WorkerID,
		TermID:        n.term,
		Actors:        len(n.actors),
		Graphs:        make(map[types.DatabaseID]int, len(n.graphs)),
		Subscriptions: make(map[types.DatabaseID]int, len(n.subscriptions)),
		Splits:        make(map[types.ActorID][]string),
		Backfill:      make(map[types.ActorID]types.CreateMviewProgress),
		Barriers:      n.barriers,
	}
	for db, gs := range n.graphs {
		st.Graphs[db] = len(gs)
	}
	for db, subs := range n.subscriptions {
		if len(subs) > 0 {
			st.Subscriptions[db] = len(subs)
		}
	}
	for db, p := range n.paused {
		if p {
			st.Paused = append(st.Paused, db)
		}
	}
	slices.Sort(st.Paused)
	for id, a := range n.actors {
		if len(a.splits) > 0 {
			st.Splits[id] = slices.Clone(a.splits)
		}
		if a.backfill {
			st.Backfill[id] = types.CreateMviewProgress{BackfillActorID: id, Done: a.done, ConsumedRows: a.rows}
		}
	}
	return st
}
