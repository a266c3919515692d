// ============================================================================
// Control Stream Manager
// ============================================================================
//
// Package: internal/controlstream
// File: manager.go
// Purpose: Own one bidirectional control stream per connected worker,
// fan barriers out to them and fan their responses back in.
//
// Architecture:
//
//	           ┌──────────────┐  InjectBarrier / partial graph requests
//	Coordinator│   Manager    │──────────────────────────────> worker 1..N
//	           │  nodes map   │
//	           │  ready chan  │<── reader goroutine per worker (responses)
//	           └──────────────┘
//
// Each reader goroutine pushes into its node's buffered channel and signals
// the shared ready channel. PollNextResponse drains the node channels without
// blocking; the coordinator waits on Ready() when nothing is pending.
//
// Failure handling:
//   - connect retries with exponential backoff (100ms x5, capped at 3s,
//     5 attempts), then gives up on the worker
//   - a stream error, a Shutdown or a second Init from a worker removes it
//     from the connected set and is reported once through PollNextResponse
//
// ============================================================================

package controlstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/epoch-barrier/internal/ledger"
	"github.com/ChuLiYu/epoch-barrier/internal/metrics"
	"github.com/ChuLiYu/epoch-barrier/internal/rpc"
	"github.com/ChuLiYu/epoch-barrier/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrWorkerNotConnected is returned when a barrier targets actors on a
	// worker without a live stream.
	ErrWorkerNotConnected = errors.New("controlstream: worker not connected")
	// ErrWorkerShutdown is reported when a worker announces shutdown.
	ErrWorkerShutdown = errors.New("controlstream: worker is shutting down")
	// ErrUnexpectedResponse is reported for an Init or empty response on an
	// established stream.
	ErrUnexpectedResponse = errors.New("controlstream: unexpected response")
	// ErrStreamEnded is reported when a worker closes its stream.
	ErrStreamEnded = errors.New("controlstream: stream ended")
)

// WorkerError attributes a failure to a worker.
type WorkerError struct {
	WorkerID types.WorkerID
	Err      error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %d: %v", e.WorkerID, e.Err)
}

func (e *WorkerError) Unwrap() error { return e.Err }

// ============================================================================
// Types
// ============================================================================

// Config tunes connection retries.
type Config struct {
	InitialBackoff time.Duration `yaml:"connect_initial_backoff"`
	MaxBackoff     time.Duration `yaml:"connect_max_backoff"`
	Multiplier     float64       `yaml:"connect_multiplier"`
	MaxRetry       int           `yaml:"connect_max_retry"`
}

// DefaultConfig returns the production retry policy.
func DefaultConfig() Config {
	return Config{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     3 * time.Second,
		Multiplier:     5,
		MaxRetry:       5,
	}
}

// WorkerResponse is one item produced by PollNextResponse. Exactly one of
// Response and Err is set.
type WorkerResponse struct {
	WorkerID types.WorkerID
	Response *rpc.StreamingControlResponse
	Err      error
}

// InjectRequest describes one barrier for one partial graph of a database.
type InjectRequest struct {
	DatabaseID    types.DatabaseID
	CreatingJobID *types.JobID
	Barrier       types.BarrierInfo
	Mutation      *types.Mutation
	// PreGraph holds the fragments whose actors must collect the barrier.
	PreGraph []*types.FragmentInfo
	// PostGraph holds the fragments whose state tables are synced by it.
	PostGraph             []*types.FragmentInfo
	ActorsToBuild         map[types.WorkerID][]types.FragmentBuildInfo
	SubscriptionsToAdd    []types.SubscriptionUpstreamInfo
	SubscriptionsToRemove []types.SubscriptionUpstreamInfo
}

// PartialGraphID returns the graph the barrier belongs to.
func (r *InjectRequest) PartialGraphID() types.PartialGraphID {
	if r.CreatingJobID != nil {
		return types.PartialGraphOf(*r.CreatingJobID)
	}
	return types.SteadyStateGraph
}

type nodeResult struct {
	resp *rpc.StreamingControlResponse
	err  error
}

type node struct {
	worker    types.WorkerNode
	stream    rpc.ControlStream
	responses chan nodeResult
	done      chan struct{}
	closeOnce sync.Once
}

func (n *node) close() {
	n.closeOnce.Do(func() {
		close(n.done)
		_ = n.stream.Close()
	})
}

// Manager multiplexes the control streams of every worker.
type Manager struct {
	cfg     Config
	dialer  rpc.Dialer
	metrics *metrics.Collector
	tracer  trace.Tracer
	logger  *slog.Logger

	mu     sync.RWMutex
	nodes  map[types.WorkerID]*node
	cursor int
	ready  chan struct{}
}

// NewManager creates a manager with no connections.
func NewManager(dialer rpc.Dialer, cfg Config, m *metrics.Collector) *Manager {
	return &Manager{
		cfg:     cfg,
		dialer:  dialer,
		metrics: m,
		tracer:  otel.Tracer("epoch-barrier/controlstream"),
		logger:  slog.With("component", "control-stream"),
		nodes:   make(map[types.WorkerID]*node),
		ready:   make(chan struct{}, 1),
	}
}

// ============================================================================
// Connection management
// ============================================================================

// AddWorker connects a newly joined worker, retrying with backoff. A worker
// that is already connected is left untouched.
func (m *Manager) AddWorker(ctx context.Context, worker types.WorkerNode, init *rpc.InitRequest) error {
	if m.IsConnected(worker.ID) {
		m.logger.Warn("worker already connected, skip", "worker_id", worker.ID)
		return nil
	}

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(m.cfg.InitialBackoff),
		backoff.WithMultiplier(m.cfg.Multiplier),
		backoff.WithMaxInterval(m.cfg.MaxBackoff),
		backoff.WithMaxElapsedTime(0),
	)
	retries := uint64(0)
	if m.cfg.MaxRetry > 1 {
		retries = uint64(m.cfg.MaxRetry - 1)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)

	err := backoff.RetryNotify(func() error {
		n, err := m.connect(ctx, worker, init)
		if err != nil {
			m.metrics.RecordConnectFailure()
			return err
		}
		m.install(n)
		return nil
	}, policy, func(err error, next time.Duration) {
		m.logger.Warn("failed to connect to worker, retrying",
			"worker_id", worker.ID, "host", worker.Host, "next", next, "error", err)
	})
	if err != nil {
		m.logger.Error("give up connecting to worker",
			"worker_id", worker.ID, "host", worker.Host, "attempts", m.cfg.MaxRetry, "error", err)
		return &WorkerError{WorkerID: worker.ID, Err: err}
	}
	m.logger.Info("worker connected", "worker_id", worker.ID, "host", worker.Host)
	return nil
}

// TryReconnectWorker makes a single connection attempt and replaces any
// existing stream of the worker.
func (m *Manager) TryReconnectWorker(ctx context.Context, worker types.WorkerNode, init *rpc.InitRequest) error {
	n, err := m.connect(ctx, worker, init)
	if err != nil {
		m.metrics.RecordConnectFailure()
		return &WorkerError{WorkerID: worker.ID, Err: err}
	}
	m.install(n)
	m.logger.Info("worker reconnected", "worker_id", worker.ID)
	return nil
}

// Reset drops every stream and reconnects the given workers concurrently
// under a new term. It returns the workers that could not be reached.
func (m *Manager) Reset(ctx context.Context, workers []types.WorkerNode, init *rpc.InitRequest) map[types.WorkerID]error {
	m.Clear()

	var (
		mu     sync.Mutex
		failed = make(map[types.WorkerID]error)
		g      errgroup.Group
	)
	for _, w := range workers {
		g.Go(func() error {
			n, err := m.connect(ctx, w, init)
			if err != nil {
				m.metrics.RecordConnectFailure()
				m.logger.Warn("failed to reconnect worker during reset", "worker_id", w.ID, "error", err)
				mu.Lock()
				failed[w.ID] = err
				mu.Unlock()
				return nil
			}
			m.install(n)
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

// Clear closes every stream.
func (m *Manager) Clear() {
	m.mu.Lock()
	nodes := m.nodes
	m.nodes = make(map[types.WorkerID]*node)
	m.mu.Unlock()

	for _, n := range nodes {
		n.close()
	}
}

// RemoveWorker closes the stream of a worker that left the cluster.
func (m *Manager) RemoveWorker(id types.WorkerID) {
	m.mu.Lock()
	n, ok := m.nodes[id]
	delete(m.nodes, id)
	m.mu.Unlock()
	if ok {
		n.close()
	}
}

// IsConnected reports whether the worker has a live stream.
func (m *Manager) IsConnected(id types.WorkerID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.nodes[id]
	return ok
}

// ConnectedWorkers lists connected workers in ascending order.
func (m *Manager) ConnectedWorkers() []types.WorkerID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedIDsLocked()
}

func (m *Manager) sortedIDsLocked() []types.WorkerID {
	ids := make([]types.WorkerID, 0, len(m.nodes))
	for id := range m.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (m *Manager) connect(ctx context.Context, worker types.WorkerNode, init *rpc.InitRequest) (*node, error) {
	stream, err := m.dialer.Dial(ctx, worker, init)
	if err != nil {
		return nil, err
	}
	n := &node{
		worker:    worker,
		stream:    stream,
		responses: make(chan nodeResult, 128),
		done:      make(chan struct{}),
	}
	go m.readLoop(n)
	return n, nil
}

func (m *Manager) install(n *node) {
	m.mu.Lock()
	old, ok := m.nodes[n.worker.ID]
	m.nodes[n.worker.ID] = n
	m.mu.Unlock()
	if ok {
		old.close()
	}
}

func (m *Manager) readLoop(n *node) {
	for {
		resp, err := n.stream.Recv()
		select {
		case n.responses <- nodeResult{resp: resp, err: err}:
			m.notify()
		case <-n.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (m *Manager) notify() {
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// ============================================================================
// Requests
// ============================================================================

// InjectBarrier sends the barrier to every connected worker. It fails without
// sending anything when a worker owning actors to collect or to build is not
// connected. The returned map records, for every worker that received the
// barrier, whether it owns no actors in the graph.
func (m *Manager) InjectBarrier(ctx context.Context, req InjectRequest) (ledger.NodeToCollect, error) {
	graphID := req.PartialGraphID()
	actorsToCollect := types.ActorsToCollect(req.PreGraph)
	tableIDs := types.TableIDsOf(req.PostGraph)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for w := range actorsToCollect {
		if _, ok := m.nodes[w]; !ok {
			return nil, &WorkerError{WorkerID: w, Err: fmt.Errorf("%w: barrier %s of graph %s", ErrWorkerNotConnected, req.Barrier, graphID)}
		}
	}
	for w := range req.ActorsToBuild {
		if _, ok := m.nodes[w]; !ok {
			return nil, &WorkerError{WorkerID: w, Err: fmt.Errorf("%w: actors to build in graph %s", ErrWorkerNotConnected, graphID)}
		}
	}

	ctx, span := m.tracer.Start(ctx, "barrier.inject", trace.WithAttributes(
		attribute.Int64("database", int64(req.DatabaseID)),
		attribute.String("graph", graphID.String()),
		attribute.String("kind", string(req.Barrier.Kind.Type)),
	))
	defer span.End()
	carrier := propagation.MapCarrier{}
	propagation.TraceContext{}.Inject(ctx, carrier)

	nodeToCollect := make(ledger.NodeToCollect, len(m.nodes))
	for _, id := range m.sortedIDsLocked() {
		n := m.nodes[id]
		actors := actorsToCollect[id]
		msg := &rpc.StreamingControlRequest{InjectBarrier: &rpc.InjectBarrierRequest{
			RequestID:      uuid.NewString(),
			DatabaseID:     req.DatabaseID,
			PartialGraphID: graphID,
			Barrier: rpc.Barrier{
				Epoch:          rpc.BarrierEpoch{Curr: req.Barrier.Curr, Prev: req.Barrier.Prev},
				Mutation:       req.Mutation,
				TracingContext: carrier,
				Kind:           req.Barrier.Kind,
			},
			ActorIDsToCollect:     actors,
			TableIDsToSync:        tableIDs,
			ActorsToBuild:         req.ActorsToBuild[id],
			SubscriptionsToAdd:    req.SubscriptionsToAdd,
			SubscriptionsToRemove: req.SubscriptionsToRemove,
		}}
		if err := n.stream.Send(msg); err != nil {
			m.logger.Error("failed to inject barrier", "worker_id", id, "graph", graphID, "epoch", req.Barrier.Prev, "error", err)
			span.RecordError(err)
			return nil, &WorkerError{WorkerID: id, Err: fmt.Errorf("send barrier: %w", err)}
		}
		nodeToCollect[id] = len(actors) == 0
	}
	m.metrics.RecordInjected()
	m.logger.Debug("barrier injected", "database_id", req.DatabaseID, "graph", graphID,
		"barrier", req.Barrier.String(), "workers", len(nodeToCollect))
	return nodeToCollect, nil
}

// AddPartialGraph registers a creating job's graph on every worker.
func (m *Manager) AddPartialGraph(db types.DatabaseID, graph types.PartialGraphID) {
	m.broadcast(&rpc.StreamingControlRequest{CreatePartialGraph: &rpc.CreatePartialGraphRequest{
		DatabaseID: db, PartialGraphID: graph,
	}})
}

// RemovePartialGraph drops the graphs of finished or cancelled creating jobs.
func (m *Manager) RemovePartialGraph(db types.DatabaseID, jobs []types.JobID) {
	if len(jobs) == 0 {
		return
	}
	graphs := make([]types.PartialGraphID, 0, len(jobs))
	for _, j := range jobs {
		graphs = append(graphs, types.PartialGraphOf(j))
	}
	m.broadcast(&rpc.StreamingControlRequest{RemovePartialGraph: &rpc.RemovePartialGraphRequest{
		DatabaseID: db, PartialGraphIDs: graphs,
	}})
}

// ResetDatabase asks every worker to drop the database's in-flight state and
// returns the workers the request reached.
func (m *Manager) ResetDatabase(db types.DatabaseID, resetRequestID uint32) map[types.WorkerID]struct{} {
	return m.broadcast(&rpc.StreamingControlRequest{ResetDatabase: &rpc.ResetDatabaseRequest{
		DatabaseID: db, ResetRequestID: resetRequestID,
	}})
}

// broadcast sends to every connected worker; failures are logged and the
// worker is left for the response path to report.
func (m *Manager) broadcast(req *rpc.StreamingControlRequest) map[types.WorkerID]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sent := make(map[types.WorkerID]struct{}, len(m.nodes))
	for id, n := range m.nodes {
		if err := n.stream.Send(req); err != nil {
			m.logger.Warn("failed to send control request", "worker_id", id, "error", err)
			continue
		}
		sent[id] = struct{}{}
	}
	return sent
}

// ============================================================================
// Responses
// ============================================================================

// Ready is signalled whenever a worker produced something to poll.
func (m *Manager) Ready() <-chan struct{} { return m.ready }

// PollNextResponse returns a pending response without blocking. A failed
// worker is removed from the connected set and reported with Err set.
func (m *Manager) PollNextResponse() (WorkerResponse, bool) {
	m.mu.Lock()
	ids := m.sortedIDsLocked()
	if len(ids) == 0 {
		m.mu.Unlock()
		return WorkerResponse{}, false
	}
	start := m.cursor % len(ids)
	var (
		picked *node
		result nodeResult
	)
	for i := range ids {
		n := m.nodes[ids[(start+i)%len(ids)]]
		select {
		case result = <-n.responses:
			picked = n
		default:
		}
		if picked != nil {
			m.cursor = start + i + 1
			break
		}
	}
	m.mu.Unlock()

	if picked == nil {
		return WorkerResponse{}, false
	}
	id := picked.worker.ID
	if err := classify(result); err != nil {
		m.logger.Warn("worker stream failed", "worker_id", id, "error", err)
		m.mu.Lock()
		if cur, ok := m.nodes[id]; ok && cur == picked {
			delete(m.nodes, id)
		}
		m.mu.Unlock()
		picked.close()
		return WorkerResponse{WorkerID: id, Err: &WorkerError{WorkerID: id, Err: err}}, true
	}
	return WorkerResponse{WorkerID: id, Response: result.resp}, true
}

// NextResponse blocks until a response is available or ctx is done.
func (m *Manager) NextResponse(ctx context.Context) (WorkerResponse, error) {
	for {
		if resp, ok := m.PollNextResponse(); ok {
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return WorkerResponse{}, ctx.Err()
		case <-m.ready:
		}
	}
}

func classify(r nodeResult) error {
	switch {
	case r.err != nil:
		return fmt.Errorf("%w: %v", ErrStreamEnded, r.err)
	case r.resp == nil || r.resp.IsEmpty():
		return fmt.Errorf("%w: empty response", ErrUnexpectedResponse)
	case r.resp.Shutdown != nil:
		return ErrWorkerShutdown
	case r.resp.Init != nil:
		return fmt.Errorf("%w: init on established stream", ErrUnexpectedResponse)
	}
	return nil
}
