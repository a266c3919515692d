// ============================================================================
// Barrierd CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for the meta node, the compute node and offline status
//
// Command Structure:
//   barrierd                       # Root command
//   ├── run                        # Start the meta node
//   │   └── --jobs, -j            # Streaming jobs to create once recovered
//   ├── compute                    # Start a standalone compute node
//   │   ├── --worker-id           # Worker id announced to meta
//   │   └── --listen              # gRPC listen address
//   ├── status                     # Print the persisted checkpoint state
//   ├── --config, -c              # Config file (all commands)
//   ├── --version
//   └── --help
//
// Configuration Management:
//   YAML config file (default: configs/barrierd.yaml). Missing keys keep the
//   values of DefaultConfig. Sections:
//   - meta: data dir, snapshot interval, WAL buffer
//   - barrier: interval, checkpoint frequency, in-flight limit
//   - control_stream: connect backoff policy
//   - workers: static compute node list
//   - sources: connector name -> splits
//   - compute: settings of the simulated compute node
//   - metrics / tracing
//
// run Command:
//   1. Load config, install the tracer provider
//   2. Open the meta store, register the configured workers
//   3. Start in-process compute nodes when compute.local is set
//   4. Start the barrier coordinator, wait for the first recovery
//   5. Create the jobs listed in --jobs
//   6. Stop on SIGINT / SIGTERM
//
//   Examples:
//     ./barrierd run
//     ./barrierd run -c cluster.yaml -j jobs.json
//
// compute Command:
//   Serves the streaming control stream for one worker.
//
//   Examples:
//     ./barrierd compute --worker-id 2 --listen :50062
//
// status Command:
//   Opens the meta store offline and prints committed epochs, jobs and
//   workers. Do not run it against a data dir a live meta node is using.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/epoch-barrier/internal/barrier"
	"github.com/ChuLiYu/epoch-barrier/internal/computenode"
	"github.com/ChuLiYu/epoch-barrier/internal/controlstream"
	"github.com/ChuLiYu/epoch-barrier/internal/meta"
	"github.com/ChuLiYu/epoch-barrier/internal/metrics"
	"github.com/ChuLiYu/epoch-barrier/internal/rpc"
	"github.com/ChuLiYu/epoch-barrier/internal/source"
	"github.com/ChuLiYu/epoch-barrier/internal/stream"
	"github.com/ChuLiYu/epoch-barrier/pkg/types"
)

// Config represents the complete system configuration structure
type Config struct {
	Meta          meta.Config          `yaml:"meta"`
	Barrier       barrier.Config       `yaml:"barrier"`
	ControlStream controlstream.Config `yaml:"control_stream"`
	Workers       []types.WorkerNode   `yaml:"workers"`
	Sources       map[string][]string  `yaml:"sources"`
	Compute       ComputeConfig        `yaml:"compute"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Tracing TracingConfig `yaml:"tracing"`
}

// ComputeConfig configures the simulated compute node.
type ComputeConfig struct {
	Listen string `yaml:"listen"`
	// Local starts one in-process compute node per configured worker,
	// listening on the worker's host.
	Local              bool `yaml:"local"`
	computenode.Config `yaml:",inline"`
}

// DefaultConfig returns the config used for keys the file leaves out.
func DefaultConfig() Config {
	cfg := Config{
		Meta:          meta.DefaultConfig(),
		Barrier:       barrier.DefaultConfig(),
		ControlStream: controlstream.DefaultConfig(),
		Compute: ComputeConfig{
			Listen: ":50061",
			Config: computenode.DefaultConfig(1),
		},
		Tracing: TracingConfig{ServiceName: "barrierd"},
	}
	cfg.Metrics.Port = 9090
	return cfg
}

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "barrierd",
		Short: "barrierd: barrier-driven checkpoint coordinator",
		Long: `barrierd drives epoch barriers through a streaming cluster:
- per-database barrier timelines with ordered checkpoint commits
- snapshot-backfill jobs bootstrapped on their own partial graph
- WAL + snapshot backed meta store with full recovery`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/barrierd.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildComputeCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var jobsFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the meta node",
		Long:  "Start the barrier coordinator, the stream manager and optionally local compute nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			var jobs []*types.StreamingJob
			if jobsFile != "" {
				if jobs, err = loadJobs(jobsFile); err != nil {
					return err
				}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runMeta(ctx, cfg, jobs)
		},
	}

	cmd.Flags().StringVarP(&jobsFile, "jobs", "j", "", "JSON file with streaming jobs to create")

	return cmd
}

// metaNode is everything the run command wires together.
type metaNode struct {
	store       *meta.Manager
	dialer      *rpc.GrpcDialer
	coordinator *barrier.Coordinator
	streams     *stream.Manager
	computes    []*computenode.Server
}

func newMetaNode(ctx context.Context, cfg *Config, reg prometheus.Registerer) (*metaNode, error) {
	store, err := meta.Open(cfg.Meta)
	if err != nil {
		return nil, fmt.Errorf("failed to open meta store: %w", err)
	}
	n := &metaNode{store: store}

	for _, w := range cfg.Workers {
		if cfg.Compute.Local {
			// a local node may bind an ephemeral port; meta dials the bound one
			srv, addr, err := startCompute(w.ID, w.Host, cfg.Compute.Config)
			if err != nil {
				n.close()
				return nil, err
			}
			n.computes = append(n.computes, srv)
			w.Host = addr
		}
		if _, err := store.AddWorker(ctx, w); err != nil {
			n.close()
			return nil, fmt.Errorf("failed to register worker %d: %w", w.ID, err)
		}
	}

	m := metrics.NewCollector(reg)
	n.dialer = rpc.NewGrpcDialer()
	control := controlstream.NewManager(n.dialer, cfg.ControlStream, m)
	scheduler := barrier.NewScheduler()
	n.coordinator = barrier.NewCoordinator(cfg.Barrier, store, control, scheduler, clock.New(), m)

	sources := source.NewManager()
	names := make([]string, 0, len(cfg.Sources))
	for name := range cfg.Sources {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		sources.RegisterSource(name, cfg.Sources[name])
	}
	n.streams = stream.NewManager(store, scheduler, n.coordinator, sources, m)
	return n, nil
}

func (n *metaNode) close() {
	for _, srv := range n.computes {
		srv.Stop()
	}
	if n.dialer != nil {
		if err := n.dialer.Close(); err != nil {
			slog.Warn("failed to close worker connections", "error", err)
		}
	}
	if err := n.store.Close(); err != nil {
		slog.Error("failed to close meta store", "error", err)
	}
}

// createJobs submits jobs one by one once the coordinator recovered.
func (n *metaNode) createJobs(ctx context.Context, jobs []*types.StreamingJob) error {
	select {
	case <-ctx.Done():
		return nil
	case <-n.coordinator.Recovered():
	}
	for _, job := range jobs {
		if job.ID == 0 {
			job.ID = n.store.NextJobID()
		}
		if job.Graph != nil {
			job.Graph.JobID = job.ID
			job.Graph.DatabaseID = job.DatabaseID
		}
		version, err := n.streams.CreateStreamingJob(ctx, job)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("failed to create streaming job", "job_id", job.ID, "name", job.Name, "error", err)
			continue
		}
		slog.Info("streaming job created", "job_id", job.ID, "name", job.Name, "version", version)
	}
	return nil
}

func runMeta(ctx context.Context, cfg *Config, jobs []*types.StreamingJob) error {
	shutdownTracing, err := setupTracing(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("failed to flush traces", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	n, err := newMetaNode(ctx, cfg, reg)
	if err != nil {
		return err
	}
	defer n.close()

	if cfg.Metrics.Enabled {
		go func() {
			slog.Info("starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port, reg); err != nil {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	slog.Info("meta node starting",
		"config", configFile,
		"data_dir", cfg.Meta.DataDir,
		"workers", len(cfg.Workers),
		"barrier_interval", cfg.Barrier.Interval,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.coordinator.Run(gctx) })
	g.Go(func() error { return n.createJobs(gctx, jobs) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("meta node stopped")
	return nil
}

func loadJobs(path string) ([]*types.StreamingJob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	var jobs []*types.StreamingJob
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	for i, job := range jobs {
		if job == nil || job.Graph == nil {
			return nil, fmt.Errorf("job %d in %s has no graph", i, path)
		}
		if job.CreateType == "" {
			job.CreateType = types.CreateTypeForeground
		}
		if job.Type == "" {
			job.Type = types.JobTypeNormal
		}
	}
	return jobs, nil
}

// ============================================================================
// compute
// ============================================================================

func buildComputeCommand() *cobra.Command {
	var workerID uint32
	var listen string

	cmd := &cobra.Command{
		Use:   "compute",
		Short: "Start a compute node",
		Long:  "Serve the streaming control stream of one simulated compute node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			id := cfg.Compute.WorkerID
			if cmd.Flags().Changed("worker-id") {
				id = types.WorkerID(workerID)
			}
			addr := cfg.Compute.Listen
			if listen != "" {
				addr = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runCompute(ctx, cfg, id, addr)
		},
	}

	cmd.Flags().Uint32Var(&workerID, "worker-id", 1, "worker id announced to meta")
	cmd.Flags().StringVar(&listen, "listen", "", "gRPC listen address (default compute.listen)")

	return cmd
}

func startCompute(id types.WorkerID, addr string, cfg computenode.Config) (*computenode.Server, string, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	cfg.WorkerID = id
	srv := computenode.NewServer(computenode.NewNode(cfg))
	go func() {
		if err := srv.Serve(lis); err != nil {
			slog.Error("compute node stopped with error", "worker_id", id, "error", err)
		}
	}()
	slog.Info("compute node listening", "worker_id", id, "addr", lis.Addr().String())
	return srv, lis.Addr().String(), nil
}

func runCompute(ctx context.Context, cfg *Config, id types.WorkerID, addr string) error {
	shutdownTracing, err := setupTracing(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("failed to flush traces", "error", err)
		}
	}()

	srv, _, err := startCompute(id, addr, cfg.Compute.Config)
	if err != nil {
		return err
	}
	<-ctx.Done()
	slog.Info("stopping compute node", "worker_id", id)
	srv.Stop()
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show persisted checkpoint status",
		Long:  "Display committed epochs, streaming jobs and workers from the meta store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showStatus(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}
	return cmd
}

func showStatus(ctx context.Context, w io.Writer, cfg *Config) error {
	store, err := meta.Open(cfg.Meta)
	if err != nil {
		return fmt.Errorf("failed to open meta store: %w", err)
	}
	defer store.Close()

	state, err := store.RecoverySnapshot(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           barrierd Checkpoint Status                      ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📋 Configuration:")
	fmt.Fprintf(w, "  ├─ Data Directory:   %s\n", cfg.Meta.DataDir)
	fmt.Fprintf(w, "  ├─ Barrier Interval: %s\n", cfg.Barrier.Interval)
	fmt.Fprintf(w, "  └─ Checkpoint Every: %d barriers\n", cfg.Barrier.CheckpointFrequency)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "💾 Committed Epochs:")
	dbs := make([]types.DatabaseID, 0, len(state.DatabaseEpochs))
	for db := range state.DatabaseEpochs {
		dbs = append(dbs, db)
	}
	slices.Sort(dbs)
	if len(dbs) == 0 {
		fmt.Fprintln(w, "  └─ (none)")
	}
	for _, db := range dbs {
		e := state.DatabaseEpochs[db]
		fmt.Fprintf(w, "  └─ database %d: %d (physical %d)\n", db, uint64(e), e.PhysicalTime())
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📊 Streaming Jobs:")
	ids := make([]types.JobID, 0, len(state.Jobs))
	for id := range state.Jobs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	if len(ids) == 0 {
		fmt.Fprintln(w, "  └─ (none)")
	}
	for _, id := range ids {
		job := state.Jobs[id]
		fmt.Fprintf(w, "  └─ %d %-20s %-9s %-18s %s\n", id, job.Name, job.Status, job.Type, job.Parallelism)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "🖥  Workers:")
	workers := store.Workers()
	if len(workers) == 0 {
		fmt.Fprintln(w, "  └─ (none)")
	}
	for _, wk := range workers {
		fmt.Fprintf(w, "  └─ %d %s parallelism=%d schedulable=%t\n", wk.ID, wk.Host, wk.Parallelism, wk.Schedulable)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return &cfg, nil
}
