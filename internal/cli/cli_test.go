package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/ChuLiYu/epoch-barrier/internal/meta"
	"github.com/ChuLiYu/epoch-barrier/pkg/types"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "barrierd", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	// 檢查子命令
	commands := cmd.Commands()
	assert.Len(t, commands, 3, "Should have 3 subcommands")

	commandNames := make(map[string]bool)
	for _, c := range commands {
		commandNames[c.Use] = true
	}

	assert.True(t, commandNames["run"], "Should have 'run' command")
	assert.True(t, commandNames["compute"], "Should have 'compute' command")
	assert.True(t, commandNames["status"], "Should have 'status' command")

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "configs/barrierd.yaml", configFlag.DefValue)
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()

	assert.Equal(t, "run", cmd.Use)
	assert.Contains(t, cmd.Short, "Start")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")

	jobsFlag := cmd.Flags().Lookup("jobs")
	require.NotNil(t, jobsFlag, "Should have --jobs flag")
	assert.Equal(t, "j", jobsFlag.Shorthand)
}

func TestBuildComputeCommand(t *testing.T) {
	cmd := buildComputeCommand()

	assert.Equal(t, "compute", cmd.Use)
	assert.NotNil(t, cmd.Flags().Lookup("worker-id"))
	assert.NotNil(t, cmd.Flags().Lookup("listen"))
	assert.NotNil(t, cmd.RunE)
}

func TestBuildStatusCommand(t *testing.T) {
	cmd := buildStatusCommand()

	assert.Equal(t, "status", cmd.Use)
	assert.Contains(t, cmd.Short, "status")
	assert.NotNil(t, cmd.RunE)
}

// ============================================================================
// Config 測試
// ============================================================================

func TestLoadConfig_ValidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "barrierd.yaml")

	configContent := `
meta:
  data_dir: "./test_data"
  snapshot_interval: 50
  wal_buffer_size: 8

barrier:
  interval: 250ms
  checkpoint_frequency: 4
  max_inflight_barriers: 16

control_stream:
  connect_initial_backoff: 50ms
  connect_max_retry: 2

workers:
  - id: 1
    host: "localhost:50061"
    parallelism: 4
    schedulable: true
  - id: 2
    host: "localhost:50062"
    parallelism: 2

sources:
  kafka: ["p0", "p1"]

compute:
  listen: ":6000"
  local: true
  collectors: 2
  backfill_barriers: 5

metrics:
  enabled: true
  port: 8080

tracing:
  enabled: true
  service_name: meta-test
`

	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := loadConfig(configPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "./test_data", cfg.Meta.DataDir)
	assert.Equal(t, 50, cfg.Meta.SnapshotInterval)
	assert.Equal(t, 8, cfg.Meta.WALBufferSize)

	assert.Equal(t, 250*time.Millisecond, cfg.Barrier.Interval)
	assert.Equal(t, 4, cfg.Barrier.CheckpointFrequency)
	assert.Equal(t, 16, cfg.Barrier.MaxInflightBarriers)

	assert.Equal(t, 50*time.Millisecond, cfg.ControlStream.InitialBackoff)
	assert.Equal(t, 2, cfg.ControlStream.MaxRetry)
	assert.Equal(t, 3*time.Second, cfg.ControlStream.MaxBackoff, "unset keys keep defaults")

	require.Len(t, cfg.Workers, 2)
	assert.Equal(t, types.WorkerNode{ID: 1, Host: "localhost:50061", Parallelism: 4, Schedulable: true}, cfg.Workers[0])
	assert.False(t, cfg.Workers[1].Schedulable)

	assert.Equal(t, map[string][]string{"kafka": {"p0", "p1"}}, cfg.Sources)

	assert.Equal(t, ":6000", cfg.Compute.Listen)
	assert.True(t, cfg.Compute.Local)
	assert.Equal(t, 2, cfg.Compute.Collectors)
	assert.Equal(t, 5, cfg.Compute.BackfillBarriers)
	assert.Equal(t, uint64(100), cfg.Compute.RowsPerBarrier)

	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 8080, cfg.Metrics.Port)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "meta-test", cfg.Tracing.ServiceName)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := loadConfig("/nonexistent/config.yaml")

	assert.Error(t, err)
	assert.Nil(t, cfg, "Config should be nil on error")
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	invalidYAML := `
barrier:
  interval: "not a duration"
  invalid yaml structure
    broken indentation
`
	require.NoError(t, os.WriteFile(configPath, []byte(invalidYAML), 0644))

	cfg, err := loadConfig(configPath)

	assert.Error(t, err)
	assert.Nil(t, cfg, "Config should be nil on parse error")
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestLoadConfig_EmptyFileKeepsDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "empty.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(""), 0644))

	cfg, err := loadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), *cfg)
}

func TestLoadConfig_PartialConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "partial.yaml")

	partialConfig := `
barrier:
  checkpoint_frequency: 10
`
	require.NoError(t, os.WriteFile(configPath, []byte(partialConfig), 0644))

	cfg, err := loadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Barrier.CheckpointFrequency)
	assert.Equal(t, time.Second, cfg.Barrier.Interval, "Unset fields keep their defaults")
	assert.Empty(t, cfg.Workers)
}

// ============================================================================
// Jobs File 測試
// ============================================================================

func TestLoadJobs_InvalidFile(t *testing.T) {
	_, err := loadJobs("/nonexistent/jobs.json")

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read job file")
}

func TestLoadJobs_InvalidJSON(t *testing.T) {
	jobFile := filepath.Join(t.TempDir(), "invalid.json")
	require.NoError(t, os.WriteFile(jobFile, []byte(`{"invalid json structure`), 0644))

	_, err := loadJobs(jobFile)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse job file")
}

func TestLoadJobs_Defaults(t *testing.T) {
	jobFile := filepath.Join(t.TempDir(), "jobs.json")
	content := `[
  {"id": 7, "database_id": 1, "name": "mv",
   "graph": {"fragments": {"70": {"id": 70, "type_mask": 2, "actors": {"700": {"worker_id": 1}}}}},
   "parallelism": {"kind": "fixed", "n": 1}, "max_parallelism": 4}
]`
	require.NoError(t, os.WriteFile(jobFile, []byte(content), 0644))

	jobs, err := loadJobs(jobFile)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.CreateTypeForeground, jobs[0].CreateType)
	assert.Equal(t, types.JobTypeNormal, jobs[0].Type)
	assert.Equal(t, types.FragmentMview, jobs[0].Graph.Fragments[70].TypeMask)
	assert.Equal(t, types.WorkerID(1), jobs[0].Graph.Fragments[70].Actors[700].WorkerID)
}

func TestLoadJobs_MissingGraph(t *testing.T) {
	jobFile := filepath.Join(t.TempDir(), "jobs.json")
	require.NoError(t, os.WriteFile(jobFile, []byte(`[{"id": 7, "name": "mv"}]`), 0644))

	_, err := loadJobs(jobFile)
	assert.ErrorContains(t, err, "has no graph")
}

// ============================================================================
// Status / Tracing 測試
// ============================================================================

func TestShowStatus(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Meta.DataDir = t.TempDir()

	store, err := meta.Open(cfg.Meta)
	require.NoError(t, err)
	ctx := context.Background()
	_, err = store.AddWorker(ctx, types.WorkerNode{ID: 3, Host: "cn-3:50061", Parallelism: 4, Schedulable: true})
	require.NoError(t, err)
	require.NoError(t, store.CreateJob(ctx, &types.StreamingJob{
		ID: 12, DatabaseID: 1, Name: "orders_mv", Type: types.JobTypeNormal,
		Parallelism: types.Parallelism{Kind: types.ParallelismAdaptive},
	}))
	require.NoError(t, store.Close())

	var out bytes.Buffer
	require.NoError(t, showStatus(ctx, &out, &cfg))

	assert.Contains(t, out.String(), "orders_mv")
	assert.Contains(t, out.String(), "creating")
	assert.Contains(t, out.String(), "cn-3:50061 parallelism=4 schedulable=true")
	assert.Contains(t, out.String(), "Committed Epochs:\n  └─ (none)")
}

func TestSetupTracing(t *testing.T) {
	shutdown, err := setupTracing(TracingConfig{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	shutdown, err = setupTracing(TracingConfig{Enabled: true, ServiceName: "cli-test"})
	require.NoError(t, err)
	_, span := otel.Tracer("cli-test").Start(context.Background(), "inject_barrier")
	assert.True(t, span.SpanContext().IsValid(), "an SDK provider records spans")
	span.End()
	assert.NoError(t, shutdown(context.Background()))
}

// ============================================================================
// End-to-end 測試
// 職責：以本地 compute node 驗證建立、回填、刪除與持久化的完整流程
// ============================================================================

func TestMetaNodeEndToEnd(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Meta.DataDir = t.TempDir()
	cfg.Barrier.Interval = 20 * time.Millisecond
	cfg.Compute.Local = true
	cfg.Compute.CollectDelay = time.Millisecond
	cfg.Workers = []types.WorkerNode{{ID: 1, Host: "127.0.0.1:0", Parallelism: 2, Schedulable: true}}

	ctx, cancel := context.WithCancel(context.Background())
	n, err := newMetaNode(ctx, &cfg, prometheus.NewRegistry())
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- n.coordinator.Run(ctx) }()
	stop := func() {
		cancel()
		assert.NoError(t, <-done)
		n.close()
	}

	job := &types.StreamingJob{
		ID:             40,
		DatabaseID:     1,
		Name:           "orders_mv",
		Type:           types.JobTypeNormal,
		CreateType:     types.CreateTypeForeground,
		Parallelism:    types.Parallelism{Kind: types.ParallelismFixed, N: 1},
		MaxParallelism: 4,
		Graph: &types.JobInfo{Fragments: map[types.FragmentID]*types.FragmentInfo{
			400: {ID: 400, TypeMask: types.FragmentMview, Actors: map[types.ActorID]types.ActorInfo{4000: {WorkerID: 1}}, StateTableIDs: []types.TableID{40}},
			401: {ID: 401, TypeMask: types.FragmentStreamScan, Actors: map[types.ActorID]types.ActorInfo{4001: {WorkerID: 1}}, Upstreams: []types.FragmentID{}},
		}},
	}

	createCtx, createCancel := context.WithTimeout(ctx, 10*time.Second)
	defer createCancel()
	require.NoError(t, n.createJobs(createCtx, []*types.StreamingJob{job}))

	got, ok := n.store.GetJob(40)
	require.True(t, ok)
	assert.Equal(t, types.JobCreated, got.Status, "the job finishes once its backfill actor reports done")
	epoch, ok := n.store.DatabaseCommittedEpoch(1)
	require.True(t, ok)
	assert.NotZero(t, epoch)

	require.NoError(t, n.streams.DropStreamingJobs(createCtx, 1, []types.JobID{40}))
	_, ok = n.store.GetJob(40)
	assert.False(t, ok)
	stop()

	var out bytes.Buffer
	require.NoError(t, showStatus(context.Background(), &out, &cfg))
	assert.Contains(t, out.String(), "database 1:")
	assert.Contains(t, out.String(), "Streaming Jobs:\n  └─ (none)")
}
