// ============================================================================
// Epoch-Barrier Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose barrier, checkpoint and recovery metrics.
//
// Metrics:
//
//  1. Gauges (per database / per job):
//     - barrier_inflight: barriers injected but not yet durable
//     - barrier_committed_epoch: last durable epoch
//     - snapshot_backfill_lag: upstream epoch lag of a merging creating job
//     - streaming_job_executions: creations in progress
//     - recovery_time_seconds: duration of the last recovery
//
//  2. Counters:
//     - barrier_injected_total
//     - control_stream_connect_failures_total
//     - recovery_total
//
//  3. Histogram:
//     - barrier_collect_latency_seconds: injection to full collection
//
// Example queries:
//
//	# p99 collection latency
//	histogram_quantile(0.99, barrier_collect_latency_seconds_bucket)
//
//	# checkpoint progress
//	deriv(barrier_committed_epoch[1m])
//
// A nil *Collector is valid and records nothing.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/epoch-barrier/pkg/types"
)

// Collector holds every metric of the meta node.
type Collector struct {
	barrierInflight  *prometheus.GaugeVec
	committedEpoch   *prometheus.GaugeVec
	backfillLag      *prometheus.GaugeVec
	jobExecutions    prometheus.Gauge
	recoveryTime     prometheus.Gauge
	barriersInjected prometheus.Counter
	connectFailures  prometheus.Counter
	recoveries       prometheus.Counter
	collectLatency   prometheus.Histogram
}

// NewCollector creates the metrics and registers them on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		barrierInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "barrier_inflight",
			Help: "Barriers injected but not yet committed",
		}, []string{"database"}),
		committedEpoch: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "barrier_committed_epoch",
			Help: "Physical time of the last committed epoch",
		}, []string{"database"}),
		backfillLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "snapshot_backfill_lag",
			Help: "Epoch lag between a snapshot backfill job and its upstream",
		}, []string{"job"}),
		jobExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streaming_job_executions",
			Help: "Streaming job creations in progress",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "recovery_time_seconds",
			Help: "Time taken by the last recovery in seconds",
		}),
		barriersInjected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barrier_injected_total",
			Help: "Total number of barriers injected",
		}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "control_stream_connect_failures_total",
			Help: "Total number of failed control stream connection attempts",
		}),
		recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recovery_total",
			Help: "Total number of global recoveries",
		}),
		collectLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "barrier_collect_latency_seconds",
			Help:    "Latency between barrier injection and full collection",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.barrierInflight,
		c.committedEpoch,
		c.backfillLag,
		c.jobExecutions,
		c.recoveryTime,
		c.barriersInjected,
		c.connectFailures,
		c.recoveries,
		c.collectLatency,
	)
	return c
}

func dbLabel(db types.DatabaseID) string { return strconv.FormatUint(uint64(db), 10) }

// RecordInjected counts one injected barrier.
func (c *Collector) RecordInjected() {
	if c == nil {
		return
	}
	c.barriersInjected.Inc()
}

// SetInflight sets the number of non-durable barriers of a database.
func (c *Collector) SetInflight(db types.DatabaseID, n int) {
	if c == nil {
		return
	}
	c.barrierInflight.WithLabelValues(dbLabel(db)).Set(float64(n))
}

// RecordCollected observes collection latency.
func (c *Collector) RecordCollected(seconds float64) {
	if c == nil {
		return
	}
	c.collectLatency.Observe(seconds)
}

// SetCommittedEpoch records the last durable epoch of a database.
func (c *Collector) SetCommittedEpoch(db types.DatabaseID, epoch types.Epoch) {
	if c == nil {
		return
	}
	c.committedEpoch.WithLabelValues(dbLabel(db)).Set(float64(epoch.PhysicalTime()))
}

// SetBackfillLag records the upstream lag of a creating job, in epochs.
func (c *Collector) SetBackfillLag(job types.JobID, lag uint64) {
	if c == nil {
		return
	}
	c.backfillLag.WithLabelValues(strconv.FormatUint(uint64(job), 10)).Set(float64(lag))
}

// DeleteBackfillLag drops the series of a job that left the bootstrap phase.
func (c *Collector) DeleteBackfillLag(job types.JobID) {
	if c == nil {
		return
	}
	c.backfillLag.DeleteLabelValues(strconv.FormatUint(uint64(job), 10))
}

// RecordConnectFailure counts a failed connection attempt.
func (c *Collector) RecordConnectFailure() {
	if c == nil {
		return
	}
	c.connectFailures.Inc()
}

// RecordRecovery counts a recovery and its duration.
func (c *Collector) RecordRecovery(seconds float64) {
	if c == nil {
		return
	}
	c.recoveries.Inc()
	c.recoveryTime.Set(seconds)
}

// AddJobExecution adjusts the number of creations in progress.
func (c *Collector) AddJobExecution(delta int) {
	if c == nil {
		return
	}
	c.jobExecutions.Add(float64(delta))
}

// StartServer serves g on /metrics until the listener fails.
func StartServer(port int, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
