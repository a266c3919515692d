package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/epoch-barrier/pkg/types"
)

func TestNewCollector(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	assert.NotNil(t, collector.barrierInflight)
	assert.NotNil(t, collector.committedEpoch)
	assert.NotNil(t, collector.backfillLag)
	assert.NotNil(t, collector.collectLatency)
	assert.NotNil(t, collector.recoveries)
}

func TestDoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestRecordValues(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordInjected()
	c.RecordInjected()
	assert.Equal(t, 2.0, testutil.ToFloat64(c.barriersInjected))

	c.SetInflight(1, 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(c.barrierInflight.WithLabelValues("1")))

	c.SetCommittedEpoch(1, types.EpochFromPhysicalTime(500))
	assert.Equal(t, 500.0, testutil.ToFloat64(c.committedEpoch.WithLabelValues("1")))

	c.SetBackfillLag(7, 42)
	assert.Equal(t, 42.0, testutil.ToFloat64(c.backfillLag.WithLabelValues("7")))
	c.DeleteBackfillLag(7)
	assert.Equal(t, 0, testutil.CollectAndCount(c.backfillLag))

	c.RecordRecovery(1.5)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.recoveries))
	assert.Equal(t, 1.5, testutil.ToFloat64(c.recoveryTime))

	c.AddJobExecution(1)
	c.AddJobExecution(-1)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.jobExecutions))

	c.RecordConnectFailure()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connectFailures))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	require.NotPanics(t, func() {
		c.RecordInjected()
		c.SetInflight(1, 1)
		c.RecordCollected(0.1)
		c.SetCommittedEpoch(1, 1)
		c.SetBackfillLag(1, 1)
		c.DeleteBackfillLag(1)
		c.RecordConnectFailure()
		c.RecordRecovery(1)
		c.AddJobExecution(1)
	})
}
