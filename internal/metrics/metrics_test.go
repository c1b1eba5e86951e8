package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)

	m.ObserveRun(OutcomeSucceeded, 20, 150*time.Millisecond)
	m.ObserveRun(OutcomeSucceeded, 5, 10*time.Millisecond)
	m.ObserveRun(OutcomeFailed, 0, time.Second)
	m.IncRetry()
	m.IncAbandoned()
	m.IncClockSkew()
	due := time.Date(2026, 10, 14, 22, 0, 0, 0, time.UTC)
	m.SetDue(due, 2)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.runs.WithLabelValues(OutcomeSucceeded)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.runs.WithLabelValues(OutcomeFailed)))
	assert.Equal(t, float64(25), testutil.ToFloat64(m.itemsProcessed))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.retries))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.abandoned))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.clockSkew))
	assert.Equal(t, float64(due.Unix()), testutil.ToFloat64(m.dueTimestamp))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.retriesLeft))

	m.SetDue(time.Time{}, 0)
	assert.Zero(t, testutil.ToFloat64(m.dueTimestamp))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["cleanupd_job_runs_total"])
	assert.True(t, names["cleanupd_job_run_duration_seconds"])
}

func TestReRegistrationReusesCollectors(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	a := MustNewMetrics(reg)
	b := MustNewMetrics(reg)
	a.IncRetry()
	assert.Equal(t, float64(1), testutil.ToFloat64(b.retries))
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.ObserveRun(OutcomeFailed, 1, time.Second)
	m.IncRetry()
	m.IncAbandoned()
	m.IncClockSkew()
	m.SetDue(time.Now(), 1)
}
