package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestOutboxMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOutboxMetrics(reg)

	m.RecordPublish("sent")
	m.RecordPublish("sent")
	m.RecordPublish("failed")
	m.SetBacklog(3, 2, 1, 1500*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.publishAttempts.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.publishAttempts.WithLabelValues("failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.backlog.WithLabelValues("pending")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.backlog.WithLabelValues("leased")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.backlog.WithLabelValues("failed")))
	assert.Equal(t, 1.5, testutil.ToFloat64(m.oldestAge))

	m.SetBacklog(0, 0, 0, -time.Second)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.oldestAge))

	again := NewOutboxMetrics(reg)
	again.RecordPublish("sent")
	assert.Equal(t, 3.0, testutil.ToFloat64(m.publishAttempts.WithLabelValues("sent")))
}

func TestCleanupMetrics(t *testing.T) {
	m := NewCleanupMetrics(prometheus.NewRegistry())

	m.AddDeleted(4)
	m.AddDeleted(0)
	m.RecordRun(ResultOK, 4)
	m.RecordRun(ResultError, 0)

	assert.Equal(t, 4.0, testutil.ToFloat64(m.deleted))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.lastDeleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues(ResultError)))
}

func TestWorkerMetrics_NilSafe(t *testing.T) {
	var outbox *OutboxMetrics
	var cleanup *CleanupMetrics

	assert.NotPanics(t, func() {
		outbox.RecordPublish("sent")
		outbox.SetBacklog(1, 0, 0, time.Second)
		cleanup.RecordRun(ResultOK, 1)
		cleanup.AddDeleted(1)
	})
}

func TestRegisterBuildInfo(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterBuildInfo(reg, "v1.0.0", "cafe", "go1.24.0")
	RegisterBuildInfo(reg, "v1.0.0", "cafe", "go1.24.0")

	expected := `
# HELP orders_build_info Build metadata of the running order service; the value is always 1.
# TYPE orders_build_info gauge
orders_build_info{commit="cafe",go_version="go1.24.0",version="v1.0.0"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "orders_build_info"))
}
