package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/ai-response-service/internal/queue"
)

func TestMetrics_JobOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	job := &queue.Job{ID: "1", QueueName: "gen"}

	m.JobStarted(job)
	m.JobFailed(job, errors.New("boom"), true)
	m.JobStarted(job)
	m.JobCompleted(job, 2*time.Second)
	m.JobStarted(job)
	m.JobFailed(job, errors.New("boom"), false)

	assert.InDelta(t, 1, testutil.ToFloat64(m.jobsProcessed.WithLabelValues("gen", OutcomeRetried)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.jobsProcessed.WithLabelValues("gen", OutcomeCompleted)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.jobsProcessed.WithLabelValues("gen", OutcomeFailed)), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.jobsInFlight.WithLabelValues("gen")), 0)
}

func TestMetrics_QueueStatsAndRealtime(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.RecordQueueStats(&queue.Stats{Queue: "gen", Queued: 4, Delayed: 1, Active: 2})
	m.ConnectionsChanged(3)
	m.MessagesSent("user", 2)
	m.MessagesSent("user", 0)

	assert.InDelta(t, 4, testutil.ToFloat64(m.queueJobs.WithLabelValues("gen", "queued")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.queueJobs.WithLabelValues("gen", "active")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.connections), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.messagesSent.WithLabelValues("user")), 0)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "ai_response_realtime_connections 3"))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	job := &queue.Job{QueueName: "gen"}

	assert.NotPanics(t, func() {
		m.JobStarted(job)
		m.JobCompleted(job, time.Second)
		m.JobFailed(job, errors.New("x"), false)
		m.RecordQueueStats(&queue.Stats{Queue: "gen"})
		m.ConnectionsChanged(1)
		m.MessagesSent("topic", 1)
	})
}

func TestNew_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err)
}
