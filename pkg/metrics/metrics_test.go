package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() != name {
			continue
		}

		for _, metric := range family.GetMetric() {
			matches := true

			for _, pair := range metric.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
					matches = false
				}
			}

			if matches {
				return metric.GetCounter().GetValue()
			}
		}
	}

	return 0
}

func TestMetrics_Record(t *testing.T) {
	m := New()

	m.RecordEvent("message_received")
	m.RecordEvent("message_received")
	m.RecordJobFinished(JobRetried, time.Second)
	m.RecordJobsCancelled("manual_cancel", 3)
	m.RecordJobsCancelled("manual_cancel", 0)
	m.RecordJobClaimed()

	assert.InDelta(t, 2, counterValue(t, m, "convoflow_events_total", map[string]string{"event_type": "message_received"}), 0)
	assert.InDelta(t, 1, counterValue(t, m, "convoflow_jobs_finished_total", map[string]string{"outcome": JobRetried}), 0)
	assert.InDelta(t, 3, counterValue(t, m, "convoflow_jobs_cancelled_total", map[string]string{"reason": "manual_cancel"}), 0)
	assert.InDelta(t, 1, counterValue(t, m, "convoflow_jobs_claimed_total", nil), 0)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordEvent("x")
		m.RecordExecution("success", time.Second)
		m.RecordJobsRecovered(2)
		m.RecordHTTPRequest("GET", "/health", "200", time.Millisecond)
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.RecordExecution("success", 10*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "convoflow_executions_total")
}
