package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRollsUpWorstState(t *testing.T) {
	monitor := NewMonitor()
	monitor.Register(ReporterFunc(func() Status { return Healthy("nats") }))
	monitor.Register(ReporterFunc(func() Status { return Healthy("uplinks") }))

	snapshot := monitor.Snapshot()
	assert.True(t, snapshot.Healthy)
	assert.Equal(t, StateHealthy, snapshot.Status)
	assert.Len(t, snapshot.SubStatuses, 2)

	monitor.Register(ReporterFunc(func() Status { return Degraded("rates", "stale prices") }))
	snapshot = monitor.Snapshot()
	assert.Equal(t, StateDegraded, snapshot.Status)

	monitor.Register(ReporterFunc(func() Status { return Unhealthy("nats", "connection lost") }))
	snapshot = monitor.Snapshot()
	assert.False(t, snapshot.Healthy)
	assert.Equal(t, StateUnhealthy, snapshot.Status)
}

func TestHandlerServes503WhenUnhealthy(t *testing.T) {
	monitor := NewMonitor()
	monitor.Register(ReporterFunc(func() Status { return Unhealthy("nats", "connection lost") }))

	recorder := httptest.NewRecorder()
	monitor.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)

	var snapshot Status
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &snapshot))
	assert.Equal(t, StateUnhealthy, snapshot.Status)
}

func TestHandlerServes200WhenHealthy(t *testing.T) {
	monitor := NewMonitor()
	monitor.Register(ReporterFunc(func() Status { return Healthy("nats") }))

	recorder := httptest.NewRecorder()
	monitor.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestSanitizeStripsEndpointsAndSecrets(t *testing.T) {
	status := Unhealthy("uplink",
		"dial wss://connector.example.com:7443 failed, token=abc123")
	assert.NotContains(t, status.Message, "connector.example.com")
	assert.NotContains(t, status.Message, "abc123")
	assert.Contains(t, status.Message, "[URL]")
}
