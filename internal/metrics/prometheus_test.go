package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordConnectAttempt()
		m.RecordConnected()
		m.RecordAnnouncement(true)
		m.RecordRoomStarted(1)
		m.RecordRoomStopped("command", 0)
		m.RecordRelayed()
		m.RecordDropped("inactive")
		m.RecordMirrorFailure()
	})
}

func TestRecordRooms(t *testing.T) {
	m := NewMetrics()

	m.RecordRoomStarted(1)
	m.RecordRoomStarted(2)
	m.RecordRoomStopped("expired", 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RoomsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveRooms))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RoomsStopped.WithLabelValues("expired")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RoomsStopped.WithLabelValues("command")))
}

func TestRecordAnnouncement(t *testing.T) {
	m := NewMetrics()
	m.RecordAnnouncement(true)
	m.RecordAnnouncement(false)
	m.RecordAnnouncement(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Announcements.WithLabelValues("available")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Announcements.WithLabelValues("occupied")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := NewMetrics()
	m.RecordRelayed()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "danmu_bridge_events_relayed_total 1")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
