package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/danmu-bridge/internal/relay"
)

type staticStatus relay.Status

func (s staticStatus) Snapshot() relay.Status { return relay.Status(s) }

func newTestRouter() http.Handler {
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	status := staticStatus{
		State:      "connected",
		Available:  false,
		Capacity:   1,
		Rooms:      []relay.RoomStatus{{RoomID: 100, StartedAt: started}},
		InstanceID: "inst-1",
	}
	return NewRouter(NewHTTPHandler(status), zerolog.Nop(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("relay_metric 1\n"))
	}))
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthCheck(t *testing.T) {
	rec := get(t, newTestRouter(), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestGetStatus(t *testing.T) {
	rec := get(t, newTestRouter(), "/api/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{
		"state": "connected",
		"available": false,
		"capacity": 1,
		"rooms": [{"room_id": 100, "started_at": "2024-05-01T12:00:00Z"}],
		"instance_id": "inst-1"
	}`, rec.Body.String())
}

func TestGetRoom(t *testing.T) {
	router := newTestRouter()

	rec := get(t, router, "/api/v1/rooms/100")
	require.Equal(t, http.StatusOK, rec.Code)
	var room relay.RoomStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &room))
	assert.EqualValues(t, 100, room.RoomID)

	assert.Equal(t, http.StatusNotFound, get(t, router, "/api/v1/rooms/200").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, router, "/api/v1/rooms/abc").Code)
}

func TestMethodNotAllowed(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMetricsMounted(t *testing.T) {
	rec := get(t, newTestRouter(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "relay_metric 1\n", rec.Body.String())

	bare := NewRouter(NewHTTPHandler(staticStatus{}), zerolog.Nop(), nil)
	assert.Equal(t, http.StatusNotFound, get(t, bare, "/metrics").Code)
}
