package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/weiawesome/danmu-bridge/internal/domain"
	"github.com/weiawesome/danmu-bridge/internal/relay"
	pkglog "github.com/weiawesome/danmu-bridge/pkg/log"
)

// StatusProvider exposes the relay state.
type StatusProvider interface {
	Snapshot() relay.Status
}

// HTTPHandler serves the status API.
type HTTPHandler struct {
	status StatusProvider
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(status StatusProvider) *HTTPHandler {
	return &HTTPHandler{status: status}
}

// NewRouter registers the status routes behind the request logger.
// metricsHandler is mounted on /metrics when non-nil.
func NewRouter(h *HTTPHandler, logger zerolog.Logger, metricsHandler http.Handler) *mux.Router {
	router := mux.NewRouter()
	router.Use(pkglog.HTTPMiddleware(logger))

	if metricsHandler != nil {
		router.Handle("/metrics", metricsHandler).Methods("GET")
	}
	router.HandleFunc("/api/v1/status", h.GetStatus).Methods("GET")
	router.HandleFunc("/api/v1/rooms/{room_id}", h.GetRoom).Methods("GET")
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	return router
}

// GetStatus handles GET /api/v1/status
func (h *HTTPHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status.Snapshot())
}

// GetRoom handles GET /api/v1/rooms/{room_id}
// Returns 404 when the room is not being relayed.
func (h *HTTPHandler) GetRoom(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseRoomID(mux.Vars(r)["room_id"])
	if err != nil {
		http.Error(w, "invalid room_id", http.StatusBadRequest)
		return
	}

	for _, room := range h.status.Snapshot().Rooms {
		if room.RoomID == id {
			writeJSON(w, http.StatusOK, room)
			return
		}
	}
	http.Error(w, "room not subscribed", http.StatusNotFound)
}

// HealthCheck handles GET /health
func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
