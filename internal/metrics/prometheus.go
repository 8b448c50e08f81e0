package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains the Prometheus metrics of the relay.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Control channel
	ConnectAttempts prometheus.Counter
	Reconnects      prometheus.Counter
	Announcements   *prometheus.CounterVec

	// Rooms
	ActiveRooms  prometheus.Gauge
	RoomsStarted prometheus.Counter
	RoomsStopped *prometheus.CounterVec

	// Events
	EventsRelayed  prometheus.Counter
	EventsDropped  *prometheus.CounterVec
	MirrorFailures prometheus.Counter
}

// NewMetrics creates the metrics on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ConnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "danmu_bridge_control_connect_attempts_total",
			Help: "Initial control channel connection attempts",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "danmu_bridge_control_connects_total",
			Help: "Successful control channel connects, including reconnects",
		}),
		Announcements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "danmu_bridge_availability_announcements_total",
			Help: "Available events emitted, by status",
		}, []string{"status"}),

		ActiveRooms: f.NewGauge(prometheus.GaugeOpts{
			Name: "danmu_bridge_active_rooms",
			Help: "Rooms currently being relayed",
		}),
		RoomsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "danmu_bridge_rooms_started_total",
			Help: "Accepted StartListening commands",
		}),
		RoomsStopped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "danmu_bridge_rooms_stopped_total",
			Help: "Rooms no longer relayed, by reason",
		}, []string{"reason"}),

		EventsRelayed: f.NewCounter(prometheus.CounterOpts{
			Name: "danmu_bridge_events_relayed_total",
			Help: "Room events emitted to the controller",
		}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "danmu_bridge_events_dropped_total",
			Help: "Room events not emitted, by reason",
		}, []string{"reason"}),
		MirrorFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "danmu_bridge_mirror_failures_total",
			Help: "Room events the archive mirror failed to publish",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Metrics) RecordConnectAttempt() {
	if m != nil {
		m.ConnectAttempts.Inc()
	}
}

func (m *Metrics) RecordConnected() {
	if m != nil {
		m.Reconnects.Inc()
	}
}

func (m *Metrics) RecordAnnouncement(available bool) {
	if m == nil {
		return
	}
	status := "occupied"
	if available {
		status = "available"
	}
	m.Announcements.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordRoomStarted(active int) {
	if m != nil {
		m.RoomsStarted.Inc()
		m.ActiveRooms.Set(float64(active))
	}
}

// RecordRoomStopped counts a room leaving the relay; reason is "command",
// "expired" or "shutdown".
func (m *Metrics) RecordRoomStopped(reason string, active int) {
	if m != nil {
		m.RoomsStopped.WithLabelValues(reason).Inc()
		m.ActiveRooms.Set(float64(active))
	}
}

func (m *Metrics) RecordRelayed() {
	if m != nil {
		m.EventsRelayed.Inc()
	}
}

func (m *Metrics) RecordDropped(reason string) {
	if m != nil {
		m.EventsDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) RecordMirrorFailure() {
	if m != nil {
		m.MirrorFailures.Inc()
	}
}
