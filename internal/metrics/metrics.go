// Package metrics holds the Prometheus collectors of the chat core.
package metrics

import (
	"sync"

	"chatsync/internal/models"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce      sync.Once
	eventsPublished   *prometheus.CounterVec
	eventsDelivered   *prometheus.CounterVec
	eventsDropped     *prometheus.CounterVec
	resyncsForced     prometheus.Counter
	actionsRejected   *prometheus.CounterVec
	sessionsConnected prometheus.Gauge
	actionLatency     *prometheus.HistogramVec
)

// Register initialises the collectors and registers them with the default registry.
func Register() {
	registerOnce.Do(func() {
		eventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_events_published_total",
			Help: "Events published to the broadcast router.",
		}, []string{"type"})

		eventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_events_delivered_total",
			Help: "Events enqueued for a session.",
		}, []string{"type"})

		eventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_events_dropped_total",
			Help: "Events dropped or evicted from a full session queue.",
		}, []string{"type"})

		resyncsForced = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_resyncs_forced_total",
			Help: "Session queue overflows that required a room resync.",
		})

		actionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_actions_rejected_total",
			Help: "Client actions rejected, by error code.",
		}, []string{"code"})

		sessionsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_sessions_connected",
			Help: "Currently connected sessions.",
		})

		actionLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatsync_action_seconds",
			Help:    "Latency of client actions including durable writes.",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}, []string{"action"})

		prometheus.MustRegister(eventsPublished, eventsDelivered, eventsDropped, resyncsForced,
			actionsRejected, sessionsConnected, actionLatency)
	})
}

func EventsPublished() *prometheus.CounterVec {
	Register()
	return eventsPublished
}

func ActionsRejected() *prometheus.CounterVec {
	Register()
	return actionsRejected
}

func SessionsConnected() prometheus.Gauge {
	Register()
	return sessionsConnected
}

func ActionLatency() *prometheus.HistogramVec {
	Register()
	return actionLatency
}

// RouterObserver reports router delivery outcomes.
type RouterObserver struct{}

func (RouterObserver) Delivered(t models.EventType) {
	Register()
	eventsDelivered.WithLabelValues(string(t)).Inc()
}

func (RouterObserver) Dropped(t models.EventType) {
	Register()
	eventsDropped.WithLabelValues(string(t)).Inc()
}

func (RouterObserver) ResyncForced() {
	Register()
	resyncsForced.Inc()
}
