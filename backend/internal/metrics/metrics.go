package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// result: applied / replayed / lock_conflict / version_conflict / invalid / unresolvable / persistence
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_operations_total",
			Help: "Document operations by result",
		},
		[]string{"result"},
	)

	ApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "collab_apply_duration_seconds",
			Help:    "Time spent in ApplyOperation including queue wait",
			Buckets: prometheus.DefBuckets,
		},
	)

	DocumentsLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "collab_documents_loaded",
			Help: "Documents currently held in memory",
		},
	)

	LockEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_lock_events_total",
			Help: "Lock acquire/release attempts by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "collab_ws_connections_active",
			Help: "Open WebSocket sessions",
		},
	)

	BroadcastDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_broadcast_dropped_total",
			Help: "Events dropped because a session send buffer was full",
		},
		[]string{"type"},
	)

	ExportEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_export_events_total",
			Help: "Applied-operation events exported to Kafka by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		OperationsTotal,
		ApplyDuration,
		DocumentsLoaded,
		LockEventsTotal,
		ConnectionsActive,
		BroadcastDropped,
		ExportEventsTotal,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer 记录一段操作的耗时
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(time.Since(t.start).Seconds())
}
