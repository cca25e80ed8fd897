package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingestion metrics
	TelemetryMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cnc_telemetry_messages_total",
			Help: "Telemetry messages by processing outcome",
		},
		[]string{"outcome"},
	)

	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cnc_transitions_total",
			Help: "Persisted transitions by new status",
		},
		[]string{"status"},
	)

	// Live view metrics
	LiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cnc_live_connections",
			Help: "Number of open live view connections",
		},
	)

	LivePushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cnc_live_pushes_total",
			Help: "Live view pushes by view kind and result",
		},
		[]string{"view", "result"},
	)

	// Transfer metrics
	Transfers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cnc_transfers_total",
			Help: "File transfer operations by operation, controller variant and result",
		},
		[]string{"operation", "variant", "result"},
	)

	TransferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cnc_transfer_duration_seconds",
			Help:    "File transfer duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation", "variant"},
	)

	// Alert metrics
	AlertsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cnc_stop_alerts_total",
			Help: "Web push stop alerts by result",
		},
		[]string{"result"},
	)
)

// Result maps an error to the "result" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
