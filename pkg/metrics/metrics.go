// Package metrics holds the Prometheus collectors of the server and client.
// Collectors register with the default registry on package load; the server
// exposes them on /metrics through Handler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nodesync"

// Push results.
const (
	PushNotified  = "notified"
	PushFailed    = "failed"
	PushPruned    = "pruned"
	PushSkipped   = "offline"
	ResultApplied = "applied"
	ResultFailed  = "failed"
)

var (
	mutationsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "mutations_total",
			Help:      "Mutations processed by type and resulting status",
		},
		[]string{"type", "status"},
	)

	mutationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "mutation_duration_seconds",
			Help:      "Time taken to process one mutation",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	cascadeBatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "cascade_batches_total",
			Help:      "Cascade delete batches committed",
		},
	)

	changesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "changes_total",
			Help:      "Change records appended by stream",
		},
		[]string{"stream"},
	)

	pushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "pushes_total",
			Help:      "Push delivery attempts by result",
		},
		[]string{"result"},
	)

	pulledItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "pulled_items_total",
			Help:      "Change items returned by pull requests",
		},
		[]string{"stream"},
	)

	connectedDevices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "connected_devices",
			Help:      "Devices with an open connection",
		},
	)

	reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts made by account actors",
		},
	)

	syncItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "sync_items_total",
			Help:      "Pulled items applied locally, by stream and result",
		},
		[]string{"stream", "result"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveMutation(mutationType, status string, d time.Duration) {
	mutationsProcessed.WithLabelValues(mutationType, status).Inc()
	mutationDuration.WithLabelValues(mutationType).Observe(d.Seconds())
}

func IncCascadeBatch() { cascadeBatches.Inc() }

func IncChange(stream string) { changesAppended.WithLabelValues(stream).Inc() }

func AddPushes(result string, n int) { pushes.WithLabelValues(result).Add(float64(n)) }

func AddPulledItems(stream string, n int) { pulledItems.WithLabelValues(stream).Add(float64(n)) }

func SetConnectedDevices(n int) { connectedDevices.Set(float64(n)) }

func IncReconnect() { reconnects.Inc() }

func IncSyncItem(stream, result string) { syncItems.WithLabelValues(stream, result).Inc() }
