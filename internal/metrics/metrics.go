package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Process-wide collectors. Registered once on the default registerer and
// exposed on /metrics.
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "classhub_active_sessions",
		Help: "Number of sessions currently open.",
	})

	OpenConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "classhub_open_connections",
		Help: "Number of registered WebSocket connections.",
	})

	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classhub_commands_total",
		Help: "Control commands processed, by kind.",
	}, []string{"kind"})

	BroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classhub_broadcasts_total",
		Help: "Broadcasts issued by session hubs.",
	})

	DeliveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classhub_deliveries_total",
		Help: "Per-connection message deliveries attempted.",
	})

	DeliveryFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classhub_delivery_failures_total",
		Help: "Per-connection deliveries that failed and triggered removal.",
	})

	ActivityReportsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classhub_activity_reports_total",
		Help: "Student activity reports forwarded to teacher connections.",
	})
)
