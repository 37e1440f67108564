package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total number of HTTP requests processed by the relay.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_ws_events_total",
			Help: "Total number of websocket lifecycle events.",
		},
		[]string{"event"},
	)
	inboundEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_inbound_events_total",
			Help: "Inbound client events accepted for processing, by type.",
		},
		[]string{"type"},
	)
	rejectedEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_rejected_events_total",
			Help: "Inbound client events rejected, by error code.",
		},
		[]string{"code"},
	)
	fanoutRecipients = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_fanout_recipients",
			Help:    "Number of devices reached by a single room broadcast.",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
	)
	fanoutDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_fanout_dropped_total",
			Help: "Outbound events that could not be handed to a device connection.",
		},
	)
	onlineDevices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_online_devices",
			Help: "Devices currently considered online.",
		},
	)
	snapshotErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_snapshot_errors_total",
			Help: "Room snapshot load and save failures.",
		},
		[]string{"op"},
	)
	publishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_publish_errors_total",
			Help: "Total number of event bus publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsActiveConnections,
		wsEventsTotal,
		inboundEventsTotal,
		rejectedEventsTotal,
		fanoutRecipients,
		fanoutDroppedTotal,
		onlineDevices,
		snapshotErrorsTotal,
		publishErrorsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncWSActive() {
	wsActiveConnections.Inc()
}

func DecWSActive() {
	wsActiveConnections.Dec()
}

func IncWSEvent(event string) {
	wsEventsTotal.WithLabelValues(event).Inc()
}

func IncInboundEvent(eventType string) {
	inboundEventsTotal.WithLabelValues(eventType).Inc()
}

func IncRejectedEvent(code string) {
	rejectedEventsTotal.WithLabelValues(code).Inc()
}

func ObserveFanout(recipients int) {
	fanoutRecipients.Observe(float64(recipients))
}

func IncFanoutDropped() {
	fanoutDroppedTotal.Inc()
}

func SetOnlineDevices(n int) {
	onlineDevices.Set(float64(n))
}

func IncSnapshotError(op string) {
	snapshotErrorsTotal.WithLabelValues(op).Inc()
}

func IncPublishError() {
	publishErrorsTotal.Inc()
}
