package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	bytesUploaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iploop_node_bytes_uploaded_total",
			Help: "Total bytes relayed from tunnel targets to the gateway",
		},
	)

	bytesDownloaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iploop_node_bytes_downloaded_total",
			Help: "Total bytes relayed from the gateway to tunnel targets",
		},
	)

	tunnelsOpened = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iploop_node_tunnels_opened_total",
			Help: "Total tunnels opened successfully",
		},
	)

	tunnelsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iploop_node_tunnels_failed_total",
			Help: "Total tunnel open attempts that failed to connect",
		},
	)

	tunnelsClosed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iploop_node_tunnels_closed_total",
			Help: "Total tunnels closed",
		},
	)

	tunnelsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "iploop_node_tunnels_active",
			Help: "Currently open tunnels",
		},
	)

	proxyRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iploop_node_proxy_requests_total",
			Help: "Total proxy requests handled",
		},
		[]string{"outcome"},
	)

	proxyLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "iploop_node_proxy_request_duration_seconds",
			Help:    "Proxy request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	connections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iploop_node_connections_total",
			Help: "Total successful gateway connections",
		},
	)

	disconnections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iploop_node_disconnections_total",
			Help: "Total gateway disconnections",
		},
	)

	sessionConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "iploop_node_session_connected",
			Help: "1 while the gateway session is connected",
		},
	)
)

func init() {
	prometheus.MustRegister(
		bytesUploaded,
		bytesDownloaded,
		tunnelsOpened,
		tunnelsFailed,
		tunnelsClosed,
		tunnelsActive,
		proxyRequests,
		proxyLatency,
		connections,
		disconnections,
		sessionConnected,
	)
}

// RecordBytesUp counts tunnel bytes flowing toward the gateway.
func RecordBytesUp(n int) {
	bytesUploaded.Add(float64(n))
}

// RecordBytesDown counts tunnel bytes written to targets.
func RecordBytesDown(n int) {
	bytesDownloaded.Add(float64(n))
}

// RecordTunnelOpened updates open/active counters.
func RecordTunnelOpened() {
	tunnelsOpened.Inc()
	tunnelsActive.Inc()
}

// RecordTunnelFailed counts a failed tunnel connect.
func RecordTunnelFailed() {
	tunnelsFailed.Inc()
}

// RecordTunnelClosed updates close/active counters.
func RecordTunnelClosed() {
	tunnelsClosed.Inc()
	tunnelsActive.Dec()
}

// RecordProxyRequest counts a completed proxy request.
func RecordProxyRequest(success bool, latencySec float64) {
	if success {
		proxyRequests.WithLabelValues("success").Inc()
	} else {
		proxyRequests.WithLabelValues("error").Inc()
	}
	proxyLatency.Observe(latencySec)
}

// RecordConnected marks a successful gateway connection.
func RecordConnected() {
	connections.Inc()
	sessionConnected.Set(1)
}

// RecordDisconnected marks a gateway disconnection.
func RecordDisconnected() {
	disconnections.Inc()
	sessionConnected.Set(0)
}
