package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the agent. Scraped at /metrics on the ops endpoint.
var (
	// Session metrics
	sessionsByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "goofish_sessions",
		Help: "Current number of account sessions by state",
	}, []string{"state"})

	sessionConnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "goofish_session_connects_total",
		Help: "Total WebSocket connections established to the marketplace",
	})

	sessionReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "goofish_session_reconnects_total",
		Help: "Total reconnect attempts after a session loss",
	})

	heartbeatTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "goofish_heartbeat_timeouts_total",
		Help: "Total reconnects forced by missing heartbeat acks",
	})

	// Frame metrics
	framesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "goofish_frames_received_total",
		Help: "Total inbound frames by classification",
	}, []string{"type"})

	framesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "goofish_frames_sent_total",
		Help: "Total outbound frames written to the socket",
	})

	sendQueueDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "goofish_send_queue_dropped_total",
		Help: "Total outbound frames dropped because the send queue was full",
	})

	// Reply metrics
	repliesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "goofish_replies_total",
		Help: "Total replies produced by source",
	}, []string{"source"})

	// Delivery metrics
	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "goofish_deliveries_total",
		Help: "Total auto-delivery attempts by outcome",
	}, []string{"outcome"})

	shipConfirms = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "goofish_ship_confirms_total",
		Help: "Total ship confirmation calls by outcome",
	}, []string{"outcome"})

	// API client metrics
	apiCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "goofish_api_calls_total",
		Help: "Total marketplace API calls by api name and outcome",
	}, []string{"api", "outcome"})

	apiCallDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "goofish_api_call_duration_seconds",
		Help:    "Marketplace API call latency",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	tokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "goofish_token_refreshes_total",
		Help: "Total token refresh attempts by outcome",
	}, []string{"outcome"})

	// Notification metrics
	notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "goofish_notifications_total",
		Help: "Total notifications dispatched by kind and outcome",
	}, []string{"kind", "outcome"})

	// Catalog fetcher metrics
	itemsFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "goofish_items_fetched_total",
		Help: "Total catalog items saved by the background fetcher",
	})

	// System metrics
	memoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "goofish_memory_bytes",
		Help: "Current Go heap usage in bytes",
	})

	memoryLimitBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "goofish_memory_limit_bytes",
		Help: "Memory limit in bytes (from cgroup)",
	})

	processRSSBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "goofish_process_rss_bytes",
		Help: "Resident set size of the agent process",
	})

	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "goofish_cpu_usage_percent",
		Help: "Current process CPU usage percentage",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "goofish_goroutines_active",
		Help: "Current number of active goroutines",
	})
)

func init() {
	prometheus.MustRegister(sessionsByState)
	prometheus.MustRegister(sessionConnects)
	prometheus.MustRegister(sessionReconnects)
	prometheus.MustRegister(heartbeatTimeouts)

	prometheus.MustRegister(framesReceived)
	prometheus.MustRegister(framesSent)
	prometheus.MustRegister(sendQueueDrops)

	prometheus.MustRegister(repliesTotal)
	prometheus.MustRegister(deliveriesTotal)
	prometheus.MustRegister(shipConfirms)

	prometheus.MustRegister(apiCalls)
	prometheus.MustRegister(apiCallDuration)
	prometheus.MustRegister(tokenRefreshes)

	prometheus.MustRegister(notificationsTotal)
	prometheus.MustRegister(itemsFetched)

	prometheus.MustRegister(memoryUsageBytes)
	prometheus.MustRegister(memoryLimitBytes)
	prometheus.MustRegister(processRSSBytes)
	prometheus.MustRegister(cpuUsagePercent)
	prometheus.MustRegister(goroutinesActive)
}

// Frame classifications for RecordFrameReceived
const (
	FrameHeartbeatAck = "heartbeat_ack"
	FrameSync         = "sync"
	FrameChat         = "chat"
	FrameCard         = "card"
	FrameOrderStatus  = "order_status"
	FrameSystem       = "system"
	FrameOther        = "other"
)

// Reply sources for RecordReply
const (
	ReplySourceAPI     = "api"
	ReplySourceItem    = "item_keyword"
	ReplySourceKeyword = "keyword"
	ReplySourceAI      = "ai"
	ReplySourceDefault = "default"
	ReplySourceNone    = "none"
)

// Delivery outcomes for RecordDelivery
const (
	DeliveryDelivered    = "delivered"
	DeliveryNoRule       = "no_rule"
	DeliveryCooldown     = "cooldown"
	DeliveryContentError = "content_error"
	DeliveryFailed       = "failed"
)

// UpdateSessionStates replaces the per-state session gauge with a fresh
// registry snapshot.
func UpdateSessionStates(counts map[string]int) {
	sessionsByState.Reset()
	for state, n := range counts {
		sessionsByState.WithLabelValues(state).Set(float64(n))
	}
}

// RecordConnect increments the established-connection counter
func RecordConnect() {
	sessionConnects.Inc()
}

// RecordReconnect increments the reconnect counter
func RecordReconnect() {
	sessionReconnects.Inc()
}

// RecordHeartbeatTimeout increments the heartbeat timeout counter
func RecordHeartbeatTimeout() {
	heartbeatTimeouts.Inc()
}

// RecordFrameReceived increments the inbound frame counter for a classification
func RecordFrameReceived(frameType string) {
	framesReceived.WithLabelValues(frameType).Inc()
}

// RecordFrameSent increments the outbound frame counter
func RecordFrameSent() {
	framesSent.Inc()
}

// RecordSendQueueDrop increments the dropped outbound frame counter
func RecordSendQueueDrop() {
	sendQueueDrops.Inc()
}

// RecordReply increments the reply counter for a source
func RecordReply(source string) {
	repliesTotal.WithLabelValues(source).Inc()
}

// RecordDelivery increments the delivery counter for an outcome
func RecordDelivery(outcome string) {
	deliveriesTotal.WithLabelValues(outcome).Inc()
}

// RecordShipConfirm increments the ship confirmation counter for an outcome
func RecordShipConfirm(outcome string) {
	shipConfirms.WithLabelValues(outcome).Inc()
}

// RecordAPICall tracks one marketplace API call
func RecordAPICall(api, outcome string, duration time.Duration) {
	apiCalls.WithLabelValues(api, outcome).Inc()
	apiCallDuration.Observe(duration.Seconds())
}

// RecordTokenRefresh increments the token refresh counter for an outcome
func RecordTokenRefresh(outcome string) {
	tokenRefreshes.WithLabelValues(outcome).Inc()
}

// RecordNotification increments the notification counter
func RecordNotification(kind, outcome string) {
	notificationsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordItemsFetched adds to the fetched-item counter
func RecordItemsFetched(n int) {
	if n > 0 {
		itemsFetched.Add(float64(n))
	}
}
