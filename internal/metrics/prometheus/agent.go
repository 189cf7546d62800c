package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cpeworks/cwmpd/internal/metrics"
)

// agentMetrics is the Prometheus implementation of metrics.AgentMetrics.
type agentMetrics struct {
	sessions           *prometheus.CounterVec
	sessionDuration    prometheus.Histogram
	informs            *prometheus.CounterVec
	rpcRequests        *prometheus.CounterVec
	rpcDuration        *prometheus.HistogramVec
	transfers          *prometheus.CounterVec
	transferDuration   *prometheus.HistogramVec
	connectionRequests *prometheus.CounterVec
	acsPosts           *prometheus.CounterVec
	eventQueueLength   prometheus.Gauge
	pendingTransfers   *prometheus.GaugeVec
	retryCount         prometheus.Gauge
}

// NewAgentMetrics creates a new Prometheus-backed AgentMetrics instance.
//
// Returns nil if metrics are not enabled (metrics.Init not called).
func NewAgentMetrics() metrics.AgentMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.Registry()

	return &agentMetrics{
		sessions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cwmpd_sessions_total",
				Help: "Total number of Inform sessions by result",
			},
			[]string{"result"}, // "success", "failure"
		),
		sessionDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "cwmpd_session_duration_seconds",
				Help: "Duration of Inform sessions in seconds",
				Buckets: []float64{
					0.05, // fast LAN ACS
					0.1,
					0.25,
					0.5,
					1,
					2.5,
					5,
					10,
					30, // sessions carrying transfers or many RPCs
					60,
				},
			},
		),
		informs: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cwmpd_informs_total",
				Help: "Total number of delivered Informs by event code",
			},
			[]string{"event_code"},
		),
		rpcRequests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cwmpd_rpc_requests_total",
				Help: "Total number of handled ACS RPCs by method and fault code",
			},
			[]string{"method", "fault_code"}, // fault_code "0" means success
		),
		rpcDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "cwmpd_rpc_duration_milliseconds",
				Help: "Duration of RPC handling in milliseconds",
				Buckets: []float64{
					1,
					5,
					10,
					50,
					100,
					500, // provider round trips
					1000,
					5000,
				},
			},
			[]string{"method"},
		),
		transfers: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cwmpd_transfers_total",
				Help: "Total number of file transfers by kind and fault code",
			},
			[]string{"kind", "fault_code"}, // kind: "download", "upload"
		),
		transferDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "cwmpd_transfer_duration_seconds",
				Help: "Duration of file transfers in seconds",
				Buckets: []float64{
					0.5,
					1,
					5,
					15,
					30,
					60,
					300, // firmware images over slow WAN links
					900,
				},
			},
			[]string{"kind"},
		),
		connectionRequests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cwmpd_connection_requests_total",
				Help: "Total number of ACS connection requests by HTTP status",
			},
			[]string{"status"}, // "200", "401", "409"
		),
		acsPosts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cwmpd_acs_posts_total",
				Help: "Total number of HTTP exchanges with the ACS by status",
			},
			[]string{"status"}, // "0" means transport error
		),
		eventQueueLength: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "cwmpd_event_queue_length",
				Help: "Current number of queued events awaiting delivery",
			},
		),
		pendingTransfers: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cwmpd_pending_transfers",
				Help: "Current number of scheduled transfers by kind",
			},
			[]string{"kind"},
		),
		retryCount: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "cwmpd_session_retry_count",
				Help: "Current session retry counter",
			},
		),
	}
}

func (m *agentMetrics) RecordSession(duration time.Duration, success bool, retryCount int) {
	if m == nil {
		return
	}

	result := "success"
	if !success {
		result = "failure"
	}
	m.sessions.WithLabelValues(result).Inc()
	m.sessionDuration.Observe(duration.Seconds())
	m.retryCount.Set(float64(retryCount))
}

func (m *agentMetrics) RecordInform(events []string) {
	if m == nil {
		return
	}

	for _, code := range events {
		m.informs.WithLabelValues(code).Inc()
	}
}

func (m *agentMetrics) RecordRPC(method string, duration time.Duration, faultCode int) {
	if m == nil {
		return
	}

	m.rpcRequests.WithLabelValues(method, strconv.Itoa(faultCode)).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(duration.Seconds() * 1000)
}

func (m *agentMetrics) RecordTransfer(kind string, duration time.Duration, faultCode int) {
	if m == nil {
		return
	}

	m.transfers.WithLabelValues(kind, strconv.Itoa(faultCode)).Inc()
	m.transferDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *agentMetrics) RecordConnectionRequest(status int) {
	if m == nil {
		return
	}

	m.connectionRequests.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (m *agentMetrics) RecordACSPost(status int) {
	if m == nil {
		return
	}

	m.acsPosts.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (m *agentMetrics) SetEventQueueLength(n int) {
	if m == nil {
		return
	}

	m.eventQueueLength.Set(float64(n))
}

func (m *agentMetrics) SetPendingTransfers(kind string, n int) {
	if m == nil {
		return
	}

	m.pendingTransfers.WithLabelValues(kind).Set(float64(n))
}

func (m *agentMetrics) SetRetryCount(n int) {
	if m == nil {
		return
	}

	m.retryCount.Set(float64(n))
}
