package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the wallet service. The struct
// is passed explicitly to every component that records metrics; a nil
// *Metrics disables collection.
type Metrics struct {
	rpcCallsTotal   *prometheus.CounterVec
	rpcCallDuration *prometheus.HistogramVec

	historyScanDuration  prometheus.Histogram
	historyChunkFailures prometheus.Counter
	historyEventsTotal   prometheus.Counter

	pollsTotal *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// New creates a Metrics instance and registers all collectors. If registry is
// nil, prometheus.DefaultRegisterer is used.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		rpcCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_rpc_calls_total",
				Help: "Total number of chain RPC calls by method and status",
			},
			[]string{"method", "status"},
		),
		rpcCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chain_rpc_call_duration_seconds",
				Help:    "Duration of chain RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method"},
		),
		historyScanDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "history_scan_duration_seconds",
				Help:    "Duration of full history reconstruction passes",
				Buckets: []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),
		historyChunkFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "history_chunk_failures_total",
				Help: "Total number of log-scan sub-ranges that failed and were skipped",
			},
		),
		historyEventsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "history_events_total",
				Help: "Total number of transfer events surviving deduplication",
			},
		),
		pollsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_polls_total",
				Help: "Total number of wallet poll cycles by outcome",
			},
			[]string{"status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by path and status code",
			},
			[]string{"path", "code"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"path"},
		),
	}
}

// ObserveRPCCall records one chain RPC round trip.
func (m *Metrics) ObserveRPCCall(method, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.rpcCallsTotal.WithLabelValues(method, status).Inc()
	m.rpcCallDuration.WithLabelValues(method).Observe(d.Seconds())
}

// ObserveHistoryScan records one full reconstruction pass.
func (m *Metrics) ObserveHistoryScan(d time.Duration, events int) {
	if m == nil {
		return
	}
	m.historyScanDuration.Observe(d.Seconds())
	m.historyEventsTotal.Add(float64(events))
}

// IncChunkFailure records one skipped log-scan sub-range.
func (m *Metrics) IncChunkFailure() {
	if m == nil {
		return
	}
	m.historyChunkFailures.Inc()
}

// IncPoll records one poll cycle outcome ("ok", "stale" or "error").
func (m *Metrics) IncPoll(status string) {
	if m == nil {
		return
	}
	m.pollsTotal.WithLabelValues(status).Inc()
}

// ObserveHTTPRequest records one served HTTP request.
func (m *Metrics) ObserveHTTPRequest(path, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(path, code).Inc()
	m.httpRequestDuration.WithLabelValues(path).Observe(d.Seconds())
}
