package amplitude

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors for the connector. Registered once at package load;
// all clients in a process share them.
var (
	// requestDuration tracks the latency distribution of Amplitude API calls.
	// Labels: operation, status (HTTP status code or "error")
	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "amplitude_request_duration_seconds",
			Help: "Amplitude API request latency in seconds",
			Buckets: []float64{
				0.01, // 10ms - local/cached responses
				0.05, // 50ms - fast API calls
				0.1,  // 100ms - typical ingest call
				0.25,
				0.5,
				1,
				2.5, // batch uploads
				5,
				10, // export downloads
				30,
			},
		},
		[]string{"operation", "status"},
	)

	// requestRetries counts retry attempts after throttled or unavailable
	// responses. Labels: operation
	requestRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amplitude_request_retries_total",
			Help: "Total number of retried Amplitude API requests",
		},
		[]string{"operation"},
	)

	// eventsIngested counts events acknowledged by the ingest endpoints.
	// Labels: operation
	eventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amplitude_events_ingested_total",
			Help: "Total number of events acknowledged by Amplitude",
		},
		[]string{"operation"},
	)

	// exportRecords counts event records decoded from export archives
	exportRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "amplitude_export_records_total",
			Help: "Total number of records decoded from export archives",
		},
	)

	// malformedRecords counts export lines skipped as unparseable
	malformedRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "amplitude_export_malformed_records_total",
			Help: "Total number of malformed export records skipped",
		},
	)

	// quotaRejections counts identify updates refused by the local
	// per-user quota before any dispatch
	quotaRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "amplitude_quota_rejections_total",
			Help: "Total number of updates rejected by the per-user quota",
		},
	)
)

// Metrics records connector observability signals. A nil *Metrics is valid
// and drops every observation, so metrics can be disabled via configuration
// without guarding call sites.
type Metrics struct{}

// NewMetrics returns a recorder backed by the package collectors, or nil
// when disabled.
func NewMetrics(enabled bool) *Metrics {
	if !enabled {
		return nil
	}
	return &Metrics{}
}

// ObserveRequest records one completed HTTP exchange. A status of 0 means
// the request failed before a response arrived.
func (m *Metrics) ObserveRequest(op Operation, status int, d time.Duration) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	requestDuration.WithLabelValues(op.String(), label).Observe(d.Seconds())
}

// ObserveRetry records one retry attempt for the operation.
func (m *Metrics) ObserveRetry(op Operation) {
	if m == nil {
		return
	}
	requestRetries.WithLabelValues(op.String()).Inc()
}

// ObserveEventsIngested records events acknowledged by an upload call.
func (m *Metrics) ObserveEventsIngested(op Operation, n int) {
	if m == nil || n <= 0 {
		return
	}
	eventsIngested.WithLabelValues(op.String()).Add(float64(n))
}

// ObserveExportRecord records one decoded export record.
func (m *Metrics) ObserveExportRecord() {
	if m == nil {
		return
	}
	exportRecords.Inc()
}

// ObserveMalformedRecord records one skipped export line.
func (m *Metrics) ObserveMalformedRecord() {
	if m == nil {
		return
	}
	malformedRecords.Inc()
}

// ObserveQuotaRejection records one update refused by the local quota.
func (m *Metrics) ObserveQuotaRejection() {
	if m == nil {
		return
	}
	quotaRejections.Inc()
}
