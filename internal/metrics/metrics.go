package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgateway_requests_total",
			Help: "Total number of chat requests by mode and final status code",
		},
		[]string{"mode", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatgateway_request_duration_seconds",
			Help:    "Request duration in seconds, including the full stream",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"mode", "model"},
	)

	AdmissionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgateway_admission_rejections_total",
			Help: "Requests rejected before reaching the upstream, by error code",
		},
		[]string{"reason"},
	)

	ModelSubstitutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgateway_model_substitutions_total",
			Help: "Requests whose model was replaced by the default free model",
		},
		[]string{"resolved"},
	)

	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgateway_upstream_errors_total",
			Help: "Total number of upstream failures",
		},
		[]string{"error_type"},
	)

	StreamsTruncated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatgateway_streams_truncated_total",
			Help: "Streams cut off by the stream deadline",
		},
	)

	SlotReleaseFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatgateway_slot_release_failures_total",
			Help: "Stream slot releases that failed and were left to expire",
		},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatgateway_active_streams",
			Help: "Number of streams currently relayed by this instance",
		},
	)

	CatalogModels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatgateway_catalog_models",
			Help: "Number of models in the live free catalog snapshot",
		},
	)

	CatalogRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgateway_catalog_refreshes_total",
			Help: "Catalog refresh attempts by result",
		},
		[]string{"result"},
	)

	BudgetUsageRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatgateway_budget_usage_ratio",
			Help: "Current daily budget usage ratio (0-1)",
		},
	)

	AuditDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatgateway_audit_events_dropped_total",
			Help: "Audit events dropped because the buffer was full",
		},
	)
)

func RecordRequest(mode, model, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(mode, model, status).Inc()
	RequestDuration.WithLabelValues(mode, model).Observe(durationSec)
}

func RecordRejection(reason string) {
	AdmissionRejections.WithLabelValues(reason).Inc()
}

func RecordSubstitution(resolved string) {
	ModelSubstitutions.WithLabelValues(resolved).Inc()
}

func RecordUpstreamError(errorType string) {
	UpstreamErrors.WithLabelValues(errorType).Inc()
}

func RecordCatalogRefresh(ok bool, models int) {
	if !ok {
		CatalogRefreshes.WithLabelValues("failure").Inc()
		return
	}
	CatalogRefreshes.WithLabelValues("success").Inc()
	CatalogModels.Set(float64(models))
}

func SetBudgetUsage(ratio float64) {
	BudgetUsageRatio.Set(ratio)
}

func IncrementActiveStreams() {
	ActiveStreams.Inc()
}

func DecrementActiveStreams() {
	ActiveStreams.Dec()
}
