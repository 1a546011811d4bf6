// Package metrics exposes Prometheus collectors for the telemetry buffer, rollout
// evaluator, cost monitor and alert sinks.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Event buffer
	EventsRecordedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_events_recorded_total",
			Help: "Telemetry events accepted into the buffer by kind",
		},
		[]string{"kind"},
	)

	BatchSendAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_batch_send_attempts_total",
			Help: "Batch delivery attempts by result",
		},
		[]string{"result"}, // success, failure
	)

	BatchesDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_batches_dropped_total",
			Help: "Batches dropped after exhausting retries",
		},
	)

	BatchItems = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telemetry_batch_items",
			Help:    "Number of items in each flushed batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 1000},
		},
	)

	// Rollout
	FlagEvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollout_flag_evaluations_total",
			Help: "Feature flag evaluations by result",
		},
		[]string{"result"}, // enabled, disabled, cached
	)

	FlagConfigReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollout_config_reloads_total",
			Help: "Flag configuration reloads by outcome",
		},
		[]string{"outcome"}, // applied, rejected, fallback
	)

	// Cost monitor
	CostUSDTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cost_usd_total",
			Help: "Estimated spend in USD by pricing model",
		},
		[]string{"model"},
	)

	CostUnknownModelTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cost_unknown_model_total",
			Help: "Usage samples recorded against a model missing from the price table",
		},
	)

	ThresholdAlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cost_threshold_alerts_total",
			Help: "Threshold breaches by window and outcome",
		},
		[]string{"window", "outcome"}, // fired, suppressed
	)

	// Alert sinks
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Alert notifications by channel and result",
		},
		[]string{"channel", "result"},
	)
)

// RecordEvent records an accepted telemetry event
func RecordEvent(kind string) {
	EventsRecordedTotal.WithLabelValues(kind).Inc()
}

// RecordSendAttempt records one batch delivery attempt
func RecordSendAttempt(success bool, items int) {
	if success {
		BatchSendAttemptsTotal.WithLabelValues("success").Inc()
		BatchItems.Observe(float64(items))
		return
	}
	BatchSendAttemptsTotal.WithLabelValues("failure").Inc()
}

// RecordBatchDropped records a batch abandoned after its final retry
func RecordBatchDropped() {
	BatchesDroppedTotal.Inc()
}

// RecordFlagEvaluation records a flag decision
func RecordFlagEvaluation(enabled, cached bool) {
	switch {
	case cached:
		FlagEvaluationsTotal.WithLabelValues("cached").Inc()
	case enabled:
		FlagEvaluationsTotal.WithLabelValues("enabled").Inc()
	default:
		FlagEvaluationsTotal.WithLabelValues("disabled").Inc()
	}
}

// RecordConfigReload records a flag configuration reload outcome
func RecordConfigReload(outcome string) {
	FlagConfigReloadsTotal.WithLabelValues(outcome).Inc()
}

// RecordCost records spend attributed to a model
func RecordCost(model string, usd float64, known bool) {
	if !known {
		CostUnknownModelTotal.Inc()
		return
	}
	CostUSDTotal.WithLabelValues(model).Add(usd)
}

// RecordThresholdAlert records a fired or suppressed threshold breach
func RecordThresholdAlert(window string, fired bool) {
	outcome := "suppressed"
	if fired {
		outcome = "fired"
	}
	ThresholdAlertsTotal.WithLabelValues(window, outcome).Inc()
}

// RecordNotification records a notification delivery result
func RecordNotification(channel string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	NotificationsTotal.WithLabelValues(channel, result).Inc()
}
