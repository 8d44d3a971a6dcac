// Package metrics exposes the conductor's Prometheus counters and
// histograms, registered once via promauto at package init.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_requests_total",
			Help: "Total number of chat completion requests processed",
		},
		[]string{"provider", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	ReservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_reservations_total",
			Help: "Total number of ledger reservations, by outcome",
		},
		[]string{"provider", "key_name", "outcome"},
	)

	RotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_rotations_total",
			Help: "Total number of times the dispatcher rotated away from a key",
		},
		[]string{"provider", "reason"},
	)

	PenaltiesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_penalties_total",
			Help: "Total number of cool-downs applied to a key",
		},
		[]string{"provider", "key_name", "reason"},
	)

	CapacityTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_capacity_timeouts_total",
			Help: "Total number of requests that failed waiting for reservable capacity",
		},
		[]string{"model"},
	)

	KeyTokensRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_key_tokens_remaining",
			Help: "Tokens remaining in the current window for a key",
		},
		[]string{"provider", "key_name"},
	)

	KeyRequestsRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_key_requests_remaining",
			Help: "Requests remaining in the current window for a key",
		},
		[]string{"provider", "key_name"},
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conductor_batch_size",
			Help:    "Number of requests submitted per batch call",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		},
	)
)

// RecordRequest observes one completed dispatch attempt's outcome and
// latency.
func RecordRequest(provider, model, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(provider, model, status).Inc()
	RequestDuration.WithLabelValues(provider, model).Observe(durationSec)
}

// RecordReservation observes a try_reserve outcome ("granted" or
// "denied").
func RecordReservation(provider, keyName, outcome string) {
	ReservationsTotal.WithLabelValues(provider, keyName, outcome).Inc()
}

// RecordRotation observes a ROTATE transition away from a key.
func RecordRotation(provider, reason string) {
	RotationsTotal.WithLabelValues(provider, reason).Inc()
}

// RecordPenalty observes a cool-down applied to a key.
func RecordPenalty(provider, keyName, reason string) {
	PenaltiesTotal.WithLabelValues(provider, keyName, reason).Inc()
}

// RecordCapacityTimeout observes a request that never found reservable
// capacity within request_timeout.
func RecordCapacityTimeout(model string) {
	CapacityTimeoutsTotal.WithLabelValues(model).Inc()
}

// SetKeyGauges publishes the live remaining-capacity gauges for one key,
// called after each Ledger.Snapshot.
func SetKeyGauges(provider, keyName string, tokensRemaining, requestsRemaining int) {
	KeyTokensRemaining.WithLabelValues(provider, keyName).Set(float64(tokensRemaining))
	KeyRequestsRemaining.WithLabelValues(provider, keyName).Set(float64(requestsRemaining))
}

// RecordBatchSize observes the number of requests submitted in one batch
// call.
func RecordBatchSize(n int) {
	BatchSize.Observe(float64(n))
}
