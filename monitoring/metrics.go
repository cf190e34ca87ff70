package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	liveQueueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "live_queue_length_total",
			Help: "Registered users in the live queue state per queue",
		},
		[]string{"queue_id"},
	)

	bookings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_bookings_total",
			Help: "Booking requests by outcome",
		},
		[]string{"outcome"},
	)

	bookingRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_booking_rejections_total",
			Help: "Rejected bookings by the stage that rejected them",
		},
		[]string{"stage"},
	)

	liveStateDegraded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "live_state_degraded_total",
			Help: "Live state operations answered by the degraded fallback",
		},
		[]string{"operation"},
	)

	queueOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_operations_total",
			Help: "Total queue operations",
		},
		[]string{"operation", "status"},
	)

	broadcastSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_sends_total",
			Help: "Snapshot sends to live subscribers by result",
		},
		[]string{"type", "result"},
	)

	subscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "broadcast_subscribers_total",
			Help: "Currently connected live subscribers",
		},
	)

	estimateDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wait_estimate_duration_seconds",
			Help:    "Duration of batched wait-time estimates",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"kind"},
	)
)

// Monitor is the metrics facade handed to services. A nil *Monitor is valid
// and records nothing.
type Monitor struct{}

func NewMonitor() *Monitor {
	return &Monitor{}
}

func (m *Monitor) TrackBooking(outcome string) {
	if m == nil {
		return
	}
	bookings.WithLabelValues(outcome).Inc()
}

func (m *Monitor) TrackRejection(stage string) {
	if m == nil {
		return
	}
	bookingRejections.WithLabelValues(stage).Inc()
}

func (m *Monitor) TrackDegraded(operation string) {
	if m == nil {
		return
	}
	liveStateDegraded.WithLabelValues(operation).Inc()
}

// Track queue operations
func (m *Monitor) TrackQueueOperation(operation, status string) {
	if m == nil {
		return
	}
	queueOperations.WithLabelValues(operation, status).Inc()
}

func (m *Monitor) TrackBroadcast(messageType, result string) {
	if m == nil {
		return
	}
	broadcastSends.WithLabelValues(messageType, result).Inc()
}

func (m *Monitor) SubscriberConnected() {
	if m == nil {
		return
	}
	subscribers.Inc()
}

func (m *Monitor) SubscriberGone() {
	if m == nil {
		return
	}
	subscribers.Dec()
}

func (m *Monitor) SetQueueLength(queueID string, length int) {
	if m == nil {
		return
	}
	liveQueueLength.WithLabelValues(queueID).Set(float64(length))
}

func (m *Monitor) ObserveEstimate(kind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	estimateDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}
