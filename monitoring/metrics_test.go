package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_Counters(t *testing.T) {
	m := NewMonitor()

	before := testutil.ToFloat64(bookings.WithLabelValues("created"))
	m.TrackBooking("created")
	m.TrackBooking("created")
	assert.Equal(t, before+2, testutil.ToFloat64(bookings.WithLabelValues("created")))

	beforeDegraded := testutil.ToFloat64(liveStateDegraded.WithLabelValues("enqueue"))
	m.TrackDegraded("enqueue")
	assert.Equal(t, beforeDegraded+1, testutil.ToFloat64(liveStateDegraded.WithLabelValues("enqueue")))

	m.SetQueueLength("q-1", 7)
	assert.Equal(t, 7.0, testutil.ToFloat64(liveQueueLength.WithLabelValues("q-1")))
}

func TestMonitor_SubscriberGauge(t *testing.T) {
	m := NewMonitor()
	before := testutil.ToFloat64(subscribers)

	m.SubscriberConnected()
	m.SubscriberConnected()
	m.SubscriberGone()

	assert.Equal(t, before+1, testutil.ToFloat64(subscribers))
}

func TestMonitor_NilIsNoop(t *testing.T) {
	var m *Monitor
	assert.NotPanics(t, func() {
		m.TrackBooking("created")
		m.TrackRejection("validating")
		m.TrackDegraded("queue_length")
		m.TrackBroadcast("queue_update", "ok")
		m.SubscriberConnected()
		m.SubscriberGone()
		m.SetQueueLength("q", 1)
		m.ObserveEstimate("future", time.Second)
	})
}

func estimateHistogram(t *testing.T, kind string) *dto.Histogram {
	t.Helper()
	var metric dto.Metric
	require.NoError(t, estimateDuration.WithLabelValues(kind).(prometheus.Histogram).Write(&metric))
	return metric.GetHistogram()
}

func TestMonitor_ObserveEstimateRecordsElapsed(t *testing.T) {
	m := NewMonitor()
	before := estimateHistogram(t, "same_day")

	m.ObserveEstimate("same_day", 250*time.Millisecond)

	after := estimateHistogram(t, "same_day")
	assert.Equal(t, before.GetSampleCount()+1, after.GetSampleCount())
	assert.InDelta(t, before.GetSampleSum()+0.25, after.GetSampleSum(), 1e-9)
}
