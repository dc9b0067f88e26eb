package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerMeasuresElapsed(t *testing.T) {
	timer := NewTimer("test")
	time.Sleep(10 * time.Millisecond)

	elapsed := timer.Stop()
	assert.GreaterOrEqual(t, elapsed, 10*time.Millisecond)

	// Stopping again keeps counting from creation.
	assert.GreaterOrEqual(t, timer.Stop(), elapsed)
}

func TestThroughputTracker(t *testing.T) {
	tracker := NewThroughputTracker("test_component")

	tracker.Increment(1000)
	tracker.Increment(500)
	time.Sleep(20 * time.Millisecond)

	rate := tracker.GetAndReset()
	assert.Greater(t, rate, 0.0)

	// The gauge reflects the last computed rate.
	gauge := Throughput.WithLabelValues("test_component")
	assert.InDelta(t, rate, testutil.ToFloat64(gauge), rate*0.01)

	// Counter resets after read.
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 0.0, tracker.GetAndReset())
}

func TestLatencyTrackerWindowAndPercentile(t *testing.T) {
	tracker := NewLatencyTracker(3)

	tracker.Record(1 * time.Millisecond)
	tracker.Record(2 * time.Millisecond)
	tracker.Record(3 * time.Millisecond)
	tracker.Record(4 * time.Millisecond)

	// Oldest value evicted; window holds 2ms, 3ms, 4ms.
	assert.Equal(t, 2*time.Millisecond, tracker.GetPercentile(0))
	assert.Equal(t, 4*time.Millisecond, tracker.GetPercentile(100))
}

func TestLatencyTrackerEmpty(t *testing.T) {
	tracker := NewLatencyTracker(10)
	assert.Equal(t, time.Duration(0), tracker.GetPercentile(50))
}

func TestCounterVecLabels(t *testing.T) {
	before := testutil.ToFloat64(JobsTotal.WithLabelValues("streamed", "completed"))
	JobsTotal.WithLabelValues("streamed", "completed").Inc()
	after := testutil.ToFloat64(JobsTotal.WithLabelValues("streamed", "completed"))
	require.Equal(t, before+1, after)
}

func TestPressureLevelGauge(t *testing.T) {
	PressureLevel.Set(2)
	assert.Equal(t, 2.0, testutil.ToFloat64(PressureLevel))
	PressureLevel.Set(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(PressureLevel))
}
