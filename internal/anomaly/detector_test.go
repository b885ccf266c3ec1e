package anomaly

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-trust-gateway/internal/data"
	"iot-trust-gateway/internal/secevent"
)

var now = time.Unix(1700000000, 0)

func detector() *Detector {
	return NewDetector(Config{}).WithClock(func() time.Time { return now })
}

func reading(temp, offset float64) data.Fields {
	return data.Fields{
		data.KeyDeviceID:    "farm_sensor_01",
		data.KeyTemperature: temp,
		data.KeyTimestamp:   data.Seconds(now) + offset,
	}
}

func kinds(events []secevent.Event) []secevent.Kind {
	out := make([]secevent.Kind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func TestObserve_SpikeAfterWarmUp(t *testing.T) {
	d := detector()
	var all []secevent.Event
	for i, temp := range []float64{25, 25, 25, 45} {
		all = append(all, d.Observe("farm_sensor_01", reading(temp, float64(i)), "sensors.topic")...)
	}
	require.Len(t, all, 1)
	assert.Equal(t, secevent.AnomalyDetection, all[0].Kind)
	assert.Equal(t, "Suspicious temperature change detected: 25.0 -> 45.0", all[0].Details)
	assert.Equal(t, "sensors.topic", all[0].Source)
	assert.Equal(t, "farm_sensor_01", all[0].DeviceID)
}

func TestObserve_WarmUpNeverJudges(t *testing.T) {
	d := detector()
	for _, temp := range []float64{0, 100, -50} {
		assert.Empty(t, d.Observe("dev", reading(temp, 0), "s"))
	}
}

func TestObserve_WindowBoundedAndAlwaysPushed(t *testing.T) {
	d := detector()
	for _, temp := range []float64{20, 21, 22, 80, 23} {
		d.Observe("dev", reading(temp, 0), "s")
	}
	h, ok := d.Snapshot("dev")
	require.True(t, ok)
	assert.Len(t, h.Values, 3)
	assert.Equal(t, []float64{22, 80, 23}, []float64{h.Values[0].Temperature, h.Values[1].Temperature, h.Values[2].Temperature})
	assert.Equal(t, 5, h.MessageCount)
}

func TestObserve_WithinThreshold(t *testing.T) {
	d := detector()
	for _, temp := range []float64{25, 25, 25, 35} {
		assert.Empty(t, d.Observe("dev", reading(temp, 0), "s"))
	}
}

func TestObserve_FutureTimestamp(t *testing.T) {
	d := detector()
	events := d.Observe("dev", reading(25, 30), "s")
	require.Len(t, events, 1)
	assert.Equal(t, secevent.TimestampAnomaly, events[0].Kind)
	assert.Contains(t, events[0].Details, "future timestamp")

	assert.Empty(t, detector().Observe("dev", reading(25, 4), "s"), "within skew")
}

func TestObserve_BackwardTimestamp(t *testing.T) {
	d := detector()
	assert.Empty(t, d.Observe("dev", reading(25, 0), "s"))
	assert.Empty(t, d.Observe("dev", reading(25, -4), "s"), "within skew")

	events := d.Observe("dev", reading(25, -100), "s")
	require.Len(t, events, 1)
	assert.Equal(t, secevent.TimestampAnomaly, events[0].Kind)
	assert.Contains(t, events[0].Details, "timestamp went backward")
	assert.Contains(t, events[0].Details, "(prev: ")

	h, _ := d.Snapshot("dev")
	assert.Equal(t, data.Seconds(now)-100, h.LastTimestamp, "updated unconditionally")
}

func TestObserve_AllChecksFireTogether(t *testing.T) {
	d := detector()
	for i := 0; i < 3; i++ {
		d.Observe("dev", reading(25, 0), "s")
	}
	// Jumps forward into the future; then back past the last timestamp with a spike.
	events := d.Observe("dev", reading(25, 60), "s")
	assert.Equal(t, []secevent.Kind{secevent.TimestampAnomaly}, kinds(events))

	events = d.Observe("dev", reading(90, 0), "s")
	assert.Equal(t, []secevent.Kind{secevent.AnomalyDetection, secevent.TimestampAnomaly}, kinds(events))

	d2 := detector()
	d2.Observe("dev", reading(25, 100), "s")
	d2.Observe("dev", reading(25, 100), "s")
	d2.Observe("dev", reading(25, 100), "s")
	events = d2.Observe("dev", reading(50, 10), "s")
	assert.Equal(t, []secevent.Kind{secevent.AnomalyDetection, secevent.TimestampAnomaly, secevent.TimestampAnomaly}, kinds(events))
}

func TestObserve_DevicesIndependent(t *testing.T) {
	d := detector()
	for i := 0; i < 3; i++ {
		d.Observe("a", reading(25, 0), "s")
	}
	assert.Empty(t, d.Observe("b", reading(90, 0), "s"), "b is still warming up")
	assert.Equal(t, 2, d.Devices())

	d.Reset()
	_, ok := d.Snapshot("a")
	assert.False(t, ok)
}

func TestConfig_Custom(t *testing.T) {
	d := NewDetector(Config{DeviationThreshold: 2, Window: 2, WarmUp: 1}).WithClock(func() time.Time { return now })
	assert.Empty(t, d.Observe("dev", reading(20, 0), "s"))
	events := d.Observe("dev", reading(23, 0), "s")
	assert.Equal(t, []secevent.Kind{secevent.AnomalyDetection}, kinds(events))
}
