// internal/anomaly/detector.go
package anomaly

import (
	"fmt"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"iot-trust-gateway/internal/canonical"
	"iot-trust-gateway/internal/data"
	"iot-trust-gateway/internal/secevent"
)

// Config holds the detector thresholds.
type Config struct {
	DeviationThreshold float64       // max |t - mean| before an alert
	Window             int           // temperatures kept per device
	WarmUp             int           // messages recorded before judging
	ClockSkew          time.Duration // tolerance for future/backward timestamps
}

// DefaultConfig returns the standard heuristics.
func DefaultConfig() Config {
	return Config{
		DeviationThreshold: 10,
		Window:             3,
		WarmUp:             3,
		ClockSkew:          5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DeviationThreshold <= 0 {
		c.DeviationThreshold = def.DeviationThreshold
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.WarmUp <= 0 {
		c.WarmUp = def.WarmUp
	}
	if c.ClockSkew <= 0 {
		c.ClockSkew = def.ClockSkew
	}
	return c
}

// Sample is one remembered temperature.
type Sample struct {
	Temperature float64 `json:"temperature"`
	Timestamp   float64 `json:"timestamp"`
}

// History is the rolling per-device state.
type History struct {
	Values        []Sample `json:"last_values"`
	LastTimestamp float64  `json:"last_timestamp"`
	MessageCount  int      `json:"message_count"`
}

// Detector keeps per-device history and raises statistical and temporal
// anomaly events. Safe for concurrent use.
type Detector struct {
	mu      sync.Mutex
	cfg     Config
	devices map[string]*History
	now     func() time.Time
}

func NewDetector(cfg Config) *Detector {
	return &Detector{
		cfg:     cfg.withDefaults(),
		devices: make(map[string]*History),
		now:     time.Now,
	}
}

// WithClock replaces the time source.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// Observe runs the temperature and timestamp checks for one message and
// returns the events they raised, in that order. The checks are independent
// and may all fire.
func (d *Detector) Observe(deviceID string, fields data.Fields, source string) []secevent.Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.devices[deviceID]
	if !ok {
		h = &History{}
		d.devices[deviceID] = h
	}

	now := d.now()
	nowSec := data.Seconds(now)
	ts, hasTS := fields.Number(data.KeyTimestamp)
	sampleTS := ts
	if !hasTS {
		sampleTS = nowSec
	}

	var events []secevent.Event
	if temp, ok := fields.Number(data.KeyTemperature); ok {
		if h.MessageCount >= d.cfg.WarmUp && len(h.Values) > 0 {
			mean := meanTemperature(h.Values)
			if math.Abs(temp-mean) > d.cfg.DeviationThreshold {
				events = append(events, secevent.New(now, secevent.AnomalyDetection, source, deviceID,
					fmt.Sprintf("Suspicious temperature change detected: %s -> %s",
						canonical.FormatFloat(mean), canonical.FormatFloat(temp))))
			}
		}
		h.Values = append(h.Values, Sample{Temperature: temp, Timestamp: sampleTS})
		if len(h.Values) > d.cfg.Window {
			h.Values = h.Values[len(h.Values)-d.cfg.Window:]
		}
	}

	if hasTS {
		skew := d.cfg.ClockSkew.Seconds()
		if ts > nowSec+skew {
			events = append(events, secevent.New(now, secevent.TimestampAnomaly, source, deviceID,
				fmt.Sprintf("Message with future timestamp received: %s", canonical.FormatFloat(ts))))
		}
		if h.LastTimestamp > 0 && ts < h.LastTimestamp-skew {
			events = append(events, secevent.New(now, secevent.TimestampAnomaly, source, deviceID,
				fmt.Sprintf("Message timestamp went backward: %s (prev: %s)",
					canonical.FormatFloat(ts), canonical.FormatFloat(h.LastTimestamp))))
		}
		h.LastTimestamp = ts
	}
	h.MessageCount++

	if len(events) > 0 {
		log.Debugf("Anomaly detector raised %d event(s) for %s", len(events), deviceID)
	}
	return events
}

// Snapshot returns a copy of the device history.
func (d *Detector) Snapshot(deviceID string) (History, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.devices[deviceID]
	if !ok {
		return History{}, false
	}
	out := *h
	out.Values = append([]Sample(nil), h.Values...)
	return out, true
}

// Devices returns the number of tracked devices.
func (d *Detector) Devices() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.devices)
}

// Reset forgets every device.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices = make(map[string]*History)
}

func meanTemperature(values []Sample) float64 {
	var sum float64
	for _, v := range values {
		sum += v.Temperature
	}
	return sum / float64(len(values))
}
