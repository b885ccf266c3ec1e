// internal/data/models.go
package data

import (
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// Wire keys shared by every payload variant.
const (
	KeyTimestamp    = "timestamp"
	KeyTemperature  = "temperature"
	KeyHumidity     = "humidity"
	KeySoilMoisture = "soil_moisture"
	KeyDeviceID     = "device_id"
	KeySignature    = "signature"
	KeyCommand      = "command"
)

// Fields is a decoded JSON object as it arrived on the wire. Numbers are kept
// as json.Number so re-encoding reproduces the signed bytes.
type Fields map[string]any

func (f Fields) Has(key string) bool {
	_, ok := f[key]
	return ok
}

// String returns the value at key if it is a string.
func (f Fields) String(key string) (string, bool) {
	s, ok := f[key].(string)
	return s, ok
}

// Number returns the value at key as a float64 if it is numeric.
func (f Fields) Number(key string) (float64, bool) {
	return toFloat(f[key])
}

// Clone returns a shallow copy.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f)+3)
	for k, v := range f {
		out[k] = v
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := strconv.ParseFloat(n.String(), 64)
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}

// Metric flags the optional metrics of a Reading.
type Metric uint8

const (
	MetricHumidity Metric = 1 << iota
	MetricSoilMoisture
)

// Reading is one sensor sample. Immutable once created.
type Reading struct {
	Timestamp    float64 `json:"timestamp"` // seconds since epoch
	Temperature  float64 `json:"temperature"`
	Humidity     float64 `json:"humidity"`
	SoilMoisture int     `json:"soil_moisture"`
	DeviceID     string  `json:"device_id"`

	// Missing marks metrics the sender left out; their zero values above
	// are placeholders, not measurements.
	Missing Metric `json:"-"`
}

// Reported tells whether the sender supplied the metric named by key.
func (r Reading) Reported(key string) bool {
	switch key {
	case KeyHumidity:
		return r.Missing&MetricHumidity == 0
	case KeySoilMoisture:
		return r.Missing&MetricSoilMoisture == 0
	default:
		return true
	}
}

// Fields returns the reading as a wire mapping. Missing metrics stay absent.
func (r Reading) Fields() Fields {
	f := Fields{
		KeyTimestamp:   r.Timestamp,
		KeyTemperature: r.Temperature,
		KeyDeviceID:    r.DeviceID,
	}
	if r.Reported(KeyHumidity) {
		f[KeyHumidity] = r.Humidity
	}
	if r.Reported(KeySoilMoisture) {
		f[KeySoilMoisture] = r.SoilMoisture
	}
	return f
}

// Time converts the float timestamp.
func (r Reading) Time() time.Time {
	return TimeOf(r.Timestamp)
}

// ReadingFromFields extracts a Reading. It requires a device id and a
// temperature; the other metrics are flagged in Missing when absent.
func ReadingFromFields(f Fields) (Reading, bool) {
	id, ok := f.String(KeyDeviceID)
	if !ok || id == "" {
		return Reading{}, false
	}
	temp, ok := f.Number(KeyTemperature)
	if !ok {
		return Reading{}, false
	}
	r := Reading{DeviceID: id, Temperature: temp}
	r.Timestamp, _ = f.Number(KeyTimestamp)
	if hum, ok := f.Number(KeyHumidity); ok {
		r.Humidity = hum
	} else {
		r.Missing |= MetricHumidity
	}
	if soil, ok := f.Number(KeySoilMoisture); ok {
		r.SoilMoisture = int(math.Round(soil))
	} else {
		r.Missing |= MetricSoilMoisture
	}
	return r, true
}

// Integrity is the trust level of the data currently shown to operators.
type Integrity string

const (
	IntegrityUnknown          Integrity = "unknown"
	IntegrityVerified         Integrity = "verified"
	IntegrityUnverified       Integrity = "unverified"
	IntegrityInvalid          Integrity = "invalid"
	IntegrityDecryptionFailed Integrity = "decryption_failed"
	IntegrityReset            Integrity = "reset"
)

// Alert - threshold breach on an accepted reading
type Alert struct {
	Timestamp time.Time `json:"timestamp"`
	Severity  string    `json:"severity"` // "WARN", "CRITICAL"
	Message   string    `json:"message"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	DeviceID  string    `json:"device_id,omitempty"`
}

// Seconds converts t to float seconds since the epoch.
func Seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// TimeOf converts float seconds since the epoch to a time.Time.
func TimeOf(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*float64(time.Second)))
}
