// internal/alerting/rules.go
package alerting

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"iot-trust-gateway/internal/data"
)

// Rule is an allowed range for one metric.
type Rule struct {
	Min  float64 `mapstructure:"min" json:"min"`
	Max  float64 `mapstructure:"max" json:"max"`
	Unit string  `mapstructure:"unit" json:"unit"`
}

// metricOrder fixes the order alerts are reported in.
var metricOrder = []string{data.KeyTemperature, data.KeyHumidity, data.KeySoilMoisture}

// DefaultRules are the agronomic limits of the farm sensors.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		data.KeyTemperature:  {Min: 0, Max: 35, Unit: "°C"},
		data.KeyHumidity:     {Min: 30, Max: 100, Unit: "%"},
		data.KeySoilMoisture: {Min: 250, Max: 800, Unit: "units"},
	}
}

// Check compares a reading against rules and returns one alert per metric
// out of range. Metrics the reading does not carry are never alerted on.
func Check(r data.Reading, rules map[string]Rule, at time.Time) []data.Alert {
	values := map[string]float64{
		data.KeyTemperature:  r.Temperature,
		data.KeyHumidity:     r.Humidity,
		data.KeySoilMoisture: float64(r.SoilMoisture),
	}

	var alerts []data.Alert
	for _, metric := range metricOrder {
		rule, ok := rules[metric]
		if !ok {
			// No rule defined for this metric, skip
			continue
		}
		if !r.Reported(metric) {
			continue
		}
		v := values[metric]
		var level string
		switch {
		case v > rule.Max:
			level = "HIGH"
		case v < rule.Min:
			level = "LOW"
		default:
			continue
		}
		alerts = append(alerts, data.Alert{
			Timestamp: at,
			Severity:  "WARN",
			Message: fmt.Sprintf("%s %s: %s%s", level, metricLabel(metric),
				strconv.FormatFloat(v, 'f', -1, 64), rule.Unit),
			Metric:   metric,
			Value:    v,
			DeviceID: r.DeviceID,
		})
	}
	return alerts
}

func metricLabel(metric string) string {
	return strings.ToUpper(strings.ReplaceAll(metric, "_", " "))
}
