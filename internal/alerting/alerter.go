// internal/alerting/alerter.go
package alerting

import (
	"time"

	log "github.com/sirupsen/logrus"

	"iot-trust-gateway/internal/data"
	"iot-trust-gateway/internal/storage"
	"iot-trust-gateway/internal/websocket"
)

// Broadcaster is the live feed the alerter publishes to.
type Broadcaster interface {
	BroadcastData(payload any)
	BroadcastAlert(alert any)
}

// Alerter receives the monitor's verdicts: it stores accepted readings,
// refreshes the snapshot, raises threshold alerts and pushes everything to
// the live feed.
type Alerter struct {
	store *storage.MemoryStore
	feed  Broadcaster
	rules map[string]Rule
	now   func() time.Time
}

func NewAlerter(store *storage.MemoryStore, feed Broadcaster, rules map[string]Rule) *Alerter {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Alerter{store: store, feed: feed, rules: rules, now: time.Now}
}

var _ Broadcaster = (*websocket.Hub)(nil)

// ReadingAccepted implements monitor.Observer.
func (a *Alerter) ReadingAccepted(r data.Reading, integrity data.Integrity, source string) {
	now := a.now()
	alerts := Check(r, a.rules, now)

	a.store.Add(r)
	if !a.store.UpdateSnapshot(r, integrity, source, alerts, now) {
		log.Debugf("Keeping authenticated snapshot; ignored %s reading from %s", integrity, source)
	}
	if a.feed != nil {
		a.feed.BroadcastData(a.store.Latest())
	}
	a.ProcessAlerts(alerts)
}

// ReadingRejected implements monitor.Observer.
func (a *Alerter) ReadingRejected(deviceID string, integrity data.Integrity, source string) {
	msg := "SECURITY ALERT: Invalid signature or outdated message"
	if integrity == data.IntegrityDecryptionFailed {
		msg = "SECURITY ALERT: Decryption failed, possible tampering"
	}
	alert := data.Alert{
		Timestamp: a.now(),
		Severity:  "CRITICAL",
		Message:   msg,
		Metric:    "security",
		DeviceID:  deviceID,
	}
	a.store.FlagRejected(integrity, alert)
	a.ProcessAlerts([]data.Alert{alert})
}

// ProcessAlerts sends alerts via configured channels (currently WebSocket)
func (a *Alerter) ProcessAlerts(alerts []data.Alert) {
	if len(alerts) == 0 {
		return
	}

	log.Printf("Processing %d alerts", len(alerts))
	for _, alert := range alerts {
		log.WithFields(log.Fields{"device": alert.DeviceID, "metric": alert.Metric}).Warn(alert.Message)
		if a.feed != nil {
			a.feed.BroadcastAlert(alert)
		}
	}
}
