// internal/secevent/event.go

// Package secevent defines the security event taxonomy and the append-only
// log every monitoring rule writes to.
package secevent

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a security event.
type Kind string

const (
	UnsignedMessage     Kind = "UNSIGNED_MESSAGE"
	InvalidSignature    Kind = "INVALID_SIGNATURE"
	MessageReplay       Kind = "MESSAGE_REPLAY"
	TimestampAnomaly    Kind = "TIMESTAMP_ANOMALY"
	AnomalyDetection    Kind = "ANOMALY_DETECTION"
	UnauthorizedCommand Kind = "UNAUTHORIZED_COMMAND"
	UnsignedCommand     Kind = "UNSIGNED_COMMAND"
	MITMAttackDetected  Kind = "MITM_ATTACK_DETECTED"
	DecryptionFailure   Kind = "DECRYPTION_FAILURE"
)

// Kinds lists the taxonomy in a stable order.
func Kinds() []Kind {
	return []Kind{
		UnsignedMessage, InvalidSignature, MessageReplay, TimestampAnomaly, AnomalyDetection,
		UnauthorizedCommand, UnsignedCommand, MITMAttackDetected, DecryptionFailure,
	}
}

// Valid reports whether k is part of the taxonomy.
func (k Kind) Valid() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

// Event is one classified observation. Immutable once appended.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"kind"`
	Details   string    `json:"details"`
	Source    string    `json:"source"` // exchange the message arrived on
	DeviceID  string    `json:"device_id,omitempty"`
}

// New builds an event stamped at the given time.
func New(at time.Time, kind Kind, source, deviceID, details string) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: at,
		Kind:      kind,
		Details:   details,
		Source:    source,
		DeviceID:  deviceID,
	}
}

// TimeLayout is the ISO-8601 layout used in the durable log.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

var lineEscaper = strings.NewReplacer("\r", `\r`, "\n", `\n`)

// Line renders the durable log line, including the trailing newline. Line
// breaks inside details are escaped so one event is always one line.
func (e Event) Line() string {
	return e.Timestamp.UTC().Format(TimeLayout) + " - " + string(e.Kind) + ": " + lineEscaper.Replace(e.Details) + "\n"
}
