// internal/monitor/monitor.go

// Package monitor evaluates every delivered message against the security
// rules and feeds accepted readings to the rest of the gateway.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"iot-trust-gateway/internal/anomaly"
	"iot-trust-gateway/internal/canonical"
	"iot-trust-gateway/internal/data"
	"iot-trust-gateway/internal/envelope"
	"iot-trust-gateway/internal/replay"
	"iot-trust-gateway/internal/secevent"
	"iot-trust-gateway/internal/signing"
	"iot-trust-gateway/internal/transport"
)

var (
	ErrMalformed = data.ErrMalformed
	// ErrNoKey means an encrypted message arrived but no shared key is configured.
	ErrNoKey = errors.New("monitor: no encryption key configured")
)

// Observer receives the messages the monitor let through or turned away.
type Observer interface {
	ReadingAccepted(r data.Reading, integrity data.Integrity, source string)
	ReadingRejected(deviceID string, integrity data.Integrity, source string)
}

// Recorder collects per-message metrics.
type Recorder interface {
	MessageHandled(variant, outcome string, d time.Duration)
}

// Handler evaluates one delivery to completion.
type Handler interface {
	Handle(ctx context.Context, d transport.Delivery) Outcome
}

// Outcome is the monitor's verdict on one message.
type Outcome struct {
	Variant   envelope.Kind
	Accepted  bool
	DeviceID  string
	Integrity data.Integrity
	Events    []secevent.Event
	Err       error
}

// Label is the short outcome name used in logs and metrics.
func (o Outcome) Label() string {
	switch {
	case o.Err != nil:
		return "error"
	case o.Accepted:
		return "accepted"
	case len(o.Events) > 0:
		return "flagged"
	default:
		return "ignored"
	}
}

// Deps are the collaborators of a Monitor. Codec, Observer and Recorder may be nil.
type Deps struct {
	Registry *signing.Registry
	Codec    *envelope.Codec
	Guard    *replay.Guard
	Detector *anomaly.Detector
	Events   *secevent.Log
	Observer Observer
	Recorder Recorder
}

// Monitor applies the security rules to each message.
type Monitor struct {
	registry *signing.Registry
	verifier *signing.Verifier
	codec    *envelope.Codec
	guard    *replay.Guard
	detector *anomaly.Detector
	events   *secevent.Log
	observer Observer
	recorder Recorder
	now      func() time.Time
}

func New(deps Deps) *Monitor {
	registry := deps.Registry
	if registry == nil {
		registry = signing.NewRegistry(nil)
	}
	m := &Monitor{
		registry: registry,
		verifier: signing.NewVerifier(registry),
		codec:    deps.Codec,
		guard:    deps.Guard,
		detector: deps.Detector,
		events:   deps.Events,
		observer: deps.Observer,
		recorder: deps.Recorder,
		now:      time.Now,
	}
	if m.guard == nil {
		m.guard = replay.NewGuard(0, 0)
	}
	if m.detector == nil {
		m.detector = anomaly.NewDetector(anomaly.DefaultConfig())
	}
	if m.events == nil {
		m.events = secevent.NewLog(0)
	}
	return m
}

// WithClock sets the time used to stamp events.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Handle runs every rule against d. It never panics on untrusted input and
// always runs to completion; ctx is not consulted.
func (m *Monitor) Handle(_ context.Context, d transport.Delivery) Outcome {
	start := time.Now()
	out := m.handle(d)
	if out.Err != nil {
		log.WithError(out.Err).Warnf("Could not process message on %s", d.Binding.Exchange)
	}
	if m.recorder != nil {
		m.recorder.MessageHandled(out.Variant.String(), out.Label(), time.Since(start))
	}
	return out
}

func (m *Monitor) handle(d transport.Delivery) Outcome {
	source := d.Binding.Exchange
	var out Outcome

	if d.Binding.Relay || transport.IsRelayExchange(source) {
		out.Variant = envelope.Sniff(d.Body)
		m.raise(&out, secevent.MITMAttackDetected, source, "",
			fmt.Sprintf("Detected message on MITM exchange: %s", source))
		return out
	}

	env, err := envelope.Parse(d.Body)
	if err != nil {
		out.Err = fmt.Errorf("message on %s: %w", source, err)
		return out
	}
	out.Variant = env.Kind
	fields := env.Fields
	secure := d.Binding.Secure

	switch env.Kind {
	case envelope.KindEncrypted:
		if m.codec == nil {
			out.Err = ErrNoKey
			return out
		}
		inner, err := m.codec.Decrypt(env.Sealed)
		if err != nil {
			out.Integrity = data.IntegrityDecryptionFailed
			m.raise(&out, secevent.DecryptionFailure, source, "",
				fmt.Sprintf("Failed to decrypt message on %s: %v", source, err))
			m.reject("", out.Integrity, source)
			return out
		}
		fields = inner
		secure = true
	case envelope.KindPlain, envelope.KindSigned:
	default:
		out.Err = fmt.Errorf("message on %s: unknown variant %s", source, env.Kind)
		return out
	}

	deviceID, _ := fields.String(data.KeyDeviceID)
	out.DeviceID = deviceID
	hasSig := fields.Has(data.KeySignature)
	authFailed := false
	sigValid := false

	if secure && !hasSig {
		authFailed = true
		m.raise(&out, secevent.UnsignedMessage, source, deviceID,
			fmt.Sprintf("Unsigned message on secure exchange %s", source))
	}

	if hasSig {
		ok, err := m.verifier.Verify(fields)
		if err != nil {
			log.WithError(err).Debugf("Signature check on %s", source)
		}
		if ok {
			sigValid = true
		} else {
			authFailed = true
			m.raise(&out, secevent.InvalidSignature, source, deviceID,
				fmt.Sprintf("Invalid signature detected on %s", source))
		}
	}

	if hasSig && fields.Has(data.KeyTimestamp) && !m.guard.IsRecent(fields, m.guard.MaxAge()) {
		authFailed = true
		m.raise(&out, secevent.MessageReplay, source, deviceID,
			fmt.Sprintf("Message replay detected on %s: %s", source, describe(fields[data.KeyTimestamp])))
	}

	isCommand := fields.Has(data.KeyCommand)
	if isCommand && deviceID != "" {
		if !m.registry.HasPermission(deviceID, signing.PermSendCommands) {
			m.raise(&out, secevent.UnauthorizedCommand, source, deviceID,
				fmt.Sprintf("Unauthorized command detected from %s: %s", deviceID, describe(fields[data.KeyCommand])))
		}
		if !sigValid {
			m.raise(&out, secevent.UnsignedCommand, source, deviceID,
				fmt.Sprintf("Unsigned or invalidly signed command detected: %s", describe(fields[data.KeyCommand])))
		}
	}

	// Only authenticated traffic may shape a device's history. Everything
	// else still gets the stateless future-timestamp check.
	if deviceID != "" && !authFailed {
		for _, e := range m.detector.Observe(deviceID, fields, source) {
			m.append(&out, e)
		}
	} else if v := m.guard.Check(fields); v.Future {
		m.raise(&out, secevent.TimestampAnomaly, source, deviceID,
			fmt.Sprintf("Message with future timestamp received: %s", canonical.FormatFloat(v.Timestamp)))
	}

	if authFailed {
		out.Integrity = data.IntegrityInvalid
		m.reject(deviceID, out.Integrity, source)
		return out
	}
	if isCommand {
		return out
	}
	reading, ok := data.ReadingFromFields(fields)
	if !ok {
		return out
	}
	out.Accepted = true
	out.Integrity = data.IntegrityUnverified
	if sigValid {
		out.Integrity = data.IntegrityVerified
	}
	if m.observer != nil {
		m.observer.ReadingAccepted(reading, out.Integrity, source)
	}
	return out
}

func (m *Monitor) raise(out *Outcome, kind secevent.Kind, source, deviceID, details string) {
	m.append(out, secevent.New(m.now(), kind, source, deviceID, details))
}

func (m *Monitor) append(out *Outcome, e secevent.Event) {
	// Sink failures are already logged by the event log; the event is still
	// recorded in memory and the monitor keeps going.
	_ = m.events.Append(e)
	out.Events = append(out.Events, e)
}

func (m *Monitor) reject(deviceID string, integrity data.Integrity, source string) {
	if m.observer != nil {
		m.observer.ReadingRejected(deviceID, integrity, source)
	}
}

// describe renders a wire value the way it appeared in the message.
func describe(v any) string {
	switch x := v.(type) {
	case json.Number:
		return x.String()
	case string:
		return x
	case float64:
		return canonical.FormatFloat(x)
	default:
		b, err := canonical.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}
