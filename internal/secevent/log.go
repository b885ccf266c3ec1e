// internal/secevent/log.go
package secevent

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// DefaultCapacity bounds the in-memory window. Counts are kept for every
// event ever appended, not just the retained ones.
const DefaultCapacity = 10000

// Sink is a durable destination for events. Sinks only ever append.
type Sink interface {
	Write(e Event) error
	Close() error
}

// Summary counts events by kind.
type Summary struct {
	Total  int          `json:"total"`
	ByKind map[Kind]int `json:"by_kind"`
}

// Log is the ordered, append-only record of security events. Each Append is
// atomic with respect to other appends, across memory and every sink.
type Log struct {
	mu        sync.Mutex
	events    []Event
	capacity  int
	counts    map[Kind]int
	total     int
	sinks     []Sink
	observers []func(Event)
}

// NewLog creates a log retaining up to capacity events in memory.
func NewLog(capacity int, sinks ...Sink) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		events:   make([]Event, 0, min(capacity, 1024)),
		capacity: capacity,
		counts:   make(map[Kind]int),
		sinks:    sinks,
	}
}

// Subscribe registers fn to be called after every append. fn runs on the
// appending goroutine and must not block.
func (l *Log) Subscribe(fn func(Event)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, fn)
}

// Append records e in memory and in every sink. The in-memory append always
// happens; sink failures are logged and returned joined.
func (l *Log) Append(e Event) error {
	l.mu.Lock()
	if len(l.events) >= l.capacity {
		// Remove the oldest element
		l.events = l.events[1:]
	}
	l.events = append(l.events, e)
	l.counts[e.Kind]++
	l.total++

	var errs []error
	for _, s := range l.sinks {
		if err := s.Write(e); err != nil {
			errs = append(errs, fmt.Errorf("sink %T: %w", s, err))
		}
	}
	observers := l.observers
	l.mu.Unlock()

	log.WithFields(log.Fields{
		"kind":   e.Kind,
		"source": e.Source,
		"device": e.DeviceID,
	}).Warnf("[SECURITY EVENT] %s: %s", e.Kind, e.Details)

	for _, fn := range observers {
		fn(e)
	}

	err := errors.Join(errs...)
	if err != nil {
		log.WithError(err).Error("Error writing security event to durable log")
	}
	return err
}

// Events returns a copy of the retained events, oldest first.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Recent returns up to n of the newest retained events, newest last. An empty
// kind matches everything; n <= 0 means no limit.
func (l *Log) Recent(n int, kind Kind) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Event
	for i := len(l.events) - 1; i >= 0; i-- {
		if kind != "" && l.events[i].Kind != kind {
			continue
		}
		out = append(out, l.events[i])
		if n > 0 && len(out) == n {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Summary returns counts by kind over the life of the log.
func (l *Log) Summary() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()
	by := make(map[Kind]int, len(l.counts))
	for k, v := range l.counts {
		by[k] = v
	}
	return Summary{Total: l.total, ByKind: by}
}

// Close closes every sink.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var errs []error
	for _, s := range l.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
