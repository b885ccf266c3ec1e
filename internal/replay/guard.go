// internal/replay/guard.go

// Package replay rejects signed messages whose timestamp falls outside the
// freshness window. It is independent of signature validity.
package replay

import (
	"math"
	"time"

	"iot-trust-gateway/internal/data"
)

const (
	DefaultMaxAge    = 60 * time.Second
	DefaultClockSkew = 5 * time.Second
)

// Verdict is the full timestamp assessment of one message.
type Verdict struct {
	HasTimestamp bool
	Timestamp    float64
	Age          time.Duration
	Recent       bool
	Future       bool // newer than now plus the skew tolerance
}

// Guard checks message freshness against its clock.
type Guard struct {
	maxAge time.Duration
	skew   time.Duration
	now    func() time.Time
}

// NewGuard returns a guard with the given window. Zero values pick the defaults.
func NewGuard(maxAge, skew time.Duration) *Guard {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if skew <= 0 {
		skew = DefaultClockSkew
	}
	return &Guard{maxAge: maxAge, skew: skew, now: time.Now}
}

// WithClock replaces the time source.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

func (g *Guard) MaxAge() time.Duration { return g.maxAge }

// IsRecent reports whether now - timestamp <= maxAge. A missing or
// non-numeric timestamp is never recent.
func (g *Guard) IsRecent(fields data.Fields, maxAge time.Duration) bool {
	ts, ok := fields.Number(data.KeyTimestamp)
	if !ok {
		return false
	}
	return g.ageSeconds(ts) <= maxAge.Seconds()
}

// Check evaluates the message against the configured window.
func (g *Guard) Check(fields data.Fields) Verdict {
	ts, ok := fields.Number(data.KeyTimestamp)
	if !ok {
		return Verdict{}
	}
	age := g.ageSeconds(ts)
	return Verdict{
		HasTimestamp: true,
		Timestamp:    ts,
		Age:          toDuration(age),
		Recent:       age <= g.maxAge.Seconds(),
		Future:       age < -g.skew.Seconds(),
	}
}

// ageSeconds stays in float seconds; ages of centuries do not fit a Duration.
func (g *Guard) ageSeconds(ts float64) float64 {
	return data.Seconds(g.now()) - ts
}

// toDuration saturates instead of overflowing.
func toDuration(sec float64) time.Duration {
	d := sec * float64(time.Second)
	switch {
	case math.IsNaN(d):
		return 0
	case d >= math.MaxInt64:
		return time.Duration(math.MaxInt64)
	case d <= math.MinInt64:
		return time.Duration(math.MinInt64)
	}
	return time.Duration(d)
}
