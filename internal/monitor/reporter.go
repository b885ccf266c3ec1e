// internal/monitor/reporter.go
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"iot-trust-gateway/internal/secevent"
)

const DefaultSummaryInterval = 30 * time.Second

// Reporter periodically logs a summary of the security event log.
type Reporter struct {
	events *secevent.Log
	cron   *cron.Cron

	mu        sync.Mutex
	lastTotal int
}

func NewReporter(events *secevent.Log, interval time.Duration) (*Reporter, error) {
	if interval <= 0 {
		interval = DefaultSummaryInterval
	}
	r := &Reporter{events: events, cron: cron.New()}
	if _, err := r.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() { r.Report() }); err != nil {
		return nil, fmt.Errorf("schedule summary: %w", err)
	}
	return r, nil
}

func (r *Reporter) Start() { r.cron.Start() }

// Stop halts the schedule and waits for a running report to finish.
func (r *Reporter) Stop() context.Context { return r.cron.Stop() }

// Report logs and returns the summary lines.
func (r *Reporter) Report() []string {
	sum := r.events.Summary()

	r.mu.Lock()
	fresh := sum.Total - r.lastTotal
	r.lastTotal = sum.Total
	r.mu.Unlock()

	if fresh == 0 {
		line := "No security events detected in the last interval"
		log.Info(line)
		return []string{line}
	}

	lines := []string{fmt.Sprintf("Security Events Summary: %d events detected (%d new)", sum.Total, fresh)}
	for _, k := range secevent.Kinds() {
		if n := sum.ByKind[k]; n > 0 {
			lines = append(lines, fmt.Sprintf("  - %s: %d occurrences", k, n))
		}
	}
	for _, l := range lines {
		log.Info(l)
	}
	return lines
}
