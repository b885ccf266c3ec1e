// internal/monitor/dispatcher.go
package monitor

import (
	"context"

	log "github.com/sirupsen/logrus"

	"iot-trust-gateway/internal/transport"
)

type job struct {
	delivery transport.Delivery
	reply    chan Outcome
}

// Dispatcher funnels deliveries from every source through one goroutine so
// the handler only ever sees one message at a time.
type Dispatcher struct {
	handler Handler
	queue   chan job
}

func NewDispatcher(h Handler, buffer int) *Dispatcher {
	if buffer < 0 {
		buffer = 0
	}
	return &Dispatcher{handler: h, queue: make(chan job, buffer)}
}

// Run handles deliveries and submitted jobs until ctx is cancelled. A message
// already being handled always runs to completion; only the wait for the next
// one is interruptible.
func (d *Dispatcher) Run(ctx context.Context, deliveries <-chan transport.Delivery) error {
	hctx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Println("Dispatcher stopped")
			return nil
		case del, ok := <-deliveries:
			if !ok {
				deliveries = nil
				continue
			}
			d.handler.Handle(hctx, del)
		case j := <-d.queue:
			j.reply <- d.handler.Handle(hctx, j.delivery)
		}
	}
}

// Submit queues one delivery and waits for its outcome. If ctx ends first the
// delivery may still be handled later.
func (d *Dispatcher) Submit(ctx context.Context, del transport.Delivery) (Outcome, error) {
	j := job{delivery: del, reply: make(chan Outcome, 1)}
	select {
	case d.queue <- j:
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
	select {
	case out := <-j.reply:
		return out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
