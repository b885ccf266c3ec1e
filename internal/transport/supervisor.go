// internal/transport/supervisor.go
package transport

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const DefaultReconnectDelay = 5 * time.Second

// Supervisor keeps every binding subscribed. When a connection drops it waits
// a fixed delay, dials again and resubscribes all bindings. Messages lost
// while disconnected are not replayed.
type Supervisor struct {
	dial     Dialer
	bindings []Binding
	delay    time.Duration

	mu        sync.Mutex
	connected bool
	attempts  int
}

func NewSupervisor(dial Dialer, bindings []Binding, delay time.Duration) *Supervisor {
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	return &Supervisor{dial: dial, bindings: bindings, delay: delay}
}

// Connected reports whether a session is currently up.
func (s *Supervisor) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Attempts returns the number of dial attempts so far.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Supervisor) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

// Run forwards deliveries from all bindings into out until ctx is cancelled.
// It never returns an error for transport failures; those are retried.
func (s *Supervisor) Run(ctx context.Context, out chan<- Delivery) error {
	for {
		s.mu.Lock()
		s.attempts++
		s.mu.Unlock()

		err := s.session(ctx, out)
		s.setConnected(false)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			log.WithError(err).Errorf("Transport failure, reconnecting in %s", s.delay)
		} else {
			log.Warnf("Transport connection lost, reconnecting in %s", s.delay)
		}

		t := time.NewTimer(s.delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// session runs one connection until any subscription ends.
func (s *Supervisor) session(ctx context.Context, out chan<- Delivery) error {
	broker, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer broker.Close() //nolint:errcheck

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	subs := make([]<-chan Delivery, 0, len(s.bindings))
	for _, b := range s.bindings {
		ch, err := broker.Subscribe(sctx, b)
		if err != nil {
			// One bad binding must not take down the others.
			log.WithError(err).Errorf("Error setting up monitoring for %s", b.Exchange)
			continue
		}
		subs = append(subs, ch)
	}
	if len(subs) == 0 {
		return ErrClosed
	}
	s.setConnected(true)
	log.Printf("Connected to broker, %d binding(s) active", len(subs))

	var wg sync.WaitGroup
	for _, ch := range subs {
		wg.Add(1)
		go func(ch <-chan Delivery) {
			defer wg.Done()
			defer cancel() // a closed subscription means the connection is gone
			for d := range ch {
				select {
				case out <- d:
				case <-sctx.Done():
					return
				}
			}
		}(ch)
	}
	wg.Wait()
	return nil
}
