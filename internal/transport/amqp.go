// internal/transport/amqp.go
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

// AMQP is a RabbitMQ-backed broker. Every subscription gets its own channel
// and an exclusive auto-delete queue.
type AMQP struct {
	conn *amqp.Connection

	mu       sync.Mutex
	pub      *amqp.Channel
	declared map[string]bool
}

// DialAMQP connects to url (amqp:// or amqps://).
func DialAMQP(url string) (*AMQP, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
	})
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	return &AMQP{conn: conn, declared: make(map[string]bool)}, nil
}

// AMQPDialer adapts DialAMQP for the Supervisor.
func AMQPDialer(url string) Dialer {
	return func(context.Context) (Broker, error) {
		b, err := DialAMQP(url)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

func exchangeKind(kind string) string {
	if kind == "" {
		return KindTopic
	}
	return kind
}

func (a *AMQP) Subscribe(ctx context.Context, b Binding) (<-chan Delivery, error) {
	ch, err := a.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(b.Exchange, exchangeKind(b.Kind), false, false, false, false, nil); err != nil {
		ch.Close() //nolint:errcheck
		return nil, fmt.Errorf("declare exchange %s: %w", b.Exchange, err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close() //nolint:errcheck
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, b.RoutingKey, b.Exchange, false, nil); err != nil {
		ch.Close() //nolint:errcheck
		return nil, fmt.Errorf("bind %s: %w", b, err)
	}
	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close() //nolint:errcheck
		return nil, fmt.Errorf("consume %s: %w", b, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer ch.Close() //nolint:errcheck
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				d := Delivery{Binding: b, RoutingKey: m.RoutingKey, Body: m.Body, ReceivedAt: time.Now()}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	log.Printf("Monitoring %s exchange (%s)", b.Exchange, exchangeKind(b.Kind))
	return out, nil
}

// Publish declares the exchange as a topic exchange on first use and sends body.
func (a *AMQP) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pub == nil || a.pub.IsClosed() {
		ch, err := a.conn.Channel()
		if err != nil {
			return fmt.Errorf("open channel: %w", err)
		}
		a.pub = ch
		a.declared = make(map[string]bool)
	}
	if !a.declared[exchange] {
		if err := a.pub.ExchangeDeclarePassive(exchange, KindTopic, false, false, false, false, nil); err != nil {
			// A passive declare failure closes the channel; reopen and create it.
			ch, cerr := a.conn.Channel()
			if cerr != nil {
				return fmt.Errorf("open channel: %w", cerr)
			}
			a.pub = ch
			if err := ch.ExchangeDeclare(exchange, KindTopic, false, false, false, false, nil); err != nil {
				return fmt.Errorf("declare exchange %s: %w", exchange, err)
			}
		}
		a.declared[exchange] = true
	}
	return a.pub.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        body,
	})
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	if a.pub != nil {
		a.pub.Close() //nolint:errcheck
	}
	a.mu.Unlock()
	if a.conn.IsClosed() {
		return nil
	}
	return a.conn.Close()
}
