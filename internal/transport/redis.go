// internal/transport/redis.go
package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
)

// Redis maps exchanges onto Redis pub/sub channels named
// "<exchange>:<routing key>".
type Redis struct {
	client *redis.Client
}

// RedisOptions configures the Redis broker.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

func DialRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{client: client}, nil
}

// RedisDialer adapts DialRedis for the Supervisor.
func RedisDialer(opts RedisOptions) Dialer {
	return func(ctx context.Context) (Broker, error) {
		r, err := DialRedis(ctx, opts)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

// ChannelPattern converts a binding into a PSUBSCRIBE pattern. Fanout and
// "#" bindings match every routing key on the exchange.
func ChannelPattern(b Binding) string {
	key := b.RoutingKey
	if b.Kind == KindFanout || key == "" {
		key = "*"
	}
	key = strings.ReplaceAll(key, "#", "*")
	return b.Exchange + ":" + key
}

func (r *Redis) Subscribe(ctx context.Context, b Binding) (<-chan Delivery, error) {
	pattern := ChannelPattern(b)
	ps := r.client.PSubscribe(ctx, pattern)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close() //nolint:errcheck
		return nil, fmt.Errorf("psubscribe %s: %w", pattern, err)
	}
	msgs := ps.Channel()

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer ps.Close() //nolint:errcheck
		prefix := b.Exchange + ":"
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				d := Delivery{
					Binding:    b,
					RoutingKey: strings.TrimPrefix(m.Channel, prefix),
					Body:       []byte(m.Payload),
					ReceivedAt: time.Now(),
				}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	log.Printf("Monitoring %s via redis pattern %s", b.Exchange, pattern)
	return out, nil
}

func (r *Redis) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	return r.client.Publish(ctx, exchange+":"+routingKey, body).Err()
}

func (r *Redis) Close() error { return r.client.Close() }
