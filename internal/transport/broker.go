// internal/transport/broker.go

// Package transport connects the monitor to the publish/subscribe network.
package transport

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Exchange kinds understood by the brokers.
const (
	KindFanout = "fanout"
	KindDirect = "direct"
	KindTopic  = "topic"
)

var ErrClosed = errors.New("transport: broker closed")

// Binding describes one subscription and how the monitor treats its traffic.
type Binding struct {
	Exchange   string `mapstructure:"exchange" json:"exchange"`
	Kind       string `mapstructure:"kind" json:"kind"`
	RoutingKey string `mapstructure:"routing_key" json:"routing_key"`
	Secure     bool   `mapstructure:"secure" json:"secure"` // unsigned traffic is a violation
	Relay      bool   `mapstructure:"relay" json:"relay"`   // carries attacker-forwarded traffic
}

func (b Binding) String() string {
	if b.RoutingKey == "" {
		return b.Exchange
	}
	return b.Exchange + "/" + b.RoutingKey
}

// Delivery is one message as received from a binding.
type Delivery struct {
	Binding    Binding
	RoutingKey string
	Body       []byte
	ReceivedAt time.Time
}

// Broker is the transport contract: at-least-once delivery, no ordering
// across bindings. A subscription channel is closed when the underlying
// connection is lost.
type Broker interface {
	Subscribe(ctx context.Context, b Binding) (<-chan Delivery, error)
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
	Close() error
}

// Dialer opens a new broker connection.
type Dialer func(ctx context.Context) (Broker, error)

// DefaultBindings lists the exchanges of the sensor network.
func DefaultBindings() []Binding {
	return []Binding{
		{Exchange: "sensors.fanout", Kind: KindFanout},
		{Exchange: "sensors.direct", Kind: KindDirect, RoutingKey: "#"},
		{Exchange: "sensors.topic", Kind: KindTopic, RoutingKey: "#"},
		{Exchange: "sensors.secure.fanout", Kind: KindFanout, Secure: true},
		{Exchange: "sensors.secure.direct", Kind: KindDirect, RoutingKey: "#", Secure: true},
		{Exchange: "sensors.secure.topic", Kind: KindTopic, RoutingKey: "#", Secure: true},
		{Exchange: "mitm.fanout", Kind: KindFanout, Relay: true},
		{Exchange: "mitm.direct", Kind: KindDirect, RoutingKey: "#", Relay: true},
	}
}

// IsRelayExchange reports whether an exchange name is in the relay namespace.
func IsRelayExchange(name string) bool {
	return strings.HasPrefix(name, "mitm.")
}
