// Package broker declares the narrow interface the task layer publishes
// through, and the queue topology it routes against.
package broker

import (
	"context"

	"github.com/austindbirch/taskbridge/pkg/message"
)

// Broker hands messages to a transport.
type Broker interface {
	Publish(ctx context.Context, queue string, m *message.Message) error
	Close() error
}

// Pinger is implemented by brokers that can check their connection.
type Pinger interface {
	Ping() error
}

// Exchange is a named message exchange.
type Exchange struct {
	Name string
	Type string // direct, topic
}

// Queue binds a queue name to an exchange and routing key.
type Queue struct {
	Name       string
	Exchange   Exchange
	RoutingKey string
}
