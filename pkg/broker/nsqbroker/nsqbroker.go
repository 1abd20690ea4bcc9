// Package nsqbroker publishes and consumes task messages over NSQ. Each
// queue maps to an NSQ topic of the same name.
package nsqbroker

import (
	"context"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/taskbridge/internal/logging"
	"github.com/austindbirch/taskbridge/pkg/message"
)

// Broker publishes messages through an nsqd producer.
type Broker struct {
	addr string
	prod *nsq.Producer
}

// New creates a producer for the nsqd at addr (host:port).
func New(addr string, conf *nsq.Config) (*Broker, error) {
	if conf == nil {
		conf = nsq.NewConfig()
	}
	prod, err := nsq.NewProducer(addr, conf)
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	prod.SetLoggerLevel(nsq.LogLevelWarning)
	return &Broker{addr: addr, prod: prod}, nil
}

// Addr returns the nsqd TCP address.
func (b *Broker) Addr() string { return b.addr }

// Publish sends m to the topic named queue. A message with a future ETA is
// published deferred.
func (b *Broker) Publish(ctx context.Context, queue string, m *message.Message) error {
	body, err := m.Encode()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if m.Headers.ETA != nil {
		if delay := time.Until(*m.Headers.ETA); delay > 0 {
			if err := b.prod.DeferredPublish(queue, delay, body); err != nil {
				return fmt.Errorf("nsq deferred publish: %w", err)
			}
			return nil
		}
	}
	return b.PublishRaw(queue, body)
}

// PublishRaw sends an already encoded body to topic.
func (b *Broker) PublishRaw(topic string, body []byte) error {
	if err := b.prod.Publish(topic, body); err != nil {
		return fmt.Errorf("nsq publish: %w", err)
	}
	return nil
}

// Ping checks the nsqd connection.
func (b *Broker) Ping() error {
	return b.prod.Ping()
}

// Close stops the producer.
func (b *Broker) Close() error {
	b.prod.Stop()
	return nil
}

// Handler processes one decoded message.
type Handler func(ctx context.Context, m *message.Message) error

// NewConsumer subscribes channel on the topic named queue and feeds decoded
// messages to h, one at a time. Every message is finished after h returns:
// a task that wants another attempt publishes a new message itself.
func NewConsumer(ctx context.Context, queue, channel string, conf *nsq.Config, h Handler, logger *logging.Logger) (*nsq.Consumer, error) {
	if conf == nil {
		conf = nsq.NewConfig()
	}
	consumer, err := nsq.NewConsumer(queue, channel, conf)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer: %w", err)
	}
	consumer.SetLoggerLevel(nsq.LogLevelWarning)
	consumer.AddHandler(nsq.HandlerFunc(func(nm *nsq.Message) error {
		handleMessage(ctx, queue, nm, h, logger)
		return nil
	}))
	return consumer, nil
}

// handleMessage decodes nm, runs h and finishes nm whatever the outcome.
func handleMessage(ctx context.Context, queue string, nm *nsq.Message, h Handler, logger *logging.Logger) {
	nm.DisableAutoResponse()
	defer func() {
		if !nm.HasResponded() {
			nm.Finish()
		}
	}()

	m, err := message.Decode(nm.Body)
	if err != nil {
		logger.Plain().WithQueue(queue).WithError(err).Error("bad task payload")
		nm.Finish() // terminal: don't retry bad payloads
		return
	}
	if err := h(ctx, m); err != nil {
		logger.WithContext(ctx).WithQueue(queue).WithTask(m.Headers.Task).WithTaskID(m.Headers.ID).
			WithField("attempts", nm.Attempts).WithError(err).Debug("task handler returned error")
	}
	nm.Finish()
}
