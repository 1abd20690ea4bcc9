// Package deadletter wraps task messages that failed for good so they can be
// parked on a separate topic for inspection or replay.
package deadletter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/austindbirch/taskbridge/pkg/message"
)

const DLQType = "task.dlq"

// Reasons a message is dead-lettered.
const (
	ReasonMaxRetries = "max_retries"
	ReasonPanic      = "panic"
	ReasonFailure    = "failure"
	ReasonBadPayload = "bad_payload"
)

type DeadLetter struct {
	Type      string          `json:"type"`    // "task.dlq"
	Version   string          `json:"version"` // schema version
	At        string          `json:"at"`      // RFC3339 time the DLQ was emitted
	Reason    string          `json:"reason"`
	Queue     string          `json:"queue"`
	Retries   int             `json:"retries"`
	LastError string          `json:"last_error,omitempty"`
	Message   message.Message `json:"message"` // full task message
}

func New(m *message.Message, queue, reason string, lastErr error) DeadLetter {
	dl := DeadLetter{
		Type:    DLQType,
		Version: "v1",
		At:      time.Now().UTC().Format(time.RFC3339Nano),
		Reason:  reason,
		Queue:   queue,
		Retries: m.Headers.Retries,
		Message: *m,
	}
	if lastErr != nil {
		dl.LastError = lastErr.Error()
	}
	return dl
}

// Publisher is satisfied by *nsqbroker.Broker.
type Publisher interface {
	PublishRaw(topic string, body []byte) error
}

// Publish encodes dl and sends it to topic.
func Publish(p Publisher, topic string, dl DeadLetter) error {
	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := p.PublishRaw(topic, body); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}
