// Package message defines the task message carried by brokers.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/austindbirch/taskbridge/pkg/webreq"
)

// ExtraKey is the embed key under which the publishing side stores data for
// the worker side.
const ExtraKey = "taskbridge.extra"

// Headers identify a task invocation.
type Headers struct {
	ID         string     `json:"id"`
	Task       string     `json:"task"`
	Retries    int        `json:"retries"`
	ETA        *time.Time `json:"eta,omitempty"`
	ParentID   string     `json:"parent_id,omitempty"`
	RootID     string     `json:"root_id,omitempty"`
	Queue      string     `json:"queue,omitempty"`
	RoutingKey string     `json:"routing_key,omitempty"`
}

// Message is one published task invocation.
type Message struct {
	Headers      Headers                    `json:"headers"`
	Args         []any                      `json:"args"`
	Kwargs       map[string]any             `json:"kwargs"`
	Embed        map[string]json.RawMessage `json:"embed,omitempty"`
	TraceHeaders map[string]string          `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

// Extra is the side-channel payload stored under ExtraKey.
type Extra struct {
	HTTPRequest *webreq.Snapshot `json:"http_request,omitempty"`
}

// Encode serializes m.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a message produced by Encode.
func Decode(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if m.Headers.Task == "" {
		return nil, fmt.Errorf("decode message: missing task name")
	}
	return &m, nil
}

// Clone returns a deep copy of m made through its wire form, so the copy sees
// exactly what a consumer would.
func (m *Message) Clone() (*Message, error) {
	b, err := m.Encode()
	if err != nil {
		return nil, err
	}
	return Decode(b)
}

// SetExtra stores extra under ExtraKey.
func (m *Message) SetExtra(extra Extra) error {
	b, err := json.Marshal(extra)
	if err != nil {
		return fmt.Errorf("encode extra: %w", err)
	}
	if m.Embed == nil {
		m.Embed = make(map[string]json.RawMessage)
	}
	m.Embed[ExtraKey] = b
	return nil
}

// Extra returns the side-channel payload. A message without one yields a
// zero Extra.
func (m *Message) Extra() (Extra, error) {
	var extra Extra
	raw, ok := m.Embed[ExtraKey]
	if !ok {
		return extra, nil
	}
	if err := json.Unmarshal(raw, &extra); err != nil {
		return extra, fmt.Errorf("decode extra: %w", err)
	}
	return extra, nil
}
