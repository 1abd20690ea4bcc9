// Package memory is an in-process broker. Each queue is an ordered sequence
// of messages that tests can inspect and drain.
package memory

import (
	"context"
	"sync"

	"github.com/austindbirch/taskbridge/pkg/message"
)

// Queue is an insertion-ordered sequence of messages.
type Queue struct {
	mu       sync.Mutex
	name     string
	messages []*message.Message
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Messages returns the queued messages, oldest first.
func (q *Queue) Messages() []*message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*message.Message, len(q.messages))
	copy(out, q.messages)
	return out
}

// At returns the message at index i, oldest first.
func (q *Queue) At(i int) (*message.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i < 0 || i >= len(q.messages) {
		return nil, false
	}
	return q.messages[i], true
}

// Append adds m at the tail.
func (q *Queue) Append(m *message.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, m)
}

// RemoveAt removes and returns the message at index i.
func (q *Queue) RemoveAt(i int) (*message.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i < 0 || i >= len(q.messages) {
		return nil, false
	}
	m := q.messages[i]
	q.messages = append(q.messages[:i], q.messages[i+1:]...)
	return m, true
}

// Clear drops every message.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = nil
}

// Broker keeps named queues in memory.
type Broker struct {
	mu     sync.Mutex
	queues map[string]*Queue
}

// New returns an empty broker.
func New() *Broker {
	return &Broker{queues: make(map[string]*Queue)}
}

// Publish appends a wire copy of m to queue.
func (b *Broker) Publish(ctx context.Context, queue string, m *message.Message) error {
	cp, err := m.Clone()
	if err != nil {
		return err
	}
	b.Queue(queue).Append(cp)
	return nil
}

// Queue returns the named queue, creating it when needed.
func (b *Broker) Queue(name string) *Queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = &Queue{name: name}
		b.queues[name] = q
	}
	return q
}

// HasQueue reports whether the named queue exists.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Purge empties every queue and returns how many messages were dropped.
func (b *Broker) Purge() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, q := range b.queues {
		n += q.Len()
		q.Clear()
	}
	return n
}

// Ping always succeeds.
func (b *Broker) Ping() error { return nil }

// Close is a no-op.
func (b *Broker) Close() error { return nil }
