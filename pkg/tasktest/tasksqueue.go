// Package tasktest runs published tasks synchronously in tests.
//
// A TasksQueue wraps one queue of the in-memory broker of an app configured
// with testing = true. Tasks are published through the normal path and stay
// queued until the test runs them; running a message goes through
// App.Execute, the same path the NSQ worker uses, so the rebuilt request,
// finished callbacks and retries behave as in production.
package tasktest

import (
	"context"

	"github.com/austindbirch/taskbridge/pkg/broker/memory"
	"github.com/austindbirch/taskbridge/pkg/message"
	"github.com/austindbirch/taskbridge/pkg/task"
	"github.com/austindbirch/taskbridge/pkg/web"
)

// TasksQueue is an ordered view over one in-memory queue. Messages of
// disabled tasks are invisible to every query, never run and never removed.
//
// A TasksQueue is driven by a single goroutine.
type TasksQueue struct {
	app      *task.App
	queue    *memory.Queue
	disabled map[string]struct{}
}

type options struct {
	queue        string
	keepExisting bool
	disabled     []string
}

// Option configures New.
type Option func(*options)

// WithQueue watches queue instead of the testing default queue.
func WithQueue(queue string) Option {
	return func(o *options) { o.queue = queue }
}

// KeepExisting keeps messages already queued when the TasksQueue is created.
func KeepExisting() Option {
	return func(o *options) { o.keepExisting = true }
}

// WithDisabledTasks hides and never runs the named tasks.
func WithDisabledTasks(names ...string) Option {
	return func(o *options) { o.disabled = append(o.disabled, names...) }
}

// New returns a queue over the app configured on reg, building the app when
// needed. The app must use the in-memory broker. The queue starts empty
// unless KeepExisting is given.
func New(reg *web.Registry, opts ...Option) (*TasksQueue, error) {
	o := options{queue: task.TestingQueue}
	for _, opt := range opts {
		opt(&o)
	}

	app, err := task.GetApp(reg)
	if err != nil {
		return nil, err
	}
	mb, err := app.MemoryBroker()
	if err != nil {
		return nil, err
	}

	q := &TasksQueue{
		app:      app,
		queue:    mb.Queue(o.queue),
		disabled: make(map[string]struct{}, len(o.disabled)),
	}
	for _, name := range o.disabled {
		q.disabled[name] = struct{}{}
	}
	if !o.keepExisting {
		q.queue.Clear()
	}
	return q, nil
}

// App returns the app the queue runs tasks on.
func (q *TasksQueue) App() *task.App { return q.app }

// Name returns the watched queue name.
func (q *TasksQueue) Name() string { return q.queue.Name() }

func (q *TasksQueue) isDisabled(name string) bool {
	_, ok := q.disabled[name]
	return ok
}

// visible returns the queued messages of enabled tasks, oldest first.
func (q *TasksQueue) visible() []*message.Message {
	all := q.queue.Messages()
	out := all[:0]
	for _, m := range all {
		if !q.isDisabled(m.Headers.Task) {
			out = append(out, m)
		}
	}
	return out
}

// Len returns the number of queued messages of enabled tasks.
func (q *TasksQueue) Len() int {
	return len(q.visible())
}

// Contains reports whether a message for the named task is queued.
func (q *TasksQueue) Contains(name string) bool {
	return q.CountByName(name) > 0
}

// CountByName returns how many messages for the named task are queued.
func (q *TasksQueue) CountByName(name string) int {
	if q.isDisabled(name) {
		return 0
	}
	n := 0
	for _, m := range q.queue.Messages() {
		if m.Headers.Task == name {
			n++
		}
	}
	return n
}

// TaskNames returns the task name of every visible message, oldest first.
func (q *TasksQueue) TaskNames() []string {
	msgs := q.visible()
	names := make([]string, len(msgs))
	for i, m := range msgs {
		names[i] = m.Headers.Task
	}
	return names
}

// At returns the i-th visible message, oldest first.
func (q *TasksQueue) At(i int) (*message.Message, bool) {
	msgs := q.visible()
	if i < 0 || i >= len(msgs) {
		return nil, false
	}
	return msgs[i], true
}

// find returns the queue index of the first message, scanning from the head
// or the tail, that is enabled and matches name (any name when empty).
// Skipped messages stay where they are.
func (q *TasksQueue) find(name string, newest bool) int {
	msgs := q.queue.Messages()
	match := func(m *message.Message) bool {
		return !q.isDisabled(m.Headers.Task) && (name == "" || m.Headers.Task == name)
	}
	if newest {
		for i := len(msgs) - 1; i >= 0; i-- {
			if match(msgs[i]) {
				return i
			}
		}
		return -1
	}
	for i, m := range msgs {
		if match(m) {
			return i
		}
	}
	return -1
}

// RunOldest removes and runs the oldest message for the named task (any
// enabled task when name is empty). It returns false when nothing matched.
//
// A failed run returns its error, retries included, unless ignoreErrors is
// set; then the failure is described by the returned *task.ExceptionInfo and
// the error is nil.
func (q *TasksQueue) RunOldest(ctx context.Context, name string, ignoreErrors bool) (*task.ExceptionInfo, bool, error) {
	return q.runAt(ctx, q.find(name, false), ignoreErrors)
}

// RunNewest is RunOldest scanning from the tail.
func (q *TasksQueue) RunNewest(ctx context.Context, name string, ignoreErrors bool) (*task.ExceptionInfo, bool, error) {
	return q.runAt(ctx, q.find(name, true), ignoreErrors)
}

func (q *TasksQueue) runAt(ctx context.Context, i int, ignoreErrors bool) (*task.ExceptionInfo, bool, error) {
	if i < 0 {
		return nil, false, nil
	}
	m, ok := q.queue.RemoveAt(i)
	if !ok {
		return nil, false, nil
	}
	info, err := q.run(ctx, m, ignoreErrors)
	return info, true, err
}

// run executes m, which is already off the queue.
func (q *TasksQueue) run(ctx context.Context, m *message.Message, ignoreErrors bool) (*task.ExceptionInfo, error) {
	_, err := q.app.Execute(ctx, m)
	if err == nil {
		return nil, nil
	}
	if ignoreErrors {
		return task.NewExceptionInfo(m, err), nil
	}
	return nil, err
}

// RunByName runs the oldest message for the named task until none is left,
// including messages queued by the runs themselves. With ignoreErrors unset
// it stops at the first failure. The infos of ignored failures are returned
// in run order.
func (q *TasksQueue) RunByName(ctx context.Context, name string, ignoreErrors bool) ([]*task.ExceptionInfo, error) {
	return q.drain(ctx, name, ignoreErrors, func() int { return q.CountByName(name) })
}

// RunAll runs every enabled message, oldest first, until none is left,
// including messages queued by the runs themselves. Messages of disabled
// tasks stay queued.
func (q *TasksQueue) RunAll(ctx context.Context, ignoreErrors bool) ([]*task.ExceptionInfo, error) {
	return q.drain(ctx, "", ignoreErrors, q.Len)
}

func (q *TasksQueue) drain(ctx context.Context, name string, ignoreErrors bool, count func() int) ([]*task.ExceptionInfo, error) {
	var infos []*task.ExceptionInfo
	for n := count(); n > 0; n = count() {
		for ; n > 0; n-- {
			if err := ctx.Err(); err != nil {
				return infos, err
			}
			info, ran, err := q.RunOldest(ctx, name, ignoreErrors)
			if err != nil {
				return infos, err
			}
			if !ran {
				return infos, nil
			}
			if info != nil {
				infos = append(infos, info)
			}
		}
	}
	return infos, nil
}

// Clear drops every message, disabled tasks included.
func (q *TasksQueue) Clear() {
	q.queue.Clear()
}

// RemoveOldest drops the oldest enabled message without running it.
func (q *TasksQueue) RemoveOldest() (*message.Message, bool) {
	return q.removeAt(q.find("", false))
}

// RemoveNewest drops the newest enabled message without running it.
func (q *TasksQueue) RemoveNewest() (*message.Message, bool) {
	return q.removeAt(q.find("", true))
}

func (q *TasksQueue) removeAt(i int) (*message.Message, bool) {
	if i < 0 {
		return nil, false
	}
	return q.queue.RemoveAt(i)
}
