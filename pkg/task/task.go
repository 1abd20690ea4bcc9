package task

import (
	"context"
	"time"
)

// Func is a task body. It receives the execution frame of the invocation.
type Func func(c *Call) (any, error)

type options struct {
	name         string
	maxRetries   *int
	retryDelay   time.Duration
	queue        string
	ignoreResult bool
}

// Option tunes a task, or a declaration that becomes one.
type Option func(*options)

// WithName overrides the name a declaration registers under.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithMaxRetries caps Call.Retry. A negative value never caps.
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = &n }
}

// WithRetryDelay is the countdown used by Call.Retry when none is given.
func WithRetryDelay(d time.Duration) Option {
	return func(o *options) { o.retryDelay = d }
}

// WithQueue routes the task to queue unless the publish names another.
func WithQueue(queue string) Option {
	return func(o *options) { o.queue = queue }
}

// WithIgnoreResult skips the result backend for the task.
func WithIgnoreResult() Option {
	return func(o *options) { o.ignoreResult = true }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Task is a registered unit of work bound to an App.
type Task struct {
	name         string
	app          *App
	fn           Func
	maxRetries   int
	retryDelay   time.Duration
	queue        string
	ignoreResult bool
}

func newTask(a *App, name string, fn Func, opts ...Option) *Task {
	o := buildOptions(opts)
	t := &Task{
		name:         name,
		app:          a,
		fn:           fn,
		maxRetries:   *a.conf.DefaultMaxRetries,
		retryDelay:   a.conf.DefaultRetryDelay,
		queue:        o.queue,
		ignoreResult: o.ignoreResult,
	}
	if o.maxRetries != nil {
		t.maxRetries = *o.maxRetries
	}
	if o.retryDelay > 0 {
		t.retryDelay = o.retryDelay
	}
	return t
}

func (t *Task) Name() string { return t.name }

func (t *Task) App() *App { return t.app }

func (t *Task) MaxRetries() int { return t.maxRetries }

func (t *Task) RetryDelay() time.Duration { return t.retryDelay }

// Call runs the task body now, in the caller's context.
func (t *Task) Call(ctx context.Context, args ...any) (any, error) {
	return t.runDirect(ctx, args, nil)
}

// CallKw is Call with keyword arguments.
func (t *Task) CallKw(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	return t.runDirect(ctx, args, kwargs)
}

// Delay publishes an invocation with default options.
func (t *Task) Delay(ctx context.Context, args ...any) (*AsyncResult, error) {
	return t.app.Send(ctx, t, args, nil, PublishOptions{})
}

// ApplyAsync publishes an invocation.
func (t *Task) ApplyAsync(ctx context.Context, args []any, kwargs map[string]any, opts PublishOptions) (*AsyncResult, error) {
	return t.app.Send(ctx, t, args, kwargs, opts)
}

func (t *Task) String() string {
	return "<@task: " + t.name + " of " + t.app.name + ">"
}
