package task

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cast"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/taskbridge/internal/metrics"
	"github.com/austindbirch/taskbridge/internal/tracing"
	"github.com/austindbirch/taskbridge/pkg/message"
	"github.com/austindbirch/taskbridge/pkg/web"
	"github.com/austindbirch/taskbridge/pkg/webreq"
)

// Call is the execution frame of one task invocation.
type Call struct {
	ID             string
	Args           []any
	Kwargs         map[string]any
	Retries        int
	CalledDirectly bool
	Headers        message.Headers

	task    *Task
	ctx     context.Context
	msg     *message.Message
	request *web.Request
}

type callKey struct{}

func withCall(ctx context.Context, c *Call) context.Context {
	return context.WithValue(ctx, callKey{}, c)
}

// CallFromContext returns the frame of the execution ctx belongs to, or nil.
func CallFromContext(ctx context.Context) *Call {
	if ctx == nil {
		return nil
	}
	c, _ := ctx.Value(callKey{}).(*Call)
	return c
}

// Context is the context the body runs in. Tasks published with it record
// this call as their parent and capture its request.
func (c *Call) Context() context.Context { return c.ctx }

func (c *Call) Task() *Task { return c.task }

func (c *Call) App() *App { return c.task.app }

// Request returns the request of this execution. A direct call sees the
// caller's live request. Otherwise the request is rebuilt from the snapshot
// embedded at publish time, or blank when there was none. A request without
// a root gets one from the registry root factory.
func (c *Call) Request() (*web.Request, error) {
	if c.request == nil {
		var snap *webreq.Snapshot
		if c.msg != nil {
			extra, err := c.msg.Extra()
			if err != nil {
				return nil, err
			}
			snap = extra.HTTPRequest
		}
		req, err := webreq.Restore(snap, c.task.app.reg, webreq.DefaultURL)
		if err != nil {
			return nil, err
		}
		c.request = req
	}
	web.ResolveRoot(c.request)
	return c.request, nil
}

// Registry is the web registry of the app running the call.
func (c *Call) Registry() *web.Registry { return c.task.app.reg }

// Arg returns positional argument i, or nil when out of range.
func (c *Call) Arg(i int) any {
	if i < 0 || i >= len(c.Args) {
		return nil
	}
	return c.Args[i]
}

// Kwarg returns a keyword argument.
func (c *Call) Kwarg(name string) (any, bool) {
	v, ok := c.Kwargs[name]
	return v, ok
}

// Arguments come back from the wire as JSON values (float64 for numbers), so
// the typed accessors coerce.

func (c *Call) ArgInt(i int) (int, error) {
	if i < 0 || i >= len(c.Args) {
		return 0, fmt.Errorf("argument %d of %s: missing", i, c.task.name)
	}
	return cast.ToIntE(c.Args[i])
}

func (c *Call) ArgString(i int) (string, error) {
	if i < 0 || i >= len(c.Args) {
		return "", fmt.Errorf("argument %d of %s: missing", i, c.task.name)
	}
	return cast.ToStringE(c.Args[i])
}

func (c *Call) ArgBool(i int) (bool, error) {
	if i < 0 || i >= len(c.Args) {
		return false, fmt.Errorf("argument %d of %s: missing", i, c.task.name)
	}
	return cast.ToBoolE(c.Args[i])
}

// KwargInt returns keyword argument name as an int, or def when absent.
func (c *Call) KwargInt(name string, def int) (int, error) {
	v, ok := c.Kwargs[name]
	if !ok || v == nil {
		return def, nil
	}
	return cast.ToIntE(v)
}

// KwargString returns keyword argument name as a string, or def when absent.
func (c *Call) KwargString(name, def string) (string, error) {
	v, ok := c.Kwargs[name]
	if !ok || v == nil {
		return def, nil
	}
	return cast.ToStringE(v)
}

// KwargDuration accepts seconds or a duration string.
func (c *Call) KwargDuration(name string, def time.Duration) (time.Duration, error) {
	v, ok := c.Kwargs[name]
	if !ok || v == nil {
		return def, nil
	}
	if s, isString := v.(string); isString {
		return cast.ToDurationE(s)
	}
	secs, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// RetryOptions tune Call.Retry.
type RetryOptions struct {
	// Countdown delays the new attempt. Zero uses the task retry delay
	// unless ETA is set.
	Countdown time.Duration
	ETA       time.Time
	// MaxRetries overrides the task limit when non-nil.
	MaxRetries *int
	// Err is the failure that caused the retry.
	Err error
}

// Retry asks for another attempt of this invocation. In dispatched mode a
// copy of the message with the retry count raised is published before the
// *RetryError is returned; the body should return that error. Once the
// limit is reached a *MaxRetriesExceededError is returned and nothing is
// published. A direct call is never republished: Retry returns opts.Err, or
// the *RetryError when there is none.
func (c *Call) Retry(opts RetryOptions) error {
	t := c.task
	max := t.maxRetries
	if opts.MaxRetries != nil {
		max = *opts.MaxRetries
	}
	if max >= 0 && c.Retries >= max {
		return &MaxRetriesExceededError{Task: t.name, ID: c.ID, MaxRetries: max, Cause: opts.Err}
	}

	countdown := opts.Countdown
	if countdown == 0 && opts.ETA.IsZero() {
		countdown = t.retryDelay
	}
	rerr := &RetryError{Task: t.name, ID: c.ID, Retries: c.Retries + 1, Countdown: countdown, Cause: opts.Err}

	if c.CalledDirectly || c.msg == nil {
		if opts.Err != nil {
			return opts.Err
		}
		return rerr
	}

	m, err := c.msg.Clone()
	if err != nil {
		return fmt.Errorf("retry %s: %w", t.name, err)
	}
	m.Headers.Retries = c.Retries + 1
	eta := opts.ETA.UTC()
	if opts.ETA.IsZero() {
		eta = time.Now().UTC().Add(countdown)
	} else {
		rerr.Countdown = time.Until(opts.ETA)
	}
	m.Headers.ETA = &eta

	if err := t.app.publish(c.ctx, m); err != nil {
		return fmt.Errorf("retry %s: %w", t.name, err)
	}
	metrics.RecordRetry(t.name)
	tracing.AddSpanEvent(c.ctx, "task.retry",
		attribute.Int("task.retries", m.Headers.Retries),
		attribute.String("task.countdown", rerr.Countdown.String()),
	)
	return rerr
}
