package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/taskbridge/internal/metrics"
	"github.com/austindbirch/taskbridge/internal/tracing"
	"github.com/austindbirch/taskbridge/pkg/backend"
	"github.com/austindbirch/taskbridge/pkg/message"
	"github.com/austindbirch/taskbridge/pkg/web"
)

const (
	modeDirect     = "direct"
	modeDispatched = "dispatched"
)

// runDirect runs the body synchronously in the caller's context. The
// caller's live request is attached to the frame as is. The frame is popped
// and the request detached on every exit, panics included.
func (t *Task) runDirect(ctx context.Context, args []any, kwargs map[string]any) (result any, err error) {
	a := t.app
	c := &Call{
		ID:             uuid.NewString(),
		Args:           args,
		Kwargs:         kwargs,
		CalledDirectly: true,
		task:           t,
	}
	c.Headers = message.Headers{ID: c.ID, Task: t.name, RootID: c.ID}
	if parent := CallFromContext(ctx); parent != nil {
		c.Headers.ParentID = parent.ID
		c.Headers.RootID = parent.Headers.RootID
	}

	c.request = a.activeRequest(ctx)
	ctx = withCall(ctx, c)
	if c.request != nil && web.RequestFromContext(ctx) == nil {
		ctx = web.WithRequest(ctx, c.request)
	}
	c.ctx = ctx

	a.pushFrame(c)
	start := time.Now()
	defer func() {
		c.request = nil
		a.popFrame()
		if r := recover(); r != nil {
			metrics.RecordRun(t.name, modeDirect, "panic", time.Since(start))
			panic(r)
		}
		metrics.RecordRun(t.name, modeDirect, runStatus(err), time.Since(start))
	}()

	return t.fn(c)
}

// runDispatched runs a consumed message. The request is rebuilt from the
// message and activated for the body; finished callbacks run and the
// activation ends on every exit. Panics are recovered into *PanicError.
func (t *Task) runDispatched(ctx context.Context, m *message.Message) (any, error) {
	a := t.app
	ctx = tracing.ExtractTraceFromMessage(ctx, m.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "task.execute",
		attribute.String("task.name", t.name),
		attribute.String("task.id", m.Headers.ID),
		attribute.Int("task.retries", m.Headers.Retries),
	)
	defer span.End()

	c := &Call{
		ID:      m.Headers.ID,
		Args:    m.Args,
		Kwargs:  m.Kwargs,
		Retries: m.Headers.Retries,
		Headers: m.Headers,
		task:    t,
		msg:     m,
	}
	log := a.logger.WithContext(ctx).WithTask(t.name).WithTaskID(c.ID).WithQueue(m.Headers.Queue)

	a.pushFrame(c)
	defer a.popFrame()

	req, err := c.Request()
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, &ExecutionError{Task: t.name, ID: c.ID, Err: fmt.Errorf("restore request: %w", err)}
	}
	tracing.AddSpanEvent(ctx, "request.restored", attribute.String("request.url", req.URL()))

	ctx, end := a.BeginRequest(withCall(ctx, c), req)
	c.ctx = ctx
	t.storeResult(ctx, c, backend.StateStarted, nil, nil)
	log.WithField("retries", c.Retries).Debug("task started")

	start := time.Now()
	var result any
	func() {
		defer end()
		defer func() {
			if cbErr := finishRequest(req); cbErr != nil {
				err = errors.Join(err, cbErr)
			}
		}()
		result, err = t.invoke(c)
	}()
	took := time.Since(start)

	status := runStatus(err)
	metrics.RecordRun(t.name, modeDispatched, status, took)
	t.storeResult(ctx, c, stateOf(err), result, err)

	if err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithField("status", status).WithField("took_ms", took.Milliseconds()).WithError(err).Debug("task failed")
		return result, &ExecutionError{Task: t.name, ID: c.ID, Err: err}
	}
	log.WithField("took_ms", took.Milliseconds()).Debug("task succeeded")
	return result, nil
}

// finishRequest runs the finished callbacks of req. A panicking callback
// stops the remaining ones and comes back as a *PanicError.
func finishRequest(req *web.Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	req.ProcessFinishedCallbacks()
	return nil
}

func (t *Task) invoke(c *Call) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return t.fn(c)
}

func (t *Task) storeResult(ctx context.Context, c *Call, state backend.State, value any, runErr error) {
	a := t.app
	if !a.storesResults() || t.ignoreResult {
		return
	}
	r := backend.Result{ID: c.ID, Task: t.name, State: state, Retries: c.Retries}
	if runErr != nil {
		r.Error = runErr.Error()
	}
	if value != nil && state == backend.StateSuccess {
		b, err := json.Marshal(value)
		if err != nil {
			r.State = backend.StateFailure
			r.Error = fmt.Sprintf("encode result: %v", err)
		} else {
			r.Value = b
		}
	}
	if err := a.backend.Store(ctx, r); err != nil {
		a.logger.WithContext(ctx).WithTask(t.name).WithTaskID(c.ID).WithError(err).Warn("store task result")
	}
}

func runStatus(err error) string {
	var (
		retry *RetryError
		pe    *PanicError
	)
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &retry):
		return "retry"
	case errors.As(err, &pe):
		return "panic"
	default:
		return "failure"
	}
}
