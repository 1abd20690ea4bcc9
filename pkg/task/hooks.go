package task

import (
	"context"

	"github.com/austindbirch/taskbridge/internal/tracing"
	"github.com/austindbirch/taskbridge/pkg/message"
	"github.com/austindbirch/taskbridge/pkg/webreq"
)

// PublishHook inspects or amends a message right before it reaches the
// broker. An error aborts the publish.
type PublishHook func(ctx context.Context, m *message.Message) error

// embedRequestSnapshot stores a snapshot of the active request under the
// message's extra key. Without an active request the message is left alone,
// and the worker falls back to a blank request.
func embedRequestSnapshot(a *App) PublishHook {
	return func(ctx context.Context, m *message.Message) error {
		req := a.activeRequest(ctx)
		if req == nil {
			return nil
		}
		return m.SetExtra(message.Extra{HTTPRequest: webreq.Capture(req)})
	}
}

// injectTraceHeaders carries the publishing span to the worker.
func injectTraceHeaders(ctx context.Context, m *message.Message) error {
	if headers := tracing.PropagateTraceToMessage(ctx); len(headers) > 0 {
		m.TraceHeaders = headers
	}
	return nil
}
