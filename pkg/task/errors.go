package task

import (
	"errors"
	"fmt"
	"time"

	"github.com/austindbirch/taskbridge/pkg/backend"
	"github.com/austindbirch/taskbridge/pkg/message"
)

var (
	// ErrTaskNotRegistered is returned when a message or lookup names a task
	// the app does not know.
	ErrTaskNotRegistered = errors.New("task not registered")

	// ErrNotMemoryBroker is returned by operations that need the in-memory
	// broker, such as the test queue.
	ErrNotMemoryBroker = errors.New("app broker is not the in-memory broker")

	// ErrNoBackend is returned by result lookups on an app without a result
	// backend, or with results ignored.
	ErrNoBackend = errors.New("no result backend configured")
)

// UnboundError is returned when a Proxy is used before a configuration commit
// bound it to a task.
type UnboundError struct {
	Func string // declared function name
	Op   string // operation that was attempted
}

func (e *UnboundError) Error() string {
	return fmt.Sprintf("task creation failed: did the configurator scan %s and commit? "+
		"proxy tried to look up attribute: %s", e.Func, e.Op)
}

// RetryError is the retry signal. A task body returns it (via Call.Retry) to
// ask for another attempt; in dispatched mode the new attempt has already
// been published when the error is returned.
type RetryError struct {
	Task      string
	ID        string
	Retries   int // retry count of the republished attempt
	Countdown time.Duration
	Cause     error
}

func (e *RetryError) Error() string {
	msg := fmt.Sprintf("retry task %s[%s] (attempt %d) in %s", e.Task, e.ID, e.Retries, e.Countdown)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *RetryError) Unwrap() error { return e.Cause }

// MaxRetriesExceededError is returned by Call.Retry once the task has used
// all of its retries.
type MaxRetriesExceededError struct {
	Task       string
	ID         string
	MaxRetries int
	Cause      error
}

func (e *MaxRetriesExceededError) Error() string {
	msg := fmt.Sprintf("can't retry task %s[%s]: max retries (%d) exceeded", e.Task, e.ID, e.MaxRetries)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *MaxRetriesExceededError) Unwrap() error { return e.Cause }

// PanicError is a panic recovered from a dispatched task body.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// ExecutionError wraps whatever a dispatched execution failed with.
type ExecutionError struct {
	Task string
	ID   string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("task %s[%s]: %v", e.Task, e.ID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ExceptionInfo describes a failed dispatched execution whose error the
// caller chose not to propagate.
type ExceptionInfo struct {
	Task  string
	ID    string
	State backend.State
	Err   error
}

// NewExceptionInfo builds the info for a failed execution of m.
func NewExceptionInfo(m *message.Message, err error) *ExceptionInfo {
	return &ExceptionInfo{
		Task:  m.Headers.Task,
		ID:    m.Headers.ID,
		State: stateOf(err),
		Err:   err,
	}
}

// IsRetry reports whether the execution ended with a retry signal.
func (i *ExceptionInfo) IsRetry() bool {
	return i != nil && i.State == backend.StateRetry
}

func (i *ExceptionInfo) Error() string {
	if i == nil || i.Err == nil {
		return ""
	}
	return i.Err.Error()
}

func stateOf(err error) backend.State {
	var retry *RetryError
	switch {
	case err == nil:
		return backend.StateSuccess
	case errors.As(err, &retry):
		return backend.StateRetry
	default:
		return backend.StateFailure
	}
}
