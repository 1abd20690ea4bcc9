package web

import "context"

type requestKey struct{}

// WithRequest returns a copy of ctx carrying req.
func WithRequest(ctx context.Context, req *Request) context.Context {
	return context.WithValue(ctx, requestKey{}, req)
}

// RequestFromContext returns the request carried by ctx, or nil.
func RequestFromContext(ctx context.Context) *Request {
	if ctx == nil {
		return nil
	}
	req, _ := ctx.Value(requestKey{}).(*Request)
	return req
}

// Stack is the explicit stack of active requests owned by whoever drives
// execution (an HTTP server or a task worker). Push and Pop are the only
// mutations. It is not safe for concurrent use.
type Stack struct {
	frames []*Request
}

// Push makes req the active request.
func (s *Stack) Push(req *Request) {
	s.frames = append(s.frames, req)
}

// Pop removes and returns the active request, or nil when empty.
func (s *Stack) Pop() *Request {
	if len(s.frames) == 0 {
		return nil
	}
	top := s.frames[len(s.frames)-1]
	s.frames[len(s.frames)-1] = nil
	s.frames = s.frames[:len(s.frames)-1]
	return top
}

// Top returns the active request without removing it, or nil.
func (s *Stack) Top() *Request {
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

// Len returns the stack depth.
func (s *Stack) Len() int {
	return len(s.frames)
}

// RequestContext scopes the activation of a request: Begin pushes it on the
// stack and exposes it through the returned context, End pops it.
type RequestContext struct {
	Request *Request
	stack   *Stack
	begun   bool
}

// NewRequestContext prepares an activation of req on stack.
func NewRequestContext(stack *Stack, req *Request) *RequestContext {
	return &RequestContext{Request: req, stack: stack}
}

// Begin activates the request and returns ctx carrying it.
func (rc *RequestContext) Begin(ctx context.Context) context.Context {
	rc.stack.Push(rc.Request)
	rc.begun = true
	return WithRequest(ctx, rc.Request)
}

// End deactivates the request. Calling End without Begin, or twice, is a no-op.
func (rc *RequestContext) End() {
	if !rc.begun {
		return
	}
	rc.begun = false
	rc.stack.Pop()
}
