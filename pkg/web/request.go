package web

import (
	"net/http"
)

// Request is the framework view of an HTTP request. It can wrap a live
// *http.Request or be built from an environ by a RequestFactory.
type Request struct {
	HTTP     *http.Request
	Registry *Registry
	Environ  map[string]string
	Root     any

	ext      extensions
	reified  map[string]any
	values   map[string]any
	finished []func(*Request)
}

// NewRequest wraps a live HTTP request. When reg is non-nil the request is
// attached to it and its extensions are applied.
func NewRequest(r *http.Request, reg *Registry) *Request {
	req := &Request{
		HTTP:    r,
		Environ: EnvironFromHTTP(r),
	}
	if reg != nil {
		req.Registry = reg
		reg.ApplyRequestExtensions(req)
	}
	return req
}

// Blank builds a request for rawURL with env overlaid on the environ derived
// from the URL.
func Blank(rawURL string, env map[string]string) (*Request, error) {
	environ, err := environFromURL(rawURL)
	if err != nil {
		return nil, err
	}
	for k, v := range env {
		environ[k] = v
	}
	hr, err := httpRequestFromEnviron(environ)
	if err != nil {
		return nil, err
	}
	return &Request{HTTP: hr, Environ: environ}, nil
}

// DefaultRequestFactory builds requests with Blank.
var DefaultRequestFactory RequestFactory = RequestFactoryFunc(Blank)

// URL returns the absolute URL of the request, computed from its environ.
func (req *Request) URL() string {
	return urlFromEnviron(req.Environ)
}

// Set stores an ad-hoc value on the request.
func (req *Request) Set(key string, v any) {
	if req.values == nil {
		req.values = make(map[string]any)
	}
	req.values[key] = v
}

// Value returns an ad-hoc value stored with Set.
func (req *Request) Value(key string) (any, bool) {
	v, ok := req.values[key]
	return v, ok
}

// AddFinishedCallback registers fn to run when the request is finished.
func (req *Request) AddFinishedCallback(fn func(*Request)) {
	req.finished = append(req.finished, fn)
}

// ProcessFinishedCallbacks runs the finished callbacks in registration order.
// Callbacks added while processing are run as well. Each callback runs once.
func (req *Request) ProcessFinishedCallbacks() {
	for len(req.finished) > 0 {
		fn := req.finished[0]
		req.finished = req.finished[1:]
		fn(req)
	}
}
