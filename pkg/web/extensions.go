package web

import (
	"errors"
	"fmt"
)

// ErrNoSuchAttribute is returned when a request property or method was never
// registered, or the request extensions were not applied.
var ErrNoSuchAttribute = errors.New("no such request attribute")

// PropertyFunc computes a request property.
type PropertyFunc func(req *Request) (any, error)

// MethodFunc implements a request method.
type MethodFunc func(req *Request, args ...any) (any, error)

type property struct {
	fn    PropertyFunc
	reify bool
}

type extensions struct {
	properties map[string]property
	methods    map[string]MethodFunc
}

func (e extensions) clone() extensions {
	out := extensions{
		properties: make(map[string]property, len(e.properties)),
		methods:    make(map[string]MethodFunc, len(e.methods)),
	}
	for k, v := range e.properties {
		out.properties[k] = v
	}
	for k, v := range e.methods {
		out.methods[k] = v
	}
	return out
}

// AddRequestProperty registers a computed request property. A reified
// property is computed once per request and cached on it.
func (r *Registry) AddRequestProperty(name string, fn PropertyFunc, reify bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extensions.properties[name] = property{fn: fn, reify: reify}
}

// AddRequestMethod registers a request method.
func (r *Registry) AddRequestMethod(name string, fn MethodFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extensions.methods[name] = fn
}

// ApplyRequestExtensions attaches the registered properties and methods to req.
func (r *Registry) ApplyRequestExtensions(req *Request) {
	r.mu.RLock()
	ext := r.extensions.clone()
	r.mu.RUnlock()
	req.ext = ext
}

// Property evaluates a registered request property.
func (req *Request) Property(name string) (any, error) {
	p, ok := req.ext.properties[name]
	if !ok {
		return nil, fmt.Errorf("property %q: %w", name, ErrNoSuchAttribute)
	}
	if p.reify {
		if v, ok := req.reified[name]; ok {
			return v, nil
		}
	}
	v, err := p.fn(req)
	if err != nil {
		return nil, err
	}
	if p.reify {
		if req.reified == nil {
			req.reified = make(map[string]any)
		}
		req.reified[name] = v
	}
	return v, nil
}

// CallMethod invokes a registered request method.
func (req *Request) CallMethod(name string, args ...any) (any, error) {
	m, ok := req.ext.methods[name]
	if !ok {
		return nil, fmt.Errorf("method %q: %w", name, ErrNoSuchAttribute)
	}
	return m(req, args...)
}
