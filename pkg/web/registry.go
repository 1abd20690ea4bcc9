package web

import (
	"sort"
	"sync"
)

// RequestFactory builds requests that are not backed by a live HTTP exchange.
type RequestFactory interface {
	Blank(url string, env map[string]string) (*Request, error)
}

// RequestFactoryFunc adapts a function to RequestFactory.
type RequestFactoryFunc func(url string, env map[string]string) (*Request, error)

// Blank calls f(url, env).
func (f RequestFactoryFunc) Blank(url string, env map[string]string) (*Request, error) {
	return f(url, env)
}

// RootFactory returns the traversal root for a request.
type RootFactory func(req *Request) any

// NamedUtility is a utility registered under a kind and a name.
type NamedUtility struct {
	Name  string
	Value any
}

// Registry holds application settings, named entries, utilities and the
// request extension set. Reads are safe from several goroutines.
type Registry struct {
	mu             sync.RWMutex
	settings       map[string]string
	entries        map[string]any
	utilities      map[string]map[string]any
	requestFactory RequestFactory
	rootFactory    RootFactory
	extensions     extensions
}

// NewRegistry creates a registry holding a copy of settings.
func NewRegistry(settings map[string]string) *Registry {
	s := make(map[string]string, len(settings))
	for k, v := range settings {
		s[k] = v
	}
	return &Registry{
		settings:  s,
		entries:   make(map[string]any),
		utilities: make(map[string]map[string]any),
		extensions: extensions{
			properties: make(map[string]property),
			methods:    make(map[string]MethodFunc),
		},
	}
}

// Settings returns a copy of the registry settings.
func (r *Registry) Settings() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.settings))
	for k, v := range r.settings {
		out[k] = v
	}
	return out
}

// Setting returns a single setting and whether it was present.
func (r *Registry) Setting(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.settings[key]
	return v, ok
}

// Get returns the named entry.
func (r *Registry) Get(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[name]
	return v, ok
}

// Set stores a named entry, replacing any previous value.
func (r *Registry) Set(name string, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = v
}

// Pop removes and returns the named entry.
func (r *Registry) Pop(name string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries[name]
	delete(r.entries, name)
	return v, ok
}

// Delete removes the named entry.
func (r *Registry) Delete(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// RegisterUtility registers v under kind and name. A later registration with
// the same kind and name replaces the earlier one.
func (r *Registry) RegisterUtility(kind, name string, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byName, ok := r.utilities[kind]
	if !ok {
		byName = make(map[string]any)
		r.utilities[kind] = byName
	}
	byName[name] = v
}

// QueryUtility returns the utility registered under kind and name.
func (r *Registry) QueryUtility(kind, name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.utilities[kind][name]
	return v, ok
}

// UtilitiesFor returns every utility of kind, sorted by name.
func (r *Registry) UtilitiesFor(kind string) []NamedUtility {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byName := r.utilities[kind]
	out := make([]NamedUtility, 0, len(byName))
	for name, v := range byName {
		out = append(out, NamedUtility{Name: name, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetRequestFactory overrides the factory used for blank requests.
func (r *Registry) SetRequestFactory(f RequestFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestFactory = f
}

// RequestFactory returns the registered request factory or DefaultRequestFactory.
func (r *Registry) RequestFactory() RequestFactory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.requestFactory == nil {
		return DefaultRequestFactory
	}
	return r.requestFactory
}

// SetRootFactory overrides the traversal root factory.
func (r *Registry) SetRootFactory(f RootFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rootFactory = f
}

// RootFactory returns the registered root factory or DefaultRootFactory.
func (r *Registry) RootFactory() RootFactory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.rootFactory == nil {
		return DefaultRootFactory
	}
	return r.rootFactory
}

// DefaultRoot is the root used when the application registers no root factory.
type DefaultRoot struct {
	Request *Request
}

// DefaultRootFactory returns a *DefaultRoot for req.
func DefaultRootFactory(req *Request) any {
	return &DefaultRoot{Request: req}
}
