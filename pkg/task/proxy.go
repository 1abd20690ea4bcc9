package task

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"sync"
)

// Proxy stands in for a task declared before any App exists. It starts
// unbound, holding only the function and its declared name; a configuration
// commit binds it to a registered Task. Every operation other than Name
// fails with *UnboundError until then.
//
// Binding again replaces the earlier task (last wins), so re-running
// configuration, as test fixtures do, rebinds cleanly to the new App.
type Proxy struct {
	fn       Func
	declared string
	opts     []Option

	mu   sync.RWMutex
	task *Task
}

var declarations struct {
	sync.Mutex
	proxies []*Proxy
}

// Declare creates a proxy for fn and records it for Include.
func Declare(fn Func, opts ...Option) *Proxy {
	p := NewProxy(fn, opts...)
	declarations.Lock()
	defer declarations.Unlock()
	declarations.proxies = append(declarations.proxies, p)
	return p
}

// Declared returns every proxy created by Declare, in declaration order.
func Declared() []*Proxy {
	declarations.Lock()
	defer declarations.Unlock()
	return append([]*Proxy(nil), declarations.proxies...)
}

// NewProxy creates a proxy for fn without recording it. Its name is the
// fully qualified function name unless WithName overrides it.
func NewProxy(fn Func, opts ...Option) *Proxy {
	name := buildOptions(opts).name
	if name == "" {
		name = qualifiedName(fn)
	}
	return &Proxy{fn: fn, declared: name, opts: opts}
}

func qualifiedName(fn Func) string {
	if f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()); f != nil {
		return f.Name()
	}
	return "unknown"
}

// DeclaredName is the name the proxy registers its task under.
func (p *Proxy) DeclaredName() string { return p.declared }

// Func returns the wrapped function.
func (p *Proxy) Func() Func { return p.fn }

// Name is the bound task's name, or the declared name while unbound.
func (p *Proxy) Name() string {
	if t := p.bound(); t != nil {
		return t.Name()
	}
	return p.declared
}

// Bound reports whether a task is bound.
func (p *Proxy) Bound() bool { return p.bound() != nil }

// Bind forwards every later operation to t.
func (p *Proxy) Bind(t *Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.task = t
}

func (p *Proxy) bound() *Task {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.task
}

func (p *Proxy) resolve(op string) (*Task, error) {
	if t := p.bound(); t != nil {
		return t, nil
	}
	return nil, &UnboundError{Func: p.declared, Op: op}
}

// Task returns the bound task.
func (p *Proxy) Task() (*Task, error) { return p.resolve("Task") }

func (p *Proxy) App() (*App, error) {
	t, err := p.resolve("App")
	if err != nil {
		return nil, err
	}
	return t.App(), nil
}

func (p *Proxy) MaxRetries() (int, error) {
	t, err := p.resolve("MaxRetries")
	if err != nil {
		return 0, err
	}
	return t.MaxRetries(), nil
}

func (p *Proxy) Call(ctx context.Context, args ...any) (any, error) {
	t, err := p.resolve("Call")
	if err != nil {
		return nil, err
	}
	return t.Call(ctx, args...)
}

func (p *Proxy) CallKw(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	t, err := p.resolve("CallKw")
	if err != nil {
		return nil, err
	}
	return t.CallKw(ctx, args, kwargs)
}

func (p *Proxy) Delay(ctx context.Context, args ...any) (*AsyncResult, error) {
	t, err := p.resolve("Delay")
	if err != nil {
		return nil, err
	}
	return t.Delay(ctx, args...)
}

func (p *Proxy) ApplyAsync(ctx context.Context, args []any, kwargs map[string]any, opts PublishOptions) (*AsyncResult, error) {
	t, err := p.resolve("ApplyAsync")
	if err != nil {
		return nil, err
	}
	return t.ApplyAsync(ctx, args, kwargs, opts)
}

func (p *Proxy) String() string {
	if t := p.bound(); t != nil {
		return fmt.Sprintf("proxy for %s bound to %s", p.declared, t)
	}
	return fmt.Sprintf("proxy for %s (unbound)", p.declared)
}
