package web

import (
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

// IncludeFunc configures a part of an application.
type IncludeFunc func(cfg *Configurator) error

// Action is a deferred configuration side effect.
type Action struct {
	Discriminator string
	Callable      func() error
	IncludePath   string
}

// ConflictError reports two actions with the same discriminator recorded
// from different includes.
type ConflictError struct {
	Discriminator string
	Paths         []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("configuration conflict for %q between %s", e.Discriminator, strings.Join(e.Paths, " and "))
}

// Configurator collects configuration actions and executes them on Commit.
// Declarations register actions; nothing they record runs before Commit
// unless the configurator autocommits.
type Configurator struct {
	Registry *Registry

	autocommit  bool
	actions     []Action
	includePath []string
}

// ConfiguratorOption configures a Configurator.
type ConfiguratorOption func(*Configurator)

// WithAutocommit makes every action run as soon as it is recorded.
func WithAutocommit() ConfiguratorOption {
	return func(c *Configurator) { c.autocommit = true }
}

// NewConfigurator returns a configurator for reg. A nil reg gets a fresh
// empty registry.
func NewConfigurator(reg *Registry, opts ...ConfiguratorOption) *Configurator {
	if reg == nil {
		reg = NewRegistry(nil)
	}
	c := &Configurator{Registry: reg}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Action records fn under discriminator.
func (c *Configurator) Action(discriminator string, fn func() error) error {
	if c.autocommit {
		return fn()
	}
	c.actions = append(c.actions, Action{
		Discriminator: discriminator,
		Callable:      fn,
		IncludePath:   strings.Join(c.includePath, "/"),
	})
	return nil
}

// Include runs fn with the include path extended by its name.
func (c *Configurator) Include(fn IncludeFunc) error {
	c.includePath = append(c.includePath, funcName(fn))
	defer func() { c.includePath = c.includePath[:len(c.includePath)-1] }()
	return fn(c)
}

// Pending returns the number of recorded, uncommitted actions.
func (c *Configurator) Pending() int {
	return len(c.actions)
}

// Commit resolves the recorded actions and runs them in registration order.
// An action recorded twice from the same include path runs once, in the
// position of its last recording.
func (c *Configurator) Commit() error {
	actions, err := resolveActions(c.actions)
	c.actions = nil
	if err != nil {
		return err
	}
	for _, a := range actions {
		if err := a.Callable(); err != nil {
			return fmt.Errorf("action %q: %w", a.Discriminator, err)
		}
	}
	return nil
}

func resolveActions(actions []Action) ([]Action, error) {
	last := make(map[string]int, len(actions))
	for i, a := range actions {
		if a.Discriminator == "" {
			continue
		}
		if j, ok := last[a.Discriminator]; ok && actions[j].IncludePath != a.IncludePath {
			return nil, &ConflictError{
				Discriminator: a.Discriminator,
				Paths:         []string{actions[j].IncludePath, a.IncludePath},
			}
		}
		last[a.Discriminator] = i
	}
	out := make([]Action, 0, len(actions))
	for i, a := range actions {
		if a.Discriminator != "" && last[a.Discriminator] != i {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func funcName(fn any) string {
	if f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()); f != nil {
		return f.Name()
	}
	return "unknown"
}
