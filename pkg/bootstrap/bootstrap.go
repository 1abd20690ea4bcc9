// Package bootstrap builds a configured application from an ini file, the
// way a command-line entry point needs it before handing over to the worker.
//
// Applications register their factory under a name at init time; the ini
// file's [app:main] section picks it with "use = <name>".
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/austindbirch/taskbridge/internal/config"
	"github.com/austindbirch/taskbridge/pkg/task"
	"github.com/austindbirch/taskbridge/pkg/web"
	"github.com/austindbirch/taskbridge/pkg/webreq"
)

// DefaultFactory is used when [app:main] has no "use" key.
const DefaultFactory = "main"

// AppFactory configures an application. Settings from [app:main] are on
// cfg.Registry. Bootstrap commits cfg after the factory returns.
type AppFactory func(cfg *web.Configurator) error

// SetupFunc is run with the bootstrapped environment before the worker
// command line takes over.
type SetupFunc func(env *Env) error

var registry = struct {
	sync.RWMutex
	apps   map[string]AppFactory
	setups map[string]SetupFunc
}{
	apps:   make(map[string]AppFactory),
	setups: make(map[string]SetupFunc),
}

// RegisterApp makes f available as "use = name".
func RegisterApp(name string, f AppFactory) {
	registry.Lock()
	defer registry.Unlock()
	registry.apps[name] = f
}

// RegisterSetup makes f available to --setup name.
func RegisterSetup(name string, f SetupFunc) {
	registry.Lock()
	defer registry.Unlock()
	registry.setups[name] = f
}

// LookupApp returns the factory registered under name.
func LookupApp(name string) (AppFactory, bool) {
	registry.RLock()
	defer registry.RUnlock()
	f, ok := registry.apps[name]
	return f, ok
}

// LookupSetup returns the setup function registered under name.
func LookupSetup(name string) (SetupFunc, bool) {
	registry.RLock()
	defer registry.RUnlock()
	f, ok := registry.setups[name]
	return f, ok
}

// Apps returns the registered factory names, sorted.
func Apps() []string {
	registry.RLock()
	defer registry.RUnlock()
	names := make([]string, 0, len(registry.apps))
	for name := range registry.apps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Env is a bootstrapped application with a blank request active.
type Env struct {
	Registry *web.Registry
	Request  *web.Request
	Root     any
	App      *task.App
	// Context carries Request. Tasks published with it embed the request.
	Context context.Context

	end  func()
	once sync.Once
}

// Close ends the request, runs its finished callbacks and closes the app.
func (e *Env) Close() error {
	var err error
	e.once.Do(func() {
		e.Request.ProcessFinishedCallbacks()
		e.end()
		err = e.App.Close()
	})
	return err
}

// Bootstrap loads the ini file at uri, runs the application factory it
// names, commits the configuration and activates a blank request at
// webreq.DefaultURL.
//
// A [taskbridge] section, when present, is decoded into the task config
// before the factory runs; a factory calling task.SetConfig overrides it.
func Bootstrap(ctx context.Context, uri string) (*Env, error) {
	v, err := config.LoadINI(uri)
	if err != nil {
		return nil, err
	}

	settings := config.Section(v, config.AppSection)
	name := factoryName(settings["use"])
	delete(settings, "use")
	factory, ok := LookupApp(name)
	if !ok {
		return nil, fmt.Errorf("bootstrap %s: no application factory %q (registered: %s)", uri, name, strings.Join(Apps(), ", "))
	}

	reg := web.NewRegistry(settings)
	cfg := web.NewConfigurator(reg)
	if v.IsSet(config.TaskSection) {
		conf := task.DefaultConfig()
		if err := config.Sub(v, config.TaskSection).Unmarshal(&conf); err != nil {
			return nil, fmt.Errorf("bootstrap %s: [%s]: %w", uri, config.TaskSection, err)
		}
		task.SetConfig(cfg, conf)
	}

	if err := factory(cfg); err != nil {
		return nil, fmt.Errorf("bootstrap %s: application %q: %w", uri, name, err)
	}
	if err := cfg.Commit(); err != nil {
		return nil, fmt.Errorf("bootstrap %s: commit: %w", uri, err)
	}

	app, err := task.GetApp(reg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap %s: %w", uri, err)
	}
	req, err := webreq.Restore(nil, reg, webreq.DefaultURL)
	if err != nil {
		return nil, errors.Join(err, app.Close())
	}
	web.ResolveRoot(req)

	reqCtx, end := app.BeginRequest(ctx, req)
	return &Env{
		Registry: reg,
		Request:  req,
		Root:     req.Root,
		App:      app,
		Context:  reqCtx,
		end:      end,
	}, nil
}

// factoryName accepts "name", "egg:dist" and "egg:dist#name".
func factoryName(use string) string {
	use = strings.TrimSpace(use)
	if i := strings.Index(use, "#"); i >= 0 {
		use = use[i+1:]
	} else if i := strings.Index(use, ":"); i >= 0 {
		use = use[i+1:]
	}
	if use == "" {
		return DefaultFactory
	}
	return use
}
