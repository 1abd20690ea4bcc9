package task

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/austindbirch/taskbridge/pkg/backend"
	"github.com/austindbirch/taskbridge/pkg/backend/postgres"
	"github.com/austindbirch/taskbridge/pkg/broker"
	"github.com/austindbirch/taskbridge/pkg/broker/memory"
	"github.com/austindbirch/taskbridge/pkg/broker/nsqbroker"
	"github.com/austindbirch/taskbridge/pkg/web"
)

// Registry entry and utility names.
const (
	AppKey              = "taskbridge.app"
	ConfigKey           = "taskbridge.config"
	AltNameFactoriesKey = "taskbridge.alt_name_factories"
	QueuesFactoryKind   = "taskbridge.queues_factory"
)

// QueuesFactory contributes queues to the app built for reg.
type QueuesFactory func(reg *web.Registry) []broker.Queue

// AltNameFactory returns an additional name to index t under, or "".
type AltNameFactory func(t *Task) string

// Include scans every proxy created with Declare.
func Include(cfg *web.Configurator) error {
	return Scan(cfg, Declared()...)
}

// Scan records one bind action per proxy. Nothing is bound, and no App is
// built, until the configurator commits.
func Scan(cfg *web.Configurator, proxies ...*Proxy) error {
	reg := cfg.Registry
	for _, p := range proxies {
		if err := cfg.Action("bind_task - "+p.DeclaredName(), func() error {
			return bind(reg, p)
		}); err != nil {
			return err
		}
	}
	return nil
}

func bind(reg *web.Registry, p *Proxy) error {
	app, err := GetApp(reg)
	if err != nil {
		return err
	}
	t := app.Register(p.DeclaredName(), p.fn, p.opts...)
	p.Bind(t)
	for _, f := range altNameFactories(reg) {
		if alt := f(t); alt != "" {
			app.Alias(alt, t)
		}
	}
	return nil
}

// SetConfig stores c for the app GetApp will build. It takes effect at once.
func SetConfig(cfg *web.Configurator, c Config) {
	cfg.Registry.Set(ConfigKey, c.Clone())
}

// AddQueuesFactory registers f under name. A second factory with the same
// name replaces the first.
func AddQueuesFactory(cfg *web.Configurator, name string, f QueuesFactory) {
	cfg.Registry.RegisterUtility(QueuesFactoryKind, name, f)
}

var altNamesMu sync.Mutex

// AddAltNameFactory registers f to be consulted whenever a task is bound.
func AddAltNameFactory(cfg *web.Configurator, f AltNameFactory) {
	altNamesMu.Lock()
	defer altNamesMu.Unlock()
	fs := altNameFactoriesLocked(cfg.Registry)
	cfg.Registry.Set(AltNameFactoriesKey, append(fs, f))
}

func altNameFactories(reg *web.Registry) []AltNameFactory {
	altNamesMu.Lock()
	defer altNamesMu.Unlock()
	return altNameFactoriesLocked(reg)
}

func altNameFactoriesLocked(reg *web.Registry) []AltNameFactory {
	v, ok := reg.Get(AltNameFactoriesKey)
	if !ok {
		return nil
	}
	fs, _ := v.([]AltNameFactory)
	return append([]AltNameFactory(nil), fs...)
}

var appMu sync.Mutex

// GetApp returns the App cached on reg, building it on first use from the
// config stored by SetConfig (which is consumed). In testing mode the config
// is replaced by TestingConfig; otherwise queues from every registered
// queues factory are appended to the configured ones.
func GetApp(reg *web.Registry) (*App, error) {
	appMu.Lock()
	defer appMu.Unlock()

	if v, ok := reg.Get(AppKey); ok {
		if app, ok := v.(*App); ok {
			return app, nil
		}
	}

	conf := appConfig(reg)
	b, err := brokerFromURL(conf.BrokerURL)
	if err != nil {
		return nil, err
	}
	var opts []AppOption
	if !conf.IgnoreResult && conf.ResultBackend != "" {
		be, err := backendFromURL(conf.ResultBackend)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		opts = append(opts, WithBackend(be))
	}

	app, err := NewApp(reg, conf, b, opts...)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	reg.Set(AppKey, app)
	return app, nil
}

// ResetApp drops the cached App so the next GetApp builds a new one.
func ResetApp(reg *web.Registry) {
	appMu.Lock()
	defer appMu.Unlock()
	reg.Delete(AppKey)
}

func appConfig(reg *web.Registry) Config {
	conf := DefaultConfig()
	if v, ok := reg.Pop(ConfigKey); ok {
		if c, ok := v.(Config); ok {
			conf = c.Clone()
		}
	}
	if conf.Testing {
		return TestingConfig(conf.AppName)
	}
	for _, u := range reg.UtilitiesFor(QueuesFactoryKind) {
		if f, ok := u.Value.(QueuesFactory); ok {
			conf.Queues = append(conf.Queues, f(reg)...)
		}
	}
	return conf
}

func brokerFromURL(url string) (broker.Broker, error) {
	switch {
	case url == "" || strings.HasPrefix(url, "memory://"):
		return memory.New(), nil
	case strings.HasPrefix(url, "nsq://"):
		addr := strings.TrimSuffix(strings.TrimPrefix(url, "nsq://"), "/")
		return nsqbroker.New(addr, nil)
	default:
		return nil, fmt.Errorf("unsupported broker url %q", url)
	}
}

func backendFromURL(url string) (backend.Backend, error) {
	switch {
	case strings.HasPrefix(url, "memory://"):
		return backend.NewMemory(), nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return postgres.Open(ctx, url)
	default:
		return nil, fmt.Errorf("unsupported result backend %q", url)
	}
}
