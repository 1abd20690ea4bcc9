package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/taskbridge/internal/logging"
	"github.com/austindbirch/taskbridge/internal/metrics"
	"github.com/austindbirch/taskbridge/pkg/backend"
	"github.com/austindbirch/taskbridge/pkg/broker"
	"github.com/austindbirch/taskbridge/pkg/broker/memory"
	"github.com/austindbirch/taskbridge/pkg/message"
	"github.com/austindbirch/taskbridge/pkg/web"
)

// App owns the task registry, the broker and the execution stacks of one
// configured application.
//
// The current-task and current-request stacks are ambient state for code
// that cannot take a context. They are only meaningful while one driver (a
// test queue, or a worker that runs one task at a time) executes tasks; the
// authoritative frame for an execution is the one in its context.
type App struct {
	name    string
	reg     *web.Registry
	conf    Config
	broker  broker.Broker
	backend backend.Backend
	logger  *logging.Logger

	mu    sync.RWMutex
	tasks map[string]*Task
	hooks []PublishHook

	stackMu  sync.Mutex
	frames   []*Call
	requests web.Stack
}

// AppOption configures an App.
type AppOption func(*App)

// WithBackend stores task states and results in b.
func WithBackend(b backend.Backend) AppOption {
	return func(a *App) { a.backend = b }
}

// WithLogger replaces the package default logger.
func WithLogger(l *logging.Logger) AppOption {
	return func(a *App) { a.logger = l }
}

// WithPublishHooks appends hooks after the default ones.
func WithPublishHooks(hooks ...PublishHook) AppOption {
	return func(a *App) { a.hooks = append(a.hooks, hooks...) }
}

// NewApp builds an app publishing through b. reg may be nil for apps that
// never see web requests.
func NewApp(reg *web.Registry, conf Config, b broker.Broker, opts ...AppOption) (*App, error) {
	if b == nil {
		return nil, errors.New("task app needs a broker")
	}
	conf = conf.withDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if reg == nil {
		reg = web.NewRegistry(nil)
	}
	a := &App{
		name:   conf.AppName,
		reg:    reg,
		conf:   conf,
		broker: b,
		logger: logging.Default(),
		tasks:  make(map[string]*Task),
	}
	a.hooks = []PublishHook{embedRequestSnapshot(a), injectTraceHeaders}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *App) Name() string { return a.name }

func (a *App) Registry() *web.Registry { return a.reg }

// Config returns a copy of the effective configuration.
func (a *App) Config() Config { return a.conf.Clone() }

func (a *App) Broker() broker.Broker { return a.broker }

// Backend returns the result backend, or nil.
func (a *App) Backend() backend.Backend { return a.backend }

func (a *App) Logger() *logging.Logger { return a.logger }

// RequestStack is the app's stack of active requests.
func (a *App) RequestStack() *web.Stack { return &a.requests }

func (a *App) storesResults() bool { return a.backend != nil && !a.conf.IgnoreResult }

func (a *App) memoryBroker() *memory.Broker {
	mb, _ := a.broker.(*memory.Broker)
	return mb
}

// MemoryBroker returns the broker when it is the in-memory one.
func (a *App) MemoryBroker() (*memory.Broker, error) {
	if mb := a.memoryBroker(); mb != nil {
		return mb, nil
	}
	return nil, ErrNotMemoryBroker
}

// AddPublishHook appends h to the hooks run before every publish.
func (a *App) AddPublishHook(h PublishHook) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hooks = append(a.hooks, h)
}

// Register creates a task called name running fn. Registering a name again
// replaces the earlier task.
func (a *App) Register(name string, fn Func, opts ...Option) *Task {
	t := newTask(a, name, fn, opts...)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tasks[name] = t
	return t
}

// Alias indexes t under an additional name.
func (a *App) Alias(alt string, t *Task) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tasks[alt] = t
}

// Lookup returns the task registered under name or one of its aliases.
func (a *App) Lookup(name string) (*Task, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.tasks[name]
	return t, ok
}

// TaskNames returns every registered name, aliases included, sorted.
func (a *App) TaskNames() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.tasks))
	for name := range a.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PublishOptions tune one dispatch.
type PublishOptions struct {
	TaskID     string
	Queue      string
	Exchange   string
	RoutingKey string
	Countdown  time.Duration
	ETA        time.Time
}

// Send publishes an invocation of t. The message is routed, passed through
// the publish hooks and handed to the broker.
func (a *App) Send(ctx context.Context, t *Task, args []any, kwargs map[string]any, opts PublishOptions) (*AsyncResult, error) {
	m := &message.Message{
		Headers: message.Headers{
			ID:   opts.TaskID,
			Task: t.Name(),
		},
		Args:   args,
		Kwargs: kwargs,
	}
	if m.Headers.ID == "" {
		m.Headers.ID = uuid.NewString()
	}
	if m.Args == nil {
		m.Args = []any{}
	}
	if m.Kwargs == nil {
		m.Kwargs = map[string]any{}
	}
	switch {
	case !opts.ETA.IsZero():
		eta := opts.ETA.UTC()
		m.Headers.ETA = &eta
	case opts.Countdown > 0:
		eta := time.Now().UTC().Add(opts.Countdown)
		m.Headers.ETA = &eta
	}
	if parent := CallFromContext(ctx); parent != nil {
		m.Headers.ParentID = parent.ID
		m.Headers.RootID = parent.Headers.RootID
	}
	if m.Headers.RootID == "" {
		m.Headers.RootID = m.Headers.ID
	}

	m.Headers.Queue, m.Headers.RoutingKey = a.route(t, m, opts)

	if a.storesResults() {
		if err := a.backend.Store(ctx, backend.Result{ID: m.Headers.ID, Task: t.Name(), State: backend.StatePending}); err != nil {
			return nil, err
		}
	}
	if err := a.publish(ctx, m); err != nil {
		return nil, err
	}
	return &AsyncResult{id: m.Headers.ID, task: t.Name(), app: a}, nil
}

// publish runs the publish hooks on m and hands it to the broker.
func (a *App) publish(ctx context.Context, m *message.Message) error {
	a.mu.RLock()
	hooks := append([]PublishHook(nil), a.hooks...)
	a.mu.RUnlock()
	for _, h := range hooks {
		if err := h(ctx, m); err != nil {
			return fmt.Errorf("publish hook for %s: %w", m.Headers.Task, err)
		}
	}

	if err := a.broker.Publish(ctx, m.Headers.Queue, m); err != nil {
		return fmt.Errorf("publish %s: %w", m.Headers.Task, err)
	}
	metrics.RecordPublished(m.Headers.Task, m.Headers.Queue)
	a.logger.WithContext(ctx).WithTask(m.Headers.Task).WithTaskID(m.Headers.ID).WithQueue(m.Headers.Queue).
		WithField("retries", m.Headers.Retries).Debug("task published")
	return nil
}

// SendByName publishes an invocation of the task registered under name.
func (a *App) SendByName(ctx context.Context, name string, args []any, kwargs map[string]any, opts PublishOptions) (*AsyncResult, error) {
	t, ok := a.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotRegistered, name)
	}
	return a.Send(ctx, t, args, kwargs, opts)
}

func (a *App) route(t *Task, m *message.Message, opts PublishOptions) (queue, routingKey string) {
	routingKey = opts.RoutingKey
	queue = opts.Queue
	if queue == "" {
		rt := Route{Task: t, Args: m.Args, Kwargs: m.Kwargs, Exchange: opts.Exchange, RoutingKey: opts.RoutingKey}
		for _, r := range a.conf.Routes {
			if queue = r.Route(rt); queue != "" {
				break
			}
		}
	}
	if queue == "" {
		queue = t.queue
	}
	if queue == "" {
		queue = a.conf.DefaultQueue
	}
	if routingKey == "" {
		if q, ok := a.conf.Queue(queue); ok {
			routingKey = q.RoutingKey
		} else {
			routingKey = a.conf.DefaultRoutingKey
		}
	}
	return queue, routingKey
}

// Execute runs one consumed message in dispatched mode. It is the single
// execution path for workers and the test queue. The returned error wraps
// the body's error in an *ExecutionError.
func (a *App) Execute(ctx context.Context, m *message.Message) (any, error) {
	t, ok := a.Lookup(m.Headers.Task)
	if !ok {
		return nil, &ExecutionError{Task: m.Headers.Task, ID: m.Headers.ID,
			Err: fmt.Errorf("%w: %s", ErrTaskNotRegistered, m.Headers.Task)}
	}
	return t.runDispatched(ctx, m)
}

// CurrentCall returns the innermost execution frame, or nil.
func (a *App) CurrentCall() *Call {
	a.stackMu.Lock()
	defer a.stackMu.Unlock()
	if len(a.frames) == 0 {
		return nil
	}
	return a.frames[len(a.frames)-1]
}

// CurrentTask returns the task of the innermost execution, or nil.
func (a *App) CurrentTask() *Task {
	if c := a.CurrentCall(); c != nil {
		return c.task
	}
	return nil
}

// CurrentRequest returns the active request on the app stack, or nil.
func (a *App) CurrentRequest() *web.Request {
	a.stackMu.Lock()
	defer a.stackMu.Unlock()
	return a.requests.Top()
}

// Depth returns how many executions are on the current-task stack.
func (a *App) Depth() int {
	a.stackMu.Lock()
	defer a.stackMu.Unlock()
	return len(a.frames)
}

func (a *App) pushFrame(c *Call) {
	a.stackMu.Lock()
	defer a.stackMu.Unlock()
	a.frames = append(a.frames, c)
}

func (a *App) popFrame() {
	a.stackMu.Lock()
	defer a.stackMu.Unlock()
	if n := len(a.frames); n > 0 {
		a.frames[n-1] = nil
		a.frames = a.frames[:n-1]
	}
}

// BeginRequest activates req on the app stack and returns ctx carrying it
// with the matching end function.
func (a *App) BeginRequest(ctx context.Context, req *web.Request) (context.Context, func()) {
	a.stackMu.Lock()
	rc := web.NewRequestContext(&a.requests, req)
	ctx = rc.Begin(ctx)
	a.stackMu.Unlock()
	return ctx, func() {
		a.stackMu.Lock()
		defer a.stackMu.Unlock()
		rc.End()
	}
}

// activeRequest is the live request for ctx: the one carried by ctx, else the
// top of the app stack.
func (a *App) activeRequest(ctx context.Context) *web.Request {
	if req := web.RequestFromContext(ctx); req != nil {
		return req
	}
	return a.CurrentRequest()
}

// Close releases the broker and the backend.
func (a *App) Close() error {
	var errs []error
	if err := a.broker.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
