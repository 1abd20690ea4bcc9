package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/taskbridge/internal/config"
	"github.com/austindbirch/taskbridge/internal/deadletter"
	"github.com/austindbirch/taskbridge/internal/health"
	"github.com/austindbirch/taskbridge/internal/logging"
	"github.com/austindbirch/taskbridge/internal/metrics"
	"github.com/austindbirch/taskbridge/internal/monitor"
	"github.com/austindbirch/taskbridge/internal/tracing"
	"github.com/austindbirch/taskbridge/pkg/backend/postgres"
	"github.com/austindbirch/taskbridge/pkg/bootstrap"
	"github.com/austindbirch/taskbridge/pkg/broker"
	"github.com/austindbirch/taskbridge/pkg/broker/nsqbroker"
	"github.com/austindbirch/taskbridge/pkg/message"
	"github.com/austindbirch/taskbridge/pkg/task"
)

// ErrNotNSQBroker is returned by the worker when the app publishes to
// anything but nsqd.
var ErrNotNSQBroker = errors.New("worker needs an nsq:// broker_url")

type workerOptions struct {
	queues          []string
	nsqd            string
	nsqdHTTP        string
	lookupd         string
	channel         string
	httpPort        string
	maxInFlight     int
	publishDLQ      bool
	dlqTopic        string
	monitorInterval time.Duration
	shutdownTimeout time.Duration
}

// load reads every option through v so env vars fill unset flags.
func (o *workerOptions) load(v *viper.Viper) {
	o.queues = v.GetStringSlice("queues")
	o.nsqd = v.GetString("nsqd")
	o.nsqdHTTP = v.GetString("nsqd-http")
	o.lookupd = v.GetString("lookupd")
	o.channel = v.GetString("channel")
	o.httpPort = v.GetString("http-port")
	o.maxInFlight = v.GetInt("max-in-flight")
	o.publishDLQ = v.GetBool("publish-dlq")
	o.dlqTopic = v.GetString("dlq-topic")
	o.monitorInterval = v.GetDuration("monitor-interval")
	o.shutdownTimeout = v.GetDuration("shutdown-timeout")
}

func newWorkerCmd(env *bootstrap.Env, cfg config.Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("TASKBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume the app's queues from nsqd and run their tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts workerOptions
			opts.load(v)
			return runWorker(cmd.Context(), env, opts)
		},
	}

	f := cmd.Flags()
	f.StringSlice("queues", nil, "queues to consume (default: every configured queue)")
	f.String("nsqd", cfg.NSQ.NsqdTCPAddr, "nsqd TCP address consumers connect to")
	f.String("nsqd-http", cfg.NSQ.NsqdHTTPAddr, "nsqd HTTP address polled for queue depth")
	f.String("lookupd", cfg.NSQ.LookupHTTPAddr, "nsqlookupd HTTP address, empty to skip")
	f.String("channel", cfg.NSQ.WorkerChannel, "NSQ channel to subscribe with")
	f.String("http-port", cfg.Worker.HTTPPort, "listen address for /healthz and /metrics")
	f.Int("max-in-flight", cfg.NSQ.MaxInFlight, "messages held at once per queue")
	f.Bool("publish-dlq", cfg.Worker.PublishDLQ, "publish failed tasks to the dead letter topic")
	f.String("dlq-topic", cfg.NSQ.DLQTopic, "dead letter topic")
	f.Duration("monitor-interval", cfg.Worker.MonitorInterval, "queue depth poll interval, 0 disables")
	f.Duration("shutdown-timeout", cfg.Worker.ShutdownTimeout, "grace period for the HTTP server on shutdown")
	for _, name := range []string{"queues", "nsqd", "nsqd-http", "lookupd", "channel", "http-port",
		"max-in-flight", "publish-dlq", "dlq-topic", "monitor-interval", "shutdown-timeout"} {
		_ = v.BindPFlag(name, f.Lookup(name))
	}
	return cmd
}

// queueNames is the default queue followed by every declared queue.
func queueNames(conf task.Config) []string {
	seen := map[string]bool{conf.DefaultQueue: true}
	names := []string{conf.DefaultQueue}
	for _, q := range conf.Queues {
		if !seen[q.Name] {
			seen[q.Name] = true
			names = append(names, q.Name)
		}
	}
	return names
}

func runWorker(ctx context.Context, env *bootstrap.Env, opts workerOptions) error {
	app := env.App
	nsqBroker, ok := app.Broker().(*nsqbroker.Broker)
	if !ok {
		return ErrNotNSQBroker
	}
	queues := opts.queues
	if len(queues) == 0 {
		queues = queueNames(app.Config())
	}
	logger := logging.New(app.Name() + "-worker")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.InitTracing(ctx, app.Name()+"-worker")
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	var dbPinger health.DBPinger
	if pg, ok := app.Backend().(*postgres.Backend); ok {
		dbPinger = pg.Pool()
	}
	httpSrv := &http.Server{Addr: opts.httpPort, Handler: workerRouter(reg, dbPinger, nsqBroker)}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Error("worker HTTP server failed")
			stop()
		}
	}()

	w := &worker{app: app, logger: logger}
	if opts.publishDLQ {
		w.dlq, w.dlqTopic = nsqBroker, opts.dlqTopic
	}

	conf := nsq.NewConfig()
	conf.MaxInFlight = opts.maxInFlight
	var consumers []*nsq.Consumer
	defer func() {
		for _, c := range consumers {
			c.Stop()
			<-c.StopChan
		}
	}()
	for _, queue := range queues {
		c, err := nsqbroker.NewConsumer(ctx, queue, opts.channel, conf, w.handler(queue), logger)
		if err != nil {
			return err
		}
		consumers = append(consumers, c)
		// Connecting directly to nsqd forces channel creation, instead of the
		// channel being lazily created on first publish
		if err := c.ConnectToNSQD(opts.nsqd); err != nil {
			return fmt.Errorf("connect %s to nsqd: %w", queue, err)
		}
		if opts.lookupd != "" {
			if err := c.ConnectToNSQLookupd(opts.lookupd); err != nil {
				return fmt.Errorf("connect %s to lookupd: %w", queue, err)
			}
		}
	}

	if opts.monitorInterval > 0 && opts.nsqdHTTP != "" {
		go monitor.New(opts.nsqdHTTP, opts.channel, queues, logger).Run(ctx, opts.monitorInterval)
	}

	logger.Plain().WithFields(map[string]any{"queues": queues, "channel": opts.channel}).Info("worker started")
	<-ctx.Done()

	logger.Plain().Info("shutting down worker")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.shutdownTimeout)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	return nil
}

func workerRouter(reg *prometheus.Registry, db health.DBPinger, b broker.Pinger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", health.HTTPHandler(db, b))
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return r
}

// worker runs consumed messages one at a time: the app's current task and
// request are process-wide.
type worker struct {
	mu       sync.Mutex
	app      *task.App
	logger   *logging.Logger
	dlq      deadletter.Publisher
	dlqTopic string
}

func (w *worker) handler(queue string) nsqbroker.Handler {
	return func(ctx context.Context, m *message.Message) error {
		return w.run(ctx, queue, m)
	}
}

// run executes m. A retry has already been republished by the task; any
// other failure is final and goes to the dead letter topic when enabled.
func (w *worker) run(ctx context.Context, queue string, m *message.Message) error {
	w.mu.Lock()
	_, err := w.app.Execute(ctx, m)
	w.mu.Unlock()
	if err == nil {
		return nil
	}

	var retry *task.RetryError
	if errors.As(err, &retry) {
		return nil
	}

	reason := failureReason(err)
	w.logger.WithContext(ctx).WithTask(m.Headers.Task).WithTaskID(m.Headers.ID).WithQueue(queue).
		WithField("reason", reason).WithError(err).Error("task failed")
	if w.dlq == nil {
		return err
	}
	if dlqErr := deadletter.Publish(w.dlq, w.dlqTopic, deadletter.New(m, queue, reason, err)); dlqErr != nil {
		w.logger.WithContext(ctx).WithTaskID(m.Headers.ID).WithError(dlqErr).Error("dlq publish failed")
		return errors.Join(err, dlqErr)
	}
	metrics.RecordDLQ(reason)
	w.logger.WithContext(ctx).WithTaskID(m.Headers.ID).WithField("topic", w.dlqTopic).Info("dlq published")
	return err
}

func failureReason(err error) string {
	var (
		maxed    *task.MaxRetriesExceededError
		panicked *task.PanicError
	)
	switch {
	case errors.As(err, &maxed):
		return deadletter.ReasonMaxRetries
	case errors.As(err, &panicked):
		return deadletter.ReasonPanic
	default:
		return deadletter.ReasonFailure
	}
}
